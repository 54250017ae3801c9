//go:build e2e

package e2e

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/testcontainers/testcontainers-go"
)

var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

func StripAnsi(s string) string {
	return ansiRegex.ReplaceAllString(s, "")
}

type logWatch struct {
	source  string
	pattern *regexp.Regexp
	matched chan struct{}
}

// LogManager collects the output of the broker container and of every mesh
// instance, and wakes up tests waiting for a line to appear.
type LogManager struct {
	mu      sync.Mutex
	watches []*logWatch
	history map[string]*strings.Builder
}

func NewLogManager() *LogManager {
	return &LogManager{history: make(map[string]*strings.Builder)}
}

func (m *LogManager) Accept(source, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.history[source]
	if !ok {
		b = &strings.Builder{}
		m.history[source] = b
	}
	b.WriteString(content)
	for _, w := range m.watches {
		if w.source == source && w.pattern.MatchString(content) {
			w.fire()
		}
	}
}

func (w *logWatch) fire() {
	select {
	case w.matched <- struct{}{}:
	default:
	}
}

// Watch returns a channel signalled once source logged a line matching
// pattern, including lines logged before the call.
func (m *LogManager) Watch(source, pattern string) (<-chan struct{}, func(), error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, nil, err
	}
	w := &logWatch{source: source, pattern: re, matched: make(chan struct{}, 1)}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watches = append(m.watches, w)
	if b, ok := m.history[source]; ok && re.MatchString(b.String()) {
		w.fire()
	}
	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, other := range m.watches {
			if other == w {
				m.watches = append(m.watches[:i], m.watches[i+1:]...)
				break
			}
		}
	}
	return w.matched, cancel, nil
}

func (m *LogManager) History(source string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.history[source]; ok {
		return b.String()
	}
	return ""
}

// containerLogs forwards container output to the manager.
type containerLogs struct {
	name    string
	manager *LogManager
}

func (c *containerLogs) Accept(l testcontainers.Log) {
	content := StripAnsi(string(l.Content))
	fmt.Printf("[%s:%s] %s", c.name, l.LogType, content)
	c.manager.Accept(c.name, content)
}

// logWriter feeds a mesh instance logger into the manager.
type logWriter struct {
	name    string
	manager *LogManager
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.manager.Accept(w.name, StripAnsi(string(p)))
	return len(p), nil
}
