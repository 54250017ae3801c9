package state

import (
	"fmt"
	"slices"
	"strings"
)

// LinkDef is a broadcast domain shared by a set of simulated nodes.
type LinkDef struct {
	Name  string
	Nodes []string
}

func parseSymbolList(s string, validSymbols []string) ([]string, error) {
	spl := strings.Split(strings.TrimSpace(s), ",")
	line := make([]string, 0)
	for _, s := range spl {
		x := strings.TrimSpace(s)
		if x == "" {
			continue
		}
		if !slices.Contains(validSymbols, x) {
			return nil, fmt.Errorf(`%s is not a valid node`, x)
		}
		line = append(line, x)
	}
	if len(line) == 0 {
		return nil, fmt.Errorf(`node list must not be empty`)
	}
	slices.Sort(line)
	return slices.Compact(line), nil
}

// ParseLinks reads a topology description. Each line is either
// "name = a, b, c" for a named broadcast domain or "a, b" for an anonymous
// link, which is named after its members.
func ParseLinks(graph []string, nodes []string) ([]LinkDef, error) {
	links := make([]LinkDef, 0)
	names := make(map[string]struct{})
	for _, line := range graph {
		line = strings.ToLower(strings.TrimSpace(line))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var name, members string
		if strings.Contains(line, "=") {
			spl := strings.Split(line, "=")
			if len(spl) != 2 {
				return nil, fmt.Errorf("invalid link: %s. link definition must contain one '='", line)
			}
			name = strings.TrimSpace(spl[0])
			if err := NameValidator(name); err != nil {
				return nil, err
			}
			members = spl[1]
		} else {
			members = line
		}
		lst, err := parseSymbolList(members, nodes)
		if err != nil {
			return nil, err
		}
		if len(lst) < 2 {
			return nil, fmt.Errorf("invalid link %s, a link needs at least two nodes", line)
		}
		if name == "" {
			name = strings.Join(lst, "-")
		}
		if _, ok := names[name]; ok {
			return nil, fmt.Errorf("duplicate link name: %s", name)
		}
		names[name] = struct{}{}
		links = append(links, LinkDef{Name: name, Nodes: lst})
	}
	slices.SortFunc(links, func(a, b LinkDef) int {
		return strings.Compare(a.Name, b.Name)
	})
	return links, nil
}

// LineTopology connects each node to the next one with a point-to-point link.
func LineTopology(nodes []string) []string {
	graph := make([]string, 0, len(nodes))
	for i := 1; i < len(nodes); i++ {
		graph = append(graph, nodes[i-1]+", "+nodes[i])
	}
	return graph
}
