package core

import (
	"slices"
	"sync"

	"github.com/encodeous/bativ/protocol"
	"github.com/encodeous/bativ/state"
)

// TvlvHandler receives a container an originator announced. When registered
// to be called if not found, it also runs with found false for every OGM
// lacking the container.
type TvlvHandler func(orig *OriginatorNode, value []byte, found bool)

type tvlvKey struct {
	typ     uint8
	version uint8
}

type tvlvHandlerEntry struct {
	fn             TvlvHandler
	callIfNotFound bool
}

// TvlvRegistry holds the containers this node announces in its primary OGMs
// and the handlers for containers received from others.
type TvlvRegistry struct {
	mu         sync.RWMutex
	containers map[tvlvKey][]byte
	handlers   map[tvlvKey]tvlvHandlerEntry
}

func (r *TvlvRegistry) Init(m *Mesh) error {
	r.containers = make(map[tvlvKey][]byte)
	r.handlers = make(map[tvlvKey]tvlvHandlerEntry)
	return nil
}

func (r *TvlvRegistry) Cleanup(m *Mesh) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.containers)
	clear(r.handlers)
	return nil
}

// RegisterContainer announces tv from the next own OGM on, replacing any
// container of the same type and version.
func (r *TvlvRegistry) RegisterContainer(tv protocol.TVLV) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.containers[tvlvKey{tv.Type, tv.Version}] = slices.Clone(tv.Value)
}

func (r *TvlvRegistry) UnregisterContainer(typ, version uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.containers, tvlvKey{typ, version})
}

// AppendOwnContainers appends every registered container to b, ordered by type and version.
func (r *TvlvRegistry) AppendOwnContainers(b []byte) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]tvlvKey, 0, len(r.containers))
	for k := range r.containers {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b tvlvKey) int {
		if a.typ != b.typ {
			return int(a.typ) - int(b.typ)
		}
		return int(a.version) - int(b.version)
	})
	var err error
	for _, k := range keys {
		b, err = protocol.AppendTVLV(b, protocol.TVLV{Type: k.typ, Version: k.version, Value: r.containers[k]})
		if err != nil {
			return b, err
		}
	}
	return b, nil
}

func (r *TvlvRegistry) RegisterHandler(typ, version uint8, fn TvlvHandler, callIfNotFound bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[tvlvKey{typ, version}] = tvlvHandlerEntry{fn: fn, callIfNotFound: callIfNotFound}
}

func (r *TvlvRegistry) UnregisterHandler(typ, version uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, tvlvKey{typ, version})
}

// Dispatch delivers the containers in payload to their handlers. Containers
// decoded before a malformed one are still delivered.
func (r *TvlvRegistry) Dispatch(orig *OriginatorNode, payload []byte) error {
	tvs, err := protocol.ParseTVLVs(payload)
	r.mu.RLock()
	type call struct {
		fn    TvlvHandler
		value []byte
		found bool
	}
	calls := make([]call, 0, len(tvs))
	seen := make(map[tvlvKey]struct{}, len(tvs))
	for _, tv := range tvs {
		k := tvlvKey{tv.Type, tv.Version}
		if h, ok := r.handlers[k]; ok {
			calls = append(calls, call{fn: h.fn, value: tv.Value, found: true})
			seen[k] = struct{}{}
		}
	}
	for k, h := range r.handlers {
		if _, ok := seen[k]; !ok && h.callIfNotFound {
			calls = append(calls, call{fn: h.fn})
		}
	}
	r.mu.RUnlock()
	for _, c := range calls {
		c.fn(orig, c.value, c.found)
	}
	return err
}

var _ MeshModule = (*TvlvRegistry)(nil)

// ownTVLVLimit bounds the containers carried in an own OGM so it still fits one frame.
var ownTVLVLimit = state.MaxAggregationBytes - protocol.HeaderLen
