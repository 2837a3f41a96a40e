// Package objregistry implements the server-side object registry from
// spec.md §4.4: a map from 16-bit object ids to live objects, plus a
// name→id binding table used by the well-known resolver at id 0.
package objregistry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cout/romp/protocol"
)

// MaxID is the population ceiling: ids are a full uint16 range.
const MaxID = 1 << 16

var (
	ErrLimitExceeded = errors.New("objregistry: object limit exceeded")
	ErrUnknownObject = errors.New("objregistry: unknown object id")
)

// Registry is the single piece of server-side shared state (spec.md §5),
// guarded by its own mutex. Registered objects must be usable as Go map
// keys — in practice, always register pointers.
type Registry struct {
	mu       sync.Mutex
	nextID   uint32
	freeIDs  []uint16
	objects  map[uint16]interface{}
	identity map[interface{}]uint16
	names    map[string]uint16
}

// New builds a Registry with the well-known resolver pre-registered at id
// 0 (spec.md §4.4).
func New() *Registry {
	r := &Registry{
		nextID:   1,
		objects:  make(map[uint16]interface{}),
		identity: make(map[interface{}]uint16),
		names:    make(map[string]uint16),
	}
	res := &resolver{reg: r}
	r.objects[protocol.ResolverID] = res
	r.identity[res] = protocol.ResolverID
	return r
}

// Register assigns obj a fresh id, or returns its existing id if it is
// already registered.
func (r *Registry) Register(obj interface{}) (uint16, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.register(obj)
}

func (r *Registry) register(obj interface{}) (uint16, error) {
	if id, ok := r.identity[obj]; ok {
		return id, nil
	}

	var id uint16
	switch {
	case len(r.freeIDs) > 0:
		id = r.freeIDs[len(r.freeIDs)-1]
		r.freeIDs = r.freeIDs[:len(r.freeIDs)-1]
	case r.nextID < MaxID:
		id = uint16(r.nextID)
	default:
		return 0, ErrLimitExceeded
	}
	// Open question (a): nextID advances even when id came from the free
	// list, silently dropping whatever id nextID would otherwise have
	// produced next. Preserved as-is, not corrected.
	r.nextID++

	r.objects[id] = obj
	r.identity[obj] = id
	return id, nil
}

// Unregister removes obj by identity. Its id is not returned to the free
// list (spec.md §4.4): a deliberate leak so stale remote handles dangle
// rather than end up aliasing a different object.
func (r *Registry) Unregister(obj interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.identity[obj]
	if !ok {
		return
	}
	delete(r.identity, obj)
	delete(r.objects, id)
	for name, nid := range r.names {
		if nid == id {
			delete(r.names, name)
		}
	}
}

// Get looks up an object by id.
func (r *Registry) Get(id uint16) (interface{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, ok := r.objects[id]
	return obj, ok
}

// IDOf returns the id an already-registered object was assigned.
func (r *Registry) IDOf(obj interface{}) (uint16, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.identity[obj]
	return id, ok
}

// Bind associates name with an already-registered id.
func (r *Registry) Bind(name string, id uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.objects[id]; !ok {
		return ErrUnknownObject
	}
	r.names[name] = id
	return nil
}

// Resolve looks up the id bound to name.
func (r *Registry) Resolve(name string) (uint16, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.names[name]
	return id, ok
}

// resolver is the object living at id 0: it exposes a single method,
// Resolve, so a freshly connected client can look up any other bound name
// before it holds any other proxy.
type resolver struct {
	reg *Registry
}

func (r *resolver) Resolve(name string) (uint16, error) {
	id, ok := r.reg.Resolve(name)
	if !ok {
		return 0, fmt.Errorf("objregistry: no object bound to name %q", name)
	}
	return id, nil
}
