// Package registry implements the broker's procedure registry: a mapping
// from procedure name to the priority-ordered set of clients willing to
// handle it (spec.md §4.3).
//
// Unlike a service-discovery registry (compare registry/advertise, which
// repurposes the teacher's etcd-backed Registry for broker presence
// advertisement), this registry never leaves the broker process — it is
// consulted only by the dispatch core.
package registry

import (
	"errors"
	"sort"
	"strings"

	"mini-rpc-broker/rpc"
)

// CoreFunctionPrefix marks procedure names reserved for the broker's own
// synthetic procedures; clients may never register a name with this
// prefix.
const CoreFunctionPrefix = "core."

// DefaultPriority is used by handlers that don't specify one — lowest
// rank, served last (spec.md §3).
const DefaultPriority = ^uint16(0)

// Handler is one client's registration for a procedure name.
type Handler struct {
	ClientID rpc.ClientID
	Priority uint16
}

type entry struct {
	handlers   []Handler
	generation uint64
}

// Registry is the procedure name → priority-ordered handler multimap.
// It is not safe for concurrent use; the dispatch core is its sole owner
// and serializes all access through its command loop.
type Registry struct {
	procedures map[string]*entry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{procedures: make(map[string]*entry)}
}

// ErrReservedName is returned when a client tries to register a name with
// the core.* prefix.
var ErrReservedName = errors.New("registry: reserved name")

// ErrAlreadyRegistered is returned when a client tries to register the
// same name twice.
var ErrAlreadyRegistered = errors.New("registry: already registered")

// Register adds client as a handler for name at priority, inserting to
// keep the handler slice sorted ascending by priority with insertion
// order preserved among ties (spec.md §3 invariants).
func (r *Registry) Register(name string, client rpc.ClientID, priority uint16) error {
	if strings.HasPrefix(name, CoreFunctionPrefix) {
		return ErrReservedName
	}
	e, ok := r.procedures[name]
	if !ok {
		e = &entry{}
		r.procedures[name] = e
	}
	for _, h := range e.handlers {
		if h.ClientID == client {
			return ErrAlreadyRegistered
		}
	}
	// Stable insertion: find the first index whose priority is strictly
	// greater than the new one, so ties keep registration order.
	idx := sort.Search(len(e.handlers), func(i int) bool {
		return e.handlers[i].Priority > priority
	})
	e.handlers = append(e.handlers, Handler{})
	copy(e.handlers[idx+1:], e.handlers[idx:])
	e.handlers[idx] = Handler{ClientID: client, Priority: priority}
	e.generation++
	return nil
}

// DeregisterByClient removes every handler entry owned by client, sweeping
// out procedure names left with no remaining handlers.
func (r *Registry) DeregisterByClient(client rpc.ClientID) {
	for name, e := range r.procedures {
		filtered := e.handlers[:0]
		changed := false
		for _, h := range e.handlers {
			if h.ClientID == client {
				changed = true
				continue
			}
			filtered = append(filtered, h)
		}
		e.handlers = filtered
		if changed {
			e.generation++
		}
		if len(e.handlers) == 0 {
			delete(r.procedures, name)
		}
	}
}

// First returns the highest-ranked (lowest priority value) handler for
// name, its index, and the procedure's current generation.
func (r *Registry) First(name string) (handler Handler, index int, generation uint64, ok bool) {
	e, present := r.procedures[name]
	if !present || len(e.handlers) == 0 {
		return Handler{}, 0, 0, false
	}
	return e.handlers[0], 0, e.generation, true
}

// NextAfter returns the handler one position past index within name's
// current handler list, along with the list's current generation. If the
// list's generation has advanced since the caller last observed it, index
// is interpreted against the *current* list (spec.md §9's generation
// counter design note); a caller can compare the returned generation
// with one it saw earlier to decide whether to trust the position. The
// dispatch core does not use NextAfter: it walks its own snapshot taken
// from Handlers.
func (r *Registry) NextAfter(name string, index int) (handler Handler, newIndex int, generation uint64, ok bool) {
	e, present := r.procedures[name]
	if !present {
		return Handler{}, 0, 0, false
	}
	next := index + 1
	if next < 0 || next >= len(e.handlers) {
		return Handler{}, next, e.generation, false
	}
	return e.handlers[next], next, e.generation, true
}

// Generation returns name's current mutation counter, or 0 if name has no
// registered handlers.
func (r *Registry) Generation(name string) uint64 {
	e, ok := r.procedures[name]
	if !ok {
		return 0
	}
	return e.generation
}

// Handlers returns a copy of name's current priority-ordered handler list.
// The dispatch core keeps this copy as a call's handler chain; tests use
// it for inspection.
func (r *Registry) Handlers(name string) []Handler {
	e, ok := r.procedures[name]
	if !ok {
		return nil
	}
	out := make([]Handler, len(e.handlers))
	copy(out, e.handlers)
	return out
}
