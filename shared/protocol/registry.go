package protocol

import (
	"sort"
	"sync/atomic"

	"github.com/rotisserie/eris"
)

// Codec is the typed description of how one component crosses the wire.
type Codec[T any] struct {
	Encode func(w *Writer, v T)
	Decode func(r *Reader) T
	// Equal reports whether a and b match within the component's tolerance.
	// Nil means exact equality is never assumed and reconciliation always
	// treats the values as different.
	Equal func(a, b T) bool
	// SizeHint is the expected encoded payload size in bytes.
	SizeHint int
}

// ComponentFuncs is the type-erased function table for one kind.
type ComponentFuncs struct {
	Kind     Kind
	Name     string
	SizeHint int

	encode func(w *Writer, v any) error
	decode func(r *Reader) any
	equal  func(a, b any) bool

	observed atomic.Int64
}

// Registry maps component kinds to their function tables. Kinds are
// registered once at startup; after Seal the registry is read-only apart
// from size observations, and safe to share between goroutines.
type Registry struct {
	funcs    map[Kind]*ComponentFuncs
	names    map[string]Kind
	together map[Kind][]Kind
	sealed   bool
}

func NewRegistry() *Registry {
	return &Registry{
		funcs:    make(map[Kind]*ComponentFuncs),
		names:    make(map[string]Kind),
		together: make(map[Kind][]Kind),
	}
}

// Register adds kind to the registry with the codec for T.
func Register[T any](r *Registry, kind Kind, name string, c Codec[T]) error {
	if r.sealed {
		return eris.Wrapf(ErrRegistrySealed, "register %s", name)
	}
	if kind == KindEntity {
		return eris.Wrapf(ErrKindRegistered, "kind %d is reserved for entity records", kind)
	}
	if _, ok := r.funcs[kind]; ok {
		return eris.Wrapf(ErrKindRegistered, "kind %d", kind)
	}
	if _, ok := r.names[name]; ok {
		return eris.Wrapf(ErrKindRegistered, "name %q", name)
	}
	if c.Encode == nil || c.Decode == nil {
		return eris.Errorf("component %s: codec needs both Encode and Decode", name)
	}

	f := &ComponentFuncs{
		Kind:     kind,
		Name:     name,
		SizeHint: c.SizeHint,
		encode: func(w *Writer, v any) error {
			tv, ok := v.(T)
			if !ok {
				return eris.Errorf("component %s: cannot encode value of type %T", name, v)
			}
			c.Encode(w, tv)
			return nil
		},
		decode: func(rd *Reader) any {
			return c.Decode(rd)
		},
		equal: func(a, b any) bool {
			if c.Equal == nil {
				return false
			}
			ta, ok := a.(T)
			if !ok {
				return false
			}
			tb, ok := b.(T)
			if !ok {
				return false
			}
			return c.Equal(ta, tb)
		},
	}
	r.funcs[kind] = f
	r.names[name] = kind
	return nil
}

// MustRegister is Register for static component tables; it panics on error.
func MustRegister[T any](r *Registry, kind Kind, name string, c Codec[T]) {
	if err := Register(r, kind, name, c); err != nil {
		panic(err)
	}
}

// RequireTogether links kinds so that, for a single entity, records of these
// kinds are either all sent in a snapshot or none are.
func (r *Registry) RequireTogether(kinds ...Kind) error {
	if r.sealed {
		return eris.Wrap(ErrRegistrySealed, "require together")
	}
	for _, k := range kinds {
		if _, ok := r.funcs[k]; !ok {
			return eris.Wrapf(ErrUnknownKind, "kind %d", k)
		}
	}

	group := make(map[Kind]struct{})
	for _, k := range kinds {
		group[k] = struct{}{}
		for _, linked := range r.together[k] {
			group[linked] = struct{}{}
		}
	}
	merged := make([]Kind, 0, len(group))
	for k := range group {
		merged = append(merged, k)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i] < merged[j] })
	for _, k := range merged {
		r.together[k] = merged
	}
	return nil
}

// Group returns the kinds linked to kind by RequireTogether, including kind
// itself, in ascending order. Unlinked kinds form a group of one.
func (r *Registry) Group(kind Kind) []Kind {
	if g, ok := r.together[kind]; ok {
		return g
	}
	return []Kind{kind}
}

// Seal freezes the registry.
func (r *Registry) Seal() {
	r.sealed = true
}

// Lookup returns the function table for kind.
func (r *Registry) Lookup(kind Kind) (*ComponentFuncs, bool) {
	f, ok := r.funcs[kind]
	return f, ok
}

// Kinds returns every registered kind in ascending order.
func (r *Registry) Kinds() []Kind {
	kinds := make([]Kind, 0, len(r.funcs))
	for k := range r.funcs {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Name returns the registered name of kind.
func (r *Registry) Name(kind Kind) string {
	if kind == KindEntity {
		return "entity"
	}
	if f, ok := r.funcs[kind]; ok {
		return f.Name
	}
	return "unknown"
}

// Encode serializes v as a payload of kind.
func (r *Registry) Encode(kind Kind, v any) ([]byte, error) {
	f, ok := r.funcs[kind]
	if !ok {
		return nil, eris.Wrapf(ErrUnknownKind, "kind %d", kind)
	}
	w := NewWriter(f.SizeEstimate())
	if err := f.encode(w, v); err != nil {
		return nil, err
	}
	f.observe(w.Len())
	return w.Bytes(), nil
}

// Decode parses a payload of kind. The whole payload must be consumed.
func (r *Registry) Decode(kind Kind, payload []byte) (any, error) {
	f, ok := r.funcs[kind]
	if !ok {
		return nil, eris.Wrapf(ErrUnknownKind, "kind %d", kind)
	}
	rd := NewReader(payload)
	v := f.decode(rd)
	if err := rd.Done(); err != nil {
		return nil, eris.Wrapf(err, "decode %s", f.Name)
	}
	return v, nil
}

// Equal compares two values of kind within the kind's tolerance.
func (r *Registry) Equal(kind Kind, a, b any) bool {
	f, ok := r.funcs[kind]
	if !ok {
		return false
	}
	return f.equal(a, b)
}

// SizeEstimate returns the largest payload size observed for kind, or its
// size hint if nothing was encoded yet.
func (r *Registry) SizeEstimate(kind Kind) int {
	f, ok := r.funcs[kind]
	if !ok {
		return 0
	}
	return f.SizeEstimate()
}

func (f *ComponentFuncs) SizeEstimate() int {
	if n := int(f.observed.Load()); n > 0 {
		return n
	}
	return f.SizeHint
}

func (f *ComponentFuncs) observe(n int) {
	for {
		cur := f.observed.Load()
		if int64(n) <= cur || f.observed.CompareAndSwap(cur, int64(n)) {
			return
		}
	}
}
