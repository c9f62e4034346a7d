package instrument

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrTypeExists     = errors.New("instrument: type already registered")
	ErrTypeUnknown    = errors.New("instrument: unknown type")
	ErrNilConstructor = errors.New("instrument: nil constructor")
)

// Registry maps instrument type names to constructors.
type Registry struct {
	constructors map[string]Constructor
}

func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// Register adds a constructor for a type name.
func (r *Registry) Register(typeName string, ctor Constructor) error {
	typeName = strings.TrimSpace(typeName)
	if typeName == "" {
		return fmt.Errorf("%w: empty type name", ErrTypeUnknown)
	}
	if ctor == nil {
		return ErrNilConstructor
	}
	if _, ok := r.constructors[typeName]; ok {
		return fmt.Errorf("%w: %q", ErrTypeExists, typeName)
	}
	r.constructors[typeName] = ctor
	return nil
}

// Build constructs an instrument of the given type.
func (r *Registry) Build(typeName, id string, params map[string]string) (Instrument, error) {
	ctor, ok := r.constructors[typeName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTypeUnknown, typeName)
	}
	return ctor(id, params)
}

// Types lists registered type names in sorted order.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
