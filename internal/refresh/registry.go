package refresh

import (
	"errors"
	"fmt"
	"sort"

	"github.com/tonimelisma/emsrefresh/internal/inventory"
)

// ErrUnknownType is returned when a record names a type discriminator that
// has no registered constructor.
var ErrUnknownType = errors.New("refresh: unknown instance type")

// Constructor builds a new, unsaved instance entity of one concrete type.
type Constructor func() *inventory.Entity

// Registry maps type discriminators to instance constructors.
type Registry struct {
	ctors       map[string]Constructor
	defaultType string
}

// NewRegistry returns an empty registry whose fallback type is defaultType.
func NewRegistry(defaultType string) *Registry {
	return &Registry{ctors: make(map[string]Constructor), defaultType: defaultType}
}

// Register adds or replaces the constructor for typ.
func (r *Registry) Register(typ string, ctor Constructor) {
	r.ctors[typ] = ctor
}

// Has reports whether typ is registered.
func (r *Registry) Has(typ string) bool {
	_, ok := r.ctors[typ]
	return ok
}

// Default returns the fallback type used when a record carries none.
func (r *Registry) Default() string {
	return r.defaultType
}

// Types returns the registered discriminators, sorted.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.ctors))
	for t := range r.ctors {
		out = append(out, t)
	}

	sort.Strings(out)

	return out
}

// Build constructs an entity for typ, or for fallback when typ is empty.
func (r *Registry) Build(typ, fallback string) (*inventory.Entity, error) {
	if typ == "" {
		typ = fallback
	}

	if typ == "" {
		typ = r.defaultType
	}

	ctor, ok := r.ctors[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}

	e := ctor()
	e.Collection = collectionInstances
	e.Type = typ

	if e.Attributes == nil {
		e.Attributes = make(map[string]any)
	}

	return e, nil
}

func vmConstructor() *inventory.Entity {
	return &inventory.Entity{Attributes: map[string]any{"template": false}}
}

func templateConstructor() *inventory.Entity {
	return &inventory.Entity{Attributes: map[string]any{"template": true}}
}

// DefaultRegistry knows the generic vm and template types plus the vendor
// variants of the common cloud providers.
func DefaultRegistry() *Registry {
	r := NewRegistry("vm")

	r.Register("vm", vmConstructor)
	r.Register("template", templateConstructor)

	for _, vendor := range []string{"openstack", "amazon", "azure", "google"} {
		r.Register(vendor+"_vm", vmConstructor)
		r.Register(vendor+"_template", templateConstructor)
	}

	return r
}
