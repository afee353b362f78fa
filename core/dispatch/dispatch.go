// Package dispatch maps provisioning steps to their implementations, with
// optional per-distribution overrides.
package dispatch

import (
	"errors"
	"fmt"
	"sort"

	"github.com/rootzfs/rootzfs/core/distro"
)

type Mode int

const (
	Required Mode = iota
	Optional
)

func (m Mode) String() string {
	if m == Optional {
		return "optional"
	}
	return "required"
}

// Resolution tells which implementation Resolve picked
type Resolution int

const (
	Missing Resolution = iota
	Variant
	Generic
	Noop
)

func (r Resolution) String() string {
	switch r {
	case Variant:
		return "variant"
	case Generic:
		return "generic"
	case Noop:
		return "noop"
	default:
		return "missing"
	}
}

var ErrMissingStep = errors.New("no implementation for required step")

type key struct {
	step string
	id   distro.ID
}

// Registry holds step implementations of type F. Distribution variants take
// precedence over the generic implementation of the same step.
type Registry[F any] struct {
	generic  map[string]F
	variants map[key]F
}

func NewRegistry[F any]() *Registry[F] {
	return &Registry[F]{
		generic:  map[string]F{},
		variants: map[key]F{},
	}
}

func (r *Registry[F]) Generic(step string, fn F) {
	r.generic[step] = fn
}

func (r *Registry[F]) Variant(step string, id distro.ID, fn F) {
	r.variants[key{step, id}] = fn
}

// Resolve picks the implementation of step for id: distribution variant,
// then generic, then a no-op for optional steps. A required step with no
// implementation resolves to Missing.
func (r *Registry[F]) Resolve(step string, id distro.ID, mode Mode) (F, Resolution) {
	if fn, ok := r.variants[key{step, id}]; ok {
		return fn, Variant
	}
	if fn, ok := r.generic[step]; ok {
		return fn, Generic
	}

	var zero F
	if mode == Optional {
		return zero, Noop
	}
	return zero, Missing
}

// Lookup is Resolve turning Missing into an ErrMissingStep error. On Noop
// the returned function is the zero value and ok is false.
func (r *Registry[F]) Lookup(step string, id distro.ID, mode Mode) (fn F, ok bool, err error) {
	fn, res := r.Resolve(step, id, mode)
	switch res {
	case Missing:
		return fn, false, fmt.Errorf("%w: %s (%s)", ErrMissingStep, step, id)
	case Noop:
		return fn, false, nil
	}
	return fn, true, nil
}

// Steps lists every step with at least one implementation
func (r *Registry[F]) Steps() []string {
	seen := map[string]struct{}{}
	for s := range r.generic {
		seen[s] = struct{}{}
	}
	for k := range r.variants {
		seen[k.step] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
