package modes

import (
	"strings"

	"github.com/pkg/errors"
)

// Registry is the immutable catalog of modes, in display order.
type Registry struct {
	order []string
	byID  map[string]Mode
}

// NewRegistry validates the modes and builds a registry. Later modes with a
// duplicate id are rejected.
func NewRegistry(ms ...Mode) (*Registry, error) {
	r := &Registry{byID: map[string]Mode{}}
	for _, m := range ms {
		m.ID = strings.TrimSpace(m.ID)
		if m.ID == "" {
			return nil, errors.New("mode id is empty")
		}
		if _, ok := r.byID[m.ID]; ok {
			return nil, errors.Errorf("duplicate mode %q", m.ID)
		}
		if m.Name == "" {
			m.Name = m.ID
		}
		if err := m.Backend.Validate(); err != nil {
			return nil, errors.Wrapf(err, "mode %q", m.ID)
		}
		m.QuickActions = append([]string(nil), m.QuickActions...)
		r.byID[m.ID] = m
		r.order = append(r.order, m.ID)
	}
	if len(r.order) == 0 {
		return nil, errors.New("registry has no modes")
	}
	return r, nil
}

// Resolve returns the mode registered under id.
func (r *Registry) Resolve(id string) (Mode, error) {
	if r == nil {
		return Mode{}, errors.Wrapf(ErrUnknownMode, "%q", id)
	}
	m, ok := r.byID[id]
	if !ok {
		return Mode{}, errors.Wrapf(ErrUnknownMode, "%q", id)
	}
	return m, nil
}

func (r *Registry) Has(id string) bool {
	if r == nil {
		return false
	}
	_, ok := r.byID[id]
	return ok
}

// List returns the modes in registration order.
func (r *Registry) List() []Mode {
	if r == nil {
		return nil
	}
	out := make([]Mode, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

func (r *Registry) IDs() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.order...)
}

// Default is the mode selected at startup.
func (r *Registry) Default() Mode {
	return r.byID[r.order[0]]
}
