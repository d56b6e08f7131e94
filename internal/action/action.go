// Package action defines action identifiers and the registered action catalog.
package action

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/danielpatrickdp/reflexcore/internal/state"
)

// #region types
// ID identifies an action. Zero is never a valid action.
type ID uint32

// Spec describes a registered action.
type Spec struct {
	ID     ID
	Name   string
	Kind   string // executor routing key
	Cost   float64
	Effect [state.Dims]float64 // expected state delta when the action runs
	Goals  []string
	Safe   bool // may run in FlagUnsafe states
	Params map[string]float64
}

// Serves reports whether the action is tagged with goal.
func (s Spec) Serves(goal string) bool {
	if goal == "" {
		return false
	}
	for _, g := range s.Goals {
		if g == goal {
			return true
		}
	}
	return false
}

var (
	// ErrUnknown is returned for lookups of unregistered actions.
	ErrUnknown = errors.New("action: unknown action")
	// ErrInvalid is returned when registering a malformed spec.
	ErrInvalid = errors.New("action: invalid spec")
)

// #endregion types

// #region catalog
// Catalog is the set of registered actions. Safe for concurrent use.
type Catalog struct {
	mu    sync.RWMutex
	specs map[ID]Spec
}

// NewCatalog creates a catalog holding specs.
func NewCatalog(specs ...Spec) (*Catalog, error) {
	c := &Catalog{specs: make(map[ID]Spec, len(specs))}
	for _, s := range specs {
		if err := c.Register(s); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Register adds or replaces a spec.
func (c *Catalog) Register(s Spec) error {
	if s.ID == 0 {
		return fmt.Errorf("%w: zero id", ErrInvalid)
	}
	if s.Cost < 0 {
		return fmt.Errorf("%w: negative cost for %d", ErrInvalid, s.ID)
	}
	c.mu.Lock()
	c.specs[s.ID] = s
	c.mu.Unlock()
	return nil
}

// Get returns the spec for id.
func (c *Catalog) Get(id ID) (Spec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.specs[id]
	return s, ok
}

// All returns every spec ordered by id.
func (c *Catalog) All() []Spec {
	c.mu.RLock()
	out := make([]Spec, 0, len(c.specs))
	for _, s := range c.specs {
		out = append(out, s)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered actions.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.specs)
}

// #endregion catalog
