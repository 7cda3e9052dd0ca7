// Package stage describes the ordered pipeline stages an evaluation job moves
// through and turns a (stage, intra-stage fraction) pair into an overall
// percentage.
package stage

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyStageID is returned when a descriptor has no id.
	ErrEmptyStageID = errors.New("stage id is required")
	// ErrDuplicateStage is returned when two descriptors share an id.
	ErrDuplicateStage = errors.New("duplicate stage id")
	// ErrPositionOrder is returned when positions are not strictly increasing.
	ErrPositionOrder = errors.New("stage positions must be strictly increasing")
	// ErrHintRange is returned when a static hint falls outside [0,100].
	ErrHintRange = errors.New("stage hint must be within [0,100]")
)

// Descriptor is one step of the evaluation pipeline.
type Descriptor struct {
	// ID is the identifier the server reports in current_stage.
	ID string `mapstructure:"id" json:"id"`
	// Position is the ordinal of the stage within the pipeline.
	Position int `mapstructure:"position" json:"position"`
	// Hint optionally pins the percentage reported when the stage starts.
	Hint *int `mapstructure:"hint" json:"hint,omitempty"`
}

// WithHint returns a copy of d carrying the static progress hint.
func (d Descriptor) WithHint(pct int) Descriptor {
	d.Hint = &pct
	return d
}

// Catalog is an immutable, ordered sequence of stage descriptors.
type Catalog struct {
	stages []Descriptor
	index  map[string]int
}

// NewCatalog validates the descriptors and builds a Catalog. Descriptors must
// be supplied in pipeline order.
func NewCatalog(stages ...Descriptor) (*Catalog, error) {
	c := &Catalog{
		stages: make([]Descriptor, 0, len(stages)),
		index:  make(map[string]int, len(stages)),
	}
	for i, d := range stages {
		if d.ID == "" {
			return nil, fmt.Errorf("stage %d: %w", i, ErrEmptyStageID)
		}
		if _, dup := c.index[d.ID]; dup {
			return nil, fmt.Errorf("stage %q: %w", d.ID, ErrDuplicateStage)
		}
		if i > 0 && d.Position <= stages[i-1].Position {
			return nil, fmt.Errorf("stage %q at position %d: %w", d.ID, d.Position, ErrPositionOrder)
		}
		if d.Hint != nil && (*d.Hint < 0 || *d.Hint > 100) {
			return nil, fmt.Errorf("stage %q hint %d: %w", d.ID, *d.Hint, ErrHintRange)
		}
		if d.Hint != nil {
			hint := *d.Hint
			d.Hint = &hint
		}
		c.index[d.ID] = i
		c.stages = append(c.stages, d)
	}
	return c, nil
}

// MustCatalog is NewCatalog for package-level tables; it panics on invalid input.
func MustCatalog(stages ...Descriptor) *Catalog {
	c, err := NewCatalog(stages...)
	if err != nil {
		panic(err)
	}
	return c
}

// Len reports the number of stages.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.stages)
}

// Stages returns a copy of the ordered descriptors.
func (c *Catalog) Stages() []Descriptor {
	if c == nil {
		return nil
	}
	out := make([]Descriptor, len(c.stages))
	copy(out, c.stages)
	return out
}

// Lookup returns the descriptor for id.
func (c *Catalog) Lookup(id string) (Descriptor, bool) {
	if c == nil {
		return Descriptor{}, false
	}
	i, ok := c.index[id]
	if !ok {
		return Descriptor{}, false
	}
	return c.stages[i], true
}

// Next returns the stage following id, if any.
func (c *Catalog) Next(id string) (Descriptor, bool) {
	if c == nil {
		return Descriptor{}, false
	}
	i, ok := c.index[id]
	if !ok || i+1 >= len(c.stages) {
		return Descriptor{}, false
	}
	return c.stages[i+1], true
}
