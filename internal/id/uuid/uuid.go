// Package uuid generates identifiers for stream connection attempts.
package uuid

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
)

// Generator creates UUID v7 strings, which sort by creation time.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// Sequence hands out "<prefix>-1", "<prefix>-2", ... and is meant for tests
// that assert on ids.
type Sequence struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequence returns a Sequence using prefix.
func NewSequence(prefix string) *Sequence {
	return &Sequence{prefix: prefix}
}

// NewID returns the next id in the sequence.
func (s *Sequence) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return s.prefix + "-" + strconv.Itoa(s.n), nil
}
