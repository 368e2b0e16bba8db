package pii

import (
	"sync"

	"github.com/google/uuid"
)

// Registry hands out one Tokenizer per task. The instance lives while at least
// one holder has acquired it, so concurrent jobs of a task share tokens and
// different tasks never do.
type Registry struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*registryEntry
}

type registryEntry struct {
	tokenizer *Tokenizer
	refs      int
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[uuid.UUID]*registryEntry)}
}

// Acquire returns the Tokenizer for taskID, creating it on first use.
// Every Acquire must be paired with a Release.
func (r *Registry) Acquire(taskID uuid.UUID) *Tokenizer {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[taskID]
	if !ok {
		e = &registryEntry{tokenizer: NewTokenizer()}
		r.entries[taskID] = e
	}
	e.refs++
	return e.tokenizer
}

// Release drops one reference and discards the Tokenizer when none remain.
func (r *Registry) Release(taskID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[taskID]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(r.entries, taskID)
	}
}

// Len returns the number of live task tokenizers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
