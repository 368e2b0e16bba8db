package pii

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestRegistry_SameTaskSharesTokenizer(t *testing.T) {
	r := NewRegistry()
	task := uuid.New()

	a := r.Acquire(task)
	b := r.Acquire(task)
	assert.Same(t, a, b)

	r.Release(task)
	assert.Equal(t, 1, r.Len())
	r.Release(task)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_TasksAreIsolated(t *testing.T) {
	r := NewRegistry()
	taskA, taskB := uuid.New(), uuid.New()

	a := r.Acquire(taskA)
	b := r.Acquire(taskB)
	assert.NotSame(t, a, b)

	a.Mask("x@y.com")
	maskedB, _ := b.Mask("other@y.com x@y.com")
	assert.Equal(t, "<EMAIL_001> <EMAIL_002>", maskedB)
}

func TestRegistry_ReleaseUnknownIsNoop(t *testing.T) {
	r := NewRegistry()
	r.Release(uuid.New())
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_FreshTokenizerAfterRelease(t *testing.T) {
	r := NewRegistry()
	task := uuid.New()

	first := r.Acquire(task)
	first.Mask("x@y.com")
	r.Release(task)

	second := r.Acquire(task)
	assert.Equal(t, 0, second.Len())
}
