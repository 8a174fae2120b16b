package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerRunsHooksInReverseOrder(t *testing.T) {
	h := NewHandler(time.Second)

	var order []int
	h.OnShutdown(func(context.Context) error { order = append(order, 1); return nil })
	h.OnShutdown(func(context.Context) error { order = append(order, 2); return nil })
	h.OnShutdown(func(context.Context) error { order = append(order, 3); return nil })

	done := make(chan error, 1)
	go func() { done <- h.Wait() }()

	cause := errors.New("fatal persistence failure")
	h.Trigger(cause)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, cause)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return")
	}
	assert.Equal(t, []int{3, 2, 1}, order)

	select {
	case <-h.Done():
	default:
		t.Fatal("Done channel should be closed")
	}
}

func TestHookErrorReported(t *testing.T) {
	h := NewHandler(time.Second)
	hookErr := errors.New("close failed")
	h.OnShutdown(func(context.Context) error { return hookErr })

	done := make(chan error, 1)
	go func() { done <- h.Wait() }()
	h.Trigger(nil)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, hookErr)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return")
	}
}

func TestTriggerIsIdempotent(t *testing.T) {
	h := NewHandler(time.Second)
	done := make(chan error, 1)
	go func() { done <- h.Wait() }()

	h.Trigger(errors.New("first"))
	h.Trigger(errors.New("second"))

	select {
	case err := <-done:
		require.EqualError(t, err, "first")
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return")
	}
}
