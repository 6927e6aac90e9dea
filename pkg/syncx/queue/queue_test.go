package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueueOrdering(t *testing.T) {
	q := New[int]()
	for i := 0; i < 10; i++ {
		q.Put(i)
	}
	require.Equal(t, 10, q.Len())
	for i := 0; i < 10; i++ {
		require.Equal(t, i, q.Get())
	}
	require.Zero(t, q.Len())
}

func TestQueueBlockingGet(t *testing.T) {
	q := New[string]()
	done := make(chan string)
	go func() { done <- q.Get() }()

	select {
	case <-done:
		t.Fatal("Get returned on an empty queue")
	case <-time.After(20 * time.Millisecond):
	}

	q.Put("ok")
	require.Equal(t, "ok", <-done)
}

func TestQueueGetWithContext(t *testing.T) {
	q := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.GetWithContext(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	q.Put(7)
	got, err := q.GetWithContext(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7, got)
}
