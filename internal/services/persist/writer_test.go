package persist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"grouprelay/internal/message"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu    sync.Mutex
	msgs  []*message.Message
	err   error
	block chan struct{}
}

func (s *memStore) Append(ctx context.Context, m *message.Message) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, m)
	return nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func TestWriter_AppendsAndReports(t *testing.T) {
	store := &memStore{}
	w := NewWriter(store, 2, 16, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() { _ = w.Run(ctx); close(stopped) }()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		w.Submit(&message.Message{ID: "m", RoomID: "g1"}, func(err error) {
			assert.NoError(t, err)
			wg.Done()
		})
	}
	wg.Wait()
	assert.Equal(t, 10, store.count())

	cancel()
	<-stopped
}

func TestWriter_StoreErrorReachesCallback(t *testing.T) {
	boom := errors.New("db down")
	w := NewWriter(&memStore{err: boom}, 1, 4, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	got := make(chan error, 1)
	w.Submit(&message.Message{ID: "m1", RoomID: "g1"}, func(err error) { got <- err })

	select {
	case err := <-got:
		assert.ErrorIs(t, err, boom)
	case <-time.After(2 * time.Second):
		t.Fatal("callback not called")
	}
}

func TestWriter_BacklogFull(t *testing.T) {
	// no Run: nothing drains the queue
	w := NewWriter(&memStore{}, 1, 1, time.Second)

	w.Submit(&message.Message{ID: "m1"}, nil)

	var got error
	w.Submit(&message.Message{ID: "m2"}, func(err error) { got = err })
	assert.ErrorIs(t, got, ErrBacklogFull)
}

func TestWriter_DrainsOnShutdown(t *testing.T) {
	store := &memStore{block: make(chan struct{})}
	w := NewWriter(store, 1, 8, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() { _ = w.Run(ctx); close(stopped) }()

	for i := 0; i < 3; i++ {
		w.Submit(&message.Message{ID: "m"}, nil)
	}
	cancel()
	close(store.block)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	require.Equal(t, 3, store.count())

	var got error
	w.Submit(&message.Message{ID: "late"}, func(err error) { got = err })
	assert.ErrorIs(t, got, ErrClosed)
}
