package history

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"grouprelay/internal/message"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	msgs  map[string][]message.Message
	err   error
	calls atomic.Int32
	gate  chan struct{}
}

func (f *fakeSource) ListByRoom(ctx context.Context, roomID string) ([]message.Message, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.msgs[roomID], nil
}

type fakeUsers map[string]string

func (u fakeUsers) GetUsersByIds(_ context.Context, ids []string) (map[string]string, error) {
	out := map[string]string{}
	for _, id := range ids {
		if n, ok := u[id]; ok {
			out[id] = n
		}
	}
	return out, nil
}

type failingUsers struct{}

func (failingUsers) GetUsersByIds(context.Context, []string) (map[string]string, error) {
	return nil, errors.New("identity store unreachable")
}

func TestListMessages(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	src := &fakeSource{msgs: map[string][]message.Message{
		"g1": {
			{ID: "m1", RoomID: "g1", UserID: "u1", Content: "hi", CreatedAt: t0},
			{ID: "m2", RoomID: "g1", UserID: "u2", Content: "yo", CreatedAt: t0.Add(time.Second)},
			{ID: "m3", RoomID: "g1", UserID: "u3", FileName: "a.txt", FileData: "data:,x", CreatedAt: t0.Add(2 * time.Second)},
		},
	}}
	svc := NewHistoryService(src, fakeUsers{"u1": "Alice", "u2": "Bob"})

	got, err := svc.ListMessages(context.Background(), "g1")
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, "Alice", got[0].UserName)
	assert.Equal(t, "Bob", got[1].UserName)
	assert.Equal(t, UnknownUser, got[2].UserName)
	assert.Equal(t, "a.txt", got[2].FileName)
	for i := 1; i < len(got); i++ {
		assert.False(t, got[i].CreatedAt.Before(got[i-1].CreatedAt))
	}
}

func TestListMessages_EmptyRoom(t *testing.T) {
	svc := NewHistoryService(&fakeSource{}, fakeUsers{})

	_, err := svc.ListMessages(context.Background(), "")
	assert.ErrorIs(t, err, message.ErrInvalidRoom)

	got, err := svc.ListMessages(context.Background(), "nobody-here")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestListMessages_Errors(t *testing.T) {
	_, err := NewHistoryService(&fakeSource{err: errors.New("db down")}, fakeUsers{}).
		ListMessages(context.Background(), "g1")
	assert.ErrorContains(t, err, "list messages of g1")

	src := &fakeSource{msgs: map[string][]message.Message{"g1": {{ID: "m1", UserID: "u1"}}}}
	_, err = NewHistoryService(src, failingUsers{}).ListMessages(context.Background(), "g1")
	assert.ErrorContains(t, err, "resolve users")
}

func TestListMessages_CollapsesConcurrentReads(t *testing.T) {
	src := &fakeSource{
		msgs: map[string][]message.Message{"g1": {{ID: "m1", UserID: "u1", Content: "hi"}}},
		gate: make(chan struct{}),
	}
	svc := NewHistoryService(src, fakeUsers{"u1": "Alice"})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := svc.ListMessages(context.Background(), "g1")
			assert.NoError(t, err)
			assert.Len(t, got, 1)
		}()
	}
	// let the callers pile up on the in-flight read
	time.Sleep(50 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	assert.Less(t, src.calls.Load(), int32(8))
}

func TestListMessages_FirstCallerCancelDoesNotFailOthers(t *testing.T) {
	src := &fakeSource{
		msgs: map[string][]message.Message{"g1": {{ID: "m1", UserID: "u1", Content: "hi"}}},
		gate: make(chan struct{}),
	}
	svc := NewHistoryService(src, fakeUsers{"u1": "Alice"})

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := svc.ListMessages(ctxA, "g1")
		errA <- err
	}()
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	type result struct {
		entries []Entry
		err     error
	}
	resB := make(chan result, 1)
	go func() {
		got, err := svc.ListMessages(context.Background(), "g1")
		resB <- result{got, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	assert.ErrorIs(t, <-errA, context.Canceled)

	close(src.gate)
	select {
	case r := <-resB:
		require.NoError(t, r.err)
		require.Len(t, r.entries, 1)
		assert.Equal(t, "Alice", r.entries[0].UserName)
	case <-time.After(2 * time.Second):
		t.Fatal("second caller never returned")
	}
}
