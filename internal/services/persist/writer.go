package persist

import (
	"context"
	"errors"
	"sync"
	"time"

	"grouprelay/internal/message"

	"go.uber.org/zap"
)

var (
	ErrBacklogFull = errors.New("persistence backlog full")
	ErrClosed      = errors.New("persistence writer closed")
)

// Store is the durable sink of accepted messages.
type Store interface {
	Append(ctx context.Context, m *message.Message) error
}

type job struct {
	msg  *message.Message
	done func(error)
}

// Writer appends messages off the hot path. Submit never blocks; the
// outcome of every append is logged and handed to the job's callback.
type Writer struct {
	store   Store
	workers int
	timeout time.Duration
	queue   chan job

	mu     sync.RWMutex
	closed bool
}

func NewWriter(store Store, workers, queueSize int, timeout time.Duration) *Writer {
	if workers < 1 {
		workers = 1
	}
	return &Writer{
		store:   store,
		workers: workers,
		timeout: timeout,
		queue:   make(chan job, queueSize),
	}
}

// Submit queues m. done may be nil; it is called exactly once, from a
// worker goroutine, or synchronously when the queue is full or closed.
func (w *Writer) Submit(m *message.Message, done func(error)) {
	if done == nil {
		done = func(error) {}
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		done(ErrClosed)
		return
	}
	select {
	case w.queue <- job{msg: m, done: done}:
	default:
		zap.L().Warn("persist.backlog_full",
			zap.String("room_id", m.RoomID),
			zap.String("message_id", m.ID),
		)
		done(ErrBacklogFull)
	}
}

// Run starts the workers and blocks until ctx is cancelled and every
// queued message has been attempted.
func (w *Writer) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < w.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range w.queue {
				w.append(j)
			}
		}()
	}

	<-ctx.Done()
	w.mu.Lock()
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	wg.Wait()
	return nil
}

func (w *Writer) append(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	err := w.store.Append(ctx, j.msg)
	if err != nil {
		zap.L().Error("persist.append",
			zap.String("room_id", j.msg.RoomID),
			zap.String("message_id", j.msg.ID),
			zap.Error(err),
		)
	}
	j.done(err)
}
