package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/conductor/pkg/schema"
)

const (
	defaultWriteBehindSize = 256
	writeTimeout           = 5 * time.Second
)

type writeOp struct {
	kind string
	id   string
	fn   func(ctx context.Context) error
}

// WriteBehind wraps a Store so task, workflow, agent and event writes are
// handed to a bounded FIFO queue and applied by one background writer.
// Write errors are logged and counted, never returned. Reads and schedule
// operations pass straight through to the wrapped store.
//
// When the queue is full, callers block until the writer catches up.
type WriteBehind struct {
	Store

	ops    chan writeOp
	done   chan struct{}
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool

	failures atomic.Uint64
}

// NewWriteBehind starts the background writer. size <= 0 uses the default.
func NewWriteBehind(inner Store, size int, logger *slog.Logger) *WriteBehind {
	if size <= 0 {
		size = defaultWriteBehindSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &WriteBehind{
		Store:  inner,
		ops:    make(chan writeOp, size),
		done:   make(chan struct{}),
		logger: logger,
	}
	go w.run()
	return w
}

func (w *WriteBehind) run() {
	defer close(w.done)
	for op := range w.ops {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := op.fn(ctx)
		cancel()
		if err != nil {
			w.failures.Add(1)
			w.logger.Warn("write-behind: store write failed",
				slog.String("op", op.kind), slog.String("id", op.id), slog.String("error", err.Error()))
		}
	}
}

func (w *WriteBehind) enqueue(op writeOp) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.logger.Warn("write-behind: dropped write after close", slog.String("op", op.kind), slog.String("id", op.id))
		return
	}
	w.ops <- op
}

// Failures returns the number of writes that failed since start.
func (w *WriteBehind) Failures() uint64 { return w.failures.Load() }

// Flush blocks until every write queued before the call has been applied.
func (w *WriteBehind) Flush(ctx context.Context) error {
	barrier := make(chan struct{})
	w.enqueue(writeOp{kind: "flush", fn: func(context.Context) error {
		close(barrier)
		return nil
	}})
	select {
	case <-barrier:
		return nil
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains pending writes and closes the wrapped store.
func (w *WriteBehind) Close() error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.ops)
	}
	w.mu.Unlock()
	<-w.done
	return w.Store.Close()
}

func (w *WriteBehind) SaveTask(_ context.Context, t *schema.Task) error {
	snap := t.Clone()
	w.enqueue(writeOp{kind: "save_task", id: snap.ID, fn: func(ctx context.Context) error {
		return w.Store.SaveTask(ctx, snap)
	}})
	return nil
}

func (w *WriteBehind) DeleteTask(_ context.Context, id string) error {
	w.enqueue(writeOp{kind: "delete_task", id: id, fn: func(ctx context.Context) error {
		err := w.Store.DeleteTask(ctx, id)
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			return nil
		}
		return err
	}})
	return nil
}

func (w *WriteBehind) SaveWorkflow(_ context.Context, wf *schema.Workflow) error {
	snap := wf.Clone()
	w.enqueue(writeOp{kind: "save_workflow", id: snap.ID, fn: func(ctx context.Context) error {
		return w.Store.SaveWorkflow(ctx, snap)
	}})
	return nil
}

func (w *WriteBehind) DeleteWorkflow(_ context.Context, id string) error {
	w.enqueue(writeOp{kind: "delete_workflow", id: id, fn: func(ctx context.Context) error {
		err := w.Store.DeleteWorkflow(ctx, id)
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			return nil
		}
		return err
	}})
	return nil
}

func (w *WriteBehind) SaveAgent(_ context.Context, a *schema.Agent) error {
	snap := *a
	w.enqueue(writeOp{kind: "save_agent", id: snap.ID, fn: func(ctx context.Context) error {
		return w.Store.SaveAgent(ctx, &snap)
	}})
	return nil
}

func (w *WriteBehind) AppendEvent(_ context.Context, e *Event) error {
	snap := *e
	w.enqueue(writeOp{kind: "append_event", id: snap.Type, fn: func(ctx context.Context) error {
		return w.Store.AppendEvent(ctx, &snap)
	}})
	return nil
}
