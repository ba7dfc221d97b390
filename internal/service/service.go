// Package service wires the queue, the agent pool, the workflow engine and
// the scheduler into one explicitly constructed value. Everything that needs
// engine state receives the *Service; nothing is global.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rendis/conductor/internal/agents"
	"github.com/rendis/conductor/internal/backend"
	"github.com/rendis/conductor/internal/engine"
	"github.com/rendis/conductor/internal/logging"
	"github.com/rendis/conductor/internal/queue"
	"github.com/rendis/conductor/internal/scheduler"
	"github.com/rendis/conductor/internal/store"
	"github.com/rendis/conductor/internal/streaming"
	"github.com/rendis/conductor/internal/workflowio"
	"github.com/rendis/conductor/pkg/schema"
)

// MemoryDBPath selects the in-memory store.
const MemoryDBPath = ":memory:"

// Config holds the settings of every component.
type Config struct {
	DBPath           string // "" or MemoryDBPath = in-memory store
	WriteBehindSize  int
	MaxRetries       int
	DispatchInterval time.Duration
	AssignAll        bool
	PoolSize         int
	TaskTimeout      time.Duration
	ConditionEngine  string
	ScheduleInterval time.Duration
	RecordEvents     bool // append hub events to the store's event log

	Backend backend.Config
	Agents  []schema.Agent // registered on Start
}

// Service owns the long-lived components.
type Service struct {
	Store      store.Store
	Hub        *streaming.MemoryHub
	Events     *store.EventLog
	Agents     *agents.Pool
	Queue      *queue.Queue
	Dispatcher *queue.Dispatcher
	Engine     *engine.Engine
	Scheduler  *scheduler.Scheduler
	Codec      *workflowio.Codec

	config Config
	logger *slog.Logger
	writes *store.WriteBehind

	cancel     context.CancelFunc
	eventsDone chan struct{}
}

// Option customizes New.
type Option func(*options)

type options struct {
	backend backend.Backend
	store   store.Store
}

// WithBackend overrides the backend selected by Config.Backend.
func WithBackend(b backend.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithStore overrides the store selected by Config.DBPath.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// New opens the store and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfg Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	b := o.backend
	if b == nil {
		var err error
		if b, err = backend.New(cfg.Backend); err != nil {
			return nil, fmt.Errorf("backend: %w", err)
		}
	}

	inner := o.store
	if inner == nil {
		var err error
		if inner, err = openStore(ctx, cfg.DBPath); err != nil {
			return nil, err
		}
	}
	writes := store.NewWriteBehind(inner, cfg.WriteBehindSize, logger.With(slog.String("component", "store")))

	hub := streaming.NewMemoryHub()
	pool := agents.NewPool(b, writes, agents.PoolConfig{
		PoolSize:    cfg.PoolSize,
		TaskTimeout: cfg.TaskTimeout,
	}, logger.With(slog.String("component", "agents")))

	q := queue.New(writes, pool, hub, queue.Config{MaxRetries: cfg.MaxRetries}, logger.With(slog.String("component", "queue")))
	pool.SetCompleter(q)

	dispatcher := queue.NewDispatcher(q, pool, queue.DispatcherConfig{
		Interval:  cfg.DispatchInterval,
		AssignAll: cfg.AssignAll,
	}, logger.With(slog.String("component", "dispatcher")))

	eng, err := engine.New(writes, q, hub, engine.Config{ConditionEngine: cfg.ConditionEngine},
		logger.With(slog.String("component", "engine")))
	if err != nil {
		pool.Close()
		_ = writes.Close()
		return nil, err
	}

	runner := scheduler.RunnerFunc(func(ctx context.Context, workflowID string, input any) (scheduler.Run, error) {
		run, err := eng.ExecuteWorkflow(ctx, workflowID, input)
		if err != nil {
			return nil, err
		}
		return run, nil
	})
	sched := scheduler.NewScheduler(writes, runner, hub, scheduler.Config{Interval: cfg.ScheduleInterval},
		logger.With(slog.String("component", "scheduler")))

	codec, err := workflowio.NewCodec()
	if err != nil {
		pool.Close()
		_ = writes.Close()
		return nil, err
	}

	return &Service{
		Store:      writes,
		Hub:        hub,
		Events:     store.NewEventLog(writes, logger.With(slog.String("component", "eventlog"))),
		Agents:     pool,
		Queue:      q,
		Dispatcher: dispatcher,
		Engine:     eng,
		Scheduler:  sched,
		Codec:      codec,
		config:     cfg,
		logger:     logger,
		writes:     writes,
	}, nil
}

// openStore returns the in-memory store or a migrated libSQL database. A
// bare file path is opened as a file: URI.
func openStore(ctx context.Context, path string) (store.Store, error) {
	if path == "" || path == MemoryDBPath {
		return store.NewMemoryStore(), nil
	}
	if !strings.Contains(path, ":") {
		path = "file:" + path
	}
	s, err := store.NewLibSQLStore(path)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Start restores persisted state and launches the background loops.
func (s *Service) Start(ctx context.Context) error {
	if err := s.Agents.Load(ctx); err != nil {
		return err
	}
	for _, a := range s.config.Agents {
		if _, err := s.Agents.Register(ctx, a); err != nil {
			return fmt.Errorf("register agent %q: %w", a.ID, err)
		}
	}
	if err := s.Queue.Load(ctx); err != nil {
		return err
	}
	if err := s.Engine.Load(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	if s.config.RecordEvents {
		s.eventsDone = make(chan struct{})
		go func() {
			defer close(s.eventsDone)
			if err := s.Events.Run(runCtx, s.Hub); err != nil {
				s.logger.Warn("event log stopped", slog.String("error", err.Error()))
			}
		}()
	}

	if err := s.Scheduler.RecoverMissed(runCtx); err != nil {
		s.logger.Warn("recover missed schedules failed", slog.String("error", err.Error()))
	}
	if err := s.Dispatcher.Start(runCtx); err != nil {
		return err
	}
	if err := s.Scheduler.Start(runCtx); err != nil {
		return err
	}

	s.logger.Info("conductor started",
		slog.Int("agents", len(s.Agents.Agents())),
		slog.Int("tasks", len(s.Queue.ListTasks())),
		slog.Int("workflows", len(s.Engine.GetWorkflows())))
	return nil
}

// Close stops the loops, cancels active runs, drains pending writes and
// closes the store. Safe to call without Start.
func (s *Service) Close(ctx context.Context) error {
	var errs []error
	if err := s.Scheduler.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := s.Engine.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close engine: %w", err))
	}
	s.Dispatcher.Stop()
	s.Agents.Close()

	if s.cancel != nil {
		s.cancel()
	}
	if s.eventsDone != nil {
		<-s.eventsDone
	}
	if err := s.writes.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush store: %w", err))
	}
	if err := s.writes.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}

// ImportDocument decodes a YAML or JSON workflow document and adds it to the
// engine. The graph is validated when the workflow is executed, not here.
func (s *Service) ImportDocument(ctx context.Context, data []byte) (*schema.Workflow, error) {
	wf, err := s.Codec.Decode(data)
	if err != nil {
		return nil, err
	}
	return s.Engine.ImportWorkflow(ctx, wf)
}

// ExportDocument renders a stored workflow as a document.
func (s *Service) ExportDocument(workflowID string, format workflowio.Format) ([]byte, error) {
	wf, err := s.Engine.GetWorkflow(workflowID)
	if err != nil {
		return nil, err
	}
	return s.Codec.Encode(wf, format)
}
