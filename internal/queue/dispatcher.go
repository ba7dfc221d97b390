package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rendis/conductor/internal/agents"
	"github.com/rendis/conductor/internal/logging"
	"github.com/rendis/conductor/pkg/schema"
)

// DefaultDispatchInterval is the tick of the dispatch loop.
const DefaultDispatchInterval = time.Second

// DispatcherConfig configures the dispatch loop.
type DispatcherConfig struct {
	Interval time.Duration // 0 = DefaultDispatchInterval
	// AssignAll binds a task to every idle agent on each tick. When false at
	// most one task is bound per tick.
	AssignAll bool
}

// Dispatcher pairs pending tasks with idle agents on a fixed tick.
type Dispatcher struct {
	queue    *Queue
	registry agents.Registry
	config   DispatcherConfig
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDispatcher creates a dispatcher for q that binds through registry.
func NewDispatcher(q *Queue, registry agents.Registry, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultDispatchInterval
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Dispatcher{queue: q, registry: registry, config: cfg, logger: logger}
}

// Start launches the dispatch loop. It runs until ctx is cancelled or Stop
// is called.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.done != nil {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.mu.Unlock()

	go d.loop(loopCtx)
	d.logger.Info("dispatcher started",
		slog.Duration("interval", d.config.Interval), slog.Bool("assign_all", d.config.AssignAll))
	return nil
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Stop cancels the loop and waits for the current tick to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	d.logger.Info("dispatcher stopped")
}

// Tick runs one dispatch round and returns the number of tasks bound.
func (d *Dispatcher) Tick(ctx context.Context) int {
	if _, ok := d.queue.GetNextTask(); !ok {
		return 0
	}
	idle, err := d.registry.ListAvailableAgents(ctx)
	if err != nil {
		d.logger.Warn("list available agents failed", slog.String("error", err.Error()))
		return 0
	}
	if len(idle) == 0 {
		return 0
	}

	bound := 0
	for _, a := range d.queue.claim(ctx, idle, d.config.AssignAll) {
		log := d.logger.With(slog.String("task_id", a.task.ID), slog.String("agent_id", a.agentID))

		if err := d.registry.SetAgentStatus(ctx, a.agentID, schema.AgentStatusBusy); err != nil {
			log.Warn("mark agent busy failed", slog.String("error", err.Error()))
			d.queue.CompleteTask(ctx, a.task.ID, "", fmt.Errorf("mark agent %s busy: %w", a.agentID, err))
			continue
		}
		if err := d.registry.BindTask(ctx, a.agentID, a.task); err != nil {
			log.Warn("bind task failed", slog.String("error", err.Error()))
			d.queue.CompleteTask(ctx, a.task.ID, "", fmt.Errorf("bind to agent %s: %w", a.agentID, err))
			continue
		}
		log.Debug("task bound")
		bound++
	}
	return bound
}

type assignment struct {
	task    *schema.Task
	agentID string
}

// claim moves pending tasks to running, in dispatch order, pairing each with
// an unused idle agent. A task with a role takes the first agent of that
// role. A task without one prefers agents without a role, then agents whose
// role no pending task asks for, so role-bound work is not starved of its
// agents.
func (q *Queue) claim(ctx context.Context, idle []*schema.Agent, all bool) []assignment {
	fx := &effects{}
	q.mu.Lock()
	ordered := make([]*entry, len(q.pending))
	copy(ordered, q.pending)
	sort.Slice(ordered, func(i, j int) bool { return before(ordered[i], ordered[j]) })

	demand := make(map[string]int)
	for _, e := range ordered {
		if e.task.AgentRole != "" {
			demand[e.task.AgentRole]++
		}
	}

	used := make(map[string]bool, len(idle))
	var out []assignment
	for _, e := range ordered {
		role := e.task.AgentRole
		agent := pickAgent(idle, used, role, demand)
		if role != "" {
			demand[role]--
		}
		if agent == nil {
			continue
		}
		used[agent.ID] = true

		q.pending.remove(e)
		applyTransition(e.task, schema.TaskStatusRunning, q.now())
		e.task.AgentID = agent.ID
		q.persist(ctx, e.task)

		snap := e.task.Clone()
		out = append(out, assignment{task: snap, agentID: agent.ID})
		fx.event(schema.EventTaskStarted, snap, map[string]any{"agent_id": agent.ID})

		if !all || len(used) == len(idle) {
			break
		}
	}
	q.mu.Unlock()

	q.apply(ctx, fx)
	return out
}

func pickAgent(idle []*schema.Agent, used map[string]bool, role string, demand map[string]int) *schema.Agent {
	var spare, contested *schema.Agent
	for _, a := range idle {
		if used[a.ID] {
			continue
		}
		switch {
		case role != "":
			if a.Role == role {
				return a
			}
		case a.Role == "":
			return a
		case demand[a.Role] == 0:
			if spare == nil {
				spare = a
			}
		default:
			if contested == nil {
				contested = a
			}
		}
	}
	if spare != nil {
		return spare
	}
	return contested
}
