package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/conductor/internal/backend"
	"github.com/rendis/conductor/internal/logging"
	"github.com/rendis/conductor/pkg/schema"
)

// DefaultPoolSize is the default number of concurrent task executions.
const DefaultPoolSize = 10

// PoolConfig holds configuration for the agent pool.
type PoolConfig struct {
	PoolSize       int                   // max concurrent executions
	TaskTimeout    time.Duration         // per-execution timeout, 0 = none
	CircuitBreaker *CircuitBreakerConfig // nil = defaults
}

// Pool is the in-process agent registry. Bound tasks run on a WorkerPool
// against the configured Backend and report back through the Completer.
type Pool struct {
	backend  backend.Backend
	store    AgentStore
	workers  *WorkerPool
	breakers *CircuitBreakers
	config   PoolConfig
	logger   *slog.Logger

	mu        sync.Mutex
	agents    map[string]*schema.Agent
	order     []string
	completer Completer
	notifier  TaskNotifier
}

// NewPool creates an agent pool. store may be nil.
func NewPool(b backend.Backend, s AgentStore, cfg PoolConfig, logger *slog.Logger) *Pool {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	cbConfig := DefaultCircuitBreakerConfig()
	if cfg.CircuitBreaker != nil {
		cbConfig = *cfg.CircuitBreaker
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Pool{
		backend:  b,
		store:    s,
		workers:  NewWorkerPool(cfg.PoolSize),
		breakers: NewCircuitBreakers(cbConfig),
		config:   cfg,
		logger:   logger,
		agents:   make(map[string]*schema.Agent),
	}
}

// SetCompleter wires the receiver of execution outcomes. Must be called
// before the first BindTask.
func (p *Pool) SetCompleter(c Completer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completer = c
}

// SetNotifier wires the channel external agents learn about bound tasks on.
func (p *Pool) SetNotifier(n TaskNotifier) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notifier = n
}

// Load restores persisted agents. Every restored agent starts idle: a busy
// flag cannot outlive the process that set it.
func (p *Pool) Load(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	agents, err := p.store.LoadAllAgents(ctx)
	if err != nil {
		return fmt.Errorf("load agents: %w", err)
	}

	p.mu.Lock()
	for _, a := range agents {
		if _, ok := p.agents[a.ID]; ok {
			continue
		}
		cp := *a
		if cp.Status != schema.AgentStatusOffline {
			cp.Status = schema.AgentStatusIdle
		}
		cp.TaskID = ""
		p.agents[cp.ID] = &cp
		p.order = append(p.order, cp.ID)
	}
	p.mu.Unlock()

	p.logger.Info("agents loaded", slog.Int("count", len(agents)))
	return nil
}

// Register adds an agent. An empty ID gets a generated one, an empty name
// defaults to the ID and an empty type to llm. Registering an existing ID
// updates its name, role and type and brings it back online.
func (p *Pool) Register(ctx context.Context, a schema.Agent) (*schema.Agent, error) {
	if a.ID == "" {
		a.ID = "agent_" + uuid.NewString()[:8]
	}
	if err := normalizeAgent(&a); err != nil {
		return nil, err
	}

	p.mu.Lock()
	cur, ok := p.agents[a.ID]
	if ok {
		cur.Name, cur.Role, cur.Type = a.Name, a.Role, a.Type
		if cur.Status == schema.AgentStatusOffline {
			cur.Status = schema.AgentStatusIdle
		}
	} else {
		a.Status = schema.AgentStatusIdle
		a.TaskID = ""
		if a.CreatedAt.IsZero() {
			a.CreatedAt = time.Now().UTC()
		}
		cur = &a
		p.agents[a.ID] = cur
		p.order = append(p.order, a.ID)
	}
	snap := *cur
	p.persist(ctx, &snap)
	p.mu.Unlock()

	return &snap, nil
}

// Unregister takes an agent offline. A task already running on it still
// reports its outcome.
func (p *Pool) Unregister(ctx context.Context, agentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.agents[agentID]
	if !ok {
		return agentNotFound(agentID)
	}
	a.Status = schema.AgentStatusOffline
	snap := *a
	p.persist(ctx, &snap)
	p.breakers.Forget(agentID)
	return nil
}

// Agents returns every registered agent in registration order.
func (p *Pool) Agents() []*schema.Agent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*schema.Agent, 0, len(p.order))
	for _, id := range p.order {
		cp := *p.agents[id]
		out = append(out, &cp)
	}
	return out
}

// Agent returns one agent by ID.
func (p *Pool) Agent(agentID string) (*schema.Agent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.agents[agentID]
	if !ok {
		return nil, agentNotFound(agentID)
	}
	cp := *a
	return &cp, nil
}

// ListAvailableAgents implements Registry. Agents whose circuit is open are
// left out until the cooldown elapses.
func (p *Pool) ListAvailableAgents(_ context.Context) ([]*schema.Agent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*schema.Agent
	for _, id := range p.order {
		a := p.agents[id]
		if a.Status != schema.AgentStatusIdle {
			continue
		}
		if p.breakers.State(id) == CircuitOpen {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

// SetAgentStatus implements Registry.
func (p *Pool) SetAgentStatus(ctx context.Context, agentID string, status schema.AgentStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.agents[agentID]
	if !ok {
		return agentNotFound(agentID)
	}
	// A late release must not bring an unregistered agent back online.
	if a.Status != schema.AgentStatusOffline || status == schema.AgentStatusOffline {
		a.Status = status
	}
	if status != schema.AgentStatusBusy {
		a.TaskID = ""
	}
	snap := *a
	p.persist(ctx, &snap)
	return nil
}

// BindTask implements Registry. The task runs on the worker pool; its result
// or error is delivered to the Completer.
func (p *Pool) BindTask(ctx context.Context, agentID string, task *schema.Task) error {
	p.mu.Lock()
	a, ok := p.agents[agentID]
	if !ok {
		p.mu.Unlock()
		return agentNotFound(agentID).WithTask(task.ID)
	}
	if a.Status == schema.AgentStatusOffline {
		p.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeAgentUnavailable, "agent %q is offline", agentID).WithTask(task.ID)
	}
	completer, notifier, external := p.completer, p.notifier, a.Type == schema.AgentTypeExternal
	p.mu.Unlock()

	if completer == nil {
		return schema.NewError(schema.ErrCodeAgentUnavailable, "agent pool has no completer").WithTask(task.ID)
	}
	if err := p.breakers.Allow(agentID); err != nil {
		return err
	}

	p.mu.Lock()
	a.TaskID = task.ID
	p.mu.Unlock()

	snap := task.Clone()
	logger := p.logger.With(slog.String("agent_id", agentID), slog.String("task_id", snap.ID))

	if external {
		// The agent reports back through CompleteTask; a missed
		// notification leaves the task running until it polls.
		if notifier != nil {
			if err := notifier.NotifyTask(ctx, agentID, snap); err != nil {
				logger.Warn("notify external agent failed", slog.String("error", err.Error()))
			}
		}
		return nil
	}

	err := p.workers.Submit(ctx, func(runCtx context.Context) error {
		return p.execute(runCtx, agentID, snap, completer, logger)
	}, func(r any) {
		p.breakers.RecordFailure(agentID)
		logger.Error("task execution panicked", slog.Any("panic", r))
		completer.CompleteTask(context.Background(), snap.ID, "", fmt.Errorf("execution panicked: %v", r))
	})
	if err != nil {
		p.breakers.RecordFailure(agentID)
		return schema.NewErrorf(schema.ErrCodeAgentUnavailable, "agent %q could not start task: %s", agentID, err.Error()).
			WithTask(task.ID).WithCause(err)
	}
	return nil
}

func (p *Pool) execute(ctx context.Context, agentID string, task *schema.Task, completer Completer, logger *slog.Logger) error {
	ctx = logging.WithAgentID(logging.WithTask(ctx, task.ID, task.WorkflowID, task.NodeID), agentID)
	if p.config.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.TaskTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := p.backend.Execute(ctx, task)
	if err != nil && errors.Is(ctx.Err(), context.Canceled) {
		logger.Info("task interrupted by shutdown", slog.Duration("elapsed", time.Since(start)))
		completer.RequeueTask(context.WithoutCancel(ctx), task.ID)
		return err
	}
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("task timed out after %s: %w", p.config.TaskTimeout, err)
		}
		if state := p.breakers.RecordFailure(agentID); state == CircuitOpen {
			logger.Warn("agent circuit opened", slog.String("error", err.Error()))
		}
		logger.Info("task execution failed", slog.String("error", err.Error()), slog.Duration("elapsed", time.Since(start)))
	} else {
		p.breakers.RecordSuccess(agentID)
		logger.Debug("task execution completed", slog.Duration("elapsed", time.Since(start)))
	}

	completer.CompleteTask(context.WithoutCancel(ctx), task.ID, result, err)
	return err
}

// Metrics returns the worker pool metrics.
func (p *Pool) Metrics() WorkerMetrics { return p.workers.Metrics() }

// Close stops accepting binds, cancels running executions and waits for them
// to report.
func (p *Pool) Close() {
	p.workers.Shutdown()
}

// persist saves an agent snapshot. Called with p.mu held; the store call is a
// channel send when the store is write-behind.
func (p *Pool) persist(ctx context.Context, a *schema.Agent) {
	if p.store == nil {
		return
	}
	if err := p.store.SaveAgent(ctx, a); err != nil {
		p.logger.Warn("persist agent failed", slog.String("agent_id", a.ID), slog.String("error", err.Error()))
	}
}

func agentNotFound(id string) *schema.ConductorError {
	return schema.NewErrorf(schema.ErrCodeAgentNotFound, "agent %q not found", id)
}

var _ Registry = (*Pool)(nil)
