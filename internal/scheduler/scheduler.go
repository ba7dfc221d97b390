// Package scheduler starts workflow runs on cron schedules.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/conductor/internal/logging"
	"github.com/rendis/conductor/internal/store"
	"github.com/rendis/conductor/internal/streaming"
	"github.com/rendis/conductor/pkg/schema"
)

// DefaultInterval is how often due schedules are checked.
const DefaultInterval = time.Minute

// LastRunStatus values written by the scheduler. Once a started run
// finishes, its workflow status (completed or failed) replaces StatusRunning.
const (
	StatusRunning = "running"
	StatusError   = "error"
)

// Run is the part of a workflow run the scheduler waits on.
// Satisfied by *engine.Run.
type Run interface {
	Done() <-chan struct{}
	Snapshot() *schema.RunSummary
}

// WorkflowRunner starts workflow runs.
type WorkflowRunner interface {
	StartRun(ctx context.Context, workflowID string, input any) (Run, error)
}

// RunnerFunc adapts a function to WorkflowRunner.
type RunnerFunc func(ctx context.Context, workflowID string, input any) (Run, error)

func (f RunnerFunc) StartRun(ctx context.Context, workflowID string, input any) (Run, error) {
	return f(ctx, workflowID, input)
}

// JobStore persists schedules. Satisfied by store.Store.
type JobStore interface {
	CreateScheduledJob(ctx context.Context, job *store.ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*store.ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, id string, update store.ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter store.ScheduledJobFilter) ([]*store.ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error
}

// Config holds scheduler settings.
type Config struct {
	Interval time.Duration // 0 = DefaultInterval
}

// Scheduler polls the store for due schedules and starts their workflows.
type Scheduler struct {
	store  JobStore
	runner WorkflowRunner
	hub    streaming.EventHub
	parser cron.Parser
	config Config
	logger *slog.Logger
	now    func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule IDs whose run has not finished (dedup)
	watchers   sync.WaitGroup
}

// NewScheduler creates a Scheduler. hub may be nil.
func NewScheduler(s JobStore, runner WorkflowRunner, hub streaming.EventHub, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if hub == nil {
		hub = streaming.Nop{}
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		hub:      hub,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		config:   cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]struct{}),
	}
}

// --- schedule management ---

// CreateSchedule registers an enabled schedule for a workflow. input is
// passed to every run and must be JSON-encodable.
func (s *Scheduler) CreateSchedule(ctx context.Context, workflowID, cronExpr string, input any) (*store.ScheduledJob, error) {
	if strings.TrimSpace(workflowID) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "schedule requires a workflow id")
	}
	now := s.now()
	next, err := s.CalculateNextRun(cronExpr, now)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, err.Error()).WithWorkflow(workflowID)
	}

	var raw json.RawMessage
	if input != nil {
		raw, err = json.Marshal(input)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "schedule input is not JSON-encodable: %s", err.Error()).
				WithWorkflow(workflowID)
		}
	}

	job := &store.ScheduledJob{
		ID:             uuid.NewString(),
		WorkflowID:     workflowID,
		CronExpression: cronExpr,
		Input:          raw,
		Enabled:        true,
		NextRunAt:      &next,
		CreatedAt:      now,
	}
	if err := s.store.CreateScheduledJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create schedule: %w", err)
	}
	s.logger.Info("schedule created",
		slog.String("schedule_id", job.ID),
		slog.String("workflow_id", workflowID),
		slog.String("cron", cronExpr),
	)
	return job, nil
}

// ListSchedules returns the schedules of a workflow, or all schedules when
// workflowID is empty.
func (s *Scheduler) ListSchedules(ctx context.Context, workflowID string) ([]*store.ScheduledJob, error) {
	return s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{WorkflowID: workflowID})
}

// SetEnabled enables or disables a schedule. Enabling recomputes the next
// run from now so a long-disabled schedule does not fire immediately.
func (s *Scheduler) SetEnabled(ctx context.Context, id string, enabled bool) error {
	update := store.ScheduledJobUpdate{Enabled: &enabled}
	if enabled {
		job, err := s.store.GetScheduledJob(ctx, id)
		if err != nil {
			return err
		}
		next, err := s.CalculateNextRun(job.CronExpression, s.now())
		if err != nil {
			return err
		}
		update.NextRunAt = &next
	}
	return s.store.UpdateScheduledJob(ctx, id, update)
}

// DeleteSchedule removes a schedule. A run it already started is not affected.
func (s *Scheduler) DeleteSchedule(ctx context.Context, id string) error {
	return s.store.DeleteScheduledJob(ctx, id)
}

// --- loop ---

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.config.Interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick starts every enabled schedule that is due.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list schedules", slog.String("error", err.Error()))
		return
	}

	now := s.now()
	for _, job := range jobs {
		if job.NextRunAt != nil && job.NextRunAt.After(now) {
			continue
		}
		s.fire(ctx, job, now)
	}
}

// fire starts one schedule unless its previous run is still in flight.
func (s *Scheduler) fire(ctx context.Context, job *store.ScheduledJob, now time.Time) bool {
	if !s.tryAcquire(job.ID) {
		return false
	}
	if err := s.runJob(ctx, job, now); err != nil {
		s.logger.Error("failed to run schedule",
			slog.String("schedule_id", job.ID),
			slog.String("workflow_id", job.WorkflowID),
			slog.String("error", err.Error()),
		)
		s.releaseJob(job.ID)
		return false
	}
	return true
}

// runJob starts the schedule's workflow and advances its next run. On
// success the in-flight mark is held until the run finishes.
func (s *Scheduler) runJob(ctx context.Context, job *store.ScheduledJob, now time.Time) error {
	var input any
	if len(job.Input) > 0 {
		if err := json.Unmarshal(job.Input, &input); err != nil {
			s.record(ctx, job, now, StatusError)
			return fmt.Errorf("decode schedule input: %w", err)
		}
	}

	run, err := s.runner.StartRun(ctx, job.WorkflowID, input)
	if err != nil {
		s.record(ctx, job, now, StatusError)
		return err
	}
	s.record(ctx, job, now, StatusRunning)

	runID := run.Snapshot().RunID
	s.logger.Info("schedule fired",
		slog.String("schedule_id", job.ID),
		slog.String("workflow_id", job.WorkflowID),
		slog.String("run_id", runID),
	)
	if err := s.hub.Publish(context.WithoutCancel(ctx), streaming.StreamEvent{
		EventType:  schema.EventScheduleFired,
		WorkflowID: job.WorkflowID,
		Payload:    map[string]any{"schedule_id": job.ID, "run_id": runID},
	}); err != nil {
		s.logger.Debug("publish schedule event failed", slog.String("error", err.Error()))
	}

	s.watchers.Add(1)
	go s.await(ctx, job.ID, run)
	return nil
}

// await records the run's final status and releases the schedule.
func (s *Scheduler) await(ctx context.Context, jobID string, run Run) {
	defer s.watchers.Done()
	defer s.releaseJob(jobID)

	select {
	case <-run.Done():
	case <-ctx.Done():
		return
	}
	status := string(run.Snapshot().Status)
	if err := s.store.UpdateScheduledJob(context.WithoutCancel(ctx), jobID, store.ScheduledJobUpdate{LastRunStatus: &status}); err != nil {
		s.logger.Warn("record schedule outcome failed", slog.String("schedule_id", jobID), slog.String("error", err.Error()))
	}
}

// record stamps the run time and status and advances NextRunAt.
func (s *Scheduler) record(ctx context.Context, job *store.ScheduledJob, now time.Time, status string) {
	update := store.ScheduledJobUpdate{LastRunAt: &now, LastRunStatus: &status}
	if next, err := s.CalculateNextRun(job.CronExpression, now); err == nil {
		update.NextRunAt = &next
	} else {
		s.logger.Warn("schedule has an invalid cron expression", slog.String("schedule_id", job.ID), slog.String("error", err.Error()))
	}
	if err := s.store.UpdateScheduledJob(ctx, job.ID, update); err != nil {
		s.logger.Warn("update schedule failed", slog.String("schedule_id", job.ID), slog.String("error", err.Error()))
	}
}

// tryAcquire returns true and marks the schedule as in-flight if it is not already.
func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

func (s *Scheduler) releaseJob(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop shuts down the loop and waits for pending run watchers.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.watchers.Wait()
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed starts, once, every enabled schedule whose next run passed
// while the process was down.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list missed schedules: %w", err)
	}

	now := s.now()
	recovered := 0
	for _, job := range jobs {
		if job.NextRunAt != nil && job.NextRunAt.Before(now) {
			if s.fire(ctx, job, now) {
				recovered++
			}
		}
	}

	if recovered > 0 {
		s.logger.Info("recovered missed schedules", slog.Int("count", recovered))
	}
	return nil
}
