package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rendis/conductor/pkg/schema"
)

// MemoryStore is a Store kept entirely in process memory. Used in tests and
// when the configured db path is ":memory:".
type MemoryStore struct {
	mu        sync.RWMutex
	tasks     map[string]*schema.Task
	workflows map[string]*schema.Workflow
	agents    map[string]*schema.Agent
	jobs      map[string]*ScheduledJob
	events    []*Event
	seqs      map[string]int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:     make(map[string]*schema.Task),
		workflows: make(map[string]*schema.Workflow),
		agents:    make(map[string]*schema.Agent),
		jobs:      make(map[string]*ScheduledJob),
		seqs:      make(map[string]int64),
	}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Close() error                  { return nil }

func (m *MemoryStore) SaveTask(_ context.Context, t *schema.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t.Clone()
	return nil
}

func (m *MemoryStore) DeleteTask(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return storeNotFound("task", id)
	}
	delete(m.tasks, id)
	return nil
}

func (m *MemoryStore) LoadAllTasks(context.Context) ([]*schema.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*schema.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) SaveWorkflow(_ context.Context, wf *schema.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[wf.ID] = wf.Clone()
	return nil
}

func (m *MemoryStore) DeleteWorkflow(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[id]; !ok {
		return storeNotFound("workflow", id)
	}
	delete(m.workflows, id)
	return nil
}

func (m *MemoryStore) LoadAllWorkflows(context.Context) ([]*schema.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*schema.Workflow, 0, len(m.workflows))
	for _, wf := range m.workflows {
		out = append(out, wf.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) SaveAgent(_ context.Context, a *schema.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.agents[a.ID] = &cp
	return nil
}

func (m *MemoryStore) LoadAllAgents(context.Context) ([]*schema.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*schema.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) CreateScheduledJob(_ context.Context, job *ScheduledJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "scheduled job %q already exists", job.ID)
	}
	cp := *job
	cp.CreatedAt = timeOrNow(cp.CreatedAt)
	m.jobs[job.ID] = &cp
	return nil
}

func (m *MemoryStore) GetScheduledJob(_ context.Context, id string) (*ScheduledJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, storeNotFound("scheduled job", id)
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) UpdateScheduledJob(_ context.Context, id string, u ScheduledJobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return storeNotFound("scheduled job", id)
	}
	if u.CronExpression != nil {
		j.CronExpression = *u.CronExpression
	}
	if u.Enabled != nil {
		j.Enabled = *u.Enabled
	}
	if u.LastRunAt != nil {
		ts := *u.LastRunAt
		j.LastRunAt = &ts
	}
	if u.NextRunAt != nil {
		ts := *u.NextRunAt
		j.NextRunAt = &ts
	}
	if u.LastRunStatus != nil {
		j.LastRunStatus = *u.LastRunStatus
	}
	return nil
}

func (m *MemoryStore) ListScheduledJobs(_ context.Context, f ScheduledJobFilter) ([]*ScheduledJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ScheduledJob
	for _, j := range m.jobs {
		if f.Enabled != nil && j.Enabled != *f.Enabled {
			continue
		}
		if f.WorkflowID != "" && j.WorkflowID != f.WorkflowID {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.Before(out[k].CreatedAt)
		}
		return out[i].ID < out[k].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) DeleteScheduledJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return storeNotFound("scheduled job", id)
	}
	delete(m.jobs, id)
	return nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seqs[e.WorkflowID]++
	e.Sequence = m.seqs[e.WorkflowID]
	e.ID = int64(len(m.events) + 1)
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	cp := *e
	m.events = append(m.events, &cp)
	return nil
}

func (m *MemoryStore) GetEvents(_ context.Context, f EventFilter) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Event
	for _, e := range m.events {
		if f.WorkflowID != "" && e.WorkflowID != f.WorkflowID {
			continue
		}
		if f.TaskID != "" && e.TaskID != f.TaskID {
			continue
		}
		if len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, e.Type) {
			continue
		}
		if f.SinceSequence > 0 && e.Sequence <= f.SinceSequence {
			continue
		}
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}
