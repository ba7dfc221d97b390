package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/conductor/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Tasks ---

func (s *LibSQLStore) SaveTask(ctx context.Context, t *schema.Task) error {
	deps, err := json.Marshal(t.Dependencies)
	if err != nil {
		return fmt.Errorf("marshal dependencies: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, type, priority, prompt, dependencies, status, retry_count, max_retries, result, error, agent_role, agent_id, workflow_id, node_id, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(id) DO UPDATE SET
		   type=excluded.type, priority=excluded.priority, prompt=excluded.prompt,
		   dependencies=excluded.dependencies, status=excluded.status,
		   retry_count=excluded.retry_count, max_retries=excluded.max_retries,
		   result=excluded.result, error=excluded.error, agent_role=excluded.agent_role,
		   agent_id=excluded.agent_id, workflow_id=excluded.workflow_id, node_id=excluded.node_id,
		   started_at=excluded.started_at, completed_at=excluded.completed_at,
		   updated_at=CURRENT_TIMESTAMP`,
		t.ID, string(t.Type), t.Priority, t.Prompt, string(deps), string(t.Status),
		t.RetryCount, t.MaxRetries, nullStr(t.Result), nullStr(t.Error),
		nullStr(t.AgentRole), nullStr(t.AgentID), nullStr(t.WorkflowID), nullStr(t.NodeID),
		timeOrNow(t.CreatedAt), nullTime(t.StartedAt), nullTime(t.CompletedAt),
	)
	return err
}

func (s *LibSQLStore) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "task", id)
}

func (s *LibSQLStore) LoadAllTasks(ctx context.Context) ([]*schema.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, priority, prompt, dependencies, status, retry_count, max_retries, result, error, agent_role, agent_id, workflow_id, node_id, created_at, started_at, completed_at
		 FROM tasks ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*schema.Task
	for rows.Next() {
		t := &schema.Task{}
		var (
			typ, status                                 string
			deps                                        sql.NullString
			result, errMsg, role, agentID, wfID, nodeID sql.NullString
			startedAt, completedAt                      sql.NullTime
		)
		if err := rows.Scan(&t.ID, &typ, &t.Priority, &t.Prompt, &deps, &status, &t.RetryCount, &t.MaxRetries,
			&result, &errMsg, &role, &agentID, &wfID, &nodeID, &t.CreatedAt, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		t.Type = schema.TaskType(typ)
		t.Status = schema.TaskStatus(status)
		t.Result, t.Error = result.String, errMsg.String
		t.AgentRole, t.AgentID = role.String, agentID.String
		t.WorkflowID, t.NodeID = wfID.String, nodeID.String
		t.StartedAt = timePtr(startedAt)
		t.CompletedAt = timePtr(completedAt)
		if deps.Valid && deps.String != "" && deps.String != "null" {
			if err := json.Unmarshal([]byte(deps.String), &t.Dependencies); err != nil {
				return nil, fmt.Errorf("unmarshal dependencies of %s: %w", t.ID, err)
			}
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// --- Workflows ---

func (s *LibSQLStore) SaveWorkflow(ctx context.Context, wf *schema.Workflow) error {
	nodes, err := json.Marshal(wf.Nodes)
	if err != nil {
		return fmt.Errorf("marshal nodes: %w", err)
	}
	conns, err := json.Marshal(wf.Connections)
	if err != nil {
		return fmt.Errorf("marshal connections: %w", err)
	}
	var lastRun any
	if wf.LastRun != nil {
		raw, err := json.Marshal(wf.LastRun)
		if err != nil {
			return fmt.Errorf("marshal last_run: %w", err)
		}
		lastRun = string(raw)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, description, status, nodes, connections, last_run, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, description=excluded.description, status=excluded.status,
		   nodes=excluded.nodes, connections=excluded.connections, last_run=excluded.last_run,
		   updated_at=excluded.updated_at`,
		wf.ID, wf.Name, nullStr(wf.Description), string(wf.Status), string(nodes), string(conns), lastRun,
		timeOrNow(wf.CreatedAt), timeOrNow(wf.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func (s *LibSQLStore) LoadAllWorkflows(ctx context.Context) ([]*schema.Workflow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, status, nodes, connections, last_run, created_at, updated_at
		 FROM workflows ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.Workflow
	for rows.Next() {
		wf := &schema.Workflow{}
		var (
			desc, lastRun      sql.NullString
			status, nodes, cns string
		)
		if err := rows.Scan(&wf.ID, &wf.Name, &desc, &status, &nodes, &cns, &lastRun, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
			return nil, err
		}
		wf.Description = desc.String
		wf.Status = schema.WorkflowStatus(status)
		if err := json.Unmarshal([]byte(nodes), &wf.Nodes); err != nil {
			return nil, fmt.Errorf("unmarshal nodes of %s: %w", wf.ID, err)
		}
		if err := json.Unmarshal([]byte(cns), &wf.Connections); err != nil {
			return nil, fmt.Errorf("unmarshal connections of %s: %w", wf.ID, err)
		}
		if lastRun.Valid && lastRun.String != "" {
			wf.LastRun = &schema.RunSummary{}
			if err := json.Unmarshal([]byte(lastRun.String), wf.LastRun); err != nil {
				return nil, fmt.Errorf("unmarshal last_run of %s: %w", wf.ID, err)
			}
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

// --- Agents ---

func (s *LibSQLStore) SaveAgent(ctx context.Context, a *schema.Agent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, type, role, status, created_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, type=excluded.type, role=excluded.role, status=excluded.status`,
		a.ID, a.Name, a.Type, nullStr(a.Role), string(a.Status), timeOrNow(a.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) LoadAllAgents(ctx context.Context) ([]*schema.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, type, role, status, created_at FROM agents ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*schema.Agent
	for rows.Next() {
		a := &schema.Agent{}
		var role sql.NullString
		var status string
		if err := rows.Scan(&a.ID, &a.Name, &a.Type, &role, &status, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Role = role.String
		a.Status = schema.AgentStatus(status)
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// --- Scheduled Jobs ---

func (s *LibSQLStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (id, workflow_id, cron_expression, input, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.WorkflowID, job.CronExpression, nullRaw(job.Input), job.Enabled,
		nullTime(job.LastRunAt), nullTime(job.NextRunAt), nullStr(job.LastRunStatus), timeOrNow(job.CreatedAt),
	)
	return err
}

const scheduledJobColumns = `id, workflow_id, cron_expression, input, enabled, last_run_at, next_run_at, last_run_status, created_at`

func scanScheduledJob(sc interface{ Scan(...any) error }) (*ScheduledJob, error) {
	j := &ScheduledJob{}
	var (
		input, lastStatus sql.NullString
		lastRun, nextRun  sql.NullTime
	)
	if err := sc.Scan(&j.ID, &j.WorkflowID, &j.CronExpression, &input, &j.Enabled, &lastRun, &nextRun, &lastStatus, &j.CreatedAt); err != nil {
		return nil, err
	}
	j.Input = rawOrNil(input)
	j.LastRunAt = timePtr(lastRun)
	j.NextRunAt = timePtr(nextRun)
	j.LastRunStatus = lastStatus.String
	return j, nil
}

func (s *LibSQLStore) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduledJobColumns+` FROM scheduled_jobs WHERE id = ?`, id)
	j, err := scanScheduledJob(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled job", id)
	}
	return j, err
}

func (s *LibSQLStore) UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error {
	var sets []string
	var args []any
	if update.CronExpression != nil {
		sets = append(sets, "cron_expression = ?")
		args = append(args, *update.CronExpression)
	}
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != nil {
		sets = append(sets, "last_run_status = ?")
		args = append(args, *update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled job", id)
}

func (s *LibSQLStore) ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	query := `SELECT ` + scheduledJobColumns + ` FROM scheduled_jobs`
	var where []string
	var args []any
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *filter.Enabled)
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*ScheduledJob
	for rows.Next() {
		j, err := scanScheduledJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled job", id)
}

// --- Event history ---

// AppendEvent appends an event with a monotonically increasing per-workflow
// sequence. The single pooled connection serializes concurrent appends.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE workflow_id = ?`, event.WorkflowID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (workflow_id, node_id, task_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.WorkflowID, nullStr(event.NodeID), nullStr(event.TaskID), event.Type,
		nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	event.Sequence = seq
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, filter EventFilter) ([]*Event, error) {
	query := `SELECT id, workflow_id, node_id, task_id, event_type, payload, timestamp, sequence FROM events`
	var where []string
	var args []any
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	if len(filter.EventTypes) > 0 {
		where = append(where, "event_type IN (?"+strings.Repeat(", ?", len(filter.EventTypes)-1)+")")
		for _, t := range filter.EventTypes {
			args = append(args, t)
		}
	}
	if filter.SinceSequence > 0 {
		where = append(where, "sequence > ?")
		args = append(args, filter.SinceSequence)
	}
	if !filter.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, filter.Since)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var nodeID, taskID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.WorkflowID, &nodeID, &taskID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.NodeID, e.TaskID = nodeID.String, taskID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.ConductorError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
