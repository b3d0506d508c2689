package async

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/teranos/pulseq/errors"
)

// Store handles persistence of queue tasks in system_queue.
// Every method takes the timestamps it writes so callers own the clock.
type Store struct {
	db *sql.DB
}

// NewStore creates a new task store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new task row.
// A singleton title collision surfaces as a unique violation (see db.IsUniqueViolation).
func (s *Store) Create(ctx context.Context, task *Task) error {
	payload := string(task.Payload)
	if payload == "" {
		payload = "{}"
	}

	query := `
		INSERT INTO system_queue (
			code, title, command, command_kind, status, attempts, rscript,
			exec_data, exec_time, enter_time, outer_time, loops_time,
			exec_pid, exec_desc, heartbeat_time, create_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		task.Code,
		task.Title,
		task.Command.String(),
		string(task.Command.Kind),
		int(task.Status),
		task.Attempts,
		boolToInt(task.AllowMultiple),
		payload,
		task.ExecTime.Unix(),
		unixFloat(task.EnterTime),
		unixFloat(task.OuterTime),
		task.LoopSeconds,
		task.PID,
		task.Description,
		unixFloat(task.HeartbeatTime),
		task.CreatedAt.Format(createAtLayout),
	)
	if err != nil {
		return errors.WithDetail(errors.Wrap(err, "failed to create task"), fmt.Sprintf("Task code: %s", task.Code))
	}
	return nil
}

// Get retrieves a task by code
func (s *Store) Get(ctx context.Context, code string) (*Task, error) {
	query := `SELECT ` + StandardTaskSelectColumns() + ` FROM system_queue WHERE code = ?`

	var task Task
	err := ScanTaskFromRow(s.db.QueryRowContext(ctx, query, code), &task)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &TaskNotFoundError{Code: code}
	}
	if err != nil {
		return nil, errors.WithDetail(errors.Wrap(err, "failed to get task"), fmt.Sprintf("Task code: %s", code))
	}
	return &task, nil
}

// FindActiveByTitle returns a WAITING or RUNNING task with the given title,
// or nil if there is none
func (s *Store) FindActiveByTitle(ctx context.Context, title string) (*Task, error) {
	query := `SELECT ` + StandardTaskSelectColumns() + ` FROM system_queue
		WHERE title = ? AND status IN (?, ?)
		ORDER BY rscript ASC, exec_time ASC
		LIMIT 1`

	var task Task
	err := ScanTaskFromRow(s.db.QueryRowContext(ctx, query, title, StatusWaiting, StatusRunning), &task)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to look up active task %q", title)
	}
	return &task, nil
}

// ListDue returns WAITING tasks with exec_time <= now, oldest first
func (s *Store) ListDue(ctx context.Context, now time.Time) ([]*Task, error) {
	query := `SELECT ` + StandardTaskSelectColumns() + ` FROM system_queue
		WHERE status = ? AND exec_time <= ?
		ORDER BY exec_time ASC, create_at ASC`

	rows, err := s.db.QueryContext(ctx, query, StatusWaiting, now.Unix())
	if err != nil {
		return nil, errors.Wrap(err, "failed to query due tasks")
	}
	return collectTasks(rows)
}

// List returns the most recent tasks, optionally filtered by status.
// limit <= 0 means no limit.
func (s *Store) List(ctx context.Context, status *Status, limit int) ([]*Task, error) {
	query := `SELECT ` + StandardTaskSelectColumns() + ` FROM system_queue`
	var args []interface{}
	if status != nil {
		query += ` WHERE status = ?`
		args = append(args, int(*status))
	}
	query += ` ORDER BY create_at DESC, code DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tasks")
	}
	return collectTasks(rows)
}

// Claim moves a WAITING task to RUNNING in one conditional update and
// returns the new attempt count, which identifies the claimed epoch.
// Returns ErrAlreadyClaimed when the row was not WAITING.
func (s *Store) Claim(ctx context.Context, code string, pid int, now time.Time) (int, error) {
	query := `
		UPDATE system_queue
		SET status = ?, attempts = attempts + 1, enter_time = ?, outer_time = 0,
		    exec_pid = ?, exec_desc = '', heartbeat_time = ?
		WHERE code = ? AND status = ?
		RETURNING attempts
	`
	var epoch int
	err := s.db.QueryRowContext(ctx, query,
		StatusRunning, unixFloat(now), pid, unixFloat(now), code, StatusWaiting).Scan(&epoch)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrAlreadyClaimed
	}
	if err != nil {
		return 0, errors.WithDetail(errors.Wrap(err, "failed to claim task"), fmt.Sprintf("Task code: %s", code))
	}
	return epoch, nil
}

// Finish writes the terminal status of the RUNNING epoch returned by Claim.
// Returns false when the row is no longer RUNNING in that epoch (the reaper
// moved it on, possibly into a newer epoch).
func (s *Store) Finish(ctx context.Context, code string, epoch int, status Status, pid int, desc string, now time.Time) (bool, error) {
	if !status.IsTerminal() {
		return false, errors.Newf("finish with non-terminal status %s", status)
	}
	query := `
		UPDATE system_queue
		SET status = ?, outer_time = ?, exec_pid = ?, exec_desc = ?
		WHERE code = ? AND status = ? AND attempts = ?
	`
	res, err := s.db.ExecContext(ctx, query, status, unixFloat(now), pid, desc, code, StatusRunning, epoch)
	if err != nil {
		return false, errors.WithDetail(errors.Wrap(err, "failed to finish task"), fmt.Sprintf("Task code: %s", code))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read finish result")
	}
	return n > 0, nil
}

// Rearm starts a new WAITING epoch of the task at execTime
func (s *Store) Rearm(ctx context.Context, code string, execTime time.Time) error {
	query := `
		UPDATE system_queue
		SET status = ?, exec_pid = 0, exec_time = ?, heartbeat_time = 0
		WHERE code = ?
	`
	if _, err := s.db.ExecContext(ctx, query, StatusWaiting, execTime.Unix(), code); err != nil {
		return errors.WithDetail(errors.Wrap(err, "failed to re-arm task"), fmt.Sprintf("Task code: %s", code))
	}
	return nil
}

// RearmStale re-arms a task the reaper found in the expected status.
// A row that changed status since it was read is left alone.
func (s *Store) RearmStale(ctx context.Context, code string, expected Status, execTime time.Time, desc string) error {
	query := `
		UPDATE system_queue
		SET status = ?, exec_pid = 0, exec_time = ?, heartbeat_time = 0, exec_desc = ?
		WHERE code = ? AND status = ?
	`
	if _, err := s.db.ExecContext(ctx, query, StatusWaiting, execTime.Unix(), desc, code, expected); err != nil {
		return errors.WithDetail(errors.Wrap(err, "failed to re-arm task"), fmt.Sprintf("Task code: %s", code))
	}
	return nil
}

// Heartbeat records that the worker of a RUNNING epoch is alive
func (s *Store) Heartbeat(ctx context.Context, code string, epoch int, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE system_queue SET heartbeat_time = ? WHERE code = ? AND status = ? AND attempts = ?`,
		unixFloat(now), code, StatusRunning, epoch)
	if err != nil {
		return errors.Wrapf(err, "failed to record heartbeat for %s", code)
	}
	return nil
}

// DeleteFinishedBefore removes non-recurring RUNNED/FAILED rows that
// finished before cutoff
func (s *Store) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM system_queue
		WHERE status IN (?, ?) AND loops_time = 0 AND outer_time < ?`,
		StatusRunned, StatusFailed, unixFloat(cutoff))
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete finished tasks")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListStale returns up to limit tasks needing reclassification: RUNNING
// since before overrunCutoff, RUNNING with a heartbeat older than
// heartbeatCutoff, or FAILED and recurring.
// A zero heartbeatCutoff disables the heartbeat check.
func (s *Store) ListStale(ctx context.Context, overrunCutoff, heartbeatCutoff time.Time, limit int) ([]*Task, error) {
	query := `SELECT ` + StandardTaskSelectColumns() + ` FROM system_queue
		WHERE (status = ? AND (enter_time < ? OR (heartbeat_time > 0 AND heartbeat_time < ?)))
		   OR (status = ? AND loops_time > 0)
		ORDER BY exec_time ASC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query,
		StatusRunning, unixFloat(overrunCutoff), unixFloat(heartbeatCutoff),
		StatusFailed, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query stale tasks")
	}
	return collectTasks(rows)
}

// MarkOverrun fails a RUNNING task the reaper gave up on
func (s *Store) MarkOverrun(ctx context.Context, code, desc string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE system_queue SET status = ?, outer_time = ?, exec_desc = ?
		WHERE code = ? AND status = ?`,
		StatusFailed, unixFloat(now), desc, code, StatusRunning)
	if err != nil {
		return errors.WithDetail(errors.Wrap(err, "failed to mark task failed"), fmt.Sprintf("Task code: %s", code))
	}
	return nil
}

// Retire leaves a recurring task in a terminal status and clears its loop,
// so it is neither re-armed nor reported as stale again
func (s *Store) Retire(ctx context.Context, code string, status Status, desc string, now time.Time) error {
	if !status.IsTerminal() {
		return errors.Newf("retire with non-terminal status %s", status)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE system_queue SET status = ?, loops_time = 0, outer_time = ?, exec_desc = ?
		WHERE code = ?`,
		status, unixFloat(now), desc, code)
	if err != nil {
		return errors.WithDetail(errors.Wrap(err, "failed to retire task"), fmt.Sprintf("Task code: %s", code))
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
