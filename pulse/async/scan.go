package async

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/pulseq/errors"
)

// TaskScanArgs holds the raw column values of a system_queue row before
// they are converted into a Task.
type TaskScanArgs struct {
	Command       string
	CommandKind   string
	Status        int
	AllowMultiple int
	Payload       sql.NullString
	ExecTime      int64
	EnterTime     float64
	OuterTime     float64
	HeartbeatTime float64
	CreatedAt     string
}

// GetTaskScanTargets returns the scan destinations in the order of
// StandardTaskSelectColumns
func GetTaskScanTargets(task *Task, args *TaskScanArgs) []interface{} {
	return []interface{}{
		&task.Code,
		&task.Title,
		&args.Command,
		&args.CommandKind,
		&args.Status,
		&task.Attempts,
		&args.AllowMultiple,
		&args.Payload,
		&args.ExecTime,
		&args.EnterTime,
		&args.OuterTime,
		&task.LoopSeconds,
		&task.PID,
		&task.Description,
		&args.HeartbeatTime,
		&args.CreatedAt,
	}
}

// ProcessTaskScanArgs converts the raw values into the task's typed fields
func ProcessTaskScanArgs(task *Task, args *TaskScanArgs) error {
	cmd, err := parseStoredCommand(args.CommandKind, args.Command)
	if err != nil {
		return errors.Wrapf(err, "task %s", task.Code)
	}
	task.Command = cmd
	task.Status = Status(args.Status)
	task.AllowMultiple = args.AllowMultiple != 0

	task.Payload = json.RawMessage("{}")
	if args.Payload.Valid && args.Payload.String != "" {
		task.Payload = json.RawMessage(args.Payload.String)
	}

	task.ExecTime = fromUnix(args.ExecTime)
	task.EnterTime = fromUnixFloat(args.EnterTime)
	task.OuterTime = fromUnixFloat(args.OuterTime)
	task.HeartbeatTime = fromUnixFloat(args.HeartbeatTime)

	if args.CreatedAt != "" {
		created, err := time.ParseInLocation(createAtLayout, args.CreatedAt, time.Local)
		if err != nil {
			return errors.Wrapf(err, "task %s has invalid create_at %q", task.Code, args.CreatedAt)
		}
		task.CreatedAt = created
	}
	return nil
}

// ScanTaskFromRow scans a single task from a sql.Row
func ScanTaskFromRow(row *sql.Row, task *Task) error {
	var args TaskScanArgs
	if err := row.Scan(GetTaskScanTargets(task, &args)...); err != nil {
		return err
	}
	return ProcessTaskScanArgs(task, &args)
}

// ScanTaskFromRows scans a single task from sql.Rows (for use in loops)
func ScanTaskFromRows(rows *sql.Rows, task *Task) error {
	var args TaskScanArgs
	if err := rows.Scan(GetTaskScanTargets(task, &args)...); err != nil {
		return err
	}
	return ProcessTaskScanArgs(task, &args)
}

// StandardTaskSelectColumns returns the column list for task SELECT queries
func StandardTaskSelectColumns() string {
	return `code, title, command, command_kind, status, attempts, rscript,
		exec_data, exec_time, enter_time, outer_time, loops_time,
		exec_pid, exec_desc, heartbeat_time, create_at`
}

// collectTasks drains rows into a slice and closes them.
// Callers issue their updates only after this returns.
func collectTasks(rows *sql.Rows) ([]*Task, error) {
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		var task Task
		if err := ScanTaskFromRows(rows, &task); err != nil {
			return nil, errors.Wrap(err, "failed to scan task")
		}
		tasks = append(tasks, &task)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating tasks")
	}
	return tasks, nil
}
