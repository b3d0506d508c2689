package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/pulseq/errors"
	"github.com/teranos/pulseq/i18n"
	"github.com/teranos/pulseq/internal/util"
	"github.com/teranos/pulseq/pulse/async"
	"github.com/teranos/pulseq/sym"
)

var queuePushCmd = &cobra.Command{
	Use:   "push [title] [command]",
	Short: "Register a task",
	Long: `Register a task to run once its delay has passed.

The command is either the name of a unit built into pulseq or an argument
list that a worker runs as a nested pulseq invocation.

A title can have only one WAITING or RUNNING task unless --multiple is given.

Batch registration reads [[task]] tables from a TOML file:

  [[task]]
  title = "Nightly report"
  command = "report build --all"
  delay = "10m"
  loop_seconds = 86400
  data = { format = "pdf" }

Examples:
  pulseq queue push "Nightly report" "report build --all" --loop 86400
  pulseq queue push "Clean now" queue.clean --multiple
  pulseq queue push --file tasks.toml`,
	Args: func(cmd *cobra.Command, args []string) error {
		if file, _ := cmd.Flags().GetString("file"); file != "" {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(2)(cmd, args)
	},
	RunE: runQueuePush,
}

var queueLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List tasks",
	Long: `List the most recent tasks, optionally filtered by status.

Status filters: waiting, running, runned (or done), failed.

Examples:
  pulseq queue ls
  pulseq queue ls --status failed --limit 50`,
	Args: cobra.NoArgs,
	RunE: runQueueLs,
}

var queueShowCmd = &cobra.Command{
	Use:   "show <code>",
	Short: "Show a task and its progress",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueShow,
}

var queueResetCmd = &cobra.Command{
	Use:   "reset <code>",
	Short: "Put a task back into WAITING",
	Long: `Start a new WAITING epoch of a finished task, keeping its code.
RUNNING tasks are refused; stop the worker or let the reaper reclaim it first.`,
	Args: cobra.ExactArgs(1),
	RunE: runQueueReset,
}

func init() {
	queuePushCmd.Flags().Duration("delay", 0, "Run no earlier than now + delay")
	queuePushCmd.Flags().Int("loop", 0, "Re-run every N seconds after each run (0 = once)")
	queuePushCmd.Flags().String("data", "", "JSON object passed to the unit")
	queuePushCmd.Flags().Bool("multiple", false, "Allow several active tasks with the same title")
	queuePushCmd.Flags().String("file", "", "Register every [[task]] of a TOML file")

	queueLsCmd.Flags().String("status", "", "Filter by status (waiting, running, runned, failed)")
	queueLsCmd.Flags().Int("limit", 20, "Maximum number of tasks to display")

	queueResetCmd.Flags().Duration("delay", 0, "Run no earlier than now + delay")

	QueueCmd.AddCommand(queuePushCmd)
	QueueCmd.AddCommand(queueLsCmd)
	QueueCmd.AddCommand(queueShowCmd)
	QueueCmd.AddCommand(queueResetCmd)
}

// taskFile is the layout of `queue push --file`
type taskFile struct {
	Task []taskSpec `toml:"task"`
}

type taskSpec struct {
	Title       string                 `toml:"title"`
	Command     string                 `toml:"command"`
	Delay       string                 `toml:"delay"`
	LoopSeconds int                    `toml:"loop_seconds"`
	Multiple    bool                   `toml:"multiple"`
	Data        map[string]interface{} `toml:"data"`
}

// parseTaskFile reads a batch of register requests from a TOML file
func parseTaskFile(path string) ([]async.RegisterRequest, error) {
	var file taskFile
	meta, err := toml.DecodeFile(path, &file)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, errors.Newf("%s: unknown key %s", path, undecoded[0].String())
	}
	if len(file.Task) == 0 {
		return nil, errors.Newf("%s: no [[task]] entries", path)
	}

	reqs := make([]async.RegisterRequest, 0, len(file.Task))
	for i, entry := range file.Task {
		req := async.RegisterRequest{
			Title:         entry.Title,
			Command:       entry.Command,
			AllowMultiple: entry.Multiple,
			LoopSeconds:   entry.LoopSeconds,
		}
		if entry.Delay != "" {
			d, err := time.ParseDuration(entry.Delay)
			if err != nil {
				return nil, errors.Wrapf(err, "%s: task %d has an invalid delay", path, i+1)
			}
			req.Delay = d
		}
		if entry.Data != nil {
			payload, err := json.Marshal(entry.Data)
			if err != nil {
				return nil, errors.Wrapf(err, "%s: task %d has invalid data", path, i+1)
			}
			req.Payload = payload
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

func runQueuePush(cmd *cobra.Command, args []string) error {
	var reqs []async.RegisterRequest
	if file, _ := cmd.Flags().GetString("file"); file != "" {
		parsed, err := parseTaskFile(file)
		if err != nil {
			return err
		}
		reqs = parsed
	} else {
		delay, _ := cmd.Flags().GetDuration("delay")
		loop, _ := cmd.Flags().GetInt("loop")
		data, _ := cmd.Flags().GetString("data")
		multiple, _ := cmd.Flags().GetBool("multiple")
		reqs = []async.RegisterRequest{{
			Title:         args[0],
			Command:       args[1],
			Delay:         delay,
			Payload:       json.RawMessage(data),
			AllowMultiple: multiple,
			LoopSeconds:   loop,
		}}
	}

	out := cmd.OutOrStdout()
	env, err := openQueue(io.Discard)
	if err != nil {
		return err
	}
	defer env.Close()

	var failed int
	for _, req := range reqs {
		task, err := env.svc.Register(cmd.Context(), req)
		if existing, dup := async.AsDuplicate(err); dup {
			fmt.Fprintf(out, "%s %s\n", pterm.Yellow(sym.Waiting), env.text.Sprintf(i18n.TaskExists, existing.Code))
			failed++
			continue
		}
		if err != nil {
			fmt.Fprintf(out, "%s %s: %v\n", pterm.Red(sym.Failed), req.Title, err)
			failed++
			continue
		}
		fmt.Fprintf(out, "%s %s  %s  runs at %s\n",
			pterm.Green(sym.Done), task.Code, task.Title, task.ExecTime.Format(time.DateTime))
	}

	if failed > 0 {
		return errors.Newf("%d of %d task(s) not registered", failed, len(reqs))
	}
	return nil
}

func runQueueLs(cmd *cobra.Command, args []string) error {
	statusFilter, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")

	var status *async.Status
	if statusFilter != "" {
		s, err := async.ParseStatus(statusFilter)
		if err != nil {
			return err
		}
		status = &s
	}

	env, err := openQueue(io.Discard)
	if err != nil {
		return err
	}
	defer env.Close()

	tasks, err := env.svc.List(cmd.Context(), status, limit)
	if err != nil {
		return errors.Wrap(err, "failed to list tasks")
	}
	return renderTasks(cmd.OutOrStdout(), tasks)
}

func renderTasks(out io.Writer, tasks []*async.Task) error {
	if len(tasks) == 0 {
		fmt.Fprintf(out, "%s no tasks\n", sym.Pulse)
		return nil
	}

	data := pterm.TableData{{"CODE", "STATUS", "TITLE", "COMMAND", "ATTEMPTS", "EXEC TIME", "LOOP", "MESSAGE"}}
	for _, t := range tasks {
		loop := "-"
		if t.IsRecurring() {
			loop = t.LoopInterval().String()
		}
		data = append(data, []string{
			t.Code,
			t.Status.Symbol() + " " + t.Status.String(),
			t.Title,
			truncate(t.Command.String(), 40),
			strconv.Itoa(t.Attempts),
			t.ExecTime.Format(time.DateTime),
			loop,
			truncate(util.FirstLine(t.Description), 50),
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithWriter(out).WithData(data).Render(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nTotal: %d task(s)\n", len(tasks))
	return nil
}

func runQueueShow(cmd *cobra.Command, args []string) error {
	env, err := openQueue(io.Discard)
	if err != nil {
		return err
	}
	defer env.Close()

	ctx := cmd.Context()
	task, err := env.svc.Store().Get(ctx, args[0])
	if err != nil {
		return err
	}
	snapshot, ok, err := env.svc.ReadProgress(ctx, task.Code)
	if err != nil {
		return errors.Wrap(err, "failed to read progress")
	}
	if !ok {
		snapshot = nil
	}
	return renderTask(cmd.OutOrStdout(), task, snapshot)
}

func renderTask(out io.Writer, task *async.Task, snapshot *async.ProgressSnapshot) error {
	fmt.Fprintf(out, "%s Task %s\n", sym.Pulse, task.Code)
	fmt.Fprintf(out, "  Title:    %s\n", task.Title)
	fmt.Fprintf(out, "  Command:  %s (%s)\n", task.Command.String(), task.Command.Kind)
	fmt.Fprintf(out, "  Status:   %s %s\n", task.Status.Symbol(), task.Status)
	fmt.Fprintf(out, "  Attempts: %d\n", task.Attempts)
	fmt.Fprintf(out, "  Multiple: %t\n", task.AllowMultiple)
	if task.IsRecurring() {
		fmt.Fprintf(out, "  Loop:     every %s\n", task.LoopInterval())
	}
	if len(task.Payload) > 0 && string(task.Payload) != "{}" {
		fmt.Fprintf(out, "  Data:     %s\n", task.Payload)
	}
	fmt.Fprintln(out)

	fmt.Fprintf(out, "  Created:  %s\n", task.CreatedAt.Format(time.DateTime))
	fmt.Fprintf(out, "  Exec:     %s\n", task.ExecTime.Format(time.DateTime))
	if !task.EnterTime.IsZero() {
		fmt.Fprintf(out, "  Entered:  %s (pid %d)\n", task.EnterTime.Format(time.DateTime), task.PID)
	}
	if !task.HeartbeatTime.IsZero() {
		fmt.Fprintf(out, "  Alive:    %s\n", task.HeartbeatTime.Format(time.DateTime))
	}
	if !task.OuterTime.IsZero() {
		fmt.Fprintf(out, "  Finished: %s\n", task.OuterTime.Format(time.DateTime))
	}
	if task.Description != "" {
		fmt.Fprintf(out, "\n%s\n", task.Description)
	}

	if snapshot == nil {
		return nil
	}
	fmt.Fprintf(out, "\nProgress: %s%% %s\n", snapshot.Progress, snapshot.Message)
	if len(snapshot.History) == 0 {
		return nil
	}
	data := pterm.TableData{{"TIME", "PROGRESS", "MESSAGE"}}
	for _, h := range snapshot.History {
		data = append(data, []string{h.Datetime, h.Progress, h.Message})
	}
	return pterm.DefaultTable.WithHasHeader().WithWriter(out).WithData(data).Render()
}

func runQueueReset(cmd *cobra.Command, args []string) error {
	delay, _ := cmd.Flags().GetDuration("delay")

	env, err := openQueue(io.Discard)
	if err != nil {
		return err
	}
	defer env.Close()

	ctx := cmd.Context()
	h, err := env.svc.Initialize(ctx, args[0])
	if err != nil {
		return err
	}
	if h.Task().Status == async.StatusRunning {
		return errors.WithHint(
			errors.Newf("task %s is running", h.Code()),
			"use 'pulseq queue stop' or wait for 'pulseq queue clean' to reclaim it")
	}
	if err := h.Reset(ctx, delay); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s waiting, runs at %s\n",
		pterm.Green(sym.Done), h.Code(), h.Task().ExecTime.Format(time.DateTime))
	return nil
}

// truncate truncates a string to maxLen characters
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
