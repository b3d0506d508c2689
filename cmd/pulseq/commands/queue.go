package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/pulseq/am"
	"github.com/teranos/pulseq/errors"
	"github.com/teranos/pulseq/logger"
	"github.com/teranos/pulseq/pulse/async"
	"github.com/teranos/pulseq/pulse/proc"
	"github.com/teranos/pulseq/pulse/schedule"
	"github.com/teranos/pulseq/sym"
)

// QueueCmd groups the task queue sub-commands
var QueueCmd = &cobra.Command{
	Use:   "queue",
	Short: sym.Pulse + " Manage the task queue",
	Long: sym.Pulse + ` Task queue - a database table of tasks and a dispatch loop that
runs each due task in its own worker process.

Daemon:
  pulseq queue start          # Start the dispatch loop in the background
  pulseq queue status         # Is the dispatch loop alive?
  pulseq queue stop           # Kill the dispatch loop and every worker
  pulseq queue query          # List live queue processes
  pulseq queue listen         # Run the dispatch loop in the foreground

Tasks:
  pulseq queue push "Nightly report" "report build --all"
  pulseq queue ls --status waiting
  pulseq queue show Q20260101120000123
  pulseq queue reset Q20260101120000123 --delay 10m
  pulseq queue clean          # Run the reaper once
  pulseq queue dorun <code>   # Run one task (what the dispatch loop spawns)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the dispatch loop is running",
	Args:  cobra.NoArgs,
	RunE:  runQueueStatus,
}

var queueStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the dispatch loop in the background",
	Args:  cobra.NoArgs,
	RunE:  runQueueStart,
}

var queueStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Kill the dispatch loop and all workers",
	Long: `Kill every live process of the queue namespace: the dispatch loop
first, then the workers. Rows of killed workers stay RUNNING until the
reaper reclaims them.`,
	Args: cobra.NoArgs,
	RunE: runQueueStop,
}

var queueQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "List live queue processes",
	Args:  cobra.NoArgs,
	RunE:  runQueueQuery,
}

var queueListenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Run the dispatch loop in the foreground",
	Long: `Run the dispatch loop until interrupted.

Every poll interval the loop looks up WAITING tasks whose execution time
has arrived and spawns one detached "queue dorun <code>" worker for each
task that has no live worker. Changes to the poll interval and spawn rate
in the active config file are applied without a restart.`,
	Args: cobra.NoArgs,
	RunE: runQueueListen,
}

var queueCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Run the reaper once",
	Long: `Delete finished tasks older than queue.retention_days, fail tasks that
have been RUNNING longer than queue.overrun_seconds (or whose worker stopped
sending heartbeats), re-arm failed recurring tasks and purge expired progress.`,
	Args: cobra.NoArgs,
	RunE: runQueueClean,
}

var queueDorunCmd = &cobra.Command{
	Use:    "dorun <code>",
	Short:  "Run one task in this process",
	Args:   cobra.ExactArgs(1),
	Hidden: true,
	RunE:   runQueueDorun,
}

func init() {
	QueueCmd.AddCommand(queueStatusCmd)
	QueueCmd.AddCommand(queueStartCmd)
	QueueCmd.AddCommand(queueStopCmd)
	QueueCmd.AddCommand(queueQueryCmd)
	QueueCmd.AddCommand(queueListenCmd)
	QueueCmd.AddCommand(queueCleanCmd)
	QueueCmd.AddCommand(queueDorunCmd)
}

// signalContext is cancelled on Ctrl+C or SIGTERM
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func listenMarker(control *proc.Control) string {
	return control.BuildInvocation("queue", "listen")
}

func runQueueStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	control, err := newControl(cfg)
	if err != nil {
		return err
	}

	alive, err := control.Find(cmd.Context(), listenMarker(control))
	if err != nil {
		return errors.Wrap(err, "failed to query process table")
	}
	out := cmd.OutOrStdout()
	if len(alive) == 0 {
		fmt.Fprintf(out, "%s %s\n", sym.Pulse, pterm.Yellow("dispatch loop is not running"))
		return nil
	}
	for _, p := range alive {
		fmt.Fprintf(out, "%s %s (pid %d)\n", sym.Pulse, pterm.Green("dispatch loop is running"), p.PID)
	}
	return nil
}

func runQueueStart(cmd *cobra.Command, args []string) error {
	env, err := openQueue(cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer env.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	marker := listenMarker(env.control)

	alive, err := env.control.Find(ctx, marker)
	if err != nil {
		return errors.Wrap(err, "failed to query process table")
	}
	if len(alive) > 0 {
		fmt.Fprintf(out, "%s dispatch loop already running (pid %d)\n", sym.Pulse, alive[0].PID)
		return nil
	}

	if _, err := async.EnsureCleanTask(ctx, env.svc, env.cfg.Queue.CleanIntervalSeconds); err != nil {
		return errors.Wrap(err, "failed to register clean task")
	}
	if err := env.control.Spawn(ctx, marker, env.cfg.Queue.SpawnDelay()); err != nil {
		return err
	}

	alive, err = env.control.Find(ctx, marker)
	if err != nil {
		return errors.Wrap(err, "failed to query process table")
	}
	if len(alive) == 0 {
		return errors.WithHint(
			errors.New("dispatch loop did not come up"),
			"run 'pulseq queue listen -v' in the foreground to see why")
	}
	fmt.Fprintf(out, "%s %s (pid %d)\n", sym.PulseOpen, pterm.Green("dispatch loop started"), alive[0].PID)
	return nil
}

func runQueueStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	control, err := newControl(cfg)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	procs, err := control.Find(ctx, control.BuildInvocation("queue"))
	if err != nil {
		return errors.Wrap(err, "failed to query process table")
	}
	orderListenersFirst(procs, listenMarker(control))

	out := cmd.OutOrStdout()
	killed := 0
	for _, p := range procs {
		if err := control.Kill(ctx, p.PID); err != nil {
			fmt.Fprintf(out, "%s %s\n", pterm.Red(sym.Failed), err)
			continue
		}
		killed++
		fmt.Fprintf(out, "%s killed %d  %s\n", sym.PulseClose, p.PID, p.CommandLine)
	}
	fmt.Fprintf(out, "%s stopped %d process(es)\n", sym.Pulse, killed)
	return nil
}

// orderListenersFirst moves dispatch loops to the front so no new workers
// are spawned while the others are being killed
func orderListenersFirst(procs []proc.Process, marker string) {
	needle := proc.NormalizeCommandLine(marker)
	isListener := func(p proc.Process) bool {
		return strings.Contains(proc.NormalizeCommandLine(p.CommandLine), needle)
	}
	sort.SliceStable(procs, func(i, j int) bool {
		return isListener(procs[i]) && !isListener(procs[j])
	})
}

func runQueueQuery(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	control, err := newControl(cfg)
	if err != nil {
		return err
	}

	procs, err := control.Find(cmd.Context(), control.BuildInvocation("queue"))
	if err != nil {
		return errors.Wrap(err, "failed to query process table")
	}
	return renderProcesses(cmd.OutOrStdout(), procs)
}

func renderProcesses(out io.Writer, procs []proc.Process) error {
	if len(procs) == 0 {
		fmt.Fprintf(out, "%s no queue processes\n", sym.Pulse)
		return nil
	}
	data := pterm.TableData{{"PID", "COMMAND"}}
	for _, p := range procs {
		data = append(data, []string{strconv.Itoa(int(p.PID)), p.CommandLine})
	}
	return pterm.DefaultTable.WithHasHeader().WithWriter(out).WithData(data).Render()
}

func runQueueListen(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	env, err := openQueue(out)
	if err != nil {
		return err
	}
	defer env.Close()

	ctx, stop := signalContext(cmd)
	defer stop()

	if _, err := async.EnsureCleanTask(ctx, env.svc, env.cfg.Queue.CleanIntervalSeconds); err != nil {
		return errors.Wrap(err, "failed to register clean task")
	}

	log := logger.Logger.Named("pulse.listen")
	listener := schedule.NewListener(env.svc, env.control, env.text, out, schedule.ListenerConfigFrom(env.cfg.Queue), log)

	if path := am.ActiveConfigFile(); path != "" {
		watcher, err := am.NewConfigWatcher(path, log)
		if err != nil {
			log.Warnw("Config hot reload disabled", logger.FieldPath, path, logger.FieldError, err)
		} else {
			watcher.OnReload(func(cfg *am.Config) error {
				listener.Apply(schedule.ListenerConfigFrom(cfg.Queue))
				return nil
			})
			watcher.Start()
			defer watcher.Stop()
		}
	}

	fmt.Fprintf(out, "%s dispatch loop listening (session %s), Ctrl+C to stop\n", sym.PulseOpen, listener.SessionID())
	if err := listener.Run(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s dispatch loop stopped\n", sym.PulseClose)
	return nil
}

func runQueueClean(cmd *cobra.Command, args []string) error {
	env, err := openQueue(cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer env.Close()

	ctx, stop := signalContext(cmd)
	defer stop()

	_, err = env.reaper.Run(ctx, nil)
	return err
}

func runQueueDorun(cmd *cobra.Command, args []string) error {
	env, err := openQueue(cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer env.Close()

	ctx, stop := signalContext(cmd)
	defer stop()

	return env.executor().Run(ctx, args[0])
}
