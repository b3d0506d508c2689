package async

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/pulseq/db"
	"github.com/teranos/pulseq/errors"
	"github.com/teranos/pulseq/i18n"
	"github.com/teranos/pulseq/internal/util"
	"github.com/teranos/pulseq/logger"
)

// pulseLogger wraps zap.SugaredLogger with the Pulse markers:
// Starting (✿) for opening events, Closing (❀) for closing events and
// Pulse (꩜) for everything in between.
type pulseLogger struct {
	*zap.SugaredLogger
}

func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	logger.AddPulseOpenSymbol(l.SugaredLogger).Infow(msg, keysAndValues...)
}

func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	logger.AddPulseCloseSymbol(l.SugaredLogger).Infow(msg, keysAndValues...)
}

func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	logger.AddPulseSymbol(l.SugaredLogger).Infow(msg, keysAndValues...)
}

// InvocationRunner runs a nested invocation of the own binary and returns
// its combined output
type InvocationRunner interface {
	Run(ctx context.Context, argv []string) (string, error)
}

// Executor runs one task inside the worker process spawned for it
type Executor struct {
	svc       *Service
	registry  *Registry
	runner    InvocationRunner
	heartbeat time.Duration
	pid       int
	logger    pulseLogger
}

// NewExecutor creates a worker executor.
// heartbeat is the interval of heartbeat_time updates while a task runs; 0 disables them.
func NewExecutor(svc *Service, registry *Registry, runner InvocationRunner, heartbeat time.Duration, log *zap.SugaredLogger) *Executor {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Executor{
		svc:       svc,
		registry:  registry,
		runner:    runner,
		heartbeat: heartbeat,
		pid:       os.Getpid(),
		logger:    pulseLogger{log},
	}
}

// Run executes the task with the given code.
//
// An unknown code is returned as *TaskNotFoundError and nothing is written.
// A task that is not WAITING, or that another worker claims first, is
// skipped and Run returns nil. Unit failures are recorded on the task and
// are not returned.
func (e *Executor) Run(ctx context.Context, code string) error {
	ctx = logger.WithTaskCode(ctx, code)
	log := pulseLogger{logger.FromContext(ctx, e.logger.SugaredLogger)}

	h, err := e.svc.Initialize(ctx, code)
	if err != nil {
		return err
	}
	if h.Task().Status != StatusWaiting {
		log.Pulse("Task is not waiting, nothing to do", logger.FieldStatus, h.Task().Status.String())
		return nil
	}

	epoch, err := e.svc.Claim(ctx, code, e.pid)
	if err != nil {
		if errors.Is(err, ErrAlreadyClaimed) {
			log.Pulse("Task was claimed by another worker")
			return nil
		}
		return err
	}
	if err := h.Reload(ctx); err != nil {
		return err
	}

	started := time.Now()
	log.Starting("Task started",
		logger.FieldTitle, h.Task().Title,
		logger.FieldAttempts, h.Task().Attempts,
		logger.FieldPID, e.pid,
	)
	if _, err := h.Progress(ctx, ProgressUpdate{
		Status:  StatusRunning,
		Message: util.Ptr(e.svc.text.Sprintf(i18n.TaskStarted)),
		Percent: util.Ptr(0.0),
	}); err != nil {
		log.Warnw("Failed to write start progress", logger.FieldError, err)
	}

	stopHeartbeat := e.startHeartbeat(ctx, code, epoch, log)
	outcome, desc := e.execute(ctx, h, log)
	stopHeartbeat()

	// The terminal write must land even when the worker is being shut down
	return e.finish(context.WithoutCancel(ctx), h, epoch, outcome, desc, time.Since(started), log)
}

// execute runs the task's command and returns its outcome and exec_desc text
func (e *Executor) execute(ctx context.Context, h *Handle, log pulseLogger) (Outcome, string) {
	cmd := h.Task().Command
	switch cmd.Kind {
	case CommandUnit:
		outcome := e.runUnit(ctx, h, log)
		return outcome, util.FirstLine(outcome.Message())

	case CommandInvocation:
		if e.runner == nil {
			msg := "no invocation runner configured"
			return Failure(msg), msg
		}
		output, err := e.runner.Run(ctx, cmd.Argv)
		output = strings.TrimSpace(output)
		if err != nil {
			msg := err.Error()
			if output != "" {
				msg += "\n" + output
			}
			return Failure(msg), msg
		}
		return Success(output), output
	}

	msg := fmt.Sprintf("unknown command kind %q", cmd.Kind)
	return Failure(msg), msg
}

// runUnit looks up and executes a registered unit.
// Errors and panics become a Failure.
func (e *Executor) runUnit(ctx context.Context, h *Handle, log pulseLogger) (outcome Outcome) {
	name := h.Task().Command.Unit
	unit, ok := e.registry.Get(name)
	if !ok {
		return Failure(e.svc.text.Sprintf(i18n.TaskUnitMissing, name))
	}

	defer func() {
		if r := recover(); r != nil {
			log.Errorw("Unit panicked", "unit", name, "panic", r, "stack", string(debug.Stack()))
			outcome = Failure(e.svc.text.Sprintf(i18n.TaskPanicked, r))
		}
	}()

	out, err := unit.Execute(ctx, h)
	if err != nil {
		return Failure(err.Error())
	}
	return out
}

// finish writes the terminal status of the claimed epoch, mirrors it into
// progress and re-arms recurring tasks
func (e *Executor) finish(ctx context.Context, h *Handle, epoch int, outcome Outcome, desc string, took time.Duration, log pulseLogger) error {
	task := h.Task()
	status := outcome.Status()

	written, err := e.svc.Finish(ctx, task.Code, epoch, status, e.pid, truncateDesc(desc))
	if err != nil {
		return err
	}
	if !written {
		// The reaper reclassified the task while it ran; its decision stands
		return nil
	}

	if msg := strings.TrimSpace(outcome.Message()); msg != "" {
		fmt.Fprintln(h.Console(), msg)
	}
	final := ProgressUpdate{Status: status}
	if first := util.FirstLine(outcome.Message()); first != "" {
		final.Message = util.Ptr(e.svc.text.Sprintf(i18n.TaskLineMarker, first))
	}
	if _, err := h.Progress(ctx, final); err != nil {
		log.Warnw("Failed to write terminal progress", logger.FieldError, err)
	}

	log.Closing("Task finished",
		logger.FieldStatus, status.String(),
		logger.FieldDurationMS, took.Milliseconds(),
	)

	if !task.IsRecurring() {
		return nil
	}
	err = h.Reset(ctx, task.LoopInterval())
	if db.IsUniqueViolation(err) {
		// A task with the same title was registered after this run finished
		log.Warnw("Recurring task superseded, loop stopped", logger.FieldTitle, task.Title)
		return e.svc.store.Retire(ctx, task.Code, status, e.svc.text.Sprintf(i18n.ReaperSuperseded), e.svc.now())
	}
	if err != nil {
		return errors.Wrapf(err, "failed to re-arm recurring task %s", task.Code)
	}
	log.Pulse("Recurring task re-armed", "exec_time", h.Task().ExecTime.Format(time.RFC3339))
	return nil
}

// startHeartbeat updates heartbeat_time every e.heartbeat until the
// returned stop function is called
func (e *Executor) startHeartbeat(ctx context.Context, code string, epoch int, log pulseLogger) func() {
	if e.heartbeat <= 0 {
		return func() {}
	}

	hbCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(e.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := e.svc.store.Heartbeat(hbCtx, code, epoch, e.svc.now()); err != nil && hbCtx.Err() == nil {
					log.Warnw("Heartbeat failed", logger.FieldError, err)
				}
			}
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}
}
