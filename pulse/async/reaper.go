package async

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/pulseq/db"
	"github.com/teranos/pulseq/i18n"
	"github.com/teranos/pulseq/internal/util"
	"github.com/teranos/pulseq/logger"
	"github.com/teranos/pulseq/pulse/cache"
)

// CleanUnitName is the unit the listener registers to run the reaper periodically
const CleanUnitName = "queue.clean"

// CleanTaskTitle is the singleton title of the periodic clean task
const CleanTaskTitle = "Clean system tasks"

// ReaperConfig bounds what the reaper considers old or stuck
type ReaperConfig struct {
	Retention time.Duration // finished rows older than this are deleted
	Overrun   time.Duration // RUNNING longer than this is stuck
	Heartbeat time.Duration // worker heartbeat interval; 0 disables the heartbeat check
	PageSize  int
}

// staleHeartbeats is how many missed heartbeats make a RUNNING task stuck
const staleHeartbeats = 10

// ReapResult counts what one reaper pass did
type ReapResult struct {
	Deleted  int64 // finished rows removed
	TimedOut int   // stuck rows marked FAILED
	Reset    int   // recurring rows re-armed
	Purged   int64 // expired progress records removed
}

// Reporter receives per-task status lines; *Handle implements it
type Reporter interface {
	Message(ctx context.Context, total, count int, text string, backline int) error
}

// Reaper deletes old finished tasks and reclassifies stuck and failed ones
type Reaper struct {
	store    *Store
	progress *cache.Store
	text     *i18n.Printer
	console  io.Writer
	cfg      ReaperConfig
	logger   pulseLogger
	now      func() time.Time
}

// NewReaper creates a reaper
func NewReaper(store *Store, progress *cache.Store, text *i18n.Printer, console io.Writer, cfg ReaperConfig, log *zap.SugaredLogger) *Reaper {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if text == nil {
		text = i18n.New("en")
	}
	if console == nil {
		console = io.Discard
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Reaper{
		store:    store,
		progress: progress,
		text:     text,
		console:  console,
		cfg:      cfg,
		logger:   pulseLogger{log},
		now:      time.Now,
	}
}

// Run performs one pass. Per-task lines go to rep when it is non-nil,
// otherwise to the console. The summary line always goes to the console.
func (r *Reaper) Run(ctx context.Context, rep Reporter) (ReapResult, error) {
	var result ReapResult
	now := r.now()

	deleted, err := r.store.DeleteFinishedBefore(ctx, now.Add(-r.cfg.Retention))
	if err != nil {
		return result, err
	}
	result.Deleted = deleted

	var heartbeatCutoff time.Time
	if r.cfg.Heartbeat > 0 {
		heartbeatCutoff = now.Add(-staleHeartbeats * r.cfg.Heartbeat)
	}

	for {
		page, err := r.store.ListStale(ctx, now.Add(-r.cfg.Overrun), heartbeatCutoff, r.cfg.PageSize)
		if err != nil {
			return result, err
		}
		if len(page) == 0 {
			break
		}
		for i, task := range page {
			if err := r.reclassify(ctx, task, now); err != nil {
				return result, err
			}
			if task.IsRecurring() {
				result.Reset++
				r.report(ctx, rep, len(page), i+1, r.text.Sprintf(i18n.ReaperResetting, task.Code))
			} else {
				result.TimedOut++
				r.report(ctx, rep, len(page), i+1, fmt.Sprintf("%s %s", task.Code, r.text.Sprintf(i18n.ReaperTimedOut)))
			}
		}
	}

	if r.progress != nil {
		purged, err := r.progress.PurgeExpired(ctx)
		if err != nil {
			r.logger.Warnw("Failed to purge expired progress", logger.FieldError, err)
		}
		result.Purged = purged
	}

	fmt.Fprintln(r.console, r.Summary(result))
	r.logger.Pulse("Reaper pass complete",
		"deleted", result.Deleted,
		"timed_out", result.TimedOut,
		"reset", result.Reset,
		"purged", result.Purged,
	)
	return result, nil
}

// Summary renders the result in the configured language
func (r *Reaper) Summary(result ReapResult) string {
	return r.text.Sprintf(i18n.ReaperSummary, result.Deleted, result.TimedOut, result.Reset)
}

// reclassify re-arms a recurring task or fails a stuck one
func (r *Reaper) reclassify(ctx context.Context, task *Task, now time.Time) error {
	if task.IsRecurring() {
		key := i18n.ReaperFailedLoop
		if task.Status == StatusRunning {
			key = i18n.ReaperResetLoop
		}
		err := r.store.RearmStale(ctx, task.Code, task.Status, now, r.text.Sprintf(key))
		if db.IsUniqueViolation(err) {
			// Another task with this title became active while this one was stuck
			r.logger.Warnw("Recurring task superseded, loop stopped", logger.FieldTaskCode, task.Code, logger.FieldTitle, task.Title)
			return r.store.Retire(ctx, task.Code, StatusFailed, r.text.Sprintf(i18n.ReaperSuperseded), now)
		}
		return err
	}
	return r.store.MarkOverrun(ctx, task.Code, r.text.Sprintf(i18n.ReaperTimedOut), now)
}

func (r *Reaper) report(ctx context.Context, rep Reporter, total, count int, text string) {
	if rep == nil {
		width := util.Digits(total)
		fmt.Fprintf(r.console, "[%0*d/%0*d] %s\n", width, count, width, total, text)
		return
	}
	if err := rep.Message(ctx, total, count, text, 0); err != nil {
		r.logger.Warnw("Failed to report reaper progress", logger.FieldError, err)
	}
}

// CleanUnit runs the reaper as a queue task
func CleanUnit(reaper *Reaper) Unit {
	return NewUnit(CleanUnitName, func(ctx context.Context, h *Handle) (Outcome, error) {
		result, err := reaper.Run(ctx, h)
		if err != nil {
			return Outcome{}, err
		}
		return Success(reaper.Summary(result)), nil
	})
}

// EnsureCleanTask registers the recurring clean task.
// It is a no-op when the task is already queued or loopSeconds is 0.
func EnsureCleanTask(ctx context.Context, svc *Service, loopSeconds int) (*Task, error) {
	if loopSeconds <= 0 {
		return nil, nil
	}
	task, err := svc.Register(ctx, RegisterRequest{
		Title:       CleanTaskTitle,
		Command:     CleanUnitName,
		LoopSeconds: loopSeconds,
	})
	if _, dup := AsDuplicate(err); dup {
		return nil, nil
	}
	return task, err
}
