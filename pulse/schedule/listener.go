// Package schedule runs the dispatch loop that turns due queue tasks into
// detached worker processes.
package schedule

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/pulseq/am"
	"github.com/teranos/pulseq/db"
	"github.com/teranos/pulseq/i18n"
	"github.com/teranos/pulseq/logger"
	"github.com/teranos/pulseq/pulse/async"
	"github.com/teranos/pulseq/pulse/proc"
)

// ProcessControl is the part of proc.Control the listener needs
type ProcessControl interface {
	BuildInvocation(args ...string) string
	Spawn(ctx context.Context, command string, delay time.Duration) error
	Find(ctx context.Context, substring string) ([]proc.Process, error)
}

// TaskSource supplies due tasks and records dispatch failures.
// *async.Service implements it.
type TaskSource interface {
	ListDue(ctx context.Context, now time.Time) ([]*async.Task, error)
	FailDispatch(ctx context.Context, code string, cause string) error
}

// ListenerConfig controls the dispatch loop
type ListenerConfig struct {
	PollInterval    time.Duration // time between polls, at least one second
	SpawnDelay      time.Duration // pause after each spawn
	SpawnsPerSecond float64       // 0 = unlimited
	SpawnGrace      time.Duration // how long a fresh spawn counts as alive before it is looked up
}

// DefaultListenerConfig returns the defaults used when no config file is present
func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		PollInterval: time.Second,
		SpawnDelay:   100 * time.Millisecond,
		SpawnGrace:   3 * time.Second,
	}
}

// ListenerConfigFrom maps the [queue] config section onto a ListenerConfig
func ListenerConfigFrom(q am.QueueConfig) ListenerConfig {
	cfg := DefaultListenerConfig()
	cfg.PollInterval = q.PollInterval()
	cfg.SpawnDelay = q.SpawnDelay()
	cfg.SpawnsPerSecond = q.SpawnsPerSecond
	return cfg
}

// dispatched is a worker the listener spawned and still tracks
type dispatched struct {
	title      string
	invocation string
	spawnedAt  time.Time
}

// Listener polls for due tasks and spawns one detached worker per task
type Listener struct {
	tasks   TaskSource
	procs   ProcessControl
	text    *i18n.Printer
	console io.Writer

	mu       sync.Mutex
	cfg      ListenerConfig
	limiter  *rate.Limiter
	inflight map[string]dispatched

	sessionID   string
	minInterval time.Duration
	now         func() time.Time
	logger      *zap.SugaredLogger
}

// NewListener creates a dispatch loop. Nil text, console and log get defaults.
func NewListener(tasks TaskSource, procs ProcessControl, text *i18n.Printer, console io.Writer, cfg ListenerConfig, log *zap.SugaredLogger) *Listener {
	if text == nil {
		text = i18n.New("en")
	}
	if console == nil {
		console = io.Discard
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	sessionID := uuid.NewString()

	l := &Listener{
		tasks:       tasks,
		procs:       procs,
		text:        text,
		console:     console,
		limiter:     rate.NewLimiter(rate.Inf, 1),
		inflight:    make(map[string]dispatched),
		sessionID:   sessionID,
		minInterval: time.Second,
		now:         time.Now,
		logger:      logger.AddPulseSymbol(log.With(logger.FieldSessionID, sessionID)),
	}
	l.Apply(cfg)
	return l
}

// SessionID identifies this listener run in logs
func (l *Listener) SessionID() string { return l.sessionID }

// Apply swaps in a new configuration; safe to call while Run is active
func (l *Listener) Apply(cfg ListenerConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cfg.SpawnGrace <= 0 {
		cfg.SpawnGrace = DefaultListenerConfig().SpawnGrace
	}
	l.cfg = cfg
	if cfg.SpawnsPerSecond > 0 {
		l.limiter.SetLimit(rate.Limit(cfg.SpawnsPerSecond))
	} else {
		l.limiter.SetLimit(rate.Inf)
	}
	l.limiter.SetBurst(1)
}

func (l *Listener) config() ListenerConfig {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

func (l *Listener) interval() time.Duration {
	interval := l.config().PollInterval
	if interval < l.minInterval {
		interval = l.minInterval
	}
	return interval
}

// Run polls until ctx is cancelled or the database is closed
func (l *Listener) Run(ctx context.Context) error {
	ctx = logger.WithSessionID(ctx, l.sessionID)
	l.logger.Infow("Listener started", logger.FieldInterval, l.interval().String())
	defer l.logger.Infow("Listener stopped")

	for {
		began := time.Now()
		if err := l.Poll(ctx); err != nil {
			if ctx.Err() != nil || db.IsDatabaseClosed(err) {
				return nil
			}
			l.logger.Warnw("Poll failed", logger.FieldError, err)
		}

		wait := l.interval() - time.Since(began)
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// Poll runs one dispatch round: forget ended workers, then spawn a worker
// for every due task that has none
func (l *Listener) Poll(ctx context.Context) error {
	l.reap(ctx)

	tasks, err := l.tasks.ListDue(ctx, l.now())
	if err != nil {
		return err
	}

	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.dispatch(ctx, task); err != nil {
			return err
		}
	}
	return nil
}

// dispatch spawns a worker for task unless one is already alive.
// Only a cancelled context is returned; per-task failures are recorded on the task.
func (l *Listener) dispatch(ctx context.Context, task *async.Task) error {
	invocation := l.procs.BuildInvocation("queue", "dorun", task.Code)

	if l.tracked(task.Code) {
		fmt.Fprintln(l.console, l.text.Sprintf(i18n.DispatchRunning, task.Code, task.Title))
		return nil
	}

	alive, err := l.procs.Find(ctx, invocation)
	if err != nil {
		l.fail(ctx, task, err)
		return nil
	}
	if len(alive) > 0 {
		fmt.Fprintln(l.console, l.text.Sprintf(i18n.DispatchRunning, task.Code, task.Title))
		return nil
	}

	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}

	if err := l.procs.Spawn(ctx, invocation, l.config().SpawnDelay); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.fail(ctx, task, err)
		return nil
	}

	l.mu.Lock()
	l.inflight[task.Code] = dispatched{title: task.Title, invocation: invocation, spawnedAt: l.now()}
	l.mu.Unlock()

	fmt.Fprintln(l.console, l.text.Sprintf(i18n.DispatchSpawned, task.Code, task.Title))
	l.logger.Infow("Spawned worker",
		logger.FieldTaskCode, task.Code,
		logger.FieldTitle, task.Title,
		logger.FieldInvocation, invocation)
	return nil
}

func (l *Listener) fail(ctx context.Context, task *async.Task, cause error) {
	fmt.Fprintln(l.console, l.text.Sprintf(i18n.DispatchFailed, task.Code, task.Title, cause.Error()))
	l.logger.Errorw("Dispatch failed",
		logger.FieldTaskCode, task.Code,
		logger.FieldError, cause)

	if err := l.tasks.FailDispatch(ctx, task.Code, cause.Error()); err != nil {
		l.logger.Errorw("Failed to record dispatch failure",
			logger.FieldTaskCode, task.Code,
			logger.FieldError, err)
	}
}

func (l *Listener) tracked(code string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.inflight[code]
	return ok
}

// reap drops tracked workers whose process is gone. Entries younger than
// the spawn grace are kept since a detached child may not be listed yet.
func (l *Listener) reap(ctx context.Context) {
	grace := l.config().SpawnGrace
	now := l.now()

	l.mu.Lock()
	candidates := make(map[string]dispatched, len(l.inflight))
	for code, d := range l.inflight {
		if now.Sub(d.spawnedAt) >= grace {
			candidates[code] = d
		}
	}
	l.mu.Unlock()

	for code, d := range candidates {
		alive, err := l.procs.Find(ctx, d.invocation)
		if err != nil {
			l.logger.Warnw("Failed to look up worker", logger.FieldTaskCode, code, logger.FieldError, err)
			continue
		}
		if len(alive) > 0 {
			continue
		}

		l.mu.Lock()
		delete(l.inflight, code)
		l.mu.Unlock()
		fmt.Fprintln(l.console, l.text.Sprintf(i18n.DispatchEnded, code))
	}
}

// Inflight returns the codes of workers the listener still tracks, sorted
func (l *Listener) Inflight() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	codes := make([]string, 0, len(l.inflight))
	for code := range l.inflight {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
