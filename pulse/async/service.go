package async

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/teranos/pulseq/db"
	"github.com/teranos/pulseq/errors"
	"github.com/teranos/pulseq/i18n"
	"github.com/teranos/pulseq/internal/util"
	"github.com/teranos/pulseq/logger"
	"github.com/teranos/pulseq/pulse/cache"
)

// Service owns the task lifecycle: registration, loading, claiming,
// terminal writes and progress reporting.
type Service struct {
	store    *Store
	progress *cache.Store
	registry *Registry
	text     *i18n.Printer
	console  io.Writer
	logger   *zap.SugaredLogger
	now      func() time.Time
}

// NewService wires a task service.
// registry decides which commands are units; text renders progress
// messages; console receives Handle.Message lines. Nil text, console and
// logger fall back to English, io.Discard and a no-op logger.
func NewService(store *Store, progress *cache.Store, registry *Registry, text *i18n.Printer, console io.Writer, log *zap.SugaredLogger) *Service {
	if registry == nil {
		registry = NewRegistry()
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
	return &Service{
		store:    store,
		progress: progress,
		registry: registry,
		text:     text,
		console:  console,
		logger:   log,
		now:      time.Now,
	}
}

// Store returns the underlying task store
func (s *Service) Store() *Store { return s.store }

// Text returns the message printer
func (s *Service) Text() *i18n.Printer { return s.text }

// RegisterRequest describes a task to enqueue
type RegisterRequest struct {
	Title         string
	Command       string
	Delay         time.Duration   // run no earlier than now+Delay
	Payload       json.RawMessage // JSON object handed to the unit; empty means {}
	AllowMultiple bool            // skip the singleton guard
	LoopSeconds   int             // > 0 re-arms the task after each run
}

// ResolveCommand turns command text into a Command.
// A registered unit name wins; anything else is split with shell quoting.
func (s *Service) ResolveCommand(command string) (Command, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return Command{}, errors.Wrap(errors.ErrInvalidRequest, "task command is empty")
	}
	if s.registry.Has(command) {
		return RegisteredUnit(command), nil
	}
	argv, err := shellquote.Split(command)
	if err != nil {
		return Command{}, errors.WithHint(
			errors.Wrapf(errors.ErrInvalidRequest, "cannot parse task command %q: %v", command, err),
			"quote arguments the way a POSIX shell would")
	}
	return LiteralInvocation(argv...), nil
}

// Register enqueues a WAITING task and returns it as stored.
// A singleton title that already has a WAITING or RUNNING task fails with
// *DuplicateTaskError carrying the existing code.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Task, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "task title is empty")
	}
	if req.LoopSeconds < 0 {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "loop seconds must be >= 0, got %d", req.LoopSeconds)
	}
	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if !json.Valid(payload) {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "task payload is not valid JSON")
	}
	cmd, err := s.ResolveCommand(req.Command)
	if err != nil {
		return nil, err
	}

	if !req.AllowMultiple {
		existing, err := s.store.FindActiveByTitle(ctx, title)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, &DuplicateTaskError{Code: existing.Code, Title: title}
		}
	}

	now := s.now()
	delay := req.Delay
	if delay < 0 {
		delay = 0
	}
	task := &Task{
		Code:          GenerateCode(now),
		Title:         title,
		Command:       cmd,
		Status:        StatusWaiting,
		AllowMultiple: req.AllowMultiple,
		Payload:       payload,
		ExecTime:      now.Add(delay),
		LoopSeconds:   req.LoopSeconds,
		CreatedAt:     now,
	}

	if err := s.store.Create(ctx, task); err != nil {
		// Lost the race against a concurrent registration of the same title
		if !req.AllowMultiple && db.IsUniqueViolation(err) {
			if existing, findErr := s.store.FindActiveByTitle(ctx, title); findErr == nil && existing != nil {
				return nil, &DuplicateTaskError{Code: existing.Code, Title: title}
			}
		}
		return nil, err
	}

	if _, err := s.writeProgress(ctx, task.Code, ProgressUpdate{
		Status:  StatusWaiting,
		Message: util.Ptr(s.text.Sprintf(i18n.TaskCreated)),
		Percent: util.Ptr(0.0),
	}); err != nil {
		s.logger.Warnw("Failed to write initial progress", logger.FieldTaskCode, task.Code, logger.FieldError, err)
	}

	logger.AddPulseSymbol(s.logger).Infow("Registered task",
		logger.FieldTaskCode, task.Code,
		logger.FieldTitle, title,
		"command", cmd.String(),
		"kind", string(cmd.Kind),
	)
	return s.store.Get(ctx, task.Code)
}

// Initialize loads a task and returns a Handle bound to it.
// An unknown code fails with *TaskNotFoundError.
func (s *Service) Initialize(ctx context.Context, code string) (*Handle, error) {
	task, err := s.store.Get(ctx, code)
	if err != nil {
		return nil, err
	}
	return &Handle{svc: s, task: task}, nil
}

// Claim atomically moves a WAITING task to RUNNING for pid and returns the
// claimed epoch. Returns ErrAlreadyClaimed when the task was not WAITING.
func (s *Service) Claim(ctx context.Context, code string, pid int) (int, error) {
	return s.store.Claim(ctx, code, pid, s.now())
}

// Finish writes a terminal status for the claimed epoch. It reports false
// when the task was no longer RUNNING in that epoch, in which case nothing
// was written.
func (s *Service) Finish(ctx context.Context, code string, epoch int, status Status, pid int, desc string) (bool, error) {
	ok, err := s.store.Finish(ctx, code, epoch, status, pid, desc, s.now())
	if err != nil {
		return false, err
	}
	if !ok {
		s.logger.Warnw("Task was no longer running, terminal status not written",
			logger.FieldTaskCode, code, logger.FieldStatus, status.String())
	}
	return ok, nil
}

// FailDispatch marks a task FAILED because the dispatch loop could not
// start its worker. The task still passes through RUNNING so its history
// follows the normal state graph. A task that is no longer WAITING is left alone.
func (s *Service) FailDispatch(ctx context.Context, code string, cause string) error {
	epoch, err := s.Claim(ctx, code, 0)
	if err != nil {
		if errors.Is(err, ErrAlreadyClaimed) {
			return nil
		}
		return err
	}
	desc := truncateDesc(cause)
	if _, err := s.Finish(ctx, code, epoch, StatusFailed, 0, desc); err != nil {
		return err
	}
	_, err = s.writeProgress(ctx, code, ProgressUpdate{Status: StatusFailed, Message: util.Ptr(desc)})
	return err
}

// ListDue returns WAITING tasks due at now, oldest exec_time first
func (s *Service) ListDue(ctx context.Context, now time.Time) ([]*Task, error) {
	return s.store.ListDue(ctx, now)
}

// List returns recent tasks, optionally filtered by status
func (s *Service) List(ctx context.Context, status *Status, limit int) ([]*Task, error) {
	return s.store.List(ctx, status, limit)
}

// ReadProgress returns the cached progress of a task, if any
func (s *Service) ReadProgress(ctx context.Context, code string) (*ProgressSnapshot, bool, error) {
	var snap ProgressSnapshot
	ok, err := s.progress.GetJSON(ctx, ProgressKey(code), &snap)
	if err != nil || !ok {
		return nil, false, err
	}
	return &snap, true, nil
}

// writeProgress merges u into the cached record of code and stores it.
// Progress of one task is only written by the process that owns it, so the
// read-modify-write needs no lock.
func (s *Service) writeProgress(ctx context.Context, code string, u ProgressUpdate) (*ProgressSnapshot, error) {
	u = u.withTerminalDefaults(s.text)

	snap, ok, err := s.ReadProgress(ctx, code)
	if err != nil {
		return nil, err
	}
	if !ok {
		snap = &ProgressSnapshot{Code: code, Status: u.Status, Progress: FormatPercent(0)}
	}

	if snap.apply(u, s.now()) {
		if err := s.progress.SetJSON(ctx, ProgressKey(code), snap, ProgressTTL); err != nil {
			return nil, errors.Wrapf(err, "failed to store progress of %s", code)
		}
	}
	return snap, nil
}

// maxDescBytes bounds exec_desc
const maxDescBytes = 500

func truncateDesc(s string) string {
	return util.TruncateBytes(strings.TrimSpace(s), maxDescBytes)
}
