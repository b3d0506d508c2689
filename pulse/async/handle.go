package async

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/teranos/pulseq/errors"
	"github.com/teranos/pulseq/internal/util"
)

// Handle is a loaded task bound to the service that loaded it.
// Units receive it explicitly; there is no ambient "current task".
type Handle struct {
	svc  *Service
	task *Task
}

// Task returns the task as last loaded
func (h *Handle) Task() *Task { return h.task }

// Code returns the task code
func (h *Handle) Code() string { return h.task.Code }

// Console is where Message lines are written
func (h *Handle) Console() io.Writer { return h.svc.console }

// DecodePayload unmarshals exec_data into v
func (h *Handle) DecodePayload(v interface{}) error {
	if err := json.Unmarshal(h.task.Payload, v); err != nil {
		return errors.Wrapf(err, "failed to decode payload of %s", h.task.Code)
	}
	return nil
}

// Reload re-reads the task row
func (h *Handle) Reload(ctx context.Context) error {
	task, err := h.svc.store.Get(ctx, h.task.Code)
	if err != nil {
		return err
	}
	h.task = task
	return nil
}

// Reset starts a new WAITING epoch that becomes due after delay, then reloads
func (h *Handle) Reset(ctx context.Context, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	if err := h.svc.store.Rearm(ctx, h.task.Code, h.svc.now().Add(delay)); err != nil {
		return err
	}
	return h.Reload(ctx)
}

// Progress merges u into the task's progress record
func (h *Handle) Progress(ctx context.Context, u ProgressUpdate) (*ProgressSnapshot, error) {
	return h.svc.writeProgress(ctx, h.task.Code, u)
}

// Message reports step count of total: it prints "[count/total] text" with
// zero-padded counters to the console and records it as RUNNING progress.
func (h *Handle) Message(ctx context.Context, total, count int, text string, backline int) error {
	if total < 1 {
		total = 1
	}
	width := util.Digits(total)
	line := fmt.Sprintf("[%0*d/%0*d] %s", width, count, width, total, text)
	fmt.Fprintln(h.svc.console, line)

	_, err := h.Progress(ctx, ProgressUpdate{
		Status:   StatusRunning,
		Message:  util.Ptr(line),
		Percent:  util.Ptr(float64(count) / float64(total) * 100),
		Backline: backline,
	})
	return err
}
