package async

import (
	"fmt"

	"github.com/teranos/pulseq/errors"
)

// ErrAlreadyClaimed is returned by Claim when the task is no longer WAITING.
// Another worker got there first, or the task already finished.
var ErrAlreadyClaimed = errors.New("task already claimed")

// DuplicateTaskError is returned when a singleton title already has a
// WAITING or RUNNING task
type DuplicateTaskError struct {
	Code  string // code of the existing task
	Title string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("task %q is already queued as %s", e.Title, e.Code)
}

func (e *DuplicateTaskError) Unwrap() error { return errors.ErrConflict }

// TaskNotFoundError is returned when no task has the given code
type TaskNotFoundError struct {
	Code string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task %s not found", e.Code)
}

func (e *TaskNotFoundError) Unwrap() error { return errors.ErrNotFound }

// AsDuplicate extracts a DuplicateTaskError from err
func AsDuplicate(err error) (*DuplicateTaskError, bool) {
	var dup *DuplicateTaskError
	if errors.As(err, &dup) {
		return dup, true
	}
	return nil, false
}
