package async

import (
	"fmt"
	"time"

	"github.com/teranos/pulseq/i18n"
	"github.com/teranos/pulseq/internal/util"
)

const (
	// ProgressTTL is how long a progress record outlives its last write
	ProgressTTL = 86400 * time.Second
	// ProgressHistoryLimit bounds the history ring
	ProgressHistoryLimit = 10
)

// ProgressKey is the cache key of a task's progress record
func ProgressKey(code string) string {
	return "queue_" + code + "_progress"
}

// HistoryEntry is one line of a task's progress history
type HistoryEntry struct {
	Message  string `json:"message"`
	Progress string `json:"progress"`
	Datetime string `json:"datetime"`
}

// ProgressSnapshot is the cached progress of one task, read by dashboards and `queue show`
type ProgressSnapshot struct {
	Code     string         `json:"code"`
	Status   Status         `json:"status"`
	Message  string         `json:"message"`
	Progress string         `json:"progress"`
	History  []HistoryEntry `json:"history"`
}

// ProgressUpdate describes one progress write.
// Zero Status leaves the status unchanged; nil Message or Percent leave
// those fields unchanged. Backline drops that many trailing history
// entries before the new one is appended.
type ProgressUpdate struct {
	Status   Status
	Message  *string
	Percent  *float64
	Backline int
}

// FormatPercent renders a percentage with two decimals, clamped to [0, 100]
func FormatPercent(p float64) string {
	return fmt.Sprintf("%.2f", util.ClampFloat64(p, 0, 100))
}

// withTerminalDefaults fills in the canonical message and percent of a
// RUNNED or FAILED update when the caller gave none
func (u ProgressUpdate) withTerminalDefaults(text *i18n.Printer) ProgressUpdate {
	switch u.Status {
	case StatusRunned:
		if u.Percent == nil {
			u.Percent = util.Ptr(100.0)
		}
		if u.Message == nil {
			u.Message = util.Ptr(text.Sprintf(i18n.TaskDone))
		}
	case StatusFailed:
		if u.Percent == nil {
			u.Percent = util.Ptr(0.0)
		}
		if u.Message == nil {
			u.Message = util.Ptr(text.Sprintf(i18n.TaskFailed))
		}
	}
	return u
}

// apply merges u into the snapshot and reports whether it must be persisted.
// A status-only update changes the returned snapshot but is not stored.
func (s *ProgressSnapshot) apply(u ProgressUpdate, now time.Time) bool {
	for i := 0; i < u.Backline && len(s.History) > 0; i++ {
		s.History = s.History[:len(s.History)-1]
	}
	if u.Status != 0 {
		s.Status = u.Status
	}
	if u.Message == nil && u.Percent == nil {
		return false
	}

	if u.Message != nil {
		s.Message = *u.Message
	}
	if u.Percent != nil {
		s.Progress = FormatPercent(*u.Percent)
	}
	s.History = append(s.History, HistoryEntry{
		Message:  s.Message,
		Progress: s.Progress,
		Datetime: now.Format(createAtLayout),
	})
	if len(s.History) > ProgressHistoryLimit {
		s.History = append([]HistoryEntry(nil), s.History[len(s.History)-ProgressHistoryLimit:]...)
	}
	return true
}
