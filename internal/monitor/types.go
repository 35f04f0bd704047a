package monitor

import (
	"time"
)

// SourceKind identifies a monitored source family.
type SourceKind string

// Source kinds that can raise notifications.
const (
	SourceBlog SourceKind = "blog"
	SourceLedi SourceKind = "ledi"
)

// ComponentStatus is the health of a single pipeline component.
type ComponentStatus string

// Component status values persisted in the system status record.
const (
	StatusOK      ComponentStatus = "ok"
	StatusWarning ComponentStatus = "warning"
	StatusError   ComponentStatus = "error"
	StatusUnknown ComponentStatus = "unknown"
)

// ChangelogUnavailable replaces the changes field when the changelog page cannot be scraped.
const ChangelogUnavailable = "Changelog not available at this time."

// Snapshot is the last successfully extracted and validated fragment of a source.
type Snapshot struct {
	Title       string    `json:"title,omitempty"`
	Link        string    `json:"link,omitempty"`
	Version     string    `json:"version,omitempty"`
	Changes     string    `json:"changes,omitempty"`
	ExtractedAt time.Time `json:"extractedAt"`
}

// Field returns the value of a named snapshot field.
func (s Snapshot) Field(name string) string {
	switch name {
	case "title":
		return s.Title
	case "link":
		return s.Link
	case "version":
		return s.Version
	case "changes":
		return s.Changes
	default:
		return ""
	}
}

// SetField assigns a named snapshot field and reports whether the name is known.
func (s *Snapshot) SetField(name, value string) bool {
	switch name {
	case "title":
		s.Title = value
	case "link":
		s.Link = value
	case "version":
		s.Version = value
	case "changes":
		s.Changes = value
	default:
		return false
	}
	return true
}

// SystemStatus is the single status record overwritten on every run.
type SystemStatus struct {
	LastCheck         time.Time       `json:"lastCheck"`
	BlogStatus        ComponentStatus `json:"blogStatus"`
	LediStatus        ComponentStatus `json:"lediStatus"`
	EmailStatus       ComponentStatus `json:"emailStatus"`
	LastError         string          `json:"lastError,omitempty"`
	RecoveryAttempted bool            `json:"recoveryAttempted,omitempty"`
}

// SourceStatus returns the status recorded for a source kind.
func (s SystemStatus) SourceStatus(kind SourceKind) ComponentStatus {
	switch kind {
	case SourceBlog:
		return s.BlogStatus
	case SourceLedi:
		return s.LediStatus
	default:
		return StatusUnknown
	}
}

// SetSourceStatus records the status of a source kind.
func (s *SystemStatus) SetSourceStatus(kind SourceKind, status ComponentStatus) {
	switch kind {
	case SourceBlog:
		s.BlogStatus = status
	case SourceLedi:
		s.LediStatus = status
	}
}

// NewUnknownStatus returns a status record with every component unknown.
func NewUnknownStatus() SystemStatus {
	return SystemStatus{
		BlogStatus:  StatusUnknown,
		LediStatus:  StatusUnknown,
		EmailStatus: StatusUnknown,
	}
}

// ExecutionMetric records the outcome of one scheduled run.
type ExecutionMetric struct {
	Timestamp time.Time `json:"timestamp"`
	// Duration is the wall-clock of the whole run in milliseconds.
	Duration int64  `json:"duration"`
	Success  bool   `json:"success"`
	Updates  int    `json:"updates"`
	Status   string `json:"status"`
}

// ErrorEntry is one row of the capped error log.
type ErrorEntry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Message   string         `json:"message"`
	Stack     string         `json:"stack"`
	Context   map[string]any `json:"context,omitempty"`
}

// Notification describes one detected change; it is never persisted.
type Notification struct {
	Type SourceKind `json:"type"`
	Data Snapshot   `json:"data"`
}

// LatestSnapshots carries the last known snapshot of each source, either may be nil.
type LatestSnapshots struct {
	Blog *Snapshot `json:"blog,omitempty"`
	Ledi *Snapshot `json:"ledi,omitempty"`
}

// Summary folds the component statuses into one overall value: error when
// every source failed, warning when any component is degraded, otherwise ok.
// A record whose sources were never checked reports unknown.
func (s SystemStatus) Summary() string {
	switch {
	case s.BlogStatus == StatusError && s.LediStatus == StatusError:
		return string(StatusError)
	case s.BlogStatus == StatusUnknown && s.LediStatus == StatusUnknown:
		return string(StatusUnknown)
	}
	for _, c := range []ComponentStatus{s.BlogStatus, s.LediStatus, s.EmailStatus} {
		if c == StatusError || c == StatusWarning {
			return string(StatusWarning)
		}
	}
	return string(StatusOK)
}
