package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/grant-harvester/internal/crawler"
)

// Kind identifies what an Event reports.
type Kind string

// Supported event kinds.
const (
	KindStatus         Kind = "status"
	KindProgress       Kind = "progress"
	KindCompleted      Kind = "completed"
	KindFailed         Kind = "failed"
	KindCancelled      Kind = "cancelled"
	KindContentChanged Kind = "content_changed"
	// KindPage reports a single fetched unit. It feeds metrics and is not a lifecycle event.
	KindPage Kind = "page"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for page events.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event is a single job notification delivered to subscribers and sinks.
type Event struct {
	Kind     Kind               `json:"type"`
	JobID    string             `json:"job_id"`
	Status   crawler.JobStatus  `json:"status,omitempty"`
	Progress int                `json:"progress"`
	// Job is the persisted row after the change that produced the event.
	Job    *crawler.Job       `json:"job,omitempty"`
	Result *crawler.JobResult `json:"result,omitempty"`
	// URL scopes page and content_changed events.
	URL        string        `json:"url,omitempty"`
	StatusCode int           `json:"status_code,omitempty"`
	Bytes      int64         `json:"bytes,omitempty"`
	Dur        time.Duration `json:"duration,omitempty"`
	Error      string        `json:"error,omitempty"`
	TS         time.Time     `json:"ts"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindStatus, KindProgress, KindCompleted, KindFailed, KindCancelled:
	case KindContentChanged, KindPage:
		if e.URL == "" {
			return fmt.Errorf("%s event requires url", e.Kind)
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if e.Progress < 0 || e.Progress > 100 {
		return fmt.Errorf("progress %d out of range", e.Progress)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the event ends the job's stream.
func (e Event) Terminal() bool {
	switch e.Kind {
	case KindCompleted, KindFailed, KindCancelled:
		return true
	default:
		return false
	}
}

// StatusClass groups the page's HTTP status code.
func (e Event) StatusClass() StatusClass {
	return ClassifyStatus(e.StatusCode)
}

// ClassifyStatus groups HTTP status codes for page events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}

// Attributes returns message attributes used for subscription filtering.
func (e Event) Attributes() map[string]string {
	attrs := map[string]string{"kind": string(e.Kind), "job_id": e.JobID}
	if e.Status != "" {
		attrs["status"] = string(e.Status)
	}
	return attrs
}
