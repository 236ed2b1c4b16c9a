// Package segjob tracks asynchronously computed segmentation jobs by polling
// the backend until each job reaches a terminal status.
package segjob

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrJobQuery wraps transient status-query failures.
	ErrJobQuery = errors.New("job status query failed")
	// ErrUnknownStatus is returned when the backend reports a status outside the protocol.
	ErrUnknownStatus = errors.New("unknown job status")
)

// Status is the server-side lifecycle stage of a segmentation job.
type Status string

const (
	StatusQueueing      Status = "QUEUEING"
	StatusPreprocessing Status = "PREPROCESSING"
	StatusPredicting    Status = "PREDICTING"
	StatusDone          Status = "DONE"
	StatusError         Status = "ERROR"
	StatusCanceled      Status = "CANCELED"
)

// ParseStatus maps a backend status string onto Status.
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusQueueing:
		return StatusQueueing, nil
	case StatusPreprocessing:
		return StatusPreprocessing, nil
	case StatusPredicting:
		return StatusPredicting, nil
	case StatusDone:
		return StatusDone, nil
	case StatusError:
		return StatusError, nil
	case StatusCanceled, "CANCELLED":
		return StatusCanceled, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
	}
}

// Terminal reports whether no further transition can follow s.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusError, StatusCanceled:
		return true
	default:
		return false
	}
}

// rank orders the success path; ERROR and CANCELED sort after every
// non-terminal status so they are reachable from anywhere.
func (s Status) rank() int {
	switch s {
	case StatusQueueing:
		return 0
	case StatusPreprocessing:
		return 1
	case StatusPredicting:
		return 2
	case StatusDone, StatusError, StatusCanceled:
		return 3
	default:
		return -1
	}
}

// Job is a snapshot of one tracked segmentation job.
type Job struct {
	ID                 string    `json:"id"`
	Status             Status    `json:"status"`
	LastObservedStatus Status    `json:"last_observed_status"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
	Failures           int       `json:"failures"`
}

// Change describes one observed status transition.
type Change struct {
	JobID string    `json:"job_id"`
	Old   Status    `json:"old"`
	New   Status    `json:"new"`
	At    time.Time `json:"at"`
	// Local is set when the tracker itself moved the job to ERROR after
	// repeated query failures.
	Local bool `json:"local,omitempty"`
}
