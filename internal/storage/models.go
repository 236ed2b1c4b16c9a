package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Segmentation is the persisted record of a job known to this client.
type Segmentation struct {
	ID        string
	Status    string
	Tracked   bool // still polled; false once terminal or stopped
	Failures  int
	LastError string // protocol error that ended tracking, if any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StatusEvent is one observed transition.
type StatusEvent struct {
	ID             int64
	SegmentationID string
	OldStatus      string
	NewStatus      string
	Local          bool // set by the client after repeated query failures
	ObservedAt     time.Time
}
