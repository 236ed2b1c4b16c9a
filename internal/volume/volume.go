// Package volume caches assembled per-modality image volumes and the label
// volumes derived from them, one subject at a time.
package volume

import (
	"errors"
	"fmt"

	"github.com/kalambet/brainview/internal/archive"
)

var (
	// ErrArchiveFetch wraps failures retrieving a subject's container.
	ErrArchiveFetch = errors.New("archive fetch failed")
	// ErrArchiveDecode is returned for malformed or unsupported containers.
	ErrArchiveDecode = archive.ErrDecode
	// ErrPrecondition is returned when a label volume is requested before
	// the subject's modality volumes are cached.
	ErrPrecondition = errors.New("base volumes not cached")
	// ErrModalityAbsent is returned when a subject's container decoded
	// cleanly but holds no volume for the requested modality.
	ErrModalityAbsent = errors.New("modality not in container")
	// ErrInvalidated is returned to callers whose build finished after the
	// subject was invalidated. The result was discarded.
	ErrInvalidated = errors.New("subject invalidated during build")
)

// Key identifies one modality volume.
type Key struct {
	SubjectID string
	Modality  archive.Modality
}

// String returns the renderer-facing volume id.
func (k Key) String() string {
	return fmt.Sprintf("%s_%s", k.SubjectID, k.Modality)
}

// Volume is an assembled modality volume. Slices holds the raw buffers in
// container order; it is never modified once the volume is cached.
type Volume struct {
	Key    Key
	Kind   archive.FileKind
	Dims   [3]int
	Slices [][]byte

	// Header fields for single-file volumes; zero for slice stacks.
	Datatype  int16
	BitPix    int16
	VoxOffset int64
	BigEndian bool
}

// VoxelCount returns the product of the three dimensions.
func (v *Volume) VoxelCount() int {
	return v.Dims[0] * v.Dims[1] * v.Dims[2]
}

// State is the cache state of one key.
type State int

const (
	StateAbsent State = iota
	StateBuilding
	StateReady
)

func (s State) String() string {
	switch s {
	case StateBuilding:
		return "building"
	case StateReady:
		return "ready"
	default:
		return "absent"
	}
}

// Summary describes a cached subject.
type Summary struct {
	SubjectID   string             `json:"subject_id"`
	Modalities  []archive.Modality `json:"modalities"`
	Dims        [3]int             `json:"dims"`
	HasLabels   bool               `json:"has_labels"`
	ClassCounts []int              `json:"class_counts,omitempty"`
}
