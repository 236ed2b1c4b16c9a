// Package labels turns the backend's per-voxel classification array into a
// dense label volume aligned with a reference image volume.
package labels

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrShapeMismatch is returned when the class array length differs from the voxel count.
	ErrShapeMismatch = errors.New("classification shape mismatch")
	// ErrInvalidClass is returned for negative, non-integer or out-of-range class values.
	ErrInvalidClass = errors.New("invalid class value")
)

// Volume is a dense label buffer. Voxel 0 is background; 1..Classes are tissue classes.
type Volume struct {
	SubjectID string
	Voxels    []uint8
	Classes   int
}

// Len returns the number of voxels.
func (v *Volume) Len() int { return len(v.Voxels) }

// Counts returns the number of voxels per class value, index 0 being background.
func (v *Volume) Counts() []int {
	counts := make([]int, v.Classes+1)
	for _, c := range v.Voxels {
		counts[c]++
	}
	return counts
}

// Build allocates a zeroed buffer of voxelCount elements and copies every
// positive class value into it. Each voxel carries exactly one class so write
// order does not matter. Nothing is returned unless the whole input is valid.
func Build(subjectID string, flat []int, voxelCount int) (*Volume, error) {
	if voxelCount < 0 {
		return nil, fmt.Errorf("%w: negative voxel count %d", ErrShapeMismatch, voxelCount)
	}
	if len(flat) != voxelCount {
		return nil, fmt.Errorf("%w: %d class values for %d voxels", ErrShapeMismatch, len(flat), voxelCount)
	}

	maxClass := 0
	for i, c := range flat {
		if c < 0 || c > math.MaxUint8 {
			return nil, fmt.Errorf("%w: %d at voxel %d", ErrInvalidClass, c, i)
		}
		if c > maxClass {
			maxClass = c
		}
	}

	buf := make([]uint8, voxelCount)
	for i, c := range flat {
		if c > 0 {
			buf[i] = uint8(c)
		}
	}

	return &Volume{
		SubjectID: subjectID,
		Voxels:    buf,
		Classes:   maxClass,
	}, nil
}
