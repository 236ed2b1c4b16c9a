package archive

import (
	"fmt"
	"strings"
)

// Modality is one of the four acquired MRI series.
type Modality string

const (
	T1    Modality = "t1"
	T1KM  Modality = "t1km"
	T2    Modality = "t2"
	FLAIR Modality = "flair"
)

// Modalities lists every modality in the order the viewer loads them.
var Modalities = []Modality{T1, T1KM, T2, FLAIR}

// ParseModality maps a folder name to a Modality. Matching is case-insensitive.
func ParseModality(s string) (Modality, bool) {
	switch Modality(strings.ToLower(strings.TrimSpace(s))) {
	case T1:
		return T1, true
	case T1KM:
		return T1KM, true
	case T2:
		return T2, true
	case FLAIR:
		return FLAIR, true
	default:
		return "", false
	}
}

// FileKind tells single-file containers (NIfTI) from per-slice series (DICOM).
type FileKind int

const (
	KindUnknown FileKind = iota
	KindSingleFile
	KindMultiSlice
)

func (k FileKind) String() string {
	switch k {
	case KindSingleFile:
		return "NIFTI"
	case KindMultiSlice:
		return "DICOM"
	default:
		return "unknown"
	}
}

// ParseFileKind reads the server's X-File-Type indicator.
func ParseFileKind(s string) (FileKind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "NIFTI":
		return KindSingleFile, nil
	case "DICOM":
		return KindMultiSlice, nil
	default:
		return KindUnknown, fmt.Errorf("unknown file type %q", s)
	}
}
