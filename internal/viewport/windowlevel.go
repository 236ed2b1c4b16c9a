package viewport

import (
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/kalambet/brainview/internal/volume"
)

// DisplayValues are the intensity bounds the backend stored for one
// modality: the raw min/max and the window advertised in the DICOM tags.
type DisplayValues struct {
	MinMax   *Range `json:"min_max,omitempty"`
	DicomTag *Range `json:"dicom_tag,omitempty"`
}

// FallbackRange is used when neither stored bounds nor voxel data are usable.
var FallbackRange = Range{Lower: 0, Upper: 1000}

const maxAutoSamples = 1 << 16

// WindowLevelFor picks the initial window for a volume. The DICOM-tag window
// wins over min/max; without either the range is estimated from the
// 0.5th and 99.5th intensity percentiles.
func WindowLevelFor(dv DisplayValues, vol *volume.Volume) Range {
	if dv.DicomTag != nil && dv.DicomTag.Valid() {
		return *dv.DicomTag
	}
	if dv.MinMax != nil && dv.MinMax.Valid() {
		return *dv.MinMax
	}
	if vol != nil {
		if samples, err := vol.Intensities(maxAutoSamples); err == nil {
			if r, ok := AutoRange(samples); ok {
				return r
			}
		}
	}
	return FallbackRange
}

// AutoRange estimates a window from intensity samples.
func AutoRange(samples []float64) (Range, bool) {
	if len(samples) == 0 {
		return Range{}, false
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	r := Range{
		Lower: stat.Quantile(0.005, stat.Empirical, sorted, nil),
		Upper: stat.Quantile(0.995, stat.Empirical, sorted, nil),
	}
	return r, r.Valid()
}
