// Package viewport keeps a set of logical viewports showing one volume and
// its label overlay in a consistent presentation state.
package viewport

import "context"

// Orientation is the slicing plane of a viewport.
type Orientation string

const (
	Axial    Orientation = "axial"
	Sagittal Orientation = "sagittal"
	Coronal  Orientation = "coronal"
)

// Camera is the rendering collaborator's framing of one viewport. The
// synchronizer only copies it around.
type Camera struct {
	Position      [3]float64 `json:"position"`
	FocalPoint    [3]float64 `json:"focal_point"`
	ViewUp        [3]float64 `json:"view_up"`
	ParallelScale float64    `json:"parallel_scale"`
}

// Range is a window-level interval in image intensity units.
type Range struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// Valid reports whether the range is non-empty.
func (r Range) Valid() bool { return r.Upper > r.Lower }

// Renderer is the rendering engine that owns viewports and draws them.
// Mutating calls are applied asynchronously; Settle blocks until every
// previously issued call, including side effects on cameras, has landed.
type Renderer interface {
	SetVolumes(ctx context.Context, viewportID, volumeID, labelID string) error
	SetWindowLevel(ctx context.Context, viewportID string, r Range) error
	SetColormap(ctx context.Context, viewportID, name string) error
	SetSegmentVisibility(ctx context.Context, viewportID string, classIndex int, visible bool, opacity int) error
	Camera(ctx context.Context, viewportID string) (Camera, error)
	SetCamera(ctx context.Context, viewportID string, cam Camera) error
	Settle(ctx context.Context) error
	Render(ctx context.Context, viewportIDs []string) error
	Detach(ctx context.Context, viewportID string) error
}
