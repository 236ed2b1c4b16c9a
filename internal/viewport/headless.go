package viewport

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// HeadlessRenderer is an in-memory Renderer for running without a display.
// Like a real rendering engine it resets a viewport's camera when segment
// visibility changes; the reset lands on the next Settle.
type HeadlessRenderer struct {
	mu    sync.Mutex
	views map[string]*HeadlessView
	// pending camera resets, applied by Settle
	resets map[string]bool
}

// HeadlessView is the presentation a HeadlessRenderer holds for one viewport.
type HeadlessView struct {
	VolumeID string             `json:"volume_id"`
	LabelID  string             `json:"label_id"`
	Window   Range              `json:"window"`
	Colormap string             `json:"colormap"`
	Segments map[int]ClassState `json:"segments"`
	Camera   Camera             `json:"camera"`
	Renders  int                `json:"renders"`
}

// NewHeadlessRenderer returns an empty renderer.
func NewHeadlessRenderer() *HeadlessRenderer {
	return &HeadlessRenderer{
		views:  make(map[string]*HeadlessView),
		resets: make(map[string]bool),
	}
}

func homeCamera() Camera {
	return Camera{ViewUp: [3]float64{0, 1, 0}, ParallelScale: 1}
}

func (h *HeadlessRenderer) view(id string) (*HeadlessView, error) {
	v, ok := h.views[id]
	if !ok {
		return nil, fmt.Errorf("viewport %s has no volume", id)
	}
	return v, nil
}

func (h *HeadlessRenderer) SetVolumes(_ context.Context, viewportID, volumeID, labelID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.views[viewportID] = &HeadlessView{
		VolumeID: volumeID,
		LabelID:  labelID,
		Segments: make(map[int]ClassState),
		Camera:   homeCamera(),
	}
	return nil
}

func (h *HeadlessRenderer) SetWindowLevel(_ context.Context, viewportID string, r Range) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, err := h.view(viewportID)
	if err != nil {
		return err
	}
	v.Window = r
	return nil
}

func (h *HeadlessRenderer) SetColormap(_ context.Context, viewportID, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, err := h.view(viewportID)
	if err != nil {
		return err
	}
	v.Colormap = name
	return nil
}

func (h *HeadlessRenderer) SetSegmentVisibility(_ context.Context, viewportID string, classIndex int, visible bool, opacity int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, err := h.view(viewportID)
	if err != nil {
		return err
	}
	v.Segments[classIndex] = ClassState{Index: classIndex, Visible: visible, Opacity: opacity}
	h.resets[viewportID] = true
	return nil
}

func (h *HeadlessRenderer) Camera(_ context.Context, viewportID string) (Camera, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, err := h.view(viewportID)
	if err != nil {
		return Camera{}, err
	}
	return v.Camera, nil
}

func (h *HeadlessRenderer) SetCamera(_ context.Context, viewportID string, cam Camera) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, err := h.view(viewportID)
	if err != nil {
		return err
	}
	v.Camera = cam
	return nil
}

func (h *HeadlessRenderer) Settle(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for id := range h.resets {
		if v, ok := h.views[id]; ok {
			v.Camera = homeCamera()
		}
		delete(h.resets, id)
	}
	return nil
}

func (h *HeadlessRenderer) Render(_ context.Context, viewportIDs []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range viewportIDs {
		v, err := h.view(id)
		if err != nil {
			return err
		}
		v.Renders++
	}
	return nil
}

func (h *HeadlessRenderer) Detach(_ context.Context, viewportID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.views, viewportID)
	delete(h.resets, viewportID)
	return nil
}

// Views returns a copy of every viewport's presentation, keyed by id.
func (h *HeadlessRenderer) Views() map[string]HeadlessView {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]HeadlessView, len(h.views))
	for id, v := range h.views {
		cp := *v
		cp.Segments = make(map[int]ClassState, len(v.Segments))
		for k, s := range v.Segments {
			cp.Segments[k] = s
		}
		out[id] = cp
	}
	return out
}

// IDs returns the attached viewport ids in order.
func (h *HeadlessRenderer) IDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.views))
	for id := range h.views {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
