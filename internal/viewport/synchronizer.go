package viewport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/kalambet/brainview/internal/archive"
	"github.com/kalambet/brainview/internal/labels"
	"github.com/kalambet/brainview/internal/volume"
)

var (
	// ErrNotAttached is returned when presentation changes are requested with no volume attached.
	ErrNotAttached = errors.New("no volume attached")
	// ErrUnknownClass is returned for class indices outside the legend.
	ErrUnknownClass = errors.New("unknown class index")
)

// Viewport names one logical viewport to attach.
type Viewport struct {
	ID          string      `json:"id"`
	Orientation Orientation `json:"orientation"`
}

// State is the presentation state of one attached viewport.
type State struct {
	ID          string      `json:"id"`
	Orientation Orientation `json:"orientation"`
	Camera      Camera      `json:"camera"`
	WindowLevel Range       `json:"window_level"`
	Colormap    string      `json:"colormap"`
}

// ClassState is the shared visibility of one label class.
type ClassState struct {
	Index   int    `json:"index"`
	Name    string `json:"name"`
	Visible bool   `json:"visible"`
	Opacity int    `json:"opacity"`
}

// DefaultLegend lists the tumor sub-regions produced by the backend model.
func DefaultLegend() []ClassState {
	return []ClassState{
		{Index: 1, Name: "Necrotic Core", Visible: true, Opacity: 50},
		{Index: 2, Name: "Enhancing Tumor", Visible: true, Opacity: 50},
		{Index: 3, Name: "Edema", Visible: true, Opacity: 50},
	}
}

// Options tunes a Synchronizer.
type Options struct {
	Legend   []ClassState
	Colormap string
	Logger   *slog.Logger
}

// Synchronizer broadcasts presentation changes to every attached viewport.
// All methods are safe for concurrent use; calls are applied one at a time.
type Synchronizer struct {
	r      Renderer
	logger *slog.Logger

	mu        sync.Mutex
	order     []string
	viewports map[string]*State
	vol       *volume.Volume
	lbl       *labels.Volume
	colormap  string
	levels    map[archive.Modality]Range
	classes   map[int]*ClassState
}

// New creates a Synchronizer driving r.
func New(r Renderer, opts Options) *Synchronizer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Legend == nil {
		opts.Legend = DefaultLegend()
	}
	s := &Synchronizer{
		r:         r,
		logger:    opts.Logger,
		viewports: make(map[string]*State),
		colormap:  opts.Colormap,
		levels:    make(map[archive.Modality]Range),
		classes:   make(map[int]*ClassState, len(opts.Legend)),
	}
	for _, c := range opts.Legend {
		s.classes[c.Index] = &c
	}
	return s
}

// AttachVolume makes vol and its label overlay the active display of the
// given viewports, replacing any previous binding. The current colormap,
// window level and class visibility are reapplied.
func (s *Synchronizer) AttachVolume(ctx context.Context, vol *volume.Volume, lbl *labels.Volume, viewports []Viewport) error {
	if vol == nil {
		return fmt.Errorf("%w: nil volume", ErrNotAttached)
	}
	if lbl != nil && lbl.Len() != vol.VoxelCount() {
		return fmt.Errorf("%w: %d label voxels for %d image voxels", labels.ErrShapeMismatch, lbl.Len(), vol.VoxelCount())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	labelID := ""
	if lbl != nil {
		labelID = lbl.SubjectID + "_labels"
	}

	order := make([]string, 0, len(viewports))
	states := make(map[string]*State, len(viewports))
	for _, vp := range viewports {
		if err := s.r.SetVolumes(ctx, vp.ID, vol.Key.String(), labelID); err != nil {
			return fmt.Errorf("attaching %s: %w", vp.ID, err)
		}
		st := &State{ID: vp.ID, Orientation: vp.Orientation, Colormap: s.colormap}
		if wl, ok := s.levels[vol.Key.Modality]; ok {
			st.WindowLevel = wl
			if err := s.r.SetWindowLevel(ctx, vp.ID, wl); err != nil {
				return err
			}
		}
		if s.colormap != "" {
			if err := s.r.SetColormap(ctx, vp.ID, s.colormap); err != nil {
				return err
			}
		}
		for _, c := range s.sortedClassesLocked() {
			if err := s.r.SetSegmentVisibility(ctx, vp.ID, c.Index, c.Visible, c.Opacity); err != nil {
				return err
			}
		}
		order = append(order, vp.ID)
		states[vp.ID] = st
	}

	if err := s.r.Settle(ctx); err != nil {
		return err
	}
	for _, id := range order {
		cam, err := s.r.Camera(ctx, id)
		if err != nil {
			return err
		}
		states[id].Camera = cam
	}

	s.order = order
	s.viewports = states
	s.vol = vol
	s.lbl = lbl
	s.logger.Debug("volume attached", "volume", vol.Key.String(), "viewports", len(order))
	return s.r.Render(ctx, order)
}

// ApplyWindowLevel stores the range for modality and pushes it to every
// viewport when that modality is displayed.
func (s *Synchronizer) ApplyWindowLevel(ctx context.Context, modality archive.Modality, r Range) error {
	if !r.Valid() {
		return fmt.Errorf("invalid window level [%g, %g]", r.Lower, r.Upper)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.levels[modality] = r
	if s.vol == nil || s.vol.Key.Modality != modality {
		return nil
	}
	for _, id := range s.order {
		if err := s.r.SetWindowLevel(ctx, id, r); err != nil {
			return err
		}
		s.viewports[id].WindowLevel = r
	}
	return s.r.Render(ctx, s.order)
}

// ApplyColormap sets the colormap of every attached viewport.
func (s *Synchronizer) ApplyColormap(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.colormap = name
	for _, id := range s.order {
		if err := s.r.SetColormap(ctx, id, name); err != nil {
			return err
		}
		s.viewports[id].Colormap = name
	}
	if len(s.order) == 0 {
		return nil
	}
	return s.r.Render(ctx, s.order)
}

// SetClassVisibility toggles one label class in every attached viewport.
// The renderer resets framing as a side effect, so each camera is captured
// first and put back once the renderer has settled, before the next draw.
func (s *Synchronizer) SetClassVisibility(ctx context.Context, classIndex int, visible bool, opacity int) error {
	if opacity < 0 || opacity > 100 {
		return fmt.Errorf("opacity %d outside [0, 100]", opacity)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.classes[classIndex]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownClass, classIndex)
	}
	if s.vol == nil {
		c.Visible, c.Opacity = visible, opacity
		return nil
	}

	snapshot := make(map[string]Camera, len(s.order))
	for _, id := range s.order {
		cam, err := s.r.Camera(ctx, id)
		if err != nil {
			return fmt.Errorf("capturing camera of %s: %w", id, err)
		}
		snapshot[id] = cam
	}

	for _, id := range s.order {
		if err := s.r.SetSegmentVisibility(ctx, id, classIndex, visible, opacity); err != nil {
			return err
		}
	}
	c.Visible, c.Opacity = visible, opacity

	if err := s.r.Settle(ctx); err != nil {
		return err
	}
	for _, id := range s.order {
		if err := s.r.SetCamera(ctx, id, snapshot[id]); err != nil {
			return fmt.Errorf("restoring camera of %s: %w", id, err)
		}
		s.viewports[id].Camera = snapshot[id]
	}
	return s.r.Render(ctx, s.order)
}

// DetachAll clears viewport bindings. Cached volumes are untouched.
func (s *Synchronizer) DetachAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, id := range s.order {
		if err := s.r.Detach(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("detaching %s: %w", id, err))
		}
	}
	s.order = nil
	s.viewports = make(map[string]*State)
	s.vol = nil
	s.lbl = nil
	return errors.Join(errs...)
}

// Attached returns the key of the displayed volume.
func (s *Synchronizer) Attached() (volume.Key, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vol == nil {
		return volume.Key{}, false
	}
	return s.vol.Key, true
}

// States returns copies of the attached viewports' state in attach order.
func (s *Synchronizer) States() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]State, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.viewports[id])
	}
	return out
}

// ClassStates returns the legend with current visibility, ordered by index.
func (s *Synchronizer) ClassStates() []ClassState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ClassState, 0, len(s.classes))
	for _, c := range s.sortedClassesLocked() {
		out = append(out, *c)
	}
	return out
}

func (s *Synchronizer) sortedClassesLocked() []*ClassState {
	out := make([]*ClassState, 0, len(s.classes))
	for _, c := range s.classes {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}
