// Package viewer drives one on-screen subject: it loads volumes through the
// cache, binds them to the viewports and drops late results after the user
// has moved on.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/brainview/internal/archive"
	"github.com/kalambet/brainview/internal/segjob"
	"github.com/kalambet/brainview/internal/viewport"
	"github.com/kalambet/brainview/internal/volume"
)

// ErrNavigatedAway is returned by Open when the session moved on before the
// load finished. Nothing was attached.
var ErrNavigatedAway = errors.New("navigated away before load finished")

// ClassificationSource returns the flattened per-voxel class array of a subject.
type ClassificationSource interface {
	FetchClassification(ctx context.Context, subjectID string) ([]int, error)
}

// MetadataSource returns the stored intensity bounds per modality.
type MetadataSource interface {
	FetchDisplayValues(ctx context.Context, subjectID string) (map[archive.Modality]viewport.DisplayValues, error)
}

// Options configures a Session.
type Options struct {
	Viewports []viewport.Viewport
	Colormap  string
	// AutoLoad opens a subject as soon as its job reaches DONE.
	AutoLoad bool
	// Modality shown by auto-loaded subjects. Defaults to t1.
	Modality archive.Modality
	Logger   *slog.Logger
}

// DefaultViewports is one viewport per orientation.
var DefaultViewports = []viewport.Viewport{
	{ID: "axial", Orientation: viewport.Axial},
	{ID: "sagittal", Orientation: viewport.Sagittal},
	{ID: "coronal", Orientation: viewport.Coronal},
}

// Session owns the liveness of the subject currently on screen.
type Session struct {
	cache    *volume.Cache
	syncer   *viewport.Synchronizer
	classes  ClassificationSource
	meta     MetadataSource
	opts     Options
	logger   *slog.Logger
	inflight sync.WaitGroup

	mu      sync.Mutex
	gen     uint64
	current string
	loaded  bool
}

// NewSession wires a Session.
func NewSession(cache *volume.Cache, s *viewport.Synchronizer, classes ClassificationSource, meta MetadataSource, opts Options) *Session {
	if len(opts.Viewports) == 0 {
		opts.Viewports = DefaultViewports
	}
	if opts.Modality == "" {
		opts.Modality = archive.T1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Session{
		cache:   cache,
		syncer:  s,
		classes: classes,
		meta:    meta,
		opts:    opts,
		logger:  opts.Logger,
	}
}

// Open loads a subject and makes it the active display. Opening another
// subject, or calling NavigateAway, while this runs makes it return
// ErrNavigatedAway without touching the viewports.
func (s *Session) Open(ctx context.Context, subjectID string, modality archive.Modality) error {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.current = subjectID
	s.loaded = false
	s.mu.Unlock()

	var (
		vol     *volume.Volume
		classes []int
		display map[archive.Modality]viewport.DisplayValues
	)
	cached := s.cache.Has(subjectID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := s.cache.GetOrBuildVolume(gctx, subjectID, modality)
		vol = v
		return err
	})
	if !cached {
		g.Go(func() error {
			c, err := s.classes.FetchClassification(gctx, subjectID)
			if err != nil {
				return fmt.Errorf("fetching classification: %w", err)
			}
			classes = c
			return nil
		})
	}
	g.Go(func() error {
		d, err := s.meta.FetchDisplayValues(gctx, subjectID)
		if err != nil {
			s.logger.Warn("display values unavailable, estimating window",
				"subject_id", subjectID, "error", err)
			return nil
		}
		display = d
		return nil
	})
	if err := g.Wait(); err != nil {
		if !s.live(gen) {
			return ErrNavigatedAway
		}
		return err
	}
	if !s.live(gen) {
		return ErrNavigatedAway
	}

	// Label build runs only once every modality volume is cached.
	lbl, err := s.cache.GetOrBuildLabelVolume(ctx, subjectID, classes)
	if err != nil {
		if !s.live(gen) {
			return ErrNavigatedAway
		}
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return ErrNavigatedAway
	}

	if err := s.syncer.AttachVolume(ctx, vol, lbl, s.opts.Viewports); err != nil {
		return err
	}
	wl := viewport.WindowLevelFor(display[modality], vol)
	if err := s.syncer.ApplyWindowLevel(ctx, modality, wl); err != nil {
		return err
	}
	if s.opts.Colormap != "" {
		if err := s.syncer.ApplyColormap(ctx, s.opts.Colormap); err != nil {
			return err
		}
	}
	s.loaded = true
	s.logger.Info("subject opened",
		"subject_id", subjectID, "modality", modality, "from_cache", cached,
		"window_lower", wl.Lower, "window_upper", wl.Upper)
	return nil
}

func (s *Session) live(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

// NavigateAway abandons the current subject. A load still in progress is
// invalidated in the cache so its results are discarded.
func (s *Session) NavigateAway(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gen++
	if s.current != "" && !s.loaded {
		s.cache.Invalidate(s.current)
	}
	s.current = ""
	s.loaded = false
	return s.syncer.DetachAll(ctx)
}

// Current returns the subject on screen and whether its load completed.
func (s *Session) Current() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.loaded
}

// OnJobChange opens a subject in the background once its job is DONE.
// It is meant to be passed to segjob.Tracker.Subscribe.
func (s *Session) OnJobChange(c segjob.Change) {
	if !s.opts.AutoLoad || c.New != segjob.StatusDone {
		return
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		err := s.Open(context.Background(), c.JobID, s.opts.Modality)
		switch {
		case err == nil:
		case errors.Is(err, ErrNavigatedAway):
			s.logger.Debug("auto-load abandoned", "subject_id", c.JobID)
		default:
			s.logger.Error("auto-load failed", "subject_id", c.JobID, "error", err)
		}
	}()
}

// Wait blocks until background loads started by OnJobChange return.
func (s *Session) Wait() {
	s.inflight.Wait()
}
