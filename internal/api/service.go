package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/brainview/internal/archive"
	"github.com/kalambet/brainview/internal/brainns"
	"github.com/kalambet/brainview/internal/segjob"
	"github.com/kalambet/brainview/internal/storage"
	"github.com/kalambet/brainview/internal/viewer"
	"github.com/kalambet/brainview/internal/viewport"
	"github.com/kalambet/brainview/internal/volume"
)

var errInvalidID = errors.New("invalid id")

// Predictor submits new segmentations to the backend.
type Predictor interface {
	Predict(ctx context.Context, req brainns.PredictRequest) (string, error)
}

// AppDeps holds everything the REST and MCP surfaces operate on.
type AppDeps struct {
	Store     *storage.Store
	Tracker   *segjob.Tracker
	Cache     *volume.Cache
	Session   *viewer.Session
	Viewports *viewport.Synchronizer
	Predictor Predictor // optional; without it jobs can only be tracked by id
	Token     string
}

// JobView is the API representation of a segmentation job.
type JobView struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Tracked   bool      `json:"tracked"`
	Failures  int       `json:"failures"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TrackResult is returned when a job is registered.
type TrackResult struct {
	ID    string `json:"id"`
	Token string `json:"token"`
	Added bool   `json:"added"`
}

func validID(id string) error {
	if id == "" || len(id) > 256 || strings.ContainsAny(id, "/\\ \t\n") {
		return fmt.Errorf("%w: %q", errInvalidID, id)
	}
	return nil
}

// trackJob persists a segmentation record and starts polling it.
func trackJob(deps AppDeps, id string) (TrackResult, error) {
	if err := validID(id); err != nil {
		return TrackResult{}, err
	}
	if job, ok := deps.Tracker.Get(id); ok {
		tok, _ := deps.Tracker.Track(job.ID)
		return TrackResult{ID: id, Token: string(tok), Added: false}, nil
	}

	if err := deps.Store.UpsertSegmentation(storage.Segmentation{
		ID:      id,
		Status:  string(segjob.StatusQueueing),
		Tracked: true,
	}); err != nil {
		return TrackResult{}, fmt.Errorf("saving segmentation: %w", err)
	}
	tok, added := deps.Tracker.Track(id)
	return TrackResult{ID: id, Token: string(tok), Added: added}, nil
}

// untrackJob stops polling without discarding the record.
func untrackJob(deps AppDeps, id string) error {
	stopped := deps.Tracker.Stop(id)
	err := deps.Store.SetTracked(id, false)
	if errors.Is(err, storage.ErrNotFound) && stopped {
		return nil
	}
	return err
}

func jobView(seg storage.Segmentation, live *segjob.Job) JobView {
	v := JobView{
		ID:        seg.ID,
		Status:    seg.Status,
		Tracked:   seg.Tracked,
		Failures:  seg.Failures,
		LastError: seg.LastError,
		CreatedAt: seg.CreatedAt,
		UpdatedAt: seg.UpdatedAt,
	}
	if live != nil {
		v.Status = string(live.Status)
		v.Failures = live.Failures
		v.Tracked = true
	}
	return v
}

func getJob(deps AppDeps, id string) (JobView, error) {
	seg, err := deps.Store.GetSegmentation(id)
	if err != nil {
		return JobView{}, err
	}
	var live *segjob.Job
	if job, ok := deps.Tracker.Get(id); ok {
		live = &job
	}
	return jobView(seg, live), nil
}

func listJobs(deps AppDeps, trackedOnly bool, limit int) ([]JobView, error) {
	segs, err := deps.Store.ListSegmentations(trackedOnly, limit)
	if err != nil {
		return nil, err
	}
	out := make([]JobView, len(segs))
	for i, seg := range segs {
		var live *segjob.Job
		if job, ok := deps.Tracker.Get(seg.ID); ok {
			live = &job
		}
		out[i] = jobView(seg, live)
	}
	return out, nil
}

// loadSubject opens a subject in the viewer and returns its cache summary.
func loadSubject(ctx context.Context, deps AppDeps, id, modality string) (volume.Summary, error) {
	if err := validID(id); err != nil {
		return volume.Summary{}, err
	}
	m := archive.T1
	if modality != "" {
		var ok bool
		if m, ok = archive.ParseModality(modality); !ok {
			return volume.Summary{}, fmt.Errorf("unknown modality %q", modality)
		}
	}
	if err := deps.Session.Open(ctx, id, m); err != nil {
		return volume.Summary{}, err
	}
	sum, _ := deps.Cache.Describe(id)
	return sum, nil
}

// invalidateSubject drops a subject from the cache, leaving the screen first
// when it is displayed.
func invalidateSubject(ctx context.Context, deps AppDeps, id string) error {
	if current, _ := deps.Session.Current(); current == id {
		if err := deps.Session.NavigateAway(ctx); err != nil {
			return err
		}
	}
	deps.Cache.Invalidate(id)
	return nil
}

// NewRecorder returns a tracker subscriber that persists every change.
func NewRecorder(store *storage.Store, logger *slog.Logger) func(segjob.Change) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c segjob.Change) {
		ev := storage.StatusEvent{
			SegmentationID: c.JobID,
			OldStatus:      string(c.Old),
			NewStatus:      string(c.New),
			Local:          c.Local,
			ObservedAt:     c.At,
		}
		err := store.RecordStatus(ev, c.New.Terminal())
		if errors.Is(err, storage.ErrNotFound) {
			err = store.UpsertSegmentation(storage.Segmentation{
				ID:      c.JobID,
				Status:  string(c.Old),
				Tracked: true,
			})
			if err == nil {
				err = store.RecordStatus(ev, c.New.Terminal())
			}
		}
		if err != nil {
			logger.Error("recording status change", "job_id", c.JobID, "error", err)
		}
	}
}

// NewDropRecorder returns a tracker drop hook that stops tracking the job in
// the store and keeps the protocol error, so a restart does not resume it.
func NewDropRecorder(store *storage.Store, logger *slog.Logger) func(string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(jobID string, reason error) {
		err := store.MarkDropped(jobID, reason.Error())
		if errors.Is(err, storage.ErrNotFound) {
			return
		}
		if err != nil {
			logger.Error("recording dropped job", "job_id", jobID, "error", err)
		}
	}
}

// ResumeTracked re-registers every segmentation still marked as tracked.
func ResumeTracked(store *storage.Store, tracker *segjob.Tracker) (int, error) {
	segs, err := store.ListSegmentations(true, 10000)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, seg := range segs {
		status, err := segjob.ParseStatus(seg.Status)
		if err != nil {
			status = segjob.StatusQueueing
		}
		if _, added := tracker.Resume(seg.ID, status); added {
			n++
		}
	}
	return n, nil
}
