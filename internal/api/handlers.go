package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/brainview/internal/archive"
	"github.com/kalambet/brainview/internal/brainns"
	"github.com/kalambet/brainview/internal/labels"
	"github.com/kalambet/brainview/internal/segjob"
	"github.com/kalambet/brainview/internal/storage"
	"github.com/kalambet/brainview/internal/viewer"
	"github.com/kalambet/brainview/internal/viewport"
	"github.com/kalambet/brainview/internal/volume"
)

// TrackRequest either names an existing segmentation or asks the backend
// for a new one.
type TrackRequest struct {
	ID        string                      `json:"id"`
	ProjectID string                      `json:"project_id"`
	Sequences map[archive.Modality]string `json:"sequences"`
}

// NewAppHandler returns the local REST API. Everything except /health
// requires the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/jobs", handleListJobs(deps))
		r.Post("/jobs", handleTrackJob(deps))
		r.Get("/jobs/events", handleJobEvents(deps))
		r.Get("/jobs/{id}", handleGetJob(deps))
		r.Delete("/jobs/{id}", handleUntrackJob(deps))

		r.Get("/subjects", handleListSubjects(deps))
		r.Get("/subjects/{id}", handleGetSubject(deps))
		r.Post("/subjects/{id}/load", handleLoadSubject(deps))
		r.Delete("/subjects/{id}", handleInvalidateSubject(deps))

		r.Get("/viewports", handleGetViewports(deps))
		r.Put("/viewports/classes/{index}", handleSetClass(deps))
		r.Put("/viewports/colormap", handleSetColormap(deps))
		r.Put("/viewports/window", handleSetWindow(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleListJobs(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 || n > 1000 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "limit must be between 1 and 1000")
				return
			}
			limit = n
		}
		trackedOnly := r.URL.Query().Get("tracked") == "true"

		jobs, err := listJobs(deps, trackedOnly, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list jobs: %v", err)
			return
		}
		if jobs == nil {
			jobs = []JobView{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
	}
}

func handleTrackJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req TrackRequest
		if !decodeBody(w, r, &req) {
			return
		}

		id := req.ID
		if id == "" {
			if req.ProjectID == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "id or project_id is required")
				return
			}
			if deps.Predictor == nil {
				httpError(w, http.StatusNotImplemented, "api_error", "prediction submission is not configured")
				return
			}
			newID, err := deps.Predictor.Predict(r.Context(), brainns.PredictRequest{
				ProjectID: req.ProjectID,
				Sequences: req.Sequences,
			})
			if err != nil {
				httpError(w, http.StatusBadGateway, "api_error", "prediction request failed: %v", err)
				return
			}
			id = newID
		}

		res, err := trackJob(deps, id)
		if errors.Is(err, errInvalidID) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}

		code := http.StatusOK
		if res.Added {
			code = http.StatusAccepted
		}
		writeJSON(w, code, res)
	}
}

func handleJobEvents(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var since int64
		if v := r.URL.Query().Get("since"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "since must be a non-negative integer")
				return
			}
			since = n
		}
		bus := deps.Tracker.Events()
		events := bus.Since(since)
		if events == nil {
			events = []segjob.Event{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"events":   events,
			"last_seq": bus.LastSeq(),
		})
	}
}

func handleGetJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		job, err := getJob(deps, id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job %s not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get job: %v", err)
			return
		}
		history, err := deps.Store.StatusHistory(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get history: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"job": job, "history": historyView(history)})
	}
}

type historyEntry struct {
	Old   string `json:"old"`
	New   string `json:"new"`
	Local bool   `json:"local,omitempty"`
	At    string `json:"at"`
}

func historyView(events []storage.StatusEvent) []historyEntry {
	out := make([]historyEntry, len(events))
	for i, ev := range events {
		out[i] = historyEntry{Old: ev.OldStatus, New: ev.NewStatus, Local: ev.Local, At: ev.ObservedAt.Format(time.RFC3339)}
	}
	return out
}

func handleUntrackJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := untrackJob(deps, id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found", "job %s not found", id)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "failed to stop job: %v", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleListSubjects(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids := deps.Cache.Subjects()
		out := make([]volume.Summary, 0, len(ids))
		for _, id := range ids {
			if sum, ok := deps.Cache.Describe(id); ok {
				out = append(out, sum)
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"subjects": out})
	}
}

func handleGetSubject(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		sum, ok := deps.Cache.Describe(id)
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "subject %s not cached", id)
			return
		}
		current, loaded := deps.Session.Current()
		writeJSON(w, http.StatusOK, map[string]any{
			"subject":   sum,
			"complete":  deps.Cache.Has(id),
			"displayed": current == id && loaded,
		})
	}
}

func handleLoadSubject(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req struct {
			Modality string `json:"modality"`
		}
		if r.ContentLength != 0 && !decodeBody(w, r, &req) {
			return
		}

		sum, err := loadSubject(r.Context(), deps, id, req.Modality)
		if err != nil {
			code, typ := loadErrorStatus(err)
			httpError(w, code, typ, "failed to load subject %s: %v", id, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"subject": sum})
	}
}

func loadErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, errInvalidID):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, viewer.ErrNavigatedAway), errors.Is(err, volume.ErrInvalidated), errors.Is(err, context.Canceled):
		return http.StatusConflict, "canceled"
	case errors.Is(err, brainns.ErrNotFound), errors.Is(err, volume.ErrModalityAbsent):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, volume.ErrArchiveDecode), errors.Is(err, labels.ErrShapeMismatch), errors.Is(err, labels.ErrInvalidClass):
		return http.StatusUnprocessableEntity, "data_error"
	case errors.Is(err, volume.ErrArchiveFetch):
		return http.StatusBadGateway, "api_error"
	default:
		return http.StatusInternalServerError, "api_error"
	}
}

func handleInvalidateSubject(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := invalidateSubject(r.Context(), deps, chi.URLParam(r, "id")); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to invalidate: %v", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleGetViewports(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"viewports": deps.Viewports.States(),
			"classes":   deps.Viewports.ClassStates(),
		}
		if key, ok := deps.Viewports.Attached(); ok {
			resp["volume"] = key.String()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleSetClass(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		index, err := strconv.Atoi(chi.URLParam(r, "index"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "class index must be an integer")
			return
		}
		var req struct {
			Visible bool `json:"visible"`
			Opacity *int `json:"opacity"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		opacity := 50
		if req.Opacity != nil {
			opacity = *req.Opacity
		}
		if err := deps.Viewports.SetClassVisibility(r.Context(), index, req.Visible, opacity); err != nil {
			code := http.StatusInternalServerError
			if errors.Is(err, viewport.ErrUnknownClass) {
				code = http.StatusNotFound
			}
			httpError(w, code, "api_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"classes": deps.Viewports.ClassStates()})
	}
}

func handleSetColormap(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name string `json:"name"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Name == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "name is required")
			return
		}
		if err := deps.Viewports.ApplyColormap(r.Context(), req.Name); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleSetWindow(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Modality string  `json:"modality"`
			Lower    float64 `json:"lower"`
			Upper    float64 `json:"upper"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		m, ok := archive.ParseModality(req.Modality)
		if !ok {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown modality %q", req.Modality)
			return
		}
		if err := deps.Viewports.ApplyWindowLevel(r.Context(), m, viewport.Range{Lower: req.Lower, Upper: req.Upper}); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
