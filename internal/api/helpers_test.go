package api

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/brainview/internal/archive"
	"github.com/kalambet/brainview/internal/brainns"
	"github.com/kalambet/brainview/internal/segjob"
	"github.com/kalambet/brainview/internal/storage"
	"github.com/kalambet/brainview/internal/viewer"
	"github.com/kalambet/brainview/internal/viewport"
	"github.com/kalambet/brainview/internal/volume"
)

const testToken = "test-token-12345"

// fakeBackend stands in for the segmentation server.
type fakeBackend struct {
	mu       sync.Mutex
	statuses map[string]string
	archive  []byte
	classes  []int
	predict  func(brainns.PredictRequest) (string, error)
}

func (f *fakeBackend) setStatus(id, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = status
}

func (f *fakeBackend) FetchSegmentationStatus(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.statuses[id]; ok {
		return s, nil
	}
	return "QUEUEING", nil
}

func (f *fakeBackend) FetchSubjectArchive(context.Context, string) ([]byte, archive.FileKind, error) {
	return f.archive, archive.KindMultiSlice, nil
}

func (f *fakeBackend) FetchClassification(context.Context, string) ([]int, error) {
	return f.classes, nil
}

func (f *fakeBackend) FetchDisplayValues(context.Context, string) (map[archive.Modality]viewport.DisplayValues, error) {
	return map[archive.Modality]viewport.DisplayValues{}, nil
}

func (f *fakeBackend) Predict(_ context.Context, req brainns.PredictRequest) (string, error) {
	return f.predict(req)
}

type nullRenderer struct{}

func (nullRenderer) SetVolumes(context.Context, string, string, string) error      { return nil }
func (nullRenderer) SetWindowLevel(context.Context, string, viewport.Range) error  { return nil }
func (nullRenderer) SetColormap(context.Context, string, string) error             { return nil }
func (nullRenderer) SetSegmentVisibility(context.Context, string, int, bool, int) error {
	return nil
}
func (nullRenderer) Camera(context.Context, string) (viewport.Camera, error) {
	return viewport.Camera{}, nil
}
func (nullRenderer) SetCamera(context.Context, string, viewport.Camera) error { return nil }
func (nullRenderer) Settle(context.Context) error                             { return nil }
func (nullRenderer) Render(context.Context, []string) error                   { return nil }
func (nullRenderer) Detach(context.Context, string) error                     { return nil }

func testArchive(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, m := range archive.Modalities {
		for _, name := range []string{"a.dcm", "b.dcm"} {
			w, err := zw.Create(string(m) + "/" + name)
			if err != nil {
				t.Fatal(err)
			}
			w.Write([]byte(name))
		}
	}
	zw.Close()
	return buf.Bytes()
}

func newTestDeps(t *testing.T) (AppDeps, *fakeBackend) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	backend := &fakeBackend{
		statuses: make(map[string]string),
		archive:  testArchive(t),
		classes:  []int{0, 1, 2, 3, 0, 0, 0, 2},
		predict:  func(brainns.PredictRequest) (string, error) { return "job-new", nil },
	}

	tracker := segjob.NewTracker(backend, segjob.Options{Interval: time.Hour})
	tracker.Subscribe(NewRecorder(store, nil))
	tracker.OnDrop(NewDropRecorder(store, nil))
	t.Cleanup(tracker.StopAll)

	cache := volume.NewCache(backend, volume.Options{
		Assembler: volume.DefaultAssembler{Stack: volume.StackAssembler{Rows: 2, Cols: 2}},
	})
	vs := viewport.New(nullRenderer{}, viewport.Options{})
	session := viewer.NewSession(cache, vs, backend, backend, viewer.Options{})

	return AppDeps{
		Store:     store,
		Tracker:   tracker,
		Cache:     cache,
		Session:   session,
		Viewports: vs,
		Predictor: backend,
		Token:     testToken,
	}, backend
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, _ := http.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}
