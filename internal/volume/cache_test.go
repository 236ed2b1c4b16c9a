package volume

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/brainview/internal/archive"
	"github.com/kalambet/brainview/internal/labels"
)

type fakeSource struct {
	fetchFn func(ctx context.Context, subjectID string) ([]byte, archive.FileKind, error)
	calls   atomic.Int32
}

func (f *fakeSource) FetchSubjectArchive(ctx context.Context, subjectID string) ([]byte, archive.FileKind, error) {
	f.calls.Add(1)
	return f.fetchFn(ctx, subjectID)
}

func stackZip(t *testing.T, folders ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, folder := range folders {
		for _, name := range []string{"slice-002.dcm", "slice-001.dcm"} {
			w, err := zw.Create(folder + "/" + name)
			if err != nil {
				t.Fatalf("zip create: %v", err)
			}
			w.Write([]byte(folder + name))
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func staticSource(data []byte) *fakeSource {
	return &fakeSource{fetchFn: func(context.Context, string) ([]byte, archive.FileKind, error) {
		return data, archive.KindMultiSlice, nil
	}}
}

// 2x2 in-plane, two slices per modality: 8 voxels.
func newTestCache(src ArchiveSource, opts Options) *Cache {
	opts.Assembler = DefaultAssembler{Stack: StackAssembler{Rows: 2, Cols: 2}}
	return NewCache(src, opts)
}

var eightVoxels = []int{0, 1, 2, 3, 0, 0, 1, 2}

func TestCache_BuildsEveryModalityFromOneFetch(t *testing.T) {
	src := staticSource(stackZip(t, "t1", "t1km", "t2", "flair"))
	c := newTestCache(src, Options{})
	ctx := context.Background()

	v, err := c.GetOrBuildVolume(ctx, "sub-1", archive.T1)
	if err != nil {
		t.Fatalf("GetOrBuildVolume: %v", err)
	}
	if v.VoxelCount() != 8 {
		t.Errorf("VoxelCount() = %d, want 8", v.VoxelCount())
	}
	if string(v.Slices[0]) != "t1slice-002.dcm" {
		t.Errorf("first slice = %q, want container order", v.Slices[0])
	}

	for _, m := range archive.Modalities {
		if _, err := c.GetOrBuildVolume(ctx, "sub-1", m); err != nil {
			t.Fatalf("GetOrBuildVolume(%s): %v", m, err)
		}
		if st := c.State(Key{SubjectID: "sub-1", Modality: m}); st != StateReady {
			t.Errorf("State(%s) = %s, want ready", m, st)
		}
	}
	if n := src.calls.Load(); n != 1 {
		t.Errorf("fetches = %d, want 1", n)
	}
}

func TestCache_CoalescesConcurrentBuilds(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	data := stackZip(t, "t1", "flair")
	src := &fakeSource{fetchFn: func(context.Context, string) ([]byte, archive.FileKind, error) {
		close(started)
		<-release
		return data, archive.KindMultiSlice, nil
	}}
	c := newTestCache(src, Options{})

	var (
		wg      sync.WaitGroup
		results [2]*Volume
		errs    [2]error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = c.GetOrBuildVolume(context.Background(), "sub-1", archive.FLAIR)
	}()
	<-started
	if st := c.State(Key{SubjectID: "sub-1", Modality: archive.FLAIR}); st != StateBuilding {
		t.Errorf("State during build = %s, want building", st)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], errs[1] = c.GetOrBuildVolume(context.Background(), "sub-1", archive.FLAIR)
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if results[0] != results[1] {
		t.Error("callers observed different volume objects")
	}
	if n := src.calls.Load(); n != 1 {
		t.Errorf("fetches = %d, want 1", n)
	}
}

func TestCache_InvalidateThenHas(t *testing.T) {
	c := newTestCache(staticSource(stackZip(t, "t1", "t2")), Options{})
	ctx := context.Background()

	if _, err := c.GetOrBuildVolume(ctx, "sub-1", archive.T1); err != nil {
		t.Fatalf("GetOrBuildVolume: %v", err)
	}
	if c.Has("sub-1") {
		t.Fatal("Has() true before label volume was built")
	}
	if _, err := c.GetOrBuildLabelVolume(ctx, "sub-1", eightVoxels); err != nil {
		t.Fatalf("GetOrBuildLabelVolume: %v", err)
	}
	if !c.Has("sub-1") {
		t.Fatal("Has() false after full build")
	}

	c.Invalidate("sub-1")
	if c.Has("sub-1") {
		t.Error("Has() true after Invalidate")
	}
	if _, ok := c.Labels("sub-1"); ok {
		t.Error("label volume survived Invalidate")
	}
}

func TestCache_LateResultDiscardedAfterInvalidate(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	data := stackZip(t, "t1")
	src := &fakeSource{fetchFn: func(context.Context, string) ([]byte, archive.FileKind, error) {
		close(started)
		<-release
		return data, archive.KindMultiSlice, nil
	}}
	c := newTestCache(src, Options{})

	errc := make(chan error, 1)
	go func() {
		_, err := c.GetOrBuildVolume(context.Background(), "sub-1", archive.T1)
		errc <- err
	}()
	<-started
	c.Invalidate("sub-1")
	close(release)

	if err := <-errc; !errors.Is(err, ErrInvalidated) {
		t.Fatalf("err = %v, want ErrInvalidated", err)
	}
	if st := c.State(Key{SubjectID: "sub-1", Modality: archive.T1}); st != StateAbsent {
		t.Errorf("State = %s, want absent", st)
	}
	if len(c.Subjects()) != 0 {
		t.Errorf("Subjects() = %v, want empty", c.Subjects())
	}
}

func TestCache_CallerCancellationDoesNotAbortBuild(t *testing.T) {
	release := make(chan struct{})
	data := stackZip(t, "t1")
	src := &fakeSource{fetchFn: func(context.Context, string) ([]byte, archive.FileKind, error) {
		<-release
		return data, archive.KindMultiSlice, nil
	}}
	c := newTestCache(src, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.GetOrBuildVolume(ctx, "sub-1", archive.T1)
		errc <- err
	}()
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	close(release)

	deadline := time.Now().Add(2 * time.Second)
	for c.State(Key{SubjectID: "sub-1", Modality: archive.T1}) != StateReady {
		if time.Now().After(deadline) {
			t.Fatal("build did not complete after caller gave up")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCache_EvictsLeastRecentlyUsedSubject(t *testing.T) {
	c := newTestCache(staticSource(stackZip(t, "t1")), Options{MaxSubjects: 2})
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if _, err := c.GetOrBuildVolume(ctx, id, archive.T1); err != nil {
			t.Fatalf("build %s: %v", id, err)
		}
	}
	// Touch a so that b becomes the eviction candidate.
	if _, err := c.GetOrBuildVolume(ctx, "a", archive.T1); err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetOrBuildVolume(ctx, "c", archive.T1); err != nil {
		t.Fatal(err)
	}

	got := c.Subjects()
	want := []string{"c", "a"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("Subjects() = %v, want %v", got, want)
	}
}

func TestCache_FetchAndDecodeErrors(t *testing.T) {
	t.Run("fetch", func(t *testing.T) {
		src := &fakeSource{fetchFn: func(context.Context, string) ([]byte, archive.FileKind, error) {
			return nil, archive.KindUnknown, errors.New("503 service unavailable")
		}}
		c := newTestCache(src, Options{})
		_, err := c.GetOrBuildVolume(context.Background(), "sub-1", archive.T1)
		if !errors.Is(err, ErrArchiveFetch) {
			t.Fatalf("err = %v, want ErrArchiveFetch", err)
		}
	})

	t.Run("decode", func(t *testing.T) {
		c := newTestCache(staticSource([]byte("not a zip")), Options{})
		_, err := c.GetOrBuildVolume(context.Background(), "sub-1", archive.T1)
		if !errors.Is(err, ErrArchiveDecode) {
			t.Fatalf("err = %v, want ErrArchiveDecode", err)
		}
		if len(c.Subjects()) != 0 {
			t.Error("failed build left entries behind")
		}
	})

	t.Run("missing modality", func(t *testing.T) {
		c := newTestCache(staticSource(stackZip(t, "t1")), Options{})
		_, err := c.GetOrBuildVolume(context.Background(), "sub-1", archive.T2)
		if !errors.Is(err, ErrModalityAbsent) || errors.Is(err, ErrArchiveDecode) {
			t.Fatalf("err = %v, want ErrModalityAbsent", err)
		}

		// Now served from the cached subject.
		_, err = c.GetOrBuildVolume(context.Background(), "sub-1", archive.T2)
		if !errors.Is(err, ErrModalityAbsent) {
			t.Fatalf("cached: err = %v, want ErrModalityAbsent", err)
		}
		if _, err := c.GetOrBuildVolume(context.Background(), "sub-1", archive.T1); err != nil {
			t.Fatalf("present modality: %v", err)
		}
	})
}

func TestCache_BuildBookkeepingReleased(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	data := stackZip(t, "t1")
	var block atomic.Bool
	src := &fakeSource{fetchFn: func(context.Context, string) ([]byte, archive.FileKind, error) {
		if block.Load() {
			started <- struct{}{}
			<-release
		}
		return data, archive.KindMultiSlice, nil
	}}
	c := newTestCache(src, Options{MaxSubjects: 2})
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d"} {
		if _, err := c.GetOrBuildVolume(ctx, id, archive.T1); err != nil {
			t.Fatalf("build %s: %v", id, err)
		}
		c.Invalidate(id)
		if _, err := c.GetOrBuildVolume(ctx, id, archive.T1); err != nil {
			t.Fatalf("rebuild %s: %v", id, err)
		}
	}
	for i := 0; i < 100; i++ {
		c.Invalidate(fmt.Sprintf("never-built-%d", i))
	}

	block.Store(true)
	errc := make(chan error, 1)
	go func() {
		_, err := c.GetOrBuildVolume(ctx, "e", archive.T1)
		errc <- err
	}()
	<-started
	c.Invalidate("e")
	close(release)
	if err := <-errc; !errors.Is(err, ErrInvalidated) {
		t.Fatalf("err = %v, want ErrInvalidated", err)
	}

	c.mu.Lock()
	inflight, cached := len(c.inflight), len(c.subjects)
	c.mu.Unlock()
	if inflight != 0 {
		t.Errorf("inflight builds = %d, want 0", inflight)
	}
	if cached != 2 {
		t.Errorf("cached subjects = %d, want 2", cached)
	}

	block.Store(false)
	if _, err := c.GetOrBuildVolume(ctx, "e", archive.T1); err != nil {
		t.Fatalf("build after invalidated build: %v", err)
	}
}

func TestCache_LabelVolumePreconditions(t *testing.T) {
	c := newTestCache(staticSource(stackZip(t, "t1")), Options{})
	ctx := context.Background()

	if _, err := c.GetOrBuildLabelVolume(ctx, "sub-1", eightVoxels); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("err = %v, want ErrPrecondition", err)
	}

	if _, err := c.GetOrBuildVolume(ctx, "sub-1", archive.T1); err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetOrBuildLabelVolume(ctx, "sub-1", []int{1, 2, 3}); !errors.Is(err, labels.ErrShapeMismatch) {
		t.Fatalf("err = %v, want ErrShapeMismatch", err)
	}
	if _, ok := c.Labels("sub-1"); ok {
		t.Fatal("partial label volume stored after shape mismatch")
	}

	lv, err := c.GetOrBuildLabelVolume(ctx, "sub-1", eightVoxels)
	if err != nil {
		t.Fatalf("GetOrBuildLabelVolume: %v", err)
	}
	again, err := c.GetOrBuildLabelVolume(ctx, "sub-1", nil)
	if err != nil || again != lv {
		t.Errorf("second call = %p, %v; want cached %p", again, err, lv)
	}

	sum, ok := c.Describe("sub-1")
	if !ok || !sum.HasLabels || sum.Dims != [3]int{2, 2, 2} {
		t.Errorf("Describe() = %+v, %v", sum, ok)
	}
}
