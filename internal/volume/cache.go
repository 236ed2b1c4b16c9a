package volume

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	list "github.com/bahlo/generic-list-go"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/kalambet/brainview/internal/archive"
	"github.com/kalambet/brainview/internal/labels"
)

// ArchiveSource retrieves a subject's image container together with the
// file kind advertised by the server.
type ArchiveSource interface {
	FetchSubjectArchive(ctx context.Context, subjectID string) ([]byte, archive.FileKind, error)
}

// Options tunes a Cache. Zero values fall back to defaults.
type Options struct {
	// MaxSubjects bounds how many subjects stay cached. Defaults to 4.
	MaxSubjects int
	// MaxLabelBuilds bounds concurrent label builds across subjects. Defaults to 2.
	MaxLabelBuilds int
	Assembler      Assembler
	Logger         *slog.Logger
}

type subject struct {
	id      string
	seq     uint64 // build that produced this entry
	volumes map[archive.Modality]*Volume
	present []archive.Modality
	labels  *labels.Volume
	elem    *list.Element[string]
}

// reference is the volume a label buffer must match: the first present
// modality in canonical order.
func (s *subject) reference() *Volume {
	for _, m := range s.present {
		if v := s.volumes[m]; v != nil {
			return v
		}
	}
	return nil
}

// build is one in-flight container fetch and assembly for a subject.
// Invalidate marks it so its result is discarded.
type build struct {
	seq         uint64
	invalidated bool
	done        bool
}

// Cache holds assembled volumes per subject. All mutation goes through
// GetOrBuildVolume, GetOrBuildLabelVolume and Invalidate.
type Cache struct {
	src         ArchiveSource
	asm         Assembler
	maxSubjects int
	labelSem    *semaphore.Weighted
	logger      *slog.Logger

	group singleflight.Group

	mu       sync.Mutex
	subjects map[string]*subject
	inflight map[string]*build
	seq      uint64
	lru      *list.List[string]
}

// NewCache creates a Cache that fetches containers from src.
func NewCache(src ArchiveSource, opts Options) *Cache {
	if opts.MaxSubjects <= 0 {
		opts.MaxSubjects = 4
	}
	if opts.MaxLabelBuilds <= 0 {
		opts.MaxLabelBuilds = 2
	}
	if opts.Assembler == nil {
		opts.Assembler = DefaultAssembler{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Cache{
		src:         src,
		asm:         opts.Assembler,
		maxSubjects: opts.MaxSubjects,
		labelSem:    semaphore.NewWeighted(int64(opts.MaxLabelBuilds)),
		logger:      opts.Logger,
		subjects:    make(map[string]*subject),
		inflight:    make(map[string]*build),
		lru:         list.New[string](),
	}
}

// GetOrBuildVolume returns the cached volume for (subjectID, modality),
// building every modality of the subject from one container fetch on a miss.
// Concurrent callers for the same subject share a single build.
func (c *Cache) GetOrBuildVolume(ctx context.Context, subjectID string, modality archive.Modality) (*Volume, error) {
	c.mu.Lock()
	if s, ok := c.subjects[subjectID]; ok {
		c.lru.MoveToFront(s.elem)
		v, found := s.volumes[modality]
		c.mu.Unlock()
		if !found {
			return nil, fmt.Errorf("%w: %s for %s", ErrModalityAbsent, modality, subjectID)
		}
		return v, nil
	}
	b, ok := c.inflight[subjectID]
	if !ok {
		c.seq++
		b = &build{seq: c.seq}
		c.inflight[subjectID] = b
	}
	c.mu.Unlock()

	key := fmt.Sprintf("volumes/%s/%d", subjectID, b.seq)
	ch := c.group.DoChan(key, func() (any, error) {
		// Builds outlive the first caller; results are discarded on invalidation.
		return c.buildSubject(context.WithoutCancel(ctx), subjectID, b)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}

	s := res.Val.(*subject)
	v, found := s.volumes[modality]
	if !found {
		return nil, fmt.Errorf("%w: %s for %s", ErrModalityAbsent, modality, subjectID)
	}
	return v, nil
}

func (c *Cache) buildSubject(ctx context.Context, subjectID string, b *build) (*subject, error) {
	c.mu.Lock()
	if b.done {
		// A late joiner re-ran a finished call; hand back what it produced.
		s, ok := c.subjects[subjectID]
		c.mu.Unlock()
		if ok && s.seq == b.seq {
			return s, nil
		}
		return nil, ErrInvalidated
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		b.done = true
		if c.inflight[subjectID] == b {
			delete(c.inflight, subjectID)
		}
		c.mu.Unlock()
	}()

	c.logger.Debug("fetching subject container", "subject_id", subjectID)
	data, kind, err := c.src.FetchSubjectArchive(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrArchiveFetch, subjectID, err)
	}
	if !c.live(b) {
		return nil, ErrInvalidated
	}

	decoded, err := archive.Decode(data, kind)
	if err != nil {
		return nil, err
	}

	present := decoded.Present()
	vols := make([]*Volume, len(present))
	g, _ := errgroup.WithContext(ctx)
	for i, m := range present {
		g.Go(func() error {
			v, err := c.asm.Assemble(Key{SubjectID: subjectID, Modality: m}, kind, decoded.Buffers(m))
			if err != nil {
				return err
			}
			vols[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s := &subject{
		id:      subjectID,
		seq:     b.seq,
		volumes: make(map[archive.Modality]*Volume, len(present)),
		present: present,
	}
	for i, m := range present {
		s.volumes[m] = vols[i]
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if b.invalidated {
		return nil, ErrInvalidated
	}
	c.storeLocked(s)
	c.logger.Info("subject volumes cached",
		"subject_id", subjectID, "modalities", len(present), "kind", kind)
	return s, nil
}

func (c *Cache) storeLocked(s *subject) {
	if old, ok := c.subjects[s.id]; ok {
		c.lru.Remove(old.elem)
	}
	s.elem = c.lru.PushFront(s.id)
	c.subjects[s.id] = s

	for c.lru.Len() > c.maxSubjects {
		back := c.lru.Back()
		c.lru.Remove(back)
		delete(c.subjects, back.Value)
		c.logger.Debug("evicted subject", "subject_id", back.Value)
	}
}

func (c *Cache) live(b *build) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !b.invalidated
}

// GetOrBuildLabelVolume returns the subject's label volume, building it from
// the flat class array on first request. The base volumes must already be
// cached; the array length must equal the reference volume's voxel count.
func (c *Cache) GetOrBuildLabelVolume(ctx context.Context, subjectID string, classes []int) (*labels.Volume, error) {
	c.mu.Lock()
	s, ok := c.subjects[subjectID]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrPrecondition, subjectID)
	}
	c.lru.MoveToFront(s.elem)
	if s.labels != nil {
		lv := s.labels
		c.mu.Unlock()
		return lv, nil
	}
	ref := s.reference()
	c.mu.Unlock()
	if ref == nil {
		return nil, fmt.Errorf("%w: %s has no reference volume", ErrPrecondition, subjectID)
	}

	key := fmt.Sprintf("labels/%s/%d", subjectID, s.seq)
	ch := c.group.DoChan(key, func() (any, error) {
		return c.buildLabels(context.WithoutCancel(ctx), s, ref, classes)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*labels.Volume), nil
	}
}

func (c *Cache) buildLabels(ctx context.Context, s *subject, ref *Volume, classes []int) (*labels.Volume, error) {
	if err := c.labelSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.labelSem.Release(1)

	lv, err := labels.Build(s.id, classes, ref.VoxelCount())
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subjects[s.id] != s {
		return nil, ErrInvalidated
	}
	s.labels = lv
	c.logger.Info("label volume cached", "subject_id", s.id, "voxels", lv.Len(), "classes", lv.Classes)
	return lv, nil
}

// Invalidate drops every entry of a subject. Builds in flight for it finish
// but their results are discarded.
func (c *Cache) Invalidate(subjectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.inflight[subjectID]; ok {
		b.invalidated = true
		delete(c.inflight, subjectID)
	}
	if s, ok := c.subjects[subjectID]; ok {
		c.lru.Remove(s.elem)
		delete(c.subjects, subjectID)
	}
	c.logger.Debug("invalidated subject", "subject_id", subjectID)
}

// Has reports whether every modality of the subject's container and its
// label volume are cached.
func (c *Cache) Has(subjectID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.subjects[subjectID]
	if !ok || s.labels == nil || len(s.present) == 0 {
		return false
	}
	for _, m := range s.present {
		if s.volumes[m] == nil {
			return false
		}
	}
	return true
}

// State reports the cache state of one modality volume.
func (c *Cache) State(key Key) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.subjects[key.SubjectID]; ok && s.volumes[key.Modality] != nil {
		return StateReady
	}
	if _, ok := c.inflight[key.SubjectID]; ok {
		return StateBuilding
	}
	return StateAbsent
}

// Labels returns the cached label volume of a subject.
func (c *Cache) Labels(subjectID string) (*labels.Volume, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.subjects[subjectID]
	if !ok || s.labels == nil {
		return nil, false
	}
	return s.labels, true
}

// Describe summarizes a cached subject.
func (c *Cache) Describe(subjectID string) (Summary, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.subjects[subjectID]
	if !ok {
		return Summary{}, false
	}
	sum := Summary{
		SubjectID:  subjectID,
		Modalities: append([]archive.Modality(nil), s.present...),
		HasLabels:  s.labels != nil,
	}
	if ref := s.reference(); ref != nil {
		sum.Dims = ref.Dims
	}
	if s.labels != nil {
		sum.ClassCounts = s.labels.Counts()
	}
	return sum, true
}

// Subjects lists cached subjects, most recently used first.
func (c *Cache) Subjects() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, c.lru.Len())
	for e := c.lru.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value)
	}
	return out
}
