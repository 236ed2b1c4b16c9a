package segjob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// StatusSource queries the backend for a job's current status string.
type StatusSource interface {
	FetchSegmentationStatus(ctx context.Context, jobID string) (string, error)
}

// Token identifies one registration of a job with the tracker.
type Token string

// Options tunes a Tracker. Zero values fall back to defaults.
type Options struct {
	// Interval between poll cycles. Defaults to 2s.
	Interval time.Duration
	// MaxFailures is the number of consecutive query failures after which a
	// job is moved to ERROR locally. Defaults to 5.
	MaxFailures int
	// EventBuffer caps the event log. Defaults to 500.
	EventBuffer int
	Logger      *slog.Logger
}

type entry struct {
	job     Job
	token   Token
	stopped atomic.Bool
}

type pending struct {
	change Change
	e      *entry
}

// Tracker polls every non-terminal job at a fixed interval and notifies
// subscribers when the backend reports a new status.
type Tracker struct {
	src         StatusSource
	interval    time.Duration
	maxFailures int
	logger      *slog.Logger
	events      *EventBus
	now         func() time.Time

	pollMu sync.Mutex

	mu      sync.Mutex
	jobs    map[string]*entry
	subs    map[int]func(Change)
	drops   map[int]func(jobID string, err error)
	nextSub int

	base    context.Context
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewTracker creates a Tracker that queries src.
func NewTracker(src StatusSource, opts Options) *Tracker {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 5
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Tracker{
		src:         src,
		interval:    opts.Interval,
		maxFailures: opts.MaxFailures,
		logger:      opts.Logger,
		events:      NewEventBus(opts.EventBuffer),
		now:         func() time.Time { return time.Now().UTC() },
		jobs:        make(map[string]*entry),
		subs:        make(map[int]func(Change)),
		drops:       make(map[int]func(string, error)),
	}
}

// Events returns the tracker's event log.
func (t *Tracker) Events() *EventBus { return t.events }

// Track registers jobID with status QUEUEING. Registering an already tracked
// job is a no-op that returns the existing token and false.
func (t *Tracker) Track(jobID string) (Token, bool) {
	return t.Resume(jobID, StatusQueueing)
}

// Resume registers jobID at a previously observed non-terminal status, so
// that a restarted client does not announce transitions it already saw.
func (t *Tracker) Resume(jobID string, status Status) (Token, bool) {
	if status.rank() < 0 || status.Terminal() {
		status = StatusQueueing
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.jobs[jobID]; ok {
		return e.token, false
	}

	now := t.now()
	e := &entry{
		job: Job{
			ID:                 jobID,
			Status:             status,
			LastObservedStatus: status,
			CreatedAt:          now,
			UpdatedAt:          now,
		},
		token: Token(uuid.New().String()),
	}
	t.jobs[jobID] = e
	t.logger.Debug("tracking segmentation job", "job_id", jobID, "status", status, "token", e.token)

	t.scheduleLocked()
	return e.token, true
}

// Stop removes jobID from tracking without further notification.
func (t *Tracker) Stop(jobID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.jobs[jobID]
	if !ok {
		return false
	}
	e.stopped.Store(true)
	delete(t.jobs, jobID)
	return true
}

// StopAll removes every job and cancels the scheduler.
func (t *Tracker) StopAll() {
	t.mu.Lock()
	for id, e := range t.jobs {
		e.stopped.Store(true)
		delete(t.jobs, id)
	}
	cancel := t.cancel
	t.running = false
	t.cancel = nil
	t.done = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Get returns a snapshot of a tracked job.
func (t *Tracker) Get(jobID string) (Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.jobs[jobID]
	if !ok {
		return Job{}, false
	}
	return e.job, true
}

// Active returns snapshots of all tracked jobs ordered by id.
func (t *Tracker) Active() []Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Job, 0, len(t.jobs))
	for _, e := range t.jobs {
		out = append(out, e.job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Subscribe registers fn for status changes. Callbacks run on the polling
// goroutine in the order changes were observed. The returned func unsubscribes.
func (t *Tracker) Subscribe(fn func(Change)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.subs, id)
	}
}

// OnDrop registers fn for jobs removed after the backend reported a status
// string the tracker does not recognise. Such jobs never produce a Change.
// Callbacks run on the polling goroutine after the cycle's changes.
func (t *Tracker) OnDrop(fn func(jobID string, err error)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextSub
	t.nextSub++
	t.drops[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.drops, id)
	}
}

// Poll runs one status query per tracked job. Query failures are retried on
// later cycles; unknown status strings are returned and the job is dropped.
func (t *Tracker) Poll(ctx context.Context) error {
	t.pollMu.Lock()
	defer t.pollMu.Unlock()

	t.mu.Lock()
	batch := make([]*entry, 0, len(t.jobs))
	for _, e := range t.jobs {
		batch = append(batch, e)
	}
	t.mu.Unlock()
	sort.Slice(batch, func(i, j int) bool { return batch[i].job.ID < batch[j].job.ID })

	var (
		changes []pending
		dropped []droppedJob
		errs    []error
	)
	for _, e := range batch {
		if ctx.Err() != nil {
			break
		}
		if e.stopped.Load() {
			continue
		}

		raw, err := t.src.FetchSegmentationStatus(ctx, e.job.ID)
		if ctx.Err() != nil {
			break
		}

		var status Status
		if err == nil {
			status, err = ParseStatus(raw)
			if err != nil {
				err = fmt.Errorf("job %s: %w", e.job.ID, err)
				errs = append(errs, err)
				if t.drop(e, err) {
					dropped = append(dropped, droppedJob{id: e.job.ID, err: err})
				}
				continue
			}
		} else {
			err = fmt.Errorf("%w: %v", ErrJobQuery, err)
		}

		if c, ok := t.apply(e, status, err); ok {
			changes = append(changes, pending{change: c, e: e})
		}
	}

	t.notify(changes)
	t.notifyDropped(dropped)
	return errors.Join(errs...)
}

// apply folds one query result into the job state. It returns the change to
// announce, if any.
func (t *Tracker) apply(e *entry, status Status, queryErr error) (Change, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e.stopped.Load() || t.jobs[e.job.ID] != e {
		return Change{}, false
	}

	now := t.now()
	if queryErr != nil {
		e.job.Failures++
		t.logger.Warn("segmentation status query failed",
			"job_id", e.job.ID, "failures", e.job.Failures, "error", queryErr)
		t.events.Publish(Event{JobID: e.job.ID, Type: EventTypeError, Message: queryErr.Error()})
		if e.job.Failures < t.maxFailures {
			return Change{}, false
		}
		status = StatusError
		c := t.transitionLocked(e, status, now)
		c.Local = true
		return c, true
	}

	e.job.Failures = 0
	if status == e.job.LastObservedStatus {
		return Change{}, false
	}
	if status.rank() < e.job.Status.rank() {
		t.logger.Warn("ignoring status regression",
			"job_id", e.job.ID, "current", e.job.Status, "reported", status)
		return Change{}, false
	}
	return t.transitionLocked(e, status, now), true
}

func (t *Tracker) transitionLocked(e *entry, status Status, now time.Time) Change {
	c := Change{JobID: e.job.ID, Old: e.job.Status, New: status, At: now}
	e.job.Status = status
	e.job.LastObservedStatus = status
	e.job.UpdatedAt = now
	if status.Terminal() {
		delete(t.jobs, e.job.ID)
	}
	return c
}

func (t *Tracker) drop(e *entry, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.jobs[e.job.ID] != e {
		return false
	}
	delete(t.jobs, e.job.ID)
	t.logger.Error("dropping job after protocol error", "job_id", e.job.ID, "error", err)
	t.events.Publish(Event{JobID: e.job.ID, Type: EventTypeError, Message: err.Error()})
	return true
}

type droppedJob struct {
	id  string
	err error
}

func (t *Tracker) notifyDropped(dropped []droppedJob) {
	if len(dropped) == 0 {
		return
	}
	t.mu.Lock()
	ids := make([]int, 0, len(t.drops))
	for id := range t.drops {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(string, error), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, t.drops[id])
	}
	t.mu.Unlock()

	for _, d := range dropped {
		for _, fn := range fns {
			fn(d.id, d.err)
		}
	}
}

func (t *Tracker) notify(changes []pending) {
	for _, p := range changes {
		if p.e.stopped.Load() {
			continue
		}
		t.events.Publish(Event{
			JobID:     p.change.JobID,
			Type:      EventTypeStatus,
			Old:       p.change.Old,
			New:       p.change.New,
			Timestamp: p.change.At,
		})
		t.logger.Info("segmentation status changed",
			"job_id", p.change.JobID, "old", p.change.Old, "new", p.change.New, "local", p.change.Local)

		t.mu.Lock()
		subs := make([]func(Change), 0, len(t.subs))
		ids := make([]int, 0, len(t.subs))
		for id := range t.subs {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		for _, id := range ids {
			subs = append(subs, t.subs[id])
		}
		t.mu.Unlock()

		for _, fn := range subs {
			fn(p.change)
		}
	}
}

// Run polls at the configured interval until ctx is done, independently of
// the self-terminating scheduler started by Start.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := t.Poll(ctx); err != nil {
			t.logger.Warn("poll cycle reported errors", "error", err)
		}
	}
}

// Start enables the background scheduler. Polling begins whenever at least
// one job is tracked and ends on its own once the active set is empty.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.base = ctx
	t.scheduleLocked()
}

// Running reports whether a polling loop is currently scheduled.
func (t *Tracker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *Tracker) scheduleLocked() {
	if t.base == nil || t.running || len(t.jobs) == 0 || t.base.Err() != nil {
		return
	}
	ctx, cancel := context.WithCancel(t.base)
	done := make(chan struct{})
	t.running = true
	t.cancel = cancel
	t.done = done
	go t.loop(ctx, cancel, done)
}

func (t *Tracker) loop(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	defer close(done)
	defer cancel()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.finish(done)
			return
		case <-ticker.C:
		}

		if err := t.Poll(ctx); err != nil {
			t.logger.Warn("poll cycle reported errors", "error", err)
		}

		t.mu.Lock()
		if len(t.jobs) == 0 || ctx.Err() != nil {
			if t.done == done {
				t.running = false
				t.cancel = nil
				t.done = nil
			}
			t.mu.Unlock()
			t.logger.Debug("tracker idle, scheduler stopped")
			return
		}
		t.mu.Unlock()
	}
}

func (t *Tracker) finish(done chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done == done {
		t.running = false
		t.cancel = nil
		t.done = nil
	}
}
