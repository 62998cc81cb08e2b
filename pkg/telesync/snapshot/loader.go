// Package snapshot loads historical samples for the selected tags.
//
// Requests are debounced: each call restarts a quiet period and only the
// last one issues a fetch batch, one concurrent fetch per tag. Every
// request bumps a generation counter; a batch whose generation is no
// longer current when it completes is discarded, and starting a new
// request cancels the fetches still in flight.
package snapshot

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	telerr "github.com/chosenoffset/telesync/internal/errors"
	"github.com/chosenoffset/telesync/pkg/telesync/clock"
	"github.com/chosenoffset/telesync/pkg/telesync/series"
)

// DefaultDebounce is the quiet period before a batch is issued.
const DefaultDebounce = 300 * time.Millisecond

// Fetcher retrieves the history of one tag.
type Fetcher interface {
	History(ctx context.Context, tag string) ([]series.Sample, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, tag string) ([]series.Sample, error)

// History implements Fetcher.
func (f FetcherFunc) History(ctx context.Context, tag string) ([]series.Sample, error) {
	return f(ctx, tag)
}

// Result is the outcome for one tag. Samples are already downsampled.
type Result struct {
	Tag     string
	Samples []series.Sample
	Err     error
}

// Batch is a completed fetch batch, results in request order.
type Batch struct {
	Generation uint64
	Tags       []string
	Results    []Result
}

// Failed returns the results that carry an error.
func (b Batch) Failed() []Result {
	var out []Result
	for _, r := range b.Results {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}

// Sink receives current batches. It runs on a loader goroutine.
type Sink func(Batch)

// Observer is told how each batch ended.
type Observer interface {
	SnapshotBatch(stale bool)
}

type nopObserver struct{}

func (nopObserver) SnapshotBatch(bool) {}

// Loader debounces snapshot requests and delivers the latest batch.
type Loader struct {
	fetcher   Fetcher
	sink      Sink
	clock     clock.Clock
	debounce  time.Duration
	maxPoints int
	logger    *slog.Logger
	observer  Observer

	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	gen    uint64
	timer  *clock.Timer
	cancel context.CancelFunc
	closed bool
}

// Option configures a Loader.
type Option func(*Loader)

// WithClock sets the clock used for the debounce timer.
func WithClock(c clock.Clock) Option {
	return func(l *Loader) { l.clock = c }
}

// WithDebounce sets the quiet period. Non-positive values keep the
// default.
func WithDebounce(d time.Duration) Option {
	return func(l *Loader) {
		if d > 0 {
			l.debounce = d
		}
	}
}

// WithMaxPoints sets the per-tag point cap used for downsampling.
func WithMaxPoints(n int) Option {
	return func(l *Loader) {
		if n > 0 {
			l.maxPoints = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Loader) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(l *Loader) {
		if o != nil {
			l.observer = o
		}
	}
}

// New creates a Loader that fetches with f and hands current batches to
// sink.
func New(f Fetcher, sink Sink, opts ...Option) *Loader {
	l := &Loader{
		fetcher:   f,
		sink:      sink,
		clock:     clock.Real(),
		debounce:  DefaultDebounce,
		maxPoints: series.DefaultSnapshotCapacity,
		logger:    slog.Default(),
		observer:  nopObserver{},
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "snapshot")
	l.ctx, l.stop = context.WithCancel(context.Background())
	return l
}

// Request schedules a batch for tags. A pending request is superseded
// and any fetch in flight is cancelled. It returns the generation the
// batch will carry.
func (l *Loader) Request(tags []string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return l.gen
	}

	l.invalidateLocked()
	gen := l.gen
	tags = slices.Clone(tags)
	l.timer = l.clock.AfterFunc(l.debounce, func() { l.fire(gen, tags) })
	return gen
}

// Cancel drops the pending request and the batch in flight, if any.
func (l *Loader) Cancel() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.invalidateLocked()
}

// Generation returns the current generation.
func (l *Loader) Generation() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gen
}

// Close cancels everything and waits for running batches to return.
// Later requests are ignored.
func (l *Loader) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.invalidateLocked()
	l.mu.Unlock()

	l.stop()
	l.wg.Wait()
}

func (l *Loader) invalidateLocked() {
	l.gen++
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
}

func (l *Loader) fire(gen uint64, tags []string) {
	l.mu.Lock()
	if gen != l.gen || l.closed {
		l.mu.Unlock()
		return
	}
	l.timer = nil
	ctx, cancel := context.WithCancel(l.ctx)
	l.cancel = cancel
	l.wg.Add(1)
	l.mu.Unlock()

	go l.run(ctx, cancel, gen, tags)
}

func (l *Loader) run(ctx context.Context, cancel context.CancelFunc, gen uint64, tags []string) {
	defer l.wg.Done()
	defer cancel()

	l.logger.Debug("fetching snapshot", "generation", gen, "tags", tags)
	results := make([]Result, len(tags))
	var wg sync.WaitGroup
	for i, tag := range tags {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = l.fetch(ctx, tag)
		}()
	}
	wg.Wait()

	l.mu.Lock()
	stale := gen != l.gen || l.closed
	if !stale {
		l.cancel = nil
	}
	l.mu.Unlock()

	l.observer.SnapshotBatch(stale)
	if stale {
		l.logger.Debug("discarding stale snapshot", "generation", gen)
		return
	}
	for _, r := range results {
		if r.Err != nil {
			l.logger.Error("snapshot fetch failed", "tag", r.Tag, "error", r.Err)
		}
	}
	l.sink(Batch{Generation: gen, Tags: tags, Results: results})
}

func (l *Loader) fetch(ctx context.Context, tag string) Result {
	samples, err := l.fetcher.History(ctx, tag)
	if err != nil {
		if !telerr.IsCode(err, telerr.ErrFetch) {
			err = telerr.Wrap(err, telerr.ErrFetch, "fetch history for "+tag)
		}
		return Result{Tag: tag, Err: err}
	}
	return Result{Tag: tag, Samples: series.Downsample(samples, l.maxPoints)}
}
