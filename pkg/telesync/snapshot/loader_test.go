package snapshot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	telerr "github.com/chosenoffset/telesync/internal/errors"
	"github.com/chosenoffset/telesync/pkg/telesync/clock"
	"github.com/chosenoffset/telesync/pkg/telesync/series"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func points(n int) []series.Sample {
	out := make([]series.Sample, n)
	for i := range out {
		out[i] = series.Sample{Timestamp: epoch.Add(time.Duration(i) * time.Second), Value: float64(i)}
	}
	return out
}

type recorder struct {
	mu      sync.Mutex
	batches []Batch
}

func (r *recorder) sink(b Batch) {
	r.mu.Lock()
	r.batches = append(r.batches, b)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func (r *recorder) last() Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batches[len(r.batches)-1]
}

type countingFetcher struct {
	mu    sync.Mutex
	calls []string
	n     int
	fail  map[string]bool
}

func (f *countingFetcher) History(ctx context.Context, tag string) ([]series.Sample, error) {
	f.mu.Lock()
	f.calls = append(f.calls, tag)
	fail := f.fail[tag]
	f.mu.Unlock()
	if fail {
		return nil, errors.New("upstream unavailable")
	}
	return points(f.n), nil
}

func (f *countingFetcher) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func TestLoader(t *testing.T) {
	t.Run("DebounceCoalescesRequests", testDebounceCoalesces)
	t.Run("QuietPeriodRestarts", testQuietPeriodRestarts)
	t.Run("DownsamplesResults", testDownsamplesResults)
	t.Run("FetchFailureSurfaced", testFetchFailureSurfaced)
	t.Run("StaleBatchDiscarded", testStaleBatchDiscarded)
	t.Run("CancelDropsPending", testCancelDropsPending)
	t.Run("CloseIgnoresRequests", testCloseIgnoresRequests)
}

func testDebounceCoalesces(t *testing.T) {
	clk := clock.Fake(epoch)
	f := &countingFetcher{n: 10}
	rec := &recorder{}
	l := New(f, rec.sink, WithClock(clk))
	defer l.Close()

	l.Request([]string{"a"})
	clk.Advance(100 * time.Millisecond)
	l.Request([]string{"a", "b"})
	clk.Advance(100 * time.Millisecond)
	gen := l.Request([]string{"c"})
	assert.Equal(t, 1, clk.Pending())

	clk.Advance(DefaultDebounce)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, time.Millisecond)

	b := rec.last()
	assert.Equal(t, gen, b.Generation)
	assert.Equal(t, []string{"c"}, b.Tags)
	assert.Equal(t, []string{"c"}, f.seen())

	// No further batch shows up.
	clk.Advance(time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func testQuietPeriodRestarts(t *testing.T) {
	clk := clock.Fake(epoch)
	f := &countingFetcher{n: 1}
	rec := &recorder{}
	l := New(f, rec.sink, WithClock(clk), WithDebounce(time.Second))
	defer l.Close()

	l.Request([]string{"a"})
	clk.Advance(900 * time.Millisecond)
	l.Request([]string{"a"})
	clk.Advance(900 * time.Millisecond)
	assert.Empty(t, f.seen())

	clk.Advance(100 * time.Millisecond)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, time.Millisecond)
}

func testDownsamplesResults(t *testing.T) {
	clk := clock.Fake(epoch)
	f := &countingFetcher{n: 250}
	rec := &recorder{}
	l := New(f, rec.sink, WithClock(clk), WithMaxPoints(100))
	defer l.Close()

	l.Request([]string{"pressure_1"})
	clk.Advance(DefaultDebounce)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, time.Millisecond)

	r := rec.last().Results[0]
	require.NoError(t, r.Err)
	require.Len(t, r.Samples, 100)
	assert.Equal(t, 0.0, r.Samples[0].Value)
	assert.Equal(t, 2.0, r.Samples[1].Value)
}

func testFetchFailureSurfaced(t *testing.T) {
	clk := clock.Fake(epoch)
	f := &countingFetcher{n: 5, fail: map[string]bool{"b": true}}
	rec := &recorder{}
	l := New(f, rec.sink, WithClock(clk))
	defer l.Close()

	l.Request([]string{"a", "b"})
	clk.Advance(DefaultDebounce)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, time.Millisecond)

	b := rec.last()
	require.Len(t, b.Results, 2)
	assert.Equal(t, "a", b.Results[0].Tag)
	assert.NoError(t, b.Results[0].Err)
	assert.Len(t, b.Results[0].Samples, 5)

	failed := b.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "b", failed[0].Tag)
	assert.Nil(t, failed[0].Samples)
	assert.True(t, telerr.IsCode(failed[0].Err, telerr.ErrFetch))
}

func testStaleBatchDiscarded(t *testing.T) {
	clk := clock.Fake(epoch)
	release := make(chan struct{})
	started := make(chan string, 4)
	f := FetcherFunc(func(ctx context.Context, tag string) ([]series.Sample, error) {
		started <- tag
		if tag == "slow" {
			// Ignore cancellation so the batch completes after being superseded.
			<-release
		}
		return points(3), nil
	})
	rec := &recorder{}
	l := New(f, rec.sink, WithClock(clk))
	defer l.Close()

	l.Request([]string{"slow"})
	clk.Advance(DefaultDebounce)
	assert.Equal(t, "slow", <-started)

	gen := l.Request([]string{"fast"})
	close(release)
	clk.Advance(DefaultDebounce)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, time.Millisecond)

	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 1, rec.count())
	assert.Equal(t, gen, rec.last().Generation)
	assert.Equal(t, []string{"fast"}, rec.last().Tags)
}

func testCancelDropsPending(t *testing.T) {
	clk := clock.Fake(epoch)
	f := &countingFetcher{n: 1}
	rec := &recorder{}
	l := New(f, rec.sink, WithClock(clk))
	defer l.Close()

	l.Request([]string{"a"})
	l.Cancel()
	assert.Equal(t, 0, clk.Pending())
	clk.Advance(time.Second)
	assert.Empty(t, f.seen())
	assert.Equal(t, 0, rec.count())
}

func testCloseIgnoresRequests(t *testing.T) {
	clk := clock.Fake(epoch)
	f := &countingFetcher{n: 1}
	rec := &recorder{}
	l := New(f, rec.sink, WithClock(clk))

	l.Close()
	l.Close()
	l.Request([]string{"a"})
	assert.Equal(t, 0, clk.Pending())
}
