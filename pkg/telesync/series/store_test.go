package series

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func ramp(n int) []Sample {
	out := make([]Sample, n)
	for i := range out {
		out[i] = Sample{Timestamp: t0.Add(time.Duration(i) * time.Second), Value: float64(i)}
	}
	return out
}

func TestDownsample(t *testing.T) {
	tests := []struct {
		name     string
		rawLen   int
		max      int
		wantLen  int
		wantStep int
	}{
		{name: "under cap is copied", rawLen: 40, max: 100, wantLen: 40, wantStep: 1},
		{name: "exactly cap", rawLen: 100, max: 100, wantLen: 100, wantStep: 1},
		{name: "stride two", rawLen: 250, max: 100, wantLen: 100, wantStep: 2},
		{name: "stride one with truncation", rawLen: 150, max: 100, wantLen: 100, wantStep: 1},
		{name: "stride ten", rawLen: 1000, max: 100, wantLen: 100, wantStep: 10},
		{name: "empty input", rawLen: 0, max: 100, wantLen: 0, wantStep: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := ramp(tt.rawLen)
			got := Downsample(raw, tt.max)
			require.Len(t, got, tt.wantLen)
			for i, s := range got {
				assert.Equal(t, raw[i*tt.wantStep], s, "point %d", i)
			}
		})
	}

	t.Run("non-positive max copies", func(t *testing.T) {
		raw := ramp(5)
		got := Downsample(raw, 0)
		assert.Equal(t, raw, got)
		got[0].Value = 99
		assert.Equal(t, 0.0, raw[0].Value, "result must not alias input")
	})
}

func TestStore(t *testing.T) {
	t.Run("AbsentTagIsEmpty", testAbsentTagIsEmpty)
	t.Run("AppendLiveBound", testAppendLiveBound)
	t.Run("SnapshotScenario", testSnapshotScenario)
	t.Run("SnapshotSortsInput", testSnapshotSortsInput)
	t.Run("SnapshotThenLiveTrims", testSnapshotThenLiveTrims)
	t.Run("LateSampleAppendedAsReceived", testLateSampleAppended)
	t.Run("OrderedInsert", testOrderedInsert)
	t.Run("DropAndRetain", testDropAndRetain)
	t.Run("GetReturnsCopy", testGetReturnsCopy)
}

func testAbsentTagIsEmpty(t *testing.T) {
	s := NewStore(20, 100)
	got := s.Get("missing")
	assert.NotNil(t, got)
	assert.Empty(t, got)
	assert.Zero(t, s.Len("missing"))
}

func testAppendLiveBound(t *testing.T) {
	const live = 20
	s := NewStore(live, 100)
	raw := ramp(57)

	for i, sample := range raw {
		s.AppendLive("t1", sample)
		got := s.Get("t1")
		require.LessOrEqual(t, len(got), live)

		keep := min(live, i+1)
		assert.Equal(t, raw[i+1-keep:i+1], got, "after %d appends", i+1)
	}
}

func testSnapshotScenario(t *testing.T) {
	s := NewStore(20, 100)
	raw := ramp(250)

	s.LoadSnapshot("pressure_1", raw)
	got := s.Get("pressure_1")

	require.Len(t, got, 100)
	assert.Equal(t, raw[0], got[0])
	for i := 1; i < len(got); i++ {
		assert.Equal(t, raw[2*i], got[i])
		assert.False(t, got[i].Timestamp.Before(got[i-1].Timestamp))
	}
}

func testSnapshotSortsInput(t *testing.T) {
	s := NewStore(20, 100)
	raw := ramp(10)
	shuffled := []Sample{raw[3], raw[0], raw[9], raw[5], raw[1], raw[2], raw[8], raw[7], raw[6], raw[4]}

	s.LoadSnapshot("t1", shuffled)
	assert.Equal(t, raw, s.Get("t1"))
}

func testSnapshotThenLiveTrims(t *testing.T) {
	s := NewStore(20, 100)
	s.LoadSnapshot("t1", ramp(100))
	require.Equal(t, 100, s.Len("t1"))

	next := Sample{Timestamp: t0.Add(time.Hour), Value: -1}
	s.AppendLive("t1", next)

	got := s.Get("t1")
	require.Len(t, got, 20)
	assert.Equal(t, next, got[19])
	assert.Equal(t, float64(81), got[0].Value)
}

func testLateSampleAppended(t *testing.T) {
	s := NewStore(20, 100)
	s.AppendLive("t1", Sample{Timestamp: t0.Add(2 * time.Second), Value: 2})
	s.AppendLive("t1", Sample{Timestamp: t0, Value: 0})

	got := s.Get("t1")
	require.Len(t, got, 2)
	assert.Equal(t, 2.0, got[0].Value)
	assert.Equal(t, 0.0, got[1].Value)
}

func testOrderedInsert(t *testing.T) {
	s := NewStore(3, 100, WithOrderedInsert())
	s.AppendLive("t1", Sample{Timestamp: t0.Add(2 * time.Second), Value: 2})
	s.AppendLive("t1", Sample{Timestamp: t0, Value: 0})
	s.AppendLive("t1", Sample{Timestamp: t0.Add(time.Second), Value: 1})

	got := s.Get("t1")
	require.Len(t, got, 3)
	assert.Equal(t, []float64{0, 1, 2}, values(got))

	// Eviction still removes the chronologically oldest sample.
	s.AppendLive("t1", Sample{Timestamp: t0.Add(3 * time.Second), Value: 3})
	assert.Equal(t, []float64{1, 2, 3}, values(s.Get("t1")))
}

func testDropAndRetain(t *testing.T) {
	s := NewStore(20, 100)
	for _, tag := range []string{"a", "b", "c"} {
		s.AppendLive(tag, Sample{Timestamp: t0, Value: 1})
	}

	s.Drop("a")
	assert.Equal(t, []string{"b", "c"}, s.Tags())

	s.Retain([]string{"c", "z"})
	assert.Equal(t, []string{"c"}, s.Tags())
}

func testGetReturnsCopy(t *testing.T) {
	s := NewStore(20, 100)
	s.AppendLive("t1", Sample{Timestamp: t0, Value: 1})

	got := s.Get("t1")
	got[0].Value = 42
	assert.Equal(t, 1.0, s.Get("t1")[0].Value)
}

func values(samples []Sample) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.Value
	}
	return out
}

func BenchmarkAppendLive(b *testing.B) {
	s := NewStore(DefaultLiveCapacity, DefaultSnapshotCapacity)
	tags := make([]string, 3)
	for i := range tags {
		tags[i] = fmt.Sprintf("tag_%d", i)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.AppendLive(tags[i%len(tags)], Sample{Timestamp: t0.Add(time.Duration(i)), Value: float64(i)})
	}
}

func BenchmarkLoadSnapshot(b *testing.B) {
	s := NewStore(DefaultLiveCapacity, DefaultSnapshotCapacity)
	raw := ramp(200)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.LoadSnapshot("t1", raw)
	}
}
