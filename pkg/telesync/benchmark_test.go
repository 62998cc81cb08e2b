package telesync

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/chosenoffset/telesync/pkg/telesync/actions"
	"github.com/chosenoffset/telesync/pkg/telesync/protocol"
	"github.com/chosenoffset/telesync/pkg/telesync/threshold"
)

func benchSession(b *testing.B) *Session {
	b.Helper()
	s, err := New(Options{
		StreamURL:    "ws://bench.invalid/ws/monitoring/",
		InitialTags:  []string{"pressure_1", "temp_1"},
		Collaborator: &fakeCollab{},
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Actions:      actions.NewActionRegistry(),
	})
	if err != nil {
		b.Fatal(err)
	}
	s.thresholds.SetThresholdList([]threshold.Threshold{
		{Tag: "pressure_1", Min: threshold.Bound(10), Max: threshold.Bound(90)},
	})
	return s
}

func reading(tag string, value float64, at time.Time) protocol.Message {
	return protocol.Message{
		Type:    protocol.TypeSensorUpdate,
		Tag:     tag,
		Reading: &protocol.Reading{Timestamp: protocol.NewTimestamp(at), Value: value, Tag: tag},
	}
}

// BenchmarkSensorUpdate measures the push path for an in-range reading.
func BenchmarkSensorUpdate(b *testing.B) {
	s := benchSession(b)
	msg := reading("pressure_1", 50, epoch)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.handleMessage(msg)
	}
}

// BenchmarkSensorUpdateViolation includes incident recording.
func BenchmarkSensorUpdateViolation(b *testing.B) {
	s := benchSession(b)
	msg := reading("pressure_1", 95, epoch)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.handleMessage(msg)
	}
}

// BenchmarkConcurrentUpdatesAndViews mixes stream updates with readers
// taking full views.
func BenchmarkConcurrentUpdatesAndViews(b *testing.B) {
	s := benchSession(b)
	msgs := []protocol.Message{
		reading("pressure_1", 50, epoch),
		reading("temp_1", 70, epoch),
	}

	b.ResetTimer()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < b.N; i++ {
			_ = s.View()
		}
	}()
	for i := 0; i < b.N; i++ {
		s.handleMessage(msgs[i%len(msgs)])
	}
	wg.Wait()
}
