// Package simulator is an in-process stand-in for the monitoring server:
// the collaborator REST API (tag catalog, thresholds, history) and the
// websocket push stream. It backs the integration tests and the telesim
// command.
package simulator

import (
	"cmp"
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/chosenoffset/telesync/pkg/telesync/clock"
	"github.com/chosenoffset/telesync/pkg/telesync/protocol"
	"github.com/chosenoffset/telesync/pkg/telesync/threshold"
)

const (
	// HistoryLimit caps every history response, newest rows kept.
	HistoryLimit = 200
	// CatalogLimit caps the tag catalog.
	CatalogLimit = 20
	// MaxHistory bounds the rows kept per tag.
	MaxHistory = 10000
)

// Sensor describes one simulated signal for the generator.
type Sensor struct {
	Tag       string
	Base      float64
	Amplitude float64
	Min       *float64
	Max       *float64
}

// DefaultSensors is the drilling rig used by telesim.
func DefaultSensors() []Sensor {
	return []Sensor{
		{Tag: "pressure_1", Base: 50, Amplitude: 30, Min: threshold.Bound(10), Max: threshold.Bound(90)},
		{Tag: "temp_1", Base: 70, Amplitude: 20, Max: threshold.Bound(85)},
		{Tag: "flow_1", Base: 20, Amplitude: 8, Min: threshold.Bound(12)},
		{Tag: "vibration_1", Base: 3, Amplitude: 2},
	}
}

type point struct {
	at    time.Time
	value float64
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithClock sets the clock used to stamp generated and published
// readings.
func WithClock(c clock.Clock) Option {
	return func(s *Simulator) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Simulator) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSeed makes the generator deterministic.
func WithSeed(seed uint64) Option {
	return func(s *Simulator) {
		s.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}

// Simulator holds the server-side state: readings, thresholds and
// incidents, plus the connected stream clients.
type Simulator struct {
	clock  clock.Clock
	logger *slog.Logger
	rng    *rand.Rand

	mu         sync.RWMutex
	sensors    map[string]Sensor
	order      []string
	history    map[string][]point
	thresholds map[string]threshold.Threshold
	incidentID int64
	failures   map[string]int

	clientsMu sync.RWMutex
	clients   map[*streamClient]bool

	router   *mux.Router
	upgrader websocket.Upgrader
}

// New creates a simulator publishing the given sensors. Sensor limits
// seed the threshold table.
func New(sensors []Sensor, opts ...Option) *Simulator {
	s := &Simulator{
		clock:      clock.Real(),
		logger:     slog.Default(),
		rng:        rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 1)),
		sensors:    make(map[string]Sensor),
		history:    make(map[string][]point),
		thresholds: make(map[string]threshold.Threshold),
		failures:   make(map[string]int),
		clients:    make(map[*streamClient]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "simulator")
	for _, sensor := range sensors {
		s.sensors[sensor.Tag] = sensor
		s.order = append(s.order, sensor.Tag)
		if sensor.Min != nil || sensor.Max != nil {
			s.thresholds[sensor.Tag] = threshold.Threshold{Tag: sensor.Tag, Min: sensor.Min, Max: sensor.Max}
		}
	}
	s.setupRoutes()
	return s
}

// Handler serves the REST API and the stream endpoint.
func (s *Simulator) Handler() http.Handler {
	return s.router
}

// SetThreshold replaces the limits of one tag.
func (s *Simulator) SetThreshold(t threshold.Threshold) {
	s.mu.Lock()
	s.thresholds[t.Tag] = t
	s.mu.Unlock()
}

// Thresholds returns the table sorted by tag.
func (s *Simulator) Thresholds() []threshold.Threshold {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]threshold.Threshold, 0, len(s.thresholds))
	for _, t := range s.thresholds {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b threshold.Threshold) int {
		return cmp.Compare(a.Tag, b.Tag)
	})
	return out
}

// Fail makes the REST resource at path answer with status until it is
// cleared with a zero status.
func (s *Simulator) Fail(path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.failures, path)
		return
	}
	s.failures[path] = status
}

func (s *Simulator) failure(path string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failures[path]
}

// Seed stores historical readings without pushing them.
func (s *Simulator) Seed(tag string, at time.Time, values ...float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureTagLocked(tag)
	for i, v := range values {
		s.appendLocked(tag, point{at: at.Add(time.Duration(i) * time.Second), value: v})
	}
}

// Publish records a reading, pushes it to the tag's subscribers and
// raises an incident when it breaks the tag's threshold. A zero at uses
// the simulator clock.
func (s *Simulator) Publish(tag string, value float64, at time.Time) {
	if at.IsZero() {
		at = s.clock.Now()
	}

	s.mu.Lock()
	s.ensureTagLocked(tag)
	s.appendLocked(tag, point{at: at, value: value})
	t, limited := s.thresholds[tag]
	var inc *protocol.IncidentPayload
	if limited {
		if c := t.Classify(value); c.Violated() {
			s.incidentID++
			ts := protocol.NewTimestamp(at)
			inc = &protocol.IncidentPayload{
				ID:            s.incidentID,
				Tag:           tag,
				Value:         value,
				ThresholdMin:  t.Min,
				ThresholdMax:  t.Max,
				ViolationType: c.String(),
				Timestamp:     &ts,
			}
		}
	}
	s.mu.Unlock()

	s.broadcast(tag, protocol.Envelope{
		Type: protocol.TypeSensorUpdate,
		Tag:  tag,
		Data: protocol.Reading{Timestamp: protocol.NewTimestamp(at), Value: value, Tag: tag},
	})
	if inc != nil {
		s.broadcast("", protocol.Envelope{Type: protocol.TypeIncidentAlert, Incident: inc})
	}
}

func (s *Simulator) ensureTagLocked(tag string) {
	if _, ok := s.history[tag]; ok {
		return
	}
	s.history[tag] = nil
	if _, ok := s.sensors[tag]; !ok {
		s.order = append(s.order, tag)
	}
}

func (s *Simulator) appendLocked(tag string, p point) {
	h := append(s.history[tag], p)
	if len(h) > MaxHistory {
		h = h[len(h)-MaxHistory:]
	}
	s.history[tag] = h
}

// latest returns the newest reading of tag.
func (s *Simulator) latest(tag string) (point, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := s.history[tag]
	if len(h) == 0 {
		return point{}, false
	}
	newest := h[0]
	for _, p := range h[1:] {
		if !p.at.Before(newest.at) {
			newest = p
		}
	}
	return newest, true
}

// Run generates a reading for every sensor each interval until ctx is
// done.
func (s *Simulator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	step := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			step++
			s.mu.RLock()
			tags := slices.Clone(s.order)
			s.mu.RUnlock()
			for _, tag := range tags {
				sensor, ok := s.sensors[tag]
				if !ok {
					continue
				}
				s.Publish(tag, s.sample(sensor, step), time.Time{})
			}
		}
	}
}

// Backfill stores generated history for every sensor covering span up
// to now, one reading per step. Nothing is pushed.
func (s *Simulator) Backfill(now time.Time, span, step time.Duration) {
	if span <= 0 || step <= 0 {
		return
	}
	n := int(span / step)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tag := range s.order {
		sensor, ok := s.sensors[tag]
		if !ok {
			continue
		}
		s.ensureTagLocked(tag)
		for i := n; i > 0; i-- {
			s.appendLocked(tag, point{at: now.Add(-time.Duration(i) * step), value: s.sample(sensor, n-i)})
		}
	}
}

// sample is a slow sine around Base with noise, occasionally spiking
// past the amplitude so thresholds trip.
func (s *Simulator) sample(sensor Sensor, step int) float64 {
	phase := float64(step) / 30 * 2 * math.Pi
	v := sensor.Base + sensor.Amplitude*0.8*math.Sin(phase) + sensor.Amplitude*0.2*(s.rng.Float64()*2-1)
	if s.rng.IntN(50) == 0 {
		v += sensor.Amplitude * 1.5 * float64(1-2*s.rng.IntN(2))
	}
	return math.Round(v*100) / 100
}
