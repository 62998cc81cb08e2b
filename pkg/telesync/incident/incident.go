// Package incident keeps the bounded, newest-first list of threshold
// violations shown to the operator.
package incident

import (
	"sync"
	"time"
)

// DefaultCapacity is the number of incidents kept when none is given.
const DefaultCapacity = 6

// Violation names the limit that was crossed.
type Violation string

const (
	BelowMin Violation = "below_min"
	AboveMax Violation = "above_max"
)

// Source tells which producer classified the incident.
type Source string

const (
	// SourceClient incidents were classified locally against the
	// threshold table.
	SourceClient Source = "client"
	// SourceServer incidents arrived pre-classified on the stream.
	SourceServer Source = "server"
)

// Incident is an immutable record of one violation.
type Incident struct {
	ID           int64     `json:"id,omitempty"`
	Tag          string    `json:"tag"`
	Value        float64   `json:"value"`
	Violation    Violation `json:"violation_type"`
	ThresholdMin *float64  `json:"threshold_min,omitempty"`
	ThresholdMax *float64  `json:"threshold_max,omitempty"`
	ObservedAt   time.Time `json:"observed_at"`
	Source       Source    `json:"source"`
}

// Log is the bounded incident list. Index 0 is the newest incident.
type Log struct {
	mu        sync.RWMutex
	incidents []Incident
	capacity  int
}

// NewLog creates a log holding at most capacity incidents. A
// non-positive capacity uses DefaultCapacity.
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		incidents: make([]Incident, 0, capacity),
		capacity:  capacity,
	}
}

// Record puts inc at the front of the log and drops the oldest entries
// beyond capacity. Repeated violations are not deduplicated.
func (l *Log) Record(inc Incident) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.incidents) < l.capacity {
		l.incidents = append(l.incidents, Incident{})
	}
	copy(l.incidents[1:], l.incidents[:len(l.incidents)-1])
	l.incidents[0] = inc
}

// List returns the incidents newest first.
func (l *Log) List() []Incident {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Incident, len(l.incidents))
	copy(out, l.incidents)
	return out
}

// Len returns the number of incidents held.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.incidents)
}

// Capacity returns the log bound.
func (l *Log) Capacity() int { return l.capacity }
