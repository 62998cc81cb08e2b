// Package threshold classifies sample values against the operator's
// per-tag limits.
package threshold

import (
	"sort"
	"sync"
)

// Classification is the outcome of checking a value against a tag's
// threshold.
type Classification int

const (
	OK Classification = iota
	BelowMin
	AboveMax
)

func (c Classification) String() string {
	switch c {
	case BelowMin:
		return "below_min"
	case AboveMax:
		return "above_max"
	default:
		return "ok"
	}
}

// Violated reports whether c is a limit violation.
func (c Classification) Violated() bool {
	return c != OK
}

// Threshold holds the limits for one tag. A nil bound is absent.
type Threshold struct {
	Tag string   `json:"tag"`
	Min *float64 `json:"min_value"`
	Max *float64 `json:"max_value"`
}

// Bound returns a pointer to v, for building thresholds inline.
func Bound(v float64) *float64 {
	return &v
}

// Classify checks value against t. A value under Min wins over a value
// above Max, which can only both hold when Min > Max.
func (t Threshold) Classify(value float64) Classification {
	if t.Min != nil && value < *t.Min {
		return BelowMin
	}
	if t.Max != nil && value > *t.Max {
		return AboveMax
	}
	return OK
}

// Evaluator holds the current threshold table. The table is only ever
// replaced wholesale.
type Evaluator struct {
	mu    sync.RWMutex
	table map[string]Threshold
}

// NewEvaluator creates an evaluator with an empty table.
func NewEvaluator() *Evaluator {
	return &Evaluator{table: make(map[string]Threshold)}
}

// SetThresholds replaces the table. Keys of table are authoritative;
// the Tag field of each entry is overwritten with its key.
func (e *Evaluator) SetThresholds(table map[string]Threshold) {
	next := make(map[string]Threshold, len(table))
	for tag, th := range table {
		th.Tag = tag
		next[tag] = th
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.table = next
}

// SetThresholdList replaces the table from a list as returned by the
// threshold collaborator. When a tag appears more than once the last
// entry wins.
func (e *Evaluator) SetThresholdList(list []Threshold) {
	table := make(map[string]Threshold, len(list))
	for _, th := range list {
		if th.Tag == "" {
			continue
		}
		table[th.Tag] = th
	}
	e.SetThresholds(table)
}

// Classify checks value against the threshold for tag. A tag without a
// threshold is always OK.
func (e *Evaluator) Classify(tag string, value float64) Classification {
	e.mu.RLock()
	th, ok := e.table[tag]
	e.mu.RUnlock()
	if !ok {
		return OK
	}
	return th.Classify(value)
}

// Check is Classify that also returns the threshold the value was
// judged against, read under the same lock.
func (e *Evaluator) Check(tag string, value float64) (Classification, Threshold) {
	e.mu.RLock()
	th, ok := e.table[tag]
	e.mu.RUnlock()
	if !ok {
		return OK, Threshold{Tag: tag}
	}
	return th.Classify(value), th
}

// Get returns the threshold for tag.
func (e *Evaluator) Get(tag string) (Threshold, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	th, ok := e.table[tag]
	return th, ok
}

// All returns the table sorted by tag.
func (e *Evaluator) All() []Threshold {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Threshold, 0, len(e.table))
	for _, th := range e.table {
		out = append(out, th)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out
}
