package telesync

import (
	"fmt"

	telerr "github.com/chosenoffset/telesync/internal/errors"
	"github.com/chosenoffset/telesync/pkg/telesync/incident"
	"github.com/chosenoffset/telesync/pkg/telesync/series"
	"github.com/chosenoffset/telesync/pkg/telesync/subscription"
)

// Limits bounds the memory and the number of live streams a session
// holds.
type Limits struct {
	MaxSelected      int // Maximum number of selected tags
	LiveCapacity     int // Samples kept per tag under live appends
	SnapshotCapacity int // Points kept per tag after a snapshot load
	IncidentCapacity int // Incidents kept in the log
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxSelected:      subscription.DefaultMaxSelected,
		LiveCapacity:     series.DefaultLiveCapacity,
		SnapshotCapacity: series.DefaultSnapshotCapacity,
		IncidentCapacity: incident.DefaultCapacity,
	}
}

// Validate rejects non-positive limits.
func (l Limits) Validate() error {
	checks := []struct {
		name  string
		value int
	}{
		{"max_selected", l.MaxSelected},
		{"live_capacity", l.LiveCapacity},
		{"snapshot_capacity", l.SnapshotCapacity},
		{"incident_capacity", l.IncidentCapacity},
	}
	for _, c := range checks {
		if c.value < 1 {
			return telerr.New(telerr.ErrConfig,
				fmt.Sprintf("limit %s must be at least 1, got %d", c.name, c.value),
				"remove the setting to use the default")
		}
	}
	return nil
}

// withDefaults fills zero fields from DefaultLimits.
func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxSelected == 0 {
		l.MaxSelected = d.MaxSelected
	}
	if l.LiveCapacity == 0 {
		l.LiveCapacity = d.LiveCapacity
	}
	if l.SnapshotCapacity == 0 {
		l.SnapshotCapacity = d.SnapshotCapacity
	}
	if l.IncidentCapacity == 0 {
		l.IncidentCapacity = d.IncidentCapacity
	}
	return l
}
