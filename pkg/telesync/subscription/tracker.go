// Package subscription turns the operator's tag selection into
// subscribe intents on the streaming connection.
package subscription

import (
	"log/slog"
	"slices"
	"sync"

	telerr "github.com/chosenoffset/telesync/internal/errors"
	"github.com/chosenoffset/telesync/pkg/telesync/conn"
	"github.com/chosenoffset/telesync/pkg/telesync/protocol"
)

// DefaultMaxSelected caps the selection when no limit is given.
const DefaultMaxSelected = 3

var (
	// ErrTooManyTags rejects a selection larger than the tracker's limit.
	ErrTooManyTags = telerr.New(telerr.ErrConfig,
		"selection exceeds the maximum number of tags",
		"deselect a tag before adding another")

	// ErrEmptyTag rejects a selection containing an empty tag.
	ErrEmptyTag = telerr.New(telerr.ErrConfig,
		"tag must not be empty",
		"pick tags from the catalog")
)

// Sender is the part of the connection manager the tracker needs.
type Sender interface {
	Send(protocol.Envelope) bool
	CurrentState() conn.State
}

// Diff describes an accepted selection change.
type Diff struct {
	Added   []string
	Removed []string
}

// Empty reports whether the change added or removed nothing.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// Tracker holds the selection and issues intents for it. Subscribe
// intents are not acknowledged; re-sending one for an already subscribed
// tag is harmless on the server.
type Tracker struct {
	sender        Sender
	maxSelected   int
	unsubscribe   bool
	requestLatest bool
	logger        *slog.Logger

	mu        sync.Mutex
	selection []string
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithUnsubscribe sends unsubscribe_sensor for every tag that leaves the
// selection.
func WithUnsubscribe() Option {
	return func(t *Tracker) { t.unsubscribe = true }
}

// WithLatestRequests follows each subscribe intent for a newly selected
// tag, and every tag after a reconnect, with get_latest_data.
func WithLatestRequests() Option {
	return func(t *Tracker) { t.requestLatest = true }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// New creates a tracker with an empty selection. Non-positive
// maxSelected falls back to DefaultMaxSelected.
func New(sender Sender, maxSelected int, opts ...Option) *Tracker {
	if maxSelected <= 0 {
		maxSelected = DefaultMaxSelected
	}
	t := &Tracker{
		sender:      sender,
		maxSelected: maxSelected,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "subscription")
	return t
}

// MaxSelected returns the selection limit.
func (t *Tracker) MaxSelected() int {
	return t.maxSelected
}

// Selection returns a copy of the selected tags in selection order.
func (t *Tracker) Selection() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.selection)
}

// SetSelection replaces the selection. Duplicates are collapsed, keeping
// the first occurrence. A selection with an empty tag or more than the
// limit is rejected and the current selection is kept; no intent is
// sent. When the set changes, one subscribe intent per selected tag is
// sent if the connection is up.
func (t *Tracker) SetSelection(tags []string) (Diff, error) {
	next := make([]string, 0, len(tags))
	for _, tag := range tags {
		if tag == "" {
			return Diff{}, ErrEmptyTag
		}
		if !slices.Contains(next, tag) {
			next = append(next, tag)
		}
	}
	if len(next) > t.maxSelected {
		t.logger.Warn("selection rejected", "requested", len(next), "max_selected", t.maxSelected)
		return Diff{}, ErrTooManyTags
	}

	t.mu.Lock()
	diff := Diff{}
	for _, tag := range next {
		if !slices.Contains(t.selection, tag) {
			diff.Added = append(diff.Added, tag)
		}
	}
	for _, tag := range t.selection {
		if !slices.Contains(next, tag) {
			diff.Removed = append(diff.Removed, tag)
		}
	}
	t.selection = next
	if diff.Empty() {
		t.mu.Unlock()
		return diff, nil
	}
	var out []protocol.Envelope
	if t.unsubscribe {
		for _, tag := range diff.Removed {
			out = append(out, protocol.Unsubscribe(tag))
		}
	}
	out = append(out, t.intentsLocked(diff.Added)...)
	t.mu.Unlock()

	t.logger.Debug("selection changed", "tags", next, "added", diff.Added, "removed", diff.Removed)
	t.send(out)
	return diff, nil
}

// StateChanged re-issues intents for the whole selection when the
// connection becomes Connected. Register it with
// conn.Manager.OnStateChange.
func (t *Tracker) StateChanged(s conn.State) {
	if s != conn.Connected {
		return
	}
	t.Resubscribe()
}

// Resubscribe sends a subscribe intent for every selected tag.
func (t *Tracker) Resubscribe() {
	t.mu.Lock()
	out := t.intentsLocked(t.selection)
	t.mu.Unlock()
	t.send(out)
}

// intentsLocked builds one subscribe per selected tag, plus latest-value
// requests for the fresh tags.
func (t *Tracker) intentsLocked(fresh []string) []protocol.Envelope {
	out := make([]protocol.Envelope, 0, len(t.selection)+len(fresh))
	for _, tag := range t.selection {
		out = append(out, protocol.Subscribe(tag))
	}
	if t.requestLatest {
		for _, tag := range fresh {
			out = append(out, protocol.GetLatestData(tag))
		}
	}
	return out
}

// send writes intents in order. While disconnected nothing is sent; the
// next Connected transition re-issues the subscriptions.
func (t *Tracker) send(out []protocol.Envelope) {
	if len(out) == 0 || t.sender.CurrentState() != conn.Connected {
		return
	}
	for _, env := range out {
		if !t.sender.Send(env) {
			return
		}
	}
}
