package telesync

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	telerr "github.com/chosenoffset/telesync/internal/errors"
	"github.com/chosenoffset/telesync/pkg/telesync/actions"
	"github.com/chosenoffset/telesync/pkg/telesync/clock"
	"github.com/chosenoffset/telesync/pkg/telesync/collab"
	"github.com/chosenoffset/telesync/pkg/telesync/conn"
	"github.com/chosenoffset/telesync/pkg/telesync/incident"
	"github.com/chosenoffset/telesync/pkg/telesync/metrics"
	"github.com/chosenoffset/telesync/pkg/telesync/protocol"
	"github.com/chosenoffset/telesync/pkg/telesync/series"
	"github.com/chosenoffset/telesync/pkg/telesync/snapshot"
	"github.com/chosenoffset/telesync/pkg/telesync/subscription"
	"github.com/chosenoffset/telesync/pkg/telesync/threshold"
)

// Collaborator is the request/response API that owns the tag catalog,
// the threshold table and the sensor history. *collab.Client
// implements it.
type Collaborator interface {
	Tags(ctx context.Context) ([]string, error)
	Thresholds(ctx context.Context) ([]threshold.Threshold, error)
	History(ctx context.Context, tag string) ([]series.Sample, error)
}

// Options configures a Session. Zero values select the defaults.
type Options struct {
	// APIURL is the root of the collaborator API. Ignored when
	// Collaborator is set.
	APIURL string
	// StreamURL is the websocket endpoint of the push stream.
	StreamURL string
	// HistoryRange is passed to history requests ("1h", "24h", "7d").
	HistoryRange string
	// RequestTimeout bounds each collaborator request.
	RequestTimeout time.Duration

	Limits Limits

	ReconnectDelay time.Duration
	Debounce       time.Duration
	// BinaryFrames sends CBOR binary frames instead of JSON text frames.
	BinaryFrames bool

	// UnsubscribeOnDeselect sends unsubscribe_sensor for deselected tags.
	UnsubscribeOnDeselect bool
	// RequestLatest asks for the latest value of each newly selected tag.
	RequestLatest bool
	// OrderedInsert places late live samples at their chronological
	// position instead of appending them.
	OrderedInsert bool

	// InitialTags is the selection the session starts with.
	InitialTags []string

	Collaborator Collaborator
	Dialer       conn.Dialer
	Clock        clock.Clock
	Logger       *slog.Logger
	Metrics      *metrics.Collectors
	Actions      *actions.ActionRegistry
}

// ChangeKind tells a listener what changed.
type ChangeKind string

const (
	ChangeConnection ChangeKind = "connection"
	ChangeSelection  ChangeKind = "selection"
	ChangeSeries     ChangeKind = "series"
	ChangeThresholds ChangeKind = "thresholds"
	ChangeIncident   ChangeKind = "incident"
	ChangeError      ChangeKind = "error"
)

// Change describes one mutation of the session's state.
type Change struct {
	Kind     ChangeKind
	Tag      string
	State    conn.State
	Incident *incident.Incident
	Err      error
}

// State is a consistent read of everything a consumer renders.
type State struct {
	Connection conn.State                 `json:"connection"`
	Selection  []string                   `json:"selection"`
	Series     map[string][]series.Sample `json:"series"`
	Incidents  []incident.Incident        `json:"incidents"`
	Thresholds []threshold.Threshold      `json:"thresholds"`
	LastError  string                     `json:"last_error,omitempty"`
}

// Session owns every component of one monitoring session and wires the
// data flow between them. It is safe for concurrent use.
type Session struct {
	opts    Options
	limits  Limits
	logger  *slog.Logger
	clock   clock.Clock
	metrics *metrics.Collectors
	actions *actions.ActionRegistry
	collab  Collaborator

	conn       *conn.Manager
	tracker    *subscription.Tracker
	store      *series.Store
	thresholds *threshold.Evaluator
	incidents  *incident.Log
	loader     *snapshot.Loader

	mu        sync.RWMutex
	lastErr   error
	listeners []func(Change)
	running   bool
	stopped   bool
}

// New builds a session from opts. Nothing touches the network until
// Start is called.
func New(opts Options) (*Session, error) {
	limits := opts.Limits.withDefaults()
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	if opts.StreamURL == "" {
		return nil, telerr.New(telerr.ErrConfig, "stream URL is required",
			"set upstream.ws_url, for example ws://localhost:8000/ws/monitoring/")
	}

	s := &Session{
		opts:       opts,
		limits:     limits,
		logger:     opts.Logger,
		clock:      opts.Clock,
		metrics:    opts.Metrics,
		actions:    opts.Actions,
		collab:     opts.Collaborator,
		thresholds: threshold.NewEvaluator(),
		incidents:  incident.NewLog(limits.IncidentCapacity),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	if s.actions == nil {
		s.actions = actions.NewActionRegistry()
		s.actions.RegisterHandler(actions.LogAction, actions.NewLogHandler(s.logger))
	}
	if s.collab == nil {
		c, err := collab.New(opts.APIURL,
			collab.WithHTTPClient(&http.Client{Transport: s.metrics.InstrumentRoundTripper(nil)}),
			collab.WithTimeout(opts.RequestTimeout),
			collab.WithHistoryRange(opts.HistoryRange),
			collab.WithLogger(s.logger),
			collab.WithObserver(s.metrics))
		if err != nil {
			return nil, err
		}
		s.collab = c
	}

	var storeOpts []series.Option
	if opts.OrderedInsert {
		storeOpts = append(storeOpts, series.WithOrderedInsert())
	}
	s.store = series.NewStore(limits.LiveCapacity, limits.SnapshotCapacity, storeOpts...)

	connOpts := []conn.Option{
		conn.WithClock(s.clock),
		conn.WithReconnectDelay(opts.ReconnectDelay),
		conn.WithLogger(s.logger),
		conn.WithObserver(s.metrics),
	}
	if opts.Dialer != nil {
		connOpts = append(connOpts, conn.WithDialer(opts.Dialer))
	}
	if opts.BinaryFrames {
		connOpts = append(connOpts, conn.WithBinaryFrames())
	}
	s.conn = conn.New(opts.StreamURL, connOpts...)

	trackerOpts := []subscription.Option{subscription.WithLogger(s.logger)}
	if opts.UnsubscribeOnDeselect {
		trackerOpts = append(trackerOpts, subscription.WithUnsubscribe())
	}
	if opts.RequestLatest {
		trackerOpts = append(trackerOpts, subscription.WithLatestRequests())
	}
	s.tracker = subscription.New(s.conn, limits.MaxSelected, trackerOpts...)

	s.loader = snapshot.New(s.collab, s.applyBatch,
		snapshot.WithClock(s.clock),
		snapshot.WithDebounce(opts.Debounce),
		snapshot.WithMaxPoints(limits.SnapshotCapacity),
		snapshot.WithLogger(s.logger),
		snapshot.WithObserver(s.metrics))

	if len(opts.InitialTags) > 0 {
		if _, err := s.tracker.SetSelection(opts.InitialTags); err != nil {
			return nil, err
		}
		s.metrics.SelectionSize(len(s.tracker.Selection()))
	}

	s.conn.OnStateChange(s.tracker.StateChanged)
	s.conn.OnStateChange(s.stateChanged)
	s.conn.OnMessage(s.handleMessage)
	return s, nil
}

// Start loads the threshold table, opens the stream and requests the
// snapshot for the initial selection. A failed threshold fetch is
// reported through LastError and OnChange; it does not stop the session.
// Start is idempotent.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	if s.stopped {
		s.mu.Unlock()
		return telerr.New(telerr.ErrConfig, "session already stopped", "create a new session")
	}
	s.running = true
	s.mu.Unlock()

	_ = s.RefreshThresholds(ctx)
	s.conn.Connect()
	if sel := s.tracker.Selection(); len(sel) > 0 {
		s.loader.Request(sel)
	}
	s.logger.Info("session started", "stream_url", s.opts.StreamURL, "selection", s.tracker.Selection())
	return nil
}

// Stop closes the stream for good and cancels pending snapshot work.
// Stop is idempotent.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.running = false
	s.mu.Unlock()

	s.loader.Close()
	s.conn.Close()
	s.logger.Info("session stopped")
}

// Select replaces the tag selection. A selection over the limit or with
// an empty tag is rejected with a CONFIG error and nothing changes.
// Otherwise the buffers of deselected tags are dropped, subscribe
// intents go out and a debounced snapshot is requested.
func (s *Session) Select(tags []string) error {
	diff, err := s.tracker.SetSelection(tags)
	if err != nil {
		s.setError(err)
		return err
	}
	if diff.Empty() {
		return nil
	}

	sel := s.tracker.Selection()
	s.store.Retain(sel)
	s.metrics.SelectionSize(len(sel))
	if len(sel) > 0 {
		s.loader.Request(sel)
	} else {
		s.loader.Cancel()
	}
	s.emit(Change{Kind: ChangeSelection})
	return nil
}

// RefreshThresholds replaces the threshold table with the
// collaborator's. On failure the current table is kept.
func (s *Session) RefreshThresholds(ctx context.Context) error {
	list, err := s.collab.Thresholds(ctx)
	if err != nil {
		s.logger.Error("threshold refresh failed", "error", err)
		s.setError(err)
		return err
	}
	s.thresholds.SetThresholdList(list)
	s.logger.Debug("thresholds refreshed", "count", len(list))
	s.emit(Change{Kind: ChangeThresholds})
	return nil
}

// Catalog returns the tags the collaborator knows about.
func (s *Session) Catalog(ctx context.Context) ([]string, error) {
	tags, err := s.collab.Tags(ctx)
	if err != nil {
		s.logger.Error("catalog fetch failed", "error", err)
		s.setError(err)
		return nil, err
	}
	return tags, nil
}

// Series returns the buffer for tag; empty when the tag has none yet.
func (s *Session) Series(tag string) []series.Sample {
	return s.store.Get(tag)
}

// Incidents returns the incident log, newest first.
func (s *Session) Incidents() []incident.Incident {
	return s.incidents.List()
}

// ConnectionState returns the streaming connection state.
func (s *Session) ConnectionState() conn.State {
	return s.conn.CurrentState()
}

// Selection returns the selected tags.
func (s *Session) Selection() []string {
	return s.tracker.Selection()
}

// Thresholds returns the threshold table sorted by tag.
func (s *Session) Thresholds() []threshold.Threshold {
	return s.thresholds.All()
}

// Limits returns the effective limits.
func (s *Session) Limits() Limits {
	return s.limits
}

// Metrics returns the session's collectors.
func (s *Session) Metrics() *metrics.Collectors {
	return s.metrics
}

// LastError returns the most recent user-visible error, or nil.
func (s *Session) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// View returns the consumer-facing state in one value.
func (s *Session) View() State {
	sel := s.tracker.Selection()
	st := State{
		Connection: s.conn.CurrentState(),
		Selection:  sel,
		Series:     make(map[string][]series.Sample, len(sel)),
		Incidents:  s.incidents.List(),
		Thresholds: s.thresholds.All(),
	}
	for _, tag := range sel {
		st.Series[tag] = s.store.Get(tag)
	}
	if err := s.LastError(); err != nil {
		st.LastError = err.Error()
	}
	return st
}

// OnChange registers fn to be called after every mutation. Listeners
// may run concurrently from the stream and snapshot goroutines and must
// not block.
func (s *Session) OnChange(fn func(Change)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Session) emit(c Change) {
	s.mu.RLock()
	listeners := slices.Clone(s.listeners)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(c)
	}
}

func (s *Session) setError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	s.emit(Change{Kind: ChangeError, Err: err})
}

func (s *Session) stateChanged(st conn.State) {
	if st == conn.Connected {
		s.conn.Send(protocol.GetThresholds())
	}
	s.emit(Change{Kind: ChangeConnection, State: st})
}

func (s *Session) selected(tag string) bool {
	return slices.Contains(s.tracker.Selection(), tag)
}

// applyBatch merges a snapshot batch. Results for tags that left the
// selection while the batch was in flight are discarded; failed tags
// keep their buffers.
func (s *Session) applyBatch(b snapshot.Batch) {
	for _, r := range b.Results {
		if !s.selected(r.Tag) {
			continue
		}
		if r.Err != nil {
			s.setError(r.Err)
			continue
		}
		s.store.LoadSnapshot(r.Tag, r.Samples)
		s.emit(Change{Kind: ChangeSeries, Tag: r.Tag})
	}
}

func (s *Session) handleMessage(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeSensorUpdate, protocol.TypeLatestData:
		if msg.Reading != nil {
			s.applyReading(msg.Tag, *msg.Reading)
		}
	case protocol.TypeIncidentAlert:
		s.applyServerIncident(*msg.Incident)
	case protocol.TypeThresholds:
		list := make([]threshold.Threshold, 0, len(msg.Thresholds))
		for _, p := range msg.Thresholds {
			list = append(list, threshold.Threshold{Tag: p.Tag, Min: p.MinValue, Max: p.MaxValue})
		}
		s.thresholds.SetThresholdList(list)
		s.emit(Change{Kind: ChangeThresholds})
	case protocol.TypeConnectionEstablished:
		s.logger.Info("server greeting", "message", msg.Text)
	case protocol.TypeSubscribed, protocol.TypeUnsubscribed:
		s.logger.Debug("subscription acknowledged", "type", msg.Type, "tag", msg.Tag)
	case protocol.TypeError:
		s.logger.Warn("server reported an error", "message", msg.Text)
	default:
		s.logger.Debug("ignoring message", "type", msg.Type)
	}
}

// applyReading appends a live sample and records a client incident when
// it violates the tag's threshold.
func (s *Session) applyReading(tag string, r protocol.Reading) {
	if !s.selected(tag) {
		s.logger.Debug("reading for unselected tag", "tag", tag)
		return
	}
	sample := series.Sample{Timestamp: r.Timestamp.Time, Value: r.Value}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = s.clock.Now()
	}
	s.store.AppendLive(tag, sample)
	s.metrics.SampleAppended()
	s.emit(Change{Kind: ChangeSeries, Tag: tag})

	c, th := s.thresholds.Check(tag, r.Value)
	if !c.Violated() {
		return
	}
	s.record(incident.Incident{
		Tag:          tag,
		Value:        r.Value,
		Violation:    violation(c),
		ThresholdMin: th.Min,
		ThresholdMax: th.Max,
		ObservedAt:   sample.Timestamp,
		Source:       incident.SourceClient,
	})
}

func (s *Session) applyServerIncident(p protocol.IncidentPayload) {
	inc := incident.Incident{
		ID:           p.ID,
		Tag:          p.Tag,
		Value:        p.Value,
		Violation:    incident.Violation(p.ViolationType),
		ThresholdMin: p.ThresholdMin,
		ThresholdMax: p.ThresholdMax,
		Source:       incident.SourceServer,
	}
	if p.Timestamp != nil {
		inc.ObservedAt = p.Timestamp.Time
	}
	if inc.ObservedAt.IsZero() {
		inc.ObservedAt = s.clock.Now()
	}
	s.record(inc)
}

func (s *Session) record(inc incident.Incident) {
	s.incidents.Record(inc)
	s.metrics.IncidentRecorded(string(inc.Source), string(inc.Violation))
	if err := s.actions.Dispatch(inc); err != nil {
		s.logger.Warn("incident action failed", "tag", inc.Tag, "error", err)
	}
	s.emit(Change{Kind: ChangeIncident, Tag: inc.Tag, Incident: &inc})
}

func violation(c threshold.Classification) incident.Violation {
	if c == threshold.BelowMin {
		return incident.BelowMin
	}
	return incident.AboveMax
}
