package simulator

import (
	"encoding/json"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/chosenoffset/telesync/pkg/telesync/protocol"
	"github.com/chosenoffset/telesync/pkg/telesync/threshold"
)

// Paths served by the simulator.
const (
	TagsPath       = "/api/data/tags/"
	HistoryPath    = "/api/data/"
	ThresholdsPath = "/api/thresholds/"
	StreamPath     = "/ws/monitoring/"
)

var ranges = map[string]time.Duration{
	"1h":  time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
}

func (s *Simulator) setupRoutes() {
	r := mux.NewRouter()
	r.Use(s.injectFailures)
	r.HandleFunc(TagsPath, s.handleTags).Methods(http.MethodGet)
	r.HandleFunc(HistoryPath, s.handleHistory).Methods(http.MethodGet)
	r.HandleFunc(ThresholdsPath, s.handleThresholds).Methods(http.MethodGet)
	r.HandleFunc(ThresholdsPath, s.handleSetThreshold).Methods(http.MethodPost)
	r.HandleFunc(StreamPath, s.handleStream)
	s.router = r
}

func (s *Simulator) injectFailures(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status := s.failure(r.URL.Path); status != 0 {
			writeJSON(w, status, map[string]string{"detail": http.StatusText(status)})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Simulator) handleTags(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	tags := make([]string, 0, len(s.order))
	for _, tag := range s.order {
		if len(s.history[tag]) > 0 {
			tags = append(tags, tag)
		}
		if len(tags) == CatalogLimit {
			break
		}
	}
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, map[string][]string{"tags": tags})
}

type historyRow struct {
	ID        int                `json:"id"`
	Timestamp protocol.Timestamp `json:"timestamp"`
	Tag       string             `json:"tag"`
	Value     string             `json:"value"`
}

// handleHistory answers with the newest HistoryLimit readings inside the
// requested range, oldest first. Values are decimal strings. An unknown
// range falls back to one hour.
func (s *Simulator) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tag := q.Get("tag")

	var cutoff time.Time
	if rng := q.Get("range"); rng != "" {
		d, ok := ranges[rng]
		if !ok {
			d = time.Hour
		}
		cutoff = s.clock.Now().Add(-d)
	}

	s.mu.RLock()
	var rows []historyRow
	for _, t := range s.order {
		if tag != "" && t != tag {
			continue
		}
		for i, p := range s.history[t] {
			if p.at.Before(cutoff) {
				continue
			}
			rows = append(rows, historyRow{
				ID:        i + 1,
				Timestamp: protocol.NewTimestamp(p.at),
				Tag:       t,
				Value:     formatDecimal(p.value),
			})
		}
	}
	s.mu.RUnlock()

	slices.SortStableFunc(rows, func(a, b historyRow) int {
		return a.Timestamp.Compare(b.Timestamp.Time)
	})
	if len(rows) > HistoryLimit {
		rows = rows[len(rows)-HistoryLimit:]
	}
	if rows == nil {
		rows = []historyRow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(rows), "results": rows})
}

type thresholdRow struct {
	Tag      string  `json:"tag"`
	MinValue *string `json:"min_value"`
	MaxValue *string `json:"max_value"`
}

func (s *Simulator) handleThresholds(w http.ResponseWriter, r *http.Request) {
	table := s.Thresholds()
	rows := make([]thresholdRow, 0, len(table))
	for _, t := range table {
		rows = append(rows, thresholdRow{Tag: t.Tag, MinValue: decimalPtr(t.Min), MaxValue: decimalPtr(t.Max)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(rows), "results": rows})
}

type setThresholdRequest struct {
	Tag      string   `json:"tag"`
	MinValue *float64 `json:"min_value"`
	MaxValue *float64 `json:"max_value"`
}

// handleSetThreshold creates or replaces a tag's limits.
func (s *Simulator) handleSetThreshold(w http.ResponseWriter, r *http.Request) {
	var req setThresholdRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid JSON body"})
		return
	}
	if req.Tag == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "tag is required"})
		return
	}
	if req.MinValue != nil && req.MaxValue != nil && *req.MinValue >= *req.MaxValue {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "min_value must be below max_value"})
		return
	}
	t := threshold.Threshold{Tag: req.Tag, Min: req.MinValue, Max: req.MaxValue}
	s.SetThreshold(t)
	s.logger.Info("threshold updated", "tag", t.Tag)
	writeJSON(w, http.StatusOK, thresholdRow{Tag: t.Tag, MinValue: decimalPtr(t.Min), MaxValue: decimalPtr(t.Max)})
}

func formatDecimal(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func decimalPtr(v *float64) *string {
	if v == nil {
		return nil
	}
	s := formatDecimal(*v)
	return &s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
