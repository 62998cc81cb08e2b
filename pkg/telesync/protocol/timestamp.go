package protocol

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Timestamp accepts the time formats the monitoring server emits:
// ISO 8601 strings with or without an offset (naive values are taken as
// UTC), and Unix seconds as a number. It is written back as RFC 3339.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp parses an ISO 8601 timestamp.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// NewTimestamp wraps t.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return t.set(v)
}

func (t Timestamp) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(t.UTC().Format(time.RFC3339Nano))
}

func (t *Timestamp) UnmarshalCBOR(b []byte) error {
	var v any
	if err := cbor.Unmarshal(b, &v); err != nil {
		return err
	}
	return t.set(v)
}

func (t *Timestamp) set(v any) error {
	switch x := v.(type) {
	case string:
		parsed, err := ParseTimestamp(x)
		if err != nil {
			return err
		}
		t.Time = parsed
	case time.Time:
		t.Time = x
	case float64:
		sec, frac := math.Modf(x)
		t.Time = time.Unix(int64(sec), int64(frac*1e9)).UTC()
	case uint64:
		t.Time = time.Unix(int64(x), 0).UTC()
	case int64:
		t.Time = time.Unix(x, 0).UTC()
	case nil:
		t.Time = time.Time{}
	default:
		return fmt.Errorf("unsupported timestamp type %T", v)
	}
	return nil
}
