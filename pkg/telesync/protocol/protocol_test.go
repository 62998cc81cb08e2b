package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	telerr "github.com/chosenoffset/telesync/internal/errors"
)

func TestDecodeText(t *testing.T) {
	t.Run("SensorUpdate", func(t *testing.T) {
		frame := `{"type":"sensor_update","tag":"pressure_1","data":{"timestamp":"2026-03-01T12:00:00.250000+00:00","value":42.5,"tag":"pressure_1"}}`
		msg, err := Decode(TextFrame, []byte(frame))
		require.NoError(t, err)

		assert.Equal(t, TypeSensorUpdate, msg.Type)
		assert.Equal(t, "pressure_1", msg.Tag)
		require.NotNil(t, msg.Reading)
		assert.Equal(t, 42.5, msg.Reading.Value)
		assert.True(t, msg.Reading.Timestamp.Equal(time.Date(2026, 3, 1, 12, 0, 0, 250_000_000, time.UTC)))
	})

	t.Run("SensorUpdateTagFromData", func(t *testing.T) {
		frame := `{"type":"sensor_update","data":{"timestamp":"2026-03-01T12:00:00","value":1,"tag":"t9"}}`
		msg, err := Decode(TextFrame, []byte(frame))
		require.NoError(t, err)
		assert.Equal(t, "t9", msg.Tag)
	})

	t.Run("IncidentAlert", func(t *testing.T) {
		frame := `{"type":"incident_alert","incident":{"id":7,"tag":"t1","value":95,"threshold_min":10,"threshold_max":90,"violation_type":"above_max","timestamp":"2026-03-01T12:00:00Z"}}`
		msg, err := Decode(TextFrame, []byte(frame))
		require.NoError(t, err)
		require.NotNil(t, msg.Incident)
		assert.Equal(t, int64(7), msg.Incident.ID)
		assert.Equal(t, "above_max", msg.Incident.ViolationType)
		require.NotNil(t, msg.Incident.ThresholdMax)
		assert.Equal(t, 90.0, *msg.Incident.ThresholdMax)
	})

	t.Run("ConnectionEstablished", func(t *testing.T) {
		msg, err := Decode(TextFrame, []byte(`{"type":"connection_established","message":"hello"}`))
		require.NoError(t, err)
		assert.Equal(t, TypeConnectionEstablished, msg.Type)
		assert.Equal(t, "hello", msg.Text)
	})

	t.Run("Thresholds", func(t *testing.T) {
		frame := `{"type":"thresholds","data":[{"tag":"t1","min_value":10,"max_value":null},{"tag":"t2","min_value":null,"max_value":5}]}`
		msg, err := Decode(TextFrame, []byte(frame))
		require.NoError(t, err)
		require.Len(t, msg.Thresholds, 2)
		assert.Equal(t, 10.0, *msg.Thresholds[0].MinValue)
		assert.Nil(t, msg.Thresholds[0].MaxValue)
	})

	t.Run("LatestDataNull", func(t *testing.T) {
		msg, err := Decode(TextFrame, []byte(`{"type":"latest_data","tag":"t1","data":null}`))
		require.NoError(t, err)
		assert.Nil(t, msg.Reading)
	})

	t.Run("UnknownTypeIsNotAnError", func(t *testing.T) {
		msg, err := Decode(TextFrame, []byte(`{"type":"heartbeat"}`))
		require.NoError(t, err)
		assert.Equal(t, Type("heartbeat"), msg.Type)
	})
}

func TestDecodeMalformed(t *testing.T) {
	frames := map[string]string{
		"not json":            `{"type":`,
		"missing type":        `{"tag":"t1"}`,
		"sensor without data": `{"type":"sensor_update","tag":"t1"}`,
		"sensor without tag":  `{"type":"sensor_update","data":{"timestamp":"2026-03-01T12:00:00Z","value":1}}`,
		"bad timestamp":       `{"type":"sensor_update","tag":"t1","data":{"timestamp":"yesterday","value":1}}`,
		"incident missing":    `{"type":"incident_alert"}`,
		"incident bad kind":   `{"type":"incident_alert","incident":{"tag":"t1","value":1,"violation_type":"sideways"}}`,
		"value wrong type":    `{"type":"sensor_update","tag":"t1","data":{"timestamp":"2026-03-01T12:00:00Z","value":"high"}}`,
	}

	for name, frame := range frames {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(TextFrame, []byte(frame))
			require.Error(t, err)
			assert.True(t, telerr.IsCode(err, telerr.ErrParse), "got %v", err)
		})
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env := Envelope{
		Type: TypeSensorUpdate,
		Tag:  "pressure_1",
		Data: Reading{Timestamp: NewTimestamp(ts), Value: 12.25, Tag: "pressure_1"},
	}

	raw, err := Encode(BinaryFrame, env)
	require.NoError(t, err)

	msg, err := Decode(BinaryFrame, raw)
	require.NoError(t, err)
	require.NotNil(t, msg.Reading)
	assert.Equal(t, 12.25, msg.Reading.Value)
	assert.True(t, msg.Reading.Timestamp.Equal(ts))

	_, err = Decode(BinaryFrame, []byte{0xff, 0x00})
	assert.True(t, telerr.IsCode(err, telerr.ErrParse))
}

func TestEncodeRequests(t *testing.T) {
	raw, err := Encode(TextFrame, Subscribe("pressure_1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"subscribe_sensor","tag":"pressure_1"}`, string(raw))

	raw, err = Encode(TextFrame, GetThresholds())
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"get_thresholds"}`, string(raw))

	msg, err := Decode(TextFrame, mustEncode(t, Unsubscribe("t2")))
	require.NoError(t, err)
	assert.Equal(t, TypeUnsubscribeSensor, msg.Type)
	assert.Equal(t, "t2", msg.Tag)
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2026, 3, 1, 12, 0, 0, 123456000, time.UTC)
	for _, s := range []string{
		"2026-03-01T12:00:00.123456Z",
		"2026-03-01T12:00:00.123456+00:00",
		"2026-03-01T12:00:00.123456",
		"2026-03-01 12:00:00.123456",
	} {
		got, err := ParseTimestamp(s)
		require.NoError(t, err, s)
		assert.True(t, got.Equal(want), "%s -> %v", s, got)
	}

	var ts Timestamp
	require.NoError(t, ts.UnmarshalJSON([]byte(`1767268800.5`)))
	assert.Equal(t, int64(1767268800), ts.Unix())
	assert.Equal(t, 500_000_000, ts.Nanosecond())
}

func mustEncode(t *testing.T, env Envelope) []byte {
	t.Helper()
	raw, err := Encode(TextFrame, env)
	require.NoError(t, err)
	return raw
}

func BenchmarkDecodeSensorUpdate(b *testing.B) {
	frame := []byte(`{"type":"sensor_update","tag":"pressure_1","data":{"timestamp":"2026-03-01T12:00:00.250000+00:00","value":42.5}}`)
	for i := 0; i < b.N; i++ {
		if _, err := Decode(TextFrame, frame); err != nil {
			b.Fatal(err)
		}
	}
}
