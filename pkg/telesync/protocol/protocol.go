// Package protocol defines the streaming messages exchanged with the
// monitoring server.
//
// Every frame is a record with a "type" discriminator. Text frames carry
// JSON; binary frames carry the same record encoded as CBOR. The decoder
// accepts both so the transport can be switched without touching the
// core.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	telerr "github.com/chosenoffset/telesync/internal/errors"
)

// FrameType mirrors the websocket opcode of a frame.
type FrameType int

const (
	TextFrame   FrameType = 1
	BinaryFrame FrameType = 2
)

// Type is the message discriminator.
type Type string

// Server to client.
const (
	TypeConnectionEstablished Type = "connection_established"
	TypeSensorUpdate          Type = "sensor_update"
	TypeIncidentAlert         Type = "incident_alert"
	TypeSubscribed            Type = "subscribed"
	TypeUnsubscribed          Type = "unsubscribed"
	TypeLatestData            Type = "latest_data"
	TypeThresholds            Type = "thresholds"
	TypeError                 Type = "error"
)

// Client to server.
const (
	TypeSubscribeSensor   Type = "subscribe_sensor"
	TypeUnsubscribeSensor Type = "unsubscribe_sensor"
	TypeGetLatestData     Type = "get_latest_data"
	TypeGetThresholds     Type = "get_thresholds"
)

// Reading is the data of a sensor_update or latest_data message.
type Reading struct {
	Timestamp Timestamp `json:"timestamp" cbor:"timestamp"`
	Value     float64   `json:"value" cbor:"value"`
	Tag       string    `json:"tag,omitempty" cbor:"tag,omitempty"`
}

// IncidentPayload is a server-classified violation.
type IncidentPayload struct {
	ID            int64      `json:"id,omitempty" cbor:"id,omitempty"`
	Tag           string     `json:"tag" cbor:"tag"`
	Value         float64    `json:"value" cbor:"value"`
	ThresholdMin  *float64   `json:"threshold_min,omitempty" cbor:"threshold_min,omitempty"`
	ThresholdMax  *float64   `json:"threshold_max,omitempty" cbor:"threshold_max,omitempty"`
	ViolationType string     `json:"violation_type" cbor:"violation_type"`
	Timestamp     *Timestamp `json:"timestamp,omitempty" cbor:"timestamp,omitempty"`
}

// ThresholdPayload is one row of a thresholds message.
type ThresholdPayload struct {
	Tag      string   `json:"tag" cbor:"tag"`
	MinValue *float64 `json:"min_value" cbor:"min_value"`
	MaxValue *float64 `json:"max_value" cbor:"max_value"`
}

// Envelope is the wire shape of every frame. Data holds a Reading, a
// []ThresholdPayload, or nothing, depending on Type.
type Envelope struct {
	Type     Type             `json:"type" cbor:"type"`
	Message  string           `json:"message,omitempty" cbor:"message,omitempty"`
	Tag      string           `json:"tag,omitempty" cbor:"tag,omitempty"`
	Data     any              `json:"data,omitempty" cbor:"data,omitempty"`
	Incident *IncidentPayload `json:"incident,omitempty" cbor:"incident,omitempty"`
}

// Message is a decoded frame with its data resolved by type.
type Message struct {
	Type       Type
	Text       string
	Tag        string
	Reading    *Reading
	Incident   *IncidentPayload
	Thresholds []ThresholdPayload
}

// Subscribe builds a subscribe_sensor request.
func Subscribe(tag string) Envelope {
	return Envelope{Type: TypeSubscribeSensor, Tag: tag}
}

// Unsubscribe builds an unsubscribe_sensor request.
func Unsubscribe(tag string) Envelope {
	return Envelope{Type: TypeUnsubscribeSensor, Tag: tag}
}

// GetLatestData builds a get_latest_data request.
func GetLatestData(tag string) Envelope {
	return Envelope{Type: TypeGetLatestData, Tag: tag}
}

// GetThresholds builds a get_thresholds request.
func GetThresholds() Envelope {
	return Envelope{Type: TypeGetThresholds}
}

// Encode serialises env for the given frame type.
func Encode(ft FrameType, env Envelope) ([]byte, error) {
	if ft == BinaryFrame {
		return cbor.Marshal(env)
	}
	return json.Marshal(env)
}

// Decode parses one frame. Frames that cannot be parsed, or whose
// required fields are missing, return an ErrParse error. Unknown types
// decode without error so callers can ignore them.
func Decode(ft FrameType, data []byte) (Message, error) {
	var (
		msg Message
		err error
	)
	switch ft {
	case BinaryFrame:
		msg, err = decodeEnvelope[cbor.RawMessage](data, cbor.Unmarshal)
	default:
		msg, err = decodeEnvelope[json.RawMessage](data, json.Unmarshal)
	}
	if err != nil {
		return Message{}, telerr.Wrap(err, telerr.ErrParse, "malformed frame")
	}
	if err := validate(msg); err != nil {
		return Message{}, telerr.Wrap(err, telerr.ErrParse, "invalid "+string(msg.Type)+" frame")
	}
	return msg, nil
}

func decodeEnvelope[R json.RawMessage | cbor.RawMessage](data []byte, unmarshal func([]byte, any) error) (Message, error) {
	var env struct {
		Type     Type             `json:"type" cbor:"type"`
		Message  string           `json:"message" cbor:"message"`
		Tag      string           `json:"tag" cbor:"tag"`
		Data     R                `json:"data" cbor:"data"`
		Incident *IncidentPayload `json:"incident" cbor:"incident"`
	}
	if err := unmarshal(data, &env); err != nil {
		return Message{}, err
	}

	msg := Message{
		Type:     env.Type,
		Text:     env.Message,
		Tag:      env.Tag,
		Incident: env.Incident,
	}
	if len(env.Data) == 0 {
		return msg, nil
	}

	switch env.Type {
	case TypeSensorUpdate, TypeLatestData:
		if err := unmarshal([]byte(env.Data), &msg.Reading); err != nil {
			return Message{}, fmt.Errorf("data: %w", err)
		}
	case TypeThresholds:
		if err := unmarshal([]byte(env.Data), &msg.Thresholds); err != nil {
			return Message{}, fmt.Errorf("data: %w", err)
		}
	}

	if msg.Tag == "" && msg.Reading != nil {
		msg.Tag = msg.Reading.Tag
	}
	return msg, nil
}

func validate(msg Message) error {
	switch msg.Type {
	case "":
		return fmt.Errorf("missing type")
	case TypeSensorUpdate:
		if msg.Tag == "" {
			return fmt.Errorf("missing tag")
		}
		if msg.Reading == nil {
			return fmt.Errorf("missing data")
		}
	case TypeIncidentAlert:
		if msg.Incident == nil {
			return fmt.Errorf("missing incident")
		}
		if msg.Incident.Tag == "" {
			return fmt.Errorf("missing incident tag")
		}
		switch msg.Incident.ViolationType {
		case "below_min", "above_max":
		default:
			return fmt.Errorf("unknown violation type %q", msg.Incident.ViolationType)
		}
	case TypeSubscribeSensor, TypeUnsubscribeSensor, TypeGetLatestData:
		if msg.Tag == "" {
			return fmt.Errorf("missing tag")
		}
	}
	return nil
}
