package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// EventType identifies telephony media stream payload variants.
type EventType string

const (
	EventConnected EventType = "connected"
	EventStart     EventType = "start"
	EventMedia     EventType = "media"
	EventMark      EventType = "mark"
	EventStop      EventType = "stop"
	EventClear     EventType = "clear"
	EventDTMF      EventType = "dtmf"
)

var (
	ErrUnsupportedEvent = errors.New("unsupported event type")
	ErrMalformedEvent   = errors.New("malformed event")
)

type Envelope struct {
	Event EventType `json:"event"`
}

type Connected struct {
	Event    EventType `json:"event"`
	Protocol string    `json:"protocol"`
	Version  string    `json:"version"`
}

type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type StartPayload struct {
	AccountSID       string            `json:"accountSid"`
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
}

type Start struct {
	Event          EventType    `json:"event"`
	SequenceNumber string       `json:"sequenceNumber"`
	StreamSID      string       `json:"streamSid"`
	Start          StartPayload `json:"start"`
}

// CallerNumber returns the caller id passed through stream parameters.
func (s Start) CallerNumber() string {
	for _, key := range []string{"caller", "Caller", "from", "From"} {
		if v := strings.TrimSpace(s.Start.CustomParameters[key]); v != "" {
			return v
		}
	}
	return ""
}

type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type Media struct {
	Event          EventType    `json:"event"`
	SequenceNumber string       `json:"sequenceNumber,omitempty"`
	StreamSID      string       `json:"streamSid"`
	Media          MediaPayload `json:"media"`
}

// Audio decodes the base64 payload.
func (m Media) Audio() ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(m.Media.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: media payload: %v", ErrMalformedEvent, err)
	}
	return raw, nil
}

type MarkPayload struct {
	Name string `json:"name"`
}

type Mark struct {
	Event          EventType   `json:"event"`
	SequenceNumber string      `json:"sequenceNumber,omitempty"`
	StreamSID      string      `json:"streamSid"`
	Mark           MarkPayload `json:"mark"`
}

type StopPayload struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

type Stop struct {
	Event          EventType   `json:"event"`
	SequenceNumber string      `json:"sequenceNumber"`
	StreamSID      string      `json:"streamSid"`
	Stop           StopPayload `json:"stop"`
}

type Clear struct {
	Event     EventType `json:"event"`
	StreamSID string    `json:"streamSid"`
}

// ParseInboundEvent decodes one text message from the telephony media socket.
func ParseInboundEvent(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: invalid envelope: %v", ErrMalformedEvent, err)
	}

	switch env.Event {
	case EventConnected:
		var msg Connected
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		return msg, nil
	case EventStart:
		var msg Start
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		if msg.StreamSID == "" {
			msg.StreamSID = msg.Start.StreamSID
		}
		if msg.StreamSID == "" {
			return nil, fmt.Errorf("%w: start without streamSid", ErrMalformedEvent)
		}
		return msg, nil
	case EventMedia:
		var msg Media
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		return msg, nil
	case EventMark:
		var msg Mark
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		return msg, nil
	case EventStop:
		var msg Stop
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedEvent
	}
}

func NewOutboundMedia(streamSID string, audio []byte) Media {
	return Media{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media:     MediaPayload{Payload: base64.StdEncoding.EncodeToString(audio)},
	}
}

func NewClear(streamSID string) Clear {
	return Clear{Event: EventClear, StreamSID: streamSID}
}

func NewMark(streamSID, name string) Mark {
	return Mark{Event: EventMark, StreamSID: streamSID, Mark: MarkPayload{Name: name}}
}
