package voice

import (
	"context"
	"errors"
)

var (
	ErrSessionClosed  = errors.New("voice session closed")
	ErrUpstreamClosed = errors.New("upstream connection closed")
)

type STTEventType string

const (
	STTEventInterim       STTEventType = "interim"
	STTEventFinal         STTEventType = "final"
	STTEventUtteranceEnd  STTEventType = "utterance_end"
	STTEventSpeechStarted STTEventType = "speech_started"
	STTEventError         STTEventType = "error"
)

// STTEvent is one message from a streaming recognizer.
type STTEvent struct {
	Type       STTEventType
	Text       string
	Confidence float64
	EndOfTurn  bool
	Code       string
	Detail     string
	Retryable  bool
}

// STTStream is one upstream recognition connection. Events is closed when the
// connection ends, whether by Close or by the provider.
type STTStream interface {
	SendAudio(ctx context.Context, frame []byte) error
	KeepAlive(ctx context.Context) error
	Events() <-chan STTEvent
	Close() error
}

type STTProvider interface {
	Name() string
	StartStream(ctx context.Context, callID string) (STTStream, error)
}

type TTSEventType string

const (
	TTSEventAudio    TTSEventType = "audio"
	TTSEventMetadata TTSEventType = "metadata"
	TTSEventError    TTSEventType = "error"
)

type TTSEvent struct {
	Type      TTSEventType
	Audio     []byte
	Metadata  string
	Code      string
	Detail    string
	Retryable bool
}

type TTSOptions struct {
	VoiceID    string
	ModelID    string
	Encoding   string
	SampleRate int
}

// TTSStream synthesizes text increments. The channel returned by Synthesize
// carries that increment's events in order and is closed when the increment
// is complete, cancelled by Clear, or the stream is closed.
type TTSStream interface {
	Synthesize(ctx context.Context, text string) (<-chan TTSEvent, error)
	Clear(ctx context.Context) error
	Close() error
}

type TTSProvider interface {
	Name() string
	StartStream(ctx context.Context, opts TTSOptions) (TTSStream, error)
}
