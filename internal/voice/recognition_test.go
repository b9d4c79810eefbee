package voice

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/callcore/internal/audio"
)

func openTestRecognition(t *testing.T, cfg RecognitionConfig) (*RecognitionSession, *MockSTTStream) {
	t.Helper()
	provider := NewMockSTTProvider()
	rs := NewRecognitionSession(provider, "call-1", cfg, nil, zerolog.Nop())
	if err := rs.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = rs.Close() })
	return rs, provider.Last()
}

func nextTranscript(t *testing.T, rs *RecognitionSession) TranscriptEvent {
	t.Helper()
	select {
	case ev, ok := <-rs.Events():
		if !ok {
			t.Fatalf("Events() closed unexpectedly")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for transcript event")
	}
	return TranscriptEvent{}
}

func TestRecognitionSessionNeverForwardsEmptyFrames(t *testing.T) {
	rs, stream := openTestRecognition(t, RecognitionConfig{KeepAliveInterval: time.Hour})
	ctx := context.Background()

	if err := rs.Feed(ctx, audio.Frame{Direction: audio.Inbound}); err != nil {
		t.Fatalf("Feed(empty) error = %v", err)
	}
	if err := rs.Feed(ctx, audio.Frame{Direction: audio.Inbound, Payload: []byte{1, 2, 3}}); err != nil {
		t.Fatalf("Feed() error = %v", err)
	}
	frames := stream.Frames()
	if len(frames) != 1 {
		t.Fatalf("forwarded frames = %d, want 1", len(frames))
	}
	if len(frames[0]) != 3 {
		t.Fatalf("forwarded frame len = %d, want 3", len(frames[0]))
	}
}

func TestRecognitionSessionMapsProviderEvents(t *testing.T) {
	rs, stream := openTestRecognition(t, RecognitionConfig{KeepAliveInterval: time.Hour})

	stream.Inject(STTEvent{Type: STTEventInterim, Text: "   "})
	stream.Inject(STTEvent{Type: STTEventSpeechStarted})
	stream.Inject(STTEvent{Type: STTEventInterim, Text: "I need"})
	stream.Inject(STTEvent{Type: STTEventFinal, Text: "I need an oil change"})
	stream.Inject(STTEvent{Type: STTEventUtteranceEnd})

	first := nextTranscript(t, rs)
	if first.Kind != TranscriptInterim || first.Text != "I need" {
		t.Fatalf("first = %+v, want interim %q", first, "I need")
	}
	second := nextTranscript(t, rs)
	if second.Kind != TranscriptFinal || second.Text != "I need an oil change" || second.EndOfTurn {
		t.Fatalf("second = %+v, want final without end of turn", second)
	}
	third := nextTranscript(t, rs)
	if third.Kind != TranscriptFinal || third.Text != "" || !third.EndOfTurn {
		t.Fatalf("third = %+v, want empty end-of-turn final", third)
	}
	if !(first.Seq < second.Seq && second.Seq < third.Seq) {
		t.Fatalf("sequence numbers not increasing: %d %d %d", first.Seq, second.Seq, third.Seq)
	}
}

func TestRecognitionSessionRetryableErrorIsNotTerminal(t *testing.T) {
	rs, stream := openTestRecognition(t, RecognitionConfig{KeepAliveInterval: time.Hour})

	stream.Inject(STTEvent{Type: STTEventError, Code: "rate_limited", Retryable: true})
	stream.Inject(STTEvent{Type: STTEventFinal, Text: "hello", EndOfTurn: true})

	ev := nextTranscript(t, rs)
	if ev.Text != "hello" {
		t.Fatalf("event = %+v, want final hello", ev)
	}
	if err := rs.Err(); err != nil {
		t.Fatalf("Err() = %v, want nil", err)
	}
}

func TestRecognitionSessionCloseIsIdempotent(t *testing.T) {
	rs, _ := openTestRecognition(t, RecognitionConfig{KeepAliveInterval: time.Hour})

	if err := rs.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := rs.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if err := rs.Feed(context.Background(), audio.Frame{Payload: []byte{1}}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Feed() after Close error = %v, want ErrSessionClosed", err)
	}
	if _, ok := <-rs.Events(); ok {
		t.Fatalf("Events() should be closed after Close")
	}
	if err := rs.Err(); err != nil {
		t.Fatalf("Err() after clean Close = %v, want nil", err)
	}
}

func TestRecognitionSessionKeepAliveFailureIsTerminal(t *testing.T) {
	rs, stream := openTestRecognition(t, RecognitionConfig{
		KeepAliveInterval: 20 * time.Millisecond,
		KeepAliveTimeout:  time.Second,
	})
	stream.SetKeepAliveErr(errors.New("socket gone"))

	select {
	case <-rs.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("session did not terminate after keepalive failure")
	}
	if rs.Err() == nil {
		t.Fatalf("Err() = nil, want keepalive failure")
	}
	if stream.KeepAlives() < 2 {
		t.Fatalf("keepalive attempts = %d, want retry before failing", stream.KeepAlives())
	}
}

func TestRecognitionSessionKeepsIdleStreamAlive(t *testing.T) {
	rs, stream := openTestRecognition(t, RecognitionConfig{KeepAliveInterval: 20 * time.Millisecond})

	deadline := time.Now().Add(2 * time.Second)
	for stream.KeepAlives() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if stream.KeepAlives() == 0 {
		t.Fatalf("no keepalive sent while idle")
	}
	if err := rs.Err(); err != nil {
		t.Fatalf("Err() = %v, want nil", err)
	}
}

func TestRecognitionSessionUpstreamCloseFails(t *testing.T) {
	rs, stream := openTestRecognition(t, RecognitionConfig{KeepAliveInterval: time.Hour})
	stream.Hangup()

	select {
	case <-rs.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not terminate after upstream close")
	}
	if !errors.Is(rs.Err(), ErrUpstreamClosed) {
		t.Fatalf("Err() = %v, want ErrUpstreamClosed", rs.Err())
	}
}

func TestRecognitionSessionOpenFailure(t *testing.T) {
	provider := NewMockSTTProvider()
	provider.StartErr = errors.New("401 unauthorized")
	rs := NewRecognitionSession(provider, "call-1", RecognitionConfig{}, nil, zerolog.Nop())
	if err := rs.Open(context.Background()); err == nil {
		t.Fatalf("Open() error = nil, want provider failure")
	}
}
