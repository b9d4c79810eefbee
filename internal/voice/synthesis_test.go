package voice

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/callcore/internal/audio"
)

func newTestSynthesis(t *testing.T, provider *MockTTSProvider) (*SynthesisSession, *MockTTSStream) {
	t.Helper()
	stream, err := provider.StartStream(context.Background(), TTSOptions{})
	if err != nil {
		t.Fatalf("StartStream() error = %v", err)
	}
	ss := NewSynthesisSession(stream, provider.Name(), SynthesisConfig{}, nil, zerolog.Nop())
	t.Cleanup(func() { _ = ss.Close() })
	return ss, provider.Last()
}

// collectIncrements reads audio until n increments of generation gen finish.
func collectIncrements(t *testing.T, ss *SynthesisSession, gen uint64, n int) []SynthesisEvent {
	t.Helper()
	var audioEvents []SynthesisEvent
	timeout := time.After(3 * time.Second)
	for done := 0; done < n; {
		select {
		case ev, ok := <-ss.Audio():
			if !ok {
				t.Fatalf("Audio() closed early")
			}
			switch ev.Kind {
			case SynthesisAudio:
				audioEvents = append(audioEvents, ev)
			case SynthesisIncrementDone:
				if ev.Generation == gen {
					done++
				}
			case SynthesisError:
				t.Fatalf("unexpected synthesis error: %v", ev.Err)
			}
		case <-timeout:
			t.Fatalf("timed out after %d/%d increments", done, n)
		}
	}
	return audioEvents
}

func TestSynthesisSessionPreservesIncrementOrder(t *testing.T) {
	provider := NewMockTTSProvider()
	provider.Delay = func(text string) time.Duration {
		if text == "First." {
			return 80 * time.Millisecond
		}
		return 0
	}
	ss, _ := newTestSynthesis(t, provider)

	for _, text := range []string{"First.", "Second.", "Third."} {
		if err := ss.Speak(text); err != nil {
			t.Fatalf("Speak(%q) error = %v", text, err)
		}
	}
	events := collectIncrements(t, ss, 0, 3)

	var got []byte
	for _, ev := range events {
		if len(ev.Frame.Payload) != audio.FrameBytes {
			t.Fatalf("frame size = %d, want %d", len(ev.Frame.Payload), audio.FrameBytes)
		}
		if ev.Frame.Direction != audio.Outbound {
			t.Fatalf("frame direction = %v, want outbound", ev.Frame.Direction)
		}
		got = append(got, ev.Frame.Payload...)
	}
	var want []byte
	for _, text := range []string{"First.", "Second.", "Third."} {
		want = append(want, MockAudio(text, provider.FramesPerText)...)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("audio emitted out of increment order")
	}
	if p := ss.Pending(); p != 0 {
		t.Fatalf("Pending() = %d, want 0", p)
	}
}

func TestSynthesisSessionClearEmptiesQueue(t *testing.T) {
	provider := NewMockTTSProvider()
	provider.Delay = func(text string) time.Duration {
		if text == "After clear." {
			return 0
		}
		return time.Second
	}
	ss, stream := newTestSynthesis(t, provider)

	for _, text := range []string{"One.", "Two.", "Three."} {
		if err := ss.Speak(text); err != nil {
			t.Fatalf("Speak() error = %v", err)
		}
	}
	if p := ss.Pending(); p != 3 {
		t.Fatalf("Pending() = %d, want 3", p)
	}

	if err := ss.Clear(context.Background()); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if p := ss.Pending(); p != 0 {
		t.Fatalf("Pending() after Clear = %d, want 0", p)
	}
	if g := ss.Generation(); g != 1 {
		t.Fatalf("Generation() = %d, want 1", g)
	}

	if err := ss.Speak("After clear."); err != nil {
		t.Fatalf("Speak() error = %v", err)
	}
	for _, ev := range collectIncrements(t, ss, 1, 1) {
		if ev.Generation != 1 {
			t.Fatalf("stale frame from generation %d after Clear", ev.Generation)
		}
		if !bytes.HasPrefix(ev.Frame.Payload, []byte("After clear.")) {
			t.Fatalf("unexpected frame payload %q", ev.Frame.Payload[:12])
		}
	}
	if stream.Clears() != 1 {
		t.Fatalf("provider clears = %d, want 1", stream.Clears())
	}
}

func TestSynthesisSessionClearIsIdempotent(t *testing.T) {
	ss, stream := newTestSynthesis(t, NewMockTTSProvider())

	if err := ss.Speak("Hello there."); err != nil {
		t.Fatalf("Speak() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := ss.Clear(context.Background()); err != nil {
			t.Fatalf("Clear() #%d error = %v", i, err)
		}
	}
	if stream.Clears() != 1 {
		t.Fatalf("provider clears = %d, want 1 for repeated Clear", stream.Clears())
	}
	if ss.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0", ss.Pending())
	}
}

func TestSynthesisSessionDropsUnspeakableText(t *testing.T) {
	ss, stream := newTestSynthesis(t, NewMockTTSProvider())
	if err := ss.Speak("```\n```  **"); err != nil {
		t.Fatalf("Speak() error = %v", err)
	}
	if ss.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0", ss.Pending())
	}
	if texts := stream.Texts(); len(texts) != 0 {
		t.Fatalf("provider received %q, want nothing", texts)
	}
}

func TestSynthesisSessionCloseIsIdempotent(t *testing.T) {
	ss, _ := newTestSynthesis(t, NewMockTTSProvider())
	if err := ss.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := ss.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if err := ss.Speak("hi"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Speak() after Close error = %v, want ErrSessionClosed", err)
	}
	for range ss.Audio() {
	}
}
