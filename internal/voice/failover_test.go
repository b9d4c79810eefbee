package voice

import (
	"context"
	"errors"
	"testing"
)

func TestFailoverProviderPairSwitchesToFallbackAndSticks(t *testing.T) {
	ctx := context.Background()
	primaryErr := errors.New("primary unavailable")

	primarySTT := &stubSTTProvider{name: "deepgram", err: primaryErr}
	fallbackSTT := &stubSTTProvider{name: "google"}
	primaryTTS := &stubTTSProvider{name: "deepgram", err: primaryErr}
	fallbackTTS := &stubTTSProvider{name: "elevenlabs"}

	stt, tts := NewFailoverProviderPair(primarySTT, primaryTTS, fallbackSTT, fallbackTTS, "rachel")

	if _, err := stt.StartStream(ctx, "call-1"); err != nil {
		t.Fatalf("StartStream() unexpected error = %v", err)
	}
	if _, err := stt.StartStream(ctx, "call-2"); err != nil {
		t.Fatalf("StartStream() on fallback unexpected error = %v", err)
	}
	if got := stt.Name(); got != "google" {
		t.Fatalf("Name() = %q, want google while fallback active", got)
	}
	if _, err := tts.StartStream(ctx, TTSOptions{VoiceID: "aura"}); err != nil {
		t.Fatalf("tts StartStream() unexpected error = %v", err)
	}
	if _, err := tts.StartStream(ctx, TTSOptions{VoiceID: "aura"}); err != nil {
		t.Fatalf("tts StartStream() on fallback unexpected error = %v", err)
	}

	if primarySTT.calls != 1 {
		t.Fatalf("primary STT calls = %d, want 1", primarySTT.calls)
	}
	if fallbackSTT.calls != 2 {
		t.Fatalf("fallback STT calls = %d, want 2", fallbackSTT.calls)
	}
	if primaryTTS.calls != 0 {
		t.Fatalf("primary TTS calls = %d, want 0 once fallback active", primaryTTS.calls)
	}
	if fallbackTTS.calls != 2 {
		t.Fatalf("fallback TTS calls = %d, want 2", fallbackTTS.calls)
	}
}

func TestFailoverProviderPairMapsFallbackVoice(t *testing.T) {
	ctx := context.Background()
	primaryTTS := &stubTTSProvider{err: errors.New("quota exceeded")}
	fallbackTTS := &stubTTSProvider{}

	_, tts := NewFailoverProviderPair(&stubSTTProvider{}, primaryTTS, &stubSTTProvider{}, fallbackTTS, "rachel")

	if _, err := tts.StartStream(ctx, TTSOptions{VoiceID: "aura-2-thalia-en", ModelID: "aura"}); err != nil {
		t.Fatalf("StartStream() unexpected error = %v", err)
	}
	if fallbackTTS.seen.VoiceID != "rachel" {
		t.Fatalf("fallback voice = %q, want %q", fallbackTTS.seen.VoiceID, "rachel")
	}
	if fallbackTTS.seen.ModelID != "" {
		t.Fatalf("fallback model = %q, want provider default", fallbackTTS.seen.ModelID)
	}
}

func TestFailoverProviderPairReturnsToPrimaryWhenFallbackFails(t *testing.T) {
	ctx := context.Background()
	primary := &stubSTTProvider{err: errors.New("down")}
	fallback := &stubSTTProvider{}
	stt, _ := NewFailoverProviderPair(primary, &stubTTSProvider{}, fallback, &stubTTSProvider{}, "")

	if _, err := stt.StartStream(ctx, "call-1"); err != nil {
		t.Fatalf("StartStream() error = %v", err)
	}
	primary.err = nil
	fallback.err = errors.New("fallback down")
	if _, err := stt.StartStream(ctx, "call-2"); err != nil {
		t.Fatalf("StartStream() error = %v", err)
	}
	if primary.calls != 2 {
		t.Fatalf("primary calls = %d, want 2", primary.calls)
	}
	fallback.err = nil
	if _, err := stt.StartStream(ctx, "call-3"); err != nil {
		t.Fatalf("StartStream() error = %v", err)
	}
	if primary.calls != 3 || fallback.calls != 2 {
		t.Fatalf("calls primary=%d fallback=%d, want 3/2 after primary recovered", primary.calls, fallback.calls)
	}
}

func TestFailoverProviderPairReturnsCombinedErrorWhenBothFail(t *testing.T) {
	ctx := context.Background()
	primaryErr := errors.New("primary down")
	fallbackErr := errors.New("fallback down")

	stt, tts := NewFailoverProviderPair(
		&stubSTTProvider{err: primaryErr},
		&stubTTSProvider{err: primaryErr},
		&stubSTTProvider{err: fallbackErr},
		&stubTTSProvider{err: fallbackErr},
		"rachel",
	)
	if _, err := stt.StartStream(ctx, "call-1"); !errors.Is(err, fallbackErr) {
		t.Fatalf("StartStream() error = %v, want wrapping fallback error", err)
	}
	if _, err := tts.StartStream(ctx, TTSOptions{}); !errors.Is(err, fallbackErr) {
		t.Fatalf("tts StartStream() error = %v, want wrapping fallback error", err)
	}
}

type stubSTTProvider struct {
	name  string
	err   error
	calls int
}

func (p *stubSTTProvider) Name() string { return p.name }

func (p *stubSTTProvider) StartStream(context.Context, string) (STTStream, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return &MockSTTStream{events: make(chan STTEvent)}, nil
}

type stubTTSProvider struct {
	name  string
	err   error
	calls int
	seen  TTSOptions
}

func (p *stubTTSProvider) Name() string { return p.name }

func (p *stubTTSProvider) StartStream(_ context.Context, opts TTSOptions) (TTSStream, error) {
	p.calls++
	p.seen = opts
	if p.err != nil {
		return nil, p.err
	}
	return &MockTTSStream{frames: 1}, nil
}
