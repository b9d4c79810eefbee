package voice

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
)

// NewFailoverProviderPair builds STT/TTS providers that prefer the primary backend
// and switch to fallback when primary stream startup fails.
// Once fallback succeeds, it stays active until fallback fails; then primary is retried.
func NewFailoverProviderPair(
	primarySTT STTProvider,
	primaryTTS TTSProvider,
	fallbackSTT STTProvider,
	fallbackTTS TTSProvider,
	fallbackVoiceID string,
) (STTProvider, TTSProvider) {
	state := &failoverState{}
	return &failoverSTTProvider{
			state:    state,
			primary:  primarySTT,
			fallback: fallbackSTT,
		}, &failoverTTSProvider{
			state:           state,
			primary:         primaryTTS,
			fallback:        fallbackTTS,
			fallbackVoiceID: strings.TrimSpace(fallbackVoiceID),
		}
}

type failoverState struct {
	fallbackActive atomic.Bool
}

func (s *failoverState) activateFallback()      { s.fallbackActive.Store(true) }
func (s *failoverState) deactivateFallback()    { s.fallbackActive.Store(false) }
func (s *failoverState) isFallbackActive() bool { return s.fallbackActive.Load() }

type failoverSTTProvider struct {
	state    *failoverState
	primary  STTProvider
	fallback STTProvider
}

func (p *failoverSTTProvider) Name() string {
	if p.state.isFallbackActive() {
		return p.fallback.Name()
	}
	return p.primary.Name()
}

func (p *failoverSTTProvider) StartStream(ctx context.Context, callID string) (STTStream, error) {
	if p.state.isFallbackActive() {
		stream, fbErr := p.fallback.StartStream(ctx, callID)
		if fbErr == nil {
			return stream, nil
		}
		// Fallback failed after being active; try primary again.
		stream, prErr := p.primary.StartStream(ctx, callID)
		if prErr == nil {
			p.state.deactivateFallback()
			return stream, nil
		}
		return nil, fmt.Errorf("stt fallback failed: %v; stt primary failed: %w", fbErr, prErr)
	}

	stream, prErr := p.primary.StartStream(ctx, callID)
	if prErr == nil {
		return stream, nil
	}
	stream, fbErr := p.fallback.StartStream(ctx, callID)
	if fbErr != nil {
		return nil, fmt.Errorf("stt primary failed: %v; stt fallback failed: %w", prErr, fbErr)
	}
	p.state.activateFallback()
	return stream, nil
}

type failoverTTSProvider struct {
	state           *failoverState
	primary         TTSProvider
	fallback        TTSProvider
	fallbackVoiceID string
}

func (p *failoverTTSProvider) Name() string {
	if p.state.isFallbackActive() {
		return p.fallback.Name()
	}
	return p.primary.Name()
}

func (p *failoverTTSProvider) StartStream(ctx context.Context, opts TTSOptions) (TTSStream, error) {
	if p.state.isFallbackActive() {
		stream, fbErr := p.startFallbackStream(ctx, opts)
		if fbErr == nil {
			return stream, nil
		}
		stream, prErr := p.primary.StartStream(ctx, opts)
		if prErr == nil {
			p.state.deactivateFallback()
			return stream, nil
		}
		return nil, fmt.Errorf("tts fallback failed: %v; tts primary failed: %w", fbErr, prErr)
	}

	stream, prErr := p.primary.StartStream(ctx, opts)
	if prErr == nil {
		return stream, nil
	}
	stream, fbErr := p.startFallbackStream(ctx, opts)
	if fbErr != nil {
		return nil, fmt.Errorf("tts primary failed: %v; tts fallback failed: %w", prErr, fbErr)
	}
	p.state.activateFallback()
	return stream, nil
}

func (p *failoverTTSProvider) startFallbackStream(ctx context.Context, opts TTSOptions) (TTSStream, error) {
	if p.fallbackVoiceID != "" {
		opts.VoiceID = p.fallbackVoiceID
		opts.ModelID = ""
	}
	return p.fallback.StartStream(ctx, opts)
}
