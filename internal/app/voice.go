package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/callcore/internal/config"
	"github.com/ent0n29/callcore/internal/voice"
)

type voiceSetup struct {
	sttProvider    voice.STTProvider
	ttsProvider    voice.TTSProvider
	sttName        string
	ttsName        string
	defaultVoiceID string
	defaultModelID string
	detail         string
	cleanup        func() error
}

// resolveVoiceProviders picks recognition and synthesis backends
// independently. In auto mode Deepgram is preferred and ElevenLabs takes over
// when a stream fails to start; with no keys at all the mock backends are
// used so the service still boots for local testing.
func resolveVoiceProviders(ctx context.Context, cfg config.Config) (voiceSetup, error) {
	sttMode := normalizeMode(cfg.STTProvider)
	ttsMode := normalizeMode(cfg.TTSProvider)

	hasDeepgram := strings.TrimSpace(cfg.DeepgramAPIKey) != ""
	hasEleven := strings.TrimSpace(cfg.ElevenLabsAPIKey) != ""

	var (
		deepgramSTT *voice.DeepgramSTTProvider
		deepgramTTS *voice.DeepgramTTSProvider
		eleven      *voice.ElevenLabsProvider
	)
	if hasDeepgram {
		dg := voice.DeepgramConfig{
			APIKey:    cfg.DeepgramAPIKey,
			WSBaseURL: cfg.DeepgramWSBaseURL,
			STTModel:  cfg.DeepgramSTTModel,
			TTSModel:  cfg.DeepgramTTSModel,
			Language:  cfg.DeepgramLanguage,
		}
		deepgramSTT = voice.NewDeepgramSTTProvider(dg)
		deepgramTTS = voice.NewDeepgramTTSProvider(dg)
	}
	if hasEleven {
		eleven = voice.NewElevenLabsProvider(voice.ElevenLabsConfig{
			APIKey:     cfg.ElevenLabsAPIKey,
			BaseURL:    cfg.ElevenLabsBaseURL,
			WSBaseURL:  cfg.ElevenLabsWSBaseURL,
			STTModelID: cfg.ElevenLabsSTTModel,
			TTSModelID: cfg.ElevenLabsTTSModel,
		})
	}

	var setup voiceSetup

	switch sttMode {
	case "deepgram":
		if !hasDeepgram {
			return voiceSetup{}, errors.New("STT_PROVIDER=deepgram but DEEPGRAM_API_KEY is not set")
		}
		setup.sttProvider, setup.sttName = deepgramSTT, "deepgram"
	case "elevenlabs":
		if !hasEleven {
			return voiceSetup{}, errors.New("STT_PROVIDER=elevenlabs but ELEVENLABS_API_KEY is not set")
		}
		setup.sttProvider, setup.sttName = eleven.STT(), "elevenlabs"
	case "google":
		p, err := voice.NewGoogleSTTProvider(ctx, voice.GoogleSTTConfig{
			LanguageCode: cfg.GoogleSTTLanguage,
			Model:        cfg.GoogleSTTModel,
		})
		if err != nil {
			return voiceSetup{}, fmt.Errorf("google speech init failed: %w", err)
		}
		setup.sttProvider, setup.sttName = p, "google"
		setup.cleanup = p.Close
	case "mock":
		setup.sttProvider, setup.sttName = voice.NewMockSTTProvider(), "mock"
	case "auto":
		switch {
		case hasDeepgram:
			setup.sttProvider, setup.sttName = deepgramSTT, "deepgram"
		case hasEleven:
			setup.sttProvider, setup.sttName = eleven.STT(), "elevenlabs"
		default:
			setup.sttProvider, setup.sttName = voice.NewMockSTTProvider(), "mock"
		}
	default:
		return voiceSetup{}, fmt.Errorf("unsupported STT_PROVIDER %q", cfg.STTProvider)
	}

	switch ttsMode {
	case "deepgram":
		if !hasDeepgram {
			return voiceSetup{}, errors.New("TTS_PROVIDER=deepgram but DEEPGRAM_API_KEY is not set")
		}
		setup.ttsProvider, setup.ttsName = deepgramTTS, "deepgram"
		setup.defaultModelID = cfg.DeepgramTTSModel
	case "elevenlabs":
		if !hasEleven {
			return voiceSetup{}, errors.New("TTS_PROVIDER=elevenlabs but ELEVENLABS_API_KEY is not set")
		}
		setup.ttsProvider, setup.ttsName = eleven.TTS(), "elevenlabs"
		setup.defaultVoiceID = cfg.ElevenLabsTTSVoice
		setup.defaultModelID = cfg.ElevenLabsTTSModel
	case "mock":
		setup.ttsProvider, setup.ttsName = voice.NewMockTTSProvider(), "mock"
	case "auto":
		switch {
		case hasDeepgram:
			setup.ttsProvider, setup.ttsName = deepgramTTS, "deepgram"
			setup.defaultModelID = cfg.DeepgramTTSModel
		case hasEleven:
			setup.ttsProvider, setup.ttsName = eleven.TTS(), "elevenlabs"
			setup.defaultVoiceID = cfg.ElevenLabsTTSVoice
			setup.defaultModelID = cfg.ElevenLabsTTSModel
		default:
			setup.ttsProvider, setup.ttsName = voice.NewMockTTSProvider(), "mock"
		}
	default:
		return voiceSetup{}, fmt.Errorf("unsupported TTS_PROVIDER %q", cfg.TTSProvider)
	}

	// Both vendors available in auto mode: Deepgram leads, ElevenLabs
	// takes over a direction whose stream fails to open.
	if sttMode == "auto" && ttsMode == "auto" && hasDeepgram && hasEleven {
		stt, tts := voice.NewFailoverProviderPair(
			deepgramSTT,
			deepgramTTS,
			eleven.STT(),
			eleven.TTS(),
			cfg.ElevenLabsTTSVoice,
		)
		setup.sttProvider, setup.ttsProvider = stt, tts
		setup.detail = "deepgram realtime (automatic elevenlabs fallback)"
		return setup, nil
	}

	if setup.sttName == setup.ttsName {
		setup.detail = setup.sttName
	} else {
		setup.detail = fmt.Sprintf("%s stt + %s tts", setup.sttName, setup.ttsName)
	}
	return setup, nil
}

func normalizeMode(v string) string {
	mode := strings.ToLower(strings.TrimSpace(v))
	if mode == "" {
		return "auto"
	}
	return mode
}
