package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/callcore/internal/audio"
	"github.com/ent0n29/callcore/internal/call"
	"github.com/ent0n29/callcore/internal/config"
	"github.com/ent0n29/callcore/internal/conversation"
	"github.com/ent0n29/callcore/internal/dialogue"
	"github.com/ent0n29/callcore/internal/escalation"
	"github.com/ent0n29/callcore/internal/httpapi"
	"github.com/ent0n29/callcore/internal/logging"
	"github.com/ent0n29/callcore/internal/memory"
	"github.com/ent0n29/callcore/internal/observability"
	"github.com/ent0n29/callcore/internal/reasoning"
	"github.com/ent0n29/callcore/internal/session"
	"github.com/ent0n29/callcore/internal/tools"
	"github.com/ent0n29/callcore/internal/voice"
)

const janitorInterval = time.Minute

type VoiceInfo struct {
	STTProvider    string
	TTSProvider    string
	Detail         string
	DefaultVoiceID string
	DefaultModelID string
}

type BuildResult struct {
	Config  config.Config
	API     *httpapi.Server
	Calls   *CallService
	Store   session.Store
	Metrics *observability.Metrics
	Voice   VoiceInfo

	// Cleanup should be called on shutdown, after the API has drained calls.
	Cleanup func() error
}

// CallService runs calls with the shared collaborators built at startup.
type CallService struct {
	deps call.Deps
	cfg  call.Config
}

func NewCallService(deps call.Deps, cfg call.Config) *CallService {
	return &CallService{deps: deps, cfg: cfg}
}

func (s *CallService) RunCall(ctx context.Context, t call.Transport) error {
	return call.NewOrchestrator(t, s.deps, s.cfg).Run(ctx)
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	logger := logging.WithComponent("app")
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	var closers []func() error
	fail := func(err error) (*BuildResult, error) {
		_ = closeAll(closers)
		return nil, err
	}

	// The janitor context lives until Cleanup.
	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	closers = append(closers, func() error { stopJanitor(); return nil })

	store, err := session.NewStore(ctx, session.Config{
		Backend:     cfg.SessionStore,
		RedisURL:    cfg.RedisURL,
		DatabaseURL: cfg.DatabaseURL,
		TTL:         cfg.SessionTTL,
	})
	if err != nil {
		return fail(fmt.Errorf("session store init failed: %w", err))
	}
	closers = append(closers, store.Close)
	switch s := store.(type) {
	case *session.MemoryStore:
		s.SetExpireHook(func(rec *session.Record) {
			metrics.CallEvent("session_expired")
			logger.Debug().Str("call_id", rec.CallID).Msg("session record expired")
		})
		s.StartJanitor(janitorCtx, janitorInterval)
	case *session.PostgresStore:
		s.StartJanitor(janitorCtx, janitorInterval)
	}

	archive, err := memory.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fail(fmt.Errorf("memory store init failed: %w", err))
	}
	closers = append(closers, archive.Close)

	publisher := escalation.NewKafkaPublisher(escalation.Config{
		Brokers:        cfg.KafkaBrokers,
		HandoffTopic:   cfg.KafkaEscalationTopic,
		CallEventTopic: cfg.KafkaCallEventsTopic,
	}, metrics)
	closers = append(closers, publisher.Close)

	catalog, err := tools.NewCatalog()
	if err != nil {
		return fail(fmt.Errorf("tool catalog init failed: %w", err))
	}
	var router tools.Router
	if strings.TrimSpace(cfg.ToolRouterURL) != "" {
		router = tools.NewHTTPRouter(cfg.ToolRouterURL, cfg.ToolTimeout, catalog)
	} else {
		logger.Warn().Msg("TOOL_ROUTER_URL not set, using the in-process scheduling backend")
		router = tools.NewLocalRouter()
	}

	reasoner, err := reasoning.NewAdapter(ctx, reasoning.Config{
		Mode:              cfg.ReasoningProvider,
		OpenAIAPIKey:      cfg.OpenAIAPIKey,
		OpenAIBaseURL:     cfg.OpenAIBaseURL,
		OpenAIModel:       cfg.OpenAIModel,
		GeminiAPIKey:      cfg.GeminiAPIKey,
		GeminiModel:       cfg.GeminiModel,
		FirstDeltaTimeout: cfg.FirstDeltaTimeout,
	})
	if err != nil {
		return fail(fmt.Errorf("reasoning adapter init failed: %w", err))
	}

	voiceSetup, err := resolveVoiceProviders(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	if voiceSetup.cleanup != nil {
		closers = append(closers, voiceSetup.cleanup)
	}

	var apology []byte
	if path := strings.TrimSpace(cfg.ApologyAudioPath); path != "" {
		apology, err = audio.LoadClip(path)
		if err != nil {
			return fail(fmt.Errorf("apology clip: %w", err))
		}
	}

	callCfg, err := callConfig(cfg, voiceSetup)
	if err != nil {
		return fail(err)
	}
	calls := NewCallService(call.Deps{
		STT:         voiceSetup.sttProvider,
		TTS:         voiceSetup.ttsProvider,
		Reasoner:    reasoner,
		Tools:       router,
		ToolSpecs:   catalog.Specs(),
		Store:       store,
		Archive:     archive,
		Publisher:   publisher,
		Metrics:     metrics,
		ApologyClip: apology,
	}, callCfg)

	api := httpapi.New(cfg, store, calls, metrics)

	logVoice(logger, voiceSetup)

	return &BuildResult{
		Config:  cfg,
		API:     api,
		Calls:   calls,
		Store:   store,
		Metrics: metrics,
		Voice: VoiceInfo{
			STTProvider:    voiceSetup.sttName,
			TTSProvider:    voiceSetup.ttsName,
			Detail:         voiceSetup.detail,
			DefaultVoiceID: voiceSetup.defaultVoiceID,
			DefaultModelID: voiceSetup.defaultModelID,
		},
		Cleanup: func() error { return closeAll(closers) },
	}, nil
}

func callConfig(cfg config.Config, vs voiceSetup) (call.Config, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return call.Config{}, fmt.Errorf("business timezone: %w", err)
	}

	dlg := dialogue.DefaultConfig()
	dlg.MaxToolDepth = cfg.DialogueMaxToolDepth
	dlg.HistoryTokenBudget = cfg.DialogueHistoryTokenBudget
	dlg.ReasoningTimeout = cfg.ReasoningTimeout
	dlg.ToolTimeout = cfg.ToolTimeout

	out := call.DefaultConfig()
	out.StartTimeout = cfg.CallStartTimeout
	out.ConnectTimeout = cfg.CallConnectTimeout
	out.SpeechIdleTimeout = cfg.SpeechIdleTimeout
	out.EndOfTurnFallback = cfg.EndOfTurnFallback
	out.TeardownTimeout = cfg.TeardownTimeout
	out.StoreTimeout = cfg.StoreTimeout
	out.MaxReasoningFailures = cfg.MaxReasoningFailures
	out.ArchiveContextTurns = cfg.ArchiveContextTurns
	out.Greeting = cfg.Greeting
	out.Recognition = voice.RecognitionConfig{KeepAliveInterval: cfg.KeepAliveInterval}
	out.TTSOptions = voice.TTSOptions{
		VoiceID: vs.defaultVoiceID,
		ModelID: vs.defaultModelID,
	}
	out.Dialogue = dlg
	out.Conversation = conversation.Config{
		BusinessName: cfg.BusinessName,
		Persona:      cfg.Persona,
		Location:     loc,
	}
	return out, nil
}

func logVoice(logger zerolog.Logger, vs voiceSetup) {
	level := zerolog.InfoLevel
	if vs.sttName == "mock" || vs.ttsName == "mock" {
		level = zerolog.WarnLevel
	}
	logger.WithLevel(level).
		Str("stt", vs.sttName).
		Str("tts", vs.ttsName).
		Str("detail", vs.detail).
		Msg("voice providers resolved")
}

// closeAll releases resources in reverse order of acquisition.
func closeAll(closers []func() error) error {
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
