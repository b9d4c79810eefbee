package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	// Containers often ship without a zoneinfo database.
	_ "time/tzdata"
)

// Config contains all runtime settings for the call service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool
	LogLevel         string
	LogFormat        string

	BusinessName string
	Persona      string
	Timezone     string
	Greeting     string

	STTProvider string
	TTSProvider string

	DeepgramAPIKey    string
	DeepgramWSBaseURL string
	DeepgramSTTModel  string
	DeepgramTTSModel  string
	DeepgramLanguage  string

	ElevenLabsAPIKey    string
	ElevenLabsBaseURL   string
	ElevenLabsWSBaseURL string
	ElevenLabsTTSVoice  string
	ElevenLabsTTSModel  string
	ElevenLabsSTTModel  string

	GoogleSTTLanguage string
	GoogleSTTModel    string

	ReasoningProvider string
	OpenAIAPIKey      string
	OpenAIBaseURL     string
	OpenAIModel       string
	GeminiAPIKey      string
	GeminiModel       string
	ReasoningTimeout  time.Duration
	// FirstDeltaTimeout bounds how long the primary model may stay silent
	// before the fallback model is tried.
	FirstDeltaTimeout time.Duration

	ToolRouterURL string
	ToolTimeout   time.Duration

	DialogueMaxToolDepth       int
	DialogueHistoryTokenBudget int

	CallStartTimeout     time.Duration
	CallConnectTimeout   time.Duration
	SpeechIdleTimeout    time.Duration
	EndOfTurnFallback    time.Duration
	TeardownTimeout      time.Duration
	KeepAliveInterval    time.Duration
	MaxReasoningFailures int

	SessionStore string
	RedisURL     string
	DatabaseURL  string
	SessionTTL   time.Duration
	StoreTimeout time.Duration

	KafkaBrokers         []string
	KafkaEscalationTopic string
	KafkaCallEventsTopic string

	ArchiveContextTurns int
	ApologyAudioPath    string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "callcore"),
		LogLevel:         envOrDefault("LOG_LEVEL", "info"),
		LogFormat:        envOrDefault("LOG_FORMAT", "json"),
		BusinessName:     envOrDefault("BUSINESS_NAME", "the service center"),
		Persona:          stringsTrimSpace("ASSISTANT_PERSONA"),
		Timezone:         envOrDefault("BUSINESS_TIMEZONE", "America/New_York"),
		Greeting:         stringsTrimSpace("CALL_GREETING"),

		STTProvider: envOrDefault("STT_PROVIDER", "auto"),
		TTSProvider: envOrDefault("TTS_PROVIDER", "auto"),

		DeepgramAPIKey:    stringsTrimSpace("DEEPGRAM_API_KEY"),
		DeepgramWSBaseURL: envOrDefault("DEEPGRAM_WS_BASE_URL", "wss://api.deepgram.com"),
		DeepgramSTTModel:  envOrDefault("DEEPGRAM_STT_MODEL", "nova-2-phonecall"),
		DeepgramTTSModel:  envOrDefault("DEEPGRAM_TTS_MODEL", "aura-asteria-en"),
		DeepgramLanguage:  envOrDefault("DEEPGRAM_LANGUAGE", "en-US"),

		ElevenLabsAPIKey:    stringsTrimSpace("ELEVENLABS_API_KEY"),
		ElevenLabsBaseURL:   envOrDefault("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io"),
		ElevenLabsWSBaseURL: envOrDefault("ELEVENLABS_WS_BASE_URL", "wss://api.elevenlabs.io"),
		ElevenLabsTTSVoice:  envOrDefault("ELEVENLABS_TTS_VOICE_ID", "21m00Tcm4TlvDq8ikWAM"),
		ElevenLabsTTSModel:  envOrDefault("ELEVENLABS_TTS_MODEL_ID", "eleven_flash_v2_5"),
		ElevenLabsSTTModel:  envOrDefault("ELEVENLABS_STT_MODEL_ID", "scribe_v1"),

		GoogleSTTLanguage: envOrDefault("GOOGLE_STT_LANGUAGE", "en-US"),
		GoogleSTTModel:    envOrDefault("GOOGLE_STT_MODEL", "phone_call"),

		ReasoningProvider: envOrDefault("REASONING_PROVIDER", "auto"),
		OpenAIAPIKey:      stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIBaseURL:     stringsTrimSpace("OPENAI_BASE_URL"),
		OpenAIModel:       stringsTrimSpace("OPENAI_MODEL"),
		GeminiAPIKey:      stringsTrimSpace("GEMINI_API_KEY"),
		GeminiModel:       stringsTrimSpace("GEMINI_MODEL"),
		ReasoningTimeout:  15 * time.Second,
		FirstDeltaTimeout: 2500 * time.Millisecond,

		ToolRouterURL: stringsTrimSpace("TOOL_ROUTER_URL"),
		ToolTimeout:   4 * time.Second,

		DialogueMaxToolDepth:       5,
		DialogueHistoryTokenBudget: 6000,

		CallStartTimeout:     10 * time.Second,
		CallConnectTimeout:   5 * time.Second,
		SpeechIdleTimeout:    500 * time.Millisecond,
		EndOfTurnFallback:    1200 * time.Millisecond,
		TeardownTimeout:      5 * time.Second,
		KeepAliveInterval:    5 * time.Second,
		MaxReasoningFailures: 3,

		SessionStore: envOrDefault("SESSION_STORE", "auto"),
		RedisURL:     stringsTrimSpace("REDIS_URL"),
		DatabaseURL:  stringsTrimSpace("DATABASE_URL"),
		SessionTTL:   2 * time.Hour,
		StoreTimeout: 2 * time.Second,

		KafkaBrokers:         listFromEnv("KAFKA_BROKERS"),
		KafkaEscalationTopic: envOrDefault("KAFKA_ESCALATION_TOPIC", "callcore.escalations"),
		KafkaCallEventsTopic: envOrDefault("KAFKA_CALL_EVENTS_TOPIC", "callcore.call-events"),

		ArchiveContextTurns: 6,
		ApologyAudioPath:    stringsTrimSpace("APOLOGY_AUDIO_PATH"),

		ShutdownTimeout: 15 * time.Second,
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"REASONING_TIMEOUT", &cfg.ReasoningTimeout},
		{"REASONING_FIRST_DELTA_TIMEOUT", &cfg.FirstDeltaTimeout},
		{"TOOL_TIMEOUT", &cfg.ToolTimeout},
		{"CALL_START_TIMEOUT", &cfg.CallStartTimeout},
		{"CALL_CONNECT_TIMEOUT", &cfg.CallConnectTimeout},
		{"SPEECH_IDLE_TIMEOUT", &cfg.SpeechIdleTimeout},
		{"END_OF_TURN_FALLBACK", &cfg.EndOfTurnFallback},
		{"TEARDOWN_TIMEOUT", &cfg.TeardownTimeout},
		{"KEEPALIVE_INTERVAL", &cfg.KeepAliveInterval},
		{"SESSION_TTL", &cfg.SessionTTL},
		{"STORE_TIMEOUT", &cfg.StoreTimeout},
	}
	for _, d := range durations {
		v, err := durationFromEnv(d.key, *d.dst)
		if err != nil {
			return Config{}, err
		}
		*d.dst = v
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"DIALOGUE_MAX_TOOL_DEPTH", &cfg.DialogueMaxToolDepth},
		{"DIALOGUE_HISTORY_TOKEN_BUDGET", &cfg.DialogueHistoryTokenBudget},
		{"MAX_REASONING_FAILURES", &cfg.MaxReasoningFailures},
		{"ARCHIVE_CONTEXT_TURNS", &cfg.ArchiveContextTurns},
	}
	for _, n := range ints {
		v, err := intFromEnv(n.key, *n.dst)
		if err != nil {
			return Config{}, err
		}
		*n.dst = v
	}

	var err error
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if err := oneOf("STT_PROVIDER", c.STTProvider, "auto", "deepgram", "google", "elevenlabs", "mock"); err != nil {
		return err
	}
	if err := oneOf("TTS_PROVIDER", c.TTSProvider, "auto", "deepgram", "elevenlabs", "mock"); err != nil {
		return err
	}
	if err := oneOf("REASONING_PROVIDER", c.ReasoningProvider, "auto", "openai", "gemini", "mock"); err != nil {
		return err
	}
	if err := oneOf("SESSION_STORE", c.SessionStore, "auto", "memory", "redis", "postgres"); err != nil {
		return err
	}
	if err := oneOf("LOG_FORMAT", c.LogFormat, "json", "console"); err != nil {
		return err
	}
	if strings.EqualFold(c.SessionStore, "redis") && c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL must be set when SESSION_STORE=redis")
	}
	if strings.EqualFold(c.SessionStore, "postgres") && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL must be set when SESSION_STORE=postgres")
	}
	if c.DialogueMaxToolDepth <= 0 {
		return fmt.Errorf("DIALOGUE_MAX_TOOL_DEPTH must be positive")
	}
	if c.DialogueHistoryTokenBudget < 500 {
		return fmt.Errorf("DIALOGUE_HISTORY_TOKEN_BUDGET must be at least 500")
	}
	if c.MaxReasoningFailures <= 0 {
		return fmt.Errorf("MAX_REASONING_FAILURES must be positive")
	}
	if c.ArchiveContextTurns < 0 {
		return fmt.Errorf("ARCHIVE_CONTEXT_TURNS must be >= 0")
	}
	if c.SpeechIdleTimeout < 50*time.Millisecond {
		return fmt.Errorf("SPEECH_IDLE_TIMEOUT must be at least 50ms")
	}
	if c.SessionTTL < time.Minute {
		return fmt.Errorf("SESSION_TTL must be at least 1m")
	}
	if c.StoreTimeout <= 0 || c.TeardownTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT and TEARDOWN_TIMEOUT must be positive")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("BUSINESS_TIMEZONE must be an IANA zone: %w", err)
	}
	return nil
}

func oneOf(key, value string, allowed ...string) error {
	v := strings.ToLower(strings.TrimSpace(value))
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, "|"), value)
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func listFromEnv(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
