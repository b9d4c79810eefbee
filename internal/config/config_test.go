package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want :8080", cfg.BindAddr)
	}
	if cfg.SpeechIdleTimeout != 500*time.Millisecond {
		t.Fatalf("SpeechIdleTimeout = %s, want 500ms", cfg.SpeechIdleTimeout)
	}
	if cfg.DialogueMaxToolDepth != 5 {
		t.Fatalf("DialogueMaxToolDepth = %d, want 5", cfg.DialogueMaxToolDepth)
	}
	if cfg.SessionStore != "auto" || cfg.STTProvider != "auto" || cfg.ReasoningProvider != "auto" {
		t.Fatalf("providers = %q/%q/%q, want auto", cfg.SessionStore, cfg.STTProvider, cfg.ReasoningProvider)
	}
	if len(cfg.KafkaBrokers) != 0 {
		t.Fatalf("KafkaBrokers = %v, want none", cfg.KafkaBrokers)
	}
}

func TestLoadOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9191")
	t.Setenv("SPEECH_IDLE_TIMEOUT", "750ms")
	t.Setenv("DIALOGUE_MAX_TOOL_DEPTH", "3")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,,")
	t.Setenv("SESSION_STORE", "redis")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("APP_ALLOW_ANY_ORIGIN", "yes")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9191" || cfg.SpeechIdleTimeout != 750*time.Millisecond || cfg.DialogueMaxToolDepth != 3 {
		t.Fatalf("Load() = %+v", cfg)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "kafka-2:9092" {
		t.Fatalf("KafkaBrokers = %v", cfg.KafkaBrokers)
	}
	if !cfg.AllowAnyOrigin {
		t.Fatalf("AllowAnyOrigin = false, want true")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"bad provider", map[string]string{"STT_PROVIDER": "whisper"}, "STT_PROVIDER must be one of"},
		{"bad duration", map[string]string{"SPEECH_IDLE_TIMEOUT": "soon"}, "SPEECH_IDLE_TIMEOUT parse error"},
		{"zero depth", map[string]string{"DIALOGUE_MAX_TOOL_DEPTH": "0"}, "DIALOGUE_MAX_TOOL_DEPTH must be positive"},
		{"redis without url", map[string]string{"SESSION_STORE": "redis"}, "REDIS_URL must be set"},
		{"postgres without url", map[string]string{"SESSION_STORE": "postgres"}, "DATABASE_URL must be set"},
		{"bad bool", map[string]string{"APP_ALLOW_ANY_ORIGIN": "maybe"}, "APP_ALLOW_ANY_ORIGIN parse error"},
		{"bad zone", map[string]string{"BUSINESS_TIMEZONE": "Mars/Olympus"}, "BUSINESS_TIMEZONE must be"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setCoreEnvEmpty(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Load() error = %v, want %q", err, tc.want)
			}
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"BUSINESS_NAME",
		"BUSINESS_TIMEZONE",
		"ASSISTANT_PERSONA",
		"CALL_GREETING",
		"STT_PROVIDER",
		"TTS_PROVIDER",
		"DEEPGRAM_API_KEY",
		"ELEVENLABS_API_KEY",
		"REASONING_PROVIDER",
		"OPENAI_API_KEY",
		"GEMINI_API_KEY",
		"REASONING_TIMEOUT",
		"TOOL_ROUTER_URL",
		"TOOL_TIMEOUT",
		"DIALOGUE_MAX_TOOL_DEPTH",
		"DIALOGUE_HISTORY_TOKEN_BUDGET",
		"CALL_START_TIMEOUT",
		"SPEECH_IDLE_TIMEOUT",
		"END_OF_TURN_FALLBACK",
		"TEARDOWN_TIMEOUT",
		"SESSION_STORE",
		"REDIS_URL",
		"DATABASE_URL",
		"SESSION_TTL",
		"STORE_TIMEOUT",
		"KAFKA_BROKERS",
		"ARCHIVE_CONTEXT_TURNS",
		"APOLOGY_AUDIO_PATH",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
