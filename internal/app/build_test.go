package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/callcore/internal/config"
	"github.com/ent0n29/callcore/internal/session"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		MetricsNamespace:           fmt.Sprintf("callcore_test_app_%d", time.Now().UnixNano()),
		BusinessName:               "Northside Auto",
		Timezone:                   "America/Chicago",
		STTProvider:                "mock",
		TTSProvider:                "mock",
		ReasoningProvider:          "mock",
		SessionStore:               "memory",
		SessionTTL:                 time.Hour,
		DialogueMaxToolDepth:       5,
		DialogueHistoryTokenBudget: 4000,
		ReasoningTimeout:           5 * time.Second,
		ToolTimeout:                2 * time.Second,
		CallStartTimeout:           time.Second,
		SpeechIdleTimeout:          200 * time.Millisecond,
		MaxReasoningFailures:       3,
	}
}

func TestBuildWithMockBackends(t *testing.T) {
	res, err := Build(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer func() {
		if err := res.Cleanup(); err != nil {
			t.Fatalf("Cleanup() error = %v", err)
		}
	}()

	if _, ok := res.Store.(*session.MemoryStore); !ok {
		t.Fatalf("Store = %T, want *session.MemoryStore", res.Store)
	}
	if res.Voice.STTProvider != "mock" || res.Voice.TTSProvider != "mock" {
		t.Fatalf("Voice = %+v", res.Voice)
	}
	if res.Calls.cfg.Conversation.Location.String() != "America/Chicago" {
		t.Fatalf("Location = %s", res.Calls.cfg.Conversation.Location)
	}
	if len(res.Calls.deps.ToolSpecs) == 0 {
		t.Fatalf("no tool specs wired")
	}

	ts := httptest.NewServer(res.API.Router())
	defer ts.Close()
	resp, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz status = %d", resp.StatusCode)
	}
}

func TestBuildLoadsApologyClip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sorry.ulaw")
	clip := []byte{0x7f, 0xff, 0x7f, 0xff}
	if err := os.WriteFile(path, clip, 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	cfg := testConfig(t)
	cfg.ApologyAudioPath = path

	res, err := Build(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer res.Cleanup()

	if string(res.Calls.deps.ApologyClip) != string(clip) {
		t.Fatalf("ApologyClip = %v, want %v", res.Calls.deps.ApologyClip, clip)
	}
}

func TestBuildFailsOnMissingClip(t *testing.T) {
	cfg := testConfig(t)
	cfg.ApologyAudioPath = filepath.Join(t.TempDir(), "missing.wav")

	_, err := Build(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "apology clip") {
		t.Fatalf("Build() error = %v, want apology clip error", err)
	}
}

func TestCallConfigMapsSettings(t *testing.T) {
	cfg := testConfig(t)
	cfg.Greeting = "Thanks for calling Northside Auto."
	cfg.KeepAliveInterval = 3 * time.Second
	cfg.DialogueMaxToolDepth = 2

	out, err := callConfig(cfg, voiceSetup{defaultVoiceID: "v1", defaultModelID: "m1"})
	if err != nil {
		t.Fatalf("callConfig() error = %v", err)
	}
	if out.Greeting != cfg.Greeting {
		t.Fatalf("Greeting = %q", out.Greeting)
	}
	if out.Dialogue.MaxToolDepth != 2 {
		t.Fatalf("MaxToolDepth = %d, want 2", out.Dialogue.MaxToolDepth)
	}
	if out.Recognition.KeepAliveInterval != 3*time.Second {
		t.Fatalf("KeepAliveInterval = %s", out.Recognition.KeepAliveInterval)
	}
	if out.TTSOptions.VoiceID != "v1" || out.TTSOptions.ModelID != "m1" {
		t.Fatalf("TTSOptions = %+v", out.TTSOptions)
	}

	cfg.Timezone = "Mars/Olympus"
	if _, err := callConfig(cfg, voiceSetup{}); err == nil {
		t.Fatalf("callConfig() accepted an unknown timezone")
	}
}
