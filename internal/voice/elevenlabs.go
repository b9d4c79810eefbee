package voice

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/callcore/internal/audio"
	"github.com/ent0n29/callcore/internal/observability"
	"github.com/ent0n29/callcore/internal/reliability"
)

type ElevenLabsConfig struct {
	APIKey       string
	BaseURL      string
	WSBaseURL    string
	STTModelID   string
	TTSModelID   string
	Stability    float64
	Similarity   float64
	Speed        float64
	WriteTimeout time.Duration
}

// ElevenLabsProvider implements both directions: realtime STT over a
// websocket and streaming TTS over chunked HTTP, both in telephony mu-law.
type ElevenLabsProvider struct {
	cfg    ElevenLabsConfig
	client *http.Client
}

func NewElevenLabsProvider(cfg ElevenLabsConfig) *ElevenLabsProvider {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.STTModelID) == "" {
		cfg.STTModelID = "scribe_v1"
	}
	if strings.TrimSpace(cfg.TTSModelID) == "" {
		cfg.TTSModelID = "eleven_flash_v2_5"
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	// Streaming bodies are bounded by the per-increment context, not a client timeout.
	return &ElevenLabsProvider{cfg: cfg, client: observability.NewHTTPClient(0)}
}

func (p *ElevenLabsProvider) Name() string { return "elevenlabs" }

func (p *ElevenLabsProvider) STT() STTProvider { return elevenSTTProvider{p} }

func (p *ElevenLabsProvider) TTS() TTSProvider { return elevenTTSProvider{p} }

type elevenSTTProvider struct{ p *ElevenLabsProvider }

func (e elevenSTTProvider) Name() string { return e.p.Name() }

func (e elevenSTTProvider) StartStream(ctx context.Context, _ string) (STTStream, error) {
	p := e.p
	u, err := url.Parse(strings.TrimRight(p.cfg.WSBaseURL, "/") + "/v1/speech-to-text/realtime")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("model_id", p.cfg.STTModelID)
	q.Set("commit_strategy", "vad")
	q.Set("audio_format", "ulaw_8000")
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("xi-api-key", p.cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, fmt.Errorf("dial stt websocket: %w", err)
	}

	s := &elevenSTTSession{
		conn:         conn,
		events:       make(chan STTEvent, 256),
		done:         make(chan struct{}),
		writeTimeout: p.cfg.WriteTimeout,
	}
	go s.readLoop()
	return s, nil
}

type elevenSTTSession struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex
	closeOnce    sync.Once
	events       chan STTEvent
	done         chan struct{}
	writeTimeout time.Duration
}

func (s *elevenSTTSession) SendAudio(_ context.Context, frame []byte) error {
	payload := map[string]any{
		"message_type":  "input_audio_chunk",
		"audio_base_64": base64.StdEncoding.EncodeToString(frame),
		"commit":        false,
		"sample_rate":   audio.SampleRate,
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteJSON(payload)
}

// KeepAlive feeds a little silence; the realtime endpoint idles out otherwise.
func (s *elevenSTTSession) KeepAlive(ctx context.Context) error {
	return s.SendAudio(ctx, audio.Silence(100*time.Millisecond))
}

func (s *elevenSTTSession) Events() <-chan STTEvent { return s.events }

func (s *elevenSTTSession) push(ev STTEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *elevenSTTSession) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}
		messageType := asString(raw["message_type"])
		var ev STTEvent
		switch messageType {
		case "partial_transcript":
			ev = STTEvent{Type: STTEventInterim, Text: asString(raw["text"])}
		case "committed_transcript", "committed_transcript_with_timestamps":
			ev = STTEvent{Type: STTEventFinal, Text: asString(raw["text"]), EndOfTurn: true}
		case "", "session_started", "input_audio_chunk":
			continue
		default:
			ev = STTEvent{
				Type:      STTEventError,
				Code:      messageType,
				Detail:    asString(raw["error"]),
				Retryable: isRetryableElevenMessageType(messageType),
			}
		}
		if !s.push(ev) {
			return
		}
	}
}

func (s *elevenSTTSession) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		close(s.done)
		retErr = s.conn.Close()
	})
	return retErr
}

type elevenTTSProvider struct{ p *ElevenLabsProvider }

func (e elevenTTSProvider) Name() string { return e.p.Name() }

func (e elevenTTSProvider) StartStream(_ context.Context, opts TTSOptions) (TTSStream, error) {
	if strings.TrimSpace(opts.VoiceID) == "" {
		return nil, fmt.Errorf("voice_id is required")
	}
	modelID := strings.TrimSpace(opts.ModelID)
	if modelID == "" {
		modelID = e.p.cfg.TTSModelID
	}
	return &elevenTTSStream{
		p:        e.p,
		voiceID:  opts.VoiceID,
		modelID:  modelID,
		settings: e.p.voiceSettings(),
		active:   make(map[uint64]context.CancelFunc),
	}, nil
}

type elevenVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed"`
}

func clampSetting(v, def, lo, hi float64) float64 {
	if v <= 0 {
		v = def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (p *ElevenLabsProvider) voiceSettings() elevenVoiceSettings {
	return elevenVoiceSettings{
		Stability:       clampSetting(p.cfg.Stability, 0.42, 0, 1),
		SimilarityBoost: clampSetting(p.cfg.Similarity, 0.85, 0, 1),
		Speed:           clampSetting(p.cfg.Speed, 1.0, 0.7, 1.2),
	}
}

// elevenTTSStream issues one streaming HTTP request per increment. Clear
// cancels every request still in flight.
type elevenTTSStream struct {
	p        *ElevenLabsProvider
	voiceID  string
	modelID  string
	settings elevenVoiceSettings

	mu     sync.Mutex
	nextID uint64
	active map[uint64]context.CancelFunc
	closed bool
}

func (s *elevenTTSStream) Synthesize(ctx context.Context, text string) (<-chan TTSEvent, error) {
	body, err := json.Marshal(map[string]any{
		"text":           text,
		"model_id":       s.modelID,
		"voice_settings": s.settings,
	})
	if err != nil {
		return nil, err
	}
	endpoint := strings.TrimRight(s.p.cfg.BaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(s.voiceID) + "/stream?output_format=ulaw_8000"

	reqCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return nil, ErrSessionClosed
	}
	s.nextID++
	id := s.nextID
	s.active[id] = cancel
	s.mu.Unlock()
	release := func() {
		s.mu.Lock()
		delete(s.active, id)
		s.mu.Unlock()
		cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		release()
		return nil, err
	}
	req.Header.Set("xi-api-key", s.p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/basic")

	events := make(chan TTSEvent, 32)
	go func() {
		defer close(events)
		defer release()
		resp, err := s.p.client.Do(req)
		if err != nil {
			if reqCtx.Err() == nil {
				sendTTSEvent(reqCtx, events, TTSEvent{Type: TTSEventError, Code: "request", Detail: err.Error(), Retryable: reliability.IsTimeout(err)})
			}
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			sendTTSEvent(reqCtx, events, TTSEvent{
				Type:      TTSEventError,
				Code:      strconv.Itoa(resp.StatusCode),
				Detail:    strings.TrimSpace(string(detail)),
				Retryable: reliability.IsRetryableHTTPStatus(resp.StatusCode),
			})
			return
		}
		buf := make([]byte, 4*audio.FrameBytes)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				if !sendTTSEvent(reqCtx, events, TTSEvent{Type: TTSEventAudio, Audio: chunk}) {
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && reqCtx.Err() == nil {
					sendTTSEvent(reqCtx, events, TTSEvent{Type: TTSEventError, Code: "read", Detail: err.Error()})
				}
				return
			}
		}
	}()
	return events, nil
}

func sendTTSEvent(ctx context.Context, ch chan<- TTSEvent, ev TTSEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *elevenTTSStream) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.active {
		cancel()
	}
	return nil
}

func (s *elevenTTSStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, cancel := range s.active {
		cancel()
	}
	return nil
}

// isRetryableElevenMessageType classifies realtime error message types that
// are transient on the provider side.
func isRetryableElevenMessageType(messageType string) bool {
	switch strings.ToLower(strings.TrimSpace(messageType)) {
	case "rate_limited", "resource_exhausted", "queue_overflow":
		return true
	default:
		return false
	}
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}
