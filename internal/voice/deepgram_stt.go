package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/callcore/internal/audio"
)

type DeepgramConfig struct {
	APIKey       string
	WSBaseURL    string
	STTModel     string
	TTSModel     string
	Language     string
	WriteTimeout time.Duration
}

func (c DeepgramConfig) withDefaults() DeepgramConfig {
	if strings.TrimSpace(c.WSBaseURL) == "" {
		c.WSBaseURL = "wss://api.deepgram.com"
	}
	if strings.TrimSpace(c.STTModel) == "" {
		c.STTModel = "nova-3"
	}
	if strings.TrimSpace(c.TTSModel) == "" {
		c.TTSModel = "aura-2-thalia-en"
	}
	if strings.TrimSpace(c.Language) == "" {
		c.Language = "en-US"
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 2 * time.Second
	}
	return c
}

// DeepgramSTTProvider streams caller audio to the Deepgram listen endpoint.
type DeepgramSTTProvider struct {
	cfg    DeepgramConfig
	dialer *websocket.Dialer
}

func NewDeepgramSTTProvider(cfg DeepgramConfig) *DeepgramSTTProvider {
	return &DeepgramSTTProvider{cfg: cfg.withDefaults(), dialer: websocket.DefaultDialer}
}

func (p *DeepgramSTTProvider) Name() string { return "deepgram" }

func (p *DeepgramSTTProvider) listenURL() (string, error) {
	u, err := url.Parse(strings.TrimRight(p.cfg.WSBaseURL, "/") + "/v1/listen")
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("encoding", audio.Encoding)
	q.Set("sample_rate", strconv.Itoa(audio.SampleRate))
	q.Set("channels", "1")
	q.Set("model", p.cfg.STTModel)
	q.Set("language", p.cfg.Language)
	q.Set("smart_format", "true")
	q.Set("interim_results", "true")
	q.Set("utterance_end_ms", "1000")
	q.Set("endpointing", "300")
	q.Set("vad_events", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (p *DeepgramSTTProvider) StartStream(ctx context.Context, _ string) (STTStream, error) {
	if strings.TrimSpace(p.cfg.APIKey) == "" {
		return nil, fmt.Errorf("deepgram api key not configured")
	}
	listenURL, err := p.listenURL()
	if err != nil {
		return nil, err
	}
	conn, _, err := p.dialer.DialContext(ctx, listenURL, http.Header{"Authorization": {"Token " + p.cfg.APIKey}})
	if err != nil {
		return nil, fmt.Errorf("dial deepgram listen: %w", err)
	}
	s := &deepgramSTTStream{
		conn:         conn,
		events:       make(chan STTEvent, 256),
		done:         make(chan struct{}),
		writeTimeout: p.cfg.WriteTimeout,
	}
	go s.readLoop()
	return s, nil
}

type deepgramSTTStream struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex
	closeOnce    sync.Once
	events       chan STTEvent
	done         chan struct{}
	writeTimeout time.Duration
}

type deepgramControl struct {
	Type string `json:"type"`
}

func (s *deepgramSTTStream) SendAudio(_ context.Context, frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (s *deepgramSTTStream) KeepAlive(_ context.Context) error {
	return s.writeJSON(deepgramControl{Type: "KeepAlive"})
}

func (s *deepgramSTTStream) Events() <-chan STTEvent { return s.events }

// Close asks Deepgram to finalize, then tears down the socket. The read loop
// closes Events.
func (s *deepgramSTTStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.writeJSON(deepgramControl{Type: string(api.TypeCloseStreamResponse)})
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

func (s *deepgramSTTStream) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteJSON(v)
}

func (s *deepgramSTTStream) readLoop() {
	defer close(s.events)
	for {
		msgType, msg, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && !isUseOfClosedConn(err) {
				s.push(STTEvent{Type: STTEventError, Code: "read", Detail: err.Error()})
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		for _, ev := range parseDeepgramListenMessage(msg) {
			if !s.push(ev) {
				return
			}
		}
	}
}

func (s *deepgramSTTStream) push(ev STTEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// parseDeepgramListenMessage maps one listen-socket message to zero or more
// stream events.
func parseDeepgramListenMessage(msg []byte) []STTEvent {
	var head struct {
		Type        string `json:"type"`
		Description string `json:"description"`
		Message     string `json:"message"`
	}
	if err := json.Unmarshal(msg, &head); err != nil {
		return nil
	}
	switch api.TypeResponse(head.Type) {
	case api.TypeMessageResponse:
		var resp api.MessageResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			return nil
		}
		var text string
		var confidence float64
		if len(resp.Channel.Alternatives) > 0 {
			text = strings.TrimSpace(resp.Channel.Alternatives[0].Transcript)
			confidence = resp.Channel.Alternatives[0].Confidence
		}
		if !resp.IsFinal {
			if text == "" {
				return nil
			}
			return []STTEvent{{Type: STTEventInterim, Text: text, Confidence: confidence}}
		}
		if text == "" && !resp.SpeechFinal {
			return nil
		}
		return []STTEvent{{Type: STTEventFinal, Text: text, Confidence: confidence, EndOfTurn: resp.SpeechFinal}}
	case api.TypeUtteranceEndResponse:
		return []STTEvent{{Type: STTEventUtteranceEnd}}
	case api.TypeSpeechStartedResponse:
		return []STTEvent{{Type: STTEventSpeechStarted}}
	case "Error":
		detail := head.Description
		if detail == "" {
			detail = head.Message
		}
		return []STTEvent{{Type: STTEventError, Code: "provider", Detail: detail}}
	default:
		return nil
	}
}

func isUseOfClosedConn(err error) bool {
	return err != nil && strings.Contains(err.Error(), "use of closed network connection")
}
