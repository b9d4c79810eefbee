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

	"github.com/gorilla/websocket"

	"github.com/ent0n29/callcore/internal/audio"
)

// DeepgramTTSProvider synthesizes over one persistent speak socket per call.
type DeepgramTTSProvider struct {
	cfg    DeepgramConfig
	dialer *websocket.Dialer
}

func NewDeepgramTTSProvider(cfg DeepgramConfig) *DeepgramTTSProvider {
	return &DeepgramTTSProvider{cfg: cfg.withDefaults(), dialer: websocket.DefaultDialer}
}

func (p *DeepgramTTSProvider) Name() string { return "deepgram" }

func (p *DeepgramTTSProvider) StartStream(ctx context.Context, opts TTSOptions) (TTSStream, error) {
	if strings.TrimSpace(p.cfg.APIKey) == "" {
		return nil, fmt.Errorf("deepgram api key not configured")
	}
	model := strings.TrimSpace(opts.VoiceID)
	if model == "" {
		model = p.cfg.TTSModel
	}
	encoding := opts.Encoding
	if encoding == "" {
		encoding = audio.Encoding
	}
	sampleRate := opts.SampleRate
	if sampleRate <= 0 {
		sampleRate = audio.SampleRate
	}

	values := url.Values{}
	values.Set("encoding", encoding)
	values.Set("sample_rate", strconv.Itoa(sampleRate))
	values.Set("model", model)
	values.Set("container", "none")
	speakURL := strings.TrimRight(p.cfg.WSBaseURL, "/") + "/v1/speak?" + values.Encode()

	conn, _, err := p.dialer.DialContext(ctx, speakURL, http.Header{"Authorization": {"Token " + p.cfg.APIKey}})
	if err != nil {
		return nil, fmt.Errorf("dial deepgram speak: %w", err)
	}
	s := newDeepgramTTSStream(conn, p.cfg.WriteTimeout)
	return s, nil
}

type dgSpeakMessage struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type dgInbound struct {
	binary bool
	data   []byte
}

type dgPending struct {
	ctx      context.Context
	text     string
	events   chan TTSEvent
	finished bool
}

func (p *dgPending) finish() {
	if !p.finished {
		p.finished = true
		close(p.events)
	}
}

type dgCommand struct {
	enqueue *dgPending
	clear   bool
	reply   chan error
}

// deepgramTTSStream serializes all per-increment bookkeeping in one router
// goroutine. Only the head increment has text on the socket; the next one is
// sent once the head is flushed.
type deepgramTTSStream struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration

	cmds      chan dgCommand
	inbound   chan dgInbound
	done      chan struct{}
	closeOnce sync.Once
}

func newDeepgramTTSStream(conn *websocket.Conn, writeTimeout time.Duration) *deepgramTTSStream {
	s := &deepgramTTSStream{
		conn:         conn,
		writeTimeout: writeTimeout,
		cmds:         make(chan dgCommand),
		inbound:      make(chan dgInbound, 64),
		done:         make(chan struct{}),
	}
	go s.readLoop()
	go s.route()
	return s
}

func (s *deepgramTTSStream) Synthesize(ctx context.Context, text string) (<-chan TTSEvent, error) {
	p := &dgPending{ctx: ctx, text: text, events: make(chan TTSEvent, 64)}
	if err := s.command(ctx, dgCommand{enqueue: p, reply: make(chan error, 1)}); err != nil {
		return nil, err
	}
	return p.events, nil
}

func (s *deepgramTTSStream) Clear(ctx context.Context) error {
	return s.command(ctx, dgCommand{clear: true, reply: make(chan error, 1)})
}

func (s *deepgramTTSStream) command(ctx context.Context, cmd dgCommand) error {
	select {
	case s.cmds <- cmd:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *deepgramTTSStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.writeJSON(dgSpeakMessage{Type: "Close"})
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

func (s *deepgramTTSStream) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteJSON(v)
}

func (s *deepgramTTSStream) readLoop() {
	defer close(s.inbound)
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case s.inbound <- dgInbound{binary: msgType == websocket.BinaryMessage, data: data}:
		case <-s.done:
			return
		}
	}
}

func (s *deepgramTTSStream) sendText(p *dgPending) error {
	if err := s.writeJSON(dgSpeakMessage{Type: "Speak", Text: p.text}); err != nil {
		return err
	}
	return s.writeJSON(dgSpeakMessage{Type: "Flush"})
}

func (s *deepgramTTSStream) route() {
	var queue []*dgPending
	// Audio and Flushed messages that arrive before the server acknowledges a
	// Clear belong to discarded text.
	awaitingCleared := 0
	sweep := time.NewTicker(100 * time.Millisecond)
	defer sweep.Stop()

	finishAll := func() {
		for _, p := range queue {
			p.finish()
		}
		queue = nil
	}
	defer finishAll()

	deliver := func(p *dgPending, ev TTSEvent) bool {
		if p.finished || p.ctx.Err() != nil {
			p.finish()
			return true
		}
		select {
		case p.events <- ev:
		case <-p.ctx.Done():
			p.finish()
		case <-s.done:
			return false
		}
		return true
	}

	for {
		select {
		case <-s.done:
			return
		case <-sweep.C:
			for _, p := range queue {
				if p.ctx.Err() != nil {
					p.finish()
				}
			}
		case cmd := <-s.cmds:
			switch {
			case cmd.enqueue != nil:
				queue = append(queue, cmd.enqueue)
				var err error
				if len(queue) == 1 {
					err = s.sendText(cmd.enqueue)
				}
				if err != nil {
					queue = queue[:len(queue)-1]
				}
				cmd.reply <- err
			case cmd.clear:
				finishAll()
				awaitingCleared++
				cmd.reply <- s.writeJSON(dgSpeakMessage{Type: "Clear"})
			}
		case msg, ok := <-s.inbound:
			if !ok {
				for _, p := range queue {
					if !p.finished {
						deliver(p, TTSEvent{Type: TTSEventError, Code: "closed", Detail: ErrUpstreamClosed.Error()})
					}
				}
				return
			}
			if msg.binary {
				if awaitingCleared > 0 || len(queue) == 0 {
					continue
				}
				if !deliver(queue[0], TTSEvent{Type: TTSEventAudio, Audio: msg.data}) {
					return
				}
				continue
			}
			var head struct {
				Type        string `json:"type"`
				Description string `json:"description"`
				ErrCode     string `json:"err_code"`
				ErrMsg      string `json:"err_msg"`
			}
			if err := json.Unmarshal(msg.data, &head); err != nil {
				continue
			}
			switch head.Type {
			case "Cleared":
				if awaitingCleared > 0 {
					awaitingCleared--
				}
			case "Flushed":
				if awaitingCleared > 0 || len(queue) == 0 {
					continue
				}
				queue[0].finish()
				queue = queue[1:]
				if len(queue) > 0 {
					if err := s.sendText(queue[0]); err != nil {
						finishAll()
					}
				}
			case "Metadata":
				if awaitingCleared == 0 && len(queue) > 0 {
					if !deliver(queue[0], TTSEvent{Type: TTSEventMetadata, Metadata: string(msg.data)}) {
						return
					}
				}
			case "Warning", "Error":
				if len(queue) == 0 {
					continue
				}
				detail := head.Description
				if detail == "" {
					detail = head.ErrMsg
				}
				if !deliver(queue[0], TTSEvent{Type: TTSEventError, Code: head.ErrCode, Detail: detail, Retryable: head.Type == "Warning"}) {
					return
				}
			}
		}
	}
}
