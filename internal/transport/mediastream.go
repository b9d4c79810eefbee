// Package transport adapts a telephony media websocket into typed call events.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/callcore/internal/audio"
	"github.com/ent0n29/callcore/internal/observability"
	"github.com/ent0n29/callcore/internal/protocol"
)

type EventKind uint8

const (
	KindConnected EventKind = iota + 1
	KindCallStarted
	KindAudio
	KindMark
	KindCallEnded
)

func (k EventKind) String() string {
	switch k {
	case KindConnected:
		return "connected"
	case KindCallStarted:
		return "call_started"
	case KindAudio:
		return "audio"
	case KindMark:
		return "mark"
	case KindCallEnded:
		return "call_ended"
	default:
		return "unknown"
	}
}

// CallStarted carries stream metadata from the start event.
type CallStarted struct {
	StreamID     string
	CallID       string
	CallerNumber string
	Params       map[string]string
	Format       protocol.MediaFormat
}

// Event is one normalized inbound transport event. Exactly one payload field
// is meaningful for a given Kind.
type Event struct {
	Kind  EventKind
	Start CallStarted
	Frame audio.Frame
	Mark  string
}

var (
	ErrStreamClosed = errors.New("media stream closed")
	ErrNotStarted   = errors.New("media stream not started")
)

const (
	defaultWriteTimeout = 5 * time.Second
	inboundQueueSize    = 64
	maxMessageBytes     = 1 << 20
)

// wsConn is the subset of *websocket.Conn the adapter uses.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// MediaStream is the Audio Transport Adapter for one call. Inbound messages
// are read by a single goroutine into a bounded queue; a full queue stops
// reading from the socket.
type MediaStream struct {
	conn         wsConn
	logger       zerolog.Logger
	metrics      *observability.Metrics
	writeTimeout time.Duration

	writeMu  sync.Mutex
	mu       sync.RWMutex
	streamID string

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func NewMediaStream(conn *websocket.Conn, metrics *observability.Metrics, logger zerolog.Logger) *MediaStream {
	conn.SetReadLimit(maxMessageBytes)
	return newMediaStream(conn, metrics, logger)
}

func newMediaStream(conn wsConn, metrics *observability.Metrics, logger zerolog.Logger) *MediaStream {
	m := &MediaStream{
		conn:         conn,
		logger:       logger,
		metrics:      metrics,
		writeTimeout: defaultWriteTimeout,
		events:       make(chan Event, inboundQueueSize),
		done:         make(chan struct{}),
	}
	go m.readLoop()
	return m
}

// Next blocks until the next inbound event, ctx cancellation, or stream end.
func (m *MediaStream) Next(ctx context.Context) (Event, error) {
	select {
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case ev, ok := <-m.events:
		if !ok {
			return Event{}, ErrStreamClosed
		}
		return ev, nil
	}
}

func (m *MediaStream) StreamID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.streamID
}

func (m *MediaStream) readLoop() {
	defer close(m.events)
	for {
		msgType, data, err := m.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case <-m.done:
				default:
					m.logger.Debug().Err(err).Msg("media stream read ended")
				}
			}
			return
		}
		if msgType != websocket.TextMessage {
			m.drop("non_text", nil)
			continue
		}

		ev, ok := m.translate(data)
		if !ok {
			continue
		}
		select {
		case m.events <- ev:
		case <-m.done:
			return
		}
		if ev.Kind == KindCallEnded {
			return
		}
	}
}

func (m *MediaStream) translate(data []byte) (Event, bool) {
	parsed, err := protocol.ParseInboundEvent(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnsupportedEvent) {
			m.drop("unsupported", nil)
		} else {
			m.drop("malformed", err)
		}
		return Event{}, false
	}

	switch msg := parsed.(type) {
	case protocol.Connected:
		m.metrics.TransportMessage("inbound", string(protocol.EventConnected))
		return Event{Kind: KindConnected}, true
	case protocol.Start:
		m.metrics.TransportMessage("inbound", string(protocol.EventStart))
		m.mu.Lock()
		m.streamID = msg.StreamSID
		m.mu.Unlock()
		callID := msg.Start.CallSID
		if callID == "" {
			callID = msg.StreamSID
		}
		return Event{Kind: KindCallStarted, Start: CallStarted{
			StreamID:     msg.StreamSID,
			CallID:       callID,
			CallerNumber: msg.CallerNumber(),
			Params:       msg.Start.CustomParameters,
			Format:       msg.Start.MediaFormat,
		}}, true
	case protocol.Media:
		if msg.Media.Track != "" && msg.Media.Track != "inbound" {
			m.drop("outbound_track", nil)
			return Event{}, false
		}
		payload, err := msg.Audio()
		if err != nil {
			m.drop("bad_payload", err)
			return Event{}, false
		}
		m.metrics.TransportMessage("inbound", string(protocol.EventMedia))
		return Event{Kind: KindAudio, Frame: audio.Frame{Direction: audio.Inbound, Payload: payload}}, true
	case protocol.Mark:
		m.metrics.TransportMessage("inbound", string(protocol.EventMark))
		return Event{Kind: KindMark, Mark: msg.Mark.Name}, true
	case protocol.Stop:
		m.metrics.TransportMessage("inbound", string(protocol.EventStop))
		return Event{Kind: KindCallEnded}, true
	default:
		m.drop("unsupported", nil)
		return Event{}, false
	}
}

func (m *MediaStream) drop(reason string, err error) {
	m.metrics.DroppedFrame(reason)
	if err != nil {
		m.logger.Warn().Err(err).Str("reason", reason).Msg("dropped inbound media stream message")
		return
	}
	m.logger.Debug().Str("reason", reason).Msg("dropped inbound media stream message")
}

// SendAudio writes one outbound audio frame as a media event.
func (m *MediaStream) SendAudio(ctx context.Context, frame audio.Frame) error {
	if frame.Empty() {
		return nil
	}
	streamID := m.StreamID()
	if streamID == "" {
		return ErrNotStarted
	}
	if err := m.writeJSON(ctx, protocol.NewOutboundMedia(streamID, frame.Payload)); err != nil {
		return err
	}
	m.metrics.TransportMessage("outbound", string(protocol.EventMedia))
	return nil
}

// Clear tells the telephony side to drop any audio it has buffered for playback.
func (m *MediaStream) Clear(ctx context.Context) error {
	streamID := m.StreamID()
	if streamID == "" {
		return ErrNotStarted
	}
	if err := m.writeJSON(ctx, protocol.NewClear(streamID)); err != nil {
		return err
	}
	m.metrics.TransportMessage("outbound", string(protocol.EventClear))
	return nil
}

// Mark asks the telephony side to echo name once preceding audio has played.
func (m *MediaStream) Mark(ctx context.Context, name string) error {
	streamID := m.StreamID()
	if streamID == "" {
		return ErrNotStarted
	}
	if err := m.writeJSON(ctx, protocol.NewMark(streamID, name)); err != nil {
		return err
	}
	m.metrics.TransportMessage("outbound", string(protocol.EventMark))
	return nil
}

func (m *MediaStream) writeJSON(ctx context.Context, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal outbound event: %w", err)
	}
	select {
	case <-m.done:
		return ErrStreamClosed
	default:
	}

	deadline := time.Now().Add(m.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = m.conn.SetWriteDeadline(deadline)
	if err := m.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write outbound event: %w", err)
	}
	return nil
}

// Close releases the socket. Safe to call multiple times.
func (m *MediaStream) Close() error {
	var retErr error
	m.closeOnce.Do(func() {
		close(m.done)
		m.writeMu.Lock()
		_ = m.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = m.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		m.writeMu.Unlock()
		retErr = m.conn.Close()
	})
	return retErr
}
