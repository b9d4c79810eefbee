package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/callcore/internal/audio"
	"github.com/ent0n29/callcore/internal/observability"
	"github.com/ent0n29/callcore/internal/reliability"
)

type TranscriptKind uint8

const (
	TranscriptInterim TranscriptKind = iota + 1
	TranscriptFinal
)

func (k TranscriptKind) String() string {
	switch k {
	case TranscriptInterim:
		return "interim"
	case TranscriptFinal:
		return "final"
	default:
		return "unknown"
	}
}

// TranscriptEvent is a recognition result surfaced to the call orchestrator.
// A Final with empty Text and EndOfTurn set marks an utterance boundary.
type TranscriptEvent struct {
	Kind      TranscriptKind
	Text      string
	Seq       uint64
	EndOfTurn bool
}

type RecognitionConfig struct {
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	OpenTimeout       time.Duration
	EventBuffer       int
}

func (c RecognitionConfig) withDefaults() RecognitionConfig {
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 5 * time.Second
	}
	if c.KeepAliveTimeout <= 0 {
		c.KeepAliveTimeout = 2 * time.Second
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 5 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 64
	}
	return c
}

// RecognitionSession owns one upstream STT stream for the lifetime of a call.
// It forwards caller frames, keeps the upstream alive while the caller is
// silent, and translates provider events into TranscriptEvents.
type RecognitionSession struct {
	provider STTProvider
	callID   string
	cfg      RecognitionConfig
	metrics  *observability.Metrics
	logger   zerolog.Logger

	mu       sync.Mutex
	stream   STTStream
	lastSend time.Time
	err      error

	events    chan TranscriptEvent
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
	seq       atomic.Uint64
	wg        sync.WaitGroup
}

func NewRecognitionSession(provider STTProvider, callID string, cfg RecognitionConfig, metrics *observability.Metrics, logger zerolog.Logger) *RecognitionSession {
	cfg = cfg.withDefaults()
	return &RecognitionSession{
		provider: provider,
		callID:   callID,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger.With().Str("component", "recognition").Str("stt_provider", provider.Name()).Logger(),
		events:   make(chan TranscriptEvent, cfg.EventBuffer),
		done:     make(chan struct{}),
	}
}

// Open dials the provider. It must be called once before Feed.
func (s *RecognitionSession) Open(ctx context.Context) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	openCtx, cancel := context.WithTimeout(ctx, s.cfg.OpenTimeout)
	defer cancel()

	stream, err := s.provider.StartStream(openCtx, s.callID)
	if err != nil {
		s.metrics.ProviderError(s.provider.Name(), "open")
		return fmt.Errorf("open recognition stream: %w", err)
	}

	s.mu.Lock()
	s.stream = stream
	s.lastSend = time.Now()
	s.mu.Unlock()

	s.wg.Add(2)
	go s.pump(stream)
	go s.heartbeat(stream)
	return nil
}

// Feed forwards one caller frame. Empty frames are ignored because several
// providers treat a zero-length payload as end of stream.
func (s *RecognitionSession) Feed(ctx context.Context, frame audio.Frame) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if frame.Empty() {
		return nil
	}
	s.mu.Lock()
	stream := s.stream
	if err := s.err; err != nil {
		s.mu.Unlock()
		return err
	}
	s.lastSend = time.Now()
	s.mu.Unlock()
	if stream == nil {
		return errors.New("recognition session not open")
	}
	if err := stream.SendAudio(ctx, frame.Payload); err != nil {
		s.metrics.ProviderError(s.provider.Name(), "send")
		return fmt.Errorf("send audio: %w", err)
	}
	return nil
}

// Events is closed once the session terminates.
func (s *RecognitionSession) Events() <-chan TranscriptEvent { return s.events }

// Done is closed once the session terminates, locally or by failure.
func (s *RecognitionSession) Done() <-chan struct{} { return s.done }

// Err reports the terminal failure, if any. It is nil after a clean Close.
func (s *RecognitionSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *RecognitionSession) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		s.mu.Lock()
		stream := s.stream
		s.mu.Unlock()
		if stream != nil {
			closeErr = stream.Close()
		}
		s.wg.Wait()
		close(s.events)
	})
	return closeErr
}

func (s *RecognitionSession) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.logger.Error().Err(err).Msg("recognition session failed")
	go func() { _ = s.Close() }()
}

func (s *RecognitionSession) emit(ev TranscriptEvent) {
	ev.Seq = s.seq.Add(1)
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *RecognitionSession) pump(stream STTStream) {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-stream.Events():
			if !ok {
				if !s.closed.Load() {
					s.fail(ErrUpstreamClosed)
				}
				return
			}
			switch ev.Type {
			case STTEventInterim:
				text := strings.TrimSpace(ev.Text)
				if text == "" {
					continue
				}
				s.emit(TranscriptEvent{Kind: TranscriptInterim, Text: text})
			case STTEventFinal:
				text := strings.TrimSpace(ev.Text)
				if text == "" && !ev.EndOfTurn {
					continue
				}
				s.emit(TranscriptEvent{Kind: TranscriptFinal, Text: text, EndOfTurn: ev.EndOfTurn})
			case STTEventUtteranceEnd:
				s.emit(TranscriptEvent{Kind: TranscriptFinal, EndOfTurn: true})
			case STTEventSpeechStarted:
				// VAD onsets fire on line noise; barge-in waits for an interim with text.
				s.logger.Debug().Msg("speech started")
			case STTEventError:
				s.metrics.ProviderError(s.provider.Name(), ev.Code)
				if ev.Retryable {
					s.logger.Warn().Str("code", ev.Code).Str("detail", ev.Detail).Msg("recognition provider error")
					continue
				}
				s.fail(fmt.Errorf("recognition provider error %s: %s", ev.Code, ev.Detail))
				return
			}
		}
	}
}

func (s *RecognitionSession) heartbeat(stream STTStream) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.KeepAliveInterval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
		s.mu.Lock()
		idle := time.Since(s.lastSend)
		s.mu.Unlock()
		if idle < s.cfg.KeepAliveInterval {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.KeepAliveTimeout)
		err := reliability.Retry(ctx, 2, 100*time.Millisecond, 500*time.Millisecond, nil, stream.KeepAlive)
		cancel()
		if err != nil {
			if s.closed.Load() {
				return
			}
			s.metrics.ProviderError(s.provider.Name(), "keepalive")
			s.fail(fmt.Errorf("recognition keepalive: %w", err))
			return
		}
		s.mu.Lock()
		s.lastSend = time.Now()
		s.mu.Unlock()
	}
}
