package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/callcore/internal/audio"
	"github.com/ent0n29/callcore/internal/observability"
)

var ErrSynthesisBacklog = errors.New("synthesis backlog full")

type SynthesisKind uint8

const (
	SynthesisAudio SynthesisKind = iota + 1
	SynthesisMetadata
	SynthesisIncrementDone
	SynthesisError
)

// SynthesisEvent is produced in increment order. Generation identifies the
// playback epoch; events from a generation older than Generation() are stale.
type SynthesisEvent struct {
	Kind       SynthesisKind
	Frame      audio.Frame
	Metadata   string
	Err        error
	Generation uint64
}

type SynthesisConfig struct {
	MaxInFlight      int
	IncrementTimeout time.Duration
	QueueSize        int
	OutputBuffer     int
}

func (c SynthesisConfig) withDefaults() SynthesisConfig {
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 4
	}
	if c.IncrementTimeout <= 0 {
		c.IncrementTimeout = 10 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	if c.OutputBuffer <= 0 {
		c.OutputBuffer = 256
	}
	return c
}

type increment struct {
	gen    uint64
	text   string
	ctx    context.Context
	ready  chan struct{}
	events <-chan TTSEvent
	err    error
	cancel context.CancelFunc
}

// SynthesisSession turns text increments into outbound audio frames. Speak
// never blocks on the provider; increments are synthesized concurrently up to
// MaxInFlight but their audio is always emitted in Speak order.
type SynthesisSession struct {
	stream  TTSStream
	name    string
	cfg     SynthesisConfig
	metrics *observability.Metrics
	logger  zerolog.Logger

	mu        sync.Mutex
	gen       uint64
	genCtx    context.Context
	genCancel context.CancelFunc
	pending   int
	dirty     bool
	closed    bool

	dispatchQ chan *increment
	emitQ     chan *increment
	sem       chan struct{}
	out       chan SynthesisEvent
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewSynthesisSession(stream TTSStream, providerName string, cfg SynthesisConfig, metrics *observability.Metrics, logger zerolog.Logger) *SynthesisSession {
	cfg = cfg.withDefaults()
	genCtx, genCancel := context.WithCancel(context.Background())
	s := &SynthesisSession{
		stream:    stream,
		name:      providerName,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger.With().Str("component", "synthesis").Str("tts_provider", providerName).Logger(),
		genCtx:    genCtx,
		genCancel: genCancel,
		dispatchQ: make(chan *increment, cfg.QueueSize),
		emitQ:     make(chan *increment, cfg.QueueSize),
		sem:       make(chan struct{}, cfg.MaxInFlight),
		out:       make(chan SynthesisEvent, cfg.OutputBuffer),
		done:      make(chan struct{}),
	}
	s.wg.Add(2)
	go s.dispatch()
	go s.emit()
	return s
}

// Speak queues one text increment. Text that sanitizes to nothing is dropped.
func (s *SynthesisSession) Speak(text string) error {
	text = sanitizeSpeechText(text)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if text == "" {
		return nil
	}
	inc := &increment{gen: s.gen, text: text, ctx: s.genCtx, ready: make(chan struct{})}
	select {
	case s.dispatchQ <- inc:
	default:
		return ErrSynthesisBacklog
	}
	s.pending++
	s.dirty = true
	return nil
}

// Clear discards all queued and in-flight increments and starts a new
// generation. Clearing an idle session does not touch the provider.
func (s *SynthesisSession) Clear(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.gen++
	s.genCancel()
	s.genCtx, s.genCancel = context.WithCancel(context.Background())
	s.pending = 0
	dirty := s.dirty
	s.dirty = false
	s.mu.Unlock()

	for drained := false; !drained; {
		select {
		case <-s.out:
		default:
			drained = true
		}
	}
	if !dirty {
		return nil
	}
	if err := s.stream.Clear(ctx); err != nil {
		s.metrics.ProviderError(s.name, "clear")
		return fmt.Errorf("clear synthesis: %w", err)
	}
	return nil
}

// Pending is the number of current-generation increments not yet fully emitted.
func (s *SynthesisSession) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

func (s *SynthesisSession) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// Audio is closed after Close.
func (s *SynthesisSession) Audio() <-chan SynthesisEvent { return s.out }

func (s *SynthesisSession) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.genCancel()
		s.mu.Unlock()
		close(s.done)
		closeErr = s.stream.Close()
		s.wg.Wait()
		close(s.out)
	})
	return closeErr
}

func (s *SynthesisSession) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.gen
}

func (s *SynthesisSession) dispatch() {
	defer s.wg.Done()
	for {
		var inc *increment
		select {
		case <-s.done:
			return
		case inc = <-s.dispatchQ:
		}
		select {
		case <-s.done:
			return
		case s.sem <- struct{}{}:
		}
		if s.current(inc.gen) {
			ctx, cancel := context.WithTimeout(inc.ctx, s.cfg.IncrementTimeout)
			inc.cancel = cancel
			inc.events, inc.err = s.stream.Synthesize(ctx, inc.text)
		}
		close(inc.ready)
		select {
		case <-s.done:
			return
		case s.emitQ <- inc:
		}
	}
}

func (s *SynthesisSession) emit() {
	defer s.wg.Done()
	for {
		var inc *increment
		select {
		case <-s.done:
			return
		case inc = <-s.emitQ:
		}
		<-inc.ready
		ok := s.drainIncrement(inc)
		if inc.cancel != nil {
			inc.cancel()
		}
		<-s.sem
		if !ok {
			return
		}
		s.mu.Lock()
		finished := inc.gen == s.gen
		if finished && s.pending > 0 {
			s.pending--
		}
		s.mu.Unlock()
		if finished && inc.events != nil {
			if !s.send(SynthesisEvent{Kind: SynthesisIncrementDone, Generation: inc.gen}) {
				return
			}
		}
	}
}

// drainIncrement forwards one increment's audio as fixed-size frames. It
// returns false once the session is closing.
func (s *SynthesisSession) drainIncrement(inc *increment) bool {
	if inc.err != nil {
		s.metrics.ProviderError(s.name, "synthesize")
		s.logger.Warn().Err(inc.err).Msg("synthesis increment failed")
		return s.send(SynthesisEvent{Kind: SynthesisError, Err: inc.err, Generation: inc.gen})
	}
	if inc.events == nil {
		return true
	}
	var carry []byte
	for ev := range inc.events {
		if !s.current(inc.gen) {
			continue
		}
		switch ev.Type {
		case TTSEventAudio:
			carry = append(carry, ev.Audio...)
			whole := len(carry) - len(carry)%audio.FrameBytes
			for _, f := range audio.Chunk(audio.Outbound, carry[:whole], audio.FrameBytes) {
				if !s.send(SynthesisEvent{Kind: SynthesisAudio, Frame: f, Generation: inc.gen}) {
					return false
				}
			}
			carry = append(carry[:0], carry[whole:]...)
		case TTSEventMetadata:
			if !s.send(SynthesisEvent{Kind: SynthesisMetadata, Metadata: ev.Metadata, Generation: inc.gen}) {
				return false
			}
		case TTSEventError:
			s.metrics.ProviderError(s.name, ev.Code)
			err := fmt.Errorf("synthesis provider error %s: %s", ev.Code, ev.Detail)
			if !s.send(SynthesisEvent{Kind: SynthesisError, Err: err, Generation: inc.gen}) {
				return false
			}
		}
	}
	if len(carry) > 0 && s.current(inc.gen) {
		f := audio.Frame{Direction: audio.Outbound, Payload: append([]byte(nil), carry...)}
		return s.send(SynthesisEvent{Kind: SynthesisAudio, Frame: f, Generation: inc.gen})
	}
	return true
}

func (s *SynthesisSession) send(ev SynthesisEvent) bool {
	select {
	case s.out <- ev:
		return true
	case <-s.done:
		return false
	}
}
