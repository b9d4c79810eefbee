package voice

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/ent0n29/callcore/internal/audio"
)

// MockSTTProvider is a scripted recognizer used in development and tests.
// Transcripts only appear when a caller injects them.
type MockSTTProvider struct {
	mu       sync.Mutex
	streams  []*MockSTTStream
	StartErr error
}

func NewMockSTTProvider() *MockSTTProvider { return &MockSTTProvider{} }

func (p *MockSTTProvider) Name() string { return "mock" }

func (p *MockSTTProvider) StartStream(_ context.Context, _ string) (STTStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.StartErr != nil {
		return nil, p.StartErr
	}
	s := &MockSTTStream{events: make(chan STTEvent, 64)}
	p.streams = append(p.streams, s)
	return s, nil
}

// Last returns the most recently opened stream, or nil.
func (p *MockSTTProvider) Last() *MockSTTStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.streams) == 0 {
		return nil
	}
	return p.streams[len(p.streams)-1]
}

type MockSTTStream struct {
	mu           sync.Mutex
	events       chan STTEvent
	closed       bool
	frames       [][]byte
	keepAlives   int
	KeepAliveErr error
}

func (s *MockSTTStream) SendAudio(_ context.Context, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.frames = append(s.frames, append([]byte(nil), frame...))
	return nil
}

func (s *MockSTTStream) KeepAlive(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keepAlives++
	return s.KeepAliveErr
}

func (s *MockSTTStream) SetKeepAliveErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.KeepAliveErr = err
}

func (s *MockSTTStream) Events() <-chan STTEvent { return s.events }

// Inject delivers ev as if the provider had produced it.
func (s *MockSTTStream) Inject(ev STTEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.events <- ev
	return true
}

// Hangup simulates the provider dropping the connection.
func (s *MockSTTStream) Hangup() { _ = s.Close() }

func (s *MockSTTStream) Frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.frames...)
}

func (s *MockSTTStream) KeepAlives() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keepAlives
}

func (s *MockSTTStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

// MockTTSProvider produces deterministic audio: every increment yields
// FramesPerText frames filled with the increment text repeated.
type MockTTSProvider struct {
	FramesPerText int
	// Delay, when set, holds back an increment's audio to simulate slow synthesis.
	Delay    func(text string) time.Duration
	StartErr error

	mu      sync.Mutex
	streams []*MockTTSStream
}

func NewMockTTSProvider() *MockTTSProvider { return &MockTTSProvider{FramesPerText: 2} }

func (p *MockTTSProvider) Name() string { return "mock" }

func (p *MockTTSProvider) StartStream(_ context.Context, _ TTSOptions) (TTSStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.StartErr != nil {
		return nil, p.StartErr
	}
	frames := p.FramesPerText
	if frames <= 0 {
		frames = 1
	}
	s := &MockTTSStream{frames: frames, delay: p.Delay}
	p.streams = append(p.streams, s)
	return s, nil
}

func (p *MockTTSProvider) Last() *MockTTSStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.streams) == 0 {
		return nil
	}
	return p.streams[len(p.streams)-1]
}

type MockTTSStream struct {
	frames int
	delay  func(string) time.Duration

	mu     sync.Mutex
	texts  []string
	clears int
	closed bool
}

// MockAudio is the payload MockTTSStream generates for text.
func MockAudio(text string, frames int) []byte {
	if text == "" {
		return nil
	}
	n := frames * audio.FrameBytes
	return bytes.Repeat([]byte(text), n/len(text)+1)[:n]
}

func (s *MockTTSStream) Synthesize(ctx context.Context, text string) (<-chan TTSEvent, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.texts = append(s.texts, text)
	s.mu.Unlock()

	out := make(chan TTSEvent, 1)
	go func() {
		defer close(out)
		if s.delay != nil {
			timer := time.NewTimer(s.delay(text))
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
		}
		select {
		case out <- TTSEvent{Type: TTSEventAudio, Audio: MockAudio(text, s.frames)}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

func (s *MockTTSStream) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clears++
	return nil
}

func (s *MockTTSStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MockTTSStream) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

func (s *MockTTSStream) Clears() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clears
}
