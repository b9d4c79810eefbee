package voice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ent0n29/callcore/internal/audio"
)

type GoogleSTTConfig struct {
	LanguageCode string
	Model        string
}

// GoogleSTTProvider uses Cloud Speech streaming recognition. Credentials come
// from the ambient application default credentials.
type GoogleSTTProvider struct {
	cfg    GoogleSTTConfig
	client *speech.Client
}

func NewGoogleSTTProvider(ctx context.Context, cfg GoogleSTTConfig) (*GoogleSTTProvider, error) {
	if strings.TrimSpace(cfg.LanguageCode) == "" {
		cfg.LanguageCode = "en-US"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "phone_call"
	}
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	return &GoogleSTTProvider{cfg: cfg, client: client}, nil
}

func (p *GoogleSTTProvider) Name() string { return "google" }

func (p *GoogleSTTProvider) Close() error { return p.client.Close() }

func (p *GoogleSTTProvider) StartStream(ctx context.Context, _ string) (STTStream, error) {
	// The stream outlives the open deadline carried by ctx.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := p.client.StreamingRecognize(streamCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("start streaming recognize: %w", err)
	}
	err = stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:                   speechpb.RecognitionConfig_MULAW,
					SampleRateHertz:            audio.SampleRate,
					AudioChannelCount:          1,
					LanguageCode:               p.cfg.LanguageCode,
					Model:                      p.cfg.Model,
					UseEnhanced:                true,
					EnableAutomaticPunctuation: true,
				},
				InterimResults: true,
			},
		},
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("send streaming config: %w", err)
	}
	s := &googleSTTStream{
		stream: stream,
		cancel: cancel,
		events: make(chan STTEvent, 256),
		done:   make(chan struct{}),
	}
	go s.listen()
	return s, nil
}

type googleSTTStream struct {
	stream    speechpb.Speech_StreamingRecognizeClient
	sendMu    sync.Mutex
	cancel    context.CancelFunc
	events    chan STTEvent
	done      chan struct{}
	closeOnce sync.Once
}

func (s *googleSTTStream) SendAudio(_ context.Context, frame []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{AudioContent: frame},
	})
}

// KeepAlive sends a short burst of silence; the API has no control message
// for keeping an idle stream open.
func (s *googleSTTStream) KeepAlive(ctx context.Context) error {
	return s.SendAudio(ctx, audio.Silence(100*time.Millisecond))
}

func (s *googleSTTStream) Events() <-chan STTEvent { return s.events }

func (s *googleSTTStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.sendMu.Lock()
		err = s.stream.CloseSend()
		s.sendMu.Unlock()
		s.cancel()
	})
	return err
}

func (s *googleSTTStream) push(ev STTEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *googleSTTStream) listen() {
	defer close(s.events)
	for {
		resp, err := s.stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			code := status.Code(err)
			if code == codes.Canceled {
				return
			}
			s.push(STTEvent{Type: STTEventError, Code: code.String(), Detail: err.Error()})
			return
		}
		if resp.GetError() != nil {
			if !s.push(STTEvent{Type: STTEventError, Code: codes.Code(resp.GetError().GetCode()).String(), Detail: resp.GetError().GetMessage()}) {
				return
			}
			continue
		}
		for _, ev := range googleResultEvents(resp) {
			if !s.push(ev) {
				return
			}
		}
	}
}

func googleResultEvents(resp *speechpb.StreamingRecognizeResponse) []STTEvent {
	var out []STTEvent
	for _, r := range resp.GetResults() {
		if len(r.GetAlternatives()) == 0 {
			continue
		}
		alt := r.GetAlternatives()[0]
		text := strings.TrimSpace(alt.GetTranscript())
		if r.GetIsFinal() {
			out = append(out, STTEvent{Type: STTEventFinal, Text: text, Confidence: float64(alt.GetConfidence()), EndOfTurn: true})
			continue
		}
		if text != "" {
			out = append(out, STTEvent{Type: STTEventInterim, Text: text, Confidence: float64(alt.GetConfidence())})
		}
	}
	return out
}
