// Package call coordinates one phone call. It feeds caller audio to
// recognition, runs each caller turn through the dialogue engine, plays the
// reply and interrupts itself when the caller talks over it.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/callcore/internal/audio"
	"github.com/ent0n29/callcore/internal/conversation"
	"github.com/ent0n29/callcore/internal/dialogue"
	"github.com/ent0n29/callcore/internal/escalation"
	"github.com/ent0n29/callcore/internal/logging"
	"github.com/ent0n29/callcore/internal/memory"
	"github.com/ent0n29/callcore/internal/observability"
	"github.com/ent0n29/callcore/internal/reasoning"
	"github.com/ent0n29/callcore/internal/reliability"
	"github.com/ent0n29/callcore/internal/session"
	"github.com/ent0n29/callcore/internal/tools"
	"github.com/ent0n29/callcore/internal/transport"
	"github.com/ent0n29/callcore/internal/voice"
)

var ErrCallStartTimeout = errors.New("call start event not received in time")

var (
	errCallerHungUp = errors.New("caller hung up")
	errCallFinished = errors.New("call finished")
)

const (
	ReasonCompleted            = "completed"
	ReasonCallerHangup         = "caller_hangup"
	ReasonEscalated            = "escalated"
	ReasonStartFailed          = "start_failed"
	ReasonRecognitionLost      = "recognition_lost"
	ReasonSynthesisFailed      = "synthesis_failed"
	ReasonReasoningUnavailable = "reasoning_unavailable"
	ReasonShutdown             = "shutdown"
)

const (
	apologyText = "I'm sorry, we're having technical trouble on our end. Please call back in a few minutes."
	handoffText = "I understand. Let me connect you with a member of our team who can help."
	resumeText  = "Sorry about that, we got cut off for a moment. Where were we?"

	maxSynthesisErrors = 2
	transcriptLines    = 12
)

// Transport is the telephony side of a call. *transport.MediaStream
// satisfies it.
type Transport interface {
	Next(ctx context.Context) (transport.Event, error)
	SendAudio(ctx context.Context, frame audio.Frame) error
	Clear(ctx context.Context) error
	Mark(ctx context.Context, name string) error
	Close() error
}

type Config struct {
	StartTimeout      time.Duration
	ConnectTimeout    time.Duration
	SpeechIdleTimeout time.Duration
	// EndOfTurnFallback commits a final transcript that never received an
	// end-of-turn flag.
	EndOfTurnFallback    time.Duration
	TeardownTimeout      time.Duration
	StoreTimeout         time.Duration
	LookupTimeout        time.Duration
	MaxReasoningFailures int
	ArchiveContextTurns  int
	Greeting             string

	Recognition  voice.RecognitionConfig
	Synthesis    voice.SynthesisConfig
	TTSOptions   voice.TTSOptions
	Dialogue     dialogue.Config
	Conversation conversation.Config
}

func DefaultConfig() Config {
	return Config{
		StartTimeout:         10 * time.Second,
		ConnectTimeout:       5 * time.Second,
		SpeechIdleTimeout:    500 * time.Millisecond,
		EndOfTurnFallback:    1200 * time.Millisecond,
		TeardownTimeout:      5 * time.Second,
		StoreTimeout:         2 * time.Second,
		LookupTimeout:        4 * time.Second,
		MaxReasoningFailures: 3,
		ArchiveContextTurns:  6,
		Dialogue:             dialogue.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.StartTimeout <= 0 {
		c.StartTimeout = def.StartTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.SpeechIdleTimeout <= 0 {
		c.SpeechIdleTimeout = def.SpeechIdleTimeout
	}
	if c.EndOfTurnFallback <= 0 {
		c.EndOfTurnFallback = def.EndOfTurnFallback
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = def.TeardownTimeout
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = def.StoreTimeout
	}
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = def.LookupTimeout
	}
	if c.MaxReasoningFailures <= 0 {
		c.MaxReasoningFailures = def.MaxReasoningFailures
	}
	if c.ArchiveContextTurns < 0 {
		c.ArchiveContextTurns = 0
	}
	if strings.TrimSpace(c.Conversation.BusinessName) == "" {
		c.Conversation.BusinessName = "the service center"
	}
	return c
}

// Deps are the collaborators shared by every call. Archive and Publisher
// are optional.
type Deps struct {
	STT       voice.STTProvider
	TTS       voice.TTSProvider
	Reasoner  reasoning.Adapter
	Tools     tools.Router
	ToolSpecs []reasoning.ToolSpec
	Store     session.Store
	Archive   memory.Store
	Publisher escalation.Publisher
	Metrics   *observability.Metrics
	// ApologyClip is mu-law audio played when synthesis is unavailable.
	ApologyClip []byte
}

// Orchestrator runs exactly one call. Fields below the turn-loop marker are
// owned by the turn loop once the call is running, and by teardown after.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	t      Transport
	logger zerolog.Logger

	callID       string
	streamID     string
	callerNumber string
	startedAt    time.Time

	machine *conversation.Machine
	engine  *dialogue.Engine
	recog   *voice.RecognitionSession
	synth   *voice.SynthesisSession

	bg           sync.WaitGroup
	teardownOnce sync.Once

	// turn loop
	speaking      bool
	synthFailed   bool
	turns         int
	interruptions int
	endReason     string
	transcript    []string
	respCancel    context.CancelFunc
}

func NewOrchestrator(t Transport, deps Deps, cfg Config) *Orchestrator {
	return &Orchestrator{
		deps:   deps,
		cfg:    cfg.withDefaults(),
		t:      t,
		logger: logging.WithComponent("call"),
	}
}

// CallID is empty until the start event has been received.
func (o *Orchestrator) CallID() string { return o.callID }

// Run drives the call until the caller hangs up, the conversation ends, or
// ctx is cancelled. A caller hangup is not an error.
func (o *Orchestrator) Run(ctx context.Context) error {
	start, err := o.awaitStart(ctx)
	if err != nil {
		_ = o.t.Close()
		if errors.Is(err, errCallerHungUp) {
			return nil
		}
		return err
	}
	o.begin(start)

	if err := o.open(ctx); err != nil {
		o.logger.Error().Err(err).Msg("call start failed")
		o.apologize(ctx)
		o.teardown(ctx, ReasonStartFailed)
		return err
	}
	opening := o.prepare(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.ingress(gctx) })
	g.Go(func() error { return o.turnLoop(gctx, opening) })
	err = g.Wait()

	reason := o.endReason
	switch {
	case errors.Is(err, errCallerHungUp):
		reason = ReasonCallerHangup
	case reason == "":
		reason = ReasonShutdown
	}
	o.teardown(ctx, reason)

	if err == nil || errors.Is(err, errCallerHungUp) || errors.Is(err, errCallFinished) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (o *Orchestrator) awaitStart(ctx context.Context) (transport.CallStarted, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.StartTimeout)
	defer cancel()
	for {
		ev, err := o.t.Next(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return transport.CallStarted{}, ErrCallStartTimeout
			}
			if errors.Is(err, transport.ErrStreamClosed) {
				return transport.CallStarted{}, errCallerHungUp
			}
			return transport.CallStarted{}, fmt.Errorf("await call start: %w", err)
		}
		switch ev.Kind {
		case transport.KindCallStarted:
			return ev.Start, nil
		case transport.KindCallEnded:
			return transport.CallStarted{}, errCallerHungUp
		case transport.KindAudio:
			o.deps.Metrics.DroppedFrame("before_start")
		}
	}
}

func (o *Orchestrator) begin(start transport.CallStarted) {
	o.callID = start.CallID
	o.streamID = start.StreamID
	o.callerNumber = strings.TrimSpace(start.CallerNumber)
	o.startedAt = time.Now().UTC()
	o.logger = logging.WithCall(o.callID, o.streamID)
	o.machine = conversation.NewMachine(o.cfg.Conversation)
	o.machine.SetCallerNumber(o.callerNumber)
	o.engine = dialogue.NewEngine(o.callID, o.deps.Reasoner, o.deps.Tools, o.deps.ToolSpecs, o.cfg.Dialogue, o.deps.Metrics, o.logger)
	o.deps.Metrics.CallStarted()
	o.logger.Info().Bool("caller_known_number", o.callerNumber != "").Msg("call started")
}

// open connects recognition and synthesis concurrently. Either failing is
// call-fatal.
func (o *Orchestrator) open(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.ConnectTimeout)
	defer cancel()

	o.recog = voice.NewRecognitionSession(o.deps.STT, o.callID, o.cfg.Recognition, o.deps.Metrics, o.logger)

	var g errgroup.Group
	g.Go(func() error {
		stream, err := o.deps.TTS.StartStream(ctx, o.cfg.TTSOptions)
		if err != nil {
			o.deps.Metrics.ProviderError(o.deps.TTS.Name(), "open")
			return fmt.Errorf("open synthesis stream: %w", err)
		}
		o.synth = voice.NewSynthesisSession(stream, o.deps.TTS.Name(), o.cfg.Synthesis, o.deps.Metrics, o.logger)
		return nil
	})
	g.Go(func() error { return o.recog.Open(ctx) })
	return g.Wait()
}

// prepare restores or initialises conversation state and returns the first
// thing the assistant should say.
func (o *Orchestrator) prepare(ctx context.Context) string {
	resumed := o.restore(ctx)
	if !resumed && o.callerNumber != "" {
		o.lookupCaller(ctx)
	}
	o.loadCallerContext(ctx)
	o.engine.SetInstructions(o.machine.Directive().Instructions)

	opening := resumeText
	if !resumed {
		opening = o.greeting()
	}
	o.engine.AddAssistantTurn(opening)
	o.remember(memory.RoleAssistant, opening)
	o.persist(ctx, session.StatusActive, "")
	return opening
}

func (o *Orchestrator) restore(ctx context.Context) bool {
	if o.deps.Store == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.StoreTimeout)
	defer cancel()
	rec, err := o.deps.Store.Get(ctx, o.callID)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			o.logger.Warn().Err(err).Msg("session lookup failed; starting fresh")
		}
		return false
	}
	if rec.Status != session.StatusActive {
		return false
	}
	o.machine.Restore(rec.Conversation)
	if o.callerNumber == "" {
		o.callerNumber = rec.CallerNumber
	}
	o.machine.SetCallerNumber(o.callerNumber)
	o.engine.RestoreHistory(rec.History)
	o.engine.RestoreUsage(rec.Usage)
	o.turns = rec.Turns
	o.interruptions = rec.InterruptionCount
	if !rec.StartedAt.IsZero() {
		o.startedAt = rec.StartedAt
	}
	o.deps.Metrics.CallEvent("resumed")
	o.logger.Info().
		Str("state", rec.Conversation.State.String()).
		Int("history_items", len(rec.History)).
		Msg("resumed call from session store")
	return true
}

func (o *Orchestrator) lookupCaller(ctx context.Context) {
	args, err := json.Marshal(tools.LookupCustomerArgs{Phone: o.callerNumber})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.LookupTimeout)
	defer cancel()
	// lookup_customer is read-only, so one retry is safe.
	started := time.Now()
	var res tools.Result
	err = reliability.Retry(ctx, 2, 100*time.Millisecond, 400*time.Millisecond, nil, func(ctx context.Context) error {
		var execErr error
		res, execErr = o.deps.Tools.Execute(ctx, tools.LookupCustomer, args)
		return execErr
	})
	if err != nil {
		o.deps.Metrics.ToolCall(tools.LookupCustomer, "error", time.Since(started))
		o.logger.Warn().Err(err).Msg("caller lookup failed")
		return
	}
	outcome := "failure"
	if res.Success {
		outcome = "success"
	}
	o.deps.Metrics.ToolCall(tools.LookupCustomer, outcome, time.Since(started))
	o.machine.ObserveToolResult(tools.LookupCustomer, res)
	o.logger.Info().Bool("known", o.machine.Caller() != nil).Msg("caller lookup complete")
}

func (o *Orchestrator) loadCallerContext(ctx context.Context) {
	if o.deps.Archive == nil || o.callerNumber == "" || o.cfg.ArchiveContextTurns == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.StoreTimeout)
	defer cancel()
	recs, err := o.deps.Archive.RecentContext(ctx, o.callerNumber, o.callID, o.cfg.ArchiveContextTurns)
	if err != nil {
		o.logger.Warn().Err(err).Msg("load caller context failed")
		return
	}
	if len(recs) > 0 {
		o.machine.SetCallerContext(strings.Join(memory.Lines(recs), "\n"))
	}
}

func (o *Orchestrator) greeting() string {
	if g := strings.TrimSpace(o.cfg.Greeting); g != "" {
		return g
	}
	business := o.cfg.Conversation.BusinessName
	if c := o.machine.Caller(); c != nil {
		if first, _, _ := strings.Cut(strings.TrimSpace(c.Name), " "); first != "" {
			return fmt.Sprintf("Hi %s, thanks for calling %s. How can I help you today?", first, business)
		}
	}
	return fmt.Sprintf("Thanks for calling %s. How can I help you today?", business)
}

func (o *Orchestrator) ingress(ctx context.Context) error {
	for {
		ev, err := o.t.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errCallerHungUp
		}
		switch ev.Kind {
		case transport.KindAudio:
			if ev.Frame.Empty() {
				o.deps.Metrics.DroppedFrame("empty")
				continue
			}
			if err := o.recog.Feed(ctx, ev.Frame); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				o.deps.Metrics.DroppedFrame("recognition_unavailable")
			}
		case transport.KindMark:
			o.deps.Metrics.CallEvent("mark_played")
			o.logger.Debug().Str("mark", ev.Mark).Msg("playback mark reached")
		case transport.KindCallEnded:
			o.logger.Info().Msg("caller hung up")
			return errCallerHungUp
		case transport.KindCallStarted:
			o.logger.Warn().Msg("duplicate start event ignored")
		}
	}
}

// remember keeps a short rolling transcript for handoffs and archives the
// turn in the background.
func (o *Orchestrator) remember(role memory.Role, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	who := "caller"
	if role == memory.RoleAssistant {
		who = "assistant"
	}
	o.transcript = append(o.transcript, who+": "+text)
	if len(o.transcript) > transcriptLines {
		o.transcript = o.transcript[len(o.transcript)-transcriptLines:]
	}

	if o.deps.Archive == nil || o.callerNumber == "" {
		return
	}
	rec := memory.NewTurn(o.callerNumber, o.callID, role, text)
	o.background(func(ctx context.Context) {
		if err := o.deps.Archive.SaveTurn(ctx, rec); err != nil {
			o.logger.Warn().Err(err).Msg("archive turn failed")
		}
	})
}

// background runs fn with a store-bounded context that survives call
// cancellation. Teardown waits for these, up to its own deadline.
func (o *Orchestrator) background(fn func(ctx context.Context)) {
	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.StoreTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func (o *Orchestrator) persist(ctx context.Context, status session.Status, endReason string) {
	if o.deps.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.StoreTimeout)
	defer cancel()

	started := time.Now()
	snap := o.machine.Snapshot()
	history := o.engine.History()
	usage := o.engine.Usage()
	_, err := session.Update(ctx, o.deps.Store, o.callID, func(r *session.Record) error {
		r.StreamID = o.streamID
		r.CallerNumber = o.callerNumber
		r.Status = status
		r.Conversation = snap
		r.History = history
		r.Usage = usage
		r.AssistantSpeaking = o.speaking
		r.Escalated = snap.State == conversation.StateEscalation
		r.EscalationReason = snap.EscalationReason
		r.Turns = o.turns
		r.InterruptionCount = o.interruptions
		r.StartedAt = o.startedAt
		if endReason != "" {
			r.EndReason = endReason
		}
		return nil
	})
	o.deps.Metrics.StoreWrite(err, time.Since(started))
	if err != nil {
		o.logger.Warn().Err(err).Msg("session write failed")
	}
}

func (o *Orchestrator) publishHandoff(from conversation.State) {
	if o.deps.Publisher == nil {
		return
	}
	h, err := escalation.NewHandoff(o.callID, o.streamID, from, o.machine.Snapshot(), append([]string(nil), o.transcript...))
	if err != nil {
		o.logger.Error().Err(err).Msg("build handoff failed")
		return
	}
	o.background(func(ctx context.Context) {
		if err := o.deps.Publisher.PublishHandoff(ctx, h); err != nil {
			o.logger.Error().Err(err).Msg("handoff publish failed")
		}
	})
}

// apologize plays one apology before a fatal hangup: synthesized when
// synthesis works, otherwise the pre-rendered clip.
func (o *Orchestrator) apologize(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.TeardownTimeout)
	defer cancel()
	if o.synth != nil && !o.synthFailed {
		if err := o.synth.Speak(apologyText); err == nil && o.drainPlayback(ctx) {
			return
		}
	}
	o.playClip(ctx)
}

// drainPlayback forwards synthesized audio until playback goes idle. It
// reports whether any audio reached the transport.
func (o *Orchestrator) drainPlayback(ctx context.Context) bool {
	idle := time.NewTimer(o.cfg.SpeechIdleTimeout)
	defer idle.Stop()
	sent := false
	for {
		select {
		case <-ctx.Done():
			return sent
		case ev, ok := <-o.synth.Audio():
			if !ok {
				return sent
			}
			switch ev.Kind {
			case voice.SynthesisAudio:
				if err := o.t.SendAudio(ctx, ev.Frame); err != nil {
					return sent
				}
				sent = true
			case voice.SynthesisError:
				return sent
			}
			idle.Reset(o.cfg.SpeechIdleTimeout)
		case <-idle.C:
			if o.synth.Pending() == 0 {
				return sent
			}
			idle.Reset(o.cfg.SpeechIdleTimeout)
		}
	}
}

func (o *Orchestrator) playClip(ctx context.Context) {
	if len(o.deps.ApologyClip) == 0 {
		o.logger.Warn().Msg("no apology clip configured; ending call without apology audio")
		return
	}
	for _, f := range audio.Chunk(audio.Outbound, o.deps.ApologyClip, audio.FrameBytes) {
		if err := o.t.SendAudio(ctx, f); err != nil {
			o.logger.Warn().Err(err).Msg("apology clip playback failed")
			return
		}
	}
}

// teardown releases the call. It is idempotent and bounded by
// TeardownTimeout no matter how slow the store or providers are.
func (o *Orchestrator) teardown(parent context.Context, reason string) {
	o.teardownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), o.cfg.TeardownTimeout)
		defer cancel()

		if o.respCancel != nil {
			o.respCancel()
		}
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			if o.recog != nil {
				_ = o.recog.Close()
			}
			if o.synth != nil {
				_ = o.synth.Close()
			}
		}()
		select {
		case <-closed:
		case <-ctx.Done():
			o.logger.Warn().Msg("voice sessions did not close before teardown deadline")
		}

		o.speaking = false
		o.endReason = reason
		o.persist(ctx, session.StatusEnded, reason)
		o.publishCallEnded(ctx, reason)

		waited := make(chan struct{})
		go func() {
			o.bg.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-ctx.Done():
			o.logger.Warn().Msg("background writes still pending at teardown deadline")
		}

		_ = o.t.Close()
		o.deps.Metrics.CallEnded(reason)
		o.logger.Info().
			Str("reason", reason).
			Int("turns", o.turns).
			Int("interruptions", o.interruptions).
			Dur("duration", time.Since(o.startedAt)).
			Msg("call ended")
	})
}

func (o *Orchestrator) publishCallEnded(ctx context.Context, reason string) {
	if o.deps.Publisher == nil {
		return
	}
	snap := o.machine.Snapshot()
	usage := o.engine.Usage()
	ev := escalation.CallEnded{
		ID:               uuid.NewString(),
		CallID:           o.callID,
		CallerNumber:     o.callerNumber,
		Reason:           reason,
		FinalState:       snap.State,
		Intent:           snap.Intent,
		Escalated:        snap.State == conversation.StateEscalation,
		Turns:            o.turns,
		Interruptions:    o.interruptions,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		DurationMS:       time.Since(o.startedAt).Milliseconds(),
		OccurredAt:       time.Now().UTC(),
	}
	if err := o.deps.Publisher.PublishCallEnded(ctx, ev); err != nil {
		o.logger.Warn().Err(err).Msg("call ended publish failed")
	}
}
