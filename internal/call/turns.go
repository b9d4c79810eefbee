package call

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/callcore/internal/conversation"
	"github.com/ent0n29/callcore/internal/dialogue"
	"github.com/ent0n29/callcore/internal/memory"
	"github.com/ent0n29/callcore/internal/observability"
	"github.com/ent0n29/callcore/internal/session"
	"github.com/ent0n29/callcore/internal/voice"
)

// turnState is local to the turn loop goroutine.
type turnState struct {
	ctx context.Context

	resp    <-chan dialogue.Event
	discard bool
	// queued is set when the caller finished a turn while the previous
	// response was still draining.
	queued bool
	// afterDrain holds history writes that must wait for the stream in
	// flight to close.
	afterDrain []func()

	segmenter  *voice.PhraseSegmenter
	reply      strings.Builder
	turnEndAt  time.Time
	step       string
	firstText  bool
	firstAudio bool

	failures    int
	synthErrors int
	ending      string
	pending     []string
	marks       int

	idle *time.Timer
	eot  *time.Timer
}

func stoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	t.Stop()
	return t
}

// turnLoop processes transcripts in arrival order, streams replies into
// synthesis and forwards synthesized audio to the transport. Barge-in and
// audio forwarding share this goroutine, so a clear always lands before any
// frame that was buffered ahead of it.
func (o *Orchestrator) turnLoop(ctx context.Context, opening string) error {
	ts := &turnState{
		ctx:       ctx,
		segmenter: voice.NewPhraseSegmenter(0),
		idle:      stoppedTimer(),
		eot:       stoppedTimer(),
	}
	defer ts.idle.Stop()
	defer ts.eot.Stop()

	if opening != "" {
		o.speak(ts, opening)
	}

	transcripts := o.recog.Events()
	recogDone := o.recog.Done()
	audioOut := o.synth.Audio()
	for {
		if ts.ending != "" && !o.speaking && ts.resp == nil {
			o.endReason = ts.ending
			return errCallFinished
		}
		select {
		case <-ctx.Done():
			o.cancelResponse(ts)
			return nil
		case ev, ok := <-transcripts:
			if !ok {
				transcripts = nil
				continue
			}
			o.onTranscript(ts, ev)
		case <-recogDone:
			recogDone = nil
			o.onRecognitionLost(ts)
		case ev, ok := <-ts.resp:
			if !ok {
				ts.resp = nil
				for _, fn := range ts.afterDrain {
					fn()
				}
				ts.afterDrain = nil
				if ts.queued {
					ts.queued = false
					o.commit(ts)
				}
				continue
			}
			o.onDialogue(ts, ev)
		case ev, ok := <-audioOut:
			if !ok {
				audioOut = nil
				continue
			}
			o.onAudio(ts, ev)
		case <-ts.idle.C:
			o.onIdle(ts)
		case <-ts.eot.C:
			o.commit(ts)
		}
	}
}

func (o *Orchestrator) onTranscript(ts *turnState, ev voice.TranscriptEvent) {
	if ts.ending != "" {
		return
	}
	switch ev.Kind {
	case voice.TranscriptInterim:
		if o.speaking {
			o.bargeIn(ts)
		}
	case voice.TranscriptFinal:
		if ev.Text != "" {
			if o.speaking {
				o.bargeIn(ts)
			}
			ts.pending = append(ts.pending, ev.Text)
		}
		if ev.EndOfTurn {
			o.commit(ts)
			return
		}
		if len(ts.pending) > 0 {
			ts.eot.Reset(o.cfg.EndOfTurnFallback)
		}
	}
}

// bargeIn stops playback: transport first, then synthesis, then the flag.
func (o *Orchestrator) bargeIn(ts *turnState) {
	o.interrupt(ts)
	o.interruptions++
	o.deps.Metrics.BargeIn()
	o.logger.Info().Int("interruptions", o.interruptions).Msg("caller barged in")
}

func (o *Orchestrator) interrupt(ts *turnState) {
	if err := o.t.Clear(ts.ctx); err != nil {
		o.logger.Warn().Err(err).Msg("transport clear failed")
	}
	if err := o.synth.Clear(ts.ctx); err != nil {
		o.logger.Warn().Err(err).Msg("synthesis clear failed")
	}
	o.speaking = false
	ts.idle.Stop()
	o.cancelResponse(ts)
	ts.segmenter.Reset()
}

// cancelResponse abandons the in-flight reply. The stream is still drained
// so the engine can finish its bookkeeping.
func (o *Orchestrator) cancelResponse(ts *turnState) {
	if ts.resp == nil {
		return
	}
	ts.discard = true
	if o.respCancel != nil {
		o.respCancel()
		o.respCancel = nil
	}
}

func (o *Orchestrator) commit(ts *turnState) {
	ts.eot.Stop()
	if len(ts.pending) == 0 || ts.ending != "" {
		return
	}
	text := strings.Join(ts.pending, " ")
	if ts.resp != nil {
		// A newer caller turn makes the reply in flight stale. Escalation
		// requests are acted on now rather than after the stream drains.
		o.cancelResponse(ts)
		if _, ok := conversation.DetectEscalation(text); !ok {
			ts.queued = true
			return
		}
	}
	ts.pending = nil
	ts.queued = false

	o.turns++
	o.remember(memory.RoleUser, text)
	d := o.machine.ObserveTranscript(text)
	o.observeDirective(d)
	o.withEngine(ts, func() { o.engine.AddUserTurn(text) })

	if d.Escalated {
		o.escalate(ts, d)
		return
	}
	o.engine.SetInstructions(d.Instructions)
	if d.EndCall {
		ts.ending = ReasonCompleted
	}
	o.respond(ts)
	o.persist(ts.ctx, session.StatusActive, "")
}

// withEngine applies a history write now, or once the response stream in
// flight has drained.
func (o *Orchestrator) withEngine(ts *turnState, fn func()) {
	if ts.resp == nil {
		fn()
		return
	}
	ts.afterDrain = append(ts.afterDrain, fn)
}

func (o *Orchestrator) observeDirective(d conversation.Directive) {
	for _, s := range d.Transitions {
		o.deps.Metrics.Transition(s.String())
	}
	if len(d.Transitions) == 0 {
		return
	}
	missing := make([]string, 0, len(d.Missing))
	for _, s := range d.Missing {
		missing = append(missing, s.String())
	}
	o.logger.Info().
		Str("from", d.Previous.String()).
		Str("to", d.State.String()).
		Str("intent", d.Intent.String()).
		Strs("missing", missing).
		Msg("conversation state changed")
}

func (o *Orchestrator) escalate(ts *turnState, d conversation.Directive) {
	o.logger.Warn().Str("reason", o.machine.EscalationReason()).Str("from", d.Previous.String()).Msg("escalating to a human")
	o.deps.Metrics.CallEvent("escalated")
	o.cancelResponse(ts)
	o.publishHandoff(d.Previous)
	o.withEngine(ts, func() { o.engine.AddAssistantTurn(handoffText) })
	o.speak(ts, handoffText)
	ts.ending = ReasonEscalated
	o.persist(ts.ctx, session.StatusActive, "")
}

func (o *Orchestrator) respond(ts *turnState) {
	ctx, cancel := context.WithCancel(ts.ctx)
	o.respCancel = cancel
	ts.resp = o.engine.Respond(ctx)
	ts.discard = false
	ts.segmenter.Reset()
	ts.reply.Reset()
	ts.turnEndAt = time.Now()
	ts.step = o.machine.State().String()
	ts.firstText = false
	ts.firstAudio = false
}

func (o *Orchestrator) onDialogue(ts *turnState, ev dialogue.Event) {
	switch ev.Kind {
	case dialogue.EventTextDelta:
		if ts.discard {
			return
		}
		if !ts.firstText {
			ts.firstText = true
			o.deps.Metrics.ObserveStage(observability.StageFirstText, ts.step, time.Since(ts.turnEndAt))
		}
		for _, phrase := range ts.segmenter.Push(ev.Text) {
			o.speak(ts, phrase)
		}
	case dialogue.EventToolCall:
		if ev.Call != nil {
			o.logger.Debug().Str("tool", ev.Call.Name).Int("depth", ev.Depth).Msg("tool call")
		}
	case dialogue.EventToolResult:
		if ev.Call == nil || ev.Result == nil {
			return
		}
		d := o.machine.ObserveToolResult(ev.Call.Name, *ev.Result)
		o.observeDirective(d)
		o.engine.SetInstructions(d.Instructions)
	case dialogue.EventTurnComplete:
		if !ts.discard {
			o.flushSegmenter(ts)
		}
		ts.failures = 0
		o.finishResponse(ts)
	case dialogue.EventError:
		o.onResponseError(ts, ev)
		o.finishResponse(ts)
	}
}

func (o *Orchestrator) onResponseError(ts *turnState, ev dialogue.Event) {
	if ts.discard || errors.Is(ev.Err, context.Canceled) {
		return
	}
	switch {
	case errors.Is(ev.Err, dialogue.ErrToolDepthExceeded), errors.Is(ev.Err, dialogue.ErrHistoryOverflow):
		o.logger.Warn().Err(ev.Err).Msg("turn ended early")
	default:
		ts.failures++
		o.logger.Warn().Err(ev.Err).Int("consecutive", ts.failures).Msg("reasoning failed")
	}
	o.flushSegmenter(ts)
	if ts.failures >= o.cfg.MaxReasoningFailures {
		o.deps.Metrics.CallEvent("reasoning_lost")
		o.speak(ts, apologyText)
		ts.ending = ReasonReasoningUnavailable
		return
	}
	if ev.Text != "" {
		o.speak(ts, ev.Text)
	}
}

func (o *Orchestrator) finishResponse(ts *turnState) {
	if o.respCancel != nil {
		o.respCancel()
		o.respCancel = nil
	}
	o.remember(memory.RoleAssistant, ts.reply.String())
	ts.reply.Reset()
	o.persist(ts.ctx, session.StatusActive, "")
	if !o.speaking && !ts.discard {
		o.playbackDone(ts)
	}
}

func (o *Orchestrator) flushSegmenter(ts *turnState) {
	for _, phrase := range ts.segmenter.Finalize() {
		o.speak(ts, phrase)
	}
}

func (o *Orchestrator) speak(ts *turnState, text string) {
	if o.synthFailed {
		return
	}
	if err := o.synth.Speak(text); err != nil {
		o.logger.Warn().Err(err).Msg("queue speech failed")
		return
	}
	ts.reply.WriteString(text)
	ts.reply.WriteByte(' ')
	o.speaking = true
	ts.idle.Reset(o.cfg.SpeechIdleTimeout)
}

func (o *Orchestrator) onAudio(ts *turnState, ev voice.SynthesisEvent) {
	if ev.Generation != o.synth.Generation() {
		o.deps.Metrics.DroppedFrame("stale_generation")
		return
	}
	switch ev.Kind {
	case voice.SynthesisAudio:
		if err := o.t.SendAudio(ts.ctx, ev.Frame); err != nil {
			o.logger.Debug().Err(err).Msg("send audio failed")
			return
		}
		ts.synthErrors = 0
		if !ts.firstAudio && !ts.turnEndAt.IsZero() {
			ts.firstAudio = true
			o.deps.Metrics.ObserveFirstAudioLatency(o.deps.TTS.Name(), time.Since(ts.turnEndAt))
		}
		if o.speaking {
			ts.idle.Reset(o.cfg.SpeechIdleTimeout)
		}
	case voice.SynthesisIncrementDone:
		if o.speaking {
			ts.idle.Reset(o.cfg.SpeechIdleTimeout)
		}
	case voice.SynthesisMetadata:
		o.logger.Debug().Str("metadata", ev.Metadata).Msg("synthesis metadata")
	case voice.SynthesisError:
		ts.synthErrors++
		if ts.synthErrors < maxSynthesisErrors {
			return
		}
		o.logger.Error().Err(ev.Err).Msg("synthesis unavailable")
		o.deps.Metrics.CallEvent("synthesis_lost")
		o.cancelResponse(ts)
		_ = o.synth.Clear(ts.ctx)
		o.synthFailed = true
		o.speaking = false
		ts.idle.Stop()
		o.playClip(ts.ctx)
		if ts.ending == "" {
			ts.ending = ReasonSynthesisFailed
		}
	}
}

// onIdle applies the completion heuristic: playback is over once no frame
// has arrived for SpeechIdleTimeout and nothing is left to synthesize.
func (o *Orchestrator) onIdle(ts *turnState) {
	if !o.speaking {
		return
	}
	if o.synth.Pending() > 0 || (ts.resp != nil && !ts.discard) {
		ts.idle.Reset(o.cfg.SpeechIdleTimeout)
		return
	}
	o.speaking = false
	o.playbackDone(ts)
}

func (o *Orchestrator) playbackDone(ts *turnState) {
	ts.marks++
	name := fmt.Sprintf("turn-%d", ts.marks)
	if err := o.t.Mark(ts.ctx, name); err != nil {
		o.logger.Debug().Err(err).Msg("send mark failed")
	}
	if !ts.turnEndAt.IsZero() {
		o.deps.Metrics.ObserveStage(observability.StageTurnTotal, ts.step, time.Since(ts.turnEndAt))
		ts.turnEndAt = time.Time{}
	}
}

func (o *Orchestrator) onRecognitionLost(ts *turnState) {
	err := o.recog.Err()
	if err == nil || ts.ending != "" {
		return
	}
	o.logger.Error().Err(err).Msg("recognition lost mid-call")
	o.deps.Metrics.CallEvent("recognition_lost")
	if o.speaking {
		o.interrupt(ts)
	} else {
		o.cancelResponse(ts)
	}
	ts.pending = nil
	o.speak(ts, apologyText)
	if !o.speaking {
		o.playClip(ts.ctx)
	}
	ts.ending = ReasonRecognitionLost
}
