package reasoning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// FallbackAdapter attempts a primary adapter first and falls back on error.
// A primary that already streamed text is never replaced mid-reply, since the
// caller may have heard part of it.
type FallbackAdapter struct {
	primary           Adapter
	fallback          Adapter
	firstDeltaTimeout time.Duration
}

func NewFallbackAdapter(primary, fallback Adapter, firstDeltaTimeout time.Duration) *FallbackAdapter {
	return &FallbackAdapter{
		primary:           primary,
		fallback:          fallback,
		firstDeltaTimeout: firstDeltaTimeout,
	}
}

func (a *FallbackAdapter) Primary() Adapter   { return a.primary }
func (a *FallbackAdapter) Secondary() Adapter { return a.fallback }

func (a *FallbackAdapter) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	if a == nil || a.primary == nil {
		if a != nil && a.fallback != nil {
			return a.fallback.StreamResponse(ctx, req, onDelta)
		}
		return Response{}, fmt.Errorf("fallback adapter misconfigured")
	}

	type result struct {
		resp Response
		err  error
	}

	primaryCtx, cancelPrimary := context.WithCancel(ctx)
	defer cancelPrimary()

	firstDeltaCh := make(chan struct{})
	var firstDeltaOnce sync.Once
	var acceptPrimary atomic.Bool
	var emitted atomic.Bool
	acceptPrimary.Store(true)
	primaryResultCh := make(chan result, 1)

	go func() {
		resp, err := a.primary.StreamResponse(primaryCtx, req, func(delta string) error {
			if strings.TrimSpace(delta) != "" {
				firstDeltaOnce.Do(func() { close(firstDeltaCh) })
			}
			if !acceptPrimary.Load() {
				return context.Canceled
			}
			emitted.Store(true)
			if onDelta == nil {
				return nil
			}
			return onDelta(delta)
		})
		primaryResultCh <- result{resp: resp, err: err}
	}()

	var timeout <-chan time.Time
	if a.fallback != nil && a.firstDeltaTimeout > 0 {
		timer := time.NewTimer(a.firstDeltaTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var (
		primary           result
		timedOutBeforeAny bool
	)
	select {
	case primary = <-primaryResultCh:
	case <-firstDeltaCh:
		primary = <-primaryResultCh
	case <-timeout:
		acceptPrimary.Store(false)
		cancelPrimary()
		timedOutBeforeAny = true
		select {
		case primary = <-primaryResultCh:
		case <-time.After(200 * time.Millisecond):
		}
	}

	if primary.err == nil && !timedOutBeforeAny {
		return primary.resp, nil
	}
	if !timedOutBeforeAny && (errors.Is(primary.err, context.Canceled) || errors.Is(primary.err, context.DeadlineExceeded)) {
		return Response{}, primary.err
	}
	if a.fallback == nil || emitted.Load() {
		if timedOutBeforeAny {
			return Response{}, context.DeadlineExceeded
		}
		return Response{}, primary.err
	}

	fallbackResp, fallbackErr := a.fallback.StreamResponse(ctx, req, onDelta)
	if fallbackErr != nil {
		if timedOutBeforeAny {
			return Response{}, fmt.Errorf("primary adapter timeout before first delta (%s); fallback adapter error: %w", a.firstDeltaTimeout, fallbackErr)
		}
		return Response{}, fmt.Errorf("primary adapter error: %w; fallback adapter error: %v", primary.err, fallbackErr)
	}
	return fallbackResp, nil
}
