package observability

import (
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// Stages recorded by the call pipeline.
const (
	StageFirstText  = "turn_end_to_first_text"
	StageFirstAudio = "turn_end_to_first_audio"
	StageTurnTotal  = "turn_total"
	StageToolCall   = "tool_call"
	StageStoreWrite = "store_write"
)

// p95 budgets per stage in milliseconds.
var stageTargets = map[string]float64{
	StageFirstText:  600,
	StageFirstAudio: 1000,
	StageTurnTotal:  4000,
	StageToolCall:   1500,
	StageStoreWrite: 50,
}

// StageKey identifies one latency series. Label narrows a stage to a tool
// name, a voice provider or a conversation step.
type StageKey struct {
	Stage string
	Label string
}

type StageStats struct {
	Stage       string         `json:"stage"`
	Label       string         `json:"label,omitempty"`
	Samples     int            `json:"samples"`
	LastMS      float64        `json:"last_ms"`
	AvgMS       float64        `json:"avg_ms"`
	P50MS       float64        `json:"p50_ms"`
	P95MS       float64        `json:"p95_ms"`
	MaxMS       float64        `json:"max_ms"`
	TargetP95MS float64        `json:"target_p95_ms,omitempty"`
	OverTarget  bool           `json:"over_target,omitempty"`
	Outcomes    map[string]int `json:"outcomes,omitempty"`
}

type LatencyReport struct {
	GeneratedAt time.Time      `json:"generated_at"`
	WindowSize  int            `json:"window_size"`
	Stages      []StageStats   `json:"stages"`
	Events      map[string]int `json:"events,omitempty"`
}

// Filter keeps the series matching stage and label. Empty values match all.
func (r LatencyReport) Filter(stage, label string) LatencyReport {
	out := make([]StageStats, 0, len(r.Stages))
	for _, s := range r.Stages {
		if stage != "" && s.Stage != stage {
			continue
		}
		if label != "" && s.Label != label {
			continue
		}
		out = append(out, s)
	}
	r.Stages = out
	return r
}

type latencySeries struct {
	samples []float64
	// outcomes counts every sample observed, not only those still held.
	outcomes map[string]int
}

// latencyWindow keeps the most recent samples of every series.
type latencyWindow struct {
	mu     sync.Mutex
	size   int
	series map[StageKey]*latencySeries
	events map[string]int
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = 256
	}
	return &latencyWindow{
		size:   size,
		series: make(map[StageKey]*latencySeries),
		events: make(map[string]int),
	}
}

func (w *latencyWindow) observe(key StageKey, outcome string, v float64) {
	if key.Stage == "" || v < 0 {
		return
	}
	key.Label = strings.TrimSpace(key.Label)
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.series[key]
	if !ok {
		s = &latencySeries{samples: make([]float64, 0, w.size), outcomes: make(map[string]int)}
		w.series[key] = s
	}
	if len(s.samples) == w.size {
		s.samples = append(s.samples[:0], s.samples[1:]...)
	}
	s.samples = append(s.samples, v)
	if outcome != "" {
		s.outcomes[outcome]++
	}
}

func (w *latencyWindow) event(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	w.events[name]++
	w.mu.Unlock()
}

func (w *latencyWindow) report() LatencyReport {
	w.mu.Lock()
	defer w.mu.Unlock()

	keys := make([]StageKey, 0, len(w.series))
	for k := range w.series {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b StageKey) int {
		if c := strings.Compare(a.Stage, b.Stage); c != 0 {
			return c
		}
		return strings.Compare(a.Label, b.Label)
	})

	stages := make([]StageStats, 0, len(keys))
	for _, k := range keys {
		s := w.series[k]
		if len(s.samples) == 0 {
			continue
		}
		stages = append(stages, summarize(k, s))
	}
	var events map[string]int
	if len(w.events) > 0 {
		events = make(map[string]int, len(w.events))
		for k, v := range w.events {
			events[k] = v
		}
	}
	return LatencyReport{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      stages,
		Events:      events,
	}
}

func summarize(k StageKey, s *latencySeries) StageStats {
	sorted := slices.Clone(s.samples)
	slices.Sort(sorted)
	sum := 0.0
	for _, v := range sorted {
		sum += v
	}
	st := StageStats{
		Stage:       k.Stage,
		Label:       k.Label,
		Samples:     len(sorted),
		LastMS:      round2(s.samples[len(s.samples)-1]),
		AvgMS:       round2(sum / float64(len(sorted))),
		P50MS:       round2(quantile(sorted, 0.50)),
		P95MS:       round2(quantile(sorted, 0.95)),
		MaxMS:       round2(sorted[len(sorted)-1]),
		TargetP95MS: stageTargets[k.Stage],
	}
	st.OverTarget = st.TargetP95MS > 0 && st.P95MS > st.TargetP95MS
	if len(s.outcomes) > 0 {
		st.Outcomes = make(map[string]int, len(s.outcomes))
		for o, n := range s.outcomes {
			st.Outcomes[o] = n
		}
	}
	return st
}

// quantile interpolates linearly between the closest ranks.
func quantile(sorted []float64, q float64) float64 {
	switch {
	case len(sorted) == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(pos)
	if lo+1 >= len(sorted) {
		return sorted[lo]
	}
	return sorted[lo] + (sorted[lo+1]-sorted[lo])*(pos-float64(lo))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
