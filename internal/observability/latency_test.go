package observability

import (
	"errors"
	"testing"
	"time"
)

func TestLatencyWindowLabelsSeries(t *testing.T) {
	w := newLatencyWindow(8)
	w.observe(StageKey{Stage: StageFirstAudio, Label: "deepgram"}, "", 500)
	w.observe(StageKey{Stage: StageFirstAudio, Label: "deepgram"}, "", 700)
	w.observe(StageKey{Stage: StageFirstAudio, Label: "deepgram"}, "", 1900)
	w.observe(StageKey{Stage: StageFirstAudio, Label: "elevenlabs"}, "", 300)
	w.event("barge_in")
	w.event("barge_in")

	r := w.report()
	if r.WindowSize != 8 || len(r.Stages) != 2 {
		t.Fatalf("report = %+v", r)
	}
	dg := r.Stages[0]
	if dg.Label != "deepgram" || dg.Samples != 3 || dg.LastMS != 1900 || dg.P50MS != 700 || dg.MaxMS != 1900 {
		t.Fatalf("deepgram series = %+v", dg)
	}
	if dg.TargetP95MS != 1000 || !dg.OverTarget {
		t.Fatalf("deepgram target = %.0f over = %v", dg.TargetP95MS, dg.OverTarget)
	}
	if el := r.Stages[1]; el.Label != "elevenlabs" || el.OverTarget {
		t.Fatalf("elevenlabs series = %+v", el)
	}
	if r.Events["barge_in"] != 2 {
		t.Fatalf("events = %v", r.Events)
	}
}

func TestLatencyWindowKeepsMostRecent(t *testing.T) {
	w := newLatencyWindow(2)
	key := StageKey{Stage: StageToolCall, Label: "check_availability"}
	w.observe(key, "success", 10)
	w.observe(key, "success", 20)
	w.observe(key, "error", 30)

	st := w.report().Stages[0]
	if st.Samples != 2 || st.AvgMS != 25 || st.LastMS != 30 {
		t.Fatalf("series = %+v", st)
	}
	if st.Outcomes["success"] != 2 || st.Outcomes["error"] != 1 {
		t.Fatalf("outcomes = %v", st.Outcomes)
	}
}

func TestLatencyReportFilter(t *testing.T) {
	w := newLatencyWindow(4)
	w.observe(StageKey{Stage: StageToolCall, Label: "book_appointment"}, "success", 90)
	w.observe(StageKey{Stage: StageToolCall, Label: "get_appointments"}, "success", 40)
	w.observe(StageKey{Stage: StageTurnTotal, Label: "CONFIRMATION"}, "", 1200)

	r := w.report()
	if got := r.Filter(StageToolCall, ""); len(got.Stages) != 2 {
		t.Fatalf("tool stages = %+v", got.Stages)
	}
	if got := r.Filter("", "CONFIRMATION"); len(got.Stages) != 1 || got.Stages[0].Stage != StageTurnTotal {
		t.Fatalf("confirmation stages = %+v", got.Stages)
	}
	if got := r.Filter(StageStoreWrite, ""); len(got.Stages) != 0 {
		t.Fatalf("store stages = %+v", got.Stages)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.CallStarted()
	m.BargeIn()
	m.ToolCall("book_appointment", "success", time.Millisecond)
	m.StoreWrite(nil, time.Millisecond)
	m.ObserveStage(StageTurnTotal, "GREETING", time.Millisecond)
	if r := m.LatencyReport(); len(r.Stages) != 0 || r.Stages == nil {
		t.Fatalf("nil metrics report = %+v", r)
	}
}

func TestMetricsFeedsLatencyWindow(t *testing.T) {
	m := NewMetrics("test_observability_" + time.Now().Format("150405000000"))
	m.ObserveFirstAudioLatency("mock", 420*time.Millisecond)
	m.ToolCall("lookup_customer", "success", 15*time.Millisecond)
	m.StoreWrite(errors.New("timeout"), 70*time.Millisecond)
	m.CallEvent("escalated")

	r := m.LatencyReport()
	if len(r.Stages) != 3 {
		t.Fatalf("stages = %+v", r.Stages)
	}
	store := r.Filter(StageStoreWrite, "").Stages[0]
	if store.Outcomes["error"] != 1 || !store.OverTarget {
		t.Fatalf("store series = %+v", store)
	}
	if r.Events["escalated"] != 1 {
		t.Fatalf("events = %v", r.Events)
	}
}
