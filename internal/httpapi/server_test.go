package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/callcore/internal/call"
	"github.com/ent0n29/callcore/internal/config"
	"github.com/ent0n29/callcore/internal/conversation"
	"github.com/ent0n29/callcore/internal/observability"
	"github.com/ent0n29/callcore/internal/protocol"
	"github.com/ent0n29/callcore/internal/session"
	"github.com/ent0n29/callcore/internal/transport"
)

type failingStore struct{ session.Store }

func (failingStore) Ping(context.Context) error { return errors.New("connection refused") }

// markRunner waits for the start event, answers with a mark and returns.
type markRunner struct {
	mu     sync.Mutex
	callID string
	caller string
}

func (r *markRunner) RunCall(ctx context.Context, t call.Transport) error {
	for {
		ev, err := t.Next(ctx)
		if err != nil {
			return err
		}
		if ev.Kind != transport.KindCallStarted {
			continue
		}
		r.mu.Lock()
		r.callID = ev.Start.CallID
		r.caller = ev.Start.CallerNumber
		r.mu.Unlock()
		return t.Mark(ctx, "turn-1")
	}
}

// blockingRunner holds the call open until the server shuts down.
type blockingRunner struct{ started chan struct{} }

func (r *blockingRunner) RunCall(ctx context.Context, _ call.Transport) error {
	close(r.started)
	<-ctx.Done()
	return nil
}

func newTestServer(t *testing.T, store session.Store, calls CallRunner) (*Server, *httptest.Server) {
	t.Helper()
	srv := New(config.Config{SessionStore: "memory"}, store, calls, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	res, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s error = %v", url, err)
	}
	defer res.Body.Close()
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return res.StatusCode
}

func TestHealthAndReady(t *testing.T) {
	_, ts := newTestServer(t, session.NewMemoryStore(time.Minute), nil)

	var health map[string]any
	if status := getJSON(t, ts.URL+"/healthz", &health); status != http.StatusOK {
		t.Fatalf("healthz status = %d", status)
	}
	if health["status"] != "ok" {
		t.Fatalf("healthz = %+v", health)
	}
	if status := getJSON(t, ts.URL+"/readyz", nil); status != http.StatusOK {
		t.Fatalf("readyz status = %d", status)
	}
}

func TestReadyFailsWhenStoreIsDown(t *testing.T) {
	_, ts := newTestServer(t, failingStore{}, nil)

	var body errorResponse
	if status := getJSON(t, ts.URL+"/readyz", &body); status != http.StatusServiceUnavailable {
		t.Fatalf("readyz status = %d, want 503", status)
	}
	if body.Code != "store_unavailable" {
		t.Fatalf("code = %q", body.Code)
	}
}

func TestGetCallRedactsCaller(t *testing.T) {
	store := session.NewMemoryStore(time.Minute)
	snap := conversation.Snapshot{State: conversation.StateSlotCollection, Intent: conversation.IntentSchedule}
	snap.Slots.Set(conversation.SlotPhone, "+1 555 010 2000")
	snap.Slots.Set(conversation.SlotServiceType, "oil change")
	err := store.Put(context.Background(), &session.Record{
		CallID:       "CA123",
		CallerNumber: "+15550102000",
		Status:       session.StatusActive,
		Conversation: snap,
		Turns:        2,
	})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	_, ts := newTestServer(t, store, nil)

	var view callView
	if status := getJSON(t, ts.URL+"/v1/calls/CA123", &view); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if view.State != "SLOT_COLLECTION" || view.Turns != 2 {
		t.Fatalf("view = %+v", view)
	}
	if strings.Contains(view.CallerNumber, "5550102000") {
		t.Fatalf("caller number not redacted: %q", view.CallerNumber)
	}
	for k, v := range view.Slots {
		if strings.Contains(v, "010 2000") {
			t.Fatalf("slot %s not redacted: %q", k, v)
		}
	}
	if view.Slots["service_type"] != "oil change" {
		t.Fatalf("slots = %v", view.Slots)
	}

	if status := getJSON(t, ts.URL+"/v1/calls/missing", nil); status != http.StatusNotFound {
		t.Fatalf("missing call status = %d, want 404", status)
	}
}

func TestPerfLatencyWithoutMetrics(t *testing.T) {
	_, ts := newTestServer(t, nil, nil)

	var body map[string]any
	if status := getJSON(t, ts.URL+"/v1/perf/latency", &body); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if _, ok := body["stages"]; !ok {
		t.Fatalf("body = %+v", body)
	}
}

func TestPerfLatencyFiltersByTool(t *testing.T) {
	m := observability.NewMetrics("test_httpapi_perf_" + time.Now().Format("150405000000"))
	m.ToolCall("book_appointment", "failure", 120*time.Millisecond)
	m.ToolCall("book_appointment", "success", 80*time.Millisecond)
	m.ToolCall("check_availability", "success", 40*time.Millisecond)
	m.ObserveStage(observability.StageTurnTotal, "SLOT_COLLECTION", 900*time.Millisecond)
	ts := httptest.NewServer(New(config.Config{SessionStore: "memory"}, nil, nil, m).Router())
	defer ts.Close()

	var report observability.LatencyReport
	if status := getJSON(t, ts.URL+"/v1/perf/latency?stage=tool_call&label=book_appointment", &report); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if len(report.Stages) != 1 {
		t.Fatalf("stages = %+v, want one book_appointment series", report.Stages)
	}
	st := report.Stages[0]
	if st.Samples != 2 || st.Outcomes["failure"] != 1 || st.Outcomes["success"] != 1 {
		t.Fatalf("series = %+v", st)
	}
}

func TestMediaStreamRunsCall(t *testing.T) {
	runner := &markRunner{}
	_, ts := newTestServer(t, nil, runner)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/telephony/media"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	start := `{"event":"start","sequenceNumber":"1","streamSid":"MZ1","start":{"streamSid":"MZ1","callSid":"CA1",` +
		`"customParameters":{"caller":"+15550102000"},"mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1}}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"connected","protocol":"Call","version":"1.0.0"}`)); err != nil {
		t.Fatalf("write connected: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(start)); err != nil {
		t.Fatalf("write start: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	var mark protocol.Mark
	if err := json.Unmarshal(data, &mark); err != nil {
		t.Fatalf("decode mark: %v", err)
	}
	if mark.Event != protocol.EventMark || mark.StreamSID != "MZ1" || mark.Mark.Name != "turn-1" {
		t.Fatalf("mark = %+v", mark)
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if runner.callID != "CA1" || runner.caller != "+15550102000" {
		t.Fatalf("runner saw call %q caller %q", runner.callID, runner.caller)
	}
}

func TestShutdownCancelsCalls(t *testing.T) {
	runner := &blockingRunner{started: make(chan struct{})}
	srv, ts := newTestServer(t, nil, runner)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/telephony/media"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	select {
	case <-runner.started:
	case <-time.After(3 * time.Second):
		t.Fatalf("call never started")
	}
	if srv.ActiveCalls() != 1 {
		t.Fatalf("ActiveCalls() = %d, want 1", srv.ActiveCalls())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if srv.ActiveCalls() != 0 {
		t.Fatalf("ActiveCalls() = %d after shutdown", srv.ActiveCalls())
	}
	if status := getJSON(t, ts.URL+"/readyz", nil); status != http.StatusServiceUnavailable {
		t.Fatalf("readyz after shutdown = %d, want 503", status)
	}
}
