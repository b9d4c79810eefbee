package conversation

import (
	"encoding/json"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/callcore/internal/tools"
)

func fixedMachine() *Machine {
	now := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	return NewMachine(Config{BusinessName: "Northside Auto", Location: time.UTC, Now: func() time.Time { return now }})
}

func knownCaller() *Caller {
	return &Caller{
		ID:          "cus_1",
		Name:        "Dana Reyes",
		Phone:       "+15550102000",
		DateOfBirth: "1985-03-14",
		Address:     "42 Elm Street",
		Vehicle:     "2019 Honda Civic",
	}
}

func TestScheduleFromGreetingUnknownCaller(t *testing.T) {
	m := fixedMachine()
	d := m.ObserveTranscript("I need an oil change tomorrow at 10am")

	if d.Intent != IntentSchedule {
		t.Fatalf("intent = %s, want SCHEDULE_APPOINTMENT", d.Intent)
	}
	want := []State{StateIntentDetection, StateSlotCollection}
	if !slices.Equal(d.Transitions, want) {
		t.Fatalf("transitions = %v, want %v", d.Transitions, want)
	}
	for _, s := range []Slot{SlotName, SlotPhone, SlotVehicle, SlotServiceType, SlotDateTime} {
		if !slices.Contains(d.Required, s) {
			t.Fatalf("required %v missing %s", d.Required, s)
		}
	}
	if got := d.Slots.Get(SlotServiceType); got != "oil change" {
		t.Fatalf("service_type = %q", got)
	}
	if got := d.Slots.Get(SlotDateTime); got != "tomorrow at 10am" {
		t.Fatalf("date_time = %q", got)
	}
	if !slices.Equal(d.Missing, []Slot{SlotName, SlotPhone, SlotVehicle}) {
		t.Fatalf("missing = %v", d.Missing)
	}
	if !strings.Contains(d.Instructions, "name, phone, vehicle") {
		t.Fatalf("instructions do not ask for missing slots:\n%s", d.Instructions)
	}
}

func TestScheduleKnownCallerGoesToConfirmation(t *testing.T) {
	m := fixedMachine()
	m.SetCaller(knownCaller())
	d := m.ObserveTranscript("I'd like to book an oil change tomorrow at 10am")
	if d.State != StateConfirmation {
		t.Fatalf("state = %s, want CONFIRMATION (missing %v)", d.State, d.Missing)
	}

	d = m.ObserveTranscript("no, make it 11am")
	if d.State != StateConfirmation || d.Slots.Get(SlotDateTime) != "11am" {
		t.Fatalf("state = %s date_time = %q", d.State, d.Slots.Get(SlotDateTime))
	}
	if !slices.Equal(d.Transitions, []State{StateSlotCollection, StateConfirmation}) {
		t.Fatalf("transitions = %v", d.Transitions)
	}

	d = m.ObserveTranscript("yes that's right")
	if d.State != StateExecution {
		t.Fatalf("state = %s, want EXECUTION", d.State)
	}
	if !strings.Contains(d.Instructions, tools.BookAppointment) {
		t.Fatalf("execution instructions should name the booking tool")
	}

	d = m.ObserveToolResult(tools.BookAppointment, tools.Failure("the 11:00 slot on 2026-10-20 is no longer available"))
	if d.State != StateSlotCollection || d.Slots.Has(SlotDateTime) {
		t.Fatalf("after failed booking state = %s slots = %v", d.State, d.Slots.Map())
	}
	if !strings.Contains(d.Instructions, "no longer available") {
		t.Fatalf("instructions should surface the failure:\n%s", d.Instructions)
	}

	d = m.ObserveTranscript("ok how about tomorrow at 1pm")
	if d.State != StateConfirmation {
		t.Fatalf("state = %s, want CONFIRMATION", d.State)
	}
	m.ObserveTranscript("yes")
	d = m.ObserveToolResult(tools.BookAppointment, tools.Result{Success: true})
	if d.State != StateClosing {
		t.Fatalf("state = %s, want CLOSING", d.State)
	}
	if d = m.ObserveTranscript("that's all, bye"); !d.EndCall {
		t.Fatalf("goodbye in closing should end the call")
	}
}

func TestCancelRequiresVerification(t *testing.T) {
	m := fixedMachine()
	m.SetCaller(knownCaller())
	d := m.ObserveTranscript("I need to cancel my appointment")
	if d.State != StateVerification {
		t.Fatalf("state = %s, want VERIFICATION", d.State)
	}

	d = m.ObserveTranscript("my birthday is March 14th, 1985")
	if d.State != StateSlotCollection {
		t.Fatalf("state = %s, want SLOT_COLLECTION", d.State)
	}

	data, _ := json.Marshal([]tools.Appointment{{ID: "apt_9", CustomerID: "cus_1", Date: "2026-10-21", Time: "09:00"}})
	d = m.ObserveToolResult(tools.GetAppointments, tools.Result{Success: true, Data: data})
	if d.State != StateConfirmation || d.Slots.Get(SlotAppointment) != "apt_9" {
		t.Fatalf("state = %s appointment = %q", d.State, d.Slots.Get(SlotAppointment))
	}
	m.ObserveTranscript("yes please")
	if d = m.ObserveToolResult(tools.CancelAppointment, tools.Result{Success: true}); d.State != StateClosing {
		t.Fatalf("state = %s, want CLOSING", d.State)
	}
}

func TestVerificationFacts(t *testing.T) {
	c := knownCaller()
	c.VIN = "1HGCM82633A004352"
	cases := []struct {
		text string
		want string
	}{
		{"it's 3/14/85", "date_of_birth"},
		{"the last four are two zero zero zero", "phone_last4"},
		{"I live at 42 elm street", "address"},
		{"it's a honda civic", "vehicle"},
		{"vin ends in 004352", "vehicle"},
	}
	for _, tc := range cases {
		got, ok := verifyFact(tc.text, c)
		if !ok || got != tc.want {
			t.Fatalf("verifyFact(%q) = %q, %v; want %q", tc.text, got, ok, tc.want)
		}
	}
	if _, ok := verifyFact("it's a civic", c); ok {
		t.Fatalf("model name alone should not verify")
	}
}

func TestVerificationAttemptLimitEscalates(t *testing.T) {
	m := fixedMachine()
	m.SetCaller(knownCaller())
	m.ObserveTranscript("I want to reschedule my appointment")
	for i := 0; i < MaxVerificationAttempts-1; i++ {
		if d := m.ObserveTranscript("I don't remember"); d.State != StateVerification {
			t.Fatalf("attempt %d state = %s", i+1, d.State)
		}
	}
	d := m.ObserveTranscript("no idea sorry")
	if d.State != StateEscalation || !d.Escalated || d.EscalationReason != ReasonVerificationFailed {
		t.Fatalf("directive = %+v", d)
	}
}

func TestMutatingIntentUnknownCallerWaitsForLookup(t *testing.T) {
	m := fixedMachine()
	d := m.ObserveTranscript("I need to cancel my appointment, this is Dana Reyes, 555 010 2000")
	if d.State != StateSlotCollection {
		t.Fatalf("state = %s, want SLOT_COLLECTION", d.State)
	}
	if !strings.Contains(d.Instructions, tools.LookupCustomer) {
		t.Fatalf("instructions should ask for a lookup")
	}
	data, _ := json.Marshal(knownCaller())
	d = m.ObserveToolResult(tools.LookupCustomer, tools.Result{Success: true, Data: data})
	if d.State != StateVerification {
		t.Fatalf("state = %s, want VERIFICATION", d.State)
	}
}

func TestEscalationPreemptsAnyState(t *testing.T) {
	setups := map[string][]string{
		"greeting":        nil,
		"slot_collection": {"I need an oil change"},
		"confirmation":    {"I'd like to book an oil change tomorrow at 10am"},
	}
	for name, lines := range setups {
		m := fixedMachine()
		m.SetCaller(knownCaller())
		for _, l := range lines {
			m.ObserveTranscript(l)
		}
		d := m.ObserveTranscript("let me speak to a manager")
		if d.State != StateEscalation || !d.Escalated || d.EscalationReason != ReasonCallerRequest {
			t.Fatalf("%s: directive state = %s reason = %q", name, d.State, d.EscalationReason)
		}

		// Nothing leaves ESCALATION.
		m.ObserveTranscript("actually never mind, book it for tomorrow at 9am")
		m.ObserveTranscript("yes")
		d = m.ObserveToolResult(tools.BookAppointment, tools.Result{Success: true})
		if d.State != StateEscalation || d.Escalated {
			t.Fatalf("%s: left escalation: %+v", name, d)
		}
	}
}

func TestClosingOnlyLeavesForEscalation(t *testing.T) {
	m := fixedMachine()
	m.SetCaller(knownCaller())
	m.ObserveTranscript("I'd like to book an oil change tomorrow at 10am")
	m.ObserveTranscript("yes")
	d := m.ObserveToolResult(tools.BookAppointment, tools.Result{Success: true})
	if d.State != StateClosing || !d.State.Terminal() {
		t.Fatalf("state = %s terminal = %v", d.State, d.State.Terminal())
	}

	if d = m.ObserveTranscript("oh and I need to reschedule another one"); d.State != StateClosing {
		t.Fatalf("state = %s, want CLOSING", d.State)
	}
	if m.EscalationReason() != "" {
		t.Fatalf("EscalationReason() = %q before escalating", m.EscalationReason())
	}
	if d = m.ObserveTranscript("let me talk to a real person"); d.State != StateEscalation {
		t.Fatalf("state = %s, want ESCALATION", d.State)
	}
	if m.EscalationReason() != ReasonCallerRequest {
		t.Fatalf("EscalationReason() = %q", m.EscalationReason())
	}
	for _, s := range []State{StateGreeting, StateIntentDetection, StateVerification, StateSlotCollection, StateConfirmation, StateExecution} {
		if s.Terminal() {
			t.Fatalf("%s.Terminal() = true", s)
		}
	}
}

func TestClassifyIntent(t *testing.T) {
	cases := map[string]Intent{
		"I need an oil change tomorrow at 10am":      IntentSchedule,
		"can I book a brake inspection":              IntentSchedule,
		"I need to reschedule":                       IntentReschedule,
		"can we move my appointment to friday":       IntentReschedule,
		"I won't make it on Tuesday, please cancel":  IntentCancel,
		"when is my appointment":                     IntentCheckAppointment,
		"where are you located":                      IntentGeneralInquiry,
		"what are your hours":                        IntentGeneralInquiry,
		"hello":                                      IntentUnknown,
		"":                                           IntentUnknown,
		"my oil change can I bring it in on Tuesday": IntentSchedule,
	}
	for text, want := range cases {
		if got := ClassifyIntent(text); got != want {
			t.Fatalf("ClassifyIntent(%q) = %s, want %s", text, got, want)
		}
	}
}

func TestSnapshotRestore(t *testing.T) {
	m := fixedMachine()
	m.SetCaller(knownCaller())
	m.ObserveTranscript("I'd like to book an oil change tomorrow at 10am")

	raw, err := json.Marshal(m.Snapshot())
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	restored := fixedMachine()
	restored.Restore(snap)
	if restored.State() != StateConfirmation || restored.Intent() != IntentSchedule {
		t.Fatalf("restored state = %s intent = %s", restored.State(), restored.Intent())
	}
	if restored.Slots() != m.Slots() {
		t.Fatalf("restored slots = %v, want %v", restored.Slots().Map(), m.Slots().Map())
	}
	if d := restored.ObserveTranscript("yes"); d.State != StateExecution {
		t.Fatalf("state after confirm = %s", d.State)
	}
}
