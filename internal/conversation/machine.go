package conversation

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/ent0n29/callcore/internal/tools"
)

type Config struct {
	BusinessName string
	// Persona is prepended to every instruction block.
	Persona  string
	Location *time.Location
	Now      func() time.Time
}

// Directive is everything the orchestrator needs after one observation.
type Directive struct {
	State    State
	Previous State
	// Transitions lists each state entered during the observation, in order.
	Transitions      []State
	Intent           Intent
	Required         []Slot
	Missing          []Slot
	Slots            Slots
	Instructions     string
	Escalated        bool
	EscalationReason string
	EndCall          bool
}

// Snapshot is the persisted form of a Machine.
type Snapshot struct {
	State                State   `json:"state"`
	Intent               Intent  `json:"intent"`
	Slots                Slots   `json:"slots"`
	Caller               *Caller `json:"caller,omitempty"`
	CallerNumber         string  `json:"caller_number,omitempty"`
	Verified             bool    `json:"verified"`
	VerificationAttempts int     `json:"verification_attempts"`
	EscalationReason     string  `json:"escalation_reason,omitempty"`
	LastToolError        string  `json:"last_tool_error,omitempty"`
}

// Machine is not safe for concurrent use; it belongs to one call's turn loop.
type Machine struct {
	cfg Config

	state                State
	intent               Intent
	slots                Slots
	caller               *Caller
	callerNumber         string
	verified             bool
	verificationAttempts int
	escalationReason     string
	lastToolError        string
	callerContext        string

	trace   []State
	endCall bool
}

func NewMachine(cfg Config) *Machine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if strings.TrimSpace(cfg.BusinessName) == "" {
		cfg.BusinessName = "the service center"
	}
	return &Machine{cfg: cfg, state: StateGreeting}
}

func (m *Machine) State() State   { return m.state }
func (m *Machine) Intent() Intent { return m.intent }
func (m *Machine) Slots() Slots   { return m.slots }
func (m *Machine) Caller() *Caller {
	if m.caller == nil {
		return nil
	}
	c := *m.caller
	return &c
}

func (m *Machine) EscalationReason() string { return m.escalationReason }

// SetCallerNumber records the number the call came from.
func (m *Machine) SetCallerNumber(number string) { m.callerNumber = strings.TrimSpace(number) }

// SetCaller records the looked-up customer record, or nil for an unknown
// caller. Known details prefill empty slots.
func (m *Machine) SetCaller(c *Caller) {
	if c == nil {
		m.caller = nil
		return
	}
	cp := *c
	m.caller = &cp
	if !m.slots.Has(SlotName) {
		m.slots.Set(SlotName, cp.Name)
	}
	if !m.slots.Has(SlotPhone) {
		m.slots.Set(SlotPhone, cp.Phone)
	}
	if !m.slots.Has(SlotVehicle) {
		m.slots.Set(SlotVehicle, cp.Vehicle)
	}
}

// SetCallerContext adds free text about the caller's earlier calls.
func (m *Machine) SetCallerContext(text string) { m.callerContext = strings.TrimSpace(text) }

// Directive returns the current directive without observing anything.
func (m *Machine) Directive() Directive {
	m.trace = nil
	return m.directive(m.state, false)
}

// ObserveTranscript advances the machine on one final caller transcript.
func (m *Machine) ObserveTranscript(text string) Directive {
	prev := m.state
	m.trace = nil
	m.endCall = false
	if m.state == StateEscalation || strings.TrimSpace(text) == "" {
		return m.directive(prev, false)
	}
	if reason, ok := DetectEscalation(text); ok {
		m.escalate(reason)
		return m.directive(prev, true)
	}

	extracted := ExtractSlots(text)
	changed := m.merge(extracted)

	switch m.state {
	case StateGreeting, StateIntentDetection:
		m.move(StateIntentDetection)
		switch intent := ClassifyIntent(text); intent {
		case IntentUnknown:
		case IntentGeneralInquiry:
			if m.intent == IntentUnknown {
				m.intent = intent
			}
		default:
			m.intent = intent
			m.advance()
		}
	case StateVerification:
		if _, ok := verifyFact(text, m.caller); ok {
			m.verified = true
			m.advance()
			break
		}
		m.verificationAttempts++
		if m.verificationAttempts >= MaxVerificationAttempts {
			m.escalate(ReasonVerificationFailed)
			return m.directive(prev, true)
		}
	case StateSlotCollection:
		if intent := ClassifyIntent(text); intent.Mutating() && intent != m.intent {
			m.intent = intent
		}
		m.advance()
	case StateConfirmation:
		affirmed, ok := Confirmation(text)
		switch {
		case ok && affirmed:
			m.move(StateExecution)
		case ok || changed:
			m.move(StateSlotCollection)
			if changed {
				m.advance()
			}
		}
	case StateExecution:
		// The tool outcome, not the caller, moves execution on.
	case StateClosing:
		m.endCall = isGoodbye(text)
	}
	return m.directive(prev, false)
}

// ObserveToolResult folds a tool outcome into the flow.
func (m *Machine) ObserveToolResult(name string, res tools.Result) Directive {
	prev := m.state
	m.trace = nil
	m.endCall = false
	if m.state == StateEscalation {
		return m.directive(prev, false)
	}

	switch name {
	case tools.LookupCustomer:
		if !res.Success {
			break
		}
		var c Caller
		if err := json.Unmarshal(res.Data, &c); err == nil && c.ID != "" {
			m.SetCaller(&c)
			if m.state == StateSlotCollection {
				m.advance()
			}
		}
	case tools.GetAppointments:
		if !res.Success {
			break
		}
		var apts []tools.Appointment
		if err := json.Unmarshal(res.Data, &apts); err == nil && len(apts) == 1 && !m.slots.Has(SlotAppointment) {
			m.slots.Set(SlotAppointment, apts[0].ID)
		}
		switch {
		case m.intent == IntentCheckAppointment && m.state == StateExecution:
			m.move(StateClosing)
		case m.state == StateSlotCollection:
			m.advance()
		}
	case tools.BookAppointment, tools.RescheduleAppointment, tools.CancelAppointment:
		if res.Success {
			m.lastToolError = ""
			m.move(StateClosing)
			break
		}
		m.lastToolError = res.Error
		if name != tools.CancelAppointment {
			// The requested slot is gone; a new time has to be agreed.
			m.slots.Set(SlotDateTime, "")
		}
		m.move(StateSlotCollection)
	}
	return m.directive(prev, false)
}

// merge copies extracted values in. Date and time may be revised by the
// caller; identity values are only filled when empty. It reports whether
// any slot changed.
func (m *Machine) merge(extracted Slots) bool {
	changed := false
	for i, v := range extracted {
		slot := Slot(i)
		if v == "" || m.slots.Get(slot) == v {
			continue
		}
		if m.slots.Has(slot) && slot != SlotDateTime && slot != SlotServiceType && slot != SlotVehicle {
			continue
		}
		m.slots.Set(slot, v)
		changed = true
	}
	return changed
}

// advance picks the next state for the current intent from the required
// slot checklist and verification status.
func (m *Machine) advance() {
	if m.intent == IntentUnknown || m.intent == IntentGeneralInquiry {
		return
	}
	if m.intent.Mutating() && !m.verified && m.caller != nil {
		m.move(StateVerification)
		return
	}
	required := requiredSlots(m.intent, m.caller != nil)
	if len(m.slots.Missing(required)) > 0 || (m.intent.Mutating() && !m.verified) {
		m.move(StateSlotCollection)
		return
	}
	if m.intent == IntentCheckAppointment {
		m.move(StateExecution)
		return
	}
	m.move(StateConfirmation)
}

// move enforces terminal states: nothing leaves ESCALATION, and CLOSING
// can only be left for ESCALATION.
func (m *Machine) move(to State) {
	if m.state == to {
		return
	}
	if m.state.Terminal() && to != StateEscalation {
		return
	}
	m.state = to
	m.trace = append(m.trace, to)
}

func (m *Machine) escalate(reason string) {
	if m.state == StateEscalation {
		return
	}
	m.escalationReason = reason
	m.move(StateEscalation)
}

func (m *Machine) directive(prev State, escalated bool) Directive {
	required := requiredSlots(m.intent, m.caller != nil)
	return Directive{
		State:            m.state,
		Previous:         prev,
		Transitions:      append([]State(nil), m.trace...),
		Intent:           m.intent,
		Required:         required,
		Missing:          m.slots.Missing(required),
		Slots:            m.slots,
		Instructions:     m.instructions(),
		Escalated:        escalated,
		EscalationReason: m.escalationReason,
		EndCall:          m.endCall,
	}
}

func (m *Machine) Snapshot() Snapshot {
	return Snapshot{
		State:                m.state,
		Intent:               m.intent,
		Slots:                m.slots,
		Caller:               m.Caller(),
		CallerNumber:         m.callerNumber,
		Verified:             m.verified,
		VerificationAttempts: m.verificationAttempts,
		EscalationReason:     m.escalationReason,
		LastToolError:        m.lastToolError,
	}
}

// Restore resumes a machine from a persisted snapshot.
func (m *Machine) Restore(s Snapshot) {
	m.state = s.State
	m.intent = s.Intent
	m.slots = s.Slots
	m.caller = nil
	if s.Caller != nil {
		c := *s.Caller
		m.caller = &c
	}
	m.callerNumber = s.CallerNumber
	m.verified = s.Verified
	m.verificationAttempts = s.VerificationAttempts
	m.escalationReason = s.EscalationReason
	m.lastToolError = s.LastToolError
	m.trace = nil
}
