package conversation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ent0n29/callcore/internal/tools"
)

const defaultPersona = `You are the phone receptionist for %s, an auto service center.
You are speaking on a live phone call: keep every reply to one or two short sentences, never use lists, markdown, emoji or URLs, and ask one question at a time.
Use the tools to look up customers, check availability and manage appointments. Never invent appointment times, prices or customer details.`

func (m *Machine) instructions() string {
	var b strings.Builder
	persona := m.cfg.Persona
	if strings.TrimSpace(persona) == "" {
		persona = fmt.Sprintf(defaultPersona, m.cfg.BusinessName)
	}
	b.WriteString(persona)
	b.WriteString("\n\n")

	now := m.cfg.Now().In(m.cfg.Location)
	fmt.Fprintf(&b, "Today is %s. Convert relative days like \"tomorrow\" to YYYY-MM-DD and times to HH:MM (24h) when calling tools.\n", now.Format("Monday, January 2, 2006"))

	switch {
	case m.caller != nil:
		fmt.Fprintf(&b, "The caller is on record as %s (customer id %s).", m.caller.Name, m.caller.ID)
		if m.verified {
			b.WriteString(" Their identity has been verified on this call.")
		}
		b.WriteString("\n")
	case m.callerNumber != "":
		fmt.Fprintf(&b, "The caller is not on record yet. Caller ID shows %s.\n", m.callerNumber)
	default:
		b.WriteString("The caller is not on record yet.\n")
	}
	if m.callerContext != "" {
		b.WriteString("Earlier calls from this number:\n")
		b.WriteString(m.callerContext)
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "\nCurrent step: %s.", m.state)
	if m.intent != IntentUnknown {
		fmt.Fprintf(&b, " Caller intent: %s.", m.intent)
	}
	b.WriteString("\n")
	b.WriteString(m.stepGuidance())

	if collected := describeSlots(m.slots); collected != "" {
		b.WriteString("\nCollected so far: ")
		b.WriteString(collected)
		b.WriteString(".")
	}
	return b.String()
}

func (m *Machine) stepGuidance() string {
	required := requiredSlots(m.intent, m.caller != nil)
	missing := m.slots.Missing(required)

	switch m.state {
	case StateGreeting:
		return "Greet the caller warmly and ask how you can help."
	case StateIntentDetection:
		if m.intent == IntentGeneralInquiry {
			return "Answer the caller's question briefly, then ask whether they would like to book a visit."
		}
		return "Find out whether the caller wants to book, reschedule, cancel or check an appointment, or has a general question."
	case StateVerification:
		left := MaxVerificationAttempts - m.verificationAttempts
		return fmt.Sprintf("Before changing an existing appointment, verify the caller's identity. Ask for one of: date of birth, the last four digits of the phone number on file, the street address, or the vehicle. Never reveal the stored values. Attempts left: %d.", left)
	case StateSlotCollection:
		var parts []string
		if m.lastToolError != "" {
			parts = append(parts, fmt.Sprintf("The last attempt failed: %s. Apologize briefly and offer alternatives, using %s to find open times.", m.lastToolError, tools.CheckAvailability))
		}
		if m.intent.Mutating() && m.caller == nil {
			parts = append(parts, fmt.Sprintf("Ask for the caller's name and the phone number on the booking, then call %s.", tools.LookupCustomer))
		}
		if m.intent.Mutating() && m.caller != nil && !m.slots.Has(SlotAppointment) {
			parts = append(parts, fmt.Sprintf("Call %s to find which appointment they mean.", tools.GetAppointments))
		}
		if len(missing) > 0 {
			parts = append(parts, "Collect the missing details one at a time: "+slotList(missing)+".")
		}
		if len(parts) == 0 {
			parts = append(parts, "Ask what the caller would like to change.")
		}
		return strings.Join(parts, " ")
	case StateConfirmation:
		return "Read the details back in one sentence and ask the caller to confirm. Do not book, reschedule or cancel until they say yes."
	case StateExecution:
		switch m.intent {
		case IntentSchedule:
			return fmt.Sprintf("The caller confirmed. Call %s now with the collected details.", tools.BookAppointment)
		case IntentReschedule:
			return fmt.Sprintf("The caller confirmed. Call %s now for appointment %s.", tools.RescheduleAppointment, m.slots.Get(SlotAppointment))
		case IntentCancel:
			return fmt.Sprintf("The caller confirmed. Call %s now for appointment %s.", tools.CancelAppointment, m.slots.Get(SlotAppointment))
		case IntentCheckAppointment:
			return fmt.Sprintf("Call %s and tell the caller about their upcoming appointments.", tools.GetAppointments)
		}
		return "Complete the caller's request."
	case StateClosing:
		return "The request is done. Confirm the outcome in one sentence, ask if there is anything else, and say goodbye when they are finished."
	case StateEscalation:
		return "Tell the caller you are connecting them with a team member now and thank them for their patience. Do not call any tools."
	}
	return ""
}

func slotList(slots []Slot) string {
	names := make([]string, len(slots))
	for i, s := range slots {
		names[i] = strings.ReplaceAll(s.String(), "_", " ")
	}
	return strings.Join(names, ", ")
}

func describeSlots(s Slots) string {
	m := s.Map()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%q", k, m[k])
	}
	return strings.Join(parts, ", ")
}
