// Package conversation tracks where a call is in the scripted booking flow
// and derives the instructions handed to the dialogue engine each turn.
package conversation

import (
	"encoding/json"
	"fmt"
	"strings"
)

type State uint8

const (
	StateGreeting State = iota
	StateVerification
	StateIntentDetection
	StateSlotCollection
	StateConfirmation
	StateExecution
	StateClosing
	StateEscalation
)

var stateNames = [...]string{
	StateGreeting:        "GREETING",
	StateVerification:    "VERIFICATION",
	StateIntentDetection: "INTENT_DETECTION",
	StateSlotCollection:  "SLOT_COLLECTION",
	StateConfirmation:    "CONFIRMATION",
	StateExecution:       "EXECUTION",
	StateClosing:         "CLOSING",
	StateEscalation:      "ESCALATION",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", s)
}

// Terminal reports whether no transition can leave s.
func (s State) Terminal() bool { return s == StateClosing || s == StateEscalation }

func ParseState(s string) (State, error) {
	for i, name := range stateNames {
		if strings.EqualFold(name, s) {
			return State(i), nil
		}
	}
	return StateGreeting, fmt.Errorf("unknown conversation state %q", s)
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

type Intent uint8

const (
	IntentUnknown Intent = iota
	IntentSchedule
	IntentReschedule
	IntentCancel
	IntentCheckAppointment
	IntentGeneralInquiry
)

var intentNames = [...]string{
	IntentUnknown:          "UNKNOWN",
	IntentSchedule:         "SCHEDULE_APPOINTMENT",
	IntentReschedule:       "RESCHEDULE_APPOINTMENT",
	IntentCancel:           "CANCEL_APPOINTMENT",
	IntentCheckAppointment: "CHECK_APPOINTMENT",
	IntentGeneralInquiry:   "GENERAL_INQUIRY",
}

func (i Intent) String() string {
	if int(i) < len(intentNames) {
		return intentNames[i]
	}
	return fmt.Sprintf("Intent(%d)", i)
}

// Mutating intents change an existing booking and require verification.
func (i Intent) Mutating() bool { return i == IntentReschedule || i == IntentCancel }

func (i Intent) MarshalText() ([]byte, error) { return []byte(i.String()), nil }

func (i *Intent) UnmarshalText(b []byte) error {
	for n, name := range intentNames {
		if strings.EqualFold(name, string(b)) {
			*i = Intent(n)
			return nil
		}
	}
	return fmt.Errorf("unknown intent %q", b)
}

// Slot is one fixed piece of information the flow can collect.
type Slot uint8

const (
	SlotName Slot = iota
	SlotPhone
	SlotVehicle
	SlotServiceType
	SlotDateTime
	SlotAppointment
	slotCount
)

var slotNames = [slotCount]string{
	SlotName:        "name",
	SlotPhone:       "phone",
	SlotVehicle:     "vehicle",
	SlotServiceType: "service_type",
	SlotDateTime:    "date_time",
	SlotAppointment: "appointment",
}

func (s Slot) String() string {
	if s < slotCount {
		return slotNames[s]
	}
	return fmt.Sprintf("Slot(%d)", s)
}

func parseSlot(name string) (Slot, bool) {
	for i, n := range slotNames {
		if n == name {
			return Slot(i), true
		}
	}
	return 0, false
}

// Slots holds one optional value per Slot.
type Slots [slotCount]string

func (s *Slots) Set(slot Slot, value string) {
	if slot < slotCount {
		s[slot] = strings.TrimSpace(value)
	}
}

func (s Slots) Get(slot Slot) string {
	if slot < slotCount {
		return s[slot]
	}
	return ""
}

func (s Slots) Has(slot Slot) bool { return s.Get(slot) != "" }

// Missing returns the slots in required that have no value yet.
func (s Slots) Missing(required []Slot) []Slot {
	var out []Slot
	for _, slot := range required {
		if !s.Has(slot) {
			out = append(out, slot)
		}
	}
	return out
}

func (s Slots) Map() map[string]string {
	out := make(map[string]string)
	for i, v := range s {
		if v != "" {
			out[slotNames[i]] = v
		}
	}
	return out
}

func (s Slots) MarshalJSON() ([]byte, error) { return json.Marshal(s.Map()) }

func (s *Slots) UnmarshalJSON(b []byte) error {
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	*s = Slots{}
	for k, v := range m {
		if slot, ok := parseSlot(k); ok {
			s[slot] = v
		}
	}
	return nil
}

// Caller is the looked-up customer record verification compares against.
type Caller struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Phone       string `json:"phone"`
	DateOfBirth string `json:"date_of_birth,omitempty"`
	Address     string `json:"address,omitempty"`
	Vehicle     string `json:"vehicle,omitempty"`
	VIN         string `json:"vin,omitempty"`
}

// requiredSlots is the checklist for intent given whether the caller is
// already on record.
func requiredSlots(intent Intent, known bool) []Slot {
	switch intent {
	case IntentSchedule:
		if known {
			return []Slot{SlotVehicle, SlotServiceType, SlotDateTime}
		}
		return []Slot{SlotName, SlotPhone, SlotVehicle, SlotServiceType, SlotDateTime}
	case IntentReschedule:
		if known {
			return []Slot{SlotAppointment, SlotDateTime}
		}
		return []Slot{SlotName, SlotPhone, SlotAppointment, SlotDateTime}
	case IntentCancel:
		if known {
			return []Slot{SlotAppointment}
		}
		return []Slot{SlotName, SlotPhone, SlotAppointment}
	case IntentCheckAppointment:
		if known {
			return nil
		}
		return []Slot{SlotName, SlotPhone}
	default:
		return nil
	}
}
