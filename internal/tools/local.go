package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Customer is a caller record as the scheduling backend knows it.
type Customer struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Phone       string `json:"phone"`
	DateOfBirth string `json:"date_of_birth,omitempty"`
	Address     string `json:"address,omitempty"`
	Vehicle     string `json:"vehicle,omitempty"`
	VIN         string `json:"vin,omitempty"`
}

type Appointment struct {
	ID          string `json:"id"`
	CustomerID  string `json:"customer_id"`
	ServiceType string `json:"service_type"`
	Vehicle     string `json:"vehicle,omitempty"`
	Date        string `json:"date"`
	Time        string `json:"time"`
	Status      string `json:"status"`
}

const (
	statusBooked    = "booked"
	statusCancelled = "cancelled"
)

// openingHours are the hourly slot starts offered each day.
var openingHours = []string{"08:00", "09:00", "10:00", "11:00", "13:00", "14:00", "15:00", "16:00"}

// LocalRouter is an in-process scheduling backend used in development and
// tests when no TOOL_ROUTER_URL is configured.
type LocalRouter struct {
	mu           sync.Mutex
	customers    map[string]Customer
	appointments map[string]Appointment
}

func NewLocalRouter(customers ...Customer) *LocalRouter {
	r := &LocalRouter{
		customers:    make(map[string]Customer),
		appointments: make(map[string]Appointment),
	}
	for _, c := range customers {
		r.AddCustomer(c)
	}
	return r
}

func (r *LocalRouter) AddCustomer(c Customer) Customer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == "" {
		c.ID = "cus_" + uuid.NewString()[:8]
	}
	c.Phone = normalizePhone(c.Phone)
	r.customers[c.ID] = c
	return c
}

// AddAppointment seeds an existing booking.
func (r *LocalRouter) AddAppointment(a Appointment) Appointment {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.ID == "" {
		a.ID = "apt_" + uuid.NewString()[:8]
	}
	if a.Status == "" {
		a.Status = statusBooked
	}
	r.appointments[a.ID] = a
	return a
}

func (r *LocalRouter) Execute(ctx context.Context, name string, args json.RawMessage) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	switch name {
	case LookupCustomer:
		return dispatch(args, r.lookupCustomer)
	case CheckAvailability:
		return dispatch(args, r.checkAvailability)
	case BookAppointment:
		return dispatch(args, r.book)
	case RescheduleAppointment:
		return dispatch(args, r.reschedule)
	case CancelAppointment:
		return dispatch(args, r.cancel)
	case GetAppointments:
		return dispatch(args, r.list)
	default:
		return Failure("%s: %s", ErrUnknownTool, name), nil
	}
}

func dispatch[T any](args json.RawMessage, fn func(T) (Result, error)) (Result, error) {
	in, err := Decode[T](args)
	if err != nil {
		return Failure("invalid arguments: %v", err), nil
	}
	return fn(in)
}

func (r *LocalRouter) lookupCustomer(in LookupCustomerArgs) (Result, error) {
	phone := normalizePhone(in.Phone)
	if phone == "" {
		return Failure("phone is required"), nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.customers {
		if c.Phone == phone {
			return Success(c)
		}
	}
	return Failure("no customer found for that phone number"), nil
}

func (r *LocalRouter) checkAvailability(in CheckAvailabilityArgs) (Result, error) {
	if _, err := time.Parse(time.DateOnly, in.Date); err != nil {
		return Failure("date must be YYYY-MM-DD"), nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var open []string
	for _, slot := range openingHours {
		if !r.slotTakenLocked(in.Date, slot, "") {
			open = append(open, slot)
		}
	}
	return Success(map[string]any{"date": in.Date, "open_slots": open})
}

func (r *LocalRouter) book(in BookAppointmentArgs) (Result, error) {
	if msg := validateSlot(in.Date, in.Time); msg != "" {
		return Failure("%s", msg), nil
	}
	if strings.TrimSpace(in.ServiceType) == "" {
		return Failure("service_type is required"), nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.slotTakenLocked(in.Date, in.Time, "") {
		return Result{
			Success: false,
			Error:   fmt.Sprintf("the %s slot on %s is no longer available", in.Time, in.Date),
			Data:    r.alternativesLocked(in.Date),
		}, nil
	}

	customerID := in.CustomerID
	if _, ok := r.customers[customerID]; !ok {
		customerID = ""
		phone := normalizePhone(in.Phone)
		for _, c := range r.customers {
			if phone != "" && c.Phone == phone {
				customerID = c.ID
				break
			}
		}
		if customerID == "" {
			c := Customer{ID: "cus_" + uuid.NewString()[:8], Name: in.Name, Phone: phone, Vehicle: in.Vehicle}
			r.customers[c.ID] = c
			customerID = c.ID
		}
	}

	apt := Appointment{
		ID:          "apt_" + uuid.NewString()[:8],
		CustomerID:  customerID,
		ServiceType: in.ServiceType,
		Vehicle:     in.Vehicle,
		Date:        in.Date,
		Time:        in.Time,
		Status:      statusBooked,
	}
	r.appointments[apt.ID] = apt
	return Success(apt)
}

func (r *LocalRouter) reschedule(in RescheduleAppointmentArgs) (Result, error) {
	if msg := validateSlot(in.Date, in.Time); msg != "" {
		return Failure("%s", msg), nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	apt, ok := r.appointments[in.AppointmentID]
	if !ok || apt.Status != statusBooked {
		return Failure("appointment %s not found", in.AppointmentID), nil
	}
	if r.slotTakenLocked(in.Date, in.Time, apt.ID) {
		return Result{
			Success: false,
			Error:   fmt.Sprintf("the %s slot on %s is no longer available", in.Time, in.Date),
			Data:    r.alternativesLocked(in.Date),
		}, nil
	}
	apt.Date, apt.Time = in.Date, in.Time
	r.appointments[apt.ID] = apt
	return Success(apt)
}

func (r *LocalRouter) cancel(in CancelAppointmentArgs) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	apt, ok := r.appointments[in.AppointmentID]
	if !ok || apt.Status != statusBooked {
		return Failure("appointment %s not found", in.AppointmentID), nil
	}
	apt.Status = statusCancelled
	r.appointments[apt.ID] = apt
	return Success(apt)
}

func (r *LocalRouter) list(in GetAppointmentsArgs) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.customers[in.CustomerID]; !ok {
		return Failure("customer %s not found", in.CustomerID), nil
	}
	out := []Appointment{}
	for _, a := range r.appointments {
		if a.CustomerID == in.CustomerID && a.Status == statusBooked {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].Time < out[j].Time
	})
	return Success(out)
}

func (r *LocalRouter) slotTakenLocked(date, at, exceptID string) bool {
	for _, a := range r.appointments {
		if a.ID != exceptID && a.Status == statusBooked && a.Date == date && a.Time == at {
			return true
		}
	}
	return false
}

func (r *LocalRouter) alternativesLocked(date string) json.RawMessage {
	var open []string
	for _, slot := range openingHours {
		if !r.slotTakenLocked(date, slot, "") {
			open = append(open, slot)
		}
	}
	raw, _ := json.Marshal(map[string]any{"date": date, "open_slots": open})
	return raw
}

func validateSlot(date, at string) string {
	if _, err := time.Parse(time.DateOnly, date); err != nil {
		return "date must be YYYY-MM-DD"
	}
	for _, slot := range openingHours {
		if slot == at {
			return ""
		}
	}
	return fmt.Sprintf("%q is not a bookable slot start", at)
}

func normalizePhone(phone string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(phone) {
		if (r >= '0' && r <= '9') || (r == '+' && i == 0) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
