package tools

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/invopop/jsonschema"

	"github.com/ent0n29/callcore/internal/reasoning"
)

const (
	LookupCustomer        = "lookup_customer"
	CheckAvailability     = "check_availability"
	BookAppointment       = "book_appointment"
	RescheduleAppointment = "reschedule_appointment"
	CancelAppointment     = "cancel_appointment"
	GetAppointments       = "get_appointments"
)

type LookupCustomerArgs struct {
	Phone string `json:"phone" jsonschema:"description=Caller phone number in E.164 form"`
}

type CheckAvailabilityArgs struct {
	Date          string `json:"date" jsonschema:"description=Requested day as YYYY-MM-DD"`
	ServiceType   string `json:"service_type,omitempty" jsonschema:"description=Service such as oil change or brake inspection"`
	PreferredTime string `json:"preferred_time,omitempty" jsonschema:"description=Preferred start time as HH:MM (24h)"`
}

type BookAppointmentArgs struct {
	CustomerID  string `json:"customer_id,omitempty" jsonschema:"description=Known customer id from lookup_customer"`
	Name        string `json:"name" jsonschema:"description=Customer full name"`
	Phone       string `json:"phone" jsonschema:"description=Customer phone number"`
	Vehicle     string `json:"vehicle" jsonschema:"description=Year make and model of the vehicle"`
	ServiceType string `json:"service_type" jsonschema:"description=Requested service"`
	Date        string `json:"date" jsonschema:"description=Appointment day as YYYY-MM-DD"`
	Time        string `json:"time" jsonschema:"description=Appointment start as HH:MM (24h)"`
}

type RescheduleAppointmentArgs struct {
	AppointmentID string `json:"appointment_id" jsonschema:"description=Appointment to move"`
	Date          string `json:"date" jsonschema:"description=New day as YYYY-MM-DD"`
	Time          string `json:"time" jsonschema:"description=New start as HH:MM (24h)"`
}

type CancelAppointmentArgs struct {
	AppointmentID string `json:"appointment_id" jsonschema:"description=Appointment to cancel"`
	Reason        string `json:"reason,omitempty" jsonschema:"description=Reason given by the caller"`
}

type GetAppointmentsArgs struct {
	CustomerID string `json:"customer_id" jsonschema:"description=Customer whose upcoming appointments to list"`
}

// Definition describes one tool the model may call.
type Definition struct {
	Name        string
	Description string
	// ReadOnly tools have no side effects and may be retried on timeout.
	ReadOnly bool
	args     any
}

var definitions = []Definition{
	{Name: LookupCustomer, Description: "Find the customer record for a phone number.", ReadOnly: true, args: LookupCustomerArgs{}},
	{Name: CheckAvailability, Description: "List open appointment slots on a day.", ReadOnly: true, args: CheckAvailabilityArgs{}},
	{Name: BookAppointment, Description: "Book a service appointment. Fails if the slot is no longer free.", args: BookAppointmentArgs{}},
	{Name: RescheduleAppointment, Description: "Move an existing appointment to a new slot.", args: RescheduleAppointmentArgs{}},
	{Name: CancelAppointment, Description: "Cancel an existing appointment.", args: CancelAppointmentArgs{}},
	{Name: GetAppointments, Description: "List a customer's upcoming appointments.", ReadOnly: true, args: GetAppointmentsArgs{}},
}

// Catalog is the fixed set of tools offered to the model.
type Catalog struct {
	byName map[string]Definition
	specs  []reasoning.ToolSpec
}

func NewCatalog() (*Catalog, error) {
	reflector := jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true, Anonymous: true}
	c := &Catalog{byName: make(map[string]Definition, len(definitions))}
	for _, def := range definitions {
		schema := reflector.ReflectFromType(reflect.TypeOf(def.args))
		schema.Version = ""
		raw, err := json.Marshal(schema)
		if err != nil {
			return nil, fmt.Errorf("reflect %s schema: %w", def.Name, err)
		}
		c.byName[def.Name] = def
		c.specs = append(c.specs, reasoning.ToolSpec{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  raw,
		})
	}
	return c, nil
}

// Specs returns the tool specs in registration order.
func (c *Catalog) Specs() []reasoning.ToolSpec {
	if c == nil {
		return nil
	}
	return append([]reasoning.ToolSpec(nil), c.specs...)
}

func (c *Catalog) Lookup(name string) (Definition, bool) {
	if c == nil {
		return Definition{}, false
	}
	def, ok := c.byName[name]
	return def, ok
}

func (c *Catalog) IsReadOnly(name string) bool {
	def, ok := c.Lookup(name)
	return ok && def.ReadOnly
}

// Decode unmarshals tool arguments into the typed struct for that tool.
func Decode[T any](args json.RawMessage) (T, error) {
	var out T
	if len(args) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(args, &out); err != nil {
		return out, fmt.Errorf("decode arguments: %w", err)
	}
	return out, nil
}
