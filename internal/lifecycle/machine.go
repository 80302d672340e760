// Package lifecycle implements the job lifecycle state machine and the services
// that persist accepted transitions.
//
// The Machine itself is pure: it never loads or stores anything, and every call
// receives its own Context. Timestamps, history entries and persistence belong to
// the caller (see Service).
package lifecycle

import (
	"time"

	"fieldflow/internal/models"
)

// EventType names an externally triggerable lifecycle action.
type EventType string

const (
	EventQualify         EventType = "QUALIFY"
	EventSendEstimate    EventType = "SEND_ESTIMATE"
	EventApproveEstimate EventType = "APPROVE_ESTIMATE"
	EventRejectEstimate  EventType = "REJECT_ESTIMATE"
	EventSchedule        EventType = "SCHEDULE"
	EventDispatch        EventType = "DISPATCH"
	EventStartWork       EventType = "START_WORK"
	EventCompleteWork    EventType = "COMPLETE_WORK"
	EventCreateInvoice   EventType = "CREATE_INVOICE"
	EventMarkPaid        EventType = "MARK_PAID"
	EventCancel          EventType = "CANCEL"
	EventMarkLost        EventType = "MARK_LOST"
)

// AllEvents is the fixed event set, in the order availability is reported.
var AllEvents = []EventType{
	EventQualify,
	EventSendEstimate,
	EventApproveEstimate,
	EventRejectEstimate,
	EventSchedule,
	EventDispatch,
	EventStartWork,
	EventCompleteWork,
	EventCreateInvoice,
	EventMarkPaid,
	EventCancel,
	EventMarkLost,
}

// Event is a lifecycle action plus the payload its transition needs.
type Event struct {
	Type      EventType `json:"type"`
	Date      time.Time `json:"date,omitempty"`
	InvoiceID string    `json:"invoice_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

func Qualify() Event         { return Event{Type: EventQualify} }
func SendEstimate() Event    { return Event{Type: EventSendEstimate} }
func ApproveEstimate() Event { return Event{Type: EventApproveEstimate} }
func RejectEstimate() Event  { return Event{Type: EventRejectEstimate} }
func Dispatch() Event        { return Event{Type: EventDispatch} }
func StartWork() Event       { return Event{Type: EventStartWork} }
func CompleteWork() Event    { return Event{Type: EventCompleteWork} }
func MarkPaid() Event        { return Event{Type: EventMarkPaid} }

// Schedule books the job for date.
func Schedule(date time.Time) Event { return Event{Type: EventSchedule, Date: date} }

// CreateInvoice links the invoice that bills the job.
func CreateInvoice(invoiceID string) Event {
	return Event{Type: EventCreateInvoice, InvoiceID: invoiceID}
}

// Cancel closes the job as cancelled.
func Cancel(reason string) Event { return Event{Type: EventCancel, Reason: reason} }

// MarkLost closes the job as lost.
func MarkLost(reason string) Event { return Event{Type: EventMarkLost, Reason: reason} }

// Context holds the facts the machine reasons about. Callers rebuild it for every
// call; Status must equal the persisted status of the job.
type Context struct {
	Status         models.JobLifecycleState
	ScheduledDate  *time.Time
	EstimateID     string
	InvoiceID      string
	HasContactInfo bool
	IsFullyPaid    bool
}

// Guard is a pure predicate evaluated against the context and event payload.
type Guard struct {
	Name  string
	Check func(Context, Event) bool
}

// Edge is the outgoing transition for one event from one state.
type Edge struct {
	Target models.JobLifecycleState
	Guard  *Guard
}

// Table maps state -> event -> edge.
type Table map[models.JobLifecycleState]map[EventType]Edge

var (
	guardHasContactInfo = &Guard{
		Name:  "hasContactInfo",
		Check: func(c Context, _ Event) bool { return c.HasContactInfo },
	}
	guardHasDate = &Guard{
		Name:  "hasScheduledDate",
		Check: func(_ Context, e Event) bool { return !e.Date.IsZero() },
	}
	guardFullyPaid = &Guard{
		Name:  "isFullyPaid",
		Check: func(c Context, _ Event) bool { return c.IsFullyPaid },
	}
)

// JobTable is the job lifecycle graph.
var JobTable = Table{
	models.StateLead: {
		EventQualify:  {Target: models.StateQualified, Guard: guardHasContactInfo},
		EventCancel:   {Target: models.StateCancelled},
		EventMarkLost: {Target: models.StateLost},
	},
	models.StateQualified: {
		EventSendEstimate: {Target: models.StateEstimateSent},
		EventSchedule:     {Target: models.StateScheduled, Guard: guardHasDate},
		EventCancel:       {Target: models.StateCancelled},
		EventMarkLost:     {Target: models.StateLost},
	},
	models.StateEstimateSent: {
		EventApproveEstimate: {Target: models.StateEstimateApproved},
		EventRejectEstimate:  {Target: models.StateQualified},
		EventCancel:          {Target: models.StateCancelled},
		EventMarkLost:        {Target: models.StateLost},
	},
	models.StateEstimateApproved: {
		EventSchedule: {Target: models.StateScheduled, Guard: guardHasDate},
		EventCancel:   {Target: models.StateCancelled},
	},
	models.StateScheduled: {
		EventSchedule: {Target: models.StateScheduled, Guard: guardHasDate},
		EventDispatch: {Target: models.StateDispatched},
		EventCancel:   {Target: models.StateCancelled},
	},
	models.StateDispatched: {
		EventStartWork: {Target: models.StateInProgress},
		EventCancel:    {Target: models.StateCancelled},
	},
	models.StateInProgress: {
		EventCompleteWork: {Target: models.StateCompleted},
	},
	models.StateCompleted: {
		EventCreateInvoice: {Target: models.StateInvoiced},
	},
	models.StateInvoiced: {
		EventMarkPaid: {Target: models.StatePaid, Guard: guardFullyPaid},
	},
	models.StatePaid:      {},
	models.StateCancelled: {},
	models.StateLost:      {},
}

// Machine evaluates events against a transition table. It holds no mutable state
// and is safe for concurrent use.
type Machine struct {
	table Table
}

// NewMachine returns a machine over table, or over JobTable when table is nil.
func NewMachine(table Table) *Machine {
	if table == nil {
		table = JobTable
	}
	return &Machine{table: table}
}

// CanTransition reports whether ev is legal from c.Status.
func (m *Machine) CanTransition(c Context, ev Event) bool {
	_, ok := m.Apply(c, ev)
	return ok
}

// Apply returns the target state for ev. ok is false when the current state has
// no edge for the event or the edge's guard rejects it; the context is never
// modified.
func (m *Machine) Apply(c Context, ev Event) (models.JobLifecycleState, bool) {
	edges, ok := m.table[c.Status]
	if !ok {
		return c.Status, false
	}
	edge, ok := edges[ev.Type]
	if !ok {
		return c.Status, false
	}
	if edge.Guard != nil && !edge.Guard.Check(c, ev) {
		return c.Status, false
	}
	return edge.Target, true
}

// Rejection explains why Apply would refuse ev. It returns "" when ev is legal.
func (m *Machine) Rejection(c Context, ev Event) string {
	edge, ok := m.table[c.Status][ev.Type]
	if !ok {
		return "no transition for " + string(ev.Type) + " from " + string(c.Status)
	}
	if edge.Guard != nil && !edge.Guard.Check(c, ev) {
		return "guard " + edge.Guard.Name + " rejected " + string(ev.Type)
	}
	return ""
}

// sampleDate is the payload SCHEDULE is checked with for availability.
var sampleDate = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// AvailableTransitions lists the events that would currently succeed. Payload
// guards (a scheduled date, an invoice id) are filled with a representative value
// because the caller supplies those when it actually transitions.
func (m *Machine) AvailableTransitions(c Context) []EventType {
	out := make([]EventType, 0, len(AllEvents))
	for _, t := range AllEvents {
		if m.CanTransition(c, sampleEvent(t)) {
			out = append(out, t)
		}
	}
	return out
}

func sampleEvent(t EventType) Event {
	ev := Event{Type: t}
	switch t {
	case EventSchedule:
		ev.Date = sampleDate
	case EventCreateInvoice:
		ev.InvoiceID = "sample"
	}
	return ev
}

// EdgeDescription is a serializable view of one edge.
type EdgeDescription struct {
	From  models.JobLifecycleState `json:"from"`
	Event EventType                `json:"event"`
	To    models.JobLifecycleState `json:"to"`
	Guard string                   `json:"guard,omitempty"`
}

// Description is a serializable view of the whole table.
type Description struct {
	States   []models.JobLifecycleState `json:"states"`
	Terminal []models.JobLifecycleState `json:"terminal"`
	Edges    []EdgeDescription          `json:"edges"`
}

// Describe returns the table as data for documentation and visualization.
func (m *Machine) Describe() Description {
	var d Description
	for _, s := range models.AllStates {
		edges, ok := m.table[s]
		if !ok {
			continue
		}
		d.States = append(d.States, s)
		if len(edges) == 0 {
			d.Terminal = append(d.Terminal, s)
		}
		for _, ev := range AllEvents {
			edge, ok := edges[ev]
			if !ok {
				continue
			}
			ed := EdgeDescription{From: s, Event: ev, To: edge.Target}
			if edge.Guard != nil {
				ed.Guard = edge.Guard.Name
			}
			d.Edges = append(d.Edges, ed)
		}
	}
	return d
}
