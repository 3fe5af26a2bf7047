// Package waitlist implements the Waitlist Model and Waitlist Director
// (spec §4.D/§4.E): a per-(server, scope, id) FIFO ticket serializer
// guaranteeing at most one "active" holder at a time across the fleet.
package waitlist

import "time"

// Status is a Ticket's lifecycle state.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusActive   Status = "active"
	StatusExpired  Status = "expired"
	StatusFinished Status = "finished"
)

// Pending reports whether s is a non-terminal status.
func (s Status) Pending() bool {
	return s == StatusQueued || s == StatusActive
}

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	return s == StatusExpired || s == StatusFinished
}

// Ticket is a request to hold a named resource lock on a compute node,
// serialised within its (scope, id) pair (spec §3).
type Ticket struct {
	UUID       string         `json:"uuid"`
	ServerUUID string         `json:"server_uuid"`
	Scope      string         `json:"scope"`
	ID         string         `json:"id"`
	Action     string         `json:"action,omitempty"`
	ExpiresAt  time.Time      `json:"expires_at"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	Status     Status         `json:"status"`
	ReqID      string         `json:"reqid,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// CreateParams are the caller-supplied fields for CreateTicket.
type CreateParams struct {
	ServerUUID string
	Scope      string
	ID         string
	ExpiresAt  time.Time
	Action     string
	Extra      map[string]any
	ReqID      string
}

// Update is the set of fields ModifyTicketActivateNext may change on the
// target ticket. A nil field leaves the existing value untouched.
type Update struct {
	Status *Status
}
