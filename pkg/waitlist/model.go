package waitlist

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/cnapi/pkg/clock"
	"github.com/cuemby/cnapi/pkg/metrics"
	"github.com/cuemby/cnapi/pkg/store"
	"github.com/google/uuid"
)

// ErrNotFound is returned when a ticket uuid does not exist.
var ErrNotFound = errors.New("waitlist: not found")

// Model is the Waitlist Model (spec §4.E).
type Model struct {
	kv    store.KVStore
	clock clock.Clock
}

// NewModel constructs a Model over kv.
func NewModel(kv store.KVStore, clk clock.Clock) *Model {
	return &Model{kv: kv, clock: clk}
}

func decodeTicket(raw []byte) (*Ticket, error) {
	var t Ticket
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTicket fetches a single ticket by uuid.
func (m *Model) GetTicket(ticketUUID string) (*Ticket, error) {
	raw, _, err := m.kv.GetObject(store.BucketTickets, ticketUUID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeTicket(raw)
}

// queueSnapshot returns every pending ticket for (serverUUID, scope, id),
// sorted by created_at ascending.
func (m *Model) queueSnapshot(serverUUID, scope, id string) ([]*Ticket, error) {
	records, err := m.kv.FindObjects(store.BucketTickets, store.Query{
		Match: func(raw []byte) bool {
			t, err := decodeTicket(raw)
			if err != nil {
				return false
			}
			return t.ServerUUID == serverUUID && t.Scope == scope && t.ID == id && t.Status.Pending()
		},
	})
	if err != nil {
		return nil, err
	}
	out := make([]*Ticket, 0, len(records))
	for _, rec := range records {
		t, err := decodeTicket(rec.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// CreateTicket creates a new ticket for (server_uuid, scope, id), active if
// the queue is currently empty, queued otherwise (spec §4.E).
func (m *Model) CreateTicket(p CreateParams) (string, []*Ticket, error) {
	pending, err := m.queueSnapshot(p.ServerUUID, p.Scope, p.ID)
	if err != nil {
		return "", nil, err
	}

	now := m.clock.Now()
	status := StatusActive
	if len(pending) > 0 {
		status = StatusQueued
	}

	ticket := &Ticket{
		UUID:       uuid.NewString(),
		ServerUUID: p.ServerUUID,
		Scope:      p.Scope,
		ID:         p.ID,
		Action:     p.Action,
		ExpiresAt:  p.ExpiresAt,
		CreatedAt:  now,
		UpdatedAt:  now,
		Status:     status,
		ReqID:      p.ReqID,
		Extra:      p.Extra,
	}

	data, err := json.Marshal(ticket)
	if err != nil {
		return "", nil, err
	}
	if _, err := m.kv.PutObject(store.BucketTickets, ticket.UUID, data, ""); err != nil {
		return "", nil, err
	}
	metrics.TicketsCreatedTotal.WithLabelValues(string(status)).Inc()

	snapshot, err := m.queueSnapshot(p.ServerUUID, p.Scope, p.ID)
	if err != nil {
		return ticket.UUID, nil, err
	}
	return ticket.UUID, snapshot, nil
}

// ModifyTicketActivateNext is the single atomic primitive for all ticket
// state transitions (spec §4.E). It retries unboundedly on an ETag
// conflict: the conflict implies another actor advanced the queue, so
// retrying always converges or observes the terminal state.
func (m *Model) ModifyTicketActivateNext(ticketUUID string, op string, update *Update) error {
	for {
		raw, etag, err := m.kv.GetObject(store.BucketTickets, ticketUUID)
		if errors.Is(err, store.ErrNotFound) {
			if op == "delete" {
				return nil
			}
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		target, err := decodeTicket(raw)
		if err != nil {
			return err
		}

		now := m.clock.Now()
		var ops []store.BatchOp

		switch op {
		case "delete":
			ops = append(ops, store.BatchOp{Kind: store.OpDelete, Bucket: store.BucketTickets, Key: ticketUUID, IfMatch: etag})
		case "update":
			if update != nil && update.Status != nil {
				target.Status = *update.Status
			}
			target.UpdatedAt = now
			data, err := json.Marshal(target)
			if err != nil {
				return err
			}
			ops = append(ops, store.BatchOp{Kind: store.OpPut, Bucket: store.BucketTickets, Key: ticketUUID, Value: data, IfMatch: etag})
		default:
			return fmt.Errorf("waitlist: unknown op %q", op)
		}

		next, nextEtag, err := m.findNextToActivate(target)
		if err != nil {
			return err
		}
		if next != nil {
			next.Status = StatusActive
			next.UpdatedAt = now
			data, err := json.Marshal(next)
			if err != nil {
				return err
			}
			ops = append(ops, store.BatchOp{Kind: store.OpPut, Bucket: store.BucketTickets, Key: next.UUID, Value: data, IfMatch: nextEtag})
		}

		err = m.kv.Batch(ops)
		if errors.Is(err, store.ErrETagConflict) {
			continue
		}
		if err != nil {
			return err
		}

		if op == "update" && update != nil && update.Status != nil && (*update.Status).Terminal() {
			metrics.TicketsTerminatedTotal.WithLabelValues(string(*update.Status)).Inc()
		}
		return nil
	}
}

// findNextToActivate returns the oldest pending, non-active ticket for the
// same (server_uuid, scope, id) as target, excluding target itself.
func (m *Model) findNextToActivate(target *Ticket) (*Ticket, string, error) {
	records, err := m.kv.FindObjects(store.BucketTickets, store.Query{
		Match: func(raw []byte) bool {
			t, err := decodeTicket(raw)
			if err != nil {
				return false
			}
			if t.UUID == target.UUID {
				return false
			}
			return t.ServerUUID == target.ServerUUID && t.Scope == target.Scope && t.ID == target.ID &&
				t.Status == StatusQueued
		},
		Less: func(a, b []byte) bool {
			ta, _ := decodeTicket(a)
			tb, _ := decodeTicket(b)
			return ta.CreatedAt.Before(tb.CreatedAt)
		},
		Limit: 1,
	})
	if err != nil {
		return nil, "", err
	}
	if len(records) == 0 {
		return nil, "", nil
	}
	next, err := decodeTicket(records[0].Value)
	if err != nil {
		return nil, "", err
	}
	return next, records[0].ETag, nil
}

// ReleaseTicket marks uuid finished and activates the next queued ticket,
// if any.
func (m *Model) ReleaseTicket(ticketUUID string) error {
	status := StatusFinished
	return m.ModifyTicketActivateNext(ticketUUID, "update", &Update{Status: &status})
}

// ExpireTicket marks uuid expired and activates the next queued ticket, if
// any.
func (m *Model) ExpireTicket(ticketUUID string) error {
	status := StatusExpired
	return m.ModifyTicketActivateNext(ticketUUID, "update", &Update{Status: &status})
}

// DeleteTicket removes uuid and activates the next queued ticket, if any.
func (m *Model) DeleteTicket(ticketUUID string) error {
	return m.ModifyTicketActivateNext(ticketUUID, "delete", nil)
}

// TicketsUpdatedSince returns every non-terminal ticket whose updated_at is
// at or after ts, or whose expires_at has already passed (so the director
// observes tickets that need expiring even without a recent write). A zero
// ts returns all non-terminal tickets. Results are sorted by created_at.
func (m *Model) TicketsUpdatedSince(ts time.Time) ([]*Ticket, error) {
	records, err := m.kv.FindObjects(store.BucketTickets, store.Query{
		Match: func(raw []byte) bool {
			t, err := decodeTicket(raw)
			if err != nil {
				return false
			}
			if t.Status.Terminal() {
				return false
			}
			if ts.IsZero() {
				return true
			}
			return !t.UpdatedAt.Before(ts) || t.ExpiresAt.Before(ts)
		},
	})
	if err != nil {
		return nil, err
	}
	out := make([]*Ticket, 0, len(records))
	for _, rec := range records {
		t, err := decodeTicket(rec.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// TicketsOlderThan returns every terminal ticket last updated before
// threshold, for the retention cleanup timer.
func (m *Model) TicketsOlderThan(threshold time.Time) ([]*Ticket, error) {
	records, err := m.kv.FindObjects(store.BucketTickets, store.Query{
		Match: func(raw []byte) bool {
			t, err := decodeTicket(raw)
			if err != nil {
				return false
			}
			return t.Status.Terminal() && t.UpdatedAt.Before(threshold)
		},
	})
	if err != nil {
		return nil, err
	}
	out := make([]*Ticket, 0, len(records))
	for _, rec := range records {
		t, err := decodeTicket(rec.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// DeleteAllTickets removes every ticket for serverUUID.
func (m *Model) DeleteAllTickets(serverUUID string) error {
	match := func(raw []byte) bool {
		t, err := decodeTicket(raw)
		return err == nil && t.ServerUUID == serverUUID
	}
	for {
		if _, err := m.kv.DeleteMany(store.BucketTickets, match); err != nil {
			return err
		}
		n, err := m.kv.Count(store.BucketTickets, match)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}
