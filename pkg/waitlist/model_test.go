package waitlist

import (
	"testing"
	"time"

	"github.com/cuemby/cnapi/pkg/clock"
	"github.com/cuemby/cnapi/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestModel(t *testing.T) (*Model, clock.Clock) {
	t.Helper()
	kv, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	fc := clock.NewFake()
	return NewModel(kv, fc), fc
}

func TestCreateTicketFirstIsActive(t *testing.T) {
	m, fc := newTestModel(t)

	uuid, snapshot, err := m.CreateTicket(CreateParams{
		ServerUUID: "srv-1", Scope: "vm", ID: "vm-1", ExpiresAt: fc.Now().Add(time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	assert.Equal(t, StatusActive, snapshot[0].Status)

	ticket, err := m.GetTicket(uuid)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, ticket.Status)
}

func TestCreateTicketSecondIsQueued(t *testing.T) {
	m, fc := newTestModel(t)

	_, _, err := m.CreateTicket(CreateParams{ServerUUID: "srv-1", Scope: "vm", ID: "vm-1", ExpiresAt: fc.Now().Add(time.Minute)})
	require.NoError(t, err)

	uuid2, snapshot, err := m.CreateTicket(CreateParams{ServerUUID: "srv-1", Scope: "vm", ID: "vm-1", ExpiresAt: fc.Now().Add(time.Minute)})
	require.NoError(t, err)
	require.Len(t, snapshot, 2)

	ticket2, err := m.GetTicket(uuid2)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, ticket2.Status)
}

func TestReleaseActivatesNextQueued(t *testing.T) {
	m, fc := newTestModel(t)

	uuid1, _, err := m.CreateTicket(CreateParams{ServerUUID: "srv-1", Scope: "vm", ID: "vm-1", ExpiresAt: fc.Now().Add(time.Minute)})
	require.NoError(t, err)
	uuid2, _, err := m.CreateTicket(CreateParams{ServerUUID: "srv-1", Scope: "vm", ID: "vm-1", ExpiresAt: fc.Now().Add(time.Minute)})
	require.NoError(t, err)

	require.NoError(t, m.ReleaseTicket(uuid1))

	t1, err := m.GetTicket(uuid1)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, t1.Status)

	t2, err := m.GetTicket(uuid2)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, t2.Status)
}

func TestMutualExclusionAcrossIDs(t *testing.T) {
	m, fc := newTestModel(t)

	_, snap1, err := m.CreateTicket(CreateParams{ServerUUID: "srv-1", Scope: "vm", ID: "vm-1", ExpiresAt: fc.Now().Add(time.Minute)})
	require.NoError(t, err)
	_, snap2, err := m.CreateTicket(CreateParams{ServerUUID: "srv-1", Scope: "vm", ID: "vm-2", ExpiresAt: fc.Now().Add(time.Minute)})
	require.NoError(t, err)

	assert.Equal(t, StatusActive, snap1[0].Status)
	assert.Equal(t, StatusActive, snap2[0].Status)
}

func TestDeleteTicketActivatesNext(t *testing.T) {
	m, fc := newTestModel(t)

	uuid1, _, err := m.CreateTicket(CreateParams{ServerUUID: "srv-1", Scope: "vm", ID: "vm-1", ExpiresAt: fc.Now().Add(time.Minute)})
	require.NoError(t, err)
	uuid2, _, err := m.CreateTicket(CreateParams{ServerUUID: "srv-1", Scope: "vm", ID: "vm-1", ExpiresAt: fc.Now().Add(time.Minute)})
	require.NoError(t, err)

	require.NoError(t, m.DeleteTicket(uuid1))

	_, err = m.GetTicket(uuid1)
	assert.ErrorIs(t, err, ErrNotFound)

	t2, err := m.GetTicket(uuid2)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, t2.Status)
}

func TestTicketsUpdatedSinceExcludesTerminal(t *testing.T) {
	m, fc := newTestModel(t)

	uuid1, _, err := m.CreateTicket(CreateParams{ServerUUID: "srv-1", Scope: "vm", ID: "vm-1", ExpiresAt: fc.Now().Add(time.Minute)})
	require.NoError(t, err)
	require.NoError(t, m.ReleaseTicket(uuid1))

	_, _, err = m.CreateTicket(CreateParams{ServerUUID: "srv-1", Scope: "vm", ID: "vm-2", ExpiresAt: fc.Now().Add(time.Minute)})
	require.NoError(t, err)

	tickets, err := m.TicketsUpdatedSince(time.Time{})
	require.NoError(t, err)
	require.Len(t, tickets, 1)
	assert.Equal(t, "vm-2", tickets[0].ID)
}

func TestDeleteAllTicketsForServer(t *testing.T) {
	m, fc := newTestModel(t)

	_, _, err := m.CreateTicket(CreateParams{ServerUUID: "srv-1", Scope: "vm", ID: "vm-1", ExpiresAt: fc.Now().Add(time.Minute)})
	require.NoError(t, err)
	_, _, err = m.CreateTicket(CreateParams{ServerUUID: "srv-1", Scope: "vm", ID: "vm-2", ExpiresAt: fc.Now().Add(time.Minute)})
	require.NoError(t, err)

	require.NoError(t, m.DeleteAllTickets("srv-1"))

	tickets, err := m.TicketsUpdatedSince(time.Time{})
	require.NoError(t, err)
	assert.Empty(t, tickets)
}

func TestRoundTrip(t *testing.T) {
	m, fc := newTestModel(t)

	expires := fc.Now().Add(time.Minute)
	uuid, _, err := m.CreateTicket(CreateParams{
		ServerUUID: "srv-1", Scope: "vm", ID: "vm-1", ExpiresAt: expires, Action: "reboot", ReqID: "req-1",
	})
	require.NoError(t, err)

	ticket, err := m.GetTicket(uuid)
	require.NoError(t, err)
	assert.Equal(t, "srv-1", ticket.ServerUUID)
	assert.Equal(t, "vm", ticket.Scope)
	assert.Equal(t, "vm-1", ticket.ID)
	assert.Equal(t, "reboot", ticket.Action)
	assert.Equal(t, "req-1", ticket.ReqID)
	assert.True(t, expires.Equal(ticket.ExpiresAt))
}
