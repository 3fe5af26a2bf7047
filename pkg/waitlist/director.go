package waitlist

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/cnapi/pkg/clock"
	"github.com/cuemby/cnapi/pkg/events"
	"github.com/cuemby/cnapi/pkg/log"
	"github.com/cuemby/cnapi/pkg/metrics"
	"github.com/rs/zerolog"
)

// Callback is invoked once for a ticket reaching "active" (err == nil) or
// "expired" (err != nil).
type Callback func(ticket *Ticket, err error)

// Director is the Waitlist Director (spec §4.D): a per-process poller that
// turns durable ticket state into waiter callbacks.
type Director struct {
	model      *Model
	clock      clock.Clock
	events     *events.Broker
	pollPeriod time.Duration
	retention  time.Duration
	logger     zerolog.Logger

	mu        sync.Mutex
	waiters   map[string][]Callback
	lastCheck time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewDirector constructs a Director. retention is how long a ticket in a
// terminal state is kept before the cleanup timer deletes it. logger is the
// base logger a "waitlist_director" component logger is derived from.
func NewDirector(model *Model, clk clock.Clock, broker *events.Broker, logger zerolog.Logger, pollPeriod, retention time.Duration) *Director {
	return &Director{
		model:      model,
		clock:      clk,
		events:     broker,
		pollPeriod: pollPeriod,
		retention:  retention,
		logger:     log.WithComponent(logger, "waitlist_director"),
		waiters:    make(map[string][]Callback),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start begins the poll loop and the ticket-retention cleanup timer.
func (d *Director) Start() {
	go d.run()
}

// Stop halts both loops and waits for them to finish.
func (d *Director) Stop() {
	close(d.stopCh)
	<-d.doneCh
}

func (d *Director) run() {
	defer close(d.doneCh)

	pollTicker := d.clock.NewTicker(d.pollPeriod)
	defer pollTicker.Stop()
	cleanupTicker := d.clock.NewTicker(time.Hour)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-pollTicker.Chan():
			d.poll()
		case <-cleanupTicker.Chan():
			d.cleanup()
		case <-d.stopCh:
			return
		}
	}
}

// poll implements one iteration of spec §4.D step 1-2.
func (d *Director) poll() {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DirectorTickDuration)

	since := d.lastCheck
	if !since.IsZero() {
		since = since.Add(-time.Second)
	}

	tickets, err := d.model.TicketsUpdatedSince(since)
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to list updated tickets")
		return
	}
	now := d.clock.Now()
	d.lastCheck = now

	for _, t := range tickets {
		d.processTicket(now, t)
	}
}

func (d *Director) processTicket(now time.Time, t *Ticket) {
	logger := log.WithTicketUUID(d.logger, t.UUID)

	if !t.Status.Terminal() && now.After(t.ExpiresAt) {
		if err := d.model.ExpireTicket(t.UUID); err != nil {
			logger.Error().Err(err).Msg("failed to expire ticket")
			return
		}
		d.fire(t.UUID, t, fmt.Errorf("waitlist: ticket %s expired", t.UUID))
		d.events.Publish(&events.Event{Type: events.TypeTicketExpired, ServerUUID: t.ServerUUID, Subject: t.UUID})
		return
	}

	if t.Status == StatusActive && d.hasWaiters(t.UUID) {
		d.fire(t.UUID, t, nil)
		d.events.Publish(&events.Event{Type: events.TypeTicketActivated, ServerUUID: t.ServerUUID, Subject: t.UUID})
	}
}

// WaitForTicket registers cb to fire once when ticket reaches "active" or
// "expired" (spec §4.D Waiter registration).
func (d *Director) WaitForTicket(ticketUUID string, cb Callback) {
	ticket, err := d.model.GetTicket(ticketUUID)
	if err != nil {
		cb(nil, err)
		return
	}
	switch ticket.Status {
	case StatusActive:
		cb(ticket, nil)
	case StatusExpired:
		cb(ticket, fmt.Errorf("waitlist: ticket %s expired", ticketUUID))
	default:
		d.mu.Lock()
		d.waiters[ticketUUID] = append(d.waiters[ticketUUID], cb)
		d.mu.Unlock()
	}
}

func (d *Director) hasWaiters(ticketUUID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.waiters[ticketUUID]) > 0
}

// fire invokes and drops every waiter registered for ticketUUID, exactly
// once each, even if activation and expiry race (spec design note).
func (d *Director) fire(ticketUUID string, ticket *Ticket, err error) {
	d.mu.Lock()
	cbs := d.waiters[ticketUUID]
	delete(d.waiters, ticketUUID)
	d.mu.Unlock()

	for _, cb := range cbs {
		cb(ticket, err)
	}
}

// cleanup deletes tickets whose terminal state is older than retention.
func (d *Director) cleanup() {
	threshold := d.clock.Now().Add(-d.retention)
	tickets, err := d.model.TicketsOlderThan(threshold)
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to list tickets for retention cleanup")
		return
	}
	for _, t := range tickets {
		if err := d.model.DeleteTicket(t.UUID); err != nil {
			log.WithTicketUUID(d.logger, t.UUID).Error().Err(err).Msg("failed to delete retained ticket")
		}
	}
}
