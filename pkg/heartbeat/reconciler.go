package heartbeat

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/cuemby/cnapi/pkg/core"
	"github.com/cuemby/cnapi/pkg/events"
	"github.com/cuemby/cnapi/pkg/log"
	"github.com/cuemby/cnapi/pkg/metrics"
	"github.com/cuemby/cnapi/pkg/server"
	"github.com/cuemby/cnapi/pkg/store"
	"github.com/rs/zerolog"
)

// StatusRow is the shared per-server last-heartbeat record (spec §3),
// stored in store.BucketStatus and raced over by every CNAPI replica.
type StatusRow struct {
	ServerUUID    string    `json:"server_uuid"`
	CnapiInstance string    `json:"cnapi_instance"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Reconciler is the periodic job described in spec §4.C.
type Reconciler struct {
	ctx        *core.Context
	registry   *Registry
	servers    *server.Store
	instanceID string
	lifetime   time.Duration
	period     time.Duration
	logger     zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewReconciler builds a Reconciler. instanceID identifies this CNAPI
// replica in StatusRow.CnapiInstance for takeover detection.
func NewReconciler(ctx *core.Context, registry *Registry, servers *server.Store, instanceID string, lifetime, period time.Duration) *Reconciler {
	return &Reconciler{
		ctx:        ctx,
		registry:   registry,
		servers:    servers,
		instanceID: instanceID,
		lifetime:   lifetime,
		period:     period,
		logger:     log.WithComponent(ctx.Logger, "heartbeat_reconciler"),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start begins the reconciliation loop. The reconciler re-arms after every
// tick regardless of error; it never exits on its own.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop halts the loop and waits for the in-flight tick, if any, to finish.
func (r *Reconciler) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Reconciler) run() {
	defer close(r.doneCh)

	ticker := r.ctx.Clock.NewTicker(r.period)
	defer ticker.Stop()

	r.logger.Info().Msg("heartbeat reconciler started")

	for {
		select {
		case <-ticker.Chan():
			r.tick()
		case <-r.stopCh:
			r.logger.Info().Msg("heartbeat reconciler stopped")
			return
		}
	}
}

// tick runs one reconciliation cycle over every Registry entry selected
// for update, strictly serially.
func (r *Reconciler) tick() {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	now := r.ctx.Clock.Now()
	for _, sel := range r.registry.Select(now, r.lifetime) {
		if sel.IsNew {
			metrics.NewHeartbeatersTotal.Inc()
		} else {
			metrics.StaleHeartbeatersTotal.Inc()
		}
		r.reconcileOne(now, sel)
	}
}

func (r *Reconciler) reconcileOne(now time.Time, sel Selected) {
	logger := log.WithServerUUID(r.logger, sel.ServerUUID)

	raw, etag, err := r.ctx.Store.GetObject(store.BucketStatus, sel.ServerUUID)
	exists := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Error().Err(err).Msg("failed to read status row")
		r.registry.remove(sel.ServerUUID)
		return
	}

	if exists {
		var row StatusRow
		if err := json.Unmarshal(raw, &row); err != nil {
			logger.Error().Err(err).Msg("failed to decode status row")
			r.registry.remove(sel.ServerUUID)
			return
		}
		if row.LastHeartbeat.After(sel.LastHeartbeat) {
			if row.CnapiInstance == r.instanceID {
				logger.Warn().Msg("observed a status row newer than our own heartbeat; future heartbeat")
				return
			}
			metrics.UsurpedHeartbeatersTotal.Inc()
			r.registry.remove(sel.ServerUUID)
			return
		}
	}

	newRow := StatusRow{ServerUUID: sel.ServerUUID, CnapiInstance: r.instanceID, LastHeartbeat: sel.LastHeartbeat}
	data, err := json.Marshal(newRow)
	if err != nil {
		logger.Error().Err(err).Msg("failed to encode status row")
		r.registry.remove(sel.ServerUUID)
		return
	}

	metrics.StatusRowPutAttemptsTotal.Inc()
	if _, err := r.ctx.Store.PutObject(store.BucketStatus, sel.ServerUUID, data, etag); err != nil {
		if errors.Is(err, store.ErrETagConflict) {
			metrics.StatusRowPutEtagErrorsTotal.Inc()
		} else {
			metrics.StatusRowPutErrorsTotal.Inc()
		}
		r.registry.remove(sel.ServerUUID)
		return
	}

	r.registry.setStatusUpdated(sel.ServerUUID, now)

	stale := sel.LastHeartbeat.Before(now.Add(-r.lifetime))
	newStatus := server.StatusRunning
	if stale {
		newStatus = server.StatusUnknown
		r.registry.remove(sel.ServerUUID)
	}

	_, _, err = r.servers.Upsert(sel.ServerUUID, server.Patch{Status: &newStatus}, server.UpsertOptions{DenyCreate: true, EtagRetries: 0})
	if err != nil {
		logger.Error().Err(err).Msg("server upsert failed during reconciliation")
		r.registry.remove(sel.ServerUUID)
		return
	}

	r.ctx.Events.Publish(&events.Event{
		Type:       events.TypeServerStatusChanged,
		ServerUUID: sel.ServerUUID,
		Message:    string(newStatus),
	})
}
