// Package heartbeat implements the Heartbeat Registry and Heartbeat
// Reconciler (spec §4.B/§4.C): an in-process last-seen map fed by inbound
// heartbeats, and a periodic job that turns it into a durable per-server
// status via the shared StatusRow.
package heartbeat

import (
	"sort"
	"sync"
	"time"

	"github.com/cuemby/cnapi/pkg/metrics"
)

// entry is one Registry row.
type entry struct {
	lastHeartbeat    time.Time
	lastStatusUpdate time.Time
	hasStatusUpdate  bool
}

// Selected is one server chosen by Select for reconciliation this tick.
type Selected struct {
	ServerUUID    string
	LastHeartbeat time.Time
	IsNew         bool
}

// Registry is the process-local `serverUuid -> {last_heartbeat,
// last_status_update}` map (spec §4.B). Safe for concurrent use: the
// heartbeat handler is a single writer per key, the reconciler reads and
// (exclusively) deletes.
type Registry struct {
	mu      sync.Mutex
	entries map[string]entry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Heartbeat records a liveness ping for serverUUID at at, creating the
// entry if this is the first heartbeat this replica has seen.
func (r *Registry) Heartbeat(serverUUID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entries[serverUUID]
	e.lastHeartbeat = at
	r.entries[serverUUID] = e
	metrics.RegistrySize.Set(float64(len(r.entries)))
}

// setStatusUpdated marks serverUUID as having had its StatusRow written at
// at. Only the reconciler calls this.
func (r *Registry) setStatusUpdated(serverUUID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[serverUUID]
	if !ok {
		return
	}
	e.lastStatusUpdate = at
	e.hasStatusUpdate = true
	r.entries[serverUUID] = e
}

// remove drops serverUUID from the Registry. Only the reconciler calls
// this.
func (r *Registry) remove(serverUUID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.entries, serverUUID)
	metrics.RegistrySize.Set(float64(len(r.entries)))
}

// Size reports the current cardinality of the Registry.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Select returns every entry marked for update this tick (spec §4.C
// Selection): entries new to this replica, or whose heartbeat is older
// than lifetime as of now. The result is sorted by server uuid so
// processing order is deterministic for tests; the reconciler processes
// the list strictly serially regardless.
func (r *Registry) Select(now time.Time, lifetime time.Duration) []Selected {
	r.mu.Lock()
	defer r.mu.Unlock()

	threshold := now.Add(-lifetime)
	var out []Selected
	for uuid, e := range r.entries {
		isNew := !e.hasStatusUpdate
		isStale := e.lastHeartbeat.Before(threshold)
		if isNew || isStale {
			out = append(out, Selected{ServerUUID: uuid, LastHeartbeat: e.lastHeartbeat, IsNew: isNew})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerUUID < out[j].ServerUUID })
	return out
}
