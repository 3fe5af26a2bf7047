package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/cuemby/cnapi/pkg/clock"
	"github.com/cuemby/cnapi/pkg/metrics"
	"github.com/cuemby/cnapi/pkg/store"
)

// ErrNotFound is returned by Get and by Upsert when DenyCreate is set and
// the record does not exist.
var ErrNotFound = errors.New("server: not found")

// ErrEtagConflict is returned by Upsert once its retry budget is exhausted
// without a successful write.
var ErrEtagConflict = errors.New("server: etag conflict")

// Store is the Server Store (spec §4.A).
type Store struct {
	kv    store.KVStore
	clock clock.Clock
}

// NewStore constructs a Store over kv, using clk to stamp Created/LastBoot
// defaults so tests can control time.
func NewStore(kv store.KVStore, clk clock.Clock) *Store {
	return &Store{kv: kv, clock: clk}
}

func (s *Store) load(uuid string) (*Server, string, error) {
	raw, etag, err := s.kv.GetObject(store.BucketServers, uuid)
	if err != nil {
		return nil, "", err
	}
	var rec Server
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, "", fmt.Errorf("server: decode %s: %w", uuid, err)
	}
	return &rec, etag, nil
}

// Get fetches a single server by uuid.
func (s *Store) Get(uuid string) (*Server, error) {
	metrics.ServerStoreGetAttemptsTotal.Inc()
	rec, _, err := s.load(uuid)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// List returns every server matching filter, excluding the sentinel
// "default" record, ordered by uuid for determinism.
func (s *Store) List(filter Filter, opts ListOptions) ([]*Server, error) {
	uuidSet := map[string]bool{}
	for _, u := range filter.UUIDs {
		uuidSet[u] = true
	}

	records, err := s.kv.FindObjects(store.BucketServers, store.Query{
		Match: func(raw []byte) bool {
			var rec Server
			if err := json.Unmarshal(raw, &rec); err != nil {
				return false
			}
			if rec.UUID == DefaultServerUUID {
				return false
			}
			if filter.Datacenter != nil && rec.Datacenter != *filter.Datacenter {
				return false
			}
			if filter.Setup != nil && rec.Setup != *filter.Setup {
				return false
			}
			if filter.Reservoir != nil && rec.Reservoir != *filter.Reservoir {
				return false
			}
			if filter.Headnode != nil && rec.Headnode != *filter.Headnode {
				return false
			}
			if filter.Reserved != nil && rec.Reserved != *filter.Reserved {
				return false
			}
			if filter.Hostname != nil && rec.Hostname != *filter.Hostname {
				return false
			}
			if len(uuidSet) > 0 && !uuidSet[rec.UUID] {
				return false
			}
			return true
		},
		Less: func(a, b []byte) bool {
			var ra, rb Server
			_ = json.Unmarshal(a, &ra)
			_ = json.Unmarshal(b, &rb)
			return ra.UUID < rb.UUID
		},
		Limit:  opts.Limit,
		Offset: opts.Offset,
	})
	if err != nil {
		return nil, err
	}

	out := make([]*Server, 0, len(records))
	for _, rec := range records {
		var srv Server
		if err := json.Unmarshal(rec.Value, &srv); err != nil {
			return nil, err
		}
		// The response-shaping "extras filter" named in spec §4.A belongs
		// to the out-of-scope REST layer (§1); nothing here strips fields
		// beyond what Server's own json tags already omit.
		out = append(out, &srv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out, nil
}

// Delete unconditionally removes a server record.
func (s *Store) Delete(uuid string) error {
	return s.kv.DeleteObject(store.BucketServers, uuid, "")
}

// Upsert is the Server Store write path (spec §4.A).
func (s *Store) Upsert(uuid string, patch Patch, opts UpsertOptions) (*Server, Results, error) {
	var results Results

	maxAttempts := opts.EtagRetries + 1
	for attempt := 0; attempt < maxAttempts; attempt++ {
		results.GetObjectAttempts++
		current, etag, err := s.load(uuid)
		creating := false
		if errors.Is(err, store.ErrNotFound) {
			results.GetObjectNotFound++
			if opts.DenyCreate {
				return nil, results, ErrNotFound
			}
			creating = true
			current = &Server{
				UUID:    uuid,
				Status:  StatusUnknown,
				Created: s.clock.Now(),
			}
			etag = ""
		} else if err != nil {
			results.GetObjectErrors++
			return nil, results, err
		}

		before, err := json.Marshal(current)
		if err != nil {
			return nil, results, err
		}

		updated := applyPatch(current, patch, opts.OverrideNonUpdatable || creating)
		recomputeDerived(updated)

		after, err := json.Marshal(updated)
		if err != nil {
			return nil, results, err
		}

		if !creating && string(before) == string(after) {
			return updated, results, nil
		}

		results.PutObjectAttempts++
		metrics.ServerStorePutAttemptsTotal.Inc()
		_, err = s.kv.PutObject(store.BucketServers, uuid, after, etag)
		if errors.Is(err, store.ErrETagConflict) {
			results.PutObjectEtagErrors++
			metrics.ServerStorePutEtagErrorsTotal.Inc()
			continue
		}
		if err != nil {
			results.PutObjectErrors++
			return nil, results, err
		}
		return updated, results, nil
	}

	return nil, results, ErrEtagConflict
}

// applyPatch returns a copy of current with patch applied, honoring the
// identity-field immutability rule unless allowOverride is set.
func applyPatch(current *Server, patch Patch, allowOverride bool) *Server {
	updated := *current

	if patch.Hostname != nil && (allowOverride || updated.Hostname == "") {
		updated.Hostname = *patch.Hostname
	}
	if patch.Datacenter != nil {
		updated.Datacenter = *patch.Datacenter
	}
	if patch.Created != nil && allowOverride {
		updated.Created = *patch.Created
	}

	oldStatus := updated.Status
	if patch.Status != nil {
		updated.Status = *patch.Status
	}
	if patch.TransitionalStatus != nil {
		updated.TransitionalStatus = *patch.TransitionalStatus
	}
	if patch.Setup != nil {
		updated.Setup = *patch.Setup
	}
	if patch.SettingUp != nil {
		updated.SettingUp = *patch.SettingUp
	}
	if patch.Headnode != nil {
		updated.Headnode = *patch.Headnode
	}
	if patch.Reserved != nil {
		updated.Reserved = *patch.Reserved
	}
	if patch.Reservoir != nil {
		updated.Reservoir = *patch.Reservoir
	}
	lastBootChanged := patch.LastBoot != nil
	if lastBootChanged {
		updated.LastBoot = *patch.LastBoot
	}

	if patch.Sysinfo != nil {
		updated.Sysinfo = patch.Sysinfo
	}
	if patch.Agents != nil {
		updated.Agents = patch.Agents
	}
	if patch.VMs != nil {
		updated.VMs = patch.VMs
	}

	if patch.Disk != nil {
		updated.Disk = *patch.Disk
	}
	if patch.MemoryTotalBytes != nil {
		updated.MemoryTotalBytes = *patch.MemoryTotalBytes
	}
	if patch.MemoryAvailableBytes != nil {
		updated.MemoryAvailableBytes = *patch.MemoryAvailableBytes
	}
	if patch.MemoryArcBytes != nil {
		updated.MemoryArcBytes = *patch.MemoryArcBytes
	}
	if patch.ReservationRatio != nil {
		updated.ReservationRatio = *patch.ReservationRatio
	}

	if patch.BootParams != nil {
		updated.BootParams = patch.BootParams
	}
	if patch.KernelFlags != nil {
		updated.KernelFlags = patch.KernelFlags
	}
	if patch.BootModules != nil {
		updated.BootModules = patch.BootModules
	}
	if patch.BootPlatform != nil {
		updated.BootPlatform = *patch.BootPlatform
	}
	if patch.DefaultConsole != nil {
		updated.DefaultConsole = *patch.DefaultConsole
	}
	if patch.Serial != nil {
		updated.Serial = *patch.Serial
	}

	// agents back-compat rule: only populate from sysinfo when the current
	// list is empty or absent.
	if len(updated.Agents) == 0 {
		if raw, ok := updated.Sysinfo["SDC Agents"]; ok {
			if agents, ok := decodeSysinfoAgents(raw); ok {
				updated.Agents = agents
			}
		}
	}

	// transitional_status clearing rule (spec §3): unknown -> running, or
	// a last_boot change while status == running, clears it.
	if updated.Status == StatusRunning && (oldStatus == StatusUnknown || lastBootChanged) {
		updated.TransitionalStatus = ""
	}

	return &updated
}

func decodeSysinfoAgents(raw any) ([]AgentDescriptor, bool) {
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, false
	}
	var agents []AgentDescriptor
	if err := json.Unmarshal(encoded, &agents); err != nil {
		return nil, false
	}
	return agents, true
}

// recomputeDerived recomputes memory_provisionable_bytes (spec §3). It is
// unconditional rather than gated on which fields the patch touched: the
// formula is a pure function of already-applied fields, so recomputing it
// every write is equivalent to recomputing it only when an input changed.
func recomputeDerived(s *Server) {
	var vmTotal int64
	for _, vm := range s.VMs {
		vmTotal += vm.MaxPhysicalMemoryBytes
	}
	available := float64(s.MemoryTotalBytes)*(1-s.ReservationRatio) - float64(vmTotal)
	// Clamped at zero: an overcommitted server reports no provisionable
	// memory rather than a negative figure. See DESIGN.md.
	if available < 0 {
		available = 0
	}
	s.MemoryProvisionableBytes = int64(math.Floor(available))
}
