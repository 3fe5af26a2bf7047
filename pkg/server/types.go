// Package server implements the Server Store (spec §4.A): a typed upsert
// over the key/value store with ETag retries, a property allowlist, and
// derived-field recomputation. The "dynamic configuration bag" the source
// system threads through its update path becomes, here, the typed Patch
// struct below — every updatable field is a named, typed pointer/slice/map,
// so there is no free-form props object for an allowlist to filter at
// runtime; the Go type system is the allowlist.
package server

import "time"

// Status is a Server's reconciler-observed liveness state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusUnknown   Status = "unknown"
	StatusRebooting Status = "rebooting"
)

// AgentDescriptor describes one installed agent, populated either directly
// or, as a back-compat fallback, from Sysinfo["SDC Agents"].
type AgentDescriptor struct {
	Name    string `json:"name"`
	UUID    string `json:"uuid"`
	Version string `json:"version"`
}

// VM summarizes one VM hosted on the server, keyed by vm-uuid in Server.VMs.
type VM struct {
	Brand                  string    `json:"brand"`
	State                  string    `json:"state"`
	MaxPhysicalMemoryBytes int64     `json:"max_physical_memory_bytes"`
	QuotaBytes             int64     `json:"quota_bytes"`
	LastModified           time.Time `json:"last_modified"`
}

// DiskUsage is the server's twelve disk_*_bytes telemetry fields (spec §3).
type DiskUsage struct {
	InstalledImagesUsedBytes      int64 `json:"installed_images_used_bytes"`
	InstalledImagesAvailableBytes int64 `json:"installed_images_available_bytes"`
	PoolSizeBytes                 int64 `json:"pool_size_bytes"`
	PoolAllocBytes                int64 `json:"pool_alloc_bytes"`
	ZoneQuotaBytes                int64 `json:"zone_quota_bytes"`
	ZoneQuotaUsedBytes            int64 `json:"zone_quota_used_bytes"`
	KvmQuotaBytes                 int64 `json:"kvm_quota_bytes"`
	KvmQuotaUsedBytes             int64 `json:"kvm_quota_used_bytes"`
	CoresQuotaBytes               int64 `json:"cores_quota_bytes"`
	CoresQuotaUsedBytes           int64 `json:"cores_quota_used_bytes"`
	SystemUsedBytes               int64 `json:"system_used_bytes"`
	SwapUsedBytes                 int64 `json:"swap_used_bytes"`
}

// Server is the full record for one compute node, partitioned into the
// Identity/State/Reported/Resource-telemetry/Boot-config groups of spec §3.
type Server struct {
	// Identity. UUID and Created are immutable after first write, and
	// Hostname once it is non-empty, unless the caller sets
	// UpsertOptions.OverrideNonUpdatable. Datacenter is updated by any
	// patch that sets it.
	UUID       string    `json:"uuid"`
	Hostname   string    `json:"hostname"`
	Datacenter string    `json:"datacenter"`
	Created    time.Time `json:"created"`

	// State.
	Status             Status    `json:"status"`
	TransitionalStatus Status    `json:"transitional_status,omitempty"`
	Setup              bool      `json:"setup"`
	SettingUp          bool      `json:"setting_up"`
	Headnode           bool      `json:"headnode"`
	Reserved           bool      `json:"reserved"`
	Reservoir          bool      `json:"reservoir"`
	LastBoot           time.Time `json:"last_boot"`

	// Reported.
	Sysinfo map[string]any             `json:"sysinfo,omitempty"`
	Agents  []AgentDescriptor          `json:"agents,omitempty"`
	VMs     map[string]VM              `json:"vms,omitempty"`

	// Resource telemetry.
	Disk                     DiskUsage `json:"disk"`
	MemoryTotalBytes         int64     `json:"memory_total_bytes"`
	MemoryAvailableBytes     int64     `json:"memory_available_bytes"`
	MemoryArcBytes           int64     `json:"memory_arc_bytes"`
	MemoryProvisionableBytes int64     `json:"memory_provisionable_bytes"`
	ReservationRatio         float64   `json:"reservation_ratio"`

	// Boot config.
	BootParams     map[string]string `json:"boot_params,omitempty"`
	KernelFlags    map[string]string `json:"kernel_flags,omitempty"`
	BootModules    []string          `json:"boot_modules,omitempty"`
	BootPlatform   string            `json:"boot_platform,omitempty"`
	DefaultConsole string            `json:"default_console,omitempty"`
	Serial         string            `json:"serial,omitempty"`
}

// EffectiveStatus applies the §3 surfacing rule: "rebooting" is only shown
// when TransitionalStatus is "rebooting" and the underlying Status is
// "unknown"; otherwise the underlying Status is authoritative.
func (s *Server) EffectiveStatus() Status {
	if s.TransitionalStatus == StatusRebooting && s.Status == StatusUnknown {
		return StatusRebooting
	}
	return s.Status
}

// DefaultServerUUID is the sentinel key holding fleet-wide boot defaults
// (spec §6). List excludes it; it is mutated only by explicit operator
// calls, which this package exposes no distinct path for since that surface
// is out of scope (spec §1).
const DefaultServerUUID = "default"

// Patch is the set of updatable fields for Upsert. A nil pointer/slice/map
// leaves the existing value untouched; a non-nil one replaces it wholesale.
type Patch struct {
	Hostname   *string
	Datacenter *string
	Created    *time.Time

	Status             *Status
	TransitionalStatus *Status
	Setup              *bool
	SettingUp          *bool
	Headnode           *bool
	Reserved           *bool
	Reservoir          *bool
	LastBoot           *time.Time

	Sysinfo map[string]any
	Agents  []AgentDescriptor
	VMs     map[string]VM

	Disk                 *DiskUsage
	MemoryTotalBytes     *int64
	MemoryAvailableBytes *int64
	MemoryArcBytes       *int64
	ReservationRatio     *float64

	BootParams     map[string]string
	KernelFlags    map[string]string
	BootModules    []string
	BootPlatform   *string
	DefaultConsole *string
	Serial         *string
}

// UpsertOptions controls one Upsert call.
type UpsertOptions struct {
	// DenyCreate, when true, makes Upsert return ErrNotFound instead of
	// synthesizing a fresh record for an unknown uuid (spec: "allowCreate
	// != false").
	DenyCreate bool

	// OverrideNonUpdatable allows Hostname/Created to change on an
	// existing record.
	OverrideNonUpdatable bool

	// EtagRetries bounds the number of read-modify-write retries on an
	// ETag conflict. Zero means a single attempt, matching the spec's
	// stated default.
	EtagRetries int
}

// Results is the observability counters block returned by every Upsert
// call (spec §4.A).
type Results struct {
	GetObjectAttempts    int
	GetObjectErrors      int
	GetObjectNotFound    int
	PutObjectAttempts    int
	PutObjectErrors      int
	PutObjectEtagErrors  int
}

// Filter selects servers for List. A nil field is not applied.
type Filter struct {
	Datacenter *string
	Setup      *bool
	Reservoir  *bool
	Headnode   *bool
	Reserved   *bool
	Hostname   *string
	UUIDs      []string // union match
}

// ListOptions paginates and orders a List call.
type ListOptions struct {
	Limit  int
	Offset int
}
