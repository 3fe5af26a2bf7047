package server

import (
	"testing"
	"time"

	"github.com/cuemby/cnapi/pkg/clock"
	"github.com/cuemby/cnapi/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, clock.Clock) {
	t.Helper()
	kv, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	fc := clock.NewFake()
	return NewStore(kv, fc), fc
}

func strp(s string) *string   { return &s }
func boolp(b bool) *bool      { return &b }
func i64p(i int64) *int64     { return &i }
func f64p(f float64) *float64 { return &f }

func TestUpsertCreatesNewRecord(t *testing.T) {
	s, _ := newTestStore(t)

	rec, results, err := s.Upsert("srv-1", Patch{Hostname: strp("cn01")}, UpsertOptions{})
	require.NoError(t, err)
	assert.Equal(t, "srv-1", rec.UUID)
	assert.Equal(t, "cn01", rec.Hostname)
	assert.Equal(t, 1, results.GetObjectNotFound)
	assert.Equal(t, 1, results.PutObjectAttempts)
}

func TestUpsertDenyCreateOnMissingRecord(t *testing.T) {
	s, _ := newTestStore(t)

	_, _, err := s.Upsert("ghost", Patch{}, UpsertOptions{DenyCreate: true})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertIdentityFieldsImmutable(t *testing.T) {
	s, _ := newTestStore(t)

	_, _, err := s.Upsert("srv-1", Patch{Hostname: strp("cn01")}, UpsertOptions{})
	require.NoError(t, err)

	rec, _, err := s.Upsert("srv-1", Patch{Hostname: strp("cn02")}, UpsertOptions{})
	require.NoError(t, err)
	assert.Equal(t, "cn01", rec.Hostname, "hostname must not change without override")

	rec, _, err = s.Upsert("srv-1", Patch{Hostname: strp("cn02")}, UpsertOptions{OverrideNonUpdatable: true})
	require.NoError(t, err)
	assert.Equal(t, "cn02", rec.Hostname)
}

func TestUpsertNoOpWhenDiffEmpty(t *testing.T) {
	s, _ := newTestStore(t)

	_, _, err := s.Upsert("srv-1", Patch{Hostname: strp("cn01")}, UpsertOptions{})
	require.NoError(t, err)

	_, results, err := s.Upsert("srv-1", Patch{Hostname: strp("cn01")}, UpsertOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, results.PutObjectAttempts)
}

func TestMemoryProvisionableBytesDerivation(t *testing.T) {
	s, _ := newTestStore(t)

	_, _, err := s.Upsert("srv-1", Patch{
		MemoryTotalBytes: i64p(100),
		ReservationRatio: f64p(0.1),
		VMs: map[string]VM{
			"vm-1": {MaxPhysicalMemoryBytes: 20},
		},
	}, UpsertOptions{})
	require.NoError(t, err)

	rec, err := s.Get("srv-1")
	require.NoError(t, err)
	// floor(100*0.9 - 20) = floor(70) = 70
	assert.Equal(t, int64(70), rec.MemoryProvisionableBytes)
}

func TestTransitionalStatusClearedOnUnknownToRunning(t *testing.T) {
	s, _ := newTestStore(t)

	rebooting := StatusRebooting
	unknown := StatusUnknown
	_, _, err := s.Upsert("srv-1", Patch{
		Status:             &unknown,
		TransitionalStatus: &rebooting,
	}, UpsertOptions{})
	require.NoError(t, err)

	rec, err := s.Get("srv-1")
	require.NoError(t, err)
	assert.Equal(t, Status("rebooting"), rec.EffectiveStatus())

	running := StatusRunning
	_, _, err = s.Upsert("srv-1", Patch{Status: &running}, UpsertOptions{})
	require.NoError(t, err)

	rec, err = s.Get("srv-1")
	require.NoError(t, err)
	assert.Empty(t, rec.TransitionalStatus)
	assert.Equal(t, StatusRunning, rec.EffectiveStatus())
}

func TestTransitionalStatusClearedOnLastBootChangeWhileRunning(t *testing.T) {
	s, _ := newTestStore(t)

	running := StatusRunning
	rebooting := StatusRebooting
	// Creating the record moves it from unknown to running, which clears a
	// transitional status on its own, so the marker is set in a second write.
	_, _, err := s.Upsert("srv-1", Patch{Status: &running}, UpsertOptions{})
	require.NoError(t, err)
	rec, _, err := s.Upsert("srv-1", Patch{TransitionalStatus: &rebooting}, UpsertOptions{})
	require.NoError(t, err)
	require.Equal(t, StatusRebooting, rec.TransitionalStatus)

	newBoot := time.Now()
	_, _, err = s.Upsert("srv-1", Patch{LastBoot: &newBoot}, UpsertOptions{})
	require.NoError(t, err)

	rec, err = s.Get("srv-1")
	require.NoError(t, err)
	assert.Empty(t, rec.TransitionalStatus)
}

func TestAgentsBackCompatFromSysinfo(t *testing.T) {
	s, _ := newTestStore(t)

	_, _, err := s.Upsert("srv-1", Patch{
		Sysinfo: map[string]any{
			"SDC Agents": []map[string]any{
				{"name": "cn-agent", "uuid": "abc", "version": "1.0"},
			},
		},
	}, UpsertOptions{})
	require.NoError(t, err)

	rec, err := s.Get("srv-1")
	require.NoError(t, err)
	require.Len(t, rec.Agents, 1)
	assert.Equal(t, "cn-agent", rec.Agents[0].Name)

	// Once populated directly, sysinfo no longer overrides it.
	_, _, err = s.Upsert("srv-1", Patch{Agents: []AgentDescriptor{{Name: "direct"}}}, UpsertOptions{})
	require.NoError(t, err)
	rec, err = s.Get("srv-1")
	require.NoError(t, err)
	require.Len(t, rec.Agents, 1)
	assert.Equal(t, "direct", rec.Agents[0].Name)
}

func TestListExcludesDefaultSentinelAndFilters(t *testing.T) {
	s, _ := newTestStore(t)

	_, _, err := s.Upsert(DefaultServerUUID, Patch{}, UpsertOptions{})
	require.NoError(t, err)

	dc1 := "dc1"
	dc2 := "dc2"
	_, _, err = s.Upsert("srv-1", Patch{Datacenter: &dc1}, UpsertOptions{})
	require.NoError(t, err)
	_, _, err = s.Upsert("srv-2", Patch{Datacenter: &dc2}, UpsertOptions{})
	require.NoError(t, err)

	all, err := s.List(Filter{}, ListOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	filtered, err := s.List(Filter{Datacenter: &dc1}, ListOptions{})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "srv-1", filtered[0].UUID)
}

func TestUpsertZeroEtagRetriesSucceedsWithoutRace(t *testing.T) {
	s, _ := newTestStore(t)

	_, _, err := s.Upsert("srv-1", Patch{Hostname: strp("cn01")}, UpsertOptions{})
	require.NoError(t, err)

	// EtagRetries: 0 means a single attempt. With no concurrent writer and
	// a patch that changes nothing, that attempt succeeds without a put.
	_, results, err := s.Upsert("srv-1", Patch{Hostname: strp("cn01")}, UpsertOptions{EtagRetries: 0})
	require.NoError(t, err)
	assert.Equal(t, 0, results.PutObjectAttempts)
}
