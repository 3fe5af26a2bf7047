package dispatch

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/cuemby/cnapi/pkg/clock"
	"github.com/cuemby/cnapi/pkg/config"
	"github.com/cuemby/cnapi/pkg/core"
	"github.com/cuemby/cnapi/pkg/events"
	"github.com/cuemby/cnapi/pkg/server"
	"github.com/cuemby/cnapi/pkg/store"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T, agentURL string) (*Dispatcher, *server.Store, clockwork.FakeClock) {
	t.Helper()
	kv, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	fc := clock.NewFake()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	ctx := &core.Context{
		Config:    config.Default(),
		Clock:     fc,
		Logger:    zerolog.Nop(),
		Store:     kv,
		Events:    broker,
		AgentHTTP: http.DefaultClient,
	}

	servers := server.NewStore(kv, fc)

	sysinfo := map[string]any{}
	if agentURL != "" {
		host, port := mustParseHostPort(t, agentURL)
		sysinfo["Admin IP"] = host
		sysinfo["Agent Port"] = port
	}

	_, _, err = servers.Upsert("srv-1", server.Patch{
		Sysinfo: sysinfo,
	}, server.UpsertOptions{})
	require.NoError(t, err)

	return NewDispatcher(ctx, servers, time.Hour), servers, fc
}

func mustParseHostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	var port int
	_, err = fmt.Sscanf(u.Port(), "%d", &port)
	require.NoError(t, err)
	return u.Hostname(), port
}

func TestDispatchSuccessAlertsWaiter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	d, _, _ := newTestDispatcher(t, srv.URL)

	done := make(chan struct{})
	var gotStatus *TaskStatus
	var gotErr error

	ts, err := d.Dispatch(Params{Task: "reboot", ServerUUID: "srv-1"}, nil)
	require.NoError(t, err)
	require.Equal(t, StatusActive, ts.Status)

	d.WaitForTask(ts.ID, time.Second, func(s *TaskStatus, err error) {
		gotStatus, gotErr = s, err
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never fired")
	}

	require.NoError(t, gotErr)
	assert.Equal(t, StatusComplete, gotStatus.Status)
}

func TestDispatchFailureAlertsWaiter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d, _, _ := newTestDispatcher(t, srv.URL)

	done := make(chan struct{})
	var gotErr error

	ts, err := d.Dispatch(Params{Task: "reboot", ServerUUID: "srv-1"}, nil)
	require.NoError(t, err)

	d.WaitForTask(ts.ID, time.Second, func(s *TaskStatus, err error) {
		gotErr = err
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never fired")
	}

	assert.Error(t, gotErr)
}

func TestWaitForTaskCompletionBeforeRegistration(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, _, _ := newTestDispatcher(t, srv.URL)

	ts := &TaskStatus{ID: "task-1", Status: StatusComplete}
	d.AlertWaitingTasks(nil, ts.ID, ts)

	done := make(chan struct{})
	var got *TaskStatus
	d.WaitForTask(ts.ID, time.Second, func(s *TaskStatus, err error) {
		got = s
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cached result never delivered")
	}
	assert.Equal(t, StatusComplete, got.Status)
}

func TestWaitForTaskTimeout(t *testing.T) {
	d, _, fc := newTestDispatcher(t, "")

	done := make(chan struct{})
	var gotErr error
	d.WaitForTask("never-completes", 5*time.Second, func(s *TaskStatus, err error) {
		gotErr = err
		close(done)
	})

	fc.Advance(6 * time.Second)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}
	assert.ErrorIs(t, gotErr, ErrWaitTimeout)
}
