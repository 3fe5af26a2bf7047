package dispatch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/cnapi/pkg/clock"
	"github.com/cuemby/cnapi/pkg/core"
	"github.com/cuemby/cnapi/pkg/events"
	"github.com/cuemby/cnapi/pkg/log"
	"github.com/cuemby/cnapi/pkg/metrics"
	"github.com/cuemby/cnapi/pkg/server"
	"github.com/cuemby/cnapi/pkg/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrWaitTimeout is delivered to a WaitForTask callback whose timer expired
// before the task reached a terminal state.
var ErrWaitTimeout = errors.New("dispatch: wait timed out")

// defaultAgentPort is used when a server's sysinfo does not specify one.
const defaultAgentPort = 5309

// defaultCacheTTL is how long a completed TaskStatus is kept for a late
// waiter (spec §4.F AlertWaitingTasks) when NewDispatcher isn't given one.
const defaultCacheTTL = time.Hour

type waiterEntry struct {
	id    string
	cb    func(*TaskStatus, error)
	timer clock.Timer
}

type cacheEntry struct {
	status *TaskStatus
	err    error
	timer  clock.Timer
}

// Dispatcher is the Task Dispatcher (spec §4.F).
type Dispatcher struct {
	ctx      *core.Context
	servers  *server.Store
	cacheTTL time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	waiters map[string][]waiterEntry
	cache   map[string]*cacheEntry
}

// NewDispatcher constructs a Dispatcher. cacheTTL bounds how long a
// completed TaskStatus is kept for a late WaitForTask caller; zero selects
// defaultCacheTTL.
func NewDispatcher(ctx *core.Context, servers *server.Store, cacheTTL time.Duration) *Dispatcher {
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	return &Dispatcher{
		ctx:      ctx,
		servers:  servers,
		cacheTTL: cacheTTL,
		logger:   log.WithComponent(ctx.Logger, "task_dispatcher"),
		waiters:  make(map[string][]waiterEntry),
		cache:    make(map[string]*cacheEntry),
	}
}

// Dispatch builds and persists the initial TaskStatus, returns it
// immediately, and issues the agent HTTP call asynchronously (spec §4.F
// steps 1-8). synccb, if non-nil, is invoked once the HTTP round trip
// settles, independent of any WaitForTask registration.
func (d *Dispatcher) Dispatch(params Params, synccb func(err error, body []byte)) (*TaskStatus, error) {
	now := d.ctx.Clock.Now()
	ts := &TaskStatus{
		ID:         uuid.NewString(),
		ReqID:      params.ReqID,
		Task:       params.Task,
		ServerUUID: params.ServerUUID,
		Status:     StatusActive,
		Timestamp:  now,
	}

	if params.Persist {
		if err := d.persist(ts, ""); err != nil {
			return nil, err
		}
	}

	d.ctx.Events.Publish(&events.Event{Type: events.TypeTaskDispatched, ServerUUID: params.ServerUUID, Subject: ts.ID})

	go d.run(params, ts, synccb)

	return ts, nil
}

func (d *Dispatcher) run(params Params, ts *TaskStatus, synccb func(err error, body []byte)) {
	logger := log.WithTaskID(d.logger, ts.ID)

	timer := metrics.NewTimer()
	body, err := d.post(params)
	timer.ObserveDuration(metrics.TaskDispatchDuration)

	now := d.ctx.Clock.Now()
	if err != nil {
		logger.Error().Err(err).Str("task", params.Task).Msg("task dispatch failed")
		ts.Status = StatusFailure
		ts.History = append(ts.History,
			HistoryEntry{Name: "error", Timestamp: now, Event: err.Error()},
			HistoryEntry{Name: "finish", Timestamp: now},
		)
	} else {
		ts.Status = StatusComplete
		ts.History = append(ts.History, HistoryEntry{Name: "finish", Timestamp: now})
	}
	ts.Timestamp = now

	if params.Persist {
		if err := d.persist(ts, ""); err != nil {
			logger.Error().Err(err).Msg("failed to persist terminal task status")
		}
	}

	metrics.TasksDispatchedTotal.WithLabelValues(string(ts.Status)).Inc()
	if err != nil {
		d.ctx.Events.Publish(&events.Event{Type: events.TypeTaskFailed, ServerUUID: params.ServerUUID, Subject: ts.ID, Message: err.Error()})
	} else {
		d.ctx.Events.Publish(&events.Event{Type: events.TypeTaskCompleted, ServerUUID: params.ServerUUID, Subject: ts.ID})
	}

	d.AlertWaitingTasks(err, ts.ID, ts)

	if synccb != nil {
		synccb(err, body)
	}
}

func (d *Dispatcher) post(params Params) ([]byte, error) {
	srv, err := d.servers.Get(params.ServerUUID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: resolve server %s: %w", params.ServerUUID, err)
	}
	endpoint, err := agentEndpoint(srv)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]any{"task": params.Task, "params": params.Payload})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, endpoint+"/tasks", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.ctx.AgentHTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("dispatch: agent returned status %d", resp.StatusCode)
	}
	return respBody, nil
}

// agentEndpoint derives the agent's base URL from the server's sysinfo,
// defaulting the port to 5309.
func agentEndpoint(srv *server.Server) (string, error) {
	ip, _ := srv.Sysinfo["Admin IP"].(string)
	if ip == "" {
		return "", fmt.Errorf("dispatch: server %s has no admin IP in sysinfo", srv.UUID)
	}
	port := defaultAgentPort
	if p, ok := srv.Sysinfo["Agent Port"].(float64); ok && p > 0 {
		port = int(p)
	}
	return fmt.Sprintf("http://%s:%d", ip, port), nil
}

func (d *Dispatcher) persist(ts *TaskStatus, etag string) error {
	data, err := json.Marshal(ts)
	if err != nil {
		return err
	}
	_, err = d.ctx.Store.PutObject(store.BucketTasks, ts.ID, data, etag)
	return err
}

// GetTaskStatus fetches the durable record for a persisted task.
func (d *Dispatcher) GetTaskStatus(taskID string) (*TaskStatus, error) {
	raw, _, err := d.ctx.Store.GetObject(store.BucketTasks, taskID)
	if err != nil {
		return nil, err
	}
	var ts TaskStatus
	if err := json.Unmarshal(raw, &ts); err != nil {
		return nil, err
	}
	return &ts, nil
}

// WaitForTask registers cb to fire once taskID reaches a terminal state or
// timeout elapses (spec §4.F WaitForTask). If a completed result is
// already cached for taskID, cb fires immediately.
func (d *Dispatcher) WaitForTask(taskID string, timeout time.Duration, cb func(*TaskStatus, error)) {
	d.mu.Lock()
	if entry, ok := d.cache[taskID]; ok {
		d.mu.Unlock()
		cb(entry.status, entry.err)
		return
	}

	metrics.TaskWaitersRegisteredTotal.Inc()
	id := uuid.NewString()
	entry := waiterEntry{id: id, cb: cb}
	entry.timer = d.ctx.Clock.AfterFunc(timeout, func() {
		d.expireWaiter(taskID, id)
	})
	d.waiters[taskID] = append(d.waiters[taskID], entry)
	d.mu.Unlock()
}

func (d *Dispatcher) expireWaiter(taskID, id string) {
	d.mu.Lock()
	list := d.waiters[taskID]
	var remaining []waiterEntry
	var fire *waiterEntry
	for i := range list {
		if list[i].id == id {
			e := list[i]
			fire = &e
			continue
		}
		remaining = append(remaining, list[i])
	}
	if len(remaining) == 0 {
		delete(d.waiters, taskID)
	} else {
		d.waiters[taskID] = remaining
	}
	d.mu.Unlock()

	if fire != nil {
		metrics.TaskWaitTimeoutsTotal.Inc()
		fire.cb(nil, ErrWaitTimeout)
	}
}

// AlertWaitingTasks fires every registered waiter for taskID (spec §4.F),
// or, if none are registered, caches the result for a late WaitForTask to
// pick up within cacheTTL.
func (d *Dispatcher) AlertWaitingTasks(taskErr error, taskID string, ts *TaskStatus) {
	d.mu.Lock()
	list := d.waiters[taskID]
	delete(d.waiters, taskID)

	if len(list) == 0 {
		entry := &cacheEntry{status: ts, err: taskErr}
		entry.timer = d.ctx.Clock.AfterFunc(d.cacheTTL, func() {
			d.mu.Lock()
			delete(d.cache, taskID)
			metrics.TaskStatusCacheSize.Set(float64(len(d.cache)))
			d.mu.Unlock()
		})
		d.cache[taskID] = entry
		metrics.TaskStatusCacheSize.Set(float64(len(d.cache)))
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	for _, w := range list {
		w.timer.Stop()
		w.cb(ts, taskErr)
	}
}
