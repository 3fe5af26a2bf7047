// Package core defines the Context bundle threaded through every CNAPI
// component in place of package-level globals: the heartbeat reconciler and
// task dispatcher take a *core.Context, and the server store, waitlist model
// and waitlist director take the pieces they need (store, clock, broker,
// logger) from it, rather than reaching for ambient singletons, so each can
// be constructed fresh (and with a fake clock) in tests.
package core

import (
	"context"
	"net/http"

	"github.com/cuemby/cnapi/pkg/clock"
	"github.com/cuemby/cnapi/pkg/config"
	"github.com/cuemby/cnapi/pkg/events"
	"github.com/cuemby/cnapi/pkg/store"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

// Context bundles the dependencies shared by every CNAPI component.
type Context struct {
	Config *config.Config
	Clock  clock.Clock
	Logger zerolog.Logger
	Store  store.KVStore
	Events *events.Broker

	// AgentHTTP is the retrying HTTP client used to dispatch tasks to CN
	// agents (spec §4.F). Its retries are transport-level only: a task
	// already accepted by an agent is never resubmitted.
	AgentHTTP *http.Client
}

// New builds a Context for production use: a real clock, an open bbolt
// store, a running event broker, and a retryablehttp-backed HTTP client
// bounded by cfg.AgentHTTPRetryMax.
func New(cfg *config.Config, logger zerolog.Logger) (*Context, error) {
	kv, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	broker := events.NewBroker()
	broker.Start()

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.AgentHTTPRetryMax
	retryClient.Logger = nil
	retryClient.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return err != nil, nil
	}
	httpClient := retryClient.StandardClient()
	httpClient.Timeout = cfg.TaskDispatchTimeout

	return &Context{
		Config:    cfg,
		Clock:     clock.New(),
		Logger:    logger,
		Store:     kv,
		Events:    broker,
		AgentHTTP: httpClient,
	}, nil
}

// Close releases the resources owned by the Context.
func (c *Context) Close() error {
	c.Events.Stop()
	return c.Store.Close()
}
