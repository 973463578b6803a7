// Package assistant wires the components into one runnable service: store,
// tenant resolver, generation engine, memory assembler, scheduler, tool
// connector, delivery client, orchestration loop, and HTTP gateway.
package assistant

import (
	"context"
	"fmt"

	"log/slog"

	"github.com/jholhewres/hiveclaw/pkg/hiveclaw/agent"
	"github.com/jholhewres/hiveclaw/pkg/hiveclaw/connector"
	"github.com/jholhewres/hiveclaw/pkg/hiveclaw/delivery"
	"github.com/jholhewres/hiveclaw/pkg/hiveclaw/engine"
	"github.com/jholhewres/hiveclaw/pkg/hiveclaw/gateway"
	"github.com/jholhewres/hiveclaw/pkg/hiveclaw/memory"
	"github.com/jholhewres/hiveclaw/pkg/hiveclaw/scheduler"
	"github.com/jholhewres/hiveclaw/pkg/hiveclaw/store"
	"github.com/jholhewres/hiveclaw/pkg/hiveclaw/tenant"
)

// Assistant is the assembled service.
type Assistant struct {
	cfg    *Config
	logger *slog.Logger

	store *store.Store
	sched *scheduler.Scheduler
	loop  *agent.Loop
	gw    *gateway.Gateway
}

// New builds the assistant from config. The store is opened (and migrated)
// here; nothing starts serving until Start.
func New(cfg *Config) (*Assistant, error) {
	logger := NewLogger(cfg.Logging)

	st, err := store.Open(cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	a := &Assistant{
		cfg:    cfg,
		logger: logger,
		store:  st,
	}

	resolver := tenant.NewResolver([]byte(cfg.SigningKey))
	engineClient := engine.NewClient(cfg.Engine, logger)
	assembler := memory.NewAssembler(engineClient, logger)
	connClient := connector.NewClient(cfg.Connector, logger)
	deliveryClient := delivery.NewClient(cfg.Delivery, logger)

	// The scheduler fires into the loop and the loop registers triggers on
	// the scheduler; the handler closure resolves the cycle.
	a.sched = scheduler.New(st.Privileged(), func(ctx context.Context, trig store.Trigger, payload scheduler.Payload) {
		a.loop.HandleTrigger(ctx, trig, payload)
	}, logger)

	a.loop = agent.NewLoop(resolver, st, assembler, engineClient, engineClient,
		a.sched, connClient, deliveryClient, cfg.Agent, logger)

	a.gw = gateway.New(a.loop, st.Privileged(), cfg.Gateway, logger)
	return a, nil
}

// Start brings up the scheduler (reloading persisted triggers) and the
// HTTP gateway.
func (a *Assistant) Start(ctx context.Context) error {
	if err := a.sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	if err := a.gw.Start(ctx); err != nil {
		return fmt.Errorf("starting gateway: %w", err)
	}
	a.logger.Info("assistant started", "name", a.cfg.Name)
	return nil
}

// Stop shuts down in reverse order: stop accepting requests, drain timers,
// close the store.
func (a *Assistant) Stop(ctx context.Context) error {
	if err := a.gw.Stop(ctx); err != nil {
		a.logger.Warn("gateway shutdown error", "error", err)
	}
	a.sched.Stop()
	if err := a.store.Close(); err != nil {
		return fmt.Errorf("closing store: %w", err)
	}
	a.logger.Info("assistant stopped")
	return nil
}

// BootstrapTenant creates a tenant with its owner membership and returns
// the new tenant id.
func (a *Assistant) BootstrapTenant(ctx context.Context, displayName, ownerPrincipalID string) (tenant.ID, error) {
	return a.store.Privileged().BootstrapTenant(ctx, displayName, ownerPrincipalID)
}

// Handle runs one request through the loop. Used by the CLI for one-shot
// messages; the gateway calls the loop directly.
func (a *Assistant) Handle(ctx context.Context, req agent.Request) error {
	return a.loop.Handle(ctx, req)
}
