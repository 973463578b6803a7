// Package scheduler registers, fires, and retires recurring tenant-owned
// triggers on top of a robfig/cron runtime. The cron registry is
// process-global and shared by every tenant, so job names are globally
// unique and derived deterministically from (tenant, owning entity) —
// registering the same entity twice replaces instead of duplicating.
//
// When a timer fires there is no caller session: the stored payload carries
// the tenant id explicitly, and the fire handler synthesizes a system_task
// request that re-enters the orchestration loop.
package scheduler

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"log/slog"

	"github.com/jholhewres/hiveclaw/pkg/hiveclaw/store"
	"github.com/jholhewres/hiveclaw/pkg/hiveclaw/tenant"
)

// Sentinel errors returned to the calling tool as structured data.
var (
	// ErrInvalidSchedule reports an unparseable schedule expression.
	ErrInvalidSchedule = errors.New("invalid schedule expression")

	// ErrNameCollision reports a derived job name already owned by a
	// different (tenant, entity) pair.
	ErrNameCollision = errors.New("job name collision")

	// ErrNotFound reports a cancel for a trigger with no bookkeeping row.
	ErrNotFound = errors.New("trigger not found")
)

// Payload is stored alongside each trigger and handed back on fire. The
// shape must remain backward-compatible across versions: registered timers
// outlive any single deployment, so fields are only ever added, with
// omitempty, and unknown keys are ignored on decode.
type Payload struct {
	// TenantID is the explicit tenant context for the synthesized request.
	TenantID string `json:"tenant_id"`

	// OwningEntityID names the entity (fee, task) that owns the trigger.
	OwningEntityID string `json:"owning_entity_id"`

	// Kind describes the trigger family (e.g. "fee_reminder").
	Kind string `json:"kind,omitempty"`

	// ConversationID is the conversation the synthesized request targets.
	ConversationID string `json:"conversation_id,omitempty"`

	// Prompt is the instruction fed to the loop on fire.
	Prompt string `json:"prompt,omitempty"`

	// ReplyTarget is the delivery callback for the fired run.
	ReplyTarget string `json:"reply_target,omitempty"`
}

// FireHandler is invoked when a trigger fires.
type FireHandler func(ctx context.Context, trig store.Trigger, payload Payload)

// Scheduler manages recurring triggers.
type Scheduler struct {
	cron    *cron.Cron
	lane    *store.PrivilegedLane
	handler FireHandler
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID // jobName -> active cron entry
}

// New creates a scheduler over the privileged lane. The lane is required:
// trigger bookkeeping is an inherently cross-tenant operation.
func New(lane *store.PrivilegedLane, handler FireHandler, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:    cron.New(),
		lane:    lane,
		handler: handler,
		logger:  logger.With("component", "scheduler"),
		entries: make(map[string]cron.EntryID),
	}
}

// JobName derives the globally unique timer name for an owning entity.
// sha256 over the full (tenant, entity) pair: deterministic for idempotent
// re-registration, collision-resistant regardless of what characters the
// entity id contains.
func JobName(tenantID tenant.ID, owningEntityID string) string {
	sum := sha256.Sum256([]byte(tenantID.String() + ":" + owningEntityID))
	return "trg_" + hex.EncodeToString(sum[:])[:16]
}

// Start loads persisted triggers into the cron runtime and starts it.
// Timers outlive deployments; rows whose schedule no longer parses are
// logged and skipped rather than blocking startup.
func (s *Scheduler) Start(ctx context.Context) error {
	triggers, err := s.lane.ListTriggers(ctx)
	if err != nil {
		return fmt.Errorf("load triggers: %w", err)
	}

	s.mu.Lock()
	for _, t := range triggers {
		if err := s.addEntryLocked(t); err != nil {
			s.logger.Error("skipping persisted trigger",
				"job_name", t.JobName,
				"tenant_id", t.TenantID,
				"error", err,
			)
		}
	}
	count := len(s.entries)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", "triggers", count)
	return nil
}

// Stop stops the cron runtime and waits for in-flight fires.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("scheduler stopped")
}

// Register creates (or idempotently replaces) the recurring trigger for an
// owning entity and returns its job name. Each mutation of the shared timer
// registry is atomic from the caller's perspective.
func (s *Scheduler) Register(ctx context.Context, tenantID tenant.ID, owningEntityID, scheduleExpr, timezone string, payload Payload) (string, error) {
	spec := scheduleExpr
	if timezone != "" {
		spec = "CRON_TZ=" + timezone + " " + scheduleExpr
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, scheduleExpr, err)
	}

	jobName := JobName(tenantID, owningEntityID)

	// The derivation makes a collision between distinct entities
	// practically impossible; if one ever surfaces, refuse rather than
	// silently take over another entity's timer.
	existing, err := s.lane.GetTrigger(ctx, jobName)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("check trigger %q: %w", jobName, err)
	}
	if existing != nil && (existing.TenantID != tenantID || existing.OwningEntityID != owningEntityID) {
		return "", fmt.Errorf("%w: %q is owned by another entity", ErrNameCollision, jobName)
	}

	// Payload always carries the tenant id; the fire path has no session
	// to recover it from.
	payload.TenantID = tenantID.String()
	payload.OwningEntityID = owningEntityID
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}

	trig := store.Trigger{
		JobName:        jobName,
		TenantID:       tenantID,
		OwningEntityID: owningEntityID,
		ScheduleExpr:   scheduleExpr,
		Timezone:       timezone,
		Payload:        string(payloadJSON),
	}
	if err := s.lane.SaveTrigger(ctx, &trig); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Replace, never duplicate: one active timer per job name.
	if old, ok := s.entries[jobName]; ok {
		s.cron.Remove(old)
		delete(s.entries, jobName)
	}
	if err := s.addEntryLocked(trig); err != nil {
		return "", err
	}

	s.logger.Info("trigger registered",
		"job_name", jobName,
		"tenant_id", tenantID,
		"schedule", scheduleExpr,
	)
	return jobName, nil
}

// Cancel removes the timer registration and the bookkeeping row as one
// logical operation. A timer already gone (removed out of band) is not an
// error; a missing bookkeeping row is ErrNotFound.
func (s *Scheduler) Cancel(ctx context.Context, jobName string) error {
	s.mu.Lock()
	if id, ok := s.entries[jobName]; ok {
		s.cron.Remove(id)
		delete(s.entries, jobName)
	}
	s.mu.Unlock()

	deleted, err := s.lane.DeleteTrigger(ctx, jobName)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("%w: %q", ErrNotFound, jobName)
	}

	s.logger.Info("trigger cancelled", "job_name", jobName)
	return nil
}

// ActiveTimers returns the number of registered cron entries.
func (s *Scheduler) ActiveTimers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// addEntryLocked wires one trigger into the cron runtime. Caller holds mu.
func (s *Scheduler) addEntryLocked(trig store.Trigger) error {
	spec := trig.ScheduleExpr
	if trig.Timezone != "" {
		spec = "CRON_TZ=" + trig.Timezone + " " + trig.ScheduleExpr
	}
	jobName := trig.JobName
	entryID, err := s.cron.AddFunc(spec, func() {
		s.fire(jobName)
	})
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, trig.ScheduleExpr, err)
	}
	s.entries[jobName] = entryID
	return nil
}

// fire runs one trigger. It re-reads the bookkeeping row so a timer
// cancelled between scheduling and execution can never be observed by the
// orchestration loop.
func (s *Scheduler) fire(jobName string) {
	s.mu.Lock()
	_, registered := s.entries[jobName]
	s.mu.Unlock()
	if !registered {
		return
	}

	ctx := context.Background()
	trig, err := s.lane.GetTrigger(ctx, jobName)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Error("trigger fire lookup failed", "job_name", jobName, "error", err)
		}
		return
	}

	var payload Payload
	if err := json.Unmarshal([]byte(trig.Payload), &payload); err != nil {
		s.logger.Error("trigger payload undecodable",
			"job_name", jobName,
			"tenant_id", trig.TenantID,
			"error", err,
		)
		return
	}

	s.logger.Info("trigger fired",
		"job_name", jobName,
		"tenant_id", trig.TenantID,
		"kind", payload.Kind,
	)
	s.handler(ctx, *trig, payload)
}
