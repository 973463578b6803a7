// Package agent – tools.go defines the tool surface exposed to the
// generation engine. A Toolset is constructed per request, closed over the
// resolved tenant lane and conversation: a tool can only ever see or touch
// the caller's tenant, and there is no parameter through which the engine
// could name another one.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"log/slog"

	"github.com/jholhewres/hiveclaw/pkg/hiveclaw/connector"
	"github.com/jholhewres/hiveclaw/pkg/hiveclaw/engine"
	"github.com/jholhewres/hiveclaw/pkg/hiveclaw/scheduler"
	"github.com/jholhewres/hiveclaw/pkg/hiveclaw/store"
	"github.com/jholhewres/hiveclaw/pkg/hiveclaw/tenant"
)

// TriggerScheduler is the slice of the scheduler the tool surface needs.
// Implemented by *scheduler.Scheduler; tests swap in fakes.
type TriggerScheduler interface {
	Register(ctx context.Context, tenantID tenant.ID, owningEntityID, scheduleExpr, timezone string, payload scheduler.Payload) (string, error)
	Cancel(ctx context.Context, jobName string) error
}

// paramSpec is one typed tool parameter. Arguments are validated against
// these declarations before the handler runs; a malformed call becomes an
// error result fed back to the engine, never a dispatch into the handler.
type paramSpec struct {
	Name        string
	Type        string // "string", "number", "boolean"
	Description string
	Required    bool
}

type toolSpec struct {
	Name        string
	Description string
	Params      []paramSpec
	Handler     func(ctx context.Context, args map[string]any) (any, error)
}

// Toolset is the per-request tool registry.
type Toolset struct {
	lane           *store.SandboxLane
	conversationID string
	replyTarget    string
	sched          TriggerScheduler
	conn           connector.Invoker
	logger         *slog.Logger

	specs []toolSpec
}

// NewToolset builds the registry for one request. sched and conn may be nil;
// the corresponding tools then report their capability as unavailable.
func NewToolset(lane *store.SandboxLane, conversationID, replyTarget string, sched TriggerScheduler, conn connector.Invoker, logger *slog.Logger) *Toolset {
	t := &Toolset{
		lane:           lane,
		conversationID: conversationID,
		replyTarget:    replyTarget,
		sched:          sched,
		conn:           conn,
		logger:         logger.With("component", "tools"),
	}
	t.specs = []toolSpec{
		{
			Name:        "sandbox_sql",
			Description: "Run a read-only SQL SELECT against the account's data. Results are limited to the current account.",
			Params: []paramSpec{
				{Name: "query", Type: "string", Description: "The SELECT statement to run", Required: true},
			},
			Handler: t.sandboxSQL,
		},
		{
			Name:        "create_recurring_fee",
			Description: "Create a recurring fee with a reminder schedule. Optionally sends a confirmation email and calendar entry.",
			Params: []paramSpec{
				{Name: "description", Type: "string", Description: "What the fee is for", Required: true},
				{Name: "amount_cents", Type: "number", Description: "Fee amount in cents", Required: true},
				{Name: "schedule", Type: "string", Description: "Cron expression for the reminder, e.g. '0 9 1 * *'", Required: true},
				{Name: "contact_email", Type: "string", Description: "Email address for the confirmation", Required: false},
				{Name: "timezone", Type: "string", Description: "IANA timezone for the schedule", Required: false},
			},
			Handler: t.createRecurringFee,
		},
		{
			Name:        "list_recurring_fees",
			Description: "List the active recurring fees in this conversation.",
			Handler:     t.listRecurringFees,
		},
		{
			Name:        "cancel_recurring_fee",
			Description: "Cancel a recurring fee and remove its reminder schedule.",
			Params: []paramSpec{
				{Name: "fee_id", Type: "string", Description: "The id of the fee to cancel", Required: true},
			},
			Handler: t.cancelRecurringFee,
		},
		{
			Name:        "store_document",
			Description: "Store a named document for this account.",
			Params: []paramSpec{
				{Name: "name", Type: "string", Description: "Document name", Required: true},
				{Name: "content", Type: "string", Description: "Document content", Required: true},
			},
			Handler: t.storeDocument,
		},
		{
			Name:        "set_notification_prefs",
			Description: "Set whether this conversation receives email and calendar notifications.",
			Params: []paramSpec{
				{Name: "email", Type: "boolean", Description: "Enable email notifications", Required: true},
				{Name: "calendar", Type: "boolean", Description: "Enable calendar notifications", Required: true},
			},
			Handler: t.setNotificationPrefs,
		},
		{
			Name:        "send_email",
			Description: "Send an email through the automation connector.",
			Params: []paramSpec{
				{Name: "to", Type: "string", Description: "Recipient address", Required: true},
				{Name: "subject", Type: "string", Description: "Email subject", Required: true},
				{Name: "body", Type: "string", Description: "Email body", Required: true},
			},
			Handler: t.sendEmail,
		},
		{
			Name:        "create_calendar_event",
			Description: "Create a calendar event through the automation connector.",
			Params: []paramSpec{
				{Name: "title", Type: "string", Description: "Event title", Required: true},
				{Name: "start_time", Type: "string", Description: "Event start, RFC 3339", Required: true},
				{Name: "duration_minutes", Type: "number", Description: "Event length in minutes", Required: false},
			},
			Handler: t.createCalendarEvent,
		},
		{
			Name:        "schedule_task",
			Description: "Schedule a recurring task: the given prompt will re-enter the assistant on the cron schedule.",
			Params: []paramSpec{
				{Name: "prompt", Type: "string", Description: "Instruction to run on each fire", Required: true},
				{Name: "schedule", Type: "string", Description: "Cron expression", Required: true},
				{Name: "timezone", Type: "string", Description: "IANA timezone for the schedule", Required: false},
				{Name: "task_id", Type: "string", Description: "Stable task id; reusing it replaces the existing schedule", Required: false},
			},
			Handler: t.scheduleTask,
		},
		{
			Name:        "unschedule_task",
			Description: "Remove a previously scheduled recurring task.",
			Params: []paramSpec{
				{Name: "task_id", Type: "string", Description: "The task id passed to schedule_task", Required: true},
			},
			Handler: t.unscheduleTask,
		},
	}
	return t
}

// Definitions renders the registry as engine tool schemas.
func (t *Toolset) Definitions() []engine.ToolDefinition {
	defs := make([]engine.ToolDefinition, 0, len(t.specs))
	for _, spec := range t.specs {
		props := make(map[string]any, len(spec.Params))
		var required []string
		for _, p := range spec.Params {
			props[p.Name] = map[string]any{
				"type":        p.Type,
				"description": p.Description,
			}
			if p.Required {
				required = append(required, p.Name)
			}
		}
		schema := map[string]any{
			"type":       "object",
			"properties": props,
		}
		if len(required) > 0 {
			schema["required"] = required
		}
		raw, _ := json.Marshal(schema)
		defs = append(defs, engine.ToolDefinition{
			Type: "function",
			Function: engine.FunctionDef{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  raw,
			},
		})
	}
	return defs
}

// Execute runs one tool call and returns the content to feed back to the
// engine. Failures become structured error content: a failing tool never
// aborts the surrounding loop.
func (t *Toolset) Execute(ctx context.Context, name, argsJSON string) string {
	spec := t.find(name)
	if spec == nil {
		return errorContent(fmt.Sprintf("unknown tool %q", name))
	}

	args := map[string]any{}
	if strings.TrimSpace(argsJSON) != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return errorContent(fmt.Sprintf("malformed arguments: %v", err))
		}
	}
	if err := validateArgs(spec.Params, args); err != nil {
		return errorContent(err.Error())
	}

	result, err := spec.Handler(ctx, args)
	if err != nil {
		t.logger.Warn("tool failed",
			"tool", name,
			"tenant_id", t.lane.TenantID(),
			"error", err,
		)
		return errorContent(err.Error())
	}

	out, err := json.Marshal(result)
	if err != nil {
		return errorContent(fmt.Sprintf("encoding result: %v", err))
	}
	t.logger.Debug("tool executed", "tool", name, "tenant_id", t.lane.TenantID())
	return string(out)
}

func (t *Toolset) find(name string) *toolSpec {
	for i := range t.specs {
		if t.specs[i].Name == name {
			return &t.specs[i]
		}
	}
	return nil
}

// validateArgs checks presence and JSON types before dispatch.
func validateArgs(params []paramSpec, args map[string]any) error {
	for _, p := range params {
		v, ok := args[p.Name]
		if !ok {
			if p.Required {
				return fmt.Errorf("missing required parameter %q", p.Name)
			}
			continue
		}
		switch p.Type {
		case "string":
			if _, ok := v.(string); !ok {
				return fmt.Errorf("parameter %q must be a string", p.Name)
			}
		case "number":
			if _, ok := v.(float64); !ok {
				return fmt.Errorf("parameter %q must be a number", p.Name)
			}
		case "boolean":
			if _, ok := v.(bool); !ok {
				return fmt.Errorf("parameter %q must be a boolean", p.Name)
			}
		}
	}
	return nil
}

func errorContent(msg string) string {
	out, _ := json.Marshal(map[string]string{"error": msg})
	return string(out)
}

func stringArg(args map[string]any, name string) string {
	s, _ := args[name].(string)
	return s
}

// ---------- Handlers ----------

func (t *Toolset) sandboxSQL(ctx context.Context, args map[string]any) (any, error) {
	rows, err := t.lane.QueryRaw(ctx, stringArg(args, "query"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"rows": rows, "count": len(rows)}, nil
}

func (t *Toolset) createRecurringFee(ctx context.Context, args map[string]any) (any, error) {
	fee := store.Fee{
		ConversationID: t.conversationID,
		Description:    stringArg(args, "description"),
		AmountCents:    int64(args["amount_cents"].(float64)),
		ScheduleExpr:   stringArg(args, "schedule"),
		ContactEmail:   stringArg(args, "contact_email"),
	}
	if err := t.lane.InsertFee(ctx, &fee); err != nil {
		return nil, fmt.Errorf("creating fee: %w", err)
	}

	result := map[string]any{
		"fee_id":  fee.ID.String(),
		"created": true,
	}

	if t.sched == nil {
		result["note"] = "reminder schedule not registered: scheduler unavailable"
		return result, nil
	}
	jobName, err := t.sched.Register(ctx, t.lane.TenantID(), fee.ID.String(),
		fee.ScheduleExpr, stringArg(args, "timezone"), scheduler.Payload{
			Kind:           "fee_reminder",
			ConversationID: t.conversationID,
			Prompt:         fmt.Sprintf("Send the reminder for the recurring fee %q (%s).", fee.Description, fee.ID),
			ReplyTarget:    t.replyTarget,
		})
	if err != nil {
		// The schedule was already validated as a tool argument path;
		// an invalid expression surfaces here. Undo the fee so the
		// caller can retry with a corrected schedule.
		if _, cancelErr := t.lane.CancelFee(ctx, fee.ID); cancelErr != nil {
			t.logger.Error("fee rollback failed", "fee_id", fee.ID, "error", cancelErr)
		}
		return nil, fmt.Errorf("registering reminder: %w", err)
	}
	result["job_name"] = jobName

	// Confirmation side effects are best-effort: an unreachable connector
	// degrades to a note, the fee and its schedule stand.
	if email := fee.ContactEmail; email != "" {
		notes := t.sendConfirmation(ctx, email, &fee)
		if len(notes) > 0 {
			result["note"] = strings.Join(notes, "; ")
		}
	}
	return result, nil
}

// sendConfirmation sends the email and calendar confirmations for a new fee
// and returns notes for any that were skipped.
func (t *Toolset) sendConfirmation(ctx context.Context, email string, fee *store.Fee) []string {
	var notes []string
	if t.conn == nil {
		return []string{"confirmation email and calendar entry skipped: connector unavailable"}
	}

	_, err := t.conn.Invoke(ctx, connector.ActionSendEmail, map[string]any{
		"to":      email,
		"subject": "Recurring fee created: " + fee.Description,
		"body": fmt.Sprintf("A recurring fee %q of %d cents was created with schedule %q.",
			fee.Description, fee.AmountCents, fee.ScheduleExpr),
	})
	if err != nil {
		notes = append(notes, "confirmation email skipped: connector unavailable")
	}

	_, err = t.conn.Invoke(ctx, connector.ActionCreateCalendarEvent, map[string]any{
		"title":       "Recurring fee: " + fee.Description,
		"description": fmt.Sprintf("Reminder schedule %q", fee.ScheduleExpr),
	})
	if err != nil {
		notes = append(notes, "calendar entry skipped: connector unavailable")
	}
	return notes
}

func (t *Toolset) listRecurringFees(ctx context.Context, _ map[string]any) (any, error) {
	fees, err := t.lane.ListFees(ctx, t.conversationID)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(fees))
	for _, f := range fees {
		out = append(out, map[string]any{
			"fee_id":       f.ID.String(),
			"description":  f.Description,
			"amount_cents": f.AmountCents,
			"schedule":     f.ScheduleExpr,
		})
	}
	return map[string]any{"fees": out, "count": len(out)}, nil
}

func (t *Toolset) cancelRecurringFee(ctx context.Context, args map[string]any) (any, error) {
	feeID, err := uuid.Parse(stringArg(args, "fee_id"))
	if err != nil {
		return nil, fmt.Errorf("fee_id must be a valid id")
	}

	fee, err := t.lane.CancelFee(ctx, feeID)
	if err != nil {
		return nil, fmt.Errorf("no active fee with id %s", feeID)
	}

	result := map[string]any{
		"fee_id":    fee.ID.String(),
		"cancelled": true,
	}
	if t.sched != nil {
		jobName := scheduler.JobName(t.lane.TenantID(), fee.ID.String())
		if err := t.sched.Cancel(ctx, jobName); err != nil {
			// A fee can exist without a registered reminder.
			if !errors.Is(err, scheduler.ErrNotFound) {
				return nil, fmt.Errorf("removing reminder: %w", err)
			}
		}
	}
	return result, nil
}

func (t *Toolset) storeDocument(ctx context.Context, args map[string]any) (any, error) {
	doc := store.Document{
		ConversationID: t.conversationID,
		Name:           stringArg(args, "name"),
		Content:        stringArg(args, "content"),
	}
	if err := t.lane.InsertDocument(ctx, &doc); err != nil {
		return nil, err
	}
	return map[string]any{"document_id": doc.ID.String(), "stored": true}, nil
}

func (t *Toolset) setNotificationPrefs(ctx context.Context, args map[string]any) (any, error) {
	prefs := store.NotificationPrefs{
		ConversationID: t.conversationID,
		Email:          args["email"].(bool),
		Calendar:       args["calendar"].(bool),
	}
	if err := t.lane.SetNotificationPrefs(ctx, &prefs); err != nil {
		return nil, err
	}
	return map[string]any{"email": prefs.Email, "calendar": prefs.Calendar}, nil
}

func (t *Toolset) sendEmail(ctx context.Context, args map[string]any) (any, error) {
	if t.conn == nil {
		return nil, connector.ErrUnavailable
	}
	result, err := t.conn.Invoke(ctx, connector.ActionSendEmail, map[string]any{
		"to":      stringArg(args, "to"),
		"subject": stringArg(args, "subject"),
		"body":    stringArg(args, "body"),
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (t *Toolset) createCalendarEvent(ctx context.Context, args map[string]any) (any, error) {
	if t.conn == nil {
		return nil, connector.ErrUnavailable
	}
	callArgs := map[string]any{
		"title":      stringArg(args, "title"),
		"start_time": stringArg(args, "start_time"),
	}
	if d, ok := args["duration_minutes"].(float64); ok {
		callArgs["duration_minutes"] = int(d)
	}
	result, err := t.conn.Invoke(ctx, connector.ActionCreateCalendarEvent, callArgs)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (t *Toolset) scheduleTask(ctx context.Context, args map[string]any) (any, error) {
	if t.sched == nil {
		return nil, fmt.Errorf("scheduler unavailable")
	}
	taskID := stringArg(args, "task_id")
	if taskID == "" {
		taskID = uuid.New().String()
	}
	jobName, err := t.sched.Register(ctx, t.lane.TenantID(), taskID,
		stringArg(args, "schedule"), stringArg(args, "timezone"), scheduler.Payload{
			Kind:           "scheduled_task",
			ConversationID: t.conversationID,
			Prompt:         stringArg(args, "prompt"),
			ReplyTarget:    t.replyTarget,
		})
	if err != nil {
		return nil, err
	}
	return map[string]any{"task_id": taskID, "job_name": jobName}, nil
}

func (t *Toolset) unscheduleTask(ctx context.Context, args map[string]any) (any, error) {
	if t.sched == nil {
		return nil, fmt.Errorf("scheduler unavailable")
	}
	jobName := scheduler.JobName(t.lane.TenantID(), stringArg(args, "task_id"))
	if err := t.sched.Cancel(ctx, jobName); err != nil {
		return nil, err
	}
	return map[string]any{"removed": true}, nil
}
