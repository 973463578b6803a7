// Package store – models.go defines the persisted row types.
package store

import (
	"time"

	"github.com/google/uuid"
)

// TenantID aliases the tenant identifier type used across the system.
type TenantID = uuid.UUID

// Message roles. system_task marks messages produced by a fired trigger
// re-entering the loop with no human caller.
const (
	RoleUser       = "user"
	RoleAssistant  = "assistant"
	RoleSystem     = "system"
	RoleSystemTask = "system_task"
)

// Membership roles.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Message is one append-only transcript row. Never mutated after creation.
type Message struct {
	ID                 uuid.UUID
	TenantID           TenantID
	ConversationID     string
	AuthorPrincipalID  string
	Role               string
	Content            string
	Embedding          []float32 // nil when no embedding was computed
	CreatedAt          time.Time
}

// Fee is a tenant-owned recurring fee record; the owning entity of a
// recurring trigger.
type Fee struct {
	ID             uuid.UUID
	TenantID       TenantID
	ConversationID string
	Description    string
	AmountCents    int64
	ScheduleExpr   string
	ContactEmail   string
	Active         bool
	CreatedAt      time.Time
}

// Document is a tenant-owned stored document.
type Document struct {
	ID             uuid.UUID
	TenantID       TenantID
	ConversationID string
	Name           string
	Content        string
	CreatedAt      time.Time
}

// NotificationPrefs are per-conversation notification switches.
type NotificationPrefs struct {
	TenantID       TenantID
	ConversationID string
	Email          bool
	Calendar       bool
}

// Trigger is the bookkeeping row for a registered recurring trigger.
// The payload must stay backward-compatible across versions: registered
// timers outlive any single deployment.
type Trigger struct {
	JobName        string
	ID             uuid.UUID
	TenantID       TenantID
	OwningEntityID string
	ScheduleExpr   string
	Timezone       string
	Payload        string // JSON, opaque to the store
	CreatedAt      time.Time
}
