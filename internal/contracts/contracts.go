package contracts

import (
	"encoding/json"
	"strings"
)

// Method is the HTTP verb a Command is sent with.
type Method string

const (
	MethodGet    Method = "GET"
	MethodPost   Method = "POST"
	MethodPut    Method = "PUT"
	MethodPatch  Method = "PATCH"
	MethodDelete Method = "DELETE"
)

// ParseMethod normalizes a verb and reports whether it is one of the known methods.
func ParseMethod(raw string) (Method, bool) {
	m := Method(strings.ToUpper(strings.TrimSpace(raw)))
	switch m {
	case MethodGet, MethodPost, MethodPut, MethodPatch, MethodDelete:
		return m, true
	default:
		return "", false
	}
}

// Mutating reports whether the method changes server state. Only mutating
// methods may be queued.
func (m Method) Mutating() bool {
	switch m {
	case MethodPost, MethodPut, MethodPatch, MethodDelete:
		return true
	default:
		return false
	}
}

// Command is one persisted mutating API call. Once enqueued it is never
// rewritten; replay only removes it.
type Command struct {
	ID        string          `json:"id"`
	Endpoint  string          `json:"endpoint"`
	Method    Method          `json:"method"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt int64           `json:"createdAt"`
}

// NewCommand is the caller-supplied part of a Command; the queue store fills
// in ID and CreatedAt.
type NewCommand struct {
	Endpoint string          `json:"endpoint" validate:"required,startswith=/"`
	Method   Method          `json:"method" validate:"required,oneof=POST PUT PATCH DELETE"`
	Payload  json.RawMessage `json:"payload"`
}

// ActionStatus is the lifecycle state of one logical action.
type ActionStatus string

const (
	StatusIdle    ActionStatus = "idle"
	StatusPending ActionStatus = "pending"
	StatusQueued  ActionStatus = "queued"
	StatusSyncing ActionStatus = "syncing"
	StatusSuccess ActionStatus = "success"
	StatusFailed  ActionStatus = "failed"
)

// ActionToastState is the notification-facing projection of an action
// outcome, keyed by a call-site correlation id.
type ActionToastState struct {
	ID             string       `json:"id"`
	Status         ActionStatus `json:"status"`
	Error          *APIError    `json:"error,omitempty"`
	SuccessMessage string       `json:"success_message,omitempty"`
	Silent         bool         `json:"silent,omitempty"`
}

// Durability tells a caller whether a queue mutation reached durable storage.
type Durability string

const (
	Persisted Durability = "persisted"
	Degraded  Durability = "degraded"
)

// Variant is the visual class of a user-facing notification.
type Variant string

const (
	VariantInfo    Variant = "info"
	VariantSuccess Variant = "success"
	VariantError   Variant = "error"
)

// Notification is the only UI contract the core depends on.
type Notification struct {
	ID          string       `json:"id"`
	Status      ActionStatus `json:"status"`
	Variant     Variant      `json:"variant"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	At          int64        `json:"at"`
}
