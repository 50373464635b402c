// Package models defines the core data types shared between the tally
// client, the sync queue, and the remote server.
package models

import "time"

// Action is the kind of mutation carried by a SyncOperation.
type Action string

const (
	ActionInsert Action = "INSERT"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// OpStatus is the client-local lifecycle state of a queued operation.
type OpStatus string

const (
	StatusPending OpStatus = "PENDING"
	StatusSyncing OpStatus = "SYNCING"
	StatusFailed  OpStatus = "FAILED"
)

// SyncOperation is the unit of work exchanged between client and server.
//
// ID is the client-generated idempotency key. It is immutable and resent
// verbatim on every retry so the server can treat redelivery as a no-op
// success instead of a duplicate insert.
type SyncOperation struct {
	ID         string         `json:"id"`
	Table      string         `json:"table"`
	Action     Action         `json:"action"`
	Payload    map[string]any `json:"payload"`
	Match      map[string]any `json:"match,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Status     OpStatus       `json:"status,omitempty"`
	RetryCount int            `json:"retry_count,omitempty"`
}

// NeedsMatch reports whether the action requires a match predicate.
func (a Action) NeedsMatch() bool {
	return a == ActionUpdate || a == ActionDelete
}

// Valid reports whether the action is one of the three supported kinds.
func (a Action) Valid() bool {
	switch a {
	case ActionInsert, ActionUpdate, ActionDelete:
		return true
	}
	return false
}
