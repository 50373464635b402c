// Package remote defines the protocol types and client for tally-server
// communication.
package remote

import (
	"github.com/fieldtally/tally/internal/models"
)

// ApplyRequest carries a batch of queued mutations to the server.
type ApplyRequest struct {
	Operations []*models.SyncOperation `json:"operations"`
}

// OpResult records a successfully applied operation.
type OpResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// OpError records a per-operation failure inside an otherwise
// successful batch.
type OpError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// BatchDetails is the per-operation outcome list for a batch.
type BatchDetails struct {
	Results []OpResult `json:"results"`
	Errors  []OpError  `json:"errors"`
}

// ApplyResponse is the server's answer to an ApplyRequest. Success is
// true whenever the batch transaction committed, even with per-item
// errors in Details.
type ApplyResponse struct {
	Success   bool         `json:"success"`
	Processed int          `json:"processed"`
	Errors    int          `json:"errors"`
	Details   BatchDetails `json:"details"`
}

// RecordsResponse is a tenant-scoped listing of one table, with
// attributes re-mapped to client-native names.
type RecordsResponse struct {
	Table   string           `json:"table"`
	Records []map[string]any `json:"records"`
}

// ErrorResponse is the structured error format returned by the server.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Detail  map[string]string `json:"detail,omitempty"`
}

// OpStatusSuccess is the per-operation success marker in BatchDetails.
const OpStatusSuccess = "SUCCESS"
