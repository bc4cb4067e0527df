package dto

import (
	outboxApp "github.com/cassiomorais/payflow/internal/application/outbox"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HealthResponse is returned by the health endpoints. Checks maps each
// dependency to "ok" or its failure.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// DeadLettersResponse lists dead-lettered outbox events.
type DeadLettersResponse struct {
	Total int64                      `json:"total"`
	Items []outboxApp.DeadLetterView `json:"items"`
}

// RequeueResponse acknowledges an operator requeue.
type RequeueResponse struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	RequestedBy string `json:"requested_by,omitempty"`
}
