// Package ledger keeps a durable record of unrecoverable failures for
// manual remediation.
package ledger

import (
	"time"

	"github.com/google/uuid"
)

// ErrorType classifies ledger entries.
type ErrorType string

const (
	TypeBooking         ErrorType = "BOOKING_ERROR"
	TypeQueue           ErrorType = "QUEUE_ERROR"
	TypeJobFailed       ErrorType = "JOB_FAILED"
	TypeExternalService ErrorType = "EXTERNAL_SERVICE_ERROR"
	TypeDatabase        ErrorType = "DATABASE_ERROR"
)

// IsValid reports whether t is a known error type.
func (t ErrorType) IsValid() bool {
	switch t {
	case TypeBooking, TypeQueue, TypeJobFailed, TypeExternalService, TypeDatabase:
		return true
	}
	return false
}

// Entry is one recorded failure.
type Entry struct {
	ID              uuid.UUID      `json:"id"`
	Type            ErrorType      `json:"error_type"`
	Operation       string         `json:"operation"`
	Service         string         `json:"service,omitempty"`
	Context         map[string]any `json:"context,omitempty"`
	Message         string         `json:"message"`
	Trace           string         `json:"trace,omitempty"`
	Retryable       bool           `json:"retryable"`
	RetryCount      int            `json:"retry_count"`
	Resolved        bool           `json:"resolved"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy      string         `json:"resolved_by,omitempty"`
	ResolutionNotes string         `json:"resolution_notes,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Failure describes a failure to record. Context and the error text are
// sanitized before anything is persisted.
type Failure struct {
	Type      ErrorType
	Operation string
	Service   string
	Err       error
	Context   map[string]any
	Retryable bool
}

// Filter narrows List results. Entries are returned newest first.
type Filter struct {
	UnresolvedOnly bool
	Type           ErrorType
	Operation      string
	Limit          int
	Offset         int
}
