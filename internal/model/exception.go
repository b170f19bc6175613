package model

import (
	"encoding/json"
	"time"
)

// ExceptionType identifies the condition that needs human review.
type ExceptionType string

const ExceptionRepMismatch ExceptionType = "rep_mismatch"

// Priority of an exception entry.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// ExceptionStatus is pending until a human resolves the entry.
type ExceptionStatus string

const (
	ExceptionPending   ExceptionStatus = "pending"
	ExceptionCompleted ExceptionStatus = "completed"
)

// Resolution choices for a rep mismatch.
const (
	ResolutionKeep  = "keep"
	ResolutionAdopt = "adopt"
)

// ExceptionEntry is a queued conflict the engine will not decide on its own.
type ExceptionEntry struct {
	ID              int64           `json:"id"`
	TaxID           string          `json:"tax_id"`
	OpportunityID   int64           `json:"opportunity_id"`
	Level           int             `json:"level"`
	Type            ExceptionType   `json:"type"`
	SalesData       json.RawMessage `json:"sales_data"`
	OpportunityData json.RawMessage `json:"opportunity_data"`
	CurrentRep      string          `json:"current_rep"`
	ProposedRep     string          `json:"proposed_rep"`
	ActionRequired  string          `json:"action_required"`
	Priority        Priority        `json:"priority"`
	Status          ExceptionStatus `json:"status"`
	Resolution      string          `json:"resolution,omitempty"`
	ResolvedBy      string          `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
	BatchID         string          `json:"batch_id"`
	CreatedAt       time.Time       `json:"created_at"`
}
