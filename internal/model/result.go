package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the outcome of processing one record.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// Result is the structured outcome of reconciling one sales record.
type Result struct {
	Status        Status   `json:"status" yaml:"status"`
	TaxID         string   `json:"tax_id" yaml:"tax_id"`
	OpportunityID int64    `json:"opportunity_id,omitempty" yaml:"opportunity_id,omitempty"`
	Created       bool     `json:"created" yaml:"created"`
	Messages      []string `json:"messages,omitempty" yaml:"messages,omitempty"`

	// Opportunity that received the sale volume, when it differs from OpportunityID.
	TargetOpportunityID int64   `json:"target_opportunity_id,omitempty" yaml:"target_opportunity_id,omitempty"`
	CreatedIDs          []int64 `json:"created_ids,omitempty" yaml:"created_ids,omitempty"`

	RepMismatch           bool  `json:"rep_mismatch,omitempty" yaml:"rep_mismatch,omitempty"`
	ExceptionID           int64 `json:"exception_id,omitempty" yaml:"exception_id,omitempty"`
	EngagementsReassigned int64 `json:"engagements_reassigned,omitempty" yaml:"engagements_reassigned,omitempty"`

	CrossSell  bool `json:"cross_sell,omitempty" yaml:"cross_sell,omitempty"`
	Split      bool `json:"split,omitempty" yaml:"split,omitempty"`
	UpSell     bool `json:"up_sell,omitempty" yaml:"up_sell,omitempty"`
	NewProduct bool `json:"new_product,omitempty" yaml:"new_product,omitempty"`

	StageChanged bool         `json:"stage_changed,omitempty" yaml:"stage_changed,omitempty"`
	Discrepancy  *Discrepancy `json:"discrepancy,omitempty" yaml:"discrepancy,omitempty"`
}

// Failf records a failure message and sets Status.
func (r *Result) Failf(msg string) *Result {
	r.Status = StatusFailed
	r.Messages = append(r.Messages, msg)
	return r
}

// Note appends an informational message.
func (r *Result) Note(msg string) {
	r.Messages = append(r.Messages, msg)
}

// BatchReport aggregates the results of a batch run in input order.
type BatchReport struct {
	BatchStats `yaml:",inline"`
	Results    []Result `json:"results" yaml:"results"`
}

// RollbackResult is the outcome of reverting a batch.
type RollbackResult struct {
	Success      bool   `json:"success" yaml:"success"`
	BatchID      string `json:"batch_id" yaml:"batch_id"`
	Reverted     int    `json:"reverted" yaml:"reverted"`
	SKUMovements int64  `json:"sku_movements" yaml:"sku_movements"`
	Message      string `json:"message" yaml:"message"`
}

// CleanupResult reports how many expired snapshots were purged.
type CleanupResult struct {
	Deleted int64     `json:"deleted" yaml:"deleted"`
	At      time.Time `json:"at" yaml:"at"`
}

// ReturnResult is the outcome of processing one return.
type ReturnResult struct {
	Status        Status          `json:"status" yaml:"status"`
	OpportunityID int64           `json:"opportunity_id,omitempty" yaml:"opportunity_id,omitempty"`
	ReturnVolume  decimal.Decimal `json:"return_volume" yaml:"return_volume"`
	OldVolume     decimal.Decimal `json:"old_volume" yaml:"old_volume"`
	NewVolume     decimal.Decimal `json:"new_volume" yaml:"new_volume"`
	OldStage      Stage           `json:"old_stage,omitempty" yaml:"old_stage,omitempty"`
	NewStage      Stage           `json:"new_stage,omitempty" yaml:"new_stage,omitempty"`
	BatchID       string          `json:"batch_id" yaml:"batch_id"`
	Messages      []string        `json:"messages,omitempty" yaml:"messages,omitempty"`
}
