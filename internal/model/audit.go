package model

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AuditStatus is the lifecycle of an audit record. Records only ever move
// from active to reverted.
type AuditStatus string

const (
	AuditActive   AuditStatus = "active"
	AuditReverted AuditStatus = "reverted"
)

// Actors recorded on audit entries.
const (
	ActorEngine = "SYSTEM"
	ActorReturn = "RETURN_SYSTEM"
	ActorManual = "MANUAL"
)

// AuditRecord is one field change made by the engine.
type AuditRecord struct {
	ID            int64       `json:"id"`
	OpportunityID int64       `json:"opportunity_id"`
	Field         Field       `json:"field"`
	OldValue      string      `json:"old_value"`
	NewValue      string      `json:"new_value"`
	OldValueAt    *time.Time  `json:"old_value_at,omitempty"`
	BatchID       string      `json:"batch_id"`
	Actor         string      `json:"actor"`
	Status        AuditStatus `json:"status"`
	CreatedAt     time.Time   `json:"created_at"`
}

// Snapshot is a full copy of an opportunity taken before its first mutation
// in a batch.
type Snapshot struct {
	ID            string          `json:"id"`
	OpportunityID int64           `json:"opportunity_id"`
	BatchID       string          `json:"batch_id"`
	Data          json.RawMessage `json:"data"`
	CreatedAt     time.Time       `json:"created_at"`
	ExpiresAt     time.Time       `json:"expires_at"`
}

// Classification buckets a sale against pipeline expectations.
type Classification string

const (
	OverSale  Classification = "over_sale"
	UnderSale Classification = "under_sale"
	Match     Classification = "match"
)

// Discrepancy compares a sale with the pipeline volume it landed on.
type Discrepancy struct {
	ID             int64           `json:"id"`
	OpportunityID  int64           `json:"opportunity_id"`
	TaxID          string          `json:"tax_id"`
	Family         string          `json:"family"`
	SKU            string          `json:"sku"`
	PipelineVolume decimal.Decimal `json:"pipeline_volume"`
	SoldVolume     decimal.Decimal `json:"sold_volume"`
	Variance       decimal.Decimal `json:"variance"`
	VariancePct    decimal.Decimal `json:"variance_pct"`
	Classification Classification  `json:"classification"`
	BatchID        string          `json:"batch_id"`
	CreatedAt      time.Time       `json:"created_at"`
}

// BatchStatus tracks a batch run.
type BatchStatus string

const (
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
	BatchRolledBack BatchStatus = "rolled_back"
)

// BatchStats are the persisted totals of one batch run.
type BatchStats struct {
	BatchID              string      `json:"batch_id" yaml:"batch_id"`
	Source               string      `json:"source,omitempty" yaml:"source,omitempty"`
	Total                int         `json:"total" yaml:"total"`
	Succeeded            int         `json:"succeeded" yaml:"succeeded"`
	Failed               int         `json:"failed" yaml:"failed"`
	NewOpportunities     int         `json:"new_opportunities" yaml:"new_opportunities"`
	UpdatedOpportunities int         `json:"updated_opportunities" yaml:"updated_opportunities"`
	Exceptions           int         `json:"exceptions" yaml:"exceptions"`
	CrossSells           int         `json:"cross_sells" yaml:"cross_sells"`
	UpSells              int         `json:"up_sells" yaml:"up_sells"`
	Splits               int         `json:"splits" yaml:"splits"`
	NewProducts          int         `json:"new_products" yaml:"new_products"`
	Discrepancies        int         `json:"discrepancies" yaml:"discrepancies"`
	Status               BatchStatus `json:"status" yaml:"status"`
	StartedAt            time.Time   `json:"started_at" yaml:"started_at"`
	FinishedAt           *time.Time  `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
}

// Batch id prefixes.
const (
	BatchPrefixSales  = "BATCH"
	BatchPrefixReturn = "RETURN"
)

// NewBatchID returns PREFIX_YYYYMMDD_HHMMSS_xxxxxx for at.
func NewBatchID(prefix string, at time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return prefix + "_" + at.UTC().Format("20060102_150405") + "_" + suffix
}
