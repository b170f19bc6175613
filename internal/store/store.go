package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/salesrecon/internal/model"
)

// ErrSavepoint marks a savepoint that could not be set, released or rolled
// back. The enclosing transaction must be abandoned.
var ErrSavepoint = eris.New("store: savepoint failed")

// ExceptionFilter specifies criteria for listing exception entries.
type ExceptionFilter struct {
	Status model.ExceptionStatus `json:"status,omitempty"`
	TaxID  string                `json:"tax_id,omitempty"`
	Limit  int                   `json:"limit,omitempty"`
	Offset int                   `json:"offset,omitempty"`
}

// SalesQuery counts historical sales for a customer in a date window.
// Empty Family or SKU match any value.
type SalesQuery struct {
	TaxID  string
	Family string
	SKU    string
	From   time.Time
	To     time.Time
}

// Store owns the database handle and hands out transactions.
type Store interface {
	// WithTx runs fn in a transaction, committing when fn returns nil.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// ImportSales bulk-loads historical sales outside the engine.
	ImportSales(ctx context.Context, lines []model.SaleLine) (int64, error)

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Tx is the statement surface available inside a transaction. Lookups return
// nil, nil when nothing matches.
type Tx interface {
	// LockTaxID serialises work on one tax id across processes where the
	// backend supports it.
	LockTaxID(ctx context.Context, taxID string) error

	// Savepoint runs fn inside a savepoint. When fn fails only its
	// statements are undone and fn's error is returned; the transaction
	// stays usable. Failures of the savepoint itself wrap ErrSavepoint.
	Savepoint(ctx context.Context, fn func(ctx context.Context) error) error

	// Opportunities
	GetOpportunity(ctx context.Context, id int64) (*model.Opportunity, error)
	FindActiveOpportunity(ctx context.Context, taxID string) (*model.Opportunity, error)
	FindReturnCandidate(ctx context.Context, taxID, family string) (*model.Opportunity, error)
	CreateOpportunity(ctx context.Context, o *model.Opportunity) error
	SaveOpportunity(ctx context.Context, o *model.Opportunity) error
	RepIDByName(ctx context.Context, repName string) (string, error)

	// SKU allocations. Every create or increment is logged as a movement
	// of batchID so RevertSKUMovements can undo it.
	GetSKUAllocation(ctx context.Context, opportunityID int64, sku string) (*model.SKUAllocation, error)
	CreateSKUAllocation(ctx context.Context, a *model.SKUAllocation, batchID string) error
	AddSKUVolume(ctx context.Context, id int64, volume decimal.Decimal, tier model.Tier, batchID string) error
	// LatestFamilyTier is the tier of the newest movement for family across
	// all of the customer's opportunities, or "" when none was recorded.
	LatestFamilyTier(ctx context.Context, taxID, family string) (model.Tier, error)
	// RevertSKUMovements subtracts every movement of batchID, restores the
	// tier where no later movement overrode it and drops allocations the
	// batch created and nothing else touched.
	RevertSKUMovements(ctx context.Context, batchID string) (int64, error)

	// Sales history
	CountSales(ctx context.Context, q SalesQuery) (int, error)
	RecordSale(ctx context.Context, line *model.SaleLine) error
	DeleteBatchSales(ctx context.Context, batchID string) (int64, error)

	// Engagements
	CreateEngagement(ctx context.Context, e *model.Engagement) error
	ReassignEngagements(ctx context.Context, taxID, repName, remark string) (int64, error)
	ListEngagements(ctx context.Context, taxID string) ([]model.Engagement, error)

	// Exceptions
	CreateException(ctx context.Context, e *model.ExceptionEntry) error
	GetException(ctx context.Context, id int64) (*model.ExceptionEntry, error)
	ListExceptions(ctx context.Context, filter ExceptionFilter) ([]model.ExceptionEntry, error)
	ResolveException(ctx context.Context, id int64, resolution, resolvedBy string, at time.Time) error

	// Audit trail
	InsertAudit(ctx context.Context, r *model.AuditRecord) error
	ListActiveAudits(ctx context.Context, batchID string) ([]model.AuditRecord, error)
	ConflictingAudits(ctx context.Context, batchID string) ([]model.AuditRecord, error)
	MarkAuditReverted(ctx context.Context, id int64) error
	AuditHistory(ctx context.Context, opportunityID int64, field model.Field, limit int) ([]model.AuditRecord, error)

	// Backup snapshots
	HasSnapshot(ctx context.Context, opportunityID int64, batchID string) (bool, error)
	InsertSnapshot(ctx context.Context, s *model.Snapshot) error
	DeleteExpiredSnapshots(ctx context.Context, now time.Time) (int64, error)

	// Discrepancies
	InsertDiscrepancy(ctx context.Context, d *model.Discrepancy) error
	ListDiscrepancies(ctx context.Context, batchID string) ([]model.Discrepancy, error)

	// Batch statistics
	SaveBatchStats(ctx context.Context, s *model.BatchStats) error
	GetBatchStats(ctx context.Context, batchID string) (*model.BatchStats, error)
	ListBatchStats(ctx context.Context, limit int) ([]model.BatchStats, error)
}

const savepointName = "salesrecon_write"

// savepoint implements Tx.Savepoint for any backend that can execute a bare
// statement. The savepoint is released after ROLLBACK TO as well, so
// repeated calls do not stack savepoints on the transaction.
func savepoint(ctx context.Context, exec func(ctx context.Context, stmt string) error, fn func(ctx context.Context) error) error {
	if err := exec(ctx, "SAVEPOINT "+savepointName); err != nil {
		return eris.Wrapf(ErrSavepoint, "set: %v", err)
	}
	if err := fn(ctx); err != nil {
		if rbErr := exec(ctx, "ROLLBACK TO SAVEPOINT "+savepointName); rbErr != nil {
			return eris.Wrapf(ErrSavepoint, "roll back after %v: %v", err, rbErr)
		}
		if relErr := exec(ctx, "RELEASE SAVEPOINT "+savepointName); relErr != nil {
			return eris.Wrapf(ErrSavepoint, "release after %v: %v", err, relErr)
		}
		return err
	}
	if err := exec(ctx, "RELEASE SAVEPOINT "+savepointName); err != nil {
		return eris.Wrapf(ErrSavepoint, "release: %v", err)
	}
	return nil
}

// skuMovement is one logged change to an allocation.
type skuMovement struct {
	id           int64
	allocationID int64
	volume       decimal.Decimal
	prevTier     string
	created      bool
}
