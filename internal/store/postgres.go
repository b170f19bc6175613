package store

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/salesrecon/internal/db"
	"github.com/sells-group/salesrecon/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const pgOpportunityColumns = `id, tax_id, customer_name, rep_id, rep_name, sector, sub_sector,
	family_1, family_2, family_3, stage, volume, potential, engine_owned, opp_type, source,
	parent_id, last_batch_id, last_engine_update, deleted, entered_at, updated_at`

const (
	pgFindActiveSQL = `SELECT ` + pgOpportunityColumns + ` FROM opportunities
		WHERE tax_id = $1 AND NOT deleted AND parent_id IS NULL
		ORDER BY id LIMIT 1`
	pgGetSKUSQL = `SELECT id, opportunity_id, sku, family, tier, rep_id, volume, created_at, updated_at
		FROM sku_allocations WHERE opportunity_id = $1 AND sku = $2`
	pgInsertAuditSQL = `INSERT INTO audit_log
		(opportunity_id, field, old_value, new_value, old_value_at, batch_id, actor, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`
	pgHasSnapshotSQL = `SELECT EXISTS (SELECT 1 FROM backups WHERE opportunity_id = $1 AND batch_id = $2)`

	pgLatestTierSQL = `SELECT m.tier FROM sku_movements m
		JOIN sku_allocations a ON a.id = m.allocation_id
		JOIN opportunities o ON o.id = a.opportunity_id
		WHERE o.tax_id = $1 AND lower(a.family) = lower($2) AND m.tier <> ''
		ORDER BY m.id DESC LIMIT 1`
)

// preparedStatements are prepared on each new connection and executed by
// name on the per-record hot path of the engine.
var preparedStatements = map[string]string{
	"find_active_opportunity": pgFindActiveSQL,
	"get_sku_allocation":      pgGetSKUSQL,
	"insert_audit":            pgInsertAuditSQL,
	"has_snapshot":            pgHasSnapshotSQL,
	"latest_family_tier":      pgLatestTierSQL,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. Close closes the pool.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: pool.Close}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS opportunities (
	id                 BIGSERIAL PRIMARY KEY,
	tax_id             TEXT NOT NULL,
	customer_name      TEXT NOT NULL DEFAULT '',
	rep_id             TEXT NOT NULL DEFAULT '',
	rep_name           TEXT NOT NULL DEFAULT '',
	sector             TEXT NOT NULL DEFAULT '',
	sub_sector         TEXT NOT NULL DEFAULT '',
	family_1           TEXT NOT NULL DEFAULT '',
	family_2           TEXT NOT NULL DEFAULT '',
	family_3           TEXT NOT NULL DEFAULT '',
	stage              TEXT NOT NULL,
	volume             NUMERIC NOT NULL DEFAULT 0,
	potential          NUMERIC NOT NULL DEFAULT 0,
	engine_owned       BOOLEAN NOT NULL DEFAULT false,
	opp_type           TEXT NOT NULL DEFAULT '',
	source             TEXT NOT NULL DEFAULT '',
	parent_id          BIGINT REFERENCES opportunities(id),
	last_batch_id      TEXT NOT NULL DEFAULT '',
	last_engine_update TIMESTAMPTZ,
	deleted            BOOLEAN NOT NULL DEFAULT false,
	entered_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_opportunities_active_tax_id
	ON opportunities(tax_id) WHERE NOT deleted AND parent_id IS NULL;
CREATE INDEX IF NOT EXISTS idx_opportunities_tax_id ON opportunities(tax_id);
CREATE INDEX IF NOT EXISTS idx_opportunities_rep_name ON opportunities(rep_name);

CREATE TABLE IF NOT EXISTS sku_allocations (
	id             BIGSERIAL PRIMARY KEY,
	opportunity_id BIGINT NOT NULL REFERENCES opportunities(id),
	sku            TEXT NOT NULL,
	family         TEXT NOT NULL DEFAULT '',
	tier           TEXT NOT NULL DEFAULT '',
	rep_id         TEXT NOT NULL DEFAULT '',
	volume         NUMERIC NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (opportunity_id, sku)
);

CREATE TABLE IF NOT EXISTS sku_movements (
	id            BIGSERIAL PRIMARY KEY,
	allocation_id BIGINT NOT NULL,
	batch_id      TEXT NOT NULL,
	volume        NUMERIC NOT NULL DEFAULT 0,
	prev_tier     TEXT NOT NULL DEFAULT '',
	tier          TEXT NOT NULL DEFAULT '',
	created       BOOLEAN NOT NULL DEFAULT false,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_sku_movements_batch ON sku_movements(batch_id);
CREATE INDEX IF NOT EXISTS idx_sku_movements_allocation ON sku_movements(allocation_id);

CREATE TABLE IF NOT EXISTS sales_history (
	id           BIGSERIAL PRIMARY KEY,
	tax_id       TEXT NOT NULL,
	family       TEXT NOT NULL DEFAULT '',
	sku          TEXT NOT NULL DEFAULT '',
	tier         TEXT NOT NULL DEFAULT '',
	volume       NUMERIC NOT NULL DEFAULT 0,
	invoice_no   TEXT NOT NULL DEFAULT '',
	invoice_date TIMESTAMPTZ NOT NULL,
	batch_id     TEXT NOT NULL DEFAULT '',
	UNIQUE (tax_id, invoice_no, sku)
);

CREATE INDEX IF NOT EXISTS idx_sales_history_lookup ON sales_history(tax_id, family, invoice_date);

CREATE TABLE IF NOT EXISTS engagements (
	id         BIGSERIAL PRIMARY KEY,
	tax_id     TEXT NOT NULL,
	rep_name   TEXT NOT NULL DEFAULT '',
	active     BOOLEAN NOT NULL DEFAULT true,
	completed  BOOLEAN NOT NULL DEFAULT false,
	remarks    TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_engagements_tax_id ON engagements(tax_id);

CREATE TABLE IF NOT EXISTS exceptions (
	id               BIGSERIAL PRIMARY KEY,
	tax_id           TEXT NOT NULL,
	opportunity_id   BIGINT NOT NULL,
	level            INTEGER NOT NULL,
	type             TEXT NOT NULL,
	sales_data       JSONB NOT NULL,
	opportunity_data JSONB NOT NULL,
	current_rep      TEXT NOT NULL DEFAULT '',
	proposed_rep     TEXT NOT NULL DEFAULT '',
	action_required  TEXT NOT NULL DEFAULT '',
	priority         TEXT NOT NULL DEFAULT 'medium',
	status           TEXT NOT NULL DEFAULT 'pending',
	resolution       TEXT NOT NULL DEFAULT '',
	resolved_by      TEXT NOT NULL DEFAULT '',
	resolved_at      TIMESTAMPTZ,
	batch_id         TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_exceptions_status ON exceptions(status);

CREATE TABLE IF NOT EXISTS audit_log (
	id             BIGSERIAL PRIMARY KEY,
	opportunity_id BIGINT NOT NULL,
	field          TEXT NOT NULL,
	old_value      TEXT NOT NULL DEFAULT '',
	new_value      TEXT NOT NULL DEFAULT '',
	old_value_at   TIMESTAMPTZ,
	batch_id       TEXT NOT NULL,
	actor          TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'active',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_audit_log_batch ON audit_log(batch_id, status);
CREATE INDEX IF NOT EXISTS idx_audit_log_opportunity ON audit_log(opportunity_id, field);

CREATE TABLE IF NOT EXISTS backups (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	opportunity_id BIGINT NOT NULL,
	batch_id       TEXT NOT NULL,
	data           JSONB NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at     TIMESTAMPTZ NOT NULL,
	UNIQUE (opportunity_id, batch_id)
);

CREATE INDEX IF NOT EXISTS idx_backups_expires_at ON backups(expires_at);

CREATE TABLE IF NOT EXISTS discrepancies (
	id              BIGSERIAL PRIMARY KEY,
	opportunity_id  BIGINT NOT NULL,
	tax_id          TEXT NOT NULL,
	family          TEXT NOT NULL DEFAULT '',
	sku             TEXT NOT NULL DEFAULT '',
	pipeline_volume NUMERIC NOT NULL,
	sold_volume     NUMERIC NOT NULL,
	variance        NUMERIC NOT NULL,
	variance_pct    NUMERIC NOT NULL,
	classification  TEXT NOT NULL,
	batch_id        TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_discrepancies_batch ON discrepancies(batch_id);

CREATE TABLE IF NOT EXISTS batch_stats (
	batch_id              TEXT PRIMARY KEY,
	source                TEXT NOT NULL DEFAULT '',
	total                 INTEGER NOT NULL DEFAULT 0,
	succeeded             INTEGER NOT NULL DEFAULT 0,
	failed                INTEGER NOT NULL DEFAULT 0,
	new_opportunities     INTEGER NOT NULL DEFAULT 0,
	updated_opportunities INTEGER NOT NULL DEFAULT 0,
	exceptions            INTEGER NOT NULL DEFAULT 0,
	cross_sells           INTEGER NOT NULL DEFAULT 0,
	up_sells              INTEGER NOT NULL DEFAULT 0,
	splits                INTEGER NOT NULL DEFAULT 0,
	new_products          INTEGER NOT NULL DEFAULT 0,
	discrepancies         INTEGER NOT NULL DEFAULT 0,
	status                TEXT NOT NULL,
	started_at            TIMESTAMPTZ NOT NULL,
	finished_at           TIMESTAMPTZ
);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(ctx, &pgTx{q: tx}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit tx")
}

var salesHistoryColumns = []string{"tax_id", "family", "sku", "tier", "volume", "invoice_no", "invoice_date", "batch_id"}

func (s *PostgresStore) ImportSales(ctx context.Context, lines []model.SaleLine) (int64, error) {
	rows := make([][]any, len(lines))
	for i, l := range lines {
		rows[i] = []any{l.TaxID, l.Family, l.SKU, string(l.Tier), l.Volume, l.InvoiceNo, l.InvoiceDate.UTC(), l.BatchID}
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "sales_history",
		Columns:      salesHistoryColumns,
		ConflictKeys: []string{"tax_id", "invoice_no", "sku"},
	}, rows)
	return n, eris.Wrap(err, "postgres: import sales")
}

// pgTx implements Tx on a pgx transaction.
type pgTx struct {
	q db.Querier
}

func (t *pgTx) LockTaxID(ctx context.Context, taxID string) error {
	return db.AdvisoryXactLock(ctx, t.q, "taxid:"+taxID)
}

func (t *pgTx) Savepoint(ctx context.Context, fn func(ctx context.Context) error) error {
	return savepoint(ctx, func(ctx context.Context, stmt string) error {
		_, err := t.q.Exec(ctx, stmt)
		return err
	}, fn)
}

func scanPgOpportunity(row pgx.Row) (*model.Opportunity, error) {
	var o model.Opportunity
	var stage, oppType string
	err := row.Scan(&o.ID, &o.TaxID, &o.CustomerName, &o.RepID, &o.RepName, &o.Sector, &o.SubSector,
		&o.Families[0], &o.Families[1], &o.Families[2], &stage, &o.Volume, &o.Potential,
		&o.EngineOwned, &oppType, &o.Source, &o.ParentID, &o.LastBatchID, &o.LastEngineUpdate,
		&o.Deleted, &o.EnteredAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Stage = model.Stage(stage)
	o.Type = model.OpportunityType(oppType)
	return &o, nil
}

func (t *pgTx) getOpportunity(ctx context.Context, op, sql string, args ...any) (*model.Opportunity, error) {
	o, err := scanPgOpportunity(t.q.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: "+op)
	}
	return o, nil
}

func (t *pgTx) GetOpportunity(ctx context.Context, id int64) (*model.Opportunity, error) {
	return t.getOpportunity(ctx, fmt.Sprintf("get opportunity %d", id),
		`SELECT `+pgOpportunityColumns+` FROM opportunities WHERE id = $1`, id)
}

func (t *pgTx) FindActiveOpportunity(ctx context.Context, taxID string) (*model.Opportunity, error) {
	return t.getOpportunity(ctx, "find active opportunity", "find_active_opportunity", taxID)
}

func (t *pgTx) FindReturnCandidate(ctx context.Context, taxID, family string) (*model.Opportunity, error) {
	return t.getOpportunity(ctx, "find return candidate",
		`SELECT `+pgOpportunityColumns+` FROM opportunities
		 WHERE tax_id = $1 AND NOT deleted AND stage = $2
		   AND (lower(family_1) = lower($3) OR lower(family_2) = lower($3) OR lower(family_3) = lower($3))
		 ORDER BY volume DESC, id LIMIT 1`,
		taxID, string(model.StageOrder), family)
}

func (t *pgTx) CreateOpportunity(ctx context.Context, o *model.Opportunity) error {
	now := time.Now().UTC()
	if o.EnteredAt.IsZero() {
		o.EnteredAt = now
	}
	o.UpdatedAt = now
	err := t.q.QueryRow(ctx,
		`INSERT INTO opportunities (tax_id, customer_name, rep_id, rep_name, sector, sub_sector,
			family_1, family_2, family_3, stage, volume, potential, engine_owned, opp_type, source,
			parent_id, last_batch_id, last_engine_update, deleted, entered_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		 RETURNING id`,
		o.TaxID, o.CustomerName, o.RepID, o.RepName, o.Sector, o.SubSector,
		o.Families[0], o.Families[1], o.Families[2], string(o.Stage), o.Volume, o.Potential,
		o.EngineOwned, string(o.Type), o.Source, o.ParentID, o.LastBatchID, o.LastEngineUpdate,
		o.Deleted, o.EnteredAt, o.UpdatedAt,
	).Scan(&o.ID)
	return eris.Wrapf(err, "postgres: create opportunity for %s", o.TaxID)
}

func (t *pgTx) SaveOpportunity(ctx context.Context, o *model.Opportunity) error {
	o.UpdatedAt = time.Now().UTC()
	tag, err := t.q.Exec(ctx,
		`UPDATE opportunities SET customer_name = $1, rep_id = $2, rep_name = $3, sector = $4,
			sub_sector = $5, family_1 = $6, family_2 = $7, family_3 = $8, stage = $9, volume = $10,
			potential = $11, engine_owned = $12, last_batch_id = $13, last_engine_update = $14,
			deleted = $15, updated_at = $16
		 WHERE id = $17`,
		o.CustomerName, o.RepID, o.RepName, o.Sector, o.SubSector,
		o.Families[0], o.Families[1], o.Families[2], string(o.Stage), o.Volume,
		o.Potential, o.EngineOwned, o.LastBatchID, o.LastEngineUpdate,
		o.Deleted, o.UpdatedAt, o.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save opportunity %d", o.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "opportunity %d", o.ID)
	}
	return nil
}

func (t *pgTx) RepIDByName(ctx context.Context, repName string) (string, error) {
	var id string
	err := t.q.QueryRow(ctx,
		`SELECT rep_id FROM opportunities WHERE lower(rep_name) = lower($1) AND rep_id <> ''
		 ORDER BY updated_at DESC LIMIT 1`, repName).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return id, eris.Wrapf(err, "postgres: rep id for %s", repName)
}

func (t *pgTx) GetSKUAllocation(ctx context.Context, opportunityID int64, sku string) (*model.SKUAllocation, error) {
	var a model.SKUAllocation
	var tier string
	err := t.q.QueryRow(ctx, "get_sku_allocation", opportunityID, sku).
		Scan(&a.ID, &a.OpportunityID, &a.SKU, &a.Family, &tier, &a.RepID, &a.Volume, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get sku allocation %d/%s", opportunityID, sku)
	}
	a.Tier = model.Tier(tier)
	return &a, nil
}

func (t *pgTx) CreateSKUAllocation(ctx context.Context, a *model.SKUAllocation, batchID string) error {
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	err := t.q.QueryRow(ctx,
		`INSERT INTO sku_allocations (opportunity_id, sku, family, tier, rep_id, volume, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		a.OpportunityID, a.SKU, a.Family, string(a.Tier), a.RepID, a.Volume, now, now,
	).Scan(&a.ID)
	if err != nil {
		return eris.Wrapf(err, "postgres: create sku allocation %d/%s", a.OpportunityID, a.SKU)
	}
	return t.logMovement(ctx, a.ID, batchID, a.Volume, "", a.Tier, true)
}

func (t *pgTx) AddSKUVolume(ctx context.Context, id int64, volume decimal.Decimal, tier model.Tier, batchID string) error {
	var prev string
	err := t.q.QueryRow(ctx, `SELECT tier FROM sku_allocations WHERE id = $1 FOR UPDATE`, id).Scan(&prev)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return eris.Wrapf(model.ErrNotFound, "sku allocation %d", id)
		}
		return eris.Wrapf(err, "postgres: read sku allocation %d", id)
	}
	if tier == "" {
		tier = model.Tier(prev)
	}
	_, err = t.q.Exec(ctx,
		`UPDATE sku_allocations SET volume = volume + $1, tier = $2, updated_at = $3 WHERE id = $4`,
		volume, string(tier), time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: add sku volume %d", id)
	}
	return t.logMovement(ctx, id, batchID, volume, model.Tier(prev), tier, false)
}

func (t *pgTx) logMovement(ctx context.Context, allocationID int64, batchID string, volume decimal.Decimal,
	prev, tier model.Tier, created bool,
) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO sku_movements (allocation_id, batch_id, volume, prev_tier, tier, created, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		allocationID, batchID, volume, string(prev), string(tier), created, time.Now().UTC())
	return eris.Wrapf(err, "postgres: log sku movement %d", allocationID)
}

func (t *pgTx) LatestFamilyTier(ctx context.Context, taxID, family string) (model.Tier, error) {
	var tier string
	err := t.q.QueryRow(ctx, "latest_family_tier", taxID, family).Scan(&tier)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return model.Tier(tier), eris.Wrapf(err, "postgres: latest tier %s/%s", taxID, family)
}

func (t *pgTx) RevertSKUMovements(ctx context.Context, batchID string) (int64, error) {
	rows, err := t.q.Query(ctx,
		`DELETE FROM sku_movements WHERE batch_id = $1
		 RETURNING id, allocation_id, volume, prev_tier, created`, batchID)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: delete sku movements for %s", batchID)
	}
	moves, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (skuMovement, error) {
		var m skuMovement
		err := row.Scan(&m.id, &m.allocationID, &m.volume, &m.prevTier, &m.created)
		return m, err
	})
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: scan sku movements for %s", batchID)
	}
	slices.SortFunc(moves, func(a, b skuMovement) int { return cmp.Compare(b.id, a.id) })

	now := time.Now().UTC()
	for _, m := range moves {
		_, err := t.q.Exec(ctx,
			`UPDATE sku_allocations a SET volume = a.volume - $1, updated_at = $2,
				tier = CASE WHEN $3 OR EXISTS (SELECT 1 FROM sku_movements l WHERE l.allocation_id = a.id AND l.id > $4)
					THEN a.tier ELSE $5 END
			 WHERE a.id = $6`,
			m.volume, now, m.created, m.id, m.prevTier, m.allocationID)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: revert sku allocation %d", m.allocationID)
		}
		if !m.created {
			continue
		}
		_, err = t.q.Exec(ctx,
			`DELETE FROM sku_allocations a WHERE a.id = $1 AND a.volume = 0
			   AND NOT EXISTS (SELECT 1 FROM sku_movements m WHERE m.allocation_id = a.id)`,
			m.allocationID)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: drop sku allocation %d", m.allocationID)
		}
	}
	return int64(len(moves)), nil
}

func (t *pgTx) CountSales(ctx context.Context, q SalesQuery) (int, error) {
	var n int
	err := t.q.QueryRow(ctx,
		`SELECT count(*) FROM sales_history
		 WHERE tax_id = $1
		   AND ($2 = '' OR lower(family) = lower($2))
		   AND ($3 = '' OR sku = $3)
		   AND invoice_date >= $4 AND invoice_date < $5`,
		q.TaxID, q.Family, q.SKU, q.From.UTC(), q.To.UTC()).Scan(&n)
	return n, eris.Wrapf(err, "postgres: count sales for %s", q.TaxID)
}

func (t *pgTx) RecordSale(ctx context.Context, l *model.SaleLine) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO sales_history (tax_id, family, sku, tier, volume, invoice_no, invoice_date, batch_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (tax_id, invoice_no, sku) DO NOTHING`,
		l.TaxID, l.Family, l.SKU, string(l.Tier), l.Volume, l.InvoiceNo, l.InvoiceDate.UTC(), l.BatchID)
	return eris.Wrapf(err, "postgres: record sale for %s", l.TaxID)
}

func (t *pgTx) DeleteBatchSales(ctx context.Context, batchID string) (int64, error) {
	tag, err := t.q.Exec(ctx, `DELETE FROM sales_history WHERE batch_id = $1`, batchID)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: delete sales for batch %s", batchID)
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) CreateEngagement(ctx context.Context, e *model.Engagement) error {
	e.UpdatedAt = time.Now().UTC()
	err := t.q.QueryRow(ctx,
		`INSERT INTO engagements (tax_id, rep_name, active, completed, remarks, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		e.TaxID, e.RepName, e.Active, e.Completed, e.Remarks, e.UpdatedAt).Scan(&e.ID)
	return eris.Wrapf(err, "postgres: create engagement for %s", e.TaxID)
}

func (t *pgTx) ReassignEngagements(ctx context.Context, taxID, repName, remark string) (int64, error) {
	tag, err := t.q.Exec(ctx,
		`UPDATE engagements SET rep_name = $1, remarks = remarks || $2, updated_at = $3
		 WHERE tax_id = $4 AND active AND NOT completed`,
		repName, remark, time.Now().UTC(), taxID)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: reassign engagements for %s", taxID)
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) ListEngagements(ctx context.Context, taxID string) ([]model.Engagement, error) {
	rows, err := t.q.Query(ctx,
		`SELECT id, tax_id, rep_name, active, completed, remarks, updated_at
		 FROM engagements WHERE tax_id = $1 ORDER BY id`, taxID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list engagements for %s", taxID)
	}
	defer rows.Close()

	var out []model.Engagement
	for rows.Next() {
		var e model.Engagement
		if err := rows.Scan(&e.ID, &e.TaxID, &e.RepName, &e.Active, &e.Completed, &e.Remarks, &e.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan engagement")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list engagements iterate")
}

const pgExceptionColumns = `id, tax_id, opportunity_id, level, type, sales_data, opportunity_data,
	current_rep, proposed_rep, action_required, priority, status, resolution, resolved_by,
	resolved_at, batch_id, created_at`

func scanPgException(row pgx.Row) (*model.ExceptionEntry, error) {
	var e model.ExceptionEntry
	var typ, priority, status string
	var sales, opp []byte
	err := row.Scan(&e.ID, &e.TaxID, &e.OpportunityID, &e.Level, &typ, &sales, &opp,
		&e.CurrentRep, &e.ProposedRep, &e.ActionRequired, &priority, &status, &e.Resolution,
		&e.ResolvedBy, &e.ResolvedAt, &e.BatchID, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.Type = model.ExceptionType(typ)
	e.Priority = model.Priority(priority)
	e.Status = model.ExceptionStatus(status)
	e.SalesData = sales
	e.OpportunityData = opp
	return &e, nil
}

func (t *pgTx) CreateException(ctx context.Context, e *model.ExceptionEntry) error {
	e.CreatedAt = time.Now().UTC()
	if e.Status == "" {
		e.Status = model.ExceptionPending
	}
	err := t.q.QueryRow(ctx,
		`INSERT INTO exceptions (tax_id, opportunity_id, level, type, sales_data, opportunity_data,
			current_rep, proposed_rep, action_required, priority, status, batch_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13) RETURNING id`,
		e.TaxID, e.OpportunityID, e.Level, string(e.Type), []byte(e.SalesData), []byte(e.OpportunityData),
		e.CurrentRep, e.ProposedRep, e.ActionRequired, string(e.Priority), string(e.Status), e.BatchID, e.CreatedAt,
	).Scan(&e.ID)
	return eris.Wrapf(err, "postgres: create exception for %s", e.TaxID)
}

func (t *pgTx) GetException(ctx context.Context, id int64) (*model.ExceptionEntry, error) {
	e, err := scanPgException(t.q.QueryRow(ctx,
		`SELECT `+pgExceptionColumns+` FROM exceptions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get exception %d", id)
	}
	return e, nil
}

func (t *pgTx) ListExceptions(ctx context.Context, filter ExceptionFilter) ([]model.ExceptionEntry, error) {
	query := `SELECT ` + pgExceptionColumns + ` FROM exceptions WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.TaxID != "" {
		query += fmt.Sprintf(` AND tax_id = $%d`, argIdx)
		args = append(args, filter.TaxID)
		argIdx++
	}
	query += ` ORDER BY created_at DESC, id DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := t.q.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list exceptions")
	}
	defer rows.Close()

	var out []model.ExceptionEntry
	for rows.Next() {
		e, err := scanPgException(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan exception")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list exceptions iterate")
}

func (t *pgTx) ResolveException(ctx context.Context, id int64, resolution, resolvedBy string, at time.Time) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE exceptions SET status = $1, resolution = $2, resolved_by = $3, resolved_at = $4
		 WHERE id = $5 AND status = $6`,
		string(model.ExceptionCompleted), resolution, resolvedBy, at.UTC(), id, string(model.ExceptionPending))
	if err != nil {
		return eris.Wrapf(err, "postgres: resolve exception %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "pending exception %d", id)
	}
	return nil
}

const pgAuditColumns = `id, opportunity_id, field, old_value, new_value, old_value_at, batch_id, actor, status, created_at`

func scanPgAudits(rows pgx.Rows) ([]model.AuditRecord, error) {
	defer rows.Close()
	var out []model.AuditRecord
	for rows.Next() {
		var r model.AuditRecord
		var field, status string
		if err := rows.Scan(&r.ID, &r.OpportunityID, &field, &r.OldValue, &r.NewValue, &r.OldValueAt,
			&r.BatchID, &r.Actor, &status, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan audit record")
		}
		r.Field = model.Field(field)
		r.Status = model.AuditStatus(status)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: audit iterate")
}

func (t *pgTx) InsertAudit(ctx context.Context, r *model.AuditRecord) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.Status == "" {
		r.Status = model.AuditActive
	}
	err := t.q.QueryRow(ctx, "insert_audit",
		r.OpportunityID, string(r.Field), r.OldValue, r.NewValue, r.OldValueAt,
		r.BatchID, r.Actor, string(r.Status), r.CreatedAt,
	).Scan(&r.ID)
	return eris.Wrapf(err, "postgres: insert audit %d/%s", r.OpportunityID, r.Field)
}

func (t *pgTx) ListActiveAudits(ctx context.Context, batchID string) ([]model.AuditRecord, error) {
	rows, err := t.q.Query(ctx,
		`SELECT `+pgAuditColumns+` FROM audit_log
		 WHERE batch_id = $1 AND status = $2 ORDER BY id DESC`,
		batchID, string(model.AuditActive))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list audits for %s", batchID)
	}
	return scanPgAudits(rows)
}

func (t *pgTx) ConflictingAudits(ctx context.Context, batchID string) ([]model.AuditRecord, error) {
	rows, err := t.q.Query(ctx,
		`SELECT DISTINCT `+prefixColumns("later", pgAuditColumns)+` FROM audit_log later
		 JOIN audit_log b ON b.opportunity_id = later.opportunity_id AND b.field = later.field
		 WHERE b.batch_id = $1 AND b.status = $2
		   AND later.status = $2 AND later.batch_id <> $1 AND later.id > b.id
		 ORDER BY later.id`,
		batchID, string(model.AuditActive))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: conflicting audits for %s", batchID)
	}
	return scanPgAudits(rows)
}

func (t *pgTx) MarkAuditReverted(ctx context.Context, id int64) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE audit_log SET status = $1 WHERE id = $2 AND status = $3`,
		string(model.AuditReverted), id, string(model.AuditActive))
	if err != nil {
		return eris.Wrapf(err, "postgres: revert audit %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "active audit %d", id)
	}
	return nil
}

func (t *pgTx) AuditHistory(ctx context.Context, opportunityID int64, field model.Field, limit int) ([]model.AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := t.q.Query(ctx,
		`SELECT `+pgAuditColumns+` FROM audit_log
		 WHERE opportunity_id = $1 AND ($2 = '' OR field = $2)
		 ORDER BY id DESC LIMIT $3`,
		opportunityID, string(field), limit)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: audit history %d", opportunityID)
	}
	return scanPgAudits(rows)
}

func (t *pgTx) HasSnapshot(ctx context.Context, opportunityID int64, batchID string) (bool, error) {
	var ok bool
	err := t.q.QueryRow(ctx, "has_snapshot", opportunityID, batchID).Scan(&ok)
	return ok, eris.Wrapf(err, "postgres: has snapshot %d/%s", opportunityID, batchID)
}

func (t *pgTx) InsertSnapshot(ctx context.Context, s *model.Snapshot) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO backups (id, opportunity_id, batch_id, data, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (opportunity_id, batch_id) DO NOTHING`,
		s.ID, s.OpportunityID, s.BatchID, []byte(s.Data), s.CreatedAt.UTC(), s.ExpiresAt.UTC())
	return eris.Wrapf(err, "postgres: insert snapshot %d/%s", s.OpportunityID, s.BatchID)
}

func (t *pgTx) DeleteExpiredSnapshots(ctx context.Context, now time.Time) (int64, error) {
	tag, err := t.q.Exec(ctx, `DELETE FROM backups WHERE expires_at < $1`, now.UTC())
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired snapshots")
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) InsertDiscrepancy(ctx context.Context, d *model.Discrepancy) error {
	d.CreatedAt = time.Now().UTC()
	err := t.q.QueryRow(ctx,
		`INSERT INTO discrepancies (opportunity_id, tax_id, family, sku, pipeline_volume, sold_volume,
			variance, variance_pct, classification, batch_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING id`,
		d.OpportunityID, d.TaxID, d.Family, d.SKU, d.PipelineVolume, d.SoldVolume,
		d.Variance, d.VariancePct, string(d.Classification), d.BatchID, d.CreatedAt,
	).Scan(&d.ID)
	return eris.Wrapf(err, "postgres: insert discrepancy for %s", d.TaxID)
}

func (t *pgTx) ListDiscrepancies(ctx context.Context, batchID string) ([]model.Discrepancy, error) {
	rows, err := t.q.Query(ctx,
		`SELECT id, opportunity_id, tax_id, family, sku, pipeline_volume, sold_volume, variance,
			variance_pct, classification, batch_id, created_at
		 FROM discrepancies WHERE batch_id = $1 ORDER BY id`, batchID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list discrepancies for %s", batchID)
	}
	defer rows.Close()

	var out []model.Discrepancy
	for rows.Next() {
		var d model.Discrepancy
		var class string
		if err := rows.Scan(&d.ID, &d.OpportunityID, &d.TaxID, &d.Family, &d.SKU, &d.PipelineVolume,
			&d.SoldVolume, &d.Variance, &d.VariancePct, &class, &d.BatchID, &d.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan discrepancy")
		}
		d.Classification = model.Classification(class)
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list discrepancies iterate")
}

const pgBatchStatsColumns = `batch_id, source, total, succeeded, failed, new_opportunities,
	updated_opportunities, exceptions, cross_sells, up_sells, splits, new_products, discrepancies,
	status, started_at, finished_at`

func scanPgBatchStats(row pgx.Row) (*model.BatchStats, error) {
	var s model.BatchStats
	var status string
	err := row.Scan(&s.BatchID, &s.Source, &s.Total, &s.Succeeded, &s.Failed, &s.NewOpportunities,
		&s.UpdatedOpportunities, &s.Exceptions, &s.CrossSells, &s.UpSells, &s.Splits, &s.NewProducts,
		&s.Discrepancies, &status, &s.StartedAt, &s.FinishedAt)
	if err != nil {
		return nil, err
	}
	s.Status = model.BatchStatus(status)
	return &s, nil
}

func (t *pgTx) SaveBatchStats(ctx context.Context, s *model.BatchStats) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO batch_stats (`+pgBatchStatsColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 ON CONFLICT (batch_id) DO UPDATE SET
			source = EXCLUDED.source, total = EXCLUDED.total, succeeded = EXCLUDED.succeeded,
			failed = EXCLUDED.failed, new_opportunities = EXCLUDED.new_opportunities,
			updated_opportunities = EXCLUDED.updated_opportunities, exceptions = EXCLUDED.exceptions,
			cross_sells = EXCLUDED.cross_sells, up_sells = EXCLUDED.up_sells, splits = EXCLUDED.splits,
			new_products = EXCLUDED.new_products, discrepancies = EXCLUDED.discrepancies,
			status = EXCLUDED.status, finished_at = EXCLUDED.finished_at`,
		s.BatchID, s.Source, s.Total, s.Succeeded, s.Failed, s.NewOpportunities,
		s.UpdatedOpportunities, s.Exceptions, s.CrossSells, s.UpSells, s.Splits, s.NewProducts,
		s.Discrepancies, string(s.Status), s.StartedAt.UTC(), s.FinishedAt)
	return eris.Wrapf(err, "postgres: save batch stats %s", s.BatchID)
}

func (t *pgTx) GetBatchStats(ctx context.Context, batchID string) (*model.BatchStats, error) {
	s, err := scanPgBatchStats(t.q.QueryRow(ctx,
		`SELECT `+pgBatchStatsColumns+` FROM batch_stats WHERE batch_id = $1`, batchID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get batch stats %s", batchID)
	}
	return s, nil
}

func (t *pgTx) ListBatchStats(ctx context.Context, limit int) ([]model.BatchStats, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := t.q.Query(ctx,
		`SELECT `+pgBatchStatsColumns+` FROM batch_stats ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list batch stats")
	}
	defer rows.Close()

	var out []model.BatchStats
	for rows.Next() {
		s, err := scanPgBatchStats(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan batch stats")
		}
		out = append(out, *s)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list batch stats iterate")
}
