package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/sells-group/salesrecon/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Decimals are kept
// as TEXT and all arithmetic happens in Go.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// A single connection serialises writers, so transactions never see
// SQLITE_BUSY from each other.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS opportunities (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
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
	volume             TEXT NOT NULL DEFAULT '0',
	potential          TEXT NOT NULL DEFAULT '0',
	engine_owned       INTEGER NOT NULL DEFAULT 0,
	opp_type           TEXT NOT NULL DEFAULT '',
	source             TEXT NOT NULL DEFAULT '',
	parent_id          INTEGER REFERENCES opportunities(id),
	last_batch_id      TEXT NOT NULL DEFAULT '',
	last_engine_update DATETIME,
	deleted            INTEGER NOT NULL DEFAULT 0,
	entered_at         DATETIME NOT NULL,
	updated_at         DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_opportunities_active_tax_id
	ON opportunities(tax_id) WHERE deleted = 0 AND parent_id IS NULL;
CREATE INDEX IF NOT EXISTS idx_opportunities_tax_id ON opportunities(tax_id);

CREATE TABLE IF NOT EXISTS sku_allocations (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	opportunity_id INTEGER NOT NULL REFERENCES opportunities(id),
	sku            TEXT NOT NULL,
	family         TEXT NOT NULL DEFAULT '',
	tier           TEXT NOT NULL DEFAULT '',
	rep_id         TEXT NOT NULL DEFAULT '',
	volume         TEXT NOT NULL DEFAULT '0',
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL,
	UNIQUE (opportunity_id, sku)
);

CREATE TABLE IF NOT EXISTS sku_movements (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	allocation_id INTEGER NOT NULL,
	batch_id      TEXT NOT NULL,
	volume        TEXT NOT NULL DEFAULT '0',
	prev_tier     TEXT NOT NULL DEFAULT '',
	tier          TEXT NOT NULL DEFAULT '',
	created       INTEGER NOT NULL DEFAULT 0,
	created_at    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sku_movements_batch ON sku_movements(batch_id);
CREATE INDEX IF NOT EXISTS idx_sku_movements_allocation ON sku_movements(allocation_id);

CREATE TABLE IF NOT EXISTS sales_history (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	tax_id       TEXT NOT NULL,
	family       TEXT NOT NULL DEFAULT '',
	sku          TEXT NOT NULL DEFAULT '',
	tier         TEXT NOT NULL DEFAULT '',
	volume       TEXT NOT NULL DEFAULT '0',
	invoice_no   TEXT NOT NULL DEFAULT '',
	invoice_date DATETIME NOT NULL,
	batch_id     TEXT NOT NULL DEFAULT '',
	UNIQUE (tax_id, invoice_no, sku)
);

CREATE INDEX IF NOT EXISTS idx_sales_history_lookup ON sales_history(tax_id, family, invoice_date);

CREATE TABLE IF NOT EXISTS engagements (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	tax_id     TEXT NOT NULL,
	rep_name   TEXT NOT NULL DEFAULT '',
	active     INTEGER NOT NULL DEFAULT 1,
	completed  INTEGER NOT NULL DEFAULT 0,
	remarks    TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_engagements_tax_id ON engagements(tax_id);

CREATE TABLE IF NOT EXISTS exceptions (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	tax_id           TEXT NOT NULL,
	opportunity_id   INTEGER NOT NULL,
	level            INTEGER NOT NULL,
	type             TEXT NOT NULL,
	sales_data       TEXT NOT NULL,
	opportunity_data TEXT NOT NULL,
	current_rep      TEXT NOT NULL DEFAULT '',
	proposed_rep     TEXT NOT NULL DEFAULT '',
	action_required  TEXT NOT NULL DEFAULT '',
	priority         TEXT NOT NULL DEFAULT 'medium',
	status           TEXT NOT NULL DEFAULT 'pending',
	resolution       TEXT NOT NULL DEFAULT '',
	resolved_by      TEXT NOT NULL DEFAULT '',
	resolved_at      DATETIME,
	batch_id         TEXT NOT NULL DEFAULT '',
	created_at       DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_exceptions_status ON exceptions(status);

CREATE TABLE IF NOT EXISTS audit_log (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	opportunity_id INTEGER NOT NULL,
	field          TEXT NOT NULL,
	old_value      TEXT NOT NULL DEFAULT '',
	new_value      TEXT NOT NULL DEFAULT '',
	old_value_at   DATETIME,
	batch_id       TEXT NOT NULL,
	actor          TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'active',
	created_at     DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_log_batch ON audit_log(batch_id, status);
CREATE INDEX IF NOT EXISTS idx_audit_log_opportunity ON audit_log(opportunity_id, field);

CREATE TABLE IF NOT EXISTS backups (
	id             TEXT PRIMARY KEY,
	opportunity_id INTEGER NOT NULL,
	batch_id       TEXT NOT NULL,
	data           TEXT NOT NULL,
	created_at     DATETIME NOT NULL,
	expires_at     DATETIME NOT NULL,
	UNIQUE (opportunity_id, batch_id)
);

CREATE INDEX IF NOT EXISTS idx_backups_expires_at ON backups(expires_at);

CREATE TABLE IF NOT EXISTS discrepancies (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	opportunity_id  INTEGER NOT NULL,
	tax_id          TEXT NOT NULL,
	family          TEXT NOT NULL DEFAULT '',
	sku             TEXT NOT NULL DEFAULT '',
	pipeline_volume TEXT NOT NULL,
	sold_volume     TEXT NOT NULL,
	variance        TEXT NOT NULL,
	variance_pct    TEXT NOT NULL,
	classification  TEXT NOT NULL,
	batch_id        TEXT NOT NULL,
	created_at      DATETIME NOT NULL
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
	started_at            DATETIME NOT NULL,
	finished_at           DATETIME
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(ctx, &sqliteTx{tx: tx}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

func (s *SQLiteStore) ImportSales(ctx context.Context, lines []model.SaleLine) (int64, error) {
	var n int64
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: import sales begin")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO sales_history (tax_id, family, sku, tier, volume, invoice_no, invoice_date, batch_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tax_id, invoice_no, sku) DO UPDATE SET
			family = excluded.family, tier = excluded.tier, volume = excluded.volume,
			invoice_date = excluded.invoice_date, batch_id = excluded.batch_id`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: import sales prepare")
	}
	defer stmt.Close() //nolint:errcheck

	for _, l := range lines {
		res, err := stmt.ExecContext(ctx, l.TaxID, l.Family, l.SKU, string(l.Tier), l.Volume,
			l.InvoiceNo, l.InvoiceDate.UTC(), l.BatchID)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: import sale %s/%s", l.TaxID, l.InvoiceNo)
		}
		affected, _ := res.RowsAffected()
		n += affected
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: import sales commit")
	}
	return n, nil
}

// sqliteTx implements Tx on a database/sql transaction.
type sqliteTx struct {
	tx *sql.Tx
}

// LockTaxID is a no-op: the single connection already serialises writers.
func (t *sqliteTx) LockTaxID(context.Context, string) error { return nil }

func (t *sqliteTx) Savepoint(ctx context.Context, fn func(ctx context.Context) error) error {
	return savepoint(ctx, func(ctx context.Context, stmt string) error {
		_, err := t.tx.ExecContext(ctx, stmt)
		return err
	}, fn)
}

func checkRowsAffected(res sql.Result, entity string, id any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(model.ErrNotFound, "%s %v", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

const sqliteOpportunityColumns = `id, tax_id, customer_name, rep_id, rep_name, sector, sub_sector,
	family_1, family_2, family_3, stage, volume, potential, engine_owned, opp_type, source,
	parent_id, last_batch_id, last_engine_update, deleted, entered_at, updated_at`

func scanSQLiteOpportunity(row scannable) (*model.Opportunity, error) {
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

func (t *sqliteTx) getOpportunity(ctx context.Context, op, query string, args ...any) (*model.Opportunity, error) {
	o, err := scanSQLiteOpportunity(t.tx.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: "+op)
	}
	return o, nil
}

func (t *sqliteTx) GetOpportunity(ctx context.Context, id int64) (*model.Opportunity, error) {
	return t.getOpportunity(ctx, fmt.Sprintf("get opportunity %d", id),
		`SELECT `+sqliteOpportunityColumns+` FROM opportunities WHERE id = ?`, id)
}

func (t *sqliteTx) FindActiveOpportunity(ctx context.Context, taxID string) (*model.Opportunity, error) {
	return t.getOpportunity(ctx, "find active opportunity",
		`SELECT `+sqliteOpportunityColumns+` FROM opportunities
		 WHERE tax_id = ? AND deleted = 0 AND parent_id IS NULL
		 ORDER BY id LIMIT 1`, taxID)
}

func (t *sqliteTx) FindReturnCandidate(ctx context.Context, taxID, family string) (*model.Opportunity, error) {
	return t.getOpportunity(ctx, "find return candidate",
		`SELECT `+sqliteOpportunityColumns+` FROM opportunities
		 WHERE tax_id = ?1 AND deleted = 0 AND stage = ?2
		   AND (lower(family_1) = lower(?3) OR lower(family_2) = lower(?3) OR lower(family_3) = lower(?3))
		 ORDER BY CAST(volume AS REAL) DESC, id LIMIT 1`,
		taxID, string(model.StageOrder), family)
}

func (t *sqliteTx) CreateOpportunity(ctx context.Context, o *model.Opportunity) error {
	now := time.Now().UTC()
	if o.EnteredAt.IsZero() {
		o.EnteredAt = now
	}
	o.UpdatedAt = now
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO opportunities (tax_id, customer_name, rep_id, rep_name, sector, sub_sector,
			family_1, family_2, family_3, stage, volume, potential, engine_owned, opp_type, source,
			parent_id, last_batch_id, last_engine_update, deleted, entered_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.TaxID, o.CustomerName, o.RepID, o.RepName, o.Sector, o.SubSector,
		o.Families[0], o.Families[1], o.Families[2], string(o.Stage), o.Volume, o.Potential,
		o.EngineOwned, string(o.Type), o.Source, o.ParentID, o.LastBatchID, o.LastEngineUpdate,
		o.Deleted, o.EnteredAt.UTC(), o.UpdatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: create opportunity for %s", o.TaxID)
	}
	o.ID, err = res.LastInsertId()
	return eris.Wrap(err, "sqlite: opportunity id")
}

func (t *sqliteTx) SaveOpportunity(ctx context.Context, o *model.Opportunity) error {
	o.UpdatedAt = time.Now().UTC()
	res, err := t.tx.ExecContext(ctx,
		`UPDATE opportunities SET customer_name = ?, rep_id = ?, rep_name = ?, sector = ?,
			sub_sector = ?, family_1 = ?, family_2 = ?, family_3 = ?, stage = ?, volume = ?,
			potential = ?, engine_owned = ?, last_batch_id = ?, last_engine_update = ?,
			deleted = ?, updated_at = ?
		 WHERE id = ?`,
		o.CustomerName, o.RepID, o.RepName, o.Sector, o.SubSector,
		o.Families[0], o.Families[1], o.Families[2], string(o.Stage), o.Volume,
		o.Potential, o.EngineOwned, o.LastBatchID, o.LastEngineUpdate,
		o.Deleted, o.UpdatedAt, o.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save opportunity %d", o.ID)
	}
	return checkRowsAffected(res, "opportunity", o.ID)
}

func (t *sqliteTx) RepIDByName(ctx context.Context, repName string) (string, error) {
	var id string
	err := t.tx.QueryRowContext(ctx,
		`SELECT rep_id FROM opportunities WHERE lower(rep_name) = lower(?) AND rep_id <> ''
		 ORDER BY updated_at DESC LIMIT 1`, repName).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, eris.Wrapf(err, "sqlite: rep id for %s", repName)
}

func (t *sqliteTx) GetSKUAllocation(ctx context.Context, opportunityID int64, sku string) (*model.SKUAllocation, error) {
	var a model.SKUAllocation
	var tier string
	err := t.tx.QueryRowContext(ctx,
		`SELECT id, opportunity_id, sku, family, tier, rep_id, volume, created_at, updated_at
		 FROM sku_allocations WHERE opportunity_id = ? AND sku = ?`, opportunityID, sku).
		Scan(&a.ID, &a.OpportunityID, &a.SKU, &a.Family, &tier, &a.RepID, &a.Volume, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get sku allocation %d/%s", opportunityID, sku)
	}
	a.Tier = model.Tier(tier)
	return &a, nil
}

func (t *sqliteTx) CreateSKUAllocation(ctx context.Context, a *model.SKUAllocation, batchID string) error {
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO sku_allocations (opportunity_id, sku, family, tier, rep_id, volume, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.OpportunityID, a.SKU, a.Family, string(a.Tier), a.RepID, a.Volume, now, now)
	if err != nil {
		return eris.Wrapf(err, "sqlite: create sku allocation %d/%s", a.OpportunityID, a.SKU)
	}
	if a.ID, err = res.LastInsertId(); err != nil {
		return eris.Wrap(err, "sqlite: sku allocation id")
	}
	return t.logMovement(ctx, a.ID, batchID, a.Volume, "", a.Tier, true)
}

func (t *sqliteTx) AddSKUVolume(ctx context.Context, id int64, volume decimal.Decimal, tier model.Tier, batchID string) error {
	var cur decimal.Decimal
	var curTier string
	err := t.tx.QueryRowContext(ctx, `SELECT volume, tier FROM sku_allocations WHERE id = ?`, id).Scan(&cur, &curTier)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return eris.Wrapf(model.ErrNotFound, "sku allocation %d", id)
		}
		return eris.Wrapf(err, "sqlite: read sku allocation %d", id)
	}
	if tier == "" {
		tier = model.Tier(curTier)
	}
	_, err = t.tx.ExecContext(ctx,
		`UPDATE sku_allocations SET volume = ?, tier = ?, updated_at = ? WHERE id = ?`,
		cur.Add(volume), string(tier), time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: add sku volume %d", id)
	}
	return t.logMovement(ctx, id, batchID, volume, model.Tier(curTier), tier, false)
}

func (t *sqliteTx) logMovement(ctx context.Context, allocationID int64, batchID string, volume decimal.Decimal,
	prev, tier model.Tier, created bool,
) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO sku_movements (allocation_id, batch_id, volume, prev_tier, tier, created, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		allocationID, batchID, volume, string(prev), string(tier), created, time.Now().UTC())
	return eris.Wrapf(err, "sqlite: log sku movement %d", allocationID)
}

func (t *sqliteTx) LatestFamilyTier(ctx context.Context, taxID, family string) (model.Tier, error) {
	var tier string
	err := t.tx.QueryRowContext(ctx,
		`SELECT m.tier FROM sku_movements m
		 JOIN sku_allocations a ON a.id = m.allocation_id
		 JOIN opportunities o ON o.id = a.opportunity_id
		 WHERE o.tax_id = ? AND lower(a.family) = lower(?) AND m.tier <> ''
		 ORDER BY m.id DESC LIMIT 1`, taxID, family).Scan(&tier)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return model.Tier(tier), eris.Wrapf(err, "sqlite: latest tier %s/%s", taxID, family)
}

func (t *sqliteTx) RevertSKUMovements(ctx context.Context, batchID string) (int64, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id, allocation_id, volume, prev_tier, created FROM sku_movements
		 WHERE batch_id = ? ORDER BY id DESC`, batchID)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: list sku movements for %s", batchID)
	}
	var moves []skuMovement
	for rows.Next() {
		var m skuMovement
		if err := rows.Scan(&m.id, &m.allocationID, &m.volume, &m.prevTier, &m.created); err != nil {
			rows.Close() //nolint:errcheck
			return 0, eris.Wrap(err, "sqlite: scan sku movement")
		}
		moves = append(moves, m)
	}
	rows.Close() //nolint:errcheck
	if err := rows.Err(); err != nil {
		return 0, eris.Wrap(err, "sqlite: iterate sku movements")
	}
	if len(moves) == 0 {
		return 0, nil
	}

	if _, err := t.tx.ExecContext(ctx, `DELETE FROM sku_movements WHERE batch_id = ?`, batchID); err != nil {
		return 0, eris.Wrapf(err, "sqlite: delete sku movements for %s", batchID)
	}

	now := time.Now().UTC()
	for _, m := range moves {
		var cur decimal.Decimal
		err := t.tx.QueryRowContext(ctx, `SELECT volume FROM sku_allocations WHERE id = ?`, m.allocationID).Scan(&cur)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: read sku allocation %d", m.allocationID)
		}
		var later, others bool
		err = t.tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM sku_movements WHERE allocation_id = ?1 AND id > ?2),
			        EXISTS (SELECT 1 FROM sku_movements WHERE allocation_id = ?1)`,
			m.allocationID, m.id).Scan(&later, &others)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: later sku movements %d", m.allocationID)
		}

		volume := cur.Sub(m.volume)
		if m.created && !others && volume.IsZero() {
			_, err = t.tx.ExecContext(ctx, `DELETE FROM sku_allocations WHERE id = ?`, m.allocationID)
			if err != nil {
				return 0, eris.Wrapf(err, "sqlite: drop sku allocation %d", m.allocationID)
			}
			continue
		}
		update := `UPDATE sku_allocations SET volume = ?, updated_at = ? WHERE id = ?`
		args := []any{volume, now, m.allocationID}
		if !later && !m.created {
			update = `UPDATE sku_allocations SET volume = ?, updated_at = ?, tier = ? WHERE id = ?`
			args = []any{volume, now, m.prevTier, m.allocationID}
		}
		if _, err := t.tx.ExecContext(ctx, update, args...); err != nil {
			return 0, eris.Wrapf(err, "sqlite: revert sku allocation %d", m.allocationID)
		}
	}
	return int64(len(moves)), nil
}

func (t *sqliteTx) CountSales(ctx context.Context, q SalesQuery) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT count(*) FROM sales_history
		 WHERE tax_id = ?1
		   AND (?2 = '' OR lower(family) = lower(?2))
		   AND (?3 = '' OR sku = ?3)
		   AND invoice_date >= ?4 AND invoice_date < ?5`,
		q.TaxID, q.Family, q.SKU, q.From.UTC(), q.To.UTC()).Scan(&n)
	return n, eris.Wrapf(err, "sqlite: count sales for %s", q.TaxID)
}

func (t *sqliteTx) RecordSale(ctx context.Context, l *model.SaleLine) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO sales_history (tax_id, family, sku, tier, volume, invoice_no, invoice_date, batch_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tax_id, invoice_no, sku) DO NOTHING`,
		l.TaxID, l.Family, l.SKU, string(l.Tier), l.Volume, l.InvoiceNo, l.InvoiceDate.UTC(), l.BatchID)
	return eris.Wrapf(err, "sqlite: record sale for %s", l.TaxID)
}

func (t *sqliteTx) DeleteBatchSales(ctx context.Context, batchID string) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM sales_history WHERE batch_id = ?`, batchID)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: delete sales for batch %s", batchID)
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: delete sales rows affected")
}

func (t *sqliteTx) CreateEngagement(ctx context.Context, e *model.Engagement) error {
	e.UpdatedAt = time.Now().UTC()
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO engagements (tax_id, rep_name, active, completed, remarks, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.TaxID, e.RepName, e.Active, e.Completed, e.Remarks, e.UpdatedAt)
	if err != nil {
		return eris.Wrapf(err, "sqlite: create engagement for %s", e.TaxID)
	}
	e.ID, err = res.LastInsertId()
	return eris.Wrap(err, "sqlite: engagement id")
}

func (t *sqliteTx) ReassignEngagements(ctx context.Context, taxID, repName, remark string) (int64, error) {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE engagements SET rep_name = ?, remarks = remarks || ?, updated_at = ?
		 WHERE tax_id = ? AND active = 1 AND completed = 0`,
		repName, remark, time.Now().UTC(), taxID)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: reassign engagements for %s", taxID)
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: reassign rows affected")
}

func (t *sqliteTx) ListEngagements(ctx context.Context, taxID string) ([]model.Engagement, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id, tax_id, rep_name, active, completed, remarks, updated_at
		 FROM engagements WHERE tax_id = ? ORDER BY id`, taxID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list engagements for %s", taxID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Engagement
	for rows.Next() {
		var e model.Engagement
		if err := rows.Scan(&e.ID, &e.TaxID, &e.RepName, &e.Active, &e.Completed, &e.Remarks, &e.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan engagement")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list engagements iterate")
}

const sqliteExceptionColumns = `id, tax_id, opportunity_id, level, type, sales_data, opportunity_data,
	current_rep, proposed_rep, action_required, priority, status, resolution, resolved_by,
	resolved_at, batch_id, created_at`

func scanSQLiteException(row scannable) (*model.ExceptionEntry, error) {
	var e model.ExceptionEntry
	var typ, priority, status, sales, opp string
	err := row.Scan(&e.ID, &e.TaxID, &e.OpportunityID, &e.Level, &typ, &sales, &opp,
		&e.CurrentRep, &e.ProposedRep, &e.ActionRequired, &priority, &status, &e.Resolution,
		&e.ResolvedBy, &e.ResolvedAt, &e.BatchID, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.Type = model.ExceptionType(typ)
	e.Priority = model.Priority(priority)
	e.Status = model.ExceptionStatus(status)
	e.SalesData = []byte(sales)
	e.OpportunityData = []byte(opp)
	return &e, nil
}

func (t *sqliteTx) CreateException(ctx context.Context, e *model.ExceptionEntry) error {
	e.CreatedAt = time.Now().UTC()
	if e.Status == "" {
		e.Status = model.ExceptionPending
	}
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO exceptions (tax_id, opportunity_id, level, type, sales_data, opportunity_data,
			current_rep, proposed_rep, action_required, priority, status, batch_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.TaxID, e.OpportunityID, e.Level, string(e.Type), string(e.SalesData), string(e.OpportunityData),
		e.CurrentRep, e.ProposedRep, e.ActionRequired, string(e.Priority), string(e.Status), e.BatchID, e.CreatedAt)
	if err != nil {
		return eris.Wrapf(err, "sqlite: create exception for %s", e.TaxID)
	}
	e.ID, err = res.LastInsertId()
	return eris.Wrap(err, "sqlite: exception id")
}

func (t *sqliteTx) GetException(ctx context.Context, id int64) (*model.ExceptionEntry, error) {
	e, err := scanSQLiteException(t.tx.QueryRowContext(ctx,
		`SELECT `+sqliteExceptionColumns+` FROM exceptions WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get exception %d", id)
	}
	return e, nil
}

func (t *sqliteTx) ListExceptions(ctx context.Context, filter ExceptionFilter) ([]model.ExceptionEntry, error) {
	query := `SELECT ` + sqliteExceptionColumns + ` FROM exceptions WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.TaxID != "" {
		query += ` AND tax_id = ?`
		args = append(args, filter.TaxID)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list exceptions")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ExceptionEntry
	for rows.Next() {
		e, err := scanSQLiteException(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan exception")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list exceptions iterate")
}

func (t *sqliteTx) ResolveException(ctx context.Context, id int64, resolution, resolvedBy string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE exceptions SET status = ?, resolution = ?, resolved_by = ?, resolved_at = ?
		 WHERE id = ? AND status = ?`,
		string(model.ExceptionCompleted), resolution, resolvedBy, at.UTC(), id, string(model.ExceptionPending))
	if err != nil {
		return eris.Wrapf(err, "sqlite: resolve exception %d", id)
	}
	return checkRowsAffected(res, "pending exception", id)
}

const sqliteAuditColumns = `id, opportunity_id, field, old_value, new_value, old_value_at, batch_id, actor, status, created_at`

func scanSQLiteAudits(rows *sql.Rows) ([]model.AuditRecord, error) {
	defer rows.Close() //nolint:errcheck
	var out []model.AuditRecord
	for rows.Next() {
		var r model.AuditRecord
		var field, status string
		if err := rows.Scan(&r.ID, &r.OpportunityID, &field, &r.OldValue, &r.NewValue, &r.OldValueAt,
			&r.BatchID, &r.Actor, &status, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan audit record")
		}
		r.Field = model.Field(field)
		r.Status = model.AuditStatus(status)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: audit iterate")
}

func (t *sqliteTx) InsertAudit(ctx context.Context, r *model.AuditRecord) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.Status == "" {
		r.Status = model.AuditActive
	}
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO audit_log (opportunity_id, field, old_value, new_value, old_value_at, batch_id, actor, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.OpportunityID, string(r.Field), r.OldValue, r.NewValue, r.OldValueAt,
		r.BatchID, r.Actor, string(r.Status), r.CreatedAt)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert audit %d/%s", r.OpportunityID, r.Field)
	}
	r.ID, err = res.LastInsertId()
	return eris.Wrap(err, "sqlite: audit id")
}

func (t *sqliteTx) ListActiveAudits(ctx context.Context, batchID string) ([]model.AuditRecord, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+sqliteAuditColumns+` FROM audit_log
		 WHERE batch_id = ? AND status = ? ORDER BY id DESC`,
		batchID, string(model.AuditActive))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list audits for %s", batchID)
	}
	return scanSQLiteAudits(rows)
}

func (t *sqliteTx) ConflictingAudits(ctx context.Context, batchID string) ([]model.AuditRecord, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT DISTINCT `+prefixColumns("later", sqliteAuditColumns)+` FROM audit_log later
		 JOIN audit_log b ON b.opportunity_id = later.opportunity_id AND b.field = later.field
		 WHERE b.batch_id = ?1 AND b.status = ?2
		   AND later.status = ?2 AND later.batch_id <> ?1 AND later.id > b.id
		 ORDER BY later.id`,
		batchID, string(model.AuditActive))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: conflicting audits for %s", batchID)
	}
	return scanSQLiteAudits(rows)
}

func (t *sqliteTx) MarkAuditReverted(ctx context.Context, id int64) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE audit_log SET status = ? WHERE id = ? AND status = ?`,
		string(model.AuditReverted), id, string(model.AuditActive))
	if err != nil {
		return eris.Wrapf(err, "sqlite: revert audit %d", id)
	}
	return checkRowsAffected(res, "active audit", id)
}

func (t *sqliteTx) AuditHistory(ctx context.Context, opportunityID int64, field model.Field, limit int) ([]model.AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+sqliteAuditColumns+` FROM audit_log
		 WHERE opportunity_id = ?1 AND (?2 = '' OR field = ?2)
		 ORDER BY id DESC LIMIT ?3`,
		opportunityID, string(field), limit)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: audit history %d", opportunityID)
	}
	return scanSQLiteAudits(rows)
}

func (t *sqliteTx) HasSnapshot(ctx context.Context, opportunityID int64, batchID string) (bool, error) {
	var ok bool
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM backups WHERE opportunity_id = ? AND batch_id = ?)`,
		opportunityID, batchID).Scan(&ok)
	return ok, eris.Wrapf(err, "sqlite: has snapshot %d/%s", opportunityID, batchID)
}

func (t *sqliteTx) InsertSnapshot(ctx context.Context, s *model.Snapshot) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO backups (id, opportunity_id, batch_id, data, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (opportunity_id, batch_id) DO NOTHING`,
		s.ID, s.OpportunityID, s.BatchID, string(s.Data), s.CreatedAt.UTC(), s.ExpiresAt.UTC())
	return eris.Wrapf(err, "sqlite: insert snapshot %d/%s", s.OpportunityID, s.BatchID)
}

func (t *sqliteTx) DeleteExpiredSnapshots(ctx context.Context, now time.Time) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM backups WHERE expires_at < ?`, now.UTC())
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired snapshots")
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: delete expired rows affected")
}

func (t *sqliteTx) InsertDiscrepancy(ctx context.Context, d *model.Discrepancy) error {
	d.CreatedAt = time.Now().UTC()
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO discrepancies (opportunity_id, tax_id, family, sku, pipeline_volume, sold_volume,
			variance, variance_pct, classification, batch_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.OpportunityID, d.TaxID, d.Family, d.SKU, d.PipelineVolume, d.SoldVolume,
		d.Variance, d.VariancePct, string(d.Classification), d.BatchID, d.CreatedAt)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert discrepancy for %s", d.TaxID)
	}
	d.ID, err = res.LastInsertId()
	return eris.Wrap(err, "sqlite: discrepancy id")
}

func (t *sqliteTx) ListDiscrepancies(ctx context.Context, batchID string) ([]model.Discrepancy, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id, opportunity_id, tax_id, family, sku, pipeline_volume, sold_volume, variance,
			variance_pct, classification, batch_id, created_at
		 FROM discrepancies WHERE batch_id = ? ORDER BY id`, batchID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list discrepancies for %s", batchID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Discrepancy
	for rows.Next() {
		var d model.Discrepancy
		var class string
		if err := rows.Scan(&d.ID, &d.OpportunityID, &d.TaxID, &d.Family, &d.SKU, &d.PipelineVolume,
			&d.SoldVolume, &d.Variance, &d.VariancePct, &class, &d.BatchID, &d.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan discrepancy")
		}
		d.Classification = model.Classification(class)
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list discrepancies iterate")
}

const sqliteBatchStatsColumns = `batch_id, source, total, succeeded, failed, new_opportunities,
	updated_opportunities, exceptions, cross_sells, up_sells, splits, new_products, discrepancies,
	status, started_at, finished_at`

func scanSQLiteBatchStats(row scannable) (*model.BatchStats, error) {
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

func (t *sqliteTx) SaveBatchStats(ctx context.Context, s *model.BatchStats) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO batch_stats (`+sqliteBatchStatsColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (batch_id) DO UPDATE SET
			source = excluded.source, total = excluded.total, succeeded = excluded.succeeded,
			failed = excluded.failed, new_opportunities = excluded.new_opportunities,
			updated_opportunities = excluded.updated_opportunities, exceptions = excluded.exceptions,
			cross_sells = excluded.cross_sells, up_sells = excluded.up_sells, splits = excluded.splits,
			new_products = excluded.new_products, discrepancies = excluded.discrepancies,
			status = excluded.status, finished_at = excluded.finished_at`,
		s.BatchID, s.Source, s.Total, s.Succeeded, s.Failed, s.NewOpportunities,
		s.UpdatedOpportunities, s.Exceptions, s.CrossSells, s.UpSells, s.Splits, s.NewProducts,
		s.Discrepancies, string(s.Status), s.StartedAt.UTC(), s.FinishedAt)
	return eris.Wrapf(err, "sqlite: save batch stats %s", s.BatchID)
}

func (t *sqliteTx) GetBatchStats(ctx context.Context, batchID string) (*model.BatchStats, error) {
	s, err := scanSQLiteBatchStats(t.tx.QueryRowContext(ctx,
		`SELECT `+sqliteBatchStatsColumns+` FROM batch_stats WHERE batch_id = ?`, batchID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get batch stats %s", batchID)
	}
	return s, nil
}

func (t *sqliteTx) ListBatchStats(ctx context.Context, limit int) ([]model.BatchStats, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+sqliteBatchStatsColumns+` FROM batch_stats ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list batch stats")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.BatchStats
	for rows.Next() {
		s, err := scanSQLiteBatchStats(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan batch stats")
		}
		out = append(out, *s)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list batch stats iterate")
}
