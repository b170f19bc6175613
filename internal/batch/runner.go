// Package batch runs the reconciliation engine over a set of sales records.
// Records are sharded by tax id so each customer is handled by exactly one
// worker, and each worker commits its records in fixed-size chunks.
package batch

import (
	"context"
	"errors"
	"hash/fnv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/salesrecon/internal/model"
	"github.com/sells-group/salesrecon/internal/store"
)

// Defaults for Config.
const (
	DefaultChunkSize = 50
	DefaultWorkers   = 4
)

// Config controls chunking and parallelism.
type Config struct {
	ChunkSize int  `yaml:"chunk_size" mapstructure:"chunk_size"`
	Workers   int  `yaml:"workers" mapstructure:"workers"`
	DryRun    bool `yaml:"dry_run" mapstructure:"dry_run"`
}

// Processor reconciles one record inside a transaction.
type Processor interface {
	Process(ctx context.Context, tx store.Tx, sale model.SalesRecord, batchID string) (*model.Result, error)
}

// Publisher is told about exception entries once their chunk has committed.
type Publisher interface {
	Publish(ctx context.Context, ids []int64) error
}

// Runner drives a Processor over many records.
type Runner struct {
	store     store.Store
	engine    Processor
	publisher Publisher
	cfg       Config
	now       func() time.Time
}

// NewRunner creates a Runner. publisher may be nil.
func NewRunner(st store.Store, engine Processor, publisher Publisher, cfg Config) *Runner {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	return &Runner{
		store:     st,
		engine:    engine,
		publisher: publisher,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

var errDryRun = errors.New("dry run")

// Run reconciles records under batchID, generating one when empty.
func (r *Runner) Run(ctx context.Context, records []model.SalesRecord, batchID string) (*model.BatchReport, error) {
	return r.RunFrom(ctx, "", records, batchID)
}

// RunFrom is Run with the source (file name, URL) recorded in the batch
// statistics. Results are returned in input order. A chunk that fails marks
// all of its records FAILED and does not stop the other chunks; a cancelled
// context stops the run between records and is returned with the report.
func (r *Runner) RunFrom(ctx context.Context, source string, records []model.SalesRecord, batchID string) (*model.BatchReport, error) {
	if batchID == "" {
		batchID = model.NewBatchID(model.BatchPrefixSales, r.now())
	}
	log := zap.L().With(zap.String("batch_id", batchID))

	report := &model.BatchReport{
		BatchStats: model.BatchStats{
			BatchID:   batchID,
			Source:    source,
			Total:     len(records),
			Status:    model.BatchProcessing,
			StartedAt: r.now(),
		},
		Results: make([]model.Result, len(records)),
	}
	if !r.cfg.DryRun {
		if err := r.saveStats(ctx, &report.BatchStats); err != nil {
			return nil, err
		}
	}

	log.Info("batch: started",
		zap.Int("records", len(records)),
		zap.Int("workers", r.cfg.Workers),
		zap.Int("chunk_size", r.cfg.ChunkSize),
		zap.Bool("dry_run", r.cfg.DryRun),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)
	for _, shard := range r.shard(records) {
		g.Go(func() error {
			for start := 0; start < len(shard); start += r.cfg.ChunkSize {
				end := min(start+r.cfg.ChunkSize, len(shard))
				if err := gctx.Err(); err != nil {
					fail(report.Results, records, shard[start:], "batch cancelled: "+err.Error())
					return err
				}
				r.runChunk(gctx, log, records, shard[start:end], batchID, report.Results)
			}
			return nil
		})
	}
	runErr := g.Wait()

	r.tally(report)
	finished := r.now()
	report.FinishedAt = &finished
	report.Status = model.BatchCompleted
	if runErr != nil || (report.Failed > 0 && report.Succeeded == 0) {
		report.Status = model.BatchFailed
	}

	if !r.cfg.DryRun {
		// Persist with a fresh context so a cancelled run still records its outcome.
		if err := r.saveStats(context.WithoutCancel(ctx), &report.BatchStats); err != nil {
			log.Error("batch: save stats failed", zap.Error(err))
		}
		r.publish(ctx, log, report.Results)
	}

	log.Info("batch: finished",
		zap.String("status", string(report.Status)),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("new", report.NewOpportunities),
		zap.Int("exceptions", report.Exceptions),
	)
	if runErr != nil {
		return report, eris.Wrapf(runErr, "batch: run %s", batchID)
	}
	return report, nil
}

// shard groups record indices by tax id hash, keeping input order within a
// shard. Empty shards are dropped.
func (r *Runner) shard(records []model.SalesRecord) [][]int {
	shards := make([][]int, r.cfg.Workers)
	for i, rec := range records {
		h := fnv.New32a()
		h.Write([]byte(model.NormalizeTaxID(rec.TaxID))) //nolint:errcheck
		n := int(h.Sum32() % uint32(len(shards)))
		shards[n] = append(shards[n], i)
	}
	out := shards[:0]
	for _, s := range shards {
		if len(s) > 0 {
			out = append(out, s)
		}
	}
	return out
}

// runChunk processes idx inside one transaction and writes into results.
func (r *Runner) runChunk(ctx context.Context, log *zap.Logger, records []model.SalesRecord, idx []int, batchID string, results []model.Result) {
	staged := make([]model.Result, len(idx))
	err := r.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		for i, n := range idx {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := r.engine.Process(ctx, tx, records[n], batchID)
			if err != nil {
				return err
			}
			staged[i] = *res
		}
		if r.cfg.DryRun {
			return errDryRun
		}
		return nil
	})
	if err != nil && !errors.Is(err, errDryRun) {
		log.Error("batch: chunk rolled back", zap.Int("records", len(idx)), zap.Error(err))
		fail(results, records, idx, "chunk rolled back: "+err.Error())
		return
	}
	for i, n := range idx {
		results[n] = staged[i]
	}
}

func fail(results []model.Result, records []model.SalesRecord, idx []int, msg string) {
	for _, n := range idx {
		res := model.Result{TaxID: model.NormalizeTaxID(records[n].TaxID)}
		results[n] = *res.Failf(msg)
	}
}

func (r *Runner) tally(report *model.BatchReport) {
	s := &report.BatchStats
	for _, res := range report.Results {
		if res.Status != model.StatusSuccess {
			s.Failed++
			continue
		}
		s.Succeeded++
		if res.Created {
			s.NewOpportunities++
		} else {
			s.UpdatedOpportunities++
		}
		if res.ExceptionID != 0 {
			s.Exceptions++
		}
		if res.CrossSell {
			s.CrossSells++
		}
		if res.UpSell {
			s.UpSells++
		}
		if res.Split {
			s.Splits++
		}
		if res.NewProduct {
			s.NewProducts++
		}
		if res.Discrepancy != nil {
			s.Discrepancies++
		}
	}
}

func (r *Runner) saveStats(ctx context.Context, s *model.BatchStats) error {
	err := r.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.SaveBatchStats(ctx, s)
	})
	if err != nil {
		return eris.Wrapf(err, "batch: save stats %s", s.BatchID)
	}
	return nil
}

// publish hands committed exception ids to the publisher. Failures are
// logged; the entries stay pending locally.
func (r *Runner) publish(ctx context.Context, log *zap.Logger, results []model.Result) {
	if r.publisher == nil {
		return
	}
	var ids []int64
	for _, res := range results {
		if res.Status == model.StatusSuccess && res.ExceptionID != 0 {
			ids = append(ids, res.ExceptionID)
		}
	}
	if len(ids) == 0 {
		return
	}
	if err := r.publisher.Publish(context.WithoutCancel(ctx), ids); err != nil {
		log.Warn("batch: publish exceptions failed", zap.Int("count", len(ids)), zap.Error(err))
	}
}
