package main

import (
	"context"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/salesrecon/internal/audit"
	"github.com/sells-group/salesrecon/internal/batch"
	"github.com/sells-group/salesrecon/internal/exceptions"
	"github.com/sells-group/salesrecon/internal/guard"
	"github.com/sells-group/salesrecon/internal/ingest"
	"github.com/sells-group/salesrecon/internal/reconcile"
	"github.com/sells-group/salesrecon/internal/resilience"
	"github.com/sells-group/salesrecon/internal/returns"
	"github.com/sells-group/salesrecon/internal/store"
	sfpkg "github.com/sells-group/salesrecon/pkg/salesforce"
)

// defaultSQLitePath is used when the sqlite driver has no database_url.
const defaultSQLitePath = "salesrecon.db"

// services is the wired application. Commands build it once and close it
// on exit.
type services struct {
	Store      store.Store
	Auditor    *audit.Auditor
	Exceptions *exceptions.Queue
	Engine     *reconcile.Engine
	Returns    *returns.Processor
	Guard      *guard.Service
}

// Close releases the store.
func (s *services) Close() error {
	return s.Store.Close()
}

// runner returns a batch runner over the wired engine.
func (s *services) runner(dryRun bool) *batch.Runner {
	return batch.NewRunner(s.Store, s.Engine, s.Exceptions, batch.Config{
		ChunkSize: cfg.Batch.ChunkSize,
		Workers:   cfg.Batch.Workers,
		DryRun:    dryRun,
	})
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		if cfg.Store.DatabaseURL == "" {
			cfg.Store.DatabaseURL = defaultSQLitePath
		}
		return store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		if cfg.Store.DatabaseURL == "" {
			return nil, eris.New("postgres database_url is required (SALESRECON_STORE_DATABASE_URL)")
		}
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{MaxConns: cfg.Store.MaxConns})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initMirror dials Salesforce when credentials are configured. A nil mirror
// keeps the exception queue local.
func initMirror() (exceptions.Mirror, error) {
	if !cfg.Salesforce.Enabled() {
		return nil, nil
	}
	if err := cfg.Validate("salesforce"); err != nil {
		return nil, err
	}

	pemData, err := os.ReadFile(cfg.Salesforce.KeyPath)
	if err != nil {
		return nil, eris.Wrap(err, "read salesforce JWT private key")
	}

	client, err := sfpkg.Dial(sfpkg.Creds{
		LoginURL: cfg.Salesforce.LoginURL,
		Username: cfg.Salesforce.Username,
		ClientID: cfg.Salesforce.ClientID,
		KeyPEM:   string(pemData),
	}, sfpkg.WithRateLimit(cfg.Salesforce.RateLimit))
	if err != nil {
		return nil, err
	}

	r := cfg.Retry
	caller := resilience.NewCaller("salesforce",
		resilience.PolicyFrom(r.MaxAttempts, r.InitialBackoffMs, r.MaxBackoffMs, r.Multiplier, r.JitterFraction),
		resilience.BreakerFrom(r.FailureThreshold, r.ResetTimeoutSecs),
	)
	zap.L().Info("salesforce exception mirror enabled", zap.String("username", cfg.Salesforce.Username))
	return exceptions.NewSalesforceMirror(client, caller), nil
}

// initServices opens and migrates the store and wires every service on top
// of it.
func initServices(ctx context.Context) (*services, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate("store"); err != nil {
		_ = st.Close()
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}

	mirror, err := initMirror()
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	aud := audit.New(st, audit.Config{
		RetentionDays: cfg.Audit.RetentionDays,
		Strict:        cfg.Audit.Strict,
	})
	q := exceptions.New(st, aud, mirror)
	return &services{
		Store:      st,
		Auditor:    aud,
		Exceptions: q,
		Engine:     reconcile.New(aud, q),
		Returns:    returns.New(st, aud),
		Guard:      guard.New(st, aud),
	}, nil
}

// ingestOptions returns the configured file options with encoding
// overridden when set.
func ingestOptions(encoding string) ingest.Options {
	opts := ingest.Options{
		Encoding:  cfg.Ingest.Encoding,
		Delimiter: cfg.Ingest.Delimiter,
		Sheet:     cfg.Ingest.Sheet,
	}
	if encoding != "" {
		opts.Encoding = encoding
	}
	return opts
}

func ftpSource() ingest.FTPSource {
	return ingest.FTPSource{Timeout: time.Duration(cfg.Ingest.FTPTimeoutSecs) * time.Second}
}
