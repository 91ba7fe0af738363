package main

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/decp-sync/internal/checkpoint"
	"github.com/sells-group/decp-sync/internal/config"
	"github.com/sells-group/decp-sync/internal/db"
	"github.com/sells-group/decp-sync/internal/fetcher"
	"github.com/sells-group/decp-sync/internal/recordstore"
)

// recordBackend is what both record store drivers provide.
type recordBackend interface {
	recordstore.Store
	recordstore.Registry
	Migrate(ctx context.Context) error
	Close() error
}

// backends bundles the stores a command works with.
type backends struct {
	store recordBackend
	runs  recordstore.RunLog
	cp    checkpoint.Store
	pool  *pgxpool.Pool
}

// Close releases every store, then the shared pool.
func (b *backends) Close() {
	if b.cp != nil {
		if err := b.cp.Close(); err != nil {
			zap.L().Warn("close checkpoint store", zap.Error(err))
		}
	}
	if b.store != nil {
		if err := b.store.Close(); err != nil {
			zap.L().Warn("close record store", zap.Error(err))
		}
	}
	if b.pool != nil {
		b.pool.Close()
	}
}

// openBackends opens the record store and run log, plus the checkpoint
// store when withCheckpoints is set. The Postgres pool is shared.
func openBackends(ctx context.Context, withCheckpoints bool) (*backends, error) {
	b := &backends{}
	needPool := cfg.Store.Driver == "postgres" || (withCheckpoints && cfg.Checkpoint.Driver == "postgres")
	if needPool {
		pool, err := db.NewPool(ctx, cfg.Store.DatabaseURL, db.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
		if err != nil {
			return nil, err
		}
		b.pool = pool
	}

	switch cfg.Store.Driver {
	case "postgres":
		b.store = recordstore.NewPostgres(b.pool, nil, cfg.Pipeline.BulkChunkSize)
		b.runs = recordstore.NewRunLog(b.pool)
	case "sqlite":
		st, err := recordstore.NewSQLite(ctx, cfg.Store.Path, cfg.Pipeline.BulkChunkSize)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.store = st
		b.runs = st.RunLog()
	default:
		b.Close()
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}

	if !withCheckpoints {
		return b, nil
	}

	switch cfg.Checkpoint.Driver {
	case "sqlite":
		cp, err := checkpoint.NewSQLite(ctx, cfg.Checkpoint.Path)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.cp = cp
	case "postgres":
		cp := checkpoint.NewPostgres(b.pool, nil)
		if err := cp.Migrate(ctx); err != nil {
			b.Close()
			return nil, err
		}
		b.cp = cp
	default:
		b.Close()
		return nil, eris.Errorf("unsupported checkpoint driver: %s", cfg.Checkpoint.Driver)
	}
	return b, nil
}

// newFetcher builds the HTTP fetcher from the fetch settings.
func newFetcher(fc config.FetchConfig) *fetcher.HTTPFetcher {
	return fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:    fc.UserAgent,
		Timeout:      fc.Timeout(),
		MaxRetries:   fc.MaxRetries,
		RateLimiters: rateLimiters(fc.RatePerHost),
	})
}

// rateLimiters overlays per-host rates on the defaults.
func rateLimiters(perHost map[string]float64) map[string]*fetcher.AdaptiveLimiter {
	limiters := fetcher.DefaultRateLimiters()
	for host, rps := range perHost {
		if rps <= 0 {
			continue
		}
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		limiters[host] = fetcher.NewAdaptiveLimiter(rate.Limit(rps), burst)
	}
	return limiters
}
