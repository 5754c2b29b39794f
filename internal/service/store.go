package service

import (
	"context"

	"github.com/nickpoorman/http-requeue/internal/config"
	"github.com/nickpoorman/http-requeue/store"
	badgerstore "github.com/nickpoorman/http-requeue/store/badger"
	redisstore "github.com/nickpoorman/http-requeue/store/redis"
	"github.com/nickpoorman/http-requeue/store/sqlstore"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// OpenStore opens the store selected by cfg.Driver.
func OpenStore(ctx context.Context, cfg config.Store, logger zerolog.Logger) (store.Store, error) {
	logger = logger.With().Str("driver", cfg.Driver).Logger()
	switch cfg.Driver {
	case config.DriverBadger:
		logger.Info().Str("path", cfg.Path).Msg("service: opening store")
		return badgerstore.Open(ctx, cfg.Path,
			badgerstore.LockWait(cfg.LockWait),
			badgerstore.Logger(logger),
		)
	case config.DriverMemory:
		logger.Warn().Msg("service: using an in-memory store, nothing survives a restart")
		return badgerstore.Open(ctx, "", badgerstore.InMemory(), badgerstore.Logger(logger))
	case config.DriverSQLite:
		logger.Info().Str("path", cfg.Path).Msg("service: opening store")
		return sqlstore.OpenSQLite(ctx, cfg.Path)
	case config.DriverPostgres:
		logger.Info().Str("table", cfg.Table).Msg("service: opening store")
		return sqlstore.OpenPostgres(ctx, cfg.DSN, cfg.Table)
	case config.DriverRedis:
		logger.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("service: opening store")
		return redisstore.Open(ctx, cfg.Addr, cfg.DB, cfg.KeyPrefix)
	}
	return nil, errors.Errorf("service: unknown store driver %q", cfg.Driver)
}
