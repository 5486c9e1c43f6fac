package resultstore

import (
	"context"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/G-Research/taskrelay/internal/common/database"
	"github.com/G-Research/taskrelay/internal/common/relayerrors"
	"github.com/G-Research/taskrelay/internal/configuration"
)

// New builds the Store selected by config. The Postgres schema is migrated before the store is returned
// and, when config.TTL is positive, old records are cleaned up in the background until ctx is cancelled.
func New(ctx context.Context, config configuration.ResultStoreConfig, clk clock.WithTicker) (Store, error) {
	switch config.Type {
	case configuration.ResultStoreTypeRedis:
		db := redis.NewUniversalClient(&config.Redis)
		store := NewRedisStore(db, config.TTL, clk)
		if err := store.Check(); err != nil {
			db.Close()
			return nil, errors.WithMessage(err, "error connecting to redis")
		}
		return store, nil
	case configuration.ResultStoreTypePostgres:
		db, err := database.OpenPgxPool(ctx, config.Postgres)
		if err != nil {
			return nil, errors.WithMessage(err, "error connecting to postgres")
		}
		store, err := NewPostgresStore(db, defaultCacheSize, clk)
		if err != nil {
			db.Close()
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
		if config.TTL > 0 {
			store.PeriodicCleanup(ctx, config.TTL/2, config.TTL)
		}
		return store, nil
	case configuration.ResultStoreTypeLog, "":
		return NewLogStore(config.TTL, clk), nil
	default:
		return nil, errors.WithStack(&relayerrors.ErrInvalidArgument{
			Name:    "resultStore.type",
			Value:   config.Type,
			Message: "must be one of redis, postgres, log",
		})
	}
}
