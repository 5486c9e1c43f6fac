package resultstore

import (
	"context"
	"embed"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/taskrelay/internal/common/database"
	"github.com/G-Research/taskrelay/internal/common/logging"
	"github.com/G-Research/taskrelay/internal/common/relayerrors"
	"github.com/G-Research/taskrelay/internal/task"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const defaultCacheSize = 1024

// Migrations returns the schema migrations of the task_results table.
func Migrations() ([]database.Migration, error) {
	return database.ReadMigrations(migrationsFS, "migrations")
}

// PostgresStore upserts results into the task_results table. Recently written records are cached locally.
// It is shared by every worker slot, so the cache is the synchronised lru.Cache.
type PostgresStore struct {
	db    *pgxpool.Pool
	cache *lru.Cache
	clock clock.WithTicker
}

func NewPostgresStore(db *pgxpool.Pool, cacheSize int, clk clock.WithTicker) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.WithStack(&relayerrors.ErrInvalidArgument{
			Name:    "db",
			Value:   db,
			Message: "db must be non-nil",
		})
	}
	cache, err := newRecordCache(cacheSize)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{db: db, cache: cache, clock: clk}, nil
}

func newRecordCache(size int) (*lru.Cache, error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New(size)
	return cache, errors.WithStack(err)
}

// Migrate brings the schema up to date.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	migrations, err := Migrations()
	if err != nil {
		return err
	}
	return database.UpdateDatabase(ctx, s.db, migrations)
}

func (s *PostgresStore) Put(ctx context.Context, taskIdentity string, queue string, result *task.Result) error {
	record := &Record{
		TaskIdentity: taskIdentity,
		Queue:        queue,
		Result:       *result,
		RecordedAt:   s.clock.Now().UTC(),
	}
	err := s.upsert(ctx, record)

	// The table may have been dropped underneath us; recreate it and try again.
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UndefinedTable {
		if err := s.Migrate(ctx); err != nil {
			return err
		}
		err = s.upsert(ctx, record)
	}
	if err != nil {
		return err
	}

	s.cache.Add(taskIdentity, record)
	return nil
}

func (s *PostgresStore) upsert(ctx context.Context, record *Record) error {
	payload := pgtype.JSONB{Status: pgtype.Null}
	if record.Result.Payload != nil {
		if err := payload.Set(record.Result.Payload); err != nil {
			return errors.WithStack(err)
		}
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO task_results (task_identity, queue, state, message, payload, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (task_identity) DO UPDATE SET
		   queue = EXCLUDED.queue,
		   state = EXCLUDED.state,
		   message = EXCLUDED.message,
		   payload = EXCLUDED.payload,
		   recorded_at = EXCLUDED.recorded_at`,
		record.TaskIdentity, record.Queue, string(record.Result.State), record.Result.Message, &payload, record.RecordedAt)
	return errors.WithStack(err)
}

func (s *PostgresStore) Get(ctx context.Context, taskIdentity string) (*Record, error) {
	if record, ok := s.cache.Get(taskIdentity); ok {
		return record.(*Record), nil
	}

	record := &Record{TaskIdentity: taskIdentity}
	var state string
	var payload pgtype.JSONB
	err := s.db.QueryRow(ctx,
		`SELECT queue, state, message, payload, recorded_at FROM task_results WHERE task_identity = $1`,
		taskIdentity,
	).Scan(&record.Queue, &state, &record.Result.Message, &payload, &record.RecordedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(taskIdentity)
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	record.Result.State = task.State(state)
	if payload.Status == pgtype.Present {
		if err := payload.AssignTo(&record.Result.Payload); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	return record, nil
}

// Cleanup removes every record older than lifespan.
func (s *PostgresStore) Cleanup(ctx context.Context, lifespan time.Duration) error {
	_, err := s.db.Exec(ctx, `DELETE FROM task_results WHERE recorded_at <= $1`, s.clock.Now().Add(-lifespan))
	if err != nil {
		return errors.WithStack(err)
	}
	s.cache.Purge()
	return nil
}

// PeriodicCleanup starts a goroutine that runs Cleanup every interval until ctx is cancelled.
func (s *PostgresStore) PeriodicCleanup(ctx context.Context, interval time.Duration, lifespan time.Duration) {
	log := logrus.StandardLogger().WithField("service", "ResultStoreCleanup")
	log.Info("service started")
	ticker := s.clock.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				start := s.clock.Now()
				err := s.Cleanup(ctx, lifespan)
				if err != nil {
					logging.WithStacktrace(log, err).WithField("delay", s.clock.Since(start)).Warn("cleanup failed")
				} else {
					log.WithField("delay", s.clock.Since(start)).Info("cleanup succeeded")
				}
			}
		}
	}()
}

func (s *PostgresStore) Check() error {
	return errors.WithStack(s.db.Ping(context.Background()))
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}
