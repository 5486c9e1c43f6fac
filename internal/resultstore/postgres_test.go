package resultstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/G-Research/taskrelay/internal/common/database"
	"github.com/G-Research/taskrelay/internal/common/relayerrors"
	"github.com/G-Research/taskrelay/internal/task"
)

func withPostgresStore(t *testing.T, action func(s *PostgresStore, fakeClock *clock.FakeClock)) {
	t.Helper()
	if _, ok := database.TestConnectionString(); !ok {
		t.Skipf("%s not set", database.TestConnectionEnvVar)
	}
	migrations, err := Migrations()
	require.NoError(t, err)
	err = database.WithTestDb(migrations, func(db *pgxpool.Pool) error {
		fakeClock := clock.NewFakeClock(testTime)
		store, err := NewPostgresStore(db, 16, fakeClock)
		require.NoError(t, err)
		action(store, fakeClock)
		return nil
	})
	require.NoError(t, err)
}

func TestMigrations(t *testing.T) {
	migrations, err := Migrations()
	require.NoError(t, err)
	assert.Len(t, migrations, 2)
}

func TestNewPostgresStore_NilDb(t *testing.T) {
	_, err := NewPostgresStore(nil, 0, clock.NewFakeClock(testTime))
	assert.True(t, relayerrors.IsInvalidArgument(err))
}

func TestPostgresStore_CacheIsSafeForConcurrentUse(t *testing.T) {
	cache, err := newRecordCache(0)
	require.NoError(t, err)
	s := &PostgresStore{cache: cache, clock: clock.NewFakeClock(testTime)}
	record := &Record{TaskIdentity: "settlement_0", Queue: "liquidacion", Result: *task.Completed("ok", nil)}
	s.cache.Add(record.TaskIdentity, record)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				identity := fmt.Sprintf("settlement_%d_%d", i, j%16)
				s.cache.Add(identity, &Record{TaskIdentity: identity})
				s.cache.Add(record.TaskIdentity, record)
				got, err := s.Get(context.Background(), record.TaskIdentity)
				if assert.NoError(t, err) {
					assert.Equal(t, record.TaskIdentity, got.TaskIdentity)
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 8*16+1, s.cache.Len())
}

func TestPostgresStore_PutGet(t *testing.T) {
	withPostgresStore(t, func(s *PostgresStore, _ *clock.FakeClock) {
		ctx := context.Background()
		result := task.Completed("settlement processed", map[string]interface{}{"net": 830.0})
		require.NoError(t, s.Put(ctx, "settlement_1", "liquidacion", result))

		// Bypass the cache so that the row itself is read back.
		s.cache.Purge()
		record, err := s.Get(ctx, "settlement_1")
		require.NoError(t, err)
		assert.Equal(t, "liquidacion", record.Queue)
		assert.Equal(t, *result, record.Result)
		assert.True(t, testTime.Equal(record.RecordedAt))

		require.NoError(t, s.Put(ctx, "settlement_1", "liquidacion", task.Failed("retried")))
		s.cache.Purge()
		record, err = s.Get(ctx, "settlement_1")
		require.NoError(t, err)
		assert.Equal(t, task.StateError, record.Result.State)
		assert.Nil(t, record.Result.Payload)

		_, err = s.Get(ctx, "missing")
		assert.True(t, relayerrors.IsNotFound(err))
	})
}

func TestPostgresStore_Cleanup(t *testing.T) {
	withPostgresStore(t, func(s *PostgresStore, fakeClock *clock.FakeClock) {
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, "old", "reportes", task.Completed("done", nil)))
		fakeClock.Step(2 * time.Hour)
		require.NoError(t, s.Put(ctx, "new", "reportes", task.Completed("done", nil)))

		require.NoError(t, s.Cleanup(ctx, time.Hour))

		_, err := s.Get(ctx, "old")
		assert.True(t, relayerrors.IsNotFound(err))
		_, err = s.Get(ctx, "new")
		assert.NoError(t, err)
	})
}
