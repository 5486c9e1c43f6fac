package resultstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/G-Research/taskrelay/internal/task"
)

const resultKeyPrefix = "TaskResult:"

// RedisStore keeps one hash per task identity. Records expire after ttl when ttl is positive.
type RedisStore struct {
	db    redis.UniversalClient
	ttl   time.Duration
	clock clock.PassiveClock
}

func NewRedisStore(db redis.UniversalClient, ttl time.Duration, clk clock.PassiveClock) *RedisStore {
	return &RedisStore{db: db, ttl: ttl, clock: clk}
}

func (s *RedisStore) Put(_ context.Context, taskIdentity string, queue string, result *task.Result) error {
	payload, err := json.Marshal(result.Payload)
	if err != nil {
		return errors.WithStack(err)
	}
	key := resultKeyPrefix + taskIdentity

	pipe := s.db.TxPipeline()
	pipe.Del(key)
	pipe.HMSet(key, map[string]interface{}{
		"queue":       queue,
		"state":       string(result.State),
		"message":     result.Message,
		"payload":     string(payload),
		"recorded_at": s.clock.Now().UTC().Format(time.RFC3339Nano),
	})
	if s.ttl > 0 {
		pipe.Expire(key, s.ttl)
	}
	_, err = pipe.Exec()
	return errors.WithStack(err)
}

func (s *RedisStore) Get(_ context.Context, taskIdentity string) (*Record, error) {
	values, err := s.db.HGetAll(resultKeyPrefix + taskIdentity).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if len(values) == 0 {
		return nil, notFound(taskIdentity)
	}

	record := &Record{
		TaskIdentity: taskIdentity,
		Queue:        values["queue"],
		Result: task.Result{
			State:   task.State(values["state"]),
			Message: values["message"],
		},
	}
	if p := values["payload"]; p != "" && p != "null" {
		if err := json.Unmarshal([]byte(p), &record.Result.Payload); err != nil {
			return nil, errors.Wrapf(err, "error decoding payload of %s", taskIdentity)
		}
	}
	if record.RecordedAt, err = time.Parse(time.RFC3339Nano, values["recorded_at"]); err != nil {
		return nil, errors.Wrapf(err, "error decoding recorded_at of %s", taskIdentity)
	}
	return record, nil
}

func (s *RedisStore) Check() error {
	return errors.WithStack(s.db.Ping().Err())
}

func (s *RedisStore) Close() error {
	return errors.WithStack(s.db.Close())
}
