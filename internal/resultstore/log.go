package resultstore

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/taskrelay/internal/task"
)

const defaultLogStoreRetention = time.Hour

// LogStore logs every result and remembers it in memory for the retention period, so that results
// can be looked up from the worker process without external storage.
type LogStore struct {
	recent *cache.Cache
	clock  clock.PassiveClock
}

func NewLogStore(retention time.Duration, clk clock.PassiveClock) *LogStore {
	if retention <= 0 {
		retention = defaultLogStoreRetention
	}
	return &LogStore{
		recent: cache.New(retention, retention),
		clock:  clk,
	}
}

func (s *LogStore) Put(_ context.Context, taskIdentity string, queue string, result *task.Result) error {
	record := &Record{
		TaskIdentity: taskIdentity,
		Queue:        queue,
		Result:       *result,
		RecordedAt:   s.clock.Now(),
	}
	s.recent.SetDefault(taskIdentity, record)
	log.WithFields(log.Fields{
		"task_identity": taskIdentity,
		"queue":         queue,
		"state":         result.State,
	}).Infof("task result: %s", result.Message)
	return nil
}

func (s *LogStore) Get(_ context.Context, taskIdentity string) (*Record, error) {
	if record, ok := s.recent.Get(taskIdentity); ok {
		return record.(*Record), nil
	}
	return nil, notFound(taskIdentity)
}

func (s *LogStore) Close() error {
	s.recent.Flush()
	return nil
}
