// Package resultstore persists the outcome of every executed task so that it can be looked up by task identity.
package resultstore

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/G-Research/taskrelay/internal/common/relayerrors"
	"github.com/G-Research/taskrelay/internal/task"
)

type Store interface {
	// Put records result for the task, replacing any earlier record for the same identity.
	Put(ctx context.Context, taskIdentity string, queue string, result *task.Result) error
	// Get returns the record for taskIdentity, or an *relayerrors.ErrNotFound.
	Get(ctx context.Context, taskIdentity string) (*Record, error)
	Close() error
}

type Record struct {
	TaskIdentity string
	Queue        string
	Result       task.Result
	RecordedAt   time.Time
}

func notFound(taskIdentity string) error {
	return errors.WithStack(&relayerrors.ErrNotFound{
		Type:  "task result",
		Value: taskIdentity,
	})
}
