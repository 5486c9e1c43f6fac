package executor

import (
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/G-Research/taskrelay/internal/common/relaycontext"
	"github.com/G-Research/taskrelay/internal/resultstore"
	"github.com/G-Research/taskrelay/internal/task"
)

// Recording stores the Result of the wrapped executor before returning it, so that business failures
// are visible to whoever polls the result store. Failing to store the result is an infrastructural error.
type Recording struct {
	inner Executor
	store resultstore.Store
	queue string
}

func NewRecording(inner Executor, store resultstore.Store, queue string) *Recording {
	return &Recording{inner: inner, store: store, queue: queue}
}

func (r *Recording) Execute(ctx *relaycontext.Context, descriptor task.Descriptor) (*task.Result, error) {
	result, err := r.inner.Execute(ctx, descriptor)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, errors.Errorf("executor for %s returned neither a result nor an error", descriptor.Type())
	}
	if err := r.store.Put(ctx, descriptor.Identity(), r.queue, result); err != nil {
		return nil, errors.WithMessagef(err, "error recording result of %s", descriptor.Identity())
	}
	return result, nil
}

// Defaults returns the executor for every built-in task type.
func Defaults(storagePrefix string, clk clock.PassiveClock) map[string]Executor {
	return map[string]Executor{
		"settlement":          Settlement{},
		"report":              NewReport(storagePrefix),
		"bank_file":           NewBankFile(storagePrefix, clk),
		"social_contribution": NewSocialContribution(storagePrefix),
	}
}

// ForQueue builds the Registry for the task types routed to queue, each wrapped so that its results are recorded.
func ForQueue(queue string, types []string, executors map[string]Executor, store resultstore.Store) (*Registry, error) {
	selected := make(map[string]Executor, len(types))
	for _, t := range types {
		e, ok := executors[t]
		if !ok {
			return nil, errors.Errorf("no executor for task type %s routed to queue %s", t, queue)
		}
		selected[t] = NewRecording(e, store, queue)
	}
	return NewRegistry(selected)
}
