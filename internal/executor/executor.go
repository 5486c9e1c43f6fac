// Package executor holds the business logic run for each task type.
//
// An executor reports business failures (bad input, missing data) as a Result with StateError; those
// tasks are acknowledged and never retried. Returning an error instead signals an infrastructural
// failure, and the task is requeued.
package executor

import (
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/G-Research/taskrelay/internal/common/relaycontext"
	"github.com/G-Research/taskrelay/internal/common/relayerrors"
	"github.com/G-Research/taskrelay/internal/task"
)

type Executor interface {
	Execute(ctx *relaycontext.Context, descriptor task.Descriptor) (*task.Result, error)
}

type Func func(ctx *relaycontext.Context, descriptor task.Descriptor) (*task.Result, error)

func (f Func) Execute(ctx *relaycontext.Context, descriptor task.Descriptor) (*task.Result, error) {
	return f(ctx, descriptor)
}

// Registry maps task types to their executor. It is not modified after construction.
type Registry struct {
	executors map[string]Executor
}

func NewRegistry(executors map[string]Executor) (*Registry, error) {
	copied := make(map[string]Executor, len(executors))
	for taskType, e := range executors {
		if taskType == "" || e == nil {
			return nil, errors.WithStack(&relayerrors.ErrInvalidArgument{
				Name:    "executors",
				Value:   taskType,
				Message: "task type and executor must be set",
			})
		}
		copied[taskType] = e
	}
	return &Registry{executors: copied}, nil
}

func (r *Registry) Lookup(taskType string) (Executor, bool) {
	e, ok := r.executors[taskType]
	return e, ok
}

func (r *Registry) Types() []string {
	types := maps.Keys(r.executors)
	slices.Sort(types)
	return types
}

// decodeFields copies the type-specific fields of descriptor into out, a pointer to a struct tagged with mapstructure.
// Numbers and strings are converted into one another where needed.
func decodeFields(descriptor task.Descriptor, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
		TagName:          "mapstructure",
	})
	if err != nil {
		return errors.WithStack(err)
	}
	return decoder.Decode(descriptor.Fields())
}
