package task

import (
	"encoding/json"

	"github.com/pkg/errors"
)

type State string

const (
	StateCompleted State = "completed"
	StateError     State = "error"
)

// Result is what an executor reports for a task. A Result with StateError is a business failure:
// it has been handled and is not retried.
type Result struct {
	State   State                  `json:"state"`
	Message string                 `json:"message,omitempty"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

func Completed(message string, payload map[string]interface{}) *Result {
	return &Result{State: StateCompleted, Message: message, Payload: payload}
}

func Failed(message string) *Result {
	return &Result{State: StateError, Message: message}
}

func (r *Result) Marshal() ([]byte, error) {
	data, err := json.Marshal(r)
	return data, errors.WithStack(err)
}

func UnmarshalResult(data []byte) (*Result, error) {
	r := &Result{}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, errors.WithStack(err)
	}
	return r, nil
}
