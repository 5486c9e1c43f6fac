package api

import (
	"encoding/json"

	"github.com/pkg/errors"
)

const (
	StatusAccepted = "accepted"
	StatusError    = "error"
)

// Messages returned in a Response with StatusError.
const (
	MessageInvalidFormat   = "invalid format"
	MessageMissingType     = "missing type field"
	MessageInvalidTaskType = "invalid task type: "
	MessageEnqueueFailed   = "enqueue failed"
	MessageServerBusy      = "server busy"
)

// Response is the single reply the gateway writes on a connection.
type Response struct {
	Status       string `json:"status"`
	Message      string `json:"message,omitempty"`
	TaskIdentity string `json:"task_identity,omitempty"`
	Queue        string `json:"queue,omitempty"`
}

func Accepted(taskIdentity string, queue string) *Response {
	return &Response{Status: StatusAccepted, TaskIdentity: taskIdentity, Queue: queue}
}

func Error(message string) *Response {
	return &Response{Status: StatusError, Message: message}
}

func (r *Response) IsAccepted() bool {
	return r.Status == StatusAccepted
}

func (r *Response) Marshal() ([]byte, error) {
	data, err := json.Marshal(r)
	return data, errors.WithStack(err)
}

func UnmarshalResponse(data []byte) (*Response, error) {
	r := &Response{}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, errors.WithStack(err)
	}
	return r, nil
}
