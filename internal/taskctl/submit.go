package taskctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"

	"github.com/G-Research/taskrelay/internal/common/relayerrors"
	"github.com/G-Research/taskrelay/internal/task"
	"github.com/G-Research/taskrelay/pkg/client"
)

// Submit sends each descriptor to the gateway in order and prints the replies. It stops at the first
// descriptor that cannot be delivered; rejections by the gateway are printed and do not stop it.
func (a *App) Submit(ctx context.Context, descriptors []task.Descriptor) error {
	rejected := 0
	for _, descriptor := range descriptors {
		response, err := client.SubmitWithDetails(ctx, a.Params.ConnectionDetails, descriptor)
		if err != nil {
			return errors.WithMessagef(err, "error submitting task of type %s", descriptor.Type())
		}
		if response.IsAccepted() {
			fmt.Fprintf(a.Out, "Submitted task %s to queue %s\n", response.TaskIdentity, response.Queue)
			continue
		}
		rejected++
		fmt.Fprintf(a.Out, "Task of type %s rejected: %s\n", descriptor.Type(), response.Message)
	}
	if rejected > 0 {
		return errors.Errorf("%d of %d tasks rejected", rejected, len(descriptors))
	}
	return nil
}

// ReadSubmitFile reads the descriptors in the YAML or JSON file at path.
func ReadSubmitFile(path string) ([]task.Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return ParseSubmitFile(data)
}

// ParseSubmitFile reads descriptors from a YAML or JSON document. Numbers are kept as json.Number so that
// they reach the gateway exactly as written.
func ParseSubmitFile(data []byte) ([]task.Descriptor, error) {
	jsonData, err := yaml.YAMLToJSON(data)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var document map[string]interface{}
	decoder := json.NewDecoder(bytes.NewReader(jsonData))
	decoder.UseNumber()
	if err := decoder.Decode(&document); err != nil {
		return nil, errors.WithStack(err)
	}
	tasks, ok := document["tasks"]
	if !ok {
		if len(document) == 0 {
			return nil, errors.WithStack(&relayerrors.ErrInvalidArgument{Name: "file", Value: "", Message: "no task found"})
		}
		return []task.Descriptor{document}, nil
	}
	list, ok := tasks.([]interface{})
	if !ok || len(list) == 0 {
		return nil, errors.WithStack(&relayerrors.ErrInvalidArgument{Name: "tasks", Value: tasks, Message: "no task found"})
	}
	descriptors := make([]task.Descriptor, 0, len(list))
	for i, item := range list {
		fields, ok := item.(map[string]interface{})
		if !ok {
			return nil, errors.WithStack(&relayerrors.ErrInvalidArgument{
				Name:    fmt.Sprintf("tasks[%d]", i),
				Value:   item,
				Message: "task must be a mapping",
			})
		}
		descriptors = append(descriptors, fields)
	}
	return descriptors, nil
}

// DescriptorFromFields builds a descriptor of taskType from key=value pairs.
func DescriptorFromFields(taskType string, fields []string) (task.Descriptor, error) {
	descriptor := task.Descriptor{"type": taskType}
	for _, field := range fields {
		key, value, ok := strings.Cut(field, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, errors.WithStack(&relayerrors.ErrInvalidArgument{
				Name:    "field",
				Value:   field,
				Message: "must have the form key=value",
			})
		}
		descriptor[strings.TrimSpace(key)] = value
	}
	return descriptor, nil
}
