package routing

import (
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/G-Research/taskrelay/internal/common/relayerrors"
)

// DefaultRoutes is the type to queue mapping used when no override is configured.
var DefaultRoutes = map[string]string{
	"settlement":          "liquidacion",
	"report":              "reportes",
	"bank_file":           "archivos_bancarios",
	"social_contribution": "cargas_sociales",
}

// Table maps a task type to the queue it is published on. It is immutable once built.
type Table struct {
	routes map[string]string
	queues []string
	types  []string
}

// NewTable builds a Table from routes, or from DefaultRoutes if routes is empty.
// Empty types or queue names are rejected.
func NewTable(routes map[string]string) (*Table, error) {
	if len(routes) == 0 {
		routes = DefaultRoutes
	}
	t := &Table{routes: make(map[string]string, len(routes))}
	queues := make(map[string]bool)
	for taskType, queue := range routes {
		if strings.TrimSpace(taskType) == "" {
			return nil, &relayerrors.ErrInvalidArgument{Name: "routes", Value: taskType, Message: "task type must not be empty"}
		}
		if strings.TrimSpace(queue) == "" {
			return nil, &relayerrors.ErrInvalidArgument{Name: "routes." + taskType, Value: queue, Message: "queue name must not be empty"}
		}
		t.routes[taskType] = queue
		queues[queue] = true
	}
	t.types = maps.Keys(t.routes)
	slices.Sort(t.types)
	t.queues = maps.Keys(queues)
	slices.Sort(t.queues)
	return t, nil
}

// Default returns the table built from DefaultRoutes.
func Default() *Table {
	t, err := NewTable(DefaultRoutes)
	if err != nil {
		panic(err)
	}
	return t
}

// Resolve returns the queue for taskType and whether one exists.
func (t *Table) Resolve(taskType string) (string, bool) {
	queue, ok := t.routes[taskType]
	return queue, ok
}

// Queues returns every distinct queue name, sorted.
func (t *Table) Queues() []string {
	return append([]string(nil), t.queues...)
}

// Types returns every routed task type, sorted.
func (t *Table) Types() []string {
	return append([]string(nil), t.types...)
}

// TypesFor returns the task types routed to queue, sorted.
func (t *Table) TypesFor(queue string) []string {
	var types []string
	for _, taskType := range t.types {
		if t.routes[taskType] == queue {
			types = append(types, taskType)
		}
	}
	return types
}
