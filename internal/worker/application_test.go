package worker

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"

	"github.com/G-Research/taskrelay/internal/broker/bolt"
	"github.com/G-Research/taskrelay/internal/common/relaycontext"
	"github.com/G-Research/taskrelay/internal/configuration"
	"github.com/G-Research/taskrelay/internal/executor"
	"github.com/G-Research/taskrelay/internal/gateway"
	"github.com/G-Research/taskrelay/internal/resultstore"
	"github.com/G-Research/taskrelay/internal/routing"
	"github.com/G-Research/taskrelay/internal/task"
	"github.com/G-Research/taskrelay/internal/workerpool"
	"github.com/G-Research/taskrelay/pkg/api"
	"github.com/G-Research/taskrelay/pkg/client"
)

func workerConfig(queues ...string) configuration.WorkerConfiguration {
	config := configuration.WorkerConfiguration{
		Queues:            map[string]configuration.QueueConfig{},
		DeadLetterSuffix:  workerpool.DefaultDeadLetterSuffix,
		ShutdownTimeout:   5 * time.Second,
		DepthPollInterval: 50 * time.Millisecond,
	}
	for _, q := range queues {
		config.Queues[q] = configuration.QueueConfig{PoolSize: 2, TaskTimeout: 5 * time.Second, MaxAttempts: 3}
	}
	return config
}

func openBroker(t *testing.T) *bolt.Broker {
	t.Helper()
	b, err := bolt.Open(configuration.BoltConfig{
		Path:         filepath.Join(t.TempDir(), "broker.db"),
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestNewPools(t *testing.T) {
	tests := map[string]struct {
		queues         []string
		routes         map[string]string
		executors      map[string]executor.Executor
		expectedQueues []string
		expectErr      bool
	}{
		"one pool per queue in name order": {
			queues:         []string{"reportes", "liquidacion", "cargas_sociales"},
			expectedQueues: []string{"cargas_sociales", "liquidacion", "reportes"},
		},
		"queue nothing routes to": {
			queues:    []string{"liquidacion", "unrouted"},
			expectErr: true,
		},
		"routed type without an executor": {
			queues:    []string{"liquidacion"},
			routes:    map[string]string{"settlement": "liquidacion", "payroll_audit": "liquidacion"},
			expectErr: true,
		},
		"types sharing a queue": {
			queues:         []string{"batch"},
			routes:         map[string]string{"settlement": "batch", "report": "batch"},
			expectedQueues: []string{"batch"},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			routes, err := routing.NewTable(tc.routes)
			require.NoError(t, err)

			pools, err := NewPools(
				workerConfig(tc.queues...),
				routes,
				openBroker(t),
				executor.Defaults(executor.DefaultStoragePrefix, clock.RealClock{}),
				resultstore.NewLogStore(time.Hour, clock.RealClock{}),
				workerpool.NewMetrics(workerpool.MetricsPrefix, prometheus.NewRegistry()),
				clock.RealClock{},
			)
			if tc.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			queues := make([]string, 0, len(pools))
			for _, p := range pools {
				queues = append(queues, p.Queue())
			}
			assert.Equal(t, tc.expectedQueues, queues)
		})
	}
}

func TestUndrainedQueues(t *testing.T) {
	tests := map[string]struct {
		queues   []string
		routes   map[string]string
		expected []string
	}{
		"every default queue has a pool": {
			queues: []string{"liquidacion", "reportes", "archivos_bancarios", "cargas_sociales"},
		},
		"default queues without pools": {
			queues:   []string{"liquidacion", "reportes"},
			expected: []string{"archivos_bancarios", "cargas_sociales"},
		},
		"override routed to an unconfigured queue": {
			queues:   []string{"liquidacion"},
			routes:   map[string]string{"settlement": "liquidacion", "report": "reportes_v2"},
			expected: []string{"reportes_v2"},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			routes, err := routing.NewTable(tc.routes)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, UndrainedQueues(routes, workerConfig(tc.queues...)))
		})
	}
}

func TestSubmittedTasksAreExecutedAndRecorded(t *testing.T) {
	b := openBroker(t)
	routes := routing.Default()
	store := resultstore.NewLogStore(time.Hour, clock.RealClock{})
	ctx, cancel := relaycontext.WithCancel(relaycontext.Background())
	defer cancel()

	server, err := gateway.New(
		configuration.GatewayConfiguration{
			Framing:                  configuration.FramingLengthPrefixed,
			MaxFrameBytes:            1 << 16,
			ReadBufferSize:           4096,
			MaxConcurrentConnections: 4,
			AcceptBacklog:            10,
			BacklogWaitTimeout:       time.Second,
			ReadTimeout:              5 * time.Second,
			WriteTimeout:             5 * time.Second,
			PublishTimeout:           5 * time.Second,
			ShutdownTimeout:          time.Second,
		},
		b,
		routes,
		task.NewIdentityGenerator(clock.RealClock{}),
		gateway.NewMetrics(gateway.MetricsPrefix, prometheus.NewRegistry()),
		clock.RealClock{},
	)
	require.NoError(t, err)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	pools, err := NewPools(
		workerConfig(routes.Queues()...),
		routes,
		b,
		executor.Defaults(executor.DefaultStoragePrefix, clock.RealClock{}),
		store,
		workerpool.NewMetrics(workerpool.MetricsPrefix, prometheus.NewRegistry()),
		clock.RealClock{},
	)
	require.NoError(t, err)

	g, gctx := relaycontext.ErrGroup(ctx)
	g.Go(func() error { return server.Serve(gctx, listener) })
	for _, pool := range pools {
		pool := pool
		g.Go(func() error { return pool.Run(gctx) })
	}

	tests := map[string]struct {
		descriptor      task.Descriptor
		expectedQueue   string
		expectedState   task.State
		expectedMessage string
	}{
		"settlement": {
			descriptor: task.Descriptor{
				"type":        "settlement",
				"employee_id": "E-1",
				"period":      "2024-05",
				"concepts": []interface{}{
					map[string]interface{}{"kind": "remunerative", "description": "basic", "amount": 1000.0},
				},
			},
			expectedQueue:   "liquidacion",
			expectedState:   task.StateCompleted,
			expectedMessage: "settlement processed",
		},
		"report with missing field": {
			descriptor:      task.Descriptor{"type": "report", "report_kind": "payslip", "period": "2024-05"},
			expectedQueue:   "reportes",
			expectedState:   task.StateError,
			expectedMessage: "missing required field employee_id",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			response, err := client.Submit(context.Background(), listener.Addr().String(), configuration.FramingLengthPrefixed, tc.descriptor)
			require.NoError(t, err)
			require.Equal(t, api.StatusAccepted, response.Status)
			assert.Equal(t, tc.expectedQueue, response.Queue)

			var record *resultstore.Record
			require.Eventually(t, func() bool {
				r, err := store.Get(context.Background(), response.TaskIdentity)
				if err != nil {
					return false
				}
				record = r
				return true
			}, 5*time.Second, 10*time.Millisecond)
			assert.Equal(t, tc.expectedQueue, record.Queue)
			assert.Equal(t, tc.expectedState, record.Result.State)
			assert.Equal(t, tc.expectedMessage, record.Result.Message)
		})
	}

	cancel()
	require.NoError(t, g.Wait())
	for _, queue := range routes.Queues() {
		n, err := b.Depth(context.Background(), queue)
		require.NoError(t, err)
		assert.Zero(t, n, queue)
	}
}
