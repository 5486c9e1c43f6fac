// Package worker runs one worker pool for each configured queue.
package worker

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"

	"github.com/G-Research/taskrelay/internal/broker"
	"github.com/G-Research/taskrelay/internal/broker/brokers"
	"github.com/G-Research/taskrelay/internal/common"
	"github.com/G-Research/taskrelay/internal/common/health"
	"github.com/G-Research/taskrelay/internal/common/logging"
	"github.com/G-Research/taskrelay/internal/common/relaycontext"
	"github.com/G-Research/taskrelay/internal/configuration"
	"github.com/G-Research/taskrelay/internal/executor"
	"github.com/G-Research/taskrelay/internal/resultstore"
	"github.com/G-Research/taskrelay/internal/routing"
	"github.com/G-Research/taskrelay/internal/workerpool"
)

// Run opens the broker and result store and drains every configured queue until ctx is cancelled
// or one of the pools fails.
func Run(ctx *relaycontext.Context, config configuration.WorkerConfiguration) error {
	if err := config.Validate(); err != nil {
		return err
	}

	startupCompleteCheck := &health.StartupCompleteChecker{}
	healthChecks := health.NewMultiChecker(startupCompleteCheck)
	shutdownMetricServer := common.ServeMetrics(config.MetricsPort, healthChecks)
	defer shutdownMetricServer()

	routes, err := routing.NewTable(config.Routes)
	if err != nil {
		return err
	}
	for _, queue := range UndrainedQueues(routes, config) {
		ctx.Log.Warnf("task types are routed to queue %s but this worker has no pool for it", queue)
	}

	b, err := brokers.New(ctx, config.Broker)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			logging.WithStacktrace(ctx.Log, err).Error("error closing broker")
		}
	}()
	if checker, ok := b.(health.Checker); ok {
		healthChecks.Add(checker)
	}

	store, err := resultstore.New(ctx, config.ResultStore, clock.RealClock{})
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.WithStacktrace(ctx.Log, err).Error("error closing result store")
		}
	}()
	if checker, ok := store.(health.Checker); ok {
		healthChecks.Add(checker)
	}

	pools, err := NewPools(
		config,
		routes,
		b,
		executor.Defaults(config.Storage.Prefix, clock.RealClock{}),
		store,
		workerpool.NewMetrics(workerpool.MetricsPrefix, prometheus.DefaultRegisterer),
		clock.RealClock{},
	)
	if err != nil {
		return err
	}

	startupCompleteCheck.MarkComplete()
	return RunPools(ctx, pools)
}

// RunPools runs every pool until ctx is cancelled. The first pool to fail stops the others.
func RunPools(ctx *relaycontext.Context, pools []*workerpool.Pool) error {
	g, gctx := relaycontext.ErrGroup(ctx)
	for _, pool := range pools {
		pool := pool
		g.Go(func() error {
			return pool.Run(gctx)
		})
	}
	return g.Wait()
}

// UndrainedQueues returns the queues of routes, sorted, that have no entry in config.Queues.
func UndrainedQueues(routes *routing.Table, config configuration.WorkerConfiguration) []string {
	var undrained []string
	for _, queue := range routes.Queues() {
		if _, ok := config.Queues[queue]; !ok {
			undrained = append(undrained, queue)
		}
	}
	return undrained
}

// NewPools builds a Pool for each configured queue, in queue name order. Each pool's registry holds the
// executors for exactly the task types routed to its queue.
func NewPools(
	config configuration.WorkerConfiguration,
	routes *routing.Table,
	b broker.Broker,
	executors map[string]executor.Executor,
	store resultstore.Store,
	metrics *workerpool.Metrics,
	clk clock.WithTicker,
) ([]*workerpool.Pool, error) {
	queues := maps.Keys(config.Queues)
	slices.Sort(queues)

	pools := make([]*workerpool.Pool, 0, len(queues))
	for _, queue := range queues {
		types := routes.TypesFor(queue)
		if len(types) == 0 {
			return nil, errors.Errorf("no task type is routed to queue %s", queue)
		}
		registry, err := executor.ForQueue(queue, types, executors, store)
		if err != nil {
			return nil, err
		}
		q := config.Queues[queue]
		pools = append(pools, workerpool.New(
			queue,
			q.PoolSize,
			q.TaskTimeout,
			q.MaxAttempts,
			q.AckRetryBackoff,
			config.DeadLetterSuffix,
			config.ShutdownTimeout,
			config.DepthPollInterval,
			b,
			registry,
			metrics,
			clk,
		))
	}
	return pools, nil
}
