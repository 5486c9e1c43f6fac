// Package standalone runs the gateway and the worker pools in one process over a shared broker, which is
// how the embedded bolt broker is deployed since only one process may hold its file.
package standalone

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"

	"github.com/G-Research/taskrelay/internal/broker/brokers"
	"github.com/G-Research/taskrelay/internal/common"
	"github.com/G-Research/taskrelay/internal/common/health"
	"github.com/G-Research/taskrelay/internal/common/logging"
	"github.com/G-Research/taskrelay/internal/common/relaycontext"
	"github.com/G-Research/taskrelay/internal/common/relayerrors"
	"github.com/G-Research/taskrelay/internal/configuration"
	"github.com/G-Research/taskrelay/internal/executor"
	"github.com/G-Research/taskrelay/internal/gateway"
	"github.com/G-Research/taskrelay/internal/resultstore"
	"github.com/G-Research/taskrelay/internal/routing"
	"github.com/G-Research/taskrelay/internal/worker"
	"github.com/G-Research/taskrelay/internal/workerpool"
)

// Run serves the gateway and drains the worker's queues until ctx is cancelled. The broker, metrics port
// and result store come from the worker configuration; the gateway's broker and metrics port are ignored.
func Run(ctx *relaycontext.Context, gatewayConfig configuration.GatewayConfiguration, workerConfig configuration.WorkerConfiguration) error {
	gatewayConfig.Broker = workerConfig.Broker
	if err := gatewayConfig.Validate(); err != nil {
		return err
	}
	if err := workerConfig.Validate(); err != nil {
		return err
	}
	// Nothing else drains the broker, so every queue the gateway publishes to needs a pool.
	gatewayRoutes, err := routing.NewTable(gatewayConfig.Routes)
	if err != nil {
		return err
	}
	if undrained := worker.UndrainedQueues(gatewayRoutes, workerConfig); len(undrained) > 0 {
		return errors.WithStack(&relayerrors.ErrInvalidArgument{
			Name:    "queues",
			Value:   undrained,
			Message: "every routed queue needs a pool",
		})
	}

	startupCompleteCheck := &health.StartupCompleteChecker{}
	healthChecks := health.NewMultiChecker(startupCompleteCheck)
	shutdownMetricServer := common.ServeMetrics(workerConfig.MetricsPort, healthChecks)
	defer shutdownMetricServer()

	b, err := brokers.New(ctx, workerConfig.Broker)
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

	store, err := resultstore.New(ctx, workerConfig.ResultStore, clock.RealClock{})
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.WithStacktrace(ctx.Log, err).Error("error closing result store")
		}
	}()

	server, err := gateway.NewFromConfig(gatewayConfig, b)
	if err != nil {
		return err
	}
	routes, err := routing.NewTable(workerConfig.Routes)
	if err != nil {
		return err
	}
	pools, err := worker.NewPools(
		workerConfig,
		routes,
		b,
		executor.Defaults(workerConfig.Storage.Prefix, clock.RealClock{}),
		store,
		workerpool.NewMetrics(workerpool.MetricsPrefix, prometheus.DefaultRegisterer),
		clock.RealClock{},
	)
	if err != nil {
		return err
	}

	g, gctx := relaycontext.ErrGroup(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	g.Go(func() error {
		return worker.RunPools(gctx, pools)
	})
	startupCompleteCheck.MarkComplete()
	return g.Wait()
}
