package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"

	"github.com/G-Research/taskrelay/internal/broker"
	"github.com/G-Research/taskrelay/internal/broker/brokers"
	"github.com/G-Research/taskrelay/internal/common"
	"github.com/G-Research/taskrelay/internal/common/health"
	"github.com/G-Research/taskrelay/internal/common/logging"
	"github.com/G-Research/taskrelay/internal/common/relaycontext"
	"github.com/G-Research/taskrelay/internal/configuration"
	"github.com/G-Research/taskrelay/internal/routing"
	"github.com/G-Research/taskrelay/internal/task"
)

// Run opens the configured broker and serves the gateway until ctx is cancelled.
func Run(ctx *relaycontext.Context, config configuration.GatewayConfiguration) error {
	if err := config.Validate(); err != nil {
		return err
	}

	startupCompleteCheck := &health.StartupCompleteChecker{}
	healthChecks := health.NewMultiChecker(startupCompleteCheck)
	shutdownMetricServer := common.ServeMetrics(config.MetricsPort, healthChecks)
	defer shutdownMetricServer()

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

	server, err := NewFromConfig(config, b)
	if err != nil {
		return err
	}

	startupCompleteCheck.MarkComplete()
	return server.Run(ctx)
}

// NewFromConfig builds a Server publishing to b, with metrics on the default registry.
func NewFromConfig(config configuration.GatewayConfiguration, b broker.Broker) (*Server, error) {
	routes, err := routing.NewTable(config.Routes)
	if err != nil {
		return nil, err
	}
	return New(
		config,
		b,
		routes,
		task.NewIdentityGenerator(clock.RealClock{}),
		NewMetrics(MetricsPrefix, prometheus.DefaultRegisterer),
		clock.RealClock{},
	)
}
