package main

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/G-Research/taskrelay/internal/common"
	"github.com/G-Research/taskrelay/internal/common/app"
	"github.com/G-Research/taskrelay/internal/common/logging"
	"github.com/G-Research/taskrelay/internal/configuration"
	"github.com/G-Research/taskrelay/internal/standalone"
)

const (
	GatewayConfigLocation string = "gatewayConfig"
	WorkerConfigLocation  string = "workerConfig"
)

func init() {
	pflag.StringSlice(GatewayConfigLocation, []string{}, "Fully qualified path to gateway configuration file (repeatable)")
	pflag.StringSlice(WorkerConfigLocation, []string{}, "Fully qualified path to worker configuration file (repeatable)")
	pflag.Parse()
}

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()

	var gatewayConfig configuration.GatewayConfiguration
	common.LoadConfig(&gatewayConfig, "./config/gateway", viper.GetStringSlice(GatewayConfigLocation))
	var workerConfig configuration.WorkerConfiguration
	common.LoadConfig(&workerConfig, "./config/worker", viper.GetStringSlice(WorkerConfigLocation))

	ctx := app.CreateContextWithShutdown()
	if err := standalone.Run(ctx, gatewayConfig, workerConfig); err != nil {
		logging.WithStacktrace(ctx.Log, err).Fatal("standalone stopped with an error")
	}
}
