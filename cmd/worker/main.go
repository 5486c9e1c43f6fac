package main

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/G-Research/taskrelay/internal/common"
	"github.com/G-Research/taskrelay/internal/common/app"
	"github.com/G-Research/taskrelay/internal/common/logging"
	"github.com/G-Research/taskrelay/internal/configuration"
	"github.com/G-Research/taskrelay/internal/worker"
)

const CustomConfigLocation string = "config"

func init() {
	pflag.StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)",
	)
	pflag.Parse()
}

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()

	var config configuration.WorkerConfiguration
	userSpecifiedConfigs := viper.GetStringSlice(CustomConfigLocation)
	common.LoadConfig(&config, "./config/worker", userSpecifiedConfigs)

	ctx := app.CreateContextWithShutdown()
	if err := worker.Run(ctx, config); err != nil {
		logging.WithStacktrace(ctx.Log, err).Fatal("worker stopped with an error")
	}
}
