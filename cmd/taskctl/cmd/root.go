package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/G-Research/taskrelay/internal/common"
	"github.com/G-Research/taskrelay/internal/configuration"
	"github.com/G-Research/taskrelay/internal/taskctl"
	"github.com/G-Research/taskrelay/pkg/client"
)

const (
	gatewayFlag      = "gateway"
	framingFlag      = "framing"
	timeoutFlag      = "timeout"
	retriesFlag      = "retries"
	retryBackoffFlag = "retryBackoff"
)

// RootCmd is the root Cobra command that gets called from the main func.
// All other sub-commands should be registered here.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "taskctl",
		Short:        "taskctl submits tasks to a taskrelay gateway.",
		SilenceUsage: true,
	}

	flags := cmd.PersistentFlags()
	flags.String(gatewayFlag, client.DefaultGatewayAddress, "address of the gateway")
	flags.String(framingFlag, configuration.FramingLengthPrefixed, "framing used by the gateway: length-prefixed, newline or single-read")
	flags.Duration(timeoutFlag, client.DefaultTimeout, "timeout for each submission")
	flags.Uint(retriesFlag, 3, "number of retries while the gateway is busy or unreachable")
	flags.Duration(retryBackoffFlag, client.DefaultTimeout/100, "initial delay between retries")
	for _, name := range []string{gatewayFlag, framingFlag, timeoutFlag, retriesFlag, retryBackoffFlag} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
	viper.SetEnvPrefix(common.EnvPrefix)
	viper.AutomaticEnv()

	cmd.AddCommand(submitCmd(taskctl.New()))
	return cmd
}

func initParams(params *taskctl.Params) {
	params.ConnectionDetails = &client.ConnectionDetails{
		GatewayAddress: viper.GetString(gatewayFlag),
		Framing:        viper.GetString(framingFlag),
		Timeout:        viper.GetDuration(timeoutFlag),
		Retries:        viper.GetUint(retriesFlag),
		RetryBackoff:   viper.GetDuration(retryBackoffFlag),
	}
}
