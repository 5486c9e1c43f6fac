package main

import (
	"os"

	"github.com/G-Research/taskrelay/cmd/taskctl/cmd"
	"github.com/G-Research/taskrelay/internal/common"
)

func main() {
	common.ConfigureCommandLineLogging()
	if err := cmd.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
