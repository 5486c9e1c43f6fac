// Package taskctl implements the commands of the taskctl CLI.
package taskctl

import (
	"io"
	"os"

	"github.com/G-Research/taskrelay/pkg/client"
)

// App holds the state shared by every taskctl command.
type App struct {
	Params *Params
	// Out is where command output is written.
	Out io.Writer
}

type Params struct {
	ConnectionDetails *client.ConnectionDetails
}

func New() *App {
	return &App{
		Params: &Params{ConnectionDetails: &client.ConnectionDetails{}},
		Out:    os.Stdout,
	}
}
