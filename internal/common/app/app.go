package app

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/G-Research/taskrelay/internal/common/relaycontext"
)

// CreateContextWithShutdown returns a context that is cancelled when SIGINT or SIGTERM is received.
func CreateContextWithShutdown() *relaycontext.Context {
	ctx, cancel := relaycontext.WithCancel(relaycontext.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-c:
			ctx.Log.Infof("received %s, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(c)
	}()
	return ctx
}
