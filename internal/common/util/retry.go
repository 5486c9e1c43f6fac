package util

import (
	"time"

	"k8s.io/utils/clock"

	"github.com/G-Research/taskrelay/internal/common/relaycontext"
)

// RetryUntilSuccess calls performAction until it returns nil or ctx is done, calling onError after each failure.
// backoff is waited out on clk between attempts; pass zero to retry immediately.
func RetryUntilSuccess(ctx *relaycontext.Context, performAction func() error, onError func(error), backoff time.Duration, clk clock.Clock) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		err := performAction()
		if err == nil {
			return
		}
		onError(err)
		if backoff > 0 {
			select {
			case <-ctx.Done():
				return
			case <-clk.After(backoff):
			}
		}
	}
}
