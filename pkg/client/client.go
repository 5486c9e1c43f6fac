// Package client submits task descriptors to a gateway.
package client

import (
	"bufio"
	"context"
	"net"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/taskrelay/internal/configuration"
	"github.com/G-Research/taskrelay/internal/framing"
	"github.com/G-Research/taskrelay/internal/task"
	"github.com/G-Research/taskrelay/pkg/api"
)

const (
	DefaultGatewayAddress = "localhost:5000"
	DefaultTimeout        = 10 * time.Second
	defaultMaxFrameBytes  = 1 << 20
)

// ErrNoResponse is returned when the gateway closes the connection without replying, which it does for
// empty requests and requests it could not read.
var ErrNoResponse = errors.New("gateway closed the connection without a response")

type ConnectionDetails struct {
	GatewayAddress string
	// Framing must match the gateway's framing mode.
	Framing       string
	MaxFrameBytes int
	Timeout       time.Duration
	// Retries is the number of further attempts made when the gateway is busy or unreachable.
	Retries      uint
	RetryBackoff time.Duration
}

// Submit sends descriptor over a new connection to address and returns the gateway's reply.
func Submit(ctx context.Context, address string, framingMode string, descriptor task.Descriptor) (*api.Response, error) {
	return SubmitWithDetails(ctx, &ConnectionDetails{GatewayAddress: address, Framing: framingMode}, descriptor)
}

// SubmitWithDetails is Submit with the timeout and retry behaviour of details. A busy reply is retried; any
// other reply, accepted or not, is returned as is.
func SubmitWithDetails(ctx context.Context, details *ConnectionDetails, descriptor task.Descriptor) (*api.Response, error) {
	body, err := descriptor.Marshal()
	if err != nil {
		return nil, err
	}
	maxFrameBytes := details.MaxFrameBytes
	if maxFrameBytes <= 0 {
		maxFrameBytes = defaultMaxFrameBytes
	}
	framer, err := framing.New(details.Framing, maxFrameBytes, maxFrameBytes)
	if err != nil {
		return nil, err
	}

	var response *api.Response
	err = retry.Do(
		func() error {
			r, err := exchange(ctx, details, framer, body)
			response = r
			if err != nil {
				return err
			}
			if isBusy(r) {
				return errors.New(api.MessageServerBusy)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(details.Retries+1),
		retry.Delay(retryBackoff(details)),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, ErrNoResponse)
		}),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).Debugf("Submission attempt %d failed; retrying", n+1)
		}),
	)
	if isBusy(response) {
		// Out of retries; the busy reply is still the gateway's answer.
		return response, nil
	}
	if err != nil {
		return nil, err
	}
	return response, nil
}

func exchange(ctx context.Context, details *ConnectionDetails, framer framing.Framer, body []byte) (*api.Response, error) {
	timeout := details.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address(details))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := framer.WriteFrame(conn, body); err != nil {
		return nil, err
	}
	if details.Framing == configuration.FramingSingleRead {
		// The gateway replies after one read; half-closing tells it nothing more is coming.
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.CloseWrite()
		}
	}

	reply, err := framer.ReadFrame(bufio.NewReader(conn))
	if err != nil {
		return nil, err
	}
	if len(reply) == 0 {
		return nil, errors.WithStack(ErrNoResponse)
	}
	return api.UnmarshalResponse(reply)
}

func isBusy(response *api.Response) bool {
	return response != nil && response.Status == api.StatusError && response.Message == api.MessageServerBusy
}

func address(details *ConnectionDetails) string {
	if details.GatewayAddress == "" {
		return DefaultGatewayAddress
	}
	return details.GatewayAddress
}

func retryBackoff(details *ConnectionDetails) time.Duration {
	if details.RetryBackoff <= 0 {
		return 100 * time.Millisecond
	}
	return details.RetryBackoff
}
