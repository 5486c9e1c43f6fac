// Package broker defines the durable queue contract that the gateway publishes to and worker pools consume from.
//
// Delivery is at-least-once: a message handed to a consumer stays owned by the broker until it is acked,
// and is handed out again if the consumer nacks it with requeue or goes away without disposing of it.
package broker

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"
)

var (
	// ErrAlreadyDisposed is returned when Ack or Nack is called on a Delivery that was already disposed of.
	ErrAlreadyDisposed = errors.New("delivery already disposed")
	// ErrClosed is returned by operations on a closed Broker or Consumer.
	ErrClosed = errors.New("broker closed")
)

type Broker interface {
	// Declare creates queue if it does not exist. It is idempotent and safe to call concurrently.
	Declare(ctx context.Context, queue string) error
	// Publish stores payload on queue. Once Publish returns nil the message survives a broker restart.
	Publish(ctx context.Context, queue string, payload []byte) error
	// Consume attaches a new competing consumer to queue that holds at most prefetch un-disposed deliveries.
	Consume(ctx context.Context, queue string, prefetch int) (Consumer, error)
	Close() error
}

type Consumer interface {
	// Receive blocks until a delivery is available, ctx is done or the consumer is closed.
	Receive(ctx context.Context) (Delivery, error)
	// Close detaches the consumer. Deliveries it has not disposed of are redelivered.
	Close() error
}

type Delivery interface {
	Payload() []byte
	// Attempt is 1 on first delivery and grows by one on every redelivery.
	Attempt() int
	Ack() error
	Nack(requeue bool) error
}

// DepthReporter is implemented by brokers that can count the messages ready for delivery on a queue.
type DepthReporter interface {
	Depth(ctx context.Context, queue string) (int, error)
}

// DispositionGuard lets a Delivery implementation enforce that exactly one of Ack or Nack takes effect.
type DispositionGuard struct {
	disposed int32
}

// Claim returns nil the first time it is called and ErrAlreadyDisposed afterwards.
func (g *DispositionGuard) Claim() error {
	if !atomic.CompareAndSwapInt32(&g.disposed, 0, 1) {
		return ErrAlreadyDisposed
	}
	return nil
}

// Release undoes a Claim whose disposition failed, so that the caller may retry it.
func (g *DispositionGuard) Release() {
	atomic.StoreInt32(&g.disposed, 0)
}

// Disposed reports whether a disposition has been claimed.
func (g *DispositionGuard) Disposed() bool {
	return atomic.LoadInt32(&g.disposed) == 1
}
