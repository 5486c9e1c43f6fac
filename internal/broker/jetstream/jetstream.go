// Package jetstream implements broker.Broker on NATS JetStream.
//
// Every queue is a stream with work-queue retention whose only subject is the queue name, drained through one
// durable pull consumer shared by every competing Consumer. Stream and durable names replace "." with "_"
// because JetStream does not allow dots in them.
package jetstream

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/taskrelay/internal/broker"
	"github.com/G-Research/taskrelay/internal/common/relayerrors"
	"github.com/G-Research/taskrelay/internal/configuration"
)

const (
	defaultAckWait      = 30 * time.Second
	defaultFetchTimeout = 5 * time.Second
)

type Broker struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	config configuration.JetstreamConfig
}

func Open(config configuration.JetstreamConfig) (*Broker, error) {
	if len(config.Servers) == 0 {
		return nil, errors.WithStack(&relayerrors.ErrInvalidArgument{
			Name:    "broker.jetstream.servers",
			Value:   config.Servers,
			Message: "at least one server is required",
		})
	}
	if config.ConnTimeout <= 0 {
		config.ConnTimeout = 10 * time.Second
	}
	if config.AckWait <= 0 {
		config.AckWait = defaultAckWait
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = defaultFetchTimeout
	}
	if config.Replicas <= 0 {
		config.Replicas = 1
	}
	conn, err := nats.Connect(
		strings.Join(config.Servers, ","),
		nats.Name("taskrelay"),
		nats.Timeout(config.ConnTimeout),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to NATS")
	}
	js, err := conn.JetStream(nats.MaxWait(config.ConnTimeout))
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "creating JetStream context")
	}
	return &Broker{conn: conn, js: js, config: config}, nil
}

func (b *Broker) Declare(ctx context.Context, queue string) error {
	streamConfig := &nats.StreamConfig{
		Name:      streamName(queue),
		Subjects:  []string{queue},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
		Replicas:  b.config.Replicas,
	}
	if b.config.InMemory {
		streamConfig.Storage = nats.MemoryStorage
	}
	if b.config.MaxAgeDays > 0 {
		streamConfig.MaxAge = time.Duration(b.config.MaxAgeDays) * 24 * time.Hour
	}
	_, err := b.js.AddStream(streamConfig, nats.Context(ctx))
	if err == nil {
		return nil
	}
	// Another declarer may have won the race, possibly with slightly different settings.
	if _, infoErr := b.js.StreamInfo(streamConfig.Name, nats.Context(ctx)); infoErr == nil {
		return nil
	}
	return errors.Wrapf(err, "declaring stream for queue %s", queue)
}

func (b *Broker) Publish(ctx context.Context, queue string, payload []byte) error {
	if _, err := b.js.Publish(queue, payload, nats.Context(ctx)); err != nil {
		return errors.Wrapf(err, "publishing to queue %s", queue)
	}
	return nil
}

func (b *Broker) Consume(ctx context.Context, queue string, prefetch int) (broker.Consumer, error) {
	if prefetch <= 0 {
		return nil, errors.WithStack(&relayerrors.ErrInvalidArgument{Name: "prefetch", Value: prefetch, Message: "prefetch must be positive"})
	}
	stream, durable := streamName(queue), durableName(queue)
	_, err := b.js.AddConsumer(stream, &nats.ConsumerConfig{
		Durable:       durable,
		FilterSubject: queue,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       b.config.AckWait,
		MaxAckPending: prefetch,
		DeliverPolicy: nats.DeliverAllPolicy,
	}, nats.Context(ctx))
	if err != nil {
		if _, infoErr := b.js.ConsumerInfo(stream, durable, nats.Context(ctx)); infoErr != nil {
			return nil, errors.Wrapf(err, "creating consumer for queue %s", queue)
		}
	}
	// Bound subscriptions leave the durable consumer in place when they unsubscribe.
	sub, err := b.js.PullSubscribe(queue, durable, nats.Bind(stream, durable))
	if err != nil {
		return nil, errors.Wrapf(err, "subscribing to queue %s", queue)
	}
	return &consumer{
		queue:        queue,
		sub:          sub,
		fetchTimeout: b.config.FetchTimeout,
		outstanding:  make(map[*delivery]struct{}),
	}, nil
}

// Depth returns the number of messages stored for queue that are not currently held by a consumer.
func (b *Broker) Depth(ctx context.Context, queue string) (int, error) {
	info, err := b.js.StreamInfo(streamName(queue), nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			return 0, errors.WithStack(&relayerrors.ErrNotFound{Type: "queue", Value: queue})
		}
		return 0, errors.WithStack(err)
	}
	depth := int(info.State.Msgs)
	if ci, err := b.js.ConsumerInfo(streamName(queue), durableName(queue), nats.Context(ctx)); err == nil {
		depth -= ci.NumAckPending
	}
	if depth < 0 {
		depth = 0
	}
	return depth, nil
}

func (b *Broker) Check() error {
	if !b.conn.IsConnected() {
		return errors.New("not connected to NATS")
	}
	return nil
}

func (b *Broker) Close() error {
	if b.conn != nil {
		b.conn.Close()
	}
	return nil
}

type consumer struct {
	queue        string
	sub          *nats.Subscription
	fetchTimeout time.Duration

	mu          sync.Mutex
	closed      bool
	outstanding map[*delivery]struct{}
}

func (c *consumer) Receive(ctx context.Context) (broker.Delivery, error) {
	for {
		if c.isClosed() {
			return nil, broker.ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fetchCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
		msgs, err := c.sub.Fetch(1, nats.Context(fetchCtx))
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
				continue
			}
			if c.isClosed() || errors.Is(err, nats.ErrBadSubscription) || errors.Is(err, nats.ErrConnectionClosed) {
				return nil, broker.ErrClosed
			}
			return nil, errors.Wrapf(err, "fetching from queue %s", c.queue)
		}
		if len(msgs) == 0 {
			continue
		}
		d := &delivery{consumer: c, msg: msgs[0], attempt: 1}
		if meta, err := msgs[0].Metadata(); err == nil {
			d.attempt = int(meta.NumDelivered)
		}
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = d.msg.Nak()
			return nil, broker.ErrClosed
		}
		c.outstanding[d] = struct{}{}
		c.mu.Unlock()
		return d, nil
	}
}

// Close naks every delivery that has not been disposed of so that it is redelivered without waiting for AckWait.
func (c *consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	outstanding := make([]*delivery, 0, len(c.outstanding))
	for d := range c.outstanding {
		outstanding = append(outstanding, d)
	}
	c.outstanding = nil
	c.mu.Unlock()

	for _, d := range outstanding {
		if d.guard.Claim() == nil {
			if err := d.msg.Nak(); err != nil {
				log.WithError(err).Warnf("Failed to return message to queue %s", c.queue)
			}
		}
	}
	return errors.WithStack(c.sub.Unsubscribe())
}

func (c *consumer) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *consumer) forget(d *delivery) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.outstanding, d)
}

type delivery struct {
	consumer *consumer
	msg      *nats.Msg
	attempt  int
	guard    broker.DispositionGuard
}

func (d *delivery) Payload() []byte {
	return d.msg.Data
}

func (d *delivery) Attempt() int {
	return d.attempt
}

func (d *delivery) Ack() error {
	return d.dispose(func() error { return d.msg.AckSync() })
}

// Nack with requeue asks JetStream to redeliver; without requeue the message is terminated and never redelivered.
func (d *delivery) Nack(requeue bool) error {
	if requeue {
		return d.dispose(func() error { return d.msg.Nak() })
	}
	return d.dispose(func() error { return d.msg.Term() })
}

func (d *delivery) dispose(action func() error) error {
	if err := d.guard.Claim(); err != nil {
		return err
	}
	if err := action(); err != nil {
		d.guard.Release()
		return errors.Wrapf(err, "disposing of message on queue %s", d.consumer.queue)
	}
	d.consumer.forget(d)
	return nil
}

func streamName(queue string) string {
	return strings.ReplaceAll(queue, ".", "_")
}

func durableName(queue string) string {
	return streamName(queue) + "_workers"
}
