// Package stan implements broker.Broker on NATS Streaming. Each queue is a channel consumed by a durable queue
// group, so competing Consumers share the group's position and its unacknowledged messages.
//
// NATS Streaming has no negative acknowledgement: a requeued delivery is simply left unacked and the server
// redelivers it once AckWait expires.
package stan

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/stan.go"
	"github.com/pkg/errors"

	"github.com/G-Research/taskrelay/internal/broker"
	"github.com/G-Research/taskrelay/internal/common/relayerrors"
	stan_util "github.com/G-Research/taskrelay/internal/common/stan-util"
	"github.com/G-Research/taskrelay/internal/common/util"
	"github.com/G-Research/taskrelay/internal/configuration"
)

const defaultAckWait = 30 * time.Second

type Broker struct {
	conn    *stan_util.DurableConnection
	ackWait time.Duration
}

func Open(config configuration.StanConfig) (*Broker, error) {
	if len(config.Servers) == 0 || config.ClusterID == "" {
		return nil, errors.WithStack(&relayerrors.ErrInvalidArgument{
			Name:    "broker.stan",
			Value:   config.ClusterID,
			Message: "servers and clusterId are required",
		})
	}
	clientID := config.ClientID
	if clientID == "" {
		clientID = "taskrelay-" + util.NewULID()
	}
	conn, err := stan_util.DurableConnect(config.ClusterID, clientID, strings.Join(config.Servers, ","))
	if err != nil {
		return nil, err
	}
	ackWait := config.AckWait
	if ackWait <= 0 {
		ackWait = defaultAckWait
	}
	return &Broker{conn: conn, ackWait: ackWait}, nil
}

// Declare only verifies connectivity: channels are created by the server on first use.
func (b *Broker) Declare(_ context.Context, _ string) error {
	return b.conn.Check()
}

func (b *Broker) Publish(_ context.Context, queue string, payload []byte) error {
	return errors.WithMessagef(b.conn.Publish(queue, payload), "publishing to queue %s", queue)
}

func (b *Broker) Consume(_ context.Context, queue string, prefetch int) (broker.Consumer, error) {
	if prefetch <= 0 {
		return nil, errors.WithStack(&relayerrors.ErrInvalidArgument{Name: "prefetch", Value: prefetch, Message: "prefetch must be positive"})
	}
	c := &consumer{
		broker:     b,
		queue:      queue,
		deliveries: make(chan *stan.Msg, prefetch),
		done:       make(chan struct{}),
	}
	group := queue + "-workers"
	sub, err := b.conn.QueueSubscribe(queue, group, c.handle,
		stan.DurableName(group),
		stan.SetManualAckMode(),
		stan.MaxInflight(prefetch),
		stan.AckWait(b.ackWait),
		stan.DeliverAllAvailable(),
	)
	if err != nil {
		return nil, err
	}
	c.sub = sub
	return c, nil
}

func (b *Broker) Check() error {
	return b.conn.Check()
}

func (b *Broker) Close() error {
	return b.conn.Close()
}

type consumer struct {
	broker     *Broker
	queue      string
	sub        *stan_util.Subscription
	deliveries chan *stan.Msg

	closeOnce sync.Once
	done      chan struct{}
}

// handle runs on the subscription's goroutine. MaxInflight keeps the server from sending more than the buffer holds.
func (c *consumer) handle(msg *stan.Msg) {
	select {
	case c.deliveries <- msg:
	case <-c.done:
	}
}

func (c *consumer) Receive(ctx context.Context) (broker.Delivery, error) {
	select {
	case <-c.done:
		return nil, broker.ErrClosed
	default:
	}
	select {
	case msg := <-c.deliveries:
		return &delivery{consumer: c, msg: msg}, nil
	case <-c.done:
		return nil, broker.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *consumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.broker.conn.CloseSubscription(c.sub)
	})
	return err
}

type delivery struct {
	consumer *consumer
	msg      *stan.Msg
	guard    broker.DispositionGuard
}

func (d *delivery) Payload() []byte {
	return d.msg.Data
}

func (d *delivery) Attempt() int {
	return int(d.msg.RedeliveryCount) + 1
}

func (d *delivery) Ack() error {
	if err := d.guard.Claim(); err != nil {
		return err
	}
	if err := d.msg.Ack(); err != nil {
		d.guard.Release()
		return errors.Wrapf(err, "acking message on queue %s", d.consumer.queue)
	}
	return nil
}

// Nack with requeue leaves the message unacked for the server to redeliver after AckWait.
// Without requeue the message is acked and dropped.
func (d *delivery) Nack(requeue bool) error {
	if !requeue {
		return d.Ack()
	}
	return d.guard.Claim()
}
