// Package pulsar implements broker.Broker on Apache Pulsar: one persistent topic per queue, drained through a
// Shared subscription so that every Consumer competes for messages.
package pulsar

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/G-Research/taskrelay/internal/broker"
	"github.com/G-Research/taskrelay/internal/common/pulsarutils"
	"github.com/G-Research/taskrelay/internal/common/relayerrors"
	"github.com/G-Research/taskrelay/internal/configuration"
)

const (
	defaultSendTimeout         = 5 * time.Second
	defaultNackRedeliveryDelay = 5 * time.Second
	subscriptionSuffix         = "-workers"
)

type Broker struct {
	client pulsar.Client
	config configuration.PulsarConfig
	// serverId keeps producer names unique across processes publishing to the same topic.
	serverId uuid.UUID

	mu        sync.Mutex
	closed    bool
	producers map[string]pulsar.Producer
}

func Open(config configuration.PulsarConfig) (*Broker, error) {
	client, err := pulsarutils.NewPulsarClient(&config)
	if err != nil {
		return nil, err
	}
	return New(client, config), nil
}

func New(client pulsar.Client, config configuration.PulsarConfig) *Broker {
	if config.SendTimeout <= 0 {
		config.SendTimeout = defaultSendTimeout
	}
	if config.NackRedeliveryDelay <= 0 {
		config.NackRedeliveryDelay = defaultNackRedeliveryDelay
	}
	return &Broker{
		client:    client,
		config:    config,
		serverId:  uuid.New(),
		producers: make(map[string]pulsar.Producer),
	}
}

// Declare creates the producer for queue. Pulsar creates the topic on first use.
func (b *Broker) Declare(_ context.Context, queue string) error {
	_, err := b.producer(queue)
	return err
}

func (b *Broker) Publish(ctx context.Context, queue string, payload []byte) error {
	producer, err := b.producer(queue)
	if err != nil {
		return err
	}
	ctxWithTimeout, cancel := context.WithTimeout(ctx, b.config.SendTimeout)
	defer cancel()
	if _, err := producer.Send(ctxWithTimeout, &pulsar.ProducerMessage{Payload: payload}); err != nil {
		return errors.Wrapf(err, "publishing to queue %s", queue)
	}
	return nil
}

func (b *Broker) Consume(_ context.Context, queue string, prefetch int) (broker.Consumer, error) {
	if prefetch <= 0 {
		return nil, errors.WithStack(&relayerrors.ErrInvalidArgument{Name: "prefetch", Value: prefetch, Message: "prefetch must be positive"})
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	pc, err := b.client.Subscribe(pulsar.ConsumerOptions{
		Topic:               pulsarutils.TopicName(&b.config, queue),
		SubscriptionName:    queue + subscriptionSuffix,
		Type:                pulsar.Shared,
		ReceiverQueueSize:   prefetch,
		NackRedeliveryDelay: b.config.NackRedeliveryDelay,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "subscribing to queue %s", queue)
	}
	return newConsumer(queue, prefetch, consumerOps{
		receive: pc.Receive,
		ack:     func(msg pulsar.Message) { pc.Ack(msg) },
		nack:    func(msg pulsar.Message) { pc.Nack(msg) },
		close:   pc.Close,
	}), nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, producer := range b.producers {
		producer.Close()
	}
	b.producers = nil
	b.client.Close()
	return nil
}

func (b *Broker) checkOpen() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return broker.ErrClosed
	}
	return nil
}

// producer returns the cached producer for queue, creating it on first use.
func (b *Broker) producer(queue string) (pulsar.Producer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, broker.ErrClosed
	}
	if producer, ok := b.producers[queue]; ok {
		return producer, nil
	}
	topic := pulsarutils.TopicName(&b.config, queue)
	producer, err := b.client.CreateProducer(pulsar.ProducerOptions{
		Name:        fmt.Sprintf("taskrelay-%s-%s", queue, b.serverId),
		Topic:       topic,
		SendTimeout: b.config.SendTimeout,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "error creating pulsar producer for %s", topic)
	}
	b.producers[queue] = producer
	return producer, nil
}

// consumerOps decouples the consumer from the pulsar.Consumer interface.
type consumerOps struct {
	receive func(ctx context.Context) (pulsar.Message, error)
	ack     func(msg pulsar.Message)
	nack    func(msg pulsar.Message)
	close   func()
}

type consumer struct {
	queue string
	ops   consumerOps
	// slots holds one token per delivery that has not been disposed of.
	slots chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

func newConsumer(queue string, prefetch int, ops consumerOps) *consumer {
	return &consumer{
		queue: queue,
		ops:   ops,
		slots: make(chan struct{}, prefetch),
		done:  make(chan struct{}),
	}
}

func (c *consumer) Receive(ctx context.Context) (broker.Delivery, error) {
	select {
	case <-c.done:
		return nil, broker.ErrClosed
	default:
	}
	select {
	case c.slots <- struct{}{}:
	case <-c.done:
		return nil, broker.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	msg, err := c.ops.receive(ctx)
	if err != nil {
		<-c.slots
		select {
		case <-c.done:
			return nil, broker.ErrClosed
		default:
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrapf(err, "receiving from queue %s", c.queue)
	}
	return &delivery{consumer: c, msg: msg}, nil
}

// Close closes the subscription. Pulsar redelivers anything this consumer had not acked to the remaining consumers.
func (c *consumer) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ops.close()
	})
	return nil
}

type delivery struct {
	consumer *consumer
	msg      pulsar.Message
	guard    broker.DispositionGuard
}

func (d *delivery) Payload() []byte {
	return d.msg.Payload()
}

func (d *delivery) Attempt() int {
	return int(d.msg.RedeliveryCount()) + 1
}

func (d *delivery) Ack() error {
	return d.dispose(d.consumer.ops.ack)
}

// Nack with requeue schedules redelivery after the configured delay. Without requeue the message is acked and dropped.
func (d *delivery) Nack(requeue bool) error {
	if requeue {
		return d.dispose(d.consumer.ops.nack)
	}
	return d.dispose(d.consumer.ops.ack)
}

func (d *delivery) dispose(action func(pulsar.Message)) error {
	if err := d.guard.Claim(); err != nil {
		return err
	}
	select {
	case <-d.consumer.done:
		return broker.ErrClosed
	default:
	}
	action(d.msg)
	<-d.consumer.slots
	return nil
}
