package stan

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/nats-io/nats-streaming-server/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/taskrelay/internal/broker"
	"github.com/G-Research/taskrelay/internal/configuration"
)

const (
	testCluster = "test-cluster"
	testQueue   = "cargas_sociales"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func withBroker(t *testing.T, ackWait time.Duration, action func(b *Broker)) {
	t.Helper()
	port := freePort(t)
	stanOpts := server.GetDefaultOptions()
	stanOpts.ID = testCluster
	natsOpts := server.DefaultNatsServerOptions
	natsOpts.Host = "127.0.0.1"
	natsOpts.Port = port
	s, err := server.RunServerWithOpts(stanOpts, &natsOpts)
	require.NoError(t, err)
	defer s.Shutdown()

	b, err := Open(configuration.StanConfig{
		Servers:   []string{fmt.Sprintf("nats://127.0.0.1:%d", port)},
		ClusterID: testCluster,
		AckWait:   ackWait,
	})
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Declare(context.Background(), testQueue))
	action(b)
}

func receive(t *testing.T, c broker.Consumer) broker.Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	d, err := c.Receive(ctx)
	require.NoError(t, err)
	return d
}

func TestPublishReceiveAck(t *testing.T) {
	withBroker(t, 30*time.Second, func(b *Broker) {
		require.NoError(t, b.Publish(context.Background(), testQueue, []byte("afip")))
		c, err := b.Consume(context.Background(), testQueue, 1)
		require.NoError(t, err)
		defer c.Close()

		d := receive(t, c)
		assert.Equal(t, "afip", string(d.Payload()))
		assert.Equal(t, 1, d.Attempt())
		require.NoError(t, d.Ack())
		assert.ErrorIs(t, d.Nack(true), broker.ErrAlreadyDisposed)
	})
}

func TestNackRequeue_RedeliveredAfterAckWait(t *testing.T) {
	withBroker(t, time.Second, func(b *Broker) {
		require.NoError(t, b.Publish(context.Background(), testQueue, []byte("retry")))
		c, err := b.Consume(context.Background(), testQueue, 1)
		require.NoError(t, err)
		defer c.Close()

		d := receive(t, c)
		require.NoError(t, d.Nack(true))

		redelivered := receive(t, c)
		assert.Equal(t, "retry", string(redelivered.Payload()))
		assert.Equal(t, 2, redelivered.Attempt())
		require.NoError(t, redelivered.Ack())
	})
}

func TestReceiveAfterClose(t *testing.T) {
	withBroker(t, 30*time.Second, func(b *Broker) {
		c, err := b.Consume(context.Background(), testQueue, 1)
		require.NoError(t, err)
		require.NoError(t, c.Close())
		require.NoError(t, c.Close())

		_, err = c.Receive(context.Background())
		assert.ErrorIs(t, err, broker.ErrClosed)
	})
}
