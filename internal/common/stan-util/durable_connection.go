package stan_util

import (
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/stan.go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// DurableConnection is a STAN connection that re-establishes itself, and every live subscription, after the
// streaming server reports the connection lost.
type DurableConnection struct {
	mutex sync.RWMutex

	options       []stan.Option
	clientID      string
	stanClusterID string

	subscriptions map[*Subscription]struct{}

	currentConn stan.Conn
	nc          *nats.Conn
	closed      bool
}

func DurableConnect(stanClusterID, clientID, urls string, options ...stan.Option) (*DurableConnection, error) {
	// The NATS connection reconnects by itself, so it is kept across STAN reconnects.
	nc, err := nats.Connect(urls,
		nats.Name(clientID),
		nats.MaxReconnects(-1),
		nats.ReconnectBufSize(-1))
	if err != nil {
		return nil, errors.Wrap(err, "connecting to NATS")
	}

	conn := &DurableConnection{
		stanClusterID: stanClusterID,
		clientID:      clientID,
		nc:            nc,
		subscriptions: make(map[*Subscription]struct{}),
	}
	conn.options = append(options, stan.SetConnectionLostHandler(conn.onConnectionLost), stan.NatsConn(nc))
	if err := conn.reconnect(); err != nil {
		nc.Close()
		return nil, err
	}
	return conn, nil
}

// Publish blocks until the streaming server has stored the message.
func (c *DurableConnection) Publish(subject string, data []byte) error {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if c.closed {
		return errors.New("STAN connection is closed")
	}
	return errors.WithStack(c.currentConn.Publish(subject, data))
}

// Subscription survives reconnects of the DurableConnection that created it.
type Subscription struct {
	subscribe func(conn stan.Conn) (stan.Subscription, error)
	current   stan.Subscription
}

func (c *DurableConnection) QueueSubscribe(subject, qgroup string, cb stan.MsgHandler, opts ...stan.SubscriptionOption) (*Subscription, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return nil, errors.New("STAN connection is closed")
	}

	s := &Subscription{
		subscribe: func(conn stan.Conn) (stan.Subscription, error) {
			return conn.QueueSubscribe(subject, qgroup, cb, opts...)
		},
	}
	current, err := s.subscribe(c.currentConn)
	if err != nil {
		return nil, errors.Wrapf(err, "subscribing to %s", subject)
	}
	s.current = current
	c.subscriptions[s] = struct{}{}
	return s, nil
}

// CloseSubscription closes s without removing its durable state, so its queue group keeps the unacked messages.
func (c *DurableConnection) CloseSubscription(s *Subscription) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if _, ok := c.subscriptions[s]; !ok {
		return nil
	}
	delete(c.subscriptions, s)
	if s.current == nil {
		return nil
	}
	return errors.WithStack(s.current.Close())
}

func (c *DurableConnection) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	err := c.currentConn.Close()
	c.nc.Close()
	return errors.WithStack(err)
}

func (c *DurableConnection) Check() error {
	c.mutex.RLock()
	currentConn := c.currentConn
	c.mutex.RUnlock()
	if currentConn == nil {
		return errors.New("no NATS connection")
	}

	natsConn := currentConn.NatsConn()
	if natsConn == nil {
		return errors.New("no NATS connection")
	}

	if !natsConn.IsConnected() {
		return errors.New("not connected to NATS")
	}

	return nil
}

func (c *DurableConnection) onConnectionLost(_ stan.Conn, e error) {
	log.WithError(e).Warn("Lost connection to STAN; reconnecting")
	// This callback runs on its own goroutine, so it can keep trying for as long as needed.
	for {
		c.mutex.RLock()
		closed := c.closed
		c.mutex.RUnlock()
		if closed {
			return
		}
		err := c.reconnect()
		if err == nil {
			return
		}
		log.Errorf("Error while reconnecting to STAN: %v", err)
		time.Sleep(1 * time.Second)
	}
}

func (c *DurableConnection) reconnect() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	// close any previous connection, just in case it was still open
	if c.currentConn != nil {
		c.closeConnection()
	}

	newConnection, err := stan.Connect(c.stanClusterID, c.clientID, c.options...)
	if err != nil {
		log.Errorf("Error while connecting to STAN: %v", err)
		return errors.Wrap(err, "connecting to STAN")
	}
	c.currentConn = newConnection

	for s := range c.subscriptions {
		current, err := s.subscribe(c.currentConn)
		if err != nil {
			// on any subscription error consider connection unsuccessful
			log.Errorf("Error while resubscribing to STAN: %v", err)
			c.closeConnection()
			return errors.Wrap(err, "resubscribing to STAN")
		}
		s.current = current
	}

	return nil
}

func (c *DurableConnection) closeConnection() {
	if err := c.currentConn.Close(); err != nil {
		log.Errorf("Error while closing STAN connection: %v", err)
	}
}
