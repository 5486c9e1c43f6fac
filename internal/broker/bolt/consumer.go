package bolt

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"

	"github.com/G-Research/taskrelay/internal/broker"
	"github.com/G-Research/taskrelay/internal/common/util"
)

type consumer struct {
	broker   *Broker
	queue    string
	id       []byte
	prefetch int

	inflight int32
	// freed receives a token whenever a delivery is disposed of.
	freed chan struct{}

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

func (c *consumer) Receive(ctx context.Context) (broker.Delivery, error) {
	for {
		select {
		case <-c.done:
			return nil, broker.ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		// Taken before trying to dequeue so that a publish racing with an empty read still wakes us.
		wakeup := c.broker.wakeup(c.queue)
		if int(atomic.LoadInt32(&c.inflight)) < c.prefetch {
			d, err := c.dequeue()
			if err != nil {
				return nil, err
			}
			if d != nil {
				return d, nil
			}
		}

		timer := time.NewTimer(c.broker.pollInterval)
		select {
		case <-c.done:
			timer.Stop()
			return nil, broker.ErrClosed
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wakeup:
		case <-c.freed:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// dequeue moves the oldest ready message into this consumer's unacked bucket. It returns nil if the queue is empty.
func (c *consumer) dequeue() (*delivery, error) {
	var d *delivery
	err := c.broker.db.Update(func(tx *bbolt.Tx) error {
		ready, err := queueBucket(tx, c.queue, readyBucket)
		if err != nil {
			return err
		}
		k, v := ready.Cursor().First()
		if k == nil {
			return nil
		}
		unacked, err := queueBucket(tx, c.queue, unackedBucket)
		if err != nil {
			return err
		}
		held, err := unacked.CreateBucketIfNotExists(c.id)
		if err != nil {
			return err
		}
		key := append([]byte(nil), k...)
		if err := held.Put(key, v); err != nil {
			return err
		}
		attempt, payload := decode(v)
		if err := ready.Delete(key); err != nil {
			return err
		}
		d = &delivery{consumer: c, key: key, attempt: attempt, payload: payload}
		return nil
	})
	if err != nil {
		if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
			return nil, broker.ErrClosed
		}
		return nil, errors.WithMessagef(err, "receiving from queue %s", c.queue)
	}
	if d != nil {
		atomic.AddInt32(&c.inflight, 1)
	}
	return d, nil
}

// Close returns every message this consumer still holds to the tail of the ready bucket.
func (c *consumer) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		defer c.broker.forget(c)
		returned := 0
		c.closeErr = c.broker.db.Update(func(tx *bbolt.Tx) error {
			root := tx.Bucket(queuesBucket)
			if root == nil {
				return nil
			}
			q := root.Bucket([]byte(c.queue))
			if q == nil {
				return nil
			}
			n, err := requeueAll(q, c.id)
			returned = n
			return err
		})
		if c.closeErr != nil {
			c.closeErr = errors.Wrapf(c.closeErr, "closing consumer on queue %s", c.queue)
			return
		}
		if returned > 0 {
			c.broker.signal(c.queue)
		}
	})
	return c.closeErr
}

func (c *consumer) release() {
	atomic.AddInt32(&c.inflight, -1)
	select {
	case c.freed <- struct{}{}:
	default:
	}
}

type delivery struct {
	consumer *consumer
	key      []byte
	attempt  int
	payload  []byte
	guard    broker.DispositionGuard
}

func (d *delivery) Payload() []byte {
	return d.payload
}

func (d *delivery) Attempt() int {
	return d.attempt
}

func (d *delivery) Ack() error {
	return d.dispose(func(_ *bbolt.Bucket, held *bbolt.Bucket) error {
		return held.Delete(d.key)
	}, false)
}

// Nack with requeue sends the message to the back of the queue with its attempt count bumped.
// Without requeue the message is dropped.
func (d *delivery) Nack(requeue bool) error {
	return d.dispose(func(q *bbolt.Bucket, held *bbolt.Bucket) error {
		if requeue {
			if err := q.Bucket(readyBucket).Put([]byte(util.NewULID()), encode(d.attempt+1, d.payload)); err != nil {
				return err
			}
		}
		return held.Delete(d.key)
	}, requeue)
}

func (d *delivery) dispose(apply func(q *bbolt.Bucket, held *bbolt.Bucket) error, signal bool) error {
	if err := d.guard.Claim(); err != nil {
		return err
	}
	c := d.consumer
	err := c.broker.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(queuesBucket)
		var q *bbolt.Bucket
		if root != nil {
			q = root.Bucket([]byte(c.queue))
		}
		var held *bbolt.Bucket
		if q != nil {
			if unacked := q.Bucket(unackedBucket); unacked != nil {
				held = unacked.Bucket(c.id)
			}
		}
		if held == nil || held.Get(d.key) == nil {
			// The consumer was closed and the message has already been handed back.
			return broker.ErrClosed
		}
		return apply(q, held)
	})
	if errors.Is(err, broker.ErrClosed) {
		return err
	}
	if err != nil {
		d.guard.Release()
		if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
			return broker.ErrClosed
		}
		return errors.WithMessagef(err, "disposing of message on queue %s", c.queue)
	}
	c.release()
	if signal {
		c.broker.signal(c.queue)
	}
	return nil
}
