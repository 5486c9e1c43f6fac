// Package bolt is an embedded broker.Broker backed by a single bbolt file.
//
// Layout: a top-level "queues" bucket holds one bucket per queue, which in turn holds a "ready" bucket and an
// "unacked" bucket. Ready messages are keyed by a time-ordered ULID, so cursor order is FIFO. Unacked messages
// live in a sub-bucket per consumer until they are acked or returned to ready.
package bolt

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"

	"github.com/G-Research/taskrelay/internal/broker"
	"github.com/G-Research/taskrelay/internal/common/relayerrors"
	"github.com/G-Research/taskrelay/internal/common/util"
	"github.com/G-Research/taskrelay/internal/configuration"
)

var (
	queuesBucket  = []byte("queues")
	readyBucket   = []byte("ready")
	unackedBucket = []byte("unacked")
)

const attemptHeaderSize = 4

type Broker struct {
	db           *bbolt.DB
	pollInterval time.Duration

	mu        sync.Mutex
	closed    bool
	signals   map[string]chan struct{}
	consumers map[*consumer]struct{}
}

// Open opens (creating if needed) the bbolt file at config.Path. Messages that were delivered but never
// disposed of by a previous process are returned to their ready bucket with their attempt count bumped.
func Open(config configuration.BoltConfig) (*Broker, error) {
	if config.Path == "" {
		return nil, errors.WithStack(&relayerrors.ErrInvalidArgument{
			Name:    "broker.bolt.path",
			Value:   config.Path,
			Message: "a file path is required",
		})
	}
	if dir := filepath.Dir(config.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	openTimeout := config.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = time.Second
	}
	db, err := bbolt.Open(config.Path, 0o600, &bbolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, errors.Wrapf(err, "opening bolt broker at %s", config.Path)
	}
	pollInterval := config.PollInterval
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	b := &Broker{
		db:           db,
		pollInterval: pollInterval,
		signals:      make(map[string]chan struct{}),
		consumers:    make(map[*consumer]struct{}),
	}
	recovered, err := b.recoverUnacked()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if recovered > 0 {
		log.Infof("Returned %d unacknowledged messages to their queues", recovered)
	}
	return b, nil
}

func (b *Broker) Declare(_ context.Context, queue string) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	err := b.db.Update(func(tx *bbolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists(queuesBucket)
		if err != nil {
			return err
		}
		q, err := root.CreateBucketIfNotExists([]byte(queue))
		if err != nil {
			return err
		}
		if _, err := q.CreateBucketIfNotExists(readyBucket); err != nil {
			return err
		}
		_, err = q.CreateBucketIfNotExists(unackedBucket)
		return err
	})
	return errors.Wrapf(err, "declaring queue %s", queue)
}

func (b *Broker) Publish(_ context.Context, queue string, payload []byte) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	err := b.db.Update(func(tx *bbolt.Tx) error {
		ready, err := queueBucket(tx, queue, readyBucket)
		if err != nil {
			return err
		}
		return ready.Put([]byte(util.NewULID()), encode(1, payload))
	})
	if err != nil {
		return errors.WithMessagef(err, "publishing to queue %s", queue)
	}
	b.signal(queue)
	return nil
}

func (b *Broker) Consume(_ context.Context, queue string, prefetch int) (broker.Consumer, error) {
	if prefetch <= 0 {
		return nil, errors.WithStack(&relayerrors.ErrInvalidArgument{
			Name:    "prefetch",
			Value:   prefetch,
			Message: "prefetch must be positive",
		})
	}
	err := b.db.View(func(tx *bbolt.Tx) error {
		_, err := queueBucket(tx, queue, readyBucket)
		return err
	})
	if err != nil {
		return nil, err
	}

	c := &consumer{
		broker:   b,
		queue:    queue,
		id:       []byte(util.NewULID()),
		prefetch: prefetch,
		freed:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, broker.ErrClosed
	}
	b.consumers[c] = struct{}{}
	return c, nil
}

// Depth returns the number of ready messages on queue.
func (b *Broker) Depth(_ context.Context, queue string) (int, error) {
	depth := 0
	err := b.db.View(func(tx *bbolt.Tx) error {
		ready, err := queueBucket(tx, queue, readyBucket)
		if err != nil {
			return err
		}
		depth = ready.Stats().KeyN
		return nil
	})
	return depth, err
}

// Check implements health.Checker.
func (b *Broker) Check() error {
	return b.checkOpen()
}

func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	consumers := make([]*consumer, 0, len(b.consumers))
	for c := range b.consumers {
		consumers = append(consumers, c)
	}
	b.mu.Unlock()

	for _, c := range consumers {
		if err := c.Close(); err != nil {
			log.WithError(err).Warnf("Failed to close consumer on queue %s", c.queue)
		}
	}

	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return errors.WithStack(b.db.Close())
}

func (b *Broker) checkOpen() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return broker.ErrClosed
	}
	return nil
}

// wakeup returns a channel that is closed the next time a message becomes ready on queue.
func (b *Broker) wakeup(queue string) <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.signals[queue]
	if !ok {
		ch = make(chan struct{})
		b.signals[queue] = ch
	}
	return ch
}

func (b *Broker) signal(queue string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.signals[queue]; ok {
		close(ch)
		delete(b.signals, queue)
	}
}

func (b *Broker) forget(c *consumer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.consumers, c)
}

// recoverUnacked moves every unacked message of every queue back to ready.
func (b *Broker) recoverUnacked() (int, error) {
	recovered := 0
	var touched []string
	err := b.db.Update(func(tx *bbolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists(queuesBucket)
		if err != nil {
			return err
		}
		return root.ForEach(func(name, v []byte) error {
			if v != nil {
				return nil
			}
			q := root.Bucket(name)
			unacked := q.Bucket(unackedBucket)
			if unacked == nil {
				return nil
			}
			var owners [][]byte
			err := unacked.ForEach(func(owner, v []byte) error {
				if v == nil {
					owners = append(owners, append([]byte(nil), owner...))
				}
				return nil
			})
			if err != nil {
				return err
			}
			for _, owner := range owners {
				n, err := requeueAll(q, owner)
				if err != nil {
					return err
				}
				recovered += n
			}
			if len(owners) > 0 {
				touched = append(touched, string(name))
			}
			return nil
		})
	})
	if err != nil {
		return 0, errors.Wrap(err, "recovering unacknowledged messages")
	}
	for _, queue := range touched {
		b.signal(queue)
	}
	return recovered, nil
}

// requeueAll moves everything held by owner back to the tail of ready with attempt+1 and drops owner's bucket.
func requeueAll(q *bbolt.Bucket, owner []byte) (int, error) {
	unacked := q.Bucket(unackedBucket)
	held := unacked.Bucket(owner)
	if held == nil {
		return 0, nil
	}
	ready := q.Bucket(readyBucket)
	n := 0
	err := held.ForEach(func(_, v []byte) error {
		attempt, payload := decode(v)
		n++
		return ready.Put([]byte(util.NewULID()), encode(attempt+1, payload))
	})
	if err != nil {
		return 0, err
	}
	return n, unacked.DeleteBucket(owner)
}

func queueBucket(tx *bbolt.Tx, queue string, name []byte) (*bbolt.Bucket, error) {
	root := tx.Bucket(queuesBucket)
	if root == nil {
		return nil, errors.WithStack(&relayerrors.ErrNotFound{Type: "queue", Value: queue})
	}
	q := root.Bucket([]byte(queue))
	if q == nil {
		return nil, errors.WithStack(&relayerrors.ErrNotFound{Type: "queue", Value: queue})
	}
	b := q.Bucket(name)
	if b == nil {
		return nil, errors.WithStack(&relayerrors.ErrNotFound{Type: "queue", Value: queue, Message: "bucket " + string(name) + " missing"})
	}
	return b, nil
}

func encode(attempt int, payload []byte) []byte {
	buf := make([]byte, attemptHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(attempt))
	copy(buf[attemptHeaderSize:], payload)
	return buf
}

// decode copies out of v, which is only valid for the life of the transaction.
func decode(v []byte) (int, []byte) {
	if len(v) < attemptHeaderSize {
		return 1, nil
	}
	attempt := int(binary.BigEndian.Uint32(v))
	payload := make([]byte, len(v)-attemptHeaderSize)
	copy(payload, v[attemptHeaderSize:])
	return attempt, payload
}
