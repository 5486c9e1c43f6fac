// Package workerpool drains one queue with a bounded number of concurrently executing tasks.
//
// A Pool holds a single consumer whose prefetch equals the pool size and takes a free execution slot before
// receiving each delivery, so at most PoolSize tasks run at once and no delivery is taken off the queue
// while every slot is busy.
package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/taskrelay/internal/broker"
	"github.com/G-Research/taskrelay/internal/common/logging"
	"github.com/G-Research/taskrelay/internal/common/relaycontext"
	"github.com/G-Research/taskrelay/internal/common/util"
	"github.com/G-Research/taskrelay/internal/executor"
	"github.com/G-Research/taskrelay/internal/task"
)

const (
	DefaultDeadLetterSuffix = ".dead"
	DefaultTaskTimeout      = 300 * time.Second

	receiveErrorBackoff    = time.Second
	defaultAckRetryBackoff = time.Second
)

type Pool struct {
	queue             string
	deadLetterQueue   string
	poolSize          int
	taskTimeout       time.Duration
	maxAttempts       int
	ackRetryBackoff   time.Duration
	shutdownTimeout   time.Duration
	depthPollInterval time.Duration
	broker            broker.Broker
	registry          *executor.Registry
	metrics           *Metrics
	clock             clock.WithTicker

	slots    chan struct{}
	inFlight sync.WaitGroup
}

func New(
	queue string,
	poolSize int,
	taskTimeout time.Duration,
	maxAttempts int,
	ackRetryBackoff time.Duration,
	deadLetterSuffix string,
	shutdownTimeout time.Duration,
	depthPollInterval time.Duration,
	b broker.Broker,
	registry *executor.Registry,
	metrics *Metrics,
	clk clock.WithTicker,
) *Pool {
	if poolSize <= 0 {
		poolSize = 1
	}
	if taskTimeout <= 0 {
		taskTimeout = DefaultTaskTimeout
	}
	if deadLetterSuffix == "" {
		deadLetterSuffix = DefaultDeadLetterSuffix
	}
	if ackRetryBackoff <= 0 {
		ackRetryBackoff = defaultAckRetryBackoff
	}
	return &Pool{
		queue:             queue,
		deadLetterQueue:   queue + deadLetterSuffix,
		poolSize:          poolSize,
		taskTimeout:       taskTimeout,
		maxAttempts:       maxAttempts,
		ackRetryBackoff:   ackRetryBackoff,
		shutdownTimeout:   shutdownTimeout,
		depthPollInterval: depthPollInterval,
		broker:            b,
		registry:          registry,
		metrics:           metrics,
		clock:             clk,
		slots:             make(chan struct{}, poolSize),
	}
}

func (p *Pool) Queue() string {
	return p.queue
}

// Run consumes from the pool's queue until ctx is cancelled. It then stops receiving, waits up to the shutdown
// timeout for in-flight tasks and closes the consumer, which returns anything still undisposed to the queue.
func (p *Pool) Run(ctx *relaycontext.Context) error {
	ctx = relaycontext.WithLogField(ctx, "queue", p.queue)

	for _, q := range []string{p.queue, p.deadLetterQueue} {
		if err := p.broker.Declare(ctx, q); err != nil {
			return errors.WithMessagef(err, "error declaring queue %s", q)
		}
	}
	consumer, err := p.broker.Consume(ctx, p.queue, p.poolSize)
	if err != nil {
		return errors.WithMessagef(err, "error consuming from %s", p.queue)
	}

	// In-flight tasks keep running through a shutdown until the shutdown timeout passes.
	workCtx, cancelWork := relaycontext.WithCancel(relaycontext.New(context.Background(), ctx.Log))
	defer cancelWork()

	if reporter, ok := p.broker.(broker.DepthReporter); ok && p.depthPollInterval > 0 {
		go p.reportDepth(ctx, reporter)
	}

	ctx.Log.Infof("worker pool started with %d slots", p.poolSize)
	runErr := p.consume(ctx, workCtx, consumer)

	ctx.Log.Info("worker pool stopped receiving; waiting for in-flight tasks")
	if !p.waitInFlight(p.shutdownTimeout) {
		ctx.Log.Warnf("in-flight tasks still running after %s; cancelling them", p.shutdownTimeout)
		cancelWork()
		p.inFlight.Wait()
	}
	if err := consumer.Close(); err != nil {
		logging.WithStacktrace(ctx.Log, err).Warn("error closing consumer")
	}
	ctx.Log.Info("worker pool stopped")
	return runErr
}

func (p *Pool) consume(ctx *relaycontext.Context, workCtx *relaycontext.Context, consumer broker.Consumer) error {
	for {
		select {
		case p.slots <- struct{}{}:
		case <-ctx.Done():
			return nil
		}

		delivery, err := consumer.Receive(ctx)
		if err != nil {
			<-p.slots
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, broker.ErrClosed) {
				return err
			}
			logging.WithStacktrace(ctx.Log, err).Warnf("receive failed; backing off for %s", receiveErrorBackoff)
			select {
			case <-ctx.Done():
				return nil
			case <-p.clock.After(receiveErrorBackoff):
			}
			continue
		}

		p.inFlight.Add(1)
		go func() {
			defer p.inFlight.Done()
			p.process(workCtx, delivery, func() { <-p.slots })
		}()
	}
}

// slot is held by the disposition of a delivery and by its executor goroutine. free runs once both are done,
// so an executor that outlives its task timeout keeps occupying the slot.
type slot struct {
	holders int32
	free    func()
}

func (s *slot) hold() {
	atomic.AddInt32(&s.holders, 1)
}

func (s *slot) release() {
	if atomic.AddInt32(&s.holders, -1) == 0 {
		s.free()
	}
}

// process executes one delivery and disposes of it. done is called once the delivery is disposed of and the
// executor has returned, which may be after process returns if the task timed out.
func (p *Pool) process(ctx *relaycontext.Context, delivery broker.Delivery, done func()) {
	s := &slot{holders: 1, free: done}
	defer s.release()
	ctx = relaycontext.WithLogField(ctx, "attempt", delivery.Attempt())

	descriptor, err := task.Unmarshal(delivery.Payload())
	if err != nil {
		logging.WithStacktrace(ctx.Log, err).Error("undecodable task; dead-lettering")
		p.deadLetter(ctx, delivery)
		return
	}
	ctx = relaycontext.WithLogFields(ctx, logrus.Fields{
		"task_identity": descriptor.Identity(),
		"type":          descriptor.Type(),
	})

	result, err := p.execute(ctx, descriptor, s)
	if err == nil {
		ctx.Log.WithField("state", result.State).Info("task finished")
		p.dispose(ctx, func() error { return delivery.Ack() })
		p.metrics.RecordDelivery(p.queue, OutcomeAcked)
		return
	}

	if p.maxAttempts > 0 && delivery.Attempt() >= p.maxAttempts {
		logging.WithStacktrace(ctx.Log, err).Errorf("task failed on attempt %d of %d; dead-lettering", delivery.Attempt(), p.maxAttempts)
		p.deadLetter(ctx, delivery)
		return
	}
	logging.WithStacktrace(ctx.Log, err).Warn("task failed; requeueing")
	p.dispose(ctx, func() error { return delivery.Nack(true) })
	p.metrics.RecordDelivery(p.queue, OutcomeRequeued)
}

type outcome struct {
	result *task.Result
	err    error
}

// execute runs the executor registered for the task's type, converting panics and timeouts into errors.
// The executor goroutine holds s until it returns.
func (p *Pool) execute(ctx *relaycontext.Context, descriptor task.Descriptor, s *slot) (*task.Result, error) {
	e, ok := p.registry.Lookup(descriptor.Type())
	if !ok {
		return nil, errors.Errorf("no executor registered for task type %s", descriptor.Type())
	}

	taskCtx, cancel := relaycontext.WithTimeout(ctx, p.taskTimeout)
	defer cancel()

	s.hold()
	p.metrics.TaskStarted(p.queue)
	start := p.clock.Now()
	done := make(chan outcome, 1)
	go func() {
		defer s.release()
		defer func() {
			p.metrics.TaskFinished(p.queue, descriptor.Type(), p.clock.Since(start))
		}()
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: errors.Errorf("executor panicked: %v", r)}
			}
		}()
		result, err := e.Execute(taskCtx, descriptor)
		done <- outcome{result: result, err: err}
	}()

	select {
	case o := <-done:
		if o.err == nil && o.result == nil {
			return nil, errors.New("executor returned neither a result nor an error")
		}
		return o.result, o.err
	case <-taskCtx.Done():
		ctx.Log.Warn("task interrupted; its slot stays taken until the executor returns")
		return nil, errors.Wrap(taskCtx.Err(), "task interrupted")
	}
}

// deadLetter moves the delivery's payload to the dead-letter queue. If that publish fails the delivery is
// requeued instead so that it is not lost.
func (p *Pool) deadLetter(ctx *relaycontext.Context, delivery broker.Delivery) {
	if err := p.broker.Publish(ctx, p.deadLetterQueue, delivery.Payload()); err != nil {
		logging.WithStacktrace(ctx.Log, err).Error("error publishing to dead-letter queue; requeueing")
		p.dispose(ctx, func() error { return delivery.Nack(true) })
		p.metrics.RecordDelivery(p.queue, OutcomeRequeued)
		return
	}
	p.dispose(ctx, func() error { return delivery.Ack() })
	p.metrics.RecordDelivery(p.queue, OutcomeDeadLettered)
}

// dispose retries an ack or nack until it succeeds, the delivery turns out to be disposed already, or ctx is cancelled.
func (p *Pool) dispose(ctx *relaycontext.Context, disposition func() error) {
	util.RetryUntilSuccess(
		ctx,
		func() error {
			err := disposition()
			if errors.Is(err, broker.ErrAlreadyDisposed) || errors.Is(err, broker.ErrClosed) {
				ctx.Log.WithError(err).Warn("delivery can no longer be disposed of")
				return nil
			}
			return err
		},
		func(err error) {
			logging.WithStacktrace(ctx.Log, err).Warnf("disposition failed; backing off for %s", p.ackRetryBackoff)
		},
		p.ackRetryBackoff,
		p.clock,
	)
}

func (p *Pool) reportDepth(ctx *relaycontext.Context, reporter broker.DepthReporter) {
	ticker := p.clock.NewTicker(p.depthPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			depth, err := reporter.Depth(ctx, p.queue)
			if err != nil {
				ctx.Log.WithError(err).Debug("error reading queue depth")
				continue
			}
			p.metrics.SetQueueDepth(p.queue, depth)
		}
	}
}

// waitInFlight reports whether every in-flight task finished within timeout.
func (p *Pool) waitInFlight(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.inFlight.Wait()
		close(done)
	}()
	timer := p.clock.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C():
		return false
	}
}
