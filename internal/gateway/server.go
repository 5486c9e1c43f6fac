// Package gateway accepts task descriptors on a TCP socket, stamps them with an identity and publishes
// each one to the durable queue its type routes to. Every connection carries exactly one request and
// one reply.
package gateway

import (
	"bytes"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/renstrom/shortuuid"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/taskrelay/internal/broker"
	"github.com/G-Research/taskrelay/internal/common/logging"
	"github.com/G-Research/taskrelay/internal/common/relaycontext"
	"github.com/G-Research/taskrelay/internal/configuration"
	"github.com/G-Research/taskrelay/internal/framing"
	"github.com/G-Research/taskrelay/internal/routing"
	"github.com/G-Research/taskrelay/internal/task"
	"github.com/G-Research/taskrelay/pkg/api"
)

const acceptRetryDelay = 50 * time.Millisecond

type Server struct {
	config     configuration.GatewayConfiguration
	broker     broker.Broker
	routes     *routing.Table
	identities *task.IdentityGenerator
	framer     framing.Framer
	readers    *readerPool
	metrics    *Metrics
	clock      clock.Clock

	// slots holds one token per running handler.
	slots chan struct{}
	// waiting counts accepted connections queued for a slot.
	waiting  int32
	handlers sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func New(
	config configuration.GatewayConfiguration,
	b broker.Broker,
	routes *routing.Table,
	identities *task.IdentityGenerator,
	metrics *Metrics,
	clk clock.Clock,
) (*Server, error) {
	framer, err := framing.New(config.Framing, config.MaxFrameBytes, config.ReadBufferSize)
	if err != nil {
		return nil, err
	}
	maxConcurrent := config.MaxConcurrentConnections
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Server{
		config:     config,
		broker:     b,
		routes:     routes,
		identities: identities,
		framer:     framer,
		readers:    newReaderPool(maxConcurrent, config.ReadBufferSize),
		metrics:    metrics,
		clock:      clk,
		slots:      make(chan struct{}, maxConcurrent),
		conns:      make(map[net.Conn]struct{}),
	}, nil
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx *relaycontext.Context) error {
	listener, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		return errors.Wrapf(err, "error listening on %s", s.config.ListenAddress)
	}
	return s.Serve(ctx, listener)
}

// Serve declares every routed queue and then accepts connections from listener until ctx is cancelled.
// On return the listener is closed and in-flight handlers have finished or been cut off after the
// shutdown timeout.
func (s *Server) Serve(ctx *relaycontext.Context, listener net.Listener) error {
	defer listener.Close()

	for _, queue := range s.routes.Queues() {
		if err := s.broker.Declare(ctx, queue); err != nil {
			return errors.WithMessagef(err, "error declaring queue %s", queue)
		}
	}
	ctx.Log.Infof("gateway listening on %s", listener.Addr())

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			listener.Close()
		case <-stop:
		}
	}()

	var acceptErr error
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				ctx.Log.WithError(err).Warn("accept timed out; retrying")
				s.clock.Sleep(acceptRetryDelay)
				continue
			}
			acceptErr = errors.WithStack(err)
			break
		}
		s.dispatch(ctx, conn)
	}

	ctx.Log.Info("gateway stopped accepting connections; waiting for in-flight requests")
	s.drain(ctx)
	return acceptErr
}

// dispatch hands conn to a handler goroutine without ever blocking the accept loop.
func (s *Server) dispatch(ctx *relaycontext.Context, conn net.Conn) {
	s.track(conn)
	s.handlers.Add(1)
	select {
	case s.slots <- struct{}{}:
		go s.handle(ctx, conn)
		return
	default:
	}

	if int(atomic.AddInt32(&s.waiting, 1)) > s.config.AcceptBacklog {
		atomic.AddInt32(&s.waiting, -1)
		go s.reject(ctx, conn)
		return
	}
	go s.awaitSlot(ctx, conn)
}

func (s *Server) awaitSlot(ctx *relaycontext.Context, conn net.Conn) {
	timer := s.clock.NewTimer(s.config.BacklogWaitTimeout)
	defer timer.Stop()
	select {
	case s.slots <- struct{}{}:
		atomic.AddInt32(&s.waiting, -1)
		s.handle(ctx, conn)
	case <-timer.C():
		atomic.AddInt32(&s.waiting, -1)
		s.reject(ctx, conn)
	case <-ctx.Done():
		atomic.AddInt32(&s.waiting, -1)
		s.reject(ctx, conn)
	}
}

func (s *Server) reject(ctx *relaycontext.Context, conn net.Conn) {
	defer s.handlers.Done()
	defer s.untrack(conn)
	s.metrics.RecordBusy()
	ctx.Log.WithField("origin", conn.RemoteAddr().String()).Warn("no handler slot available; rejecting connection")
	s.reply(ctx, conn, api.Error(api.MessageServerBusy))
}

func (s *Server) handle(parent *relaycontext.Context, conn net.Conn) {
	s.metrics.HandlerStarted()
	defer func() {
		s.metrics.HandlerFinished()
		<-s.slots
		s.untrack(conn)
		s.handlers.Done()
	}()

	origin := conn.RemoteAddr().String()
	// Handlers outlive the serving context so that a shutdown lets in-flight requests finish.
	ctx := relaycontext.WithLogFields(relaycontext.New(context.Background(), parent.Log), logrus.Fields{
		"origin":     origin,
		"request_id": shortuuid.New(),
	})

	if s.config.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(s.clock.Now().Add(s.config.ReadTimeout))
	}
	reader, err := s.readers.borrow(ctx, conn)
	if err != nil {
		logging.WithStacktrace(ctx.Log, err).Error("error borrowing read buffer")
		return
	}
	defer func() {
		if err := s.readers.release(ctx, reader); err != nil {
			logging.WithStacktrace(ctx.Log, err).Warn("error returning read buffer")
		}
	}()
	body, err := s.framer.ReadFrame(reader)
	if errors.Is(err, framing.ErrFrameTooLarge) {
		s.metrics.RecordRequest(OutcomeInvalidFormat)
		s.reply(ctx, conn, api.Error(api.MessageInvalidFormat))
		return
	}
	if err != nil {
		s.metrics.RecordRequest(OutcomeReadError)
		logging.WithStacktrace(ctx.Log, err).Debug("error reading request")
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		s.metrics.RecordRequest(OutcomeEmpty)
		return
	}

	s.reply(ctx, conn, s.Submit(ctx, body, origin))
}

// Submit validates body, enriches it and publishes it to the queue its type routes to.
// The returned Response is what the gateway writes back to the client.
func (s *Server) Submit(ctx *relaycontext.Context, body []byte, origin string) *api.Response {
	descriptor, err := task.Parse(body)
	switch {
	case errors.Is(err, task.ErrMissingType):
		s.metrics.RecordRequest(OutcomeMissingType)
		return api.Error(api.MessageMissingType)
	case err != nil:
		s.metrics.RecordRequest(OutcomeInvalidFormat)
		ctx.Log.WithError(err).Info("rejecting malformed request")
		return api.Error(api.MessageInvalidFormat)
	}

	taskType := descriptor.Type()
	identity, at := s.identities.Next(taskType)
	enriched := descriptor.Enrich(identity, at, origin)
	ctx = relaycontext.WithLogField(ctx, "task_identity", identity)

	queue, ok := s.routes.Resolve(taskType)
	if !ok {
		s.metrics.RecordRequest(OutcomeInvalidType)
		ctx.Log.Infof("rejecting task of unknown type %s", taskType)
		return api.Error(api.MessageInvalidTaskType + taskType)
	}
	ctx = relaycontext.WithLogField(ctx, "queue", queue)

	payload, err := enriched.Marshal()
	if err != nil {
		s.metrics.RecordRequest(OutcomeEnqueueFailed)
		logging.WithStacktrace(ctx.Log, err).Error("error marshalling task")
		return api.Error(api.MessageEnqueueFailed)
	}

	publishCtx := ctx
	if s.config.PublishTimeout > 0 {
		var cancel context.CancelFunc
		publishCtx, cancel = relaycontext.WithTimeout(ctx, s.config.PublishTimeout)
		defer cancel()
	}
	start := s.clock.Now()
	if err := s.broker.Publish(publishCtx, queue, payload); err != nil {
		s.metrics.RecordRequest(OutcomeEnqueueFailed)
		logging.WithStacktrace(ctx.Log, err).Error("error publishing task")
		return api.Error(api.MessageEnqueueFailed)
	}
	s.metrics.RecordPublish(queue, s.clock.Since(start))
	s.metrics.RecordRequest(OutcomeAccepted)
	ctx.Log.Info("task accepted")
	return api.Accepted(identity, queue)
}

func (s *Server) reply(ctx *relaycontext.Context, conn net.Conn, response *api.Response) {
	data, err := response.Marshal()
	if err != nil {
		logging.WithStacktrace(ctx.Log, err).Error("error marshalling response")
		return
	}
	if s.config.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(s.clock.Now().Add(s.config.WriteTimeout))
	}
	if err := s.framer.WriteFrame(conn, data); err != nil {
		logging.WithStacktrace(ctx.Log, err).Debug("error writing response")
	}
}

// drain waits for handlers to finish, closing whatever connections remain once the shutdown timeout passes.
func (s *Server) drain(ctx *relaycontext.Context) {
	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()
	timer := s.clock.NewTimer(s.config.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return
	case <-timer.C():
	}

	s.mu.Lock()
	remaining := len(s.conns)
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	ctx.Log.WithField("connections", remaining).Warn("shutdown timeout reached; closed remaining connections")
	<-done
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Server) untrack(conn net.Conn) {
	conn.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}
