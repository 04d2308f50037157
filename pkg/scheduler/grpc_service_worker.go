package scheduler

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/srand/buildmaster/pkg/log"
	"github.com/srand/buildmaster/pkg/protocol"
	"github.com/srand/buildmaster/pkg/utils"
	"github.com/srand/buildmaster/pkg/workers"
)

// Default interval between liveness probes of a worker.
const DefaultKeepalive = 30 * time.Second

type workerService struct {
	pool      *workers.Pool
	keepalive time.Duration
}

func NewWorkerService(pool *workers.Pool, keepalive time.Duration) *workerService {
	if keepalive <= 0 {
		keepalive = DefaultKeepalive
	}
	return &workerService{
		pool:      pool,
		keepalive: keepalive,
	}
}

func (s *workerService) Connect(stream protocol.WorkerConnectServer) error {
	msg, err := stream.Recv()
	if err != nil {
		return utils.GrpcError(err)
	}

	if msg.Enlist == nil {
		return utils.GrpcError(fmt.Errorf("%w: expected enlist message", utils.ErrBadRequest))
	}

	enlist := msg.Enlist
	caps := workers.Capabilities{
		Builders:   enlist.Builders,
		MaxBuilds:  enlist.MaxBuilds,
		Properties: workers.Properties(enlist.Properties),
	}

	conn := newGrpcConnection(stream)

	worker, token, err := s.pool.Register(enlist.Name, caps, conn)
	if err != nil {
		conn.close()
		log.Warnf("Refused worker %s: %v", enlist.Name, err)
		return utils.GrpcError(err)
	}
	defer s.pool.NotifyDisconnect(worker.ID())
	defer conn.close()

	if err := conn.welcome(worker.ID(), token); err != nil {
		log.Trace("Worker write error:", err)
		return utils.GrpcError(err)
	}

	log.Infof("new - worker - id: %s, name: %s, builders: %v, version: %s", worker.ID(), worker.Name(), enlist.Builders, enlist.Version)

	messages := make(chan *protocol.WorkerMessage, 1)
	go receiveMessages(stream.Context(), stream, messages)

	keepalive := time.NewTicker(s.keepalive)
	defer keepalive.Stop()

	pings := make(chan error, 1)

	for {
		select {
		case <-stream.Context().Done():
			return nil

		case <-keepalive.C:
			go func() {
				ctx, cancel := context.WithTimeout(stream.Context(), s.keepalive)
				defer cancel()
				select {
				case pings <- conn.Ping(ctx):
				default:
				}
			}()

		case err := <-pings:
			if err != nil {
				log.Warnf("Worker %s is not responding: %v", worker.Name(), err)
				return utils.GrpcError(fmt.Errorf("%w: keepalive timeout", utils.ErrWorkerUnavailable))
			}

		case msg := <-messages:
			if msg == nil {
				log.Trace("Worker stream closed")
				return nil
			}

			conn.route(msg)
		}
	}
}

// Forwards messages from the worker until the stream ends or ctx is done.
func receiveMessages(ctx context.Context, stream protocol.WorkerConnectServer, messages chan<- *protocol.WorkerMessage) {
	defer close(messages)

	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			return
		}
		if err != nil {
			log.Trace("Worker read error:", err)
			return
		}

		select {
		case messages <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// Time the routing goroutine waits for a build to accept an update.
const updateDeliveryTimeout = 10 * time.Second

// Worker connection over a gRPC stream.
//
// Acknowledgments and status updates are routed to the waiting commands by
// command id. Update channels are only written and closed by the goroutine
// serving the stream.
type grpcConnection struct {
	sync.Mutex

	stream protocol.WorkerConnectServer
	sendMu sync.Mutex

	acks     map[string]chan *protocol.CommandAck
	commands map[string]chan *protocol.StatusUpdate
	pongs    map[string]chan struct{}

	// Closed once the welcome message has been sent.
	ready     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newGrpcConnection(stream protocol.WorkerConnectServer) *grpcConnection {
	return &grpcConnection{
		stream:   stream,
		acks:     map[string]chan *protocol.CommandAck{},
		commands: map[string]chan *protocol.StatusUpdate{},
		pongs:    map[string]chan struct{}{},
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func commandID(buildID string, index int) string {
	return fmt.Sprintf("%s.%d", buildID, index)
}

func (c *grpcConnection) welcome(workerID, token string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	err := c.stream.Send(&protocol.MasterMessage{
		Welcome: &protocol.Welcome{WorkerID: workerID, Token: token},
	})
	if err == nil {
		close(c.ready)
	}
	return err
}

func (c *grpcConnection) send(msg *protocol.MasterMessage) error {
	select {
	case <-c.ready:
	case <-c.done:
		return utils.ErrWorkerUnavailable
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	select {
	case <-c.done:
		return utils.ErrWorkerUnavailable
	default:
	}

	if err := c.stream.Send(msg); err != nil {
		return fmt.Errorf("%w: %v", utils.ErrWorkerUnavailable, err)
	}
	return nil
}

func (c *grpcConnection) StartCommand(ctx context.Context, buildID string, index int, step protocol.StepSpec) (<-chan *protocol.StatusUpdate, error) {
	id := commandID(buildID, index)
	ack := make(chan *protocol.CommandAck, 1)
	updates := make(chan *protocol.StatusUpdate, 64)

	c.Lock()
	select {
	case <-c.done:
		c.Unlock()
		return nil, utils.ErrWorkerUnavailable
	default:
	}
	c.acks[id] = ack
	c.commands[id] = updates
	c.Unlock()

	forget := func() {
		c.Lock()
		delete(c.acks, id)
		delete(c.commands, id)
		c.Unlock()
	}

	err := c.send(&protocol.MasterMessage{
		Command: &protocol.StartCommand{
			CommandID: id,
			BuildID:   buildID,
			Step:      index,
			Spec:      step,
		},
	})
	if err != nil {
		forget()
		return nil, err
	}

	select {
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()

	case <-c.done:
		return nil, utils.ErrWorkerUnavailable

	case a := <-ack:
		if a.Error != "" {
			forget()
			return nil, fmt.Errorf("worker refused command %s: %s", id, a.Error)
		}
		return updates, nil
	}
}

func (c *grpcConnection) InterruptCommand(ctx context.Context, buildID string, index int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return c.send(&protocol.MasterMessage{
		Interrupt: &protocol.Interrupt{
			CommandID: commandID(buildID, index),
			BuildID:   buildID,
		},
	})
}

func (c *grpcConnection) Ping(ctx context.Context) error {
	nonce := uuid.NewString()
	pong := make(chan struct{})

	c.Lock()
	c.pongs[nonce] = pong
	c.Unlock()

	defer func() {
		c.Lock()
		delete(c.pongs, nonce)
		c.Unlock()
	}()

	if err := c.send(&protocol.MasterMessage{Ping: &protocol.Ping{Nonce: nonce}}); err != nil {
		return err
	}

	select {
	case <-pong:
		return nil
	case <-c.done:
		return utils.ErrWorkerUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *grpcConnection) Shutdown(reason string) error {
	return c.send(&protocol.MasterMessage{Shutdown: &protocol.Shutdown{Reason: reason}})
}

func (c *grpcConnection) Done() <-chan struct{} {
	return c.done
}

// Delivers a message from the worker to whoever waits for it.
func (c *grpcConnection) route(msg *protocol.WorkerMessage) {
	switch {
	case msg.Ack != nil:
		c.Lock()
		ack, ok := c.acks[msg.Ack.CommandID]
		delete(c.acks, msg.Ack.CommandID)
		c.Unlock()

		if !ok {
			log.Debug("Got acknowledgment for unknown command", msg.Ack.CommandID)
			return
		}
		ack <- msg.Ack

	case msg.Update != nil:
		c.Lock()
		updates, ok := c.commands[msg.Update.CommandID]
		if ok && msg.Update.IsFinal() {
			delete(c.commands, msg.Update.CommandID)
		}
		c.Unlock()

		if !ok {
			log.Debug("Got update for unknown command", msg.Update.CommandID)
			return
		}

		timer := time.NewTimer(updateDeliveryTimeout)
		defer timer.Stop()

		select {
		case updates <- msg.Update:
		case <-timer.C:
			log.Warnf("Dropped update of command %s, nobody is listening", msg.Update.CommandID)
		}

		if msg.Update.IsFinal() {
			close(updates)
		}

	case msg.Pong != nil:
		c.Lock()
		pong, ok := c.pongs[msg.Pong.Nonce]
		delete(c.pongs, msg.Pong.Nonce)
		c.Unlock()

		if ok {
			close(pong)
		}

	case msg.Enlist != nil:
		log.Warn("Worker enlisted twice, ignoring")

	default:
		log.Warn("Unrecognized message received from worker")
	}
}

// Marks the connection as gone and ends all running commands.
func (c *grpcConnection) close() {
	c.closeOnce.Do(func() {
		c.sendMu.Lock()
		c.Lock()
		close(c.done)
		commands := c.commands
		c.commands = map[string]chan *protocol.StatusUpdate{}
		c.Unlock()
		c.sendMu.Unlock()

		for _, updates := range commands {
			close(updates)
		}
	})
}

var _ workers.Connection = (*grpcConnection)(nil)
