package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/srand/buildmaster/pkg/log"
	"github.com/srand/buildmaster/pkg/protocol"
	"github.com/srand/buildmaster/pkg/utils"
	"github.com/srand/buildmaster/pkg/workers"
)

// Version reported to the master when enlisting.
var Version = "dev"

// Number of output lines sent in one status update.
const maxLinesPerUpdate = 100

// Interval at which buffered output is sent.
const outputFlushInterval = 200 * time.Millisecond

var errShutdown = errors.New("shutdown requested by master")

// Connects to the build master and runs the steps it assigns.
type Agent struct {
	config     *WorkerConfig
	client     protocol.WorkerClient
	handlers   Handlers
	properties workers.Properties
}

func NewAgent(config *WorkerConfig, client protocol.WorkerClient, handlers Handlers) *Agent {
	return &Agent{
		config:     config,
		client:     client,
		handlers:   handlers,
		properties: config.PlatformProperties(),
	}
}

// Runs sessions with the master until the context is cancelled or the
// master asks the worker to shut down. Lost connections are retried with
// exponential backoff.
func (a *Agent) Run(ctx context.Context) error {
	log.Info("Starting")
	defer log.Info("Terminating")

	backoff := a.config.ReconnectMin

	for {
		welcomed, err := a.session(ctx)
		switch {
		case errors.Is(err, errShutdown):
			return nil
		case ctx.Err() != nil:
			return nil
		}

		if welcomed {
			backoff = a.config.ReconnectMin
		}

		log.Infof("Disconnected from master: %v, reconnecting in %s", err, backoff)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		backoff = min(backoff*2, a.config.ReconnectMax)
	}
}

// A single connection to the master.
type session struct {
	agent  *Agent
	stream protocol.WorkerConnectClient
	group  *errgroup.Group
	ctx    context.Context

	sendMu sync.Mutex

	sync.Mutex
	commands map[string]*command
}

type command struct {
	cancel      context.CancelFunc
	interrupted bool
}

// Runs one session. Returns true if the master accepted the worker.
func (a *Agent) session(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := a.client.Connect(ctx)
	if err != nil {
		return false, err
	}

	err = stream.Send(&protocol.WorkerMessage{
		Enlist: &protocol.Enlist{
			Name:       a.config.Name,
			Builders:   a.config.Builders,
			MaxBuilds:  a.config.MaxBuilds,
			Properties: a.properties,
			Version:    Version,
		},
	})
	if err != nil {
		return false, err
	}

	msg, err := stream.Recv()
	if err != nil {
		return false, err
	}
	if msg.Welcome == nil {
		return false, fmt.Errorf("expected welcome message")
	}

	log.Infof("new - session - worker: %s, id: %s", a.config.Name, msg.Welcome.WorkerID)

	group, gctx := errgroup.WithContext(ctx)
	// Unblocks the receiver when a command fails to report
	context.AfterFunc(gctx, cancel)

	s := &session{
		agent:    a,
		stream:   stream,
		group:    group,
		ctx:      gctx,
		commands: map[string]*command{},
	}

	group.Go(s.receive)

	err = group.Wait()
	stream.CloseSend()
	return true, err
}

func (s *session) send(msg *protocol.WorkerMessage) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.stream.Send(msg)
}

// Reads messages from the master until the stream ends.
func (s *session) receive() error {
	for {
		msg, err := s.stream.Recv()
		if err == io.EOF {
			return fmt.Errorf("stream closed by master")
		}
		if err != nil {
			return err
		}

		switch {
		case msg.Command != nil:
			if err := s.start(msg.Command); err != nil {
				return err
			}

		case msg.Interrupt != nil:
			s.interrupt(msg.Interrupt)

		case msg.Ping != nil:
			if err := s.send(&protocol.WorkerMessage{Pong: msg.Ping}); err != nil {
				return err
			}

		case msg.Shutdown != nil:
			log.Infof("Shutdown requested by master: %s", msg.Shutdown.Reason)
			return errShutdown

		default:
			log.Warn("Unrecognized message received from master")
		}
	}
}

// Acknowledges a command and runs it in the background.
func (s *session) start(cmd *protocol.StartCommand) error {
	handler, ok := s.agent.handlers[cmd.Spec.Kind]
	if !ok {
		log.Warnf("Refused command %s: unknown step kind %q", cmd.CommandID, cmd.Spec.Kind)
		return s.send(&protocol.WorkerMessage{
			Ack: &protocol.CommandAck{CommandID: cmd.CommandID, Error: fmt.Sprintf("unknown step kind %q", cmd.Spec.Kind)},
		})
	}

	s.Lock()
	if _, ok := s.commands[cmd.CommandID]; ok {
		s.Unlock()
		return s.send(&protocol.WorkerMessage{
			Ack: &protocol.CommandAck{CommandID: cmd.CommandID, Error: "command already running"},
		})
	}
	ctx, cancel := context.WithCancel(s.ctx)
	state := &command{cancel: cancel}
	s.commands[cmd.CommandID] = state
	s.Unlock()

	if err := s.send(&protocol.WorkerMessage{Ack: &protocol.CommandAck{CommandID: cmd.CommandID}}); err != nil {
		cancel()
		return err
	}

	log.Infof("new - command - id: %s, step: %s", cmd.CommandID, cmd.Spec.Name)

	s.group.Go(func() error {
		defer cancel()
		defer func() {
			s.Lock()
			delete(s.commands, cmd.CommandID)
			s.Unlock()
		}()

		return s.run(ctx, state, handler, cmd)
	})

	return nil
}

func (s *session) interrupt(msg *protocol.Interrupt) {
	s.Lock()
	defer s.Unlock()

	cmd, ok := s.commands[msg.CommandID]
	if !ok {
		log.Debug("Interrupt for unknown command", msg.CommandID)
		return
	}

	log.Infof("int - command - id: %s, reason: %s", msg.CommandID, msg.Reason)
	cmd.interrupted = true
	cmd.cancel()
}

// Runs a command and reports its output and result.
func (s *session) run(ctx context.Context, state *command, handler StepHandler, cmd *protocol.StartCommand) error {
	var mu sync.Mutex
	var lines []protocol.LogLine

	flush := func() error {
		mu.Lock()
		pending := lines
		lines = nil
		mu.Unlock()

		for len(pending) > 0 {
			n := min(len(pending), maxLinesPerUpdate)
			err := s.send(&protocol.WorkerMessage{
				Update: &protocol.StatusUpdate{
					CommandID: cmd.CommandID,
					BuildID:   cmd.BuildID,
					Step:      cmd.Step,
					Kind:      protocol.UpdateLog,
					Lines:     pending[:n],
				},
			})
			if err != nil {
				return err
			}
			pending = pending[n:]
		}
		return nil
	}

	output := func(line protocol.LogLine) {
		mu.Lock()
		lines = append(lines, line)
		mu.Unlock()
	}

	// Periodic flush while the command runs
	stopFlusher := make(chan struct{})
	flusherDone := make(chan struct{})
	go func() {
		defer close(flusherDone)

		ticker := time.NewTicker(outputFlushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stopFlusher:
				return
			case <-ticker.C:
				if err := flush(); err != nil {
					log.Debug("Failed to send output:", err)
				}
			}
		}
	}()

	exitCode, err := handler.Execute(ctx, cmd, output)

	var detailed utils.DetailedError
	if errors.As(err, &detailed) {
		output(protocol.LogLine{Time: time.Now(), Stream: "stderr", Message: detailed.Details()})
	}

	close(stopFlusher)
	<-flusherDone

	if ferr := flush(); ferr != nil {
		return ferr
	}

	s.Lock()
	interrupted := state.interrupted
	s.Unlock()

	update := &protocol.StatusUpdate{
		CommandID:   cmd.CommandID,
		BuildID:     cmd.BuildID,
		Step:        cmd.Step,
		Kind:        protocol.UpdateFinished,
		ExitCode:    exitCode,
		Interrupted: interrupted,
		Summary:     handler.Summarize(cmd, exitCode),
	}
	if err != nil {
		update.Error = err.Error()
	}

	log.Infof("end - command - id: %s, exit: %d, interrupted: %v", cmd.CommandID, exitCode, interrupted)

	// The session is gone, the master has already given up on the command
	if s.ctx.Err() != nil && !interrupted {
		return nil
	}

	return s.send(&protocol.WorkerMessage{Update: update})
}
