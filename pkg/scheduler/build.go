package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/srand/buildmaster/pkg/log"
	"github.com/srand/buildmaster/pkg/logstash"
	"github.com/srand/buildmaster/pkg/protocol"
	"github.com/srand/buildmaster/pkg/queue"
	"github.com/srand/buildmaster/pkg/utils"
	"github.com/srand/buildmaster/pkg/workers"
)

// What happens to the build request when a build finishes.
type disposition int

const (
	// Complete the request with the build result
	dispositionComplete disposition = iota
	// Return the request to the queue
	dispositionUnclaim
	// Leave the request alone, another master owns it
	dispositionAbandon
)

// A build of one build request on one worker.
//
// The build runs its steps in its own goroutine. It finishes exactly once,
// either when the last step is done or when it is aborted by cancellation,
// timeout, lease loss or worker disconnect.
type Build struct {
	sync.Mutex

	id         string
	builder    *BuilderConfig
	request    *queue.BuildRequest
	worker     *workers.Worker
	ackTimeout time.Duration

	state       protocol.BuildState
	result      protocol.Result
	reason      string
	steps       []protocol.StepInfo
	currentStep int
	createdAt   time.Time
	startedAt   time.Time
	finishedAt  time.Time

	ctx    context.Context
	cancel context.CancelFunc
	span   trace.Span
	once   sync.Once
	done   chan struct{}

	dispatcher *Dispatcher
}

func newBuild(d *Dispatcher, builder *BuilderConfig, request *queue.BuildRequest, worker *workers.Worker, ackTimeout time.Duration) *Build {
	steps := make([]protocol.StepInfo, len(builder.Steps))
	for i, step := range builder.Steps {
		steps[i] = protocol.StepInfo{
			Index: i,
			Name:  step.Name,
			State: protocol.StepPending,
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Build{
		id:          uuid.NewString(),
		builder:     builder,
		request:     request,
		worker:      worker,
		ackTimeout:  ackTimeout,
		state:       protocol.BuildCreated,
		steps:       steps,
		currentStep: -1,
		createdAt:   time.Now(),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		dispatcher:  d,
	}
}

func (b *Build) ID() string {
	return b.id
}

func (b *Build) Builder() string {
	return b.builder.Name
}

func (b *Build) Request() *queue.BuildRequest {
	return b.request
}

func (b *Build) Worker() *workers.Worker {
	return b.worker
}

func (b *Build) State() protocol.BuildState {
	b.Lock()
	defer b.Unlock()
	return b.state
}

// Result of the build. Only meaningful once the build is finished.
func (b *Build) Result() protocol.Result {
	b.Lock()
	defer b.Unlock()
	return b.result
}

// Closed when the build is finished.
func (b *Build) Done() <-chan struct{} {
	return b.done
}

func (b *Build) lockHolder() string {
	return fmt.Sprint(b.request.ID)
}

func (b *Build) logID(step int) string {
	return fmt.Sprintf("%s.%d", b.id, step)
}

func (b *Build) Info() *protocol.BuildInfo {
	b.Lock()
	defer b.Unlock()
	return b.infoNoLock()
}

func (b *Build) infoNoLock() *protocol.BuildInfo {
	return &protocol.BuildInfo{
		ID:         b.id,
		Builder:    b.builder.Name,
		RequestID:  b.request.ID,
		BuildSetID: b.request.BuildSetID,
		Worker:     b.worker.Name(),
		State:      b.state,
		Result:     b.result,
		Reason:     b.reason,
		Steps:      append([]protocol.StepInfo(nil), b.steps...),
		CreatedAt:  b.createdAt,
		StartedAt:  b.startedAt,
		FinishedAt: b.finishedAt,
	}
}

func (b *Build) String() string {
	return fmt.Sprintf("%s (%s, request %d)", b.id, b.builder.Name, b.request.ID)
}

// Cancels the build. The build finishes with USERCANCEL right away;
// the worker is asked to interrupt the running command.
func (b *Build) Cancel() error {
	if !b.abort(protocol.ResultCancelled, "cancelled", dispositionComplete) {
		return fmt.Errorf("%w: %s", utils.ErrTerminalBuild, b.id)
	}
	return nil
}

// Finishes the build early.
// Returns false if the build had already finished.
func (b *Build) abort(result protocol.Result, reason string, disp disposition) bool {
	b.Lock()
	step := b.currentStep
	b.Unlock()

	finished := b.finish(result, reason, disp)
	if finished && step >= 0 {
		b.interrupt(step, reason)
	}
	return finished
}

// Asks the worker to stop a command, without waiting for it.
func (b *Build) interrupt(step int, reason string) {
	conn := b.worker.Conn()

	select {
	case <-conn.Done():
		return
	default:
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), b.ackTimeout)
		defer cancel()

		log.Debugf("int - step - build: %s, step: %d, reason: %s", b.id, step, reason)
		if err := conn.InterruptCommand(ctx, b.id, step); err != nil {
			log.Debugf("Failed to interrupt step %d of build %s: %v", step, b.id, err)
		}
	}()
}

func (b *Build) finish(result protocol.Result, reason string, disp disposition) bool {
	finished := false

	b.once.Do(func() {
		finished = true

		b.Lock()
		b.state = protocol.BuildFinished
		b.result = result
		b.reason = reason
		b.finishedAt = time.Now()
		for i := range b.steps {
			switch b.steps[i].State {
			case protocol.StepPending:
				b.steps[i].State = protocol.StepNotRun
				b.steps[i].Result = protocol.ResultSkipped
			case protocol.StepRunning:
				b.steps[i].State = protocol.StepDone
				b.steps[i].Result = result
				b.steps[i].FinishedAt = b.finishedAt
			}
		}
		b.Unlock()

		b.cancel()

		if b.span != nil {
			b.span.SetAttributes(attribute.String("build.result", result.String()))
			if result.IsFailure() {
				b.span.SetStatus(codes.Error, reason)
			}
			b.span.End()
		}

		log.Infof("end - build - id: %s, result: %s, reason: %s", b.id, result, reason)

		b.dispatcher.buildFinished(b, disp)
		close(b.done)
	})

	return finished
}

func (b *Build) start(ctx context.Context) {
	_, b.span = b.dispatcher.tracer.Start(ctx, "build",
		trace.WithAttributes(
			attribute.String("build.id", b.id),
			attribute.String("build.builder", b.builder.Name),
			attribute.Int64("build.request", b.request.ID),
			attribute.String("build.worker", b.worker.Name()),
		))

	log.Infof("new - build - id: %s, builder: %s, request: %d, worker: %s",
		b.id, b.builder.Name, b.request.ID, b.worker.Name())

	go b.heartbeat()
	go b.run()
}

// Renews the claim on the request while the build runs.
func (b *Build) heartbeat() {
	period := b.dispatcher.queue.LeaseTimeout() / 3
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return

		case <-ticker.C:
			ctx, cancel := context.WithTimeout(b.ctx, period)
			err := b.dispatcher.queue.Renew(ctx, b.request.ID, b.dispatcher.id)
			cancel()

			switch {
			case err == nil:
			case errors.Is(err, utils.ErrLeaseLost), errors.Is(err, utils.ErrNotFound):
				log.Warnf("Lost claim of request %d, aborting build %s", b.request.ID, b.id)
				b.abort(protocol.ResultRetry, "lease lost", dispositionAbandon)
				return
			case b.ctx.Err() != nil:
				return
			default:
				log.Warnf("Failed to renew claim of request %d: %v", b.request.ID, err)
			}
		}
	}
}

func (b *Build) run() {
	if b.builder.Timeout > 0 {
		timer := time.AfterFunc(b.builder.Timeout, func() {
			b.abort(protocol.ResultException, "build timed out", dispositionComplete)
		})
		defer timer.Stop()
	}

	halted := false
	results := []protocol.Result{}

	for i := range b.builder.Steps {
		step := &b.builder.Steps[i]

		if halted && !step.AlwaysRun {
			b.skipStep(i)
			continue
		}

		result, ok := b.runStep(i, step)
		if !ok || b.ctx.Err() != nil {
			// Aborted, the build is already finished
			return
		}

		results = append(results, result)
		if step.Halts(result) {
			halted = true
		}
	}

	result := protocol.WorstOf(results...)
	disp := dispositionComplete
	if result == protocol.ResultRetry {
		disp = dispositionUnclaim
	}
	b.finish(result, "", disp)
}

func (b *Build) skipStep(index int) {
	b.Lock()
	b.steps[index].State = protocol.StepNotRun
	b.steps[index].Result = protocol.ResultSkipped
	info := b.infoNoLock()
	step := b.steps[index]
	b.Unlock()

	b.dispatcher.sink.StepUpdate(info, &step, nil)
}

// Updates the state of a step and publishes it.
func (b *Build) updateStep(index int, fn func(step *protocol.StepInfo), lines []protocol.LogLine) {
	b.Lock()
	if b.state == protocol.BuildFinished {
		b.Unlock()
		return
	}
	fn(&b.steps[index])
	info := b.infoNoLock()
	step := b.steps[index]
	b.Unlock()

	b.dispatcher.sink.StepUpdate(info, &step, lines)
}

// Marks the build started on the first acknowledged command.
func (b *Build) acknowledged(index int) {
	b.Lock()
	if b.state == protocol.BuildFinished {
		b.Unlock()
		return
	}

	started := b.state == protocol.BuildCreated
	if started {
		b.startedAt = time.Now()
	}
	b.state = protocol.BuildStepRunning
	b.currentStep = index
	b.steps[index].State = protocol.StepRunning
	b.steps[index].StartedAt = time.Now()
	b.steps[index].LogID = b.logID(index)

	info := b.infoNoLock()
	step := b.steps[index]
	b.Unlock()

	if started {
		event := *info
		event.State = protocol.BuildStarted
		b.dispatcher.sink.BuildStarted(&event)
	}
	b.dispatcher.sink.StepUpdate(info, &step, nil)
}

// Runs one step on the worker and returns its result.
// Returns false if the build was aborted while the step ran.
func (b *Build) runStep(index int, step *protocol.StepSpec) (protocol.Result, bool) {
	conn := b.worker.Conn()

	ackCtx, cancel := context.WithTimeout(b.ctx, b.ackTimeout)
	updates, err := conn.StartCommand(ackCtx, b.id, index, *step)
	cancel()

	if err != nil {
		switch {
		case b.ctx.Err() != nil:
			return protocol.ResultCancelled, false

		case errors.Is(err, context.DeadlineExceeded):
			b.abort(protocol.ResultRetry, "worker did not acknowledge command", dispositionUnclaim)
			return protocol.ResultRetry, false

		case errors.Is(err, utils.ErrWorkerUnavailable):
			b.abort(protocol.ResultRetry, "worker disconnected", dispositionUnclaim)
			return protocol.ResultRetry, false
		}

		// The worker refused the command
		b.acknowledged(index)
		b.updateStep(index, func(s *protocol.StepInfo) {
			s.State = protocol.StepDone
			s.Result = protocol.ResultException
			s.Summary = err.Error()
			s.FinishedAt = time.Now()
		}, nil)
		return protocol.ResultException, true
	}

	b.acknowledged(index)

	var writer logstash.LogWriter
	if b.dispatcher.logs != nil {
		writer, err = b.dispatcher.logs.Append(b.logID(index))
		if err != nil {
			log.Warnf("Failed to open log of step %d of build %s: %v", index, b.id, err)
		} else {
			defer writer.Close()
		}
	}

	var timeout <-chan time.Time
	if step.Timeout > 0 {
		timer := time.NewTimer(step.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	// Bounds the wait for the final update of an interrupted step
	var grace <-chan time.Time
	timedOut := false

	for {
		select {
		case <-b.ctx.Done():
			return protocol.ResultCancelled, false

		case <-timeout:
			log.Infof("Step %d of build %s timed out after %s", index, b.id, step.Timeout)
			timedOut = true
			timeout = nil
			b.interrupt(index, "step timed out")
			grace = time.After(b.ackTimeout)

		case <-grace:
			b.endStep(index, protocol.ResultFailure, "timed out")
			return protocol.ResultFailure, true

		case update, ok := <-updates:
			if !ok {
				b.abort(protocol.ResultRetry, "worker disconnected", dispositionUnclaim)
				return protocol.ResultRetry, false
			}

			if writer != nil {
				for i := range update.Lines {
					if err := writer.WriteLine(&update.Lines[i]); err != nil {
						log.Debug("Failed to write log line:", err)
						break
					}
				}
			}

			if !update.IsFinal() {
				if len(update.Lines) > 0 {
					b.updateStep(index, func(*protocol.StepInfo) {}, update.Lines)
				}
				continue
			}

			result, summary := stepResult(step, update, timedOut)
			b.endStep(index, result, summary)
			return result, true
		}
	}
}

func (b *Build) endStep(index int, result protocol.Result, summary string) {
	b.updateStep(index, func(s *protocol.StepInfo) {
		s.State = protocol.StepDone
		s.Result = result
		s.Summary = summary
		s.FinishedAt = time.Now()
	}, nil)

	b.Lock()
	if b.state != protocol.BuildFinished {
		b.state = protocol.BuildStepDone
		b.currentStep = -1
	}
	b.Unlock()

	log.Debugf("end - step - build: %s, step: %d, result: %s", b.id, index, result)
}

// Decides the result of a step from its final update.
func stepResult(step *protocol.StepSpec, update *protocol.StatusUpdate, timedOut bool) (protocol.Result, string) {
	switch {
	case timedOut:
		return protocol.ResultFailure, "timed out"
	case update.Error != "":
		return protocol.ResultException, update.Error
	case update.Result != nil:
		return *update.Result, update.Summary
	case update.Interrupted:
		return protocol.ResultException, "interrupted"
	default:
		return step.ResultForExit(update.ExitCode), update.Summary
	}
}
