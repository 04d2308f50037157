package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/srand/buildmaster/pkg/protocol"
	"github.com/srand/buildmaster/pkg/utils"
)

// Polls cond until it returns true or the test times out.
func waitFor(t *testing.T, cond func() bool, msgAndArgs ...any) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 5*time.Millisecond, msgAndArgs...)
}

// How a fake worker runs a step.
type stepScript struct {
	// Refuse the command with this error.
	refuse string
	// Never acknowledge the command.
	noAck bool
	// Keep running until interrupted or completed by the test.
	hang bool
	// Exit status of the step.
	exitCode int
	// Result reported by the worker.
	result *protocol.Result
	// Output lines.
	lines []string
}

type scriptFunc func(buildID string, index int, step protocol.StepSpec) stepScript

// Worker connection that runs steps according to a script.
type fakeConnection struct {
	sync.Mutex

	script     scriptFunc
	started    []string
	interrupts []string
	shutdowns  []string
	hanging    map[string]chan *protocol.StatusUpdate
	done       chan struct{}
	dropOnce   sync.Once
}

func newFakeConnection(script scriptFunc) *fakeConnection {
	return &fakeConnection{
		script:  script,
		hanging: map[string]chan *protocol.StatusUpdate{},
		done:    make(chan struct{}),
	}
}

func hangAll(string, int, protocol.StepSpec) stepScript {
	return stepScript{hang: true}
}

func (c *fakeConnection) StartCommand(ctx context.Context, buildID string, index int, step protocol.StepSpec) (<-chan *protocol.StatusUpdate, error) {
	select {
	case <-c.done:
		return nil, utils.ErrWorkerUnavailable
	default:
	}

	script := stepScript{}
	if c.script != nil {
		script = c.script(buildID, index, step)
	}

	id := commandID(buildID, index)

	switch {
	case script.noAck:
		<-ctx.Done()
		return nil, ctx.Err()
	case script.refuse != "":
		return nil, fmt.Errorf("worker refused command %s: %s", id, script.refuse)
	}

	updates := make(chan *protocol.StatusUpdate, 8)

	if len(script.lines) > 0 {
		lines := []protocol.LogLine{}
		for _, line := range script.lines {
			lines = append(lines, protocol.LogLine{Time: time.Now(), Stream: "stdout", Message: line})
		}
		updates <- &protocol.StatusUpdate{CommandID: id, BuildID: buildID, Step: index, Kind: protocol.UpdateLog, Lines: lines}
	}

	c.Lock()
	defer c.Unlock()

	c.started = append(c.started, id)

	if script.hang {
		c.hanging[id] = updates
		return updates, nil
	}

	updates <- &protocol.StatusUpdate{
		CommandID: id,
		BuildID:   buildID,
		Step:      index,
		Kind:      protocol.UpdateFinished,
		ExitCode:  script.exitCode,
		Result:    script.result,
	}
	close(updates)
	return updates, nil
}

// Finishes a hanging command with an exit status.
func (c *fakeConnection) complete(buildID string, index int, exitCode int) bool {
	c.Lock()
	defer c.Unlock()

	id := commandID(buildID, index)
	updates, ok := c.hanging[id]
	if !ok {
		return false
	}
	delete(c.hanging, id)

	updates <- &protocol.StatusUpdate{CommandID: id, BuildID: buildID, Step: index, Kind: protocol.UpdateFinished, ExitCode: exitCode}
	close(updates)
	return true
}

func (c *fakeConnection) InterruptCommand(ctx context.Context, buildID string, index int) error {
	c.Lock()
	defer c.Unlock()

	id := commandID(buildID, index)
	c.interrupts = append(c.interrupts, id)

	if updates, ok := c.hanging[id]; ok {
		delete(c.hanging, id)
		updates <- &protocol.StatusUpdate{CommandID: id, BuildID: buildID, Step: index, Kind: protocol.UpdateFinished, ExitCode: -1, Interrupted: true}
		close(updates)
	}
	return nil
}

func (c *fakeConnection) Ping(context.Context) error {
	return nil
}

func (c *fakeConnection) Shutdown(reason string) error {
	c.Lock()
	defer c.Unlock()
	c.shutdowns = append(c.shutdowns, reason)
	return nil
}

func (c *fakeConnection) Done() <-chan struct{} {
	return c.done
}

// Simulates a dropped connection.
func (c *fakeConnection) drop() {
	c.dropOnce.Do(func() {
		c.Lock()
		defer c.Unlock()

		close(c.done)
		for id, updates := range c.hanging {
			close(updates)
			delete(c.hanging, id)
		}
	})
}

func (c *fakeConnection) startedCommands() []string {
	c.Lock()
	defer c.Unlock()
	return append([]string(nil), c.started...)
}

func (c *fakeConnection) interrupted() []string {
	c.Lock()
	defer c.Unlock()
	return append([]string(nil), c.interrupts...)
}

func (c *fakeConnection) isHanging(buildID string, index int) bool {
	c.Lock()
	defer c.Unlock()
	_, ok := c.hanging[commandID(buildID, index)]
	return ok
}

// Sink recording all events.
type recordingSink struct {
	sync.Mutex

	started   []*protocol.BuildInfo
	steps     []*protocol.StepInfo
	finished  []*protocol.BuildInfo
	buildsets []*protocol.BuildSetInfo
}

func (s *recordingSink) BuildStarted(build *protocol.BuildInfo) {
	s.Lock()
	defer s.Unlock()
	s.started = append(s.started, build)
}

func (s *recordingSink) StepUpdate(build *protocol.BuildInfo, step *protocol.StepInfo, lines []protocol.LogLine) {
	s.Lock()
	defer s.Unlock()
	s.steps = append(s.steps, step)
}

func (s *recordingSink) BuildFinished(build *protocol.BuildInfo) {
	s.Lock()
	defer s.Unlock()
	s.finished = append(s.finished, build)
}

func (s *recordingSink) BuildsetFinished(buildset *protocol.BuildSetInfo) {
	s.Lock()
	defer s.Unlock()
	s.buildsets = append(s.buildsets, buildset)
}

func (s *recordingSink) startedBuilds() []*protocol.BuildInfo {
	s.Lock()
	defer s.Unlock()
	return append([]*protocol.BuildInfo(nil), s.started...)
}

func (s *recordingSink) finishedBuilds() []*protocol.BuildInfo {
	s.Lock()
	defer s.Unlock()
	return append([]*protocol.BuildInfo(nil), s.finished...)
}

func (s *recordingSink) finishedBuildsets() []*protocol.BuildSetInfo {
	s.Lock()
	defer s.Unlock()
	return append([]*protocol.BuildSetInfo(nil), s.buildsets...)
}

type stashSize int64

func (s stashSize) MaxSize() int64 {
	return int64(s)
}

func noopStep(name string) protocol.StepSpec {
	return protocol.StepSpec{Name: name, Kind: protocol.StepNoop}
}

func newBuilder(name string, steps ...protocol.StepSpec) BuilderConfig {
	return BuilderConfig{Name: name, Steps: steps}
}
