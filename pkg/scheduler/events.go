package scheduler

import (
	"time"

	"github.com/srand/buildmaster/pkg/protocol"
	"github.com/srand/buildmaster/pkg/utils"
)

// Receives build and buildset status changes.
// Implementations must not block for long; they are called from
// build goroutines.
type EventSink interface {
	BuildStarted(build *protocol.BuildInfo)
	StepUpdate(build *protocol.BuildInfo, step *protocol.StepInfo, lines []protocol.LogLine)
	BuildFinished(build *protocol.BuildInfo)
	BuildsetFinished(buildset *protocol.BuildSetInfo)
}

// Forwards events to every sink in order.
type MultiSink []EventSink

func (m MultiSink) BuildStarted(build *protocol.BuildInfo) {
	for _, sink := range m {
		sink.BuildStarted(build)
	}
}

func (m MultiSink) StepUpdate(build *protocol.BuildInfo, step *protocol.StepInfo, lines []protocol.LogLine) {
	for _, sink := range m {
		sink.StepUpdate(build, step, lines)
	}
}

func (m MultiSink) BuildFinished(build *protocol.BuildInfo) {
	for _, sink := range m {
		sink.BuildFinished(build)
	}
}

func (m MultiSink) BuildsetFinished(buildset *protocol.BuildSetInfo) {
	for _, sink := range m {
		sink.BuildsetFinished(buildset)
	}
}

// In-process event stream.
// Subscribers that fall behind miss events.
type EventStream struct {
	broadcast *utils.Broadcast[*protocol.Event]
}

func NewEventStream() *EventStream {
	return &EventStream{
		broadcast: utils.NewBroadcast[*protocol.Event](time.Second),
	}
}

// Returns a new subscription. Close it when done.
func (s *EventStream) Subscribe() *utils.BroadcastConsumer[*protocol.Event] {
	return s.broadcast.NewConsumer()
}

func (s *EventStream) Close() {
	s.broadcast.Close()
}

func (s *EventStream) send(event *protocol.Event) {
	if !s.broadcast.HasConsumer() {
		return
	}
	event.Time = time.Now()
	s.broadcast.Send(event)
}

func (s *EventStream) BuildStarted(build *protocol.BuildInfo) {
	s.send(&protocol.Event{Type: protocol.EventBuildStarted, Build: build})
}

func (s *EventStream) StepUpdate(build *protocol.BuildInfo, step *protocol.StepInfo, lines []protocol.LogLine) {
	s.send(&protocol.Event{Type: protocol.EventStepUpdate, Build: build, Step: step, Lines: lines})
}

func (s *EventStream) BuildFinished(build *protocol.BuildInfo) {
	s.send(&protocol.Event{Type: protocol.EventBuildFinished, Build: build})
}

func (s *EventStream) BuildsetFinished(buildset *protocol.BuildSetInfo) {
	s.send(&protocol.Event{Type: protocol.EventBuildsetFinished, BuildSet: buildset})
}
