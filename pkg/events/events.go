package events

import (
	"context"

	"github.com/srand/buildmaster/pkg/log"
	"github.com/srand/buildmaster/pkg/protocol"
	"github.com/srand/buildmaster/pkg/utils"
)

// Publishes events to an external consumer.
type Sink interface {
	Publish(ctx context.Context, event *protocol.Event) error
	Close() error
}

// Delivers events from a subscription to every sink until the context is
// cancelled or the subscription is closed. Sink errors are logged and the
// event is dropped.
func Forward(ctx context.Context, events *utils.BroadcastConsumer[*protocol.Event], sinks ...Sink) {
	defer events.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-events.Chan:
			if !ok {
				return
			}

			for _, sink := range sinks {
				if err := sink.Publish(ctx, event); err != nil {
					log.Debugf("drop - event - type: %s, error: %v", event.Type, err)
				}
			}
		}
	}
}

// Writes events to the log.
type LogSink struct{}

func NewLogSink() *LogSink {
	return &LogSink{}
}

func (LogSink) Publish(_ context.Context, event *protocol.Event) error {
	switch {
	case event.BuildSet != nil:
		log.Infof("evt - %s - id: %d, result: %s", event.Type, event.BuildSet.ID, event.BuildSet.Result)
	case event.Step != nil && event.Build != nil:
		log.Debugf("evt - %s - build: %s, step: %s, state: %s, lines: %d",
			event.Type, event.Build.ID, event.Step.Name, event.Step.State, len(event.Lines))
	case event.Build != nil:
		log.Infof("evt - %s - id: %s, builder: %s, state: %s, result: %s",
			event.Type, event.Build.ID, event.Build.Builder, event.Build.State, event.Build.Result)
	default:
		log.Debugf("evt - %s", event.Type)
	}
	return nil
}

func (LogSink) Close() error {
	return nil
}
