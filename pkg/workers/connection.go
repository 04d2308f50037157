package workers

import (
	"context"

	"github.com/srand/buildmaster/pkg/protocol"
)

// Transport to a connected worker.
type Connection interface {
	// Sends one step of a build to the worker and waits for the worker to
	// acknowledge it. ctx bounds the wait for the acknowledgment only.
	//
	// The returned channel delivers status updates for the step. It is
	// closed after the final update, or early if the connection drops.
	StartCommand(ctx context.Context, buildID string, index int, step protocol.StepSpec) (<-chan *protocol.StatusUpdate, error)

	// Asks the worker to stop a running step. Best effort.
	InterruptCommand(ctx context.Context, buildID string, index int) error

	// Round trip to the worker.
	Ping(ctx context.Context) error

	// Tells the worker to disconnect.
	Shutdown(reason string) error

	// Closed when the connection is gone.
	Done() <-chan struct{}
}
