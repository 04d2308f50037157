package workers

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/srand/buildmaster/pkg/protocol"
)

// What a worker declares when it connects.
type Capabilities struct {
	// Builders the worker serves.
	Builders []string

	// Maximum number of simultaneous builds. At least one.
	MaxBuilds int

	// Platform properties.
	Properties Properties
}

// A connected worker.
// The worker only knows which builds are assigned to it; the builds
// themselves are owned by the dispatcher.
type Worker struct {
	sync.Mutex

	id          uuid.UUID
	name        string
	token       string
	caps        Capabilities
	builders    map[string]bool
	conn        Connection
	state       protocol.WorkerState
	builds      map[string]bool
	connectedAt time.Time

	// Closed when a graceful shutdown may proceed.
	drained chan struct{}
}

func newWorker(name string, caps Capabilities, conn Connection) *Worker {
	if caps.MaxBuilds < 1 {
		caps.MaxBuilds = 1
	}

	builders := map[string]bool{}
	for _, builder := range caps.Builders {
		builders[builder] = true
	}

	return &Worker{
		id:          uuid.New(),
		name:        name,
		token:       uuid.NewString(),
		caps:        caps,
		builders:    builders,
		conn:        conn,
		state:       protocol.WorkerRunning,
		builds:      map[string]bool{},
		connectedAt: time.Now(),
	}
}

func (w *Worker) ID() string {
	return w.id.String()
}

func (w *Worker) Name() string {
	return w.name
}

func (w *Worker) Conn() Connection {
	return w.conn
}

func (w *Worker) Properties() Properties {
	return w.caps.Properties
}

func (w *Worker) ConnectedAt() time.Time {
	return w.connectedAt
}

// Returns true if the worker is configured to serve the builder.
func (w *Worker) Serves(builder string) bool {
	return w.builders[builder]
}

func (w *Worker) State() protocol.WorkerState {
	w.Lock()
	defer w.Unlock()
	return w.state
}

// Number of builds assigned to the worker.
func (w *Worker) Active() int {
	w.Lock()
	defer w.Unlock()
	return len(w.builds)
}

// Number of free build slots.
func (w *Worker) Free() int {
	w.Lock()
	defer w.Unlock()
	return w.caps.MaxBuilds - len(w.builds)
}

// Ids of the builds assigned to the worker.
func (w *Worker) Builds() []string {
	w.Lock()
	defer w.Unlock()
	return w.buildsNoLock()
}

func (w *Worker) buildsNoLock() []string {
	builds := make([]string, 0, len(w.builds))
	for id := range w.builds {
		builds = append(builds, id)
	}
	sort.Strings(builds)
	return builds
}

// Returns true if the worker may be assigned another build.
func (w *Worker) available() bool {
	if w.state != protocol.WorkerRunning || len(w.builds) >= w.caps.MaxBuilds {
		return false
	}

	// Connection dropped, disconnect not yet processed
	select {
	case <-w.conn.Done():
		return false
	default:
		return true
	}
}

// Returns a snapshot of the worker for reporting.
func (w *Worker) Info() *protocol.WorkerInfo {
	w.Lock()
	defer w.Unlock()

	builders := append([]string(nil), w.caps.Builders...)
	sort.Strings(builders)

	return &protocol.WorkerInfo{
		ID:          w.ID(),
		Name:        w.name,
		State:       w.state,
		Builders:    builders,
		MaxBuilds:   w.caps.MaxBuilds,
		Builds:      w.buildsNoLock(),
		Properties:  append([]protocol.Property(nil), w.caps.Properties...),
		ConnectedAt: w.connectedAt,
	}
}

// Returns a string representation of the worker: its name, or
// its hostname if it has no name.
func (w *Worker) String() string {
	if w.name != "" {
		return w.name
	}
	if hostname := w.caps.Properties.Hostname(); hostname != "" {
		return hostname
	}
	return w.ID()
}
