package workers

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/srand/buildmaster/pkg/log"
	"github.com/srand/buildmaster/pkg/protocol"
	"github.com/srand/buildmaster/pkg/utils"
)

// Called when a worker may accept new builds.
type IdleFunc func(w *Worker)

// Called when a worker is gone, with the builds that were assigned to it.
type DisconnectFunc func(w *Worker, builds []string)

// The set of connected workers.
//
// The free slot counter of a worker is only changed by Reserve and Release.
type Pool struct {
	sync.RWMutex

	// Map of worker id to worker
	workers map[string]*Worker

	// Map of worker name to worker id
	names map[string]string

	onIdle       []IdleFunc
	onDisconnect []DisconnectFunc
}

func NewPool() *Pool {
	return &Pool{
		workers: map[string]*Worker{},
		names:   map[string]string{},
	}
}

// Registers a function called when a worker may accept new builds.
func (p *Pool) OnIdle(fn IdleFunc) {
	p.Lock()
	defer p.Unlock()
	p.onIdle = append(p.onIdle, fn)
}

// Registers a function called when a worker disconnects.
func (p *Pool) OnDisconnect(fn DisconnectFunc) {
	p.Lock()
	defer p.Unlock()
	p.onDisconnect = append(p.onDisconnect, fn)
}

// Registers a newly connected worker.
// Returns the worker and a token identifying the connection.
func (p *Pool) Register(name string, caps Capabilities, conn Connection) (*Worker, string, error) {
	if name == "" {
		return nil, "", fmt.Errorf("%w: worker has no name", utils.ErrBadRequest)
	}

	p.Lock()
	if id, ok := p.names[name]; ok {
		existing := p.workers[id]

		select {
		case <-existing.conn.Done():
			// Stale entry from a dropped connection, replaced below
			p.Unlock()
			p.NotifyDisconnect(id)
			p.Lock()

		default:
			p.Unlock()
			log.Warnf("new - worker - duplicate name: %s", name)
			return nil, "", fmt.Errorf("%w: %s", utils.ErrDuplicateWorker, name)
		}

		// Lost a race against another connection with the same name
		if _, ok := p.names[name]; ok {
			p.Unlock()
			return nil, "", fmt.Errorf("%w: %s", utils.ErrDuplicateWorker, name)
		}
	}

	w := newWorker(name, caps, conn)
	p.workers[w.ID()] = w
	p.names[name] = w.ID()
	p.Unlock()

	log.Infof("new - worker - id: %s, name: %s, builders: %v, slots: %d", w.ID(), name, caps.Builders, w.caps.MaxBuilds)

	p.notifyIdle(w)
	return w, w.token, nil
}

// Returns a worker by id.
func (p *Pool) Get(id string) (*Worker, error) {
	p.RLock()
	defer p.RUnlock()

	w, ok := p.workers[id]
	if !ok {
		return nil, fmt.Errorf("%w: worker %s", utils.ErrNotFound, id)
	}
	return w, nil
}

// Returns a worker by id or name.
func (p *Pool) Lookup(idOrName string) (*Worker, error) {
	p.RLock()
	if id, ok := p.names[idOrName]; ok {
		idOrName = id
	}
	p.RUnlock()

	return p.Get(idOrName)
}

// Returns all workers, ordered by name.
func (p *Pool) List() []*Worker {
	p.RLock()
	workers := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.RUnlock()

	sort.Slice(workers, func(i, j int) bool {
		return workers[i].name < workers[j].name
	})
	return workers
}

// Number of connected workers.
func (p *Pool) Len() int {
	p.RLock()
	defer p.RUnlock()
	return len(p.workers)
}

// Returns the running workers with a free slot that serve the builder,
// least loaded first, then longest connected.
func (p *Pool) ListEligible(builder string) []*Worker {
	type candidate struct {
		worker *Worker
		active int
	}

	candidates := []candidate{}
	for _, w := range p.List() {
		if !w.Serves(builder) {
			continue
		}

		w.Lock()
		if w.available() {
			candidates = append(candidates, candidate{w, len(w.builds)})
		}
		w.Unlock()
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.active != b.active {
			return a.active < b.active
		}
		return a.worker.connectedAt.Before(b.worker.connectedAt)
	})

	eligible := make([]*Worker, len(candidates))
	for i, c := range candidates {
		eligible[i] = c.worker
	}
	return eligible
}

// Assigns a build to a free slot of a worker.
func (p *Pool) Reserve(id, buildID string) error {
	w, err := p.Get(id)
	if err != nil {
		return err
	}

	w.Lock()
	defer w.Unlock()

	if w.builds[buildID] {
		return nil
	}
	if !w.available() {
		return fmt.Errorf("%w: %s", utils.ErrWorkerUnavailable, w.name)
	}

	w.builds[buildID] = true
	log.Debugf("res - worker - id: %s, build: %s, active: %d", id, buildID, len(w.builds))
	return nil
}

// Returns the slot of a build to its worker.
// Releasing a build that is not assigned is a no-op.
func (p *Pool) Release(id, buildID string) {
	w, err := p.Get(id)
	if err != nil {
		return
	}

	w.Lock()
	if !w.builds[buildID] {
		w.Unlock()
		return
	}
	delete(w.builds, buildID)
	drained := w.state == protocol.WorkerGracefulShutdownPending && len(w.builds) == 0 && w.drained != nil
	if drained {
		close(w.drained)
		w.drained = nil
	}
	w.Unlock()

	log.Debugf("rel - worker - id: %s, build: %s", id, buildID)

	if !drained {
		p.notifyIdle(w)
	}
}

// Tells listeners that the worker may accept new builds.
func (p *Pool) NotifyIdle(id string) {
	if w, err := p.Get(id); err == nil {
		p.notifyIdle(w)
	}
}

func (p *Pool) notifyIdle(w *Worker) {
	p.RLock()
	callbacks := append([]IdleFunc(nil), p.onIdle...)
	p.RUnlock()

	for _, fn := range callbacks {
		fn(w)
	}
}

// Removes a disconnected worker and tells listeners which builds it had.
// Unknown workers are ignored.
func (p *Pool) NotifyDisconnect(id string) {
	p.Lock()
	w, ok := p.workers[id]
	if !ok {
		p.Unlock()
		return
	}
	delete(p.workers, id)
	if p.names[w.name] == id {
		delete(p.names, w.name)
	}
	callbacks := append([]DisconnectFunc(nil), p.onDisconnect...)
	p.Unlock()

	w.Lock()
	w.state = protocol.WorkerOffline
	builds := w.buildsNoLock()
	if w.drained != nil {
		close(w.drained)
		w.drained = nil
	}
	w.Unlock()

	log.Infof("del - worker - id: %s, name: %s, builds: %d", id, w.name, len(builds))

	for _, fn := range callbacks {
		fn(w, builds)
	}
}

// Stops new assignments to a worker. Running builds continue.
func (p *Pool) Pause(id string) error {
	return p.setState(id, protocol.WorkerPaused)
}

// Allows new assignments to a paused worker.
func (p *Pool) Resume(id string) error {
	if err := p.setState(id, protocol.WorkerRunning); err != nil {
		return err
	}
	p.NotifyIdle(id)
	return nil
}

func (p *Pool) setState(id string, state protocol.WorkerState) error {
	w, err := p.Get(id)
	if err != nil {
		return err
	}

	w.Lock()
	defer w.Unlock()

	if w.state == protocol.WorkerGracefulShutdownPending || w.state == protocol.WorkerOffline {
		return fmt.Errorf("%w: worker %s is %s", utils.ErrBadRequest, w.name, w.state)
	}

	log.Infof("set - worker - id: %s, state: %s", id, state)
	w.state = state
	return nil
}

// Stops new assignments to a worker, waits for its builds to finish and
// then tells it to disconnect. Returns early with the context's error; the
// worker then stays in graceful shutdown.
func (p *Pool) GracefulShutdown(ctx context.Context, id string) error {
	w, err := p.Get(id)
	if err != nil {
		return err
	}

	w.Lock()
	if w.state == protocol.WorkerOffline {
		w.Unlock()
		return nil
	}
	w.state = protocol.WorkerGracefulShutdownPending
	var drained chan struct{}
	if len(w.builds) > 0 {
		if w.drained == nil {
			w.drained = make(chan struct{})
		}
		drained = w.drained
	}
	w.Unlock()

	log.Infof("set - worker - id: %s, state: %s", id, protocol.WorkerGracefulShutdownPending)

	if drained != nil {
		select {
		case <-drained:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := w.conn.Shutdown("graceful shutdown"); err != nil {
		log.Debug("del - worker - shutdown request failed:", err)
	}

	p.NotifyDisconnect(id)
	return nil
}
