package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/srand/buildmaster/pkg/locks"
	"github.com/srand/buildmaster/pkg/log"
	"github.com/srand/buildmaster/pkg/logstash"
	"github.com/srand/buildmaster/pkg/protocol"
	"github.com/srand/buildmaster/pkg/queue"
	"github.com/srand/buildmaster/pkg/utils"
	"github.com/srand/buildmaster/pkg/workers"
)

// Default period of the lease sweep.
const DefaultSweepPeriod = time.Minute

// Number of finished builds kept in memory for reporting.
const finishedBuildHistory = 100

// Time allowed for store updates when a build finishes.
const finishTimeout = 30 * time.Second

type Statistics struct {
	// Number of active builds.
	Builds int
	// Number of finished builds.
	CompletedBuilds int64
	// Number of finished builds by result.
	Results map[protocol.Result]int64
	// Number of connected workers.
	Workers int
	// Builders with pending requests that cannot be dispatched, and why.
	Stalled map[string]string
	// Buildsets with progress held in memory.
	BuildSets int
	// State of the locks.
	Locks []locks.Status
}

// Matches pending build requests with workers and starts builds.
type Dispatcher struct {
	sync.Mutex

	// Serializes dispatch passes.
	passMu sync.Mutex

	// Claim owner identity of this master.
	id string

	config  *ConfigRegistry
	queue   *queue.Queue
	pool    *workers.Pool
	locks   *locks.Registry
	tracker *Tracker
	sink    EventSink
	logs    logstash.LogStash
	tracer  trace.Tracer

	// Active builds by build id and by request id.
	builds   map[string]*Build
	requests map[int64]*Build

	// Recently finished builds, oldest first.
	finished []*Build

	completed int64
	results   map[protocol.Result]int64
	stalled   map[string]string
	health    error

	rescheduleChan chan bool
	sweepPeriod    time.Duration
}

// Creates a dispatcher. The sink and the log stash are optional.
func NewDispatcher(q *queue.Queue, pool *workers.Pool, registry *locks.Registry, sink EventSink, stash logstash.LogStash) *Dispatcher {
	if sink == nil {
		sink = MultiSink{}
	}

	d := &Dispatcher{
		id:             "master-" + uuid.NewString(),
		config:         NewConfigRegistry(),
		queue:          q,
		pool:           pool,
		locks:          registry,
		sink:           sink,
		logs:           stash,
		tracer:         otel.Tracer("github.com/srand/buildmaster/pkg/scheduler"),
		builds:         map[string]*Build{},
		requests:       map[int64]*Build{},
		results:        map[protocol.Result]int64{},
		stalled:        map[string]string{},
		rescheduleChan: make(chan bool, 1),
		sweepPeriod:    DefaultSweepPeriod,
	}
	d.tracker = NewTracker(q, sink)

	q.SetMergePolicy(func(builder string) bool {
		config, err := d.config.Builder(builder)
		return err == nil && config.MergeAllowed()
	})
	q.OnSubmit(func(*queue.BuildSet, []*queue.BuildRequest) {
		d.Reschedule()
	})
	pool.OnIdle(func(*workers.Worker) {
		d.Reschedule()
	})
	pool.OnDisconnect(d.workerDisconnected)
	registry.OnRelease(func(string) {
		d.Reschedule()
	})

	return d
}

// Identity used when claiming requests.
func (d *Dispatcher) ID() string {
	return d.id
}

func (d *Dispatcher) Tracker() *Tracker {
	return d.tracker
}

// Sets the period of the lease sweep. Must be called before Run.
func (d *Dispatcher) SetSweepPeriod(period time.Duration) {
	if period > 0 {
		d.sweepPeriod = period
	}
}

// Installs a new configuration.
// Running builds keep the builder configuration they started with.
func (d *Dispatcher) Configure(config *Config) error {
	if _, err := d.config.Install(config); err != nil {
		return err
	}

	if err := d.locks.Configure(config.Locks); err != nil {
		return err
	}

	d.Reschedule()
	return nil
}

func (d *Dispatcher) Config() *Config {
	return d.config.Config()
}

// Requests a dispatch pass. Never blocks.
func (d *Dispatcher) Reschedule() {
	select {
	case d.rescheduleChan <- true:
	default:
	}
}

// Runs the dispatch loop until the context is cancelled.
// Active builds are then stopped and their requests returned to the queue.
func (d *Dispatcher) Run(ctx context.Context) {
	// Create a timer to trigger rescheduling in case of no activity
	ticker := time.NewTicker(d.sweepPeriod)
	defer ticker.Stop()

	log.Info("starting dispatcher", d.id)
	d.Reschedule()

	for {
		select {
		case <-ctx.Done():
			d.stopAllBuilds()
			return

		case <-ticker.C:
			d.Reschedule()

		case <-d.rescheduleChan:
			log.Trace("rescheduling")
			ticker.Reset(d.sweepPeriod)
			d.pass(ctx)
		}
	}
}

func (d *Dispatcher) stopAllBuilds() {
	for _, build := range d.activeBuilds() {
		build.abort(protocol.ResultRetry, "master shutting down", dispositionUnclaim)
	}
}

func (d *Dispatcher) activeBuilds() []*Build {
	d.Lock()
	defer d.Unlock()

	builds := make([]*Build, 0, len(d.builds))
	for _, build := range d.builds {
		builds = append(builds, build)
	}
	return builds
}

// Runs one dispatch pass over all builders with pending requests.
func (d *Dispatcher) pass(ctx context.Context) {
	d.passMu.Lock()
	defer d.passMu.Unlock()

	ctx, span := d.tracer.Start(ctx, "dispatch")
	defer span.End()

	builders, err := d.queue.PendingBuilders(ctx)
	if err != nil {
		d.storageFailed(span, err)
		return
	}
	sort.Strings(builders)

	stalled := map[string]string{}
	attempted := map[string]bool{}

	for _, builder := range builders {
		reason, err := d.dispatchBuilder(ctx, builder, attempted)
		if err != nil {
			if queue.IsStorageError(err) {
				d.storageFailed(span, err)
				return
			}
			log.Debugf("Dispatch of builder %s failed: %v", builder, err)
		}
		if reason != "" {
			stalled[builder] = reason
		}
	}

	// Waiters that were not attempted in this pass no longer contend
	d.locks.RetainWaiters(func(holder string) bool {
		return attempted[holder]
	})

	span.SetAttributes(attribute.Int("dispatch.builders", len(builders)), attribute.Int("dispatch.stalled", len(stalled)))

	d.Lock()
	for builder, reason := range stalled {
		if d.stalled[builder] != reason {
			log.Warnf("Builder %s is stalled: %s", builder, reason)
		}
	}
	d.stalled = stalled
	if d.health != nil {
		log.Info("Queue storage recovered")
	}
	d.health = nil
	d.Unlock()
}

func (d *Dispatcher) storageFailed(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	d.Lock()
	defer d.Unlock()

	if d.health == nil {
		log.Errorf("Queue storage failure: %v", err)
	}
	d.health = err
}

// Dispatches the pending requests of one builder.
// Returns a non-empty reason if the builder is stalled.
func (d *Dispatcher) dispatchBuilder(ctx context.Context, name string, attempted map[string]bool) (string, error) {
	config, err := d.config.Builder(name)
	if err != nil {
		return "no such builder", nil
	}

	pending, err := d.queue.Pending(ctx, name)
	if err != nil {
		return "", err
	}
	if len(pending) == 0 {
		return "", nil
	}

	eligible := d.eligibleWorkers(config)
	running := d.runningBuilds(name)

	for _, req := range pending {
		if d.hasActiveBuild(req.ID) {
			continue
		}

		if config.MaxBuilds > 0 && running >= config.MaxBuilds {
			return "", nil
		}

		if len(eligible) == 0 {
			return "no eligible worker", nil
		}

		build, err := d.tryDispatch(ctx, config, req, eligible, attempted)
		if err != nil {
			if errors.Is(err, utils.ErrUnknownLock) {
				return err.Error(), nil
			}
			return "", err
		}

		if build != nil {
			running++
			eligible = d.eligibleWorkers(config)
		}

		runtime.Gosched()
	}

	return "", nil
}

// Takes the locks, a worker slot and the claim of a request, in that order,
// and starts a build. Undoes everything and returns nil if any step fails.
func (d *Dispatcher) tryDispatch(ctx context.Context, config *BuilderConfig, req *queue.BuildRequest, eligible []*workers.Worker, attempted map[string]bool) (*Build, error) {
	holder := fmt.Sprint(req.ID)
	attempted[holder] = true

	ok, err := d.locks.AcquireAll(holder, config.Locks)
	if err != nil {
		return nil, err
	}
	if !ok {
		log.Tracef("Request %d is waiting for locks %v", req.ID, config.Locks)
		return nil, nil
	}

	build := newBuild(d, config, req, nil, d.config.Config().AckTimeout)

	for _, w := range eligible {
		if err := d.pool.Reserve(w.ID(), build.id); err == nil {
			build.worker = w
			break
		}
	}

	if build.worker == nil {
		d.locks.ReleaseAll(holder)
		return nil, nil
	}

	claimed, err := d.queue.Claim(ctx, req.ID, d.id)
	if err != nil || claimed == nil {
		d.pool.Release(build.worker.ID(), build.id)
		d.locks.ReleaseAll(holder)
		return nil, err
	}

	build.request = claimed

	d.Lock()
	d.builds[build.id] = build
	d.requests[claimed.ID] = build
	d.Unlock()

	build.start(ctx)
	return build, nil
}

func (d *Dispatcher) eligibleWorkers(config *BuilderConfig) []*workers.Worker {
	eligible := []*workers.Worker{}
	for _, w := range d.pool.ListEligible(config.Name) {
		if config.Accepts(w) {
			eligible = append(eligible, w)
		}
	}
	return eligible
}

func (d *Dispatcher) runningBuilds(builder string) int {
	d.Lock()
	defer d.Unlock()

	count := 0
	for _, build := range d.builds {
		if build.builder.Name == builder {
			count++
		}
	}
	return count
}

func (d *Dispatcher) hasActiveBuild(request int64) bool {
	d.Lock()
	defer d.Unlock()
	_, ok := d.requests[request]
	return ok
}

// Called exactly once per build when it finishes.
func (d *Dispatcher) buildFinished(build *Build, disp disposition) {
	d.locks.ReleaseAll(build.lockHolder())
	d.pool.Release(build.worker.ID(), build.id)

	result := build.Result()
	req := build.request

	if disp == dispositionUnclaim && build.builder.MaxRetries > 0 && req.Attempts > build.builder.MaxRetries {
		log.Infof("Request %d reached the retry limit of builder %s", req.ID, build.builder.Name)
		disp = dispositionComplete
	}

	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()

	switch disp {
	case dispositionUnclaim:
		if err := d.queue.Unclaim(ctx, req.ID, d.id); err != nil {
			log.Warnf("Failed to unclaim request %d: %v", req.ID, err)
		}

	case dispositionComplete:
		completed, err := d.queue.Complete(ctx, req.ID, d.id, result)
		if err != nil {
			log.Warnf("Failed to complete request %d: %v", req.ID, err)
		}
		for _, r := range completed {
			if err := d.tracker.OnRequestComplete(ctx, r.BuildSetID, r.ID, r.Results); err != nil {
				log.Warnf("Failed to track completion of request %d: %v", r.ID, err)
			}
		}
	}

	d.Lock()
	delete(d.builds, build.id)
	if d.requests[req.ID] == build {
		delete(d.requests, req.ID)
	}
	d.finished = append(d.finished, build)
	if len(d.finished) > finishedBuildHistory {
		d.finished = d.finished[1:]
	}
	d.completed++
	d.results[result]++
	d.Unlock()

	d.sink.BuildFinished(build.Info())
	d.Reschedule()
}

func (d *Dispatcher) workerDisconnected(w *workers.Worker, builds []string) {
	for _, id := range builds {
		d.Lock()
		build, ok := d.builds[id]
		d.Unlock()

		if ok {
			build.abort(protocol.ResultRetry, "worker disconnected", dispositionUnclaim)
		}
	}

	d.Reschedule()
}

// Submits a buildset with one request per builder.
func (d *Dispatcher) Submit(ctx context.Context, request *protocol.SubmitRequest) (*protocol.SubmitResponse, error) {
	if len(request.Builders) == 0 {
		return nil, fmt.Errorf("%w: no builders", utils.ErrBadRequest)
	}

	for _, builder := range request.Builders {
		if _, err := d.config.Builder(builder); err != nil {
			return nil, err
		}
	}

	bs := &queue.BuildSet{
		Reason:     request.Reason,
		Properties: request.Properties,
	}
	for _, ss := range request.SourceStamps {
		bs.SourceStamps = append(bs.SourceStamps, &queue.SourceStamp{
			Codebase:   ss.Codebase,
			Branch:     ss.Branch,
			Revision:   ss.Revision,
			Repository: ss.Repository,
			Project:    ss.Project,
		})
	}

	reqs := make([]*queue.BuildRequest, 0, len(request.Builders))
	for _, builder := range request.Builders {
		reqs = append(reqs, &queue.BuildRequest{
			Builder:  builder,
			Priority: request.Priority,
		})
	}

	id, err := d.queue.Submit(ctx, bs, reqs)
	if err != nil {
		return nil, err
	}

	response := &protocol.SubmitResponse{BuildSetID: id}
	for _, req := range reqs {
		response.RequestIDs = append(response.RequestIDs, req.ID)
	}
	return response, nil
}

// Cancels an active build. The build finishes with USERCANCEL.
func (d *Dispatcher) CancelBuild(id string) error {
	d.Lock()
	build, ok := d.builds[id]
	if !ok {
		for _, finished := range d.finished {
			if finished.id == id {
				d.Unlock()
				return fmt.Errorf("%w: %s", utils.ErrTerminalBuild, id)
			}
		}
	}
	d.Unlock()

	if !ok {
		return fmt.Errorf("%w: build %s", utils.ErrNotFound, id)
	}

	log.Infof("int - build - id: %s", id)
	return build.Cancel()
}

// Cancels a build request, and its build if one is active.
func (d *Dispatcher) CancelRequest(ctx context.Context, id int64) error {
	d.Lock()
	build, ok := d.requests[id]
	d.Unlock()

	if ok {
		return build.Cancel()
	}

	completed, err := d.queue.CancelRequest(ctx, id)
	if err != nil {
		return err
	}

	d.locks.Forget(fmt.Sprint(id))

	for _, r := range completed {
		if err := d.tracker.OnRequestComplete(ctx, r.BuildSetID, r.ID, r.Results); err != nil {
			return err
		}
	}

	return nil
}

// Returns an active or recently finished build.
func (d *Dispatcher) GetBuild(id string) (*protocol.BuildInfo, error) {
	d.Lock()
	build, ok := d.builds[id]
	if !ok {
		for _, finished := range d.finished {
			if finished.id == id {
				build, ok = finished, true
				break
			}
		}
	}
	d.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: build %s", utils.ErrNotFound, id)
	}
	return build.Info(), nil
}

// Returns the active builds, and optionally the recently finished ones,
// ordered by creation time.
func (d *Dispatcher) ListBuilds(finished bool) []protocol.BuildInfo {
	d.Lock()
	builds := make([]*Build, 0, len(d.builds)+len(d.finished))
	for _, build := range d.builds {
		builds = append(builds, build)
	}
	if finished {
		builds = append(builds, d.finished...)
	}
	d.Unlock()

	infos := make([]protocol.BuildInfo, 0, len(builds))
	for _, build := range builds {
		infos = append(infos, *build.Info())
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Returns nil if the queue storage is reachable.
func (d *Dispatcher) Healthy() error {
	d.Lock()
	defer d.Unlock()
	return d.health
}

func (d *Dispatcher) Statistics() *Statistics {
	d.Lock()
	stats := &Statistics{
		Builds:          len(d.builds),
		CompletedBuilds: d.completed,
		Results:         map[protocol.Result]int64{},
		Stalled:         map[string]string{},
	}
	for result, count := range d.results {
		stats.Results[result] = count
	}
	for builder, reason := range d.stalled {
		stats.Stalled[builder] = reason
	}
	d.Unlock()

	stats.Workers = d.pool.Len()
	stats.BuildSets = d.tracker.Len()
	stats.Locks = d.locks.Snapshot()
	return stats
}
