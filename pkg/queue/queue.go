package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/srand/buildmaster/pkg/log"
	"github.com/srand/buildmaster/pkg/protocol"
	"github.com/srand/buildmaster/pkg/utils"
)

// Default time a claim stays valid without renewal.
const DefaultLeaseTimeout = 5 * time.Minute

// Called after a build set has been submitted.
type SubmitFunc func(bs *BuildSet, reqs []*BuildRequest)

// The build request queue.
//
// All state lives in the store. The queue adds merging, ordering and
// lease bookkeeping on top of the store's compare-and-set primitives.
type Queue struct {
	sync.RWMutex

	store        Store
	leaseTimeout time.Duration
	mergePolicy  MergePolicy
	now          func() time.Time
	onSubmit     []SubmitFunc
}

func NewQueue(store Store, leaseTimeout time.Duration) *Queue {
	if leaseTimeout <= 0 {
		leaseTimeout = DefaultLeaseTimeout
	}

	return &Queue{
		store:        store,
		leaseTimeout: leaseTimeout,
		mergePolicy:  func(string) bool { return true },
		now:          time.Now,
	}
}

// Installs the function deciding which builders allow merging.
func (q *Queue) SetMergePolicy(policy MergePolicy) {
	q.Lock()
	defer q.Unlock()
	q.mergePolicy = policy
}

// Replaces the clock used for leases and timestamps.
func (q *Queue) SetClock(now func() time.Time) {
	q.Lock()
	defer q.Unlock()
	q.now = now
}

// Registers a function called after every successful submission.
func (q *Queue) OnSubmit(fn SubmitFunc) {
	q.Lock()
	defer q.Unlock()
	q.onSubmit = append(q.onSubmit, fn)
}

func (q *Queue) LeaseTimeout() time.Duration {
	return q.leaseTimeout
}

func (q *Queue) clock() time.Time {
	q.RLock()
	defer q.RUnlock()
	return q.now()
}

func (q *Queue) mergeAllowed(builder string) bool {
	q.RLock()
	defer q.RUnlock()
	return q.mergePolicy != nil && q.mergePolicy(builder)
}

// Submits a build set with at least one request.
func (q *Queue) Submit(ctx context.Context, bs *BuildSet, reqs []*BuildRequest) (int64, error) {
	if len(reqs) == 0 {
		return 0, fmt.Errorf("%w: buildset without build requests", utils.ErrBadRequest)
	}
	for _, req := range reqs {
		if req.Builder == "" {
			return 0, fmt.Errorf("%w: build request without builder", utils.ErrBadRequest)
		}
	}

	now := q.clock()
	if bs.SubmittedAt.IsZero() {
		bs.SubmittedAt = now
	}
	for _, req := range reqs {
		if req.SubmittedAt.IsZero() {
			req.SubmittedAt = bs.SubmittedAt
		}
	}

	id, err := q.store.InsertBuildSet(ctx, bs, reqs)
	if err != nil {
		return 0, err
	}

	log.Infof("new - buildset - id: %d, requests: %d, reason: %s", id, len(reqs), bs.Reason)

	q.RLock()
	hooks := append([]SubmitFunc(nil), q.onSubmit...)
	q.RUnlock()

	for _, fn := range hooks {
		fn(bs, reqs)
	}

	return id, nil
}

// Returns the dispatchable requests of a builder in dispatch order,
// after merging compatible ones.
func (q *Queue) Pending(ctx context.Context, builder string) ([]*BuildRequest, error) {
	now := q.clock()

	reqs, err := q.store.ListBuildRequests(ctx, Filter{Builder: builder, Incomplete: true, Unmerged: true})
	if err != nil {
		return nil, err
	}

	pending := make([]*BuildRequest, 0, len(reqs))
	for _, req := range reqs {
		if req.State(now) == RequestUnclaimed {
			pending = append(pending, req)
		}
	}

	if err := q.loadSourceStamps(ctx, pending); err != nil {
		return nil, err
	}

	if q.mergeAllowed(builder) {
		merged := map[int64]bool{}

		for _, m := range planMerges(pending) {
			ok, err := q.store.Merge(ctx, m.Merged.ID, m.Survivor.ID, now)
			if err != nil {
				return nil, err
			}
			if ok {
				log.Debugf("mrg - buildrequest - id: %d, into: %d", m.Merged.ID, m.Survivor.ID)
				merged[m.Merged.ID] = true
			}
		}

		if len(merged) > 0 {
			survivors := pending[:0]
			for _, req := range pending {
				if !merged[req.ID] {
					survivors = append(survivors, req)
				}
			}
			pending = survivors
		}
	}

	sortRequests(pending)
	return pending, nil
}

func (q *Queue) loadSourceStamps(ctx context.Context, reqs []*BuildRequest) error {
	stamps := map[int64][]*SourceStamp{}

	for _, req := range reqs {
		ss, ok := stamps[req.BuildSetID]
		if !ok {
			bs, err := q.store.GetBuildSet(ctx, req.BuildSetID)
			if err != nil {
				return err
			}
			ss = bs.SourceStamps
			stamps[req.BuildSetID] = ss
		}
		req.SourceStamps = ss
	}

	return nil
}

// Claims a request for owner.
// Returns nil without error if the request could not be claimed.
func (q *Queue) Claim(ctx context.Context, id int64, owner string) (*BuildRequest, error) {
	if owner == "" {
		return nil, fmt.Errorf("%w: claim without owner", utils.ErrBadRequest)
	}

	now := q.clock()

	ok, err := q.store.Claim(ctx, id, owner, now, now.Add(q.leaseTimeout))
	if err != nil {
		return nil, err
	}
	if !ok {
		log.Debugf("clm - buildrequest - lost race - id: %d, owner: %s", id, owner)
		return nil, nil
	}

	log.Debugf("clm - buildrequest - id: %d, owner: %s", id, owner)

	return q.GetBuildRequest(ctx, id)
}

// Claims the first dispatchable request of a builder.
// Returns nil without error if there is none.
func (q *Queue) ClaimNext(ctx context.Context, builder, owner string) (*BuildRequest, error) {
	pending, err := q.Pending(ctx, builder)
	if err != nil {
		return nil, err
	}

	for _, req := range pending {
		claimed, err := q.Claim(ctx, req.ID, owner)
		if err != nil {
			return nil, err
		}
		if claimed != nil {
			return claimed, nil
		}
	}

	return nil, nil
}

// Extends the lease of a claim held by owner.
func (q *Queue) Renew(ctx context.Context, id int64, owner string) error {
	return q.store.Renew(ctx, id, owner, q.clock().Add(q.leaseTimeout))
}

// Returns a claimed request to the queue.
func (q *Queue) Unclaim(ctx context.Context, id int64, owner string) error {
	if err := q.store.Unclaim(ctx, id, owner); err != nil {
		return err
	}
	log.Debugf("ucl - buildrequest - id: %d, owner: %s", id, owner)
	return nil
}

// Completes a request claimed by owner.
// Returns the request followed by every request merged into it.
func (q *Queue) Complete(ctx context.Context, id int64, owner string, result protocol.Result) ([]*BuildRequest, error) {
	completed, err := q.store.Complete(ctx, id, owner, result, q.clock())
	if err != nil {
		return nil, err
	}

	log.Debugf("end - buildrequest - id: %d, result: %s, merged: %d", id, result, len(completed)-1)
	return completed, nil
}

// Cancels a request that is not being built.
// Returns the request followed by every request merged into it.
func (q *Queue) CancelRequest(ctx context.Context, id int64) ([]*BuildRequest, error) {
	completed, err := q.store.Complete(ctx, id, "", protocol.ResultCancelled, q.clock())
	if err != nil {
		return nil, err
	}

	log.Infof("int - buildrequest - id: %d", id)
	return completed, nil
}

// Returns the names of builders with dispatchable requests.
func (q *Queue) PendingBuilders(ctx context.Context) ([]string, error) {
	return q.store.PendingBuilders(ctx, q.clock())
}

func (q *Queue) GetBuildSet(ctx context.Context, id int64) (*BuildSet, error) {
	return q.store.GetBuildSet(ctx, id)
}

// Returns a request with the source stamps of its build set.
func (q *Queue) GetBuildRequest(ctx context.Context, id int64) (*BuildRequest, error) {
	req, err := q.store.GetBuildRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := q.loadSourceStamps(ctx, []*BuildRequest{req}); err != nil {
		return nil, err
	}
	return req, nil
}

func (q *Queue) BuildSetRequests(ctx context.Context, id int64) ([]*BuildRequest, error) {
	return q.store.ListBuildRequests(ctx, Filter{BuildSetID: id})
}

// Marks a build set complete. Returns false if it already was.
func (q *Queue) CompleteBuildSet(ctx context.Context, id int64, result protocol.Result) (bool, error) {
	return q.store.CompleteBuildSet(ctx, id, result, q.clock())
}

func (q *Queue) Close() error {
	return q.store.Close()
}

// Returns true if err is a failure of the store itself rather than an
// expected outcome such as a lost claim.
func IsStorageError(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, utils.ErrNotFound) &&
		!errors.Is(err, utils.ErrLeaseLost) &&
		!errors.Is(err, utils.ErrTerminalBuild) &&
		!errors.Is(err, utils.ErrBadRequest) &&
		!errors.Is(err, context.Canceled)
}
