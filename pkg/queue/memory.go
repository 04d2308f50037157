package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/srand/buildmaster/pkg/protocol"
	"github.com/srand/buildmaster/pkg/utils"
)

// In-memory store for tests and single master deployments.
type memoryStore struct {
	sync.Mutex

	nextID       int64
	buildsets    map[int64]*BuildSet
	requests     map[int64]*BuildRequest
	sourcestamps map[string]*SourceStamp
}

func NewMemoryStore() *memoryStore {
	return &memoryStore{
		buildsets:    map[int64]*BuildSet{},
		requests:     map[int64]*BuildRequest{},
		sourcestamps: map[string]*SourceStamp{},
	}
}

func (s *memoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *memoryStore) InsertBuildSet(ctx context.Context, bs *BuildSet, reqs []*BuildRequest) (int64, error) {
	s.Lock()
	defer s.Unlock()

	for i, ss := range bs.SourceStamps {
		hash := ss.Hash()
		if existing, ok := s.sourcestamps[hash]; ok {
			bs.SourceStamps[i] = existing
			continue
		}
		ss.ID = s.id()
		s.sourcestamps[hash] = ss
	}

	bs.ID = s.id()
	s.buildsets[bs.ID] = bs.clone()

	for _, req := range reqs {
		req.ID = s.id()
		req.BuildSetID = bs.ID
		s.requests[req.ID] = req.clone()
	}

	return bs.ID, nil
}

func (s *memoryStore) GetBuildSet(ctx context.Context, id int64) (*BuildSet, error) {
	s.Lock()
	defer s.Unlock()

	bs, ok := s.buildsets[id]
	if !ok {
		return nil, fmt.Errorf("%w: buildset %d", utils.ErrNotFound, id)
	}
	return bs.clone(), nil
}

func (s *memoryStore) GetBuildRequest(ctx context.Context, id int64) (*BuildRequest, error) {
	s.Lock()
	defer s.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: buildrequest %d", utils.ErrNotFound, id)
	}
	return req.clone(), nil
}

func (s *memoryStore) ListBuildRequests(ctx context.Context, filter Filter) ([]*BuildRequest, error) {
	s.Lock()
	defer s.Unlock()

	reqs := []*BuildRequest{}
	for _, req := range s.requests {
		if filter.match(req) {
			reqs = append(reqs, req.clone())
		}
	}

	sortByID(reqs)
	return reqs, nil
}

func (s *memoryStore) PendingBuilders(ctx context.Context, now time.Time) ([]string, error) {
	s.Lock()
	defer s.Unlock()

	seen := map[string]bool{}
	builders := []string{}
	for _, req := range s.requests {
		if req.State(now) == RequestUnclaimed && !seen[req.Builder] {
			seen[req.Builder] = true
			builders = append(builders, req.Builder)
		}
	}

	sort.Strings(builders)
	return builders, nil
}

func (s *memoryStore) Claim(ctx context.Context, id int64, owner string, now, expires time.Time) (bool, error) {
	s.Lock()
	defer s.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return false, fmt.Errorf("%w: buildrequest %d", utils.ErrNotFound, id)
	}

	if req.State(now) != RequestUnclaimed {
		return false, nil
	}

	req.ClaimedBy = owner
	req.ClaimedAt = now
	req.LeaseExpires = expires
	req.Attempts++
	return true, nil
}

func (s *memoryStore) Renew(ctx context.Context, id int64, owner string, expires time.Time) error {
	s.Lock()
	defer s.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return fmt.Errorf("%w: buildrequest %d", utils.ErrNotFound, id)
	}
	if req.Complete || req.ClaimedBy != owner {
		return fmt.Errorf("%w: buildrequest %d", utils.ErrLeaseLost, id)
	}

	req.LeaseExpires = expires
	return nil
}

func (s *memoryStore) Unclaim(ctx context.Context, id int64, owner string) error {
	s.Lock()
	defer s.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return fmt.Errorf("%w: buildrequest %d", utils.ErrNotFound, id)
	}
	if req.Complete || req.ClaimedBy != owner {
		return fmt.Errorf("%w: buildrequest %d", utils.ErrLeaseLost, id)
	}

	req.ClaimedBy = ""
	req.ClaimedAt = time.Time{}
	req.LeaseExpires = time.Time{}
	return nil
}

func (s *memoryStore) Merge(ctx context.Context, id, survivor int64, now time.Time) (bool, error) {
	s.Lock()
	defer s.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return false, fmt.Errorf("%w: buildrequest %d", utils.ErrNotFound, id)
	}
	into, ok := s.requests[survivor]
	if !ok {
		return false, fmt.Errorf("%w: buildrequest %d", utils.ErrNotFound, survivor)
	}

	if id == survivor || req.State(now) != RequestUnclaimed || into.State(now) != RequestUnclaimed {
		return false, nil
	}

	req.MergedInto = survivor
	for _, other := range s.requests {
		if other.MergedInto == id && !other.Complete {
			other.MergedInto = survivor
		}
	}
	return true, nil
}

func (s *memoryStore) Complete(ctx context.Context, id int64, owner string, result protocol.Result, now time.Time) ([]*BuildRequest, error) {
	s.Lock()
	defer s.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: buildrequest %d", utils.ErrNotFound, id)
	}

	switch {
	case req.Complete:
		return nil, fmt.Errorf("%w: buildrequest %d", utils.ErrTerminalBuild, id)
	case owner != "" && req.ClaimedBy != owner:
		return nil, fmt.Errorf("%w: buildrequest %d", utils.ErrLeaseLost, id)
	case owner == "" && req.State(now) == RequestClaimed:
		return nil, fmt.Errorf("%w: buildrequest %d", utils.ErrLeaseLost, id)
	}

	finish := func(r *BuildRequest) *BuildRequest {
		r.Complete = true
		r.CompletedAt = now
		r.Results = result
		return r.clone()
	}

	merged := []*BuildRequest{}
	for _, other := range s.requests {
		if other.MergedInto == id && !other.Complete {
			merged = append(merged, finish(other))
		}
	}
	sortByID(merged)

	// The real request comes first
	return append([]*BuildRequest{finish(req)}, merged...), nil
}

func (s *memoryStore) CompleteBuildSet(ctx context.Context, id int64, result protocol.Result, now time.Time) (bool, error) {
	s.Lock()
	defer s.Unlock()

	bs, ok := s.buildsets[id]
	if !ok {
		return false, fmt.Errorf("%w: buildset %d", utils.ErrNotFound, id)
	}
	if bs.Complete {
		return false, nil
	}

	bs.Complete = true
	bs.CompletedAt = now
	bs.Results = result
	return true, nil
}

func (s *memoryStore) Close() error {
	return nil
}
