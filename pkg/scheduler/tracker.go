package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/srand/buildmaster/pkg/log"
	"github.com/srand/buildmaster/pkg/protocol"
	"github.com/srand/buildmaster/pkg/queue"
	"github.com/srand/buildmaster/pkg/utils"
)

type buildsetProgress struct {
	// Requests not yet reported complete
	remaining map[int64]bool
	// Results of the completed requests
	results map[int64]protocol.Result
}

// Tracks completion of the requests of each buildset and finishes the
// buildset when the last one completes.
//
// Progress is initialized from the store on the first notification for a
// buildset, so a restarted master picks up where the previous one left off.
type Tracker struct {
	sync.Mutex

	queue    *queue.Queue
	sink     EventSink
	progress map[int64]*buildsetProgress
}

func NewTracker(q *queue.Queue, sink EventSink) *Tracker {
	return &Tracker{
		queue:    q,
		sink:     sink,
		progress: map[int64]*buildsetProgress{},
	}
}

func (t *Tracker) load(ctx context.Context, bsid int64) (*buildsetProgress, error) {
	if p, ok := t.progress[bsid]; ok {
		return p, nil
	}

	reqs, err := t.queue.BuildSetRequests(ctx, bsid)
	if err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("%w: buildset %d", utils.ErrNotFound, bsid)
	}

	p := &buildsetProgress{
		remaining: map[int64]bool{},
		results:   map[int64]protocol.Result{},
	}
	for _, req := range reqs {
		if req.Complete {
			p.results[req.ID] = req.Results
		} else {
			p.remaining[req.ID] = true
		}
	}

	t.progress[bsid] = p
	return p, nil
}

// Records the completion of a request.
// Repeated notifications for the same request are ignored.
func (t *Tracker) OnRequestComplete(ctx context.Context, bsid, reqid int64, result protocol.Result) error {
	t.Lock()
	defer t.Unlock()

	_, known := t.progress[bsid]

	p, err := t.load(ctx, bsid)
	if err != nil {
		return err
	}

	switch {
	case p.remaining[reqid]:
		delete(p.remaining, reqid)
		p.results[reqid] = result

	case known:
		log.Warnf("end - buildrequest - anomaly, duplicate completion - id: %d, buildset: %d", reqid, bsid)
		return nil

	default:
		// Completion was already recorded in the store when progress was loaded
		if _, ok := p.results[reqid]; !ok {
			p.results[reqid] = result
		}
	}

	if len(p.remaining) > 0 {
		log.Debugf("end - buildrequest - id: %d, buildset: %d, remaining: %d", reqid, bsid, len(p.remaining))
		return nil
	}

	results := make([]protocol.Result, 0, len(p.results))
	for _, r := range p.results {
		results = append(results, r)
	}
	final := protocol.WorstOf(results...)

	ok, err := t.queue.CompleteBuildSet(ctx, bsid, final)
	if err != nil {
		return err
	}

	delete(t.progress, bsid)

	if !ok {
		log.Debugf("end - buildset - already complete - id: %d", bsid)
		return nil
	}

	log.Infof("end - buildset - id: %d, result: %s", bsid, final)

	if t.sink != nil {
		info := &protocol.BuildSetInfo{ID: bsid, Result: final}
		if bs, err := t.queue.GetBuildSet(ctx, bsid); err == nil {
			info.Reason = bs.Reason
			info.ExternalID = bs.ExternalID
			info.SubmittedAt = bs.SubmittedAt
			info.CompletedAt = bs.CompletedAt
		}
		t.sink.BuildsetFinished(info)
	}

	return nil
}

// Number of buildsets with progress held in memory.
func (t *Tracker) Len() int {
	t.Lock()
	defer t.Unlock()
	return len(t.progress)
}
