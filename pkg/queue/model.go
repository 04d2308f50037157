package queue

import (
	"cmp"
	"sort"
	"strconv"
	"time"

	"github.com/srand/buildmaster/pkg/protocol"
	"github.com/srand/buildmaster/pkg/utils"
)

// A detected source modification. Never mutated once recorded.
type Change struct {
	Author     string    `json:"author" bson:"author"`
	Revision   string    `json:"revision" bson:"revision"`
	Branch     string    `json:"branch" bson:"branch"`
	Codebase   string    `json:"codebase" bson:"codebase"`
	Repository string    `json:"repository" bson:"repository"`
	Comments   string    `json:"comments,omitempty" bson:"comments,omitempty"`
	Files      []string  `json:"files,omitempty" bson:"files,omitempty"`
	When       time.Time `json:"when" bson:"when"`
}

// A patch applied on top of a source stamp.
type Patch struct {
	Level   int    `json:"level" bson:"level"`
	Body    []byte `json:"body" bson:"body"`
	Subdir  string `json:"subdir,omitempty" bson:"subdir,omitempty"`
	Author  string `json:"author,omitempty" bson:"author,omitempty"`
	Comment string `json:"comment,omitempty" bson:"comment,omitempty"`
}

// What to build, for one codebase.
type SourceStamp struct {
	ID         int64    `json:"id" bson:"id"`
	Codebase   string   `json:"codebase" bson:"codebase"`
	Branch     string   `json:"branch" bson:"branch"`
	Revision   string   `json:"revision" bson:"revision"`
	Repository string   `json:"repository" bson:"repository"`
	Project    string   `json:"project" bson:"project"`
	Patch      *Patch   `json:"patch,omitempty" bson:"patch,omitempty"`
	Changes    []Change `json:"changes,omitempty" bson:"changes,omitempty"`
}

// Content hash used to share identical source stamps between build sets.
func (s *SourceStamp) Hash() string {
	fields := []string{s.Codebase, s.Branch, s.Revision, s.Repository, s.Project}
	if s.Patch != nil {
		fields = append(fields,
			strconv.Itoa(s.Patch.Level),
			string(s.Patch.Body),
			s.Patch.Subdir,
			s.Patch.Author,
			s.Patch.Comment,
		)
	}
	return utils.Sha1Fields(fields...)
}

// A group of build requests submitted together.
type BuildSet struct {
	ID                 int64             `json:"id" bson:"id"`
	ExternalID         string            `json:"external_id,omitempty" bson:"external_id"`
	Reason             string            `json:"reason" bson:"reason"`
	Properties         map[string]string `json:"properties,omitempty" bson:"properties,omitempty"`
	SourceStamps       []*SourceStamp    `json:"sourcestamps" bson:"sourcestamps"`
	SubmittedAt        time.Time         `json:"submitted_at" bson:"submitted_at"`
	Complete           bool              `json:"complete" bson:"complete"`
	CompletedAt        time.Time         `json:"completed_at,omitempty" bson:"completed_at"`
	Results            protocol.Result   `json:"results" bson:"results"`
	ParentBuildID      string            `json:"parent_build_id,omitempty" bson:"parent_build_id"`
	ParentRelationship string            `json:"parent_relationship,omitempty" bson:"parent_relationship"`
}

// Lifecycle state of a build request.
type RequestState string

const (
	RequestUnclaimed RequestState = "UNCLAIMED"
	RequestClaimed   RequestState = "CLAIMED"
	RequestMerged    RequestState = "MERGED"
	RequestComplete  RequestState = "COMPLETE"
)

// The unit of schedulable work.
type BuildRequest struct {
	ID           int64           `json:"id" bson:"id"`
	BuildSetID   int64           `json:"buildset_id" bson:"buildset_id"`
	Builder      string          `json:"builder" bson:"builder"`
	Priority     int             `json:"priority" bson:"priority"`
	SubmittedAt  time.Time       `json:"submitted_at" bson:"submitted_at"`
	MergedInto   int64           `json:"merged_into,omitempty" bson:"merged_into"`
	ClaimedBy    string          `json:"claimed_by,omitempty" bson:"claimed_by"`
	ClaimedAt    time.Time       `json:"claimed_at,omitempty" bson:"claimed_at"`
	LeaseExpires time.Time       `json:"lease_expires,omitempty" bson:"lease_expires"`
	Attempts     int             `json:"attempts" bson:"attempts"`
	Complete     bool            `json:"complete" bson:"complete"`
	CompletedAt  time.Time       `json:"completed_at,omitempty" bson:"completed_at"`
	Results      protocol.Result `json:"results" bson:"results"`

	// Source stamps of the owning build set, loaded on demand.
	SourceStamps []*SourceStamp `json:"sourcestamps,omitempty" bson:"-"`
}

// Returns the state of the request at the given time.
// A claim whose lease has expired no longer counts.
func (r *BuildRequest) State(now time.Time) RequestState {
	switch {
	case r.Complete:
		return RequestComplete
	case r.MergedInto != 0:
		return RequestMerged
	case r.ClaimedBy != "" && now.Before(r.LeaseExpires):
		return RequestClaimed
	default:
		return RequestUnclaimed
	}
}

func (r *BuildRequest) clone() *BuildRequest {
	c := *r
	return &c
}

func (b *BuildSet) clone() *BuildSet {
	c := *b
	if b.Properties != nil {
		c.Properties = make(map[string]string, len(b.Properties))
		for k, v := range b.Properties {
			c.Properties[k] = v
		}
	}
	c.SourceStamps = append([]*SourceStamp(nil), b.SourceStamps...)
	return &c
}

// Dispatch order: highest priority first, then oldest, then lowest id.
func compareRequests(a, b *BuildRequest) int {
	switch {
	case a.Priority != b.Priority:
		return cmp.Compare(b.Priority, a.Priority)
	case !a.SubmittedAt.Equal(b.SubmittedAt):
		return a.SubmittedAt.Compare(b.SubmittedAt)
	}
	return cmp.Compare(a.ID, b.ID)
}

func sameRequest(a, b *BuildRequest) bool {
	return a.ID == b.ID
}

// Orders requests for dispatch.
func sortRequests(reqs []*BuildRequest) {
	pq := utils.NewPriorityQueue(compareRequests, sameRequest)
	for _, req := range reqs {
		pq.Push(req)
	}
	copy(reqs, pq.Drain())
}

func sortByID(reqs []*BuildRequest) {
	sort.Slice(reqs, func(i, j int) bool {
		return reqs[i].ID < reqs[j].ID
	})
}
