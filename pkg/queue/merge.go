package queue

import (
	"sort"
	"strings"

	"github.com/srand/buildmaster/pkg/utils"
)

// Decides whether requests for a builder may be merged.
type MergePolicy func(builder string) bool

// Returns the key under which requests may be merged, or an empty string
// if the request must never be merged.
//
// Requests merge when every codebase has the same branch and repository.
// Revisions are ignored: the survivor builds the latest state of the branch.
func mergeKey(req *BuildRequest) string {
	if len(req.SourceStamps) == 0 {
		return ""
	}

	parts := make([]string, 0, len(req.SourceStamps))
	for _, ss := range req.SourceStamps {
		if ss.Patch != nil {
			return ""
		}
		parts = append(parts, strings.Join([]string{ss.Codebase, ss.Branch, ss.Repository}, "\x00"))
	}
	sort.Strings(parts)

	return req.Builder + "\x00" + utils.Sha1Fields(parts...)
}

// A planned merge of request Merged into request Survivor.
type merge struct {
	Merged   *BuildRequest
	Survivor *BuildRequest
}

// Plans merges among unclaimed requests of one builder.
// The earliest submitted request of each group survives, ties going to
// the lowest id.
func planMerges(reqs []*BuildRequest) []merge {
	ordered := append([]*BuildRequest(nil), reqs...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if !a.SubmittedAt.Equal(b.SubmittedAt) {
			return a.SubmittedAt.Before(b.SubmittedAt)
		}
		return a.ID < b.ID
	})

	survivors := map[string]*BuildRequest{}
	merges := []merge{}

	for _, req := range ordered {
		key := mergeKey(req)
		if key == "" {
			continue
		}

		if survivor, ok := survivors[key]; ok {
			merges = append(merges, merge{Merged: req, Survivor: survivor})
			continue
		}

		survivors[key] = req
	}

	return merges
}
