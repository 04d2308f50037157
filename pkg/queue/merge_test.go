package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func stamp(codebase, branch, repository, revision string) *SourceStamp {
	return &SourceStamp{Codebase: codebase, Branch: branch, Repository: repository, Revision: revision}
}

func TestMergeKey(t *testing.T) {
	a := &BuildRequest{Builder: "b", SourceStamps: []*SourceStamp{stamp("main", "main", "X", "1"), stamp("lib", "dev", "Y", "1")}}
	b := &BuildRequest{Builder: "b", SourceStamps: []*SourceStamp{stamp("lib", "dev", "Y", "2"), stamp("main", "main", "X", "2")}}
	c := &BuildRequest{Builder: "b", SourceStamps: []*SourceStamp{stamp("main", "main", "Z", "1"), stamp("lib", "dev", "Y", "1")}}
	d := &BuildRequest{Builder: "other", SourceStamps: a.SourceStamps}

	assert.NotEmpty(t, mergeKey(a))
	assert.Equal(t, mergeKey(a), mergeKey(b))
	assert.NotEqual(t, mergeKey(a), mergeKey(c))
	assert.NotEqual(t, mergeKey(a), mergeKey(d))

	patched := stamp("main", "main", "X", "1")
	patched.Patch = &Patch{Body: []byte("diff")}
	assert.Empty(t, mergeKey(&BuildRequest{Builder: "b", SourceStamps: []*SourceStamp{patched}}))
	assert.Empty(t, mergeKey(&BuildRequest{Builder: "b"}))
}

func TestPlanMerges(t *testing.T) {
	now := time.Now()
	ss := []*SourceStamp{stamp("main", "main", "X", "1")}

	late := &BuildRequest{ID: 1, Builder: "b", SubmittedAt: now.Add(time.Second), SourceStamps: ss}
	early := &BuildRequest{ID: 2, Builder: "b", SubmittedAt: now, SourceStamps: ss}
	tie := &BuildRequest{ID: 3, Builder: "b", SubmittedAt: now, SourceStamps: ss}
	alone := &BuildRequest{ID: 4, Builder: "b", SubmittedAt: now, SourceStamps: []*SourceStamp{stamp("main", "dev", "X", "1")}}

	merges := planMerges([]*BuildRequest{late, alone, tie, early})
	assert.Len(t, merges, 2)
	for _, m := range merges {
		assert.Equal(t, early, m.Survivor)
	}
	assert.ElementsMatch(t, []*BuildRequest{tie, late}, []*BuildRequest{merges[0].Merged, merges[1].Merged})
}

func TestRequestState(t *testing.T) {
	now := time.Now()

	req := &BuildRequest{}
	assert.Equal(t, RequestUnclaimed, req.State(now))

	req.ClaimedBy = "master"
	req.LeaseExpires = now.Add(time.Minute)
	assert.Equal(t, RequestClaimed, req.State(now))
	assert.Equal(t, RequestUnclaimed, req.State(now.Add(time.Minute)))

	req.MergedInto = 7
	assert.Equal(t, RequestMerged, req.State(now))

	req.Complete = true
	assert.Equal(t, RequestComplete, req.State(now))
}

func TestSourceStampHash(t *testing.T) {
	a := stamp("main", "main", "X", "1")
	b := stamp("main", "main", "X", "1")
	assert.Equal(t, a.Hash(), b.Hash())

	b.Patch = &Patch{Level: 1, Body: []byte("diff")}
	assert.NotEqual(t, a.Hash(), b.Hash())

	c := stamp("main", "mai", "nX", "1")
	assert.NotEqual(t, a.Hash(), c.Hash())
}
