package queue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/srand/buildmaster/pkg/protocol"
	"github.com/srand/buildmaster/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type QueueTest struct {
	suite.Suite
	newStore func(t *testing.T) Store
	queue    *Queue
	now      time.Time
	mu       sync.Mutex
}

func (suite *QueueTest) SetupTest() {
	suite.now = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	suite.queue = NewQueue(suite.newStore(suite.T()), time.Minute)
	suite.queue.SetClock(suite.clock)
}

func (suite *QueueTest) TearDownTest() {
	suite.queue.Close()
}

func (suite *QueueTest) clock() time.Time {
	suite.mu.Lock()
	defer suite.mu.Unlock()
	return suite.now
}

func (suite *QueueTest) advance(d time.Duration) {
	suite.mu.Lock()
	defer suite.mu.Unlock()
	suite.now = suite.now.Add(d)
}

func (suite *QueueTest) submit(builder, branch string, priority int) *BuildRequest {
	req := &BuildRequest{Builder: builder, Priority: priority}
	bs := &BuildSet{
		Reason: "test",
		SourceStamps: []*SourceStamp{
			{Codebase: "main", Branch: branch, Repository: "X", Revision: suite.clock().String()},
		},
	}

	_, err := suite.queue.Submit(context.Background(), bs, []*BuildRequest{req})
	require.NoError(suite.T(), err)
	return req
}

func (suite *QueueTest) TestSubmit() {
	ctx := context.Background()
	ss := &SourceStamp{Codebase: "main", Branch: "main", Repository: "X", Revision: "abc"}

	bs := &BuildSet{
		Reason:       "force",
		Properties:   map[string]string{"owner": "alice"},
		SourceStamps: []*SourceStamp{ss},
	}
	reqs := []*BuildRequest{{Builder: "linux"}, {Builder: "windows"}}

	id, err := suite.queue.Submit(ctx, bs, reqs)
	assert.NoError(suite.T(), err)
	assert.NotZero(suite.T(), id)
	assert.Equal(suite.T(), id, reqs[0].BuildSetID)
	assert.NotEqual(suite.T(), reqs[0].ID, reqs[1].ID)

	stored, err := suite.queue.GetBuildSet(ctx, id)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), "force", stored.Reason)
	assert.Equal(suite.T(), "alice", stored.Properties["owner"])
	assert.False(suite.T(), stored.Complete)
	require.Len(suite.T(), stored.SourceStamps, 1)
	assert.Equal(suite.T(), "abc", stored.SourceStamps[0].Revision)

	members, err := suite.queue.BuildSetRequests(ctx, id)
	assert.NoError(suite.T(), err)
	assert.Len(suite.T(), members, 2)

	// Identical source stamps are stored once
	again := &BuildSet{SourceStamps: []*SourceStamp{{Codebase: "main", Branch: "main", Repository: "X", Revision: "abc"}}}
	_, err = suite.queue.Submit(ctx, again, []*BuildRequest{{Builder: "linux"}})
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), ss.ID, again.SourceStamps[0].ID)

	req, err := suite.queue.GetBuildRequest(ctx, reqs[0].ID)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), RequestUnclaimed, req.State(suite.clock()))
	assert.Len(suite.T(), req.SourceStamps, 1)
}

func (suite *QueueTest) TestSubmitInvalid() {
	ctx := context.Background()

	_, err := suite.queue.Submit(ctx, &BuildSet{}, nil)
	assert.ErrorIs(suite.T(), err, utils.ErrBadRequest)

	_, err = suite.queue.Submit(ctx, &BuildSet{}, []*BuildRequest{{}})
	assert.ErrorIs(suite.T(), err, utils.ErrBadRequest)

	_, err = suite.queue.GetBuildSet(ctx, 1234)
	assert.ErrorIs(suite.T(), err, utils.ErrNotFound)

	_, err = suite.queue.GetBuildRequest(ctx, 1234)
	assert.ErrorIs(suite.T(), err, utils.ErrNotFound)
}

func (suite *QueueTest) TestOnSubmit() {
	var submitted []*BuildRequest
	suite.queue.OnSubmit(func(bs *BuildSet, reqs []*BuildRequest) {
		submitted = append(submitted, reqs...)
	})

	req := suite.submit("linux", "main", 0)
	require.Len(suite.T(), submitted, 1)
	assert.Equal(suite.T(), req.ID, submitted[0].ID)
}

func (suite *QueueTest) TestOrdering() {
	suite.queue.SetMergePolicy(func(string) bool { return false })

	first := suite.submit("linux", "a", 0)
	suite.advance(time.Second)
	second := suite.submit("linux", "b", 0)
	suite.advance(time.Second)
	urgent := suite.submit("linux", "c", 10)

	pending, err := suite.queue.Pending(context.Background(), "linux")
	assert.NoError(suite.T(), err)
	require.Len(suite.T(), pending, 3)
	assert.Equal(suite.T(), urgent.ID, pending[0].ID)
	assert.Equal(suite.T(), first.ID, pending[1].ID)
	assert.Equal(suite.T(), second.ID, pending[2].ID)
}

func (suite *QueueTest) TestPendingBuilders() {
	ctx := context.Background()
	suite.submit("windows", "main", 0)
	req := suite.submit("linux", "main", 0)

	builders, err := suite.queue.PendingBuilders(ctx)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), []string{"linux", "windows"}, builders)

	claimed, err := suite.queue.Claim(ctx, req.ID, "master-1")
	assert.NoError(suite.T(), err)
	assert.NotNil(suite.T(), claimed)

	builders, err = suite.queue.PendingBuilders(ctx)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), []string{"windows"}, builders)
}

func (suite *QueueTest) TestClaimLease() {
	ctx := context.Background()
	req := suite.submit("linux", "main", 0)

	claimed, err := suite.queue.Claim(ctx, req.ID, "master-1")
	assert.NoError(suite.T(), err)
	require.NotNil(suite.T(), claimed)
	assert.Equal(suite.T(), "master-1", claimed.ClaimedBy)
	assert.Equal(suite.T(), 1, claimed.Attempts)
	assert.Equal(suite.T(), RequestClaimed, claimed.State(suite.clock()))

	// Live claims cannot be taken over
	other, err := suite.queue.Claim(ctx, req.ID, "master-2")
	assert.NoError(suite.T(), err)
	assert.Nil(suite.T(), other)

	// Renewal keeps the claim alive
	suite.advance(45 * time.Second)
	assert.NoError(suite.T(), suite.queue.Renew(ctx, req.ID, "master-1"))
	suite.advance(45 * time.Second)

	other, err = suite.queue.Claim(ctx, req.ID, "master-2")
	assert.NoError(suite.T(), err)
	assert.Nil(suite.T(), other)

	// An expired lease makes the request claimable again
	suite.advance(time.Minute)

	other, err = suite.queue.Claim(ctx, req.ID, "master-2")
	assert.NoError(suite.T(), err)
	require.NotNil(suite.T(), other)
	assert.Equal(suite.T(), 2, other.Attempts)

	// The previous owner lost its claim
	assert.ErrorIs(suite.T(), suite.queue.Renew(ctx, req.ID, "master-1"), utils.ErrLeaseLost)
	assert.ErrorIs(suite.T(), suite.queue.Unclaim(ctx, req.ID, "master-1"), utils.ErrLeaseLost)
	_, err = suite.queue.Complete(ctx, req.ID, "master-1", protocol.ResultSuccess)
	assert.ErrorIs(suite.T(), err, utils.ErrLeaseLost)
}

func (suite *QueueTest) TestUnclaim() {
	ctx := context.Background()
	req := suite.submit("linux", "main", 0)

	claimed, err := suite.queue.ClaimNext(ctx, "linux", "master-1")
	assert.NoError(suite.T(), err)
	require.NotNil(suite.T(), claimed)
	assert.Equal(suite.T(), req.ID, claimed.ID)

	none, err := suite.queue.ClaimNext(ctx, "linux", "master-1")
	assert.NoError(suite.T(), err)
	assert.Nil(suite.T(), none)

	assert.NoError(suite.T(), suite.queue.Unclaim(ctx, req.ID, "master-1"))

	// Immediately claimable again
	claimed, err = suite.queue.ClaimNext(ctx, "linux", "master-2")
	assert.NoError(suite.T(), err)
	require.NotNil(suite.T(), claimed)
	assert.Equal(suite.T(), 2, claimed.Attempts)
}

func (suite *QueueTest) TestComplete() {
	ctx := context.Background()
	req := suite.submit("linux", "main", 0)

	_, err := suite.queue.Claim(ctx, req.ID, "master-1")
	assert.NoError(suite.T(), err)

	completed, err := suite.queue.Complete(ctx, req.ID, "master-1", protocol.ResultWarnings)
	assert.NoError(suite.T(), err)
	require.Len(suite.T(), completed, 1)
	assert.True(suite.T(), completed[0].Complete)
	assert.Equal(suite.T(), protocol.ResultWarnings, completed[0].Results)

	_, err = suite.queue.Complete(ctx, req.ID, "master-1", protocol.ResultSuccess)
	assert.ErrorIs(suite.T(), err, utils.ErrTerminalBuild)

	claimed, err := suite.queue.Claim(ctx, req.ID, "master-2")
	assert.NoError(suite.T(), err)
	assert.Nil(suite.T(), claimed)

	stored, err := suite.queue.GetBuildRequest(ctx, req.ID)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), RequestComplete, stored.State(suite.clock()))
	assert.Equal(suite.T(), protocol.ResultWarnings, stored.Results)
}

func (suite *QueueTest) TestCancelRequest() {
	ctx := context.Background()
	idle := suite.submit("linux", "a", 0)
	busy := suite.submit("linux", "b", 0)

	_, err := suite.queue.Claim(ctx, busy.ID, "master-1")
	assert.NoError(suite.T(), err)

	completed, err := suite.queue.CancelRequest(ctx, idle.ID)
	assert.NoError(suite.T(), err)
	require.Len(suite.T(), completed, 1)
	assert.Equal(suite.T(), protocol.ResultCancelled, completed[0].Results)

	_, err = suite.queue.CancelRequest(ctx, busy.ID)
	assert.ErrorIs(suite.T(), err, utils.ErrLeaseLost)
}

func (suite *QueueTest) TestCompleteBuildSet() {
	ctx := context.Background()
	req := suite.submit("linux", "main", 0)

	ok, err := suite.queue.CompleteBuildSet(ctx, req.BuildSetID, protocol.ResultFailure)
	assert.NoError(suite.T(), err)
	assert.True(suite.T(), ok)

	ok, err = suite.queue.CompleteBuildSet(ctx, req.BuildSetID, protocol.ResultSuccess)
	assert.NoError(suite.T(), err)
	assert.False(suite.T(), ok)

	bs, err := suite.queue.GetBuildSet(ctx, req.BuildSetID)
	assert.NoError(suite.T(), err)
	assert.True(suite.T(), bs.Complete)
	assert.Equal(suite.T(), protocol.ResultFailure, bs.Results)

	_, err = suite.queue.CompleteBuildSet(ctx, 1234, protocol.ResultSuccess)
	assert.ErrorIs(suite.T(), err, utils.ErrNotFound)
}

func (suite *QueueTest) TestMerge() {
	ctx := context.Background()

	first := suite.submit("linux", "main", 0)
	suite.advance(time.Second)
	second := suite.submit("linux", "main", 0)

	pending, err := suite.queue.Pending(ctx, "linux")
	assert.NoError(suite.T(), err)
	require.Len(suite.T(), pending, 1)
	assert.Equal(suite.T(), first.ID, pending[0].ID)

	merged, err := suite.queue.GetBuildRequest(ctx, second.ID)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), first.ID, merged.MergedInto)
	assert.Equal(suite.T(), RequestMerged, merged.State(suite.clock()))

	claimed, err := suite.queue.ClaimNext(ctx, "linux", "master-1")
	assert.NoError(suite.T(), err)
	require.NotNil(suite.T(), claimed)
	assert.Equal(suite.T(), first.ID, claimed.ID)

	completed, err := suite.queue.Complete(ctx, first.ID, "master-1", protocol.ResultFailure)
	assert.NoError(suite.T(), err)
	require.Len(suite.T(), completed, 2)
	assert.Equal(suite.T(), first.ID, completed[0].ID)
	assert.Equal(suite.T(), second.ID, completed[1].ID)
	for _, req := range completed {
		assert.True(suite.T(), req.Complete)
		assert.Equal(suite.T(), protocol.ResultFailure, req.Results)
	}
}

func (suite *QueueTest) TestMergeRules() {
	ctx := context.Background()

	suite.submit("linux", "main", 0)
	suite.submit("linux", "release", 0)
	suite.submit("windows", "main", 0)

	patched := &BuildSet{SourceStamps: []*SourceStamp{{
		Codebase:   "main",
		Branch:     "main",
		Repository: "X",
		Patch:      &Patch{Level: 1, Body: []byte("diff")},
	}}}
	_, err := suite.queue.Submit(ctx, patched, []*BuildRequest{{Builder: "linux"}})
	assert.NoError(suite.T(), err)

	pending, err := suite.queue.Pending(ctx, "linux")
	assert.NoError(suite.T(), err)
	assert.Len(suite.T(), pending, 3)

	// Merging disabled for the builder
	suite.queue.SetMergePolicy(func(builder string) bool { return builder != "linux" })
	suite.submit("linux", "main", 0)

	pending, err = suite.queue.Pending(ctx, "linux")
	assert.NoError(suite.T(), err)
	assert.Len(suite.T(), pending, 4)
}

func (suite *QueueTest) TestMergeIntoRetriedRequest() {
	ctx := context.Background()

	a := suite.submit("linux", "main", 0)
	claimed, err := suite.queue.ClaimNext(ctx, "linux", "master-1")
	assert.NoError(suite.T(), err)
	require.NotNil(suite.T(), claimed)

	suite.advance(time.Second)
	b := suite.submit("linux", "main", 0)
	suite.advance(time.Second)
	c := suite.submit("linux", "main", 0)

	// The claimed request takes no part in merging
	pending, err := suite.queue.Pending(ctx, "linux")
	assert.NoError(suite.T(), err)
	require.Len(suite.T(), pending, 1)
	assert.Equal(suite.T(), b.ID, pending[0].ID)

	assert.NoError(suite.T(), suite.queue.Unclaim(ctx, a.ID, "master-1"))

	pending, err = suite.queue.Pending(ctx, "linux")
	assert.NoError(suite.T(), err)
	require.Len(suite.T(), pending, 1)
	assert.Equal(suite.T(), a.ID, pending[0].ID)

	_, err = suite.queue.Claim(ctx, a.ID, "master-1")
	assert.NoError(suite.T(), err)

	completed, err := suite.queue.Complete(ctx, a.ID, "master-1", protocol.ResultSuccess)
	assert.NoError(suite.T(), err)
	require.Len(suite.T(), completed, 3)
	assert.Equal(suite.T(), a.ID, completed[0].ID)
	assert.ElementsMatch(suite.T(), []int64{b.ID, c.ID}, []int64{completed[1].ID, completed[2].ID})
}

// Concurrent claimers never claim the same request twice.
func (suite *QueueTest) TestClaimExclusivity() {
	suite.queue.SetMergePolicy(func(string) bool { return false })

	const requests = 40
	for i := 0; i < requests; i++ {
		suite.submit("linux", fmt.Sprintf("branch-%d", i), i%3)
	}

	var mu sync.Mutex
	claims := map[int64]string{}
	duplicates := 0

	wg := sync.WaitGroup{}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			for {
				req, err := suite.queue.ClaimNext(context.Background(), "linux", owner)
				if err != nil {
					suite.T().Error(err)
					return
				}
				if req == nil {
					return
				}

				mu.Lock()
				if _, ok := claims[req.ID]; ok {
					duplicates++
				}
				claims[req.ID] = owner
				mu.Unlock()
			}
		}(fmt.Sprintf("master-%d", i))
	}
	wg.Wait()

	assert.Zero(suite.T(), duplicates)
	assert.Len(suite.T(), claims, requests)
}

// A request is never left merged into a request that completed without it.
func (suite *QueueTest) TestMergeRacesCompletion() {
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		builder := fmt.Sprintf("race-%d", i)
		survivor := suite.submit(builder, "main", 0)
		suite.advance(time.Second)
		follower := suite.submit(builder, "main", 0)

		wg := sync.WaitGroup{}
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := suite.queue.Pending(ctx, builder)
			assert.NoError(suite.T(), err)
		}()
		go func() {
			defer wg.Done()
			_, err := suite.queue.CancelRequest(ctx, survivor.ID)
			assert.NoError(suite.T(), err)
		}()
		wg.Wait()

		req, err := suite.queue.GetBuildRequest(ctx, follower.ID)
		require.NoError(suite.T(), err)

		if req.MergedInto == 0 {
			assert.False(suite.T(), req.Complete)

			pending, err := suite.queue.Pending(ctx, builder)
			assert.NoError(suite.T(), err)
			require.Len(suite.T(), pending, 1)
			assert.Equal(suite.T(), follower.ID, pending[0].ID)
			continue
		}

		assert.Equal(suite.T(), survivor.ID, req.MergedInto)
		assert.True(suite.T(), req.Complete, "request %d stranded behind completed request %d", req.ID, survivor.ID)
		assert.Equal(suite.T(), protocol.ResultCancelled, req.Results)
	}
}

func TestMemoryQueue(t *testing.T) {
	suite.Run(t, &QueueTest{
		newStore: func(t *testing.T) Store {
			return NewMemoryStore()
		},
	})
}

func TestSqliteQueue(t *testing.T) {
	suite.Run(t, &QueueTest{
		newStore: func(t *testing.T) Store {
			store, err := NewSqliteStore(context.Background(), filepath.Join(t.TempDir(), "queue.db"))
			require.NoError(t, err)
			return store
		},
	})
}

// Runs against the server named by BUILDMASTER_TEST_MONGODB, which must be a
// replica set member, e.g. mongodb://localhost:27017/?replicaSet=rs0.
func TestMongoQueue(t *testing.T) {
	uri := os.Getenv("BUILDMASTER_TEST_MONGODB")
	if uri == "" {
		t.Skip("BUILDMASTER_TEST_MONGODB not set")
	}

	suite.Run(t, &QueueTest{
		newStore: func(t *testing.T) Store {
			ctx := context.Background()
			database := fmt.Sprintf("buildmaster_test_%d", time.Now().UnixNano())

			store, err := NewMongoStore(ctx, uri, database)
			require.NoError(t, err)

			t.Cleanup(func() {
				client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
				if err != nil {
					return
				}
				defer client.Disconnect(ctx)
				_ = client.Database(database).Drop(ctx)
			})
			return store
		},
	})
}
