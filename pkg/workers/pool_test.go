package workers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/srand/buildmaster/pkg/protocol"
	"github.com/srand/buildmaster/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type mockConnection struct {
	mock.Mock
	done chan struct{}
}

func newMockConnection() *mockConnection {
	return &mockConnection{done: make(chan struct{})}
}

func (m *mockConnection) StartCommand(ctx context.Context, buildID string, index int, step protocol.StepSpec) (<-chan *protocol.StatusUpdate, error) {
	args := m.Called(buildID, index, step)
	return args.Get(0).(<-chan *protocol.StatusUpdate), args.Error(1)
}

func (m *mockConnection) InterruptCommand(ctx context.Context, buildID string, index int) error {
	return m.Called(buildID, index).Error(0)
}

func (m *mockConnection) Ping(ctx context.Context) error {
	return m.Called().Error(0)
}

func (m *mockConnection) Shutdown(reason string) error {
	return m.Called(reason).Error(0)
}

func (m *mockConnection) Done() <-chan struct{} {
	return m.done
}

type PoolTest struct {
	suite.Suite
	pool *Pool

	mu           sync.Mutex
	idle         []string
	disconnected map[string][]string
}

func (suite *PoolTest) SetupTest() {
	suite.pool = NewPool()
	suite.idle = nil
	suite.disconnected = map[string][]string{}

	suite.pool.OnIdle(func(w *Worker) {
		suite.mu.Lock()
		defer suite.mu.Unlock()
		suite.idle = append(suite.idle, w.Name())
	})
	suite.pool.OnDisconnect(func(w *Worker, builds []string) {
		suite.mu.Lock()
		defer suite.mu.Unlock()
		suite.disconnected[w.Name()] = builds
	})
}

func (suite *PoolTest) register(name string, slots int, builders ...string) (*Worker, *mockConnection) {
	conn := newMockConnection()
	w, token, err := suite.pool.Register(name, Capabilities{Builders: builders, MaxBuilds: slots}, conn)
	require.NoError(suite.T(), err)
	require.NotEmpty(suite.T(), token)
	return w, conn
}

func (suite *PoolTest) TestRegister() {
	w, _ := suite.register("w1", 0, "linux")
	assert.Equal(suite.T(), protocol.WorkerRunning, w.State())
	assert.Equal(suite.T(), 1, w.Free())
	assert.Equal(suite.T(), []string{"w1"}, suite.idle)

	found, err := suite.pool.Lookup("w1")
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), w, found)

	found, err = suite.pool.Lookup(w.ID())
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), w, found)

	_, err = suite.pool.Get("nope")
	assert.ErrorIs(suite.T(), err, utils.ErrNotFound)

	_, _, err = suite.pool.Register("", Capabilities{}, newMockConnection())
	assert.ErrorIs(suite.T(), err, utils.ErrBadRequest)
}

func (suite *PoolTest) TestRegisterDuplicate() {
	w, conn := suite.register("w1", 1, "linux")
	assert.NoError(suite.T(), suite.pool.Reserve(w.ID(), "build-1"))

	_, _, err := suite.pool.Register("w1", Capabilities{}, newMockConnection())
	assert.ErrorIs(suite.T(), err, utils.ErrDuplicateWorker)

	// A dead connection is replaced, and its builds are reported lost
	close(conn.done)

	replacement, _ := suite.register("w1", 1, "linux")
	assert.NotEqual(suite.T(), w.ID(), replacement.ID())
	assert.Equal(suite.T(), []string{"build-1"}, suite.disconnected["w1"])
	assert.Equal(suite.T(), protocol.WorkerOffline, w.State())
	assert.Equal(suite.T(), 1, suite.pool.Len())
}

func (suite *PoolTest) TestListEligible() {
	w1, _ := suite.register("w1", 2, "linux", "windows")
	w2, _ := suite.register("w2", 1, "linux")
	suite.register("w3", 4, "mac")

	assert.NoError(suite.T(), suite.pool.Reserve(w1.ID(), "build-1"))

	eligible := suite.pool.ListEligible("linux")
	require.Len(suite.T(), eligible, 2)
	assert.Equal(suite.T(), w2, eligible[0])
	assert.Equal(suite.T(), w1, eligible[1])

	assert.NoError(suite.T(), suite.pool.Reserve(w2.ID(), "build-2"))
	assert.Equal(suite.T(), []*Worker{w1}, suite.pool.ListEligible("linux"))

	assert.NoError(suite.T(), suite.pool.Pause(w1.ID()))
	assert.Empty(suite.T(), suite.pool.ListEligible("linux"))
	assert.Empty(suite.T(), suite.pool.ListEligible("windows"))
	assert.Empty(suite.T(), suite.pool.ListEligible("unknown"))

	assert.NoError(suite.T(), suite.pool.Resume(w1.ID()))
	assert.Equal(suite.T(), []*Worker{w1}, suite.pool.ListEligible("windows"))
}

func (suite *PoolTest) TestReserveRelease() {
	w, _ := suite.register("w1", 1, "linux")
	suite.idle = nil

	assert.NoError(suite.T(), suite.pool.Reserve(w.ID(), "build-1"))
	assert.NoError(suite.T(), suite.pool.Reserve(w.ID(), "build-1"))
	assert.ErrorIs(suite.T(), suite.pool.Reserve(w.ID(), "build-2"), utils.ErrWorkerUnavailable)
	assert.Equal(suite.T(), []string{"build-1"}, w.Builds())
	assert.Equal(suite.T(), 0, w.Free())

	suite.pool.Release(w.ID(), "build-1")
	suite.pool.Release(w.ID(), "build-1")
	suite.pool.Release("nope", "build-1")
	assert.Equal(suite.T(), 1, w.Free())
	assert.Equal(suite.T(), []string{"w1"}, suite.idle)

	assert.NoError(suite.T(), suite.pool.Pause(w.ID()))
	assert.ErrorIs(suite.T(), suite.pool.Reserve(w.ID(), "build-3"), utils.ErrWorkerUnavailable)
}

func (suite *PoolTest) TestDroppedConnectionNotEligible() {
	w, conn := suite.register("w1", 1, "linux")
	close(conn.done)

	assert.Empty(suite.T(), suite.pool.ListEligible("linux"))
	assert.ErrorIs(suite.T(), suite.pool.Reserve(w.ID(), "build-1"), utils.ErrWorkerUnavailable)
}

func (suite *PoolTest) TestNotifyDisconnect() {
	w, _ := suite.register("w1", 2, "linux")
	assert.NoError(suite.T(), suite.pool.Reserve(w.ID(), "build-1"))
	assert.NoError(suite.T(), suite.pool.Reserve(w.ID(), "build-2"))

	suite.pool.NotifyDisconnect(w.ID())
	suite.pool.NotifyDisconnect(w.ID())

	assert.Equal(suite.T(), []string{"build-1", "build-2"}, suite.disconnected["w1"])
	assert.Equal(suite.T(), 0, suite.pool.Len())
	assert.Equal(suite.T(), protocol.WorkerOffline, w.State())

	_, err := suite.pool.Get(w.ID())
	assert.ErrorIs(suite.T(), err, utils.ErrNotFound)
}

func (suite *PoolTest) TestGracefulShutdown() {
	w, conn := suite.register("w1", 2, "linux")
	conn.On("Shutdown", "graceful shutdown").Return(nil)
	assert.NoError(suite.T(), suite.pool.Reserve(w.ID(), "build-1"))

	done := make(chan error, 1)
	go func() {
		done <- suite.pool.GracefulShutdown(context.Background(), w.ID())
	}()

	assert.Eventually(suite.T(), func() bool {
		return w.State() == protocol.WorkerGracefulShutdownPending
	}, time.Second, time.Millisecond)

	// No new builds while draining
	assert.ErrorIs(suite.T(), suite.pool.Reserve(w.ID(), "build-2"), utils.ErrWorkerUnavailable)
	assert.Empty(suite.T(), suite.pool.ListEligible("linux"))
	assert.ErrorIs(suite.T(), suite.pool.Pause(w.ID()), utils.ErrBadRequest)

	select {
	case <-done:
		suite.T().Fatal("shutdown did not wait for running build")
	case <-time.After(10 * time.Millisecond):
	}

	suite.pool.Release(w.ID(), "build-1")

	select {
	case err := <-done:
		assert.NoError(suite.T(), err)
	case <-time.After(time.Second):
		suite.T().Fatal("shutdown did not complete")
	}

	conn.AssertExpectations(suite.T())
	assert.Equal(suite.T(), 0, suite.pool.Len())
	assert.Empty(suite.T(), suite.disconnected["w1"])
}

func (suite *PoolTest) TestGracefulShutdownTimeout() {
	w, _ := suite.register("w1", 1, "linux")
	assert.NoError(suite.T(), suite.pool.Reserve(w.ID(), "build-1"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := suite.pool.GracefulShutdown(ctx, w.ID())
	assert.ErrorIs(suite.T(), err, context.DeadlineExceeded)
	assert.Equal(suite.T(), protocol.WorkerGracefulShutdownPending, w.State())
	assert.Equal(suite.T(), 1, suite.pool.Len())
}

func TestPool(t *testing.T) {
	suite.Run(t, &PoolTest{})
}
