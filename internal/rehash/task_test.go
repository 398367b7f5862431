package rehash

import (
	"context"
	"testing"
	"time"

	"github.com/devrev/distcache/internal/algorithm"
	"github.com/devrev/distcache/internal/errors"
	"github.com/devrev/distcache/internal/model"
	"github.com/devrev/distcache/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewTask_RejectsUnionHashes(t *testing.T) {
	cl := newCluster(t, 10)
	union, err := algorithm.NewUnionConsistentHash(cl.oldCH, cl.newCH)
	require.NoError(t, err)

	_, err = NewJoinTask(2, union, cl.newCH, cl.deps)
	assert.True(t, errors.IsConfiguration(err))

	_, err = NewLeaveTask(2, cl.oldCH, union, cl.deps)
	assert.True(t, errors.IsConfiguration(err))

	_, err = NewJoinTask(2, nil, cl.newCH, cl.deps)
	assert.True(t, errors.IsConfiguration(err))
}

func TestJoinTask_MovesStateAndInstallsNewHash(t *testing.T) {
	cl := newCluster(t, 10)
	task, err := NewJoinTask(2, cl.oldCH, cl.newCH, cl.deps)
	require.NoError(t, err)

	report, err := task.Call(context.Background())
	require.NoError(t, err)

	assert.Equal(t, model.RehashStatusCompleted, report.Status)
	assert.Equal(t, model.RehashTypeJoin, report.Type)
	assert.Equal(t, 3, report.EntriesPushed)
	assert.Equal(t, 3, report.KeysInvalidated)

	// only the keys A is primary for reach the joiner
	pushes := cl.c.byMethod(transport.MethodPushState)
	require.Len(t, pushes, 1)
	assert.Equal(t, []string{"k1", "k3", "k4"}, keysOf(pushes[0].Entries))
	assert.Equal(t, 2, pushes[0].ViewID)
	assert.Empty(t, cl.b.byMethod(transport.MethodPushState))

	// B lost k1 and k3, A lost k4; k2 is left to B which pushed it
	invalidations := cl.b.byMethod(transport.MethodInvalidate)
	require.Len(t, invalidations, 1)
	assert.Equal(t, []string{"k1", "k3"}, invalidations[0].Keys)
	assert.Equal(t, []string{"k4"}, cl.dm.invalidated)
	assert.Empty(t, cl.c.byMethod(transport.MethodInvalidate))

	// union first, then the new hash alone
	require.Len(t, cl.dm.installed, 2)
	assert.True(t, algorithm.IsUnion(cl.dm.installed[0]))
	assert.Same(t, cl.newCH, cl.dm.current())
	assert.Equal(t, 2, cl.dm.completedView)
	assert.Same(t, cl.newCH, cl.dm.completed)

	assert.Equal(t, []bool{true, false}, cl.dm.inProgress)
	assert.False(t, cl.txLog.IsEnabled())
}

func TestJoinTask_BatchesStatePush(t *testing.T) {
	cl := newCluster(t, 1)
	task, err := NewJoinTask(2, cl.oldCH, cl.newCH, cl.deps)
	require.NoError(t, err)

	_, err = task.Call(context.Background())
	require.NoError(t, err)

	pushes := cl.c.byMethod(transport.MethodPushState)
	require.Len(t, pushes, 3)
	for _, p := range pushes {
		assert.Len(t, p.Entries, 1)
	}
}

func TestJoinTask_ForwardsWritesLoggedDuringPush(t *testing.T) {
	cl := newCluster(t, 10)
	cl.c.onPush = func() {
		cl.txLog.Log(model.WriteRecord{Type: model.CommandPut, Key: "k1", Value: []byte("newer")})
		cl.txLog.Log(model.WriteRecord{Type: model.CommandPutMap, Entries: map[string][]byte{
			"k2": []byte("b"),
			"k3": []byte("c"),
		}})
	}
	task, err := NewJoinTask(2, cl.oldCH, cl.newCH, cl.deps)
	require.NoError(t, err)

	report, err := task.Call(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.TxRecordsForwarded)

	replays := cl.c.byMethod(transport.MethodTxLog)
	require.Len(t, replays, 1)
	records := replays[0].Records
	require.Len(t, records, 2)
	assert.Equal(t, "k1", records[0].Key)
	assert.Equal(t, []byte("newer"), records[0].Value)
	// the batch is split per key and k2 is pushed by B
	assert.Equal(t, model.CommandPut, records[1].Type)
	assert.Equal(t, "k3", records[1].Key)
	assert.Equal(t, 0, cl.txLog.Size())
}

func TestTask_FailureBeforeCutoverRestoresOldHash(t *testing.T) {
	cl := newCluster(t, 10)
	cl.network.Fail("C", errBoom)
	task, err := NewJoinTask(2, cl.oldCH, cl.newCH, cl.deps)
	require.NoError(t, err)

	report, err := task.Call(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsRemote(err))
	assert.Equal(t, model.RehashStatusFailed, report.Status)
	assert.Equal(t, model.RehashPhaseStatePush, report.Phase)

	assert.Same(t, cl.oldCH, cl.dm.current())
	assert.Nil(t, cl.dm.completed)
	assert.Equal(t, []bool{true, false}, cl.dm.inProgress)
	assert.False(t, cl.txLog.IsEnabled())
	assert.Empty(t, cl.b.byMethod(transport.MethodInvalidate))
}

func TestTask_InterruptedBeforeStart(t *testing.T) {
	cl := newCluster(t, 10)
	task, err := NewLeaveTask(2, cl.oldCH, cl.newCH, cl.deps)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = task.Call(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsInterrupted(err))
	assert.Same(t, cl.oldCH, cl.dm.current())
	assert.Equal(t, []bool{true, false}, cl.dm.inProgress)
	assert.Empty(t, cl.c.byMethod(transport.MethodPushState))
}

func TestTask_InvalidationFailureKeepsNewHash(t *testing.T) {
	cl := newCluster(t, 10)
	cl.network.Fail("B", errBoom)
	task, err := NewJoinTask(2, cl.oldCH, cl.newCH, cl.deps)
	require.NoError(t, err)

	report, err := task.Call(context.Background())
	require.Error(t, err)
	assert.Equal(t, model.RehashPhaseInvalidation, report.Phase)
	// A keeps k4 until B acknowledged its invalidation
	assert.Equal(t, 0, report.KeysInvalidated)
	assert.Empty(t, cl.dm.invalidated)
	assert.Same(t, cl.newCH, cl.dm.current())
	assert.Equal(t, 2, cl.dm.completedView)
	assert.Equal(t, []bool{true, false}, cl.dm.inProgress)
}

func TestInvalidationTask_RetriesFailedInvalidation(t *testing.T) {
	cl := newCluster(t, 10)
	cl.network.Fail("B", errBoom)
	task, err := NewJoinTask(2, cl.oldCH, cl.newCH, cl.deps)
	require.NoError(t, err)
	_, err = task.Call(context.Background())
	require.Error(t, err)
	assert.Empty(t, cl.b.byMethod(transport.MethodInvalidate))

	cl.network.Heal("B")
	retry, err := NewInvalidationTask(2, cl.oldCH, cl.newCH, model.RehashTypeJoin, cl.deps)
	require.NoError(t, err)
	report, err := retry.Call(context.Background())
	require.NoError(t, err)

	assert.Equal(t, model.RehashPhaseInvalidation, report.Phase)
	assert.Equal(t, 3, report.KeysInvalidated)
	invalidations := cl.b.byMethod(transport.MethodInvalidate)
	require.Len(t, invalidations, 1)
	assert.Equal(t, []string{"k1", "k3"}, invalidations[0].Keys)
	// nothing is pushed again and the routing hash is untouched
	assert.Len(t, cl.c.byMethod(transport.MethodPushState), 1)
	assert.Same(t, cl.newCH, cl.dm.current())
}

func TestJoinTask_NotifiesJoinersAfterPush(t *testing.T) {
	cl := newCluster(t, 10)
	task, err := NewJoinTask(2, cl.oldCH, cl.newCH, cl.deps)
	require.NoError(t, err)

	_, err = task.Call(context.Background())
	require.NoError(t, err)

	done := cl.c.byMethod(transport.MethodStateDone)
	require.Len(t, done, 1)
	assert.Equal(t, "A,B,C", done[0].Topology)
	assert.Empty(t, cl.b.byMethod(transport.MethodStateDone))
	// A was an old member and has nothing to wait for
	assert.Empty(t, cl.dm.awaited)
}

func TestJoinTask_JoinerWaitsForOldMembers(t *testing.T) {
	// the same join seen from C, which holds nothing yet
	cl := newCluster(t, 10)
	network := transport.NewNetwork(zap.NewNop())
	a, b := &memberHandler{}, &memberHandler{}
	network.Serve("A", a)
	network.Serve("B", b)
	dm := &fakeDistribution{self: "C"}
	deps := cl.deps
	deps.Distribution = dm
	deps.RPC = network.Join("C", time.Second, nil)
	deps.Data = newFakeData()

	task, err := NewJoinTask(2, cl.oldCH, cl.newCH, deps)
	require.NoError(t, err)
	report, err := task.Call(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, report.EntriesPushed)
	assert.Equal(t, map[string][]model.Address{"A,B,C": {"A", "B"}}, dm.awaited)
	require.Len(t, dm.installed, 2)
	assert.True(t, algorithm.IsUnion(dm.installed[0]))
	assert.Same(t, cl.newCH, dm.current())
	assert.Equal(t, []bool{true, false}, dm.inProgress)
	assert.Empty(t, a.byMethod(transport.MethodStateDone))
}

func TestJoinTask_JoinerRestoresOldHashWhenWaitFails(t *testing.T) {
	cl := newCluster(t, 10)
	network := transport.NewNetwork(zap.NewNop())
	dm := &fakeDistribution{self: "C", awaitErr: errors.Interrupted("stopped", context.Canceled)}
	deps := cl.deps
	deps.Distribution = dm
	deps.RPC = network.Join("C", time.Second, nil)
	deps.Data = newFakeData()

	task, err := NewJoinTask(2, cl.oldCH, cl.newCH, deps)
	require.NoError(t, err)
	report, err := task.Call(context.Background())
	require.Error(t, err)

	assert.Equal(t, model.RehashStatusFailed, report.Status)
	assert.Same(t, cl.oldCH, dm.current())
	assert.Nil(t, dm.completed)
}

func TestLeaveTask_SurvivorPushesForDepartedOwner(t *testing.T) {
	// A,B,C -> A,B with C gone; seen from B
	owners := map[string][]model.Address{
		"k1": {"C", "B"},
		"k2": {"C", "A"},
	}
	newOwners := map[string][]model.Address{
		"k1": {"B", "A"},
		"k2": {"A", "B"},
	}
	oldCH := newFixedHash([]model.Address{"A", "B", "C"}, owners)
	newCH := newFixedHash([]model.Address{"A", "B"}, newOwners)

	network := transport.NewNetwork(zap.NewNop())
	a := &memberHandler{}
	network.Serve("A", a)
	dm := &fakeDistribution{self: "B"}
	deps := Deps{
		Distribution: dm,
		RPC:          network.Join("B", 0, nil),
		TxLog:        NewTransactionLogger(),
		Data:         newFakeData("k1", "k2"),
		Config:       Config{NumOwners: 2},
		Logger:       zap.NewNop(),
	}

	task, err := NewLeaveTask(3, oldCH, newCH, deps)
	require.NoError(t, err)
	report, err := task.Call(context.Background())
	require.NoError(t, err)

	// k1: C left, B is the first surviving old owner and A is new
	pushes := a.byMethod(transport.MethodPushState)
	require.Len(t, pushes, 1)
	assert.Equal(t, []string{"k1"}, keysOf(pushes[0].Entries))
	assert.Equal(t, 1, report.EntriesPushed)
	// nobody still in the view lost a key
	assert.Equal(t, 0, report.KeysInvalidated)
	assert.Empty(t, a.byMethod(transport.MethodInvalidate))
}
