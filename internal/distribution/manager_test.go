package distribution

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/devrev/distcache/internal/algorithm"
	"github.com/devrev/distcache/internal/container"
	"github.com/devrev/distcache/internal/errors"
	"github.com/devrev/distcache/internal/interceptor"
	"github.com/devrev/distcache/internal/model"
	"github.com/devrev/distcache/internal/rehash"
	"github.com/devrev/distcache/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testNode struct {
	addr  model.Address
	dc    *container.DataContainer
	chain *interceptor.Chain
	mgr   *Manager
}

func testConfig() Config {
	return Config{
		NumOwners:           2,
		HashKind:            algorithm.KindRing,
		BatchSize:           16,
		RehashRetries:       1,
		RehashRetryInterval: 10 * time.Millisecond,
	}
}

func newTestNode(t *testing.T, network *transport.Network, addr model.Address) *testNode {
	t.Helper()
	logger := zap.NewNop()
	dc := container.NewDataContainer(container.Config{}, logger)
	txLog := rehash.NewTransactionLogger()

	mgr, err := NewManager(addr, testConfig(), dc, nil, network.Join(addr, time.Second, nil), txLog, nil, nil, logger)
	require.NoError(t, err)
	chain := interceptor.NewChain(interceptor.NewCallInterceptor(dc), interceptor.NewTxLoggingInterceptor(txLog, logger))
	mgr.Attach(chain)
	network.Serve(addr, mgr)

	mgr.Start(context.Background())
	t.Cleanup(mgr.Stop)
	return &testNode{addr: addr, dc: dc, chain: chain, mgr: mgr}
}

func (n *testNode) put(t *testing.T, key, value string) {
	t.Helper()
	_, err := n.chain.Invoke(context.Background(), nil, &model.PutCommand{Key: key, Value: []byte(value)})
	require.NoError(t, err)
}

func view(id int, oldMembers, newMembers []model.Address) model.ViewChange {
	return model.ViewChange{ViewID: id, OldMembers: oldMembers, NewMembers: newMembers, Timestamp: time.Now()}
}

func waitForView(t *testing.T, viewID int, nodes ...*testNode) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if n.mgr.CompletedViewID() != viewID || n.mgr.IsRehashInProgress() {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
}

func sampleKeys(n int) []string {
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%03d", i)
	}
	return keys
}

// seed stores every key on its owners under the installed hash
func seed(t *testing.T, nodes map[model.Address]*testNode, keys []string) {
	t.Helper()
	for _, key := range keys {
		for _, owner := range firstNode(nodes).mgr.Locate(key) {
			nodes[owner].put(t, key, "v-"+key)
		}
	}
}

func firstNode(nodes map[model.Address]*testNode) *testNode {
	for _, a := range model.SortAddresses(keysOfNodes(nodes)) {
		return nodes[a]
	}
	return nil
}

func keysOfNodes(nodes map[model.Address]*testNode) []model.Address {
	out := make([]model.Address, 0, len(nodes))
	for a := range nodes {
		out = append(out, a)
	}
	return out
}

// assertPlacement checks that every key lives exactly on its owners
func assertPlacement(t *testing.T, nodes map[model.Address]*testNode, keys []string) {
	t.Helper()
	for _, key := range keys {
		owners := firstNode(nodes).mgr.Locate(key)
		for addr, n := range nodes {
			entry, found := n.dc.Peek(key)
			if model.ContainsAddress(owners, addr) {
				if assert.True(t, found, "%s should hold %s", addr, key) {
					assert.Equal(t, "v-"+key, string(entry.Value))
				}
			} else {
				assert.False(t, found, "%s should not hold %s", addr, key)
			}
		}
	}
}

func TestNewManager_Validation(t *testing.T) {
	network := transport.NewNetwork(zap.NewNop())
	rpc := network.Join("n1", time.Second, nil)
	dc := container.NewDataContainer(container.Config{}, zap.NewNop())

	_, err := NewManager("n1", Config{NumOwners: 0}, dc, nil, rpc, nil, nil, nil, zap.NewNop())
	assert.True(t, errors.IsConfiguration(err))

	_, err = NewManager("n1", Config{NumOwners: 2, HashKind: algorithm.KindUnion}, dc, nil, rpc, nil, nil, nil, zap.NewNop())
	assert.True(t, errors.IsConfiguration(err))
}

func TestManager_FirstViewInstallsDirectly(t *testing.T) {
	network := transport.NewNetwork(zap.NewNop())
	n1 := newTestNode(t, network, "n1")
	members := []model.Address{"n1", "n2", "n3"}

	assert.Equal(t, model.LocalityLocalUncertain, n1.mgr.Locality("k"))

	n1.mgr.HandleViewChange(view(1, nil, members))
	waitForView(t, 1, n1)

	ch := n1.mgr.ConsistentHash()
	require.NotNil(t, ch)
	assert.Equal(t, members, ch.Caches())
	assert.Equal(t, members, n1.mgr.Members())
	_, hasReport := n1.mgr.LastReport()
	assert.False(t, hasReport)

	for _, key := range sampleKeys(50) {
		owners := n1.mgr.Locate(key)
		assert.Len(t, owners, 2)
		if model.ContainsAddress(owners, "n1") {
			assert.Equal(t, model.LocalityLocal, n1.mgr.Locality(key))
		} else {
			assert.Equal(t, model.LocalityNotLocal, n1.mgr.Locality(key))
		}
	}

	// the same view again is ignored
	n1.mgr.HandleViewChange(view(1, nil, []model.Address{"n1"}))
	assert.Equal(t, members, n1.mgr.Members())
}

func TestManager_LeaveMovesDataToSurvivors(t *testing.T) {
	network := transport.NewNetwork(zap.NewNop())
	all := []model.Address{"n1", "n2", "n3", "n4"}
	nodes := make(map[model.Address]*testNode)
	for _, a := range all {
		nodes[a] = newTestNode(t, network, a)
		nodes[a].mgr.HandleViewChange(view(1, nil, all))
	}
	waitForView(t, 1, nodes["n1"], nodes["n2"], nodes["n3"], nodes["n4"])

	keys := sampleKeys(200)
	seed(t, nodes, keys)
	oldCH := nodes["n1"].mgr.ConsistentHash()

	// n2 crashes
	nodes["n2"].mgr.Stop()
	network.Leave("n2")
	delete(nodes, "n2")

	survivors := []model.Address{"n1", "n3", "n4"}
	for _, a := range survivors {
		nodes[a].mgr.HandleViewChange(view(2, all, survivors))
	}
	waitForView(t, 2, nodes["n1"], nodes["n3"], nodes["n4"])

	newCH := nodes["n1"].mgr.ConsistentHash()
	assert.False(t, algorithm.IsUnion(newCH))
	assert.Equal(t, survivors, newCH.Caches())
	assertPlacement(t, nodes, keys)

	for _, key := range keys {
		// nobody that stayed loses a key when a member leaves
		assert.Empty(t, rehash.GetInvalidHolders(key, oldCH, newCH, 2))
	}

	report, ok := nodes["n1"].mgr.LastReport()
	require.True(t, ok)
	assert.Equal(t, model.RehashTypeLeave, report.Type)
	assert.Equal(t, model.RehashStatusCompleted, report.Status)
}

func TestManager_JoinMovesDataToJoiner(t *testing.T) {
	network := transport.NewNetwork(zap.NewNop())
	initial := []model.Address{"n1", "n2", "n3"}
	nodes := make(map[model.Address]*testNode)
	for _, a := range initial {
		nodes[a] = newTestNode(t, network, a)
		nodes[a].mgr.HandleViewChange(view(1, nil, initial))
	}
	waitForView(t, 1, nodes["n1"], nodes["n2"], nodes["n3"])

	keys := sampleKeys(200)
	seed(t, nodes, keys)

	all := []model.Address{"n1", "n2", "n3", "n4"}
	nodes["n4"] = newTestNode(t, network, "n4")
	nodes["n4"].mgr.HandleViewChange(view(2, initial, all))
	// the joiner routes through the union until the old members pushed
	require.Eventually(t, func() bool {
		return nodes["n4"].mgr.IsRehashInProgress() && algorithm.IsUnion(nodes["n4"].mgr.ConsistentHash())
	}, time.Second, time.Millisecond)

	for _, a := range initial {
		nodes[a].mgr.HandleViewChange(view(2, initial, all))
	}
	waitForView(t, 2, nodes["n1"], nodes["n2"], nodes["n3"], nodes["n4"])

	assertPlacement(t, nodes, keys)
	assert.Greater(t, nodes["n4"].dc.Size(), 0)

	report, ok := nodes["n1"].mgr.LastReport()
	require.True(t, ok)
	assert.Equal(t, model.RehashTypeJoin, report.Type)
	report, ok = nodes["n4"].mgr.LastReport()
	require.True(t, ok)
	assert.Equal(t, model.RehashTypeJoin, report.Type)
	assert.Equal(t, model.RehashStatusCompleted, report.Status)
}

func TestManager_AwaitState(t *testing.T) {
	network := transport.NewNetwork(zap.NewNop())
	cfg := testConfig()
	cfg.StateWaitTimeout = 50 * time.Millisecond
	mgr, err := NewManager("n3", cfg, container.NewDataContainer(container.Config{}, zap.NewNop()), nil,
		network.Join("n3", time.Second, nil), rehash.NewTransactionLogger(), nil, nil, zap.NewNop())
	require.NoError(t, err)
	senders := []model.Address{"n1", "n2"}

	t.Run("returns once every sender reported", func(t *testing.T) {
		done := make(chan error, 1)
		go func() { done <- mgr.AwaitState(context.Background(), "n1,n2,n3", senders) }()

		mgr.RecordStatePushed("n1,n2,n3", "n1")
		mgr.RecordStatePushed("n1,n2,n4", "n2")
		select {
		case <-done:
			t.Fatal("returned before n2 reported for this topology")
		case <-time.After(10 * time.Millisecond):
		}

		mgr.RecordStatePushed("n1,n2,n3", "n2")
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("still waiting after every sender reported")
		}
	})

	t.Run("gives up after the wait bound", func(t *testing.T) {
		start := time.Now()
		require.NoError(t, mgr.AwaitState(context.Background(), "n1,n2,n3", senders))
		assert.GreaterOrEqual(t, time.Since(start), cfg.StateWaitTimeout)
	})

	t.Run("interrupted by the context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := mgr.AwaitState(ctx, "n1,n2,n5", senders)
		assert.True(t, errors.IsInterrupted(err))
	})
}

func TestManager_RetriesFailedInvalidation(t *testing.T) {
	network := transport.NewNetwork(zap.NewNop())
	initial := []model.Address{"n1", "n2", "n3"}
	nodes := make(map[model.Address]*testNode)
	for _, a := range initial {
		nodes[a] = newTestNode(t, network, a)
		nodes[a].mgr.HandleViewChange(view(1, nil, initial))
	}
	waitForView(t, 1, nodes["n1"], nodes["n2"], nodes["n3"])
	keys := sampleKeys(200)
	seed(t, nodes, keys)
	n1 := nodes["n1"]
	oldCH := n1.mgr.ConsistentHash()

	joiner := &recordingHandler{}
	network.Serve("n4", joiner)
	all := []model.Address{"n1", "n2", "n3", "n4"}
	newCH, err := oldCH.WithCaches(all)
	require.NoError(t, err)

	// keys n1 pushes and n2 or n3 must drop
	stale := make(map[model.Address][]string)
	for _, key := range keys {
		if oldCH.Locate(key, 2)[0] != "n1" {
			continue
		}
		for _, holder := range rehash.GetInvalidHolders(key, oldCH, newCH, 2) {
			if holder != "n1" {
				stale[holder] = append(stale[holder], key)
			}
		}
	}
	require.NotEmpty(t, stale)

	boom := fmt.Errorf("unreachable")
	network.Fail("n2", boom)
	network.Fail("n3", boom)
	err = n1.mgr.runRehash(context.Background(), view(2, initial, all))
	require.Error(t, err)

	// cut over but the invalidation is still owed
	assert.Equal(t, 2, n1.mgr.CompletedViewID())
	assert.Equal(t, all, n1.mgr.ConsistentHash().Caches())
	require.NotNil(t, n1.mgr.pendingInvalidation.Load())
	for holder, held := range stale {
		for _, key := range held {
			assert.True(t, nodes[holder].dc.Contains(key))
		}
	}

	network.Heal("n2")
	network.Heal("n3")
	require.NoError(t, n1.mgr.runRehash(context.Background(), view(2, initial, all)))

	assert.Nil(t, n1.mgr.pendingInvalidation.Load())
	for holder, held := range stale {
		for _, key := range held {
			assert.False(t, nodes[holder].dc.Contains(key), "%s still holds %s", holder, key)
		}
	}
	report, ok := n1.mgr.LastReport()
	require.True(t, ok)
	assert.Equal(t, model.RehashStatusCompleted, report.Status)
	assert.Equal(t, model.RehashPhaseInvalidation, report.Phase)
}

func TestManager_ApplyStateKeepsNewerLocalEntry(t *testing.T) {
	network := transport.NewNetwork(zap.NewNop())
	n1 := newTestNode(t, network, "n1")

	pushed := model.NewCacheEntry("k", []byte("old"), 0)
	pushed.CreatedAt = time.Now().Add(-time.Minute)
	n1.put(t, "k", "new")

	applied, rejected, err := n1.mgr.ApplyState(context.Background(), 0, "n2", []transport.WireEntry{transport.ToWireEntry(pushed)})
	require.NoError(t, err)
	assert.Equal(t, 0, applied)
	assert.Equal(t, 0, rejected)
	entry, ok := n1.dc.Peek("k")
	require.True(t, ok)
	assert.Equal(t, []byte("new"), entry.Value)

	// a pushed entry written after the local copy wins
	newer := model.NewCacheEntry("k", []byte("newest"), 0)
	newer.CreatedAt = time.Now().Add(time.Minute)
	applied, _, err = n1.mgr.ApplyState(context.Background(), 0, "n2", []transport.WireEntry{transport.ToWireEntry(newer)})
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	entry, _ = n1.dc.Peek("k")
	assert.Equal(t, []byte("newest"), entry.Value)
}

// recordingHandler accepts every request
type recordingHandler struct {
	mu       sync.Mutex
	requests []*transport.Request
}

func (h *recordingHandler) HandleRequest(ctx context.Context, origin model.Address, req *transport.Request) (*transport.Response, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requests = append(h.requests, req)
	return &transport.Response{Applied: len(req.Entries) + len(req.Records) + len(req.Keys)}, nil
}

func TestManager_UnionRoutingDuringRehash(t *testing.T) {
	network := transport.NewNetwork(zap.NewNop())
	n1 := newTestNode(t, network, "n1")
	oldCH := algorithm.NewDefaultConsistentHash([]model.Address{"n1", "n2", "n3"}, 2, 0)
	newCH := algorithm.NewDefaultConsistentHash([]model.Address{"n1", "n2", "n3", "n4"}, 2, 0)
	union, err := algorithm.NewUnionConsistentHash(oldCH, newCH)
	require.NoError(t, err)

	n1.mgr.SetConsistentHash(oldCH)
	n1.mgr.MarkRehashCompleted(1, oldCH)
	n1.mgr.SetConsistentHash(union)
	n1.mgr.SetRehashInProgress(true)

	// n4 is reported as a member so it receives routed traffic
	assert.Equal(t, newCH.Caches(), n1.mgr.Members())

	for _, key := range sampleKeys(100) {
		owners := n1.mgr.Locate(key)
		assert.Equal(t, union.Locate(key, 2), owners)
		assert.Subset(t, owners, oldCH.Locate(key, 2))

		locality := n1.mgr.Locality(key)
		assert.True(t, locality.IsUncertain())
		gaining := union.IsKeyLocalToAddress("n1", key, 2) && !oldCH.IsKeyLocalToAddress("n1", key, 2)
		assert.Equal(t, gaining, n1.mgr.IsAffectedByRehash(key))
	}

	nodes := n1.mgr.GetAffectedNodes(sampleKeys(100))
	assert.Equal(t, []model.Address{"n1", "n2", "n3", "n4"}, nodes)

	n1.mgr.SetRehashInProgress(false)
	for _, key := range sampleKeys(20) {
		assert.False(t, n1.mgr.IsAffectedByRehash(key))
	}
}

func TestManager_ApplyStateRejectsStaleView(t *testing.T) {
	network := transport.NewNetwork(zap.NewNop())
	n1 := newTestNode(t, network, "n1")
	n1.mgr.HandleViewChange(view(3, nil, []model.Address{"n1", "n2"}))
	waitForView(t, 3, n1)

	entries := []transport.WireEntry{transport.ToWireEntry(model.NewCacheEntry("k", []byte("v"), 0))}
	_, rejected, err := n1.mgr.ApplyState(context.Background(), 2, "n2", entries)
	assert.True(t, errors.IsStaleView(err))
	assert.Equal(t, 1, rejected)
	assert.False(t, n1.dc.Contains("k"))

	_, err = n1.mgr.ApplyRemoteTxLog(context.Background(), 2, "n2", []model.WriteRecord{{Type: model.CommandPut, Key: "k"}})
	assert.True(t, errors.IsStaleView(err))

	applied, rejected, err := n1.mgr.ApplyState(context.Background(), 3, "n2", entries)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.Equal(t, 0, rejected)
	assert.True(t, n1.dc.Contains("k"))
}

func TestManager_ApplyStateSkipsExpiredAndKeepsRemainingLifespan(t *testing.T) {
	network := transport.NewNetwork(zap.NewNop())
	n1 := newTestNode(t, network, "n1")

	expired := model.NewCacheEntry("old", []byte("v"), time.Minute)
	expired.CreatedAt = time.Now().Add(-2 * time.Minute)
	live := model.NewCacheEntry("live", []byte("v"), time.Hour)
	live.CreatedAt = time.Now().Add(-30 * time.Minute)

	applied, rejected, err := n1.mgr.ApplyState(context.Background(), 0, "n2",
		[]transport.WireEntry{transport.ToWireEntry(expired), transport.ToWireEntry(live)})
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.Equal(t, 0, rejected)
	assert.False(t, n1.dc.Contains("old"))

	entry, ok := n1.dc.Peek("live")
	require.True(t, ok)
	assert.InDelta(t, 30*time.Minute, entry.Lifespan, float64(time.Minute))
}

func TestManager_ApplyRemoteTxLogInOrder(t *testing.T) {
	network := transport.NewNetwork(zap.NewNop())
	n1 := newTestNode(t, network, "n1")

	records := []model.WriteRecord{
		{Type: model.CommandPut, Key: "a", Value: []byte("1")},
		{Type: model.CommandPut, Key: "a", Value: []byte("2")},
		{Type: model.CommandPut, Key: "b", Value: []byte("x")},
		{Type: model.CommandRemove, Key: "b"},
		{Type: "bogus"},
	}
	applied, err := n1.mgr.ApplyRemoteTxLog(context.Background(), 0, "n2", records)
	require.Error(t, err)
	assert.Equal(t, 4, applied)

	entry, ok := n1.dc.Peek("a")
	require.True(t, ok)
	assert.Equal(t, []byte("2"), entry.Value)
	assert.False(t, n1.dc.Contains("b"))
}

func TestManager_HandleRequest(t *testing.T) {
	network := transport.NewNetwork(zap.NewNop())
	n1 := newTestNode(t, network, "n1")
	rpc := network.Join("n2", time.Second, nil)
	ctx := context.Background()

	resp, err := rpc.Invoke(ctx, "n1", &transport.Request{
		Method:  transport.MethodWrite,
		Records: []model.WriteRecord{{Type: model.CommandPut, Key: "k", Value: []byte("v")}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Applied)
	assert.False(t, resp.Found)

	resp, err = rpc.Invoke(ctx, "n1", &transport.Request{Method: transport.MethodGet, Keys: []string{"k"}})
	require.NoError(t, err)
	assert.True(t, resp.Found)
	assert.Equal(t, []byte("v"), resp.Value)

	resp, err = rpc.Invoke(ctx, "n1", &transport.Request{Method: transport.MethodInvalidate, Keys: []string{"k"}})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Applied)
	assert.False(t, n1.dc.Contains("k"))

	_, err = rpc.Invoke(ctx, "n1", &transport.Request{Method: transport.MethodPing})
	require.NoError(t, err)

	_, err = rpc.Invoke(ctx, "n1", &transport.Request{Method: transport.MethodStateDone, Topology: "n1,n2"})
	require.NoError(t, err)
	require.NoError(t, n1.mgr.AwaitState(ctx, "n1,n2", []model.Address{"n2"}))

	_, err = rpc.Invoke(ctx, "n1", &transport.Request{Method: "teleport"})
	assert.True(t, errors.IsUnsupported(err))

	_, err = rpc.Invoke(ctx, "n1", &transport.Request{Method: transport.MethodGet})
	require.Error(t, err)
}
