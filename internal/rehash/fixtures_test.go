package rehash

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/devrev/distcache/internal/algorithm"
	"github.com/devrev/distcache/internal/model"
	"github.com/devrev/distcache/internal/transport"
	"go.uber.org/zap"
)

// fixedHash places keys on hand-picked owners
type fixedHash struct {
	members []model.Address
	owners  map[string][]model.Address
}

func newFixedHash(members []model.Address, owners map[string][]model.Address) *fixedHash {
	return &fixedHash{members: model.SortAddresses(members), owners: owners}
}

func (h *fixedHash) Locate(key string, replCount int) []model.Address {
	owners := h.owners[key]
	if replCount < len(owners) {
		owners = owners[:replCount]
	}
	return append([]model.Address(nil), owners...)
}

func (h *fixedHash) LocateAll(keys []string, replCount int) map[string][]model.Address {
	out := make(map[string][]model.Address, len(keys))
	for _, k := range keys {
		out[k] = h.Locate(k, replCount)
	}
	return out
}

func (h *fixedHash) IsKeyLocalToAddress(addr model.Address, key string, replCount int) bool {
	return model.ContainsAddress(h.Locate(key, replCount), addr)
}

func (h *fixedHash) Caches() []model.Address { return h.members }

func (h *fixedHash) WithCaches(members []model.Address) (algorithm.ConsistentHash, error) {
	return newFixedHash(members, h.owners), nil
}

func (h *fixedHash) HashIDs(model.Address) ([]uint64, error) { return nil, nil }
func (h *fixedHash) NumOwners() int                          { return 2 }
func (h *fixedHash) Kind() algorithm.Kind                    { return algorithm.KindRing }

type fakeDistribution struct {
	self model.Address

	mu            sync.Mutex
	installed     []algorithm.ConsistentHash
	completedView int
	completed     algorithm.ConsistentHash
	inProgress    []bool
	invalidated   []string
	invalidateErr error
	awaited       map[string][]model.Address
	awaitErr      error
}

func (d *fakeDistribution) Self() model.Address { return d.self }

func (d *fakeDistribution) SetConsistentHash(ch algorithm.ConsistentHash) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.installed = append(d.installed, ch)
}

func (d *fakeDistribution) MarkRehashCompleted(viewID int, ch algorithm.ConsistentHash) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.completedView = viewID
	d.completed = ch
}

func (d *fakeDistribution) SetRehashInProgress(inProgress bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inProgress = append(d.inProgress, inProgress)
}

func (d *fakeDistribution) InvalidateLocally(ctx context.Context, keys []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.invalidateErr != nil {
		return d.invalidateErr
	}
	d.invalidated = append(d.invalidated, keys...)
	return nil
}

func (d *fakeDistribution) AwaitState(ctx context.Context, topology string, senders []model.Address) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.awaited == nil {
		d.awaited = make(map[string][]model.Address)
	}
	d.awaited[topology] = senders
	return d.awaitErr
}

func (d *fakeDistribution) current() algorithm.ConsistentHash {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.installed) == 0 {
		return nil
	}
	return d.installed[len(d.installed)-1]
}

type fakeData struct {
	entries map[string]*model.CacheEntry
}

func newFakeData(keys ...string) *fakeData {
	d := &fakeData{entries: make(map[string]*model.CacheEntry)}
	for _, k := range keys {
		d.entries[k] = model.NewCacheEntry(k, []byte("value-"+k), 0)
	}
	return d
}

func (d *fakeData) Keys(ctx context.Context) ([]string, error) {
	keys := make([]string, 0, len(d.entries))
	for k := range d.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (d *fakeData) Entry(ctx context.Context, key string) (*model.CacheEntry, bool, error) {
	e, ok := d.entries[key]
	return e, ok, nil
}

// memberHandler records what a remote member received
type memberHandler struct {
	mu       sync.Mutex
	requests []*transport.Request
	onPush   func()
}

func (h *memberHandler) HandleRequest(ctx context.Context, origin model.Address, req *transport.Request) (*transport.Response, error) {
	h.mu.Lock()
	h.requests = append(h.requests, req)
	onPush := h.onPush
	h.mu.Unlock()
	if req.Method == transport.MethodPushState && onPush != nil {
		onPush()
	}
	return &transport.Response{Applied: len(req.Keys) + len(req.Entries) + len(req.Records)}, nil
}

func (h *memberHandler) byMethod(m transport.Method) []*transport.Request {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*transport.Request, 0)
	for _, r := range h.requests {
		if r.Method == m {
			out = append(out, r)
		}
	}
	return out
}

// cluster is the A,B -> A,B,C join used across the task tests, seen from A.
//
//	k1: [A B] -> [A C]  A pushes to C, B loses it
//	k2: [B A] -> [C B]  B pushes, A loses it
//	k3: [A B] -> [A C]  same as k1
//	k4: [A B] -> [C B]  A pushes to C and drops its own copy
type cluster struct {
	network *transport.Network
	dm      *fakeDistribution
	txLog   *TransactionLogger
	b, c    *memberHandler
	oldCH   *fixedHash
	newCH   *fixedHash
	deps    Deps
}

func newCluster(t *testing.T, batchSize int) *cluster {
	t.Helper()
	owners := map[string][]model.Address{
		"k1": {"A", "B"},
		"k2": {"B", "A"},
		"k3": {"A", "B"},
		"k4": {"A", "B"},
	}
	newOwners := map[string][]model.Address{
		"k1": {"A", "C"},
		"k2": {"C", "B"},
		"k3": {"A", "C"},
		"k4": {"C", "B"},
	}

	network := transport.NewNetwork(zap.NewNop())
	b, c := &memberHandler{}, &memberHandler{}
	network.Serve("B", b)
	network.Serve("C", c)
	rpc := network.Join("A", time.Second, nil)

	dm := &fakeDistribution{self: "A"}
	txLog := NewTransactionLogger()
	cl := &cluster{
		network: network,
		dm:      dm,
		txLog:   txLog,
		b:       b,
		c:       c,
		oldCH:   newFixedHash([]model.Address{"A", "B"}, owners),
		newCH:   newFixedHash([]model.Address{"A", "B", "C"}, newOwners),
	}
	cl.deps = Deps{
		Distribution: dm,
		RPC:          rpc,
		TxLog:        txLog,
		Data:         newFakeData("k1", "k2", "k3", "k4"),
		Config:       Config{NumOwners: 2, BatchSize: batchSize},
		Logger:       zap.NewNop(),
	}
	return cl
}

func keysOf(entries []transport.WireEntry) []string {
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.Key)
	}
	sort.Strings(keys)
	return keys
}

var errBoom = stderrors.New("boom")
