// Package transport carries rehash traffic between cache nodes. RPCManager
// is the capability the rest of the node depends on; Network is an
// in-process implementation and GRPCTransport the networked one.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/devrev/distcache/internal/model"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Method names a remote operation
type Method string

const (
	// MethodInvalidate drops keys the target no longer owns
	MethodInvalidate Method = "invalidate"
	// MethodPushState hands entries to their new owner
	MethodPushState Method = "push_state"
	// MethodTxLog forwards writes logged during state transfer
	MethodTxLog Method = "tx_log"
	// MethodPing checks that the target is serving
	MethodPing Method = "ping"
	// MethodWrite applies client writes on an owner
	MethodWrite Method = "write"
	// MethodGet reads a key from an owner
	MethodGet Method = "get"
	// MethodStateDone tells a joiner the sender pushed all state it owes it
	MethodStateDone Method = "state_done"
)

// Request is the single envelope exchanged between nodes
type Request struct {
	Method  Method              `codec:"method"`
	Origin  string              `codec:"origin"`
	ViewID  int                 `codec:"view_id,omitempty"`
	Keys    []string            `codec:"keys,omitempty"`
	Entries []WireEntry         `codec:"entries,omitempty"`
	Records []model.WriteRecord `codec:"records,omitempty"`
	// Topology identifies the member set a rehash moves to, independent of
	// the view ids each node assigned to it
	Topology string `codec:"topology,omitempty"`
}

// Response reports how many items the target applied. Reads also carry the value.
type Response struct {
	Applied  int    `codec:"applied"`
	Rejected int    `codec:"rejected"`
	Found    bool   `codec:"found,omitempty"`
	Value    []byte `codec:"value,omitempty"`
}

// WireEntry is a cache entry on the wire
type WireEntry struct {
	Key        string `codec:"k"`
	Value      []byte `codec:"v"`
	LifespanNs int64  `codec:"l,omitempty"`
	CreatedNs  int64  `codec:"c"`
}

// ToWireEntry converts an entry for transmission
func ToWireEntry(e *model.CacheEntry) WireEntry {
	return WireEntry{
		Key:        e.Key,
		Value:      e.Value,
		LifespanNs: int64(e.Lifespan),
		CreatedNs:  e.CreatedAt.UnixNano(),
	}
}

// Entry converts a received entry back
func (w WireEntry) Entry() *model.CacheEntry {
	return &model.CacheEntry{
		Key:       w.Key,
		Value:     w.Value,
		Lifespan:  time.Duration(w.LifespanNs),
		CreatedAt: time.Unix(0, w.CreatedNs),
	}
}

// RequestHandler serves requests arriving at a node
type RequestHandler interface {
	HandleRequest(ctx context.Context, origin model.Address, req *Request) (*Response, error)
}

// RPCManager sends requests to other members. Every call is bounded by the
// transport's per-call timeout.
type RPCManager interface {
	// Address is the local member address
	Address() model.Address
	// Coordinator is the first member of the latest view
	Coordinator() model.Address
	// UpdateMembers records the latest view
	UpdateMembers(members []model.Address)
	Invoke(ctx context.Context, target model.Address, req *Request) (*Response, error)
	Close() error
}

// InvokeAll sends one request per target, waits for all of them and returns
// the responses of those that succeeded along with every failure.
func InvokeAll(ctx context.Context, rpc RPCManager, requests map[model.Address]*Request, concurrency int) (map[model.Address]*Response, error) {
	var (
		mu        sync.Mutex
		responses = make(map[model.Address]*Response, len(requests))
		errs      error
	)

	g := new(errgroup.Group)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for target, req := range requests {
		target, req := target, req
		g.Go(func() error {
			resp, err := rpc.Invoke(ctx, target, req)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierr.Append(errs, err)
				return nil
			}
			responses[target] = resp
			return nil
		})
	}
	_ = g.Wait()
	return responses, errs
}

// memberView tracks the latest membership for Coordinator
type memberView struct {
	mu      sync.RWMutex
	members []model.Address
}

func (v *memberView) UpdateMembers(members []model.Address) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.members = append([]model.Address(nil), members...)
}

func (v *memberView) Coordinator() model.Address {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if len(v.members) == 0 {
		return ""
	}
	return v.members[0]
}
