package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/devrev/distcache/internal/errors"
	"github.com/devrev/distcache/internal/metrics"
	"github.com/devrev/distcache/internal/model"
	"go.uber.org/zap"
)

// Network connects in-process nodes. Requests are copied through the wire
// codec, and individual members can be made to fail or stall.
type Network struct {
	mu       sync.RWMutex
	handlers map[model.Address]RequestHandler
	failures map[model.Address]error
	delays   map[model.Address]time.Duration
	logger   *zap.Logger
}

// NewNetwork creates an empty network
func NewNetwork(logger *zap.Logger) *Network {
	return &Network{
		handlers: make(map[model.Address]RequestHandler),
		failures: make(map[model.Address]error),
		delays:   make(map[model.Address]time.Duration),
		logger:   logger,
	}
}

// Join attaches a member and returns its transport
func (n *Network) Join(addr model.Address, timeout time.Duration, m *metrics.Metrics) *LocalTransport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LocalTransport{
		network: n,
		address: addr,
		timeout: timeout,
		metrics: m,
	}
}

// Serve registers the handler that answers requests for addr
func (n *Network) Serve(addr model.Address, h RequestHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[addr] = h
}

// Leave detaches a member; further calls to it fail
func (n *Network) Leave(addr model.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.handlers, addr)
}

// Fail makes every call to addr return err
func (n *Network) Fail(addr model.Address, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures[addr] = err
}

// Delay stalls every call to addr for d
func (n *Network) Delay(addr model.Address, d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delays[addr] = d
}

// Heal clears injected failures and delays for addr
func (n *Network) Heal(addr model.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.failures, addr)
	delete(n.delays, addr)
}

func (n *Network) route(addr model.Address) (RequestHandler, time.Duration, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.handlers[addr], n.delays[addr], n.failures[addr]
}

// LocalTransport is one member's view of a Network
type LocalTransport struct {
	memberView
	network *Network
	address model.Address
	timeout time.Duration
	metrics *metrics.Metrics
}

// Address returns the local member address
func (t *LocalTransport) Address() model.Address {
	return t.address
}

// Invoke delivers req to target's handler
func (t *LocalTransport) Invoke(ctx context.Context, target model.Address, req *Request) (*Response, error) {
	start := time.Now()
	resp, err := t.invoke(ctx, target, req)
	status := "ok"
	if err != nil {
		status = "error"
	}
	t.metrics.RecordRPC(string(req.Method), status, time.Since(start).Seconds())
	return resp, err
}

func (t *LocalTransport) invoke(ctx context.Context, target model.Address, req *Request) (*Response, error) {
	handler, delay, failure := t.network.route(target)
	if failure != nil {
		return nil, errors.Remote(target.String(), failure)
	}
	if handler == nil {
		return nil, errors.Remote(target.String(), fmt.Errorf("member is not reachable"))
	}

	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-callCtx.Done():
			return nil, contextError(ctx, target, t.timeout)
		}
	}

	wireReq, err := roundTrip(req)
	if err != nil {
		return nil, errors.InternalError("failed to encode request", err)
	}
	wireReq.Origin = t.address.String()

	type outcome struct {
		resp *Response
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := handler.HandleRequest(callCtx, t.address, wireReq)
		done <- outcome{resp: resp, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			if errors.IsCacheError(o.err) {
				return nil, o.err
			}
			return nil, errors.Remote(target.String(), o.err)
		}
		return o.resp, nil
	case <-callCtx.Done():
		return nil, contextError(ctx, target, t.timeout)
	}
}

// Close detaches the member from the network
func (t *LocalTransport) Close() error {
	t.network.Leave(t.address)
	return nil
}

// contextError maps an expired call to Interrupted when the caller gave up
// and to Timeout when the per-call deadline fired.
func contextError(parent context.Context, target model.Address, timeout time.Duration) error {
	if err := parent.Err(); err != nil {
		return errors.Interrupted(fmt.Sprintf("call to %s cancelled", target), err)
	}
	return errors.Timeout(fmt.Sprintf("call to %s exceeded %s", target, timeout), context.DeadlineExceeded)
}
