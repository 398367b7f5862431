package rehash

import (
	"context"
	"sort"

	"github.com/devrev/distcache/internal/algorithm"
	"github.com/devrev/distcache/internal/model"
	"github.com/devrev/distcache/internal/transport"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// GetInvalidHolders returns the members that owned key under oldCH but not
// under newCH. Members absent from newCH have left and need no invalidation.
func GetInvalidHolders(key string, oldCH, newCH algorithm.ConsistentHash, numOwners int) []model.Address {
	oldOwners := oldCH.Locate(key, numOwners)
	newOwners := newCH.Locate(key, numOwners)
	members := newCH.Caches()

	holders := make([]model.Address, 0)
	for _, a := range oldOwners {
		if model.ContainsAddress(newOwners, a) {
			continue
		}
		if !model.ContainsAddress(members, a) {
			continue
		}
		holders = append(holders, a)
	}
	return holders
}

// InvalidateInvalidHolders tells every former owner of a locally known key
// to drop it. Only the member that pushed a key sends its invalidations, so
// no copy is dropped before it has been handed over. Keys are batched per
// target; the call waits for every target and returns all failures. Local
// copies go last and only when every remote target acknowledged, so a retry
// still knows the keys. It returns the number of keys acknowledged.
func (t *Task) InvalidateInvalidHolders(ctx context.Context, oldCH, newCH algorithm.ConsistentHash) (int, error) {
	keys, err := t.data.Keys(ctx)
	if err != nil {
		return 0, err
	}

	self := t.dm.Self()
	members := newCH.Caches()
	byTarget := make(map[model.Address][]string)
	for _, key := range keys {
		if pusherFor(oldCH.Locate(key, t.config.NumOwners), members) != self {
			continue
		}
		for _, holder := range GetInvalidHolders(key, oldCH, newCH, t.config.NumOwners) {
			byTarget[holder] = append(byTarget[holder], key)
		}
	}
	if len(byTarget) == 0 {
		return 0, nil
	}

	invalidated := 0
	localKeys := byTarget[self]
	delete(byTarget, self)

	requests := make(map[model.Address]*transport.Request, len(byTarget))
	for target, targetKeys := range byTarget {
		sort.Strings(targetKeys)
		requests[target] = &transport.Request{
			Method: transport.MethodInvalidate,
			ViewID: t.viewID,
			Keys:   targetKeys,
		}
	}

	responses, err := transport.InvokeAll(ctx, t.rpc, requests, t.config.Concurrency)
	for target, req := range requests {
		if _, ok := responses[target]; ok {
			invalidated += len(req.Keys)
			t.metrics.RecordInvalidation(len(req.Keys), false)
		} else {
			t.metrics.RecordInvalidation(len(req.Keys), true)
		}
	}
	if err != nil {
		t.logger.Warn("Invalidation failed on some members",
			zap.Int("targets", len(requests)),
			zap.Int("failures", len(multierr.Errors(err))),
			zap.Error(err))
		return invalidated, err
	}

	if len(localKeys) > 0 {
		if err := t.dm.InvalidateLocally(ctx, localKeys); err != nil {
			return invalidated, err
		}
		invalidated += len(localKeys)
	}
	return invalidated, nil
}
