// Package membership turns cluster membership from a discovery backend into
// ordered view changes for the cache.
package membership

import (
	"context"
	"sync"
	"time"

	"github.com/devrev/distcache/internal/model"
	"go.uber.org/zap"
)

// ViewHandler receives every new view in order
type ViewHandler func(view model.ViewChange)

// Source watches cluster membership
type Source interface {
	// Start joins the cluster and delivers views to handler until Stop
	Start(ctx context.Context, handler ViewHandler) error
	// Members returns the latest sorted member list
	Members() []model.Address
	Stop() error
}

// tracker turns member lists into view changes with increasing ids
type tracker struct {
	mu      sync.Mutex
	viewID  int
	members []model.Address
	handler ViewHandler
	logger  *zap.Logger
}

func newTracker(logger *zap.Logger) *tracker {
	return &tracker{logger: logger}
}

func (t *tracker) setHandler(h ViewHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// update delivers a view when members differ from the last one. A positive
// viewID is used as is when it moves forward; otherwise the next id is taken.
func (t *tracker) update(members []model.Address, viewID int) {
	members = model.SortAddresses(members)

	t.mu.Lock()
	if model.AddressesEqual(t.members, members) {
		t.mu.Unlock()
		return
	}
	if viewID <= t.viewID {
		viewID = t.viewID + 1
	}
	view := model.ViewChange{
		ViewID:     viewID,
		OldMembers: t.members,
		NewMembers: members,
		Timestamp:  time.Now(),
	}
	t.viewID = viewID
	t.members = members
	handler := t.handler
	// delivered under the lock so views arrive in order
	defer t.mu.Unlock()

	t.logger.Info("Membership view",
		zap.Int("view_id", view.ViewID),
		zap.Strings("members", model.AddressStrings(members)))
	if handler != nil {
		handler(view)
	}
}

func (t *tracker) current() []model.Address {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]model.Address(nil), t.members...)
}
