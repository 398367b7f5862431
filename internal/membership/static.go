package membership

import (
	"context"

	"github.com/devrev/distcache/internal/model"
	"go.uber.org/zap"
)

// StaticSource serves a fixed member list as a single view
type StaticSource struct {
	members []model.Address
	tracker *tracker
}

// NewStaticSource creates a source over members
func NewStaticSource(members []model.Address, logger *zap.Logger) *StaticSource {
	return &StaticSource{
		members: model.SortAddresses(members),
		tracker: newTracker(logger),
	}
}

// Start delivers the member list as view 1
func (s *StaticSource) Start(ctx context.Context, handler ViewHandler) error {
	s.tracker.setHandler(handler)
	s.tracker.update(s.members, 1)
	return nil
}

// Members returns the configured members
func (s *StaticSource) Members() []model.Address {
	return s.tracker.current()
}

// Stop is a no-op
func (s *StaticSource) Stop() error {
	return nil
}
