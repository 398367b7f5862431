package interceptor

import (
	"context"
	"time"

	"github.com/devrev/distcache/internal/container"
	"github.com/devrev/distcache/internal/errors"
	"github.com/devrev/distcache/internal/metrics"
	"github.com/devrev/distcache/internal/model"
	"github.com/devrev/distcache/internal/notify"
	"github.com/devrev/distcache/internal/store"
	"go.uber.org/zap"
)

// PassivationManager writes entries evicted from memory to the store
type PassivationManager struct {
	store    store.CacheStore
	notifier *notify.Notifier
	stats    *Stats
	metrics  *metrics.Metrics
	logger   *zap.Logger
	timeout  time.Duration
}

// NewPassivationManager creates a manager; timeout bounds each store write
func NewPassivationManager(
	cs store.CacheStore,
	notifier *notify.Notifier,
	stats *Stats,
	m *metrics.Metrics,
	timeout time.Duration,
	logger *zap.Logger,
) *PassivationManager {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PassivationManager{
		store:    cs,
		notifier: notifier,
		stats:    stats,
		metrics:  m,
		logger:   logger,
		timeout:  timeout,
	}
}

// Attach installs the manager as the container's eviction callback
func (p *PassivationManager) Attach(dc *container.DataContainer) {
	dc.SetEvictionCallback(p.OnEviction)
}

// OnEviction passivates evicted entries. Failures are logged; the entry is lost
// from this node but its owners keep their replicas.
func (p *PassivationManager) OnEviction(evicted []*model.CacheEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	for _, entry := range evicted {
		if err := p.Passivate(ctx, entry); err != nil {
			p.logger.Error("Failed to passivate evicted entry",
				zap.String("key", entry.Key),
				zap.Error(err))
		}
	}
}

// Passivate writes one entry to the store
func (p *PassivationManager) Passivate(ctx context.Context, entry *model.CacheEntry) error {
	p.notifier.NotifyEntryPassivated(entry.Key, true)
	if err := p.store.Store(ctx, entry); err != nil {
		p.metrics.RecordStoreFailure("store")
		return errors.CacheLoader(entry.Key, err)
	}
	p.stats.incPassivations()
	p.metrics.RecordPassivation()
	p.notifier.NotifyEntryPassivated(entry.Key, false)
	return nil
}

// PassivateAll writes every entry held in memory to the store, used on shutdown
func (p *PassivationManager) PassivateAll(ctx context.Context, dc *container.DataContainer) (int, error) {
	count := 0
	for _, entry := range dc.Entries() {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		if err := p.Passivate(ctx, entry); err != nil {
			return count, err
		}
		count++
	}
	p.logger.Info("Passivated all in-memory entries", zap.Int("count", count))
	return count, nil
}
