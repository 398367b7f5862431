// Package cache is the entry point of a cache node. It assembles the
// interceptor pipeline over the data container, routes operations to the
// owners of each key and exposes the node to membership and transport.
package cache

import (
	"context"
	"time"

	"github.com/devrev/distcache/internal/container"
	"github.com/devrev/distcache/internal/distribution"
	"github.com/devrev/distcache/internal/errors"
	"github.com/devrev/distcache/internal/interceptor"
	"github.com/devrev/distcache/internal/metrics"
	"github.com/devrev/distcache/internal/model"
	"github.com/devrev/distcache/internal/notify"
	"github.com/devrev/distcache/internal/rehash"
	"github.com/devrev/distcache/internal/store"
	"github.com/devrev/distcache/internal/transport"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Options configures a cache node
type Options struct {
	Self         model.Address
	Distribution distribution.Config
	Container    container.Config

	// DefaultLifespan applies to writes that give no lifespan; zero means immortal
	DefaultLifespan time.Duration

	// Passivation writes evicted entries to the store and removes them on access
	Passivation        bool
	PassivationTimeout time.Duration
	PassivateOnStop    bool

	Statistics bool
}

// Cache is one node of the distributed cache
type Cache struct {
	opts Options

	dc          *container.DataContainer
	loader      store.CacheLoader
	chain       *interceptor.Chain
	dm          *distribution.Manager
	rpc         transport.RPCManager
	passivation *interceptor.PassivationManager
	stats       *interceptor.Stats

	notifier *notify.Notifier
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// New assembles a cache node. loader may be nil; passivation requires a
// loader that is also a CacheStore.
func New(
	opts Options,
	loader store.CacheLoader,
	rpc transport.RPCManager,
	notifier *notify.Notifier,
	m *metrics.Metrics,
	logger *zap.Logger,
) (*Cache, error) {
	if opts.Self == "" {
		return nil, errors.Configuration("cache node requires an address", nil)
	}
	if notifier == nil {
		notifier = notify.NewNotifier(logger)
	}

	dc := container.NewDataContainer(opts.Container, logger)
	stats := interceptor.NewStats(opts.Statistics)
	txLog := rehash.NewTransactionLogger()

	dm, err := distribution.NewManager(opts.Self, opts.Distribution, dc, loader, rpc, txLog, notifier, m, logger)
	if err != nil {
		return nil, err
	}

	c := &Cache{
		opts:     opts,
		dc:       dc,
		loader:   loader,
		dm:       dm,
		rpc:      rpc,
		stats:    stats,
		notifier: notifier,
		metrics:  m,
		logger:   logger.With(zap.String("node", opts.Self.String())),
	}

	interceptors := make([]interceptor.Interceptor, 0, 3)
	if opts.Passivation {
		if loader == nil {
			return nil, errors.Configuration("passivation is enabled but no cache store is configured", nil)
		}
		if opts.Distribution.SharedStore {
			// activation deletes the stored copy other owners still rely on
			return nil, errors.Configuration("passivation cannot be used with a shared store", nil)
		}
		activation, err := interceptor.NewActivationInterceptor(loader, notifier, stats, m, logger)
		if err != nil {
			return nil, err
		}
		cs, _ := store.AsCacheStore(loader)
		c.passivation = interceptor.NewPassivationManager(cs, notifier, stats, m, opts.PassivationTimeout, logger)
		c.passivation.Attach(dc)
		interceptors = append(interceptors, activation)
	}
	if loader != nil {
		interceptors = append(interceptors, interceptor.NewCacheLoaderInterceptor(loader, dc, dm, notifier, stats, m, logger))
	}
	interceptors = append(interceptors, interceptor.NewTxLoggingInterceptor(txLog, logger))

	c.chain = interceptor.NewChain(interceptor.NewCallInterceptor(dc), interceptors...)
	dm.Attach(c.chain)
	return c, nil
}

// Start starts the store and the rehash executor
func (c *Cache) Start(ctx context.Context) error {
	if c.loader != nil {
		if err := c.loader.Start(ctx); err != nil {
			return errors.Configuration("failed to start cache store", err)
		}
	}
	c.dm.Start(ctx)
	c.logger.Info("Cache node started",
		zap.Bool("passivation", c.opts.Passivation),
		zap.Bool("statistics", c.opts.Statistics))
	return nil
}

// Stop interrupts any running rehash, optionally passivates memory and
// releases the store and transport
func (c *Cache) Stop(ctx context.Context) error {
	c.dm.Stop()

	var errs error
	if c.passivation != nil && c.opts.PassivateOnStop {
		if _, err := c.passivation.PassivateAll(ctx, c.dc); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if c.loader != nil {
		errs = multierr.Append(errs, c.loader.Stop())
	}
	errs = multierr.Append(errs, c.rpc.Close())

	c.logger.Info("Cache node stopped")
	return errs
}

// HandleRequest serves requests from other members
func (c *Cache) HandleRequest(ctx context.Context, origin model.Address, req *transport.Request) (*transport.Response, error) {
	return c.dm.HandleRequest(ctx, origin, req)
}

// HandleViewChange hands a membership change to the distribution manager
func (c *Cache) HandleViewChange(view model.ViewChange) {
	c.dm.HandleViewChange(view)
}

// Distribution returns the node's distribution manager
func (c *Cache) Distribution() *distribution.Manager {
	return c.dm
}

// AddListener registers l for the given event types, or all of them
func (c *Cache) AddListener(l notify.Listener, types ...notify.EventType) {
	c.notifier.AddListener(l, types...)
}

// Stats describes the node's data and persistence counters
type Stats struct {
	interceptor.StatsSnapshot
	StatisticsEnabled bool     `json:"statistics_enabled"`
	Entries           int      `json:"entries"`
	MaxEntries        int      `json:"max_entries"`
	Evictions         int64    `json:"evictions"`
	ViewID            int      `json:"view_id"`
	Members           []string `json:"members"`
	RehashInProgress  bool     `json:"rehash_in_progress"`
}

// Stats returns a snapshot of the node's counters
func (c *Cache) Stats() Stats {
	ds := c.dc.Stats()
	return Stats{
		StatsSnapshot:     c.stats.Snapshot(),
		StatisticsEnabled: c.stats.Enabled(),
		Entries:           ds.EntryCount,
		MaxEntries:        ds.MaxEntries,
		Evictions:         ds.Evictions,
		ViewID:            c.dm.ViewID(),
		Members:           model.AddressStrings(c.dm.Members()),
		RehashInProgress:  c.dm.IsRehashInProgress(),
	}
}

// ResetStats zeroes the persistence counters
func (c *Cache) ResetStats() {
	c.stats.Reset()
}

// SetStatisticsEnabled turns persistence counters on or off
func (c *Cache) SetStatisticsEnabled(enabled bool) {
	c.stats.SetEnabled(enabled)
}

// ClusterInfo describes the node's view of the cluster
type ClusterInfo struct {
	Self             string              `json:"self"`
	ViewID           int                 `json:"view_id"`
	CompletedViewID  int                 `json:"completed_view_id"`
	Members          []string            `json:"members"`
	HashKind         string              `json:"hash_kind,omitempty"`
	NumOwners        int                 `json:"num_owners"`
	RehashInProgress bool                `json:"rehash_in_progress"`
	LastRehash       *model.RehashReport `json:"last_rehash,omitempty"`
}

// Cluster returns the installed view and the outcome of the last rehash
func (c *Cache) Cluster() ClusterInfo {
	info := ClusterInfo{
		Self:             c.opts.Self.String(),
		ViewID:           c.dm.ViewID(),
		CompletedViewID:  c.dm.CompletedViewID(),
		Members:          model.AddressStrings(c.dm.Members()),
		NumOwners:        c.dm.NumOwners(),
		RehashInProgress: c.dm.IsRehashInProgress(),
	}
	if ch := c.dm.ConsistentHash(); ch != nil {
		info.HashKind = string(ch.Kind())
	}
	if report, ok := c.dm.LastReport(); ok {
		info.LastRehash = &report
	}
	return info
}
