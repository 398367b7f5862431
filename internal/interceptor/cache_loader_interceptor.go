package interceptor

import (
	"context"

	"github.com/devrev/distcache/internal/container"
	"github.com/devrev/distcache/internal/errors"
	"github.com/devrev/distcache/internal/metrics"
	"github.com/devrev/distcache/internal/model"
	"github.com/devrev/distcache/internal/notify"
	"github.com/devrev/distcache/internal/store"
	"go.uber.org/zap"
)

// LocalityOracle tells the pipeline where a key lives under the installed hash
type LocalityOracle interface {
	Locality(key string) model.DataLocality
}

// CacheLoaderInterceptor fills the data container from the store on a memory
// miss, so the rest of the chain sees the stored value.
type CacheLoaderInterceptor struct {
	loader    store.CacheLoader
	container *container.DataContainer
	locality  LocalityOracle
	notifier  *notify.Notifier
	stats     *Stats
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewCacheLoaderInterceptor creates a loader stage. A nil locality oracle
// treats every key as local.
func NewCacheLoaderInterceptor(
	loader store.CacheLoader,
	dc *container.DataContainer,
	locality LocalityOracle,
	notifier *notify.Notifier,
	stats *Stats,
	m *metrics.Metrics,
	logger *zap.Logger,
) *CacheLoaderInterceptor {
	return &CacheLoaderInterceptor{
		loader:    loader,
		container: dc,
		locality:  locality,
		notifier:  notifier,
		stats:     stats,
		metrics:   m,
		logger:    logger,
	}
}

// Intercept loads the key of single-key commands before passing them on
func (i *CacheLoaderInterceptor) Intercept(ctx context.Context, ictx *model.InvocationContext, cmd model.Command, next Handler) (*Result, error) {
	var key string
	switch c := cmd.(type) {
	case *model.GetCommand:
		key = c.Key
	case *model.PutCommand:
		key = c.Key
	case *model.RemoveCommand:
		key = c.Key
	case *model.ReplaceCommand:
		key = c.Key
	default:
		return next.Handle(ctx, ictx, cmd)
	}

	if i.shouldLoad(ictx, key) {
		if err := i.loadIfNeeded(ctx, ictx, key); err != nil {
			return nil, err
		}
	}
	return next.Handle(ctx, ictx, cmd)
}

func (i *CacheLoaderInterceptor) shouldLoad(ictx *model.InvocationContext, key string) bool {
	if ictx.HasFlag(model.FlagSkipCacheLoad) {
		return false
	}
	if i.locality == nil || ictx.HasFlag(model.FlagSkipOwnershipCheck) {
		return true
	}
	return i.locality.Locality(key).IsLocal()
}

func (i *CacheLoaderInterceptor) loadIfNeeded(ctx context.Context, ictx *model.InvocationContext, key string) error {
	if i.container.Contains(key) {
		return nil
	}

	res := i.loader.Load(ctx, key)
	i.metrics.RecordStoreLoad(res.Status.String())

	switch res.Status {
	case store.LoadFound:
		i.notifier.NotifyEntryLoaded(key, true, ictx)
		i.container.Put(res.Entry)
		i.stats.incLoads()
		i.notifier.NotifyEntryLoaded(key, false, ictx)
		return nil
	case store.LoadNotFound:
		i.stats.incMisses()
		return nil
	default:
		i.metrics.RecordStoreFailure("load")
		i.logger.Error("Failed to load entry from store",
			zap.String("key", key),
			zap.Error(res.Err))
		return errors.CacheLoader(key, res.Err)
	}
}
