package interceptor

import (
	"context"
	"fmt"
	"strings"

	"github.com/devrev/distcache/internal/errors"
	"github.com/devrev/distcache/internal/metrics"
	"github.com/devrev/distcache/internal/model"
	"github.com/devrev/distcache/internal/notify"
	"github.com/devrev/distcache/internal/store"
	"go.uber.org/zap"
)

// ActivationInterceptor keeps memory and store disjoint under passivation.
// Once the rest of the chain has handled a read or a write, the affected
// keys are removed from the store. A removal that found something is an
// activation.
type ActivationInterceptor struct {
	store    store.CacheStore
	notifier *notify.Notifier
	stats    *Stats
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewActivationInterceptor fails with a configuration error when loader
// cannot be written to.
func NewActivationInterceptor(
	loader store.CacheLoader,
	notifier *notify.Notifier,
	stats *Stats,
	m *metrics.Metrics,
	logger *zap.Logger,
) (*ActivationInterceptor, error) {
	cs, ok := store.AsCacheStore(loader)
	if !ok {
		return nil, errors.Configuration("passivation requires a cache store that supports writes", nil).
			WithDetail("loader", typeName(loader))
	}
	return &ActivationInterceptor{
		store:    cs,
		notifier: notifier,
		stats:    stats,
		metrics:  m,
		logger:   logger,
	}, nil
}

// Intercept calls next first and then removes the command's keys from the store
func (i *ActivationInterceptor) Intercept(ctx context.Context, ictx *model.InvocationContext, cmd model.Command, next Handler) (*Result, error) {
	result, err := next.Handle(ctx, ictx, cmd)
	if err != nil {
		return nil, err
	}
	if ictx.HasFlag(model.FlagSkipCacheStore) {
		return result, nil
	}

	switch c := cmd.(type) {
	case *model.GetCommand:
		err = i.removeFromStore(ctx, ictx, c.Key)
	case *model.PutCommand:
		err = i.removeFromStore(ctx, ictx, c.Key)
	case *model.RemoveCommand:
		err = i.removeFromStore(ctx, ictx, c.Key)
	case *model.ReplaceCommand:
		err = i.removeFromStore(ctx, ictx, c.Key)
	case *model.PutMapCommand:
		err = i.removeAllFromStore(ctx, ictx, c.AffectedKeys())
	case *model.InvalidateCommand:
		err = i.dropFromStore(ctx, c.Keys)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (i *ActivationInterceptor) removeFromStore(ctx context.Context, ictx *model.InvocationContext, key string) error {
	removed, err := i.store.Remove(ctx, key)
	if err != nil {
		return i.failure(key, err)
	}
	if removed {
		i.activated(ictx, []string{key})
	}
	return nil
}

func (i *ActivationInterceptor) removeAllFromStore(ctx context.Context, ictx *model.InvocationContext, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	removed, err := i.store.RemoveAll(ctx, keys)
	if err != nil {
		return i.failure(strings.Join(keys, ","), err)
	}
	if len(removed) > 0 {
		i.activated(ictx, removed)
	}
	return nil
}

// dropFromStore removes copies of keys this node no longer owns; these are not activations
func (i *ActivationInterceptor) dropFromStore(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if _, err := i.store.RemoveAll(ctx, keys); err != nil {
		return i.failure(strings.Join(keys, ","), err)
	}
	return nil
}

func (i *ActivationInterceptor) activated(ictx *model.InvocationContext, keys []string) {
	i.stats.addActivations(len(keys))
	if i.stats.Enabled() {
		i.metrics.RecordActivations(len(keys))
	}
	for _, key := range keys {
		i.notifier.NotifyEntryActivated(key, true, ictx)
		i.notifier.NotifyEntryActivated(key, false, ictx)
	}
}

func (i *ActivationInterceptor) failure(key string, err error) error {
	i.metrics.RecordStoreFailure("remove")
	i.logger.Error("Failed to remove activated entry from store",
		zap.String("key", key),
		zap.Error(err))
	return errors.CacheLoader(key, err)
}

func typeName(v interface{}) string {
	if v == nil {
		return "<nil>"
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", v), "*")
}
