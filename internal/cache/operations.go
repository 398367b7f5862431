package cache

import (
	"context"
	"time"

	"github.com/devrev/distcache/internal/errors"
	"github.com/devrev/distcache/internal/interceptor"
	"github.com/devrev/distcache/internal/model"
	"github.com/devrev/distcache/internal/transport"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Get returns the value of key. Local owners answer from memory or the
// store; otherwise the owners are asked in order.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, errors.InvalidArgument("key must not be empty", nil)
	}
	start := time.Now()
	value, found, err := c.get(ctx, key)
	c.record("get", start, err)
	return value, found, err
}

func (c *Cache) get(ctx context.Context, key string) ([]byte, bool, error) {
	owners := c.dm.Locate(key)
	if len(owners) == 0 || model.ContainsAddress(owners, c.opts.Self) {
		res, err := c.chain.Invoke(ctx, nil, &model.GetCommand{Key: key})
		if err != nil {
			return nil, false, err
		}
		if res.Found || len(owners) == 0 {
			return res.Value, res.Found, nil
		}
		if !c.dm.IsRehashInProgress() {
			return nil, false, nil
		}
		// the entry may not have reached this node yet
	}

	var errs error
	answered := false
	for _, owner := range owners {
		if owner == c.opts.Self {
			continue
		}
		resp, err := c.rpc.Invoke(ctx, owner, &transport.Request{
			Method: transport.MethodGet,
			Keys:   []string{key},
		})
		if err != nil {
			c.logger.Warn("Read failed on owner",
				zap.String("key", key),
				zap.String("owner", owner.String()),
				zap.Error(err))
			errs = multierr.Append(errs, err)
			continue
		}
		answered = true
		if resp.Found {
			return resp.Value, true, nil
		}
	}
	if !answered && errs != nil {
		return nil, false, errs
	}
	return nil, false, nil
}

// Put stores value under key on every owner and returns the previous value
func (c *Cache) Put(ctx context.Context, key string, value []byte, lifespan time.Duration) ([]byte, error) {
	res, err := c.write(ctx, "put", key, &model.PutCommand{Key: key, Value: value, Lifespan: c.lifespan(lifespan)})
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}

// PutIfAbsent stores value unless key is present. It returns the existing
// value and false when nothing was stored.
func (c *Cache) PutIfAbsent(ctx context.Context, key string, value []byte, lifespan time.Duration) ([]byte, bool, error) {
	res, err := c.write(ctx, "put_if_absent", key, &model.PutCommand{
		Key:         key,
		Value:       value,
		Lifespan:    c.lifespan(lifespan),
		PutIfAbsent: true,
	})
	if err != nil {
		return nil, false, err
	}
	if res.Found {
		return res.Value, false, nil
	}
	return nil, true, nil
}

// Remove deletes key and reports whether it was present
func (c *Cache) Remove(ctx context.Context, key string) (bool, error) {
	res, err := c.write(ctx, "remove", key, &model.RemoveCommand{Key: key})
	if err != nil {
		return false, err
	}
	return res.Found, nil
}

// Replace overwrites key only when it is present
func (c *Cache) Replace(ctx context.Context, key string, value []byte, lifespan time.Duration) (bool, error) {
	res, err := c.write(ctx, "replace", key, &model.ReplaceCommand{Key: key, Value: value, Lifespan: c.lifespan(lifespan)})
	if err != nil {
		return false, err
	}
	return res.Applied, nil
}

// ReplaceIfEquals overwrites key only when it currently holds expected
func (c *Cache) ReplaceIfEquals(ctx context.Context, key string, expected, value []byte, lifespan time.Duration) (bool, error) {
	if expected == nil {
		return false, errors.InvalidArgument("expected value must not be nil", nil)
	}
	res, err := c.write(ctx, "replace", key, &model.ReplaceCommand{
		Key:      key,
		Value:    value,
		Expected: expected,
		Lifespan: c.lifespan(lifespan),
	})
	if err != nil {
		return false, err
	}
	return res.Applied, nil
}

// PutAll stores a batch, sending each owner its share in one request
func (c *Cache) PutAll(ctx context.Context, entries map[string][]byte, lifespan time.Duration) error {
	for k := range entries {
		if k == "" {
			return errors.InvalidArgument("key must not be empty", nil)
		}
	}
	start := time.Now()
	err := c.putAll(ctx, entries, c.lifespan(lifespan))
	c.record("put_all", start, err)
	return err
}

func (c *Cache) putAll(ctx context.Context, entries map[string][]byte, lifespan time.Duration) error {
	if len(entries) == 0 {
		return nil
	}
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}

	shares := make(map[model.Address]map[string][]byte)
	local := make(map[string][]byte)
	for key, owners := range c.dm.LocateAll(keys) {
		if len(owners) == 0 {
			local[key] = entries[key]
			continue
		}
		for _, owner := range owners {
			if owner == c.opts.Self {
				local[key] = entries[key]
				continue
			}
			if shares[owner] == nil {
				shares[owner] = make(map[string][]byte)
			}
			shares[owner][key] = entries[key]
		}
	}

	var errs error
	if len(local) > 0 {
		if _, err := c.chain.Invoke(ctx, nil, &model.PutMapCommand{Entries: local, Lifespan: lifespan}); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	requests := make(map[model.Address]*transport.Request, len(shares))
	for owner, share := range shares {
		requests[owner] = &transport.Request{
			Method:  transport.MethodWrite,
			Records: []model.WriteRecord{{Type: model.CommandPutMap, Entries: share, Lifespan: lifespan}},
		}
	}
	if _, err := transport.InvokeAll(ctx, c.rpc, requests, c.opts.Distribution.Concurrency); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}

// Evict drops key from this node's memory, passivating it first when
// passivation is enabled
func (c *Cache) Evict(ctx context.Context, key string) error {
	start := time.Now()
	err := c.evict(ctx, key)
	c.record("evict", start, err)
	return err
}

func (c *Cache) evict(ctx context.Context, key string) error {
	entry, ok := c.dc.Peek(key)
	if !ok {
		return nil
	}
	if c.passivation != nil {
		if err := c.passivation.Passivate(ctx, entry); err != nil {
			return err
		}
	}
	ictx := model.NewInvocationContext(model.FlagCacheModeLocal, model.FlagSkipCacheLoad, model.FlagSkipCacheStore)
	_, err := c.chain.Invoke(ctx, ictx, &model.EvictCommand{Key: key})
	return err
}

// write applies cmd on every owner of key. The result is the primary
// owner's; any owner failing fails the write.
func (c *Cache) write(ctx context.Context, op, key string, cmd model.Command) (*interceptor.Result, error) {
	if key == "" {
		return nil, errors.InvalidArgument("key must not be empty", nil)
	}
	start := time.Now()
	res, err := c.writeToOwners(ctx, key, cmd)
	c.record(op, start, err)
	return res, err
}

func (c *Cache) writeToOwners(ctx context.Context, key string, cmd model.Command) (*interceptor.Result, error) {
	owners := c.dm.Locate(key)
	rec, err := model.NewWriteRecord(cmd)
	if err != nil {
		return nil, errors.InternalError("failed to encode write", err)
	}

	var local *interceptor.Result
	var errs error
	if len(owners) == 0 || model.ContainsAddress(owners, c.opts.Self) {
		if local, err = c.chain.Invoke(ctx, nil, cmd); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	requests := make(map[model.Address]*transport.Request, len(owners))
	for _, owner := range owners {
		if owner == c.opts.Self {
			continue
		}
		requests[owner] = &transport.Request{
			Method:  transport.MethodWrite,
			Records: []model.WriteRecord{rec},
		}
	}
	responses, err := transport.InvokeAll(ctx, c.rpc, requests, c.opts.Distribution.Concurrency)
	if err != nil {
		errs = multierr.Append(errs, err)
	}
	if errs != nil {
		return nil, errs
	}

	if len(owners) == 0 || owners[0] == c.opts.Self {
		return local, nil
	}
	resp := responses[owners[0]]
	return &interceptor.Result{Value: resp.Value, Found: resp.Found, Applied: resp.Applied > 0}, nil
}

func (c *Cache) lifespan(l time.Duration) time.Duration {
	if l > 0 {
		return l
	}
	return c.opts.DefaultLifespan
}

func (c *Cache) record(op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordOperation(op, status, time.Since(start).Seconds())
}
