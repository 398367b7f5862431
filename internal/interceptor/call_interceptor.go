package interceptor

import (
	"bytes"
	"context"
	"fmt"

	"github.com/devrev/distcache/internal/container"
	"github.com/devrev/distcache/internal/errors"
	"github.com/devrev/distcache/internal/model"
)

// CallInterceptor is the terminal stage: it applies commands to the data container
type CallInterceptor struct {
	container *container.DataContainer
}

// NewCallInterceptor creates the terminal stage
func NewCallInterceptor(dc *container.DataContainer) *CallInterceptor {
	return &CallInterceptor{container: dc}
}

// Handle applies cmd to the data container
func (c *CallInterceptor) Handle(ctx context.Context, ictx *model.InvocationContext, cmd model.Command) (*Result, error) {
	switch cmd := cmd.(type) {
	case *model.GetCommand:
		entry, found := c.container.Get(cmd.Key)
		if !found {
			return &Result{}, nil
		}
		return &Result{Value: entry.Value, Found: true}, nil

	case *model.PutCommand:
		prev, found := c.container.Peek(cmd.Key)
		if found && cmd.PutIfAbsent {
			return &Result{Value: prev.Value, Found: true}, nil
		}
		c.container.Put(model.NewCacheEntry(cmd.Key, cmd.Value, cmd.Lifespan))
		return previous(prev, found, true), nil

	case *model.PutMapCommand:
		for k, v := range cmd.Entries {
			c.container.Put(model.NewCacheEntry(k, v, cmd.Lifespan))
		}
		return &Result{Applied: true}, nil

	case *model.RemoveCommand:
		prev, found := c.container.Remove(cmd.Key)
		return previous(prev, found, found), nil

	case *model.ReplaceCommand:
		prev, found := c.container.Peek(cmd.Key)
		if !found {
			return &Result{}, nil
		}
		if cmd.Expected != nil && !bytes.Equal(prev.Value, cmd.Expected) {
			return &Result{Value: prev.Value, Found: true}, nil
		}
		c.container.Put(model.NewCacheEntry(cmd.Key, cmd.Value, cmd.Lifespan))
		return previous(prev, true, true), nil

	case *model.EvictCommand:
		_, found := c.container.Remove(cmd.Key)
		return &Result{Found: found, Applied: found}, nil

	case *model.InvalidateCommand:
		for _, k := range cmd.Keys {
			c.container.Remove(k)
		}
		return &Result{Applied: true}, nil

	default:
		return nil, errors.Unsupported(fmt.Sprintf("command %T", cmd))
	}
}

func previous(prev *model.CacheEntry, found, applied bool) *Result {
	r := &Result{Found: found, Applied: applied}
	if found && prev != nil {
		r.Value = prev.Value
	}
	return r
}
