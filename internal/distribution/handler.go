package distribution

import (
	"context"
	"fmt"
	"time"

	"github.com/devrev/distcache/internal/errors"
	"github.com/devrev/distcache/internal/interceptor"
	"github.com/devrev/distcache/internal/model"
	"github.com/devrev/distcache/internal/transport"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// stateFlags keep transferred data on this node and out of the store loader
// and transaction log
var stateFlags = []model.Flag{
	model.FlagSkipCacheLoad,
	model.FlagCacheModeLocal,
	model.FlagSkipOwnershipCheck,
	model.FlagSkipTxLog,
}

// HandleRequest serves a request sent by another member
func (m *Manager) HandleRequest(ctx context.Context, origin model.Address, req *transport.Request) (*transport.Response, error) {
	switch req.Method {
	case transport.MethodPing:
		return &transport.Response{}, nil

	case transport.MethodInvalidate:
		if err := m.InvalidateLocally(ctx, req.Keys); err != nil {
			return nil, err
		}
		return &transport.Response{Applied: len(req.Keys)}, nil

	case transport.MethodPushState:
		applied, rejected, err := m.ApplyState(ctx, req.ViewID, origin, req.Entries)
		if err != nil {
			return nil, err
		}
		return &transport.Response{Applied: applied, Rejected: rejected}, nil

	case transport.MethodStateDone:
		m.RecordStatePushed(req.Topology, origin)
		return &transport.Response{}, nil

	case transport.MethodTxLog:
		applied, err := m.ApplyRemoteTxLog(ctx, req.ViewID, origin, req.Records)
		if err != nil {
			return nil, err
		}
		return &transport.Response{Applied: applied}, nil

	case transport.MethodWrite:
		return m.applyWrites(ctx, origin, req.Records)

	case transport.MethodGet:
		if len(req.Keys) != 1 {
			return nil, errors.InvalidArgument(fmt.Sprintf("get expects one key, got %d", len(req.Keys)), nil)
		}
		ictx := model.NewRemoteInvocationContext(origin, model.FlagCacheModeLocal)
		res, err := m.pipeline.Invoke(ctx, ictx, &model.GetCommand{Key: req.Keys[0]})
		if err != nil {
			return nil, err
		}
		return &transport.Response{Found: res.Found, Value: res.Value}, nil

	default:
		return nil, errors.Unsupported(fmt.Sprintf("method %q", req.Method))
	}
}

// ApplyState stores entries pushed by sender during the rehash to viewID.
// State for a view older than the latest one seen is rejected as a whole.
// An entry never replaces a local copy written after it. Entries that fail
// are retried and then counted as rejected.
func (m *Manager) ApplyState(ctx context.Context, viewID int, sender model.Address, entries []transport.WireEntry) (int, int, error) {
	if last := m.ViewID(); viewID < last {
		m.metrics.RecordStateApplied("stale")
		m.logger.Warn("Rejected state from stale view",
			zap.String("sender", sender.String()),
			zap.Int("view_id", viewID),
			zap.Int("last_view_id", last))
		return 0, len(entries), errors.StaleView(viewID, last)
	}

	now := time.Now()
	applied, rejected := 0, 0
	for _, we := range entries {
		entry := we.Entry()
		if entry.IsExpired(now) {
			m.metrics.RecordStateApplied("expired")
			continue
		}
		if local, ok := m.container.Peek(entry.Key); ok && local.CreatedAt.After(entry.CreatedAt) {
			m.metrics.RecordStateApplied("superseded")
			continue
		}
		cmd := &model.PutCommand{Key: entry.Key, Value: entry.Value}
		if entry.Lifespan > 0 {
			cmd.Lifespan = entry.ExpiresAt().Sub(now)
		}

		if err := m.invokeWithRetry(ctx, sender, cmd); err != nil {
			rejected++
			m.metrics.RecordStateApplied("failed")
			m.logger.Error("Failed to apply transferred entry",
				zap.String("key", entry.Key),
				zap.String("sender", sender.String()),
				zap.Error(err))
			continue
		}
		applied++
		m.metrics.RecordStateApplied("applied")
	}

	m.logger.Debug("Applied transferred state",
		zap.String("sender", sender.String()),
		zap.Int("view_id", viewID),
		zap.Int("applied", applied),
		zap.Int("rejected", rejected))
	return applied, rejected, nil
}

func (m *Manager) invokeWithRetry(ctx context.Context, sender model.Address, cmd model.Command) error {
	var err error
	for attempt := 0; attempt <= m.config.StateTransferRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return multierr.Append(err, ctxErr)
		}
		ictx := model.NewRemoteInvocationContext(sender, stateFlags...)
		if _, err = m.pipeline.Invoke(ctx, ictx, cmd); err == nil {
			return nil
		}
	}
	return err
}

// ApplyRemoteTxLog replays writes that sender logged while pushing state,
// in the order they were logged
func (m *Manager) ApplyRemoteTxLog(ctx context.Context, viewID int, sender model.Address, records []model.WriteRecord) (int, error) {
	if last := m.ViewID(); viewID < last {
		return 0, errors.StaleView(viewID, last)
	}

	var errs error
	applied := 0
	for _, rec := range records {
		cmd, err := rec.Command()
		if err != nil {
			errs = multierr.Append(errs, errors.InvalidArgument("bad write record", err))
			continue
		}
		ictx := model.NewRemoteInvocationContext(sender, stateFlags...)
		if _, err := m.pipeline.Invoke(ctx, ictx, cmd); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		applied++
	}

	if errs != nil {
		m.logger.Warn("Some replayed writes failed",
			zap.String("sender", sender.String()),
			zap.Int("applied", applied),
			zap.Int("failed", len(multierr.Errors(errs))),
			zap.Error(errs))
	}
	return applied, errs
}

func (m *Manager) applyWrites(ctx context.Context, origin model.Address, records []model.WriteRecord) (*transport.Response, error) {
	resp := &transport.Response{}
	for _, rec := range records {
		cmd, err := rec.Command()
		if err != nil {
			return nil, errors.InvalidArgument("bad write record", err)
		}
		ictx := model.NewRemoteInvocationContext(origin, model.FlagCacheModeLocal)
		res, err := m.pipeline.Invoke(ctx, ictx, cmd)
		if err != nil {
			return nil, err
		}
		resp = toResponse(res)
	}
	return resp, nil
}

func toResponse(res *interceptor.Result) *transport.Response {
	resp := &transport.Response{Found: res.Found, Value: res.Value}
	if res.Applied {
		resp.Applied = 1
	}
	return resp
}
