package distribution

import (
	"context"
	"sync"
	"time"

	"github.com/devrev/distcache/internal/model"
	"go.uber.org/zap"
)

type rehashFunc func(ctx context.Context, view model.ViewChange) error

// executor runs one rehash at a time. At most one view waits behind the
// running one and a newer view replaces it.
type executor struct {
	run           rehashFunc
	retries       int
	retryInterval time.Duration
	logger        *zap.Logger

	mu      sync.Mutex
	pending *model.ViewChange
	wake    chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

func newExecutor(run rehashFunc, retries int, retryInterval time.Duration, logger *zap.Logger) *executor {
	return &executor{
		run:           run,
		retries:       retries,
		retryInterval: retryInterval,
		logger:        logger,
		wake:          make(chan struct{}, 1),
	}
}

func (e *executor) submit(view model.ViewChange) {
	e.mu.Lock()
	if e.pending != nil {
		if e.pending.ViewID >= view.ViewID {
			e.mu.Unlock()
			return
		}
		e.logger.Info("Queued rehash superseded",
			zap.Int("queued_view_id", e.pending.ViewID),
			zap.Int("view_id", view.ViewID))
	}
	e.pending = &view
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *executor) take() (model.ViewChange, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == nil {
		return model.ViewChange{}, false
	}
	view := *e.pending
	e.pending = nil
	return view, true
}

func (e *executor) hasPending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending != nil
}

func (e *executor) start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true

	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	go e.loop(ctx, e.done)
}

func (e *executor) stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	cancel()
	<-done
}

func (e *executor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.wake:
		}

		for {
			view, ok := e.take()
			if !ok {
				break
			}
			e.execute(ctx, view)
		}
	}
}

// execute runs view, retrying failures until a newer view is queued or the
// retry budget is spent
func (e *executor) execute(ctx context.Context, view model.ViewChange) {
	for attempt := 0; ; attempt++ {
		err := e.run(ctx, view)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		if attempt >= e.retries || e.hasPending() {
			e.logger.Error("Rehash abandoned",
				zap.Int("view_id", view.ViewID),
				zap.Int("attempts", attempt+1),
				zap.Error(err))
			return
		}

		e.logger.Warn("Rehash failed, retrying",
			zap.Int("view_id", view.ViewID),
			zap.Int("attempt", attempt+1),
			zap.Duration("retry_in", e.retryInterval),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.retryInterval):
		}
	}
}
