// Package rehash moves cache ownership from one consistent hash to the next
// when cluster membership changes.
//
// A task installs the union of the old and new hash, pushes entries to
// their new owners, forwards writes logged meanwhile, switches atomically to
// the new hash and finally tells former owners to drop keys they no longer
// own. A failure before the switch leaves the old hash installed.
package rehash

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/devrev/distcache/internal/algorithm"
	"github.com/devrev/distcache/internal/errors"
	"github.com/devrev/distcache/internal/metrics"
	"github.com/devrev/distcache/internal/model"
	"github.com/devrev/distcache/internal/transport"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Distribution is the part of the distribution manager a task drives
type Distribution interface {
	Self() model.Address
	// SetConsistentHash publishes ch as the hash used for routing
	SetConsistentHash(ch algorithm.ConsistentHash)
	// MarkRehashCompleted records ch as the last successfully installed hash
	MarkRehashCompleted(viewID int, ch algorithm.ConsistentHash)
	SetRehashInProgress(inProgress bool)
	// InvalidateLocally drops keys from memory and the local store
	InvalidateLocally(ctx context.Context, keys []string) error
	// AwaitState blocks until every sender reported that it pushed its
	// state for topology. It gives up quietly once the wait bound expires.
	AwaitState(ctx context.Context, topology string, senders []model.Address) error
}

// LocalData exposes the entries held by this node, in memory or passivated
type LocalData interface {
	Keys(ctx context.Context) ([]string, error)
	Entry(ctx context.Context, key string) (*model.CacheEntry, bool, error)
}

// Performer is the rehash strategy for one kind of membership change
type Performer interface {
	PerformRehash(ctx context.Context, t *Task) error
}

// Config tunes a rehash task
type Config struct {
	NumOwners int
	// Concurrency bounds parallel outgoing calls; zero means unbounded
	Concurrency int
	// BatchSize caps the entries carried by one state push request
	BatchSize int
}

// Task carries one rehash from an old hash to a new one
type Task struct {
	id        string
	viewID    int
	oldCH     algorithm.ConsistentHash
	newCH     algorithm.ConsistentHash
	performer Performer

	dm      Distribution
	rpc     transport.RPCManager
	txLog   *TransactionLogger
	data    LocalData
	config  Config
	metrics *metrics.Metrics
	logger  *zap.Logger

	report model.RehashReport
}

// Deps groups the collaborators shared by all tasks of a node
type Deps struct {
	Distribution Distribution
	RPC          transport.RPCManager
	TxLog        *TransactionLogger
	Data         LocalData
	Config       Config
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
}

// NewTask creates a task that runs performer. Both hashes must be plain.
func NewTask(viewID int, oldCH, newCH algorithm.ConsistentHash, rehashType model.RehashType, performer Performer, deps Deps) (*Task, error) {
	if oldCH == nil || newCH == nil {
		return nil, errors.Configuration("rehash requires an old and a new consistent hash", nil)
	}
	if algorithm.IsUnion(oldCH) || algorithm.IsUnion(newCH) {
		return nil, errors.Configuration("rehash cannot start from or target a union hash", nil)
	}
	if deps.Config.NumOwners <= 0 {
		deps.Config.NumOwners = newCH.NumOwners()
	}
	if deps.Config.BatchSize <= 0 {
		deps.Config.BatchSize = 1000
	}

	id := uuid.New().String()
	return &Task{
		id:        id,
		viewID:    viewID,
		oldCH:     oldCH,
		newCH:     newCH,
		performer: performer,
		dm:        deps.Distribution,
		rpc:       deps.RPC,
		txLog:     deps.TxLog,
		data:      deps.Data,
		config:    deps.Config,
		metrics:   deps.Metrics,
		logger:    deps.Logger.With(zap.String("task_id", id), zap.Int("view_id", viewID)),
		report: model.RehashReport{
			TaskID: id,
			ViewID: viewID,
			Type:   rehashType,
		},
	}, nil
}

// Topology names the member set of a hash. Members agree on it even when
// they number views differently.
func Topology(members []model.Address) string {
	return strings.Join(model.AddressStrings(model.SortAddresses(members)), ",")
}

// NewJoinTask creates a task for a view where members only joined
func NewJoinTask(viewID int, oldCH, newCH algorithm.ConsistentHash, deps Deps) (*Task, error) {
	return NewTask(viewID, oldCH, newCH, model.RehashTypeJoin, JoinTask{}, deps)
}

// NewLeaveTask creates a task for a view where at least one member left
func NewLeaveTask(viewID int, oldCH, newCH algorithm.ConsistentHash, deps Deps) (*Task, error) {
	return NewTask(viewID, oldCH, newCH, model.RehashTypeLeave, LeaveTask{}, deps)
}

// NewInvalidationTask creates a task that repeats the invalidation of a
// rehash from oldCH to newCH, which must already be installed
func NewInvalidationTask(viewID int, oldCH, newCH algorithm.ConsistentHash, rehashType model.RehashType, deps Deps) (*Task, error) {
	return NewTask(viewID, oldCH, newCH, rehashType, InvalidationTask{}, deps)
}

// ID returns the task identifier
func (t *Task) ID() string { return t.id }

// ViewID returns the view the task moves to
func (t *Task) ViewID() int { return t.viewID }

// OldConsistentHash returns the hash being replaced
func (t *Task) OldConsistentHash() algorithm.ConsistentHash { return t.oldCH }

// NewConsistentHash returns the hash being installed
func (t *Task) NewConsistentHash() algorithm.ConsistentHash { return t.newCH }

// Report returns a copy of the task report
func (t *Task) Report() model.RehashReport { return t.report }

// Call runs the rehash. The in-progress flag is set for the duration of the
// call and cleared however it ends; errors are returned unchanged except
// that a cancelled context surfaces as an Interrupted error.
func (t *Task) Call(ctx context.Context) (model.RehashReport, error) {
	t.dm.SetRehashInProgress(true)
	t.metrics.SetRehashInProgress(true)
	defer func() {
		t.dm.SetRehashInProgress(false)
		t.metrics.SetRehashInProgress(false)
	}()

	t.report.Status = model.RehashStatusInProgress
	t.report.StartedAt = time.Now()
	t.logger.Info("Rehash started",
		zap.String("type", string(t.report.Type)),
		zap.Strings("old_members", model.AddressStrings(t.oldCH.Caches())),
		zap.Strings("new_members", model.AddressStrings(t.newCH.Caches())))

	err := t.performer.PerformRehash(ctx, t)
	if err != nil && ctx.Err() != nil && !errors.IsInterrupted(err) {
		err = errors.Interrupted("rehash interrupted", multierr.Combine(ctx.Err(), err))
	}

	t.report.CompletedAt = time.Now()
	duration := t.report.CompletedAt.Sub(t.report.StartedAt)
	if err != nil {
		t.report.Status = model.RehashStatusFailed
		t.report.ErrorMessage = err.Error()
		t.metrics.RecordRehash(string(t.report.Type), string(t.report.Status), duration.Seconds())
		t.logger.Error("Rehash failed",
			zap.String("phase", string(t.report.Phase)),
			zap.Duration("duration", duration),
			zap.Error(err))
		return t.report, err
	}

	t.report.Status = model.RehashStatusCompleted
	t.metrics.RecordRehash(string(t.report.Type), string(t.report.Status), duration.Seconds())
	t.logger.Info("Rehash completed",
		zap.Int("entries_pushed", t.report.EntriesPushed),
		zap.Int("tx_records_forwarded", t.report.TxRecordsForwarded),
		zap.Int("keys_invalidated", t.report.KeysInvalidated),
		zap.Duration("duration", duration))
	return t.report, nil
}

// checkInterrupted aborts between phases once the caller gave up
func (t *Task) checkInterrupted(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Interrupted(fmt.Sprintf("rehash interrupted during %s", t.report.Phase), err)
	}
	return nil
}

func (t *Task) enterPhase(phase model.RehashPhase) {
	t.report.Phase = phase
	t.logger.Debug("Rehash phase", zap.String("phase", string(phase)))
}
