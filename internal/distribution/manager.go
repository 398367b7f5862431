// Package distribution owns the consistent hash a node routes with. It
// publishes hash changes atomically, answers locality questions, runs one
// rehash at a time when membership changes and applies the state and logged
// writes other members push to it.
package distribution

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/devrev/distcache/internal/algorithm"
	"github.com/devrev/distcache/internal/errors"
	"github.com/devrev/distcache/internal/interceptor"
	"github.com/devrev/distcache/internal/metrics"
	"github.com/devrev/distcache/internal/model"
	"github.com/devrev/distcache/internal/notify"
	"github.com/devrev/distcache/internal/rehash"
	"github.com/devrev/distcache/internal/store"
	"github.com/devrev/distcache/internal/transport"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Invoker runs a command through the node's interceptor pipeline
type Invoker interface {
	Invoke(ctx context.Context, ictx *model.InvocationContext, cmd model.Command) (*interceptor.Result, error)
}

// Config tunes the distribution manager
type Config struct {
	NumOwners   int
	HashKind    algorithm.Kind
	HashOptions algorithm.Options
	BatchSize   int
	Concurrency int

	// StateTransferRetries is how often a failed pushed entry is re-applied
	StateTransferRetries int

	// RehashRetries is how often a failed rehash is retried when no newer view is queued
	RehashRetries       int
	RehashRetryInterval time.Duration

	// StateWaitTimeout bounds how long a joiner waits for old members to
	// finish pushing state before it switches to the new hash anyway
	StateWaitTimeout time.Duration

	// SharedStore means every member sees the same store, so passivated
	// entries never need to move with ownership
	SharedStore bool
}

// hashView boxes the installed hash so differently typed hashes share one atomic pointer
type hashView struct {
	ch algorithm.ConsistentHash
}

// Manager tracks the installed consistent hash of one node
type Manager struct {
	self   model.Address
	config Config

	current         atomic.Pointer[hashView]
	lastSuccessful  atomic.Pointer[hashView]
	viewID          atomic.Int64
	completedViewID atomic.Int64
	inProgress      atomic.Bool
	lastReport      atomic.Pointer[model.RehashReport]

	// pendingInvalidation is a cut over rehash whose invalidation failed
	pendingInvalidation atomic.Pointer[invalidation]

	stateMu sync.Mutex
	// statePushed holds, per topology, the old members done pushing to this node
	statePushed map[string]map[model.Address]bool
	stateCh     chan struct{}

	pipeline  Invoker
	container Container
	loader    store.CacheLoader
	rpc       transport.RPCManager
	txLog     *rehash.TransactionLogger
	executor  *executor

	notifier *notify.Notifier
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// Container is the in-memory view the manager reads entries from
type Container interface {
	Keys() []string
	Peek(key string) (*model.CacheEntry, bool)
}

// NewManager creates a manager for self. Attach must be called before the
// manager serves requests or handles views.
func NewManager(
	self model.Address,
	cfg Config,
	dc Container,
	loader store.CacheLoader,
	rpc transport.RPCManager,
	txLog *rehash.TransactionLogger,
	notifier *notify.Notifier,
	m *metrics.Metrics,
	logger *zap.Logger,
) (*Manager, error) {
	if cfg.NumOwners < 1 {
		return nil, errors.Configuration("number of owners must be at least 1", nil).
			WithDetail("num_owners", cfg.NumOwners)
	}
	if cfg.HashKind == algorithm.KindUnion {
		return nil, errors.Configuration("a union cannot be the configured hash kind", nil)
	}
	if cfg.RehashRetryInterval <= 0 {
		cfg.RehashRetryInterval = time.Second
	}
	if cfg.StateWaitTimeout <= 0 {
		cfg.StateWaitTimeout = 30 * time.Second
	}

	mgr := &Manager{
		self:      self,
		config:    cfg,
		container: dc,
		loader:    loader,
		rpc:       rpc,
		txLog:     txLog,
		notifier:  notifier,
		metrics:   m,
		logger:    logger.With(zap.String("node", self.String())),

		statePushed: make(map[string]map[model.Address]bool),
		stateCh:     make(chan struct{}),
	}
	mgr.executor = newExecutor(mgr.runRehash, cfg.RehashRetries, cfg.RehashRetryInterval, mgr.logger)
	return mgr, nil
}

// Attach sets the pipeline used to apply remote state and invalidations
func (m *Manager) Attach(pipeline Invoker) {
	m.pipeline = pipeline
}

// Start launches the rehash executor
func (m *Manager) Start(ctx context.Context) {
	m.executor.start(ctx)
}

// Stop interrupts a running rehash and waits for the executor to exit
func (m *Manager) Stop() {
	m.executor.stop()
}

// Self returns the local member address
func (m *Manager) Self() model.Address {
	return m.self
}

// NumOwners returns the configured replication count
func (m *Manager) NumOwners() int {
	return m.config.NumOwners
}

// ConsistentHash returns the hash currently used for routing, possibly a union
func (m *Manager) ConsistentHash() algorithm.ConsistentHash {
	if v := m.current.Load(); v != nil {
		return v.ch
	}
	return nil
}

// LastSuccessfulHash returns the last plain hash a rehash completed with
func (m *Manager) LastSuccessfulHash() algorithm.ConsistentHash {
	if v := m.lastSuccessful.Load(); v != nil {
		return v.ch
	}
	return nil
}

// ViewID returns the latest view handed to the manager
func (m *Manager) ViewID() int {
	return int(m.viewID.Load())
}

// CompletedViewID returns the view of the last successful rehash
func (m *Manager) CompletedViewID() int {
	return int(m.completedViewID.Load())
}

// LastReport returns the report of the most recent rehash task
func (m *Manager) LastReport() (model.RehashReport, bool) {
	if r := m.lastReport.Load(); r != nil {
		return *r, true
	}
	return model.RehashReport{}, false
}

// Members returns the members of the installed hash
func (m *Manager) Members() []model.Address {
	return membersOf(m.ConsistentHash())
}

// SetConsistentHash publishes ch. Readers see either the previous hash or
// ch, never a mix.
func (m *Manager) SetConsistentHash(ch algorithm.ConsistentHash) {
	old := m.ConsistentHash()
	m.notifier.NotifyTopologyChanged(old, ch, true)

	m.current.Store(&hashView{ch: ch})
	members := membersOf(ch)
	m.rpc.UpdateMembers(members)
	m.metrics.UpdateTopology(m.ViewID(), len(members))

	m.logger.Info("Installed consistent hash",
		zap.String("kind", string(ch.Kind())),
		zap.Strings("members", model.AddressStrings(members)))
	m.notifier.NotifyTopologyChanged(old, ch, false)
}

// MarkRehashCompleted records ch as the hash of the completed view
func (m *Manager) MarkRehashCompleted(viewID int, ch algorithm.ConsistentHash) {
	m.lastSuccessful.Store(&hashView{ch: ch})
	m.completedViewID.Store(int64(viewID))
}

// SetRehashInProgress flips the rehash flag
func (m *Manager) SetRehashInProgress(inProgress bool) {
	m.inProgress.Store(inProgress)
}

// IsRehashInProgress reports whether a rehash task is running
func (m *Manager) IsRehashInProgress() bool {
	return m.inProgress.Load()
}

// Locate returns the owners of key under the installed hash
func (m *Manager) Locate(key string) []model.Address {
	ch := m.ConsistentHash()
	if ch == nil {
		return nil
	}
	return ch.Locate(key, m.config.NumOwners)
}

// LocateAll returns the owners of every key
func (m *Manager) LocateAll(keys []string) map[string][]model.Address {
	ch := m.ConsistentHash()
	if ch == nil {
		return map[string][]model.Address{}
	}
	return ch.LocateAll(keys, m.config.NumOwners)
}

// GetAffectedNodes returns every member owning at least one of keys
func (m *Manager) GetAffectedNodes(keys []string) []model.Address {
	seen := make(map[model.Address]bool)
	for _, owners := range m.LocateAll(keys) {
		for _, a := range owners {
			seen[a] = true
		}
	}
	nodes := make([]model.Address, 0, len(seen))
	for a := range seen {
		nodes = append(nodes, a)
	}
	return model.SortAddresses(nodes)
}

// Locality classifies key relative to this node. Before the first view is
// installed every key is treated as possibly local.
func (m *Manager) Locality(key string) model.DataLocality {
	ch := m.ConsistentHash()
	if ch == nil {
		return model.LocalityLocalUncertain
	}
	local := ch.IsKeyLocalToAddress(m.self, key, m.config.NumOwners)
	switch {
	case m.IsRehashInProgress() && local:
		return model.LocalityLocalUncertain
	case m.IsRehashInProgress():
		return model.LocalityNotLocalUncertain
	case local:
		return model.LocalityLocal
	default:
		return model.LocalityNotLocal
	}
}

// IsAffectedByRehash reports whether key is becoming local to this node in
// the running rehash
func (m *Manager) IsAffectedByRehash(key string) bool {
	if !m.IsRehashInProgress() {
		return false
	}
	current := m.ConsistentHash()
	last := m.LastSuccessfulHash()
	if current == nil || last == nil {
		return false
	}
	return current.IsKeyLocalToAddress(m.self, key, m.config.NumOwners) &&
		!last.IsKeyLocalToAddress(m.self, key, m.config.NumOwners)
}

// Keys returns every key held locally, in memory or in a private store
func (m *Manager) Keys(ctx context.Context) ([]string, error) {
	keys := m.container.Keys()
	if m.loader == nil || m.config.SharedStore {
		return keys, nil
	}

	stored, err := m.loader.LoadAllKeys(ctx)
	if err != nil {
		return nil, errors.CacheLoader("*", err)
	}
	seen := make(map[string]bool, len(keys)+len(stored))
	merged := make([]string, 0, len(keys)+len(stored))
	for _, list := range [][]string{keys, stored} {
		for _, k := range list {
			if !seen[k] {
				seen[k] = true
				merged = append(merged, k)
			}
		}
	}
	sort.Strings(merged)
	return merged, nil
}

// Entry returns the local copy of key from memory or the store
func (m *Manager) Entry(ctx context.Context, key string) (*model.CacheEntry, bool, error) {
	if e, ok := m.container.Peek(key); ok {
		return e, true, nil
	}
	if m.loader == nil {
		return nil, false, nil
	}

	res := m.loader.Load(ctx, key)
	switch res.Status {
	case store.LoadFound:
		return res.Entry, true, nil
	case store.LoadNotFound:
		return nil, false, nil
	default:
		return nil, false, errors.CacheLoader(key, res.Err)
	}
}

// InvalidateLocally drops keys from memory and from the local store
func (m *Manager) InvalidateLocally(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	ictx := model.NewInvocationContext(model.FlagCacheModeLocal, model.FlagSkipCacheLoad, model.FlagSkipTxLog)
	if m.config.SharedStore {
		ictx.Flags |= model.FlagSkipCacheStore
	}
	if _, err := m.pipeline.Invoke(ctx, ictx, &model.InvalidateCommand{Keys: keys}); err != nil {
		return err
	}
	m.logger.Debug("Invalidated keys", zap.Int("count", len(keys)))
	return nil
}

// RecordStatePushed notes that sender finished pushing state for topology
func (m *Manager) RecordStatePushed(topology string, sender model.Address) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	senders, ok := m.statePushed[topology]
	if !ok {
		senders = make(map[model.Address]bool)
		m.statePushed[topology] = senders
	}
	senders[sender] = true
	close(m.stateCh)
	m.stateCh = make(chan struct{})
}

// AwaitState blocks until every sender finished pushing state for
// topology. After StateWaitTimeout it logs the missing senders and returns
// nil so a lost notification cannot stall the rehash.
func (m *Manager) AwaitState(ctx context.Context, topology string, senders []model.Address) error {
	timer := time.NewTimer(m.config.StateWaitTimeout)
	defer timer.Stop()

	for {
		m.stateMu.Lock()
		missing := make([]model.Address, 0)
		for _, s := range senders {
			if !m.statePushed[topology][s] {
				missing = append(missing, s)
			}
		}
		if len(missing) == 0 {
			delete(m.statePushed, topology)
			m.stateMu.Unlock()
			return nil
		}
		changed := m.stateCh
		m.stateMu.Unlock()

		select {
		case <-ctx.Done():
			return errors.Interrupted("waiting for transferred state", ctx.Err())
		case <-timer.C:
			m.logger.Warn("Timed out waiting for transferred state",
				zap.String("topology", topology),
				zap.Strings("missing", model.AddressStrings(missing)),
				zap.Duration("timeout", m.config.StateWaitTimeout))
			return nil
		case <-changed:
		}
	}
}

// HandleViewChange queues a rehash towards view. Views not newer than the
// latest one seen are ignored; a queued view is replaced by a newer one.
func (m *Manager) HandleViewChange(view model.ViewChange) {
	for {
		last := m.viewID.Load()
		if int64(view.ViewID) <= last && m.ConsistentHash() != nil {
			m.logger.Debug("Ignoring old view",
				zap.Int("view_id", view.ViewID),
				zap.Int64("last_view_id", last))
			return
		}
		if m.viewID.CompareAndSwap(last, int64(view.ViewID)) {
			break
		}
	}

	m.logger.Info("View changed",
		zap.Int("view_id", view.ViewID),
		zap.Strings("joiners", model.AddressStrings(view.Joiners())),
		zap.Strings("leavers", model.AddressStrings(view.Leavers())))
	m.executor.submit(view)
}

// invalidation is the last phase of a rehash that has to be repeated
type invalidation struct {
	viewID     int
	rehashType model.RehashType
	oldCH      algorithm.ConsistentHash
	newCH      algorithm.ConsistentHash
}

// runRehash moves from the last successful hash to one over view's members
func (m *Manager) runRehash(ctx context.Context, view model.ViewChange) error {
	if err := m.retryInvalidation(ctx, view.ViewID); err != nil {
		return err
	}

	members := model.SortAddresses(view.NewMembers)
	oldCH := m.LastSuccessfulHash()
	if oldCH == nil && m.isJoining(view) {
		// a joiner starts from the hash the other members are leaving
		base, err := algorithm.New(m.config.HashKind, model.SortAddresses(view.OldMembers), m.config.NumOwners, m.config.HashOptions)
		if err != nil {
			return err
		}
		oldCH = base
	}
	newCH, err := m.buildHash(oldCH, members)
	if err != nil {
		return err
	}

	if oldCH == nil || !model.ContainsAddress(members, m.self) {
		// nothing held locally can be owned under oldCH
		m.SetConsistentHash(newCH)
		m.MarkRehashCompleted(view.ViewID, newCH)
		return nil
	}
	if model.AddressesEqual(oldCH.Caches(), newCH.Caches()) {
		m.MarkRehashCompleted(view.ViewID, oldCH)
		return nil
	}

	delta := model.ViewChange{OldMembers: oldCH.Caches(), NewMembers: members}
	var task *rehash.Task
	if len(delta.Leavers()) > 0 {
		task, err = rehash.NewLeaveTask(view.ViewID, oldCH, newCH, m.rehashDeps())
	} else {
		task, err = rehash.NewJoinTask(view.ViewID, oldCH, newCH, m.rehashDeps())
	}
	if err != nil {
		return err
	}

	report, err := task.Call(ctx)
	m.lastReport.Store(&report)
	if err != nil && report.Phase == model.RehashPhaseInvalidation {
		m.pendingInvalidation.Store(&invalidation{
			viewID:     view.ViewID,
			rehashType: report.Type,
			oldCH:      oldCH,
			newCH:      newCH,
		})
	}
	return err
}

// isJoining reports whether view adds this node to an existing cluster it
// has no hash for yet
func (m *Manager) isJoining(view model.ViewChange) bool {
	return len(view.OldMembers) > 0 &&
		!model.ContainsAddress(view.OldMembers, m.self) &&
		model.ContainsAddress(view.NewMembers, m.self)
}

// retryInvalidation repeats the invalidation of a rehash that already cut
// over. A retry of the same view fails until it succeeds; a newer view
// makes one attempt and moves on.
func (m *Manager) retryInvalidation(ctx context.Context, viewID int) error {
	pending := m.pendingInvalidation.Load()
	if pending == nil {
		return nil
	}

	task, err := rehash.NewInvalidationTask(pending.viewID, pending.oldCH, pending.newCH, pending.rehashType, m.rehashDeps())
	if err != nil {
		return err
	}
	report, err := task.Call(ctx)
	m.lastReport.Store(&report)
	if err != nil && pending.viewID == viewID {
		return err
	}
	if err != nil {
		m.logger.Warn("Dropping invalidation of superseded view",
			zap.Int("view_id", pending.viewID),
			zap.Int("next_view_id", viewID),
			zap.Error(err))
	}
	m.pendingInvalidation.CompareAndSwap(pending, nil)
	return nil
}

func (m *Manager) rehashDeps() rehash.Deps {
	return rehash.Deps{
		Distribution: m,
		RPC:          m.rpc,
		TxLog:        m.txLog,
		Data:         m,
		Config: rehash.Config{
			NumOwners:   m.config.NumOwners,
			Concurrency: m.config.Concurrency,
			BatchSize:   m.config.BatchSize,
		},
		Metrics: m.metrics,
		Logger:  m.logger,
	}
}

func (m *Manager) buildHash(base algorithm.ConsistentHash, members []model.Address) (algorithm.ConsistentHash, error) {
	if base != nil {
		return base.WithCaches(members)
	}
	return algorithm.New(m.config.HashKind, members, m.config.NumOwners, m.config.HashOptions)
}

// membersOf returns the members of ch; a union reports the members of its new side
func membersOf(ch algorithm.ConsistentHash) []model.Address {
	if ch == nil {
		return nil
	}
	if u, ok := ch.(*algorithm.UnionConsistentHash); ok {
		return u.NewConsistentHash().Caches()
	}
	return ch.Caches()
}
