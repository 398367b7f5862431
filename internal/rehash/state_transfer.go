package rehash

import (
	"context"

	"github.com/devrev/distcache/internal/algorithm"
	"github.com/devrev/distcache/internal/model"
	"github.com/devrev/distcache/internal/transport"
	"go.uber.org/zap"
)

// JoinTask rehashes after members joined. Every old owner survives, so the
// primary old owner of each key pushes it to the joiners that now own it.
type JoinTask struct{}

// PerformRehash runs the join rehash
func (JoinTask) PerformRehash(ctx context.Context, t *Task) error {
	if joiners := t.joiners(); len(joiners) == 0 {
		t.logger.Warn("Join rehash without joiners")
	}
	return t.transferState(ctx)
}

// LeaveTask rehashes after members left. For each key the first surviving
// old owner pushes it to the members that inherit it.
type LeaveTask struct{}

// PerformRehash runs the leave rehash
func (LeaveTask) PerformRehash(ctx context.Context, t *Task) error {
	t.logger.Info("Members left", zap.Strings("leavers", model.AddressStrings(t.leavers())))
	return t.transferState(ctx)
}

// InvalidationTask only drops copies held by former owners. It finishes a
// rehash whose cutover succeeded but whose invalidation did not.
type InvalidationTask struct{}

// PerformRehash runs the invalidation phase alone
func (InvalidationTask) PerformRehash(ctx context.Context, t *Task) error {
	t.enterPhase(model.RehashPhaseInvalidation)
	invalidated, err := t.InvalidateInvalidHolders(ctx, t.oldCH, t.newCH)
	t.report.KeysInvalidated = invalidated
	return err
}

func (t *Task) joiners() []model.Address {
	view := model.ViewChange{OldMembers: t.oldCH.Caches(), NewMembers: t.newCH.Caches()}
	return view.Joiners()
}

func (t *Task) leavers() []model.Address {
	view := model.ViewChange{OldMembers: t.oldCH.Caches(), NewMembers: t.newCH.Caches()}
	return view.Leavers()
}

// transferState is the body shared by join and leave rehashes
func (t *Task) transferState(ctx context.Context) error {
	t.enterPhase(model.RehashPhaseUnion)
	union, err := algorithm.NewUnionConsistentHash(t.oldCH, t.newCH)
	if err != nil {
		return err
	}
	t.dm.SetConsistentHash(union)
	t.txLog.Enable()

	cutover := false
	defer func() {
		if !cutover {
			t.txLog.Disable()
			t.dm.SetConsistentHash(t.oldCH)
			t.logger.Warn("Rehash aborted, old consistent hash restored")
		}
	}()

	if err := t.checkInterrupted(ctx); err != nil {
		return err
	}

	t.enterPhase(model.RehashPhaseStatePush)
	pushed, err := t.pushState(ctx)
	t.report.EntriesPushed = pushed
	if err != nil {
		return err
	}
	if err := t.checkInterrupted(ctx); err != nil {
		return err
	}

	t.enterPhase(model.RehashPhaseTxLogReplay)
	forwarded, err := t.replayTxLog(ctx, t.txLog.Drain())
	t.report.TxRecordsForwarded += forwarded
	if err != nil {
		return err
	}
	if err := t.checkInterrupted(ctx); err != nil {
		return err
	}

	if err := t.finishStatePush(ctx); err != nil {
		return err
	}

	t.enterPhase(model.RehashPhaseCutover)
	t.dm.SetConsistentHash(t.newCH)
	t.dm.MarkRehashCompleted(t.viewID, t.newCH)
	cutover = true

	// writes logged between the drain and the switch
	forwarded, err = t.replayTxLog(ctx, t.txLog.Drain())
	t.report.TxRecordsForwarded += forwarded
	t.txLog.Disable()
	if err != nil {
		return err
	}

	t.enterPhase(model.RehashPhaseInvalidation)
	invalidated, err := t.InvalidateInvalidHolders(ctx, t.oldCH, t.newCH)
	t.report.KeysInvalidated = invalidated
	return err
}

// finishStatePush ends the push phase. An old member tells every joiner it
// is done; a joiner stays on the union until each surviving old member said
// so, since it cannot own what it has not received yet.
func (t *Task) finishStatePush(ctx context.Context) error {
	self := t.dm.Self()
	topology := Topology(t.newCH.Caches())

	if model.ContainsAddress(t.oldCH.Caches(), self) {
		joiners := t.joiners()
		if len(joiners) == 0 {
			return nil
		}
		requests := make(map[model.Address]*transport.Request, len(joiners))
		for _, j := range joiners {
			requests[j] = &transport.Request{
				Method:   transport.MethodStateDone,
				ViewID:   t.viewID,
				Topology: topology,
			}
		}
		// a joiner that misses this stops waiting once its wait bound expires
		if _, err := transport.InvokeAll(ctx, t.rpc, requests, t.config.Concurrency); err != nil {
			t.logger.Warn("Could not notify joiners of pushed state",
				zap.Strings("joiners", model.AddressStrings(joiners)),
				zap.Error(err))
		}
		return nil
	}

	senders := make([]model.Address, 0)
	for _, a := range t.oldCH.Caches() {
		if a != self && model.ContainsAddress(t.newCH.Caches(), a) {
			senders = append(senders, a)
		}
	}
	if len(senders) == 0 {
		return nil
	}
	t.logger.Debug("Waiting for state from old members", zap.Strings("senders", model.AddressStrings(senders)))
	return t.dm.AwaitState(ctx, topology, senders)
}

// pusherFor returns the member responsible for handing key to its new
// owners: the first old owner still present in the new view.
func pusherFor(oldOwners, newMembers []model.Address) model.Address {
	for _, a := range oldOwners {
		if model.ContainsAddress(newMembers, a) {
			return a
		}
	}
	return ""
}

// newOnly returns the owners in newOwners that were not in oldOwners
func newOnly(oldOwners, newOwners []model.Address) []model.Address {
	out := make([]model.Address, 0, len(newOwners))
	for _, a := range newOwners {
		if !model.ContainsAddress(oldOwners, a) {
			out = append(out, a)
		}
	}
	return out
}

// transferTargets returns the members this node must send key to
func (t *Task) transferTargets(key string, newMembers []model.Address) []model.Address {
	oldOwners := t.oldCH.Locate(key, t.config.NumOwners)
	if pusherFor(oldOwners, newMembers) != t.dm.Self() {
		return nil
	}
	return newOnly(oldOwners, t.newCH.Locate(key, t.config.NumOwners))
}

// pushState sends every local entry this node is responsible for to its new owners
func (t *Task) pushState(ctx context.Context) (int, error) {
	keys, err := t.data.Keys(ctx)
	if err != nil {
		return 0, err
	}

	newMembers := t.newCH.Caches()
	pending := make(map[model.Address][]transport.WireEntry)
	for _, key := range keys {
		targets := t.transferTargets(key, newMembers)
		if len(targets) == 0 {
			continue
		}
		entry, found, err := t.data.Entry(ctx, key)
		if err != nil {
			return 0, err
		}
		if !found {
			continue
		}
		we := transport.ToWireEntry(entry)
		for _, target := range targets {
			pending[target] = append(pending[target], we)
		}
	}

	pushed := 0
	for len(pending) > 0 {
		requests := make(map[model.Address]*transport.Request, len(pending))
		for target, entries := range pending {
			n := len(entries)
			if n > t.config.BatchSize {
				n = t.config.BatchSize
			}
			requests[target] = &transport.Request{
				Method:  transport.MethodPushState,
				ViewID:  t.viewID,
				Entries: entries[:n],
			}
			if n == len(entries) {
				delete(pending, target)
			} else {
				pending[target] = entries[n:]
			}
		}

		_, err := transport.InvokeAll(ctx, t.rpc, requests, t.config.Concurrency)
		if err != nil {
			return pushed, err
		}
		for _, req := range requests {
			pushed += len(req.Entries)
		}
	}

	t.metrics.RecordStatePushed(pushed)
	return pushed, nil
}

// replayTxLog forwards logged writes to the new owners that received state from this node
func (t *Task) replayTxLog(ctx context.Context, records []model.WriteRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	newMembers := t.newCH.Caches()
	byTarget := make(map[model.Address][]model.WriteRecord)
	for _, rec := range records {
		for _, single := range splitRecord(rec) {
			for _, target := range t.transferTargets(single.Key, newMembers) {
				byTarget[target] = append(byTarget[target], single)
			}
		}
	}
	if len(byTarget) == 0 {
		return 0, nil
	}

	requests := make(map[model.Address]*transport.Request, len(byTarget))
	forwarded := 0
	for target, recs := range byTarget {
		requests[target] = &transport.Request{
			Method:  transport.MethodTxLog,
			ViewID:  t.viewID,
			Records: recs,
		}
		forwarded += len(recs)
	}

	if _, err := transport.InvokeAll(ctx, t.rpc, requests, t.config.Concurrency); err != nil {
		return 0, err
	}
	t.metrics.RecordTxForwarded(forwarded)
	return forwarded, nil
}

// splitRecord turns a batch write into one put per key so each key can be routed alone
func splitRecord(rec model.WriteRecord) []model.WriteRecord {
	if rec.Type != model.CommandPutMap {
		return []model.WriteRecord{rec}
	}
	out := make([]model.WriteRecord, 0, len(rec.Entries))
	for k, v := range rec.Entries {
		out = append(out, model.WriteRecord{
			Type:     model.CommandPut,
			Key:      k,
			Value:    v,
			Lifespan: rec.Lifespan,
		})
	}
	return out
}
