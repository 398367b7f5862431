package model

import "time"

// ViewChange is delivered by a membership source whenever the member list changes
type ViewChange struct {
	ViewID     int
	OldMembers []Address
	NewMembers []Address
	Timestamp  time.Time
}

// Joiners returns members present in the new view only
func (v ViewChange) Joiners() []Address {
	joiners := make([]Address, 0)
	for _, a := range v.NewMembers {
		if !ContainsAddress(v.OldMembers, a) {
			joiners = append(joiners, a)
		}
	}
	return joiners
}

// Leavers returns members present in the old view only
func (v ViewChange) Leavers() []Address {
	leavers := make([]Address, 0)
	for _, a := range v.OldMembers {
		if !ContainsAddress(v.NewMembers, a) {
			leavers = append(leavers, a)
		}
	}
	return leavers
}

// RehashType describes the membership delta driving a rehash
type RehashType string

const (
	// RehashTypeJoin means at least one member joined and none left
	RehashTypeJoin RehashType = "join"
	// RehashTypeLeave means at least one member left
	RehashTypeLeave RehashType = "leave"
)

// RehashStatus represents the outcome of a rehash attempt
type RehashStatus string

const (
	// RehashStatusInProgress indicates the task is running
	RehashStatusInProgress RehashStatus = "in_progress"
	// RehashStatusCompleted indicates the new hash was installed
	RehashStatusCompleted RehashStatus = "completed"
	// RehashStatusFailed indicates the task failed and the old hash stays installed
	RehashStatusFailed RehashStatus = "failed"
)

// RehashPhase represents the step a rehash task is executing
type RehashPhase string

const (
	// RehashPhaseUnion installs the union of the old and new hash
	RehashPhaseUnion RehashPhase = "union"
	// RehashPhaseStatePush pushes entries to their new owners
	RehashPhaseStatePush RehashPhase = "state_push"
	// RehashPhaseTxLogReplay forwards writes logged during the push
	RehashPhaseTxLogReplay RehashPhase = "tx_log_replay"
	// RehashPhaseCutover installs the new hash alone
	RehashPhaseCutover RehashPhase = "cutover"
	// RehashPhaseInvalidation drops copies held by former owners
	RehashPhaseInvalidation RehashPhase = "invalidation"
)

// RehashReport summarizes a finished rehash task
type RehashReport struct {
	TaskID             string       `json:"task_id"`
	ViewID             int          `json:"view_id"`
	Type               RehashType   `json:"type"`
	Status             RehashStatus `json:"status"`
	Phase              RehashPhase  `json:"phase"`
	EntriesPushed      int          `json:"entries_pushed"`
	KeysInvalidated    int          `json:"keys_invalidated"`
	TxRecordsForwarded int          `json:"tx_records_forwarded"`
	StartedAt          time.Time    `json:"started_at"`
	CompletedAt        time.Time    `json:"completed_at,omitempty"`
	ErrorMessage       string       `json:"error_message,omitempty"`
}
