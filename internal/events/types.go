// Package events provides in-process event publishing for planforge.
package events

import "time"

// Type identifies an event kind.
type Type string

const (
	// EventPhaseStarted fires when a phase enters InProgress.
	EventPhaseStarted Type = "phase_started"
	// EventPhaseCompleted fires when a phase completes.
	EventPhaseCompleted Type = "phase_completed"
	// EventPhaseFailed fires when a phase fails.
	EventPhaseFailed Type = "phase_failed"
	// EventPhaseSkipped fires when a phase is skipped.
	EventPhaseSkipped Type = "phase_skipped"
	// EventPhaseNeedsRerun fires when a phase is marked stale.
	EventPhaseNeedsRerun Type = "phase_needs_rerun"
	// EventBudgetRecorded fires after a ledger entry is written.
	EventBudgetRecorded Type = "budget_recorded"
	// EventOperationApplied fires when a plan operation is applied.
	EventOperationApplied Type = "operation_applied"
	// EventOperationPending fires when an operation queues for approval.
	EventOperationPending Type = "operation_pending"
	// EventBackupCreated fires when a snapshot completes.
	EventBackupCreated Type = "backup_created"
)

// Event is a single pipeline event.
type Event struct {
	Type    Type
	PhaseID string
	Data    any
	Time    time.Time
}

// PhaseTransitionData carries details of a phase state change.
type PhaseTransitionData struct {
	From   string
	To     string
	Reason string
	Error  string
}

// BudgetRecordedData carries details of a ledger append.
type BudgetRecordedData struct {
	Operation string
	Amount    float64
	Remaining float64
}

// OperationData carries details of a plan operation event.
type OperationData struct {
	OperationID string
	OpType      string
	Confidence  float64
	Approval    string
}
