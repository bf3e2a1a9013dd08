package store

import (
	"slices"
	"time"
)

type PickupKind string

const (
	PipelinePickupKind PickupKind = "pipeline"
	ReleasePickupKind  PickupKind = "release"
)

// pickupTable resolves the table a pickup kind lives in.
func (k PickupKind) pickupTable() string {
	if k == ReleasePickupKind {
		return "release_pickups"
	}
	return "pipeline_pickups"
}

type PickupStatus string

const (
	PickupPending    PickupStatus = "pending"
	PickupPickedUp   PickupStatus = "picked_up"
	PickupInProgress PickupStatus = "in_progress"
	PickupCompleted  PickupStatus = "completed"
	PickupFailed     PickupStatus = "failed"
	PickupCancelled  PickupStatus = "cancelled"
)

func (s PickupStatus) Terminal() bool {
	switch s {
	case PickupCompleted, PickupFailed, PickupCancelled:
		return true
	}
	return false
}

// pickupTransitions lists, per target state, the states a pickup may move from.
var pickupTransitions = map[PickupStatus][]PickupStatus{
	PickupPickedUp:   {PickupPending},
	PickupInProgress: {PickupPickedUp},
	PickupCompleted:  {PickupInProgress},
	PickupFailed:     {PickupInProgress},
	PickupCancelled:  {PickupPending, PickupPickedUp},
}

// PickupSources returns the states from which a pickup may move to the given state.
func PickupSources(to PickupStatus) []PickupStatus {
	return pickupTransitions[to]
}

func CanTransitionPickup(from, to PickupStatus) bool {
	return slices.Contains(pickupTransitions[to], from)
}

// timestampColumn is the lifecycle column stamped when a pickup enters the state.
func (s PickupStatus) timestampColumn() string {
	switch s {
	case PickupPickedUp:
		return "picked_up_at"
	case PickupInProgress:
		return "started_at"
	default:
		return "completed_at"
	}
}

type Pickup struct {
	PickupID     int64        `json:"pickup_id"`
	AgentID      int64        `json:"agent_id"`
	AgentUUID    string       `json:"agent_uuid"`
	AgentName    string       `json:"agent_name"`
	Status       PickupStatus `json:"status"`
	Priority     int64        `json:"priority"`
	CreatedAt    time.Time    `json:"created_at"`
	PickedUpAt   *time.Time   `json:"picked_up_at"`
	StartedAt    *time.Time   `json:"started_at"`
	CompletedAt  *time.Time   `json:"completed_at"`
	ErrorMessage *string      `json:"error_message"`
	RetryCount   int64        `json:"retry_count"`
	MaxRetries   int64        `json:"max_retries"`
	Revision     int64        `json:"revision"`
}

type PipelinePickup struct {
	Pickup
	PipelineExecutionID int64 `json:"pipeline_execution_id"`
	PipelineID          int64 `json:"pipeline_id"`

	Parameters map[string]string `json:"parameters,omitempty" db:"-"`
}

type ReleasePickup struct {
	Pickup
	ReleaseExecutionID int64 `json:"release_execution_id"`
	StageExecutionID   int64 `json:"stage_execution_id"`

	Parameters map[string]string `json:"parameters,omitempty" db:"-"`
}
