// Package events provides an event system for transaction, chaos and recovery notifications.
package events

import "time"

// EventType represents the type of event
type EventType string

const (
	// EventTxnRetry is emitted when a begin request timed out and is retried
	EventTxnRetry EventType = "txn_retry"
	// EventTxnCommit is emitted when a transaction attempt ends committed
	EventTxnCommit EventType = "txn_commit"
	// EventTxnAbort is emitted when a transaction attempt ends aborted
	EventTxnAbort EventType = "txn_abort"
	// EventChaosAttack is emitted when a chaos attack hits a coordinator
	EventChaosAttack EventType = "chaos_attack"
	// EventChaosResume is emitted when a suspended coordinator is auto-resumed by chaos
	EventChaosResume EventType = "chaos_resume"
	// EventRecoveryStart is emitted when recovery attempts to restore a coordinator
	EventRecoveryStart EventType = "recovery_start"
	// EventRecoverySuccess is emitted when recovery successfully restores a coordinator
	EventRecoverySuccess EventType = "recovery_success"
	// EventRecoveryFailed is emitted when recovery fails to restore a coordinator
	EventRecoveryFailed EventType = "recovery_failed"
)

// AttackType represents the type of chaos attack
type AttackType string

const (
	AttackTypeKill    AttackType = "kill"
	AttackTypeSuspend AttackType = "suspend"
	AttackTypeDelay   AttackType = "delay"
)

// Event represents a transaction, chaos or recovery event
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Data      EventData `json:"data,omitempty"`
}

// EventData contains event-specific data
type EventData struct {
	AttackType    AttackType `json:"attack_type,omitempty"`
	DelayDuration string     `json:"delay_duration,omitempty"`
	Attempt       int        `json:"attempt,omitempty"`
	Error         string     `json:"error,omitempty"`
	Epoch         uint64     `json:"epoch,omitempty"`
	Coordinator   string     `json:"coordinator,omitempty"`
	Rounds        int        `json:"rounds,omitempty"`
}

// NewTxnRetryEvent creates an event for a timed-out begin that is retried
func NewTxnRetryEvent(client string, retry int, coordinator string) Event {
	return Event{
		Type:      EventTxnRetry,
		Timestamp: time.Now(),
		Source:    client,
		Data: EventData{
			Attempt:     retry,
			Coordinator: coordinator,
		},
	}
}

// NewTxnResultEvent creates a commit or abort event for a finished attempt
func NewTxnResultEvent(client string, commit bool, epoch uint64, coordinator string, rounds int) Event {
	eventType := EventTxnAbort
	if commit {
		eventType = EventTxnCommit
	}
	return Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Source:    client,
		Data: EventData{
			Epoch:       epoch,
			Coordinator: coordinator,
			Rounds:      rounds,
		},
	}
}

// NewChaosAttackEvent creates a new chaos attack event
func NewChaosAttackEvent(coordinator string, attackType AttackType) Event {
	return Event{
		Type:      EventChaosAttack,
		Timestamp: time.Now(),
		Source:    coordinator,
		Data: EventData{
			AttackType: attackType,
		},
	}
}

// NewChaosAttackEventWithDelay creates a chaos attack event for delay injection
func NewChaosAttackEventWithDelay(coordinator string, delay time.Duration) Event {
	return Event{
		Type:      EventChaosAttack,
		Timestamp: time.Now(),
		Source:    coordinator,
		Data: EventData{
			AttackType:    AttackTypeDelay,
			DelayDuration: delay.String(),
		},
	}
}

// NewChaosResumeEvent creates a chaos resume event
func NewChaosResumeEvent(coordinator string) Event {
	return Event{
		Type:      EventChaosResume,
		Timestamp: time.Now(),
		Source:    coordinator,
	}
}

// NewRecoveryStartEvent creates a recovery start event
func NewRecoveryStartEvent(coordinator string, attempt int) Event {
	return Event{
		Type:      EventRecoveryStart,
		Timestamp: time.Now(),
		Source:    coordinator,
		Data: EventData{
			Attempt: attempt,
		},
	}
}

// NewRecoverySuccessEvent creates a recovery success event
func NewRecoverySuccessEvent(coordinator string) Event {
	return Event{
		Type:      EventRecoverySuccess,
		Timestamp: time.Now(),
		Source:    coordinator,
	}
}

// NewRecoveryFailedEvent creates a recovery failed event
func NewRecoveryFailedEvent(coordinator string, err error) Event {
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	return Event{
		Type:      EventRecoveryFailed,
		Timestamp: time.Now(),
		Source:    coordinator,
		Data: EventData{
			Error: errMsg,
		},
	}
}
