package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// StopLossState is the lifecycle state of a stop-loss rule.
type StopLossState string

const (
	StopLossArmed     StopLossState = "ARMED"
	StopLossTriggered StopLossState = "TRIGGERED"
	StopLossExecuting StopLossState = "EXECUTING"
	StopLossExecuted  StopLossState = "EXECUTED"
	StopLossFailed    StopLossState = "FAILED"
	StopLossRemoved   StopLossState = "REMOVED"
)

var stopLossTransitions = map[StopLossState][]StopLossState{
	StopLossArmed:     {StopLossTriggered, StopLossRemoved},
	StopLossTriggered: {StopLossExecuting, StopLossRemoved},
	// ARMED is the retry revert, the only backward edge.
	StopLossExecuting: {StopLossExecuted, StopLossFailed, StopLossArmed},
}

// CanTransition reports whether s -> to is a legal rule transition.
func (s StopLossState) CanTransition(to StopLossState) bool {
	for _, next := range stopLossTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s StopLossState) Terminal() bool {
	return len(stopLossTransitions[s]) == 0
}

// Claimed reports whether an execution owns the rule.
func (s StopLossState) Claimed() bool {
	return s == StopLossTriggered || s == StopLossExecuting
}

// ActiveStopLossStates are the non-terminal states; a position has at most
// one rule in any of them.
var ActiveStopLossStates = []StopLossState{StopLossArmed, StopLossTriggered, StopLossExecuting}

// Direction says which way a price must move to fire a stop loss.
type Direction string

const (
	// DirectionLong protects a held outcome token: fires when price <= trigger.
	DirectionLong Direction = "LONG"
	// DirectionShort fires when price >= trigger.
	DirectionShort Direction = "SHORT"
)

// Crossed reports whether price has moved against the holder through trigger.
func (d Direction) Crossed(price, trigger decimal.Decimal) bool {
	if d == DirectionShort {
		return price.GreaterThanOrEqual(trigger)
	}
	return price.LessThanOrEqual(trigger)
}

// StopLossRule belongs to exactly one position.
type StopLossRule struct {
	ID           string
	PositionID   string
	UserID       string
	TokenID      string
	TriggerPrice decimal.Decimal
	Direction    Direction
	State        StopLossState
	// Failures counts consecutive retryable execution failures.
	Failures int
	// Unconfirmed is set when a sell submission timed out and the venue
	// state must be reconciled before the rule is evaluated again.
	Unconfirmed bool
	LastError   string
	SellOrderID string
	TriggeredAt *time.Time
	ExecutedAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// StopLossUpdate carries the fields written alongside a state transition.
// Nil pointers leave the column unchanged.
type StopLossUpdate struct {
	Failures    *int
	Unconfirmed *bool
	LastError   *string
	SellOrderID *string
}

// ArmedStopLoss pairs an ARMED rule with its position for one scan.
type ArmedStopLoss struct {
	Rule     StopLossRule
	Position Position
}

// TakeProfitState is the lifecycle state of a take-profit rule.
type TakeProfitState string

const (
	TakeProfitNone      TakeProfitState = "NONE"
	TakeProfitPlaced    TakeProfitState = "PLACED"
	TakeProfitFilled    TakeProfitState = "FILLED"
	TakeProfitCancelled TakeProfitState = "CANCELLED"
)

var takeProfitTransitions = map[TakeProfitState][]TakeProfitState{
	TakeProfitNone: {TakeProfitPlaced},
	// PLACED -> PLACED is an edit.
	TakeProfitPlaced: {TakeProfitPlaced, TakeProfitFilled, TakeProfitCancelled},
}

// CanTransition reports whether s -> to is a legal rule transition.
func (s TakeProfitState) CanTransition(to TakeProfitState) bool {
	for _, next := range takeProfitTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s TakeProfitState) Terminal() bool {
	return len(takeProfitTransitions[s]) == 0
}

// TakeProfitRule belongs to exactly one position and owns at most one resting
// order, identified by OrderID.
type TakeProfitRule struct {
	ID          string
	PositionID  string
	UserID      string
	TokenID     string
	TargetPrice decimal.Decimal
	OrderID     string
	State       TakeProfitState
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
