package models

import (
	"errors"
	"fmt"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrStrategyNotFound = errors.New("strategy not found")
	ErrWalletRequired   = errors.New("real mode requires a bound wallet")
	ErrConfigInvalid    = errors.New("execution config invalid")
	ErrTradeTerminal    = errors.New("trade already in terminal status")
)

// StateTransitionError — недопустимая команда для текущего статуса сессии.
// Состояние сессии при этом не меняется.
type StateTransitionError struct {
	SessionID string
	From      SessionStatus
	Command   string
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("session %s: command %q not allowed from status %q", e.SessionID, e.Command, e.From)
}

// ValidationError — граф стратегии структурно невалиден.
type ValidationError struct {
	StrategyID string
	Issues     []string
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return fmt.Sprintf("strategy %s: validation failed", e.StrategyID)
	}
	return fmt.Sprintf("strategy %s: validation failed: %s", e.StrategyID, e.Issues[0])
}

// TimeoutError — тик или транзакция вышли за бюджет.
type TimeoutError struct {
	Op     string
	Budget string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Budget)
}

func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
