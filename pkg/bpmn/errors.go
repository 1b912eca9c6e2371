package bpmn

import (
	"fmt"
	"time"

	"github.com/fluxbpm/fluxbpm/pkg/bpmn/runtime"
)

type EngineError struct {
	Msg string
}

func (e *EngineError) Error() string {
	return e.Msg
}

// newEngineErrorf uses fmt.Sprintf(format, a...) to format the message
func newEngineErrorf(format string, a ...interface{}) error {
	return &EngineError{
		Msg: fmt.Sprintf(format, a...),
	}
}

// EventCreationError signals a bad model or a malformed registration
// (duplicate waiting event, unsupported trigger/event-type combination), as
// opposed to an infrastructure failure.
type EventCreationError struct {
	Msg string
	Err error
}

func (e *EventCreationError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *EventCreationError) Unwrap() error {
	return e.Err
}

func newEventCreationErrorf(format string, a ...interface{}) error {
	return &EventCreationError{
		Msg: fmt.Sprintf(format, a...),
	}
}

// StartLimitError is raised when the sliding-window start counter is full.
type StartLimitError struct {
	Limit  int
	Window time.Duration
}

func (e *StartLimitError) Error() string {
	return fmt.Sprintf("Process start limit (%d per %s) reached", e.Limit, e.Window)
}

// IllegalStateTransitionError is raised when a transition table holds no
// mapping for the current state. Terminal distinguishes the expected
// "no further transition because terminal" case, where the caller should
// stop, from a dead end in a non-terminal state, which is a table bug.
type IllegalStateTransitionError struct {
	FlowNodeInstanceKey int64
	StateId             runtime.StateID
	Category            runtime.StateCategory
	Terminal            bool
}

func (e *IllegalStateTransitionError) Error() string {
	if e.Terminal {
		return fmt.Sprintf("flow node instance %d: state %s (category %s) is terminal, no further transition",
			e.FlowNodeInstanceKey, e.StateId, e.Category)
	}
	return fmt.Sprintf("flow node instance %d: no transition from non-terminal state %s (category %s), transition table is incomplete",
		e.FlowNodeInstanceKey, e.StateId, e.Category)
}

// EscalationError signals a configuration inconsistency found by the error
// escalation search. Fatal, never guessed at.
type EscalationError struct {
	Msg string
}

func (e *EscalationError) Error() string {
	return e.Msg
}

func newEscalationErrorf(format string, a ...interface{}) error {
	return &EscalationError{
		Msg: fmt.Sprintf(format, a...),
	}
}
