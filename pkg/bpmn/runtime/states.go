package runtime

// StateCategory governs which transition table applies to a flow-node
// instance. The three categories are mutually exclusive.
type StateCategory string

const (
	StateCategoryNormal     StateCategory = "NORMAL"
	StateCategoryAborting   StateCategory = "ABORTING"
	StateCategoryCancelling StateCategory = "CANCELLING"
)

// StateID identifies one flow-node life-cycle state.
type StateID int

// StateEntry is the sentinel key every exceptional transition table maps to
// its designated entry state. A flow node interrupted out of any normal state
// resolves its first abort/cancel step through this key.
const StateEntry StateID = -1

const (
	StateInitializing StateID = 1
	StateReady        StateID = 2
	StateExecuting    StateID = 3
	StateWaiting      StateID = 4
	StateCompleting   StateID = 5
	StateCompleted    StateID = 6

	StateAborting StateID = 10
	StateAborted  StateID = 11

	StateCancelling StateID = 20
	StateCancelled  StateID = 21
)

var stateNames = map[StateID]string{
	StateEntry:        "entry",
	StateInitializing: "initializing",
	StateReady:        "ready",
	StateExecuting:    "executing",
	StateWaiting:      "waiting",
	StateCompleting:   "completing",
	StateCompleted:    "completed",
	StateAborting:     "aborting",
	StateAborted:      "aborted",
	StateCancelling:   "cancelling",
	StateCancelled:    "cancelled",
}

func (s StateID) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

var stateCategories = map[StateID]StateCategory{
	StateInitializing: StateCategoryNormal,
	StateReady:        StateCategoryNormal,
	StateExecuting:    StateCategoryNormal,
	StateWaiting:      StateCategoryNormal,
	StateCompleting:   StateCategoryNormal,
	StateCompleted:    StateCategoryNormal,
	StateAborting:     StateCategoryAborting,
	StateAborted:      StateCategoryAborting,
	StateCancelling:   StateCategoryCancelling,
	StateCancelled:    StateCategoryCancelling,
}

// CategoryOf returns the life-cycle category a state id belongs to.
func (s StateID) CategoryOf() StateCategory {
	if c, ok := stateCategories[s]; ok {
		return c
	}
	return StateCategoryNormal
}

var terminalStates = map[StateID]bool{
	StateCompleted: true,
	StateAborted:   true,
	StateCancelled: true,
}

// IsTerminal reports whether no further transition exists from the state
// inside its own category.
func (s StateID) IsTerminal() bool {
	return terminalStates[s]
}

var stableStates = map[StateID]bool{
	StateReady:     true,
	StateWaiting:   true,
	StateCompleted: true,
	StateAborted:   true,
	StateCancelled: true,
}

// IsStable reports whether the state is a safe point for persistence/resume.
func (s StateID) IsStable() bool {
	return stableStates[s]
}
