package bpmn

import (
	"github.com/fluxbpm/fluxbpm/pkg/bpmn/model"
	"github.com/fluxbpm/fluxbpm/pkg/bpmn/runtime"
)

// TransitionTable maps a current state to its successor within one category.
type TransitionTable map[runtime.StateID]runtime.StateID

// FlowNodeTransitions bundles the three category tables of one flow-node
// type. Each exceptional table defines exactly one entry point under the
// runtime.StateEntry sentinel, reachable from any normal state.
type FlowNodeTransitions struct {
	Normal     TransitionTable
	Aborting   TransitionTable
	Cancelling TransitionTable
}

var defaultAborting = TransitionTable{
	runtime.StateEntry:    runtime.StateAborting,
	runtime.StateAborting: runtime.StateAborted,
}

var defaultCancelling = TransitionTable{
	runtime.StateEntry:      runtime.StateCancelling,
	runtime.StateCancelling: runtime.StateCancelled,
}

// flowNodeTransitions is the process-wide read-only transition registry,
// built once at package init.
var flowNodeTransitions = map[model.FlowNodeType]FlowNodeTransitions{
	model.FlowNodeTypeActivity: {
		Normal: TransitionTable{
			runtime.StateInitializing: runtime.StateReady,
			runtime.StateReady:        runtime.StateExecuting,
			runtime.StateExecuting:    runtime.StateCompleting,
			runtime.StateCompleting:   runtime.StateCompleted,
		},
		Aborting:   defaultAborting,
		Cancelling: defaultCancelling,
	},
	model.FlowNodeTypeGateway: {
		Normal: TransitionTable{
			runtime.StateInitializing: runtime.StateExecuting,
			runtime.StateExecuting:    runtime.StateCompleted,
		},
		Aborting:   defaultAborting,
		Cancelling: defaultCancelling,
	},
	model.FlowNodeTypeCatchEvent: {
		Normal: TransitionTable{
			runtime.StateInitializing: runtime.StateWaiting,
			runtime.StateWaiting:      runtime.StateExecuting,
			runtime.StateExecuting:    runtime.StateCompleted,
		},
		Aborting:   defaultAborting,
		Cancelling: defaultCancelling,
	},
	model.FlowNodeTypeThrowEvent: {
		Normal: TransitionTable{
			runtime.StateInitializing: runtime.StateExecuting,
			runtime.StateExecuting:    runtime.StateCompleted,
		},
		Aborting:   defaultAborting,
		Cancelling: defaultCancelling,
	},
	model.FlowNodeTypeReceiveTask: {
		Normal: TransitionTable{
			runtime.StateInitializing: runtime.StateWaiting,
			runtime.StateWaiting:      runtime.StateExecuting,
			runtime.StateExecuting:    runtime.StateCompleting,
			runtime.StateCompleting:   runtime.StateCompleted,
		},
		Aborting:   defaultAborting,
		Cancelling: defaultCancelling,
	},
	model.FlowNodeTypeSubProcess: {
		Normal: TransitionTable{
			runtime.StateInitializing: runtime.StateReady,
			runtime.StateReady:        runtime.StateExecuting,
			runtime.StateExecuting:    runtime.StateCompleting,
			runtime.StateCompleting:   runtime.StateCompleted,
		},
		Aborting:   defaultAborting,
		Cancelling: defaultCancelling,
	},
	model.FlowNodeTypeCallActivity: {
		Normal: TransitionTable{
			runtime.StateInitializing: runtime.StateReady,
			runtime.StateReady:        runtime.StateExecuting,
			runtime.StateExecuting:    runtime.StateCompleting,
			runtime.StateCompleting:   runtime.StateCompleted,
		},
		Aborting:   defaultAborting,
		Cancelling: defaultCancelling,
	},
}

func transitionsFor(nodeType model.FlowNodeType) FlowNodeTransitions {
	if t, ok := flowNodeTransitions[nodeType]; ok {
		return t
	}
	return flowNodeTransitions[model.FlowNodeTypeActivity]
}

// NormalTransitionManager resolves the next state of a flow node whose
// category is NORMAL.
type NormalTransitionManager struct{}

func (NormalTransitionManager) GetNextState(instance runtime.FlowNodeInstance) (runtime.StateID, error) {
	table := transitionsFor(instance.NodeType).Normal
	next, ok := table[instance.StateId]
	if !ok {
		return 0, &IllegalStateTransitionError{
			FlowNodeInstanceKey: instance.Key,
			StateId:             instance.StateId,
			Category:            instance.StateCategory,
			Terminal:            instance.StateId.IsTerminal(),
		}
	}
	return next, nil
}

// ExceptionalTransitionManager resolves the next state of a flow node whose
// category is ABORTING or CANCELLING. A node interrupted out of a normal
// state resolves its first exceptional step through the StateEntry sentinel;
// once inside the category, lookups use the state id directly.
type ExceptionalTransitionManager struct{}

func (ExceptionalTransitionManager) GetNextState(instance runtime.FlowNodeInstance) (runtime.StateID, error) {
	transitions := transitionsFor(instance.NodeType)
	var table TransitionTable
	switch instance.StateCategory {
	case runtime.StateCategoryAborting:
		table = transitions.Aborting
	case runtime.StateCategoryCancelling:
		table = transitions.Cancelling
	default:
		return 0, newEngineErrorf("flow node instance %d: exceptional transition requested in category %s",
			instance.Key, instance.StateCategory)
	}

	lookup := instance.StateId
	if instance.StateId.CategoryOf() != instance.StateCategory {
		lookup = runtime.StateEntry
	}
	next, ok := table[lookup]
	if !ok {
		return 0, &IllegalStateTransitionError{
			FlowNodeInstanceKey: instance.Key,
			StateId:             instance.StateId,
			Category:            instance.StateCategory,
			Terminal:            instance.StateId.IsTerminal(),
		}
	}
	return next, nil
}
