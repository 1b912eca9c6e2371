package bpmn

import (
	"context"
	"fmt"

	"github.com/fluxbpm/fluxbpm/pkg/bpmn/model"
	"github.com/fluxbpm/fluxbpm/pkg/bpmn/runtime"
	"github.com/fluxbpm/fluxbpm/pkg/storage"
	"github.com/hashicorp/go-hclog"
)

// ProcessInstanceInterruptor switches a live instance tree into an
// exceptional life-cycle category. Non-terminal children and gateways are
// re-executed under the new category; already terminal children only notify
// the container so completion bookkeeping still runs.
type ProcessInstanceInterruptor struct {
	store    storage.Storage
	executor FlowNodeExecutor
	logger   hclog.Logger
}

func NewProcessInstanceInterruptor(store storage.Storage, executor FlowNodeExecutor, logger hclog.Logger) *ProcessInstanceInterruptor {
	return &ProcessInstanceInterruptor{
		store:    store,
		executor: executor,
		logger:   logger.Named("interruptor"),
	}
}

// InterruptProcessInstance interrupts every direct flow-node instance of the
// process instance and finally the instance itself. Returns true when at
// least one child was interrupted.
func (i *ProcessInstanceInterruptor) InterruptProcessInstance(ctx context.Context, processInstanceKey int64, category runtime.StateCategory) (bool, error) {
	return i.InterruptProcessInstanceExcept(ctx, processInstanceKey, category, 0)
}

// InterruptProcessInstanceExcept behaves like InterruptProcessInstance but
// leaves the flow node with the excluded key untouched, so the node that
// caused the interruption (e.g. a freshly created event sub-process root) is
// not re-entered.
func (i *ProcessInstanceInterruptor) InterruptProcessInstanceExcept(ctx context.Context, processInstanceKey int64, category runtime.StateCategory, excludedFlowNodeInstanceKey int64) (bool, error) {
	children, err := i.store.FindProcessInstanceFlowNodes(ctx, processInstanceKey)
	if err != nil {
		return false, fmt.Errorf("failed to load flow nodes of process instance %d: %w", processInstanceKey, err)
	}

	anyInterrupted, err := i.interruptFlowNodes(ctx, children, category, excludedFlowNodeInstanceKey)
	if err != nil {
		return anyInterrupted, err
	}

	instance, err := i.store.FindProcessInstanceByKey(ctx, processInstanceKey)
	if err != nil {
		return anyInterrupted, fmt.Errorf("failed to load process instance %d: %w", processInstanceKey, err)
	}
	instance.StateCategory = category
	if err := i.store.SaveProcessInstance(ctx, instance); err != nil {
		return anyInterrupted, fmt.Errorf("failed to save process instance %d: %w", processInstanceKey, err)
	}
	return anyInterrupted, nil
}

// InterruptChildrenOfFlowNodeInstance interrupts only the direct children of
// the given activity instance, never the activity itself. Used by the error
// and terminate strategies, which must not touch the node issuing the
// interruption.
func (i *ProcessInstanceInterruptor) InterruptChildrenOfFlowNodeInstance(ctx context.Context, parentActivityKey int64, category runtime.StateCategory, excludedFlowNodeInstanceKey int64) (bool, error) {
	children, err := i.store.FindChildFlowNodeInstances(ctx, parentActivityKey)
	if err != nil {
		return false, fmt.Errorf("failed to load children of flow node instance %d: %w", parentActivityKey, err)
	}
	return i.interruptFlowNodes(ctx, children, category, excludedFlowNodeInstanceKey)
}

func (i *ProcessInstanceInterruptor) interruptFlowNodes(ctx context.Context, children []runtime.FlowNodeInstance, category runtime.StateCategory, excludedKey int64) (bool, error) {
	anyInterrupted := false
	for _, child := range children {
		if child.Key == excludedKey {
			continue
		}
		anyInterrupted = true

		child.StateCategory = category
		if err := i.store.SaveFlowNodeInstance(ctx, child); err != nil {
			return anyInterrupted, fmt.Errorf("failed to save flow node instance %d: %w", child.Key, err)
		}

		// gateways are always re-evaluated, whatever their stable/terminal
		// flags say
		if child.NodeType != model.FlowNodeTypeGateway && child.Terminal {
			if err := i.executor.NotifyChildFinished(ctx, child); err != nil {
				return anyInterrupted, fmt.Errorf("failed to notify finish of flow node instance %d: %w", child.Key, err)
			}
			continue
		}
		i.logger.Debug("re-executing interrupted flow node", "key", child.Key, "category", category)
		if err := i.executor.ExecuteFlowNode(ctx, child, nil, nil); err != nil {
			return anyInterrupted, fmt.Errorf("failed to execute flow node instance %d: %w", child.Key, err)
		}
	}
	return anyInterrupted, nil
}
