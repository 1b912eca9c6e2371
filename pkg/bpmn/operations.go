package bpmn

import (
	"context"
	"fmt"

	"github.com/fluxbpm/fluxbpm/pkg/bpmn/model"
	"github.com/fluxbpm/fluxbpm/pkg/expr"
	"github.com/fluxbpm/fluxbpm/pkg/storage"
)

// storageOperationExecutor evaluates operations against the owning process
// instance's variables and persists the result. A flow-node container is
// resolved to its process instance first; flow nodes hold no variables of
// their own.
type storageOperationExecutor struct {
	store    storage.Storage
	resolver expr.Resolver
}

var _ OperationExecutor = &storageOperationExecutor{}

func NewOperationExecutor(store storage.Storage, resolver expr.Resolver) OperationExecutor {
	return &storageOperationExecutor{store: store, resolver: resolver}
}

func (e *storageOperationExecutor) Apply(ctx context.Context, containerKey int64, containerType expr.ContainerType, operations []model.Operation, variables map[string]any) error {
	if len(operations) == 0 && len(variables) == 0 {
		return nil
	}

	processInstanceKey := containerKey
	if containerType == expr.ContainerTypeFlowNodeInstance {
		fni, err := e.store.FindFlowNodeInstanceByKey(ctx, containerKey)
		if err != nil {
			return fmt.Errorf("failed to load flow node instance %d: %w", containerKey, err)
		}
		processInstanceKey = fni.ProcessInstanceKey
	}

	instance, err := e.store.FindProcessInstanceByKey(ctx, processInstanceKey)
	if err != nil {
		return fmt.Errorf("failed to load process instance %d: %w", processInstanceKey, err)
	}
	if instance.Variables == nil {
		instance.Variables = map[string]any{}
	}

	// trigger-scoped data first, so operations can read it
	for name, value := range variables {
		instance.Variables[name] = value
	}

	evalCtx := expr.Context{
		ContainerKey:         containerKey,
		ContainerType:        containerType,
		ProcessDefinitionKey: instance.ProcessDefinitionKey,
		Variables:            instance.Variables,
	}
	for _, op := range operations {
		value, err := e.resolver.Evaluate(op.Expression, evalCtx)
		if err != nil {
			return err
		}
		instance.Variables[op.TargetVariable] = value
	}

	if err := e.store.SaveProcessInstance(ctx, instance); err != nil {
		return fmt.Errorf("failed to save process instance %d: %w", processInstanceKey, err)
	}
	return nil
}
