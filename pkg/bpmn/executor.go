package bpmn

import (
	"context"

	"github.com/fluxbpm/fluxbpm/pkg/bpmn/model"
	"github.com/fluxbpm/fluxbpm/pkg/bpmn/runtime"
	"github.com/fluxbpm/fluxbpm/pkg/expr"
)

// FlowNodeExecutor is the execution loop the event subsystem reports into.
// The subsystem decides *that* and *where* execution resumes; the executor
// owns *how* flow nodes actually run.
type FlowNodeExecutor interface {
	// InstantiateProcess creates a brand-new process instance and starts
	// execution at the given flow node
	InstantiateProcess(ctx context.Context, processDefinitionKey int64, targetFlowNodeId string, operations []model.Operation, variables map[string]any) (*runtime.ProcessInstance, error)

	// CreateFlowNodeInstance creates a flow-node instance record for the
	// given definition node inside the process instance, without executing it
	CreateFlowNodeInstance(ctx context.Context, processInstanceKey int64, flowNodeId string) (*runtime.FlowNodeInstance, error)

	// ExecuteFlowNode (re-)enters the flow node; operation evaluation and
	// node execution stay on the caller's logical thread so message-scoped
	// data deleted after consumption cannot be lost to a deferred read
	ExecuteFlowNode(ctx context.Context, instance runtime.FlowNodeInstance, operations []model.Operation, variables map[string]any) error

	// NotifyChildFinished tells the container that a terminal child is done
	// so completion bookkeeping proceeds without re-execution
	NotifyChildFinished(ctx context.Context, instance runtime.FlowNodeInstance) error
}

// OperationExecutor applies data-assignment operations against a container.
type OperationExecutor interface {
	Apply(ctx context.Context, containerKey int64, containerType expr.ContainerType, operations []model.Operation, variables map[string]any) error
}

// LockService serializes access to flow nodes the subsystem did not itself
// create. The returned release function must always be called.
type LockService interface {
	Lock(ctx context.Context, flowNodeInstanceKey int64) (release func(), err error)
}

type noopLockService struct{}

func (noopLockService) Lock(ctx context.Context, flowNodeInstanceKey int64) (func(), error) {
	return func() {}, nil
}
