package bpmn

import (
	"context"

	"github.com/fluxbpm/fluxbpm/pkg/bpmn/model"
	"github.com/fluxbpm/fluxbpm/pkg/bpmn/runtime"
	"github.com/hashicorp/go-hclog"
)

// terminateEventHandler tears down the container the throwing node lives
// in: the whole process instance for a top-level terminate end, only the
// embedding activity's children otherwise. Terminate has no catch side.
type terminateEventHandler struct {
	interruptor *ProcessInstanceInterruptor
	dispatcher  *EventDispatcher
	logger      hclog.Logger
}

var _ EventHandler = &terminateEventHandler{}

func (h *terminateEventHandler) HandleCatchEvent(ctx context.Context, scope eventScope, eventDef model.EventDefinition, trigger model.TriggerDefinition) error {
	return newEventCreationErrorf("terminate trigger on event %s cannot be caught", eventDef.Id)
}

func (h *terminateEventHandler) HandleEventSubProcess(ctx context.Context, scope eventScope, subProcess model.EventSubProcess, trigger model.TriggerDefinition) error {
	return newEventCreationErrorf("terminate trigger cannot start event sub-process %s", subProcess.Id)
}

func (h *terminateEventHandler) UnregisterCatchEvent(ctx context.Context, scope eventScope, eventDef model.EventDefinition, trigger model.TriggerDefinition) error {
	return nil
}

func (h *terminateEventHandler) HandleThrowEvent(ctx context.Context, scope eventScope, eventDef model.EventDefinition, trigger model.TriggerDefinition) error {
	if scope.processInstance == nil {
		return newEventCreationErrorf("terminate throw of event %s has no owning process instance", eventDef.Id)
	}
	// a terminate end inside an embedded sub-process only tears down that
	// container, not the whole instance
	var err error
	if scope.flowNodeInstance != nil && scope.flowNodeInstance.ParentActivityKey != 0 {
		_, err = h.interruptor.InterruptChildrenOfFlowNodeInstance(ctx, scope.flowNodeInstance.ParentActivityKey, runtime.StateCategoryAborting, scope.flowNodeInstance.Key)
	} else {
		var throwingKey int64
		if scope.flowNodeInstance != nil {
			throwingKey = scope.flowNodeInstance.Key
		}
		_, err = h.interruptor.InterruptProcessInstanceExcept(ctx, scope.processInstance.Key, runtime.StateCategoryAborting, throwingKey)
	}
	if err != nil {
		return err
	}
	h.dispatcher.metrics.InstancesInterrupted.Add(ctx, 1)
	h.logger.Debug("terminated process instance", "processInstanceKey", scope.processInstance.Key, "event", eventDef.Id)
	return nil
}

func (h *terminateEventHandler) HandlePostThrowEvent(ctx context.Context, scope eventScope, eventDef model.EventDefinition, trigger model.TriggerDefinition) (bool, error) {
	return false, nil
}

func (h *terminateEventHandler) HandleThrowTrigger(ctx context.Context, trigger model.TriggerDefinition, variables map[string]any) error {
	return newEventCreationErrorf("terminate trigger %s cannot be thrown without an owning flow node", trigger.Id)
}

func (h *terminateEventHandler) GetOperations(ctx context.Context, waitingEvent runtime.WaitingEvent, triggeringElementKey int64) ([]model.Operation, map[string]any, error) {
	return nil, nil, nil
}
