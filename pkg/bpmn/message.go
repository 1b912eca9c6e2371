package bpmn

import (
	"context"
	"fmt"
	"time"

	"github.com/fluxbpm/fluxbpm/pkg/bpmn/model"
	"github.com/fluxbpm/fluxbpm/pkg/bpmn/runtime"
	"github.com/fluxbpm/fluxbpm/pkg/expr"
	"github.com/fluxbpm/fluxbpm/pkg/ptr"
	"github.com/fluxbpm/fluxbpm/pkg/storage"
	"github.com/hashicorp/go-hclog"
)

type messageEventHandler struct {
	store       storage.Storage
	resolver    expr.Resolver
	correlation CorrelationEvaluator
	dispatcher  *EventDispatcher
	clock       func() time.Time
	logger      hclog.Logger
}

var _ EventHandler = &messageEventHandler{}

func (h *messageEventHandler) HandleCatchEvent(ctx context.Context, scope eventScope, eventDef model.EventDefinition, trigger model.TriggerDefinition) error {
	slots, err := h.correlation.EvaluateSlots(trigger.Correlations, scope.evalContext())
	if err != nil {
		return err
	}
	we := scope.newWaitingEvent(h.store.GenerateKey(), eventDef, trigger)
	we.MessageName = trigger.MessageName
	we.Correlations = slots
	if err := h.store.SaveWaitingEvent(ctx, we); err != nil {
		return wrapWaitingEventSaveError(eventDef, err)
	}
	return nil
}

func (h *messageEventHandler) HandleEventSubProcess(ctx context.Context, scope eventScope, subProcess model.EventSubProcess, trigger model.TriggerDefinition) error {
	slots, err := h.correlation.EvaluateSlots(trigger.Correlations, scope.evalContext())
	if err != nil {
		return err
	}
	we := scope.newWaitingEvent(h.store.GenerateKey(), subProcess.StartEvent, trigger)
	we.EventType = model.EventTypeEventSubProcessStart
	we.SubProcessId = subProcess.Id
	we.MessageName = trigger.MessageName
	we.Correlations = slots
	if err := h.store.SaveWaitingEvent(ctx, we); err != nil {
		return wrapWaitingEventSaveError(subProcess.StartEvent, err)
	}
	return nil
}

func (h *messageEventHandler) UnregisterCatchEvent(ctx context.Context, scope eventScope, eventDef model.EventDefinition, trigger model.TriggerDefinition) error {
	return deleteWaitingEvents(ctx, h.store, scope, model.TriggerTypeMessage, eventDef.FlowNodeId)
}

// HandleThrowEvent resolves the target names and persists a message instance
// carrying the correlation values and the throwing scope's variables. The
// variables stay attached to the message because operations on the resumed
// flow node may need them after the throwing instance has moved on.
func (h *messageEventHandler) HandleThrowEvent(ctx context.Context, scope eventScope, eventDef model.EventDefinition, trigger model.TriggerDefinition) error {
	_, err := h.publish(ctx, trigger, scope.evalContext())
	return err
}

// HandlePostThrowEvent correlates the just-published message against the
// active registrations and resumes the match, if any. Returns true when a
// follow-up action happened.
func (h *messageEventHandler) HandlePostThrowEvent(ctx context.Context, scope eventScope, eventDef model.EventDefinition, trigger model.TriggerDefinition) (bool, error) {
	slots, err := h.correlation.EvaluateSlots(trigger.Correlations, scope.evalContext())
	if err != nil {
		return false, err
	}
	return h.correlate(ctx, trigger.MessageName, slots)
}

func (h *messageEventHandler) HandleThrowTrigger(ctx context.Context, trigger model.TriggerDefinition, variables map[string]any) error {
	evalCtx := expr.Context{Variables: variables}
	msg, err := h.publish(ctx, trigger, evalCtx)
	if err != nil {
		return err
	}
	// API throws correlate eagerly; an unmatched message stays persisted
	// until a matching registration appears
	_, err = h.correlate(ctx, msg.MessageName, msg.Correlations)
	return err
}

func (h *messageEventHandler) publish(ctx context.Context, trigger model.TriggerDefinition, evalCtx expr.Context) (runtime.MessageInstance, error) {
	slots, err := h.correlation.EvaluateSlots(trigger.Correlations, evalCtx)
	if err != nil {
		return runtime.MessageInstance{}, err
	}

	targetProcess, err := h.resolveName(trigger.TargetProcessExpression, evalCtx)
	if err != nil {
		return runtime.MessageInstance{}, err
	}
	targetFlowNode, err := h.resolveName(trigger.TargetFlowNodeExpression, evalCtx)
	if err != nil {
		return runtime.MessageInstance{}, err
	}

	msg := runtime.MessageInstance{
		Key:            h.store.GenerateKey(),
		MessageName:    trigger.MessageName,
		TargetProcess:  targetProcess,
		TargetFlowNode: targetFlowNode,
		Correlations:   slots,
		Variables:      evalCtx.Variables,
		CreatedAt:      h.clock(),
	}
	if err := h.store.SaveMessageInstance(ctx, msg); err != nil {
		return msg, fmt.Errorf("failed to save message instance %s: %w", msg.MessageName, err)
	}
	h.logger.Debug("published message", "name", msg.MessageName, "key", msg.Key)
	return msg, nil
}

// correlate matches one persisted message instance with name and canonical
// slots against the active registrations and resumes the oldest match.
func (h *messageEventHandler) correlate(ctx context.Context, messageName string, slots runtime.CorrelationSlots) (bool, error) {
	matches, err := h.store.FindWaitingEvents(ctx, storage.WaitingEventFilter{
		TriggerType:  model.TriggerTypeMessage,
		MessageName:  messageName,
		Correlations: &slots,
		Active:       ptr.To(true),
	}, storage.Page{Limit: 1})
	if err != nil {
		return false, fmt.Errorf("failed to search waiting events for message %s: %w", messageName, err)
	}
	if len(matches) == 0 {
		return false, nil
	}

	messages, err := h.store.FindMessageInstances(ctx, messageName, slots)
	if err != nil {
		return false, fmt.Errorf("failed to load message instances for %s: %w", messageName, err)
	}
	if len(messages) == 0 {
		return false, nil
	}
	if err := h.dispatcher.TriggerCatchEvent(ctx, matches[0], messages[0].Key); err != nil {
		return false, err
	}
	return true, nil
}

// GetOperations re-resolves, from the persisted message instance and the
// catching flow node's definition, which operations must run against the
// resuming flow node, together with the message-scoped context data.
func (h *messageEventHandler) GetOperations(ctx context.Context, waitingEvent runtime.WaitingEvent, triggeringElementKey int64) ([]model.Operation, map[string]any, error) {
	var variables map[string]any
	if triggeringElementKey != 0 {
		msg, err := h.store.FindMessageInstanceByKey(ctx, triggeringElementKey)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load message instance %d: %w", triggeringElementKey, err)
		}
		variables = msg.Variables
	}

	def, err := h.store.FindProcessDefinitionByKey(ctx, waitingEvent.ProcessDefinitionKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load process definition %d: %w", waitingEvent.ProcessDefinitionKey, err)
	}
	if waitingEvent.SubProcessId != "" {
		if esp := def.EventSubProcess(waitingEvent.SubProcessId); esp != nil {
			return esp.StartEvent.Operations, variables, nil
		}
		return nil, variables, nil
	}
	if eventDef := def.EventForFlowNode(waitingEvent.FlowNodeDefinitionId); eventDef != nil {
		return eventDef.Operations, variables, nil
	}
	return nil, variables, nil
}

func (h *messageEventHandler) resolveName(expression string, evalCtx expr.Context) (string, error) {
	if expression == "" {
		return "", nil
	}
	v, err := h.resolver.Evaluate(expression, evalCtx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%v", v), nil
}
