package bpmn

import (
	"context"
	"errors"
	"fmt"

	"github.com/fluxbpm/fluxbpm/pkg/bpmn/model"
	"github.com/fluxbpm/fluxbpm/pkg/bpmn/runtime"
	"github.com/fluxbpm/fluxbpm/pkg/ptr"
	"github.com/fluxbpm/fluxbpm/pkg/storage"
	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru/v2"
)

// errorEventHandler routes thrown errors to the closest willing catcher:
// boundary events walking up the embedding activities, then the event
// sub-processes of the instance, then the caller of a call activity,
// recursively. At every step a specific error code wins over a catch-all.
type errorEventHandler struct {
	store       storage.Storage
	dispatcher  *EventDispatcher
	interruptor *ProcessInstanceInterruptor
	defCache    *lru.Cache[int64, model.ProcessDefinition]
	maxDepth    int
	logger      hclog.Logger
}

var _ EventHandler = &errorEventHandler{}

func newErrorEventHandler(store storage.Storage, dispatcher *EventDispatcher, interruptor *ProcessInstanceInterruptor, maxDepth int, logger hclog.Logger) (*errorEventHandler, error) {
	cache, err := lru.New[int64, model.ProcessDefinition](32)
	if err != nil {
		return nil, err
	}
	return &errorEventHandler{
		store:       store,
		dispatcher:  dispatcher,
		interruptor: interruptor,
		defCache:    cache,
		maxDepth:    maxDepth,
		logger:      logger.Named("error-events"),
	}, nil
}

func (h *errorEventHandler) HandleCatchEvent(ctx context.Context, scope eventScope, eventDef model.EventDefinition, trigger model.TriggerDefinition) error {
	we := scope.newWaitingEvent(h.store.GenerateKey(), eventDef, trigger)
	we.ErrorCode = trigger.ErrorCode
	if err := h.store.SaveWaitingEvent(ctx, we); err != nil {
		return wrapWaitingEventSaveError(eventDef, err)
	}
	return nil
}

func (h *errorEventHandler) HandleEventSubProcess(ctx context.Context, scope eventScope, subProcess model.EventSubProcess, trigger model.TriggerDefinition) error {
	we := scope.newWaitingEvent(h.store.GenerateKey(), subProcess.StartEvent, trigger)
	we.EventType = model.EventTypeEventSubProcessStart
	we.SubProcessId = subProcess.Id
	we.ErrorCode = trigger.ErrorCode
	if err := h.store.SaveWaitingEvent(ctx, we); err != nil {
		return wrapWaitingEventSaveError(subProcess.StartEvent, err)
	}
	return nil
}

func (h *errorEventHandler) UnregisterCatchEvent(ctx context.Context, scope eventScope, eventDef model.EventDefinition, trigger model.TriggerDefinition) error {
	return deleteWaitingEvents(ctx, h.store, scope, model.TriggerTypeError, eventDef.FlowNodeId)
}

// HandleThrowEvent claims the instance for this throw and aborts the
// siblings of the throwing node. The routing to a catcher happens in
// HandlePostThrowEvent, once the aborted subtree has settled.
func (h *errorEventHandler) HandleThrowEvent(ctx context.Context, scope eventScope, eventDef model.EventDefinition, trigger model.TriggerDefinition) error {
	if scope.processInstance == nil {
		return newEventCreationErrorf("error throw of event %s has no owning process instance", eventDef.Id)
	}
	instance := *scope.processInstance
	if instance.InterruptingEventId != "" {
		// a previous throw already claimed this instance
		return nil
	}
	instance.InterruptingEventId = eventDef.Id
	if err := h.store.SaveProcessInstance(ctx, instance); err != nil {
		return fmt.Errorf("failed to save process instance %d: %w", instance.Key, err)
	}
	scope.processInstance.InterruptingEventId = eventDef.Id

	var err error
	if scope.flowNodeInstance != nil && scope.flowNodeInstance.ParentActivityKey != 0 {
		_, err = h.interruptor.InterruptChildrenOfFlowNodeInstance(ctx, scope.flowNodeInstance.ParentActivityKey, runtime.StateCategoryAborting, scope.flowNodeInstance.Key)
	} else {
		var throwingKey int64
		if scope.flowNodeInstance != nil {
			throwingKey = scope.flowNodeInstance.Key
		}
		_, err = h.interruptor.InterruptProcessInstanceExcept(ctx, instance.Key, runtime.StateCategoryAborting, throwingKey)
	}
	if err != nil {
		return err
	}
	h.dispatcher.metrics.InstancesInterrupted.Add(ctx, 1)
	return nil
}

func (h *errorEventHandler) HandlePostThrowEvent(ctx context.Context, scope eventScope, eventDef model.EventDefinition, trigger model.TriggerDefinition) (bool, error) {
	if scope.processInstance == nil {
		return false, newEventCreationErrorf("error escalation of event %s has no owning process instance", eventDef.Id)
	}
	h.dispatcher.metrics.ErrorsEscalated.Add(ctx, 1)
	return h.escalate(ctx, *scope.processInstance, scope.flowNodeInstance, trigger.ErrorCode, 0)
}

func (h *errorEventHandler) HandleThrowTrigger(ctx context.Context, trigger model.TriggerDefinition, variables map[string]any) error {
	return newEventCreationErrorf("error trigger %s cannot be thrown without an owning flow node", trigger.Id)
}

// escalate searches one instance level for a catcher of errorCode and
// recurses into the caller when none is found. Returns false when the error
// stays unhandled at the root, which the caller treats as instance abortion.
func (h *errorEventHandler) escalate(ctx context.Context, instance runtime.ProcessInstance, origin *runtime.FlowNodeInstance, errorCode string, depth int) (bool, error) {
	if depth > h.maxDepth {
		return false, newEscalationErrorf("error escalation exceeded %d caller levels, the call-activity chain is malformed", h.maxDepth)
	}

	def, err := h.definition(ctx, instance.ProcessDefinitionKey)
	if err != nil {
		return false, err
	}

	handled, err := h.searchBoundaryCatchers(ctx, def, instance, origin, errorCode)
	if handled || err != nil {
		return handled, err
	}

	handled, err = h.searchEventSubProcessCatchers(ctx, def, instance, errorCode)
	if handled || err != nil {
		return handled, err
	}

	if instance.CallerProcessInstanceKey == 0 {
		h.logger.Warn("unhandled error, aborting process instance",
			"processInstanceKey", instance.Key, "errorCode", errorCode)
		return false, nil
	}

	caller, err := h.store.FindProcessInstanceByKey(ctx, instance.CallerProcessInstanceKey)
	if err != nil {
		return false, fmt.Errorf("failed to load caller process instance %d: %w", instance.CallerProcessInstanceKey, err)
	}
	callActivity, err := h.store.FindFlowNodeInstanceByKey(ctx, instance.CallerFlowNodeInstanceKey)
	if err != nil {
		return false, fmt.Errorf("failed to load call activity instance %d: %w", instance.CallerFlowNodeInstanceKey, err)
	}
	return h.escalate(ctx, caller, &callActivity, errorCode, depth+1)
}

// searchBoundaryCatchers walks from the origin node up the embedding
// activities. The origin itself is included: when escalation enters a caller
// the origin is the call activity, and its own boundary events are the first
// candidates. Boundary events of multi-instance activities attach to the
// generated wrapper node, so the wrapper id is probed too.
func (h *errorEventHandler) searchBoundaryCatchers(ctx context.Context, def model.ProcessDefinition, instance runtime.ProcessInstance, origin *runtime.FlowNodeInstance, errorCode string) (bool, error) {
	current := origin
	for current != nil {
		candidateIds := []string{current.FlowNodeId}
		if wrapper := def.MultiInstanceWrapper(current.FlowNodeId); wrapper != nil {
			candidateIds = append(candidateIds, wrapper.Id)
		}
		for _, flowNodeId := range candidateIds {
			we, found, err := h.findBoundaryRegistration(ctx, def, flowNodeId, instance.Key, errorCode)
			if err != nil {
				return false, err
			}
			if found {
				return true, h.dispatcher.TriggerCatchEvent(ctx, we, 0)
			}
		}

		if current.ParentActivityKey == 0 {
			break
		}
		parent, err := h.store.FindFlowNodeInstanceByKey(ctx, current.ParentActivityKey)
		if err != nil {
			return false, fmt.Errorf("failed to load parent activity instance %d: %w", current.ParentActivityKey, err)
		}
		current = &parent
	}
	return false, nil
}

// findBoundaryRegistration probes the specific error code first, then the
// catch-all registration. The probed flowNodeId is the attached activity's
// definition id.
func (h *errorEventHandler) findBoundaryRegistration(ctx context.Context, def model.ProcessDefinition, attachedToId string, processInstanceKey int64, errorCode string) (runtime.WaitingEvent, bool, error) {
	for _, code := range []string{errorCode, ""} {
		for _, boundary := range def.BoundaryEvents(attachedToId) {
			if !boundaryCatches(boundary, code) {
				continue
			}
			we, err := h.store.FindBoundaryWaitingEvent(ctx, boundary.FlowNodeId, processInstanceKey, code)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return runtime.WaitingEvent{}, false, fmt.Errorf("failed to load boundary registration of %s: %w", boundary.FlowNodeId, err)
			}
			return we, true, nil
		}
	}
	return runtime.WaitingEvent{}, false, nil
}

func boundaryCatches(boundary model.EventDefinition, errorCode string) bool {
	for _, trigger := range boundary.Triggers {
		if trigger.Type == model.TriggerTypeError && trigger.ErrorCode == errorCode {
			return true
		}
	}
	return false
}

// searchEventSubProcessCatchers picks the event sub-process of the instance
// catching the code. Exactly one candidate may exist per code; two or more
// are a modeling inconsistency the search refuses to guess at. No candidate
// falls through to the caller.
func (h *errorEventHandler) searchEventSubProcessCatchers(ctx context.Context, def model.ProcessDefinition, instance runtime.ProcessInstance, errorCode string) (bool, error) {
	for _, code := range []string{errorCode, ""} {
		matches := make([]model.EventSubProcess, 0, 1)
		for _, esp := range def.EventSubProcesses {
			if errorStartCatches(esp.StartEvent, code) {
				matches = append(matches, esp)
			}
		}
		if len(matches) > 1 {
			return false, newEscalationErrorf("definition %d declares %d event sub-processes catching error code %q, expected exactly one",
				def.Key, len(matches), code)
		}
		if len(matches) == 0 {
			continue
		}

		registrations, err := h.store.FindWaitingEvents(ctx, storage.WaitingEventFilter{
			ParentProcessInstanceKey: ptr.To(instance.Key),
			SubProcessId:             matches[0].Id,
			TriggerType:              model.TriggerTypeError,
			ErrorCode:                ptr.To(code),
			Active:                   ptr.To(true),
		}, storage.Page{Limit: 1})
		if err != nil {
			return false, fmt.Errorf("failed to load event sub-process registration %s: %w", matches[0].Id, err)
		}
		if len(registrations) == 0 {
			continue
		}
		return true, h.dispatcher.TriggerCatchEvent(ctx, registrations[0], 0)
	}
	return false, nil
}

func errorStartCatches(startEvent model.EventDefinition, errorCode string) bool {
	for _, trigger := range startEvent.Triggers {
		if trigger.Type == model.TriggerTypeError && trigger.ErrorCode == errorCode {
			return true
		}
	}
	return false
}

func (h *errorEventHandler) GetOperations(ctx context.Context, waitingEvent runtime.WaitingEvent, triggeringElementKey int64) ([]model.Operation, map[string]any, error) {
	def, err := h.definition(ctx, waitingEvent.ProcessDefinitionKey)
	if err != nil {
		return nil, nil, err
	}
	if waitingEvent.SubProcessId != "" {
		if esp := def.EventSubProcess(waitingEvent.SubProcessId); esp != nil {
			return esp.StartEvent.Operations, nil, nil
		}
		return nil, nil, nil
	}
	if eventDef := def.EventForFlowNode(waitingEvent.FlowNodeDefinitionId); eventDef != nil {
		return eventDef.Operations, nil, nil
	}
	return nil, nil, nil
}

// definition reads through a small LRU cache; escalation touches the same
// few definitions over and over while walking a call chain.
func (h *errorEventHandler) definition(ctx context.Context, processDefinitionKey int64) (model.ProcessDefinition, error) {
	if def, ok := h.defCache.Get(processDefinitionKey); ok {
		return def, nil
	}
	def, err := h.store.FindProcessDefinitionByKey(ctx, processDefinitionKey)
	if err != nil {
		return model.ProcessDefinition{}, fmt.Errorf("failed to load process definition %d: %w", processDefinitionKey, err)
	}
	h.defCache.Add(processDefinitionKey, def)
	return def, nil
}
