package bpmn

import (
	"context"
	"fmt"

	"github.com/fluxbpm/fluxbpm/pkg/bpmn/model"
	"github.com/fluxbpm/fluxbpm/pkg/bpmn/runtime"
	"github.com/fluxbpm/fluxbpm/pkg/ptr"
	"github.com/fluxbpm/fluxbpm/pkg/storage"
	"github.com/hashicorp/go-hclog"
)

// signalEventHandler implements broadcast semantics: a throw resumes every
// active registration of the signal name, across all process instances.
type signalEventHandler struct {
	store      storage.Storage
	dispatcher *EventDispatcher
	pageSize   int
	logger     hclog.Logger
}

var _ EventHandler = &signalEventHandler{}

func (h *signalEventHandler) HandleCatchEvent(ctx context.Context, scope eventScope, eventDef model.EventDefinition, trigger model.TriggerDefinition) error {
	we := scope.newWaitingEvent(h.store.GenerateKey(), eventDef, trigger)
	we.SignalName = trigger.SignalName
	if err := h.store.SaveWaitingEvent(ctx, we); err != nil {
		return wrapWaitingEventSaveError(eventDef, err)
	}
	return nil
}

func (h *signalEventHandler) HandleEventSubProcess(ctx context.Context, scope eventScope, subProcess model.EventSubProcess, trigger model.TriggerDefinition) error {
	we := scope.newWaitingEvent(h.store.GenerateKey(), subProcess.StartEvent, trigger)
	we.EventType = model.EventTypeEventSubProcessStart
	we.SubProcessId = subProcess.Id
	we.SignalName = trigger.SignalName
	if err := h.store.SaveWaitingEvent(ctx, we); err != nil {
		return wrapWaitingEventSaveError(subProcess.StartEvent, err)
	}
	return nil
}

func (h *signalEventHandler) UnregisterCatchEvent(ctx context.Context, scope eventScope, eventDef model.EventDefinition, trigger model.TriggerDefinition) error {
	return deleteWaitingEvents(ctx, h.store, scope, model.TriggerTypeSignal, eventDef.FlowNodeId)
}

// HandleThrowEvent is deliberately empty: a signal carries no payload to
// persist, the whole effect lives in the broadcast of the post-throw half.
func (h *signalEventHandler) HandleThrowEvent(ctx context.Context, scope eventScope, eventDef model.EventDefinition, trigger model.TriggerDefinition) error {
	return nil
}

func (h *signalEventHandler) HandlePostThrowEvent(ctx context.Context, scope eventScope, eventDef model.EventDefinition, trigger model.TriggerDefinition) (bool, error) {
	resumed, err := h.broadcast(ctx, trigger.SignalName)
	return resumed > 0, err
}

func (h *signalEventHandler) HandleThrowTrigger(ctx context.Context, trigger model.TriggerDefinition, variables map[string]any) error {
	_, err := h.broadcast(ctx, trigger.SignalName)
	return err
}

// broadcast resumes every active registration of the signal, one page at a
// time. Consumed registrations are deleted synchronously inside their
// resume transaction, so a re-read of the same page window sees only the
// remaining live set. Start registrations are permanent: they fire exactly
// once per broadcast, and the page offset steps past whatever stays in the
// window so the loop terminates on the first empty page.
func (h *signalEventHandler) broadcast(ctx context.Context, signalName string) (int, error) {
	filter := storage.WaitingEventFilter{
		TriggerType: model.TriggerTypeSignal,
		SignalName:  signalName,
		Active:      ptr.To(true),
	}
	fired := make(map[int64]bool)
	resumed := 0
	offset := 0
	for {
		matches, err := h.store.FindWaitingEvents(ctx, filter, storage.Page{Offset: offset, Limit: h.pageSize})
		if err != nil {
			return resumed, fmt.Errorf("failed to search waiting events for signal %s: %w", signalName, err)
		}
		if len(matches) == 0 {
			break
		}
		kept := 0
		for _, we := range matches {
			if fired[we.Key] {
				kept++
				continue
			}
			fired[we.Key] = true
			if err := h.dispatcher.TriggerCatchEvent(ctx, we, 0); err != nil {
				return resumed, err
			}
			resumed++
			h.dispatcher.metrics.SignalsBroadcast.Add(ctx, 1)
			if we.EventType == model.EventTypeStart {
				kept++
			}
		}
		offset += kept
	}
	h.logger.Debug("signal broadcast done", "signal", signalName, "resumed", resumed)
	return resumed, nil
}

func (h *signalEventHandler) GetOperations(ctx context.Context, waitingEvent runtime.WaitingEvent, triggeringElementKey int64) ([]model.Operation, map[string]any, error) {
	def, err := h.store.FindProcessDefinitionByKey(ctx, waitingEvent.ProcessDefinitionKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load process definition %d: %w", waitingEvent.ProcessDefinitionKey, err)
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
