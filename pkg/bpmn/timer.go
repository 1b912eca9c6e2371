package bpmn

import (
	"context"
	"fmt"
	"time"

	"github.com/fluxbpm/fluxbpm/pkg/bpmn/model"
	"github.com/fluxbpm/fluxbpm/pkg/bpmn/runtime"
	"github.com/fluxbpm/fluxbpm/pkg/expr"
	"github.com/fluxbpm/fluxbpm/pkg/scheduler"
	"github.com/fluxbpm/fluxbpm/pkg/storage"
	"github.com/hashicorp/go-hclog"
	"github.com/senseyeio/duration"
)

const timerJobType = "bpmn-timer"

// timerJobName derives the deterministic scheduler job name of a timer
// registration, so a racing unregister can delete the job without having
// kept a handle to it.
func timerJobName(processDefinitionKey int64, scopeKey int64, subProcessId string) string {
	if subProcessId != "" {
		return fmt.Sprintf("timer:%d:%d:%s", processDefinitionKey, scopeKey, subProcessId)
	}
	return fmt.Sprintf("timer:%d:%d", processDefinitionKey, scopeKey)
}

type timerEventHandler struct {
	store     storage.Storage
	scheduler scheduler.Scheduler
	resolver  expr.Resolver
	clock     func() time.Time
	logger    hclog.Logger
}

var _ EventHandler = &timerEventHandler{}

func (h *timerEventHandler) HandleCatchEvent(ctx context.Context, scope eventScope, eventDef model.EventDefinition, trigger model.TriggerDefinition) error {
	if scope.flowNodeInstance == nil {
		return newEventCreationErrorf("timer catch event %s requires an owning flow node instance", eventDef.Id)
	}
	jobName := timerJobName(scope.definition.Key, scope.flowNodeInstance.Key, "")
	return h.schedule(ctx, scope, eventDef, trigger, jobName, scope.flowNodeInstance.Key, "")
}

func (h *timerEventHandler) HandleEventSubProcess(ctx context.Context, scope eventScope, subProcess model.EventSubProcess, trigger model.TriggerDefinition) error {
	jobName := timerJobName(scope.definition.Key, scope.processInstance.Key, subProcess.Id)
	return h.schedule(ctx, scope, subProcess.StartEvent, trigger, jobName, 0, subProcess.Id)
}

func (h *timerEventHandler) schedule(ctx context.Context, scope eventScope, eventDef model.EventDefinition, trigger model.TriggerDefinition, jobName string, flowNodeInstanceKey int64, subProcessId string) error {
	raw, err := h.resolver.Evaluate(trigger.TimerExpression, scope.evalContext())
	if err != nil {
		return err
	}
	expression := fmt.Sprintf("%v", raw)

	now := h.clock()
	var schedTrigger scheduler.Trigger
	var fireAt time.Time
	switch trigger.TimerKind {
	case model.TimerKindDuration:
		d, err := duration.ParseISO8601(expression)
		if err != nil {
			return newEventCreationErrorf("failed to parse timer duration %q of event %s: %s", expression, eventDef.Id, err)
		}
		fireAt = d.Shift(now)
		schedTrigger = scheduler.OneShotTrigger{At: fireAt}
	case model.TimerKindDate:
		fireAt, err = time.Parse(time.RFC3339, expression)
		if err != nil {
			return newEventCreationErrorf("failed to parse timer date %q of event %s: %s", expression, eventDef.Id, err)
		}
		schedTrigger = scheduler.OneShotTrigger{At: fireAt}
	case model.TimerKindCycle:
		schedTrigger = scheduler.CronTrigger{Expression: expression, Misfire: scheduler.MisfireFireAllMissed}
	default:
		return newEventCreationErrorf("unknown timer kind %q on event %s", trigger.TimerKind, eventDef.Id)
	}

	params := timerJobParams(scope, eventDef, flowNodeInstanceKey, subProcessId)
	err = h.scheduler.Schedule(ctx, scheduler.JobDescriptor{Name: jobName, Type: timerJobType}, params, schedTrigger)
	if err != nil {
		return fmt.Errorf("failed to schedule timer job %s: %w", jobName, err)
	}

	// a recurring cycle survives single fires, there is nothing for an
	// interrupting sibling to correlate against
	if trigger.TimerKind != model.TimerKindCycle {
		t := runtime.TimerTriggerInstance{
			Key:                  h.store.GenerateKey(),
			JobName:              jobName,
			FireAt:               fireAt,
			ProcessDefinitionKey: scope.definition.Key,
			ProcessInstanceKey:   scope.processInstanceKey(),
			FlowNodeInstanceKey:  flowNodeInstanceKey,
			SubProcessId:         subProcessId,
			CreatedAt:            now,
		}
		if err := h.store.SaveTimerTrigger(ctx, t); err != nil {
			return fmt.Errorf("failed to save timer trigger instance for job %s: %w", jobName, err)
		}
	}
	return nil
}

func (h *timerEventHandler) UnregisterCatchEvent(ctx context.Context, scope eventScope, eventDef model.EventDefinition, trigger model.TriggerDefinition) error {
	scopeKey := scope.processInstanceKey()
	if scope.subProcessId == "" && scope.flowNodeInstance != nil {
		scopeKey = scope.flowNodeInstance.Key
	}
	jobName := timerJobName(scope.definition.Key, scopeKey, scope.subProcessId)

	deleted, err := h.scheduler.Delete(ctx, jobName)
	if err != nil {
		return fmt.Errorf("failed to delete timer job %s: %w", jobName, err)
	}
	if !deleted {
		// the job may simply have fired already
		h.logger.Debug("timer job not found on unregister", "job", jobName)
	}
	if err := h.store.DeleteTimerTriggerByJobName(ctx, jobName); err != nil {
		return fmt.Errorf("failed to delete timer trigger instance %s: %w", jobName, err)
	}
	return nil
}

func (h *timerEventHandler) HandleThrowEvent(ctx context.Context, scope eventScope, eventDef model.EventDefinition, trigger model.TriggerDefinition) error {
	return newEventCreationErrorf("timer trigger on event %s cannot be thrown", eventDef.Id)
}

func (h *timerEventHandler) HandlePostThrowEvent(ctx context.Context, scope eventScope, eventDef model.EventDefinition, trigger model.TriggerDefinition) (bool, error) {
	return false, nil
}

func (h *timerEventHandler) HandleThrowTrigger(ctx context.Context, trigger model.TriggerDefinition, variables map[string]any) error {
	return newEventCreationErrorf("timer trigger %s cannot be thrown", trigger.Id)
}

func (h *timerEventHandler) GetOperations(ctx context.Context, waitingEvent runtime.WaitingEvent, triggeringElementKey int64) ([]model.Operation, map[string]any, error) {
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

func timerJobParams(scope eventScope, eventDef model.EventDefinition, flowNodeInstanceKey int64, subProcessId string) map[string]any {
	eventType := eventDef.Type
	if subProcessId != "" {
		eventType = model.EventTypeEventSubProcessStart
	}
	return map[string]any{
		"processDefinitionKey":     scope.definition.Key,
		"parentProcessInstanceKey": scope.processInstanceKey(),
		"rootProcessInstanceKey":   scope.rootProcessInstanceKey(),
		"flowNodeDefinitionId":     eventDef.FlowNodeId,
		"flowNodeInstanceKey":      flowNodeInstanceKey,
		"subProcessId":             subProcessId,
		"eventType":                string(eventType),
		"interrupting":             eventDef.Interrupting,
	}
}
