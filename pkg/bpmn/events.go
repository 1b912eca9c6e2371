package bpmn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fluxbpm/fluxbpm/pkg/bpmn/model"
	"github.com/fluxbpm/fluxbpm/pkg/bpmn/runtime"
	"github.com/fluxbpm/fluxbpm/pkg/expr"
	otelPkg "github.com/fluxbpm/fluxbpm/pkg/otel"
	"github.com/fluxbpm/fluxbpm/pkg/ptr"
	"github.com/fluxbpm/fluxbpm/pkg/storage"
	"github.com/hashicorp/go-hclog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// eventScope bundles the definition and runtime records an event operation
// acts on. flowNodeInstance is nil for process-level scopes (start events,
// event sub-process registrations); subProcessId is set when the scope is an
// event sub-process.
type eventScope struct {
	definition       *model.ProcessDefinition
	processInstance  *runtime.ProcessInstance
	flowNodeInstance *runtime.FlowNodeInstance
	subProcessId     string
}

func (s eventScope) processInstanceKey() int64 {
	if s.processInstance == nil {
		return 0
	}
	return s.processInstance.Key
}

func (s eventScope) rootProcessInstanceKey() int64 {
	if s.processInstance == nil {
		return 0
	}
	return s.processInstance.RootKey
}

func (s eventScope) evalContext() expr.Context {
	evalCtx := expr.Context{
		ContainerType:        expr.ContainerTypeProcessInstance,
		ContainerKey:         s.processInstanceKey(),
		ProcessDefinitionKey: s.definition.Key,
	}
	if s.processInstance != nil {
		evalCtx.Variables = s.processInstance.Variables
	}
	if s.flowNodeInstance != nil {
		evalCtx.ContainerType = expr.ContainerTypeFlowNodeInstance
		evalCtx.ContainerKey = s.flowNodeInstance.Key
	}
	return evalCtx
}

// newWaitingEvent fills the scope-derived fields of a registration; the
// trigger-kind specific fields stay with the calling strategy.
func (s eventScope) newWaitingEvent(key int64, eventDef model.EventDefinition, trigger model.TriggerDefinition) runtime.WaitingEvent {
	we := runtime.WaitingEvent{
		Key:                      key,
		ProcessDefinitionKey:     s.definition.Key,
		RootProcessInstanceKey:   s.rootProcessInstanceKey(),
		ParentProcessInstanceKey: s.processInstanceKey(),
		FlowNodeDefinitionId:     eventDef.FlowNodeId,
		SubProcessId:             s.subProcessId,
		TriggerType:              trigger.Type,
		EventType:                eventDef.Type,
		Interrupting:             eventDef.Interrupting,
		Active:                   true,
		CreatedAt:                time.Now(),
	}
	if s.flowNodeInstance != nil {
		we.FlowNodeInstanceKey = s.flowNodeInstance.Key
	}
	return we
}

// EventHandler is the per-trigger-kind strategy. Every trigger kind
// implements the full surface; combinations a kind does not support return
// an EventCreationError instead of silently doing nothing.
type EventHandler interface {
	HandleCatchEvent(ctx context.Context, scope eventScope, eventDef model.EventDefinition, trigger model.TriggerDefinition) error
	UnregisterCatchEvent(ctx context.Context, scope eventScope, eventDef model.EventDefinition, trigger model.TriggerDefinition) error
	HandleThrowEvent(ctx context.Context, scope eventScope, eventDef model.EventDefinition, trigger model.TriggerDefinition) error
	// HandlePostThrowEvent runs the delivery half of a throw after the
	// throwing flow node has completed; reports whether anything was resumed
	HandlePostThrowEvent(ctx context.Context, scope eventScope, eventDef model.EventDefinition, trigger model.TriggerDefinition) (bool, error)
	// HandleThrowTrigger is the external-API throw without an owning scope
	HandleThrowTrigger(ctx context.Context, trigger model.TriggerDefinition, variables map[string]any) error
	HandleEventSubProcess(ctx context.Context, scope eventScope, subProcess model.EventSubProcess, trigger model.TriggerDefinition) error
	// GetOperations re-resolves the operations and the trigger-scoped
	// variables to apply when the waiting event is consumed
	GetOperations(ctx context.Context, waitingEvent runtime.WaitingEvent, triggeringElementKey int64) ([]model.Operation, map[string]any, error)
}

// catchable / throwable legality per trigger kind and event kind. An empty
// row means the kind supports no catch (terminate) or no throw (timer).
var catchableEventTypes = map[model.TriggerType][]model.EventType{
	model.TriggerTypeTimer: {
		model.EventTypeStart, model.EventTypeIntermediateCatch,
		model.EventTypeBoundary, model.EventTypeEventSubProcessStart,
	},
	model.TriggerTypeMessage: {
		model.EventTypeStart, model.EventTypeIntermediateCatch,
		model.EventTypeBoundary, model.EventTypeEventSubProcessStart,
	},
	model.TriggerTypeSignal: {
		model.EventTypeStart, model.EventTypeIntermediateCatch,
		model.EventTypeBoundary, model.EventTypeEventSubProcessStart,
	},
	model.TriggerTypeError: {
		model.EventTypeBoundary, model.EventTypeEventSubProcessStart,
	},
	model.TriggerTypeTerminate: {},
}

var throwableEventTypes = map[model.TriggerType][]model.EventType{
	model.TriggerTypeTimer:     {},
	model.TriggerTypeMessage:   {model.EventTypeEnd, model.EventTypeIntermediateThrow},
	model.TriggerTypeSignal:    {model.EventTypeEnd, model.EventTypeIntermediateThrow},
	model.TriggerTypeError:     {model.EventTypeEnd},
	model.TriggerTypeTerminate: {model.EventTypeEnd},
}

func eventTypeAllowed(table map[model.TriggerType][]model.EventType, triggerType model.TriggerType, eventType model.EventType) bool {
	for _, t := range table[triggerType] {
		if t == eventType {
			return true
		}
	}
	return false
}

// EventDispatcher routes event operations to the per-trigger strategies and
// owns the shared resume path. Dispatcher methods never start flow-node
// execution themselves; they always go through the FlowNodeExecutor.
type EventDispatcher struct {
	store       storage.Storage
	tx          storage.TxExecutor
	executor    FlowNodeExecutor
	operations  OperationExecutor
	locks       LockService
	interruptor *ProcessInstanceInterruptor
	handlers    map[model.TriggerType]EventHandler
	tracer      trace.Tracer
	metrics     *otelPkg.EventMetrics
	logger      hclog.Logger
}

func NewEventDispatcher(
	store storage.Storage,
	tx storage.TxExecutor,
	executor FlowNodeExecutor,
	operations OperationExecutor,
	locks LockService,
	interruptor *ProcessInstanceInterruptor,
	tracer trace.Tracer,
	metrics *otelPkg.EventMetrics,
	logger hclog.Logger,
) *EventDispatcher {
	if locks == nil {
		locks = noopLockService{}
	}
	return &EventDispatcher{
		store:       store,
		tx:          tx,
		executor:    executor,
		operations:  operations,
		locks:       locks,
		interruptor: interruptor,
		handlers:    map[model.TriggerType]EventHandler{},
		tracer:      tracer,
		metrics:     metrics,
		logger:      logger.Named("event-dispatcher"),
	}
}

// Handler returns the concrete strategy for a trigger kind, for callers
// that need a subtype's extra operations beyond the dispatcher surface.
func (d *EventDispatcher) Handler(triggerType model.TriggerType) (EventHandler, error) {
	h, ok := d.handlers[triggerType]
	if !ok {
		return nil, newEventCreationErrorf("no handler registered for trigger type %s", triggerType)
	}
	return h, nil
}

// HandleCatchEvent registers every trigger of a catch event in the given
// scope. Registration of a later trigger failing leaves earlier ones in
// place; the caller decides whether to unregister.
func (d *EventDispatcher) HandleCatchEvent(ctx context.Context, scope eventScope, eventDef model.EventDefinition) error {
	ctx, span := d.tracer.Start(ctx, "HandleCatchEvent")
	defer span.End()

	for _, trigger := range eventDef.Triggers {
		if !eventTypeAllowed(catchableEventTypes, trigger.Type, eventDef.Type) {
			return d.recordError(span, newEventCreationErrorf("trigger %s cannot be caught by a %s", trigger.Type, eventDef.Type))
		}
		h, err := d.Handler(trigger.Type)
		if err != nil {
			return d.recordError(span, err)
		}
		if err := h.HandleCatchEvent(ctx, scope, eventDef, trigger); err != nil {
			return d.recordError(span, err)
		}
		d.metrics.WaitingEventsCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", string(trigger.Type))))
	}
	return nil
}

// UnregisterCatchEvent removes every registration the catch event holds in
// the given scope. Idempotent; unregistering an already consumed or never
// registered event is not an error.
func (d *EventDispatcher) UnregisterCatchEvent(ctx context.Context, scope eventScope, eventDef model.EventDefinition) error {
	for _, trigger := range eventDef.Triggers {
		h, err := d.Handler(trigger.Type)
		if err != nil {
			return err
		}
		if err := h.UnregisterCatchEvent(ctx, scope, eventDef, trigger); err != nil {
			return err
		}
	}
	return nil
}

// HandleThrowEvent fires every trigger of a throw event. For intermediate
// throw events the delivery half runs inline; end events run it separately
// via HandlePostThrowEvent once the container finished, because e.g. error
// escalation must observe the completed state.
func (d *EventDispatcher) HandleThrowEvent(ctx context.Context, scope eventScope, eventDef model.EventDefinition) error {
	ctx, span := d.tracer.Start(ctx, "HandleThrowEvent")
	defer span.End()

	for _, trigger := range eventDef.Triggers {
		if !eventTypeAllowed(throwableEventTypes, trigger.Type, eventDef.Type) {
			return d.recordError(span, newEventCreationErrorf("trigger %s cannot be thrown by a %s", trigger.Type, eventDef.Type))
		}
		h, err := d.Handler(trigger.Type)
		if err != nil {
			return d.recordError(span, err)
		}
		if err := h.HandleThrowEvent(ctx, scope, eventDef, trigger); err != nil {
			return d.recordError(span, err)
		}
	}
	if eventDef.Type == model.EventTypeIntermediateThrow {
		if _, err := d.HandlePostThrowEvent(ctx, scope, eventDef); err != nil {
			return d.recordError(span, err)
		}
	}
	return nil
}

// HandlePostThrowEvent runs the delivery half of every trigger of a throw
// event. Returns true when at least one trigger resumed something.
func (d *EventDispatcher) HandlePostThrowEvent(ctx context.Context, scope eventScope, eventDef model.EventDefinition) (bool, error) {
	handled := false
	for _, trigger := range eventDef.Triggers {
		h, err := d.Handler(trigger.Type)
		if err != nil {
			return handled, err
		}
		triggerHandled, err := h.HandlePostThrowEvent(ctx, scope, eventDef, trigger)
		if err != nil {
			return handled, err
		}
		handled = handled || triggerHandled
	}
	return handled, nil
}

// HandleEventSubProcess registers the start-event triggers of an event
// sub-process in the scope of its container instance.
func (d *EventDispatcher) HandleEventSubProcess(ctx context.Context, scope eventScope, subProcess model.EventSubProcess) error {
	scope.subProcessId = subProcess.Id
	for _, trigger := range subProcess.StartEvent.Triggers {
		if !eventTypeAllowed(catchableEventTypes, trigger.Type, model.EventTypeEventSubProcessStart) {
			return newEventCreationErrorf("trigger %s cannot start event sub-process %s", trigger.Type, subProcess.Id)
		}
		h, err := d.Handler(trigger.Type)
		if err != nil {
			return err
		}
		if err := h.HandleEventSubProcess(ctx, scope, subProcess, trigger); err != nil {
			return err
		}
		d.metrics.WaitingEventsCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", string(trigger.Type))))
	}
	return nil
}

// UnregisterEventSubProcess removes the start-event registrations of an
// event sub-process. Idempotent like UnregisterCatchEvent.
func (d *EventDispatcher) UnregisterEventSubProcess(ctx context.Context, scope eventScope, subProcess model.EventSubProcess) error {
	scope.subProcessId = subProcess.Id
	for _, trigger := range subProcess.StartEvent.Triggers {
		h, err := d.Handler(trigger.Type)
		if err != nil {
			return err
		}
		if err := h.UnregisterCatchEvent(ctx, scope, subProcess.StartEvent, trigger); err != nil {
			return err
		}
	}
	return nil
}

// ThrowTrigger is the external-API throw without an owning flow node, e.g.
// publishing a message or broadcasting a signal from outside any process.
func (d *EventDispatcher) ThrowTrigger(ctx context.Context, trigger model.TriggerDefinition, variables map[string]any) error {
	ctx, span := d.tracer.Start(ctx, "ThrowTrigger")
	defer span.End()

	h, err := d.Handler(trigger.Type)
	if err != nil {
		return d.recordError(span, err)
	}
	return d.recordError(span, h.HandleThrowTrigger(ctx, trigger, variables))
}

// TriggerCatchEvent is the shared resume path: it consumes the registration
// and hands control back to the flow-node executor. triggeringElementKey
// identifies trigger-scoped data (a message instance) and is zero otherwise.
// The whole resume commits in one transaction, so a crash never leaves a
// consumed registration without the matching execution.
func (d *EventDispatcher) TriggerCatchEvent(ctx context.Context, waitingEvent runtime.WaitingEvent, triggeringElementKey int64) error {
	ctx, span := d.tracer.Start(ctx, "TriggerCatchEvent", trace.WithAttributes(
		attribute.String("trigger", string(waitingEvent.TriggerType)),
		attribute.String("eventType", string(waitingEvent.EventType)),
	))
	defer span.End()

	h, err := d.Handler(waitingEvent.TriggerType)
	if err != nil {
		return d.recordError(span, err)
	}

	err = d.tx.Execute(ctx, func(ctx context.Context) error {
		switch waitingEvent.EventType {
		case model.EventTypeStart:
			return d.triggerStartEvent(ctx, h, waitingEvent, triggeringElementKey)
		case model.EventTypeEventSubProcessStart:
			return d.triggerEventSubProcess(ctx, h, waitingEvent, triggeringElementKey)
		case model.EventTypeBoundary:
			return d.triggerBoundaryEvent(ctx, h, waitingEvent, triggeringElementKey)
		default:
			return d.triggerWaitingFlowNode(ctx, h, waitingEvent, triggeringElementKey)
		}
	})
	if err != nil {
		return d.recordError(span, err)
	}
	d.metrics.WaitingEventsConsumed.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", string(waitingEvent.TriggerType))))
	return nil
}

// triggerStartEvent instantiates a fresh process instance. Start
// registrations are permanent; they are not consumed by a single firing.
func (d *EventDispatcher) triggerStartEvent(ctx context.Context, h EventHandler, waitingEvent runtime.WaitingEvent, triggeringElementKey int64) error {
	ops, variables, err := h.GetOperations(ctx, waitingEvent, triggeringElementKey)
	if err != nil {
		return err
	}
	instance, err := d.executor.InstantiateProcess(ctx, waitingEvent.ProcessDefinitionKey, waitingEvent.FlowNodeDefinitionId, ops, variables)
	if err != nil {
		return err
	}
	d.logger.Debug("started process instance from event",
		"processInstanceKey", instance.Key, "trigger", waitingEvent.TriggerType)
	return d.deleteTriggeringElement(ctx, waitingEvent, triggeringElementKey)
}

// triggerEventSubProcess consumes the registration, creates the sub-process
// root and, for interrupting starts, aborts everything else in the container
// before the sub-process runs.
func (d *EventDispatcher) triggerEventSubProcess(ctx context.Context, h EventHandler, waitingEvent runtime.WaitingEvent, triggeringElementKey int64) error {
	def, err := d.store.FindProcessDefinitionByKey(ctx, waitingEvent.ProcessDefinitionKey)
	if err != nil {
		return fmt.Errorf("failed to load process definition %d: %w", waitingEvent.ProcessDefinitionKey, err)
	}
	subProcess := def.EventSubProcess(waitingEvent.SubProcessId)
	if subProcess == nil {
		return newEventCreationErrorf("event sub-process %s not found in definition %d", waitingEvent.SubProcessId, waitingEvent.ProcessDefinitionKey)
	}

	if waitingEvent.Key != 0 {
		if err := d.store.DeleteWaitingEvent(ctx, waitingEvent.Key); err != nil {
			return fmt.Errorf("failed to delete waiting event %d: %w", waitingEvent.Key, err)
		}
	}

	instance, err := d.executor.CreateFlowNodeInstance(ctx, waitingEvent.ParentProcessInstanceKey, subProcess.TargetFlowNodeId)
	if err != nil {
		return err
	}

	// error starts always interrupt, whatever the modelled flag says
	if waitingEvent.Interrupting || waitingEvent.TriggerType == model.TriggerTypeError {
		_, err := d.interruptor.InterruptProcessInstanceExcept(ctx, waitingEvent.ParentProcessInstanceKey, runtime.StateCategoryAborting, instance.Key)
		if err != nil {
			return err
		}
		d.metrics.InstancesInterrupted.Add(ctx, 1)
	}

	ops, variables, err := h.GetOperations(ctx, waitingEvent, triggeringElementKey)
	if err != nil {
		return err
	}
	if err := d.executor.ExecuteFlowNode(ctx, *instance, ops, variables); err != nil {
		return err
	}

	// only one competing start wins: the losing event sub-processes of this
	// instance give up their registrations
	parent, err := d.store.FindProcessInstanceByKey(ctx, waitingEvent.ParentProcessInstanceKey)
	if err != nil {
		return fmt.Errorf("failed to load process instance %d: %w", waitingEvent.ParentProcessInstanceKey, err)
	}
	siblingScope := eventScope{definition: &def, processInstance: &parent}
	for _, sibling := range def.EventSubProcesses {
		if sibling.Id == waitingEvent.SubProcessId {
			continue
		}
		if err := d.UnregisterEventSubProcess(ctx, siblingScope, sibling); err != nil {
			return err
		}
	}
	return d.deleteTriggeringElement(ctx, waitingEvent, triggeringElementKey)
}

// triggerBoundaryEvent resumes a boundary registration. The registration's
// FlowNodeInstanceKey points at the attached activity instance; the boundary
// node itself is only instantiated now.
func (d *EventDispatcher) triggerBoundaryEvent(ctx context.Context, h EventHandler, waitingEvent runtime.WaitingEvent, triggeringElementKey int64) error {
	activity, err := d.store.FindFlowNodeInstanceByKey(ctx, waitingEvent.FlowNodeInstanceKey)
	if err != nil {
		return fmt.Errorf("failed to load attached activity instance %d: %w", waitingEvent.FlowNodeInstanceKey, err)
	}

	if waitingEvent.Key != 0 {
		if err := d.store.DeleteWaitingEvent(ctx, waitingEvent.Key); err != nil {
			return fmt.Errorf("failed to delete waiting event %d: %w", waitingEvent.Key, err)
		}
	}

	release, err := d.locks.Lock(ctx, activity.Key)
	if err != nil {
		return err
	}
	defer release()

	if waitingEvent.Interrupting && !activity.Terminal {
		activity.StateCategory = runtime.StateCategoryAborting
		if err := d.store.SaveFlowNodeInstance(ctx, activity); err != nil {
			return fmt.Errorf("failed to save flow node instance %d: %w", activity.Key, err)
		}
		if _, err := d.interruptor.InterruptChildrenOfFlowNodeInstance(ctx, activity.Key, runtime.StateCategoryAborting, 0); err != nil {
			return err
		}
		if err := d.executor.ExecuteFlowNode(ctx, activity, nil, nil); err != nil {
			return err
		}
	}

	boundary, err := d.executor.CreateFlowNodeInstance(ctx, waitingEvent.ParentProcessInstanceKey, waitingEvent.FlowNodeDefinitionId)
	if err != nil {
		return err
	}
	ops, variables, err := h.GetOperations(ctx, waitingEvent, triggeringElementKey)
	if err != nil {
		return err
	}
	if err := d.executor.ExecuteFlowNode(ctx, *boundary, ops, variables); err != nil {
		return err
	}
	return d.deleteTriggeringElement(ctx, waitingEvent, triggeringElementKey)
}

// triggerWaitingFlowNode resumes an intermediate catch event or receive
// task that parked itself while waiting.
func (d *EventDispatcher) triggerWaitingFlowNode(ctx context.Context, h EventHandler, waitingEvent runtime.WaitingEvent, triggeringElementKey int64) error {
	instance, err := d.store.FindFlowNodeInstanceByKey(ctx, waitingEvent.FlowNodeInstanceKey)
	if err != nil {
		return fmt.Errorf("failed to load flow node instance %d: %w", waitingEvent.FlowNodeInstanceKey, err)
	}

	// delete first, while still inside the transaction: a second trigger
	// racing on the same registration must not resume the node twice
	if waitingEvent.Key != 0 {
		if err := d.store.DeleteWaitingEvent(ctx, waitingEvent.Key); err != nil {
			return fmt.Errorf("failed to delete waiting event %d: %w", waitingEvent.Key, err)
		}
	}

	release, err := d.locks.Lock(ctx, instance.Key)
	if err != nil {
		return err
	}
	defer release()

	ops, variables, err := h.GetOperations(ctx, waitingEvent, triggeringElementKey)
	if err != nil {
		return err
	}
	if err := d.executor.ExecuteFlowNode(ctx, instance, ops, variables); err != nil {
		return err
	}
	return d.deleteTriggeringElement(ctx, waitingEvent, triggeringElementKey)
}

// deleteTriggeringElement cleans up message-scoped data once consumed.
func (d *EventDispatcher) deleteTriggeringElement(ctx context.Context, waitingEvent runtime.WaitingEvent, triggeringElementKey int64) error {
	if waitingEvent.TriggerType != model.TriggerTypeMessage || triggeringElementKey == 0 {
		return nil
	}
	if err := d.store.DeleteMessageInstance(ctx, triggeringElementKey); err != nil {
		return fmt.Errorf("failed to delete message instance %d: %w", triggeringElementKey, err)
	}
	return nil
}

func (d *EventDispatcher) recordError(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// deleteWaitingEvents removes every active registration a scope holds for
// one trigger kind on one flow node definition. Shared by the strategy
// unregister paths; absent registrations are a no-op.
func deleteWaitingEvents(ctx context.Context, store storage.Storage, scope eventScope, triggerType model.TriggerType, flowNodeId string) error {
	filter := storage.WaitingEventFilter{
		ParentProcessInstanceKey: ptr.To(scope.processInstanceKey()),
		FlowNodeDefinitionId:     flowNodeId,
		SubProcessId:             scope.subProcessId,
		TriggerType:              triggerType,
		Active:                   ptr.To(true),
	}
	for {
		matches, err := store.FindWaitingEvents(ctx, filter, storage.Page{Limit: 50})
		if err != nil {
			return fmt.Errorf("failed to search waiting events for unregistration: %w", err)
		}
		if len(matches) == 0 {
			return nil
		}
		for _, we := range matches {
			if err := store.DeleteWaitingEvent(ctx, we.Key); err != nil {
				return fmt.Errorf("failed to delete waiting event %d: %w", we.Key, err)
			}
		}
	}
}

func wrapWaitingEventSaveError(eventDef model.EventDefinition, err error) error {
	if errors.Is(err, storage.ErrDuplicateWaitingEvent) {
		return &EventCreationError{
			Msg: fmt.Sprintf("duplicate active registration for event %s", eventDef.Id),
			Err: err,
		}
	}
	return fmt.Errorf("failed to save waiting event for %s: %w", eventDef.Id, err)
}
