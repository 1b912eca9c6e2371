package bpmn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/fluxbpm/fluxbpm/internal/config"
	"github.com/fluxbpm/fluxbpm/pkg/bpmn/model"
	"github.com/fluxbpm/fluxbpm/pkg/bpmn/runtime"
	"github.com/fluxbpm/fluxbpm/pkg/expr"
	otelPkg "github.com/fluxbpm/fluxbpm/pkg/otel"
	"github.com/fluxbpm/fluxbpm/pkg/scheduler"
	schedulerinmemory "github.com/fluxbpm/fluxbpm/pkg/scheduler/inmemory"
	"github.com/fluxbpm/fluxbpm/pkg/storage"
	"github.com/hashicorp/go-hclog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Engine wires the event subsystem together: dispatcher, per-trigger
// strategies, interruptor, start-rate verifier and the scheduler edge.
type Engine struct {
	store       storage.Storage
	tx          storage.TxExecutor
	scheduler   scheduler.Scheduler
	ownSched    *schedulerinmemory.Scheduler
	executor    FlowNodeExecutor
	operations  OperationExecutor
	locks       LockService
	resolver    expr.Resolver
	clock       func() time.Time
	snowflake   *snowflake.Node
	conf        config.Engine
	meter       metric.Meter
	dispatcher  *EventDispatcher
	interruptor *ProcessInstanceInterruptor
	verifier    *ProcessStarterVerifier
	metrics     *otelPkg.EventMetrics
	logger      hclog.Logger
}

type EngineOption func(*Engine)

func WithStorage(store storage.Storage) EngineOption {
	return func(e *Engine) { e.store = store }
}

func WithTxExecutor(tx storage.TxExecutor) EngineOption {
	return func(e *Engine) { e.tx = tx }
}

func WithScheduler(s scheduler.Scheduler) EngineOption {
	return func(e *Engine) { e.scheduler = s }
}

func WithExecutor(executor FlowNodeExecutor) EngineOption {
	return func(e *Engine) { e.executor = executor }
}

func WithOperationExecutor(operations OperationExecutor) EngineOption {
	return func(e *Engine) { e.operations = operations }
}

func WithLockService(locks LockService) EngineOption {
	return func(e *Engine) { e.locks = locks }
}

func WithResolver(resolver expr.Resolver) EngineOption {
	return func(e *Engine) { e.resolver = resolver }
}

func WithLogger(logger hclog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

func WithClock(clock func() time.Time) EngineOption {
	return func(e *Engine) { e.clock = clock }
}

func WithConfig(conf config.Engine) EngineOption {
	return func(e *Engine) { e.conf = conf }
}

func WithMeter(meter metric.Meter) EngineOption {
	return func(e *Engine) { e.meter = meter }
}

// keyedStorage routes key generation through the engine's snowflake node so
// keys stay time ordered across entity kinds, whatever the backing store
// would generate on its own.
type keyedStorage struct {
	storage.Storage
	node *snowflake.Node
}

func (s keyedStorage) GenerateKey() int64 {
	return s.node.Generate().Int64()
}

func NewEngine(options ...EngineOption) (*Engine, error) {
	e := &Engine{
		clock: time.Now,
	}
	for _, opt := range options {
		opt(e)
	}
	e.conf = e.conf.WithDefaults()

	if e.store == nil {
		return nil, newEngineErrorf("engine requires a storage, use WithStorage")
	}
	if e.tx == nil {
		return nil, newEngineErrorf("engine requires a transaction executor, use WithTxExecutor")
	}
	if e.logger == nil {
		e.logger = hclog.Default().Named("fluxbpm")
	}
	if e.resolver == nil {
		e.resolver = expr.NewFeelResolver()
	}
	if e.meter == nil {
		e.meter = noop.NewMeterProvider().Meter("fluxbpm")
	}

	e.snowflake = getGlobalSnowflakeIdGenerator()
	e.store = keyedStorage{Storage: e.store, node: e.snowflake}

	metrics, err := otelPkg.NewEventMetrics(e.meter)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize engine metrics: %w", err)
	}
	e.metrics = metrics

	if e.operations == nil {
		e.operations = NewOperationExecutor(e.store, e.resolver)
	}

	secret := []byte(e.conf.CounterSecret)
	e.verifier, err = NewProcessStarterVerifier(e.conf.StartRateLimit, e.conf.StartRateWindow, secret, e.store, e.logger)
	if err != nil {
		return nil, err
	}

	if e.executor == nil {
		e.executor = &defaultFlowNodeExecutor{engine: e}
	}

	e.interruptor = NewProcessInstanceInterruptor(e.store, e.executor, e.logger)
	e.dispatcher = NewEventDispatcher(e.store, e.tx, e.executor, e.operations, e.locks,
		e.interruptor, otel.Tracer("fluxbpm"), e.metrics, e.logger)

	if e.scheduler == nil {
		e.ownSched = schedulerinmemory.NewScheduler(e.handleTimerFired,
			schedulerinmemory.WithLogger(e.logger), schedulerinmemory.WithClock(e.clock))
		e.scheduler = e.ownSched
	}

	correlation := NewCorrelationEvaluator(e.resolver)
	errorHandler, err := newErrorEventHandler(e.store, e.dispatcher, e.interruptor, e.conf.EscalationMaxDepth, e.logger)
	if err != nil {
		return nil, err
	}
	e.dispatcher.handlers = map[model.TriggerType]EventHandler{
		model.TriggerTypeTimer: &timerEventHandler{
			store:     e.store,
			scheduler: e.scheduler,
			resolver:  e.resolver,
			clock:     e.clock,
			logger:    e.logger.Named("timer-events"),
		},
		model.TriggerTypeMessage: &messageEventHandler{
			store:       e.store,
			resolver:    e.resolver,
			correlation: correlation,
			dispatcher:  e.dispatcher,
			clock:       e.clock,
			logger:      e.logger.Named("message-events"),
		},
		model.TriggerTypeSignal: &signalEventHandler{
			store:      e.store,
			dispatcher: e.dispatcher,
			pageSize:   e.conf.SignalPageSize,
			logger:     e.logger.Named("signal-events"),
		},
		model.TriggerTypeError: errorHandler,
		model.TriggerTypeTerminate: &terminateEventHandler{
			interruptor: e.interruptor,
			dispatcher:  e.dispatcher,
			logger:      e.logger.Named("terminate-events"),
		},
	}
	return e, nil
}

// Stop shuts down the engine-owned scheduler, if any. Externally supplied
// schedulers belong to their owner.
func (e *Engine) Stop() {
	if e.ownSched != nil {
		e.ownSched.Stop()
	}
}

func (e *Engine) Dispatcher() *EventDispatcher { return e.dispatcher }

func (e *Engine) Interruptor() *ProcessInstanceInterruptor { return e.interruptor }

func (e *Engine) Verifier() *ProcessStarterVerifier { return e.verifier }

func (e *Engine) Storage() storage.Storage { return e.store }

// RegisterStartEvents creates the permanent start registrations of a
// process definition. Only message and signal triggers can start a process
// from the outside; other trigger kinds on start events are skipped.
func (e *Engine) RegisterStartEvents(ctx context.Context, processDefinitionKey int64) error {
	def, err := e.store.FindProcessDefinitionByKey(ctx, processDefinitionKey)
	if err != nil {
		return fmt.Errorf("failed to load process definition %d: %w", processDefinitionKey, err)
	}
	scope := eventScope{definition: &def}
	for _, eventDef := range def.Events {
		if eventDef.Type != model.EventTypeStart {
			continue
		}
		startable := eventDef
		startable.Triggers = nil
		for _, trigger := range eventDef.Triggers {
			if trigger.Type != model.TriggerTypeMessage && trigger.Type != model.TriggerTypeSignal {
				e.logger.Debug("skipping non-startable trigger on start event", "event", eventDef.Id, "trigger", trigger.Type)
				continue
			}
			startable.Triggers = append(startable.Triggers, trigger)
		}
		if len(startable.Triggers) == 0 {
			continue
		}
		if err := e.dispatcher.HandleCatchEvent(ctx, scope, startable); err != nil {
			return err
		}
	}
	return nil
}

// RegisterEventSubProcesses registers the start triggers of every event
// sub-process declared by the instance's definition. Called once when the
// instance starts running.
func (e *Engine) RegisterEventSubProcesses(ctx context.Context, instance *runtime.ProcessInstance) error {
	def, err := e.store.FindProcessDefinitionByKey(ctx, instance.ProcessDefinitionKey)
	if err != nil {
		return fmt.Errorf("failed to load process definition %d: %w", instance.ProcessDefinitionKey, err)
	}
	scope := eventScope{definition: &def, processInstance: instance}
	for _, esp := range def.EventSubProcesses {
		if err := e.dispatcher.HandleEventSubProcess(ctx, scope, esp); err != nil {
			return err
		}
	}
	return nil
}

// PublishMessage is the external message throw. Correlation keys and values
// are taken literally, matching registrations that evaluated to the same
// canonical slots.
func (e *Engine) PublishMessage(ctx context.Context, messageName string, correlations map[string]string, variables map[string]any) error {
	trigger := model.TriggerDefinition{
		Id:          "api-message:" + messageName,
		Type:        model.TriggerTypeMessage,
		MessageName: messageName,
	}
	for key, value := range correlations {
		trigger.Correlations = append(trigger.Correlations, model.CorrelationPair{
			KeyExpression:   key,
			ValueExpression: value,
		})
	}
	e.metrics.MessagesPublished.Add(ctx, 1)
	return e.dispatcher.ThrowTrigger(ctx, trigger, variables)
}

// ThrowSignal is the external signal broadcast.
func (e *Engine) ThrowSignal(ctx context.Context, signalName string) error {
	trigger := model.TriggerDefinition{
		Id:         "api-signal:" + signalName,
		Type:       model.TriggerTypeSignal,
		SignalName: signalName,
	}
	return e.dispatcher.ThrowTrigger(ctx, trigger, nil)
}

// CancelProcessInstance interrupts the instance tree under the cancelling
// category.
func (e *Engine) CancelProcessInstance(ctx context.Context, processInstanceKey int64) error {
	_, err := e.interruptor.InterruptProcessInstance(ctx, processInstanceKey, runtime.StateCategoryCancelling)
	if err != nil {
		return err
	}
	e.metrics.InstancesInterrupted.Add(ctx, 1)
	return nil
}

// handleTimerFired re-enters the engine when a scheduled timer comes due.
// The registration is reconstructed from the job params; Key zero marks it
// as synthetic so the resume path skips the waiting-event delete.
func (e *Engine) handleTimerFired(ctx context.Context, event scheduler.FireEvent) {
	we := runtime.WaitingEvent{
		TriggerType: model.TriggerTypeTimer,
		Active:      true,
	}
	we.ProcessDefinitionKey, _ = event.Params["processDefinitionKey"].(int64)
	we.ParentProcessInstanceKey, _ = event.Params["parentProcessInstanceKey"].(int64)
	we.RootProcessInstanceKey, _ = event.Params["rootProcessInstanceKey"].(int64)
	we.FlowNodeDefinitionId, _ = event.Params["flowNodeDefinitionId"].(string)
	we.FlowNodeInstanceKey, _ = event.Params["flowNodeInstanceKey"].(int64)
	we.SubProcessId, _ = event.Params["subProcessId"].(string)
	we.Interrupting, _ = event.Params["interrupting"].(bool)
	if eventType, ok := event.Params["eventType"].(string); ok {
		we.EventType = model.EventType(eventType)
	}

	if err := e.store.DeleteTimerTriggerByJobName(ctx, event.JobName); err != nil {
		e.logger.Error("failed to delete fired timer trigger", "job", event.JobName, "error", err)
	}
	if err := e.dispatcher.TriggerCatchEvent(ctx, we, 0); err != nil {
		e.logger.Error("failed to trigger timer event", "job", event.JobName, "error", err)
	}
}

// defaultFlowNodeExecutor is the built-in minimal execution loop: it keeps
// the runtime records consistent and walks the state machine, but runs no
// task behavior. Embedders with a full execution engine install their own
// via WithExecutor.
type defaultFlowNodeExecutor struct {
	engine *Engine
}

var _ FlowNodeExecutor = &defaultFlowNodeExecutor{}

func (x *defaultFlowNodeExecutor) InstantiateProcess(ctx context.Context, processDefinitionKey int64, targetFlowNodeId string, operations []model.Operation, variables map[string]any) (*runtime.ProcessInstance, error) {
	e := x.engine
	instance := runtime.ProcessInstance{
		Key:                  e.store.GenerateKey(),
		ProcessDefinitionKey: processDefinitionKey,
		StateCategory:        runtime.StateCategoryNormal,
		Variables:            map[string]any{},
		CreatedAt:            e.clock(),
	}
	instance.RootKey = instance.Key

	if err := e.verifier.Verify(ctx, &instance); err != nil {
		e.metrics.StartsRejected.Add(ctx, 1)
		return nil, err
	}
	if err := e.store.SaveProcessInstance(ctx, instance); err != nil {
		return nil, fmt.Errorf("failed to save process instance %d: %w", instance.Key, err)
	}
	if err := e.operations.Apply(ctx, instance.Key, expr.ContainerTypeProcessInstance, operations, variables); err != nil {
		return nil, err
	}
	if err := e.RegisterEventSubProcesses(ctx, &instance); err != nil {
		return nil, err
	}

	node, err := x.CreateFlowNodeInstance(ctx, instance.Key, targetFlowNodeId)
	if err != nil {
		return nil, err
	}
	if err := x.ExecuteFlowNode(ctx, *node, nil, nil); err != nil {
		return nil, err
	}
	return &instance, nil
}

func (x *defaultFlowNodeExecutor) CreateFlowNodeInstance(ctx context.Context, processInstanceKey int64, flowNodeId string) (*runtime.FlowNodeInstance, error) {
	e := x.engine
	instance, err := e.store.FindProcessInstanceByKey(ctx, processInstanceKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load process instance %d: %w", processInstanceKey, err)
	}
	def, err := e.store.FindProcessDefinitionByKey(ctx, instance.ProcessDefinitionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load process definition %d: %w", instance.ProcessDefinitionKey, err)
	}
	node := def.FlowNode(flowNodeId)
	if node == nil {
		return nil, newEngineErrorf("flow node %s not found in definition %d", flowNodeId, def.Key)
	}

	fni := runtime.FlowNodeInstance{
		Key:                    e.store.GenerateKey(),
		FlowNodeId:             flowNodeId,
		NodeType:               node.Type,
		ProcessDefinitionKey:   def.Key,
		ProcessInstanceKey:     instance.Key,
		RootProcessInstanceKey: instance.RootKey,
		StateId:                runtime.StateInitializing,
		StateCategory:          runtime.StateCategoryNormal,
		CreatedAt:              e.clock(),
	}
	if err := e.store.SaveFlowNodeInstance(ctx, fni); err != nil {
		return nil, fmt.Errorf("failed to save flow node instance %d: %w", fni.Key, err)
	}
	return &fni, nil
}

func (x *defaultFlowNodeExecutor) ExecuteFlowNode(ctx context.Context, instance runtime.FlowNodeInstance, operations []model.Operation, variables map[string]any) error {
	e := x.engine
	if err := e.operations.Apply(ctx, instance.Key, expr.ContainerTypeFlowNodeInstance, operations, variables); err != nil {
		return err
	}

	var next runtime.StateID
	var err error
	if instance.StateCategory == runtime.StateCategoryNormal {
		next, err = NormalTransitionManager{}.GetNextState(instance)
	} else {
		next, err = ExceptionalTransitionManager{}.GetNextState(instance)
	}
	if err != nil {
		var illegal *IllegalStateTransitionError
		if errors.As(err, &illegal) && illegal.Terminal {
			e.logger.Debug("flow node already terminal", "key", instance.Key, "state", instance.StateId)
			return nil
		}
		return err
	}

	instance.StateId = next
	instance.Stable = next.IsStable()
	instance.Terminal = next.IsTerminal()
	if err := e.store.SaveFlowNodeInstance(ctx, instance); err != nil {
		return fmt.Errorf("failed to save flow node instance %d: %w", instance.Key, err)
	}
	e.logger.Debug("flow node advanced", "key", instance.Key, "state", next, "category", instance.StateCategory)
	return nil
}

func (x *defaultFlowNodeExecutor) NotifyChildFinished(ctx context.Context, instance runtime.FlowNodeInstance) error {
	x.engine.logger.Debug("child finished", "key", instance.Key, "flowNode", instance.FlowNodeId)
	return nil
}
