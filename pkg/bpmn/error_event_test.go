package bpmn

import (
	"context"
	"testing"

	"github.com/fluxbpm/fluxbpm/pkg/bpmn/model"
	"github.com/fluxbpm/fluxbpm/pkg/bpmn/runtime"
	"github.com/fluxbpm/fluxbpm/pkg/storage"
	"github.com/stretchr/testify/assert"
)

func errorTrigger(id string, code string) model.TriggerDefinition {
	return model.TriggerDefinition{Id: id, Type: model.TriggerTypeError, ErrorCode: code}
}

func errorEndEvent(code string) model.EventDefinition {
	return model.EventDefinition{
		Id:         "err-end",
		FlowNodeId: "thrower",
		Type:       model.EventTypeEnd,
		Triggers:   []model.TriggerDefinition{errorTrigger("t-err", code)},
	}
}

// boundaryErrorFixture builds an activity with an error catch-all boundary
// listed before a specific-code boundary, a throwing end event inside the
// activity, and both boundary registrations in place.
func boundaryErrorFixture(t *testing.T, processId string) (eventScope, runtime.FlowNodeInstance) {
	t.Helper()
	def := saveTestDefinition(t, model.ProcessDefinition{
		ProcessId: processId,
		Version:   1,
		FlowNodes: []model.FlowNode{
			{Id: "work", Type: model.FlowNodeTypeActivity},
			{Id: "b-any-node", Type: model.FlowNodeTypeCatchEvent},
			{Id: "b-e1-node", Type: model.FlowNodeTypeCatchEvent},
			{Id: "thrower", Type: model.FlowNodeTypeThrowEvent},
		},
		Events: []model.EventDefinition{
			{
				Id: "b-any", FlowNodeId: "b-any-node", Type: model.EventTypeBoundary,
				Interrupting: true, AttachedToId: "work",
				Triggers: []model.TriggerDefinition{errorTrigger("t-any", "")},
			},
			{
				Id: "b-e1", FlowNodeId: "b-e1-node", Type: model.EventTypeBoundary,
				Interrupting: true, AttachedToId: "work",
				Triggers: []model.TriggerDefinition{errorTrigger("t-e1", "E1")},
			},
		},
	})
	instance := saveTestInstance(t, def)
	work := saveTestFlowNode(t, def, instance, "work", model.FlowNodeTypeActivity, runtime.StateExecuting)

	activityScope := eventScope{definition: &def, processInstance: &instance, flowNodeInstance: &work}
	for _, eventDef := range def.Events {
		assert.NoError(t, testEngine.Dispatcher().HandleCatchEvent(context.Background(), activityScope, eventDef))
	}

	thrower := saveTestFlowNode(t, def, instance, "thrower", model.FlowNodeTypeThrowEvent, runtime.StateExecuting)
	thrower.ParentActivityKey = work.Key
	assert.NoError(t, testStore.SaveFlowNodeInstance(context.Background(), thrower))

	return eventScope{definition: &def, processInstance: &instance, flowNodeInstance: &thrower}, work
}

func throwError(t *testing.T, scope eventScope, code string) bool {
	t.Helper()
	eventDef := errorEndEvent(code)
	assert.NoError(t, testEngine.Dispatcher().HandleThrowEvent(context.Background(), scope, eventDef))
	handled, err := testEngine.Dispatcher().HandlePostThrowEvent(context.Background(), scope, eventDef)
	assert.NoError(t, err)
	return handled
}

func executedFlowNodeIds(t *testing.T) []string {
	t.Helper()
	ids := make([]string, 0, len(testExec.executedKeys))
	for _, key := range testExec.executedKeys {
		fni, err := testStore.FindFlowNodeInstanceByKey(context.Background(), key)
		assert.NoError(t, err)
		ids = append(ids, fni.FlowNodeId)
	}
	return ids
}

func TestBoundarySpecificCodeWinsOverCatchAll(t *testing.T) {
	testExec.reset()
	scope, _ := boundaryErrorFixture(t, "err-specific")

	handled := throwError(t, scope, "E1")
	assert.True(t, handled)
	assert.Contains(t, executedFlowNodeIds(t), "b-e1-node")
	assert.NotContains(t, executedFlowNodeIds(t), "b-any-node")

	// the catch-all registration is untouched
	remaining := activeWaitingEvents(t, storage.WaitingEventFilter{
		ParentProcessInstanceKey: &scope.processInstance.Key,
		TriggerType:              model.TriggerTypeError,
	})
	assert.Len(t, remaining, 1)
	assert.Equal(t, "b-any-node", remaining[0].FlowNodeDefinitionId)
}

func TestBoundaryCatchAllCatchesUnknownCode(t *testing.T) {
	testExec.reset()
	scope, _ := boundaryErrorFixture(t, "err-catchall")

	handled := throwError(t, scope, "E7")
	assert.True(t, handled)
	assert.Contains(t, executedFlowNodeIds(t), "b-any-node")
	assert.NotContains(t, executedFlowNodeIds(t), "b-e1-node")
}

func TestErrorThrowInterruptsAndMarksInstance(t *testing.T) {
	testExec.reset()
	scope, work := boundaryErrorFixture(t, "err-marks")

	throwError(t, scope, "E1")

	got, err := testStore.FindProcessInstanceByKey(context.Background(), scope.processInstance.Key)
	assert.NoError(t, err)
	assert.Equal(t, "err-end", got.InterruptingEventId)

	gotWork, err := testStore.FindFlowNodeInstanceByKey(context.Background(), work.Key)
	assert.NoError(t, err)
	assert.Equal(t, runtime.StateCategoryAborting, gotWork.StateCategory)
}

func TestSecondErrorThrowIsSuppressed(t *testing.T) {
	testExec.reset()
	scope, _ := boundaryErrorFixture(t, "err-suppressed")
	throwError(t, scope, "E1")

	testExec.reset()
	eventDef := errorEndEvent("E1")
	eventDef.Id = "err-end-2"
	scope.processInstance.InterruptingEventId = "err-end"
	assert.NoError(t, testEngine.Dispatcher().HandleThrowEvent(context.Background(), scope, eventDef))
	assert.Empty(t, testExec.executedKeys)

	got, err := testStore.FindProcessInstanceByKey(context.Background(), scope.processInstance.Key)
	assert.NoError(t, err)
	assert.Equal(t, "err-end", got.InterruptingEventId)
}

func TestErrorFallsThroughToEventSubProcess(t *testing.T) {
	testExec.reset()
	def := saveTestDefinition(t, model.ProcessDefinition{
		ProcessId: "err-esp",
		Version:   1,
		FlowNodes: []model.FlowNode{
			{Id: "thrower", Type: model.FlowNodeTypeThrowEvent},
			{Id: "esp-body", Type: model.FlowNodeTypeSubProcess},
		},
		EventSubProcesses: []model.EventSubProcess{{
			Id: "esp-err",
			StartEvent: model.EventDefinition{
				Id: "esp-start", FlowNodeId: "esp-start-node",
				Type: model.EventTypeEventSubProcessStart, Interrupting: true,
				Triggers: []model.TriggerDefinition{errorTrigger("t-esp", "E1")},
			},
			TargetFlowNodeId: "esp-body",
		}},
	})
	instance := saveTestInstance(t, def)
	assert.NoError(t, testEngine.RegisterEventSubProcesses(context.Background(), &instance))

	thrower := saveTestFlowNode(t, def, instance, "thrower", model.FlowNodeTypeThrowEvent, runtime.StateExecuting)
	scope := eventScope{definition: &def, processInstance: &instance, flowNodeInstance: &thrower}

	handled := throwError(t, scope, "E1")
	assert.True(t, handled)
	assert.Contains(t, executedFlowNodeIds(t), "esp-body")

	got, err := testStore.FindProcessInstanceByKey(context.Background(), instance.Key)
	assert.NoError(t, err)
	assert.Equal(t, runtime.StateCategoryAborting, got.StateCategory)
}

func TestTwoEventSubProcessesForSameCodeAreFatal(t *testing.T) {
	testExec.reset()
	esp := func(id string) model.EventSubProcess {
		return model.EventSubProcess{
			Id: id,
			StartEvent: model.EventDefinition{
				Id: id + "-start", FlowNodeId: id + "-start-node",
				Type: model.EventTypeEventSubProcessStart, Interrupting: true,
				Triggers: []model.TriggerDefinition{errorTrigger(id + "-t", "E1")},
			},
			TargetFlowNodeId: id + "-body",
		}
	}
	def := saveTestDefinition(t, model.ProcessDefinition{
		ProcessId:         "err-esp-dup",
		Version:           1,
		FlowNodes:         []model.FlowNode{{Id: "thrower", Type: model.FlowNodeTypeThrowEvent}},
		EventSubProcesses: []model.EventSubProcess{esp("esp-a"), esp("esp-b")},
	})
	instance := saveTestInstance(t, def)
	thrower := saveTestFlowNode(t, def, instance, "thrower", model.FlowNodeTypeThrowEvent, runtime.StateExecuting)
	scope := eventScope{definition: &def, processInstance: &instance, flowNodeInstance: &thrower}

	eventDef := errorEndEvent("E1")
	assert.NoError(t, testEngine.Dispatcher().HandleThrowEvent(context.Background(), scope, eventDef))
	_, err := testEngine.Dispatcher().HandlePostThrowEvent(context.Background(), scope, eventDef)
	var escalationErr *EscalationError
	assert.ErrorAs(t, err, &escalationErr)
}

func TestErrorEscalatesToCallerBoundary(t *testing.T) {
	testExec.reset()

	callerDef := saveTestDefinition(t, model.ProcessDefinition{
		ProcessId: "err-caller",
		Version:   1,
		FlowNodes: []model.FlowNode{
			{Id: "call", Type: model.FlowNodeTypeCallActivity},
			{Id: "call-boundary-node", Type: model.FlowNodeTypeCatchEvent},
		},
		CallActivities: map[string]string{"call": "err-callee"},
		Events: []model.EventDefinition{{
			Id: "call-boundary", FlowNodeId: "call-boundary-node", Type: model.EventTypeBoundary,
			Interrupting: true, AttachedToId: "call",
			Triggers: []model.TriggerDefinition{errorTrigger("t-call", "E1")},
		}},
	})
	callerInstance := saveTestInstance(t, callerDef)
	callActivity := saveTestFlowNode(t, callerDef, callerInstance, "call", model.FlowNodeTypeCallActivity, runtime.StateExecuting)

	callerScope := eventScope{definition: &callerDef, processInstance: &callerInstance, flowNodeInstance: &callActivity}
	assert.NoError(t, testEngine.Dispatcher().HandleCatchEvent(context.Background(), callerScope, callerDef.Events[0]))

	calleeDef := saveTestDefinition(t, model.ProcessDefinition{
		ProcessId: "err-callee",
		Version:   1,
		FlowNodes: []model.FlowNode{{Id: "thrower", Type: model.FlowNodeTypeThrowEvent}},
	})
	calleeInstance := saveTestInstance(t, calleeDef)
	calleeInstance.RootKey = callerInstance.Key
	calleeInstance.CallerProcessInstanceKey = callerInstance.Key
	calleeInstance.CallerFlowNodeInstanceKey = callActivity.Key
	calleeInstance.CallerFlowNodeId = "call"
	assert.NoError(t, testStore.SaveProcessInstance(context.Background(), calleeInstance))

	thrower := saveTestFlowNode(t, calleeDef, calleeInstance, "thrower", model.FlowNodeTypeThrowEvent, runtime.StateExecuting)
	calleeScope := eventScope{definition: &calleeDef, processInstance: &calleeInstance, flowNodeInstance: &thrower}

	handled := throwError(t, calleeScope, "E1")
	assert.True(t, handled)
	assert.Contains(t, executedFlowNodeIds(t), "call-boundary-node")
}

func TestUnhandledErrorReportsUnhandled(t *testing.T) {
	testExec.reset()
	def := saveTestDefinition(t, model.ProcessDefinition{
		ProcessId: "err-unhandled",
		Version:   1,
		FlowNodes: []model.FlowNode{{Id: "thrower", Type: model.FlowNodeTypeThrowEvent}},
	})
	instance := saveTestInstance(t, def)
	thrower := saveTestFlowNode(t, def, instance, "thrower", model.FlowNodeTypeThrowEvent, runtime.StateExecuting)
	scope := eventScope{definition: &def, processInstance: &instance, flowNodeInstance: &thrower}

	handled := throwError(t, scope, "E1")
	assert.False(t, handled)
}

func TestEscalationDepthGuardStopsCallCycles(t *testing.T) {
	testExec.reset()
	def := saveTestDefinition(t, model.ProcessDefinition{
		ProcessId: "err-cycle",
		Version:   1,
		FlowNodes: []model.FlowNode{
			{Id: "call", Type: model.FlowNodeTypeCallActivity},
			{Id: "thrower", Type: model.FlowNodeTypeThrowEvent},
		},
	})
	a := saveTestInstance(t, def)
	b := saveTestInstance(t, def)
	callInA := saveTestFlowNode(t, def, a, "call", model.FlowNodeTypeCallActivity, runtime.StateExecuting)
	callInB := saveTestFlowNode(t, def, b, "call", model.FlowNodeTypeCallActivity, runtime.StateExecuting)

	// a cyclic caller chain cannot happen in a well-formed store; the guard
	// keeps the search from spinning on one anyway
	a.CallerProcessInstanceKey = b.Key
	a.CallerFlowNodeInstanceKey = callInB.Key
	b.CallerProcessInstanceKey = a.Key
	b.CallerFlowNodeInstanceKey = callInA.Key
	assert.NoError(t, testStore.SaveProcessInstance(context.Background(), a))
	assert.NoError(t, testStore.SaveProcessInstance(context.Background(), b))

	thrower := saveTestFlowNode(t, def, a, "thrower", model.FlowNodeTypeThrowEvent, runtime.StateExecuting)
	scope := eventScope{definition: &def, processInstance: &a, flowNodeInstance: &thrower}

	eventDef := errorEndEvent("E1")
	assert.NoError(t, testEngine.Dispatcher().HandleThrowEvent(context.Background(), scope, eventDef))
	_, err := testEngine.Dispatcher().HandlePostThrowEvent(context.Background(), scope, eventDef)
	var escalationErr *EscalationError
	assert.ErrorAs(t, err, &escalationErr)
}

func TestBoundaryOnMultiInstanceWrapperIsFound(t *testing.T) {
	testExec.reset()
	def := saveTestDefinition(t, model.ProcessDefinition{
		ProcessId: "err-mi",
		Version:   1,
		FlowNodes: []model.FlowNode{
			{Id: "work", Type: model.FlowNodeTypeActivity, MultiInstance: true},
			{Id: "work-wrapper", Type: model.FlowNodeTypeActivity, WrapsId: "work"},
			{Id: "b-wrap-node", Type: model.FlowNodeTypeCatchEvent},
			{Id: "thrower", Type: model.FlowNodeTypeThrowEvent},
		},
		Events: []model.EventDefinition{{
			Id: "b-wrap", FlowNodeId: "b-wrap-node", Type: model.EventTypeBoundary,
			Interrupting: true, AttachedToId: "work-wrapper",
			Triggers: []model.TriggerDefinition{errorTrigger("t-wrap", "E1")},
		}},
	})
	instance := saveTestInstance(t, def)
	work := saveTestFlowNode(t, def, instance, "work", model.FlowNodeTypeActivity, runtime.StateExecuting)
	wrapScope := eventScope{definition: &def, processInstance: &instance, flowNodeInstance: &work}
	assert.NoError(t, testEngine.Dispatcher().HandleCatchEvent(context.Background(), wrapScope, def.Events[0]))

	thrower := saveTestFlowNode(t, def, instance, "thrower", model.FlowNodeTypeThrowEvent, runtime.StateExecuting)
	thrower.ParentActivityKey = work.Key
	assert.NoError(t, testStore.SaveFlowNodeInstance(context.Background(), thrower))
	scope := eventScope{definition: &def, processInstance: &instance, flowNodeInstance: &thrower}

	handled := throwError(t, scope, "E1")
	assert.True(t, handled)
	assert.Contains(t, executedFlowNodeIds(t), "b-wrap-node")
}
