package bpmn

import (
	"context"
	"errors"
	"testing"

	"github.com/fluxbpm/fluxbpm/pkg/bpmn/model"
	"github.com/fluxbpm/fluxbpm/pkg/bpmn/runtime"
	"github.com/fluxbpm/fluxbpm/pkg/storage"
	"github.com/stretchr/testify/assert"
)

func messageTestFixture(t *testing.T, processId string) (eventScope, model.EventDefinition) {
	t.Helper()
	def := saveTestDefinition(t, model.ProcessDefinition{
		ProcessId: processId,
		Version:   1,
		FlowNodes: []model.FlowNode{{Id: "recv", Type: model.FlowNodeTypeReceiveTask}},
	})
	eventDef := model.EventDefinition{
		Id:         "msg-catch",
		FlowNodeId: "recv",
		Type:       model.EventTypeIntermediateCatch,
		Triggers: []model.TriggerDefinition{{
			Id:          "t-msg",
			Type:        model.TriggerTypeMessage,
			MessageName: "order-paid",
			Correlations: []model.CorrelationPair{
				{KeyExpression: "orderId", ValueExpression: "=order"},
			},
		}},
		Operations: []model.Operation{
			{TargetVariable: "status", Expression: "=incoming"},
		},
	}
	def.Events = []model.EventDefinition{eventDef}
	def = saveTestDefinition(t, def)

	instance := saveTestInstance(t, def)
	instance.Variables = map[string]any{"order": "o-1"}
	assert.NoError(t, testStore.SaveProcessInstance(context.Background(), instance))

	fni := saveTestFlowNode(t, def, instance, "recv", model.FlowNodeTypeReceiveTask, runtime.StateWaiting)
	return eventScope{definition: &def, processInstance: &instance, flowNodeInstance: &fni}, eventDef
}

func TestMessageCatchRegistersCanonicalSlots(t *testing.T) {
	testExec.reset()
	scope, eventDef := messageTestFixture(t, "msg-register")

	err := testEngine.Dispatcher().HandleCatchEvent(context.Background(), scope, eventDef)
	assert.NoError(t, err)

	events := activeWaitingEvents(t, storage.WaitingEventFilter{
		ParentProcessInstanceKey: &scope.processInstance.Key,
		TriggerType:              model.TriggerTypeMessage,
	})
	assert.Len(t, events, 1)
	assert.Equal(t, "order-paid", events[0].MessageName)
	assert.Equal(t, "orderId=o-1", events[0].Correlations[0])
	assert.Equal(t, runtime.CorrelationNone, events[0].Correlations[1])
	assert.Equal(t, scope.flowNodeInstance.Key, events[0].FlowNodeInstanceKey)
}

func TestDuplicateMessageRegistrationIsRejected(t *testing.T) {
	testExec.reset()
	scope, eventDef := messageTestFixture(t, "msg-duplicate")

	assert.NoError(t, testEngine.Dispatcher().HandleCatchEvent(context.Background(), scope, eventDef))

	err := testEngine.Dispatcher().HandleCatchEvent(context.Background(), scope, eventDef)
	var creationErr *EventCreationError
	assert.ErrorAs(t, err, &creationErr)
	assert.True(t, errors.Is(err, storage.ErrDuplicateWaitingEvent))
}

func TestMessageUnregisterIsIdempotent(t *testing.T) {
	testExec.reset()
	scope, eventDef := messageTestFixture(t, "msg-unregister")

	assert.NoError(t, testEngine.Dispatcher().HandleCatchEvent(context.Background(), scope, eventDef))
	assert.NoError(t, testEngine.Dispatcher().UnregisterCatchEvent(context.Background(), scope, eventDef))

	events := activeWaitingEvents(t, storage.WaitingEventFilter{
		ParentProcessInstanceKey: &scope.processInstance.Key,
		TriggerType:              model.TriggerTypeMessage,
	})
	assert.Empty(t, events)

	// nothing left, still no error
	assert.NoError(t, testEngine.Dispatcher().UnregisterCatchEvent(context.Background(), scope, eventDef))
}

func TestPublishedMessageResumesWaitingNode(t *testing.T) {
	testExec.reset()
	scope, eventDef := messageTestFixture(t, "msg-roundtrip")
	assert.NoError(t, testEngine.Dispatcher().HandleCatchEvent(context.Background(), scope, eventDef))

	err := testEngine.PublishMessage(context.Background(), "order-paid",
		map[string]string{"orderId": "o-1"},
		map[string]any{"incoming": "paid"})
	assert.NoError(t, err)

	assert.Equal(t, []int64{scope.flowNodeInstance.Key}, testExec.executedKeys)
	assert.Equal(t, eventDef.Operations, testExec.lastOperations)
	assert.Equal(t, "paid", testExec.lastVariables["incoming"])

	// registration and message instance are both consumed
	events := activeWaitingEvents(t, storage.WaitingEventFilter{
		ParentProcessInstanceKey: &scope.processInstance.Key,
		TriggerType:              model.TriggerTypeMessage,
	})
	assert.Empty(t, events)

	remaining, err := testStore.FindMessageInstances(context.Background(), "order-paid", slotsWith("orderId=o-1"))
	assert.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestUnmatchedMessageStaysPersisted(t *testing.T) {
	testExec.reset()

	err := testEngine.PublishMessage(context.Background(), "nobody-waits",
		map[string]string{"orderId": "o-9"}, nil)
	assert.NoError(t, err)
	assert.Empty(t, testExec.executedKeys)

	stored, err := testStore.FindMessageInstances(context.Background(), "nobody-waits", slotsWith("orderId=o-9"))
	assert.NoError(t, err)
	assert.Len(t, stored, 1)
}

func slotsWith(first string) runtime.CorrelationSlots {
	slots := runtime.EmptyCorrelationSlots()
	slots[0] = first
	return slots
}
