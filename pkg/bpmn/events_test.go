package bpmn

import (
	"context"
	"testing"

	"github.com/fluxbpm/fluxbpm/pkg/bpmn/model"
	"github.com/fluxbpm/fluxbpm/pkg/bpmn/runtime"
	"github.com/fluxbpm/fluxbpm/pkg/storage"
	"github.com/stretchr/testify/assert"
)

func dispatcherTestScope(t *testing.T, processId string) eventScope {
	t.Helper()
	def := saveTestDefinition(t, model.ProcessDefinition{
		ProcessId: processId,
		Version:   1,
		FlowNodes: []model.FlowNode{{Id: "node", Type: model.FlowNodeTypeCatchEvent}},
	})
	instance := saveTestInstance(t, def)
	fni := saveTestFlowNode(t, def, instance, "node", model.FlowNodeTypeCatchEvent, runtime.StateWaiting)
	return eventScope{definition: &def, processInstance: &instance, flowNodeInstance: &fni}
}

func TestTerminateCannotBeCaught(t *testing.T) {
	scope := dispatcherTestScope(t, "legality-terminate")
	err := testEngine.Dispatcher().HandleCatchEvent(context.Background(), scope, model.EventDefinition{
		Id: "bad", FlowNodeId: "node", Type: model.EventTypeIntermediateCatch,
		Triggers: []model.TriggerDefinition{{Id: "t", Type: model.TriggerTypeTerminate}},
	})
	var creationErr *EventCreationError
	assert.ErrorAs(t, err, &creationErr)
}

func TestTimerCannotBeThrown(t *testing.T) {
	scope := dispatcherTestScope(t, "legality-timer-throw")
	err := testEngine.Dispatcher().HandleThrowEvent(context.Background(), scope, model.EventDefinition{
		Id: "bad", FlowNodeId: "node", Type: model.EventTypeIntermediateThrow,
		Triggers: []model.TriggerDefinition{{Id: "t", Type: model.TriggerTypeTimer, TimerKind: model.TimerKindDuration, TimerExpression: "PT1M"}},
	})
	var creationErr *EventCreationError
	assert.ErrorAs(t, err, &creationErr)
}

func TestErrorCannotBeCaughtByIntermediateCatch(t *testing.T) {
	scope := dispatcherTestScope(t, "legality-error-catch")
	err := testEngine.Dispatcher().HandleCatchEvent(context.Background(), scope, model.EventDefinition{
		Id: "bad", FlowNodeId: "node", Type: model.EventTypeIntermediateCatch,
		Triggers: []model.TriggerDefinition{{Id: "t", Type: model.TriggerTypeError, ErrorCode: "E1"}},
	})
	var creationErr *EventCreationError
	assert.ErrorAs(t, err, &creationErr)
}

func TestErrorCannotBeThrownByIntermediateThrow(t *testing.T) {
	scope := dispatcherTestScope(t, "legality-error-throw")
	err := testEngine.Dispatcher().HandleThrowEvent(context.Background(), scope, model.EventDefinition{
		Id: "bad", FlowNodeId: "node", Type: model.EventTypeIntermediateThrow,
		Triggers: []model.TriggerDefinition{{Id: "t", Type: model.TriggerTypeError, ErrorCode: "E1"}},
	})
	var creationErr *EventCreationError
	assert.ErrorAs(t, err, &creationErr)
}

func TestEventSubProcessRegisterUnregisterSymmetry(t *testing.T) {
	testExec.reset()
	def := saveTestDefinition(t, model.ProcessDefinition{
		ProcessId: "esp-symmetry",
		Version:   1,
		FlowNodes: []model.FlowNode{{Id: "esp-body", Type: model.FlowNodeTypeSubProcess}},
		EventSubProcesses: []model.EventSubProcess{{
			Id: "esp-msg",
			StartEvent: model.EventDefinition{
				Id: "esp-start", FlowNodeId: "esp-start-node",
				Type: model.EventTypeEventSubProcessStart, Interrupting: false,
				Triggers: []model.TriggerDefinition{{
					Id: "t", Type: model.TriggerTypeMessage, MessageName: "wake-up",
				}},
			},
			TargetFlowNodeId: "esp-body",
		}},
	})
	instance := saveTestInstance(t, def)
	scope := eventScope{definition: &def, processInstance: &instance}

	assert.NoError(t, testEngine.Dispatcher().HandleEventSubProcess(context.Background(), scope, def.EventSubProcesses[0]))
	registered := activeWaitingEvents(t, storage.WaitingEventFilter{
		ParentProcessInstanceKey: &instance.Key,
		SubProcessId:             "esp-msg",
	})
	assert.Len(t, registered, 1)
	assert.Equal(t, model.EventTypeEventSubProcessStart, registered[0].EventType)

	assert.NoError(t, testEngine.Dispatcher().UnregisterEventSubProcess(context.Background(), scope, def.EventSubProcesses[0]))
	assert.Empty(t, activeWaitingEvents(t, storage.WaitingEventFilter{
		ParentProcessInstanceKey: &instance.Key,
		SubProcessId:             "esp-msg",
	}))

	// symmetric: a fresh registration works again after unregistration
	assert.NoError(t, testEngine.Dispatcher().HandleEventSubProcess(context.Background(), scope, def.EventSubProcesses[0]))
	assert.Len(t, activeWaitingEvents(t, storage.WaitingEventFilter{
		ParentProcessInstanceKey: &instance.Key,
		SubProcessId:             "esp-msg",
	}), 1)
}

func TestNonInterruptingEventSubProcessLeavesSiblingsAlone(t *testing.T) {
	testExec.reset()
	def := saveTestDefinition(t, model.ProcessDefinition{
		ProcessId: "esp-noninterrupting",
		Version:   1,
		FlowNodes: []model.FlowNode{
			{Id: "esp-body", Type: model.FlowNodeTypeSubProcess},
			{Id: "task", Type: model.FlowNodeTypeActivity},
		},
		EventSubProcesses: []model.EventSubProcess{{
			Id: "esp-sig",
			StartEvent: model.EventDefinition{
				Id: "esp-start", FlowNodeId: "esp-start-node",
				Type: model.EventTypeEventSubProcessStart, Interrupting: false,
				Triggers: []model.TriggerDefinition{{
					Id: "t", Type: model.TriggerTypeSignal, SignalName: "side-job",
				}},
			},
			TargetFlowNodeId: "esp-body",
		}},
	})
	instance := saveTestInstance(t, def)
	task := saveTestFlowNode(t, def, instance, "task", model.FlowNodeTypeActivity, runtime.StateExecuting)
	scope := eventScope{definition: &def, processInstance: &instance}
	assert.NoError(t, testEngine.Dispatcher().HandleEventSubProcess(context.Background(), scope, def.EventSubProcesses[0]))

	assert.NoError(t, testEngine.ThrowSignal(context.Background(), "side-job"))

	assert.Contains(t, executedFlowNodeIds(t), "esp-body")
	gotTask, err := testStore.FindFlowNodeInstanceByKey(context.Background(), task.Key)
	assert.NoError(t, err)
	assert.Equal(t, runtime.StateCategoryNormal, gotTask.StateCategory)

	got, err := testStore.FindProcessInstanceByKey(context.Background(), instance.Key)
	assert.NoError(t, err)
	assert.Equal(t, runtime.StateCategoryNormal, got.StateCategory)
}

func TestInterruptingEventSubProcessAbortsSiblings(t *testing.T) {
	testExec.reset()
	def := saveTestDefinition(t, model.ProcessDefinition{
		ProcessId: "esp-interrupting",
		Version:   1,
		FlowNodes: []model.FlowNode{
			{Id: "esp-body", Type: model.FlowNodeTypeSubProcess},
			{Id: "task", Type: model.FlowNodeTypeActivity},
		},
		EventSubProcesses: []model.EventSubProcess{{
			Id: "esp-sig",
			StartEvent: model.EventDefinition{
				Id: "esp-start", FlowNodeId: "esp-start-node",
				Type: model.EventTypeEventSubProcessStart, Interrupting: true,
				Triggers: []model.TriggerDefinition{{
					Id: "t", Type: model.TriggerTypeSignal, SignalName: "emergency",
				}},
			},
			TargetFlowNodeId: "esp-body",
		}},
	})
	instance := saveTestInstance(t, def)
	task := saveTestFlowNode(t, def, instance, "task", model.FlowNodeTypeActivity, runtime.StateExecuting)
	scope := eventScope{definition: &def, processInstance: &instance}
	assert.NoError(t, testEngine.Dispatcher().HandleEventSubProcess(context.Background(), scope, def.EventSubProcesses[0]))

	assert.NoError(t, testEngine.ThrowSignal(context.Background(), "emergency"))

	assert.Contains(t, executedFlowNodeIds(t), "esp-body")
	gotTask, err := testStore.FindFlowNodeInstanceByKey(context.Background(), task.Key)
	assert.NoError(t, err)
	assert.Equal(t, runtime.StateCategoryAborting, gotTask.StateCategory)

	got, err := testStore.FindProcessInstanceByKey(context.Background(), instance.Key)
	assert.NoError(t, err)
	assert.Equal(t, runtime.StateCategoryAborting, got.StateCategory)
}

func TestErrorEventSubProcessStartAlwaysInterrupts(t *testing.T) {
	testExec.reset()
	def := saveTestDefinition(t, model.ProcessDefinition{
		ProcessId: "esp-error-noninterrupting",
		Version:   1,
		FlowNodes: []model.FlowNode{
			{Id: "esp-body", Type: model.FlowNodeTypeSubProcess},
			{Id: "task", Type: model.FlowNodeTypeActivity},
		},
		EventSubProcesses: []model.EventSubProcess{{
			Id: "esp-err",
			StartEvent: model.EventDefinition{
				Id: "esp-err-start", FlowNodeId: "esp-err-start-node",
				Type: model.EventTypeEventSubProcessStart, Interrupting: false,
				Triggers: []model.TriggerDefinition{{
					Id: "t", Type: model.TriggerTypeError, ErrorCode: "E1",
				}},
			},
			TargetFlowNodeId: "esp-body",
		}},
	})
	instance := saveTestInstance(t, def)
	task := saveTestFlowNode(t, def, instance, "task", model.FlowNodeTypeActivity, runtime.StateExecuting)
	scope := eventScope{definition: &def, processInstance: &instance}
	assert.NoError(t, testEngine.Dispatcher().HandleEventSubProcess(context.Background(), scope, def.EventSubProcesses[0]))

	registrations := activeWaitingEvents(t, storage.WaitingEventFilter{
		ParentProcessInstanceKey: &instance.Key,
		SubProcessId:             "esp-err",
	})
	assert.Len(t, registrations, 1)
	assert.False(t, registrations[0].Interrupting)

	assert.NoError(t, testEngine.Dispatcher().TriggerCatchEvent(context.Background(), registrations[0], 0))

	// an error start interrupts even when modelled non-interrupting
	assert.Contains(t, executedFlowNodeIds(t), "esp-body")
	gotTask, err := testStore.FindFlowNodeInstanceByKey(context.Background(), task.Key)
	assert.NoError(t, err)
	assert.Equal(t, runtime.StateCategoryAborting, gotTask.StateCategory)
}

func TestWinningEventSubProcessUnregistersSiblings(t *testing.T) {
	testExec.reset()
	def := saveTestDefinition(t, model.ProcessDefinition{
		ProcessId: "esp-competing",
		Version:   1,
		FlowNodes: []model.FlowNode{
			{Id: "esp-sig-body", Type: model.FlowNodeTypeSubProcess},
			{Id: "esp-msg-body", Type: model.FlowNodeTypeSubProcess},
			{Id: "esp-timer-body", Type: model.FlowNodeTypeSubProcess},
		},
		EventSubProcesses: []model.EventSubProcess{
			{
				Id: "esp-sig",
				StartEvent: model.EventDefinition{
					Id: "esp-sig-start", FlowNodeId: "esp-sig-start-node",
					Type: model.EventTypeEventSubProcessStart, Interrupting: true,
					Triggers: []model.TriggerDefinition{{
						Id: "t-sig", Type: model.TriggerTypeSignal, SignalName: "alarm",
					}},
				},
				TargetFlowNodeId: "esp-sig-body",
			},
			{
				Id: "esp-msg",
				StartEvent: model.EventDefinition{
					Id: "esp-msg-start", FlowNodeId: "esp-msg-start-node",
					Type: model.EventTypeEventSubProcessStart, Interrupting: true,
					Triggers: []model.TriggerDefinition{{
						Id: "t-msg", Type: model.TriggerTypeMessage, MessageName: "late-news",
					}},
				},
				TargetFlowNodeId: "esp-msg-body",
			},
			{
				Id: "esp-timer",
				StartEvent: model.EventDefinition{
					Id: "esp-timer-start", FlowNodeId: "esp-timer-start-node",
					Type: model.EventTypeEventSubProcessStart, Interrupting: true,
					Triggers: []model.TriggerDefinition{{
						Id: "t-timer", Type: model.TriggerTypeTimer,
						TimerKind: model.TimerKindDuration, TimerExpression: "PT1H",
					}},
				},
				TargetFlowNodeId: "esp-timer-body",
			},
		},
	})
	instance := saveTestInstance(t, def)
	scope := eventScope{definition: &def, processInstance: &instance}
	for _, esp := range def.EventSubProcesses {
		assert.NoError(t, testEngine.Dispatcher().HandleEventSubProcess(context.Background(), scope, esp))
	}
	timerJob := timerJobName(def.Key, instance.Key, "esp-timer")
	_, err := testStore.FindTimerTriggerByJobName(context.Background(), timerJob)
	assert.NoError(t, err)

	assert.NoError(t, testEngine.ThrowSignal(context.Background(), "alarm"))

	assert.Contains(t, executedFlowNodeIds(t), "esp-sig-body")

	// the losing starts gave up their registrations
	assert.Empty(t, activeWaitingEvents(t, storage.WaitingEventFilter{
		ParentProcessInstanceKey: &instance.Key,
		SubProcessId:             "esp-msg",
	}))
	_, err = testStore.FindTimerTriggerByJobName(context.Background(), timerJob)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMessageStartEventInstantiatesProcess(t *testing.T) {
	testExec.reset()
	def := saveTestDefinition(t, model.ProcessDefinition{
		ProcessId: "start-by-message",
		Version:   1,
		FlowNodes: []model.FlowNode{{Id: "start", Type: model.FlowNodeTypeCatchEvent}},
		Events: []model.EventDefinition{{
			Id: "msg-start", FlowNodeId: "start", Type: model.EventTypeStart,
			Triggers: []model.TriggerDefinition{{
				Id: "t", Type: model.TriggerTypeMessage, MessageName: "kick-off",
			}},
		}},
	})

	assert.NoError(t, testEngine.RegisterStartEvents(context.Background(), def.Key))

	err := testEngine.PublishMessage(context.Background(), "kick-off", nil, map[string]any{"who": "tester"})
	assert.NoError(t, err)
	assert.Equal(t, []int64{def.Key}, testExec.instantiatedDefs)
	assert.Equal(t, "tester", testExec.lastVariables["who"])

	// the start registration is permanent, a second message starts another
	err = testEngine.PublishMessage(context.Background(), "kick-off", nil, nil)
	assert.NoError(t, err)
	assert.Equal(t, []int64{def.Key, def.Key}, testExec.instantiatedDefs)
}
