package runtime

import (
	"fmt"
	"time"

	"github.com/fluxbpm/fluxbpm/pkg/bpmn/model"
)

// CorrelationSlotCount is the fixed number of correlation slots carried by a
// waiting message registration and a message instance.
const CorrelationSlotCount = 5

// CorrelationNone fills unused correlation slots so that exact-match lookup
// works regardless of how many pairs a trigger declares.
const CorrelationNone = "NONE"

// CorrelationSlots holds evaluated correlation values in canonical (key
// sorted) order.
type CorrelationSlots [CorrelationSlotCount]string

// EmptyCorrelationSlots returns slots with every position set to the sentinel.
func EmptyCorrelationSlots() CorrelationSlots {
	var s CorrelationSlots
	for i := range s {
		s[i] = CorrelationNone
	}
	return s
}

type ProcessInstance struct {
	Key                  int64
	ProcessDefinitionKey int64
	// RootKey is the top of the call-activity chain; equals Key for a root
	RootKey int64
	// CallerProcessInstanceKey and CallerFlowNodeInstanceKey link an instance
	// started by a call activity back to its caller; zero for root instances
	CallerProcessInstanceKey  int64
	CallerFlowNodeInstanceKey int64
	// CallerFlowNodeId is the call-activity node id inside the caller definition
	CallerFlowNodeId string
	StateCategory    StateCategory
	// InterruptingEventId suppresses duplicate interruption once an error
	// throw has claimed the instance
	InterruptingEventId string
	Variables           map[string]any
	CreatedAt           time.Time
}

type FlowNodeInstance struct {
	Key                    int64
	FlowNodeId             string
	NodeType               model.FlowNodeType
	ProcessDefinitionKey   int64
	ProcessInstanceKey     int64
	RootProcessInstanceKey int64
	// ParentActivityKey is the logical-group back reference to the embedding
	// activity instance, zero for top-level nodes
	ParentActivityKey int64
	StateId           StateID
	StateCategory     StateCategory
	Stable            bool
	Terminal          bool
	CreatedAt         time.Time
}

// WaitingEvent is the durable record of a not-yet-satisfied catch
// registration: "this scope is currently willing to be woken by trigger X".
type WaitingEvent struct {
	Key                      int64
	ProcessDefinitionKey     int64
	RootProcessInstanceKey   int64
	ParentProcessInstanceKey int64
	FlowNodeDefinitionId     string
	// FlowNodeInstanceKey is zero for start-event registrations
	FlowNodeInstanceKey int64
	// SubProcessId is set when EventType is EVENT_SUB_PROCESS_START_EVENT
	SubProcessId string
	TriggerType  model.TriggerType
	EventType    model.EventType
	Interrupting bool

	// trigger-kind specific key
	MessageName  string
	Correlations CorrelationSlots
	SignalName   string
	ErrorCode    string

	Active    bool
	CreatedAt time.Time
}

// TriggerKey is the canonical identity used for the "at most one active
// registration per (owning scope, trigger key)" invariant.
func (w WaitingEvent) TriggerKey() string {
	switch w.TriggerType {
	case model.TriggerTypeMessage:
		return fmt.Sprintf("%d:%s:message:%s:%v", w.ParentProcessInstanceKey, w.FlowNodeDefinitionId, w.MessageName, w.Correlations)
	case model.TriggerTypeSignal:
		return fmt.Sprintf("%d:%s:signal:%s", w.ParentProcessInstanceKey, w.FlowNodeDefinitionId, w.SignalName)
	case model.TriggerTypeError:
		return fmt.Sprintf("%d:%s:error:%s", w.ParentProcessInstanceKey, w.FlowNodeDefinitionId, w.ErrorCode)
	}
	return fmt.Sprintf("%d:%s:%s", w.ParentProcessInstanceKey, w.FlowNodeDefinitionId, w.TriggerType)
}

// MessageInstance is created when a message throw fires. It carries the
// resolved correlation values, the resolved target names and the
// expression-evaluation context needed to execute pending operations on the
// resumed flow node. It is deleted once matched and consumed.
type MessageInstance struct {
	Key            int64
	MessageName    string
	TargetProcess  string
	TargetFlowNode string
	Correlations   CorrelationSlots
	Variables      map[string]any
	CreatedAt      time.Time
}

// TimerTriggerInstance associates a scheduled timer job with the flow node or
// event sub-process it protects, so that a racing interrupting sibling can
// cancel the job before it fires.
type TimerTriggerInstance struct {
	Key                  int64
	JobName              string
	FireAt               time.Time
	ProcessDefinitionKey int64
	ProcessInstanceKey   int64
	FlowNodeInstanceKey  int64
	SubProcessId         string
	CreatedAt            time.Time
}
