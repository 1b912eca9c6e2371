package model

// TriggerType is the closed set of event causes the engine understands.
type TriggerType string

const (
	TriggerTypeTimer     TriggerType = "TIMER"
	TriggerTypeMessage   TriggerType = "MESSAGE"
	TriggerTypeSignal    TriggerType = "SIGNAL"
	TriggerTypeError     TriggerType = "ERROR"
	TriggerTypeTerminate TriggerType = "TERMINATE"
)

// EventType tags the flow-node kind an event definition belongs to.
type EventType string

const (
	EventTypeStart                EventType = "START_EVENT"
	EventTypeEnd                  EventType = "END_EVENT"
	EventTypeIntermediateCatch    EventType = "INTERMEDIATE_CATCH_EVENT"
	EventTypeIntermediateThrow    EventType = "INTERMEDIATE_THROW_EVENT"
	EventTypeBoundary             EventType = "BOUNDARY_EVENT"
	EventTypeEventSubProcessStart EventType = "EVENT_SUB_PROCESS_START_EVENT"
)

type FlowNodeType string

const (
	FlowNodeTypeActivity     FlowNodeType = "ACTIVITY"
	FlowNodeTypeGateway      FlowNodeType = "GATEWAY"
	FlowNodeTypeCatchEvent   FlowNodeType = "CATCH_EVENT"
	FlowNodeTypeThrowEvent   FlowNodeType = "THROW_EVENT"
	FlowNodeTypeReceiveTask  FlowNodeType = "RECEIVE_TASK"
	FlowNodeTypeSubProcess   FlowNodeType = "SUB_PROCESS"
	FlowNodeTypeCallActivity FlowNodeType = "CALL_ACTIVITY"
)

type TimerKind string

const (
	// TimerKindDuration is an ISO-8601 duration relative to registration time, e.g. PT15M.
	TimerKindDuration TimerKind = "DURATION"
	// TimerKindDate is an absolute RFC 3339 timestamp.
	TimerKindDate TimerKind = "DATE"
	// TimerKindCycle is a recurring cron expression.
	TimerKindCycle TimerKind = "CYCLE"
)

// CorrelationPair is one key/value expression pair of a message trigger.
// Both sides are evaluated at registration (catch) respectively throw time.
type CorrelationPair struct {
	KeyExpression   string
	ValueExpression string
}

// TriggerDefinition is the immutable authoring-time description of one event
// cause. Only the fields matching Type are populated.
type TriggerDefinition struct {
	Id   string
	Type TriggerType

	// timer
	TimerKind       TimerKind
	TimerExpression string

	// message
	MessageName              string
	Correlations             []CorrelationPair
	TargetProcessExpression  string
	TargetFlowNodeExpression string

	// signal
	SignalName string

	// error; empty code on a catch side means catch-all
	ErrorCode string
}

// Operation is a single data assignment run against the resuming container.
type Operation struct {
	TargetVariable string
	Expression     string
}

// EventDefinition binds one or more triggers to a catch or throw flow node.
type EventDefinition struct {
	Id         string
	FlowNodeId string
	Type       EventType
	// Interrupting applies to boundary and event-sub-process start events
	Interrupting bool
	// AttachedToId is set for boundary events only
	AttachedToId string
	Triggers     []TriggerDefinition
	// Operations run against the flow node resumed by this event
	Operations []Operation
}

// EventSubProcess is a sub-process started by its own start event catching a
// trigger rather than by normal flow.
type EventSubProcess struct {
	Id string
	// ContainerId scopes the sub-process; empty means the process root
	ContainerId      string
	StartEvent       EventDefinition
	TargetFlowNodeId string
}

type FlowNode struct {
	Id   string
	Name string
	Type FlowNodeType
	// ContainerId is the embedding sub-process, empty for top-level nodes
	ContainerId   string
	MultiInstance bool
	// WrapsId is set on the wrapper node generated around a multi-instance
	// activity; boundary events of the activity attach to the wrapper
	WrapsId string
}

type ProcessDefinition struct {
	Key       int64
	ProcessId string
	Version   int32
	FlowNodes []FlowNode
	Events    []EventDefinition
	// CallActivities maps a call-activity node id to the called process id
	CallActivities    map[string]string
	EventSubProcesses []EventSubProcess
}

func (d *ProcessDefinition) FlowNode(id string) *FlowNode {
	for i := range d.FlowNodes {
		if d.FlowNodes[i].Id == id {
			return &d.FlowNodes[i]
		}
	}
	return nil
}

func (d *ProcessDefinition) Event(id string) *EventDefinition {
	for i := range d.Events {
		if d.Events[i].Id == id {
			return &d.Events[i]
		}
	}
	return nil
}

func (d *ProcessDefinition) EventForFlowNode(flowNodeId string) *EventDefinition {
	for i := range d.Events {
		if d.Events[i].FlowNodeId == flowNodeId {
			return &d.Events[i]
		}
	}
	return nil
}

// BoundaryEvents returns the boundary event definitions attached to the given
// activity.
func (d *ProcessDefinition) BoundaryEvents(attachedToId string) []EventDefinition {
	res := make([]EventDefinition, 0, 2)
	for _, e := range d.Events {
		if e.Type == EventTypeBoundary && e.AttachedToId == attachedToId {
			res = append(res, e)
		}
	}
	return res
}

// MultiInstanceWrapper returns the wrapper node generated around a
// multi-instance activity, or nil when the activity has none.
func (d *ProcessDefinition) MultiInstanceWrapper(activityId string) *FlowNode {
	for i := range d.FlowNodes {
		if d.FlowNodes[i].WrapsId == activityId {
			return &d.FlowNodes[i]
		}
	}
	return nil
}

func (d *ProcessDefinition) EventSubProcess(id string) *EventSubProcess {
	for i := range d.EventSubProcesses {
		if d.EventSubProcesses[i].Id == id {
			return &d.EventSubProcesses[i]
		}
	}
	return nil
}
