package storage

import (
	"context"
	"errors"

	"github.com/fluxbpm/fluxbpm/pkg/bpmn/model"
	"github.com/fluxbpm/fluxbpm/pkg/bpmn/runtime"
)

// ErrNotFound is returned by fetch-one methods when no match exists.
var ErrNotFound = errors.New("not found")

// ErrDuplicateWaitingEvent is returned when a second active registration for
// the same (owning scope, trigger key) is saved. Duplicates are a modeling
// error, never merged silently.
var ErrDuplicateWaitingEvent = errors.New("duplicate active waiting event")

// Storage is the abstract keyed store the event subsystem runs against.
// Methods that are expected to return exactly one match MUST return
// ErrNotFound when the result does not exist.
type Storage interface {
	ProcessDefinitionStorageReader
	ProcessDefinitionStorageWriter
	ProcessInstanceStorageReader
	ProcessInstanceStorageWriter
	FlowNodeStorageReader
	FlowNodeStorageWriter
	WaitingEventStorageReader
	WaitingEventStorageWriter
	MessageStorageReader
	MessageStorageWriter
	TimerTriggerStorageReader
	TimerTriggerStorageWriter
	PlatformStorage

	GenerateKey() int64
}

// TxExecutor runs a unit of work inside one transactional boundary. Resume
// paths use it so that waiting-event deletion and flow-node re-entry commit
// atomically.
type TxExecutor interface {
	Execute(ctx context.Context, work func(ctx context.Context) error) error
}

// Page bounds a filtered read.
type Page struct {
	Offset int
	Limit  int
}

// WaitingEventFilter narrows a paginated waiting-event search. Nil/zero
// fields are not applied.
type WaitingEventFilter struct {
	ParentProcessInstanceKey *int64
	FlowNodeDefinitionId     string
	SubProcessId             string
	TriggerType              model.TriggerType
	EventType                model.EventType
	MessageName              string
	Correlations             *runtime.CorrelationSlots
	SignalName               string
	// ErrorCode is a pointer so the catch-all (empty) code can be filtered on
	ErrorCode *string
	Active    *bool
}

type ProcessDefinitionStorageReader interface {
	FindProcessDefinitionByKey(ctx context.Context, processDefinitionKey int64) (model.ProcessDefinition, error)

	// FindLatestProcessDefinitionById returns the highest version registered
	// under the given process id
	FindLatestProcessDefinitionById(ctx context.Context, processId string) (model.ProcessDefinition, error)
}

type ProcessDefinitionStorageWriter interface {
	// SaveProcessDefinition persists a ProcessDefinition
	// and potentially overwrites prior data stored with the given Key
	SaveProcessDefinition(ctx context.Context, definition model.ProcessDefinition) error
}

type ProcessInstanceStorageReader interface {
	FindProcessInstanceByKey(ctx context.Context, processInstanceKey int64) (runtime.ProcessInstance, error)
}

type ProcessInstanceStorageWriter interface {
	// SaveProcessInstance persists the instance
	// and potentially overwrites prior data stored with the given key
	SaveProcessInstance(ctx context.Context, instance runtime.ProcessInstance) error
}

type FlowNodeStorageReader interface {
	FindFlowNodeInstanceByKey(ctx context.Context, flowNodeInstanceKey int64) (runtime.FlowNodeInstance, error)

	// FindProcessInstanceFlowNodes returns the direct flow-node instances of
	// a process instance (nodes embedded in a child activity excluded)
	FindProcessInstanceFlowNodes(ctx context.Context, processInstanceKey int64) ([]runtime.FlowNodeInstance, error)

	// FindChildFlowNodeInstances returns the direct children of an activity
	FindChildFlowNodeInstances(ctx context.Context, parentActivityKey int64) ([]runtime.FlowNodeInstance, error)
}

type FlowNodeStorageWriter interface {
	SaveFlowNodeInstance(ctx context.Context, instance runtime.FlowNodeInstance) error
}

type WaitingEventStorageReader interface {
	FindWaitingEventByKey(ctx context.Context, key int64) (runtime.WaitingEvent, error)

	// FindWaitingEvents returns active-first matches for the filter, bounded
	// by page; ordering inside one filter is stable by key
	FindWaitingEvents(ctx context.Context, filter WaitingEventFilter, page Page) ([]runtime.WaitingEvent, error)

	// FindBoundaryWaitingEvent fetches the single active boundary
	// registration attached to the given flow node matching the error code.
	// Returns ErrNotFound when none exists.
	FindBoundaryWaitingEvent(ctx context.Context, flowNodeId string, processInstanceKey int64, errorCode string) (runtime.WaitingEvent, error)
}

type WaitingEventStorageWriter interface {
	// SaveWaitingEvent persists the registration. Returns
	// ErrDuplicateWaitingEvent when another active registration with the same
	// trigger key already exists.
	SaveWaitingEvent(ctx context.Context, event runtime.WaitingEvent) error

	// DeleteWaitingEvent removes the registration; deleting an absent key is
	// a no-op so that interruption cleanup stays idempotent
	DeleteWaitingEvent(ctx context.Context, key int64) error
}

type MessageStorageReader interface {
	FindMessageInstanceByKey(ctx context.Context, key int64) (runtime.MessageInstance, error)

	// FindMessageInstances returns the not-yet-consumed message instances
	// with the given name and canonical correlation slots, oldest first
	FindMessageInstances(ctx context.Context, messageName string, correlations runtime.CorrelationSlots) ([]runtime.MessageInstance, error)
}

type MessageStorageWriter interface {
	SaveMessageInstance(ctx context.Context, message runtime.MessageInstance) error

	DeleteMessageInstance(ctx context.Context, key int64) error
}

type TimerTriggerStorageReader interface {
	FindTimerTriggerByJobName(ctx context.Context, jobName string) (runtime.TimerTriggerInstance, error)
}

type TimerTriggerStorageWriter interface {
	SaveTimerTrigger(ctx context.Context, trigger runtime.TimerTriggerInstance) error

	// DeleteTimerTriggerByJobName removes the trigger instance; absent names
	// are a no-op
	DeleteTimerTriggerByJobName(ctx context.Context, jobName string) error
}

// PlatformStorage is the platform-wide key/value slot holding opaque blobs,
// e.g. the encrypted start-rate counter.
type PlatformStorage interface {
	ReadPlatformValue(ctx context.Context, key string) ([]byte, error)

	WritePlatformValue(ctx context.Context, key string, value []byte) error
}
