package inmemory

import (
	"context"
	"math/rand"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/fluxbpm/fluxbpm/pkg/bpmn/model"
	"github.com/fluxbpm/fluxbpm/pkg/bpmn/runtime"
	"github.com/fluxbpm/fluxbpm/pkg/storage"
)

// Storage keeps all event subsystem state in memory,
// please use NewStorage to create a new object of this type.
type Storage struct {
	mu                 sync.RWMutex
	keySeq             atomic.Int64
	ProcessDefinitions map[int64]model.ProcessDefinition
	ProcessInstances   map[int64]runtime.ProcessInstance
	FlowNodeInstances  map[int64]runtime.FlowNodeInstance
	WaitingEvents      map[int64]runtime.WaitingEvent
	MessageInstances   map[int64]runtime.MessageInstance
	TimerTriggers      map[int64]runtime.TimerTriggerInstance
	PlatformValues     map[string][]byte
}

func NewStorage() *Storage {
	s := &Storage{
		ProcessDefinitions: make(map[int64]model.ProcessDefinition),
		ProcessInstances:   make(map[int64]runtime.ProcessInstance),
		FlowNodeInstances:  make(map[int64]runtime.FlowNodeInstance),
		WaitingEvents:      make(map[int64]runtime.WaitingEvent),
		MessageInstances:   make(map[int64]runtime.MessageInstance),
		TimerTriggers:      make(map[int64]runtime.TimerTriggerInstance),
		PlatformValues:     make(map[string][]byte),
	}
	s.keySeq.Store(rand.Int63n(1 << 60))
	return s
}

var _ storage.Storage = &Storage{}

// GenerateKey is monotonic, so key order reflects creation order and
// oldest-first reads behave like they would against a real sequence.
func (mem *Storage) GenerateKey() int64 {
	return mem.keySeq.Add(1)
}

var _ storage.ProcessDefinitionStorageReader = &Storage{}

func (mem *Storage) FindProcessDefinitionByKey(ctx context.Context, processDefinitionKey int64) (model.ProcessDefinition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.ProcessDefinitions[processDefinitionKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindLatestProcessDefinitionById(ctx context.Context, processId string) (model.ProcessDefinition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	var res model.ProcessDefinition
	found := false
	for _, def := range mem.ProcessDefinitions {
		if def.ProcessId != processId {
			continue
		}
		if found && def.Version < res.Version {
			continue
		}
		found = true
		res = def
	}
	if !found {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) SaveProcessDefinition(ctx context.Context, definition model.ProcessDefinition) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.ProcessDefinitions[definition.Key] = definition
	return nil
}

var _ storage.ProcessInstanceStorageReader = &Storage{}

func (mem *Storage) FindProcessInstanceByKey(ctx context.Context, processInstanceKey int64) (runtime.ProcessInstance, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.ProcessInstances[processInstanceKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) SaveProcessInstance(ctx context.Context, instance runtime.ProcessInstance) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.ProcessInstances[instance.Key] = instance
	return nil
}

var _ storage.FlowNodeStorageReader = &Storage{}

func (mem *Storage) FindFlowNodeInstanceByKey(ctx context.Context, flowNodeInstanceKey int64) (runtime.FlowNodeInstance, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.FlowNodeInstances[flowNodeInstanceKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindProcessInstanceFlowNodes(ctx context.Context, processInstanceKey int64) ([]runtime.FlowNodeInstance, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.FlowNodeInstance, 0)
	for _, fni := range mem.FlowNodeInstances {
		if fni.ProcessInstanceKey == processInstanceKey && fni.ParentActivityKey == 0 {
			res = append(res, fni)
		}
	}
	sortByKey(res, func(i runtime.FlowNodeInstance) int64 { return i.Key })
	return res, nil
}

func (mem *Storage) FindChildFlowNodeInstances(ctx context.Context, parentActivityKey int64) ([]runtime.FlowNodeInstance, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.FlowNodeInstance, 0)
	for _, fni := range mem.FlowNodeInstances {
		if fni.ParentActivityKey == parentActivityKey {
			res = append(res, fni)
		}
	}
	sortByKey(res, func(i runtime.FlowNodeInstance) int64 { return i.Key })
	return res, nil
}

func (mem *Storage) SaveFlowNodeInstance(ctx context.Context, instance runtime.FlowNodeInstance) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.FlowNodeInstances[instance.Key] = instance
	return nil
}

var _ storage.WaitingEventStorageReader = &Storage{}

func (mem *Storage) FindWaitingEventByKey(ctx context.Context, key int64) (runtime.WaitingEvent, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.WaitingEvents[key]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindWaitingEvents(ctx context.Context, filter storage.WaitingEventFilter, page storage.Page) ([]runtime.WaitingEvent, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.WaitingEvent, 0)
	for _, we := range mem.WaitingEvents {
		if !matchesFilter(we, filter) {
			continue
		}
		res = append(res, we)
	}
	sortByKey(res, func(w runtime.WaitingEvent) int64 { return w.Key })
	if page.Offset >= len(res) {
		return []runtime.WaitingEvent{}, nil
	}
	res = res[page.Offset:]
	if page.Limit > 0 && len(res) > page.Limit {
		res = res[:page.Limit]
	}
	return res, nil
}

func (mem *Storage) FindBoundaryWaitingEvent(ctx context.Context, flowNodeId string, processInstanceKey int64, errorCode string) (runtime.WaitingEvent, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	for _, we := range mem.WaitingEvents {
		if !we.Active || we.EventType != model.EventTypeBoundary {
			continue
		}
		if we.FlowNodeDefinitionId != flowNodeId || we.ParentProcessInstanceKey != processInstanceKey {
			continue
		}
		if we.TriggerType == model.TriggerTypeError && we.ErrorCode != errorCode {
			continue
		}
		return we, nil
	}
	return runtime.WaitingEvent{}, storage.ErrNotFound
}

func (mem *Storage) SaveWaitingEvent(ctx context.Context, event runtime.WaitingEvent) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	if event.Active {
		key := event.TriggerKey()
		for _, existing := range mem.WaitingEvents {
			if existing.Key != event.Key && existing.Active && existing.TriggerKey() == key {
				return storage.ErrDuplicateWaitingEvent
			}
		}
	}
	mem.WaitingEvents[event.Key] = event
	return nil
}

func (mem *Storage) DeleteWaitingEvent(ctx context.Context, key int64) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	delete(mem.WaitingEvents, key)
	return nil
}

var _ storage.MessageStorageReader = &Storage{}

func (mem *Storage) FindMessageInstanceByKey(ctx context.Context, key int64) (runtime.MessageInstance, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.MessageInstances[key]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindMessageInstances(ctx context.Context, messageName string, correlations runtime.CorrelationSlots) ([]runtime.MessageInstance, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.MessageInstance, 0)
	for _, m := range mem.MessageInstances {
		if m.MessageName == messageName && m.Correlations == correlations {
			res = append(res, m)
		}
	}
	sortByKey(res, func(m runtime.MessageInstance) int64 { return m.Key })
	return res, nil
}

func (mem *Storage) SaveMessageInstance(ctx context.Context, message runtime.MessageInstance) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.MessageInstances[message.Key] = message
	return nil
}

func (mem *Storage) DeleteMessageInstance(ctx context.Context, key int64) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	delete(mem.MessageInstances, key)
	return nil
}

var _ storage.TimerTriggerStorageReader = &Storage{}

func (mem *Storage) FindTimerTriggerByJobName(ctx context.Context, jobName string) (runtime.TimerTriggerInstance, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	for _, t := range mem.TimerTriggers {
		if t.JobName == jobName {
			return t, nil
		}
	}
	return runtime.TimerTriggerInstance{}, storage.ErrNotFound
}

func (mem *Storage) SaveTimerTrigger(ctx context.Context, trigger runtime.TimerTriggerInstance) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.TimerTriggers[trigger.Key] = trigger
	return nil
}

func (mem *Storage) DeleteTimerTriggerByJobName(ctx context.Context, jobName string) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	for key, t := range mem.TimerTriggers {
		if t.JobName == jobName {
			delete(mem.TimerTriggers, key)
		}
	}
	return nil
}

var _ storage.PlatformStorage = &Storage{}

func (mem *Storage) ReadPlatformValue(ctx context.Context, key string) ([]byte, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.PlatformValues[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) WritePlatformValue(ctx context.Context, key string, value []byte) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.PlatformValues[key] = value
	return nil
}

// Tx executes units of work directly against the map store; writes commit
// eagerly, which preserves the "delete before next page read" ordering the
// dispatcher relies on.
type Tx struct{}

var _ storage.TxExecutor = Tx{}

func (Tx) Execute(ctx context.Context, work func(ctx context.Context) error) error {
	return work(ctx)
}

func matchesFilter(we runtime.WaitingEvent, filter storage.WaitingEventFilter) bool {
	if filter.ParentProcessInstanceKey != nil && we.ParentProcessInstanceKey != *filter.ParentProcessInstanceKey {
		return false
	}
	if filter.FlowNodeDefinitionId != "" && we.FlowNodeDefinitionId != filter.FlowNodeDefinitionId {
		return false
	}
	if filter.SubProcessId != "" && we.SubProcessId != filter.SubProcessId {
		return false
	}
	if filter.TriggerType != "" && we.TriggerType != filter.TriggerType {
		return false
	}
	if filter.EventType != "" && we.EventType != filter.EventType {
		return false
	}
	if filter.MessageName != "" && we.MessageName != filter.MessageName {
		return false
	}
	if filter.Correlations != nil && we.Correlations != *filter.Correlations {
		return false
	}
	if filter.SignalName != "" && we.SignalName != filter.SignalName {
		return false
	}
	if filter.ErrorCode != nil && we.ErrorCode != *filter.ErrorCode {
		return false
	}
	if filter.Active != nil && we.Active != *filter.Active {
		return false
	}
	return true
}

func sortByKey[T any](items []T, key func(T) int64) {
	slices.SortFunc(items, func(a, b T) int {
		switch {
		case key(a) < key(b):
			return -1
		case key(a) > key(b):
			return 1
		}
		return 0
	})
}
