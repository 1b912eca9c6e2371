package bpmn

import (
	"fmt"
	"sort"

	"github.com/fluxbpm/fluxbpm/pkg/bpmn/model"
	"github.com/fluxbpm/fluxbpm/pkg/bpmn/runtime"
	"github.com/fluxbpm/fluxbpm/pkg/expr"
)

// CorrelationEvaluator computes the canonical correlation slots of a message
// trigger. Key and value expressions are evaluated once, then the pairs are
// sorted by evaluated key before being written into the fixed slots; unused
// slots hold the NONE sentinel. The canonical ordering is what allows
// exact-match lookup at throw time regardless of declaration order, and it
// must be identical on the catch and the throw side.
type CorrelationEvaluator struct {
	resolver expr.Resolver
}

func NewCorrelationEvaluator(resolver expr.Resolver) CorrelationEvaluator {
	return CorrelationEvaluator{resolver: resolver}
}

type correlationEntry struct {
	key   string
	value string
}

// EvaluateSlots resolves the pairs against the context and returns the
// canonical slot assignment. Evaluating the same inputs twice yields the
// same slots.
func (e CorrelationEvaluator) EvaluateSlots(pairs []model.CorrelationPair, evalCtx expr.Context) (runtime.CorrelationSlots, error) {
	slots := runtime.EmptyCorrelationSlots()
	if len(pairs) > runtime.CorrelationSlotCount {
		return slots, newEventCreationErrorf("message trigger declares %d correlation pairs, at most %d are supported",
			len(pairs), runtime.CorrelationSlotCount)
	}

	entries := make([]correlationEntry, 0, len(pairs))
	for _, pair := range pairs {
		key, err := e.resolver.Evaluate(pair.KeyExpression, evalCtx)
		if err != nil {
			return slots, err
		}
		value, err := e.resolver.Evaluate(pair.ValueExpression, evalCtx)
		if err != nil {
			return slots, err
		}
		entries = append(entries, correlationEntry{
			key:   correlationString(key),
			value: correlationString(value),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].key < entries[j].key
	})

	for i, entry := range entries {
		slots[i] = entry.key + "=" + entry.value
	}
	return slots, nil
}

func correlationString(v any) string {
	if v == nil {
		return runtime.CorrelationNone
	}
	return fmt.Sprintf("%v", v)
}
