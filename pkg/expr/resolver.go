// Package expr is the expression-resolver boundary of the event subsystem.
// Expressions follow the engine convention that an evaluated expression
// starts with "="; anything else is treated as a constant.
package expr

import (
	"fmt"
	"strings"

	"github.com/pbinitiative/feel"
)

// ContainerType tags the container an expression context is rooted at.
type ContainerType string

const (
	ContainerTypeProcessInstance  ContainerType = "PROCESS_INSTANCE"
	ContainerTypeFlowNodeInstance ContainerType = "FLOW_NODE_INSTANCE"
)

// Context carries the evaluation scope of one resolution call.
type Context struct {
	ContainerKey         int64
	ContainerType        ContainerType
	ProcessDefinitionKey int64
	Variables            map[string]any
}

type Resolver interface {
	// Evaluate resolves one expression against the context.
	// Might return EvaluationError or InvalidExpressionError.
	Evaluate(expression string, evalCtx Context) (any, error)

	// EvaluateAll resolves a batch of named expressions against one shared
	// context; fails on the first erroring expression.
	EvaluateAll(expressions map[string]string, evalCtx Context) (map[string]any, error)
}

type EvaluationError struct {
	Expression string
	Err        error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("failed to evaluate expression %q: %s", e.Expression, e.Err)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

type InvalidExpressionError struct {
	Expression string
	Msg        string
}

func (e *InvalidExpressionError) Error() string {
	return fmt.Sprintf("invalid expression %q: %s", e.Expression, e.Msg)
}

// FeelResolver evaluates "="-prefixed expressions through FEEL.
type FeelResolver struct{}

var _ Resolver = FeelResolver{}

func NewFeelResolver() FeelResolver {
	return FeelResolver{}
}

func (r FeelResolver) Evaluate(expression string, evalCtx Context) (any, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, &InvalidExpressionError{Expression: expression, Msg: "empty expression"}
	}
	if !strings.HasPrefix(expression, "=") {
		return expression, nil
	}
	body := strings.TrimPrefix(expression, "=")
	res, err := feel.EvalStringWithScope(body, evalCtx.Variables)
	if err != nil {
		return nil, &EvaluationError{Expression: expression, Err: err}
	}
	return res, nil
}

func (r FeelResolver) EvaluateAll(expressions map[string]string, evalCtx Context) (map[string]any, error) {
	res := make(map[string]any, len(expressions))
	for name, expression := range expressions {
		v, err := r.Evaluate(expression, evalCtx)
		if err != nil {
			return nil, err
		}
		res[name] = v
	}
	return res, nil
}
