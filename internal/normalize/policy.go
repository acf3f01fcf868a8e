package normalize

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"

	"github.com/lsm/cdcrelay/internal/envelope"
)

// OperationPolicy decides which operations are turned into events.
type OperationPolicy interface {
	Accept(op envelope.Operation, collection string) (bool, error)
}

// CreateOnly accepts insert operations and nothing else.
type CreateOnly struct{}

// Accept implements OperationPolicy.
func (CreateOnly) Accept(op envelope.Operation, _ string) (bool, error) {
	return op == envelope.OpCreate, nil
}

// OperationSet accepts a fixed set of operation codes.
type OperationSet map[envelope.Operation]bool

// NewOperationSet builds an OperationSet from Debezium codes ("c", "u", ...).
func NewOperationSet(codes ...string) (OperationSet, error) {
	set := make(OperationSet, len(codes))
	for _, code := range codes {
		op := envelope.Operation(code)
		if !op.Known() {
			return nil, fmt.Errorf("unknown operation code %q", code)
		}
		set[op] = true
	}
	return set, nil
}

// Accept implements OperationPolicy.
func (s OperationSet) Accept(op envelope.Operation, _ string) (bool, error) {
	return s[op], nil
}

// CELPolicy evaluates a boolean CEL expression per envelope. The expression
// sees "op" (the Debezium code) and "collection" (the topic suffix).
type CELPolicy struct {
	expression string
	program    cel.Program
}

// NewCELPolicy compiles expression into a policy.
func NewCELPolicy(expression string) (*CELPolicy, error) {
	env, err := cel.NewEnv(
		cel.Variable("op", cel.StringType),
		cel.Variable("collection", cel.StringType),
		ext.Strings(),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel compile: %w", issues.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("cel program: %w", err)
	}

	return &CELPolicy{expression: expression, program: prg}, nil
}

// Accept implements OperationPolicy.
func (p *CELPolicy) Accept(op envelope.Operation, collection string) (bool, error) {
	out, _, err := p.program.Eval(map[string]any{
		"op":         string(op),
		"collection": collection,
	})
	if err != nil {
		return false, fmt.Errorf("cel eval: %w", err)
	}
	accepted, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("cel expression %q returned %T, want bool", p.expression, out.Value())
	}
	return accepted, nil
}

// String returns the source expression.
func (p *CELPolicy) String() string { return p.expression }

func eventTypeFor(op envelope.Operation) string {
	switch op {
	case envelope.OpCreate:
		return envelope.EventInsert
	case envelope.OpUpdate:
		return envelope.EventUpdate
	case envelope.OpDelete:
		return envelope.EventDelete
	case envelope.OpRead:
		return envelope.EventRead
	case envelope.OpTruncate:
		return envelope.EventTruncate
	default:
		return string(op)
	}
}
