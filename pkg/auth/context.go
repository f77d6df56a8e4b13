package auth

import (
	"context"
	"errors"
)

// ErrNoOperator is returned when the request carries no identity.
var ErrNoOperator = errors.New("no operator in context")

type operatorKey struct{}

// WithOperator attaches an Operator to the context.
func WithOperator(ctx context.Context, op Operator) context.Context {
	return context.WithValue(ctx, operatorKey{}, op)
}

// GetOperator retrieves the Operator from the context.
func GetOperator(ctx context.Context) (Operator, error) {
	op, ok := ctx.Value(operatorKey{}).(Operator)
	if !ok || op.ID == "" {
		return Operator{}, ErrNoOperator
	}
	return op, nil
}
