package approval

import (
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/opsgate/pkg/store"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrValidation          = errors.New("validation error")
	ErrInvalidState        = errors.New("invalid state")
	ErrExecution           = errors.New("execution error")
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	ErrActionNotVotable  = fmt.Errorf("action not votable: %w", ErrInvalidState)
	ErrActionNotApproved = fmt.Errorf("action not approved: %w", ErrInvalidState)
	ErrAlreadyExecuting  = fmt.Errorf("action already executing: %w", ErrConcurrencyConflict)
	ErrPolicyNameTaken   = fmt.Errorf("policy name already in use: %w", ErrValidation)
)

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// translate maps store sentinels onto the service's error kinds.
func translate(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	case errors.Is(err, store.ErrConflict):
		return fmt.Errorf("%s: %w", what, ErrConcurrencyConflict)
	}
	return fmt.Errorf("%s: %w", what, err)
}
