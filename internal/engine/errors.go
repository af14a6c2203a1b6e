package engine

import (
	"fmt"
	"strings"
)

// ValidationError indicates input the engine refuses to act on. Details, when
// present, name the individual offending items.
type ValidationError struct {
	Msg     string
	Details []string
}

func (e ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...any) ValidationError {
	return ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// ForbiddenError indicates the actor lacks the right to perform the
// operation.
type ForbiddenError struct {
	Msg string
}

func (e ForbiddenError) Error() string { return e.Msg }

// ConflictError indicates the operation collided with current state.
type ConflictError struct {
	Msg string
}

func (e ConflictError) Error() string { return e.Msg }

// conflictIfUnique converts a unique-constraint violation into a
// ConflictError and leaves every other error alone.
func conflictIfUnique(err error, msg string) error {
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ConflictError{Msg: msg}
	}
	return err
}
