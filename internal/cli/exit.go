package cli

import (
	"errors"
	"fmt"
)

// Exit codes for ksefmon.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // a cycle, revoke or listing failed at runtime
	ExitCommandError = 2 // bad flags or configuration
)

// ExitError carries the process exit code out of a command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode returns ExitSuccess for nil, the code of an ExitError, and ExitFailure otherwise.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}
