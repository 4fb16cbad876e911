package main

import (
	"errors"
	"regexp"
)

// Exit codes for the CLI surface: 0 success, 1 generic failure, 2 invalid
// arguments, 3 device not found, 4 permission denied.
const (
	exitOK = iota
	exitFailure
	exitInvalidArgs
	exitDeviceNotFound
	exitPermissionDenied
)

var busIDPattern = regexp.MustCompile(`^\d+-\d+$`)

// codedError carries the process exit code its cause should produce.
type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &codedError{code: code, err: err}
}

func exitCodeFor(err error) int {
	if err == nil {
		return exitOK
	}
	var ce *codedError
	if errors.As(err, &ce) {
		return ce.code
	}
	return exitFailure
}
