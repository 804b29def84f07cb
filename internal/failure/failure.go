// Package failure classifies errors by who can fix them.
//
// A System error means a collaborator was unreachable or returned malformed
// data and the event may succeed when redelivered. A User error means a
// precondition about build state is violated and redelivery cannot change the
// outcome. A BestEffort error belongs to a secondary call whose failure must
// never abort the primary operation.
package failure

import (
	"errors"
	"fmt"
)

// Kind represents the error kind as a string.
type Kind string

const (
	KindSystem     Kind = "SYSTEM"
	KindUser       Kind = "USER"
	KindBestEffort Kind = "BEST_EFFORT"
)

// Codes used by the engine.
const (
	CodeModelDecode           = 2101001
	CodeModelEncode           = 2101002
	CodeTaskNotFound          = 2101003
	CodePauseRecordDecode     = 2101004
	CodeUnknownAction         = 2101005
	CodeBuildNotFound         = 2101006
	CodePipelineStatusError   = 2135001
	CodePipelineNotRunning    = 2135002
	CodeSessionStore          = 2135003
	CodeLaunchFailed          = 2135004
	CodeVMStatusReport        = 2135005
	CodeMonitoringUnavailable = 2135006
)

// Error is an error with a kind, a machine code and a human-readable message.
type Error struct {
	Kind    Kind
	Code    int
	Message string
	Err     error // optional
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %d: %s: %v", e.Kind, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s %d: %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// System returns a new System error. err may be nil.
func System(code int, message string, err error) *Error {
	return &Error{Kind: KindSystem, Code: code, Message: message, Err: err}
}

// User returns a new User error. err may be nil.
func User(code int, message string, err error) *Error {
	return &Error{Kind: KindUser, Code: code, Message: message, Err: err}
}

// BestEffort returns a new BestEffort error. err may be nil.
func BestEffort(code int, message string, err error) *Error {
	return &Error{Kind: KindBestEffort, Code: code, Message: message, Err: err}
}

// As returns the first *Error in err's tree.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err.
// Errors that weren't classified are treated as System errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindSystem
}

// Retryable reports whether redelivering the event that caused err may succeed.
func Retryable(err error) bool {
	return err != nil && KindOf(err) != KindUser
}
