package driver

import (
	"fmt"
)

// Status is the code returned by a failing driver call.
type Status int

const (
	Success Status = iota
	ErrorInvalidValue
	ErrorOutOfMemory
	ErrorNotInitialized
	ErrorInvalidDevice
	ErrorInvalidContext
	ErrorInvalidHandle
	ErrorInvalidImage
	ErrorNotFound
	ErrorNotReady
	ErrorLaunchFailure
	ErrorLaunchOutOfResources
	ErrorNotSupported
	ErrorUnknown
)

var statusNames = map[Status]string{
	Success:                   "Success",
	ErrorInvalidValue:         "InvalidValue",
	ErrorOutOfMemory:          "OutOfMemory",
	ErrorNotInitialized:       "NotInitialized",
	ErrorInvalidDevice:        "InvalidDevice",
	ErrorInvalidContext:       "InvalidContext",
	ErrorInvalidHandle:        "InvalidHandle",
	ErrorInvalidImage:         "InvalidImage",
	ErrorNotFound:             "NotFound",
	ErrorNotReady:             "NotReady",
	ErrorLaunchFailure:        "LaunchFailure",
	ErrorLaunchOutOfResources: "LaunchOutOfResources",
	ErrorNotSupported:         "NotSupported",
	ErrorUnknown:              "Unknown",
}

// String implements fmt.Stringer.
func (s Status) String() string {
	if name, found := statusNames[s]; found {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Error is returned by drivers for failing calls.
type Error struct {
	Op     string
	Status Status
	Msg    string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s failed with %s (code=%d)", e.Op, e.Status, int(e.Status))
	}
	return fmt.Sprintf("%s failed with %s (code=%d): %s", e.Op, e.Status, int(e.Status), e.Msg)
}

// NewError creates a driver Error for the given operation.
func NewError(op string, status Status, format string, args ...any) *Error {
	return &Error{Op: op, Status: status, Msg: fmt.Sprintf(format, args...)}
}
