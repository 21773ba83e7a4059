package pi

import (
	"fmt"

	"github.com/gomlx/gohip/driver"
	"github.com/pkg/errors"
)

// Result is the code of a failed runtime call, as reported to the dispatch layer.
type Result int

const (
	Success Result = iota
	InvalidValue
	InvalidOperation
	InvalidContext
	InvalidDevice
	InvalidQueue
	InvalidEvent
	InvalidMemObject
	InvalidKernel
	InvalidKernelArgs
	InvalidKernelName
	InvalidProgramExecutable
	BuildProgramFailure
	InvalidWorkDimension
	InvalidWorkGroupSize
	OutOfResources
	ProfilingInfoNotAvailable
	Unsupported
	DriverFailure
)

var resultNames = []string{"Success", "InvalidValue", "InvalidOperation", "InvalidContext", "InvalidDevice",
	"InvalidQueue", "InvalidEvent", "InvalidMemObject", "InvalidKernel", "InvalidKernelArgs", "InvalidKernelName",
	"InvalidProgramExecutable", "BuildProgramFailure", "InvalidWorkDimension", "InvalidWorkGroupSize",
	"OutOfResources", "ProfilingInfoNotAvailable", "Unsupported", "DriverFailure"}

// String implements fmt.Stringer.
func (r Result) String() string {
	if r >= 0 && int(r) < len(resultNames) {
		return resultNames[r]
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

// Error is the error returned by the runtime for failures that are not driver failures.
// Use ResultOf to get the Result of any error returned by this package.
type Error struct {
	Result Result
	Msg    string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Result, e.Msg)
}

// newError returns an *Error with a stack trace.
func newError(result Result, format string, args ...any) error {
	return errors.WithStack(&Error{Result: result, Msg: fmt.Sprintf(format, args...)})
}

// ResultOf returns the Result code of an error returned by this package.
//
// Driver failures map to OutOfResources when the driver ran out of memory or launch resources,
// and to DriverFailure otherwise. A nil error is Success.
func ResultOf(err error) Result {
	if err == nil {
		return Success
	}
	var piErr *Error
	if errors.As(err, &piErr) {
		return piErr.Result
	}
	var drvErr *driver.Error
	if errors.As(err, &drvErr) {
		switch drvErr.Status {
		case driver.ErrorOutOfMemory, driver.ErrorLaunchOutOfResources:
			return OutOfResources
		}
	}
	return DriverFailure
}

// firstError returns the first non-nil error. Used while tearing down objects, where every
// step is attempted regardless of earlier failures.
func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
