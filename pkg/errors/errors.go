// Package errors provides coded, structured errors for canteen.
// Only configuration and liveness errors are allowed to end the process;
// everything else is contained by the component that raised it.
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"
)

// Code identifies an error class for programmatic handling.
type Code string

const (
	// Configuration errors (1xx)
	CodeInvalidConfig   Code = "E101"
	CodeUnknownRenderer Code = "E102"
	CodeConfigFile      Code = "E103"

	// Liveness errors (2xx)
	CodeLiveness Code = "E201"

	// Actor errors (3xx)
	CodeTransientActor Code = "E301"
	CodeNotHolder      Code = "E302"

	// Diagnostics (4xx)
	CodeStarved Code = "E401"

	// System errors (5xx)
	CodeContextCanceled Code = "E501"

	// Unknown
	CodeUnknown Code = "E999"
)

// Process exit statuses returned by ExitCode.
const (
	ExitOK       = 0
	ExitFailure  = 1
	ExitConfig   = 2
	ExitLiveness = 3
)

// CanteenError is the base error type for all canteen errors.
type CanteenError struct {
	Code       Code
	Message    string
	Cause      error
	Context    map[string]interface{}
	StackTrace []Frame
}

// Frame represents a stack frame.
type Frame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface.
func (e *CanteenError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		sb.WriteString(")")
	}

	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}

	return sb.String()
}

// Unwrap returns the underlying cause.
func (e *CanteenError) Unwrap() error {
	return e.Cause
}

// Is matches another CanteenError by code.
func (e *CanteenError) Is(target error) bool {
	if t, ok := target.(*CanteenError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithContext adds context to the error.
func (e *CanteenError) WithContext(key string, value interface{}) *CanteenError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new CanteenError.
func New(code Code, message string) *CanteenError {
	return &CanteenError{
		Code:       code,
		Message:    message,
		StackTrace: captureStack(2),
	}
}

// Wrap wraps an existing error with a code and message.
func Wrap(err error, code Code, message string) *CanteenError {
	if err == nil {
		return nil
	}

	return &CanteenError{
		Code:       code,
		Message:    message,
		Cause:      err,
		StackTrace: captureStack(2),
	}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, code Code, format string, args ...interface{}) *CanteenError {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

func captureStack(skip int) []Frame {
	var frames []Frame
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)
	pcs = pcs[:n]

	cf := runtime.CallersFrames(pcs)
	for {
		frame, more := cf.Next()
		frames = append(frames, Frame{
			Function: frame.Function,
			File:     frame.File,
			Line:     frame.Line,
		})
		if !more || len(frames) >= 10 {
			break
		}
	}
	return frames
}

// FormatStack returns a formatted stack trace.
func (e *CanteenError) FormatStack() string {
	var sb strings.Builder
	for _, f := range e.StackTrace {
		sb.WriteString(fmt.Sprintf("  at %s\n    %s:%d\n", f.Function, f.File, f.Line))
	}
	return sb.String()
}

// --- Convenience constructors ---

// InvalidConfig reports a configuration value that cannot be used.
func InvalidConfig(field string, value interface{}, reason string) *CanteenError {
	return New(CodeInvalidConfig, "invalid configuration: "+reason).
		WithContext("field", field).
		WithContext("value", value)
}

// UnknownRenderer reports an unsupported rendering strategy.
func UnknownRenderer(name string, available []string) *CanteenError {
	return New(CodeUnknownRenderer, "unknown renderer").
		WithContext("renderer", name).
		WithContext("available", available)
}

// ConfigFile reports an existing configuration file that could not be loaded.
func ConfigFile(path string, err error) *CanteenError {
	return Wrap(err, CodeConfigFile, "failed to load config file").
		WithContext("path", path)
}

// Liveness reports that the observer saw no event within its idle timeout.
func Liveness(idle time.Duration, queueDepth int) *CanteenError {
	return New(CodeLiveness, "no state transition observed within idle timeout").
		WithContext("idle_timeout", idle).
		WithContext("queue_depth", queueDepth)
}

// TransientActor wraps a failure inside one actor iteration.
func TransientActor(actor int, cause error) *CanteenError {
	return Wrap(cause, CodeTransientActor, "actor iteration abandoned").
		WithContext("actor", actor)
}

// NotHolder reports a release attempted by an actor that does not hold the resource.
func NotHolder(resource, owner, holder int) *CanteenError {
	return New(CodeNotHolder, "release by non-holder").
		WithContext("resource", resource).
		WithContext("owner", owner).
		WithContext("holder", holder)
}

// Starved reports an actor that exceeded its starvation threshold.
func Starved(actor int, since time.Duration) *CanteenError {
	return New(CodeStarved, "actor starved").
		WithContext("actor", actor).
		WithContext("since_last_meal", since)
}

// ContextCanceled reports an operation abandoned because its context
// ended. cause is usually ctx.Err().
func ContextCanceled(operation string, cause error) *CanteenError {
	err := &CanteenError{
		Code:       CodeContextCanceled,
		Message:    "operation canceled",
		Cause:      cause,
		StackTrace: captureStack(2),
	}
	return err.WithContext("operation", operation)
}

// --- Error checking utilities ---

// IsCode checks if an error has a specific code.
func IsCode(err error, code Code) bool {
	var cErr *CanteenError
	if errors.As(err, &cErr) {
		return cErr.Code == code
	}
	return false
}

// GetCode extracts the error code from an error.
func GetCode(err error) Code {
	var cErr *CanteenError
	if errors.As(err, &cErr) {
		return cErr.Code
	}
	return CodeUnknown
}

// IsConfiguration reports whether err is a configuration error.
func IsConfiguration(err error) bool {
	switch GetCode(err) {
	case CodeInvalidConfig, CodeUnknownRenderer, CodeConfigFile:
		return true
	default:
		return false
	}
}

// IsLiveness reports whether err is a liveness error.
func IsLiveness(err error) bool {
	return IsCode(err, CodeLiveness)
}

// IsFatal returns true if the error must terminate the process.
func IsFatal(err error) bool {
	return IsConfiguration(err) || IsLiveness(err)
}

// ExitCode maps an error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case IsConfiguration(err):
		return ExitConfig
	case IsLiveness(err):
		return ExitLiveness
	default:
		return ExitFailure
	}
}
