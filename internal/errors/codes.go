package errors

import (
	stderrors "errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode classifies cache failures
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Caller errors
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeUnsupported     ErrorCode = 1001
	ErrCodeConfiguration   ErrorCode = 1002

	// Node errors
	ErrCodeInternal    ErrorCode = 2000
	ErrCodeCacheLoader ErrorCode = 2001
	ErrCodeRemote      ErrorCode = 2002
	ErrCodeTimeout     ErrorCode = 2003
	ErrCodeInterrupted ErrorCode = 2004
	ErrCodeStaleView   ErrorCode = 2005
)

// CacheError is a structured error with a code and context
type CacheError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *CacheError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *CacheError) Unwrap() error {
	return e.Cause
}

// Is matches any CacheError carrying the same code, so callers can write
// errors.Is(err, errors.ErrUnsupported).
func (e *CacheError) Is(target error) bool {
	t, ok := target.(*CacheError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// ToGRPCStatus converts CacheError to a gRPC status
func (e *CacheError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

func (e *CacheError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument:
		return codes.InvalidArgument
	case ErrCodeUnsupported:
		return codes.Unimplemented
	case ErrCodeConfiguration:
		return codes.FailedPrecondition
	case ErrCodeStaleView:
		return codes.Aborted
	case ErrCodeTimeout:
		return codes.DeadlineExceeded
	case ErrCodeInterrupted:
		return codes.Canceled
	case ErrCodeRemote:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// NewCacheError creates a new CacheError
func NewCacheError(code ErrorCode, message string, cause error) *CacheError {
	return &CacheError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *CacheError) WithDetail(key string, value interface{}) *CacheError {
	e.Details[key] = value
	return e
}

// Sentinels for errors.Is comparisons
var (
	ErrUnsupported   = NewCacheError(ErrCodeUnsupported, "unsupported operation", nil)
	ErrConfiguration = NewCacheError(ErrCodeConfiguration, "configuration error", nil)
	ErrCacheLoader   = NewCacheError(ErrCodeCacheLoader, "cache loader error", nil)
	ErrRemote        = NewCacheError(ErrCodeRemote, "remote invocation error", nil)
	ErrInterrupted   = NewCacheError(ErrCodeInterrupted, "interrupted", nil)
	ErrStaleView     = NewCacheError(ErrCodeStaleView, "stale view", nil)
)

func InvalidArgument(message string, cause error) *CacheError {
	return NewCacheError(ErrCodeInvalidArgument, message, cause)
}

func Unsupported(operation string) *CacheError {
	return NewCacheError(ErrCodeUnsupported, fmt.Sprintf("unsupported operation: %s", operation), nil).
		WithDetail("operation", operation)
}

func Configuration(message string, cause error) *CacheError {
	return NewCacheError(ErrCodeConfiguration, message, cause)
}

func CacheLoader(key string, cause error) *CacheError {
	return NewCacheError(ErrCodeCacheLoader, fmt.Sprintf("cache loader failure for key %q", key), cause).
		WithDetail("key", key)
}

func Remote(target string, cause error) *CacheError {
	return NewCacheError(ErrCodeRemote, fmt.Sprintf("remote invocation on %s failed", target), cause).
		WithDetail("target", target)
}

func Timeout(message string, cause error) *CacheError {
	return NewCacheError(ErrCodeTimeout, message, cause)
}

func Interrupted(message string, cause error) *CacheError {
	return NewCacheError(ErrCodeInterrupted, message, cause)
}

func StaleView(viewID, lastViewID int) *CacheError {
	return NewCacheError(ErrCodeStaleView, fmt.Sprintf("view %d is older than last seen view %d", viewID, lastViewID), nil).
		WithDetail("view_id", viewID).
		WithDetail("last_view_id", lastViewID)
}

func InternalError(message string, cause error) *CacheError {
	return NewCacheError(ErrCodeInternal, message, cause)
}

// IsCacheError checks if an error chain contains a CacheError
func IsCacheError(err error) bool {
	var ce *CacheError
	return stderrors.As(err, &ce)
}

// GetCode extracts the error code from an error chain
func GetCode(err error) ErrorCode {
	var ce *CacheError
	if stderrors.As(err, &ce) {
		return ce.Code
	}
	return ErrCodeInternal
}

// IsUnsupported reports whether err signals an unsupported operation
func IsUnsupported(err error) bool {
	return GetCode(err) == ErrCodeUnsupported && IsCacheError(err)
}

// IsConfiguration reports whether err is a configuration error
func IsConfiguration(err error) bool {
	return GetCode(err) == ErrCodeConfiguration && IsCacheError(err)
}

// IsCacheLoader reports whether err is a cache loader error
func IsCacheLoader(err error) bool {
	return GetCode(err) == ErrCodeCacheLoader && IsCacheError(err)
}

// IsRemote reports whether err is a remote invocation failure
func IsRemote(err error) bool {
	return GetCode(err) == ErrCodeRemote && IsCacheError(err)
}

// IsInterrupted reports whether err signals a cancelled wait
func IsInterrupted(err error) bool {
	return GetCode(err) == ErrCodeInterrupted && IsCacheError(err)
}

// IsStaleView reports whether err rejects state from an old view
func IsStaleView(err error) bool {
	return GetCode(err) == ErrCodeStaleView && IsCacheError(err)
}

// FromGRPCError converts an error returned by a gRPC call back into a CacheError
func FromGRPCError(target string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return Remote(target, err)
	}
	switch st.Code() {
	case codes.DeadlineExceeded:
		return Timeout(fmt.Sprintf("call to %s timed out", target), err)
	case codes.Canceled:
		return Interrupted(fmt.Sprintf("call to %s canceled", target), err)
	case codes.Aborted:
		return NewCacheError(ErrCodeStaleView, st.Message(), err)
	case codes.Unimplemented:
		return NewCacheError(ErrCodeUnsupported, st.Message(), err)
	case codes.FailedPrecondition:
		return Configuration(st.Message(), err)
	default:
		return Remote(target, err)
	}
}
