package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Wrap these with NewDomainError / WrapOp so callers
// can classify failures with errors.Is without parsing strings.
var (
	// ErrFormat marks a malformed or corrupt frame. The frame must be
	// dropped and never partially applied; the link retransmits.
	ErrFormat = fmt.Errorf("malformed frame")
	// ErrTransport marks connect/send/receive failures and timeouts on
	// the device link. Recovered by session backoff, never fatal.
	ErrTransport = fmt.Errorf("transport failure")
	// ErrUpstream marks a backend that is unreachable or rejecting.
	// The delta stays queued and is not acked to the device.
	ErrUpstream = fmt.Errorf("upstream not durable")
	// ErrDuplicate marks a (device, sequence) pair the backend has
	// already applied. Not a failure: treated the same as accepted.
	ErrDuplicate = fmt.Errorf("duplicate delta")
	// ErrIntegrity marks a staged firmware image that failed
	// length/checksum verification. The stage is discarded.
	ErrIntegrity = fmt.Errorf("integrity check failed")
	// ErrStorage marks a persistent-storage failure on the device. The
	// only condition treated as unrecoverable: in-memory changes are
	// held until storage succeeds.
	ErrStorage = fmt.Errorf("persistent storage failure")

	ErrNotFound      = fmt.Errorf("not found")
	ErrTimeout       = fmt.Errorf("operation timed out")
	ErrSessionClosed = fmt.Errorf("session closed")
	ErrInvalidInput  = fmt.Errorf("invalid input")
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string // operation name (e.g. "Session.drain")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryable reports whether err is transient: the operation may
// succeed on a later attempt and must not drop data.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrUpstream) || errors.Is(err, ErrTimeout)
}

// ErrorCode is a machine-parseable error category for monitoring.
type ErrorCode string

const (
	CodeUnknown       ErrorCode = "UNKNOWN"
	CodeFormat        ErrorCode = "FORMAT"
	CodeTransport     ErrorCode = "TRANSPORT"
	CodeUpstream      ErrorCode = "UPSTREAM"
	CodeDuplicate     ErrorCode = "DUPLICATE"
	CodeIntegrity     ErrorCode = "INTEGRITY"
	CodeStorage       ErrorCode = "STORAGE"
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeSessionClosed ErrorCode = "SESSION_CLOSED"
	CodeInvalidInput  ErrorCode = "INVALID_INPUT"
)

var errorCodeMap = map[error]ErrorCode{
	ErrFormat:        CodeFormat,
	ErrTransport:     CodeTransport,
	ErrUpstream:      CodeUpstream,
	ErrDuplicate:     CodeDuplicate,
	ErrIntegrity:     CodeIntegrity,
	ErrStorage:       CodeStorage,
	ErrNotFound:      CodeNotFound,
	ErrTimeout:       CodeTimeout,
	ErrSessionClosed: CodeSessionClosed,
	ErrInvalidInput:  CodeInvalidInput,
}

// ErrorCodeOf returns the machine-parseable code for err, unwrapping
// DomainError and walking the chain with errors.Is. CodeUnknown when no
// sentinel matches.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	if code, ok := errorCodeMap[err]; ok {
		return code
	}
	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}
