package core

import "fmt"

// ErrorCode tags a DomainError with the taxonomy from the error
// handling design: ProtocolError, AuthError, NoMatch, AllocationLost,
// ResourceBusy, Transient. Only typed JSON-RPC errors cross the
// component boundary; internal Go error types never leak past
// internal/rpc's error mapping.
type ErrorCode string

const (
	CodeProtocol       ErrorCode = "ProtocolError"
	CodeAuth           ErrorCode = "AuthError"
	CodeNoMatch        ErrorCode = "NoMatch"
	CodeAllocationLost ErrorCode = "AllocationLost"
	CodeResourceBusy   ErrorCode = "ResourceBusy"
	CodeTransient      ErrorCode = "Transient"
)

// DomainError is the single error type that crosses a JSON-RPC
// boundary. It carries a taxonomy code plus a short human message.
type DomainError struct {
	Code    ErrorCode
	Message string
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewDomainError constructs a DomainError with a formatted message.
func NewDomainError(code ErrorCode, format string, args ...any) *DomainError {
	return &DomainError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Sentinel errors for common local (non-serialized) failure paths.
var (
	ErrNoMatch        = &DomainError{Code: CodeNoMatch, Message: "no place matches the requested spec"}
	ErrAllocationLost = &DomainError{Code: CodeAllocationLost, Message: "reservation's place was lost"}
	ErrAuth           = &DomainError{Code: CodeAuth, Message: "not authorized"}
)
