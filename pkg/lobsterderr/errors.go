// Package lobsterderr defines the typed error kinds shared across lobsterd's
// drivers, lifecycle engine and CLI.
package lobsterderr

import (
	"errors"
	"fmt"
)

// Kind identifies the category of a lobsterd error, independent of the
// human-readable message wrapped around it.
type Kind string

const (
	NotLinux             Kind = "NotLinux"
	NotRoot              Kind = "NotRoot"
	KvmNotAvailable      Kind = "KvmNotAvailable"
	FirecrackerNotFound  Kind = "FirecrackerNotFound"
	JailerNotFound       Kind = "JailerNotFound"
	JailerSetupFailed    Kind = "JailerSetupFailed"
	NetworkSetupFailed   Kind = "NetworkSetupFailed"
	FirewallError        Kind = "FirewallError"
	ZfsError             Kind = "ZfsError"
	VsockConnectFailed   Kind = "VsockConnectFailed"
	AgentTimeout         Kind = "AgentTimeout"
	CaddyApiError        Kind = "CaddyApiError"
	ProxyError           Kind = "ProxyError"
	RegistryLocked       Kind = "RegistryLocked"
	RegistryCorrupt      Kind = "RegistryCorrupt"
	TenantNotFound       Kind = "TenantNotFound"
	TenantExists         Kind = "TenantExists"
	ValidationFailed     Kind = "ValidationFailed"
	OperationInFlight    Kind = "OperationInFlight"
	ExecFailed           Kind = "ExecFailed"
	RepairExceeded       Kind = "RepairExceeded"
)

// Error is the concrete error type returned by lobsterd's packages. It
// carries a Kind for programmatic dispatch (errors.Is/As) plus a wrapped
// cause for %w-style chaining and logging.
type Error struct {
	Kind    Kind
	Message string
	Cause   error

	// Argv/ExitCode/Stderr are populated when Kind == ExecFailed.
	Argv     []string
	ExitCode int
	Stderr   string
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, lobsterderr.New(Kind, "")) to match on Kind alone.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// New builds an *Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error that wraps an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Of returns a zero-value *Error carrying only Kind, suitable as the target
// of errors.Is(err, lobsterderr.Of(TenantNotFound)).
func Of(kind Kind) *Error { return &Error{Kind: kind} }
