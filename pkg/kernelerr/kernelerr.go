// Package kernelerr provides the kernel's closed error_kind set
// (spec.md §7). Adapted from the teacher's infrastructure/errors package:
// same ServiceError-style struct and constructor-per-kind idiom, rebuilt
// around the kernel's own closed set instead of HTTP status codes.
package kernelerr

import "fmt"

// Kind is the closed set of error kinds the kernel ever produces. Never
// language-specific, always stable across releases (spec.md §7).
type Kind string

const (
	PermissionDenied    Kind = "permission_denied"
	InsufficientScrip   Kind = "insufficient_scrip"
	InsufficientResource Kind = "insufficient_resource"
	UnauthorizedCharge  Kind = "unauthorized_charge"
	IDCollision         Kind = "id_collision"
	IDReserved          Kind = "id_reserved"
	NotFound            Kind = "not_found"
	SandboxTimeout      Kind = "sandbox_timeout"
	SandboxCrash        Kind = "sandbox_crash"
	SandboxForbidden    Kind = "sandbox_forbidden"
	DepthExceeded       Kind = "depth_exceeded"
	RateExceeded        Kind = "rate_exceeded"
	DanglingContract    Kind = "dangling_contract"
	InvariantViolation  Kind = "invariant_violation"
	InvalidArgument     Kind = "invalid_argument"
	Protected           Kind = "protected"
)

// Fatal reports whether this kind halts the scheduler rather than merely
// surfacing to the agent (spec.md §7: only invariant_violation is
// fatal).
func (k Kind) Fatal() bool { return k == InvariantViolation }

// KernelError is the concrete error type every kernel component returns.
// It always carries a stable Kind plus optional structured Details, and
// may wrap an underlying cause.
type KernelError struct {
	Kind    Kind
	Message string
	Details map[string]any
	Cause   error
}

func (e *KernelError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *KernelError) Unwrap() error { return e.Cause }

// WithDetail attaches one structured detail and returns the same error
// for chaining.
func (e *KernelError) WithDetail(key string, value any) *KernelError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New builds a KernelError of the given kind.
func New(kind Kind, message string) *KernelError {
	return &KernelError{Kind: kind, Message: message}
}

// Wrap builds a KernelError of the given kind around an underlying
// cause. Contracts may catch an error but must not suppress it silently
// — re-wrapping with a reason is the required pattern (spec.md §7).
func Wrap(kind Kind, message string, cause error) *KernelError {
	return &KernelError{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err if it is (or wraps) a *KernelError,
// otherwise returns the empty Kind.
func KindOf(err error) Kind {
	var ke *KernelError
	for err != nil {
		if k, ok := err.(*KernelError); ok {
			ke = k
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if ke == nil {
		return ""
	}
	return ke.Kind
}

// Convenience constructors mirroring the teacher's per-kind helper
// functions (infrastructure/errors/errors.go).

func PermissionDeniedf(format string, args ...any) *KernelError {
	return New(PermissionDenied, fmt.Sprintf(format, args...))
}

func InsufficientScripf(required, available int64) *KernelError {
	return New(InsufficientScrip, "insufficient scrip").
		WithDetail("required", required).
		WithDetail("available", available)
}

func InsufficientResourcef(resource string, required, available int64) *KernelError {
	return New(InsufficientResource, fmt.Sprintf("insufficient %s", resource)).
		WithDetail("required", required).
		WithDetail("available", available)
}

func NotFoundf(kind, id string) *KernelError {
	return New(NotFound, fmt.Sprintf("%s %q not found", kind, id))
}

func IDCollisionf(id string) *KernelError {
	return New(IDCollision, fmt.Sprintf("id %q already in use", id)).WithDetail("id", id)
}

func IDReservedf(id string) *KernelError {
	return New(IDReserved, fmt.Sprintf("id %q is reserved", id)).WithDetail("id", id)
}

func DepthExceededf(depth, max int) *KernelError {
	return New(DepthExceeded, "contract chain depth exceeded").
		WithDetail("depth", depth).WithDetail("max", max)
}

func RateExceededf(resource string) *KernelError {
	return New(RateExceeded, fmt.Sprintf("rate exceeded for %s", resource))
}

func DanglingContractf(artifactID string) *KernelError {
	return New(DanglingContract, "access contract missing, falling back to default").
		WithDetail("artifact_id", artifactID)
}

func InvariantViolationf(format string, args ...any) *KernelError {
	return New(InvariantViolation, fmt.Sprintf(format, args...))
}

func Protectedf(id string) *KernelError {
	return New(Protected, fmt.Sprintf("artifact %q is kernel-protected", id))
}

func UnauthorizedChargef(charger, payer string) *KernelError {
	return New(UnauthorizedCharge, "charge not authorized by delegation").
		WithDetail("charger", charger).WithDetail("payer", payer)
}
