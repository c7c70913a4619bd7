// Package outcome defines the result of a single store-scoped step.
//
// Every step either commits, is rejected for a semantic reason, or could not
// reach its store. Transport and status details are classified into these
// variants once, at the client boundary; callers never inspect HTTP or driver
// errors themselves.
package outcome

import "fmt"

// Kind is the closed set of step outcomes.
type Kind int

const (
	KindCommitted Kind = iota
	KindRejected
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindCommitted:
		return "committed"
	case KindRejected:
		return "rejected"
	case KindUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Code categorises a rejection so the HTTP layer can map it without parsing messages.
type Code string

const (
	CodeNone               Code = ""
	CodeUnauthorized       Code = "unauthorized"
	CodeForbidden          Code = "forbidden"
	CodeNotFound           Code = "not_found"
	CodeConflict           Code = "conflict"
	CodeInvalid            Code = "invalid"
	CodeUnexpectedResponse Code = "unexpected_response"
	CodeRejected           Code = "rejected"
)

// Outcome is the terminal result of one step attempt.
type Outcome struct {
	Kind Kind
	// Code and Reason are set for rejections.
	Code   Code
	Reason string
	// Status is the remote HTTP status when the outcome came from the credential store.
	Status int
	// Cause is set for unavailability.
	Cause error
}

// Committed reports a step that took effect (or had already taken effect).
func Committed() Outcome {
	return Outcome{Kind: KindCommitted}
}

// Rejected reports a semantic failure. It is never retried.
func Rejected(code Code, reason string, status int) Outcome {
	return Outcome{Kind: KindRejected, Code: code, Reason: reason, Status: status}
}

// Unavailable reports a transient failure reaching the store. It is retry-eligible.
func Unavailable(cause error) Outcome {
	return Outcome{Kind: KindUnavailable, Cause: cause}
}

func (o Outcome) IsCommitted() bool   { return o.Kind == KindCommitted }
func (o Outcome) IsRejected() bool    { return o.Kind == KindRejected }
func (o Outcome) IsUnavailable() bool { return o.Kind == KindUnavailable }

// Retryable is true only for unavailability.
func (o Outcome) Retryable() bool {
	return o.Kind == KindUnavailable
}

// Detail renders a human-readable description of the outcome.
func (o Outcome) Detail() string {
	switch o.Kind {
	case KindCommitted:
		return "committed"
	case KindRejected:
		if o.Status != 0 {
			return fmt.Sprintf("rejected [%s] (status %d): %s", o.Code, o.Status, o.Reason)
		}
		return fmt.Sprintf("rejected [%s]: %s", o.Code, o.Reason)
	case KindUnavailable:
		if o.Cause != nil {
			return fmt.Sprintf("unavailable: %v", o.Cause)
		}
		return "unavailable"
	default:
		return o.Kind.String()
	}
}

func (o Outcome) String() string {
	return o.Detail()
}
