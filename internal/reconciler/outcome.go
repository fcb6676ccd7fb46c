package reconciler

import (
	"context"
	"errors"
	"fmt"

	"github.com/kvcd-project/kvcd-operator/internal/vcd"
)

// Kind tells the dispatcher what to do after a reconciler returned
type Kind int

const (
	// Ok means the reconciler converged or had nothing to do
	Ok Kind = iota
	// Retryable means the same inputs should be reconciled again later
	Retryable
	// Fatal means retrying with the same inputs cannot succeed
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Ok:
		return "ok"
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Outcome is the result of a reconciler invocation
type Outcome struct {
	Kind    Kind
	Message string
	Err     error
}

func (o Outcome) String() string {
	if o.Err != nil {
		return fmt.Sprintf("%s: %s: %v", o.Kind, o.Message, o.Err)
	}
	return fmt.Sprintf("%s: %s", o.Kind, o.Message)
}

func (o Outcome) IsOk() bool {
	return o.Kind == Ok
}

func (o Outcome) IsRetryable() bool {
	return o.Kind == Retryable
}

func (o Outcome) IsFatal() bool {
	return o.Kind == Fatal
}

// Done builds an Ok outcome
func Done(format string, args ...any) Outcome {
	return Outcome{Kind: Ok, Message: fmt.Sprintf(format, args...)}
}

// Retry builds a Retryable outcome
func Retry(err error, format string, args ...any) Outcome {
	return Outcome{Kind: Retryable, Message: fmt.Sprintf(format, args...), Err: err}
}

// Fail builds a Fatal outcome
func Fail(err error, format string, args ...any) Outcome {
	return Outcome{Kind: Fatal, Message: fmt.Sprintf(format, args...), Err: err}
}

// fromError applies the default classification: transport failures, timeouts and
// cancellations are retryable, everything else is fatal.
func fromError(err error, format string, args ...any) Outcome {
	switch {
	case errors.Is(err, ErrTaskTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		vcd.IsUnavailable(err):
		return Retry(err, format, args...)
	}
	return Fail(err, format, args...)
}

// missingOrError is fatal when the vApp is gone and falls back to fromError otherwise
func missingOrError(err error, href string) Outcome {
	if vcd.IsNotFound(err) {
		return Fail(err, "cannot find the vApp with href %s", href)
	}
	return fromError(err, "cannot read the vApp with href %s", href)
}
