package core

import (
	"errors"
	"fmt"
)

// Kind classifies a failure at the operation boundary
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidRequest
	KindTransfer
	KindAssembly
	KindAuthorization
	KindTraining
	KindServing
	KindPrediction
)

func (k Kind) String() string {
	switch k {
	case KindInvalidRequest:
		return "invalid_request"
	case KindTransfer:
		return "transfer"
	case KindAssembly:
		return "assembly"
	case KindAuthorization:
		return "authorization"
	case KindTraining:
		return "training"
	case KindServing:
		return "serving"
	case KindPrediction:
		return "prediction"
	default:
		return "unknown"
	}
}

// Sentinel errors, one per kind. Use errors.Is() to test the kind of an
// error returned by this package.
var (
	ErrInvalidRequest   = errors.New("invalid request")
	ErrTransfer         = errors.New("chunk transfer failed")
	ErrAssembly         = errors.New("chunk assembly failed")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrTraining         = errors.New("training failed")
	ErrModelUnavailable = errors.New("model unavailable")
	ErrPrediction       = errors.New("prediction failed")
)

var kindSentinels = map[Kind]error{
	KindInvalidRequest: ErrInvalidRequest,
	KindTransfer:       ErrTransfer,
	KindAssembly:       ErrAssembly,
	KindAuthorization:  ErrUnauthorized,
	KindTraining:       ErrTraining,
	KindServing:        ErrModelUnavailable,
	KindPrediction:     ErrPrediction,
}

// Error is the structured failure returned by every operation
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Kind != KindAuthorization {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind
func (e *Error) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && sentinel == target
}

// KindOf returns the Kind of err, or KindUnknown if it is not an *Error
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func newError(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

func invalidRequest(op, format string, args ...any) *Error {
	return newError(KindInvalidRequest, op, fmt.Sprintf(format, args...), nil)
}

// unauthorized never carries a cause so callers cannot tell a wrong key
// from an unknown identity.
func unauthorized(op string) *Error {
	return newError(KindAuthorization, op, "unauthorized", nil)
}
