package domain

import (
	"context"
	"errors"
	"fmt"

	plandomain "github.com/smallbiznis/trustscan/internal/plan/domain"
)

// Gateway performs one provider call per Invoke. It never retries.
type Gateway interface {
	Invoke(ctx context.Context, descriptor Descriptor, mode plandomain.Mode) (Result, error)
}

// Provider is a chat-completion backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req CompletionRequest) (Completion, error)
}

type CompletionRequest struct {
	Model       string
	System      string
	User        string
	MaxTokens   int
	Temperature float64
}

type Completion struct {
	Content      string
	Model        string
	FinishReason string
	InputTokens  int
	OutputTokens int
}

type ErrorKind string

const (
	KindTransport ErrorKind = "transport"
	KindProvider  ErrorKind = "provider"
	KindSchema    ErrorKind = "schema"
)

var (
	ErrTransport         = errors.New("inference_transport_error")
	ErrProvider          = errors.New("inference_provider_error")
	ErrSchema            = errors.New("inference_schema_error")
	ErrInvalidDescriptor = errors.New("invalid_product_descriptor")
)

// Error is a classified gateway failure. errors.Is matches both the kind
// sentinel and the wrapped cause.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("inference %s error (%d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("inference %s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{e.Kind.sentinel(), e.Err}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindTransport:
		return ErrTransport
	case KindProvider:
		return ErrProvider
	default:
		return ErrSchema
	}
}

func TransportError(err error) *Error {
	return &Error{Kind: KindTransport, Err: err}
}

func ProviderError(status int, err error) *Error {
	return &Error{Kind: KindProvider, StatusCode: status, Err: err}
}

func SchemaError(err error) *Error {
	return &Error{Kind: KindSchema, Err: err}
}

// KindOf returns the classification of err, or "" when err did not come from
// the gateway.
func KindOf(err error) ErrorKind {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	return ""
}
