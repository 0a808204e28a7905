package invoker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/sony/gobreaker"
)

// Kind classifies an upstream failure.
type Kind string

// Failure kinds.
const (
	KindRateLimited           Kind = "rate_limited"
	KindTimeout               Kind = "timeout"
	KindInvalidResponse       Kind = "invalid_response"
	KindQuotaExceededUpstream Kind = "quota_exceeded_upstream"
)

// Failure is returned by Invoke when no answer could be produced.
type Failure struct {
	Kind     Kind
	Provider string
	Status   int
	Reason   string
	Err      error
}

func (f *Failure) Error() string {
	msg := fmt.Sprintf("upstream %s: %s", f.Kind, f.Reason)
	if f.Provider != "" {
		msg = fmt.Sprintf("upstream %s (%s): %s", f.Kind, f.Provider, f.Reason)
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Failure) Unwrap() error { return f.Err }

// Transient reports whether a later attempt may succeed.
func (f *Failure) Transient() bool {
	return f.Kind == KindRateLimited || f.Kind == KindTimeout
}

// AsFailure extracts a *Failure from err.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// classifyStatus maps a non-2xx upstream response to a Failure.
func classifyStatus(provider string, status int, body []byte) *Failure {
	f := &Failure{Provider: provider, Status: status, Reason: http.StatusText(status)}
	switch {
	case status == http.StatusTooManyRequests:
		f.Kind = KindRateLimited
		if strings.Contains(string(body), "insufficient_quota") {
			f.Kind = KindQuotaExceededUpstream
			f.Reason = "upstream account quota exhausted"
		}
	case status == http.StatusPaymentRequired:
		f.Kind = KindQuotaExceededUpstream
	case status == http.StatusBadGateway,
		status == http.StatusServiceUnavailable,
		status == http.StatusGatewayTimeout,
		status == http.StatusRequestTimeout:
		f.Kind = KindTimeout
	case status == 529: // anthropic overloaded
		f.Kind = KindRateLimited
		f.Reason = "upstream overloaded"
	default:
		f.Kind = KindInvalidResponse
	}
	if detail := upstreamMessage(body); detail != "" {
		f.Reason += ": " + detail
	}
	return f
}

// classifyTransport maps a transport-level error to a Failure.
func classifyTransport(provider string, err error) *Failure {
	f := &Failure{Provider: provider, Kind: KindTimeout, Reason: "transport error", Err: err}
	var netErr net.Error
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		f.Kind = KindRateLimited
		f.Reason = "circuit open"
	case errors.Is(err, context.DeadlineExceeded):
		f.Reason = "deadline exceeded"
	case errors.Is(err, context.Canceled):
		f.Reason = "cancelled"
	case errors.As(err, &netErr) && netErr.Timeout():
		f.Reason = "network timeout"
	}
	return f
}

func invalid(provider, reason string, err error) *Failure {
	return &Failure{Provider: provider, Kind: KindInvalidResponse, Reason: reason, Err: err}
}
