package apierr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Kind is the classification every failure is mapped onto.
type Kind string

const (
	KindValidation Kind = "validation"
	KindPolicy     Kind = "policy"
	KindAuth       Kind = "auth"
	KindNetwork    Kind = "network"
	KindServer     Kind = "server"
	KindNotFound   Kind = "not_found"
)

var (
	ErrValidation = errors.New("validation error")
	ErrPolicy     = errors.New("policy error")
	ErrAuth       = errors.New("auth error")
	ErrNetwork    = errors.New("network error")
	ErrServer     = errors.New("server error")
	ErrNotFound   = errors.New("not found")
)

func (k Kind) marker() error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindPolicy:
		return ErrPolicy
	case KindAuth:
		return ErrAuth
	case KindNotFound:
		return ErrNotFound
	case KindNetwork:
		return ErrNetwork
	default:
		return ErrServer
	}
}

// Codes the API uses to flag content or plan rejections. These route to
// KindPolicy regardless of the HTTP status they arrive with.
var policyCodes = map[string]struct{}{
	"policy_violation": {},
	"content_policy":   {},
	"content_rejected": {},
	"plan_limit":       {},
	"quota_exceeded":   {},
}

// IsPolicyCode reports whether a structured error code denotes a policy
// rejection.
func IsPolicyCode(code string) bool {
	_, ok := policyCodes[strings.ToLower(strings.TrimSpace(code))]
	return ok
}

// Error is a classified API failure.
type Error struct {
	Kind       Kind
	HTTPStatus int
	Code       string
	Message    string
	Field      string
	Operation  string
	Err        error
}

func (e *Error) Error() string {
	parts := make([]string, 0, 4)
	if e.Operation != "" {
		parts = append(parts, e.Operation)
	}
	parts = append(parts, e.Kind.marker().Error())
	if e.HTTPStatus != 0 {
		parts = append(parts, fmt.Sprintf("http %d", e.HTTPStatus))
	}
	detail := strings.TrimSpace(e.Message)
	if e.Field != "" && detail != "" {
		detail = e.Field + ": " + detail
	}
	if detail != "" {
		parts = append(parts, detail)
	}
	msg := strings.Join(parts, ": ")
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is lets errors.Is match the kind's sentinel marker.
func (e *Error) Is(target error) bool {
	return e.Kind.marker() == target
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap tags err with kind and the failing operation.
func Wrap(kind Kind, operation, message string, err error) error {
	return &Error{
		Kind:      kind,
		Operation: strings.TrimSpace(operation),
		Message:   strings.TrimSpace(message),
		Err:       err,
	}
}

// Body is the structured error envelope returned by the API.
type Body struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Field   string `json:"field"`
	} `json:"error"`
}

// FromResponse classifies a non-2xx response from its HTTP status and the
// structured error code. Message text is carried for display only and never
// inspected.
func FromResponse(operation string, status int, body Body) *Error {
	code := strings.ToLower(strings.TrimSpace(body.Error.Code))
	e := &Error{
		HTTPStatus: status,
		Code:       code,
		Message:    strings.TrimSpace(body.Error.Message),
		Field:      strings.TrimSpace(body.Error.Field),
		Operation:  strings.TrimSpace(operation),
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	e.Kind = kindForStatus(status, code)
	return e
}

func kindForStatus(status int, code string) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return KindAuth
	case status == http.StatusForbidden:
		if IsPolicyCode(code) {
			return KindPolicy
		}
		return KindAuth
	case status == http.StatusPaymentRequired, status == http.StatusUnavailableForLegalReasons:
		return KindPolicy
	case status == http.StatusNotFound, status == http.StatusGone:
		return KindNotFound
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return KindNetwork
	case status >= 500:
		return KindServer
	case status >= 400:
		if IsPolicyCode(code) {
			return KindPolicy
		}
		return KindValidation
	default:
		return KindServer
	}
}

// FromTransport classifies an error returned before any response arrived.
// Cancellation by the caller is passed through untouched so callers can tell
// it apart from a network failure.
func FromTransport(operation string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	msg := "request failed"
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		msg = "request timed out"
	}
	return Wrap(KindNetwork, operation, msg, err)
}

// Classify returns the kind of err. Unclassified errors are treated as server
// errors.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	switch {
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrPolicy):
		return KindPolicy
	case errors.Is(err, ErrAuth):
		return KindAuth
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrNetwork), errors.Is(err, context.DeadlineExceeded):
		return KindNetwork
	default:
		return KindServer
	}
}

// Retryable reports whether the caller may retry once. Only transient
// network failures qualify.
func Retryable(err error) bool {
	return err != nil && Classify(err) == KindNetwork
}

// IsAuth reports whether err must end the session.
func IsAuth(err error) bool {
	return err != nil && Classify(err) == KindAuth
}
