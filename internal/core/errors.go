package core

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/smithy-go"
)

// ErrorKind classifies a failure for callers that branch on category rather
// than on provider error codes.
type ErrorKind string

const (
	KindMissingInput    ErrorKind = "missing_required_input"
	KindNotFound        ErrorKind = "resource_not_found"
	KindTimeout         ErrorKind = "provider_timeout"
	KindRejected        ErrorKind = "provider_rejected"
	KindPartialArtifact ErrorKind = "partial_artifact_missing"
)

// Sentinels for errors.Is. Any *Error of the same kind matches.
var (
	ErrMissingRequiredInput   = &Error{Kind: KindMissingInput}
	ErrResourceNotFound       = &Error{Kind: KindNotFound}
	ErrProviderTimeout        = &Error{Kind: KindTimeout}
	ErrProviderRejected       = &Error{Kind: KindRejected}
	ErrPartialArtifactMissing = &Error{Kind: KindPartialArtifact}
)

// Error is the typed failure returned by every handler.
type Error struct {
	Kind     ErrorKind
	Op       string
	Resource string
	// Code is the provider error code for rejected calls, verbatim.
	Code string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		if e.Resource != "" {
			fmt.Fprintf(&b, "(%s)", e.Resource)
		}
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Code != "" {
		fmt.Fprintf(&b, " [%s]", e.Code)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind, so the package sentinels work
// with errors.Is regardless of Op or Resource.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// MissingInput reports absent required inputs by name.
func MissingInput(op string, names ...string) error {
	return &Error{
		Kind: KindMissingInput,
		Op:   op,
		Err:  fmt.Errorf("required: %s", strings.Join(names, ", ")),
	}
}

// NotFound reports a resource that does not exist or lacks the expected shape.
func NotFound(op, resource, detail string) error {
	var err error
	if detail != "" {
		err = errors.New(detail)
	}
	return &Error{Kind: KindNotFound, Op: op, Resource: resource, Err: err}
}

// Timeout reports a bounded wait that hit its deadline.
func Timeout(op, resource string, err error) error {
	return &Error{Kind: KindTimeout, Op: op, Resource: resource, Err: err}
}

// Rejected wraps a provider refusal. When err carries a smithy API error its
// code is kept on the result.
func Rejected(op, resource string, err error) error {
	e := &Error{Kind: KindRejected, Op: op, Resource: resource, Err: err}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		e.Code = apiErr.ErrorCode()
	}
	return e
}

// PartialArtifact reports artifacts that were placeholders or absent.
func PartialArtifact(op string, names []string) error {
	return &Error{
		Kind: KindPartialArtifact,
		Op:   op,
		Err:  fmt.Errorf("missing: %s", strings.Join(names, ", ")),
	}
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsAPIError reports whether err carries a provider API error.
func IsAPIError(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr)
}

// APIErrorCode returns the provider error code carried by err, or "".
func APIErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}
