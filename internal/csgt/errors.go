package csgt

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
)

// ErrorKind classifies a failure against the csgt.vn site. The kind is
// set once, at the point the response (or transport error) is observed;
// all downstream branching switches on the kind, never on error text.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindInvalidInput
	KindSessionInit
	KindCaptchaFetch
	KindCaptchaSolve
	KindCaptchaInvalid
	KindForbidden
	KindNotFound
	KindServerError
	KindTimeout
	KindParse
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindSessionInit:
		return "session_init_failed"
	case KindCaptchaFetch:
		return "captcha_fetch_failed"
	case KindCaptchaSolve:
		return "captcha_solve_failed"
	case KindCaptchaInvalid:
		return "captcha_validation_failed"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindServerError:
		return "server_error"
	case KindTimeout:
		return "timeout"
	case KindParse:
		return "parse_failed"
	default:
		return "unknown"
	}
}

// SiteError carries the classified kind plus the underlying cause.
type SiteError struct {
	Kind   ErrorKind
	Status int // HTTP status when the failure came from a response
	Err    error
	Msg    string
}

func (e *SiteError) Error() string {
	if e.Msg != "" && e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *SiteError) Unwrap() error { return e.Err }

func newSiteError(kind ErrorKind, msg string, err error) *SiteError {
	return &SiteError{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the classification from err, KindUnknown if err does
// not carry one.
func KindOf(err error) ErrorKind {
	var se *SiteError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

// Retryable reports whether the orchestrator should retry after err
// with a fresh captcha. Session-init failures are always transient;
// invalid input and parse failures are terminal.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindSessionInit, KindCaptchaFetch, KindCaptchaSolve, KindCaptchaInvalid,
		KindForbidden, KindNotFound, KindServerError, KindTimeout:
		return true
	}
	return false
}

// classifyStatus maps an HTTP response status to an error kind.
func classifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusForbidden:
		return KindForbidden
	case status == http.StatusNotFound:
		return KindNotFound
	case status >= 500:
		return KindServerError
	default:
		return KindUnknown
	}
}

// classifyTransport maps a transport-level error. Timeouts get their
// own kind; everything else (refused connection, DNS) stays unknown and
// is left for the orchestrator to decide on.
func classifyTransport(err error) ErrorKind {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

func statusError(op string, status int) *SiteError {
	kind := classifyStatus(status)
	if kind == KindUnknown {
		kind = KindServerError
	}
	return &SiteError{Kind: kind, Status: status, Msg: fmt.Sprintf("%s: unexpected status %d", op, status)}
}
