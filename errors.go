package lwm2m

import (
	"errors"
	"fmt"

	"github.com/plgd-dev/go-coap/v2/message/codes"
)

// Error is the error taxonomy used throughout the package: a CoAP response code for
// protocol (4.xx) and server (5.xx) errors, plus a handful of kinds that
// never reach the wire (transport failures, attribute validation).
type Error struct {
	Code codes.Code
	kind string
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s", e.msg, e.err)
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

func newErr(kind string, code codes.Code, msg string) *Error {
	return &Error{Code: code, kind: kind, msg: msg}
}

func wrapErr(kind string, code codes.Code, msg string, err error) *Error {
	return &Error{Code: code, kind: kind, msg: msg, err: err}
}

func errBadRequest(msg string) *Error    { return newErr("bad_request", codes.BadRequest, msg) }
func errUnauthorized(msg string) *Error  { return newErr("unauthorized", codes.Unauthorized, msg) }
func errNotFound(msg string) *Error      { return newErr("not_found", codes.NotFound, msg) }
func errMethodNotAllowed(msg string) *Error {
	return newErr("method_not_allowed", codes.MethodNotAllowed, msg)
}
func errNotAcceptable(msg string) *Error { return newErr("not_acceptable", codes.NotAcceptable, msg) }
func errBadOption(msg string) *Error     { return newErr("bad_option", codes.BadOption, msg) }
func errUnsupportedContentFormat(msg string) *Error {
	return newErr("unsupported_content_format", codes.UnsupportedMediaType, msg)
}
func errInternal(msg string) *Error {
	return newErr("internal", codes.InternalServerError, msg)
}
func errInternalWrap(msg string, err error) *Error {
	return wrapErr("internal", codes.InternalServerError, msg, err)
}
func errNotImplemented(msg string) *Error {
	return newErr("not_implemented", codes.NotImplemented, msg)
}

// errInvalidAttribute never has a natural CoAP code of its own: it is always
// surfaced through a WriteAttributes 4.00, never sent standalone.
func errInvalidAttribute(msg string) *Error {
	return newErr("invalid_attribute", codes.BadRequest, msg)
}

// errFormatMismatch is raised by Read when the requested content format
// cannot represent the target (e.g. Plain-text against a non-Resource path);
// error_response_code maps it to 4.06 specifically rather than via its Code.
var errFormatMismatchSentinel = errors.New("format mismatch")

func errFormatMismatch(msg string) *Error {
	return wrapErr("format_mismatch", codes.NotAcceptable, msg, errFormatMismatchSentinel)
}

func isClass(code codes.Code, class int) bool {
	return int(code)>>5 == class
}

// errorResponseCode implements the error_response_code: handlers return a
// plain error; if it already carries a 4.xx/5.xx CoAP code that code is used
// verbatim, a format-mismatch error always becomes 4.06, and anything else
// (a bare Go error from a handler, an unwrapped panic-turned-error, ...)
// collapses to 5.00.
func errorResponseCode(err error) codes.Code {
	if err == nil {
		return codes.Content
	}
	if errors.Is(err, errFormatMismatchSentinel) {
		return codes.NotAcceptable
	}
	var e *Error
	if errors.As(err, &e) {
		if isClass(e.Code, 4) || isClass(e.Code, 5) {
			return e.Code
		}
	}
	return codes.InternalServerError
}

// isClientError reports whether err, once mapped, is a 4.xx response -
// these are not transport failures and do not abort serve().
func isClientError(err error) bool {
	return isClass(errorResponseCode(err), 4)
}
