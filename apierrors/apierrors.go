// Package apierrors is the error-kind taxonomy: request errors that
// surface as a Matrix `{errcode, error}` body, protocol errors from
// federation, and internal errors that are fatal to a request but not to
// the process.
//
// The error body is a core contract even though HTTP routing itself
// lives elsewhere, so this package wraps `gomatrixserverlib/spec`'s
// Matrix error constructors rather than inventing a parallel error-body
// type.
package apierrors

import (
	"fmt"
	"net/http"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/pkg/errors"
)

// Kind enumerates the error kinds distinguishable at the boundary.
type Kind int

const (
	KindNotFound Kind = iota
	KindInvalidParam
	KindMissingParam
	KindBadJSON
	KindBadAlias
	KindForbidden
	KindUserInUse
	KindRoomInUse
	KindUnrecognized
	KindUnauthorized
	KindUnsupportedRoomVersion
	KindFeatureDisabled
	KindUserDeactivated
	KindExclusive
	KindUnknown

	KindBadServerResponse
	KindFederation
	KindRedaction

	KindDatabase
	KindIO
	KindArithmetic
	KindConfig
	KindInconsistentRoomState
)

// Error is this core's single error type for request/protocol/internal
// failures; callers type-switch on Kind rather than on Go error values.
type Error struct {
	Kind    Kind
	Message string
	Server  string // set for KindFederation/KindRedaction
	Room    string // set for KindInconsistentRoomState
	Inner   error
}

func (e *Error) Error() string {
	if e.Inner != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Inner)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Inner }

func New(kind Kind, message string) *Error { return &Error{Kind: kind, Message: message} }

func Wrap(kind Kind, message string, inner error) *Error {
	return &Error{Kind: kind, Message: message, Inner: errors.Wrap(inner, message)}
}

func Federation(server string, inner error) *Error {
	return &Error{Kind: KindFederation, Message: "federation request failed", Server: server, Inner: inner}
}

func Redaction(server string, inner error) *Error {
	return &Error{Kind: KindRedaction, Message: "redaction request failed", Server: server, Inner: inner}
}

func InconsistentRoomState(room, reason string) *Error {
	return &Error{Kind: KindInconsistentRoomState, Message: reason, Room: room}
}

// isInternal reports whether JSONResponse sanitizes kind to a generic
// 500: the internal kinds (database, IO, arithmetic, config, inconsistent
// room state) plus the bad-server-response, federation and redaction kinds.
func (k Kind) isInternal() bool {
	switch k {
	case KindDatabase, KindIO, KindArithmetic, KindConfig, KindInconsistentRoomState,
		KindBadServerResponse, KindFederation, KindRedaction:
		return true
	}
	return false
}

// JSONResponse renders e as the documented Matrix error body with the
// HTTP status appropriate to its kind, sanitizing every isInternal kind
// down to a generic message.
func JSONResponse(err error) util.JSONResponse {
	e, ok := err.(*Error)
	if !ok {
		return util.JSONResponse{Code: http.StatusInternalServerError, JSON: spec.InternalServerError{}}
	}
	if e.Kind.isInternal() {
		return util.JSONResponse{Code: http.StatusInternalServerError, JSON: spec.InternalServerError{Err: "Database error occurred"}}
	}
	switch e.Kind {
	case KindNotFound:
		return util.JSONResponse{Code: http.StatusNotFound, JSON: spec.NotFound(e.Message)}
	case KindInvalidParam:
		return util.JSONResponse{Code: http.StatusBadRequest, JSON: spec.InvalidParam(e.Message)}
	case KindMissingParam:
		return util.JSONResponse{Code: http.StatusBadRequest, JSON: spec.MissingParam(e.Message)}
	case KindBadJSON:
		return util.JSONResponse{Code: http.StatusBadRequest, JSON: spec.BadJSON(e.Message)}
	case KindForbidden:
		return util.JSONResponse{Code: http.StatusForbidden, JSON: spec.Forbidden(e.Message)}
	case KindUnrecognized:
		return util.JSONResponse{Code: http.StatusNotFound, JSON: spec.Unrecognized(e.Message)}
	case KindUnauthorized:
		return util.JSONResponse{Code: http.StatusUnauthorized, JSON: spec.Unauthorized(e.Message)}
	case KindUnsupportedRoomVersion:
		return util.JSONResponse{Code: http.StatusBadRequest, JSON: spec.UnsupportedRoomVersion(e.Message)}
	case KindUserDeactivated:
		return util.JSONResponse{Code: http.StatusForbidden, JSON: spec.UserDeactivated(e.Message)}
	default:
		return util.JSONResponse{Code: http.StatusBadRequest, JSON: spec.Unknown(e.Message)}
	}
}
