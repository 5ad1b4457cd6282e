// Package errs defines the error kinds shared by the escrow and refund
// subsystems. Domain packages declare their own sentinels wrapping one of
// these kinds, so handlers can classify any error with errors.Is.
package errs

import (
	"errors"
	"net/http"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
	ErrValidation   = errors.New("validation error")
	ErrUpstream     = errors.New("upstream failure")
	ErrConflict     = errors.New("conflict")
	ErrUnauthorized = errors.New("unauthorized")
)

// Kind returns the taxonomy sentinel err belongs to, or nil if it is
// unclassified.
func Kind(err error) error {
	for _, k := range []error{ErrNotFound, ErrInvalidState, ErrValidation, ErrConflict, ErrUnauthorized, ErrUpstream} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// HTTPStatus maps an error to an HTTP status and a stable machine-readable code.
func HTTPStatus(err error) (int, string) {
	switch Kind(err) {
	case ErrNotFound:
		return http.StatusNotFound, "not_found"
	case ErrInvalidState:
		return http.StatusConflict, "invalid_state"
	case ErrConflict:
		return http.StatusConflict, "conflict"
	case ErrValidation:
		return http.StatusBadRequest, "validation_error"
	case ErrUnauthorized:
		return http.StatusForbidden, "unauthorized"
	case ErrUpstream:
		return http.StatusBadGateway, "upstream_failure"
	}
	return http.StatusInternalServerError, "internal_error"
}
