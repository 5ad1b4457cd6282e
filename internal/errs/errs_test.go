package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", fmt.Errorf("escrow 7: %w", ErrNotFound), http.StatusNotFound, "not_found"},
		{"invalid state", ErrInvalidState, http.StatusConflict, "invalid_state"},
		{"conflict", fmt.Errorf("x: %w", ErrConflict), http.StatusConflict, "conflict"},
		{"validation", ErrValidation, http.StatusBadRequest, "validation_error"},
		{"unauthorized", ErrUnauthorized, http.StatusForbidden, "unauthorized"},
		{"upstream", fmt.Errorf("debit: %w: %w", ErrUpstream, errors.New("insufficient balance")), http.StatusBadGateway, "upstream_failure"},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code := HTTPStatus(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestKind_PrefersSpecificKindOverUpstream(t *testing.T) {
	// A conflict discovered after a wallet call still classifies as a conflict.
	err := fmt.Errorf("finalize: %w: %w", ErrConflict, ErrUpstream)
	assert.Equal(t, ErrConflict, Kind(err))
	assert.Nil(t, Kind(nil))
}
