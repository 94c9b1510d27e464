package errors_test

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"

	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/errors"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want errors.Code
	}{
		{name: "nil", err: nil, want: ""},
		{name: "foreign", err: fmt.Errorf("boom"), want: errors.ErrCodeInternal},
		{name: "conflict", err: errors.Conflict("stale"), want: errors.ErrCodeConflict},
		{name: "wrapped", err: fmt.Errorf("outer: %w", errors.NotFound("workflow", "w1")), want: errors.ErrCodeNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, errors.CodeOf(tc.err))
		})
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := fmt.Errorf("dial tcp: refused")
	err := errors.Connectivity(cause, "realtime channel unavailable")
	assert.True(t, stderrors.Is(err, cause))
	assert.True(t, errors.IsConnectivity(err))
	assert.Contains(t, err.Error(), "refused")
}

func TestIsByCode(t *testing.T) {
	err := fmt.Errorf("ctx: %w", errors.Conflict("workflow advanced"))
	assert.True(t, stderrors.Is(err, &errors.Error{Code: errors.ErrCodeConflict}))
	assert.False(t, stderrors.Is(err, &errors.Error{Code: errors.ErrCodeValidation}))
}

func TestTransportMappings(t *testing.T) {
	assert.Equal(t, http.StatusUnprocessableEntity, errors.HTTPStatus(errors.InvalidInput("notes", "too short")))
	assert.Equal(t, http.StatusForbidden, errors.HTTPStatus(errors.Authority("no", nil)))
	assert.Equal(t, http.StatusConflict, errors.HTTPStatus(errors.Conflict("stale")))
	assert.Equal(t, http.StatusInternalServerError, errors.HTTPStatus(fmt.Errorf("x")))
	assert.Equal(t, codes.Aborted, errors.GRPCCode(errors.Conflict("stale")))
	assert.Equal(t, codes.PermissionDenied, errors.GRPCCode(errors.Authority("no", nil)))
}
