package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

var errPaid = New(ErrInvalidTransition, "invoice_already_paid", "invoice already paid")

func TestError_UnwrapsToKind(t *testing.T) {
	wrapped := fmt.Errorf("cancel inv_1: %w", errPaid)

	assert.ErrorIs(t, wrapped, errPaid)
	assert.ErrorIs(t, wrapped, ErrInvalidTransition)
	assert.NotErrorIs(t, wrapped, ErrNotFound)
	assert.Equal(t, ErrInvalidTransition, KindOf(wrapped))
}

func TestStatusAndCode(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{errPaid, http.StatusConflict, "invoice_already_paid"},
		{fmt.Errorf("x: %w", ErrNotFound), http.StatusNotFound, "not_found"},
		{ErrValidation, http.StatusBadRequest, "validation_error"},
		{ErrInvalidSignature, http.StatusBadRequest, "invalid_signature"},
		{ErrDuplicate, http.StatusConflict, "duplicate"},
		{ErrUpstream, http.StatusBadGateway, "gateway_unavailable"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, Status(tt.err), tt.err.Error())
		assert.Equal(t, tt.code, Code(tt.err), tt.err.Error())
	}
}

func TestRespond_HidesInternalErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	Respond(c, errors.New("pq: connection refused"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "pq:")
}
