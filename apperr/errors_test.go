package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"external", External(502, "bad gateway"), CodeExternalAPI},
		{"wrapped external", fmt.Errorf("subregion 4: %w", External(400, "INVALID_REQUEST")), CodeExternalAPI},
		{"store", Store("upsert listing", errors.New("conn refused")), CodeStore},
		{"validation", Validation("level", "unknown level %q", "planet"), CodeValidation},
		{"plain", errors.New("boom"), CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestStore_NilAndDoubleWrap(t *testing.T) {
	assert.NoError(t, Store("noop", nil))

	inner := Store("inner", errors.New("x"))
	outer := Store("outer", inner)
	assert.Same(t, inner, outer)
}

func TestExternalAPIError_Retryable(t *testing.T) {
	assert.True(t, (&ExternalAPIError{Status: 429}).Retryable())
	assert.True(t, (&ExternalAPIError{Status: 503}).Retryable())
	assert.False(t, (&ExternalAPIError{Status: 400}).Retryable())
}

func TestStoreError_Unwrap(t *testing.T) {
	root := errors.New("constraint violation")
	err := Store("insert", root)
	assert.ErrorIs(t, err, root)
	assert.Equal(t, "store insert: constraint violation", err.Error())
}
