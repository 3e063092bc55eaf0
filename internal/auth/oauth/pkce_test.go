package oauth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeS256Challenge(t *testing.T) {
	// Reference vector from RFC 7636 appendix B.
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	want := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"

	assert.Equal(t, want, ComputeS256Challenge(verifier))
}

func TestNewCodeVerifier(t *testing.T) {
	first, err := NewCodeVerifier()
	require.NoError(t, err)

	second, err := NewCodeVerifier()
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	// RFC 7636 requires 43..128 characters.
	assert.GreaterOrEqual(t, len(first), 43)
	assert.LessOrEqual(t, len(first), 128)
}
