package oauth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAudienceMatches(t *testing.T) {
	cases := []struct {
		name string
		aud  interface{}
		want bool
	}{
		{"string match", "client-id", true},
		{"string mismatch", "other-client", false},
		{"single-element array", []interface{}{"client-id"}, true},
		{"multi-element array containing", []interface{}{"other", "client-id"}, true},
		{"array without match", []interface{}{"other", "another"}, false},
		{"empty array", []interface{}{}, false},
		{"missing claim", nil, false},
		{"non-string element", []interface{}{42}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, audienceMatches(tc.aud, "client-id"))
		})
	}
}

func TestClaimBool(t *testing.T) {
	assert.True(t, claimBool(true))
	assert.True(t, claimBool("true"))
	assert.False(t, claimBool(false))
	assert.False(t, claimBool("false"))
	assert.False(t, claimBool(nil))
	assert.False(t, claimBool(1))
}
