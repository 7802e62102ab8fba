package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newVerifier(t *testing.T, opts Options) *Verifier {
	t.Helper()
	v, err := NewVerifier(opts)
	require.NoError(t, err)
	return v
}

func TestIssueAndVerify(t *testing.T) {
	v := newVerifier(t, Options{Secret: []byte("s3cret"), Issuer: "frontend", Audience: "bridge"})
	token, err := v.Issue("channel-1", time.Minute)
	require.NoError(t, err)

	claims, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "channel-1", claims.Subject)
}

func TestVerifyRejects(t *testing.T) {
	v := newVerifier(t, Options{Secret: []byte("s3cret"), Issuer: "frontend", Audience: "bridge"})

	other := newVerifier(t, Options{Secret: []byte("other"), Issuer: "frontend", Audience: "bridge"})
	forged, err := other.Issue("x", time.Minute)
	require.NoError(t, err)

	wrongAudience := newVerifier(t, Options{Secret: []byte("s3cret"), Issuer: "frontend", Audience: "elsewhere"})
	misdirected, err := wrongAudience.Issue("x", time.Minute)
	require.NoError(t, err)

	expired, err := v.Issue("x", -time.Minute)
	require.NoError(t, err)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer: "frontend", Audience: jwt.ClaimStrings{"bridge"},
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	hs384, err := jwt.NewWithClaims(jwt.SigningMethodHS384, jwt.RegisteredClaims{
		Issuer: "frontend", Audience: jwt.ClaimStrings{"bridge"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	for name, token := range map[string]string{
		"forged":         forged,
		"wrong audience": misdirected,
		"expired":        expired,
		"no expiry":      noExpiry,
		"other method":   hs384,
		"garbage":        "not.a.token",
	} {
		_, err := v.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken, name)
	}
}

func TestAuthenticateHeader(t *testing.T) {
	v := newVerifier(t, Options{Secret: []byte("s3cret")})
	token, err := v.Issue("channel-1", time.Minute)
	require.NoError(t, err)

	r := httptest.NewRequest("POST", "/api/messages", nil)
	_, err = v.Authenticate(r)
	assert.ErrorIs(t, err, ErrMissingToken)

	r.Header.Set("Authorization", "Basic abc")
	_, err = v.Authenticate(r)
	assert.ErrorIs(t, err, ErrMissingToken)

	r.Header.Set("Authorization", "bearer "+token)
	claims, err := v.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "channel-1", claims.Subject)
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	_, err := NewVerifier(Options{})
	require.Error(t, err)
}

func TestLeewayToleratesClockSkew(t *testing.T) {
	strict := newVerifier(t, Options{Secret: []byte("s3cret")})
	lenient := newVerifier(t, Options{Secret: []byte("s3cret"), Leeway: time.Minute})

	token, err := strict.Issue("x", -10*time.Second)
	require.NoError(t, err)

	_, err = strict.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = lenient.Verify(token)
	assert.NoError(t, err)
}
