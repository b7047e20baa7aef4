package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomchat-server/domain"
)

var testSecret = []byte("test-secret")

func TestNewJWTVerifierRequiresSecret(t *testing.T) {
	_, err := NewJWTVerifier(Config{})
	require.Error(t, err)
}

func TestJWTVerifier_Verify(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	alice := domain.Identity{ID: "u1", Username: "alice"}

	validIssuer := NewIssuer(Config{Secret: testSecret, Issuer: "accounts", Now: clock})
	valid, err := validIssuer.Issue(alice, time.Hour)
	require.NoError(t, err)

	expired, err := NewIssuer(Config{
		Secret: testSecret,
		Issuer: "accounts",
		Now:    func() time.Time { return now.Add(-2 * time.Hour) },
	}).Issue(alice, time.Hour)
	require.NoError(t, err)

	wrongKey, err := NewIssuer(Config{Secret: []byte("other"), Issuer: "accounts", Now: clock}).Issue(alice, time.Hour)
	require.NoError(t, err)

	wrongIssuer, err := NewIssuer(Config{Secret: testSecret, Issuer: "elsewhere", Now: clock}).Issue(alice, time.Hour)
	require.NoError(t, err)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": "u1",
		"iss":     "accounts",
	}).SignedString(testSecret)
	require.NoError(t, err)

	noUser, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": now.Add(time.Hour).Unix(),
		"iss": "accounts",
	}).SignedString(testSecret)
	require.NoError(t, err)

	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{
		"user_id": "u1",
		"exp":     now.Add(time.Hour).Unix(),
		"iss":     "accounts",
	}).SignedString(testSecret)
	require.NoError(t, err)

	userIDOnly, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": "u9",
		"exp":     now.Add(time.Hour).Unix(),
		"iss":     "accounts",
	}).SignedString(testSecret)
	require.NoError(t, err)

	verifier, err := NewJWTVerifier(Config{Secret: testSecret, Issuer: "accounts", Now: clock})
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		want    domain.Identity
		wantErr bool
	}{
		{name: "valid", token: valid, want: alice},
		{name: "username falls back to id", token: userIDOnly, want: domain.Identity{ID: "u9", Username: "u9"}},
		{name: "empty", token: "", wantErr: true},
		{name: "garbage", token: "not.a.jwt", wantErr: true},
		{name: "expired", token: expired, wantErr: true},
		{name: "signature mismatch", token: wrongKey, wantErr: true},
		{name: "issuer mismatch", token: wrongIssuer, wantErr: true},
		{name: "missing exp", token: noExpiry, wantErr: true},
		{name: "missing user", token: noUser, wantErr: true},
		{name: "unexpected alg", token: hs512, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := verifier.Verify(context.Background(), tt.token)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidCredential)
				assert.Equal(t, ErrInvalidCredential, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestJWTVerifier_CancelledContext(t *testing.T) {
	issuer := NewIssuer(Config{Secret: testSecret})
	token, err := issuer.Issue(domain.Identity{ID: "u1"}, time.Minute)
	require.NoError(t, err)

	verifier, err := NewJWTVerifier(Config{Secret: testSecret})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = verifier.Verify(ctx, token)
	assert.ErrorIs(t, err, ErrInvalidCredential)
}
