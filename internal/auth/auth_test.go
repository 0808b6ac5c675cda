package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTValidator(t *testing.T) {
	v := NewJWTValidator([]byte("secret"))
	id := Identity{UserId: 42, Username: "alice"}

	valid, err := v.Issue(id, time.Hour)
	require.NoError(t, err)

	expired, err := v.Issue(id, -time.Hour)
	require.NoError(t, err)

	foreign, err := NewJWTValidator([]byte("other")).Issue(id, time.Hour)
	require.NoError(t, err)

	noUser, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		expClaim: time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	tcases := []struct {
		name  string
		token string
		err   bool
	}{
		{name: "valid token", token: valid},
		{name: "empty token", token: "", err: true},
		{name: "garbage", token: "not-a-jwt", err: true},
		{name: "expired token", token: expired, err: true},
		{name: "wrong signing key", token: foreign, err: true},
		{name: "missing user id claim", token: noUser, err: true},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := v.Validate(tc.token)
			if tc.err {
				assert.ErrorIs(t, err, ErrUnauthorized, "expected unauthorized error")
				return
			}
			assert.NoError(t, err, "expected token to validate")
			assert.Equal(t, id, got, "expected identity to round trip")
		})
	}
}

func TestTokenFromRequest(t *testing.T) {
	tcases := []struct {
		name   string
		build  func(r *http.Request)
		target string
		token  string
		err    bool
	}{
		{
			name:   "bearer header",
			target: "/api/rooms",
			build:  func(r *http.Request) { r.Header.Set("Authorization", "Bearer abc") },
			token:  "abc",
		},
		{
			name:   "lower case scheme",
			target: "/api/rooms",
			build:  func(r *http.Request) { r.Header.Set("Authorization", "bearer abc") },
			token:  "abc",
		},
		{
			name:   "malformed header",
			target: "/api/rooms",
			build:  func(r *http.Request) { r.Header.Set("Authorization", "Basic abc") },
			err:    true,
		},
		{
			name:   "query parameter",
			target: "/ws/rooms/x?token=qtok",
			build:  func(r *http.Request) {},
			token:  "qtok",
		},
		{
			name:   "cookie",
			target: "/api/rooms",
			build:  func(r *http.Request) { r.AddCookie(&http.Cookie{Name: TokenCookieKey, Value: "ctok"}) },
			token:  "ctok",
		},
		{
			name:   "no credential",
			target: "/api/rooms",
			build:  func(r *http.Request) {},
			err:    true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tc.target, nil)
			tc.build(r)

			token, err := TokenFromRequest(r)
			if tc.err {
				assert.ErrorIs(t, err, ErrUnauthorized, "expected unauthorized error")
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.token, token, "expected token to be extracted")
		})
	}
}
