// Package auth validates bearer credentials for REST calls and the realtime
// handshake.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
)

const (
	userIdClaim   = "user-id"
	usernameClaim = "username"
	expClaim      = "exp"

	// TokenCookieKey is the cookie browsers carry the token in.
	TokenCookieKey = "token"
	// TokenQueryKey is the query parameter used during the websocket handshake,
	// where browsers cannot set an Authorization header.
	TokenQueryKey = "token"
)

// ErrUnauthorized is returned for a missing, malformed, expired or otherwise
// invalid credential. It is terminal: retrying the same token cannot succeed.
var ErrUnauthorized = errors.New("unauthorized")

type Identity struct {
	UserId   int
	Username string
}

// Validator turns a bearer token into an identity.
type Validator interface {
	Validate(token string) (Identity, error)
}

type JWTValidator struct {
	signingKey []byte
}

func NewJWTValidator(signingKey []byte) *JWTValidator {
	return &JWTValidator{signingKey: signingKey}
}

// Issue signs a token for id that expires after exp.
func (v *JWTValidator) Issue(id Identity, exp time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		userIdClaim:   id.UserId,
		usernameClaim: id.Username,
		expClaim:      time.Now().Add(exp).Unix(),
	})

	return token.SignedString(v.signingKey)
}

func (v *JWTValidator) Validate(tokenString string) (Identity, error) {
	if tokenString == "" {
		return Identity{}, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.signingKey, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: parse token: %v", ErrUnauthorized, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Identity{}, fmt.Errorf("%w: invalid token claims", ErrUnauthorized)
	}

	userId, ok := claims[userIdClaim].(float64)
	if !ok {
		return Identity{}, fmt.Errorf("%w: invalid user id claim", ErrUnauthorized)
	}

	username, _ := claims[usernameClaim].(string)

	return Identity{UserId: int(userId), Username: username}, nil
}

// TokenFromRequest looks for a credential in the Authorization header, then
// the token query parameter, then the token cookie.
func TokenFromRequest(r *http.Request) (string, error) {
	if hdr := r.Header.Get("Authorization"); hdr != "" {
		parts := strings.SplitN(hdr, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			return "", fmt.Errorf("%w: invalid Authorization header", ErrUnauthorized)
		}
		return parts[1], nil
	}

	if token := r.URL.Query().Get(TokenQueryKey); token != "" {
		return token, nil
	}

	if cookie, err := r.Cookie(TokenCookieKey); err == nil && cookie.Value != "" {
		return cookie.Value, nil
	}

	return "", fmt.Errorf("%w: no credential", ErrUnauthorized)
}
