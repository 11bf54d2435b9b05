// Package authn gates the control API: a static shared-secret bearer token
// by default, or an optional WorkOS AuthKit + JWT mode for deployments with
// more than one operator. It never gates the carrier webhook or media
// stream paths — those are authenticated by the webhook signature check and
// the self-test header respectively.
package authn

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/workos/workos-go/v6/pkg/usermanagement"
)

type Mode string

const (
	ModeStatic Mode = "static"
	ModeWorkOS Mode = "workos"
)

type Principal struct {
	OperatorID string
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(*Principal)
	return p, ok && p != nil
}

// Authenticator validates the bearer token on every control-API request.
type Authenticator interface {
	Authenticate(r *http.Request) (*Principal, bool)
}

// Static compares the bearer token against a single shared secret in
// constant time.
type Static struct {
	Token string
}

func (s Static) Authenticate(r *http.Request) (*Principal, bool) {
	token, ok := ParseBearer(r)
	if !ok {
		return nil, false
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.Token)) != 1 {
		return nil, false
	}
	return &Principal{OperatorID: "static"}, true
}

// WorkOSJWT validates a short-lived JWT minted with MintSessionToken
// after a successful WorkOS AuthKit login (see ExchangeAuthKitCode). Operators
// present that JWT, not their WorkOS session, on subsequent control-API
// calls.
type WorkOSJWT struct {
	SigningKey []byte
}

type sessionClaims struct {
	OperatorID string `json:"operatorId"`
	jwt.RegisteredClaims
}

func (w WorkOSJWT) Authenticate(r *http.Request) (*Principal, bool) {
	token, ok := ParseBearer(r)
	if !ok {
		return nil, false
	}
	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return w.SigningKey, nil
	})
	if err != nil || !parsed.Valid || claims.OperatorID == "" {
		return nil, false
	}
	return &Principal{OperatorID: claims.OperatorID}, true
}

// MintSessionToken seals a WorkOS session into an HS256 JWT valid for ttl.
func (w WorkOSJWT) MintSessionToken(operatorID string, ttl time.Duration) (string, error) {
	claims := sessionClaims{
		OperatorID: operatorID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(w.SigningKey)
}

// ExchangeAuthKitCode trades a WorkOS AuthKit authorization code for the
// authenticated operator's user id, using the WorkOS SDK directly (there is
// no intermediate client wrapper in this module).
func ExchangeAuthKitCode(ctx context.Context, clientID, code string) (operatorID string, err error) {
	resp, err := usermanagement.AuthenticateWithCode(ctx, usermanagement.AuthenticateWithCodeOpts{
		ClientID: clientID,
		Code:     code,
	})
	if err != nil {
		return "", fmt.Errorf("workos authenticate with code: %w", err)
	}
	return resp.User.ID, nil
}

func ParseBearer(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

// Middleware wraps an http.Handler, rejecting any request the Authenticator
// can't validate with a structured 401.
func Middleware(a Authenticator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := a.Authenticate(r)
		if !ok {
			http.Error(w, `{"type":"authentication_error","message":"missing or invalid bearer token"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}
