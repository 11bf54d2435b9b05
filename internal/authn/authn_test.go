package authn

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStaticRejectsMissingBearer(t *testing.T) {
	s := Static{Token: "s3cret"}
	req := httptest.NewRequest(http.MethodPost, "/control/end_call", nil)
	_, ok := s.Authenticate(req)
	require.False(t, ok)
}

func TestStaticRejectsWrongToken(t *testing.T) {
	s := Static{Token: "s3cret"}
	req := httptest.NewRequest(http.MethodPost, "/control/end_call", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	_, ok := s.Authenticate(req)
	require.False(t, ok)
}

func TestStaticAcceptsMatchingToken(t *testing.T) {
	s := Static{Token: "s3cret"}
	req := httptest.NewRequest(http.MethodPost, "/control/end_call", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	p, ok := s.Authenticate(req)
	require.True(t, ok)
	require.Equal(t, "static", p.OperatorID)
}

func TestWorkOSJWTRoundTrip(t *testing.T) {
	w := WorkOSJWT{SigningKey: []byte("signing-key")}
	token, err := w.MintSessionToken("user_123", time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/control/list_calls", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	p, ok := w.Authenticate(req)
	require.True(t, ok)
	require.Equal(t, "user_123", p.OperatorID)
}

func TestWorkOSJWTRejectsExpiredToken(t *testing.T) {
	w := WorkOSJWT{SigningKey: []byte("signing-key")}
	token, err := w.MintSessionToken("user_123", -time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/control/list_calls", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	_, ok := w.Authenticate(req)
	require.False(t, ok)
}

func TestWorkOSJWTRejectsTokenSignedWithDifferentKey(t *testing.T) {
	w1 := WorkOSJWT{SigningKey: []byte("key-one")}
	w2 := WorkOSJWT{SigningKey: []byte("key-two")}
	token, err := w1.MintSessionToken("user_123", time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/control/list_calls", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	_, ok := w2.Authenticate(req)
	require.False(t, ok)
}

func TestMiddlewareEmbedsPrincipalInContext(t *testing.T) {
	s := Static{Token: "s3cret"}
	var sawPrincipal bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		sawPrincipal = ok && p.OperatorID == "static"
		w.WriteHeader(http.StatusNoContent)
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/control/list_calls", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	Middleware(s, next).ServeHTTP(rr, req)

	require.Equal(t, http.StatusNoContent, rr.Code)
	require.True(t, sawPrincipal)
}

func TestMiddlewareRejectsUnauthenticated(t *testing.T) {
	s := Static{Token: "s3cret"}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/control/list_calls", nil)
	Middleware(s, next).ServeHTTP(rr, req)

	require.Equal(t, http.StatusUnauthorized, rr.Code)
}
