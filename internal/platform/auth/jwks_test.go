package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type idp struct {
	srv       *httptest.Server
	key       *rsa.PrivateKey
	jwksHits  atomic.Int32
	discovery atomic.Int32
}

func newIDP(t *testing.T) *idp {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	p := &idp{key: key}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		p.discovery.Add(1)
		json.NewEncoder(w).Encode(map[string]string{"issuer": p.srv.URL, "jwks_uri": p.srv.URL + "/keys"})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		p.jwksHits.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{
			{"kty": "EC", "kid": "ec-1", "crv": "P-256"},
			{
				"kty": "RSA", "kid": "rsa-1", "use": "sig",
				"n": base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e": base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			},
		}})
	})
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

func (p *idp) token(t *testing.T, kid, subject string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    p.srv.URL,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: []string{RoleBiller},
	})
	tok.Header["kid"] = kid
	s, err := tok.SignedString(p.key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func authenticate(mw echo.MiddlewareFunc, token string) (string, error) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/claims", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	c := e.NewContext(req, httptest.NewRecorder())
	var actor string
	err := mw(func(c echo.Context) error {
		actor = UserIDFromContext(c.Request().Context())
		return nil
	})(c)
	return actor, err
}

func TestJWTMiddleware_RS256FromJWKS(t *testing.T) {
	p := newIDP(t)
	mw := JWTMiddleware(JWTConfig{JWKSURL: p.srv.URL + "/keys"})

	actor, err := authenticate(mw, p.token(t, "rsa-1", "biller-7"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if actor != "biller-7" {
		t.Errorf("expected actor biller-7, got %q", actor)
	}
	if _, err := authenticate(mw, p.token(t, "rsa-1", "biller-8")); err != nil {
		t.Fatalf("second token: %v", err)
	}
	if n := p.jwksHits.Load(); n != 1 {
		t.Errorf("expected keys fetched once, got %d", n)
	}
}

func TestJWTMiddleware_DiscoversJWKSFromIssuer(t *testing.T) {
	p := newIDP(t)
	mw := JWTMiddleware(JWTConfig{Issuer: p.srv.URL})

	if _, err := authenticate(mw, p.token(t, "rsa-1", "biller-7")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.discovery.Load() != 1 || p.jwksHits.Load() != 1 {
		t.Errorf("expected one discovery and one key fetch, got %d and %d", p.discovery.Load(), p.jwksHits.Load())
	}
}

func TestJWTMiddleware_RejectsHS256WithoutSigningKey(t *testing.T) {
	p := newIDP(t)
	mw := JWTMiddleware(JWTConfig{JWKSURL: p.srv.URL + "/keys"})

	hs := createTestToken(t, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "x"}}, testSigningKey)
	if _, err := authenticate(mw, hs); err == nil {
		t.Fatal("expected an HS256 token to be refused when only JWKS keys are trusted")
	}
}

func TestKeySet_UnknownKidDoesNotRefetch(t *testing.T) {
	p := newIDP(t)
	ks := NewKeySet(p.srv.URL+"/keys", "")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := ks.Key(ctx, "rotated-away"); err == nil {
			t.Fatal("expected unknown kid error")
		}
	}
	if n := p.jwksHits.Load(); n != 1 {
		t.Errorf("expected a single fetch within the refresh floor, got %d", n)
	}
	if _, err := ks.Key(ctx, "ec-1"); err == nil {
		t.Error("expected non-RSA keys to be ignored")
	}
}

func TestKeySet_RefreshesAfterTTL(t *testing.T) {
	p := newIDP(t)
	ks := NewKeySet(p.srv.URL+"/keys", "")
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	ks.now = func() time.Time { return now }
	ctx := context.Background()

	if _, err := ks.Key(ctx, "rsa-1"); err != nil {
		t.Fatalf("Key: %v", err)
	}
	now = now.Add(defaultKeyTTL + time.Second)
	if _, err := ks.Key(ctx, "rsa-1"); err != nil {
		t.Fatalf("Key after ttl: %v", err)
	}
	if n := p.jwksHits.Load(); n != 2 {
		t.Errorf("expected a refetch after the ttl, got %d fetches", n)
	}

	p.srv.Close()
	now = now.Add(defaultKeyTTL + time.Second)
	if _, err := ks.Key(ctx, "rsa-1"); err != nil {
		t.Errorf("expected the cached key when the refresh fails, got %v", err)
	}
}

func TestKeySet_ConcurrentColdStart(t *testing.T) {
	p := newIDP(t)
	ks := NewKeySet(p.srv.URL+"/keys", "")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ks.Key(context.Background(), "rsa-1"); err != nil {
				t.Errorf("Key: %v", err)
			}
		}()
	}
	wg.Wait()
	if n := p.jwksHits.Load(); n != 1 {
		t.Errorf("expected one fetch for concurrent callers, got %d", n)
	}
}
