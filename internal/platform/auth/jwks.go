package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	defaultKeyTTL = 5 * time.Minute
	// minRefresh limits refetches triggered by tokens carrying unknown kids.
	minRefresh = 30 * time.Second
)

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// KeySet holds the identity provider's RSA signing keys. The JWKS URL is
// either configured or discovered from the issuer's OpenID configuration on
// first use.
type KeySet struct {
	issuer string
	client *http.Client
	now    func() time.Time
	group  singleflight.Group

	mu        sync.RWMutex
	jwksURL   string
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

func NewKeySet(jwksURL, issuer string) *KeySet {
	return &KeySet{
		issuer:  issuer,
		jwksURL: jwksURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		now:     time.Now,
		keys:    map[string]*rsa.PublicKey{},
	}
}

// Key returns the public key for kid, refreshing the set when it is stale or
// the kid is unknown. A known key is still served if a refresh fails.
func (k *KeySet) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	k.mu.RLock()
	key, ok := k.keys[kid]
	age := k.now().Sub(k.fetchedAt)
	fetched := !k.fetchedAt.IsZero()
	k.mu.RUnlock()

	switch {
	case ok && age < defaultKeyTTL:
		return key, nil
	case !ok && fetched && age < minRefresh:
		return nil, fmt.Errorf("unknown signing key %q", kid)
	}

	_, err, _ := k.group.Do("refresh", func() (any, error) {
		k.mu.RLock()
		recent := !k.fetchedAt.IsZero() && k.now().Sub(k.fetchedAt) < minRefresh
		k.mu.RUnlock()
		if recent {
			return nil, nil
		}
		return nil, k.refresh(ctx)
	})
	if err != nil {
		if ok {
			return key, nil
		}
		return nil, err
	}

	k.mu.RLock()
	defer k.mu.RUnlock()
	if key, ok = k.keys[kid]; !ok {
		return nil, fmt.Errorf("unknown signing key %q", kid)
	}
	return key, nil
}

func (k *KeySet) refresh(ctx context.Context) error {
	url, err := k.resolveURL(ctx)
	if err != nil {
		return err
	}
	var doc struct {
		Keys []jwk `json:"keys"`
	}
	if err := k.getJSON(ctx, url, &doc); err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, j := range doc.Keys {
		if j.Kty != "RSA" || (j.Use != "" && j.Use != "sig") {
			continue
		}
		pub, err := j.publicKey()
		if err != nil {
			continue
		}
		keys[j.Kid] = pub
	}

	k.mu.Lock()
	k.keys = keys
	k.fetchedAt = k.now()
	k.mu.Unlock()
	return nil
}

func (k *KeySet) resolveURL(ctx context.Context) (string, error) {
	k.mu.RLock()
	url := k.jwksURL
	k.mu.RUnlock()
	if url != "" {
		return url, nil
	}
	if k.issuer == "" {
		return "", errors.New("no jwks url or issuer configured")
	}

	var doc struct {
		JWKSURI string `json:"jwks_uri"`
	}
	discovery := strings.TrimRight(k.issuer, "/") + "/.well-known/openid-configuration"
	if err := k.getJSON(ctx, discovery, &doc); err != nil {
		return "", fmt.Errorf("oidc discovery: %w", err)
	}
	if doc.JWKSURI == "" {
		return "", errors.New("oidc discovery: document has no jwks_uri")
	}

	k.mu.Lock()
	k.jwksURL = doc.JWKSURI
	k.mu.Unlock()
	return doc.JWKSURI, nil
}

func (k *KeySet) getJSON(ctx context.Context, url string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := k.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

func (j jwk) publicKey() (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(j.N)
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(j.E)
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(new(big.Int).SetBytes(e).Int64())}, nil
}
