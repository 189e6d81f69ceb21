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
	"sync"
	"time"
)

var ErrUnknownKey = errors.New("auth: unknown signing key")

const (
	defaultKeyTTL        = 5 * time.Minute
	defaultRefreshPeriod = 30 * time.Second
)

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// KeySet resolves RSA verification keys by kid from the identity provider's
// JWKS document. Keys are refreshed after a TTL, and an unknown kid forces a
// refresh at most once per refresh period. When a refresh fails, keys from
// the last successful fetch keep being served.
type KeySet struct {
	url           string
	client        *http.Client
	ttl           time.Duration
	refreshPeriod time.Duration
	now           func() time.Time

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
	triedAt   time.Time
}

func NewKeySet(url string, client *http.Client) *KeySet {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &KeySet{
		url:           url,
		client:        client,
		ttl:           defaultKeyTTL,
		refreshPeriod: defaultRefreshPeriod,
		now:           time.Now,
		keys:          map[string]*rsa.PublicKey{},
	}
}

func (ks *KeySet) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	now := ks.now()
	key, ok := ks.keys[kid]
	stale := ks.fetchedAt.IsZero() || now.Sub(ks.fetchedAt) >= ks.ttl
	if ok && !stale {
		return key, nil
	}
	if !ks.triedAt.IsZero() && now.Sub(ks.triedAt) < ks.refreshPeriod {
		if ok {
			return key, nil
		}
		return nil, fmt.Errorf("%w: %q", ErrUnknownKey, kid)
	}

	ks.triedAt = now
	keys, err := ks.fetch(ctx)
	if err != nil {
		if ok {
			return key, nil
		}
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	ks.keys = keys
	ks.fetchedAt = now

	if key, ok = keys[kid]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKey, kid)
	}
	return key, nil
}

func (ks *KeySet) fetch(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ks.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := ks.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks endpoint returned %d", resp.StatusCode)
	}

	var doc struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := k.rsaKey()
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	return keys, nil
}

func (k jwk) rsaKey() (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil || len(n) == 0 {
		return nil, fmt.Errorf("jwk %q: bad modulus", k.Kid)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil || len(e) == 0 || len(e) > 4 {
		return nil, fmt.Errorf("jwk %q: bad exponent", k.Kid)
	}
	exp := new(big.Int).SetBytes(e).Int64()
	if exp < 3 {
		return nil, fmt.Errorf("jwk %q: bad exponent", k.Kid)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(exp)}, nil
}
