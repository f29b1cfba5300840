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

	"github.com/golang-jwt/jwt/v5"
)

const defaultKeySetTTL = 5 * time.Minute

// minRefreshInterval stops tokens with unknown kids from hammering the
// identity provider.
const minRefreshInterval = 10 * time.Second

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// KeySet caches the RSA signing keys published by the identity provider.
// When no JWKS URL is configured it is discovered from the issuer's
// openid-configuration document on first use.
type KeySet struct {
	jwksURL string
	issuer  string
	ttl     time.Duration
	client  *http.Client

	mu          sync.Mutex
	keys        map[string]*rsa.PublicKey
	fetchedAt   time.Time
	lastAttempt time.Time
}

func NewKeySet(jwksURL, issuer string, ttl time.Duration) *KeySet {
	return &KeySet{
		jwksURL: jwksURL,
		issuer:  issuer,
		ttl:     ttl,
		client:  &http.Client{Timeout: 10 * time.Second},
		keys:    make(map[string]*rsa.PublicKey),
	}
}

// KeyFunc resolves the verification key by the token's kid header.
func (ks *KeySet) KeyFunc(token *jwt.Token) (interface{}, error) {
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, errors.New("token has no kid header")
	}
	return ks.Key(context.Background(), kid)
}

func (ks *KeySet) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	key, ok := ks.keys[kid]
	if ok && time.Since(ks.fetchedAt) < ks.ttl {
		return key, nil
	}
	if time.Since(ks.lastAttempt) < minRefreshInterval {
		if ok {
			return key, nil
		}
		return nil, fmt.Errorf("unknown signing key %q", kid)
	}

	ks.lastAttempt = time.Now()
	if err := ks.refresh(ctx); err != nil {
		if ok {
			return key, nil
		}
		return nil, err
	}
	if key, ok = ks.keys[kid]; !ok {
		return nil, fmt.Errorf("unknown signing key %q", kid)
	}
	return key, nil
}

// refresh must be called with ks.mu held.
func (ks *KeySet) refresh(ctx context.Context) error {
	if ks.jwksURL == "" {
		if ks.issuer == "" {
			return errors.New("no JWKS URL or issuer configured")
		}
		var doc struct {
			JWKSURI string `json:"jwks_uri"`
		}
		discovery := strings.TrimRight(ks.issuer, "/") + "/.well-known/openid-configuration"
		if err := ks.getJSON(ctx, discovery, &doc); err != nil {
			return fmt.Errorf("oidc discovery: %w", err)
		}
		if doc.JWKSURI == "" {
			return errors.New("oidc discovery document has no jwks_uri")
		}
		ks.jwksURL = doc.JWKSURI
	}

	var set struct {
		Keys []jwk `json:"keys"`
	}
	if err := ks.getJSON(ctx, ks.jwksURL, &set); err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := k.rsaKey()
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	ks.keys = keys
	ks.fetchedAt = time.Now()
	return nil
}

func (ks *KeySet) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := ks.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (k jwk) rsaKey() (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}
	exp := new(big.Int).SetBytes(e)
	if !exp.IsInt64() || exp.Int64() < 3 {
		return nil, errors.New("invalid exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(exp.Int64())}, nil
}
