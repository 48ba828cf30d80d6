// Package discovery fetches and caches the OIDC provider's discovery
// document and signing keys. The cache is the only shared mutable state in
// the whole service: reads are concurrent, refreshes are idempotent and
// last-writer-wins.
package discovery

import (
	"context"
	"crypto"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog/log"

	serrors "go.pilab.hu/awsfed/errors"
)

const metadataCacheKey = "provider"

// Metadata is the provider discovery document enriched with the parsed key set.
type Metadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	JWKSURI               string `json:"jwks_uri"`

	keys map[string]crypto.PublicKey
}

// Key returns the signing key with the given id, if present in the set.
func (m *Metadata) Key(kid string) (crypto.PublicKey, bool) {
	key, ok := m.keys[kid]
	return key, ok
}

// Cache lazily fetches provider metadata and keeps it for a TTL. An unknown
// key id triggers one forced refresh to tolerate provider key rotation,
// bounded by a minimum refresh interval so attack traffic cannot hammer the
// provider.
type Cache struct {
	discoveryURL string
	httpClient   *http.Client
	cache        *ttlcache.Cache[string, *Metadata]

	mu                 sync.Mutex
	lastRefresh        time.Time
	minRefreshInterval time.Duration
}

// Option configures a Cache.
type Option func(*Cache)

// WithHTTPClient overrides the HTTP client used for discovery fetches.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Cache) { c.httpClient = client }
}

// WithMinRefreshInterval overrides the forced-refresh rate limit.
func WithMinRefreshInterval(d time.Duration) Option {
	return func(c *Cache) { c.minRefreshInterval = d }
}

// NewCache creates a discovery cache for the given discovery URL. Metadata is
// considered fresh for metadataTTL and refetched lazily after that.
func NewCache(discoveryURL string, metadataTTL time.Duration, opts ...Option) *Cache {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *Metadata](metadataTTL),
		ttlcache.WithDisableTouchOnHit[string, *Metadata](),
	)
	go cache.Start()

	c := &Cache{
		discoveryURL:       discoveryURL,
		httpClient:         &http.Client{Timeout: 5 * time.Second},
		cache:              cache,
		minRefreshInterval: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Metadata returns the cached provider metadata, fetching it if the cache is
// empty or expired. Redundant concurrent fetches are harmless: the document
// is eventually-consistent metadata and the last writer wins.
func (c *Cache) Metadata(ctx context.Context) (*Metadata, error) {
	if item := c.cache.Get(metadataCacheKey); item != nil {
		return item.Value(), nil
	}
	return c.refresh(ctx, false)
}

// Issuer returns the provider's issuer identifier from the cached metadata.
func (c *Cache) Issuer(ctx context.Context) (string, error) {
	md, err := c.Metadata(ctx)
	if err != nil {
		return "", err
	}
	return md.Issuer, nil
}

// Key returns the provider signing key with the given id. An unknown id
// forces at most one refresh before failing, so freshly rotated provider
// keys are picked up without waiting for the TTL.
func (c *Cache) Key(ctx context.Context, kid string) (crypto.PublicKey, error) {
	md, err := c.Metadata(ctx)
	if err != nil {
		return nil, err
	}
	if key, ok := md.Key(kid); ok {
		return key, nil
	}

	md, err = c.refresh(ctx, true)
	if err != nil {
		return nil, err
	}
	if key, ok := md.Key(kid); ok {
		return key, nil
	}
	return nil, fmt.Errorf("no signing key with id %q", kid)
}

// refresh fetches the discovery document and JWKS. When rateLimited is set,
// a refresh within minRefreshInterval of the previous one is skipped and the
// current cache entry (possibly stale) is returned instead.
func (c *Cache) refresh(ctx context.Context, rateLimited bool) (*Metadata, error) {
	if rateLimited {
		c.mu.Lock()
		if time.Since(c.lastRefresh) < c.minRefreshInterval {
			c.mu.Unlock()
			if item := c.cache.Get(metadataCacheKey); item != nil {
				return item.Value(), nil
			}
			return nil, serrors.NewProviderUnavailable("discovery refresh rate limited", nil)
		}
		c.mu.Unlock()
	}

	md, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.lastRefresh = time.Now()
	c.mu.Unlock()
	c.cache.Set(metadataCacheKey, md, ttlcache.DefaultTTL)

	log.Debug().
		Str("issuer", md.Issuer).
		Int("keys", len(md.keys)).
		Msg("provider metadata refreshed")

	return md, nil
}

func (c *Cache) fetch(ctx context.Context) (*Metadata, error) {
	var md Metadata
	if err := c.getJSON(ctx, c.discoveryURL, &md); err != nil {
		return nil, serrors.NewProviderUnavailable("failed to fetch discovery document", err)
	}
	if md.Issuer == "" || md.AuthorizationEndpoint == "" || md.TokenEndpoint == "" || md.JWKSURI == "" {
		return nil, serrors.NewProviderUnavailable("discovery document is missing required fields", nil)
	}

	var jwks JWKS
	if err := c.getJSON(ctx, md.JWKSURI, &jwks); err != nil {
		return nil, serrors.NewProviderUnavailable("failed to fetch JWKS", err)
	}

	md.keys = make(map[string]crypto.PublicKey, len(jwks.Keys))
	for i := range jwks.Keys {
		jwk := &jwks.Keys[i]
		if jwk.Kid == "" {
			continue
		}
		key, err := jwk.PublicKey()
		if err != nil {
			log.Warn().Err(err).Str("kid", jwk.Kid).Msg("skipping unparseable provider key")
			continue
		}
		md.keys[jwk.Kid] = key
	}
	if len(md.keys) == 0 {
		return nil, serrors.NewProviderUnavailable("provider published no usable signing keys", nil)
	}

	return &md, nil
}

func (c *Cache) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response from %s: %w", url, err)
	}
	return json.Unmarshal(body, out)
}

// Stop terminates the cache's background expiration loop.
func (c *Cache) Stop() {
	c.cache.Stop()
}
