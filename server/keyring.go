package server

import (
	"context"
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"golang.org/x/sync/singleflight"
)

// ErrKeyUnavailable is returned when a signing key cannot be resolved, either
// because the provider's key set is unreachable or because the requested
// key-id is absent even after a refresh.
var ErrKeyUnavailable = errors.New("signing key unavailable")

type keyEntry struct {
	key       crypto.PublicKey
	fetchedAt time.Time
}

// KeyRing fetches and caches the identity provider's published signing keys,
// keyed by key-id. Entries older than the configured max age are treated as
// missing. Concurrent resolutions for the same missing key-id coalesce into
// a single upstream fetch.
type KeyRing struct {
	jwksURL string
	maxAge  time.Duration
	client  *http.Client
	logger  *slog.Logger

	mu    sync.RWMutex
	keys  map[string]keyEntry
	group singleflight.Group
}

// NewKeyRing constructs a key ring for the provider's JWKS endpoint.
func NewKeyRing(cfg Config, client *http.Client, logger *slog.Logger) *KeyRing {
	maxAge := time.Duration(cfg.Provider.KeyCacheTTL)
	if maxAge <= 0 {
		maxAge = DefaultKeyCacheTTL
	}
	return &KeyRing{
		jwksURL: cfg.IssuerURL() + "/.well-known/jwks.json",
		maxAge:  maxAge,
		client:  client,
		logger:  logger,
		keys:    make(map[string]keyEntry),
	}
}

// Resolve returns the public key for the given key-id. On a cache miss or a
// stale entry it performs at most one fetch of the provider's key set before
// failing with ErrKeyUnavailable.
func (kr *KeyRing) Resolve(ctx context.Context, kid string) (crypto.PublicKey, error) {
	if kid == "" {
		return nil, fmt.Errorf("%w: token has no key id", ErrKeyUnavailable)
	}

	if key, ok := kr.lookup(kid); ok {
		return key, nil
	}

	// Coalesce concurrent refreshes for the same key-id.
	key, err, _ := kr.group.Do(kid, func() (any, error) {
		if key, ok := kr.lookup(kid); ok {
			return key, nil
		}
		if err := kr.refresh(ctx); err != nil {
			return nil, err
		}
		if key, ok := kr.lookup(kid); ok {
			return key, nil
		}
		return nil, fmt.Errorf("%w: key id %q not in provider key set", ErrKeyUnavailable, kid)
	})
	if err != nil {
		return nil, err
	}
	return key, nil
}

func (kr *KeyRing) lookup(kid string) (crypto.PublicKey, bool) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	entry, ok := kr.keys[kid]
	if !ok || time.Since(entry.fetchedAt) > kr.maxAge {
		return nil, false
	}
	return entry.key, true
}

func (kr *KeyRing) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, kr.jwksURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}

	resp, err := kr.client.Do(req)
	if err != nil {
		kr.logger.Error("jwks fetch failed", "url", kr.jwksURL, "error", err)
		return fmt.Errorf("%w: fetch key set: %v", ErrKeyUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		kr.logger.Error("jwks fetch rejected", "url", kr.jwksURL, "status", resp.StatusCode)
		return fmt.Errorf("%w: key set fetch returned %s", ErrKeyUnavailable, resp.Status)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("%w: decode key set: %v", ErrKeyUnavailable, err)
	}

	now := time.Now()
	fresh := make(map[string]keyEntry, len(set.Keys))
	for _, jwk := range set.Keys {
		if jwk.KeyID == "" || !jwk.Valid() {
			continue
		}
		fresh[jwk.KeyID] = keyEntry{key: jwk.Key, fetchedAt: now}
	}

	kr.mu.Lock()
	kr.keys = fresh
	kr.mu.Unlock()

	kr.logger.Debug("jwks refreshed", "keys", len(fresh))
	return nil
}
