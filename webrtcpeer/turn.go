package webrtcpeer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// fallbackSTUNServers is used whenever the TURN credential endpoint is
// unreachable or returns an error: the device still attempts straight
// peer-to-peer connectivity via public STUN rather than refusing to place
// the call.
var fallbackSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// turnCredentials is the {username, credential, ttl, uris} body returned by
// the TURN credential HTTP endpoint.
type turnCredentials struct {
	Username   string   `json:"username"`
	Credential string   `json:"credential"`
	TTL        int      `json:"ttl"`
	URIs       []string `json:"uris"`
}

// turnCache fetches and caches TURN credentials, refetching once the
// cached TTL has elapsed. Safe for concurrent use.
type turnCache struct {
	url       string
	apiKey    string
	client    *http.Client
	mu        sync.Mutex
	cached    []webrtc.ICEServer
	expiresAt time.Time
}

func newTURNCache(url, apiKey string) *turnCache {
	return &turnCache{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// ICEServers returns the current ICE server set, refreshing from the TURN
// endpoint if the cache is empty or expired, and falling back to public
// STUN if the fetch fails.
func (t *turnCache) ICEServers(ctx context.Context) []webrtc.ICEServer {
	t.mu.Lock()
	defer t.mu.Unlock()
	if time.Now().Before(t.expiresAt) && len(t.cached) > 0 {
		return t.cached
	}
	if t.url == "" {
		return stunOnly()
	}

	creds, err := t.fetch(ctx)
	if err != nil {
		log.Printf("webrtcpeer: turn credential fetch failed, falling back to stun: %v", err)
		return stunOnly()
	}
	ttl := time.Duration(creds.TTL) * time.Second
	if ttl <= 0 {
		ttl = time.Minute
	}
	t.cached = []webrtc.ICEServer{{
		URLs:       creds.URIs,
		Username:   creds.Username,
		Credential: creds.Credential,
	}}
	t.expiresAt = time.Now().Add(ttl - 5*time.Second)
	return t.cached
}

func (t *turnCache) fetch(ctx context.Context) (*turnCredentials, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	var creds turnCredentials
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &creds, nil
}

func stunOnly() []webrtc.ICEServer {
	return []webrtc.ICEServer{{URLs: fallbackSTUNServers}}
}
