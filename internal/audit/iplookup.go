package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// IPLookup resolves the public address of the caller. Implementations are best effort.
type IPLookup interface {
	Lookup(ctx context.Context) (string, error)
}

// StaticLookup always reports the same address.
type StaticLookup string

func (s StaticLookup) Lookup(context.Context) (string, error) {
	return string(s), nil
}

const ipCacheKey = "public-ip"

// HTTPLookup queries a JSON endpoint such as https://api.ipify.org?format=json and caches
// the answer for the configured TTL.
type HTTPLookup struct {
	url    string
	client *http.Client
	cache  *gocache.Cache
}

// NewHTTPLookup constructs an HTTPLookup. A zero timeout defaults to three seconds and a zero
// ttl to five minutes.
func NewHTTPLookup(url string, timeout, ttl time.Duration) (*HTTPLookup, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("ip lookup: url is required")
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &HTTPLookup{
		url:    url,
		client: &http.Client{Timeout: timeout},
		cache:  gocache.New(ttl, 2*ttl),
	}, nil
}

// Lookup returns the cached address or fetches a fresh one.
func (l *HTTPLookup) Lookup(ctx context.Context) (string, error) {
	if cached, ok := l.cache.Get(ipCacheKey); ok {
		return cached.(string), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.url, nil)
	if err != nil {
		return "", fmt.Errorf("ip lookup: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ip lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ip lookup: unexpected status %d", resp.StatusCode)
	}

	var payload struct {
		IP string `json:"ip"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&payload); err != nil {
		return "", fmt.Errorf("ip lookup: decode: %w", err)
	}
	if net.ParseIP(strings.TrimSpace(payload.IP)) == nil {
		return "", fmt.Errorf("ip lookup: invalid address %q", payload.IP)
	}

	ip := strings.TrimSpace(payload.IP)
	l.cache.SetDefault(ipCacheKey, ip)
	return ip, nil
}
