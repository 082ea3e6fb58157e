// Package adapters maps gin, net/http and fiber requests onto the webhook
// engine and writes its results back.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/mamadbah2/wahook/internal/service/webhook"
)

// DefaultMaxBodyBytes bounds request bodies when no limit is configured.
const DefaultMaxBodyBytes int64 = 1 << 20

// Verification query parameters sent by the platform.
const (
	queryMode        = "hub.mode"
	queryVerifyToken = "hub.verify_token"
	queryChallenge   = "hub.challenge"
)

// Processor is the engine every adapter drives.
type Processor interface {
	ProcessVerification(mode, token, challenge string) webhook.Result
	ProcessWebhook(ctx context.Context, req webhook.Request) webhook.Result
	ProcessFlow(ctx context.Context, req webhook.Request) webhook.Result
}

var errBodyTooLarge = errors.New("request body too large")

// ConstructFullURL rebuilds the absolute URL a client called, preferring
// X-Forwarded-Proto and X-Forwarded-Host when a proxy set them.
func ConstructFullURL(scheme, host, requestURI string, header http.Header) (*url.URL, error) {
	if proto := forwardedValue(header, "X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	if fwdHost := forwardedValue(header, "X-Forwarded-Host"); fwdHost != "" {
		host = fwdHost
	}
	if scheme == "" {
		scheme = "http"
	}
	if host == "" {
		host = "localhost"
	}
	if requestURI == "" {
		requestURI = "/"
	}

	u, err := url.Parse(scheme + "://" + host + requestURI)
	if err != nil {
		return nil, fmt.Errorf("construct request url: %w", err)
	}
	return u, nil
}

// forwardedValue returns the first entry of a comma separated proxy header.
func forwardedValue(header http.Header, key string) string {
	v := header.Get(key)
	if i := strings.IndexByte(v, ','); i >= 0 {
		v = v[:i]
	}
	return strings.TrimSpace(v)
}

func requestScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func methodNotAllowed(allowed ...string) webhook.Result {
	res := webhook.StatusResult(http.StatusMethodNotAllowed)
	res.Headers["Allow"] = strings.Join(allowed, ", ")
	return res
}

func limitOrDefault(limit int64) int64 {
	if limit <= 0 {
		return DefaultMaxBodyBytes
	}
	return limit
}
