// Package callback delivers relay messages through an external gateway's
// connection management API.
//
// Each delivery is an HTTP POST of the raw message to
// {BaseURL}/@connections/{connection id}. A 410 or 404 response means the
// gateway no longer knows the connection and is reported as relay.ErrGone.
// Every other non-2xx status, and every transport error, is transient.
package callback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ggoodman/syncrelay/relay"
	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTimeout  = 5 * time.Second
	defaultTokenTTL = time.Minute
	defaultIssuer   = "syncrelay"
)

// StatusError reports a non-2xx response that does not mean the connection is
// gone.
type StatusError struct {
	ConnectionID string
	StatusCode   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("connection %s: gateway responded %d %s", e.ConnectionID, e.StatusCode, http.StatusText(e.StatusCode))
}

// Config configures an Endpoint.
type Config struct {
	// BaseURL is the gateway's connection management root. Required.
	BaseURL string

	// SigningKey, when set, signs a short-lived HS256 bearer token for every
	// request. The token's subject is the target connection id.
	SigningKey []byte

	// Issuer is the token issuer claim. Defaults to "syncrelay".
	Issuer string

	// TokenTTL bounds token lifetime. Defaults to one minute.
	TokenTTL time.Duration

	// Client performs the requests. Defaults to a client with a five second
	// timeout.
	Client *http.Client

	LogHandler slog.Handler
}

// Endpoint implements relay.Endpoint over HTTP.
type Endpoint struct {
	base     *url.URL
	key      []byte
	issuer   string
	tokenTTL time.Duration
	client   *http.Client
	log      *slog.Logger
	now      func() time.Time
}

var _ relay.Endpoint = (*Endpoint)(nil)

// New validates cfg and returns an Endpoint.
func New(cfg Config) (*Endpoint, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base url is required")
	}

	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid base url scheme %q", base.Scheme)
	}

	ep := &Endpoint{
		base:     base,
		key:      cfg.SigningKey,
		issuer:   cfg.Issuer,
		tokenTTL: cfg.TokenTTL,
		client:   cfg.Client,
		log:      slog.New(slog.DiscardHandler),
		now:      time.Now,
	}
	if ep.issuer == "" {
		ep.issuer = defaultIssuer
	}
	if ep.tokenTTL <= 0 {
		ep.tokenTTL = defaultTokenTTL
	}
	if ep.client == nil {
		ep.client = &http.Client{Timeout: defaultTimeout}
	}
	if cfg.LogHandler != nil {
		ep.log = slog.New(cfg.LogHandler)
	}

	return ep, nil
}

// Post sends data to the connection through the gateway.
func (e *Endpoint) Post(ctx context.Context, connID string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.connectionURL(connID), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("connection %s: build request: %w", connID, err)
	}
	req.Header.Set("Content-Type", "application/json")

	if len(e.key) > 0 {
		tok, err := e.token(connID)
		if err != nil {
			return fmt.Errorf("connection %s: sign token: %w", connID, err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	res, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("connection %s: %w", connID, err)
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4<<10))

	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
		return nil
	case res.StatusCode == http.StatusGone, res.StatusCode == http.StatusNotFound:
		e.log.DebugContext(ctx, "gateway reports connection gone", slog.String("connection_id", connID), slog.Int("status", res.StatusCode))
		return fmt.Errorf("connection %s: %w", connID, relay.ErrGone)
	default:
		return &StatusError{ConnectionID: connID, StatusCode: res.StatusCode}
	}
}

func (e *Endpoint) connectionURL(connID string) string {
	return strings.TrimSuffix(e.base.String(), "/") + "/@connections/" + url.PathEscape(connID)
}

func (e *Endpoint) token(connID string) (string, error) {
	now := e.now()
	claims := jwt.RegisteredClaims{
		Issuer:    e.issuer,
		Subject:   connID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(e.tokenTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(e.key)
}
