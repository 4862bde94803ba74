package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chatrelay/cmd/identity"
)

// Validator resolves a bearer credential to an identity.
// Implementations must return either a valid identity or an error wrapping ErrAuthFailure.
type Validator interface {
	Validate(ctx context.Context, token string) (identity.Identity, error)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, token string) (identity.Identity, error)

// Validate calls f.
func (f ValidatorFunc) Validate(ctx context.Context, token string) (identity.Identity, error) {
	return f(ctx, token)
}

// Observer receives the outcome of each remote validation call.
type Observer func(reason string, took time.Duration)

// HTTPValidator calls GET <AuthURL>/validate-session with the bearer token.
type HTTPValidator struct {
	endpoint string
	client   *http.Client
	timeout  time.Duration
	maxBody  int64
	observe  Observer
}

// HTTPOption configures HTTPValidator.
type HTTPOption func(*HTTPValidator)

// WithHTTPClient overrides the HTTP client (tests, custom transports).
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(v *HTTPValidator) {
		if c != nil {
			v.client = c
		}
	}
}

// WithObserver registers a callback for call outcomes (metrics).
func WithObserver(o Observer) HTTPOption {
	return func(v *HTTPValidator) { v.observe = o }
}

// NewHTTPValidator constructs a validator from cfg.
func NewHTTPValidator(cfg Config, opts ...HTTPOption) (*HTTPValidator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	v := &HTTPValidator{
		endpoint: strings.TrimRight(cfg.AuthURL, "/") + "/validate-session",
		client:   &http.Client{},
		timeout:  cfg.Timeout,
		maxBody:  cfg.MaxResponseBytes,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v, nil
}

type validateResponse struct {
	Valid     bool   `json:"valid"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	UserImage string `json:"userImage"`
}

// Validate performs one bounded call to the auth service. It is never retried here.
func (v *HTTPValidator) Validate(ctx context.Context, token string) (identity.Identity, error) {
	start := time.Now()
	id, err := v.validate(ctx, token)
	if v.observe != nil {
		v.observe(Reason(err), time.Since(start))
	}
	return id, err
}

func (v *HTTPValidator) validate(ctx context.Context, token string) (identity.Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return identity.Identity{}, failure(ErrMissingToken, nil)
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.endpoint, nil)
	if err != nil {
		return identity.Identity{}, failure(ErrUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return identity.Identity{}, failure(ErrUnavailable, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, v.maxBody))
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 500:
		return identity.Identity{}, failure(ErrUnavailable, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return identity.Identity{}, failure(ErrInvalidSession, fmt.Errorf("status %d", resp.StatusCode))
	}

	var out validateResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, v.maxBody)).Decode(&out); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return identity.Identity{}, failure(ErrUnavailable, err)
		}
		return identity.Identity{}, failure(ErrInvalidSession, fmt.Errorf("decode: %w", err))
	}

	if !out.Valid || strings.TrimSpace(out.UserID) == "" {
		return identity.Identity{}, failure(ErrInvalidSession, nil)
	}
	return identity.New(out.UserID, out.UserName, out.UserImage), nil
}

var _ Validator = (*HTTPValidator)(nil)
