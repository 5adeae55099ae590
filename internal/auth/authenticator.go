// Package auth implements the HMAC request-signing protocol used at ingress.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// DefaultMaxSkew bounds replay and clock drift in both directions.
const DefaultMaxSkew = 5 * time.Minute

// Authentication failures.
var (
	ErrMissingHeaders   = errors.New("auth: missing security headers")
	ErrUnknownClient    = errors.New("auth: unknown client")
	ErrRequestExpired   = errors.New("auth: request expired")
	ErrInvalidSignature = errors.New("auth: invalid signature")
)

// Reason returns the caller-facing message for an authentication failure.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrMissingHeaders):
		return "Missing Security Headers (x-client-id, x-timestamp, x-signature)"
	case errors.Is(err, ErrUnknownClient):
		return "Invalid Client ID"
	case errors.Is(err, ErrRequestExpired):
		return "Request Expired (Check System Clock)"
	case errors.Is(err, ErrInvalidSignature):
		return "Invalid HMAC Signature"
	default:
		return "Authentication Unavailable"
	}
}

// IsAuthError reports whether err is one of the client-correctable failures.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrMissingHeaders) ||
		errors.Is(err, ErrUnknownClient) ||
		errors.Is(err, ErrRequestExpired) ||
		errors.Is(err, ErrInvalidSignature)
}

// Authenticator verifies SignedRequests against a SecretStore.
type Authenticator struct {
	store   SecretStore
	maxSkew time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// Option customises an Authenticator.
type Option func(*Authenticator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) {
		if now != nil {
			a.now = now
		}
	}
}

// WithMaxSkew overrides the accepted timestamp window.
func WithMaxSkew(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.maxSkew = d
		}
	}
}

// NewAuthenticator constructs an Authenticator.
func NewAuthenticator(store SecretStore, logger *slog.Logger, opts ...Option) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Authenticator{
		store:   store,
		maxSkew: DefaultMaxSkew,
		now:     time.Now,
		logger:  logger.With("component", "authenticator"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Verify returns the authenticated client id. Non-auth errors come from the secret store.
func (a *Authenticator) Verify(ctx context.Context, req SignedRequest) (string, error) {
	clientID, err := a.verify(ctx, req)
	switch {
	case err == nil:
		a.logger.InfoContext(ctx, "request authenticated", "clientId", clientID, "method", req.Method, "path", req.Path)
	case IsAuthError(err):
		a.logger.WarnContext(ctx, "request rejected", "clientId", req.ClientID, "method", req.Method, "path", req.Path, "reason", Reason(err))
	default:
		a.logger.ErrorContext(ctx, "authentication unavailable", "clientId", req.ClientID, "error", err)
	}
	return clientID, err
}

func (a *Authenticator) verify(ctx context.Context, req SignedRequest) (string, error) {
	if req.ClientID == "" || req.Timestamp == "" || req.Signature == "" {
		return "", ErrMissingHeaders
	}

	secret, ok, err := a.store.Secret(ctx, req.ClientID)
	if err != nil {
		return "", fmt.Errorf("resolve secret for %s: %w", req.ClientID, err)
	}
	if !ok {
		return "", ErrUnknownClient
	}

	tsMillis, err := strconv.ParseInt(req.Timestamp, 10, 64)
	if err != nil {
		return "", ErrRequestExpired
	}
	skew := a.now().UnixMilli() - tsMillis
	if skew < 0 {
		skew = -skew
	}
	if skew > a.maxSkew.Milliseconds() {
		return "", ErrRequestExpired
	}

	message := StringToSign(req.Timestamp, req.Method, req.Path, req.Body)
	if !VerifyMAC(secret, message, req.Signature) {
		return "", ErrInvalidSignature
	}
	return req.ClientID, nil
}
