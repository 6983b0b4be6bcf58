package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/felixgeelhaar/mecaflow/internal/domain"
	"github.com/felixgeelhaar/mecaflow/internal/session"
)

// TokenSource holds the learner's credentials
type TokenSource interface {
	Credentials() session.Credentials
	SetCredentials(ctx context.Context, c session.Credentials) error
	ClearCredentials(ctx context.Context) error
}

// RefreshFunc exchanges a refresh token for new credentials
type RefreshFunc func(ctx context.Context, refreshToken string) (session.Credentials, error)

// RequestFunc builds a fresh request. It is called again when a request is retried.
type RequestFunc func(ctx context.Context) (*http.Request, error)

// Pipeline sends authorized requests in stages: a pre-flight expiry check,
// the request, one refresh on 401, one retry, then a hard failure that signs
// the learner out.
type Pipeline struct {
	http    *http.Client
	tokens  TokenSource
	refresh RefreshFunc
	logger  *slog.Logger
	now     func() time.Time
}

// NewPipeline creates a request pipeline
func NewPipeline(httpClient *http.Client, tokens TokenSource, refresh RefreshFunc, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		http:    httpClient,
		tokens:  tokens,
		refresh: refresh,
		logger:  logger,
		now:     time.Now,
	}
}

// Do sends the request built by build. A 401 response is never returned:
// it either succeeds after a refresh or fails with domain.ErrSessionExpired.
func (p *Pipeline) Do(ctx context.Context, build RequestFunc) (*http.Response, error) {
	if p.tokens == nil {
		return nil, domain.ErrNotAuthenticated
	}
	creds := p.tokens.Credentials()
	if creds.IsZero() {
		return nil, domain.ErrNotAuthenticated
	}

	refreshed := false
	if TokenExpired(creds.AccessToken, p.now()) {
		p.logger.Debug("access token expired before request, refreshing")
		next, err := p.renew(ctx, creds)
		if err != nil {
			return nil, err
		}
		creds, refreshed = next, true
	}

	resp, err := p.send(ctx, build, creds.AccessToken)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	discard(resp)

	if refreshed {
		return nil, p.expire(ctx, errors.New("refreshed token rejected"))
	}

	p.logger.Debug("request unauthorized, refreshing")
	creds, err = p.renew(ctx, creds)
	if err != nil {
		return nil, err
	}

	resp, err = p.send(ctx, build, creds.AccessToken)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		discard(resp)
		return nil, p.expire(ctx, errors.New("retried request unauthorized"))
	}
	return resp, nil
}

func (p *Pipeline) send(ctx context.Context, build RequestFunc, token string) (*http.Response, error) {
	req, err := build(ctx)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	return resp, nil
}

func (p *Pipeline) renew(ctx context.Context, creds session.Credentials) (session.Credentials, error) {
	if creds.RefreshToken == "" || p.refresh == nil {
		return session.Credentials{}, p.expire(ctx, errors.New("no refresh token"))
	}
	next, err := p.refresh(ctx, creds.RefreshToken)
	if err != nil {
		return session.Credentials{}, p.expire(ctx, err)
	}
	if next.RefreshToken == "" {
		next.RefreshToken = creds.RefreshToken
	}
	if err := p.tokens.SetCredentials(ctx, next); err != nil {
		return session.Credentials{}, fmt.Errorf("store refreshed credentials: %w", err)
	}
	return next, nil
}

func (p *Pipeline) expire(ctx context.Context, cause error) error {
	p.logger.Info("session expired", "cause", cause)
	if err := p.tokens.ClearCredentials(ctx); err != nil {
		p.logger.Warn("failed to clear credentials", "error", err)
	}
	return fmt.Errorf("%w: %v", domain.ErrSessionExpired, cause)
}

func discard(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}
