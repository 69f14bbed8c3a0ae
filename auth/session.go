// Package auth implements the device-code sign-in against the Microsoft
// identity platform and hands out bearer tokens for Microsoft Graph.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"golang.org/x/oauth2"
)

// DefaultAuthority is the Microsoft identity platform host.
const DefaultAuthority = "https://login.microsoftonline.com"

// Config holds the application registration used to sign in.
type Config struct {
	ClientID  string
	TenantID  string
	Scopes    []string
	Authority string
}

// Validate checks that all required fields are present.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ClientID) == "" {
		return &ConfigError{Field: "app.clientId"}
	}
	if strings.TrimSpace(c.TenantID) == "" {
		return &ConfigError{Field: "app.tenantId"}
	}
	if len(c.Scopes) == 0 {
		return &ConfigError{Field: "app.graphUserScopes"}
	}
	return nil
}

// ParseScopes splits a comma-separated scope list, dropping blanks.
func ParseScopes(raw string) []string {
	var scopes []string
	for _, scope := range strings.Split(raw, ",") {
		scope = strings.TrimSpace(scope)
		if scope == "" {
			continue
		}
		scopes = append(scopes, scope)
	}
	return scopes
}

// Endpoint returns the v2.0 OAuth endpoints of a tenant.
func Endpoint(authority, tenantID string) oauth2.Endpoint {
	if authority == "" {
		authority = DefaultAuthority
	}
	base := strings.TrimRight(authority, "/") + "/" + tenantID + "/oauth2/v2.0"
	return oauth2.Endpoint{
		AuthURL:       base + "/authorize",
		DeviceAuthURL: base + "/devicecode",
		TokenURL:      base + "/token",
		AuthStyle:     oauth2.AuthStyleInParams,
	}
}

type Option func(*Session)

// WithTokenCache sets where tokens are persisted between runs.
func WithTokenCache(cache TokenCache) Option {
	return func(s *Session) {
		if cache != nil {
			s.cache = cache
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// Session is an initialized sign-in context. It implements
// oauth2.TokenSource; the zero value and nil are uninitialized.
type Session struct {
	oauth   *oauth2.Config
	handler ChallengeHandler
	cache   TokenCache
	logger  *slog.Logger
	tokens  oauth2.TokenSource
}

// NewSession validates cfg and prepares a session. No network traffic
// happens until the first call to Token; ctx is used for every token request
// made afterwards.
func NewSession(ctx context.Context, cfg Config, handler ChallengeHandler, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, &ConfigError{Field: "challenge handler"}
	}

	s := &Session{
		oauth: &oauth2.Config{
			ClientID: cfg.ClientID,
			Endpoint: Endpoint(cfg.Authority, cfg.TenantID),
			Scopes:   append([]string(nil), cfg.Scopes...),
		},
		handler: handler,
		cache:   NoCache{},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.tokens = oauth2.ReuseTokenSource(nil, &sessionTokenSource{ctx: ctx, session: s})
	return s, nil
}

// Ready reports whether the session was initialized.
func (s *Session) Ready() bool {
	return s != nil && s.tokens != nil
}

// Scopes returns the scopes tokens are requested for.
func (s *Session) Scopes() []string {
	if !s.Ready() {
		return nil
	}
	return append([]string(nil), s.oauth.Scopes...)
}

// Token returns a bearer token valid for the configured scopes. The first
// call may block until the user completes the device-code challenge.
func (s *Session) Token() (*oauth2.Token, error) {
	if !s.Ready() {
		return nil, ErrNotInitialized
	}
	return s.tokens.Token()
}

// SignOut forgets the cached token.
func (s *Session) SignOut() error {
	if !s.Ready() {
		return ErrNotInitialized
	}
	return s.cache.Clear()
}

func (s *Session) deviceFlow(ctx context.Context) (*oauth2.Token, error) {
	resp, err := s.oauth.DeviceAuth(ctx)
	if err != nil {
		return nil, &AuthError{Op: "device authorization", Err: err}
	}

	if err := s.handler.Challenge(ctx, newChallenge(resp)); err != nil {
		return nil, &AuthError{Op: "challenge", Err: err}
	}

	if s.logger != nil {
		s.logger.Debug("waiting for device code sign-in", "expires", resp.Expiry, "interval", resp.Interval)
	}

	tok, err := s.oauth.DeviceAccessToken(ctx, resp)
	if err != nil {
		return nil, &AuthError{Op: "device token", Err: err}
	}

	if s.logger != nil {
		s.logger.Info("signed in", "expires", tok.Expiry)
	}
	return tok, nil
}

// sessionTokenSource prefers the cached token and its refresh token and
// falls back to the device-code flow. A failed device-code flow is final for
// the life of the session.
type sessionTokenSource struct {
	ctx     context.Context
	session *Session
	base    oauth2.TokenSource
	loaded  bool
	stored  string
	failed  error
}

func (t *sessionTokenSource) Token() (*oauth2.Token, error) {
	s := t.session

	if t.failed != nil {
		return nil, t.failed
	}
	if !t.loaded {
		t.loaded = true
		t.base = t.fromCache()
	}

	if t.base != nil {
		tok, err := t.base.Token()
		if err == nil {
			t.remember(tok)
			return tok, nil
		}
		if s.logger != nil {
			s.logger.Warn("cached token rejected, starting device code sign-in", "err", err)
		}
		t.base = nil
	}

	tok, err := s.deviceFlow(t.ctx)
	if err != nil {
		t.failed = err
		return nil, err
	}
	t.base = s.oauth.TokenSource(t.ctx, tok)
	t.remember(tok)
	return tok, nil
}

func (t *sessionTokenSource) fromCache() oauth2.TokenSource {
	s := t.session
	tok, err := s.cache.Load()
	if err != nil {
		if !errors.Is(err, ErrNoCachedToken) && s.logger != nil {
			s.logger.Warn("token cache unavailable", "err", err)
		}
		return nil
	}
	if tok == nil || (tok.RefreshToken == "" && !tok.Valid()) {
		return nil
	}
	t.stored = tok.AccessToken
	return s.oauth.TokenSource(t.ctx, tok)
}

func (t *sessionTokenSource) remember(tok *oauth2.Token) {
	if tok.AccessToken == t.stored {
		return
	}
	t.stored = tok.AccessToken
	if err := t.session.cache.Store(tok); err != nil && t.session.logger != nil {
		t.session.logger.Warn("token cache write failed", "err", err)
	}
}
