package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"github.com/nalgeon/be"
	"golang.org/x/oauth2"
)

type memoryCache struct {
	tok    *oauth2.Token
	stores int
}

func (m *memoryCache) Load() (*oauth2.Token, error) {
	if m.tok == nil {
		return nil, ErrNoCachedToken
	}
	return m.tok, nil
}

func (m *memoryCache) Store(tok *oauth2.Token) error {
	m.tok = tok
	m.stores++
	return nil
}

func (m *memoryCache) Clear() error {
	m.tok = nil
	return nil
}

type identityServer struct {
	*httptest.Server
	deviceCalls atomic.Int32
	tokenCalls  atomic.Int32
	tokenStatus int
	tokenBody   map[string]any
}

func newIdentityServer(t *testing.T) *identityServer {
	t.Helper()
	srv := &identityServer{
		tokenStatus: http.StatusOK,
		tokenBody: map[string]any{
			"access_token":  "access-1",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"refresh_token": "refresh-1",
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/contoso/oauth2/v2.0/devicecode", func(w http.ResponseWriter, r *http.Request) {
		srv.deviceCalls.Add(1)
		_ = r.ParseForm()
		if r.PostForm.Get("client_id") != "client-1" {
			http.Error(w, "bad client", http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"device_code":      "device-1",
			"user_code":        "ABCD-EFGH",
			"verification_uri": "https://microsoft.com/devicelogin",
			"expires_in":       900,
			"interval":         1,
		})
	})
	mux.HandleFunc("/contoso/oauth2/v2.0/token", func(w http.ResponseWriter, r *http.Request) {
		srv.tokenCalls.Add(1)
		writeJSON(w, srv.tokenStatus, srv.tokenBody)
	})
	srv.Server = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func testConfig(authority string) Config {
	return Config{
		ClientID:  "client-1",
		TenantID:  "contoso",
		Scopes:    []string{"user.read", "mail.read"},
		Authority: authority,
	}
}

func TestNewSessionConfigErrors(t *testing.T) {
	handler := ChallengeFunc(func(context.Context, Challenge) error { return nil })
	tests := []struct {
		name  string
		cfg   Config
		field string
	}{
		{"missing client id", Config{TenantID: "t", Scopes: []string{"a"}}, "app.clientId"},
		{"missing tenant id", Config{ClientID: "c", Scopes: []string{"a"}}, "app.tenantId"},
		{"missing scopes", Config{ClientID: "c", TenantID: "t"}, "app.graphUserScopes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewSession(context.Background(), tt.cfg, handler)
			be.True(t, s == nil)
			var cfgErr *ConfigError
			be.True(t, errors.As(err, &cfgErr))
			be.Equal(t, cfgErr.Field, tt.field)
		})
	}

	_, err := NewSession(context.Background(), testConfig(""), nil)
	var cfgErr *ConfigError
	be.True(t, errors.As(err, &cfgErr))
}

func TestUninitializedSession(t *testing.T) {
	var s *Session
	be.True(t, !s.Ready())

	_, err := s.Token()
	be.Err(t, err, ErrNotInitialized)

	_, err = (&Session{}).Token()
	be.Err(t, err, ErrNotInitialized)
}

func TestParseScopes(t *testing.T) {
	be.Equal(t, ParseScopes("user.read, mail.read,,  offline_access "), []string{"user.read", "mail.read", "offline_access"})
	be.Equal(t, len(ParseScopes(" , ")), 0)
}

func TestDeviceCodeFlow(t *testing.T) {
	srv := newIdentityServer(t)
	cache := &memoryCache{}

	var challenges []Challenge
	handler := ChallengeFunc(func(_ context.Context, c Challenge) error {
		challenges = append(challenges, c)
		return nil
	})

	s, err := NewSession(context.Background(), testConfig(srv.URL), handler, WithTokenCache(cache))
	be.Err(t, err, nil)
	be.True(t, s.Ready())

	tok, err := s.Token()
	be.Err(t, err, nil)
	be.Equal(t, tok.AccessToken, "access-1")

	be.Equal(t, len(challenges), 1)
	be.Equal(t, challenges[0].UserCode, "ABCD-EFGH")
	be.Equal(t, challenges[0].VerificationURI, "https://microsoft.com/devicelogin")
	be.Equal(t, challenges[0].Message,
		"To sign in, use a web browser to open the page https://microsoft.com/devicelogin and enter the code ABCD-EFGH to authenticate.")

	// A valid token is reused without another round trip.
	tok, err = s.Token()
	be.Err(t, err, nil)
	be.Equal(t, tok.AccessToken, "access-1")
	be.Equal(t, srv.deviceCalls.Load(), int32(1))
	be.Equal(t, srv.tokenCalls.Load(), int32(1))

	be.Equal(t, cache.stores, 1)
	be.Equal(t, cache.tok.RefreshToken, "refresh-1")
}

func TestDeviceCodeFlowRejected(t *testing.T) {
	srv := newIdentityServer(t)
	srv.tokenStatus = http.StatusBadRequest
	srv.tokenBody = map[string]any{
		"error":             "access_denied",
		"error_description": "the user declined",
	}

	handler := ChallengeFunc(func(context.Context, Challenge) error { return nil })
	s, err := NewSession(context.Background(), testConfig(srv.URL), handler)
	be.Err(t, err, nil)

	_, err = s.Token()
	be.True(t, IsAuthError(err))

	var retrieveErr *oauth2.RetrieveError
	be.True(t, errors.As(err, &retrieveErr))
	be.Equal(t, retrieveErr.ErrorCode, "access_denied")
}

func TestRejectedSignInIsNotRetried(t *testing.T) {
	srv := newIdentityServer(t)
	srv.tokenStatus = http.StatusBadRequest
	srv.tokenBody = map[string]any{"error": "access_denied"}

	var challenges int
	handler := ChallengeFunc(func(context.Context, Challenge) error {
		challenges++
		return nil
	})
	s, err := NewSession(context.Background(), testConfig(srv.URL), handler)
	be.Err(t, err, nil)

	_, first := s.Token()
	be.True(t, IsAuthError(first))
	for range 3 {
		_, err = s.Token()
		be.Err(t, err, first)
	}
	be.Equal(t, challenges, 1)
	be.Equal(t, srv.deviceCalls.Load(), int32(1))
	be.Equal(t, srv.tokenCalls.Load(), int32(1))
}

func TestChallengeHandlerErrorAborts(t *testing.T) {
	srv := newIdentityServer(t)
	boom := errors.New("no terminal")
	handler := ChallengeFunc(func(context.Context, Challenge) error { return boom })

	s, err := NewSession(context.Background(), testConfig(srv.URL), handler)
	be.Err(t, err, nil)

	_, err = s.Token()
	be.Err(t, err, boom)
	be.True(t, IsAuthError(err))
	be.Equal(t, srv.tokenCalls.Load(), int32(0))
}

func TestCachedTokenSkipsChallenge(t *testing.T) {
	srv := newIdentityServer(t)
	cache := &memoryCache{tok: &oauth2.Token{
		AccessToken:  "cached",
		TokenType:    "Bearer",
		RefreshToken: "refresh-0",
		Expiry:       time.Now().Add(time.Hour),
	}}
	handler := ChallengeFunc(func(context.Context, Challenge) error {
		t.Fatal("challenge must not be presented when a cached token is valid")
		return nil
	})

	s, err := NewSession(context.Background(), testConfig(srv.URL), handler, WithTokenCache(cache))
	be.Err(t, err, nil)

	tok, err := s.Token()
	be.Err(t, err, nil)
	be.Equal(t, tok.AccessToken, "cached")
	be.Equal(t, srv.deviceCalls.Load(), int32(0))
	be.Equal(t, cache.stores, 0)
}

func TestExpiredCachedTokenIsRefreshed(t *testing.T) {
	srv := newIdentityServer(t)
	srv.tokenBody["access_token"] = "refreshed"
	cache := &memoryCache{tok: &oauth2.Token{
		AccessToken:  "stale",
		RefreshToken: "refresh-0",
		Expiry:       time.Now().Add(-time.Hour),
	}}
	handler := ChallengeFunc(func(context.Context, Challenge) error {
		t.Fatal("refresh should not need a challenge")
		return nil
	})

	s, err := NewSession(context.Background(), testConfig(srv.URL), handler, WithTokenCache(cache))
	be.Err(t, err, nil)

	tok, err := s.Token()
	be.Err(t, err, nil)
	be.Equal(t, tok.AccessToken, "refreshed")
	be.Equal(t, srv.deviceCalls.Load(), int32(0))
	be.Equal(t, cache.tok.AccessToken, "refreshed")
}

func TestKeyringCacheRoundTrip(t *testing.T) {
	cache := NewKeyringCache(keyring.NewArrayKeyring(nil), CacheKey(testConfig("")))

	_, err := cache.Load()
	be.Err(t, err, ErrNoCachedToken)

	expiry := time.Date(2030, time.January, 2, 3, 4, 5, 0, time.UTC)
	be.Err(t, cache.Store(&oauth2.Token{AccessToken: "a", RefreshToken: "r", Expiry: expiry}), nil)

	tok, err := cache.Load()
	be.Err(t, err, nil)
	be.Equal(t, tok.RefreshToken, "r")
	be.True(t, tok.Expiry.Equal(expiry))

	be.Err(t, cache.Clear(), nil)
	be.Err(t, cache.Clear(), nil)
	_, err = cache.Load()
	be.Err(t, err, ErrNoCachedToken)
}

func TestFileKeyringNeedsItsPassword(t *testing.T) {
	dir := t.TempDir()
	open := func(password string) *KeyringCache {
		cfg := keyringConfig(KeyringOptions{Dir: dir, Password: password})
		cfg.AllowedBackends = []keyring.BackendType{keyring.FileBackend}
		ring, err := keyring.Open(cfg)
		be.Err(t, err, nil)
		return NewKeyringCache(ring, CacheKey(testConfig("")))
	}

	be.Err(t, open("correct horse").Store(&oauth2.Token{AccessToken: "a", RefreshToken: "r"}), nil)

	tok, err := open("correct horse").Load()
	be.Err(t, err, nil)
	be.Equal(t, tok.RefreshToken, "r")

	_, err = open("battery staple").Load()
	be.True(t, err != nil)
	be.True(t, !errors.Is(err, ErrNoCachedToken))
}

func TestCacheKey(t *testing.T) {
	be.Equal(t, CacheKey(Config{ClientID: "abc", TenantID: "Contoso"}), "token:contoso:abc")
}
