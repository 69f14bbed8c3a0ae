package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/99designs/keyring"
	"golang.org/x/oauth2"
)

const keyringService = "mail-backup"

// ErrNoCachedToken is returned by TokenCache.Load when nothing is stored.
var ErrNoCachedToken = errors.New("no cached token")

// TokenCache persists tokens between runs so the device-code challenge is
// only needed when the refresh token is gone or rejected.
type TokenCache interface {
	Load() (*oauth2.Token, error)
	Store(tok *oauth2.Token) error
	Clear() error
}

// NoCache never remembers anything.
type NoCache struct{}

func (NoCache) Load() (*oauth2.Token, error) { return nil, ErrNoCachedToken }
func (NoCache) Store(*oauth2.Token) error    { return nil }
func (NoCache) Clear() error                 { return nil }

// KeyringCache keeps the token as JSON in the operating system keyring,
// falling back to an encrypted file in dir.
type KeyringCache struct {
	ring keyring.Keyring
	key  string
}

// CacheKey identifies the cached token for an application registration.
func CacheKey(cfg Config) string {
	return "token:" + strings.ToLower(cfg.TenantID) + ":" + cfg.ClientID
}

// KeyringOptions configures the file backend, which is only used when no
// operating system keyring is available.
type KeyringOptions struct {
	Dir string
	// Password encrypts the file backend. When empty the user is asked on
	// the terminal.
	Password string
}

// OpenKeyringCache opens the keyring used for cached tokens.
func OpenKeyringCache(opts KeyringOptions, key string) (*KeyringCache, error) {
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("token cache key is empty")
	}
	ring, err := keyring.Open(keyringConfig(opts))
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return NewKeyringCache(ring, key), nil
}

func keyringConfig(opts KeyringOptions) keyring.Config {
	return keyring.Config{
		ServiceName: keyringService,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  filepath.Clean(opts.Dir),
		FilePasswordFunc:         filePassword(opts.Password),
		KeychainTrustApplication: true,
	}
}

func filePassword(password string) keyring.PromptFunc {
	if password != "" {
		return keyring.FixedStringPrompt(password)
	}
	return keyring.TerminalPrompt
}

// NewKeyringCache wraps an already opened keyring.
func NewKeyringCache(ring keyring.Keyring, key string) *KeyringCache {
	return &KeyringCache{ring: ring, key: key}
}

func (k *KeyringCache) Load() (*oauth2.Token, error) {
	item, err := k.ring.Get(k.key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, ErrNoCachedToken
	}
	if err != nil {
		return nil, fmt.Errorf("reading cached token: %w", err)
	}

	var tok oauth2.Token
	if err := json.Unmarshal(item.Data, &tok); err != nil {
		return nil, fmt.Errorf("decoding cached token: %w", err)
	}
	return &tok, nil
}

func (k *KeyringCache) Store(tok *oauth2.Token) error {
	if tok == nil {
		return nil
	}
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}
	err = k.ring.Set(keyring.Item{
		Key:         k.key,
		Data:        data,
		Label:       "mail-backup OAuth token",
		Description: "Microsoft Graph refresh token",
	})
	if err != nil {
		return fmt.Errorf("storing token: %w", err)
	}
	return nil
}

func (k *KeyringCache) Clear() error {
	err := k.ring.Remove(k.key)
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("removing cached token: %w", err)
	}
	return nil
}
