// Package credentials keeps the ClickUp access/refresh tokens and the OAuth
// client configuration encrypted at rest in the key-value store.
//
// The AES key is generated on first use and stored unencrypted under
// "encryptionKey" in the same store. Values written by older builds as plain
// strings are re-written as envelopes the first time they are read.
package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/teemow/inboxlink/internal/logging"
	"github.com/teemow/inboxlink/internal/store"
)

// AccessCredential is the complete credential set for one ClickUp login.
type AccessCredential struct {
	AccessToken  string
	RefreshToken string
	ClientID     string
	ClientSecret string
}

// OAuthConfig is the registered ClickUp OAuth application.
type OAuthConfig struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	RedirectURL  string `json:"redirectUrl"`
}

// storedOAuthConfig is the persisted form: the secret is an envelope.
type storedOAuthConfig struct {
	ClientID        string    `json:"clientId"`
	EncryptedSecret *Envelope `json:"encryptedSecret,omitempty"`
	RedirectURL     string    `json:"redirectUrl"`
	Version         int       `json:"version,omitempty"`

	// ClientSecret is only present in configs written before encryption.
	ClientSecret string `json:"clientSecret,omitempty"`
}

// Store reads and writes encrypted credentials.
type Store struct {
	kv     store.Store
	logger *slog.Logger

	mu     sync.Mutex
	cipher *Cipher
}

// NewStore wraps kv. A nil logger uses slog.Default().
func NewStore(kv store.Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{kv: kv, logger: logger.With("component", "credentials")}
}

func (s *Store) loadCipher(ctx context.Context) (*Cipher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cipher != nil {
		return s.cipher, nil
	}

	var encoded string
	ok, err := store.GetJSON(ctx, s.kv, store.KeyEncryptionKey, &encoded)
	if err != nil {
		return nil, err
	}

	var key []byte
	if ok {
		key, err = KeyFromBase64(encoded)
		if err != nil {
			return nil, fmt.Errorf("stored encryption key is invalid: %w", err)
		}
	} else {
		key, err = GenerateKey()
		if err != nil {
			return nil, err
		}
		if err := store.SetJSON(ctx, s.kv, store.KeyEncryptionKey, KeyToBase64(key)); err != nil {
			return nil, fmt.Errorf("failed to persist encryption key: %w", err)
		}
	}

	c, err := NewCipher(key)
	if err != nil {
		return nil, err
	}
	s.cipher = c
	return c, nil
}

// GetSecret returns the decrypted value under key. A value that cannot be
// decrypted reads as absent. Legacy plaintext is migrated in place.
func (s *Store) GetSecret(ctx context.Context, key string) (string, bool, error) {
	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil || !ok {
		return "", false, err
	}

	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var plain string
		if err := json.Unmarshal(raw, &plain); err != nil {
			return "", false, fmt.Errorf("failed to decode %s: %w", key, err)
		}
		if err := s.SetSecret(ctx, key, plain); err != nil {
			s.logger.Warn("failed to migrate plaintext secret", slog.String("key", key), logging.Err(err))
		} else {
			s.logger.Info("migrated plaintext secret to encrypted envelope", slog.String("key", key))
		}
		return plain, true, nil
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.logger.Warn("unreadable secret", slog.String("key", key), logging.Err(err))
		return "", false, nil
	}
	c, err := s.loadCipher(ctx)
	if err != nil {
		return "", false, err
	}
	plain, err := c.Open(env)
	if err != nil {
		s.logger.Warn("failed to decrypt secret", slog.String("key", key), logging.Err(err))
		return "", false, nil
	}
	return plain, true, nil
}

// SetSecret encrypts value and stores it under key.
func (s *Store) SetSecret(ctx context.Context, key, value string) error {
	c, err := s.loadCipher(ctx)
	if err != nil {
		return err
	}
	env, err := c.Seal(value)
	if err != nil {
		return err
	}
	return store.SetJSON(ctx, s.kv, key, env)
}

// Tokens returns the stored access and refresh tokens. Either may be empty.
func (s *Store) Tokens(ctx context.Context) (access, refresh string, err error) {
	access, _, err = s.GetSecret(ctx, store.KeyAccessToken)
	if err != nil {
		return "", "", err
	}
	refresh, _, err = s.GetSecret(ctx, store.KeyRefreshToken)
	if err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

// SaveTokens stores a token pair. An empty refresh token leaves the stored
// one untouched.
func (s *Store) SaveTokens(ctx context.Context, access, refresh string) error {
	if access == "" {
		return errors.New("access token is empty")
	}
	if err := s.SetSecret(ctx, store.KeyAccessToken, access); err != nil {
		return fmt.Errorf("failed to save access token: %w", err)
	}
	if refresh != "" {
		if err := s.SetSecret(ctx, store.KeyRefreshToken, refresh); err != nil {
			return fmt.Errorf("failed to save refresh token: %w", err)
		}
	}
	return nil
}

// ClearAuth removes tokens and the user/team snapshots.
func (s *Store) ClearAuth(ctx context.Context) error {
	return s.kv.Remove(ctx, store.AuthKeys...)
}

// OAuthConfig returns the stored OAuth application, if any.
func (s *Store) OAuthConfig(ctx context.Context) (OAuthConfig, bool, error) {
	var stored storedOAuthConfig
	ok, err := store.GetJSON(ctx, s.kv, store.KeyOAuthConfig, &stored)
	if err != nil || !ok {
		return OAuthConfig{}, false, err
	}

	cfg := OAuthConfig{ClientID: stored.ClientID, RedirectURL: stored.RedirectURL}
	switch {
	case stored.EncryptedSecret != nil:
		c, err := s.loadCipher(ctx)
		if err != nil {
			return OAuthConfig{}, false, err
		}
		secret, err := c.Open(*stored.EncryptedSecret)
		if err != nil {
			s.logger.Warn("failed to decrypt oauth client secret", logging.Err(err))
			return OAuthConfig{}, false, nil
		}
		cfg.ClientSecret = secret
	case stored.ClientSecret != "":
		cfg.ClientSecret = stored.ClientSecret
		if err := s.SaveOAuthConfig(ctx, cfg); err != nil {
			s.logger.Warn("failed to migrate plaintext oauth config", logging.Err(err))
		}
	}
	return cfg, true, nil
}

// SaveOAuthConfig stores cfg with the client secret encrypted.
func (s *Store) SaveOAuthConfig(ctx context.Context, cfg OAuthConfig) error {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return errors.New("client id and client secret are required")
	}
	c, err := s.loadCipher(ctx)
	if err != nil {
		return err
	}
	env, err := c.Seal(cfg.ClientSecret)
	if err != nil {
		return err
	}
	return store.SetJSON(ctx, s.kv, store.KeyOAuthConfig, storedOAuthConfig{
		ClientID:        cfg.ClientID,
		EncryptedSecret: &env,
		RedirectURL:     cfg.RedirectURL,
		Version:         EnvelopeVersion,
	})
}

// Credential assembles the full credential set.
func (s *Store) Credential(ctx context.Context) (AccessCredential, error) {
	access, refresh, err := s.Tokens(ctx)
	if err != nil {
		return AccessCredential{}, err
	}
	cfg, _, err := s.OAuthConfig(ctx)
	if err != nil {
		return AccessCredential{}, err
	}
	return AccessCredential{
		AccessToken:  access,
		RefreshToken: refresh,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
	}, nil
}
