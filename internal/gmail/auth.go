package gmail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
)

// Scopes are the scopes requested for Gmail. Reading thread metadata is all
// the CLI needs.
var Scopes = []string{gmail.GmailReadonlyScope}

// ErrNoToken is returned when no Gmail login has been stored.
var ErrNoToken = errors.New("no Gmail token found, run 'inboxlink auth gmail'")

// Auth holds the OAuth client and the token cache file.
type Auth struct {
	config    *oauth2.Config
	tokenPath string
}

// NewAuth reads an installed-app credentials.json. tokenPath defaults to
// DefaultTokenPath.
func NewAuth(credentialsPath, tokenPath string) (*Auth, error) {
	data, err := os.ReadFile(credentialsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials from %s: %w", credentialsPath, err)
	}
	config, err := google.ConfigFromJSON(data, Scopes...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse credentials: %w", err)
	}
	if tokenPath == "" {
		tokenPath = DefaultTokenPath()
	}
	return &Auth{config: config, tokenPath: tokenPath}, nil
}

// DefaultTokenPath is ~/.cache/inboxlink/google.token.
func DefaultTokenPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "inboxlink", "google.token")
}

// HasToken reports whether a token file exists.
func (a *Auth) HasToken() bool {
	_, err := os.Stat(a.tokenPath)
	return err == nil
}

// AuthURL returns the consent page URL.
func (a *Auth) AuthURL(state string) string {
	return a.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an authorization code for a token and stores it.
func (a *Auth) Exchange(ctx context.Context, code string) error {
	tok, err := a.config.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("failed to exchange auth code: %w", err)
	}
	return a.save(tok)
}

// HTTPClient returns a client that refreshes the stored token and writes
// refreshed tokens back to the cache file.
func (a *Auth) HTTPClient(ctx context.Context) (*http.Client, error) {
	tok, err := a.load()
	if err != nil {
		return nil, err
	}
	ts := &savingTokenSource{
		base: a.config.TokenSource(ctx, tok),
		last: tok.AccessToken,
		save: a.save,
	}
	return oauth2.NewClient(ctx, ts), nil
}

func (a *Auth) load() (*oauth2.Token, error) {
	data, err := os.ReadFile(a.tokenPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	return &tok, nil
}

func (a *Auth) save(tok *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(a.tokenPath), 0o700); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	data, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	if err := os.WriteFile(a.tokenPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	return nil
}

// savingTokenSource persists the token whenever the access token changes.
type savingTokenSource struct {
	base oauth2.TokenSource
	save func(*oauth2.Token) error

	mu   sync.Mutex
	last string
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		s.last = tok.AccessToken
		// A failed write only costs a refresh next run.
		_ = s.save(tok)
	}
	return tok, nil
}
