// Package auth owns the ClickUp login: the OAuth authorization-code flow,
// token refresh, personal API tokens and logout.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/teemow/inboxlink/internal/clickup"
	"github.com/teemow/inboxlink/internal/credentials"
	"github.com/teemow/inboxlink/internal/instrumentation"
	"github.com/teemow/inboxlink/internal/logging"
	"github.com/teemow/inboxlink/internal/store"
)

// ClickUp OAuth endpoints.
const (
	AuthURL  = "https://app.clickup.com/api"
	TokenURL = clickup.DefaultBaseURL + "/oauth/token"
)

// ErrNoOAuthConfig is returned when the OAuth application is not configured.
var ErrNoOAuthConfig = errors.New("ClickUp OAuth client is not configured")

// Options configures a Service.
type Options struct {
	KV          store.Store
	Credentials *credentials.Store
	// Client configures the ClickUp client the service builds. Tokens and
	// Refresher are set by the service.
	Client     clickup.Options
	HTTPClient *http.Client
	// TokenURL overrides the token endpoint.
	TokenURL string
	Logger   *slog.Logger
	Metrics  *instrumentation.Metrics
}

// Service manages the login state.
type Service struct {
	kv       store.Store
	creds    *credentials.Store
	holder   *SessionHolder
	client   *clickup.Client
	http     *http.Client
	tokenURL string
	logger   *slog.Logger
	metrics  *instrumentation.Metrics

	// refreshMu serializes refresh exchanges.
	refreshMu sync.Mutex
}

// NewService builds the service and its ClickUp client.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		kv:       opts.KV,
		creds:    opts.Credentials,
		holder:   &SessionHolder{},
		http:     opts.HTTPClient,
		tokenURL: opts.TokenURL,
		logger:   logger.With("component", "auth"),
		metrics:  opts.Metrics,
	}
	if s.creds == nil {
		s.creds = credentials.NewStore(opts.KV, logger)
	}
	if s.tokenURL == "" {
		s.tokenURL = TokenURL
	}

	copts := opts.Client
	copts.Tokens = s.holder
	copts.Refresher = s
	if copts.Logger == nil {
		copts.Logger = logger
	}
	if copts.Metrics == nil {
		copts.Metrics = opts.Metrics
	}
	s.client = clickup.New(copts)
	return s
}

// Client returns the ClickUp client bound to this login.
func (s *Service) Client() *clickup.Client { return s.client }

// Sessions returns the session holder.
func (s *Service) Sessions() *SessionHolder { return s.holder }

// Credentials returns the credential store.
func (s *Service) Credentials() *credentials.Store { return s.creds }

// Load publishes the stored tokens as the current session. It reports
// whether a token was found.
func (s *Service) Load(ctx context.Context) (bool, error) {
	access, refresh, err := s.creds.Tokens(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to load tokens: %w", err)
	}
	if access == "" {
		s.holder.Clear()
		return false, nil
	}
	s.holder.Store(NewSession(access, refresh))
	return true, nil
}

func (s *Service) oauthConfig(ctx context.Context) (*oauth2.Config, error) {
	cfg, ok, err := s.creds.OAuthConfig(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoOAuthConfig
	}
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:   AuthURL,
			TokenURL:  s.tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}, nil
}

func (s *Service) oauthContext(ctx context.Context) context.Context {
	if s.http != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, s.http)
	}
	return ctx
}

// SaveConfig stores the OAuth application credentials.
func (s *Service) SaveConfig(ctx context.Context, cfg credentials.OAuthConfig) error {
	cfg.ClientID = strings.TrimSpace(cfg.ClientID)
	cfg.ClientSecret = strings.TrimSpace(cfg.ClientSecret)
	if err := s.creds.SaveOAuthConfig(ctx, cfg); err != nil {
		return fmt.Errorf("failed to save OAuth config: %w", err)
	}
	return nil
}

// AuthCodeURL returns the ClickUp consent URL.
func (s *Service) AuthCodeURL(ctx context.Context, state string) (string, error) {
	conf, err := s.oauthConfig(ctx)
	if err != nil {
		return "", err
	}
	return conf.AuthCodeURL(state), nil
}

// CompleteAuth exchanges an authorization code and stores the tokens.
func (s *Service) CompleteAuth(ctx context.Context, code string) (*Session, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, errors.New("authorization code is required")
	}
	conf, err := s.oauthConfig(ctx)
	if err != nil {
		return nil, err
	}

	tok, err := conf.Exchange(s.oauthContext(ctx), code)
	if err != nil {
		s.metrics.RecordOAuthAuth(ctx, instrumentation.OAuthResultFailure)
		return nil, fmt.Errorf("failed to exchange auth code: %w", err)
	}
	s.metrics.RecordOAuthAuth(ctx, instrumentation.OAuthResultSuccess)

	session, err := s.commit(ctx, tok.AccessToken, tok.RefreshToken)
	if err != nil {
		return nil, err
	}
	s.logger.Info("signed in to ClickUp")
	return session, nil
}

// SaveToken signs in with a personal API token.
func (s *Service) SaveToken(ctx context.Context, token string) (*Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("token is required")
	}
	return s.commit(ctx, token, "")
}

func (s *Service) commit(ctx context.Context, access, refresh string) (*Session, error) {
	if err := s.creds.SaveTokens(ctx, access, refresh); err != nil {
		return nil, err
	}
	next := NewSession(access, refresh)
	if cur := s.holder.Load(); cur != nil {
		next = cur.WithTokens(access, refresh)
	}
	s.holder.Store(next)
	return next, nil
}

// RefreshToken implements clickup.RefreshTokenPort. A missing refresh token
// or OAuth config yields an unsuccessful result without an error.
func (s *Service) RefreshToken(ctx context.Context) (clickup.RefreshResult, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	_, refresh, err := s.creds.Tokens(ctx)
	if err != nil {
		return clickup.RefreshResult{}, err
	}
	if refresh == "" {
		s.logger.Info("no refresh token stored")
		return clickup.RefreshResult{}, nil
	}
	conf, err := s.oauthConfig(ctx)
	if errors.Is(err, ErrNoOAuthConfig) {
		return clickup.RefreshResult{}, nil
	}
	if err != nil {
		return clickup.RefreshResult{}, err
	}

	// An expiry in the past forces the token source to refresh.
	src := conf.TokenSource(s.oauthContext(ctx), &oauth2.Token{RefreshToken: refresh, Expiry: time.Unix(1, 0)})
	tok, err := src.Token()
	if err != nil {
		s.metrics.RecordOAuthTokenRefresh(ctx, instrumentation.OAuthResultFailure)
		return clickup.RefreshResult{}, fmt.Errorf("failed to refresh token: %w", err)
	}

	if _, err := s.commit(ctx, tok.AccessToken, tok.RefreshToken); err != nil {
		s.logger.Warn("failed to save refreshed token", logging.Err(err))
	}
	return clickup.RefreshResult{Success: true, Token: tok.AccessToken}, nil
}

// Logout forgets the tokens and the cached user and teams. The OAuth
// application config is kept.
func (s *Service) Logout(ctx context.Context) error {
	s.holder.Clear()
	if err := s.creds.ClearAuth(ctx); err != nil {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}
	s.logger.Info("signed out of ClickUp")
	return nil
}

// Status describes the login state.
type Status struct {
	Authenticated  bool          `json:"authenticated"`
	HasOAuthConfig bool          `json:"hasOAuthConfig"`
	User           *clickup.User `json:"user,omitempty"`
}

// Status reports the login state from local data only.
func (s *Service) Status(ctx context.Context) (Status, error) {
	var st Status
	if _, err := s.Load(ctx); err != nil {
		return st, err
	}
	st.Authenticated = s.holder.Load() != nil

	_, ok, err := s.creds.OAuthConfig(ctx)
	if err != nil {
		return st, err
	}
	st.HasOAuthConfig = ok

	var user clickup.User
	if ok, err := store.GetJSON(ctx, s.kv, store.KeyCachedUser, &user); err == nil && ok {
		st.User = &user
	}
	return st, nil
}

// CurrentUser returns the cached user, fetching it when absent or when
// refresh is set.
func (s *Service) CurrentUser(ctx context.Context, refresh bool) (clickup.User, error) {
	var user clickup.User
	if !refresh {
		if ok, err := store.GetJSON(ctx, s.kv, store.KeyCachedUser, &user); err == nil && ok {
			return user, nil
		}
	}
	user, err := s.client.GetUser(ctx)
	if err != nil {
		return clickup.User{}, err
	}
	if err := store.SetJSON(ctx, s.kv, store.KeyCachedUser, user); err != nil {
		s.logger.Warn("failed to cache user", logging.Err(err))
	}
	return user, nil
}
