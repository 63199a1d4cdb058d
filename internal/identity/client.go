// Package identity wraps the remote identity provider and owns the
// in-memory session slot. The in-memory session is lost whenever the
// process is torn down; the durable copy in the key-value store is the
// backing that survives, and this client is its only writer.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gregjones/httpcache"
	"github.com/rs/zerolog/log"

	"github.com/keelhq/sessiond/internal/kvstore"
)

// Sentinel errors
var (
	// ErrNoSession is returned when an operation needs a session and the
	// in-memory slot is empty.
	ErrNoSession = errors.New("no session")

	// ErrInvalidToken is returned when the provider response is missing
	// the tokens a session requires.
	ErrInvalidToken = errors.New("invalid token response")
)

// DefaultTimeout bounds every provider call. The upstream behavior under a
// hung network call was undefined; this client makes it explicit.
const DefaultTimeout = 30 * time.Second

const defaultSessionTTL = time.Hour

// ProviderError is a decoded error response from the identity provider.
type ProviderError struct {
	Status      int    `json:"-"`
	Code        string `json:"error_code"`
	Name        string `json:"error"`
	Description string `json:"error_description"`
}

func (e *ProviderError) Error() string {
	msg := e.Description
	if msg == "" {
		msg = e.Name
	}
	if msg == "" {
		msg = "unknown provider error"
	}
	return fmt.Sprintf("provider returned %d: %s", e.Status, msg)
}

// User is the provider's view of the authenticated subject.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role,omitempty"`
}

// Config holds identity provider connection settings.
type Config struct {
	// BaseURL is the provider's auth endpoint, e.g. https://auth.example.com/v1.
	BaseURL string

	// APIKey is sent on every call in the apikey header.
	APIKey string

	// ClientID identifies this installation to the provider.
	ClientID string

	// Timeout bounds each provider call. Defaults to DefaultTimeout.
	Timeout time.Duration
}

// Client talks to the identity provider and holds the in-memory session.
type Client struct {
	baseURL    string
	apiKey     string
	clientID   string
	httpClient *http.Client
	userClient *http.Client

	mu       sync.Mutex
	session  *Session
	hydrated bool
	store    *kvstore.Store
}

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client for token requests.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// NewClient creates an identity client backed by the given durable store.
func NewClient(cfg Config, store *kvstore.Store, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	c := &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		clientID:   cfg.ClientID,
		httpClient: &http.Client{Timeout: timeout},
		// User lookups honor Cache-Control headers across calls.
		userClient: &http.Client{
			Transport: httpcache.NewTransport(httpcache.NewMemoryCache()),
			Timeout:   timeout,
		},
		store: store,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// GetSession returns the current session, lazily rehydrating the in-memory
// slot from the durable store on the first call after a restart. Returns
// nil, nil when signed out.
func (c *Client) GetSession(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rehydrateLocked()

	if c.session == nil {
		return nil, nil
	}

	copied := *c.session
	return &copied, nil
}

// rehydrateLocked loads the durable session into the in-memory slot once
// per process lifetime. Malformed durable state is treated as signed out.
func (c *Client) rehydrateLocked() {
	if c.hydrated {
		return
	}
	c.hydrated = true

	data, err := c.store.Get(SessionKey)
	if err != nil {
		if !errors.Is(err, kvstore.ErrKeyNotFound) {
			log.Warn().Err(err).Msg("failed to read durable session")
		}
		return
	}

	session, err := UnmarshalSession(data)
	if err != nil {
		log.Warn().Err(err).Msg("discarding malformed durable session")
		return
	}

	log.Debug().
		Str("user_id", session.UserID).
		Str("token", Fingerprint(session.AccessToken)).
		Msg("session rehydrated from durable store")

	c.session = session
}

// SetSession installs a session from raw tokens, filling the user id and
// expiry from the access token claims, and persists the durable copy.
func (c *Client) SetSession(ctx context.Context, accessToken, refreshToken string) (*Session, error) {
	if accessToken == "" || refreshToken == "" {
		return nil, ErrInvalidToken
	}

	session := &Session{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	}

	subject, expiresAt, err := tokenClaims(accessToken)
	if err == nil && subject != "" && !expiresAt.IsZero() {
		session.UserID = subject
		session.ExpiresAt = expiresAt.UnixMilli()
	} else {
		// Opaque access token; ask the provider who it belongs to.
		user, err := c.fetchUser(ctx, accessToken)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve session user: %w", err)
		}
		session.UserID = user.ID
		session.ExpiresAt = time.Now().Add(defaultSessionTTL).UnixMilli()
	}

	if err := c.install(session); err != nil {
		return nil, err
	}

	return session, nil
}

// RefreshSession exchanges the in-memory refresh token for a new session.
// Fails with ErrNoSession when the in-memory slot is empty; the caller
// decides whether the durable store can rescue it.
func (c *Client) RefreshSession(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	c.rehydrateLocked()
	if c.session == nil {
		c.mu.Unlock()
		return nil, ErrNoSession
	}
	refreshToken := c.session.RefreshToken
	c.mu.Unlock()

	resp, err := c.token(ctx, "refresh_token", map[string]string{
		"refresh_token": refreshToken,
	})
	if err != nil {
		return nil, err
	}

	session, err := c.sessionFromTokenResponse(resp)
	if err != nil {
		return nil, err
	}

	if err := c.install(session); err != nil {
		return nil, err
	}

	log.Debug().
		Str("user_id", session.UserID).
		Str("token", Fingerprint(session.AccessToken)).
		Msg("session refreshed")

	return session, nil
}

// SignInWithPassword mints a session via the password grant.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	resp, err := c.token(ctx, "password", map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return nil, err
	}

	session, err := c.sessionFromTokenResponse(resp)
	if err != nil {
		return nil, err
	}

	if err := c.install(session); err != nil {
		return nil, err
	}

	log.Info().Str("user_id", session.UserID).Msg("signed in")

	return session, nil
}

// ExchangeCode mints a session from a PKCE authorization code.
func (c *Client) ExchangeCode(ctx context.Context, authCode, codeVerifier string) (*Session, error) {
	resp, err := c.token(ctx, "pkce", map[string]string{
		"auth_code":     authCode,
		"code_verifier": codeVerifier,
	})
	if err != nil {
		return nil, err
	}

	session, err := c.sessionFromTokenResponse(resp)
	if err != nil {
		return nil, err
	}

	if err := c.install(session); err != nil {
		return nil, err
	}

	log.Info().Str("user_id", session.UserID).Msg("signed in via code exchange")

	return session, nil
}

// GetUser fetches the provider's record for the current session's user.
func (c *Client) GetUser(ctx context.Context) (*User, error) {
	session, err := c.GetSession(ctx)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrNoSession
	}
	return c.fetchUser(ctx, session.AccessToken)
}

// SignOut revokes the session with the provider and clears both the
// in-memory slot and the durable copy. Local state is cleared even when
// the provider call fails.
func (c *Client) SignOut(ctx context.Context) error {
	session, err := c.GetSession(ctx)
	if err != nil {
		return err
	}

	if session != nil {
		if err := c.logout(ctx, session.AccessToken); err != nil {
			log.Warn().Err(err).Msg("provider logout failed, clearing local session anyway")
		}
	}

	c.mu.Lock()
	c.session = nil
	c.hydrated = true
	c.mu.Unlock()

	if err := c.store.Delete(SessionKey); err != nil {
		return fmt.Errorf("failed to clear durable session: %w", err)
	}

	log.Info().Msg("signed out")

	return nil
}

// install puts a session into the in-memory slot and writes the durable copy.
func (c *Client) install(session *Session) error {
	data, err := session.Marshal()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.session = session
	c.hydrated = true
	c.mu.Unlock()

	if err := c.store.Put(SessionKey, data); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}

	return nil
}

// tokenResponse is the raw JSON response from the token endpoint.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"` // epoch seconds, not always present
	User         struct {
		ID string `json:"id"`
	} `json:"user"`
}

func (c *Client) sessionFromTokenResponse(resp *tokenResponse) (*Session, error) {
	if resp.AccessToken == "" || resp.RefreshToken == "" {
		return nil, ErrInvalidToken
	}

	session := &Session{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
	}

	switch {
	case resp.ExpiresAt > 0:
		session.ExpiresAt = resp.ExpiresAt * 1000
	case resp.ExpiresIn > 0:
		session.ExpiresAt = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second).UnixMilli()
	default:
		session.ExpiresAt = time.Now().Add(defaultSessionTTL).UnixMilli()
	}

	session.UserID = resp.User.ID
	if session.UserID == "" {
		if subject, _, err := tokenClaims(resp.AccessToken); err == nil {
			session.UserID = subject
		}
	}
	if session.UserID == "" {
		return nil, fmt.Errorf("%w: missing user id", ErrInvalidToken)
	}

	return session, nil
}

// token calls POST {base}/token?grant_type={grantType} with a JSON body.
func (c *Client) token(ctx context.Context, grantType string, body map[string]string) (*tokenResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal token request: %w", err)
	}

	url := c.baseURL + "/token?grant_type=" + grantType
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	c.setHeaders(req, "")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, decodeProviderError(resp.StatusCode, data)
	}

	var tr tokenResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}

	return &tr, nil
}

func (c *Client) fetchUser(ctx context.Context, accessToken string) (*User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/user", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create user request: %w", err)
	}
	c.setHeaders(req, accessToken)

	resp, err := c.userClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("user request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read user response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, decodeProviderError(resp.StatusCode, data)
	}

	var user User
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("failed to decode user response: %w", err)
	}

	return &user, nil
}

func (c *Client) logout(ctx context.Context, accessToken string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/logout", nil)
	if err != nil {
		return fmt.Errorf("failed to create logout request: %w", err)
	}
	c.setHeaders(req, accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("logout request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return decodeProviderError(resp.StatusCode, data)
	}

	return nil
}

func (c *Client) setHeaders(req *http.Request, accessToken string) {
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	if c.clientID != "" {
		req.Header.Set("X-Client-Id", c.clientID)
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
}

func decodeProviderError(status int, data []byte) error {
	perr := &ProviderError{Status: status}
	if err := json.Unmarshal(data, perr); err != nil || (perr.Name == "" && perr.Description == "" && perr.Code == "") {
		perr.Description = string(bytes.TrimSpace(data))
	}
	return perr
}
