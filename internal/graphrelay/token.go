package graphrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

type tokenStatus int

const (
	tokenValid tokenStatus = iota
	tokenFailed
)

type TokenManagerOptions struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
	Logger       *zap.Logger
	Now          func() time.Time
}

// TokenManager owns the access/refresh token pair for one session. All access
// goes through the manager's mutex, which also serializes refreshes: a caller
// that hits a 401 while another refresh is in flight waits for it and reuses
// its result instead of issuing a second exchange. A failed refresh is
// terminal until the external OAuth layer installs fresh credentials.
type TokenManager struct {
	tokenURL     string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	logger       *zap.Logger
	now          func() time.Time

	mu      sync.Mutex
	state   TokenState
	status  tokenStatus
	lastErr error
}

func NewTokenManager(opts TokenManagerOptions, initial TokenState) *TokenManager {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &TokenManager{
		tokenURL:     strings.TrimSpace(opts.TokenURL),
		clientID:     opts.ClientID,
		clientSecret: opts.ClientSecret,
		httpClient:   httpClient,
		logger:       logger,
		now:          now,
		state:        initial,
	}
}

// AccessToken returns the current bearer value, or ErrAuthExpired once the
// session has entered the failed state.
func (m *TokenManager) AccessToken() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == tokenFailed {
		return "", fmt.Errorf("%w: %v", ErrAuthExpired, m.lastErr)
	}
	if m.state.AccessToken == "" {
		return "", fmt.Errorf("%w: no access token for session", ErrAuthExpired)
	}
	return m.state.AccessToken, nil
}

// Tokens returns a copy of the current token state.
func (m *TokenManager) Tokens() TokenState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetTokens installs externally re-established credentials and clears a
// failed state.
func (m *TokenManager) SetTokens(state TokenState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	m.status = tokenValid
	m.lastErr = nil
}

// RefreshAfterUnauthorized exchanges the refresh token after staleToken was
// rejected with a 401. If another caller already refreshed past staleToken,
// the current token is returned without a second exchange. On a failed
// exchange the manager moves to the failed state and returns ErrAuthExpired.
func (m *TokenManager) RefreshAfterUnauthorized(ctx context.Context, staleToken string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == tokenFailed {
		return "", fmt.Errorf("%w: %v", ErrAuthExpired, m.lastErr)
	}
	// coalesce with a refresh that completed while this caller was waiting
	// on the mutex
	if m.state.AccessToken != "" && m.state.AccessToken != staleToken {
		return m.state.AccessToken, nil
	}
	if m.state.RefreshToken == "" {
		m.status = tokenFailed
		m.lastErr = fmt.Errorf("no refresh token")
		return "", fmt.Errorf("%w: no refresh token for session", ErrAuthExpired)
	}
	refreshed, err := m.exchangeLocked(ctx, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {m.state.RefreshToken},
		"client_id":     {m.clientID},
		"client_secret": {m.clientSecret},
	})
	if err != nil {
		m.status = tokenFailed
		m.lastErr = err
		m.logger.Warn("token refresh failed", zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrAuthExpired, err)
	}
	m.applyLocked(refreshed)
	return m.state.AccessToken, nil
}

// MarkAuthExpired records a terminal authentication failure, e.g. a replay
// that was rejected again after a successful refresh.
func (m *TokenManager) MarkAuthExpired(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = tokenFailed
	m.lastErr = fmt.Errorf("%s", reason)
}

// ExchangeAuthorizationCode performs the initial authorization_code grant and
// installs the resulting tokens. Used by the external OAuth layer when a
// session is established.
func (m *TokenManager) ExchangeAuthorizationCode(ctx context.Context, code, redirectURI string) (TokenState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exchanged, err := m.exchangeLocked(ctx, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"client_id":     {m.clientID},
		"client_secret": {m.clientSecret},
	})
	if err != nil {
		return TokenState{}, err
	}
	m.applyLocked(exchanged)
	m.status = tokenValid
	m.lastErr = nil
	return m.state, nil
}

type tokenEndpointResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
}

func (m *TokenManager) exchangeLocked(ctx context.Context, form url.Values) (tokenEndpointResponse, error) {
	if m.tokenURL == "" {
		return tokenEndpointResponse{}, fmt.Errorf("token endpoint not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return tokenEndpointResponse{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return tokenEndpointResponse{}, err
	}
	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return tokenEndpointResponse{}, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		message := strings.TrimSpace(string(body))
		var parsed struct {
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
		}
		if json.Unmarshal(body, &parsed) == nil && parsed.Error != "" {
			message = parsed.Error
			if parsed.ErrorDescription != "" {
				message += ": " + parsed.ErrorDescription
			}
		}
		return tokenEndpointResponse{}, fmt.Errorf("token exchange failed: status=%d %s", resp.StatusCode, message)
	}
	var exchanged tokenEndpointResponse
	if err := json.Unmarshal(body, &exchanged); err != nil {
		return tokenEndpointResponse{}, fmt.Errorf("token exchange failed: invalid response: %w", err)
	}
	if exchanged.AccessToken == "" {
		return tokenEndpointResponse{}, fmt.Errorf("token exchange failed: empty access_token")
	}
	return exchanged, nil
}

func (m *TokenManager) applyLocked(resp tokenEndpointResponse) {
	m.state.AccessToken = resp.AccessToken
	if resp.TokenType != "" {
		m.state.TokenType = resp.TokenType
	}
	// refresh-token rotation: the provider may mint a new refresh token with
	// every exchange, in which case the old one is dead and must be dropped
	if resp.RefreshToken != "" {
		m.state.RefreshToken = resp.RefreshToken
	}
	if resp.ExpiresIn > 0 {
		m.state.ExpiresAt = m.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
}
