package graphrelay

import (
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"
)

type SessionConfig struct {
	GraphBaseURL string
	TokenURL     string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
	UserAgent    string
	Logger       *zap.Logger
}

// Session is the plain per-account state bundle: one token manager, one Graph
// client, and the operation surfaces built on it. Sessions are constructed
// explicitly from validated credentials; there are no framework lifecycle
// hooks or injected auth context.
type Session struct {
	Account  string
	Tokens   *TokenManager
	Graph    *GraphClient
	Mailbox  *Mailbox
	Calendar *Calendar
}

// NewSession builds a session for one account from validated credentials.
func NewSession(account string, creds TokenState, cfg SessionConfig) (*Session, error) {
	account = strings.TrimSpace(account)
	if account == "" {
		return nil, ErrInvalidInput
	}
	if creds.AccessToken == "" && creds.RefreshToken == "" {
		return nil, ErrInvalidInput
	}
	tokens := NewTokenManager(TokenManagerOptions{
		TokenURL:     cfg.TokenURL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		HTTPClient:   cfg.HTTPClient,
		Logger:       cfg.Logger,
	}, creds)
	graph := NewGraphClient(GraphClientOptions{
		BaseURL:    cfg.GraphBaseURL,
		Tokens:     tokens,
		HTTPClient: cfg.HTTPClient,
		UserAgent:  cfg.UserAgent,
		Logger:     cfg.Logger,
	})
	return &Session{
		Account:  account,
		Tokens:   tokens,
		Graph:    graph,
		Mailbox:  NewMailbox(graph, account),
		Calendar: NewCalendar(graph, account),
	}, nil
}

// SessionStore holds the active per-account sessions. TokenState stays inside
// each session; the store only maps account names to them.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: map[string]*Session{}}
}

func (s *SessionStore) Put(session *Session) {
	if session == nil || session.Account == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.Account] = session
}

func (s *SessionStore) Get(account string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[account]
	return session, ok
}

func (s *SessionStore) Accounts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	accounts := make([]string, 0, len(s.sessions))
	for account := range s.sessions {
		accounts = append(accounts, account)
	}
	return accounts
}
