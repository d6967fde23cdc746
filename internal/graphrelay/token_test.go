package graphrelay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func tokenServer(t *testing.T, exchanges *int32, respond func(r *http.Request) (int, any)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(exchanges, 1)
		if err := r.ParseForm(); err != nil {
			t.Fatalf("failed to parse token form: %v", err)
		}
		status, body := respond(r)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
}

func TestRefreshAfterUnauthorizedRotatesTokens(t *testing.T) {
	var exchanges int32
	srv := tokenServer(t, &exchanges, func(r *http.Request) (int, any) {
		if got := r.Form.Get("grant_type"); got != "refresh_token" {
			t.Fatalf("unexpected grant_type %q", got)
		}
		if got := r.Form.Get("refresh_token"); got != "refresh-old" {
			t.Fatalf("unexpected refresh_token %q", got)
		}
		return http.StatusOK, map[string]any{
			"access_token":  "access-new",
			"refresh_token": "refresh-new",
			"token_type":    "Bearer",
			"expires_in":    3600,
		}
	})
	defer srv.Close()

	m := NewTokenManager(TokenManagerOptions{TokenURL: srv.URL, ClientID: "cid"}, TokenState{
		AccessToken:  "access-old",
		RefreshToken: "refresh-old",
	})
	token, err := m.RefreshAfterUnauthorized(context.Background(), "access-old")
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if token != "access-new" {
		t.Fatalf("expected refreshed token, got %q", token)
	}
	state := m.Tokens()
	if state.RefreshToken != "refresh-new" {
		t.Fatalf("refresh token not rotated: %q", state.RefreshToken)
	}
	if atomic.LoadInt32(&exchanges) != 1 {
		t.Fatalf("expected exactly one exchange, got %d", exchanges)
	}
}

func TestRefreshKeepsRefreshTokenWhenNotRotated(t *testing.T) {
	var exchanges int32
	srv := tokenServer(t, &exchanges, func(r *http.Request) (int, any) {
		return http.StatusOK, map[string]any{
			"access_token": "access-new",
			"expires_in":   3600,
		}
	})
	defer srv.Close()

	m := NewTokenManager(TokenManagerOptions{TokenURL: srv.URL}, TokenState{
		AccessToken:  "access-old",
		RefreshToken: "refresh-keep",
	})
	if _, err := m.RefreshAfterUnauthorized(context.Background(), "access-old"); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if got := m.Tokens().RefreshToken; got != "refresh-keep" {
		t.Fatalf("refresh token dropped without rotation: %q", got)
	}
}

func TestRefreshCoalescesStaleCallers(t *testing.T) {
	var exchanges int32
	srv := tokenServer(t, &exchanges, func(r *http.Request) (int, any) {
		return http.StatusOK, map[string]any{
			"access_token": "access-new",
			"expires_in":   3600,
		}
	})
	defer srv.Close()

	m := NewTokenManager(TokenManagerOptions{TokenURL: srv.URL}, TokenState{
		AccessToken:  "access-old",
		RefreshToken: "refresh-old",
	})
	if _, err := m.RefreshAfterUnauthorized(context.Background(), "access-old"); err != nil {
		t.Fatalf("first refresh failed: %v", err)
	}
	// a caller still holding the stale token gets the refreshed one without a
	// second exchange
	token, err := m.RefreshAfterUnauthorized(context.Background(), "access-old")
	if err != nil {
		t.Fatalf("coalesced refresh failed: %v", err)
	}
	if token != "access-new" {
		t.Fatalf("expected coalesced token, got %q", token)
	}
	if atomic.LoadInt32(&exchanges) != 1 {
		t.Fatalf("expected a single exchange, got %d", exchanges)
	}
}

func TestFailedRefreshIsTerminal(t *testing.T) {
	var exchanges int32
	srv := tokenServer(t, &exchanges, func(r *http.Request) (int, any) {
		return http.StatusBadRequest, map[string]any{
			"error":             "invalid_grant",
			"error_description": "refresh token revoked",
		}
	})
	defer srv.Close()

	m := NewTokenManager(TokenManagerOptions{TokenURL: srv.URL}, TokenState{
		AccessToken:  "access-old",
		RefreshToken: "refresh-dead",
	})
	if _, err := m.RefreshAfterUnauthorized(context.Background(), "access-old"); !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("expected ErrAuthExpired, got %v", err)
	}
	if _, err := m.AccessToken(); !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("expected failed state to stick, got %v", err)
	}
	// further refresh attempts do not hit the token endpoint again
	if _, err := m.RefreshAfterUnauthorized(context.Background(), "access-old"); !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("expected ErrAuthExpired from failed state, got %v", err)
	}
	if atomic.LoadInt32(&exchanges) != 1 {
		t.Fatalf("failed state still reached the token endpoint: %d exchanges", exchanges)
	}
}

func TestRefreshWithoutRefreshTokenFails(t *testing.T) {
	m := NewTokenManager(TokenManagerOptions{TokenURL: "http://localhost:0"}, TokenState{
		AccessToken: "access-old",
	})
	if _, err := m.RefreshAfterUnauthorized(context.Background(), "access-old"); !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("expected ErrAuthExpired without refresh token, got %v", err)
	}
}

func TestSetTokensClearsFailedState(t *testing.T) {
	m := NewTokenManager(TokenManagerOptions{}, TokenState{AccessToken: "a"})
	m.MarkAuthExpired("second rejection")
	if _, err := m.AccessToken(); !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("expected failed state after MarkAuthExpired, got %v", err)
	}
	m.SetTokens(TokenState{AccessToken: "fresh", RefreshToken: "fresh-rt"})
	token, err := m.AccessToken()
	if err != nil {
		t.Fatalf("expected recovery after SetTokens: %v", err)
	}
	if token != "fresh" {
		t.Fatalf("unexpected token %q", token)
	}
}

func TestExchangeAuthorizationCode(t *testing.T) {
	var exchanges int32
	srv := tokenServer(t, &exchanges, func(r *http.Request) (int, any) {
		if got := r.Form.Get("grant_type"); got != "authorization_code" {
			t.Fatalf("unexpected grant_type %q", got)
		}
		if got := r.Form.Get("code"); got != "auth-code" {
			t.Fatalf("unexpected code %q", got)
		}
		return http.StatusOK, map[string]any{
			"access_token":  "access-1",
			"refresh_token": "refresh-1",
			"expires_in":    3600,
		}
	})
	defer srv.Close()

	m := NewTokenManager(TokenManagerOptions{TokenURL: srv.URL}, TokenState{})
	state, err := m.ExchangeAuthorizationCode(context.Background(), "auth-code", "https://relay.example/callback")
	if err != nil {
		t.Fatalf("exchange failed: %v", err)
	}
	if state.AccessToken != "access-1" || state.RefreshToken != "refresh-1" {
		t.Fatalf("unexpected state: %+v", state)
	}
}
