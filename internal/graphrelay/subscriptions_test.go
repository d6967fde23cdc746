package graphrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func sessionAgainst(t *testing.T, account, baseURL string) (*SessionStore, *Session) {
	t.Helper()
	sessions := NewSessionStore()
	session, err := NewSession(account, TokenState{AccessToken: "tok"}, SessionConfig{
		GraphBaseURL: baseURL,
	})
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	sessions.Put(session)
	return sessions, session
}

func TestSubscriptionCreate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1.0/subscriptions" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var payload graphSubscription
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("invalid subscription payload: %v", err)
		}
		if payload.ChangeType != "created,updated,deleted" {
			t.Fatalf("unexpected changeType %q", payload.ChangeType)
		}
		if payload.NotificationURL != "https://relay.example/v1/webhooks/email/changes" {
			t.Fatalf("unexpected notificationUrl %q", payload.NotificationURL)
		}
		if payload.LifecycleNotificationURL != "https://relay.example/v1/webhooks/email/lifecycle" {
			t.Fatalf("unexpected lifecycleNotificationUrl %q", payload.LifecycleNotificationURL)
		}
		if payload.ClientState != "s3cr3t" {
			t.Fatalf("unexpected clientState %q", payload.ClientState)
		}
		if !strings.Contains(payload.Resource, "mailFolders('inbox')/messages") {
			t.Fatalf("unexpected resource %q", payload.Resource)
		}
		payload.ID = "sub-1"
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(payload)
	}))
	defer srv.Close()

	sessions, _ := sessionAgainst(t, "assistant@contoso.com", srv.URL)
	manager := NewSubscriptionManager(sessions, SubscriptionManagerOptions{
		NotificationBaseURL: "https://relay.example",
		Secrets:             StaticSecret("s3cr3t"),
	})

	sub, err := manager.Create(context.Background(), "assistant@contoso.com", ResourceEmail)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if sub.ID != "sub-1" {
		t.Fatalf("unexpected subscription: %+v", sub)
	}
	listed := manager.List("assistant@contoso.com")
	if len(listed) != 1 || listed[0].ID != "sub-1" {
		t.Fatalf("subscription not tracked: %+v", listed)
	}
}

func TestSubscriptionCreateUnknownAccount(t *testing.T) {
	manager := NewSubscriptionManager(NewSessionStore(), SubscriptionManagerOptions{})
	if _, err := manager.Create(context.Background(), "nobody@contoso.com", ResourceEmail); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSubscriptionRenewExtendsExpiry(t *testing.T) {
	var patched int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"id":"sub-1"}`)
		case r.Method == http.MethodPatch:
			atomic.AddInt32(&patched, 1)
			var payload map[string]string
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				t.Fatalf("invalid renew payload: %v", err)
			}
			if payload["expirationDateTime"] == "" {
				t.Fatalf("renew payload missing expirationDateTime")
			}
			w.WriteHeader(http.StatusOK)
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	sessions, _ := sessionAgainst(t, "assistant@contoso.com", srv.URL)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	manager := NewSubscriptionManager(sessions, SubscriptionManagerOptions{
		NotificationBaseURL: "https://relay.example",
		Lifetime:            time.Hour,
		Now:                 func() time.Time { return now },
	})
	if _, err := manager.Create(context.Background(), "assistant@contoso.com", ResourceCalendar); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	now = now.Add(30 * time.Minute)
	sub, err := manager.Renew(context.Background(), "sub-1")
	if err != nil {
		t.Fatalf("Renew failed: %v", err)
	}
	if !sub.ExpirationDateTime.Equal(now.Add(time.Hour)) {
		t.Fatalf("expiry not extended: %v", sub.ExpirationDateTime)
	}
	if atomic.LoadInt32(&patched) != 1 {
		t.Fatalf("expected one PATCH, got %d", patched)
	}
}

func TestHandleLifecycleRenewalAndRemoval(t *testing.T) {
	var creates, patches int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			n := atomic.AddInt32(&creates, 1)
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"id":"sub-%d"}`, n)
		case http.MethodPatch:
			atomic.AddInt32(&patches, 1)
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	sessions, _ := sessionAgainst(t, "assistant@contoso.com", srv.URL)
	manager := NewSubscriptionManager(sessions, SubscriptionManagerOptions{
		NotificationBaseURL: "https://relay.example",
	})
	ctx := context.Background()
	if _, err := manager.Create(ctx, "assistant@contoso.com", ResourceEmail); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	manager.HandleLifecycle(ctx, []LifecycleNotice{
		{AccountName: "assistant@contoso.com", SubscriptionID: "sub-1", Event: LifecycleRenewalRequired},
	})
	if atomic.LoadInt32(&patches) != 1 {
		t.Fatalf("renewal notice did not renew: %d patches", patches)
	}

	manager.HandleLifecycle(ctx, []LifecycleNotice{
		{AccountName: "assistant@contoso.com", SubscriptionID: "sub-1", Event: LifecycleRemoved},
	})
	if atomic.LoadInt32(&creates) != 2 {
		t.Fatalf("removed notice did not recreate: %d creates", creates)
	}
	if len(manager.List("assistant@contoso.com")) != 1 {
		t.Fatalf("expected exactly one tracked subscription after recreation")
	}
}

func TestHandleLifecycleReauthorizationMarksSession(t *testing.T) {
	sessions, session := sessionAgainst(t, "assistant@contoso.com", "http://localhost:0")
	manager := NewSubscriptionManager(sessions, SubscriptionManagerOptions{})

	manager.HandleLifecycle(context.Background(), []LifecycleNotice{
		{AccountName: "assistant@contoso.com", SubscriptionID: "sub-x", Event: LifecycleReauthRequired},
	})
	if _, err := session.Tokens.AccessToken(); !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("reauthorization notice did not expire the session: %v", err)
	}
}
