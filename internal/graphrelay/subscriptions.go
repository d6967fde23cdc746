package graphrelay

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultSubscriptionLifetime = 4230 * time.Minute // Graph's mailbox maximum

var resourcePaths = map[ResourceType]string{
	ResourceEmail:    "/mailFolders('inbox')/messages",
	ResourceCalendar: "/events",
}

type SubscriptionManagerOptions struct {
	NotificationBaseURL string
	Secrets             SecretProvider
	Lifetime            time.Duration
	Logger              *zap.Logger
	Now                 func() time.Time
}

// SubscriptionManager creates and maintains Graph change subscriptions for
// the sessions it knows about, and reacts to lifecycle notices: removed
// subscriptions are recreated, renewal requests extend the expiry, and
// reauthorization requests flag the session as auth-expired.
type SubscriptionManager struct {
	sessions            *SessionStore
	notificationBaseURL string
	secrets             SecretProvider
	lifetime            time.Duration
	logger              *zap.Logger
	now                 func() time.Time

	mu   sync.Mutex
	subs map[string]Subscription // by subscription ID
}

func NewSubscriptionManager(sessions *SessionStore, opts SubscriptionManagerOptions) *SubscriptionManager {
	lifetime := opts.Lifetime
	if lifetime <= 0 {
		lifetime = defaultSubscriptionLifetime
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	secrets := opts.Secrets
	if secrets == nil {
		secrets = StaticSecret("")
	}
	return &SubscriptionManager{
		sessions:            sessions,
		notificationBaseURL: strings.TrimRight(strings.TrimSpace(opts.NotificationBaseURL), "/"),
		secrets:             secrets,
		lifetime:            lifetime,
		logger:              logger,
		now:                 now,
		subs:                map[string]Subscription{},
	}
}

type graphSubscription struct {
	ID                       string `json:"id,omitempty"`
	ChangeType               string `json:"changeType"`
	NotificationURL          string `json:"notificationUrl"`
	LifecycleNotificationURL string `json:"lifecycleNotificationUrl,omitempty"`
	Resource                 string `json:"resource"`
	ExpirationDateTime       string `json:"expirationDateTime"`
	ClientState              string `json:"clientState"`
}

// Create registers a new change subscription for one account and resource
// type and remembers it for lifecycle handling.
func (m *SubscriptionManager) Create(ctx context.Context, account string, resourceType ResourceType) (Subscription, error) {
	session, ok := m.sessions.Get(account)
	if !ok {
		return Subscription{}, fmt.Errorf("%w: unknown account %s", ErrNotFound, account)
	}
	resourcePath, ok := resourcePaths[resourceType]
	if !ok {
		return Subscription{}, fmt.Errorf("%w: unsupported resource type %s", ErrInvalidInput, resourceType)
	}
	resource := "/users/" + url.PathEscape(account) + resourcePath
	expiresAt := m.now().Add(m.lifetime)
	payload := graphSubscription{
		ChangeType:               "created,updated,deleted",
		NotificationURL:          m.webhookURL(resourceType, "changes"),
		LifecycleNotificationURL: m.webhookURL(resourceType, "lifecycle"),
		Resource:                 resource,
		ExpirationDateTime:       expiresAt.UTC().Format(time.RFC3339),
		ClientState:              m.secrets.ClientState(),
	}
	var created graphSubscription
	if err := session.Graph.Do(ctx, "POST", "/v1.0/subscriptions", payload, &created); err != nil {
		return Subscription{}, err
	}
	sub := Subscription{
		ID:                 created.ID,
		AccountName:        account,
		ResourceType:       resourceType,
		Resource:           resource,
		ExpirationDateTime: expiresAt,
		ClientState:        payload.ClientState,
	}
	m.mu.Lock()
	m.subs[sub.ID] = sub
	m.mu.Unlock()
	m.logger.Info("subscription created",
		zap.String("account", account),
		zap.String("subscriptionId", sub.ID),
		zap.String("resource", resource))
	return sub, nil
}

// Renew extends a known subscription's expiry.
func (m *SubscriptionManager) Renew(ctx context.Context, subscriptionID string) (Subscription, error) {
	m.mu.Lock()
	sub, ok := m.subs[subscriptionID]
	m.mu.Unlock()
	if !ok {
		return Subscription{}, ErrNotFound
	}
	session, sessionOK := m.sessions.Get(sub.AccountName)
	if !sessionOK {
		return Subscription{}, ErrNotFound
	}
	expiresAt := m.now().Add(m.lifetime)
	payload := map[string]string{
		"expirationDateTime": expiresAt.UTC().Format(time.RFC3339),
	}
	if err := session.Graph.Do(ctx, "PATCH", "/v1.0/subscriptions/"+url.PathEscape(subscriptionID), payload, nil); err != nil {
		return Subscription{}, err
	}
	sub.ExpirationDateTime = expiresAt
	m.mu.Lock()
	m.subs[subscriptionID] = sub
	m.mu.Unlock()
	return sub, nil
}

// Delete removes a subscription from Graph and forgets it.
func (m *SubscriptionManager) Delete(ctx context.Context, subscriptionID string) error {
	m.mu.Lock()
	sub, ok := m.subs[subscriptionID]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	session, sessionOK := m.sessions.Get(sub.AccountName)
	if !sessionOK {
		return ErrNotFound
	}
	if err := session.Graph.Do(ctx, "DELETE", "/v1.0/subscriptions/"+url.PathEscape(subscriptionID), nil, nil); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.subs, subscriptionID)
	m.mu.Unlock()
	return nil
}

// List returns the tracked subscriptions for one account.
func (m *SubscriptionManager) List(account string) []Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := make([]Subscription, 0)
	for _, sub := range m.subs {
		if sub.AccountName == account {
			subs = append(subs, sub)
		}
	}
	return subs
}

// HandleLifecycle reacts to the surviving lifecycle notices of one webhook
// batch. Failures are logged, never returned: lifecycle handling is best
// effort and must not fail the webhook response.
func (m *SubscriptionManager) HandleLifecycle(ctx context.Context, notices []LifecycleNotice) {
	for _, notice := range notices {
		switch notice.Event {
		case LifecycleRenewalRequired:
			if _, err := m.Renew(ctx, notice.SubscriptionID); err != nil {
				m.logger.Warn("subscription renewal failed",
					zap.String("subscriptionId", notice.SubscriptionID),
					zap.Error(err))
			}
		case LifecycleRemoved:
			m.recreate(ctx, notice.SubscriptionID)
		case LifecycleReauthRequired:
			if session, ok := m.sessions.Get(notice.AccountName); ok {
				session.Tokens.MarkAuthExpired("provider requested reauthorization")
			}
			m.logger.Warn("subscription requires reauthorization",
				zap.String("account", notice.AccountName),
				zap.String("subscriptionId", notice.SubscriptionID))
		}
	}
}

func (m *SubscriptionManager) recreate(ctx context.Context, subscriptionID string) {
	m.mu.Lock()
	sub, ok := m.subs[subscriptionID]
	if ok {
		delete(m.subs, subscriptionID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if _, err := m.Create(ctx, sub.AccountName, sub.ResourceType); err != nil {
		m.logger.Warn("subscription recreation failed",
			zap.String("account", sub.AccountName),
			zap.String("resource", sub.Resource),
			zap.Error(err))
	}
}

func (m *SubscriptionManager) webhookURL(resourceType ResourceType, kind string) string {
	if m.notificationBaseURL == "" {
		return ""
	}
	return m.notificationBaseURL + "/v1/webhooks/" + string(resourceType) + "/" + kind
}
