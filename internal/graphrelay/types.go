package graphrelay

import (
	"encoding/json"
	"strings"
	"time"
)

type ResourceType string

const (
	ResourceEmail    ResourceType = "email"
	ResourceCalendar ResourceType = "calendar"
)

type ChangeType string

const (
	ChangeCreated ChangeType = "created"
	ChangeUpdated ChangeType = "updated"
	ChangeDeleted ChangeType = "deleted"
)

type LifecycleEvent string

const (
	LifecycleRenewalRequired LifecycleEvent = "subscriptionRenewalRequired"
	LifecycleRemoved         LifecycleEvent = "subscriptionRemoved"
	LifecycleReauthRequired  LifecycleEvent = "reauthorizationRequired"
	LifecycleMissed          LifecycleEvent = "missed"
)

// Subscription tracks one Graph change-notification subscription. The
// reconciler only ever reads ClientState; lifecycle handling owns the rest.
type Subscription struct {
	ID                 string       `json:"id"`
	AccountName        string       `json:"accountName"`
	ResourceType       ResourceType `json:"resourceType"`
	Resource           string       `json:"resource"`
	ExpirationDateTime time.Time    `json:"expirationDateTime"`
	ClientState        string       `json:"clientState"`
}

// NotificationEvent is one validated webhook item. It is transient: built per
// inbound request and consumed immediately by the reconciler.
type NotificationEvent struct {
	AccountName    string
	EventID        string
	ChangeType     ChangeType
	SubscriptionID string
	RawPayload     json.RawMessage
	ReceivedAt     time.Time
}

// LifecycleNotice is one validated lifecycle webhook item.
type LifecycleNotice struct {
	AccountName    string
	SubscriptionID string
	Event          LifecycleEvent
	ReceivedAt     time.Time
}

// LogicalEvent is an accepted change forwarded to the agent layer.
type LogicalEvent struct {
	AccountName    string          `json:"accountName"`
	SubscriptionID string          `json:"subscriptionId"`
	EventID        string          `json:"eventId"`
	ChangeType     ChangeType      `json:"changeType"`
	RawPayload     json.RawMessage `json:"rawPayload,omitempty"`
	ReceivedAt     time.Time       `json:"receivedAt"`
}

// EventGroup batches the accepted events of one request by subscription and
// account before emission downstream.
type EventGroup struct {
	AccountName    string         `json:"accountName"`
	SubscriptionID string         `json:"subscriptionId"`
	Events         []LogicalEvent `json:"events"`
}

// TokenState is the access/refresh token pair for one session. It is owned by
// exactly one TokenManager and never shared across sessions.
type TokenState struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    time.Time
}

func (t TokenState) bearerType() string {
	if strings.TrimSpace(t.TokenType) == "" {
		return "Bearer"
	}
	return t.TokenType
}

func ParseChangeType(raw string) (ChangeType, bool) {
	switch ChangeType(strings.ToLower(strings.TrimSpace(raw))) {
	case ChangeCreated:
		return ChangeCreated, true
	case ChangeUpdated:
		return ChangeUpdated, true
	case ChangeDeleted:
		return ChangeDeleted, true
	default:
		return "", false
	}
}

func ParseLifecycleEvent(raw string) (LifecycleEvent, bool) {
	switch LifecycleEvent(strings.TrimSpace(raw)) {
	case LifecycleRenewalRequired:
		return LifecycleRenewalRequired, true
	case LifecycleRemoved:
		return LifecycleRemoved, true
	case LifecycleReauthRequired:
		return LifecycleReauthRequired, true
	case LifecycleMissed:
		return LifecycleMissed, true
	default:
		return "", false
	}
}

func ParseResourceType(raw string) (ResourceType, bool) {
	switch ResourceType(strings.ToLower(strings.TrimSpace(raw))) {
	case ResourceEmail:
		return ResourceEmail, true
	case ResourceCalendar:
		return ResourceCalendar, true
	default:
		return "", false
	}
}
