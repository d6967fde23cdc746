package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/graphrelay/internal/graphrelay"
)

const accountHeader = "x-mcp-name"

type webhookItem struct {
	SubscriptionID string          `json:"subscriptionId"`
	ClientState    string          `json:"clientState"`
	ChangeType     string          `json:"changeType"`
	LifecycleEvent string          `json:"lifecycleEvent"`
	Resource       string          `json:"resource"`
	ResourceData   json.RawMessage `json:"resourceData"`
}

type webhookBatch struct {
	Value []webhookItem `json:"value"`
}

// handleWebhook is the provider-facing entry point for both change and
// lifecycle notifications. It never returns an error status for item-level
// problems: a batch with a bad item is still acknowledged 202, because any
// non-2xx makes the provider redeliver the whole batch.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request, resourceRaw, kind string) {
	// Subscription validation handshake: the token must come back verbatim,
	// as text, before anything else is looked at.
	if token := r.URL.Query().Get("validationToken"); token != "" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, token)
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	if _, ok := graphrelay.ParseResourceType(resourceRaw); !ok {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	if kind != "changes" && kind != "lifecycle" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	account := r.Header.Get(accountHeader)
	if account == "" {
		account = r.URL.Query().Get("account")
	}
	if account == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing "+accountHeader+" header", getCorrelationID(r))
		return
	}

	body, ok := s.readRequestBody(w, r, getCorrelationID(r))
	if !ok {
		return
	}
	if err := graphrelay.ValidateNotificationBatch(body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid notification batch", getCorrelationID(r))
		return
	}
	var batch webhookBatch
	if err := json.Unmarshal(body, &batch); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", getCorrelationID(r))
		return
	}

	now := time.Now().UTC()
	expectedState := s.secrets.ClientState()
	events := make([]graphrelay.NotificationEvent, 0, len(batch.Value))
	notices := make([]graphrelay.LifecycleNotice, 0)
	for _, item := range batch.Value {
		// A clientState mismatch means the item is not for us (or is
		// forged); it is dropped without failing the batch.
		if !secureCompare(item.ClientState, expectedState) {
			s.logger.Warn("webhook item clientState mismatch",
				zap.String("account", account),
				zap.String("subscriptionId", item.SubscriptionID))
			continue
		}
		if item.LifecycleEvent != "" {
			event, parsed := graphrelay.ParseLifecycleEvent(item.LifecycleEvent)
			if !parsed {
				s.logger.Warn("unknown lifecycle event",
					zap.String("lifecycleEvent", item.LifecycleEvent))
				continue
			}
			notices = append(notices, graphrelay.LifecycleNotice{
				AccountName:    account,
				SubscriptionID: item.SubscriptionID,
				Event:          event,
				ReceivedAt:     now,
			})
			continue
		}
		changeType, parsed := graphrelay.ParseChangeType(item.ChangeType)
		if !parsed {
			s.logger.Warn("unknown change type",
				zap.String("changeType", item.ChangeType))
			continue
		}
		var resourceData struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(item.ResourceData, &resourceData)
		if resourceData.ID == "" {
			s.logger.Warn("webhook item missing resource id",
				zap.String("subscriptionId", item.SubscriptionID))
			continue
		}
		events = append(events, graphrelay.NotificationEvent{
			AccountName:    account,
			EventID:        resourceData.ID,
			ChangeType:     changeType,
			SubscriptionID: item.SubscriptionID,
			RawPayload:     item.ResourceData,
			ReceivedAt:     now,
		})
	}

	if notices = s.reconciler.FilterLifecycle(notices); len(notices) > 0 && s.subscriptions != nil {
		s.subscriptions.HandleLifecycle(r.Context(), notices)
	}
	if groups := s.reconciler.Reconcile(r.Context(), events); len(groups) > 0 {
		s.hub.Broadcast(groups)
	}

	// Always acknowledge, even when every item was filtered out.
	writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}
