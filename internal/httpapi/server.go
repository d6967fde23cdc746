package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/graphrelay/internal/graphrelay"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

// Dependencies bundles the domain surfaces the HTTP layer fronts. Everything
// is required except Logger; nil optional fields get inert defaults so tests
// can construct partial servers.
type Dependencies struct {
	Sessions      *graphrelay.SessionStore
	Reconciler    *graphrelay.Reconciler
	Subscriptions *graphrelay.SubscriptionManager
	Hub           *graphrelay.EventHub
	Clients       graphrelay.ClientRegistry
	Secrets       graphrelay.SecretProvider
	Logger        *zap.Logger
}

type Server struct {
	sessions      *graphrelay.SessionStore
	reconciler    *graphrelay.Reconciler
	subscriptions *graphrelay.SubscriptionManager
	hub           *graphrelay.EventHub
	clients       graphrelay.ClientRegistry
	secrets       graphrelay.SecretProvider
	logger        *zap.Logger
	cfg           ServerConfig
	rateLimiter   *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(deps Dependencies, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if deps.Sessions == nil {
		deps.Sessions = graphrelay.NewSessionStore()
	}
	if deps.Reconciler == nil {
		deps.Reconciler = graphrelay.NewReconciler(graphrelay.ReconcilerOptions{})
	}
	if deps.Hub == nil {
		deps.Hub = graphrelay.NewEventHub()
	}
	if deps.Clients == nil {
		deps.Clients = graphrelay.NewMemoryClientRegistry()
	}
	if deps.Secrets == nil {
		deps.Secrets = graphrelay.StaticSecret("")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		sessions:      deps.Sessions,
		reconciler:    deps.Reconciler,
		subscriptions: deps.Subscriptions,
		hub:           deps.Hub,
		clients:       deps.Clients,
		secrets:       deps.Secrets,
		logger:        deps.Logger,
		cfg:           cfg,
		rateLimiter:   limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/dashboard" {
		s.handleDashboard(w, r)
		return
	}
	if r.URL.Path == "/v1/clients/register" && r.Method == http.MethodPost {
		s.handleClientRegister(w, r)
		return
	}
	if r.URL.Path == "/v1/events/stream" && r.Method == http.MethodGet {
		s.handleEventStream(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) == 4 && parts[0] == "v1" && parts[1] == "webhooks" {
		s.handleWebhook(w, r, parts[2], parts[3])
		return
	}
	if len(parts) == 3 && parts[0] == "v1" && parts[1] == "clients" && r.Method == http.MethodGet {
		s.handleClientGet(w, r, parts[2])
		return
	}

	if len(parts) < 4 || parts[0] != "v1" || parts[1] != "accounts" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	account := parts[2]

	var requiredScope string
	var route string
	switch {
	case len(parts) == 5 && parts[3] == "mail" && parts[4] == "messages" && r.Method == http.MethodGet:
		requiredScope = "mail:read"
		route = "mail_list"
	case len(parts) == 6 && parts[3] == "mail" && parts[4] == "messages" && r.Method == http.MethodGet:
		requiredScope = "mail:read"
		route = "mail_get"
	case len(parts) == 7 && parts[3] == "mail" && parts[4] == "messages" && parts[6] == "read" && r.Method == http.MethodPost:
		requiredScope = "mail:write"
		route = "mail_mark_read"
	case len(parts) == 5 && parts[3] == "mail" && parts[4] == "send" && r.Method == http.MethodPost:
		requiredScope = "mail:write"
		route = "mail_send"
	case len(parts) == 5 && parts[3] == "calendar" && parts[4] == "events" && r.Method == http.MethodGet:
		requiredScope = "calendar:read"
		route = "calendar_list"
	case len(parts) == 5 && parts[3] == "calendar" && parts[4] == "events" && r.Method == http.MethodPost:
		requiredScope = "calendar:write"
		route = "calendar_create"
	case len(parts) == 6 && parts[3] == "calendar" && parts[4] == "events" && r.Method == http.MethodGet:
		requiredScope = "calendar:read"
		route = "calendar_get"
	case len(parts) == 6 && parts[3] == "calendar" && parts[4] == "events" && r.Method == http.MethodDelete:
		requiredScope = "calendar:write"
		route = "calendar_delete"
	case len(parts) == 4 && parts[3] == "subscriptions" && r.Method == http.MethodGet:
		requiredScope = "subscriptions:manage"
		route = "subscription_list"
	case len(parts) == 4 && parts[3] == "subscriptions" && r.Method == http.MethodPost:
		requiredScope = "subscriptions:manage"
		route = "subscription_create"
	case len(parts) == 6 && parts[3] == "subscriptions" && parts[5] == "renew" && r.Method == http.MethodPost:
		requiredScope = "subscriptions:manage"
		route = "subscription_renew"
	case len(parts) == 5 && parts[3] == "subscriptions" && r.Method == http.MethodDelete:
		requiredScope = "subscriptions:manage"
		route = "subscription_delete"
	case len(parts) == 4 && parts[3] == "ingress" && r.Method == http.MethodGet:
		requiredScope = "ingress:read"
		route = "ingress"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, account, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil {
		key := account + "|" + claims.AgentName
		if !s.rateLimiter.allow(key, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	session, ok := s.sessions.Get(account)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown account", correlationID)
		return
	}

	switch route {
	case "mail_list":
		s.handleMailList(w, r, session, correlationID)
	case "mail_get":
		s.handleMailGet(w, r, session, parts[5], correlationID)
	case "mail_mark_read":
		s.handleMailMarkRead(w, r, session, parts[5], correlationID)
	case "mail_send":
		s.handleMailSend(w, r, session, correlationID)
	case "calendar_list":
		s.handleCalendarList(w, r, session, correlationID)
	case "calendar_create":
		s.handleCalendarCreate(w, r, session, correlationID)
	case "calendar_get":
		s.handleCalendarGet(w, r, session, parts[5], correlationID)
	case "calendar_delete":
		s.handleCalendarDelete(w, r, session, parts[5], correlationID)
	case "subscription_list":
		s.handleSubscriptionList(w, account, correlationID)
	case "subscription_create":
		s.handleSubscriptionCreate(w, r, account, correlationID)
	case "subscription_renew":
		s.handleSubscriptionRenew(w, r, parts[4], correlationID)
	case "subscription_delete":
		s.handleSubscriptionDelete(w, r, parts[4], correlationID)
	case "ingress":
		writeJSON(w, http.StatusOK, s.reconciler.Counters(account))
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleMailList(w http.ResponseWriter, r *http.Request, session *graphrelay.Session, correlationID string) {
	top := parseBoundedInt(r.URL.Query().Get("top"), 25, 1, 100)
	messages, err := session.Mailbox.ListInbox(r.Context(), top)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Messages []graphrelay.Message `json:"messages"`
	}{messages})
}

func (s *Server) handleMailGet(w http.ResponseWriter, r *http.Request, session *graphrelay.Session, messageID, correlationID string) {
	message, err := session.Mailbox.GetMessage(r.Context(), messageID)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, message)
}

func (s *Server) handleMailMarkRead(w http.ResponseWriter, r *http.Request, session *graphrelay.Session, messageID, correlationID string) {
	var body struct {
		Read *bool `json:"read"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	read := true
	if body.Read != nil {
		read = *body.Read
	}
	if err := session.Mailbox.MarkRead(r.Context(), messageID, read); err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleMailSend(w http.ResponseWriter, r *http.Request, session *graphrelay.Session, correlationID string) {
	var req graphrelay.SendMailRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if err := session.Mailbox.SendMail(r.Context(), req); err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}

func (s *Server) handleCalendarList(w http.ResponseWriter, r *http.Request, session *graphrelay.Session, correlationID string) {
	top := parseBoundedInt(r.URL.Query().Get("top"), 25, 1, 100)
	events, err := session.Calendar.ListEvents(r.Context(), top)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Events []graphrelay.Event `json:"events"`
	}{events})
}

func (s *Server) handleCalendarCreate(w http.ResponseWriter, r *http.Request, session *graphrelay.Session, correlationID string) {
	var req graphrelay.CreateEventRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	event, err := session.Calendar.CreateEvent(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

func (s *Server) handleCalendarGet(w http.ResponseWriter, r *http.Request, session *graphrelay.Session, eventID, correlationID string) {
	event, err := session.Calendar.GetEvent(r.Context(), eventID)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (s *Server) handleCalendarDelete(w http.ResponseWriter, r *http.Request, session *graphrelay.Session, eventID, correlationID string) {
	if err := session.Calendar.DeleteEvent(r.Context(), eventID); err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleSubscriptionList(w http.ResponseWriter, account, correlationID string) {
	if s.subscriptions == nil {
		writeError(w, http.StatusNotFound, "not_found", "subscriptions disabled", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Subscriptions []graphrelay.Subscription `json:"subscriptions"`
	}{s.subscriptions.List(account)})
}

func (s *Server) handleSubscriptionCreate(w http.ResponseWriter, r *http.Request, account, correlationID string) {
	if s.subscriptions == nil {
		writeError(w, http.StatusNotFound, "not_found", "subscriptions disabled", correlationID)
		return
	}
	var body struct {
		ResourceType string `json:"resourceType"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	resourceType, ok := graphrelay.ParseResourceType(body.ResourceType)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid resourceType", correlationID)
		return
	}
	sub, err := s.subscriptions.Create(r.Context(), account, resourceType)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleSubscriptionRenew(w http.ResponseWriter, r *http.Request, subscriptionID, correlationID string) {
	if s.subscriptions == nil {
		writeError(w, http.StatusNotFound, "not_found", "subscriptions disabled", correlationID)
		return
	}
	sub, err := s.subscriptions.Renew(r.Context(), subscriptionID)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleSubscriptionDelete(w http.ResponseWriter, r *http.Request, subscriptionID, correlationID string) {
	if s.subscriptions == nil {
		writeError(w, http.StatusNotFound, "not_found", "subscriptions disabled", correlationID)
		return
	}
	if err := s.subscriptions.Delete(r.Context(), subscriptionID); err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleClientGet(w http.ResponseWriter, r *http.Request, clientID string) {
	correlationID := getCorrelationID(r)
	client, err := s.clients.Get(r.Context(), clientID)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, client)
}

func (s *Server) handleClientRegister(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	var reg graphrelay.ClientRegistration
	if !s.decodeJSONBody(w, r, correlationID, &reg) {
		return
	}
	client, err := s.clients.Register(r.Context(), reg)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, client)
}

// writeDomainError maps domain sentinels onto the wire contract. A session
// whose refresh token is spent surfaces as 401 so the agent knows to
// re-authorize; provider failures pass through as 502 with the upstream
// status preserved in the message.
func (s *Server) writeDomainError(w http.ResponseWriter, err error, correlationID string) {
	var upstream *graphrelay.UpstreamError
	switch {
	case errors.Is(err, graphrelay.ErrAuthExpired):
		writeError(w, http.StatusUnauthorized, "auth_expired", err.Error(), correlationID)
	case errors.Is(err, graphrelay.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, graphrelay.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.As(err, &upstream):
		writeError(w, http.StatusBadGateway, "upstream_error", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}
