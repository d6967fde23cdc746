package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/agentworkforce/graphrelay/internal/graphrelay"
	"github.com/agentworkforce/graphrelay/internal/httpapi"
)

func main() {
	_ = godotenv.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	addr := os.Getenv("GRAPHRELAY_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	cache, registry, err := buildStorageBackendsFromEnv()
	if err != nil {
		logger.Fatal("failed to initialize storage backends", zap.Error(err))
	}
	secrets, err := buildSecretProviderFromEnv(logger)
	if err != nil {
		logger.Fatal("failed to initialize clientState secret", zap.Error(err))
	}

	reconciler := graphrelay.NewReconciler(graphrelay.ReconcilerOptions{
		Cache:       cache,
		DebounceTTL: durationEnv("GRAPHRELAY_DEBOUNCE_WINDOW", 0),
		Logger:      logger,
	})

	sessionCfg := graphrelay.SessionConfig{
		GraphBaseURL: os.Getenv("GRAPHRELAY_GRAPH_BASE_URL"),
		TokenURL:     os.Getenv("GRAPHRELAY_TOKEN_URL"),
		ClientID:     os.Getenv("GRAPHRELAY_CLIENT_ID"),
		ClientSecret: os.Getenv("GRAPHRELAY_CLIENT_SECRET"),
		UserAgent:    "graphrelay/1.0",
		Logger:       logger,
	}
	sessions := graphrelay.NewSessionStore()
	for _, account := range splitAccounts(os.Getenv("GRAPHRELAY_ACCOUNTS")) {
		creds := graphrelay.TokenState{
			AccessToken:  os.Getenv("GRAPHRELAY_ACCESS_TOKEN_" + accountKey(account)),
			RefreshToken: os.Getenv("GRAPHRELAY_REFRESH_TOKEN_" + accountKey(account)),
		}
		session, sessionErr := graphrelay.NewSession(account, creds, sessionCfg)
		if sessionErr != nil {
			logger.Warn("skipping account without credentials",
				zap.String("account", account),
				zap.Error(sessionErr))
			continue
		}
		sessions.Put(session)
		logger.Info("session registered", zap.String("account", account))
	}

	subscriptions := graphrelay.NewSubscriptionManager(sessions, graphrelay.SubscriptionManagerOptions{
		NotificationBaseURL: os.Getenv("GRAPHRELAY_NOTIFICATION_BASE_URL"),
		Secrets:             secrets,
		Lifetime:            durationEnv("GRAPHRELAY_SUBSCRIPTION_LIFETIME", 0),
		Logger:              logger,
	})

	server := httpapi.NewServer(httpapi.Dependencies{
		Sessions:      sessions,
		Reconciler:    reconciler,
		Subscriptions: subscriptions,
		Hub:           graphrelay.NewEventHub(),
		Clients:       registry,
		Secrets:       secrets,
		Logger:        logger,
	}, httpapi.ServerConfig{
		JWTSecret:       os.Getenv("GRAPHRELAY_JWT_SECRET"),
		RateLimitMax:    intEnv("GRAPHRELAY_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("GRAPHRELAY_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("GRAPHRELAY_MAX_BODY_BYTES", 0),
	})

	logger.Info("graphrelay listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, server); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func buildStorageBackendsFromEnv() (graphrelay.DedupCache, graphrelay.ClientRegistry, error) {
	cacheDSN, registryDSN, err := storageProfileDefaultsFromEnv()
	if err != nil {
		return nil, nil, err
	}
	if dsn := strings.TrimSpace(os.Getenv("GRAPHRELAY_DEDUP_CACHE_DSN")); dsn != "" {
		cacheDSN = dsn
	}
	if dsn := strings.TrimSpace(os.Getenv("GRAPHRELAY_CLIENT_REGISTRY_DSN")); dsn != "" {
		registryDSN = dsn
	}
	cache, err := graphrelay.BuildDedupCacheFromDSN(cacheDSN)
	if err != nil {
		return nil, nil, err
	}
	registry, err := graphrelay.BuildClientRegistryFromDSN(registryDSN)
	if err != nil {
		return nil, nil, err
	}
	return cache, registry, nil
}

func storageProfileDefaultsFromEnv() (cacheDSN, registryDSN string, err error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("GRAPHRELAY_BACKEND_PROFILE")))
	switch profile {
	case "", "custom", "memory", "inmemory":
		return "memory://", "memory://", nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("GRAPHRELAY_POSTGRES_DSN"))
		if productionDSN == "" {
			return "", "", fmt.Errorf("GRAPHRELAY_POSTGRES_DSN is required when GRAPHRELAY_BACKEND_PROFILE=%s", profile)
		}
		return productionDSN, productionDSN, nil
	default:
		return "", "", fmt.Errorf("unsupported GRAPHRELAY_BACKEND_PROFILE: %s", profile)
	}
}

func buildSecretProviderFromEnv(logger *zap.Logger) (graphrelay.SecretProvider, error) {
	if path := strings.TrimSpace(os.Getenv("GRAPHRELAY_CLIENT_STATE_FILE")); path != "" {
		return graphrelay.NewFileSecret(path, logger)
	}
	return graphrelay.StaticSecret(os.Getenv("GRAPHRELAY_CLIENT_STATE")), nil
}

func splitAccounts(raw string) []string {
	accounts := make([]string, 0)
	for _, account := range strings.Split(raw, ",") {
		if account = strings.TrimSpace(account); account != "" {
			accounts = append(accounts, account)
		}
	}
	return accounts
}

// accountKey turns a mailbox address into the env-var suffix used for its
// credentials, e.g. assistant@contoso.com -> ASSISTANT_CONTOSO_COM.
func accountKey(account string) string {
	key := strings.ToUpper(account)
	mapped := make([]rune, 0, len(key))
	for _, r := range key {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			mapped = append(mapped, r)
		} else {
			mapped = append(mapped, '_')
		}
	}
	return string(mapped)
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
