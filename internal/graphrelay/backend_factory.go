package graphrelay

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type DedupCacheFactory func(dsn string) (DedupCache, error)
type ClientRegistryFactory func(dsn string) (ClientRegistry, error)

var backendFactoryRegistry = struct {
	mu                sync.RWMutex
	cacheFactories    map[string]DedupCacheFactory
	registryFactories map[string]ClientRegistryFactory
}{
	cacheFactories:    map[string]DedupCacheFactory{},
	registryFactories: map[string]ClientRegistryFactory{},
}

func RegisterDedupCacheFactory(scheme string, factory DedupCacheFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.cacheFactories[scheme] = factory
}

func RegisterClientRegistryFactory(scheme string, factory ClientRegistryFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.registryFactories[scheme] = factory
}

func lookupDedupCacheFactory(scheme string) (DedupCacheFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.cacheFactories[scheme]
	return factory, ok
}

func lookupClientRegistryFactory(scheme string) (ClientRegistryFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.registryFactories[scheme]
	return factory, ok
}

func BuildDedupCacheFromDSN(dsn string) (DedupCache, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryDedupCache(), nil
	}
	scheme, err := dsnScheme(dsn)
	if err != nil {
		return nil, err
	}
	if factory, ok := lookupDedupCacheFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "memory", "mem", "inmem":
		return NewMemoryDedupCache(), nil
	case "postgres", "postgresql":
		return NewPostgresDedupCache(dsn)
	default:
		return nil, fmt.Errorf("unsupported dedup cache scheme: %s", scheme)
	}
}

func BuildClientRegistryFromDSN(dsn string) (ClientRegistry, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryClientRegistry(), nil
	}
	scheme, err := dsnScheme(dsn)
	if err != nil {
		return nil, err
	}
	if factory, ok := lookupClientRegistryFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "memory", "mem", "inmem":
		return NewMemoryClientRegistry(), nil
	case "postgres", "postgresql":
		return NewPostgresClientRegistry(dsn)
	default:
		return nil, fmt.Errorf("unsupported client registry scheme: %s", scheme)
	}
}

func dsnScheme(dsn string) (string, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	return normalizeBackendScheme(parsed.Scheme), nil
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
