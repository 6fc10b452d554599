package main

import (
	"net/url"
	"os"
	"strings"
)

// ── Config ─────────────────────────────────────────────────────────────────

type Config struct {
	Port             string
	BrokerSecret     string
	NatsURL          string
	ContainerNetwork string
	// AllowedOrigins is empty when any origin is accepted (trusted internal
	// network deployment); otherwise it holds normalized scheme://host keys.
	AllowedOrigins map[string]struct{}
}

func loadConfig() Config {
	return Config{
		Port:             getEnv("PORT", "8085"),
		BrokerSecret:     getEnv("BROKER_SECRET", ""),
		NatsURL:          getEnv("NATS_URL", "nats://nats:4222"),
		ContainerNetwork: getEnv("CONTAINER_NETWORK", "bridge"),
		AllowedOrigins:   buildAllowedOrigins(getEnv("ALLOWED_ORIGINS", "")),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func normalizeOrigin(v string) string {
	u, err := url.Parse(strings.TrimSpace(v))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}

func buildAllowedOrigins(raw string) map[string]struct{} {
	out := map[string]struct{}{}
	if strings.TrimSpace(raw) == "" || strings.TrimSpace(raw) == "*" {
		return out
	}
	for _, item := range strings.Split(raw, ",") {
		if n := normalizeOrigin(item); n != "" {
			out[n] = struct{}{}
		}
	}
	return out
}

func (c Config) originAllowed(origin string) bool {
	if len(c.AllowedOrigins) == 0 {
		return true
	}
	_, ok := c.AllowedOrigins[normalizeOrigin(origin)]
	return ok
}
