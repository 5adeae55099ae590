package config

import (
	"os"
	"testing"
	"time"
)

func setEnvWithCleanup(t *testing.T, key, value string) {
	t.Helper()
	t.Setenv(key, value)
}

func TestLoadDefaults(t *testing.T) {
	setEnvWithCleanup(t, "HMAC_SECRET", "super_secret_hackathon_key")

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.HTTP.Port != 3000 {
		t.Fatalf("expected port 3000, got %d", cfg.HTTP.Port)
	}
	if cfg.Auth.MaxSkew != 5*time.Minute {
		t.Fatalf("expected 5m skew, got %s", cfg.Auth.MaxSkew)
	}
	if got := cfg.Auth.ClientSecrets["mumbai-hacks-client-001"]; got != "super_secret_hackathon_key" {
		t.Fatalf("expected default client secret, got %q", got)
	}
	if cfg.Webhook.Secret != "super_secret_hackathon_key" {
		t.Fatalf("expected webhook secret to fall back to HMAC secret")
	}
	if cfg.Queue.Driver != "memory" || cfg.Queue.Name != "transaction_queue" {
		t.Fatalf("unexpected queue config %+v", cfg.Queue)
	}
	if cfg.Kafka.AuditTopic != "transaction-events" {
		t.Fatalf("unexpected audit topic %q", cfg.Kafka.AuditTopic)
	}
	if cfg.Risk.BlocklistKey != "vpa_blocklist" {
		t.Fatalf("unexpected blocklist key %q", cfg.Risk.BlocklistKey)
	}
	if cfg.Pipeline.Consumers != 4 || cfg.Pipeline.ErrorBackoff != time.Second || !cfg.Pipeline.Embedded {
		t.Fatalf("unexpected pipeline config %+v", cfg.Pipeline)
	}
	if cfg.UsesRedis() {
		t.Fatalf("default config should not require redis")
	}
}

func TestLoadOverrides(t *testing.T) {
	setEnvWithCleanup(t, "PORT", "8088")
	setEnvWithCleanup(t, "AUTH_CLIENT_SECRETS", "a:one, b:two,broken")
	setEnvWithCleanup(t, "QUEUE_DRIVER", "redis")
	setEnvWithCleanup(t, "BUS_BROADCAST_DRIVERS", "local, Kafka")
	setEnvWithCleanup(t, "KAFKA_BROKERS", "k1:9092,k2:9092")
	setEnvWithCleanup(t, "WEBHOOK_MAX_ATTEMPTS", "3")
	setEnvWithCleanup(t, "AUTH_MAX_SKEW", "90s")

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.HTTP.Port != 8088 {
		t.Fatalf("expected PORT alias to apply, got %d", cfg.HTTP.Port)
	}
	if len(cfg.Auth.ClientSecrets) != 2 || cfg.Auth.ClientSecrets["b"] != "two" {
		t.Fatalf("unexpected secrets %v", cfg.Auth.ClientSecrets)
	}
	if !cfg.UsesRedis() {
		t.Fatalf("redis queue should require redis")
	}
	if !cfg.HasBroadcast("kafka") || len(cfg.Kafka.Brokers) != 2 {
		t.Fatalf("unexpected broadcast config %+v %+v", cfg.Bus, cfg.Kafka)
	}
	if cfg.Webhook.MaxAttempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", cfg.Webhook.MaxAttempts)
	}
	if cfg.Auth.MaxSkew != 90*time.Second {
		t.Fatalf("expected 90s skew, got %s", cfg.Auth.MaxSkew)
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	content := "HMAC_SECRET=from-file\nGRAPH_SKIP_BLOCKED=true\n"
	if err := os.WriteFile(dir+"/.env", []byte(content), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.ClientSecrets["mumbai-hacks-client-001"] != "from-file" {
		t.Fatalf("expected secret from .env, got %v", cfg.Auth.ClientSecrets)
	}
	if !cfg.Graph.SkipBlocked {
		t.Fatalf("expected GRAPH_SKIP_BLOCKED from .env")
	}
}

func TestValidateRejectsBadDrivers(t *testing.T) {
	setEnvWithCleanup(t, "HMAC_SECRET", "s")
	setEnvWithCleanup(t, "GRAPH_DRIVER", "rocks")

	if _, err := Load(t.TempDir()); err == nil {
		t.Fatal("expected invalid graph driver to fail")
	}
}

func TestValidateRequiresSecrets(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatal("expected missing secrets to fail")
	}
}

func TestValidateNeo4jNeedsURI(t *testing.T) {
	setEnvWithCleanup(t, "HMAC_SECRET", "s")
	setEnvWithCleanup(t, "GRAPH_DRIVER", "neo4j")

	if _, err := Load(t.TempDir()); err == nil {
		t.Fatal("expected neo4j without URI to fail")
	}
}
