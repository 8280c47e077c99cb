package config

import (
	"os"
	"path/filepath"
	"strings"
)

// DefaultSecretsDir is where docker mounts secrets.
const DefaultSecretsDir = "/run/secrets"

// Secret names. Each is looked up as an environment variable, then as
// /run/secrets/<lowercase name>, then taken from the config file.
const (
	SecretKsefToken            = "KSEF_TOKEN"
	SecretWebhookToken         = "WEBHOOK_TOKEN"
	SecretWebhookSigningSecret = "WEBHOOK_SIGNING_SECRET"
	SecretRedisPassword        = "REDIS_PASSWORD"
)

// Secrets resolves secret values in precedence order.
type Secrets struct {
	dir    string
	getenv func(string) string
}

func NewSecrets(dir string) *Secrets {
	return &Secrets{dir: dir, getenv: os.Getenv}
}

// Get returns the first non-empty value among the environment variable name,
// the secret file and fallback.
func (s *Secrets) Get(name, fallback string) string {
	if v := strings.TrimSpace(s.getenv(name)); v != "" {
		return v
	}
	if s.dir != "" {
		data, err := os.ReadFile(filepath.Join(s.dir, strings.ToLower(name)))
		if err == nil {
			if v := strings.TrimSpace(string(data)); v != "" {
				return v
			}
		}
	}
	return fallback
}

func resolveSecrets(cfg *Config, s *Secrets) {
	cfg.KSeF.Token = s.Get(SecretKsefToken, cfg.KSeF.Token)
	cfg.Notifications.Webhook.Token = s.Get(SecretWebhookToken, cfg.Notifications.Webhook.Token)
	cfg.Notifications.Webhook.SigningSecret = s.Get(SecretWebhookSigningSecret, cfg.Notifications.Webhook.SigningSecret)
	cfg.Storage.RedisPassword = s.Get(SecretRedisPassword, cfg.Storage.RedisPassword)
}

// GetEnv returns the environment variable or defaultValue when it is unset or empty.
func GetEnv(envVar, defaultValue string) string {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	return value
}
