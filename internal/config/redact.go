package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

const redacted = "***"

// Redacted returns a copy with every secret and webhook header value masked.
func (c *Config) Redacted() *Config {
	out := *c
	out.KSeF.Token = mask(c.KSeF.Token)
	out.Storage.RedisPassword = mask(c.Storage.RedisPassword)
	out.Notifications.Webhook.Token = mask(c.Notifications.Webhook.Token)
	out.Notifications.Webhook.SigningSecret = mask(c.Notifications.Webhook.SigningSecret)
	if len(c.Notifications.Webhook.Headers) > 0 {
		out.Notifications.Webhook.Headers = make(map[string]string, len(c.Notifications.Webhook.Headers))
		for k, v := range c.Notifications.Webhook.Headers {
			out.Notifications.Webhook.Headers[k] = mask(v)
		}
	}
	return &out
}

// YAML renders the redacted configuration.
func (c *Config) YAML() ([]byte, error) {
	data, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return nil, fmt.Errorf("[config YAML] failed to encode configuration: %w", err)
	}
	return data, nil
}

func mask(v string) string {
	if v == "" {
		return ""
	}
	return redacted
}
