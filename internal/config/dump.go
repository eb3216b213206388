package config

import (
	"strings"

	"gopkg.in/yaml.v3"
)

// Dump renders the effective configuration as YAML with secrets redacted.
// Used by the --dump-config flag so operators can verify their env layout.
func Dump(cfg Config) (string, error) {
	redacted := cfg
	redacted.MQTT.Password = redact(cfg.MQTT.Password)
	redacted.Subsonic.Password = redact(cfg.Subsonic.Password)
	redacted.API.APIKeys = make([]string, len(cfg.API.APIKeys))
	for i, key := range cfg.API.APIKeys {
		redacted.API.APIKeys[i] = redact(key)
	}

	out, err := yaml.Marshal(redacted)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "****"
	}
	return secret[:2] + strings.Repeat("*", len(secret)-4) + secret[len(secret)-2:]
}
