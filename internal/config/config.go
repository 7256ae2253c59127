// Package config loads process-wide settings from environment
// variables (§6.3) with an optional YAML overlay, the way the
// teacher's internal/attractor/engine/config.go layers a YAML run
// config over defaults — except here env vars are the primary source
// (per §6.3's own enumeration) and YAML is an operator convenience, not
// the other way around.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Mode selects log verbosity, per MODE (development/production).
type Mode string

const (
	Development Mode = "development"
	Production  Mode = "production"
)

// Settings is the process-wide, read-only-after-init settings record
// (§9: "a single mutable settings record is loaded at startup").
type Settings struct {
	MongoURI               string   `yaml:"mongo_uri"`
	MongoDatabaseName      string   `yaml:"mongo_database_name"`
	StateManagerSecret     string   `yaml:"state_manager_secret"`
	SecretsEncryptionKey   string   `yaml:"secrets_encryption_key"`
	CORSOrigins            []string `yaml:"cors_origins"`
	Mode                   Mode     `yaml:"mode"`
	ApprovedSystemNamespaces []string `yaml:"approved_system_namespaces"`
}

var defaultCORSOrigins = []string{
	"http://localhost:3000",
	"http://localhost:3001",
	"http://127.0.0.1:3000",
	"http://127.0.0.1:3001",
}

// FromEnv loads Settings from the environment variables enumerated in
// §6.3, applying a YAML overlay from STATE_MANAGER_CONFIG_FILE if set
// (a SPEC_FULL.md addition — see DESIGN.md). Fails if
// STATE_MANAGER_SECRET is absent, per §6.3's own requirement.
func FromEnv() (Settings, error) {
	s := Settings{
		MongoURI:           os.Getenv("MONGO_URI"),
		MongoDatabaseName:  getenvDefault("MONGO_DATABASE_NAME", "exosphere-state-manager"),
		StateManagerSecret: os.Getenv("STATE_MANAGER_SECRET"),
		SecretsEncryptionKey: os.Getenv("SECRETS_ENCRYPTION_KEY"),
		CORSOrigins:        parseCORSOrigins(os.Getenv("CORS_ORIGINS")),
		Mode:               Mode(getenvDefault("MODE", string(Development))),
		ApprovedSystemNamespaces: splitTrim(os.Getenv("APPROVED_SYSTEM_NAMESPACES")),
	}

	if path := os.Getenv("STATE_MANAGER_CONFIG_FILE"); path != "" {
		if err := applyYAMLOverlay(&s, path); err != nil {
			return Settings{}, err
		}
	}

	if strings.TrimSpace(s.StateManagerSecret) == "" {
		return Settings{}, fmt.Errorf("config: STATE_MANAGER_SECRET is not set")
	}
	return s, nil
}

func applyYAMLOverlay(s *Settings, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	var overlay Settings
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	mergeNonEmpty(s, overlay)
	return nil
}

func mergeNonEmpty(s *Settings, overlay Settings) {
	if overlay.MongoURI != "" {
		s.MongoURI = overlay.MongoURI
	}
	if overlay.MongoDatabaseName != "" {
		s.MongoDatabaseName = overlay.MongoDatabaseName
	}
	if overlay.StateManagerSecret != "" {
		s.StateManagerSecret = overlay.StateManagerSecret
	}
	if overlay.SecretsEncryptionKey != "" {
		s.SecretsEncryptionKey = overlay.SecretsEncryptionKey
	}
	if len(overlay.CORSOrigins) > 0 {
		s.CORSOrigins = overlay.CORSOrigins
	}
	if overlay.Mode != "" {
		s.Mode = overlay.Mode
	}
	if len(overlay.ApprovedSystemNamespaces) > 0 {
		s.ApprovedSystemNamespaces = overlay.ApprovedSystemNamespaces
	}
}

func parseCORSOrigins(v string) []string {
	if strings.TrimSpace(v) == "" {
		return defaultCORSOrigins
	}
	return splitTrim(v)
}

func splitTrim(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// ParseBool is a small helper for boolean-ish env vars not otherwise
// enumerated in §6.3 (e.g. a future feature flag); kept here so every
// env-var parsing concern lives in one place.
func ParseBool(v string, def bool) bool {
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
