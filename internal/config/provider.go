package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// Setting keys.
const (
	KeyServerURL  = "serverUrl"
	KeyAPIToken   = "apiToken"
	KeyTronAPIKey = "tronApiKey"
)

// EnvFileName is the optional env file read from the data directory.
const EnvFileName = ".env"

// ErrSettingMissing is returned when no layer has a value for a setting.
var ErrSettingMissing = errors.New("setting missing")

// envNames maps setting keys to environment variables.
var envNames = map[string]string{
	KeyServerURL:  "CUSTODIAN_SERVER_URL",
	KeyAPIToken:   "CUSTODIAN_API_TOKEN",
	KeyTronAPIKey: "CUSTODIAN_TRON_API_KEY",
}

// Keys returns the known setting keys.
func Keys() []string {
	return []string{KeyServerURL, KeyAPIToken, KeyTronAPIKey}
}

// IsKnownKey returns true if key is a recognised setting.
func IsKnownKey(key string) bool {
	_, ok := envNames[key]
	return ok
}

// Provider supplies runtime settings.
type Provider interface {
	// Get returns the value of key or an error wrapping ErrSettingMissing.
	Get(key string) (string, error)
}

// SettingsStore is the persistent layer of a Layered provider.
type SettingsStore interface {
	LookupSetting(key string) (string, bool, error)
}

// Layered resolves settings from the settings store first, then the
// environment, then the YAML config. Empty values count as absent.
type Layered struct {
	store SettingsStore
	env   map[string]string
	cfg   *Config
}

// NewLayered creates a layered provider. Any layer may be nil.
func NewLayered(store SettingsStore, env map[string]string, cfg *Config) *Layered {
	return &Layered{store: store, env: env, cfg: cfg}
}

// Get implements Provider.
func (l *Layered) Get(key string) (string, error) {
	if !IsKnownKey(key) {
		return "", fmt.Errorf("unknown setting %q", key)
	}

	if l.store != nil {
		v, ok, err := l.store.LookupSetting(key)
		if err != nil {
			return "", fmt.Errorf("failed to read setting %s: %w", key, err)
		}
		if ok && v != "" {
			return v, nil
		}
	}

	if v := l.env[envNames[key]]; v != "" {
		return v, nil
	}

	if v := l.fromConfig(key); v != "" {
		return v, nil
	}

	return "", fmt.Errorf("%w: %s", ErrSettingMissing, key)
}

func (l *Layered) fromConfig(key string) string {
	if l.cfg == nil {
		return ""
	}
	switch key {
	case KeyServerURL:
		return l.cfg.Admin.ServerURL
	case KeyAPIToken:
		return l.cfg.Admin.APIToken
	case KeyTronAPIKey:
		return l.cfg.Tron.APIKey
	}
	return ""
}

// Static is a fixed Provider, mostly for tests.
type Static map[string]string

// Get implements Provider.
func (s Static) Get(key string) (string, error) {
	if v := s[key]; v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s", ErrSettingMissing, key)
}

// LoadEnv reads the data directory's .env file, if present, and overlays the
// process environment for the known setting variables.
func LoadEnv(dataDir string) (map[string]string, error) {
	env := make(map[string]string)

	path := filepath.Join(ExpandPath(dataDir), EnvFileName)
	if _, err := os.Stat(path); err == nil {
		fileEnv, err := godotenv.Read(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		for k, v := range fileEnv {
			env[k] = v
		}
	}

	for _, name := range envNames {
		if v, ok := os.LookupEnv(name); ok {
			env[name] = v
		}
	}

	return env, nil
}
