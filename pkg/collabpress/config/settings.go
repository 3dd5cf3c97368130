package config

import (
	"errors"
	"fmt"
	"time"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Settings is the validated service configuration.
type Settings struct {
	// ListenAddr is the HTTP trigger listen address.
	ListenAddr string

	// TriggerSecret is the shared secret the trigger endpoint checks.
	TriggerSecret string

	// DictionaryDir holds the slug dictionary YAML files.
	DictionaryDir string

	// StoreBackend selects the event store: memory, sqlite, or redis.
	StoreBackend string

	// SQLitePath is the database file for the sqlite backend.
	SQLitePath string

	// RedisURL is the connection URL for the redis backend.
	RedisURL string

	// NotifyURL, when set, receives a completion webhook per
	// publication.
	NotifyURL string

	// VCS configures the publication client.
	VCS VCSSettings
}

// VCSSettings configures the remote version-control API.
type VCSSettings struct {
	// BaseURL is the API root (e.g. https://api.github.com).
	BaseURL string

	// Owner and Repo identify the content repository.
	Owner string
	Repo  string

	// BaseBranch is the branch pull requests target.
	BaseBranch string

	// Token authenticates API calls. In production this comes from the
	// secret store, not the config file; a literal here is a dev escape
	// hatch.
	Token string

	// TokenFile, when set, takes precedence over Token: the token is
	// read from this file and cached for TokenTTL, so a rotated secret
	// is picked up without a restart.
	TokenFile string

	// TokenTTL bounds how long a token read from TokenFile is reused.
	// Zero falls back to the client default.
	TokenTTL time.Duration

	// Timeout bounds each remote call.
	Timeout time.Duration

	// MaxRetries caps rate-limit retry attempts per call.
	MaxRetries int
}

// Defaults.
const (
	DefaultListenAddr = ":8080"
	DefaultBaseBranch = "main"
	DefaultTimeout    = 10 * time.Second
	DefaultMaxRetries = 3
)

// SettingsFrom extracts and validates Settings from a loaded Config.
func SettingsFrom(c Config) (Settings, error) {
	vcs := c.Sub("vcs")

	s := Settings{
		ListenAddr:    c.String("listen_addr", DefaultListenAddr),
		TriggerSecret: c.String("trigger_secret", ""),
		DictionaryDir: c.String("dictionary_dir", "dictionaries"),
		StoreBackend:  c.String("store_backend", BackendSQLite),
		SQLitePath:    c.String("sqlite_path", "collabpress.db"),
		RedisURL:      c.String("redis_url", ""),
		NotifyURL:     c.String("notify_url", ""),
		VCS: VCSSettings{
			BaseURL:    vcs.String("base_url", "https://api.github.com"),
			Owner:      vcs.String("owner", ""),
			Repo:       vcs.String("repo", ""),
			BaseBranch: vcs.String("base_branch", DefaultBaseBranch),
			Token:      vcs.String("token", ""),
			TokenFile:  vcs.String("token_file", ""),
			TokenTTL:   vcs.Duration("token_ttl", 0),
			Timeout:    vcs.Duration("timeout", DefaultTimeout),
			MaxRetries: vcs.Int("max_retries", DefaultMaxRetries),
		},
	}

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks cross-field constraints.
func (s Settings) Validate() error {
	if s.TriggerSecret == "" {
		return errors.New("trigger_secret is required")
	}

	switch s.StoreBackend {
	case BackendMemory:
	case BackendSQLite:
		if s.SQLitePath == "" {
			return errors.New("sqlite_path is required for the sqlite backend")
		}
	case BackendRedis:
		if s.RedisURL == "" {
			return errors.New("redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown store_backend %q", s.StoreBackend)
	}

	if s.VCS.Owner == "" || s.VCS.Repo == "" {
		return errors.New("vcs.owner and vcs.repo are required")
	}
	if s.VCS.Timeout <= 0 {
		return errors.New("vcs.timeout must be positive")
	}
	if s.VCS.MaxRetries < 0 {
		return errors.New("vcs.max_retries must be >= 0")
	}
	if s.VCS.TokenTTL < 0 {
		return errors.New("vcs.token_ttl must be >= 0")
	}
	return nil
}
