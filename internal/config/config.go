// Package config is the process-wide, file-backed settings store (component
// C in spec §4). The file is human-editable TOML, organized the way spec §6
// requires: one section per concern. Reads are cheap (RLock); writes
// (Reload) are rare. Reload invokes the callback registered with
// Store.OnChange; this package publishes no bus event itself, and
// cmd/bridged creates no Store, so no events.ConfigChanged is published.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

var (
	ErrFileNotFound    = errors.New("config: file not found")
	ErrInvalidFormat   = errors.New("config: invalid toml")
	ErrValidation      = errors.New("config: validation failed")
)

// ServerSection holds the bridge server's location and auth key.
type ServerSection struct {
	Address              string `toml:"address"`
	AuthKey              string `toml:"auth_key"`
	EncryptionPassword   string `toml:"encryption_password"`
	APIVersion           string `toml:"api_version"`
	MaxReconnectAttempts int    `toml:"max_reconnect_attempts"`
}

// DatabaseSection configures the local embedded store.
type DatabaseSection struct {
	Path        string `toml:"path"`
	MaxOpenConn int    `toml:"max_open_conn"`
}

// LoggingSection configures log output.
type LoggingSection struct {
	Level         string `toml:"level"`
	Dir           string `toml:"dir"`
	MaxSizeMB     int    `toml:"max_size_mb"`
	MaxFiles      int    `toml:"max_files"`
	ConsolePretty bool   `toml:"console_pretty"`
}

// SyncSection tunes the sync engine.
type SyncSection struct {
	ChatPageSize        int  `toml:"chat_page_size"`
	MessagesPerPage     int  `toml:"messages_per_page"`
	SkipChatsNoMessage  bool `toml:"skip_chats_no_message"`
	IncrementalPageSize int  `toml:"incremental_page_size"`
}

// NotificationsSection is a placeholder for the presentation layer's needs;
// the core does not act on it beyond carrying it through.
type NotificationsSection struct {
	Enabled     bool `toml:"enabled"`
	PreviewText bool `toml:"preview_text"`
}

// DisplaySection is UI-facing but lives in the shared config file.
type DisplaySection struct {
	DateFormat string `toml:"date_format"`
	Use24Hour  bool   `toml:"use_24_hour"`
}

// ThemeSection selects the active theme preset; presets themselves are
// seeded into L by a migration (spec §4.1).
type ThemeSection struct {
	Active string `toml:"active"`
}

// PrivacySection governs how much sensitive data the daemon is willing to
// log or cache.
type PrivacySection struct {
	RedactLogs      bool `toml:"redact_logs"`
	CacheAttachments bool `toml:"cache_attachments"`
}

// ConversationSection tunes per-conversation UI defaults carried through.
type ConversationSection struct {
	DefaultMuteType string `toml:"default_mute_type"`
}

// AttachmentsSection tunes A, the attachment download service.
type AttachmentsSection struct {
	CacheDir               string `toml:"cache_dir"`
	MaxConcurrentDownloads int    `toml:"max_concurrent_downloads"`
	MaxCacheAgeDays        int    `toml:"max_cache_age_days"`
	MaxCacheBytes          int64  `toml:"max_cache_bytes"`
}

// Config is the full, typed configuration document.
type Config struct {
	Server        ServerSection        `toml:"server"`
	Database      DatabaseSection      `toml:"database"`
	Logging       LoggingSection       `toml:"logging"`
	Sync          SyncSection          `toml:"sync"`
	Notifications NotificationsSection `toml:"notifications"`
	Display       DisplaySection       `toml:"display"`
	Theme         ThemeSection         `toml:"theme"`
	Privacy       PrivacySection       `toml:"privacy"`
	Conversation  ConversationSection  `toml:"conversation"`
	Attachments   AttachmentsSection   `toml:"attachments"`
}

// Default returns the baseline configuration applied before any file or
// environment override, mirroring the teacher's DefaultConfig() shape.
func Default() *Config {
	return &Config{
		Server: ServerSection{
			Address:    "http://localhost:1234",
			APIVersion: "v1",
		},
		Database: DatabaseSection{
			Path:        "bridged.sqlite3",
			MaxOpenConn: 4,
		},
		Logging: LoggingSection{
			Level:     "info",
			Dir:       "logs",
			MaxSizeMB: 10,
			MaxFiles:  5,
		},
		Sync: SyncSection{
			ChatPageSize:        1000,
			MessagesPerPage:     25,
			SkipChatsNoMessage:  true,
			IncrementalPageSize: 1000,
		},
		Notifications: NotificationsSection{Enabled: true, PreviewText: true},
		Display:       DisplaySection{DateFormat: "relative"},
		Theme:         ThemeSection{Active: "light"},
		Privacy:       PrivacySection{RedactLogs: true, CacheAttachments: true},
		Conversation:  ConversationSection{DefaultMuteType: "none"},
		Attachments: AttachmentsSection{
			CacheDir:               "attachments",
			MaxConcurrentDownloads: 2,
			MaxCacheAgeDays:        30,
			MaxCacheBytes:          2 << 30, // 2GiB
		},
	}
}

// Validate checks invariants that must hold before the daemon starts.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("%w: server.address is required", ErrValidation)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("%w: database.path is required", ErrValidation)
	}
	if c.Database.MaxOpenConn <= 0 {
		return fmt.Errorf("%w: database.max_open_conn must be positive", ErrValidation)
	}
	return nil
}

// Load reads the config file at path, layering it over defaults, then
// applies environment variable overrides. Validation is deferred to the
// caller so CLI flag overrides can be applied first, matching the
// teacher's Load()/Validate() split.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				return nil, ErrFileNotFound
			}
			return nil, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// Save encodes cfg as TOML to path, overwriting any existing file.
func Save(cfg *Config, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BRIDGED_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("BRIDGED_SERVER_AUTH_KEY"); v != "" {
		cfg.Server.AuthKey = v
	}
	if v := os.Getenv("BRIDGED_SERVER_ENCRYPTION_PASSWORD"); v != "" {
		cfg.Server.EncryptionPassword = v
	}
	if v := os.Getenv("BRIDGED_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("BRIDGED_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("BRIDGED_LOG_CONSOLE_PRETTY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Logging.ConsolePretty = b
		}
	}
}

// Store is the process-wide, reader/writer-lock-guarded configuration
// singleton (spec §5 "Config is shared under a reader/writer lock").
type Store struct {
	mu      sync.RWMutex
	cfg     *Config
	path    string
	onChange func()
}

// NewStore wraps an already-loaded Config for shared access.
func NewStore(cfg *Config, path string) *Store {
	return &Store{cfg: cfg, path: path}
}

// OnChange registers a callback invoked (synchronously) after every
// successful Reload. cmd/bridged does not register one.
func (s *Store) OnChange(fn func()) { s.onChange = fn }

// Snapshot returns a shallow copy of the current config. Callers must not
// mutate the returned value; call Reload to pick up file changes instead.
func (s *Store) Snapshot() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.cfg
}

// Reload re-reads the config file from disk and swaps it in atomically.
func (s *Store) Reload() error {
	cfg, err := Load(s.path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	if s.onChange != nil {
		s.onChange()
	}
	return nil
}

// ReloadDebounce bundles rapid successive filesystem notifications (e.g.
// from an fsnotify watcher external to this package) into a single Reload
// call, matching how config-reload races are usually handled.
func (s *Store) ReloadDebounce(window time.Duration, triggers <-chan struct{}, stop <-chan struct{}) {
	var timer *time.Timer
	for {
		select {
		case <-stop:
			return
		case <-triggers:
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(window, func() {
				_ = s.Reload()
			})
		}
	}
}
