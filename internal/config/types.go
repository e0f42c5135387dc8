package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"funnelbot/internal/broadcast"
	"funnelbot/internal/catalog"
	"funnelbot/internal/funnel"
	"funnelbot/internal/ledger"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// Catalog points at the content source (CSV or XLSX file).
	Catalog CatalogConfig `json:"catalog"`

	// Ledger controls the optional subscriber persistence layer.
	// Nil means disabled (in-memory state only).
	Ledger *LedgerConfig `json:"ledger,omitempty"`

	Funnel    FunnelConfig     `json:"funnel"`
	Broadcast *BroadcastConfig `json:"broadcast,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	GroupLog     string  `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// CatalogConfig controls where the content items come from and how often
// the cache is refreshed.
//
// All durations are Go duration strings (e.g. "30s", "5m").
type CatalogConfig struct {
	Path string `json:"path"`
	// CacheTTL bounds how long a loaded catalog is served without re-reading
	// the file. "0s" disables the TTL (refresh on cron or config change only).
	CacheTTL string `json:"cache_ttl,omitempty"`
	// Refresh is an optional cron spec (e.g. "@every 10m", "0 * * * *")
	// that re-reads the source file in the background.
	Refresh string `json:"refresh,omitempty"`
}

// LedgerConfig controls the subscriber ledger.
//
// Example:
//
//	"ledger": { "driver": "sqlite", "path": "./funnelbot.db" }
type LedgerConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// FunnelConfig controls the delivery sequence.
type FunnelConfig struct {
	Enabled bool `json:"enabled"`

	PayURL         string `json:"pay_url,omitempty"`
	PayButtonText  string `json:"pay_button_text,omitempty"`
	NextButtonText string `json:"next_button_text,omitempty"`
	DoneText       string `json:"done_text,omitempty"`
	WelcomeText    string `json:"welcome_text,omitempty"`

	// DelayUnit scales the delay column of the catalog. Default "1m", so a
	// delay value of 5 means five minutes. Useful to shrink for testing.
	DelayUnit string `json:"delay_unit,omitempty"`
}

// BroadcastConfig controls the mass-send worker pool. If the whole section
// is omitted the broadcaster defaults to enabled with runtime defaults.
type BroadcastConfig struct {
	Enabled    bool `json:"enabled"`
	Workers    int  `json:"workers,omitempty"`
	RatePerSec int  `json:"rate_per_sec,omitempty"`
	RetryMax   int  `json:"retry_max,omitempty"`
}

// applyEnvOverrides lets secrets stay out of the config file. The token can
// come from the environment (typically a .env file loaded at startup).
func (c *Config) applyEnvOverrides() {
	if tok := strings.TrimSpace(os.Getenv("FUNNELBOT_TOKEN")); tok != "" {
		c.Telegram.Token = tok
	}
}

// Validate checks fields that would otherwise fail deep inside a service at
// runtime. It is installed as the ConfigManager validator so a broken edit
// never gets committed on hot reload.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config: nil")
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token: required")
	}
	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		return err
	}
	if strings.TrimSpace(c.Catalog.Path) == "" {
		return fmt.Errorf("catalog.path: required")
	}
	if _, err := ParseDurationField("catalog.cache_ttl", c.Catalog.CacheTTL); err != nil {
		return err
	}
	if c.Ledger != nil {
		switch d := strings.ToLower(strings.TrimSpace(c.Ledger.Driver)); d {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(c.Ledger.Path) == "" {
				return fmt.Errorf("ledger.path: required for driver %q", d)
			}
		case "postgres", "pgx":
			if strings.TrimSpace(c.Ledger.DSN) == "" {
				return fmt.Errorf("ledger.dsn: required for driver %q", d)
			}
		default:
			return fmt.Errorf("ledger.driver: unknown driver %q", d)
		}
		if _, err := ParseDurationField("ledger.busy_timeout", c.Ledger.BusyTimeout); err != nil {
			return err
		}
	}
	if _, err := ParseDurationField("funnel.delay_unit", c.Funnel.DelayUnit); err != nil {
		return err
	}
	if c.Funnel.Enabled && strings.TrimSpace(c.Funnel.PayURL) != "" &&
		!strings.HasPrefix(c.Funnel.PayURL, "http://") && !strings.HasPrefix(c.Funnel.PayURL, "https://") {
		return fmt.Errorf("funnel.pay_url: must be an http(s) URL")
	}
	if c.Broadcast != nil {
		if c.Broadcast.Workers < 0 {
			return fmt.Errorf("broadcast.workers: must be >= 0")
		}
		if c.Broadcast.RatePerSec < 0 {
			return fmt.Errorf("broadcast.rate_per_sec: must be >= 0")
		}
	}
	return nil
}

// CatalogService converts the raw section into the catalog service config.
func (c *Config) CatalogService() (catalog.Config, error) {
	ttl, err := ParseDurationOrDefault("catalog.cache_ttl", c.Catalog.CacheTTL, 5*time.Minute)
	if err != nil {
		return catalog.Config{}, err
	}
	return catalog.Config{
		Path:     strings.TrimSpace(c.Catalog.Path),
		CacheTTL: ttl,
		Refresh:  strings.TrimSpace(c.Catalog.Refresh),
	}, nil
}

// LedgerService converts the raw section into the ledger config.
// A nil section maps to the disabled driver.
func (c *Config) LedgerService() (ledger.Config, error) {
	if c.Ledger == nil {
		return ledger.Config{}, nil
	}
	busy, err := ParseDurationField("ledger.busy_timeout", c.Ledger.BusyTimeout)
	if err != nil {
		return ledger.Config{}, err
	}
	return ledger.Config{
		Driver:      strings.ToLower(strings.TrimSpace(c.Ledger.Driver)),
		Path:        strings.TrimSpace(c.Ledger.Path),
		DSN:         strings.TrimSpace(c.Ledger.DSN),
		BusyTimeout: busy,
	}, nil
}

// FunnelService converts the raw section into the funnel service config.
func (c *Config) FunnelService() (funnel.Config, error) {
	unit, err := ParseDurationOrDefault("funnel.delay_unit", c.Funnel.DelayUnit, time.Minute)
	if err != nil {
		return funnel.Config{}, err
	}
	return funnel.Config{
		Enabled:        c.Funnel.Enabled,
		PayURL:         strings.TrimSpace(c.Funnel.PayURL),
		PayButtonText:  c.Funnel.PayButtonText,
		NextButtonText: c.Funnel.NextButtonText,
		DoneText:       c.Funnel.DoneText,
		WelcomeText:    c.Funnel.WelcomeText,
		DelayUnit:      unit,
	}, nil
}

// BroadcastService converts the raw section into the broadcaster config.
// A nil section means enabled with defaults.
func (c *Config) BroadcastService() broadcast.Config {
	if c.Broadcast == nil {
		return broadcast.Config{Enabled: true}
	}
	return broadcast.Config{
		Enabled:    c.Broadcast.Enabled,
		Workers:    c.Broadcast.Workers,
		RatePerSec: c.Broadcast.RatePerSec,
		RetryMax:   c.Broadcast.RetryMax,
	}
}
