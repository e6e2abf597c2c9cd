// Package config loads and watches the bot's YAML configuration. Secrets
// (bot token, API keys) may also come from the environment, which wins over
// the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	yaml "go.yaml.in/yaml/v3"
)

type Config struct {
	Log      LogConfig      `yaml:"log"`
	Telegram TelegramConfig `yaml:"telegram"`
	Clash    ClashConfig    `yaml:"clash"`
	Clans    []string       `yaml:"clans"`
	Poller   PollerConfig   `yaml:"poller"`
	Notify   NotifyConfig   `yaml:"notify"`
	Storage  StorageConfig  `yaml:"storage"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Console *bool  `yaml:"console"` // nil means enabled
	File    struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"file"`
}

func (l LogConfig) ConsoleEnabled() bool { return l.Console == nil || *l.Console }

type TelegramConfig struct {
	Token        string   `yaml:"token" env:"WARDENBOT_TELEGRAM_TOKEN"`
	OwnerUserIDs []int64  `yaml:"owner_user_ids"`
	PollTimeout  Duration `yaml:"poll_timeout"` // long-poll timeout, default 10s
}

type ClashConfig struct {
	BaseURL string   `yaml:"base_url"`
	Tokens  []string `yaml:"tokens" env:"WARDENBOT_CLASH_TOKENS" envSeparator:","`
	Timeout Duration `yaml:"timeout"`
}

// PollerConfig controls the poll cadence. Shards lets multiple independent
// bot processes share the work: each shard fires at a distinct second inside
// the interval (offset = shard * interval/shards).
type PollerConfig struct {
	Interval Duration `yaml:"interval"` // default 60s
	Shard    int      `yaml:"shard"`
	Shards   int      `yaml:"shards"`
}

type NotifyConfig struct {
	RatePerSec int      `yaml:"rate_per_sec"`
	RetryMax   int      `yaml:"retry_max"`
	RetryBase  Duration `yaml:"retry_base"`
}

type StorageConfig struct {
	Path        string   `yaml:"path"`
	BusyTimeout Duration `yaml:"busy_timeout"`
}

// Load reads the YAML file, applies environment overrides and validates.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(string(b)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("config env overrides: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Poller.Interval <= 0 {
		c.Poller.Interval = Duration(60 * time.Second)
	}
	if c.Poller.Shards <= 0 {
		c.Poller.Shards = 1
	}
	if c.Clash.Timeout <= 0 {
		c.Clash.Timeout = Duration(10 * time.Second)
	}
	if c.Telegram.PollTimeout <= 0 {
		c.Telegram.PollTimeout = Duration(10 * time.Second)
	}
	if c.Notify.RatePerSec <= 0 {
		c.Notify.RatePerSec = 10
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "./wardenbot.db"
	}
	for i, tag := range c.Clans {
		c.Clans[i] = NormalizeTag(tag)
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("config: telegram.token is required")
	}
	if len(c.Clash.Tokens) == 0 {
		return errors.New("config: clash.tokens is required")
	}
	if len(c.Clans) == 0 {
		return errors.New("config: at least one clan tag is required")
	}
	if c.Poller.Shard < 0 || c.Poller.Shard >= c.Poller.Shards {
		return fmt.Errorf("config: poller.shard %d out of range [0,%d)", c.Poller.Shard, c.Poller.Shards)
	}
	return nil
}

// NormalizeTag upper-cases a clan tag and ensures the leading '#'.
func NormalizeTag(tag string) string {
	tag = strings.ToUpper(strings.TrimSpace(tag))
	if tag == "" {
		return tag
	}
	if !strings.HasPrefix(tag, "#") {
		tag = "#" + tag
	}
	// The API treats letter O as zero.
	return strings.ReplaceAll(tag, "O", "0")
}
