package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	EnvBotToken           = "DISCORD_BOT_TOKEN"
	EnvLegacyBotToken     = "DISCORD_TOKEN"
	EnvConfigFile         = "CRAB_VOICE_CONFIG_FILE"
	EnvTriggerChannelName = "CRAB_VOICE_TRIGGER_CHANNEL"
	EnvCategoryName       = "CRAB_VOICE_CATEGORY"
	EnvChannelPrefix      = "CRAB_VOICE_CHANNEL_PREFIX"
	EnvSettleDelay        = "CRAB_VOICE_SETTLE_DELAY"
	EnvMaxChannelAge      = "CRAB_VOICE_MAX_CHANNEL_AGE"
	EnvSweepInterval      = "CRAB_VOICE_SWEEP_INTERVAL"
	EnvMaxStartAttempts   = "CRAB_VOICE_MAX_START_ATTEMPTS"
	EnvMaxBackoff         = "CRAB_VOICE_MAX_BACKOFF"
	EnvHTTPAddr           = "CRAB_VOICE_HTTP_ADDR"
	EnvJournalDriver      = "CRAB_VOICE_JOURNAL_DRIVER"
	EnvJournalDSN         = "CRAB_VOICE_JOURNAL_DSN"
)

const (
	defaultTriggerChannelName = "➕ Criar Sala"
	defaultCategoryName       = "🎙 VOZ"
	defaultChannelPrefix      = "🎮 Sala do"
	defaultSettleDelay        = time.Second
	defaultMaxChannelAge      = 24 * time.Hour
	defaultSweepInterval      = time.Hour
	defaultMaxStartAttempts   = 5
	defaultMaxBackoff         = 60 * time.Second
	defaultHTTPAddr           = ""
	defaultJournalDriver      = "none"
	defaultJournalDSN         = ".crabstack/voice-journal.db"

	crabstackDirName        = ".crabstack"
	defaultConfigFileName   = "voice.yaml"
	alternateConfigFileName = "voice.yml"
)

type Config struct {
	DiscordBotToken    string
	TriggerChannelName string
	CategoryName       string
	ChannelPrefix      string
	SettleDelay        time.Duration
	MaxChannelAge      time.Duration
	SweepInterval      time.Duration
	MaxStartAttempts   int
	MaxBackoff         time.Duration
	HTTPAddr           string
	JournalDriver      string
	JournalDSN         string
}

type fileConfig struct {
	Discord fileDiscordConfig `yaml:"discord"`
	Voice   fileVoiceConfig   `yaml:"voice"`
	HTTP    fileHTTPConfig    `yaml:"http"`
	Journal fileJournalConfig `yaml:"journal"`
}

type fileDiscordConfig struct {
	BotToken         string `yaml:"bot_token"`
	MaxStartAttempts int    `yaml:"max_start_attempts"`
	MaxBackoff       string `yaml:"max_backoff"`
}

type fileVoiceConfig struct {
	TriggerChannel string `yaml:"trigger_channel"`
	Category       string `yaml:"category"`
	ChannelPrefix  string `yaml:"channel_prefix"`
	SettleDelay    string `yaml:"settle_delay"`
	MaxChannelAge  string `yaml:"max_channel_age"`
	SweepInterval  string `yaml:"sweep_interval"`
}

type fileHTTPConfig struct {
	Addr string `yaml:"addr"`
}

type fileJournalConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

func Default() Config {
	return Config{
		TriggerChannelName: defaultTriggerChannelName,
		CategoryName:       defaultCategoryName,
		ChannelPrefix:      defaultChannelPrefix,
		SettleDelay:        defaultSettleDelay,
		MaxChannelAge:      defaultMaxChannelAge,
		SweepInterval:      defaultSweepInterval,
		MaxStartAttempts:   defaultMaxStartAttempts,
		MaxBackoff:         defaultMaxBackoff,
		HTTPAddr:           defaultHTTPAddr,
		JournalDriver:      defaultJournalDriver,
		JournalDSN:         defaultJournalDSN,
	}
}

// Load layers the defaults, the YAML file at path (or the discovered one
// when path is empty) and the environment, in that order.
func Load(path string) (Config, error) {
	cfg := Default()

	fileCfg, err := loadFileConfig(path)
	if err != nil {
		return Config{}, err
	}
	if err := applyYAML(&cfg, fileCfg); err != nil {
		return Config{}, err
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadDotEnv reads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing default
// .env file is not an error.
func LoadDotEnv(path string) error {
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("env file %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.DiscordBotToken) == "" {
		return fmt.Errorf("%s is required", EnvBotToken)
	}
	if strings.TrimSpace(c.TriggerChannelName) == "" {
		return fmt.Errorf("trigger channel name must not be empty")
	}
	if strings.TrimSpace(c.CategoryName) == "" {
		return fmt.Errorf("voice category name must not be empty")
	}
	if strings.TrimSpace(c.ChannelPrefix) == "" {
		return fmt.Errorf("channel prefix must not be empty")
	}
	if c.SettleDelay < 0 {
		return fmt.Errorf("settle delay must be >= 0")
	}
	if c.MaxChannelAge <= 0 {
		return fmt.Errorf("max channel age must be > 0")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be > 0")
	}
	if c.MaxStartAttempts <= 0 {
		return fmt.Errorf("max start attempts must be > 0")
	}
	if c.MaxBackoff <= 0 {
		return fmt.Errorf("max backoff must be > 0")
	}
	switch c.JournalDriver {
	case "none", "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported journal driver %q", c.JournalDriver)
	}
	if c.JournalDriver == "postgres" && strings.TrimSpace(c.JournalDSN) == "" {
		return fmt.Errorf("%s is required for postgres", EnvJournalDSN)
	}
	return nil
}

// JournalEnabled reports whether lifecycle events should be written to a database.
func (c Config) JournalEnabled() bool {
	return c.JournalDriver != "" && c.JournalDriver != "none"
}

func applyYAML(cfg *Config, source fileConfig) error {
	if value := strings.TrimSpace(source.Discord.BotToken); value != "" {
		cfg.DiscordBotToken = value
	}
	if source.Discord.MaxStartAttempts > 0 {
		cfg.MaxStartAttempts = source.Discord.MaxStartAttempts
	}
	if value := strings.TrimSpace(source.Voice.TriggerChannel); value != "" {
		cfg.TriggerChannelName = value
	}
	if value := strings.TrimSpace(source.Voice.Category); value != "" {
		cfg.CategoryName = value
	}
	if value := strings.TrimSpace(source.Voice.ChannelPrefix); value != "" {
		cfg.ChannelPrefix = value
	}
	if value := strings.TrimSpace(source.HTTP.Addr); value != "" {
		cfg.HTTPAddr = value
	}
	if value := strings.TrimSpace(source.Journal.Driver); value != "" {
		cfg.JournalDriver = strings.ToLower(value)
	}
	if value := strings.TrimSpace(source.Journal.DSN); value != "" {
		cfg.JournalDSN = value
	}

	durations := []struct {
		raw   string
		dst   *time.Duration
		field string
	}{
		{raw: source.Discord.MaxBackoff, dst: &cfg.MaxBackoff, field: "discord.max_backoff"},
		{raw: source.Voice.SettleDelay, dst: &cfg.SettleDelay, field: "voice.settle_delay"},
		{raw: source.Voice.MaxChannelAge, dst: &cfg.MaxChannelAge, field: "voice.max_channel_age"},
		{raw: source.Voice.SweepInterval, dst: &cfg.SweepInterval, field: "voice.sweep_interval"},
	}
	for _, d := range durations {
		parsed, err := parseOptionalDuration(d.raw, *d.dst, d.field)
		if err != nil {
			return err
		}
		*d.dst = parsed
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if value := envString(EnvBotToken); value != "" {
		cfg.DiscordBotToken = value
	} else if value := envString(EnvLegacyBotToken); value != "" {
		cfg.DiscordBotToken = value
	}
	if value := envString(EnvTriggerChannelName); value != "" {
		cfg.TriggerChannelName = value
	}
	if value := envString(EnvCategoryName); value != "" {
		cfg.CategoryName = value
	}
	if value := envString(EnvChannelPrefix); value != "" {
		cfg.ChannelPrefix = value
	}
	if value := envString(EnvHTTPAddr); value != "" {
		cfg.HTTPAddr = value
	}
	if value := envString(EnvJournalDriver); value != "" {
		cfg.JournalDriver = strings.ToLower(value)
	}
	if value := envString(EnvJournalDSN); value != "" {
		cfg.JournalDSN = value
	}

	var errs []error
	if value := envString(EnvMaxStartAttempts); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed <= 0 {
			errs = append(errs, fmt.Errorf("%s must be a positive integer", EnvMaxStartAttempts))
		} else {
			cfg.MaxStartAttempts = parsed
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{key: EnvSettleDelay, dst: &cfg.SettleDelay},
		{key: EnvMaxChannelAge, dst: &cfg.MaxChannelAge},
		{key: EnvSweepInterval, dst: &cfg.SweepInterval},
		{key: EnvMaxBackoff, dst: &cfg.MaxBackoff},
	}
	for _, d := range durations {
		parsed, err := parseOptionalDuration(envString(d.key), *d.dst, d.key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*d.dst = parsed
	}
	return errors.Join(errs...)
}

func loadFileConfig(explicit string) (fileConfig, error) {
	path, ok, err := resolveConfigFilePath(explicit)
	if err != nil {
		return fileConfig{}, err
	}
	if !ok {
		return fileConfig{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("read config file %s: %w", path, err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fileConfig{}, fmt.Errorf("decode config file %s: %w", path, err)
	}
	return cfg, nil
}

func resolveConfigFilePath(explicit string) (string, bool, error) {
	explicit = strings.TrimSpace(explicit)
	if explicit == "" {
		explicit = envString(EnvConfigFile)
	}
	if explicit != "" {
		info, err := os.Stat(explicit)
		if err != nil {
			return "", false, fmt.Errorf("config file %s: %w", explicit, err)
		}
		if info.IsDir() {
			return "", false, fmt.Errorf("config file %s is a directory", explicit)
		}
		return explicit, true, nil
	}

	candidates := []string{
		filepath.Join(crabstackDirName, defaultConfigFileName),
		filepath.Join(crabstackDirName, alternateConfigFileName),
	}
	if home, err := os.UserHomeDir(); err == nil && strings.TrimSpace(home) != "" {
		candidates = append(candidates,
			filepath.Join(home, crabstackDirName, defaultConfigFileName),
			filepath.Join(home, crabstackDirName, alternateConfigFileName),
		)
	}
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil {
			if info.IsDir() {
				return "", false, fmt.Errorf("config path %s is a directory", candidate)
			}
			return candidate, true, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("stat config file %s: %w", candidate, err)
		}
	}
	return "", false, nil
}

func envString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func parseOptionalDuration(raw string, fallback time.Duration, field string) (time.Duration, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration %q: %w", field, value, err)
	}
	if parsed < 0 {
		return 0, fmt.Errorf("%s must be >= 0", field)
	}
	return parsed, nil
}
