// Package config loads dispatchclaw settings from the JSON5 config file,
// the working directory's .env file and the process environment.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/titanous/json5"
)

type Config struct {
	DataDir         string `json:"data_dir"`
	LogLevel        string `json:"log_level"`
	AssistantName   string `json:"assistant_name"`
	MainGroupFolder string `json:"main_group_folder"`
	PollIntervalMS  int    `json:"poll_interval_ms"`
	IdleTimeoutMS   int    `json:"idle_timeout_ms"`
	Agent           struct {
		Command       string `json:"command"`
		TimeoutMS     int    `json:"timeout_ms"`
		MaxConcurrent int    `json:"max_concurrent"`
		CheapNoResume bool   `json:"cheap_no_resume"`
	} `json:"agent"`
	Slack struct {
		BotToken        string `json:"bot_token"`
		AppToken        string `json:"app_token"`
		AlertsChannel   string `json:"alerts_channel"`
		BriefingChannel string `json:"briefing_channel"`
		AlertsWebhook   string `json:"alerts_webhook"`
	} `json:"slack"`
	Telegram struct {
		Token string `json:"token"`
	} `json:"telegram"`
	Discord struct {
		Token string `json:"token"`
	} `json:"discord"`
	HTTP struct {
		Host string `json:"host"`
		Port int    `json:"port"`
	} `json:"http"`
	HealthcheckPingURL string `json:"healthcheck_ping_url"`
	AgentMail          struct {
		URL            string `json:"url"`
		Token          string `json:"token"`
		ProjectKey     string `json:"project_key"`
		AgentName      string `json:"agent_name"`
		TargetChat     string `json:"target_chat"`
		PollIntervalMS int    `json:"poll_interval_ms"`
	} `json:"agent_mail"`
	Mail struct {
		IMAP struct {
			Host     string `json:"host"`
			Port     int    `json:"port"`
			User     string `json:"user"`
			Password string `json:"password"`
		} `json:"imap"`
		SMTP struct {
			Host     string `json:"host"`
			Port     int    `json:"port"`
			User     string `json:"user"`
			Password string `json:"password"`
		} `json:"smtp"`
		FromAddress    string `json:"from_address"`
		FromName       string `json:"from_name"`
		TargetChat     string `json:"target_chat"`
		PollIntervalMS int    `json:"poll_interval_ms"`
	} `json:"mail"`
	Profile struct {
		DefaultProvider string `json:"default_provider"`
		Sticky          bool   `json:"sticky"`
		CheapModel      string `json:"cheap_model"`
		HeavyModel      string `json:"heavy_model"`
	} `json:"profile"`
	Tracing struct {
		Endpoint string `json:"endpoint"`
	} `json:"tracing"`
}

// DefaultPath is ~/.dispatchclaw/config.json.
func DefaultPath() string {
	return filepath.Join(os.Getenv("HOME"), ".dispatchclaw", "config.json")
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{
		DataDir:         filepath.Join(os.Getenv("HOME"), ".dispatchclaw"),
		LogLevel:        "info",
		AssistantName:   "Andy",
		MainGroupFolder: "main",
		PollIntervalMS:  2000,
		IdleTimeoutMS:   1_800_000,
	}
	cfg.Agent.Command = "dispatchclaw-agent"
	cfg.Agent.TimeoutMS = 1_800_000
	cfg.Agent.MaxConcurrent = 5
	cfg.HTTP.Host = "0.0.0.0"
	cfg.HTTP.Port = 8443
	cfg.AgentMail.AgentName = "OrangeFox"
	cfg.AgentMail.PollIntervalMS = 15_000
	cfg.Mail.IMAP.Port = 993
	cfg.Mail.SMTP.Port = 465
	cfg.Mail.FromName = "dispatchclaw"
	cfg.Mail.PollIntervalMS = 60_000
	cfg.Profile.DefaultProvider = "codex"
	return cfg
}

// Load reads the config file at path (writing defaults when it does not
// exist), then overlays .env from the working directory and the process
// environment.
func Load(path string) (*Config, error) {
	return load(path, ".env", os.LookupEnv)
}

func load(path, dotenvPath string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	// godotenv.Read leaves the process environment untouched.
	dotenv, err := godotenv.Read(dotenvPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("ignoring unreadable .env", "path", dotenvPath, "error", err)
	}
	cfg.applyEnv(func(key string) (string, bool) {
		if v, ok := lookup(key); ok && v != "" {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok && v != ""
	})
	if cfg.Mail.TargetChat == "" {
		cfg.Mail.TargetChat = cfg.AgentMail.TargetChat
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n <= 0 {
			slog.Warn("ignoring invalid numeric setting", "key", key, "value", v)
			return
		}
		*dst = n
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			*dst = v == "true" || v == "1"
		}
	}

	str("DATA_DIR", &c.DataDir)
	str("LOG_LEVEL", &c.LogLevel)
	str("ASSISTANT_NAME", &c.AssistantName)
	str("MAIN_GROUP_FOLDER", &c.MainGroupFolder)
	num("POLL_INTERVAL", &c.PollIntervalMS)
	num("IDLE_TIMEOUT", &c.IdleTimeoutMS)

	str("AGENT_COMMAND", &c.Agent.Command)
	num("CONTAINER_TIMEOUT", &c.Agent.TimeoutMS)
	num("MAX_CONCURRENT_CONTAINERS", &c.Agent.MaxConcurrent)
	flag("PA_CHEAP_NO_RESUME", &c.Agent.CheapNoResume)

	str("SLACK_BOT_TOKEN", &c.Slack.BotToken)
	str("SLACK_APP_TOKEN", &c.Slack.AppToken)
	str("SLACK_ALERTS_CHANNEL", &c.Slack.AlertsChannel)
	str("SLACK_BRIEFING_CHANNEL", &c.Slack.BriefingChannel)
	str("SLACK_ALERTS_WEBHOOK", &c.Slack.AlertsWebhook)
	str("TELEGRAM_BOT_TOKEN", &c.Telegram.Token)
	str("DISCORD_BOT_TOKEN", &c.Discord.Token)

	str("TAILSCALE_IP", &c.HTTP.Host)
	num("WEBHOOK_PORT", &c.HTTP.Port)
	str("HEALTHCHECK_PING_URL", &c.HealthcheckPingURL)

	str("AGENT_MAIL_API_URL", &c.AgentMail.URL)
	str("AGENT_MAIL_AUTH_TOKEN", &c.AgentMail.Token)
	str("AGENT_MAIL_PROJECT_KEY", &c.AgentMail.ProjectKey)
	str("AGENT_MAIL_AGENT_NAME", &c.AgentMail.AgentName)
	str("AGENT_MAIL_TARGET_JID", &c.AgentMail.TargetChat)
	num("AGENT_MAIL_POLL_INTERVAL", &c.AgentMail.PollIntervalMS)

	str("MAIL_IMAP_HOST", &c.Mail.IMAP.Host)
	num("MAIL_IMAP_PORT", &c.Mail.IMAP.Port)
	str("MAIL_IMAP_USER", &c.Mail.IMAP.User)
	str("MAIL_IMAP_PASS", &c.Mail.IMAP.Password)
	str("MAIL_SMTP_HOST", &c.Mail.SMTP.Host)
	num("MAIL_SMTP_PORT", &c.Mail.SMTP.Port)
	str("MAIL_SMTP_USER", &c.Mail.SMTP.User)
	str("MAIL_SMTP_PASS", &c.Mail.SMTP.Password)
	str("MAIL_FROM_ADDRESS", &c.Mail.FromAddress)
	str("MAIL_FROM_NAME", &c.Mail.FromName)
	str("MAIL_TARGET_JID", &c.Mail.TargetChat)
	num("MAIL_POLL_INTERVAL", &c.Mail.PollIntervalMS)

	str("PA_PROVIDER_DEFAULT", &c.Profile.DefaultProvider)
	flag("PA_PROVIDER_STICKY", &c.Profile.Sticky)
	str("PA_CHEAP_MODEL", &c.Profile.CheapModel)
	str("PA_HEAVY_MODEL", &c.Profile.HeavyModel)

	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Tracing.Endpoint)
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// PollInterval is the delivery loop period.
func (c *Config) PollInterval() time.Duration { return ms(c.PollIntervalMS) }

// IdleTimeout closes an execution's input after this much quiet.
func (c *Config) IdleTimeout() time.Duration { return ms(c.IdleTimeoutMS) }

// AgentTimeout is the hard limit on one execution.
func (c *Config) AgentTimeout() time.Duration { return ms(c.Agent.TimeoutMS) }

// AgentMailInterval is the Agent Mail poll period.
func (c *Config) AgentMailInterval() time.Duration { return ms(c.AgentMail.PollIntervalMS) }

// MailInterval is the IMAP poll period.
func (c *Config) MailInterval() time.Duration { return ms(c.Mail.PollIntervalMS) }

// ListenAddr is the health server address.
func (c *Config) ListenAddr() string {
	return c.HTTP.Host + ":" + strconv.Itoa(c.HTTP.Port)
}

// GroupsDir holds one working folder per registered group.
func (c *Config) GroupsDir() string { return filepath.Join(c.DataDir, "groups") }

// DBPath is the SQLite database file.
func (c *Config) DBPath() string { return filepath.Join(c.DataDir, "store", "messages.db") }

// PIDPath is where serve records its process id.
func (c *Config) PIDPath() string { return filepath.Join(c.DataDir, "dispatchclaw.pid") }

// AgentMailEnabled reports whether the Agent Mail poller has what it needs.
func (c *Config) AgentMailEnabled() bool {
	return c.AgentMail.URL != "" && c.AgentMail.ProjectKey != "" && c.AgentMail.TargetChat != ""
}

// MailEnabled reports whether the IMAP poller has what it needs.
func (c *Config) MailEnabled() bool {
	return c.Mail.IMAP.Host != "" && c.Mail.IMAP.User != "" && c.Mail.IMAP.Password != "" && c.Mail.TargetChat != ""
}

// SMTPEnabled reports whether escalation email can be sent.
func (c *Config) SMTPEnabled() bool {
	return c.Mail.SMTP.Host != "" && c.Mail.FromAddress != ""
}

// Save writes cfg to path atomically, creating the directory if needed.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, data)
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg into a generic nested map using its JSON keys.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListValues returns cfg as dotted keys, with secrets masked when mask is set.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue returns the value stored under a dotted key in the config file.
// The file is created with defaults when missing.
func GetValue(path, key string) (any, error) {
	if _, err := Load(path); err != nil {
		return nil, err
	}
	flat, err := readFlat(path)
	if err != nil {
		return nil, err
	}
	v, ok := flat[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue stores value under a known dotted key in an existing config file.
// Values that parse as JSON (numbers, booleans) keep their type.
func SetValue(path, key, value string) error {
	flat, err := readFlat(path)
	if err != nil {
		return err
	}
	if _, ok := flat[key]; !ok {
		known, err := ListValues(Default(), false)
		if err != nil {
			return err
		}
		if _, ok := known[key]; !ok {
			return fmt.Errorf("unknown config key: %s", key)
		}
	}
	var parsed any
	if err := json.Unmarshal([]byte(value), &parsed); err != nil {
		parsed = value
	}
	flat[key] = parsed

	data, err := json.MarshalIndent(Unflatten(flat), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, data)
}

func readFlat(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var m map[string]any
	if err := json5.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return Flatten(m), nil
}
