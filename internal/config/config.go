package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
	"gopkg.in/ini.v1"
)

var ErrMissingCredential = errors.New("missing required credential")

const defaultConfigFile = "tokcheck.ini"

// Options are the command line flags. Flags that are set win over the
// config file.
type Options struct {
	ConfigFile  string   `short:"c" long:"config" description:"Path to the ini config file (default tokcheck.ini if present)"`
	Wordlist    string   `short:"w" long:"wordlist" description:"File with one handle per line"`
	Identifiers []string `short:"i" long:"identifier" description:"Handle to check, may be repeated"`
	Concurrency int      `long:"concurrency" description:"Number of concurrent probe slots"`
	LogLevel    string   `long:"log-level" description:"Log level (debug, info, warn, error)"`
	LogFormat   string   `long:"log-format" description:"Log format (console or json)"`
	Listen      string   `long:"listen" description:"Address for the webhook, websocket and metrics server"`
	Autostart   bool     `long:"autostart" description:"Start checking immediately instead of waiting for /start"`
}

type EngineConf struct {
	Concurrency    int           `ini:"concurrency"`
	MaxAttempts    int           `ini:"max_attempts"`
	MinDelay       time.Duration `ini:"min_delay"`
	MaxDelay       time.Duration `ini:"max_delay"`
	MaxRPS         float64       `ini:"max_rps"`
	Burst          int           `ini:"burst"`
	EmptyPoolPause time.Duration `ini:"empty_pool_pause"`
	StatusInterval time.Duration `ini:"status_interval"`
	NotifyTimeout  time.Duration `ini:"notify_timeout"`

	Identifiers  string `ini:"identifiers"`
	Wordlist     string `ini:"wordlist"`
	RandomMinLen int    `ini:"random_min_len"`
	RandomMaxLen int    `ini:"random_max_len"`
	RandomDigits bool   `ini:"random_digits"`
	RandomLimit  int    `ini:"random_limit"`

	ResolvedFile string  `ini:"resolved_file"`
	BloomSize    uint    `ini:"bloom_size"`
	BloomFP      float64 `ini:"bloom_fp"`
}

type ProxyConf struct {
	Provider    string `ini:"provider"`
	WebshareURL string `ini:"webshare_url"`
	WebshareKey string `ini:"webshare_key"`
	Protocol    string `ini:"protocol"`
	Static      string `ini:"static"`

	FetchCount        int           `ini:"fetch_count"`
	FailureThreshold  int           `ini:"failure_threshold"`
	Cooldown          time.Duration `ini:"cooldown"`
	MaxCooldowns      int           `ini:"max_cooldowns"`
	LowWater          int           `ini:"low_water"`
	RefreshBackoff    time.Duration `ini:"refresh_backoff"`
	RefreshBackoffMax time.Duration `ini:"refresh_backoff_max"`
}

type ValidatorConf struct {
	Target      string        `ini:"target"`
	Timeout     time.Duration `ini:"timeout"`
	Concurrency int           `ini:"concurrency"`
}

type CheckerConf struct {
	Target    string        `ini:"target"`
	Timeout   time.Duration `ini:"timeout"`
	SniffBody bool          `ini:"sniff_body"`
}

type TelegramConf struct {
	Token         string `ini:"token"`
	ChatID        string `ini:"chat_id"`
	WebhookURL    string `ini:"webhook_url"`
	WebhookSecret string `ini:"webhook_secret"`
	APIURL        string `ini:"api_url"`
	Events        string `ini:"events"`
}

type ServerConf struct {
	Listen   string `ini:"listen"`
	User     string `ini:"user"` // basic auth for /status and /metrics when both are set
	Password string `ini:"password"`
}

type LogConf struct {
	Level  string `ini:"level"`
	Format string `ini:"format"`
	Events bool   `ini:"events"` // JSON event lines on stdout
}

type Config struct {
	Engine    EngineConf    `ini:"engine"`
	Proxy     ProxyConf     `ini:"proxy"`
	Validator ValidatorConf `ini:"validator"`
	Checker   CheckerConf   `ini:"checker"`
	Telegram  TelegramConf  `ini:"telegram"`
	Server    ServerConf    `ini:"server"`
	Log       LogConf       `ini:"log"`

	Autostart bool `ini:"-"`
}

func Default() *Config {
	return &Config{
		Engine: EngineConf{
			Concurrency:    20,
			MaxAttempts:    3,
			MinDelay:       200 * time.Millisecond,
			MaxDelay:       800 * time.Millisecond,
			EmptyPoolPause: 5 * time.Second,
			StatusInterval: 5 * time.Minute,
			NotifyTimeout:  10 * time.Second,
			RandomMinLen:   4,
			RandomMaxLen:   4,
			BloomSize:      1000000,
			BloomFP:        0.001,
		},
		Proxy: ProxyConf{
			Provider:          "webshare",
			Protocol:          "http",
			FetchCount:        100,
			FailureThreshold:  3,
			Cooldown:          2 * time.Minute,
			MaxCooldowns:      3,
			LowWater:          5,
			RefreshBackoff:    5 * time.Second,
			RefreshBackoffMax: 5 * time.Minute,
		},
		Validator: ValidatorConf{
			Timeout:     10 * time.Second,
			Concurrency: 20,
		},
		Checker: CheckerConf{
			Timeout: 10 * time.Second,
		},
		Telegram: TelegramConf{
			Events: "hit,stopped",
		},
		Server: ServerConf{Listen: ":8000"},
		Log:    LogConf{Level: "info", Format: "console"},
	}
}

// Load parses args, reads the config file, applies environment overrides
// and then flag overrides. A help request comes back as a *flags.Error
// for which flags.WroteHelp is true.
func Load(args []string, getenv func(string) string) (*Config, error) {
	var opts Options
	parser := flags.NewParser(&opts, flags.Default)
	parser.Usage = "[OPTIONS]"
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := cfg.loadFile(opts.ConfigFile); err != nil {
		return nil, err
	}
	if getenv != nil {
		cfg.applyEnv(getenv)
	}
	cfg.applyOptions(&opts)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err != nil {
			return nil
		}
		path = defaultConfigFile
	}
	f, err := ini.Load(path)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if err := f.MapTo(c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	overrideFromEnv(&c.Telegram.Token, getenv, "TELEGRAM_API_TOKEN")
	overrideFromEnv(&c.Telegram.ChatID, getenv, "TELEGRAM_CHAT_ID")
	overrideFromEnv(&c.Telegram.WebhookURL, getenv, "WEBHOOK_URL")
	overrideFromEnv(&c.Telegram.WebhookSecret, getenv, "TELEGRAM_WEBHOOK_SECRET")
	overrideFromEnv(&c.Proxy.WebshareKey, getenv, "WEBSHARE_API_KEY")
}

func overrideFromEnv(target *string, getenv func(string) string, name string) {
	if v := strings.TrimSpace(getenv(name)); v != "" {
		*target = v
	}
}

func (c *Config) applyOptions(o *Options) {
	if o.Wordlist != "" {
		c.Engine.Wordlist = o.Wordlist
	}
	if len(o.Identifiers) > 0 {
		c.Engine.Identifiers = strings.Join(o.Identifiers, ",")
	}
	if o.Concurrency > 0 {
		c.Engine.Concurrency = o.Concurrency
	}
	if o.LogLevel != "" {
		c.Log.Level = o.LogLevel
	}
	if o.LogFormat != "" {
		c.Log.Format = o.LogFormat
	}
	if o.Listen != "" {
		c.Server.Listen = o.Listen
	}
	c.Autostart = o.Autostart
}

// Validate reports the first problem found. Missing secrets wrap
// ErrMissingCredential.
func (c *Config) Validate() error {
	if c.Telegram.Token == "" {
		return fmt.Errorf("%w: TELEGRAM_API_TOKEN", ErrMissingCredential)
	}
	if c.Telegram.ChatID == "" {
		return fmt.Errorf("%w: TELEGRAM_CHAT_ID", ErrMissingCredential)
	}

	switch c.Proxy.Provider {
	case "webshare":
		if c.Proxy.WebshareKey == "" {
			return fmt.Errorf("%w: WEBSHARE_API_KEY", ErrMissingCredential)
		}
	case "static":
		if len(SplitList(c.Proxy.Static)) == 0 {
			return fmt.Errorf("proxy provider is static but proxy.static is empty")
		}
	default:
		return fmt.Errorf("unknown proxy provider %q", c.Proxy.Provider)
	}
	switch c.Proxy.Protocol {
	case "http", "socks5":
	default:
		return fmt.Errorf("proxy protocol must be http or socks5, got %q", c.Proxy.Protocol)
	}

	if c.Engine.Concurrency <= 0 {
		return fmt.Errorf("engine concurrency must be > 0, got %d", c.Engine.Concurrency)
	}
	if c.Engine.MaxAttempts <= 0 {
		return fmt.Errorf("engine max_attempts must be > 0, got %d", c.Engine.MaxAttempts)
	}
	if c.Engine.MinDelay < 0 || c.Engine.MaxDelay < c.Engine.MinDelay {
		return fmt.Errorf("engine delay range is invalid: [%s, %s]", c.Engine.MinDelay, c.Engine.MaxDelay)
	}
	if c.Engine.BloomFP <= 0 || c.Engine.BloomFP >= 1 {
		return fmt.Errorf("bloom filter false positive rate must be between 0 and 1, got %f", c.Engine.BloomFP)
	}
	if c.Checker.Timeout <= 0 || c.Validator.Timeout <= 0 {
		return fmt.Errorf("checker and validator timeouts must be > 0")
	}
	if c.Proxy.FailureThreshold <= 0 {
		return fmt.Errorf("proxy failure_threshold must be > 0, got %d", c.Proxy.FailureThreshold)
	}
	return nil
}

// SplitList splits a comma or whitespace separated list, dropping empties.
func SplitList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t'
	})
}
