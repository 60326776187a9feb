// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/xkilldash9x/storelink-cli/api/schemas"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Exchange() ExchangeConfig
	Driver() DriverConfig
	Portals() PortalsConfig
	Vision() VisionConfig
	Mailbox() MailboxConfig
	Contacts() ContactsConfig
	Books() BooksConfig
	Server() ServerConfig

	// Driver setters, bound to CLI flags.
	SetDriverKind(string)
	SetDriverHeadless(bool)
	SetDriverDebug(bool)
}

// Config holds the entire application configuration. It uses private
// fields to enforce access through the Interface's getter methods.
type Config struct {
	logger   LoggerConfig
	database DatabaseConfig
	exchange ExchangeConfig
	driver   DriverConfig
	portals  PortalsConfig
	vision   VisionConfig
	mailbox  MailboxConfig
	contacts ContactsConfig
	books    BooksConfig
	server   ServerConfig
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig     { return c.logger }
func (c *Config) Database() DatabaseConfig { return c.database }
func (c *Config) Exchange() ExchangeConfig { return c.exchange }
func (c *Config) Driver() DriverConfig     { return c.driver }
func (c *Config) Portals() PortalsConfig   { return c.portals }
func (c *Config) Vision() VisionConfig     { return c.vision }
func (c *Config) Mailbox() MailboxConfig   { return c.mailbox }
func (c *Config) Contacts() ContactsConfig { return c.contacts }
func (c *Config) Books() BooksConfig       { return c.books }
func (c *Config) Server() ServerConfig     { return c.server }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetDriverKind(k string)   { c.driver.Kind = k }
func (c *Config) SetDriverHeadless(b bool) { c.driver.Headless = b }
func (c *Config) SetDriverDebug(b bool)    { c.driver.Debug = b }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// DatabaseConfig holds the Postgres connection details.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"-"`
}

// ExchangeConfig selects and tunes the coordination backend that carries
// verification codes, status envelopes, locks, and watermarks.
type ExchangeConfig struct {
	// Backend is "memory" or "postgres".
	Backend     string        `mapstructure:"backend" yaml:"backend"`
	LockTTL     time.Duration `mapstructure:"lock_ttl" yaml:"lock_ttl"`
	LockRetries int           `mapstructure:"lock_retries" yaml:"lock_retries"`
	LockBackoff time.Duration `mapstructure:"lock_backoff" yaml:"lock_backoff"`
	// SlotWindow spaces consecutive uses of one contact slot.
	SlotWindow time.Duration `mapstructure:"slot_window" yaml:"slot_window"`
}

// DriverConfig selects and tunes the portal session driver.
type DriverConfig struct {
	// Kind is "browser" for headless Chrome or "session" for the raw
	// HTTP cookie-jar driver.
	Kind              string        `mapstructure:"kind" yaml:"kind"`
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	Debug             bool          `mapstructure:"debug" yaml:"debug"`
	UserAgent         string        `mapstructure:"user_agent" yaml:"user_agent"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	MaxRedirects      int           `mapstructure:"max_redirects" yaml:"max_redirects"`
	Args              []string      `mapstructure:"args" yaml:"args"`
}

// PortalsConfig carries the portal base URLs. Production uses the
// defaults; tests point these at local fixtures.
type PortalsConfig struct {
	WingBaseURL   string `mapstructure:"wing_base_url" yaml:"wing_base_url"`
	XAuthBaseURL  string `mapstructure:"xauth_base_url" yaml:"xauth_base_url"`
	SellBaseURL   string `mapstructure:"sell_base_url" yaml:"sell_base_url"`
	NaverBaseURL  string `mapstructure:"naver_base_url" yaml:"naver_base_url"`
	CommerceChURL string `mapstructure:"commerce_ch_url" yaml:"commerce_ch_url"`
}

// VisionConfig configures the captcha vision-QA solver.
type VisionConfig struct {
	Model             string        `mapstructure:"model" yaml:"model"`
	APIKey            string        `mapstructure:"api_key" yaml:"-"`
	APITimeout        time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	RequestsPerMinute float64       `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	MaxAttempts       int           `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// MailboxConfig configures the REST mailbox client that collects email
// verification codes.
type MailboxConfig struct {
	BaseURL      string        `mapstructure:"base_url" yaml:"base_url"`
	Token        string        `mapstructure:"token" yaml:"-"`
	PollAttempts int           `mapstructure:"poll_attempts" yaml:"poll_attempts"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

// ContactsConfig holds the provisioning contact pool and sub account
// identity settings.
type ContactsConfig struct {
	Slots          []schemas.ContactSlot `mapstructure:"slots" yaml:"slots"`
	SubAccountName string                `mapstructure:"sub_account_name" yaml:"sub_account_name"`
	UsernamePrefix string                `mapstructure:"username_prefix" yaml:"username_prefix"`
	WebhookURL     string                `mapstructure:"webhook_url" yaml:"webhook_url"`
}

// BooksConfig configures the downstream accounting backend client.
type BooksConfig struct {
	BaseURL  string        `mapstructure:"base_url" yaml:"base_url"`
	Email    string        `mapstructure:"email" yaml:"email"`
	Password string        `mapstructure:"password" yaml:"-"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// ServerConfig tunes the intake HTTP server.
type ServerConfig struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	RelayForwardURL   string        `mapstructure:"relay_forward_url" yaml:"relay_forward_url"`
	RelayRatePerMin   float64       `mapstructure:"relay_rate_per_min" yaml:"relay_rate_per_min"`
	MaxConcurrentRuns int           `mapstructure:"max_concurrent_runs" yaml:"max_concurrent_runs"`
}

// rawConfig mirrors Config with exported fields so viper can unmarshal
// into it. Config keeps its fields private behind the Interface.
type rawConfig struct {
	Logger   LoggerConfig   `mapstructure:"logger"`
	Database DatabaseConfig `mapstructure:"database"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Driver   DriverConfig   `mapstructure:"driver"`
	Portals  PortalsConfig  `mapstructure:"portals"`
	Vision   VisionConfig   `mapstructure:"vision"`
	Mailbox  MailboxConfig  `mapstructure:"mailbox"`
	Contacts ContactsConfig `mapstructure:"contacts"`
	Books    BooksConfig    `mapstructure:"books"`
	Server   ServerConfig   `mapstructure:"server"`
}

// NewDefaultConfig creates a new configuration struct populated with
// default values. Validation is deliberately skipped: defaults are a
// starting point and some required secrets only arrive later from the
// environment.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	cfg, err := fromViper(v)
	if err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to build default config: %v", err))
	}
	return cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "storelink-cli")
	v.SetDefault("logger.log_file", "storelink.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Exchange --
	v.SetDefault("exchange.backend", "postgres")
	v.SetDefault("exchange.lock_ttl", "1s")
	v.SetDefault("exchange.lock_retries", 10)
	v.SetDefault("exchange.lock_backoff", "1s")
	v.SetDefault("exchange.slot_window", "30s")

	// -- Driver --
	v.SetDefault("driver.kind", "browser")
	v.SetDefault("driver.headless", true)
	v.SetDefault("driver.debug", false)
	v.SetDefault("driver.user_agent",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/135.0.0.0 Safari/537.36")
	v.SetDefault("driver.navigation_timeout", "90s")
	v.SetDefault("driver.request_timeout", "30s")
	v.SetDefault("driver.max_redirects", 10)

	// -- Portals --
	v.SetDefault("portals.wing_base_url", "https://wing.coupang.com")
	v.SetDefault("portals.xauth_base_url", "https://xauth.coupang.com")
	v.SetDefault("portals.sell_base_url", "https://sell.smartstore.naver.com")
	v.SetDefault("portals.naver_base_url", "https://nid.naver.com")
	v.SetDefault("portals.commerce_ch_url", "https://accounts.commerce.naver.com")

	// -- Vision --
	v.SetDefault("vision.model", "gemini-2.5-flash")
	v.SetDefault("vision.api_timeout", "30s")
	v.SetDefault("vision.requests_per_minute", 30.0)
	v.SetDefault("vision.max_attempts", 3)

	// -- Mailbox --
	v.SetDefault("mailbox.base_url", "https://gmail.googleapis.com")
	v.SetDefault("mailbox.poll_attempts", 15)
	v.SetDefault("mailbox.poll_interval", "1s")

	// -- Contacts --
	v.SetDefault("contacts.sub_account_name", "비즈넵케어")
	v.SetDefault("contacts.username_prefix", "bznavcare")

	// -- Books --
	v.SetDefault("books.timeout", "15s")

	// -- Server --
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.relay_rate_per_min", 60.0)
	v.SetDefault("server.max_concurrent_runs", 4)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	// Bind environment variables for sensitive data.
	v.BindEnv("database.url", "STORELINK_DATABASE_URL")
	v.BindEnv("vision.api_key", "STORELINK_GENAI_API_KEY")
	v.BindEnv("mailbox.token", "STORELINK_MAILBOX_TOKEN")
	v.BindEnv("books.password", "STORELINK_BOOKS_PASSWORD")

	cfg, err := fromViper(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func fromViper(v *viper.Viper) (*Config, error) {
	var raw rawConfig
	if err := v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return &Config{
		logger:   raw.Logger,
		database: raw.Database,
		exchange: raw.Exchange,
		driver:   raw.Driver,
		portals:  raw.Portals,
		vision:   raw.Vision,
		mailbox:  raw.Mailbox,
		contacts: raw.Contacts,
		books:    raw.Books,
		server:   raw.Server,
	}, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	switch c.exchange.Backend {
	case "memory", "postgres":
	default:
		return fmt.Errorf("exchange.backend must be \"memory\" or \"postgres\", got %q", c.exchange.Backend)
	}
	if c.exchange.Backend == "postgres" && c.database.URL == "" {
		return fmt.Errorf("database.url is required for the postgres exchange backend")
	}
	switch c.driver.Kind {
	case "browser", "session":
	default:
		return fmt.Errorf("driver.kind must be \"browser\" or \"session\", got %q", c.driver.Kind)
	}
	if c.exchange.LockRetries <= 0 {
		return fmt.Errorf("exchange.lock_retries must be a positive integer")
	}
	if c.exchange.SlotWindow <= 0 {
		return fmt.Errorf("exchange.slot_window must be a positive duration")
	}
	if c.server.MaxConcurrentRuns <= 0 {
		return fmt.Errorf("server.max_concurrent_runs must be a positive integer")
	}
	for i, slot := range c.contacts.Slots {
		if slot.Phone == "" || slot.Email == "" {
			return fmt.Errorf("contacts.slots[%d]: phone and email are required", i)
		}
	}
	return nil
}

var _ Interface = (*Config)(nil)
