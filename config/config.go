package config

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/migadu/udpmail/helpers"
)

const (
	// DefaultAddr is the UDP endpoint the legacy clients are hardwired to.
	DefaultAddr = ":9876"

	// DefaultMaxDatagramSize bounds both request and response payloads.
	DefaultMaxDatagramSize = 2048

	// MinDatagramSize and MaxDatagramSize are the accepted bounds for
	// server.max_datagram_size. 65507 is the largest UDP payload over IPv4.
	MinDatagramSize = 512
	MaxDatagramSize = 65507

	// MaxWorkers caps server.workers.
	MaxWorkers = 1024

	// DefaultHealthCheckInterval is used when health.check_interval is unset.
	DefaultHealthCheckInterval = 30 * time.Second
)

// Password schemes accepted in auth.password_scheme.
const (
	PasswordSchemePlain   = "plain"
	PasswordSchemeBcrypt  = "bcrypt"
	PasswordSchemeSSHA512 = "ssha512"
)

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// ServerConfig holds the datagram listener configuration.
type ServerConfig struct {
	Name            string `toml:"name"`              // Name used in logs
	Addr            string `toml:"addr"`              // UDP listen address
	MaxDatagramSize string `toml:"max_datagram_size"` // e.g. "2kb"; bounds requests and responses
	Workers         int    `toml:"workers"`           // 0 or 1 = sequential loop, >1 = concurrent dispatch
	Debug           bool   `toml:"debug"`             // Log every request (credentials masked)
}

// StorageConfig holds the credential log and mailbox root locations and the
// welcome message every new mailbox is seeded with.
type StorageConfig struct {
	MailRoot        string `toml:"mail_root"`
	CredentialsFile string `toml:"credentials_file"`
	WelcomeSender   string `toml:"welcome_sender"`
	WelcomeSubject  string `toml:"welcome_subject"`
	WelcomeBody     string `toml:"welcome_body"`
}

// AuthConfig holds credential storage options.
type AuthConfig struct {
	// PasswordScheme selects how new registrations are written to the
	// credential log: "plain" (legacy username:password), "bcrypt" or
	// "ssha512". Existing records are verified by their own prefix.
	PasswordScheme string `toml:"password_scheme"`
}

// MetricsConfig holds Prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Path    string `toml:"path"`
}

// HTTPAPIConfig holds the admin HTTP API configuration.
type HTTPAPIConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`
	APIKey       string   `toml:"api_key"`
	AllowedHosts []string `toml:"allowed_hosts"` // IPs or CIDRs; empty = any
}

// HealthConfig holds the component health monitor configuration.
type HealthConfig struct {
	CheckInterval string `toml:"check_interval"` // e.g. "30s", "5m"
}

// Config holds all configuration for the application.
type Config struct {
	Logging LoggingConfig `toml:"logging"`
	Server  ServerConfig  `toml:"server"`
	Storage StorageConfig `toml:"storage"`
	Auth    AuthConfig    `toml:"auth"`
	Metrics MetricsConfig `toml:"metrics"`
	HTTPAPI HTTPAPIConfig `toml:"http_api"`
	Health  HealthConfig  `toml:"health"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Server: ServerConfig{
			Name:            "udpmail",
			Addr:            DefaultAddr,
			MaxDatagramSize: "2kb",
			Workers:         1,
		},
		Storage: StorageConfig{
			MailRoot:        "accounts",
			CredentialsFile: "users.txt",
			WelcomeSender:   "System",
			WelcomeSubject:  "Welcome to UDP Mail!",
			WelcomeBody:     "Thank you for using this service. We hope that you will feel comfortable.",
		},
		Auth: AuthConfig{
			PasswordScheme: PasswordSchemePlain,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9090",
			Path:    "/metrics",
		},
		HTTPAPI: HTTPAPIConfig{
			Enabled: false,
			Addr:    "127.0.0.1:8080",
		},
		Health: HealthConfig{
			CheckInterval: "30s",
		},
	}
}

// GetMaxDatagramSize parses server.max_datagram_size, falling back to the default.
func (c *ServerConfig) GetMaxDatagramSize() (int, error) {
	if c.MaxDatagramSize == "" {
		return DefaultMaxDatagramSize, nil
	}
	size, err := helpers.ParseSize(c.MaxDatagramSize)
	if err != nil {
		return 0, fmt.Errorf("invalid max_datagram_size: %w", err)
	}
	if size < MinDatagramSize || size > MaxDatagramSize {
		return 0, fmt.Errorf("max_datagram_size %d out of range [%d, %d]", size, MinDatagramSize, MaxDatagramSize)
	}
	return int(size), nil
}

// GetMaxDatagramSizeWithDefault returns the datagram bound, logging and
// falling back to the default if the configured value is invalid.
func (c *ServerConfig) GetMaxDatagramSizeWithDefault() int {
	size, err := c.GetMaxDatagramSize()
	if err != nil {
		log.Printf("WARNING: %v, using default %d", err, DefaultMaxDatagramSize)
		return DefaultMaxDatagramSize
	}
	return size
}

// GetWorkers returns the number of concurrent request handlers, at least 1.
func (c *ServerConfig) GetWorkers() int {
	if c.Workers < 1 {
		return 1
	}
	return c.Workers
}

// GetPasswordScheme returns the normalized password scheme.
func (c *AuthConfig) GetPasswordScheme() string {
	scheme := strings.ToLower(c.PasswordScheme)
	if scheme == "" {
		return PasswordSchemePlain
	}
	return scheme
}

// GetCheckInterval parses health.check_interval, falling back to the default.
func (c *HealthConfig) GetCheckInterval() (time.Duration, error) {
	if c.CheckInterval == "" {
		return DefaultHealthCheckInterval, nil
	}
	d, err := helpers.ParseDuration(c.CheckInterval)
	if err != nil {
		return 0, fmt.Errorf("invalid check_interval %q: %w", c.CheckInterval, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("check_interval must be positive, got %q", c.CheckInterval)
	}
	return d, nil
}

// GetCheckIntervalWithDefault returns the check interval, or the default if
// it does not parse.
func (c *HealthConfig) GetCheckIntervalWithDefault() time.Duration {
	d, err := c.GetCheckInterval()
	if err != nil {
		return DefaultHealthCheckInterval
	}
	return d
}

// Validate checks the configuration for values the server cannot start with.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if _, err := c.Server.GetMaxDatagramSize(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if c.Server.Workers < 0 || c.Server.Workers > MaxWorkers {
		return fmt.Errorf("server.workers must be between 0 and %d, got %d", MaxWorkers, c.Server.Workers)
	}

	if c.Storage.MailRoot == "" {
		return fmt.Errorf("storage.mail_root is required")
	}
	if c.Storage.CredentialsFile == "" {
		return fmt.Errorf("storage.credentials_file is required")
	}
	if strings.ContainsAny(c.Storage.WelcomeSender, "\r\n") || strings.ContainsAny(c.Storage.WelcomeSubject, "\r\n") {
		return fmt.Errorf("storage.welcome_sender and storage.welcome_subject must be single line")
	}

	switch c.Auth.GetPasswordScheme() {
	case PasswordSchemePlain, PasswordSchemeBcrypt, PasswordSchemeSSHA512:
	default:
		return fmt.Errorf("auth.password_scheme %q is not supported (plain, bcrypt, ssha512)", c.Auth.PasswordScheme)
	}

	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format %q is not supported (console, json)", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not supported (debug, info, warn, error)", c.Logging.Level)
	}

	if c.Metrics.Enabled {
		if c.Metrics.Addr == "" {
			return fmt.Errorf("metrics.addr is required when metrics are enabled")
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return fmt.Errorf("metrics.path must start with '/', got %q", c.Metrics.Path)
		}
	}
	if c.HTTPAPI.Enabled {
		if c.HTTPAPI.Addr == "" {
			return fmt.Errorf("http_api.addr is required when the HTTP API is enabled")
		}
		if c.HTTPAPI.APIKey == "" {
			return fmt.Errorf("http_api.api_key is required when the HTTP API is enabled")
		}
	}
	if _, err := c.Health.GetCheckInterval(); err != nil {
		return fmt.Errorf("health: %w", err)
	}
	if c.Metrics.Enabled && c.HTTPAPI.Enabled && c.Metrics.Addr == c.HTTPAPI.Addr {
		return fmt.Errorf("metrics.addr and http_api.addr cannot both be %q", c.Metrics.Addr)
	}
	return nil
}

// LoadConfigFromFile loads configuration from a TOML file and trims whitespace from all string fields
// This function is lenient with:
//   - Duplicate keys: logs warning and uses first occurrence
//   - Unknown keys: logs warning and ignores them
//
// All other syntax errors will cause the server to fail with helpful error messages
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		if !strings.Contains(err.Error(), "has already been defined") {
			return enhanceConfigError(err)
		}

		log.Printf("WARNING: Configuration file '%s' contains duplicate keys: %s", configPath, err.Error())
		log.Printf("WARNING: Ignoring duplicate entries. Only the first occurrence of each key will be used.")

		cleanedContent := removeDuplicateKeysFromTOML(string(content))
		metadata, err = toml.Decode(cleanedContent, cfg)
		if err != nil {
			return enhanceConfigError(err)
		}
	}

	// Unknown keys are usually typos
	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range undecoded {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

// removeDuplicateKeysFromTOML comments out every repeated key of a section,
// keeping the first occurrence.
func removeDuplicateKeysFromTOML(content string) string {
	lines := strings.Split(content, "\n")
	seenKeys := make(map[string]int) // key path -> line number
	result := make([]string, 0, len(lines))
	var currentSection string

	for lineNum, line := range lines {
		trimmed := strings.TrimSpace(line)

		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			result = append(result, line)
			continue
		}

		if strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]") {
			currentSection = strings.Trim(trimmed, "[] ")
			result = append(result, line)
			continue
		}

		if key, _, found := strings.Cut(trimmed, "="); found {
			fullKey := strings.TrimSpace(key)
			if currentSection != "" {
				fullKey = currentSection + "." + fullKey
			}
			if prevLine, exists := seenKeys[fullKey]; exists {
				log.Printf("WARNING: Duplicate key '%s' found at line %d (first occurrence at line %d). Ignoring duplicate.",
					fullKey, lineNum+1, prevLine+1)
				result = append(result, "# DUPLICATE IGNORED: "+line)
				continue
			}
			seenKeys[fullKey] = lineNum
		}

		result = append(result, line)
	}

	return strings.Join(result, "\n")
}

// enhanceConfigError provides more helpful error messages for common TOML parsing issues
func enhanceConfigError(err error) error {
	errMsg := err.Error()

	if strings.Contains(errMsg, "expected value but found \"f\"") ||
		strings.Contains(errMsg, "expected value but found \"t\"") {
		return fmt.Errorf("%w\n\nHINT: Invalid boolean value in your TOML configuration file.\n"+
			"In TOML, boolean values must be exactly 'true' or 'false' (lowercase, unquoted)", err)
	}

	if strings.Contains(errMsg, "expected") || strings.Contains(errMsg, "invalid") {
		return fmt.Errorf("%w\n\nHINT: There is a syntax error in your TOML configuration file.\n"+
			"Please check:\n"+
			"  - All strings are properly quoted\n"+
			"  - All brackets are balanced\n"+
			"  - Section headers use [section] format\n"+
			"  - Sizes are quoted strings such as \"2kb\"", err)
	}

	return err
}

// trimStringFields recursively trims whitespace from all string fields in a struct
func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))

	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			trimStringFields(v.Index(i))
		}

	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			trimStringFields(v.Field(i))
		}

	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	}
}
