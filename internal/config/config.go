// Package config loads the agent configuration.
//
// Values are resolved in order: built-in defaults, the YAML config file,
// AGENTID_* environment variables, then command-line flags (applied by the
// caller). Secrets such as the file backend passphrase are only read from
// the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/giantswarm/agentid/internal/detection"
	"github.com/giantswarm/agentid/internal/oauth"
	"github.com/giantswarm/agentid/internal/reporter"
)

// Credential backends
const (
	BackendKeyring = "keyring"
	BackendFile    = "file"
	BackendMemory  = "memory"
)

// DefaultAPIURL is the registry backend used when none is configured
const DefaultAPIURL = "http://localhost:8080"

// DefaultReportInterval is how often the agent loop detects and reports
const DefaultReportInterval = 5 * time.Minute

// Config is the agent configuration
type Config struct {
	APIURL    string `yaml:"api_url" env:"AGENTID_API_URL"`
	AgentName string `yaml:"agent_name" env:"AGENTID_AGENT_NAME"`
	AgentType string `yaml:"agent_type" env:"AGENTID_AGENT_TYPE"`

	Verbose     bool   `yaml:"verbose" env:"AGENTID_VERBOSE"`
	NoColor     bool   `yaml:"no_color" env:"AGENTID_NO_COLOR"`
	MetricsAddr string `yaml:"metrics_addr" env:"AGENTID_METRICS_ADDR"`

	Credentials CredentialsConfig `yaml:"credentials"`
	Detection   DetectionConfig   `yaml:"detection"`
	Reporting   ReportingConfig   `yaml:"reporting"`
	OAuth       OAuthConfig       `yaml:"oauth"`
}

// CredentialsConfig selects where the agent identity is kept
type CredentialsConfig struct {
	// Backend is keyring, file or memory
	Backend string `yaml:"backend" env:"AGENTID_CREDENTIAL_BACKEND"`
	Service string `yaml:"service" env:"AGENTID_CREDENTIAL_SERVICE"`
	File    string `yaml:"file" env:"AGENTID_CREDENTIAL_FILE"`

	// Passphrase encrypts the file backend. Environment only.
	Passphrase string `yaml:"-" env:"AGENTID_CREDENTIAL_PASSPHRASE"`
}

// DetectionConfig configures the detection engine
type DetectionConfig struct {
	Level             string        `yaml:"level" env:"AGENTID_DETECTION_LEVEL"`
	ProjectDir        string        `yaml:"project_dir" env:"AGENTID_PROJECT_DIR"`
	CacheTTL          time.Duration `yaml:"cache_ttl" env:"AGENTID_CACHE_TTL"`
	PerformanceBudget time.Duration `yaml:"performance_budget" env:"AGENTID_PERFORMANCE_BUDGET"`
	ConfigPaths       []string      `yaml:"config_paths"`
	SkipUserConfigs   bool          `yaml:"skip_user_configs" env:"AGENTID_SKIP_USER_CONFIGS"`
	MaxFiles          int           `yaml:"max_files" env:"AGENTID_MAX_FILES"`
	Watch             bool          `yaml:"watch" env:"AGENTID_WATCH"`

	Deep DeepConfig `yaml:"deep"`
}

// DeepConfig enables individual tier 3 features
type DeepConfig struct {
	ASTAnalysis       bool `yaml:"ast_analysis" env:"AGENTID_DEEP_AST"`
	DependencyTree    bool `yaml:"dependency_tree" env:"AGENTID_DEEP_DEPENDENCY_TREE"`
	TrafficMonitoring bool `yaml:"traffic_monitoring" env:"AGENTID_DEEP_TRAFFIC"`
	TrafficConsent    bool `yaml:"traffic_consent" env:"AGENTID_DEEP_TRAFFIC_CONSENT"`
	MaxDepth          int  `yaml:"max_depth" env:"AGENTID_DEEP_MAX_DEPTH"`
}

// ReportingConfig configures the periodic report loop
type ReportingConfig struct {
	Enabled  bool          `yaml:"enabled" env:"AGENTID_REPORTING"`
	Interval time.Duration `yaml:"interval" env:"AGENTID_REPORT_INTERVAL"`
	Window   time.Duration `yaml:"window" env:"AGENTID_REPORT_WINDOW"`
}

// OAuthConfig configures OAuth-backed registration
type OAuthConfig struct {
	RedirectURL string                    `yaml:"redirect_url" env:"AGENTID_OAUTH_REDIRECT_URL"`
	Timeout     time.Duration             `yaml:"timeout" env:"AGENTID_OAUTH_TIMEOUT"`
	Providers   map[string]ProviderConfig `yaml:"providers"`
}

// ProviderConfig is one OAuth provider entry
type ProviderConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	AuthURL      string   `yaml:"auth_url"`
	TokenURL     string   `yaml:"token_url"`
	Scopes       []string `yaml:"scopes"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		APIURL:    DefaultAPIURL,
		AgentType: "ai_agent",
		Credentials: CredentialsConfig{
			Backend: BackendKeyring,
		},
		Detection: DetectionConfig{
			Level:             string(detection.LevelStandard),
			CacheTTL:          detection.DefaultCacheTTL,
			PerformanceBudget: detection.DefaultPerformanceBudget,
			MaxFiles:          detection.DefaultMaxFiles,
		},
		Reporting: ReportingConfig{
			Enabled:  true,
			Interval: DefaultReportInterval,
			Window:   reporter.DefaultWindow,
		},
		OAuth: OAuthConfig{
			RedirectURL: oauth.DefaultRedirectURL,
			Timeout:     oauth.DefaultAuthorizationTimeout,
		},
	}
}

// DefaultPath returns the per-user config file location
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "agentid", "config.yaml")
}

// DefaultCredentialFile returns the file backend location
func DefaultCredentialFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "agentid-credentials.age"
	}
	return filepath.Join(dir, "agentid", "credentials.age")
}

// Load builds the configuration from defaults, the file at path and the
// environment. An empty path uses DefaultPath, where a missing file is not
// an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			if explicit || !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
		}
	}

	if err := cfg.LoadEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile merges the YAML file at path into c
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// LoadEnv applies AGENTID_* environment variables over c
func (c *Config) LoadEnv() error {
	err := envdecode.Decode(c)
	if err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("failed to read environment: %w", err)
	}
	return nil
}

// Validate checks the configuration and fills derived defaults
func (c *Config) Validate() error {
	u, err := url.Parse(c.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid API URL %q: must be an absolute http(s) URL", c.APIURL)
	}

	switch strings.ToLower(c.Credentials.Backend) {
	case BackendKeyring, "":
		c.Credentials.Backend = BackendKeyring
	case BackendFile:
		c.Credentials.Backend = BackendFile
		if c.Credentials.File == "" {
			c.Credentials.File = DefaultCredentialFile()
		}
		if c.Credentials.Passphrase == "" {
			return fmt.Errorf("file credential backend requires AGENTID_CREDENTIAL_PASSPHRASE")
		}
	case BackendMemory:
		c.Credentials.Backend = BackendMemory
	default:
		return fmt.Errorf("unknown credential backend %q (use keyring, file or memory)", c.Credentials.Backend)
	}

	if _, err := detection.ParseLevel(c.Detection.Level); err != nil {
		return err
	}
	if c.Detection.CacheTTL < 0 || c.Detection.PerformanceBudget < 0 {
		return fmt.Errorf("detection cache TTL and performance budget must not be negative")
	}
	if c.Detection.Deep.TrafficMonitoring && !c.Detection.Deep.TrafficConsent {
		return detection.ErrTrafficConsentRequired
	}

	if c.Reporting.Interval <= 0 {
		return fmt.Errorf("report interval must be positive, got %s", c.Reporting.Interval)
	}
	if c.Reporting.Window < 0 {
		return fmt.Errorf("report window must not be negative, got %s", c.Reporting.Window)
	}

	return c.OAuthConfig().Validate()
}

// OAuthConfig converts the OAuth section for the oauth package
func (c *Config) OAuthConfig() *oauth.Config {
	out := &oauth.Config{
		Providers:            make(map[string]oauth.Provider, len(c.OAuth.Providers)),
		RedirectURL:          c.OAuth.RedirectURL,
		AuthorizationTimeout: c.OAuth.Timeout,
	}
	for name, p := range c.OAuth.Providers {
		out.Providers[name] = oauth.Provider{
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			AuthURL:      p.AuthURL,
			TokenURL:     p.TokenURL,
			Scopes:       p.Scopes,
		}
	}
	return out
}

// DeepOptions converts the tier 3 section for the detection engine
func (c *Config) DeepOptions() detection.DeepOptions {
	d := c.Detection.Deep
	return detection.DeepOptions{
		ASTAnalysis:       d.ASTAnalysis,
		DependencyTree:    d.DependencyTree,
		TrafficMonitoring: d.TrafficMonitoring,
		TrafficConsent:    d.TrafficConsent,
		MaxDepth:          d.MaxDepth,
	}
}
