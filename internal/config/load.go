package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// TokenEnv overrides cloudflare.api_token so the secret can stay out of the file.
const TokenEnv = "CFMON_API_TOKEN"

// Limits shared by config validation and request validation.
const (
	MinTimeRange   = time.Minute
	MaxTimeRange   = 1440 * time.Minute
	MinTopPaths    = 1
	MaxTopPaths    = 10
	MaxRowLimit    = 10000
	MinCallTimeout = time.Second
	MaxCallTimeout = 60 * time.Second
)

// Comparison names accepted for the threshold check.
const (
	CompareGTE = "gte"
	CompareGT  = "gt"
)

var idRe = regexp.MustCompile(`^[A-Za-z0-9]{1,64}$`)

// ValidID reports whether s looks like a Cloudflare zone, filter, or rule id.
func ValidID(s string) bool {
	return idRe.MatchString(s)
}

// Load reads, parses, and validates configuration from the provided path.
// Warns if the config file has insecure permissions (world-readable).
func Load(path string) (*Config, error) {
	// Check file permissions (Unix only).
	if runtime.GOOS != "windows" {
		if info, err := os.Stat(path); err == nil {
			mode := info.Mode().Perm()
			// Warn if file is world-readable (may contain the API token).
			if mode&0o004 != 0 {
				fmt.Fprintf(os.Stderr, "WARNING: config file %s is world-readable (mode %o). Consider: chmod 600 %s\n", path, mode, path)
			}
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if tok := os.Getenv(TokenEnv); tok != "" {
		cfg.Cloudflare.APIToken = tok
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML without validating it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Default returns a validated configuration with every default applied:
// on-demand server only, no schedule, no rule backend.
func Default() *Config {
	cfg := &Config{}
	if err := validate(cfg); err != nil {
		panic(err)
	}
	return cfg
}

// Validate applies defaults to c and checks it. Exposed for callers that build configs in code.
func Validate(c *Config) error {
	return validate(c)
}

func validate(c *Config) error {
	// Default logging level if not provided.
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	if err := validateServer(&c.Server); err != nil {
		return err
	}
	if err := validateCloudflare(&c.Cloudflare); err != nil {
		return err
	}
	if err := validateAnalysis(&c.Defaults); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}
	if err := validateSource(&c.Source); err != nil {
		return err
	}
	if err := validateBackend(&c.Backend); err != nil {
		return err
	}
	return validateSchedule(c)
}

func validateServer(s *ServerConfig) error {
	if s.Listen == "" {
		s.Listen = ":8080"
	}
	if s.ReadTimeout == 0 {
		s.ReadTimeout = 5 * time.Second
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = 90 * time.Second
	}
	if s.RateLimit.RequestsPerSecond < 0 || s.RateLimit.Burst < 0 {
		return fmt.Errorf("server.rate_limit values must be >= 0")
	}
	if s.RateLimit.RequestsPerSecond == 0 {
		s.RateLimit.RequestsPerSecond = 1
	}
	if s.RateLimit.Burst == 0 {
		s.RateLimit.Burst = 5
	}
	return nil
}

func validateCloudflare(cf *CloudflareConfig) error {
	if cf.GraphQLURL == "" {
		cf.GraphQLURL = "https://api.cloudflare.com/client/v4/graphql"
	}
	if cf.APIURL == "" {
		cf.APIURL = "https://api.cloudflare.com/client/v4"
	}
	if cf.Timeout == 0 {
		cf.Timeout = 15 * time.Second
	}
	if cf.Timeout < MinCallTimeout || cf.Timeout > MaxCallTimeout {
		return fmt.Errorf("cloudflare.timeout must be between %s and %s", MinCallTimeout, MaxCallTimeout)
	}
	if cf.Limit == 0 {
		cf.Limit = MaxRowLimit
	}
	if cf.Limit < 1 || cf.Limit > MaxRowLimit {
		return fmt.Errorf("cloudflare.limit must be between 1 and %d", MaxRowLimit)
	}
	return nil
}

func validateAnalysis(a *AnalysisConfig) error {
	if a.TimeRange == 0 {
		a.TimeRange = 100 * time.Minute
	}
	if a.TimeRange < MinTimeRange || a.TimeRange > MaxTimeRange {
		return fmt.Errorf("time_range must be between %s and %s", MinTimeRange, MaxTimeRange)
	}
	if a.MaxTopPaths == 0 {
		a.MaxTopPaths = 3
	}
	if a.MaxTopPaths < MinTopPaths || a.MaxTopPaths > MaxTopPaths {
		return fmt.Errorf("max_top_paths must be between %d and %d", MinTopPaths, MaxTopPaths)
	}
	if a.Threshold == 0 {
		a.Threshold = 50
	}
	if a.Threshold < 1 {
		return fmt.Errorf("threshold must be > 0")
	}
	if a.Comparison == "" {
		a.Comparison = CompareGTE
	}
	if a.Comparison != CompareGTE && a.Comparison != CompareGT {
		return fmt.Errorf("comparison must be %q or %q", CompareGTE, CompareGT)
	}
	return nil
}

func validateSource(s *SourceConfig) error {
	if s.Type == "" {
		s.Type = "graphql"
	}
	switch s.Type {
	case "graphql":
	case "file":
		if s.File == nil || s.File.Path == "" {
			return fmt.Errorf("source.file.path is required when source.type=file")
		}
		if s.File.Parser == "" {
			s.File.Parser = "nginx_combined"
		}
		if len(s.File.BlockedStatuses) == 0 {
			s.File.BlockedStatuses = []int{403}
		}
	default:
		return fmt.Errorf("unsupported source.type %q", s.Type)
	}
	return nil
}

func validateBackend(b *BackendConfig) error {
	switch b.Type {
	case "":
	case "cloudflare":
		if b.Cloudflare == nil {
			return fmt.Errorf("backend.cloudflare must be set when backend.type=cloudflare")
		}
		rc := b.Cloudflare
		if !ValidID(rc.FilterID) || !ValidID(rc.RuleID) {
			return fmt.Errorf("backend.cloudflare.filter_id and backend.cloudflare.rule_id are required and must be alphanumeric")
		}
		if rc.Description == "" {
			rc.Description = "rate-limit"
		}
		if rc.Action == "" {
			rc.Action = "block"
		}
		switch rc.Action {
		case "block", "challenge", "js_challenge", "managed_challenge", "log", "allow", "bypass":
		default:
			return fmt.Errorf("unsupported backend.cloudflare.action %q", rc.Action)
		}
		if rc.Priority == 0 {
			rc.Priority = 1
		}
		if rc.Priority < 0 {
			return fmt.Errorf("backend.cloudflare.priority must be > 0")
		}
	case "http_api":
		if b.HTTP == nil {
			return fmt.Errorf("backend.http_api must be set when backend.type=http_api")
		}
		if b.HTTP.URL == "" {
			return fmt.Errorf("backend.http_api.url is required")
		}
	default:
		return fmt.Errorf("unsupported backend.type %q", b.Type)
	}

	for _, entry := range b.Whitelist {
		if net.ParseIP(entry) != nil {
			continue
		}
		if _, _, err := net.ParseCIDR(entry); err != nil {
			return fmt.Errorf("backend.whitelist entry %q is neither an IP nor a CIDR", entry)
		}
	}
	return nil
}

func validateSchedule(c *Config) error {
	s := &c.Schedule
	if !s.Enabled {
		return nil
	}
	if s.Interval == 0 {
		s.Interval = 10 * time.Minute
	}
	if s.Interval < time.Minute {
		return fmt.Errorf("schedule.interval must be >= 1m")
	}
	if s.RunTimeout == 0 {
		s.RunTimeout = s.Interval
	}
	if s.RunTimeout < c.Cloudflare.Timeout {
		return fmt.Errorf("schedule.run_timeout (%s) must be >= cloudflare.timeout (%s)", s.RunTimeout, c.Cloudflare.Timeout)
	}
	needsZone := c.Source.Type == "graphql" || c.Backend.Type == "cloudflare"
	if needsZone && !ValidID(s.ZoneID) {
		return fmt.Errorf("schedule.zone_id is required and must be alphanumeric")
	}
	if needsZone && c.Cloudflare.APIToken == "" {
		return fmt.Errorf("cloudflare.api_token (or %s) is required for scheduled runs", TokenEnv)
	}
	return nil
}
