package config

import "time"

// Config is the root configuration structure loaded from YAML.
type Config struct {
	Logging    LoggingConfig    `yaml:"logging"`
	Server     ServerConfig     `yaml:"server"`
	Cloudflare CloudflareConfig `yaml:"cloudflare"`
	Defaults   AnalysisConfig   `yaml:"defaults"`
	Source     SourceConfig     `yaml:"source"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
	Backend    BackendConfig    `yaml:"backend"`
}

// LoggingConfig controls log verbosity and format.
type LoggingConfig struct {
	Level string `yaml:"level"` // e.g. "info", "debug"
	JSON  bool   `yaml:"json"`
}

// ServerConfig controls the on-demand HTTP endpoint.
type ServerConfig struct {
	Disabled     bool            `yaml:"disabled,omitempty"`
	Listen       string          `yaml:"listen"` // e.g. ":8080"
	ReadTimeout  time.Duration   `yaml:"read_timeout"`
	WriteTimeout time.Duration   `yaml:"write_timeout"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig bounds how often POST / may trigger remote queries.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// CloudflareConfig describes the remote API endpoints and the credential used by scheduled runs.
type CloudflareConfig struct {
	GraphQLURL string        `yaml:"graphql_url"`
	APIURL     string        `yaml:"api_url"`
	APIToken   string        `yaml:"api_token,omitempty"` // overridden by CFMON_API_TOKEN
	Timeout    time.Duration `yaml:"timeout"`             // per remote call
	Limit      int           `yaml:"limit"`               // max rows per dataset, single page
}

// AnalysisConfig holds aggregation parameters. Form requests fall back to these
// for omitted fields; scheduled runs use them as-is.
type AnalysisConfig struct {
	TimeRange    time.Duration `yaml:"time_range"`
	MaxTopPaths  int           `yaml:"max_top_paths"`
	Threshold    int           `yaml:"threshold"`
	Comparison   string        `yaml:"comparison"` // "gte" or "gt"
	MonitorPaths []string      `yaml:"monitor_paths,omitempty"`
	ExcludePaths []string      `yaml:"exclude_paths,omitempty"`
}

// SourceConfig selects where scheduled runs read request records from.
type SourceConfig struct {
	Type string            `yaml:"type"` // "graphql" or "file"
	File *FileSourceConfig `yaml:"file,omitempty"`
}

// FileSourceConfig describes a local webserver access log.
type FileSourceConfig struct {
	Path            string `yaml:"path"`   // e.g. /var/log/nginx/access.log
	Parser          string `yaml:"parser"` // e.g. "nginx_combined"
	BlockedStatuses []int  `yaml:"blocked_statuses,omitempty"`
}

// ScheduleConfig controls the periodic job.
type ScheduleConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Interval   time.Duration `yaml:"interval"`
	RunTimeout time.Duration `yaml:"run_timeout,omitempty"`
	RunOnStart bool          `yaml:"run_on_start,omitempty"`
	ZoneID     string        `yaml:"zone_id"`
}

// BackendConfig selects and configures where scheduled runs push the rule update.
// An empty Type means report only.
type BackendConfig struct {
	Type string `yaml:"type"` // "", "cloudflare", "http_api"

	Cloudflare *CloudflareRuleConfig `yaml:"cloudflare,omitempty"`
	HTTP       *HTTPAPIConfig        `yaml:"http_api,omitempty"`

	// Global behavior flags.
	DryRun    bool     `yaml:"dry_run,omitempty"`   // if true, log the expression but do not push it
	Whitelist []string `yaml:"whitelist,omitempty"` // CIDR or IPs never placed in the rule
}

// CloudflareRuleConfig names an existing filter/rule pair. Neither is created here.
type CloudflareRuleConfig struct {
	FilterID    string `yaml:"filter_id"`
	RuleID      string `yaml:"rule_id"`
	Description string `yaml:"description,omitempty"`
	Action      string `yaml:"action,omitempty"`
	Priority    int    `yaml:"priority,omitempty"`
}

// HTTPAPIConfig controls the generic HTTP webhook backend.
type HTTPAPIConfig struct {
	URL       string            `yaml:"url"`
	AuthToken string            `yaml:"auth_token,omitempty"`
	Headers   map[string]string `yaml:"headers,omitempty"`
}
