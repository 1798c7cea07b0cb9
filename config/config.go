// Package config implements vsstransfer's yaml-backed configuration,
// in the teacher's style: Unmarshal/LoadConfigFile/LoadConfigString
// plus a validate() pass that eagerly compiles every regex/glob so a
// malformed config fails fast, before any replay work starts
// (spec.md §7's Configuration error kind: fatal, abort before work).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/gobwas/glob"
	yaml "gopkg.in/yaml.v2"

	"github.com/vsstransfer/vsstransfer/historywriter"
)

const (
	DefaultAnyCommentWindowSeconds  = 30
	DefaultSameCommentWindowSeconds = 600
	DefaultCommitInterval           = 1000
	DefaultEmailDomain              = "example.com"
)

// ConfigError is returned by Unmarshal/validate on any malformed input
// (spec.md §7's Configuration kind).
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "config: " + e.Reason }

// Config holds every external input named in spec.md §6.
type Config struct {
	LegacyRoot    string   `yaml:"legacy_root"`
	TargetHistory string   `yaml:"target_history"`
	RootProjects  []string `yaml:"root_projects"`

	ExcludeGlobs []string `yaml:"exclude_globs"`

	AnyCommentWindowSeconds  int `yaml:"any_comment_window_seconds"`
	SameCommentWindowSeconds int `yaml:"same_comment_window_seconds"`

	SourceEncoding  string `yaml:"source_encoding"`
	TranscodeUTF8   bool   `yaml:"transcode_utf8"`
	DefaultComment  string `yaml:"default_comment"`
	EmailDomain     string `yaml:"email_domain"`

	ForceAnnotatedTags     bool `yaml:"force_annotated_tags"`
	ExportProjectToGitRoot bool `yaml:"export_project_to_git_root"`

	FromDate string `yaml:"from_date"` // RFC3339; "" means unbounded
	ToDate   string `yaml:"to_date"`

	Backend        string `yaml:"backend"` // native-process | managed-lib | streaming-pipe
	CommitInterval int    `yaml:"commit_interval"`
	IgnoreErrors   bool   `yaml:"ignore_errors"`

	CompiledExcludes []glob.Glob `yaml:"-"`
	ParsedFromDate   *time.Time  `yaml:"-"`
	ParsedToDate     *time.Time  `yaml:"-"`
}

// Unmarshal parses config, applies defaults, and validates it.
func Unmarshal(raw []byte) (*Config, error) {
	cfg := &Config{
		AnyCommentWindowSeconds:  DefaultAnyCommentWindowSeconds,
		SameCommentWindowSeconds: DefaultSameCommentWindowSeconds,
		CommitInterval:           DefaultCommitInterval,
		EmailDomain:              DefaultEmailDomain,
		Backend:                  historywriter.BackendStreamingPipe,
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("invalid configuration: %v. use 'single quotes' around strings with special characters (like glob patterns)", err)}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFile loads and validates a config file.
func LoadConfigFile(filename string) (*Config, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("failed to load %s: %v", filename, err)}
	}
	cfg, err := LoadConfigString(content)
	if err != nil {
		return nil, fmt.Errorf("failed to load %v: %w", filename, err)
	}
	return cfg, nil
}

// LoadConfigString loads and validates config from an in-memory buffer.
func LoadConfigString(content []byte) (*Config, error) {
	return Unmarshal(content)
}

func (c *Config) validate() error {
	if c.LegacyRoot == "" {
		return &ConfigError{Reason: "legacy_root is required"}
	}
	if c.TargetHistory == "" {
		return &ConfigError{Reason: "target_history is required"}
	}
	if c.SameCommentWindowSeconds < c.AnyCommentWindowSeconds {
		return &ConfigError{Reason: fmt.Sprintf(
			"same_comment_window_seconds (%d) must be >= any_comment_window_seconds (%d)",
			c.SameCommentWindowSeconds, c.AnyCommentWindowSeconds)}
	}
	switch c.Backend {
	case historywriter.BackendNativeProcess, historywriter.BackendManagedLib, historywriter.BackendStreamingPipe:
	default:
		return &ConfigError{Reason: fmt.Sprintf("unknown backend %q", c.Backend)}
	}

	c.CompiledExcludes = c.CompiledExcludes[:0]
	for _, pattern := range c.ExcludeGlobs {
		g, err := glob.Compile(lowerASCII(pattern), '/')
		if err != nil {
			return &ConfigError{Reason: fmt.Sprintf("failed to parse exclude glob %q: %v", pattern, err)}
		}
		c.CompiledExcludes = append(c.CompiledExcludes, g)
	}

	if c.FromDate != "" {
		t, err := time.Parse(time.RFC3339, c.FromDate)
		if err != nil {
			return &ConfigError{Reason: fmt.Sprintf("failed to parse from_date %q: %v", c.FromDate, err)}
		}
		c.ParsedFromDate = &t
	}
	if c.ToDate != "" {
		t, err := time.Parse(time.RFC3339, c.ToDate)
		if err != nil {
			return &ConfigError{Reason: fmt.Sprintf("failed to parse to_date %q: %v", c.ToDate, err)}
		}
		c.ParsedToDate = &t
	}
	if c.CommitInterval <= 0 {
		c.CommitInterval = DefaultCommitInterval
	}
	return nil
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
