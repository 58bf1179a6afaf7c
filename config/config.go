package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure
type Config struct {
	// BaseDir is the directory containing the config file, used to resolve relative paths
	BaseDir string `yaml:"-"`

	Root           string            `yaml:"root"`            // Document root; "/" paths in pages resolve here (default: ".")
	Encoding       string            `yaml:"encoding"`        // Source encoding used when a page has no BOM or declaration (default: "UTF-8")
	Syntax         string            `yaml:"syntax"`          // "auto" (by extension), "free" or "strict" (default: "auto")
	TrimWhitespace bool              `yaml:"trim_whitespace"` // Drop whitespace-only text between tags
	Expressions    bool              `yaml:"expressions"`     // Recognise ${...} and #{...} spans (default: true)
	Macros         bool              `yaml:"macros"`          // Enable #if/#foreach/#set control macros
	Cache          CacheConfig       `yaml:"cache"`
	Taglib         TaglibConfig      `yaml:"taglib"`
	WorkDir        string            `yaml:"work_dir"` // Where dependency records are written; empty disables
	CompileLog     CompileLogConfig  `yaml:"compile_log"`
	Server         ServerConfig      `yaml:"server"`
	Compression    CompressionConfig `yaml:"compression"`
	Logging        LoggingConfig     `yaml:"logging"`
}

// CacheConfig holds artifact cache settings
type CacheConfig struct {
	Capacity          int      `yaml:"capacity"`             // Maximum cached pages, 0 for unbounded (default: 256)
	CheckInterval     Interval `yaml:"check_interval"`       // How often dependencies are re-fingerprinted: "0s" always, "never", or a duration (default: 2s)
	WaitTimeout       Interval `yaml:"wait_timeout"`         // How long a request waits for another compile of the same page (default: 30s)
	ServeStaleOnError bool     `yaml:"serve_stale_on_error"` // Keep serving the previous artifact when a recompile fails (default: true)
	Fingerprint       string   `yaml:"fingerprint"`          // "mtime" or "digest" (default: "mtime")
	Watch             bool     `yaml:"watch"`                // Use filesystem notifications to force checks
}

// TaglibConfig holds tag library resolution settings
type TaglibConfig struct {
	Mappings map[string]string `yaml:"mappings"` // URI to descriptor location, checked before the scanned registry
	Scan     StringOrSlice     `yaml:"scan"`     // Directories and archives searched for descriptors, relative to root (default: WEB-INF)
}

// CompileLogConfig holds compile history settings
type CompileLogConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`         // Database file (default: compile_log.db next to the config file)
	MaxSize     string `yaml:"max_size"`     // Max database size before truncation (default: "10MB")
	TruncatePct int    `yaml:"truncate_pct"` // Percentage of oldest entries deleted when truncating (default: 25)
}

// ServerConfig holds dev preview server settings
type ServerConfig struct {
	Host string `yaml:"host"` // Listen address (default: "localhost")
	Port int    `yaml:"port"` // Listen port (default: 8080)
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// CompressionConfig holds HTTP response compression settings
type CompressionConfig struct {
	Enabled bool   `yaml:"enabled"`  // Enable gzip compression (default: true)
	Level   string `yaml:"level"`    // Compression level: "fastest", "default", "best" (default: "default")
	MinSize int    `yaml:"min_size"` // Minimum response size to compress in bytes (default: 1024)
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "text"
	Output string `yaml:"output"` // "stderr", "stdout", or a file path
}

// StringOrSlice supports YAML fields that can be either a string or a slice of strings
type StringOrSlice []string

// UnmarshalYAML implements yaml.Unmarshaler to handle both string and []string
func (s *StringOrSlice) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var single string
	if err := unmarshal(&single); err == nil {
		*s = []string{single}
		return nil
	}

	var slice []string
	if err := unmarshal(&slice); err != nil {
		return err
	}
	*s = slice
	return nil
}

// Never is the Interval that disables a periodic action.
const Never Interval = -1

// Interval is a duration that may also be written as "never".
type Interval time.Duration

// UnmarshalYAML implements yaml.Unmarshaler to accept "never" as well as durations
func (i *Interval) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "never") {
		*i = Never
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid interval %q (use a duration like 2s, or never)", s)
	}
	*i = Interval(d)
	return nil
}

// Duration returns the interval as a time.Duration; Never is negative.
func (i Interval) Duration() time.Duration {
	return time.Duration(i)
}

// String formats the interval the way it is written in YAML.
func (i Interval) String() string {
	if i < 0 {
		return "never"
	}
	return time.Duration(i).String()
}

// Defaults returns a Config with sensible default values
func Defaults() *Config {
	return &Config{
		Root:        ".",
		Encoding:    "UTF-8",
		Syntax:      "auto",
		Expressions: true,
		Cache: CacheConfig{
			Capacity:          256,
			CheckInterval:     Interval(2 * time.Second),
			WaitTimeout:       Interval(30 * time.Second),
			ServeStaleOnError: true,
			Fingerprint:       "mtime",
		},
		Taglib: TaglibConfig{
			Scan: StringOrSlice{"WEB-INF"},
		},
		CompileLog: CompileLogConfig{
			MaxSize:     "10MB",
			TruncatePct: 25,
		},
		Server: ServerConfig{
			Host: "localhost",
			Port: 8080,
		},
		Compression: CompressionConfig{
			Enabled: true,
			Level:   "default",
			MinSize: 1024,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}
