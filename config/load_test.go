package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	serrors "github.com/sambeau/sage/pkg/sage/errors"
)

func noEnv(string) string { return "" }

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Cache.CheckInterval.Duration() != 2*time.Second {
		t.Errorf("expected default check interval 2s, got %v", cfg.Cache.CheckInterval)
	}
	if !cfg.Expressions {
		t.Error("expected expressions enabled by default")
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected default log level 'info', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("expected default log format 'text', got %q", cfg.Logging.Format)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestInterpolateEnv(t *testing.T) {
	getenv := func(key string) string {
		switch key {
		case "TEST_HOST":
			return "example.com"
		case "TEST_PORT":
			return "9000"
		default:
			return ""
		}
	}

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "simple substitution",
			input:    "host: ${TEST_HOST}",
			expected: "host: example.com",
		},
		{
			name:     "with default (env set)",
			input:    "host: ${TEST_HOST:-localhost}",
			expected: "host: example.com",
		},
		{
			name:     "with default (env not set)",
			input:    "host: ${UNSET_VAR:-localhost}",
			expected: "host: localhost",
		},
		{
			name:     "multiple substitutions",
			input:    "addr: ${TEST_HOST}:${TEST_PORT}",
			expected: "addr: example.com:9000",
		},
		{
			name:     "unset without default",
			input:    "root: ${UNSET_VAR}",
			expected: "root: ",
		},
		{
			name:     "no substitution needed",
			input:    "static: value",
			expected: "static: value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := string(interpolateEnv([]byte(tt.input), getenv))
			if result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "sage.yaml")

	configContent := `
root: ./site
syntax: strict
trim_whitespace: true
macros: true

cache:
  capacity: 64
  check_interval: never
  wait_timeout: 5s
  serve_stale_on_error: false
  fingerprint: digest
  watch: true

taglib:
  mappings:
    http://example.com/tags: /WEB-INF/tags.tld
  scan: WEB-INF/lib

work_dir: .sage/deps

compile_log:
  enabled: true
  path: logs/compiles.db

server:
  host: 0.0.0.0
  port: 9000

logging:
  level: debug
  format: json
  output: stderr
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath, noEnv)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.BaseDir != dir {
		t.Errorf("expected base dir %q, got %q", dir, cfg.BaseDir)
	}
	if want := filepath.Join(dir, "site"); cfg.Root != want {
		t.Errorf("expected root %q, got %q", want, cfg.Root)
	}
	if cfg.Syntax != "strict" || !cfg.TrimWhitespace || !cfg.Macros {
		t.Errorf("unexpected parser settings: %+v", cfg)
	}
	if !cfg.Expressions {
		t.Error("expressions default was lost")
	}

	// Verify cache config
	c := cfg.Cache
	if c.Capacity != 64 || c.CheckInterval != Never || c.WaitTimeout.Duration() != 5*time.Second {
		t.Errorf("unexpected cache config: %+v", c)
	}
	if c.ServeStaleOnError || c.Fingerprint != "digest" || !c.Watch {
		t.Errorf("unexpected cache config: %+v", c)
	}

	// Verify taglib config
	if got := cfg.Taglib.Mappings["http://example.com/tags"]; got != "/WEB-INF/tags.tld" {
		t.Errorf("expected mapping to /WEB-INF/tags.tld, got %q", got)
	}
	if len(cfg.Taglib.Scan) != 1 || cfg.Taglib.Scan[0] != "WEB-INF/lib" {
		t.Errorf("scan paths are relative to the root and must not be rewritten: %v", cfg.Taglib.Scan)
	}

	// Paths are resolved against the config directory
	if want := filepath.Join(dir, ".sage", "deps"); cfg.WorkDir != want {
		t.Errorf("expected work dir %q, got %q", want, cfg.WorkDir)
	}
	if want := filepath.Join(dir, "logs", "compiles.db"); cfg.CompileLog.Path != want {
		t.Errorf("expected compile log %q, got %q", want, cfg.CompileLog.Path)
	}
	if cfg.CompileLog.MaxSize != "10MB" {
		t.Errorf("compile log max size default lost: %q", cfg.CompileLog.MaxSize)
	}

	if cfg.Server.Addr() != "0.0.0.0:9000" {
		t.Errorf("expected addr 0.0.0.0:9000, got %q", cfg.Server.Addr())
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" || cfg.Logging.Output != "stderr" {
		t.Errorf("unexpected logging config: %+v", cfg.Logging)
	}
}

func TestLoadWithEnvInterpolation(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "sage.yaml")

	configContent := `
root: ${SITE_ROOT:-./www}
server:
  port: ${PORT:-3000}
logging:
  output: ${LOG_FILE}
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	getenv := func(key string) string {
		if key == "LOG_FILE" {
			return "sage.log"
		}
		return ""
	}

	cfg, err := Load(configPath, getenv)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if want := filepath.Join(dir, "www"); cfg.Root != want {
		t.Errorf("expected root %q, got %q", want, cfg.Root)
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("expected port 3000, got %d", cfg.Server.Port)
	}
	if want := filepath.Join(dir, "sage.log"); cfg.Logging.Output != want {
		t.Errorf("expected log file %q, got %q", want, cfg.Logging.Output)
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("cache: [unclosed"), "/etc/sage.yaml", noEnv)
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !serrors.IsConfig(err) {
		t.Errorf("expected a config error, got %v", err)
	}
	if !strings.Contains(err.Error(), "/etc/sage.yaml") {
		t.Errorf("error does not name the file: %v", err)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name      string
		config    string
		expectErr bool
		errSubstr string
	}{
		{
			name: "valid minimal config",
			config: `
root: .
`,
			expectErr: false,
		},
		{
			name: "invalid port",
			config: `
server:
  port: 99999
`,
			expectErr: true,
			errSubstr: "invalid port",
		},
		{
			name: "invalid syntax",
			config: `
syntax: html
`,
			expectErr: true,
			errSubstr: "invalid syntax: html",
		},
		{
			name: "syntax aliases",
			config: `
syntax: xml
`,
			expectErr: false,
		},
		{
			name: "negative capacity",
			config: `
cache:
  capacity: -1
`,
			expectErr: true,
			errSubstr: "cache.capacity",
		},
		{
			name: "wait timeout never",
			config: `
cache:
  wait_timeout: never
`,
			expectErr: true,
			errSubstr: "cache.wait_timeout",
		},
		{
			name: "unknown fingerprint",
			config: `
cache:
  fingerprint: sha1
`,
			expectErr: true,
			errSubstr: "invalid cache.fingerprint",
		},
		{
			name: "mapping without location",
			config: `
taglib:
  mappings:
    http://example.com/tags: ""
`,
			expectErr: true,
			errSubstr: "taglib.mappings[http://example.com/tags]",
		},
		{
			name: "bad compile log size",
			config: `
compile_log:
  max_size: lots
`,
			expectErr: true,
			errSubstr: "compile_log.max_size",
		},
		{
			name: "invalid compression level",
			config: `
compression:
  level: maximum
`,
			expectErr: true,
			errSubstr: "invalid compression level",
		},
		{
			name: "compression level ignored when disabled",
			config: `
compression:
  enabled: false
  level: maximum
`,
			expectErr: false,
		},
		{
			name: "invalid log level",
			config: `
logging:
  level: verbose
`,
			expectErr: true,
			errSubstr: "invalid log level",
		},
		{
			name: "invalid log format",
			config: `
logging:
  format: xml
`,
			expectErr: true,
			errSubstr: "invalid log format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			_, err := Parse([]byte(tt.config), filepath.Join(dir, "sage.yaml"), noEnv)

			if tt.expectErr {
				if err == nil {
					t.Errorf("expected error containing %q, got nil", tt.errSubstr)
				} else if !strings.Contains(err.Error(), tt.errSubstr) {
					t.Errorf("expected error containing %q, got %q", tt.errSubstr, err.Error())
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidationReportsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = 0
	cfg.Logging.Level = "loud"
	cfg.Cache.Fingerprint = "crc"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"invalid port", "invalid log level", "invalid cache.fingerprint"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q:\n%v", want, err)
		}
	}
	if !strings.HasPrefix(err.Error(), "configuration errors:\n  - ") {
		t.Errorf("unexpected error format: %q", err.Error())
	}
}

func TestResolveConfigPath(t *testing.T) {
	// Test explicit path not found
	_, err := resolveConfigPath("/nonexistent/path/sage.yaml", noEnv)
	if err == nil {
		t.Error("expected error for nonexistent path")
	}

	dir := t.TempDir()
	configPath := filepath.Join(dir, "custom.yaml")
	if err := os.WriteFile(configPath, []byte(""), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	resolved, err := resolveConfigPath(configPath, noEnv)
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if resolved != configPath {
		t.Errorf("expected %q, got %q", configPath, resolved)
	}

	// SAGE_CONFIG is used when no explicit path is given
	getenv := func(key string) string {
		if key == "SAGE_CONFIG" {
			return configPath
		}
		return ""
	}
	resolved, err = resolveConfigPath("", getenv)
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if resolved != configPath {
		t.Errorf("expected %q from SAGE_CONFIG, got %q", configPath, resolved)
	}

	missing := func(key string) string {
		if key == "SAGE_CONFIG" {
			return filepath.Join(dir, "missing.yaml")
		}
		return ""
	}
	if _, err := resolveConfigPath("", missing); err == nil || !strings.Contains(err.Error(), "SAGE_CONFIG") {
		t.Errorf("expected SAGE_CONFIG error, got %v", err)
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(serrors.New("CONFIG-0001", map[string]any{"Tried": "sage.yaml"})) {
		t.Error("CONFIG-0001 should be reported as not found")
	}
	if IsNotFound(serrors.New("CONFIG-0002", map[string]any{"Problems": "x"})) {
		t.Error("validation errors are not not-found errors")
	}
}

func TestWarnings(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name     string
		mutate   func(*Config)
		wantWarn string
	}{
		{
			name:     "valid",
			mutate:   func(c *Config) {},
			wantWarn: "",
		},
		{
			name:     "missing root",
			mutate:   func(c *Config) { c.Root = filepath.Join(dir, "nope") },
			wantWarn: "does not exist",
		},
		{
			name: "never rechecked",
			mutate: func(c *Config) {
				c.Cache.CheckInterval = Never
			},
			wantWarn: "changed pages are not recompiled",
		},
		{
			name: "never rechecked but watched",
			mutate: func(c *Config) {
				c.Cache.CheckInterval = Never
				c.Cache.Watch = true
			},
			wantWarn: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			cfg.Root = dir
			cfg.BaseDir = dir
			tt.mutate(cfg)

			warnings := Warnings(cfg)
			if tt.wantWarn == "" {
				if len(warnings) > 0 {
					t.Errorf("expected no warnings, got %v", warnings)
				}
				return
			}
			found := false
			for _, w := range warnings {
				if strings.Contains(w, tt.wantWarn) {
					found = true
					break
				}
			}
			if !found {
				t.Errorf("expected warning containing %q, got %v", tt.wantWarn, warnings)
			}
		})
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
		wantErr  bool
	}{
		{"", 0, false},
		{"1024", 1024, false},
		{"1B", 1, false},
		{"1KB", 1024, false},
		{"1kb", 1024, false},
		{"10KB", 10 * 1024, false},
		{"1MB", 1024 * 1024, false},
		{"10MB", 10 * 1024 * 1024, false},
		{"1GB", 1024 * 1024 * 1024, false},
		{"  5MB  ", 5 * 1024 * 1024, false},
		{"invalid", 0, true},
		{"MB", 0, true},  // No number
		{"abc", 0, true}, // Not a number
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result, err := ParseSize(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error for %q", tt.input)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error for %q: %v", tt.input, err)
				return
			}
			if result != tt.expected {
				t.Errorf("ParseSize(%q) = %d, want %d", tt.input, result, tt.expected)
			}
		})
	}
}
