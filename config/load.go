package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	serrors "github.com/sambeau/sage/pkg/sage/errors"
)

// Load reads configuration from a file with ENV interpolation.
// If configPath is empty, it searches default locations.
func Load(configPath string, getenv func(string) string) (*Config, error) {
	cfg, _, err := LoadWithPath(configPath, getenv)
	return cfg, err
}

// LoadWithPath reads configuration and returns both the config and the resolved path.
func LoadWithPath(configPath string, getenv func(string) string) (*Config, string, error) {
	path, err := resolveConfigPath(configPath, getenv)
	if err != nil {
		return nil, "", err
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to resolve config path: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := Parse(data, absPath, getenv)
	if err != nil {
		return nil, "", err
	}
	return cfg, absPath, nil
}

// Parse decodes YAML configuration read from path over the defaults,
// resolving relative paths against the directory of path, and validates the
// result.
func Parse(data []byte, path string, getenv func(string) string) (*Config, error) {
	data = interpolateEnv(data, getenv)
	baseDir := filepath.Dir(path)

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, serrors.New("CONFIG-0003", map[string]any{
			"Path":   path,
			"Reason": err.Error(),
		}).WithCause(err)
	}

	cfg.BaseDir = baseDir
	cfg.Root = resolve(baseDir, cfg.Root)
	if cfg.WorkDir != "" {
		cfg.WorkDir = resolve(baseDir, cfg.WorkDir)
	}
	if cfg.CompileLog.Path != "" {
		cfg.CompileLog.Path = resolve(baseDir, cfg.CompileLog.Path)
	}
	if out := cfg.Logging.Output; out != "" && out != "stderr" && out != "stdout" {
		cfg.Logging.Output = resolve(baseDir, out)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func resolve(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}

// Warnings returns non-fatal configuration issues that should be reported to the user.
func Warnings(cfg *Config) []string {
	var warnings []string

	if info, err := os.Stat(cfg.Root); err != nil {
		warnings = append(warnings, fmt.Sprintf("root %s does not exist - every page will fail to compile", cfg.Root))
	} else if !info.IsDir() {
		warnings = append(warnings, fmt.Sprintf("root %s is not a directory", cfg.Root))
	}

	// Nothing will ever notice an edited page
	if cfg.Cache.CheckInterval < 0 && !cfg.Cache.Watch {
		warnings = append(warnings, "cache.check_interval is never and cache.watch is off - changed pages are not recompiled")
	}

	if cfg.CompileLog.Enabled && cfg.CompileLog.Path == "" && cfg.WorkDir == "" && cfg.BaseDir == "" {
		warnings = append(warnings, "compile_log: no path, work_dir or config directory - the log is written to the current directory")
	}

	return warnings
}

// resolveConfigPath finds the config file to use.
// Search order: explicit path > SAGE_CONFIG env > ./sage.yaml > ~/.config/sage/sage.yaml
func resolveConfigPath(explicit string, getenv func(string) string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	if envPath := getenv("SAGE_CONFIG"); envPath != "" {
		if _, err := os.Stat(envPath); err != nil {
			return "", fmt.Errorf("SAGE_CONFIG file not found: %s", envPath)
		}
		return envPath, nil
	}

	if _, err := os.Stat("sage.yaml"); err == nil {
		return "sage.yaml", nil
	}

	home, err := os.UserHomeDir()
	if err == nil {
		xdgPath := filepath.Join(home, ".config", "sage", "sage.yaml")
		if _, err := os.Stat(xdgPath); err == nil {
			return xdgPath, nil
		}
	}

	return "", serrors.New("CONFIG-0001", map[string]any{
		"Tried": "SAGE_CONFIG, sage.yaml, ~/.config/sage/sage.yaml",
	})
}

// IsNotFound reports whether err means no config file could be found by the
// default search. Callers fall back to Defaults in that case.
func IsNotFound(err error) bool {
	var se *serrors.SageError
	return errors.As(err, &se) && se.Code == "CONFIG-0001"
}

// envPattern matches ${VAR} or ${VAR:-default}
var envPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// interpolateEnv replaces ${VAR} and ${VAR:-default} patterns with environment values.
func interpolateEnv(data []byte, getenv func(string) string) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		parts := envPattern.FindSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := string(parts[1])
		value := getenv(varName)

		if value == "" && len(parts) >= 3 && len(parts[2]) > 0 {
			value = string(parts[2])
		}

		return []byte(value)
	})
}

var (
	validSyntaxes     = map[string]bool{"auto": true, "free": true, "jsp": true, "strict": true, "xml": true}
	validFingerprints = map[string]bool{"mtime": true, "digest": true}
	validLevels       = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validFormats      = map[string]bool{"json": true, "text": true}
	validCompression  = map[string]bool{"fastest": true, "default": true, "best": true}
)

// Validate checks the whole configuration and reports every problem at once.
// Call it again after applying CLI overrides.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Root == "" {
		errs = append(errs, "root is required")
	}
	if !validSyntaxes[strings.ToLower(cfg.Syntax)] {
		errs = append(errs, fmt.Sprintf("invalid syntax: %s (must be auto, free or strict)", cfg.Syntax))
	}
	if strings.TrimSpace(cfg.Encoding) == "" {
		errs = append(errs, "encoding must not be empty")
	}

	// Cache validation
	if cfg.Cache.Capacity < 0 {
		errs = append(errs, fmt.Sprintf("cache.capacity: %d (must be 0 for unbounded, or positive)", cfg.Cache.Capacity))
	}
	if cfg.Cache.WaitTimeout < 0 {
		errs = append(errs, "cache.wait_timeout cannot be never")
	}
	if !validFingerprints[strings.ToLower(cfg.Cache.Fingerprint)] {
		errs = append(errs, fmt.Sprintf("invalid cache.fingerprint: %s (must be mtime or digest)", cfg.Cache.Fingerprint))
	}

	// Tag library validation
	for _, uri := range slices.Sorted(maps.Keys(cfg.Taglib.Mappings)) {
		location := cfg.Taglib.Mappings[uri]
		if uri == "" {
			errs = append(errs, "taglib.mappings: empty uri")
		}
		if location == "" {
			errs = append(errs, fmt.Sprintf("taglib.mappings[%s]: location is required", uri))
		}
	}

	// Compile log validation
	if _, err := ParseSize(cfg.CompileLog.MaxSize); err != nil {
		errs = append(errs, fmt.Sprintf("compile_log.max_size: %v", err))
	}
	if cfg.CompileLog.TruncatePct < 1 || cfg.CompileLog.TruncatePct > 100 {
		errs = append(errs, fmt.Sprintf("compile_log.truncate_pct: %d (must be 1-100)", cfg.CompileLog.TruncatePct))
	}

	// Server validation
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("invalid port: %d (must be 1-65535)", cfg.Server.Port))
	}
	if cfg.Compression.Enabled && !validCompression[cfg.Compression.Level] {
		errs = append(errs, fmt.Sprintf("invalid compression level: %s (must be fastest, default or best)", cfg.Compression.Level))
	}
	if cfg.Compression.MinSize < 0 {
		errs = append(errs, fmt.Sprintf("compression.min_size: %d (must not be negative)", cfg.Compression.MinSize))
	}

	// Logging validation
	if !validLevels[cfg.Logging.Level] {
		errs = append(errs, fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", cfg.Logging.Level))
	}
	if !validFormats[cfg.Logging.Format] {
		errs = append(errs, fmt.Sprintf("invalid log format: %s (must be json or text)", cfg.Logging.Format))
	}

	if len(errs) > 0 {
		return serrors.New("CONFIG-0002", map[string]any{
			"Problems": strings.Join(errs, "\n  - "),
			"Count":    len(errs),
		})
	}
	return nil
}

// ParseSize parses a size string like "10MB", "1GB", "500KB" to bytes.
// Supports: B, KB, MB, GB (case insensitive).
// Returns 0 for empty string.
func ParseSize(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}

	s = strings.TrimSpace(strings.ToUpper(s))

	// Longest suffix first so "B" does not match "MB"
	suffixes := []struct {
		suffix string
		mult   int64
	}{
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"B", 1},
	}

	for _, sf := range suffixes {
		if strings.HasSuffix(s, sf.suffix) {
			numStr := strings.TrimSpace(strings.TrimSuffix(s, sf.suffix))
			var num int64
			if _, err := fmt.Sscanf(numStr, "%d", &num); err != nil {
				return 0, fmt.Errorf("invalid size number: %s", numStr)
			}
			return num * sf.mult, nil
		}
	}

	var num int64
	if _, err := fmt.Sscanf(s, "%d", &num); err != nil {
		return 0, fmt.Errorf("invalid size format: %s (use B, KB, MB, or GB suffix)", s)
	}
	return num, nil
}
