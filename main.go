package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/sambeau/sage/config"
	"github.com/sambeau/sage/pkg/sage/cache"
	"github.com/sambeau/sage/pkg/sage/compile"
	"github.com/sambeau/sage/pkg/sage/compilelog"
	"github.com/sambeau/sage/pkg/sage/depend"
	serrors "github.com/sambeau/sage/pkg/sage/errors"
	"github.com/sambeau/sage/pkg/sage/parser"
	"github.com/sambeau/sage/pkg/sage/taglib"
)

// Version information, set at build time via -ldflags
var (
	Version = "dev"     // -X main.Version=$(git describe --tags --always)
	Commit  = "unknown" // -X main.Commit=$(git rev-parse --short HEAD)
)

func main() {
	ctx := context.Background()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr, os.Getenv); err != nil {
		var se *serrors.SageError
		if errors.As(err, &se) {
			fmt.Fprintln(os.Stderr, se.PrettyString())
		} else {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}

// run is the main entry point, designed for testability (Mat Ryer pattern)
func run(ctx context.Context, args []string, stdout, stderr io.Writer, getenv func(string) string) error {
	if len(args) == 0 {
		printUsage(stderr)
		return fmt.Errorf("missing command")
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "compile":
		return runCompile(ctx, rest, stdout, stderr, getenv)
	case "check":
		return runCheck(ctx, rest, stdout, stderr, getenv)
	case "deps":
		return runDeps(ctx, rest, stdout, stderr, getenv)
	case "stale":
		return runStale(ctx, rest, stdout, stderr, getenv)
	case "serve":
		return runServe(ctx, rest, stdout, stderr, getenv)
	case "shell":
		return runShell(ctx, rest, stdout, stderr, getenv)
	case "history":
		return runHistory(ctx, rest, stdout, stderr, getenv)
	case "version", "--version", "-version":
		fmt.Fprintf(stdout, "sage version %s (%s)\n", Version, Commit)
		return nil
	case "help", "--help", "-help", "-h":
		printUsage(stdout)
		return nil
	default:
		printUsage(stderr)
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `sage - JSP page compiler

Usage:
  sage <command> [options] [pages]

Commands:
  compile PAGE...   Compile pages and print their output
  check [PAGE...]   Compile pages (default: every page under root) and report errors
  deps PAGE...      Print the files a page depends on
  stale [PAGE...]   Report pages whose recorded dependencies changed (needs work_dir)
  serve             Run the development preview server
  shell             Interactive node tree explorer
  history           Show the compile log (needs compile_log.enabled)
  version           Show version

Common options:
  --config PATH     Path to config file (default: auto-detect)
  --root DIR        Override the document root

Config Resolution:
  1. --config flag
  2. SAGE_CONFIG environment variable
  3. ./sage.yaml
  4. ~/.config/sage/sage.yaml
  Without a config file the defaults are used with the current directory as root.

Pages are document keys such as /docs/index.jsp, or file paths below the root.
`)
}

// commonFlags holds the flags every command accepts.
type commonFlags struct {
	config string
	root   string
}

func newFlagSet(name string, stderr io.Writer) (*flag.FlagSet, *commonFlags) {
	flags := flag.NewFlagSet("sage "+name, flag.ContinueOnError)
	flags.SetOutput(stderr)
	cf := &commonFlags{}
	flags.StringVar(&cf.config, "config", "", "Path to config file")
	flags.StringVar(&cf.root, "root", "", "Override the document root")
	return flags, cf
}

// loadConfig finds and loads the configuration, falling back to defaults
// rooted at the working directory when no config file exists.
func loadConfig(cf *commonFlags, stderr io.Writer, getenv func(string) string) (*config.Config, error) {
	cfg, _, err := config.LoadWithPath(cf.config, getenv)
	if err != nil {
		if cf.config != "" || !config.IsNotFound(err) {
			return nil, err
		}
		cfg = config.Defaults()
		if cfg.BaseDir, err = os.Getwd(); err != nil {
			return nil, err
		}
	}

	if cf.root != "" {
		cfg.Root = cf.root
	}
	if !filepath.IsAbs(cfg.Root) {
		base := cfg.BaseDir
		if cf.root != "" {
			base, _ = os.Getwd()
		}
		cfg.Root = filepath.Join(base, cfg.Root)
	}

	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	for _, warning := range config.Warnings(cfg) {
		fmt.Fprintf(stderr, "warning: %s\n", warning)
	}
	return cfg, nil
}

// newLogger builds the structured logger described by cfg. The returned
// function closes a log file, if one was opened.
func newLogger(cfg config.LoggingConfig, stdout, stderr io.Writer) (*slog.Logger, func(), error) {
	var out io.Writer
	closer := func() {}
	switch cfg.Output {
	case "", "stderr":
		out = stderr
	case "stdout":
		out = stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		out = f
		closer = func() { f.Close() }
	}

	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(out, opts)), closer, nil
	}
	return slog.New(slog.NewTextHandler(out, opts)), closer, nil
}

// parserOptions translates the configuration into parser options.
func parserOptions(cfg *config.Config, logger *slog.Logger) parser.Options {
	syntax, _ := parser.ParseSyntax(cfg.Syntax)
	mode, _ := depend.ParseMode(cfg.Cache.Fingerprint)
	return parser.Options{
		Root:               cfg.Root,
		Syntax:             syntax,
		Encoding:           cfg.Encoding,
		TrimWhitespace:     cfg.TrimWhitespace,
		DisableExpressions: !cfg.Expressions,
		Macros:             cfg.Macros,
		Fingerprint:        mode,
		Libraries: taglib.NewResolver(taglib.Options{
			Root:     cfg.Root,
			Mappings: cfg.Taglib.Mappings,
			Scan:     cfg.Taglib.Scan,
			Logger:   logger,
		}),
	}
}

// engine is the compiler and cache built from a configuration.
type engine struct {
	cfg      *config.Config
	logger   *slog.Logger
	compiler *compile.Compiler
	cache    *cache.Cache
	history  *compilelog.Log
	closers  []func()
}

// newEngine wires the compiler, cache and optional compile log.
func newEngine(cfg *config.Config, stdout, stderr io.Writer) (*engine, error) {
	logger, closeLog, err := newLogger(cfg.Logging, stdout, stderr)
	if err != nil {
		return nil, err
	}
	e := &engine{cfg: cfg, logger: logger, closers: []func(){closeLog}}

	e.compiler = compile.New(compile.Options{
		Parser:        parserOptions(cfg, logger),
		CheckInterval: cfg.Cache.CheckInterval.Duration(),
		Logger:        logger,
	})

	opts := cache.Options{
		Capacity:          cfg.Cache.Capacity,
		CheckInterval:     cfg.Cache.CheckInterval.Duration(),
		WaitTimeout:       cfg.Cache.WaitTimeout.Duration(),
		ServeStaleOnError: cfg.Cache.ServeStaleOnError,
		WorkDir:           cfg.WorkDir,
		Logger:            logger,
	}
	if cfg.CompileLog.Enabled {
		if e.history, err = openHistory(cfg); err != nil {
			e.Close()
			return nil, err
		}
		e.closers = append(e.closers, func() { e.history.Close() })
		opts.OnCompile = e.history.Hook(logger)
	}

	e.cache = cache.New(e.compiler.Compile, opts)
	e.closers = append(e.closers, func() { e.cache.Close() })
	return e, nil
}

func openHistory(cfg *config.Config) (*compilelog.Log, error) {
	maxSize, err := config.ParseSize(cfg.CompileLog.MaxSize)
	if err != nil {
		return nil, err
	}
	return compilelog.Open(cfg.BaseDir, compilelog.Config{
		Path:        cfg.CompileLog.Path,
		MaxSize:     maxSize,
		TruncatePct: cfg.CompileLog.TruncatePct,
	})
}

// Close releases everything the engine opened, newest first.
func (e *engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

// pageKey turns a command line argument into a document key. Arguments
// naming an existing file are taken relative to the root; anything else is
// already a key.
func pageKey(root, arg string) (string, error) {
	if info, err := os.Stat(arg); err == nil && !info.IsDir() {
		abs, err := filepath.Abs(arg)
		if err != nil {
			return "", err
		}
		rel, err := filepath.Rel(root, abs)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("%s is outside the document root %s", arg, root)
		}
		return "/" + filepath.ToSlash(rel), nil
	}
	return path.Clean("/" + filepath.ToSlash(arg)), nil
}
