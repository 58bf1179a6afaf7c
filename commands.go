package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/sambeau/sage/pkg/sage/compilelog"
	"github.com/sambeau/sage/pkg/sage/depend"
	serrors "github.com/sambeau/sage/pkg/sage/errors"
	"github.com/sambeau/sage/pkg/sage/repl"
	"github.com/sambeau/sage/server"
)

// setup parses a command's flags and builds the engine from the config.
func setup(name string, args []string, stdout, stderr io.Writer, getenv func(string) string, extra func(*flag.FlagSet)) (*engine, []string, error) {
	flags, cf := newFlagSet(name, stderr)
	if extra != nil {
		extra(flags)
	}
	if err := flags.Parse(args); err != nil {
		return nil, nil, err
	}
	cfg, err := loadConfig(cf, stderr, getenv)
	if err != nil {
		return nil, nil, err
	}
	e, err := newEngine(cfg, stdout, stderr)
	if err != nil {
		return nil, nil, err
	}
	return e, flags.Args(), nil
}

// keys converts page arguments to document keys.
func (e *engine) keys(args []string) ([]string, error) {
	keys := make([]string, 0, len(args))
	for _, arg := range args {
		key, err := pageKey(e.cfg.Root, arg)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// runCompile compiles pages and writes their output to stdout, or to one
// file per page below --out.
func runCompile(ctx context.Context, args []string, stdout, stderr io.Writer, getenv func(string) string) error {
	var outDir string
	e, args, err := setup("compile", args, stdout, stderr, getenv, func(f *flag.FlagSet) {
		f.StringVar(&outDir, "out", "", "Write each page's output below this directory")
	})
	if err != nil {
		return err
	}
	defer e.Close()

	if len(args) == 0 {
		return fmt.Errorf("no pages specified")
	}
	keys, err := e.keys(args)
	if err != nil {
		return err
	}

	for _, key := range keys {
		lease, err := e.cache.Get(ctx, key)
		if err != nil {
			return err
		}
		err = writeArtifact(lease.Artifact(), key, outDir, stdout)
		lease.Release()
		if err != nil {
			return err
		}
	}
	return nil
}

func writeArtifact(artifact any, key, outDir string, stdout io.Writer) error {
	wt, ok := artifact.(io.WriterTo)
	if !ok {
		return fmt.Errorf("%s: artifact %T has no output", key, artifact)
	}
	if outDir == "" {
		_, err := wt.WriteTo(stdout)
		return err
	}

	dest := filepath.Join(outDir, filepath.FromSlash(strings.TrimPrefix(key, "/")))
	dest = strings.TrimSuffix(dest, filepath.Ext(dest)) + ".html"
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := wt.WriteTo(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// pageFiles lists every page below root, skipping WEB-INF, META-INF and
// dot directories.
func pageFiles(root string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if p != root && (strings.HasPrefix(name, ".") ||
				strings.EqualFold(name, "WEB-INF") || strings.EqualFold(name, "META-INF")) {
				return filepath.SkipDir
			}
			return nil
		}
		switch strings.ToLower(filepath.Ext(name)) {
		case ".jsp", ".jspx":
			rel, err := filepath.Rel(root, p)
			if err != nil {
				return err
			}
			keys = append(keys, "/"+filepath.ToSlash(rel))
		}
		return nil
	})
	sort.Strings(keys)
	return keys, err
}

// runCheck compiles pages in parallel and reports every failure.
func runCheck(ctx context.Context, args []string, stdout, stderr io.Writer, getenv func(string) string) error {
	var jobs int
	e, args, err := setup("check", args, stdout, stderr, getenv, func(f *flag.FlagSet) {
		f.IntVar(&jobs, "j", runtime.NumCPU(), "Pages compiled at once")
	})
	if err != nil {
		return err
	}
	defer e.Close()

	var keys []string
	if len(args) > 0 {
		keys, err = e.keys(args)
	} else {
		keys, err = pageFiles(e.cfg.Root)
	}
	if err != nil {
		return err
	}

	failures := make([]error, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(jobs, 1))
	for i, key := range keys {
		g.Go(func() error {
			lease, err := e.cache.Get(gctx, key)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				failures[i] = err
				return nil
			}
			lease.Release()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	failed := 0
	for i, err := range failures {
		if err == nil {
			continue
		}
		failed++
		fmt.Fprintf(stdout, "%s\n%s\n\n", keys[i], prettyError(err))
	}
	fmt.Fprintf(stdout, "%d pages checked, %d failed\n", len(keys), failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d pages failed", failed, len(keys))
	}
	return nil
}

func prettyError(err error) string {
	var se *serrors.SageError
	if errors.As(err, &se) {
		return se.PrettyString()
	}
	return err.Error()
}

// runDeps prints the dependency set of each page.
func runDeps(ctx context.Context, args []string, stdout, stderr io.Writer, getenv func(string) string) error {
	var showFingerprints bool
	e, args, err := setup("deps", args, stdout, stderr, getenv, func(f *flag.FlagSet) {
		f.BoolVar(&showFingerprints, "fingerprints", false, "Print each file's fingerprint")
	})
	if err != nil {
		return err
	}
	defer e.Close()

	if len(args) == 0 {
		return fmt.Errorf("no pages specified")
	}
	keys, err := e.keys(args)
	if err != nil {
		return err
	}

	for _, key := range keys {
		lease, err := e.cache.Get(ctx, key)
		if err != nil {
			return err
		}
		deps := lease.Deps().All()
		lease.Release()

		if len(keys) > 1 {
			fmt.Fprintf(stdout, "%s:\n", key)
		}
		for _, d := range deps {
			line := relativeTo(e.cfg.Root, d.Path)
			if showFingerprints {
				line += " " + d.Fingerprint
			}
			if len(keys) > 1 {
				line = "  " + line
			}
			fmt.Fprintln(stdout, line)
		}
	}
	return nil
}

func relativeTo(root, p string) string {
	if rel, err := filepath.Rel(root, p); err == nil && !strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(rel)
	}
	return p
}

// recordedKeys lists the keys with a dependency record below workDir.
func recordedKeys(workDir string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(workDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, ".depend") {
			return nil
		}
		rel, err := filepath.Rel(workDir, strings.TrimSuffix(p, ".depend"))
		if err != nil {
			return err
		}
		keys = append(keys, "/"+filepath.ToSlash(rel))
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	sort.Strings(keys)
	return keys, err
}

// runStale checks recorded dependencies without compiling anything. It
// fails when any page is stale so scripts can rebuild.
func runStale(ctx context.Context, args []string, stdout, stderr io.Writer, getenv func(string) string) error {
	e, args, err := setup("stale", args, stdout, stderr, getenv, nil)
	if err != nil {
		return err
	}
	defer e.Close()

	workDir := e.cfg.WorkDir
	if workDir == "" {
		return fmt.Errorf("work_dir is not configured, so no dependency records exist")
	}

	var keys []string
	if len(args) > 0 {
		keys, err = e.keys(args)
	} else {
		keys, err = recordedKeys(workDir)
	}
	if err != nil {
		return err
	}

	stale := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		deps, err := depend.ReadFile(depend.RecordPath(workDir, key))
		if errors.Is(err, fs.ErrNotExist) {
			stale++
			fmt.Fprintf(stdout, "stale %s (never compiled)\n", key)
			continue
		} else if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if changed, path := deps.Stale(); changed {
			stale++
			fmt.Fprintf(stdout, "stale %s (%s changed)\n", key, relativeTo(e.cfg.Root, path))
			continue
		}
		fmt.Fprintf(stdout, "fresh %s\n", key)
	}
	if stale > 0 {
		return fmt.Errorf("%d stale pages", stale)
	}
	return nil
}

// runServe runs the preview server until interrupted.
func runServe(ctx context.Context, args []string, stdout, stderr io.Writer, getenv func(string) string) error {
	var (
		host  string
		port  int
		quiet bool
	)
	e, _, err := setup("serve", args, stdout, stderr, getenv, func(f *flag.FlagSet) {
		f.StringVar(&host, "host", "", "Override listen host")
		f.IntVar(&port, "port", 0, "Override listen port")
		f.BoolVar(&quiet, "quiet", false, "Suppress request logs")
	})
	if err != nil {
		return err
	}
	defer e.Close()

	cfg := e.cfg
	if host != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if quiet {
		cfg.Logging.Level = "error"
	}

	if cfg.Cache.Watch {
		if err := e.cache.Watch(ctx); err != nil {
			return fmt.Errorf("watching dependencies: %w", err)
		}
	}

	srv, err := server.New(cfg, server.Options{
		Cache:    e.cache,
		Compiler: e.compiler,
		History:  e.history,
		Logger:   e.logger,
		Stdout:   stdout,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	return srv.Run(ctx)
}

// runShell starts the interactive node tree explorer.
func runShell(_ context.Context, args []string, stdout, stderr io.Writer, getenv func(string) string) error {
	e, _, err := setup("shell", args, stdout, stderr, getenv, nil)
	if err != nil {
		return err
	}
	defer e.Close()

	repl.Start(stdout, e.compiler.Parser().Options(), Version)
	return nil
}

// runHistory prints or clears the compile log.
func runHistory(_ context.Context, args []string, stdout, stderr io.Writer, getenv func(string) string) error {
	var (
		key      string
		failed   bool
		limit    int
		clearLog bool
	)
	e, _, err := setup("history", args, stdout, stderr, getenv, func(f *flag.FlagSet) {
		f.StringVar(&key, "key", "", "Only show compiles of this page")
		f.BoolVar(&failed, "failed", false, "Only show failed compiles")
		f.IntVar(&limit, "limit", 20, "Maximum entries shown")
		f.BoolVar(&clearLog, "clear", false, "Delete the entries instead of showing them")
	})
	if err != nil {
		return err
	}
	defer e.Close()

	if e.history == nil {
		return fmt.Errorf("compile log is disabled (set compile_log.enabled)")
	}
	if key != "" {
		if key, err = pageKey(e.cfg.Root, key); err != nil {
			return err
		}
	}

	if clearLog {
		if err := e.history.Clear(key); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "Compile log cleared")
		return nil
	}

	entries, err := e.history.Entries(compilelog.Filter{Key: key, FailedOnly: failed, Limit: limit})
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(stdout, "No compiles")
		return nil
	}
	for i := len(entries) - 1; i >= 0; i-- {
		fmt.Fprintln(stdout, server.FormatEntry(entries[i]))
	}
	return nil
}
