package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sambeau/sage/config"
	"github.com/sambeau/sage/pkg/sage/cache"
	"github.com/sambeau/sage/pkg/sage/compile"
	"github.com/sambeau/sage/pkg/sage/compilelog"
	"github.com/sambeau/sage/pkg/sage/depend"
	"github.com/sambeau/sage/pkg/sage/parser"
)

const coreDecl = `<%@ taglib prefix="c" uri="http://java.sun.com/jsp/jstl/core" %>`

type testSite struct {
	dir    string
	server *Server
	cache  *cache.Cache
	logs   bytes.Buffer
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// newTestSite builds a server over a temporary root holding files. Pages
// are fingerprinted by content and checked on every request.
func newTestSite(t *testing.T, files map[string]string, history *compilelog.Log) *testSite {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		writeFile(t, dir, name, content)
	}

	cfg := config.Defaults()
	cfg.Root = dir

	comp := compile.New(compile.Options{
		Parser: parser.Options{Root: dir, Fingerprint: depend.ModeDigest},
	})
	copts := cache.Options{}
	if history != nil {
		copts.OnCompile = history.Hook(nil)
	}
	c := cache.New(comp.Compile, copts)
	t.Cleanup(func() { c.Close() })

	site := &testSite{dir: dir, cache: c}
	s, err := New(cfg, Options{Cache: c, Compiler: comp, History: history, Stdout: &site.logs})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	site.server = s
	return site
}

func (ts *testSite) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewRequiresCacheAndCompiler(t *testing.T) {
	if _, err := New(config.Defaults(), Options{}); err == nil {
		t.Error("expected error without cache and compiler")
	}
}

func TestServePage(t *testing.T) {
	site := newTestSite(t, map[string]string{
		"hello.jsp": "<html><body>Hello ${name}!</body></html>",
	}, nil)

	rec := site.get(t, "/hello.jsp")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("expected text/html, got %q", ct)
	}
	body := rec.Body.String()
	if !strings.HasPrefix(body, "<html><body>Hello ${name}!") {
		t.Errorf("unexpected body: %s", body)
	}
	if !strings.Contains(body, "/__livereload") {
		t.Error("live reload script not injected")
	}
	if idx := strings.Index(body, "<script>"); idx > strings.Index(body, "</body>") {
		t.Error("script should be injected before </body>")
	}
}

func TestDirectoryIndex(t *testing.T) {
	site := newTestSite(t, map[string]string{
		"index.jsp":      "root index",
		"docs/index.jsp": "docs index",
	}, nil)

	tests := []struct {
		path string
		want string
	}{
		{"/", "root index"},
		{"/docs/", "docs index"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := site.get(t, tt.path)
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rec.Code)
			}
			if !strings.HasPrefix(rec.Body.String(), tt.want) {
				t.Errorf("expected %q, got %q", tt.want, rec.Body.String())
			}
		})
	}
}

func TestStaticFile(t *testing.T) {
	site := newTestSite(t, map[string]string{
		"css/site.css": "body { color: red; }",
	}, nil)

	rec := site.get(t, "/css/site.css")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "body { color: red; }" {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
	if site.cache.Len() != 0 {
		t.Error("static files should not be compiled")
	}
}

func TestNotFound(t *testing.T) {
	site := newTestSite(t, map[string]string{
		"WEB-INF/tags/box.tag": "<div><jsp:doBody/></div>",
		"WEB-INF/web.xml":      "<web-app/>",
		".git/config":          "[core]",
		"page.jsp":             "ok",
	}, nil)

	tests := []struct {
		name    string
		path    string
		private bool
	}{
		{"missing page", "/missing.jsp", false},
		{"tag file", "/WEB-INF/tags/box.tag", true},
		{"lowercase web-inf", "/web-inf/web.xml", true},
		{"dot directory", "/.git/config", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := site.get(t, tt.path)
			if rec.Code != http.StatusNotFound {
				t.Fatalf("expected 404, got %d", rec.Code)
			}
			body := rec.Body.String()
			if strings.Contains(body, "never served") != tt.private {
				t.Errorf("private notice mismatch (want %v):\n%s", tt.private, body)
			}
		})
	}
}

func TestCompileErrorPage(t *testing.T) {
	site := newTestSite(t, map[string]string{
		"broken.jsp": coreDecl + "\n<p>before</p>\n<c:out/>\n",
	}, nil)

	rec := site.get(t, "/broken.jsp")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"SCAN-0012", "value", "./broken.jsp", "error-line"} {
		if !strings.Contains(body, want) {
			t.Errorf("error page missing %q:\n%s", want, body)
		}
	}
	if !strings.Contains(body, "/__livereload") {
		t.Error("error pages should reload when fixed")
	}
}

func TestRecompileAfterChange(t *testing.T) {
	site := newTestSite(t, map[string]string{
		"page.jsp": "version one",
	}, nil)

	if body := site.get(t, "/page.jsp").Body.String(); !strings.HasPrefix(body, "version one") {
		t.Fatalf("unexpected body %q", body)
	}
	writeFile(t, site.dir, "page.jsp", "version two")
	if body := site.get(t, "/page.jsp").Body.String(); !strings.HasPrefix(body, "version two") {
		t.Errorf("page not recompiled: %q", body)
	}
	if st := site.cache.Stats(); st.Compiles != 2 {
		t.Errorf("expected 2 compiles, got %d", st.Compiles)
	}
}

func TestStaleArtifactServedAfterFailure(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "page.jsp", "good")

	cfg := config.Defaults()
	cfg.Root = dir
	comp := compile.New(compile.Options{Parser: parser.Options{Root: dir, Fingerprint: depend.ModeDigest}})
	c := cache.New(comp.Compile, cache.Options{ServeStaleOnError: true})
	defer c.Close()

	var logs bytes.Buffer
	s, err := New(cfg, Options{Cache: c, Compiler: comp, Stdout: &logs})
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest("GET", "/page.jsp", nil)
	s.Handler().ServeHTTP(httptest.NewRecorder(), req)

	writeFile(t, dir, "page.jsp", coreDecl+"<c:out/>")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/page.jsp", nil))

	if rec.Code != http.StatusOK || !strings.HasPrefix(rec.Body.String(), "good") {
		t.Fatalf("expected previous artifact, got %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Sage-Stale") == "" {
		t.Error("stale response not marked")
	}
	if !strings.Contains(logs.String(), "(stale)") {
		t.Errorf("request log does not mark stale response: %s", logs.String())
	}
}

func TestMethodNotAllowed(t *testing.T) {
	site := newTestSite(t, map[string]string{"page.jsp": "ok"}, nil)

	req := httptest.NewRequest("POST", "/page.jsp", nil)
	rec := httptest.NewRecorder()
	site.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	site := newTestSite(t, map[string]string{"a.jsp": "a", "b.jsp": "b"}, nil)
	site.get(t, "/a.jsp")
	site.get(t, "/b.jsp")
	site.get(t, "/a.jsp")

	rec := site.get(t, "/__sage/stats")
	var stats StatsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("bad JSON: %v\n%s", err, rec.Body.String())
	}
	if stats.Entries != 2 || stats.Compiles != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if len(stats.Keys) != 2 || stats.Keys[0] != "/a.jsp" {
		t.Errorf("expected most recently used first, got %v", stats.Keys)
	}
	if strings.Contains(site.logs.String(), "/__sage/stats") {
		t.Error("stats polling should not be request-logged")
	}
}

func TestHistoryEndpoint(t *testing.T) {
	history, err := compilelog.Open(t.TempDir(), compilelog.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer history.Close()

	site := newTestSite(t, map[string]string{
		"ok.jsp":     "fine",
		"broken.jsp": coreDecl + "<c:out/>",
	}, history)
	site.get(t, "/ok.jsp")
	site.get(t, "/broken.jsp")

	rec := site.get(t, "/__sage/history?json")
	var entries []compilelog.Entry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("bad JSON: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}

	rec = site.get(t, "/__sage/history?failed")
	text := rec.Body.String()
	if !strings.Contains(text, "FAILED") || !strings.Contains(text, "SCAN-0012") || strings.Contains(text, "/ok.jsp") {
		t.Errorf("unexpected failed history:\n%s", text)
	}

	rec = site.get(t, "/__sage/history?clear")
	if rec.Code != http.StatusSeeOther {
		t.Errorf("expected redirect after clear, got %d", rec.Code)
	}
	if n, _ := history.Count(""); n != 0 {
		t.Errorf("expected empty log, got %d", n)
	}
}

func TestHistoryDisabled(t *testing.T) {
	site := newTestSite(t, nil, nil)
	if rec := site.get(t, "/__sage/history"); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestLiveReloadEndpoint(t *testing.T) {
	site := newTestSite(t, nil, nil)

	rec := site.get(t, "/__livereload")
	if rec.Body.String() != `{"seq":0}` {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
}

func TestWatcherForcesRecompile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "page.jsp", "before")

	comp := compile.New(compile.Options{Parser: parser.Options{Root: dir, Fingerprint: depend.ModeDigest}})
	c := cache.New(comp.Compile, cache.Options{CheckInterval: -1})
	defer c.Close()

	w, err := NewWatcher(dir, c, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	ctx := t.Context()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}

	lease, err := c.Get(ctx, "/page.jsp")
	if err != nil {
		t.Fatal(err)
	}
	lease.Release()

	writeFile(t, dir, "page.jsp", "after")
	deadline := time.Now().Add(5 * time.Second)
	for w.GetChangeSeq() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no change seen by watcher")
		}
		time.Sleep(10 * time.Millisecond)
	}

	lease, err = c.Get(ctx, "/page.jsp")
	if err != nil {
		t.Fatal(err)
	}
	defer lease.Release()
	if st := c.Stats(); st.Compiles != 2 {
		t.Errorf("expected a forced recompile, got %d compiles", st.Compiles)
	}
}

func TestIsPrivate(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/index.jsp", false},
		{"/WEB-INF/tags/a.tag", true},
		{"/a/META-INF/taglib.tld", true},
		{"/.env", true},
		{"/docs/", false},
		{"/web-inf", true},
	}
	for _, tt := range tests {
		if got := isPrivate(tt.path); got != tt.want {
			t.Errorf("isPrivate(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}
