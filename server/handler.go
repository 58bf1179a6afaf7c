package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	serrors "github.com/sambeau/sage/pkg/sage/errors"
)

// pageExts are the extensions compiled rather than served as files.
var pageExts = map[string]bool{".jsp": true, ".jspx": true}

// indexPages are tried in order for directory requests.
var indexPages = []string{"index.jsp", "index.jspx"}

// pageHandler compiles and renders pages through the cache. Everything that
// is not a page is served from the document root.
type pageHandler struct {
	server *Server
	static http.Handler
}

func newPageHandler(s *Server) *pageHandler {
	return &pageHandler{
		server: s,
		static: http.FileServer(http.Dir(s.config.Root)),
	}
}

// isPrivate reports whether a URL path points into a directory that is
// never served: tag files, descriptors and dot directories.
func isPrivate(urlPath string) bool {
	for _, seg := range strings.Split(urlPath, "/") {
		switch {
		case strings.EqualFold(seg, "WEB-INF"), strings.EqualFold(seg, "META-INF"):
			return true
		case strings.HasPrefix(seg, ".") && seg != "." && seg != "..":
			return true
		}
	}
	return false
}

func (h *pageHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	urlPath := path.Clean("/" + r.URL.Path)
	if isPrivate(urlPath) {
		h.notFound(w, urlPath, nil)
		return
	}

	key := urlPath
	if strings.HasSuffix(r.URL.Path, "/") {
		key = ""
		for _, name := range indexPages {
			if candidate := path.Join(urlPath, name); h.exists(candidate) {
				key = candidate
				break
			}
		}
		if key == "" {
			// No index page: let the file server list or 404 the directory
			h.static.ServeHTTP(w, r)
			return
		}
	}

	if !pageExts[strings.ToLower(path.Ext(key))] {
		h.static.ServeHTTP(w, r)
		return
	}
	if !h.exists(key) {
		h.notFound(w, urlPath, []string{key})
		return
	}

	h.servePage(w, r, key)
}

func (h *pageHandler) exists(key string) bool {
	info, err := os.Stat(h.server.compiler.Path(key))
	return err == nil && !info.IsDir()
}

func (h *pageHandler) servePage(w http.ResponseWriter, r *http.Request, key string) {
	s := h.server
	lease, err := s.cache.Get(r.Context(), key)
	if err != nil {
		h.handleCompileError(w, r, key, err)
		return
	}
	defer lease.Release()

	if lease.Stale {
		w.Header().Set("X-Sage-Stale", "1")
		if lease.Err != nil {
			s.logger.Warn("serving previous artifact", "key", key, "error", lease.Err)
		}
	}

	wt, ok := lease.Artifact().(io.WriterTo)
	if !ok {
		s.logger.Error("artifact cannot be rendered", "key", key, "type", fmt.Sprintf("%T", lease.Artifact()))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		s.logger.Error("failed to render page", "key", key, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(buf.Bytes()))
}

// handleCompileError maps a failed compile to a response: busy pages are
// retried by the client, pages deleted mid-request are 404s, and everything
// else gets the error page.
func (h *pageHandler) handleCompileError(w http.ResponseWriter, r *http.Request, key string, err error) {
	s := h.server

	if ctxErr := r.Context().Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		// Client went away
		return
	}
	if serrors.IsBusy(err) {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "Page is still compiling, try again shortly", http.StatusServiceUnavailable)
		return
	}
	if errors.Is(err, fs.ErrNotExist) && !h.exists(key) {
		h.notFound(w, key, []string{key})
		return
	}

	s.logger.Warn("compile failed", "key", key, "error", err)
	renderDevErrorPage(w, newDevError(err, s.config.Root))
}

func (h *pageHandler) notFound(w http.ResponseWriter, urlPath string, checked []string) {
	renderDev404Page(w, Dev404Info{
		RequestPath:  urlPath,
		Root:         h.server.config.Root,
		CheckedPaths: checked,
		Private:      isPrivate(urlPath),
	})
}
