package server

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
)

// Precompiled regex for case-insensitive tag matching
var (
	bodyTagRe = regexp.MustCompile(`(?i)</body>`)
	htmlTagRe = regexp.MustCompile(`(?i)</html>`)
)

// liveReloadScript is injected into HTML responses
const liveReloadScript = `<script>
(function() {
  let lastSeq = -1;
  const pollInterval = 1000;

  async function checkForChanges() {
    try {
      const resp = await fetch('/__livereload');
      const data = await resp.json();
      if (lastSeq === -1) {
        lastSeq = data.seq;
      } else if (data.seq !== lastSeq) {
        location.reload();
      }
    } catch (e) {
      // Server might be restarting, retry
    }
    setTimeout(checkForChanges, pollInterval);
  }

  if (document.readyState === 'complete') {
    checkForChanges();
  } else {
    window.addEventListener('load', checkForChanges);
  }
})();
</script>`

// liveReloadHandler serves the live reload polling endpoint
type liveReloadHandler struct {
	server *Server
}

func newLiveReloadHandler(s *Server) *liveReloadHandler {
	return &liveReloadHandler{server: s}
}

func (h *liveReloadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	fmt.Fprintf(w, `{"seq":%d}`, h.server.changeSeq())
}

// injectLiveReload wraps a handler to inject the live reload script into HTML responses
func injectLiveReload(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lrw := &liveReloadResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lrw, r)
		lrw.flush()
	})
}

// liveReloadResponseWriter buffers HTML responses to inject the script
type liveReloadResponseWriter struct {
	http.ResponseWriter
	buffer      []byte
	statusCode  int
	wroteHeader bool
	isHTML      bool
	checked     bool
}

func (w *liveReloadResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	// Don't write header yet - we need to check content type first
	if !w.check() {
		w.writeHeader()
	}
}

// check decides once whether the response is HTML.
func (w *liveReloadResponseWriter) check() bool {
	if !w.checked {
		w.checked = true
		w.isHTML = strings.Contains(w.Header().Get("Content-Type"), "text/html")
	}
	return w.isHTML
}

func (w *liveReloadResponseWriter) writeHeader() {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	if w.statusCode != 0 {
		w.ResponseWriter.WriteHeader(w.statusCode)
	}
}

func (w *liveReloadResponseWriter) Write(b []byte) (int, error) {
	if w.check() {
		w.buffer = append(w.buffer, b...)
		return len(b), nil
	}
	w.writeHeader()
	return w.ResponseWriter.Write(b)
}

func (w *liveReloadResponseWriter) flush() {
	if !w.isHTML {
		return
	}
	if len(w.buffer) == 0 {
		w.writeHeader()
		return
	}

	// Inject before </body>, else before </html>, else at the end
	content := w.buffer
	idx := len(content)
	if loc := bodyTagRe.FindIndex(content); loc != nil {
		idx = loc[0]
	} else if loc := htmlTagRe.FindIndex(content); loc != nil {
		idx = loc[0]
	}
	out := make([]byte, 0, len(content)+len(liveReloadScript))
	out = append(out, content[:idx]...)
	out = append(out, liveReloadScript...)
	out = append(out, content[idx:]...)

	w.Header().Set("Content-Length", strconv.Itoa(len(out)))
	w.writeHeader()
	w.ResponseWriter.Write(out)
}
