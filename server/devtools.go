package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/sambeau/sage/pkg/sage/compilelog"
)

// StatsResponse is the JSON body of /__sage/stats.
type StatsResponse struct {
	Entries   int      `json:"entries"`
	Hits      int64    `json:"hits"`
	Misses    int64    `json:"misses"`
	Compiles  int64    `json:"compiles"`
	Failures  int64    `json:"failures"`
	Evictions int64    `json:"evictions"`
	Timeouts  int64    `json:"timeouts"`
	HitRate   float64  `json:"hit_rate"`
	Keys      []string `json:"keys"`
	Seq       uint64   `json:"seq"`
}

// handleStats reports cache counters and the cached keys, most recently
// used first.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st := s.cache.Stats()
	resp := StatsResponse{
		Entries:   st.Entries,
		Hits:      st.Hits,
		Misses:    st.Misses,
		Compiles:  st.Compiles,
		Failures:  st.Failures,
		Evictions: st.Evictions,
		Timeouts:  st.Timeouts,
		HitRate:   st.HitRate(),
		Keys:      s.cache.Keys(),
		Seq:       s.changeSeq(),
	}
	if resp.Keys == nil {
		resp.Keys = []string{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	json.NewEncoder(w).Encode(resp)
}

// handleHistory serves the compile log. Query parameters: key, failed,
// limit, json, and clear (which empties the log for key, or all of it).
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "compile log is disabled (set compile_log.enabled)", http.StatusNotFound)
		return
	}

	q := r.URL.Query()
	key := q.Get("key")

	if q.Has("clear") {
		if err := s.history.Clear(key); err != nil {
			s.logger.Error("failed to clear compile log", "error", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		http.Redirect(w, r, "/__sage/history", http.StatusSeeOther)
		return
	}

	f := compilelog.Filter{Key: key, FailedOnly: q.Has("failed")}
	if n, err := strconv.Atoi(q.Get("limit")); err == nil {
		f.Limit = n
	}
	entries, err := s.history.Entries(f)
	if err != nil {
		s.logger.Error("failed to read compile log", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	if q.Has("json") {
		w.Header().Set("Content-Type", "application/json")
		if entries == nil {
			entries = []compilelog.Entry{}
		}
		json.NewEncoder(w).Encode(entries)
		return
	}
	serveHistoryText(w, entries)
}

// serveHistoryText writes entries oldest first in plain text.
func serveHistoryText(w http.ResponseWriter, entries []compilelog.Entry) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	if len(entries) == 0 {
		fmt.Fprintln(w, "No compiles")
		return
	}

	for i := len(entries) - 1; i >= 0; i-- {
		fmt.Fprintln(w, FormatEntry(entries[i]))
	}
}

// FormatEntry renders one compile log entry on a line.
func FormatEntry(e compilelog.Entry) string {
	status := "ok"
	if !e.OK {
		status = "FAILED"
	}
	line := fmt.Sprintf("[%s] %-6s %s (%s, %d deps, %s)",
		e.Started.Local().Format("15:04:05"), status, e.Key, e.Reason, e.Deps, e.Duration)
	if e.Changed != "" {
		line += " changed " + e.Changed
	}
	if !e.OK {
		loc := e.File
		if e.Line > 0 {
			loc = fmt.Sprintf("%s:%d", e.File, e.Line)
		}
		if e.Code != "" {
			line += fmt.Sprintf("\n  %s [%s] %s", loc, e.Code, e.Message)
		} else {
			line += "\n  " + e.Message
		}
	}
	return line
}
