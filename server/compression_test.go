package server

import (
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sambeau/sage/config"
)

func serveCompressed(cfg config.CompressionConfig, contentType, body string, acceptGzip bool) *httptest.ResponseRecorder {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		w.Write([]byte(body))
	})
	req := httptest.NewRequest("GET", "/", nil)
	if acceptGzip {
		req.Header.Set("Accept-Encoding", "gzip")
	}
	rec := httptest.NewRecorder()
	newCompressionHandler(handler, cfg).ServeHTTP(rec, req)
	return rec
}

func TestCompressionHandler(t *testing.T) {
	large := strings.Repeat("<p>Hello, World!</p>\n", 100)
	enabled := config.CompressionConfig{Enabled: true, Level: "default", MinSize: 1024}

	tests := []struct {
		name        string
		cfg         config.CompressionConfig
		contentType string
		body        string
		accept      bool
		gzipped     bool
	}{
		{"disabled", config.CompressionConfig{Level: "default", MinSize: 1024}, "text/html", large, true, false},
		{"large page", enabled, "text/html; charset=utf-8", large, true, true},
		{"below min size", enabled, "text/plain", "Hello", true, false},
		{"client without gzip", enabled, "text/html", large, false, false},
		{"already compressed type", enabled, "image/png", large, true, false},
		{"stylesheet", enabled, "text/css", large, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serveCompressed(tt.cfg, tt.contentType, tt.body, tt.accept)
			gzipped := rec.Header().Get("Content-Encoding") == "gzip"
			if gzipped != tt.gzipped {
				t.Fatalf("gzipped = %v, want %v", gzipped, tt.gzipped)
			}

			body := rec.Body.String()
			if gzipped {
				reader, err := gzip.NewReader(rec.Body)
				if err != nil {
					t.Fatalf("Failed to create gzip reader: %v", err)
				}
				defer reader.Close()
				data, err := io.ReadAll(reader)
				if err != nil {
					t.Fatalf("Failed to decompress response: %v", err)
				}
				body = string(data)
			}
			if body != tt.body {
				t.Error("body does not match original")
			}
		})
	}
}

func TestCompressionLevel(t *testing.T) {
	tests := map[string]int{
		"fastest": gzip.BestSpeed,
		"default": gzip.DefaultCompression,
		"best":    gzip.BestCompression,
		"":        gzip.DefaultCompression,
	}
	for name, want := range tests {
		if got := compressionLevel(name); got != want {
			t.Errorf("compressionLevel(%q) = %d, want %d", name, got, want)
		}
	}
}
