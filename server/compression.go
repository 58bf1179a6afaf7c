package server

import (
	"compress/gzip"
	"net/http"

	"github.com/klauspost/compress/gzhttp"

	"github.com/sambeau/sage/config"
)

// compressedTypes are the content types worth gzipping. Images and
// archives are already compressed.
var compressedTypes = []string{
	"text/html",
	"text/css",
	"text/plain",
	"text/xml",
	"application/javascript",
	"application/json",
	"application/xml",
	"image/svg+xml",
}

// compressionLevel maps a configured level name to a gzip level.
func compressionLevel(name string) int {
	switch name {
	case "fastest":
		return gzip.BestSpeed
	case "best":
		return gzip.BestCompression
	}
	return gzip.DefaultCompression
}

// newCompressionHandler gzips text responses of at least cfg.MinSize bytes.
// It returns h unchanged when compression is disabled.
func newCompressionHandler(h http.Handler, cfg config.CompressionConfig) http.Handler {
	if !cfg.Enabled {
		return h
	}

	// Option type is unexported, so the option constructors are called directly
	wrapper, err := gzhttp.NewWrapper(
		gzhttp.MinSize(cfg.MinSize),
		gzhttp.CompressionLevel(compressionLevel(cfg.Level)),
		gzhttp.ContentTypes(compressedTypes),
	)
	if err != nil {
		return h
	}
	return wrapper(h)
}
