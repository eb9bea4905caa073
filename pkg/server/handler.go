// Package server answers HTTP GET requests from a drive.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"driveshare/pkg/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CacheControl is sent with every served file.
const CacheControl = "public, max-age=60, s-maxage=600"

// Reader is the read side of a drive. OpenEntry must stream the content the
// entry was looked up with so headers and body agree.
type Reader interface {
	Entry(ctx context.Context, path string) (*types.DriveEntry, error)
	OpenEntry(ctx context.Context, entry *types.DriveEntry) (io.ReadCloser, error)
}

// Recorder counts responses by status code.
type Recorder interface {
	ObserveHTTP(code int)
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.code == 0 {
		w.code = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.code == 0 {
		w.code = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// ETag returns the weak validator for a drive entry.
func ETag(entry *types.DriveEntry) string {
	return fmt.Sprintf(`W/"%d"`, entry.Seq)
}

// Handler serves GET requests from reader and passes every other method to
// next. recorder may be nil.
func Handler(reader Reader, logger *zap.Logger, recorder Recorder) func(next http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}

			sw := &statusWriter{ResponseWriter: w}
			if recorder != nil {
				defer func() { recorder.ObserveHTTP(sw.code) }()
			}

			// A leading "//" would turn the redirect into a protocol-relative URL.
			p := "/" + strings.TrimLeft(r.URL.Path, "/")
			if strings.HasSuffix(p, "/") {
				http.Redirect(sw, r, p+"index.html", http.StatusFound)
				return
			}

			log := logger.With(zap.String("request_id", uuid.NewString()), zap.String("path", p))
			log.Info("GET")

			serve(r.Context(), sw, r, reader, p, log)
		})
	}
}

func serve(ctx context.Context, w http.ResponseWriter, r *http.Request, reader Reader, p string, log *zap.Logger) {
	entry, err := reader.Entry(ctx, p)
	if err != nil {
		log.Error("Failed to look up entry", zap.Error(err))
		plain(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if entry == nil {
		plain(w, http.StatusNotFound, "Not found")
		return
	}

	etag := ETag(entry)
	if etagMatches(r.Header.Get("If-None-Match"), etag) {
		w.Header().Set("ETag", etag)
		w.Header().Set("Cache-Control", CacheControl)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	stream, err := reader.OpenEntry(ctx, entry)
	if errors.Is(err, fs.ErrNotExist) {
		plain(w, http.StatusNotFound, "Not found")
		return
	}
	if err != nil {
		log.Error("Failed to open entry", zap.Error(err))
		plain(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	defer stream.Close()

	h := w.Header()
	h.Set("Content-Length", strconv.FormatInt(entry.BlobLength, 10))
	h.Set("Cache-Control", CacheControl)
	h.Set("ETag", etag)
	h.Set("Content-Type", contentType(p))
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, stream); err != nil {
		log.Warn("Response stream interrupted", zap.Error(err))
	}
}

func plain(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(code)
	io.WriteString(w, body)
}

// contentType is the bare media type for p's extension, without parameters.
func contentType(p string) string {
	if t := mime.TypeByExtension(path.Ext(p)); t != "" {
		t, _, _ = strings.Cut(t, ";")
		return strings.TrimSpace(t)
	}
	return "application/octet-stream"
}

// etagMatches applies If-None-Match weak comparison.
func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	want := strings.TrimPrefix(etag, "W/")
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" {
			return true
		}
		if strings.TrimPrefix(candidate, "W/") == want {
			return true
		}
	}
	return false
}
