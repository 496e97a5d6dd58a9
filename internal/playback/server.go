// Package playback serves completed merge outputs over HTTP with byte-range
// support so browsers and players can seek.
package playback

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/clipmerge/clipmerge/internal/session"
)

// ErrNotServable is returned for names that are not completed outputs.
var ErrNotServable = errors.New("not a merge output")

// contentType does not rely on the host's mime tables, which often lack
// video types.
func contentType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".mp4" {
		return "video/mp4"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

// Server serves output files from one directory.
type Server struct {
	dir    string
	logger *slog.Logger
}

func NewServer(dir string, logger *slog.Logger) *Server {
	return &Server{dir: dir, logger: logger}
}

// Resolve maps a bare output file name to its path. Anything other than a
// namespaced output directly inside the directory is refused.
func (s *Server) Resolve(name string) (string, error) {
	if name == "" || name != filepath.Base(name) {
		return "", ErrNotServable
	}
	if role, _, ok := session.ParseName(name); !ok || role != session.RoleOutput {
		return "", ErrNotServable
	}
	return filepath.Join(s.dir, name), nil
}

// ServeOutput writes the named output to w, honouring a Range header.
// Missing or refused files get a 404 and a nil error; the returned error is
// for failures after the response may have started.
func (s *Server) ServeOutput(w http.ResponseWriter, r *http.Request, name string) error {
	path, err := s.Resolve(name)
	if err != nil {
		http.Error(w, "file not found", http.StatusNotFound)
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			http.Error(w, "file not found", http.StatusNotFound)
			return nil
		}
		return fmt.Errorf("failed to open output: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat output: %w", err)
	}
	size := info.Size()

	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Type", contentType(path))
	h.Set("Last-Modified", info.ModTime().UTC().Format(http.TimeFormat))

	br, err := ParseRange(r.Header.Get("Range"), size)
	switch {
	case errors.Is(err, ErrUnsatisfiable):
		h.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		http.Error(w, "Range Not Satisfiable", http.StatusRequestedRangeNotSatisfiable)
		return nil
	case err != nil:
		// A malformed header is ignored and the whole file sent.
		br = nil
	}

	status, offset, length := http.StatusOK, int64(0), size
	if br != nil {
		status, offset, length = http.StatusPartialContent, br.Start, br.Length()
		h.Set("Content-Range", br.ContentRange(size))
	}
	h.Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(status)

	if r.Method == http.MethodHead {
		return nil
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek: %w", err)
	}
	if _, err := io.CopyN(w, f, length); err != nil {
		s.logger.Debug("output transfer interrupted", "file", name, "error", err)
	}
	return nil
}
