package playback

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/clipmerge/clipmerge/internal/logging"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	content := []byte("0123456789abcdefghij")
	for _, name := range []string{"output_s1_1.mp4", "video_s1_1.mp4"} {
		if err := os.WriteFile(filepath.Join(dir, name), content, 0644); err != nil {
			t.Fatal(err)
		}
	}
	return NewServer(dir, logging.Discard())
}

func TestServeOutput_Full(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/videos/output_s1_1.mp4", nil)

	if err := s.ServeOutput(rec, req, "output_s1_1.mp4"); err != nil {
		t.Fatalf("ServeOutput() error = %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "0123456789abcdefghij" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "video/mp4" {
		t.Errorf("Content-Type = %q, want video/mp4", rec.Header().Get("Content-Type"))
	}
	if rec.Header().Get("Accept-Ranges") != "bytes" {
		t.Error("Accept-Ranges header missing")
	}
}

func TestServeOutput_Range(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/videos/output_s1_1.mp4", nil)
	req.Header.Set("Range", "bytes=10-14")

	s.ServeOutput(rec, req, "output_s1_1.mp4")
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", rec.Code)
	}
	if rec.Body.String() != "abcde" {
		t.Errorf("body = %q, want abcde", rec.Body.String())
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 10-14/20" {
		t.Errorf("Content-Range = %q", got)
	}
	if got := rec.Header().Get("Content-Length"); got != "5" {
		t.Errorf("Content-Length = %q", got)
	}
}

func TestServeOutput_Unsatisfiable(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/videos/output_s1_1.mp4", nil)
	req.Header.Set("Range", "bytes=50-")

	s.ServeOutput(rec, req, "output_s1_1.mp4")
	if rec.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Errorf("status = %d, want 416", rec.Code)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes */20" {
		t.Errorf("Content-Range = %q", got)
	}
}

func TestServeOutput_Head(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodHead, "/videos/output_s1_1.mp4", nil)

	s.ServeOutput(rec, req, "output_s1_1.mp4")
	if rec.Code != http.StatusOK || rec.Body.Len() != 0 {
		t.Errorf("status = %d, body = %d bytes; want 200 and no body", rec.Code, rec.Body.Len())
	}
	if rec.Header().Get("Content-Length") != "20" {
		t.Errorf("Content-Length = %q", rec.Header().Get("Content-Length"))
	}
}

func TestServeOutput_RefusesNonOutputs(t *testing.T) {
	s := newTestServer(t)
	for _, name := range []string{
		"video_s1_1.mp4",
		"../output_s1_1.mp4",
		"output_s1_2.mp4",
		"",
	} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/videos/x", nil)
		if err := s.ServeOutput(rec, req, name); err != nil {
			t.Errorf("ServeOutput(%q) error = %v", name, err)
		}
		if rec.Code != http.StatusNotFound {
			t.Errorf("ServeOutput(%q) status = %d, want 404", name, rec.Code)
		}
	}
}
