package session

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/clipmerge/clipmerge/internal/db"
	"github.com/clipmerge/clipmerge/internal/logging"
)

func setupManager(t *testing.T, maxBytes int64) *Manager {
	t.Helper()

	database, err := db.New("", logging.Discard())
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	m, err := NewManager(ManagerConfig{
		Dir:      t.TempDir(),
		Registry: NewRegistry(database.Conn()),
		TTL:      time.Hour,
		MaxBytes: maxBytes,
		Logger:   logging.Discard(),
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m
}

func writeFile(t *testing.T, path string, age time.Duration) {
	t.Helper()
	if err := os.WriteFile(path, []byte("data"), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	if age > 0 {
		old := time.Now().Add(-age)
		if err := os.Chtimes(path, old, old); err != nil {
			t.Fatalf("chtimes %s: %v", path, err)
		}
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestValidID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"abc-123", true},
		{"A", true},
		{"", false},
		{"a_b", false},
		{"../etc", false},
		{"a b", false},
		{strings.Repeat("x", 65), false},
	}
	for _, tt := range tests {
		if got := ValidID(tt.id); got != tt.want {
			t.Errorf("ValidID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestParseName(t *testing.T) {
	tests := []struct {
		name    string
		role    Role
		session string
		ok      bool
	}{
		{InputName("s1", 1700000000000, ".mov"), RoleInput, "s1", true},
		{NormalizedName("s-2", 3, 1700000000001), RoleNormalized, "s-2", true},
		{ManifestName("s1", 1), RoleManifest, "s1", true},
		{OutputName("s1", 1), RoleOutput, "s1", true},
		{"/tmp/output_s1_5.mp4", RoleOutput, "s1", true},
		{"thumbnail_s1_5.jpg", "", "", false},
		{"video.mp4", "", "", false},
		{"video__5.mp4", "", "", false},
	}
	for _, tt := range tests {
		role, sid, ok := ParseName(tt.name)
		if role != tt.role || sid != tt.session || ok != tt.ok {
			t.Errorf("ParseName(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.name, role, sid, ok, tt.role, tt.session, tt.ok)
		}
	}
}

func TestStamper_StrictlyIncreasing(t *testing.T) {
	s := NewStamper()
	fixed := time.UnixMilli(1700000000000)
	s.now = func() time.Time { return fixed }

	a, b, c := s.Next(), s.Next(), s.Next()
	if !(a < b && b < c) {
		t.Errorf("stamps = %d, %d, %d; want strictly increasing", a, b, c)
	}
}

func TestRegistry_FilesAndForget(t *testing.T) {
	database, err := db.New("", logging.Discard())
	if err != nil {
		t.Fatalf("db.New() error = %v", err)
	}
	defer database.Close()
	ctx := context.Background()
	r := NewRegistry(database.Conn())

	r.AddFile(ctx, "s1", RoleInput, "/v/video_s1_2.mp4")
	r.AddFile(ctx, "s1", RoleInput, "/v/video_s1_1.mp4")
	r.AddFile(ctx, "s1", RoleOutput, "/v/output_s1_3.mp4")
	r.AddFile(ctx, "s2", RoleInput, "/v/video_s2_1.mp4")

	inputs, err := r.Files(ctx, "s1", RoleInput)
	if err != nil {
		t.Fatalf("Files() error = %v", err)
	}
	if len(inputs) != 2 || inputs[0].Path != "/v/video_s1_1.mp4" {
		t.Fatalf("Files(s1, input) = %+v, want 2 ordered by path", inputs)
	}

	all, _ := r.Files(ctx, "s1")
	if len(all) != 3 {
		t.Errorf("Files(s1) = %d files, want 3", len(all))
	}

	owner, _ := r.Owner(ctx, "/v/video_s2_1.mp4")
	if owner != "s2" {
		t.Errorf("Owner() = %q, want s2", owner)
	}

	sess, _ := r.GetSession(ctx, "s1")
	if sess == nil || sess.Files != 3 {
		t.Fatalf("GetSession(s1) = %+v, want 3 files", sess)
	}

	// Forget keeps a session that still owns files.
	r.Forget(ctx, "s1")
	if sess, _ := r.GetSession(ctx, "s1"); sess == nil {
		t.Error("session with files was forgotten")
	}

	for _, f := range all {
		r.RemoveFile(ctx, f.Path)
	}
	r.Forget(ctx, "s1")
	if sess, _ := r.GetSession(ctx, "s1"); sess != nil {
		t.Errorf("GetSession() after Forget = %+v, want nil", sess)
	}

	sessions, _ := r.Sessions(ctx)
	if len(sessions) != 1 || sessions[0].ID != "s2" {
		t.Errorf("Sessions() = %+v, want only s2", sessions)
	}
}

func TestManager_PutClip(t *testing.T) {
	m := setupManager(t, 0)
	ctx := context.Background()

	first, err := m.PutClip(ctx, "s1", "Holiday.MOV", strings.NewReader("aaaa"))
	if err != nil {
		t.Fatalf("PutClip() error = %v", err)
	}
	second, err := m.PutClip(ctx, "s1", "b.mp4", strings.NewReader("bbbb"))
	if err != nil {
		t.Fatalf("PutClip() error = %v", err)
	}

	if !strings.HasPrefix(filepath.Base(first), "video_s1_") || filepath.Ext(first) != ".mov" {
		t.Errorf("stored name = %s, want video_s1_<ts>.mov", filepath.Base(first))
	}

	clips, err := m.Clips(ctx, "s1")
	if err != nil {
		t.Fatalf("Clips() error = %v", err)
	}
	if len(clips) != 2 || clips[0] != first || clips[1] != second {
		t.Errorf("Clips() = %v, want [%s %s]", clips, first, second)
	}
}

func TestManager_PutClipRejects(t *testing.T) {
	m := setupManager(t, 4)
	ctx := context.Background()

	if _, err := m.PutClip(ctx, "bad_id", "a.mp4", strings.NewReader("a")); !errors.Is(err, ErrInvalidID) {
		t.Errorf("invalid id: error = %v, want ErrInvalidID", err)
	}
	if _, err := m.PutClip(ctx, "s1", "a.mp4", strings.NewReader("")); !errors.Is(err, ErrEmptyClip) {
		t.Errorf("empty clip: error = %v, want ErrEmptyClip", err)
	}
	if _, err := m.PutClip(ctx, "s1", "a.mp4", strings.NewReader("12345")); !errors.Is(err, ErrClipTooBig) {
		t.Errorf("oversized clip: error = %v, want ErrClipTooBig", err)
	}

	entries, _ := os.ReadDir(m.Dir())
	if len(entries) != 0 {
		t.Errorf("rejected uploads left %d files behind", len(entries))
	}
}

func TestManager_BeginEnd(t *testing.T) {
	m := setupManager(t, 0)

	if !m.Begin("s1") {
		t.Fatal("first Begin() = false")
	}
	if m.Begin("s1") {
		t.Error("second Begin() = true while in flight")
	}
	if !m.Begin("s2") {
		t.Error("Begin() on another session = false")
	}
	if m.ActiveMerges() != 2 {
		t.Errorf("ActiveMerges() = %d, want 2", m.ActiveMerges())
	}
	m.End("s1")
	if m.InFlight("s1") || !m.Begin("s1") {
		t.Error("session not released by End()")
	}
}

func TestManager_CleanupSession(t *testing.T) {
	m := setupManager(t, 0)
	ctx := context.Background()

	clip, _ := m.PutClip(ctx, "s1", "a.mp4", strings.NewReader("a"))
	norm := m.Path(NormalizedName("s1", 0, m.NewStamp()))
	writeFile(t, norm, 0)
	m.Track(ctx, "s1", RoleNormalized, norm)

	// Left by an earlier process, never registered.
	stray := m.Path(ManifestName("s1", 1))
	writeFile(t, stray, 0)

	out := m.Path(OutputName("s1", m.NewStamp()))
	writeFile(t, out, 0)
	m.Track(ctx, "s1", RoleOutput, out)

	other := m.Path(InputName("s2", 1, ".mp4"))
	writeFile(t, other, 0)

	if err := m.CleanupSession(ctx, "s1"); err != nil {
		t.Fatalf("CleanupSession() error = %v", err)
	}
	for _, p := range []string{clip, norm, stray} {
		if exists(p) {
			t.Errorf("%s still exists after cleanup", filepath.Base(p))
		}
	}
	if !exists(out) {
		t.Error("output was removed by session cleanup")
	}
	if !exists(other) {
		t.Error("another session's file was removed")
	}

	if err := m.CleanupSession(ctx, "s1"); err != nil {
		t.Errorf("second CleanupSession() error = %v", err)
	}
}

func TestManager_RemoveOutputsExcept(t *testing.T) {
	m := setupManager(t, 0)
	ctx := context.Background()

	old := m.Path(OutputName("s1", 1))
	keep := m.Path(OutputName("s1", 2))
	foreign := m.Path(OutputName("s2", 1))
	for _, p := range []string{old, keep, foreign} {
		writeFile(t, p, 0)
	}

	n, err := m.RemoveOutputsExcept(ctx, "s1", keep)
	if err != nil {
		t.Fatalf("RemoveOutputsExcept() error = %v", err)
	}
	if n != 1 || exists(old) {
		t.Errorf("removed = %d, old exists = %v; want 1, false", n, exists(old))
	}
	if !exists(keep) || !exists(foreign) {
		t.Error("kept output or foreign output was removed")
	}
}

func TestManager_CleanupExpired(t *testing.T) {
	m := setupManager(t, 0)
	ctx := context.Background()

	staleInput := m.Path(InputName("s1", 1, ".mp4"))
	freshInput := m.Path(InputName("s1", 2, ".mp4"))
	staleOutput := m.Path(OutputName("s1", 3))
	staleBusy := m.Path(NormalizedName("busy", 0, 4))
	staleOther := m.Path("leftover.tmp")

	writeFile(t, staleInput, 3*time.Hour)
	writeFile(t, freshInput, 0)
	writeFile(t, staleOutput, 3*time.Hour)
	writeFile(t, staleBusy, 3*time.Hour)
	writeFile(t, staleOther, 3*time.Hour)
	os.Mkdir(m.Path("subdir"), 0755)

	m.Begin("busy")
	defer m.End("busy")

	n, err := m.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired() error = %v", err)
	}
	if n != 2 {
		t.Errorf("removed = %d, want 2", n)
	}
	if exists(staleInput) || exists(staleOther) {
		t.Error("expired files were kept")
	}
	if !exists(freshInput) || !exists(staleOutput) || !exists(staleBusy) {
		t.Error("fresh, output or in-flight file was removed")
	}
	if !exists(m.Path("subdir")) {
		t.Error("directory was removed")
	}
}

func TestManager_CleanupExpiredSkipsMergeStartedMidSweep(t *testing.T) {
	m := setupManager(t, 0)
	stale := m.Path(InputName("s1", 1, ".mp4"))
	writeFile(t, stale, 3*time.Hour)

	m.sweepHook = func(name string) { m.Begin("s1") }
	defer m.End("s1")

	n, err := m.CleanupExpired(context.Background())
	if err != nil {
		t.Fatalf("CleanupExpired() error = %v", err)
	}
	if n != 0 {
		t.Errorf("removed = %d, want 0", n)
	}
	if !exists(stale) {
		t.Error("clip of a merging session was removed")
	}
}

// beginOnEOF starts a merge for sid once the upload body is fully read.
type beginOnEOF struct {
	r   io.Reader
	m   *Manager
	sid string
}

func (b *beginOnEOF) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err == io.EOF {
		b.m.Begin(b.sid)
	}
	return n, err
}

func TestManager_PutClipRejectsBusySession(t *testing.T) {
	ctx := context.Background()

	t.Run("busy before upload", func(t *testing.T) {
		m := setupManager(t, 0)
		m.Begin("s1")
		defer m.End("s1")

		_, err := m.PutClip(ctx, "s1", "a.mp4", strings.NewReader("data"))
		if !errors.Is(err, ErrSessionBusy) {
			t.Fatalf("PutClip() error = %v, want ErrSessionBusy", err)
		}
		if entries, _ := os.ReadDir(m.Dir()); len(entries) != 0 {
			t.Errorf("files left: %d", len(entries))
		}
	})

	t.Run("merge starts during upload", func(t *testing.T) {
		m := setupManager(t, 0)
		defer m.End("s1")

		_, err := m.PutClip(ctx, "s1", "a.mp4", &beginOnEOF{r: strings.NewReader("data"), m: m, sid: "s1"})
		if !errors.Is(err, ErrSessionBusy) {
			t.Fatalf("PutClip() error = %v, want ErrSessionBusy", err)
		}
		if entries, _ := os.ReadDir(m.Dir()); len(entries) != 0 {
			t.Errorf("files left: %d", len(entries))
		}
		clips, err := m.Clips(ctx, "s1")
		if err != nil {
			t.Fatalf("Clips() error = %v", err)
		}
		if len(clips) != 0 {
			t.Errorf("clips = %v, want none registered", clips)
		}
	})
}

func TestManager_Recover(t *testing.T) {
	m := setupManager(t, 0)
	ctx := context.Background()

	writeFile(t, m.Path(InputName("s1", 1, ".mp4")), 0)
	writeFile(t, m.Path(OutputName("s1", 2)), 0)
	writeFile(t, m.Path(InputName("s1", 3, ".mp4")+".part"), 0)
	writeFile(t, m.Path("notes.txt"), 0)

	n, err := m.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Recover() = %d, want 2", n)
	}
	clips, _ := m.Clips(ctx, "s1")
	if len(clips) != 1 {
		t.Errorf("Clips() after recover = %v, want 1", clips)
	}

	if n, _ := m.Recover(ctx); n != 0 {
		t.Errorf("second Recover() = %d, want 0", n)
	}
}

func TestJanitor_StartSweepsAndStops(t *testing.T) {
	m := setupManager(t, 0)
	stale := m.Path(InputName("s1", 1, ".mp4"))
	writeFile(t, stale, 3*time.Hour)

	j := NewJanitor(m, time.Hour, logging.Discard())
	j.Start(context.Background())
	if !j.IsRunning() {
		t.Error("IsRunning() = false after Start")
	}
	if exists(stale) {
		t.Error("Start() did not run an initial sweep")
	}

	j.Stop()
	if j.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
	sweeps, removed := j.Stats()
	if sweeps != 1 || removed != 1 {
		t.Errorf("Stats() = (%d, %d), want (1, 1)", sweeps, removed)
	}
}
