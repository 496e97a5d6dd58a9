package db

import (
	"path/filepath"
	"testing"
)

func TestNew_CreatesDatabase(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	database, err := New(dbPath, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer database.Close()

	tables := []string{"sessions", "session_files", "merges", "_migrations"}
	for _, table := range tables {
		var name string
		err := database.Conn().QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}
}

func TestNew_InMemoryByDefault(t *testing.T) {
	database, err := New("", nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer database.Close()

	if _, err := database.Conn().Exec(
		`INSERT INTO sessions (id, created_at, touched_at) VALUES ('s1', datetime('now'), datetime('now'))`,
	); err != nil {
		t.Fatalf("insert error = %v", err)
	}

	var count int
	if err := database.Conn().QueryRow("SELECT COUNT(*) FROM sessions").Scan(&count); err != nil {
		t.Fatalf("count error = %v", err)
	}
	if count != 1 {
		t.Errorf("sessions count = %d, want 1", count)
	}
}

func TestNew_MigrationsIdempotent(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db1, err := New(dbPath, nil)
	if err != nil {
		t.Fatalf("first New() error = %v", err)
	}
	db1.Close()

	db2, err := New(dbPath, nil)
	if err != nil {
		t.Fatalf("second New() error = %v", err)
	}
	defer db2.Close()

	var count int
	err = db2.Conn().QueryRow("SELECT COUNT(*) FROM _migrations").Scan(&count)
	if err != nil {
		t.Fatalf("count migrations error = %v", err)
	}

	if count != 2 {
		t.Errorf("migration count = %d, want 2", count)
	}
}

func TestMarkInterruptedMerges(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db1, err := New(dbPath, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	_, err = db1.Conn().Exec(`INSERT INTO merges (id, session_id, state, created_at, updated_at)
		VALUES ('m1', 's1', 'concat_attempt', datetime('now'), datetime('now')),
		       ('m2', 's1', 'done', datetime('now'), datetime('now'))`)
	if err != nil {
		t.Fatalf("insert error = %v", err)
	}
	db1.Close()

	db2, err := New(dbPath, nil)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer db2.Close()

	var state, msg string
	if err := db2.Conn().QueryRow("SELECT state, error FROM merges WHERE id = 'm1'").Scan(&state, &msg); err != nil {
		t.Fatalf("query error = %v", err)
	}
	if state != "error" || msg != "interrupted by restart" {
		t.Errorf("m1 = (%s, %s), want (error, interrupted by restart)", state, msg)
	}

	if err := db2.Conn().QueryRow("SELECT state FROM merges WHERE id = 'm2'").Scan(&state); err != nil {
		t.Fatalf("query error = %v", err)
	}
	if state != "done" {
		t.Errorf("m2 state = %s, want done", state)
	}
}
