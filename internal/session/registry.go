package session

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// File is one registered file of a session.
type File struct {
	Path      string    `json:"path"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is the registry view of one session.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	TouchedAt time.Time `json:"touched_at"`
	Files     int       `json:"files"`
}

// Registry maps session ids to the files they own.
type Registry interface {
	Touch(ctx context.Context, sessionID string) error
	AddFile(ctx context.Context, sessionID string, role Role, path string) error
	Files(ctx context.Context, sessionID string, roles ...Role) ([]File, error)
	Owner(ctx context.Context, path string) (string, error)
	RemoveFile(ctx context.Context, path string) error
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	Sessions(ctx context.Context) ([]*Session, error)
	Forget(ctx context.Context, sessionID string) error
}

type SQLiteRegistry struct {
	db  *sql.DB
	now func() time.Time
}

func NewRegistry(db *sql.DB) *SQLiteRegistry {
	return &SQLiteRegistry{db: db, now: time.Now}
}

// Touch creates the session on first use and refreshes its activity time.
func (r *SQLiteRegistry) Touch(ctx context.Context, sessionID string) error {
	now := r.now().UTC().Format(timeLayout)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, created_at, touched_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET touched_at = excluded.touched_at
	`, sessionID, now, now)
	return err
}

func (r *SQLiteRegistry) AddFile(ctx context.Context, sessionID string, role Role, path string) error {
	if err := r.Touch(ctx, sessionID); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO session_files (path, session_id, role, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET session_id = excluded.session_id, role = excluded.role
	`, path, sessionID, string(role), r.now().UTC().Format(timeLayout))
	return err
}

// Files returns a session's files ordered by path. With no roles given,
// every role is returned.
func (r *SQLiteRegistry) Files(ctx context.Context, sessionID string, roles ...Role) ([]File, error) {
	query := `SELECT path, session_id, role, created_at FROM session_files WHERE session_id = ?`
	args := []interface{}{sessionID}
	if len(roles) > 0 {
		query += ` AND role IN (?` + strings.Repeat(",?", len(roles)-1) + `)`
		for _, role := range roles {
			args = append(args, string(role))
		}
	}
	query += ` ORDER BY path`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []File
	for rows.Next() {
		var f File
		var role, createdAt string
		if err := rows.Scan(&f.Path, &f.SessionID, &role, &createdAt); err != nil {
			return nil, err
		}
		f.Role = Role(role)
		f.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		files = append(files, f)
	}
	return files, rows.Err()
}

// Owner returns the session a path is registered to, or "" if none.
func (r *SQLiteRegistry) Owner(ctx context.Context, path string) (string, error) {
	var sessionID string
	err := r.db.QueryRowContext(ctx, `SELECT session_id FROM session_files WHERE path = ?`, path).Scan(&sessionID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return sessionID, err
}

func (r *SQLiteRegistry) RemoveFile(ctx context.Context, path string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM session_files WHERE path = ?`, path)
	return err
}

func (r *SQLiteRegistry) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT s.id, s.created_at, s.touched_at, COUNT(f.path)
		FROM sessions s LEFT JOIN session_files f ON f.session_id = s.id
		WHERE s.id = ?
		GROUP BY s.id
	`, sessionID)

	var s Session
	var createdAt, touchedAt string
	err := row.Scan(&s.ID, &createdAt, &touchedAt, &s.Files)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	s.TouchedAt, _ = time.Parse(timeLayout, touchedAt)
	return &s, nil
}

func (r *SQLiteRegistry) Sessions(ctx context.Context) ([]*Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT s.id, s.created_at, s.touched_at, COUNT(f.path)
		FROM sessions s LEFT JOIN session_files f ON f.session_id = s.id
		GROUP BY s.id
		ORDER BY s.touched_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var s Session
		var createdAt, touchedAt string
		if err := rows.Scan(&s.ID, &createdAt, &touchedAt, &s.Files); err != nil {
			return nil, err
		}
		s.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		s.TouchedAt, _ = time.Parse(timeLayout, touchedAt)
		sessions = append(sessions, &s)
	}
	return sessions, rows.Err()
}

// Forget drops the session row once it owns no files. Sessions that still
// own files (typically a completed output) are kept.
func (r *SQLiteRegistry) Forget(ctx context.Context, sessionID string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM sessions WHERE id = ?
		AND NOT EXISTS (SELECT 1 FROM session_files WHERE session_id = ?)
	`, sessionID, sessionID)
	return err
}
