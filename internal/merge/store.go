package merge

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// State is a stage of the merge state machine.
type State string

const (
	StateIdle           State = "idle"
	StateValidating     State = "validating"
	StateNormalizing    State = "normalizing"
	StateConcatAttempt  State = "concat_attempt"
	StateConcatFallback State = "concat_fallback"
	StateVerifying      State = "verifying"
	StateDone           State = "done"
	StateError          State = "error"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateDone || s == StateError
}

// Record is the persisted view of one merge job.
type Record struct {
	ID               string    `json:"id"`
	SessionID        string    `json:"session_id"`
	State            State     `json:"state"`
	Error            string    `json:"error,omitempty"`
	OutputPath       string    `json:"output,omitempty"`
	ExpectedDuration float64   `json:"expected_duration"`
	ActualDuration   float64   `json:"actual_duration"`
	SizeBytes        int64     `json:"size_bytes"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Store keeps merge job records in the merges table.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Create inserts a new job for sessionID in the idle state.
func (s *Store) Create(ctx context.Context, sessionID string) (*Record, error) {
	now := s.now().UTC()
	rec := &Record{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		State:     StateIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	ts := now.Format(timeLayout)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO merges (id, session_id, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, rec.ID, rec.SessionID, string(rec.State), ts, ts)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) SetState(ctx context.Context, id string, state State) error {
	_, err := s.db.ExecContext(ctx, `UPDATE merges SET state = ?, updated_at = ? WHERE id = ?`,
		string(state), s.now().UTC().Format(timeLayout), id)
	return err
}

func (s *Store) SetExpected(ctx context.Context, id string, seconds float64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE merges SET expected_duration = ?, updated_at = ? WHERE id = ?`,
		seconds, s.now().UTC().Format(timeLayout), id)
	return err
}

// Complete moves the job to done with its result.
func (s *Store) Complete(ctx context.Context, id, output string, duration float64, size int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE merges SET state = ?, output_path = ?, actual_duration = ?, size_bytes = ?, updated_at = ?
		WHERE id = ?
	`, string(StateDone), output, duration, size, s.now().UTC().Format(timeLayout), id)
	return err
}

// Fail moves the job to error with msg.
func (s *Store) Fail(ctx context.Context, id, msg string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE merges SET state = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(StateError), msg, s.now().UTC().Format(timeLayout), id)
	return err
}

func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, state, error, output_path, expected_duration, actual_duration,
		       size_bytes, created_at, updated_at
		FROM merges WHERE id = ?
	`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// ListBySession returns the session's jobs, newest first.
func (s *Store) ListBySession(ctx context.Context, sessionID string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, state, error, output_path, expected_duration, actual_duration,
		       size_bytes, created_at, updated_at
		FROM merges WHERE session_id = ?
		ORDER BY created_at DESC LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Latest returns the most recently created job across all sessions.
func (s *Store) Latest(ctx context.Context) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, state, error, output_path, expected_duration, actual_duration,
		       size_bytes, created_at, updated_at
		FROM merges ORDER BY created_at DESC LIMIT 1
	`)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(sc scanner) (*Record, error) {
	var rec Record
	var state, createdAt, updatedAt string
	var errMsg, output sql.NullString
	err := sc.Scan(&rec.ID, &rec.SessionID, &state, &errMsg, &output,
		&rec.ExpectedDuration, &rec.ActualDuration, &rec.SizeBytes, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	rec.State = State(state)
	rec.Error = errMsg.String
	rec.OutputPath = output.String
	rec.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	rec.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return &rec, nil
}
