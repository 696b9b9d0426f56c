package diagnosis

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS diagnosis_sessions (
	id                  TEXT PRIMARY KEY,
	patient_id          TEXT NOT NULL,
	region              TEXT NOT NULL,
	status              TEXT NOT NULL DEFAULT 'provisional',
	responses           TEXT NOT NULL DEFAULT '{}',
	red_flags           TEXT NOT NULL DEFAULT '[]',
	ai_analysis         TEXT NOT NULL,
	guided_test_results TEXT,
	version             INTEGER NOT NULL DEFAULT 1,
	created_at          TEXT NOT NULL,
	updated_at          TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_diagnosis_sessions_patient
	ON diagnosis_sessions (patient_id, created_at DESC);
`

// Fixed-width so timestamps sort as text.
const sqliteTime = "2006-01-02T15:04:05.000000000Z07:00"

type sessionRepoSQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewSessionRepoSQLite creates the session table if needed. db should come
// from db.OpenSQLite.
func NewSessionRepoSQLite(ctx context.Context, db *sql.DB) (Repository, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return &sessionRepoSQLite{db: db, now: time.Now}, nil
}

func (r *sessionRepoSQLite) stamp() (time.Time, string) {
	t := r.now().UTC()
	return t, t.Format(sqliteTime)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *sessionRepoSQLite) scanSession(row rowScanner) (*Session, error) {
	var (
		s                Session
		d                documents
		id, status       string
		guided           sql.NullString
		created, updated string
		responses, flags string
		analysis         string
	)
	err := row.Scan(&id, &s.PatientID, &s.Region, &status, &responses, &flags, &analysis,
		&guided, &s.Version, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if s.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("session id %q: %w", id, err)
	}
	s.Status = Status(status)
	if s.CreatedAt, err = time.Parse(sqliteTime, created); err != nil {
		return nil, fmt.Errorf("session %s created_at: %w", id, err)
	}
	if s.UpdatedAt, err = time.Parse(sqliteTime, updated); err != nil {
		return nil, fmt.Errorf("session %s updated_at: %w", id, err)
	}
	d.responses, d.redFlags, d.analysis = []byte(responses), []byte(flags), []byte(analysis)
	if guided.Valid {
		d.guided = []byte(guided.String)
	}
	if err := d.decodeInto(&s); err != nil {
		return nil, fmt.Errorf("session %s: %w", id, err)
	}
	return &s, nil
}

func nullable(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func (r *sessionRepoSQLite) Create(ctx context.Context, s *Session) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	d, err := encodeDocuments(s)
	if err != nil {
		return err
	}
	now, ts := r.stamp()
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO diagnosis_sessions (id, patient_id, region, status, responses, red_flags,
			ai_analysis, guided_test_results, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		s.ID.String(), s.PatientID, s.Region, string(s.Status),
		string(d.responses), string(d.redFlags), string(d.analysis), nullable(d.guided), ts, ts)
	if err != nil {
		return err
	}
	s.Version = 1
	s.CreatedAt, s.UpdatedAt = now, now
	return nil
}

func (r *sessionRepoSQLite) GetByID(ctx context.Context, id uuid.UUID) (*Session, error) {
	return r.scanSession(r.db.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM diagnosis_sessions WHERE id = ?`, id.String()))
}

func (r *sessionRepoSQLite) Update(ctx context.Context, s *Session, expectedVersion int) error {
	d, err := encodeDocuments(s)
	if err != nil {
		return err
	}
	now, ts := r.stamp()
	res, err := r.db.ExecContext(ctx, `
		UPDATE diagnosis_sessions SET status = ?, responses = ?, red_flags = ?, ai_analysis = ?,
			guided_test_results = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		string(s.Status), string(d.responses), string(d.redFlags), string(d.analysis),
		nullable(d.guided), ts, s.ID.String(), expectedVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		s.Version = expectedVersion + 1
		s.UpdatedAt = now
		return nil
	}

	var exists int
	err = r.db.QueryRowContext(ctx, `SELECT 1 FROM diagnosis_sessions WHERE id = ?`, s.ID.String()).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSessionNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: session %s is no longer at version %d", ErrVersionConflict, s.ID, expectedVersion)
}

func (r *sessionRepoSQLite) List(ctx context.Context, limit, offset int) ([]*Session, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM diagnosis_sessions`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+sessionCols+` FROM diagnosis_sessions
		ORDER BY created_at DESC, id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return r.collect(rows, total)
}

func (r *sessionRepoSQLite) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Session, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM diagnosis_sessions WHERE patient_id = ?`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+sessionCols+` FROM diagnosis_sessions
		WHERE patient_id = ? ORDER BY created_at DESC, id LIMIT ? OFFSET ?`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return r.collect(rows, total)
}

func (r *sessionRepoSQLite) collect(rows *sql.Rows, total int) ([]*Session, int, error) {
	var items []*Session
	for rows.Next() {
		s, err := r.scanSession(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, s)
	}
	return items, total, rows.Err()
}
