package diagnosis

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/samkiell/CDSS-sub001/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type sessionRepoPG struct{ pool *pgxpool.Pool }

func NewSessionRepoPG(pool *pgxpool.Pool) Repository { return &sessionRepoPG{pool: pool} }

func (r *sessionRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const sessionCols = `id, patient_id, region, status, responses, red_flags, ai_analysis,
	guided_test_results, version, created_at, updated_at`

func (r *sessionRepoPG) scanSession(row pgx.Row) (*Session, error) {
	var s Session
	var d documents
	err := row.Scan(&s.ID, &s.PatientID, &s.Region, &s.Status,
		&d.responses, &d.redFlags, &d.analysis, &d.guided,
		&s.Version, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := d.decodeInto(&s); err != nil {
		return nil, fmt.Errorf("session %s: %w", s.ID, err)
	}
	return &s, nil
}

func (r *sessionRepoPG) Create(ctx context.Context, s *Session) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	d, err := encodeDocuments(s)
	if err != nil {
		return err
	}
	s.Version = 1
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO diagnosis_sessions (id, patient_id, region, status, responses, red_flags,
			ai_analysis, guided_test_results, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`,
		s.ID, s.PatientID, s.Region, s.Status, d.responses, d.redFlags, d.analysis, d.guided, s.Version,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
}

func (r *sessionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Session, error) {
	return r.scanSession(r.conn(ctx).QueryRow(ctx,
		`SELECT `+sessionCols+` FROM diagnosis_sessions WHERE id = $1`, id))
}

// Update runs the conditional write and, when it matches nothing, the
// existence check in one transaction so the two reads agree.
func (r *sessionRepoPG) Update(ctx context.Context, s *Session, expectedVersion int) error {
	d, err := encodeDocuments(s)
	if err != nil {
		return err
	}
	return db.RunInTx(ctx, r.pool, func(ctx context.Context) error {
		err := r.conn(ctx).QueryRow(ctx, `
			UPDATE diagnosis_sessions SET status = $3, responses = $4, red_flags = $5,
				ai_analysis = $6, guided_test_results = $7, version = version + 1, updated_at = NOW()
			WHERE id = $1 AND version = $2
			RETURNING version, updated_at`,
			s.ID, expectedVersion, s.Status, d.responses, d.redFlags, d.analysis, d.guided,
		).Scan(&s.Version, &s.UpdatedAt)
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}

		var exists bool
		if err := r.conn(ctx).QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM diagnosis_sessions WHERE id = $1)`, s.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrSessionNotFound
		}
		return fmt.Errorf("%w: session %s is no longer at version %d", ErrVersionConflict, s.ID, expectedVersion)
	})
}

func (r *sessionRepoPG) List(ctx context.Context, limit, offset int) ([]*Session, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM diagnosis_sessions`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+sessionCols+` FROM diagnosis_sessions
		ORDER BY created_at DESC, id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return r.collect(rows, total)
}

func (r *sessionRepoPG) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Session, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM diagnosis_sessions WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+sessionCols+` FROM diagnosis_sessions
		WHERE patient_id = $1 ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return r.collect(rows, total)
}

func (r *sessionRepoPG) collect(rows pgx.Rows, total int) ([]*Session, int, error) {
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
