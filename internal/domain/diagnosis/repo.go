package diagnosis

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists sessions. Update is a conditional write: it succeeds
// only while the stored version equals expectedVersion, and on success sets
// s.Version to the new value.
type Repository interface {
	Create(ctx context.Context, s *Session) error
	GetByID(ctx context.Context, id uuid.UUID) (*Session, error)
	ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Session, int, error)
	List(ctx context.Context, limit, offset int) ([]*Session, int, error)
	Update(ctx context.Context, s *Session, expectedVersion int) error
}
