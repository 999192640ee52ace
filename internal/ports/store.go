package ports

import (
	"context"

	"github.com/dentalor/lorbot/internal/domain"
)

// Store persists consultation data.
type Store interface {
	// UpsertDentist creates the dentist or updates the non-nil fields.
	UpsertDentist(ctx context.Context, patch domain.DentistPatch) error

	// Dentist returns the profile, or a profile holding only the id when
	// the dentist is unknown.
	Dentist(ctx context.Context, id int64) (domain.Dentist, error)

	SaveDraft(ctx context.Context, dentistID int64, draft domain.Draft) error

	// LoadDraft returns the saved draft and whether one exists.
	LoadDraft(ctx context.Context, dentistID int64) (domain.Draft, bool, error)

	ClearDraft(ctx context.Context, dentistID int64) error

	InsertConsultation(ctx context.Context, dentistID int64, status domain.ConsultationStatus) (int64, error)

	// ListConsultations returns the dentist's consultations, newest first.
	ListConsultations(ctx context.Context, dentistID int64, limit int) ([]domain.Consultation, error)

	// Consultation returns one consultation or domain.ErrNotFound.
	Consultation(ctx context.Context, id int64) (domain.Consultation, error)
}
