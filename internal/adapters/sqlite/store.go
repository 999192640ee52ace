// Package sqlite persists dentists, drafts and the consultation log in a
// SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dentalor/lorbot/internal/adapters/sqlite/migrations"
	"github.com/dentalor/lorbot/internal/domain"
	"github.com/dentalor/lorbot/internal/ports"
)

// Store implements ports.Store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ ports.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies
// pending migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite: database path is required")
	}
	path = filepath.Clean(path)
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create data dir: %w", err)
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// A single writer avoids SQLITE_BUSY between lanes.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// UpsertDentist creates the dentist row if needed and overwrites the
// fields set in patch.
func (s *Store) UpsertDentist(ctx context.Context, patch domain.DentistPatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert dentist: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO dentists (tg_id) VALUES (?)`, patch.ID); err != nil {
		return fmt.Errorf("upsert dentist %d: %w", patch.ID, err)
	}

	var (
		sets []string
		args []any
	)
	for _, f := range []struct {
		column string
		value  *string
	}{
		{"full_name", patch.FullName},
		{"phone", patch.Phone},
		{"workplace", patch.Workplace},
		{"tg_username", patch.Username},
	} {
		if f.value == nil {
			continue
		}
		sets = append(sets, f.column+" = ?")
		args = append(args, strings.TrimSpace(*f.value))
	}
	if len(sets) > 0 {
		args = append(args, patch.ID)
		query := "UPDATE dentists SET " + strings.Join(sets, ", ") + " WHERE tg_id = ?"
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("update dentist %d: %w", patch.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("upsert dentist %d: %w", patch.ID, err)
	}
	return nil
}

// Dentist returns the stored profile; unknown ids yield a profile with
// only the id set.
func (s *Store) Dentist(ctx context.Context, id int64) (domain.Dentist, error) {
	d := domain.Dentist{ID: id}
	err := s.db.QueryRowContext(ctx,
		`SELECT full_name, phone, workplace, tg_username FROM dentists WHERE tg_id = ?`, id,
	).Scan(&d.FullName, &d.Phone, &d.Workplace, &d.Username)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Dentist{ID: id}, nil
	}
	if err != nil {
		return domain.Dentist{}, fmt.Errorf("get dentist %d: %w", id, err)
	}
	return d, nil
}

// SaveDraft stores the dentist's draft, replacing any previous one.
func (s *Store) SaveDraft(ctx context.Context, dentistID int64, draft domain.Draft) error {
	attachments := draft.Attachments
	if attachments == nil {
		attachments = []domain.Attachment{}
	}
	raw, err := json.Marshal(attachments)
	if err != nil {
		return fmt.Errorf("encode attachments: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO consultation_drafts (dentist_tg_id, complaints, history, plan, attachments, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (dentist_tg_id) DO UPDATE SET
    complaints  = excluded.complaints,
    history     = excluded.history,
    plan        = excluded.plan,
    attachments = excluded.attachments,
    updated_at  = excluded.updated_at`,
		dentistID, draft.Complaints, draft.History, draft.PlannedWork, string(raw), s.now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save draft %d: %w", dentistID, err)
	}
	return nil
}

// LoadDraft returns the dentist's draft and whether one was saved.
func (s *Store) LoadDraft(ctx context.Context, dentistID int64) (domain.Draft, bool, error) {
	var (
		d   domain.Draft
		raw string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT complaints, history, plan, attachments FROM consultation_drafts WHERE dentist_tg_id = ?`, dentistID,
	).Scan(&d.Complaints, &d.History, &d.PlannedWork, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Draft{}, false, nil
	}
	if err != nil {
		return domain.Draft{}, false, fmt.Errorf("load draft %d: %w", dentistID, err)
	}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &d.Attachments); err != nil {
			return domain.Draft{}, false, fmt.Errorf("decode draft %d attachments: %w", dentistID, err)
		}
	}
	if len(d.Attachments) == 0 {
		d.Attachments = nil
	}
	return d, true, nil
}

// ClearDraft deletes the dentist's draft. Clearing a missing draft is not
// an error.
func (s *Store) ClearDraft(ctx context.Context, dentistID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM consultation_drafts WHERE dentist_tg_id = ?`, dentistID); err != nil {
		return fmt.Errorf("clear draft %d: %w", dentistID, err)
	}
	return nil
}

// PurgeDrafts deletes drafts last saved before cutoff and returns how many
// were removed.
func (s *Store) PurgeDrafts(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM consultation_drafts WHERE updated_at < ?`, cutoff.UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge drafts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge drafts: %w", err)
	}
	return n, nil
}

// InsertConsultation logs a consultation and returns its id.
func (s *Store) InsertConsultation(ctx context.Context, dentistID int64, status domain.ConsultationStatus) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO consultations (dentist_tg_id, status, created_at) VALUES (?, ?, ?)`,
		dentistID, string(status), s.now().UTC().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert consultation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert consultation: %w", err)
	}
	return id, nil
}

// ListConsultations returns up to limit consultations of the dentist,
// newest first.
func (s *Store) ListConsultations(ctx context.Context, dentistID int64, limit int) ([]domain.Consultation, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, dentist_tg_id, status, created_at
FROM consultations
WHERE dentist_tg_id = ?
ORDER BY id DESC
LIMIT ?`, dentistID, limit)
	if err != nil {
		return nil, fmt.Errorf("list consultations: %w", err)
	}
	defer rows.Close()

	var out []domain.Consultation
	for rows.Next() {
		c, err := scanConsultation(rows)
		if err != nil {
			return nil, fmt.Errorf("list consultations: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list consultations: %w", err)
	}
	return out, nil
}

// Consultation returns one consultation or domain.ErrNotFound.
func (s *Store) Consultation(ctx context.Context, id int64) (domain.Consultation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, dentist_tg_id, status, created_at FROM consultations WHERE id = ?`, id)
	c, err := scanConsultation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Consultation{}, fmt.Errorf("consultation %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Consultation{}, fmt.Errorf("get consultation %d: %w", id, err)
	}
	return c, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConsultation(sc scanner) (domain.Consultation, error) {
	var (
		c       domain.Consultation
		status  string
		created int64
	)
	if err := sc.Scan(&c.ID, &c.DentistID, &status, &created); err != nil {
		return domain.Consultation{}, err
	}
	c.Status = domain.ConsultationStatus(status)
	c.CreatedAt = time.UnixMilli(created).UTC()
	return c, nil
}
