package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/luccadibe/wpfleet/internal/models"
	"github.com/luccadibe/wpfleet/internal/version"
)

const uploadColumns = `id, kind, slug, version, title, archive_path, is_latest, uploaded_at`

// CreateUpload records a new uploaded version and re-elects the latest version
// of (kind, slug) in the same transaction. A version that already exists
// returns ErrDuplicate.
func (s *Store) CreateUpload(ctx context.Context, up models.UploadedPackage) (models.UploadedPackage, error) {
	if up.Slug == "" || up.Version == "" {
		return models.UploadedPackage{}, errors.New("upload slug and version are required")
	}
	if up.UploadedAt.IsZero() {
		up.UploadedAt = time.Now().UTC()
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var existing int64
		err := tx.QueryRowContext(ctx, `SELECT id FROM uploaded_packages WHERE kind = ? AND slug = ? AND version = ?`,
			string(up.Kind), up.Slug, up.Version).Scan(&existing)
		if err == nil {
			return fmt.Errorf("%s %s %s: %w", up.Kind, up.Slug, up.Version, ErrDuplicate)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("find upload: %w", err)
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO uploaded_packages (kind, slug, version, title, archive_path, is_latest, uploaded_at)
			VALUES (?, ?, ?, ?, ?, 0, ?)`,
			string(up.Kind), up.Slug, up.Version, up.Title, up.ArchivePath, formatTime(up.UploadedAt))
		if err != nil {
			return fmt.Errorf("insert upload: %w", err)
		}
		if up.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("upload id: %w", err)
		}
		return electLatest(ctx, tx, up.Kind, up.Slug)
	})
	if err != nil {
		return models.UploadedPackage{}, err
	}
	return s.GetUpload(ctx, up.ID)
}

// GetUpload returns an uploaded version by id or ErrNotFound.
func (s *Store) GetUpload(ctx context.Context, id int64) (models.UploadedPackage, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+uploadColumns+` FROM uploaded_packages WHERE id = ?`, id)
	up, err := scanUpload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.UploadedPackage{}, fmt.Errorf("upload %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.UploadedPackage{}, fmt.Errorf("get upload %d: %w", id, err)
	}
	return up, nil
}

// LatestUpload returns the uploaded version of (kind, slug) flagged as latest, or ErrNotFound.
func (s *Store) LatestUpload(ctx context.Context, kind models.Kind, slug string) (models.UploadedPackage, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+uploadColumns+` FROM uploaded_packages
		WHERE kind = ? AND slug = ? AND is_latest = 1`, string(kind), slug)
	up, err := scanUpload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.UploadedPackage{}, fmt.Errorf("uploaded %s %s: %w", kind, slug, ErrNotFound)
	}
	if err != nil {
		return models.UploadedPackage{}, fmt.Errorf("latest upload %s %s: %w", kind, slug, err)
	}
	return up, nil
}

// ListUploads returns every uploaded version of kind; an empty kind lists both kinds.
func (s *Store) ListUploads(ctx context.Context, kind models.Kind) ([]models.UploadedPackage, error) {
	query := `SELECT ` + uploadColumns + ` FROM uploaded_packages`
	var args []any
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY kind, slug, id`
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}
	defer rows.Close()
	var out []models.UploadedPackage
	for rows.Next() {
		up, err := scanUpload(rows)
		if err != nil {
			return nil, fmt.Errorf("scan upload: %w", err)
		}
		out = append(out, up)
	}
	return out, rows.Err()
}

// DeleteUpload removes one uploaded version and re-elects the latest of the
// remaining versions. It returns the removed row so callers can drop the archive.
func (s *Store) DeleteUpload(ctx context.Context, id int64) (models.UploadedPackage, error) {
	up, err := s.GetUpload(ctx, id)
	if err != nil {
		return models.UploadedPackage{}, err
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM uploaded_packages WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete upload %d: %w", id, err)
		}
		return electLatest(ctx, tx, up.Kind, up.Slug)
	})
	if err != nil {
		return models.UploadedPackage{}, err
	}
	return up, nil
}

// electLatest unsets the latest flag of (kind, slug) and sets it on the
// highest version left.
func electLatest(ctx context.Context, tx *sql.Tx, kind models.Kind, slug string) error {
	rows, err := tx.QueryContext(ctx, `SELECT id, version FROM uploaded_packages WHERE kind = ? AND slug = ?`,
		string(kind), slug)
	if err != nil {
		return fmt.Errorf("list versions of %s: %w", slug, err)
	}
	var (
		bestID      int64
		bestVersion string
	)
	for rows.Next() {
		var (
			id int64
			v  string
		)
		if err := rows.Scan(&id, &v); err != nil {
			rows.Close()
			return fmt.Errorf("scan version of %s: %w", slug, err)
		}
		if bestID == 0 || version.Compare(v, bestVersion) > 0 {
			bestID, bestVersion = id, v
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE uploaded_packages SET is_latest = 0 WHERE kind = ? AND slug = ? AND is_latest = 1`,
		string(kind), slug); err != nil {
		return fmt.Errorf("unset latest %s: %w", slug, err)
	}
	if bestID == 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE uploaded_packages SET is_latest = 1 WHERE id = ?`, bestID); err != nil {
		return fmt.Errorf("set latest %s: %w", slug, err)
	}
	return nil
}

func scanUpload(row rowScanner) (models.UploadedPackage, error) {
	var (
		up               models.UploadedPackage
		kind, uploadedAt string
		latest           int
	)
	err := row.Scan(&up.ID, &kind, &up.Slug, &up.Version, &up.Title, &up.ArchivePath, &latest, &uploadedAt)
	if err != nil {
		return models.UploadedPackage{}, err
	}
	up.Kind = models.Kind(kind)
	up.IsLatest = latest != 0
	up.UploadedAt = parseTime(uploadedAt)
	return up, nil
}
