package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/luccadibe/wpfleet/internal/models"
)

const packageColumns = `installation_id, kind, slug, name, title, version, enabled, auto_update,
	source, latest_version, main_file_path, is_active_child, updated_at`

// ReplacePackages deletes every record of kind for the installation and
// inserts pkgs in their place, in one transaction.
func (s *Store) ReplacePackages(ctx context.Context, installationID string, kind models.Kind, pkgs []models.Package) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM packages WHERE installation_id = ? AND kind = ?`,
			installationID, string(kind)); err != nil {
			return fmt.Errorf("clear %ss: %w", kind, err)
		}
		now := time.Now()
		for _, pkg := range pkgs {
			pkg.InstallationID = installationID
			pkg.Kind = kind
			if err := insertPackage(ctx, tx, pkg, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpsertPackage writes one package record.
func (s *Store) UpsertPackage(ctx context.Context, pkg models.Package) error {
	if pkg.InstallationID == "" || pkg.Slug == "" {
		return errors.New("package installation_id and slug are required")
	}
	return insertPackage(ctx, s.DB, pkg, time.Now())
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertPackage(ctx context.Context, db execer, pkg models.Package, now time.Time) error {
	source := pkg.Source
	if source == "" {
		source = models.SourceUnknown
	}
	_, err := db.ExecContext(ctx, `INSERT INTO packages (`+packageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(installation_id, kind, slug) DO UPDATE SET
			name = excluded.name,
			title = excluded.title,
			version = excluded.version,
			enabled = excluded.enabled,
			auto_update = excluded.auto_update,
			source = excluded.source,
			latest_version = excluded.latest_version,
			main_file_path = excluded.main_file_path,
			is_active_child = excluded.is_active_child,
			updated_at = excluded.updated_at`,
		pkg.InstallationID, string(pkg.Kind), pkg.Slug, pkg.Name, pkg.Title, pkg.Version,
		boolToInt(pkg.Enabled), boolToInt(pkg.AutoUpdate), string(source),
		nullIfEmpty(pkg.LatestVersion), nullIfEmpty(pkg.MainFilePath), boolToInt(pkg.IsActiveChild),
		formatTime(now))
	if err != nil {
		return fmt.Errorf("write %s %s: %w", pkg.Kind, pkg.Slug, err)
	}
	return nil
}

// GetPackage returns one package record or ErrNotFound.
func (s *Store) GetPackage(ctx context.Context, installationID string, kind models.Kind, slug string) (models.Package, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+packageColumns+` FROM packages
		WHERE installation_id = ? AND kind = ? AND slug = ?`, installationID, string(kind), slug)
	pkg, err := scanPackage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Package{}, fmt.Errorf("%s %s: %w", kind, slug, ErrNotFound)
	}
	if err != nil {
		return models.Package{}, fmt.Errorf("get %s %s: %w", kind, slug, err)
	}
	return pkg, nil
}

// DeletePackage removes one package record. Removing an absent record is not an error.
func (s *Store) DeletePackage(ctx context.Context, installationID string, kind models.Kind, slug string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM packages WHERE installation_id = ? AND kind = ? AND slug = ?`,
		installationID, string(kind), slug)
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", kind, slug, err)
	}
	return nil
}

// ListPackages returns the records of kind for one installation ordered by slug.
func (s *Store) ListPackages(ctx context.Context, installationID string, kind models.Kind) ([]models.Package, error) {
	return s.queryPackages(ctx, `SELECT `+packageColumns+` FROM packages
		WHERE installation_id = ? AND kind = ? ORDER BY slug`, installationID, string(kind))
}

// ListPackagesByKind returns the records of kind across every installation.
func (s *Store) ListPackagesByKind(ctx context.Context, kind models.Kind) ([]models.Package, error) {
	return s.queryPackages(ctx, `SELECT `+packageColumns+` FROM packages
		WHERE kind = ? ORDER BY slug, installation_id`, string(kind))
}

// SetPackageSource stamps the source and, when latest is not empty, the
// latest known version on every record of (kind, slug).
func (s *Store) SetPackageSource(ctx context.Context, kind models.Kind, slug string, source models.Source, latest string) error {
	var err error
	if latest != "" {
		_, err = s.DB.ExecContext(ctx, `UPDATE packages SET source = ?, latest_version = ?, updated_at = ? WHERE kind = ? AND slug = ?`,
			string(source), latest, formatTime(time.Now()), string(kind), slug)
	} else {
		_, err = s.DB.ExecContext(ctx, `UPDATE packages SET source = ?, updated_at = ? WHERE kind = ? AND slug = ?`,
			string(source), formatTime(time.Now()), string(kind), slug)
	}
	if err != nil {
		return fmt.Errorf("set source of %s %s: %w", kind, slug, err)
	}
	return nil
}

// CountUnknownSources counts records not yet classified by the registry check.
func (s *Store) CountUnknownSources(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM packages WHERE source = ?`, string(models.SourceUnknown)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unknown sources: %w", err)
	}
	return n, nil
}

func (s *Store) queryPackages(ctx context.Context, query string, args ...any) ([]models.Package, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list packages: %w", err)
	}
	defer rows.Close()
	var out []models.Package
	for rows.Next() {
		pkg, err := scanPackage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan package: %w", err)
		}
		out = append(out, pkg)
	}
	return out, rows.Err()
}

func scanPackage(row rowScanner) (models.Package, error) {
	var (
		pkg                          models.Package
		kind, source, updatedAt      string
		latest, mainFile             sql.NullString
		enabled, autoUpdate, isChild int
	)
	err := row.Scan(&pkg.InstallationID, &kind, &pkg.Slug, &pkg.Name, &pkg.Title, &pkg.Version,
		&enabled, &autoUpdate, &source, &latest, &mainFile, &isChild, &updatedAt)
	if err != nil {
		return models.Package{}, err
	}
	pkg.Kind = models.Kind(kind)
	pkg.Source = models.Source(source)
	pkg.Enabled = enabled != 0
	pkg.AutoUpdate = autoUpdate != 0
	pkg.IsActiveChild = isChild != 0
	pkg.LatestVersion = latest.String
	pkg.MainFilePath = mainFile.String
	pkg.UpdatedAt = parseTime(updatedAt)
	return pkg, nil
}
