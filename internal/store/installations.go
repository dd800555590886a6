package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/luccadibe/wpfleet/internal/models"
)

const installationColumns = `id, server_id, path, unix_username, site_title, site_description, site_url,
	timezone, admin_email, php_version, php_memory_limit, uses_server_cron,
	monitoring_level, monitoring_status_min, monitoring_status_max, monitoring_test_login,
	monitoring_status, monitoring_status_since, monitoring_failed_attempts, monitoring_last_checked_at,
	auto_login_user, last_scan_at, created_at, updated_at`

// UpsertInstallation records the scanned state of the installation keyed by
// (ServerID, Path). A new row gets a fresh id and its monitoring level seeded
// from defaultLevel; an existing row keeps its id and monitoring settings.
func (s *Store) UpsertInstallation(ctx context.Context, inst models.Installation, defaultLevel models.MonitoringLevel) (models.Installation, error) {
	if inst.ServerID == "" || inst.Path == "" {
		return models.Installation{}, errors.New("installation server_id and path are required")
	}
	if !defaultLevel.Valid() {
		defaultLevel = models.MonitoringNormal
	}
	now := time.Now().UTC()
	scanAt := now
	if inst.LastScanAt != nil {
		scanAt = *inst.LastScanAt
	}

	var id string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `SELECT id FROM installations WHERE server_id = ? AND path = ?`,
			inst.ServerID, inst.Path).Scan(&id)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			id = uuid.NewString()
			_, err = tx.ExecContext(ctx, `INSERT INTO installations (
				id, server_id, path, unix_username, site_title, site_description, site_url,
				timezone, admin_email, php_version, php_memory_limit, uses_server_cron,
				monitoring_level, last_scan_at, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				id, inst.ServerID, inst.Path, inst.UnixUsername, inst.SiteTitle,
				nullIfEmpty(inst.SiteDescription), inst.SiteURL, nullIfEmpty(inst.Timezone),
				nullIfEmpty(inst.AdminEmail), nullIfEmpty(inst.PHPVersion), nullIfEmpty(inst.PHPMemoryLimit),
				boolToInt(inst.UsesServerCron), string(defaultLevel),
				formatTime(scanAt), formatTime(now), formatTime(now))
			if err != nil {
				return fmt.Errorf("insert installation: %w", err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("find installation: %w", err)
		}
		_, err = tx.ExecContext(ctx, `UPDATE installations SET
			unix_username = ?, site_title = ?, site_description = ?, site_url = ?,
			timezone = ?, admin_email = ?, php_version = ?, php_memory_limit = ?,
			uses_server_cron = ?, last_scan_at = ?, updated_at = ?
			WHERE id = ?`,
			inst.UnixUsername, inst.SiteTitle, nullIfEmpty(inst.SiteDescription), inst.SiteURL,
			nullIfEmpty(inst.Timezone), nullIfEmpty(inst.AdminEmail), nullIfEmpty(inst.PHPVersion),
			nullIfEmpty(inst.PHPMemoryLimit), boolToInt(inst.UsesServerCron),
			formatTime(scanAt), formatTime(now), id)
		if err != nil {
			return fmt.Errorf("update installation: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.Installation{}, err
	}
	return s.GetInstallation(ctx, id)
}

// GetInstallation returns the installation with id or ErrNotFound.
func (s *Store) GetInstallation(ctx context.Context, id string) (models.Installation, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+installationColumns+` FROM installations WHERE id = ?`, id)
	inst, err := scanInstallation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Installation{}, fmt.Errorf("installation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Installation{}, fmt.Errorf("get installation %s: %w", id, err)
	}
	return inst, nil
}

// ListInstallations returns the installations of serverID, or of every server when serverID is empty.
func (s *Store) ListInstallations(ctx context.Context, serverID string) ([]models.Installation, error) {
	query := `SELECT ` + installationColumns + ` FROM installations`
	var args []any
	if serverID != "" {
		query += ` WHERE server_id = ?`
		args = append(args, serverID)
	}
	query += ` ORDER BY server_id, path`
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list installations: %w", err)
	}
	defer rows.Close()
	var out []models.Installation
	for rows.Next() {
		inst, err := scanInstallation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan installation: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// SetMonitoringLevel changes the uptime monitoring level of one installation.
func (s *Store) SetMonitoringLevel(ctx context.Context, id string, level models.MonitoringLevel) error {
	if !level.Valid() {
		return fmt.Errorf("invalid monitoring level %q", level)
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE installations SET monitoring_level = ?, updated_at = ? WHERE id = ?`,
		string(level), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set monitoring level: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("installation %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteInstallation removes an installation and its package records.
func (s *Store) DeleteInstallation(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM installations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete installation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("installation %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanInstallation(row rowScanner) (models.Installation, error) {
	var (
		inst                               models.Installation
		description, timezone, email       sql.NullString
		phpVersion, phpMemory, autoLogin   sql.NullString
		statusSince, lastChecked, lastScan sql.NullString
		level, status                      string
		usesCron, testLogin                int
		createdAt, updatedAt               string
	)
	err := row.Scan(&inst.ID, &inst.ServerID, &inst.Path, &inst.UnixUsername, &inst.SiteTitle,
		&description, &inst.SiteURL, &timezone, &email, &phpVersion, &phpMemory, &usesCron,
		&level, &inst.Monitoring.StatusMin, &inst.Monitoring.StatusMax, &testLogin,
		&status, &statusSince, &inst.Monitoring.FailedAttempts, &lastChecked,
		&autoLogin, &lastScan, &createdAt, &updatedAt)
	if err != nil {
		return models.Installation{}, err
	}
	inst.SiteDescription = description.String
	inst.Timezone = timezone.String
	inst.AdminEmail = email.String
	inst.PHPVersion = phpVersion.String
	inst.PHPMemoryLimit = phpMemory.String
	inst.UsesServerCron = usesCron != 0
	inst.AutoLoginUser = autoLogin.String
	inst.Monitoring.Level = models.MonitoringLevel(level)
	inst.Monitoring.TestLogin = testLogin != 0
	inst.Monitoring.Status = models.MonitoringStatus(status)
	inst.Monitoring.StatusSince = parseNullTime(statusSince)
	inst.Monitoring.LastCheckedAt = parseNullTime(lastChecked)
	inst.LastScanAt = parseNullTime(lastScan)
	inst.CreatedAt = parseTime(createdAt)
	inst.UpdatedAt = parseTime(updatedAt)
	return inst, nil
}
