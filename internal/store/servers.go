package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/luccadibe/wpfleet/internal/models"
)

const serverColumns = `id, name, platform, hostname, port, username, key_file, key_password, created_at, updated_at`

// UpsertServer inserts srv or updates the row with the same id.
func (s *Store) UpsertServer(ctx context.Context, srv models.Server) error {
	if srv.ID == "" {
		return errors.New("server id is required")
	}
	if !srv.Platform.Valid() {
		return fmt.Errorf("server %s: invalid platform %q", srv.ID, srv.Platform)
	}
	now := formatTime(time.Now())
	_, err := s.DB.ExecContext(ctx, `INSERT INTO servers (`+serverColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			platform = excluded.platform,
			hostname = excluded.hostname,
			port = excluded.port,
			username = excluded.username,
			key_file = excluded.key_file,
			key_password = excluded.key_password,
			updated_at = excluded.updated_at`,
		srv.ID, srv.Name, string(srv.Platform), srv.Host.Hostname, srv.Host.Port,
		srv.Host.Username, srv.Host.KeyFile, srv.Host.KeyPassword, now, now)
	if err != nil {
		return fmt.Errorf("upsert server %s: %w", srv.ID, err)
	}
	return nil
}

// GetServer returns the server with id or ErrNotFound.
func (s *Store) GetServer(ctx context.Context, id string) (models.Server, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM servers WHERE id = ?`, id)
	srv, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Server{}, fmt.Errorf("server %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Server{}, fmt.Errorf("get server %s: %w", id, err)
	}
	return srv, nil
}

// ListServers returns all servers ordered by id.
func (s *Store) ListServers(ctx context.Context) ([]models.Server, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+serverColumns+` FROM servers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	defer rows.Close()
	var out []models.Server
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan server: %w", err)
		}
		out = append(out, srv)
	}
	return out, rows.Err()
}

// DeleteServer removes a server and, by cascade, its installations and packages.
func (s *Store) DeleteServer(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM servers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete server %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("server %s: %w", id, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanServer(row rowScanner) (models.Server, error) {
	var (
		srv       models.Server
		platform  string
		createdAt string
		updatedAt string
	)
	err := row.Scan(&srv.ID, &srv.Name, &platform, &srv.Host.Hostname, &srv.Host.Port,
		&srv.Host.Username, &srv.Host.KeyFile, &srv.Host.KeyPassword, &createdAt, &updatedAt)
	if err != nil {
		return models.Server{}, err
	}
	srv.Platform = models.Platform(platform)
	srv.CreatedAt = parseTime(createdAt)
	srv.UpdatedAt = parseTime(updatedAt)
	return srv, nil
}
