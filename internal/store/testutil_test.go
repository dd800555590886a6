package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/luccadibe/wpfleet/internal/models"
	"github.com/stretchr/testify/require"
)

// openTestStore creates a test database in a temporary directory.
// The database is closed when the test completes.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func seedInstallation(t *testing.T, s *Store) models.Installation {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.UpsertServer(ctx, models.Server{
		ID:       "srv1",
		Name:     "Server 1",
		Platform: models.PlatformCPanel,
		Host:     models.Host{Hostname: "srv1.example.com", Port: 22, Username: "root"},
	}))
	inst, err := s.UpsertInstallation(ctx, models.Installation{
		ServerID:     "srv1",
		Path:         "/home/acme/public_html",
		UnixUsername: "acme",
		SiteTitle:    "Acme",
		SiteURL:      "https://acme.example.com",
	}, models.MonitoringNormal)
	require.NoError(t, err)
	return inst
}
