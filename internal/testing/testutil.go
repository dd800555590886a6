package testing

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luccadibe/wpfleet/internal/models"
	"github.com/luccadibe/wpfleet/internal/store"
)

// FixedTime is a fixed timestamp for deterministic tests.
var FixedTime = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

// OpenTestStore opens a migrated store in a temporary directory and closes it on cleanup.
func OpenTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "wpfleet.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
	})
	return s
}

// NewTestServer returns a cPanel server named id.
func NewTestServer(id string) models.Server {
	return models.Server{
		ID:       id,
		Name:     id,
		Platform: models.PlatformCPanel,
		Host:     models.Host{Hostname: id + ".example.com", Port: 22, Username: "root"},
	}
}

// NewTestInstallation returns an installation of serverID owned by account.
func NewTestInstallation(serverID, account string) models.Installation {
	return models.Installation{
		ServerID:     serverID,
		Path:         "/home/" + account + "/public_html",
		UnixUsername: account,
		SiteTitle:    account,
		SiteURL:      "https://" + account + ".example.com",
	}
}
