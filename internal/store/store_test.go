package store

import (
	"context"
	"testing"
	"time"

	"github.com/luccadibe/wpfleet/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenMigratesOnce(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, Migrate(s.DB))

	var n int
	require.NoError(t, s.DB.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n))
	assert.Equal(t, len(migrations), n)
}

func TestServers(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	t.Run("invalid platform", func(t *testing.T) {
		err := s.UpsertServer(ctx, models.Server{ID: "x", Platform: "directadmin"})
		assert.Error(t, err)
	})

	t.Run("upsert and get", func(t *testing.T) {
		srv := models.Server{ID: "a", Name: "A", Platform: models.PlatformPlesk,
			Host: models.Host{Hostname: "a.example.com", Port: 2222, Username: "admin"}}
		require.NoError(t, s.UpsertServer(ctx, srv))
		srv.Name = "A2"
		require.NoError(t, s.UpsertServer(ctx, srv))

		got, err := s.GetServer(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "A2", got.Name)
		assert.Equal(t, 2222, got.Host.Port)
		assert.Equal(t, models.PlatformPlesk, got.Platform)

		list, err := s.ListServers(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := s.GetServer(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.DeleteServer(ctx, "nope"), ErrNotFound)
	})
}

func TestUpsertInstallation(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	inst := seedInstallation(t, s)

	assert.NotEmpty(t, inst.ID)
	assert.Equal(t, models.MonitoringNormal, inst.Monitoring.Level)
	assert.Equal(t, 200, inst.Monitoring.StatusMin)
	assert.Equal(t, 399, inst.Monitoring.StatusMax)
	assert.Equal(t, models.StatusUnknown, inst.Monitoring.Status)
	require.NotNil(t, inst.LastScanAt)

	require.NoError(t, s.SetMonitoringLevel(ctx, inst.ID, models.MonitoringHigh))

	again, err := s.UpsertInstallation(ctx, models.Installation{
		ServerID:     "srv1",
		Path:         "/home/acme/public_html",
		UnixUsername: "acme",
		SiteTitle:    "Acme Renamed",
		SiteURL:      "https://acme.example.com",
		PHPVersion:   "8.2.10",
	}, models.MonitoringNone)
	require.NoError(t, err)
	assert.Equal(t, inst.ID, again.ID)
	assert.Equal(t, "Acme Renamed", again.SiteTitle)
	assert.Equal(t, "8.2.10", again.PHPVersion)
	assert.Equal(t, models.MonitoringHigh, again.Monitoring.Level, "existing monitoring level is kept")

	list, err := s.ListInstallations(ctx, "srv1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestDeleteServerCascades(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	inst := seedInstallation(t, s)
	require.NoError(t, s.UpsertPackage(ctx, models.Package{
		InstallationID: inst.ID, Kind: models.KindPlugin, Slug: "akismet", Name: "akismet", Title: "Akismet",
	}))

	require.NoError(t, s.DeleteServer(ctx, "srv1"))

	_, err := s.GetInstallation(ctx, inst.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	pkgs, err := s.ListPackagesByKind(ctx, models.KindPlugin)
	require.NoError(t, err)
	assert.Empty(t, pkgs)
}

func TestPackages(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	inst := seedInstallation(t, s)

	require.NoError(t, s.ReplacePackages(ctx, inst.ID, models.KindPlugin, []models.Package{
		{Slug: "akismet", Name: "akismet", Title: "Akismet", Version: "5.0", Enabled: true},
		{Slug: "hello", Name: "hello", Title: "Hello Dolly", Version: "1.7.2"},
	}))
	require.NoError(t, s.ReplacePackages(ctx, inst.ID, models.KindTheme, []models.Package{
		{Slug: "twentytwenty", Name: "twentytwenty", Title: "Twenty Twenty", Version: "2.0", Enabled: true},
	}))

	plugins, err := s.ListPackages(ctx, inst.ID, models.KindPlugin)
	require.NoError(t, err)
	require.Len(t, plugins, 2)
	assert.Equal(t, models.SourceUnknown, plugins[0].Source)
	assert.Equal(t, models.KindPlugin, plugins[0].Kind)

	n, err := s.CountUnknownSources(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, s.SetPackageSource(ctx, models.KindPlugin, "akismet", models.SourceRegistry, "5.3"))
	got, err := s.GetPackage(ctx, inst.ID, models.KindPlugin, "akismet")
	require.NoError(t, err)
	assert.Equal(t, models.SourceRegistry, got.Source)
	assert.Equal(t, "5.3", got.LatestVersion)

	// a replace of plugins leaves themes alone
	require.NoError(t, s.ReplacePackages(ctx, inst.ID, models.KindPlugin, []models.Package{
		{Slug: "akismet", Name: "akismet", Title: "Akismet", Version: "5.3", Source: models.SourceRegistry},
	}))
	plugins, err = s.ListPackages(ctx, inst.ID, models.KindPlugin)
	require.NoError(t, err)
	assert.Len(t, plugins, 1)
	themes, err := s.ListPackages(ctx, inst.ID, models.KindTheme)
	require.NoError(t, err)
	assert.Len(t, themes, 1)

	require.NoError(t, s.DeletePackage(ctx, inst.ID, models.KindPlugin, "akismet"))
	require.NoError(t, s.DeletePackage(ctx, inst.ID, models.KindPlugin, "akismet"))
	_, err = s.GetPackage(ctx, inst.ID, models.KindPlugin, "akismet")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUploadsLatestSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	upload := func(v string) models.UploadedPackage {
		t.Helper()
		up, err := s.CreateUpload(ctx, models.UploadedPackage{
			Kind: models.KindPlugin, Slug: "foo", Version: v, Title: "Foo", ArchivePath: "/tmp/foo-" + v + ".zip",
		})
		require.NoError(t, err)
		return up
	}
	latestCount := func() int {
		t.Helper()
		var n int
		require.NoError(t, s.DB.QueryRow(`SELECT COUNT(*) FROM uploaded_packages WHERE slug = 'foo' AND is_latest = 1`).Scan(&n))
		return n
	}

	first := upload("1.0.0")
	assert.True(t, first.IsLatest)
	second := upload("1.2.0")
	assert.True(t, second.IsLatest)
	older := upload("1.1.0")
	assert.False(t, older.IsLatest)
	assert.Equal(t, 1, latestCount())

	latest, err := s.LatestUpload(ctx, models.KindPlugin, "foo")
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", latest.Version)

	_, err = s.CreateUpload(ctx, models.UploadedPackage{Kind: models.KindPlugin, Slug: "foo", Version: "1.2.0"})
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = s.DeleteUpload(ctx, second.ID)
	require.NoError(t, err)
	latest, err = s.LatestUpload(ctx, models.KindPlugin, "foo")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", latest.Version)
	assert.Equal(t, 1, latestCount())

	_, err = s.LatestUpload(ctx, models.KindTheme, "foo")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOptions(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	zero, err := s.LastCheckTime(ctx, OptionWPOrgLastCheck)
	require.NoError(t, err)
	assert.True(t, zero.IsZero())

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.SetOption(ctx, OptionWPOrgLastCheck, now))
	got, err := s.LastCheckTime(ctx, OptionWPOrgLastCheck)
	require.NoError(t, err)
	assert.True(t, now.Equal(got))

	var level models.MonitoringLevel
	assert.ErrorIs(t, s.GetOption(ctx, OptionMonitoringDefaultLevel, &level), ErrNotFound)
}
