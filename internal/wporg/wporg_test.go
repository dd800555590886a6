package wporg

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/luccadibe/wpfleet/internal/models"
	"github.com/luccadibe/wpfleet/internal/store"
	testutil "github.com/luccadibe/wpfleet/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedStore(t *testing.T) (*store.Store, models.Installation) {
	t.Helper()
	ctx := context.Background()
	st := testutil.OpenTestStore(t)
	require.NoError(t, st.UpsertServer(ctx, testutil.NewTestServer("srv1")))
	inst, err := st.UpsertInstallation(ctx, testutil.NewTestInstallation("srv1", "acme"), models.MonitoringNormal)
	require.NoError(t, err)
	for _, pkg := range []models.Package{
		{Kind: models.KindPlugin, Slug: "akismet", MainFilePath: "akismet/akismet.php", Version: "5.0"},
		{Kind: models.KindPlugin, Slug: "acme-tools", Version: "1.0"},
		{Kind: models.KindTheme, Slug: "twentytwenty", Version: "2.0"},
		{Kind: models.KindTheme, Slug: "acme-theme", Version: "1.0"},
	} {
		pkg.InstallationID = inst.ID
		pkg.Name = pkg.Slug
		pkg.Title = pkg.Slug
		require.NoError(t, st.UpsertPackage(ctx, pkg))
	}
	return st, inst
}

type registryStub struct {
	plugins atomic.Int32
	themes  atomic.Int32
	status  int
	t       *testing.T
}

func (s *registryStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.status != 0 {
		w.WriteHeader(s.status)
		return
	}
	assert.Equal(s.t, http.MethodPost, r.Method)
	assert.NoError(s.t, r.ParseForm())
	assert.Equal(s.t, "true", r.PostForm.Get("all"))
	switch r.URL.Path {
	case "/plugins/update-check/1.1/":
		s.plugins.Add(1)
		var body struct {
			Plugins map[string]any `json:"plugins"`
		}
		assert.NoError(s.t, json.Unmarshal([]byte(r.PostForm.Get("plugins")), &body))
		assert.Contains(s.t, body.Plugins, "akismet/akismet.php")
		assert.Contains(s.t, body.Plugins, "acme-tools/acme-tools.php")
		w.Write([]byte(`{"plugins":{"akismet/akismet.php":{"slug":"akismet","new_version":"5.3"}},"no_update":[],"translations":[]}`))
	case "/themes/update-check/1.1/":
		s.themes.Add(1)
		var body struct {
			Themes map[string]any `json:"themes"`
		}
		assert.NoError(s.t, json.Unmarshal([]byte(r.PostForm.Get("themes")), &body))
		assert.Len(s.t, body.Themes, 2)
		w.Write([]byte(`{"themes":[],"no_update":{"twentytwenty":{"theme":"twentytwenty","new_version":"2.1"}},"translations":[]}`))
	default:
		http.NotFound(w, r)
	}
}

func TestRunClassifiesPackages(t *testing.T) {
	ctx := context.Background()
	st, inst := seedStore(t)
	stub := &registryStub{t: t}
	srv := httptest.NewServer(stub)
	defer srv.Close()

	c := New(st, Options{BaseURL: srv.URL})
	require.NoError(t, c.RunIfNeeded(ctx))
	assert.Equal(t, int32(1), stub.plugins.Load())
	assert.Equal(t, int32(1), stub.themes.Load())

	check := func(kind models.Kind, slug string, source models.Source, latest string) {
		t.Helper()
		pkg, err := st.GetPackage(ctx, inst.ID, kind, slug)
		require.NoError(t, err)
		assert.Equal(t, source, pkg.Source, slug)
		assert.Equal(t, latest, pkg.LatestVersion, slug)
	}
	check(models.KindPlugin, "akismet", models.SourceRegistry, "5.3")
	check(models.KindPlugin, "acme-tools", models.SourceExternal, "")
	check(models.KindTheme, "twentytwenty", models.SourceRegistry, "2.1")
	check(models.KindTheme, "acme-theme", models.SourceExternal, "")

	unknown, err := st.CountUnknownSources(ctx)
	require.NoError(t, err)
	assert.Zero(t, unknown)
}

func TestShouldRun(t *testing.T) {
	ctx := context.Background()
	st, _ := seedStore(t)
	srv := httptest.NewServer(&registryStub{t: t})
	defer srv.Close()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := New(st, Options{BaseURL: srv.URL})
	c.now = func() time.Time { return now }

	ok, err := c.ShouldRun(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "unknown sources force a check")

	require.NoError(t, c.Run(ctx))
	ok, err = c.ShouldRun(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(DefaultInterval)
	ok, err = c.ShouldRun(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRegistryErrorsAreSwallowed(t *testing.T) {
	ctx := context.Background()
	st, inst := seedStore(t)
	srv := httptest.NewServer(&registryStub{t: t, status: http.StatusBadGateway})
	defer srv.Close()

	c := New(st, Options{BaseURL: srv.URL})
	require.NoError(t, c.Run(ctx))

	pkg, err := st.GetPackage(ctx, inst.ID, models.KindPlugin, "akismet")
	require.NoError(t, err)
	assert.Equal(t, models.SourceUnknown, pkg.Source)
}

func TestNothingInstalled(t *testing.T) {
	st := testutil.OpenTestStore(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	require.NoError(t, New(st, Options{BaseURL: srv.URL}).Run(context.Background()))
	assert.Zero(t, hits.Load())
}

func TestInfoMapAcceptsEmptyArray(t *testing.T) {
	var res updateResponse
	require.NoError(t, json.Unmarshal([]byte(`{"plugins":[],"no_update":{"a/a.php":{"new_version":"1.0"}}}`), &res))
	info, ok := res.lookup("a/a.php")
	assert.True(t, ok)
	assert.Equal(t, "1.0", info.NewVersion)
	_, ok = res.lookup("b/b.php")
	assert.False(t, ok)
}
