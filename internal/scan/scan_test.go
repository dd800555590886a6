package scan

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/luccadibe/wpfleet/internal/events"
	"github.com/luccadibe/wpfleet/internal/execution"
	"github.com/luccadibe/wpfleet/internal/locks"
	"github.com/luccadibe/wpfleet/internal/models"
	"github.com/luccadibe/wpfleet/internal/store"
	testutil "github.com/luccadibe/wpfleet/internal/testing"
	"github.com/luccadibe/wpfleet/internal/wpcli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	pluginList = `[{"name":"akismet","title":"Akismet Anti-spam","status":"active","version":"5.0","auto_update":"on"},` +
		`{"name":"hello-dolly","title":"Hello Dolly","status":"inactive","version":"1.7.2","auto_update":"off"}]`
	themeList = `[{"name":"storefront","title":"Storefront","status":"inactive","version":"4.5","auto_update":"off"},` +
		`{"name":"storefront-child","title":"Storefront Child","status":"active","version":"1.0","auto_update":"off"}]`
)

// wpArgs reports whether cmd is a WP-CLI invocation carrying args in order.
func wpArgs(cmd string, args ...string) bool {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = wpcli.ShellEscape(a)
	}
	return strings.Contains(cmd, strings.ReplaceAll(strings.Join(quoted, " "), "'", `'\''`))
}

// fleetHost answers the commands of a cPanel server with one valid
// installation for acme and one broken candidate for bob.
type fleetHost struct {
	findErr  error
	ownerRes *execution.CommandResult
	probeRes *execution.CommandResult
}

func (h *fleetHost) handle(host models.Host, cmd string) (execution.CommandResult, error) {
	switch {
	case strings.HasPrefix(cmd, "find "):
		if h.findErr != nil {
			return execution.CommandResult{ExitCode: -1}, h.findErr
		}
		return testutil.Stdout("/home/acme/public_html/wp-config.php\n/home/bob/public_html/wp-config.php\n"), nil
	case strings.HasPrefix(cmd, "test -d"):
		if strings.Contains(cmd, "/home/acme/") {
			return testutil.Stdout("valid\n"), nil
		}
		return testutil.Stdout("invalid\n"), nil
	case strings.HasPrefix(cmd, "mkdir -p"):
		return testutil.Stdout(""), nil
	case strings.HasPrefix(cmd, "stat -c"):
		if h.ownerRes != nil {
			return *h.ownerRes, nil
		}
		return testutil.Stdout("acme\n"), nil
	case strings.HasPrefix(cmd, "rm -f"):
		return testutil.Stdout(""), nil
	case strings.Contains(cmd, "curl"):
		if h.probeRes != nil {
			return *h.probeRes, nil
		}
		return testutil.Stdout(`{"version":"8.2.12","memory_limit":"256M"}`), nil
	case strings.Contains(cmd, "Plugin Name:"):
		return testutil.Stdout("akismet/akismet.php\nhello-dolly/hello.php\n"), nil
	case wpArgs(cmd, "plugin", "list"):
		return testutil.Stdout(pluginList), nil
	case wpArgs(cmd, "theme", "list"):
		return testutil.Stdout(themeList), nil
	case wpArgs(cmd, "theme", "get", "storefront-child", "--field=template"):
		return testutil.Stdout("storefront\n"), nil
	case wpArgs(cmd, "config", "get", "DISABLE_WP_CRON"):
		return testutil.Stdout("true\n"), nil
	case wpArgs(cmd, "option", "get", "blogname"):
		return testutil.Stdout("Acme\n"), nil
	case wpArgs(cmd, "option", "get", "blogdescription"):
		return testutil.Stdout("Just another site\n"), nil
	case wpArgs(cmd, "option", "get", "siteurl"):
		return testutil.Stdout("https://acme.example.com\n"), nil
	case wpArgs(cmd, "option", "get", "timezone_string"):
		return testutil.Stdout("Europe/Berlin\n"), nil
	case wpArgs(cmd, "option", "get", "admin_email"):
		return testutil.Stdout("admin@acme.example.com\n"), nil
	}
	return testutil.Failure(1, "unexpected command: "+cmd), nil
}

type scanFixture struct {
	store   *store.Store
	dialer  *testutil.MockDialer
	host    *fleetHost
	events  *events.Recorder
	locks   *locks.Set
	scanner *Scanner
}

func newScanFixture(t *testing.T) *scanFixture {
	t.Helper()
	st := testutil.OpenTestStore(t)
	require.NoError(t, st.UpsertServer(context.Background(), testutil.NewTestServer("srv1")))
	host := &fleetHost{}
	dialer := &testutil.MockDialer{Handler: host.handle}
	rec := &events.Recorder{}
	set := locks.New()
	scanner := New(st, wpcli.New(dialer, 0, 0, nil), Options{Concurrency: 2, Locks: set, Events: rec})
	return &scanFixture{store: st, dialer: dialer, host: host, events: rec, locks: set, scanner: scanner}
}

func (f *scanFixture) scan(t *testing.T) (Result, error) {
	t.Helper()
	return f.scanner.RunServerScanByID(context.Background(), "srv1")
}

func TestScanDiscoversInstallation(t *testing.T) {
	ctx := context.Background()
	f := newScanFixture(t)

	res, err := f.scan(t)
	require.NoError(t, err)
	assert.Equal(t, Result{Success: 1}, res)

	insts, err := f.store.ListInstallations(ctx, "srv1")
	require.NoError(t, err)
	require.Len(t, insts, 1, "invalid candidate must not be stored")
	inst := insts[0]
	assert.Equal(t, "/home/acme/public_html", inst.Path)
	assert.Equal(t, "acme", inst.UnixUsername)
	assert.Equal(t, "Acme", inst.SiteTitle)
	assert.Equal(t, "Just another site", inst.SiteDescription)
	assert.Equal(t, "https://acme.example.com", inst.SiteURL)
	assert.Equal(t, "Europe/Berlin", inst.Timezone)
	assert.Equal(t, "admin@acme.example.com", inst.AdminEmail)
	assert.Equal(t, "8.2.12", inst.PHPVersion)
	assert.Equal(t, "256M", inst.PHPMemoryLimit)
	assert.True(t, inst.UsesServerCron)

	plugins, err := f.store.ListPackages(ctx, inst.ID, models.KindPlugin)
	require.NoError(t, err)
	require.Len(t, plugins, 2)
	assert.Equal(t, "akismet", plugins[0].Slug)
	assert.Equal(t, "akismet/akismet.php", plugins[0].MainFilePath)
	assert.True(t, plugins[0].Enabled)
	assert.True(t, plugins[0].AutoUpdate)
	assert.Equal(t, models.SourceUnknown, plugins[0].Source)
	assert.Equal(t, "hello-dolly/hello.php", plugins[1].MainFilePath)
	assert.False(t, plugins[1].Enabled)

	themes, err := f.store.ListPackages(ctx, inst.ID, models.KindTheme)
	require.NoError(t, err)
	require.Len(t, themes, 2)
	assert.True(t, themes[0].IsActiveChild, "storefront is the parent of the active child")
	assert.False(t, themes[1].IsActiveChild)
	assert.True(t, themes[1].Enabled)

	errs := f.events.Filter(events.ChannelScan, events.TypeError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "/home/bob/public_html")

	complete := f.events.Filter(events.ChannelScan, events.TypeComplete)
	require.Len(t, complete, 1)
	assert.Equal(t, "Scan completed: 1 successful, 0 failed", complete[0].Message)
	assert.Equal(t, "srv1", complete[0].TargetID)

	assert.Len(t, f.dialer.CommandsContaining("rm -f"), 1)
	assert.Len(t, f.dialer.CommandsContaining("mkdir -p /opt/wpfleet"), 1, "wp-cli is ensured once per scan")
	assert.Zero(t, f.dialer.Open(), "every session is closed")
	assert.Zero(t, f.locks.Len())
}

func TestRescanKeepsIdentityAndProvenance(t *testing.T) {
	ctx := context.Background()
	f := newScanFixture(t)

	_, err := f.scan(t)
	require.NoError(t, err)
	first, err := f.store.ListInstallations(ctx, "srv1")
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.NoError(t, f.store.SetPackageSource(ctx, models.KindPlugin, "akismet", models.SourceRegistry, "5.3"))

	_, err = f.scan(t)
	require.NoError(t, err)
	second, err := f.store.ListInstallations(ctx, "srv1")
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)

	pkg, err := f.store.GetPackage(ctx, second[0].ID, models.KindPlugin, "akismet")
	require.NoError(t, err)
	assert.Equal(t, models.SourceRegistry, pkg.Source)
	assert.Equal(t, "5.3", pkg.LatestVersion)
}

func TestProbeCleanupRunsWhenFetchFails(t *testing.T) {
	ctx := context.Background()
	f := newScanFixture(t)
	failed := testutil.Failure(7, "curl: (7) Failed to connect")
	f.host.probeRes = &failed

	res, err := f.scan(t)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Success)

	insts, err := f.store.ListInstallations(ctx, "srv1")
	require.NoError(t, err)
	require.Len(t, insts, 1)
	assert.Empty(t, insts[0].PHPVersion)

	removed := f.dialer.CommandsContaining("rm -f")
	require.Len(t, removed, 1)
	assert.Contains(t, removed[0], "/home/acme/public_html/wpfleet-probe-")
}

func TestUndeterminedOwnerFailsInstallation(t *testing.T) {
	ctx := context.Background()
	f := newScanFixture(t)
	missing := testutil.Failure(1, "stat: cannot statx: No such file or directory")
	f.host.ownerRes = &missing

	res, err := f.scan(t)
	require.NoError(t, err)
	assert.Equal(t, Result{Failed: 1}, res)

	insts, err := f.store.ListInstallations(ctx, "srv1")
	require.NoError(t, err)
	assert.Empty(t, insts)

	var found bool
	for _, ev := range f.events.Filter(events.ChannelScan, events.TypeError) {
		if strings.Contains(ev.Message, "could not determine user for /home/acme/public_html") {
			found = true
		}
	}
	assert.True(t, found)
	assert.Empty(t, f.dialer.CommandsContaining("su - "), "no wp-cli call without a known owner")
}

func TestSearchFailureEndsScan(t *testing.T) {
	f := newScanFixture(t)
	f.host.findErr = errors.New("connection reset by peer")

	res, err := f.scan(t)
	require.Error(t, err)
	assert.Equal(t, Result{Failed: 1}, res)

	complete := f.events.Filter(events.ChannelScan, events.TypeComplete)
	require.Len(t, complete, 1)
	assert.Equal(t, "Scan failed", complete[0].Message)
	assert.Zero(t, f.dialer.Open())
}

func TestScanUnknownServer(t *testing.T) {
	f := newScanFixture(t)
	_, err := f.scanner.RunServerScanByID(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Zero(t, f.dialer.Dials())
}

func TestScanInProgress(t *testing.T) {
	f := newScanFixture(t)
	require.True(t, f.scanner.begin("srv1"))
	assert.True(t, f.scanner.IsScanning("srv1"))

	_, err := f.scan(t)
	assert.ErrorIs(t, err, ErrScanInProgress)
	assert.Zero(t, f.dialer.Dials())

	f.scanner.end("srv1")
	_, err = f.scan(t)
	assert.NoError(t, err)
}

func TestScanWaitsForSiteLock(t *testing.T) {
	ctx := context.Background()
	f := newScanFixture(t)
	inst, err := f.store.UpsertInstallation(ctx, testutil.NewTestInstallation("srv1", "acme"), models.MonitoringNormal)
	require.NoError(t, err)
	require.True(t, f.locks.TryLock(inst.ID))

	done := make(chan Result, 1)
	go func() {
		res, err := f.scan(t)
		assert.NoError(t, err)
		done <- res
	}()

	require.Eventually(t, func() bool {
		return len(f.dialer.CommandsContaining("rm -f")) == 1
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	for _, cmd := range f.dialer.Commands() {
		assert.False(t, wpArgs(cmd, "plugin", "list"), "package rows are not read while a job holds the site")
	}

	f.locks.Unlock(inst.ID)
	select {
	case res := <-done:
		assert.Equal(t, Result{Success: 1}, res)
	case <-time.After(5 * time.Second):
		t.Fatal("scan did not finish after the lock was released")
	}
	plugins, err := f.store.ListPackages(ctx, inst.ID, models.KindPlugin)
	require.NoError(t, err)
	assert.Len(t, plugins, 2)
}

func TestCandidateDirs(t *testing.T) {
	out := "/home/a/public_html/wp-config.php\n\n/home/a/public_html/wp-config.php\n/home2/b/site/wp-config.php\n"
	assert.Equal(t, []string{"/home/a/public_html", "/home2/b/site"}, candidateDirs(out))
	assert.Empty(t, candidateDirs(""))
}

func TestAccountRoot(t *testing.T) {
	tests := []struct {
		platform models.Platform
		dir      string
		want     string
	}{
		{models.PlatformCPanel, "/home/acme/public_html", "/home/acme"},
		{models.PlatformCPanel, "/home2/acme/public_html/blog", "/home2/acme"},
		{models.PlatformPlesk, "/var/www/vhosts/example.com/httpdocs", "/var/www/vhosts/example.com"},
	}
	for _, tt := range tests {
		got, err := accountRoot(tt.platform, tt.dir)
		require.NoError(t, err, tt.dir)
		assert.Equal(t, tt.want, got)
	}

	_, err := accountRoot(models.PlatformCPanel, "/srv/www/site")
	assert.Error(t, err)
	_, err = accountRoot(models.PlatformPlesk, "/home/acme/public_html")
	assert.Error(t, err)
}

func TestParseMainFiles(t *testing.T) {
	got := parseMainFiles("akismet/akismet.php\nwoo/woocommerce.php\nwoo/other.php\nnoise\n")
	assert.Equal(t, map[string]string{"akismet": "akismet/akismet.php", "woo": "woo/woocommerce.php"}, got)
}

func TestProbeCommands(t *testing.T) {
	fetch, cleanup, err := probeCommands("/home/acme/public_html", "https://acme.example.com/", "p.php")
	require.NoError(t, err)
	assert.Contains(t, fetch, "--resolve 'acme.example.com:443:127.0.0.1'")
	assert.Contains(t, fetch, "'https://acme.example.com/p.php'")
	assert.Equal(t, "rm -f '/home/acme/public_html/p.php'", cleanup)

	_, _, err = probeCommands("/x", "not a url", "p.php")
	assert.Error(t, err)
}

type countingChecker struct{ calls atomic.Int32 }

func (c *countingChecker) RunIfNeeded(context.Context) error {
	c.calls.Add(1)
	return nil
}

func TestSchedulerRunOnce(t *testing.T) {
	ctx := context.Background()
	f := newScanFixture(t)
	broken := testutil.NewTestServer("srv2")
	require.NoError(t, f.store.UpsertServer(ctx, broken))
	f.dialer.Handler = func(host models.Host, cmd string) (execution.CommandResult, error) {
		if host.Hostname == broken.Host.Hostname && strings.HasPrefix(cmd, "find ") {
			return execution.CommandResult{ExitCode: -1}, errors.New("no route to host")
		}
		return f.host.handle(host, cmd)
	}
	checker := &countingChecker{}
	sched := &Scheduler{Scanner: f.scanner, Servers: f.store, Checker: checker}

	sum, err := sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Servers)
	assert.Equal(t, 1, sum.FailedServers)
	assert.Equal(t, 1, sum.Success)
	assert.Equal(t, int32(1), checker.calls.Load())
}

func TestSchedulerDisabled(t *testing.T) {
	sched := &Scheduler{}
	done := make(chan struct{})
	go func() {
		sched.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled scheduler should return")
	}
}
