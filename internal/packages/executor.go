package packages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/luccadibe/wpfleet/internal/execution"
	"github.com/luccadibe/wpfleet/internal/models"
	"github.com/luccadibe/wpfleet/internal/store"
	"github.com/luccadibe/wpfleet/internal/version"
	"github.com/luccadibe/wpfleet/internal/wpcli"
)

// BusyMessage is the failed result of a direct action on a site with a running job.
const BusyMessage = "Site is currently busy with another package job"

// Remote is the server access the executor needs. *wpcli.Client implements it.
type Remote interface {
	EnsureCLI(ctx context.Context, server models.Server) error
	Run(ctx context.Context, server models.Server, inst models.Installation, args []string, opts wpcli.RunOptions) (execution.CommandResult, error)
	Exec(ctx context.Context, server models.Server, command string, timeout time.Duration) (execution.CommandResult, error)
	Upload(ctx context.Context, server models.Server, localPath, remotePath string) error
}

// SiteLocker hands out per-site locks. *locks.Set implements it.
type SiteLocker interface {
	TryLock(installationID string) bool
	Unlock(installationID string)
}

// Executor runs one package operation against one site and resyncs the
// local record of the touched package from the live site.
type Executor struct {
	store  *store.Store
	remote Remote
	assets *Assets
	logger *slog.Logger
}

// NewExecutor wires an executor.
func NewExecutor(st *store.Store, remote Remote, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{store: st, remote: remote, assets: NewAssets(st, remote), logger: logger}
}

// site is the context every remote call of one operation runs in.
type site struct {
	server models.Server
	inst   models.Installation
}

// Execute runs req. Errors become failed results.
func (e *Executor) Execute(ctx context.Context, req Request) Result {
	res, err := e.execute(ctx, req)
	if err != nil {
		e.logger.Warn("package operation failed",
			"installation", req.InstallationID, "kind", req.Kind, "slug", req.Slug,
			"operation", req.Operation, "error", err)
		return Failed("%s", err.Error())
	}
	return res
}

// ExecuteDirect runs req while holding the site lock. A site that has a
// running job or scan fails with BusyMessage without being touched.
func (e *Executor) ExecuteDirect(ctx context.Context, locks SiteLocker, req Request) Result {
	if locks == nil {
		return e.Execute(ctx, req)
	}
	if !locks.TryLock(req.InstallationID) {
		return Failed("%s", BusyMessage)
	}
	defer locks.Unlock(req.InstallationID)
	return e.Execute(ctx, req)
}

// ActionOutcome is the result of one request of a direct action batch.
type ActionOutcome struct {
	Request
	Result
}

// ActionSummary aggregates a direct action batch.
type ActionSummary struct {
	Total   int             `json:"total"`
	Success int             `json:"success"`
	Failed  int             `json:"failed"`
	Skipped int             `json:"skipped"`
	Results []ActionOutcome `json:"results"`
}

// ExecuteActions runs reqs in order through ExecuteDirect. Each site's lock is
// checked on its own, so a busy site fails only its own entries.
func (e *Executor) ExecuteActions(ctx context.Context, locks SiteLocker, reqs []Request) ActionSummary {
	sum := ActionSummary{Results: make([]ActionOutcome, 0, len(reqs))}
	for _, req := range reqs {
		res := e.ExecuteDirect(ctx, locks, req)
		sum.Results = append(sum.Results, ActionOutcome{Request: req, Result: res})
		sum.Total++
		switch res.Status {
		case StatusSuccess:
			sum.Success++
		case StatusSkipped:
			sum.Skipped++
		default:
			sum.Failed++
		}
	}
	return sum
}

func (e *Executor) execute(ctx context.Context, req Request) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, err
	}
	inst, err := e.store.GetInstallation(ctx, req.InstallationID)
	if errors.Is(err, store.ErrNotFound) {
		return Failed("Site not found: %s", req.InstallationID), nil
	}
	if err != nil {
		return Result{}, err
	}
	server, err := e.store.GetServer(ctx, inst.ServerID)
	if err != nil {
		return Result{}, err
	}
	if err := e.remote.EnsureCLI(ctx, server); err != nil {
		return Result{}, err
	}
	s := site{server: server, inst: inst}

	switch req.Operation {
	case OpInstall, OpUpdate:
		return e.installOrUpdate(ctx, s, req)
	case OpActivate:
		return e.activate(ctx, s, req.Kind, req.Slug)
	case OpDeactivate:
		return e.deactivate(ctx, s, req.Kind, req.Slug)
	case OpDelete:
		return e.delete(ctx, s, req.Kind, req.Slug)
	}
	return Result{}, fmt.Errorf("unknown package operation %q", req.Operation)
}

func (e *Executor) installOrUpdate(ctx context.Context, s site, req Request) (Result, error) {
	kind, slug := req.Kind, req.Slug
	existing, err := e.findPackage(ctx, s.inst.ID, kind, slug)
	if err != nil {
		return Result{}, err
	}
	if req.Operation == OpUpdate && existing == nil {
		return skipped("%s \"%s\" is not installed on this site", label(kind), slug), nil
	}

	source := req.Source
	var latestHint string
	wasActive := false
	if existing != nil {
		if source == "" {
			source = existing.Source
		}
		latestHint = existing.LatestVersion
		wasActive = existing.Enabled
	}
	source = normalizeSource(source)

	if source == models.SourceExternal {
		asset, err := e.assets.Resolve(ctx, kind, slug)
		if err != nil {
			return Result{}, err
		}
		latestHint = asset.Version
		if req.Operation == OpUpdate && version.Compare(asset.Version, existing.Version) <= 0 {
			return skipped("%s \"%s\" is already up to date", label(kind), slug), nil
		}
		remotePath, err := e.assets.Ensure(ctx, s.server, asset)
		if err != nil {
			return Result{}, err
		}
		if _, err := e.wp(ctx, s, string(kind), "install", remotePath, "--force"); err != nil {
			return Result{}, err
		}
	} else {
		if req.Operation == OpUpdate {
			if existing.LatestVersion != "" && version.Compare(existing.LatestVersion, existing.Version) <= 0 {
				return skipped("%s \"%s\" is already up to date", label(kind), slug), nil
			}
			if _, err := e.wp(ctx, s, string(kind), "update", slug); err != nil {
				return Result{}, err
			}
		} else if _, err := e.wp(ctx, s, string(kind), "install", slug, "--force"); err != nil {
			return Result{}, err
		}
	}

	if req.Operation == OpUpdate {
		e.restoreActivation(ctx, s, kind, slug, wasActive)
	}
	if err := e.syncPackage(ctx, s, kind, slug, source, latestHint); err != nil {
		return Result{}, err
	}
	if req.Operation == OpInstall {
		return succeeded("%s \"%s\" installed", label(kind), slug), nil
	}
	return succeeded("%s \"%s\" updated", label(kind), slug), nil
}

func (e *Executor) activate(ctx context.Context, s site, kind models.Kind, slug string) (Result, error) {
	existing, err := e.findPackage(ctx, s.inst.ID, kind, slug)
	if err != nil {
		return Result{}, err
	}
	if existing == nil {
		return skipped("%s \"%s\" is not installed on this site", label(kind), slug), nil
	}
	if existing.Enabled {
		return skipped("%s \"%s\" is already active", label(kind), slug), nil
	}

	if kind == models.KindPlugin {
		if _, err := e.wp(ctx, s, "plugin", "activate", slug); err != nil {
			return Result{}, err
		}
		if err := e.syncPackage(ctx, s, kind, slug, normalizeSource(existing.Source), existing.LatestVersion); err != nil {
			return Result{}, err
		}
		return succeeded("Plugin \"%s\" activated", slug), nil
	}

	previous, err := e.activeTheme(ctx, s)
	if err != nil {
		return Result{}, err
	}
	if _, err := e.wp(ctx, s, "theme", "activate", slug); err != nil {
		return Result{}, err
	}
	if err := e.syncPackage(ctx, s, kind, slug, normalizeSource(existing.Source), existing.LatestVersion); err != nil {
		return Result{}, err
	}
	if previous != "" && previous != slug {
		if err := e.resyncTheme(ctx, s, previous); err != nil {
			return Result{}, err
		}
	}
	return succeeded("Theme \"%s\" activated", slug), nil
}

func (e *Executor) deactivate(ctx context.Context, s site, kind models.Kind, slug string) (Result, error) {
	existing, err := e.findPackage(ctx, s.inst.ID, kind, slug)
	if err != nil {
		return Result{}, err
	}
	if existing == nil {
		return skipped("%s \"%s\" is not installed on this site", label(kind), slug), nil
	}
	if !existing.Enabled {
		return skipped("%s \"%s\" is already inactive", label(kind), slug), nil
	}

	if kind == models.KindPlugin {
		if _, err := e.wp(ctx, s, "plugin", "deactivate", slug); err != nil {
			return Result{}, err
		}
		if err := e.syncPackage(ctx, s, kind, slug, normalizeSource(existing.Source), existing.LatestVersion); err != nil {
			return Result{}, err
		}
		return succeeded("Plugin \"%s\" deactivated", slug), nil
	}

	fallback, err := e.switchThemeAwayFrom(ctx, s, slug)
	if err != nil {
		return Result{}, err
	}
	if err := e.syncPackage(ctx, s, kind, slug, normalizeSource(existing.Source), existing.LatestVersion); err != nil {
		return Result{}, err
	}
	if fallback != slug {
		if err := e.resyncTheme(ctx, s, fallback); err != nil {
			return Result{}, err
		}
	}
	if after, err := e.findPackage(ctx, s.inst.ID, kind, slug); err != nil {
		return Result{}, err
	} else if after != nil && after.Enabled {
		return Failed("Theme \"%s\" is still active after deactivation", slug), nil
	}
	return succeeded("Theme \"%s\" deactivated", slug), nil
}

func (e *Executor) delete(ctx context.Context, s site, kind models.Kind, slug string) (Result, error) {
	existing, err := e.findPackage(ctx, s.inst.ID, kind, slug)
	if err != nil {
		return Result{}, err
	}
	var fallback string
	if existing != nil && existing.Enabled {
		if kind == models.KindPlugin {
			if _, err := e.wpAllowFailure(ctx, s, "plugin", "deactivate", slug); err != nil {
				e.logger.Warn("deactivate before delete failed", "installation", s.inst.ID, "slug", slug, "error", err)
			}
		} else {
			fallback, err = e.switchThemeAwayFrom(ctx, s, slug)
			if err != nil {
				e.logger.Warn("switch theme before delete failed", "installation", s.inst.ID, "slug", slug, "error", err)
				fallback = ""
			}
		}
	}

	res, err := e.wpAllowFailure(ctx, s, string(kind), "delete", slug)
	if err != nil {
		return Result{}, err
	}
	if !res.Success() && !isMissingPackageError(res.Stderr) {
		return Failed("Failed to delete %s \"%s\": %s", kind, slug, wpcli.TrimError(res.Stderr)), nil
	}
	if err := e.store.DeletePackage(ctx, s.inst.ID, kind, slug); err != nil {
		return Result{}, err
	}
	if fallback != "" && fallback != slug {
		if err := e.resyncTheme(ctx, s, fallback); err != nil {
			return Result{}, err
		}
	}
	return succeeded("%s \"%s\" deleted", label(kind), slug), nil
}

// restoreActivation puts the package back into its pre-update state. Failures are logged only.
func (e *Executor) restoreActivation(ctx context.Context, s site, kind models.Kind, slug string, wasActive bool) {
	var args []string
	switch {
	case kind == models.KindPlugin && wasActive:
		args = []string{"plugin", "activate", slug}
	case kind == models.KindPlugin:
		args = []string{"plugin", "deactivate", slug}
	case wasActive:
		args = []string{"theme", "activate", slug}
	default:
		return
	}
	if _, err := e.wpAllowFailure(ctx, s, args...); err != nil {
		e.logger.Warn("restore activation failed", "installation", s.inst.ID, "slug", slug, "error", err)
	}
}

type themeListEntry struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

func (e *Executor) themeList(ctx context.Context, s site, fields string) ([]themeListEntry, error) {
	res, err := e.wp(ctx, s, "theme", "list", "--format=json", "--fields="+fields)
	if err != nil {
		return nil, fmt.Errorf("list themes: %w", err)
	}
	var themes []themeListEntry
	if err := decodeJSONOutput(res.Stdout, &themes); err != nil {
		return nil, fmt.Errorf("list themes: %w", err)
	}
	return themes, nil
}

func (e *Executor) activeTheme(ctx context.Context, s site) (string, error) {
	themes, err := e.themeList(ctx, s, "name,status")
	if err != nil {
		return "", err
	}
	for _, th := range themes {
		if th.Status == "active" {
			return th.Name, nil
		}
	}
	return "", nil
}

// switchThemeAwayFrom makes some other installed theme active when slug is
// the active theme and returns the theme that is active afterwards.
func (e *Executor) switchThemeAwayFrom(ctx context.Context, s site, slug string) (string, error) {
	themes, err := e.themeList(ctx, s, "name,status")
	if err != nil {
		return "", err
	}
	active := ""
	for _, th := range themes {
		if th.Status == "active" {
			active = th.Name
			break
		}
	}
	if active != slug {
		if active == "" {
			return slug, nil
		}
		return active, nil
	}
	fallback := ""
	for _, th := range themes {
		if th.Name != slug {
			fallback = th.Name
			break
		}
	}
	if fallback == "" {
		return "", fmt.Errorf("unable to deactivate active theme \"%s\" because no fallback theme is installed", slug)
	}
	if _, err := e.wp(ctx, s, "theme", "activate", fallback); err != nil {
		return "", err
	}
	return fallback, nil
}

// resyncTheme refreshes a theme touched as a side effect, keeping its recorded provenance.
func (e *Executor) resyncTheme(ctx context.Context, s site, slug string) error {
	existing, err := e.findPackage(ctx, s.inst.ID, models.KindTheme, slug)
	if err != nil {
		return err
	}
	source := models.SourceRegistry
	if existing != nil {
		source = normalizeSource(existing.Source)
	}
	return e.syncPackage(ctx, s, models.KindTheme, slug, source, "")
}

// templateOf returns the parent theme slug of a child theme, or the theme's
// own slug. Lookup failures return "".
func (e *Executor) templateOf(ctx context.Context, s site, theme string) string {
	res, err := e.wpAllowFailure(ctx, s, "theme", "get", theme, "--field=template")
	if err != nil || !res.Success() {
		return ""
	}
	return strings.TrimSpace(res.Stdout)
}

type packageDetails struct {
	Name       string `json:"name"`
	Title      string `json:"title"`
	Status     string `json:"status"`
	Version    string `json:"version"`
	AutoUpdate string `json:"auto_update"`
}

// syncPackage re-reads one package from the site and upserts its record, or
// removes the record when the site no longer has the package.
func (e *Executor) syncPackage(ctx context.Context, s site, kind models.Kind, slug string, source models.Source, latestHint string) error {
	existing, err := e.findPackage(ctx, s.inst.ID, kind, slug)
	if err != nil {
		return err
	}
	fields := "name,title,status,version"
	if kind == models.KindTheme {
		fields += ",auto_update"
	}
	res, err := e.wpAllowFailure(ctx, s, string(kind), "get", slug, "--format=json", "--fields="+fields)
	if err != nil {
		return err
	}
	if !res.Success() || strings.TrimSpace(res.Stdout) == "" {
		return e.store.DeletePackage(ctx, s.inst.ID, kind, slug)
	}
	var details packageDetails
	if err := decodeJSONOutput(res.Stdout, &details); err != nil {
		e.logger.Warn("unreadable package details, keeping recorded state",
			"installation", s.inst.ID, "kind", kind, "slug", slug, "error", err)
		return nil
	}

	pkg := models.Package{
		InstallationID: s.inst.ID,
		Kind:           kind,
		Slug:           slug,
		Name:           firstNonEmpty(details.Name, slug),
		Title:          firstNonEmpty(details.Title, details.Name, slug),
		Version:        details.Version,
		Enabled:        details.Status == "active",
		Source:         source,
		LatestVersion:  latestHint,
	}
	if existing != nil {
		pkg.LatestVersion = firstNonEmpty(latestHint, existing.LatestVersion)
		pkg.AutoUpdate = existing.AutoUpdate
		pkg.MainFilePath = existing.MainFilePath
	}
	if kind == models.KindTheme {
		pkg.AutoUpdate = details.AutoUpdate == "on"
		active, err := e.activeTheme(ctx, s)
		if err != nil {
			return err
		}
		if active != "" && active != slug {
			pkg.IsActiveChild = e.templateOf(ctx, s, active) == slug
		}
	}
	return e.store.UpsertPackage(ctx, pkg)
}

func (e *Executor) findPackage(ctx context.Context, installationID string, kind models.Kind, slug string) (*models.Package, error) {
	pkg, err := e.store.GetPackage(ctx, installationID, kind, slug)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pkg, nil
}

func (e *Executor) wp(ctx context.Context, s site, args ...string) (execution.CommandResult, error) {
	return e.remote.Run(ctx, s.server, s.inst, args, wpcli.RunOptions{})
}

func (e *Executor) wpAllowFailure(ctx context.Context, s site, args ...string) (execution.CommandResult, error) {
	return e.remote.Run(ctx, s.server, s.inst, args, wpcli.RunOptions{AllowFailure: true})
}

// decodeJSONOutput decodes WP-CLI JSON output. PHP notices printed ahead of
// the document are skipped.
func decodeJSONOutput(out string, v any) error {
	out = strings.TrimSpace(out)
	err := json.Unmarshal([]byte(out), v)
	if err == nil {
		return nil
	}
	if i := strings.IndexAny(out, "[{"); i > 0 {
		if json.Unmarshal([]byte(out[i:]), v) == nil {
			return nil
		}
	}
	return fmt.Errorf("decode wp-cli output: %w", err)
}

func isMissingPackageError(stderr string) bool {
	return strings.Contains(strings.ToLower(stderr), "not installed")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
