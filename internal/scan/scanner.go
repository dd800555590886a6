// Package scan discovers WordPress installations on servers over SSH and
// refreshes their metadata and package inventories.
package scan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/luccadibe/wpfleet/internal/events"
	"github.com/luccadibe/wpfleet/internal/execution"
	"github.com/luccadibe/wpfleet/internal/locks"
	"github.com/luccadibe/wpfleet/internal/metrics"
	"github.com/luccadibe/wpfleet/internal/models"
	"github.com/luccadibe/wpfleet/internal/store"
	"github.com/luccadibe/wpfleet/internal/wpcli"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultConcurrency = 8

	findTimeout     = 120 * time.Second
	shortTimeout    = 10 * time.Second
	optionTimeout   = 30 * time.Second
	listTimeout     = 60 * time.Second
	probeTimeout    = 30 * time.Second
	cleanupDeadline = 10 * time.Second
)

// ErrScanInProgress is returned when the server is already being scanned.
var ErrScanInProgress = errors.New("scan already in progress")

// Result counts the installations of one scan.
type Result struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// Options configures a Scanner. Zero values select the defaults.
type Options struct {
	Concurrency int
	// Locks is shared with the package job queue.
	Locks *locks.Set
	// DefaultLevel seeds the monitoring level of new installations when no
	// stored option overrides it.
	DefaultLevel models.MonitoringLevel
	Events       events.Publisher
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

// Scanner runs server scans.
type Scanner struct {
	store        *store.Store
	cli          *wpcli.Client
	locks        *locks.Set
	events       events.Publisher
	metrics      *metrics.Metrics
	logger       *slog.Logger
	concurrency  int
	defaultLevel models.MonitoringLevel

	mu     sync.Mutex
	active map[string]struct{}
}

// New returns a scanner that reaches servers through cli.
func New(st *store.Store, cli *wpcli.Client, opts Options) *Scanner {
	s := &Scanner{
		store:        st,
		cli:          cli,
		locks:        opts.Locks,
		events:       opts.Events,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		concurrency:  opts.Concurrency,
		defaultLevel: opts.DefaultLevel,
		active:       make(map[string]struct{}),
	}
	if s.locks == nil {
		s.locks = locks.New()
	}
	if s.events == nil {
		s.events = events.Discard
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.concurrency <= 0 {
		s.concurrency = DefaultConcurrency
	}
	if !s.defaultLevel.Valid() {
		s.defaultLevel = models.MonitoringNormal
	}
	return s
}

// RunServerScanByID loads the server and scans it.
func (s *Scanner) RunServerScanByID(ctx context.Context, serverID string) (Result, error) {
	server, err := s.store.GetServer(ctx, serverID)
	if err != nil {
		return Result{}, err
	}
	return s.RunServerScan(ctx, server)
}

// RunServerScan scans one server. Per-installation failures are counted, not
// returned; an error means the scan could not start or could not list
// candidates. Every started scan ends with exactly one complete event.
func (s *Scanner) RunServerScan(ctx context.Context, server models.Server) (Result, error) {
	if !s.begin(server.ID) {
		return Result{}, fmt.Errorf("server %s: %w", server.ID, ErrScanInProgress)
	}
	defer s.end(server.ID)

	start := time.Now()
	run := &scanRun{Scanner: s, server: server}
	res, err := run.execute(ctx)
	if err != nil {
		run.send(events.TypeError, fmt.Sprintf("Scan error: %v", err), nil)
		run.send(events.TypeComplete, "Scan failed", Result{Failed: 1})
		s.logger.Error("scan failed", "server", server.ID, "error", err)
		s.metrics.ScanFinished(server.ID, 0, 1, time.Since(start))
		return Result{Failed: 1}, err
	}
	run.send(events.TypeComplete, fmt.Sprintf("Scan completed: %d successful, %d failed", res.Success, res.Failed), res)
	s.logger.Info("scan complete", "server", server.ID, "success", res.Success, "failed", res.Failed,
		"duration", time.Since(start).Round(time.Millisecond))
	s.metrics.ScanFinished(server.ID, res.Success, res.Failed, time.Since(start))
	return res, nil
}

// IsScanning reports whether serverID has a scan running.
func (s *Scanner) IsScanning(serverID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[serverID]
	return ok
}

func (s *Scanner) begin(serverID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[serverID]; ok {
		return false
	}
	s.active[serverID] = struct{}{}
	return true
}

func (s *Scanner) end(serverID string) {
	s.mu.Lock()
	delete(s.active, serverID)
	s.mu.Unlock()
}

// scanRun is the state of one server scan.
type scanRun struct {
	*Scanner
	server models.Server
	php    string
	level  models.MonitoringLevel

	progressMu sync.Mutex
	progress   Progress
}

// Progress is the data of scan progress events.
type Progress struct {
	Total   int `json:"total"`
	Current int `json:"current"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

func (r *scanRun) send(typ events.Type, msg string, data any) {
	r.events.Publish(events.Event{
		Channel:  events.ChannelScan,
		Type:     typ,
		Message:  msg,
		TargetID: r.server.ID,
		Data:     data,
		Time:     time.Now(),
	})
}

func (r *scanRun) execute(ctx context.Context) (Result, error) {
	client, err := r.cli.Dialer.Dial(ctx, r.server.Host)
	if err != nil {
		return Result{}, fmt.Errorf("connect to %s: %w", r.server.ID, err)
	}
	defer client.Close()

	r.level = r.defaultLevel
	var stored models.MonitoringLevel
	if err := r.store.GetOption(ctx, store.OptionMonitoringDefaultLevel, &stored); err == nil && stored.Valid() {
		r.level = stored
	}

	r.send(events.TypeLog, fmt.Sprintf("Starting scan on %s...", r.server.Name), nil)
	r.send(events.TypeLog, fmt.Sprintf("Searching for WordPress installations in %s...", searchRoot(r.server.Platform)), nil)

	found, err := client.RunCommand(ctx, execution.CommandRequest{Command: findCommand(r.server.Platform), Timeout: findTimeout})
	if err != nil {
		return Result{}, fmt.Errorf("search for installations: %w", err)
	}
	// find exits nonzero on unreadable directories; only an empty listing is fatal.
	if !found.Success() && strings.TrimSpace(found.Stdout) == "" {
		return Result{}, fmt.Errorf("failed to search for WordPress installations: %s", wpcli.TrimError(found.Stderr))
	}
	candidates := candidateDirs(found.Stdout)
	r.send(events.TypeLog, fmt.Sprintf("Found %d potential WordPress installations", len(candidates)), nil)

	var valid []string
	for _, dir := range candidates {
		res, err := client.RunCommand(ctx, execution.CommandRequest{Command: validateCommand(dir), Timeout: shortTimeout})
		if err == nil && strings.TrimSpace(res.Stdout) == "valid" {
			valid = append(valid, dir)
			continue
		}
		r.send(events.TypeError, fmt.Sprintf("Skipping invalid installation: %s", dir), nil)
		r.logger.Warn("skipping invalid installation", "server", r.server.ID, "path", dir, "error", err)
	}
	r.progress.Total = len(valid)
	r.send(events.TypeLog, fmt.Sprintf("%d valid WordPress installations found", len(valid)), nil)
	r.send(events.TypeProgress, "Starting detailed scan", r.progress)

	r.send(events.TypeLog, "Checking wp-cli installation...", nil)
	if err := r.cli.Installer.EnsureWith(ctx, r.server, client); err != nil {
		return Result{}, err
	}
	r.php = r.cli.Resolver.PHPBinaryWith(ctx, r.server, client)
	r.send(events.TypeLog, fmt.Sprintf("Using PHP binary: %s", r.php), nil)

	if len(valid) > 0 {
		r.processAll(ctx, valid)
	}
	return Result{Success: r.progress.Success, Failed: r.progress.Failed}, nil
}

// processAll drains dirs with a pool of workers, each holding one session.
func (r *scanRun) processAll(ctx context.Context, dirs []string) {
	work := make(chan string)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(work)
		for _, dir := range dirs {
			select {
			case work <- dir:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})
	workers := min(r.concurrency, len(dirs))
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			session, dialErr := r.cli.Dialer.Dial(gctx, r.server.Host)
			if dialErr == nil {
				defer session.Close()
			}
			for dir := range work {
				err := dialErr
				if err == nil {
					err = r.processInstallation(gctx, session, dir)
				}
				r.finish(dir, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	// Directories never handed out because ctx ended still count as failed.
	r.progressMu.Lock()
	missing := r.progress.Total - r.progress.Current
	r.progressMu.Unlock()
	for i := 0; i < missing; i++ {
		r.finish("(cancelled)", ctx.Err())
	}
}

func (r *scanRun) finish(dir string, err error) {
	r.progressMu.Lock()
	if err != nil {
		r.progress.Failed++
	} else {
		r.progress.Success++
	}
	r.progress.Current++
	p := r.progress
	r.progressMu.Unlock()

	if err != nil {
		r.send(events.TypeError, fmt.Sprintf("Error processing %s: %v", dir, err), nil)
		r.logger.Warn("installation scan failed", "server", r.server.ID, "path", dir, "error", err)
	}
	r.send(events.TypeProgress, fmt.Sprintf("Processed %s", dir), p)
}

func (r *scanRun) run(ctx context.Context, session execution.ExecutionClient, command string, timeout time.Duration) (execution.CommandResult, error) {
	return session.RunCommand(ctx, execution.CommandRequest{Command: command, Timeout: timeout})
}

func (r *scanRun) wp(ctx context.Context, session execution.ExecutionClient, inst models.Installation, timeout time.Duration, args ...string) (string, error) {
	res, err := r.cli.RunWith(ctx, session, r.server, inst, args, wpcli.RunOptions{AllowFailure: true, Timeout: timeout})
	if err != nil {
		return "", err
	}
	if !res.Success() {
		return "", nil
	}
	return strings.TrimSpace(res.Stdout), nil
}

func (r *scanRun) processInstallation(ctx context.Context, session execution.ExecutionClient, dir string) error {
	r.send(events.TypeLog, fmt.Sprintf("Processing: %s", dir), nil)

	owner, err := r.owner(ctx, session, dir)
	if err != nil {
		return err
	}
	r.send(events.TypeLog, fmt.Sprintf("Detected user: %s", owner), nil)

	inst := models.Installation{ServerID: r.server.ID, Path: dir, UnixUsername: owner}
	if err := r.readSiteInfo(ctx, session, &inst); err != nil {
		return err
	}
	inst.PHPVersion, inst.PHPMemoryLimit = r.probePHP(ctx, session, dir, inst.SiteURL)

	saved, err := r.store.UpsertInstallation(ctx, inst, r.level)
	if err != nil {
		return err
	}

	// Package rows are rewritten under the site lock so a running package
	// job's resync and this scan never interleave.
	if err := r.locks.Lock(ctx, saved.ID); err != nil {
		return fmt.Errorf("wait for site lock: %w", err)
	}
	defer r.locks.Unlock(saved.ID)

	r.send(events.TypeLog, fmt.Sprintf("Getting plugins for %s...", saved.Title()), nil)
	if n, err := r.syncPlugins(ctx, session, saved); err != nil {
		r.send(events.TypeError, fmt.Sprintf("Failed to get plugins: %v", err), nil)
	} else {
		r.send(events.TypeLog, fmt.Sprintf("Saved %d plugins", n), nil)
	}
	r.send(events.TypeLog, fmt.Sprintf("Getting themes for %s...", saved.Title()), nil)
	if n, err := r.syncThemes(ctx, session, saved); err != nil {
		r.send(events.TypeError, fmt.Sprintf("Failed to get themes: %v", err), nil)
	} else {
		r.send(events.TypeLog, fmt.Sprintf("Saved %d themes", n), nil)
	}
	return nil
}

// owner returns the account owning dir's account root. It never guesses.
func (r *scanRun) owner(ctx context.Context, session execution.ExecutionClient, dir string) (string, error) {
	root, err := accountRoot(r.server.Platform, dir)
	if err != nil {
		return "", fmt.Errorf("could not determine user for %s: %w", dir, err)
	}
	res, err := r.run(ctx, session, ownerCommand(root), shortTimeout)
	if err != nil {
		return "", fmt.Errorf("could not determine user for %s: %w", dir, err)
	}
	owner := strings.TrimSpace(res.Stdout)
	if !res.Success() || owner == "" {
		return "", fmt.Errorf("could not determine user for %s", dir)
	}
	if !wpcli.ValidUsername(owner) {
		return "", fmt.Errorf("could not determine user for %s: %w %q", dir, wpcli.ErrInvalidUsername, owner)
	}
	return owner, nil
}

func (r *scanRun) readSiteInfo(ctx context.Context, session execution.ExecutionClient, inst *models.Installation) error {
	option := func(name string) (string, error) {
		return r.wp(ctx, session, *inst, optionTimeout, "option", "get", name)
	}
	var err error
	if inst.SiteURL, err = option("siteurl"); err != nil {
		return err
	}
	if inst.SiteURL == "" {
		return fmt.Errorf("could not get site URL for %s", inst.Path)
	}
	if inst.SiteTitle, err = option("blogname"); err != nil {
		return err
	}
	if inst.SiteTitle == "" {
		inst.SiteTitle = "Unknown"
	}
	if inst.SiteDescription, err = option("blogdescription"); err != nil {
		return err
	}
	if inst.Timezone, err = option("timezone_string"); err != nil {
		return err
	}
	if inst.AdminEmail, err = option("admin_email"); err != nil {
		return err
	}
	cron, err := r.wp(ctx, session, *inst, optionTimeout, "config", "get", "DISABLE_WP_CRON")
	if err != nil {
		return err
	}
	inst.UsesServerCron = cron == "true" || cron == "1"
	return nil
}

// probePHP reads the PHP version and memory limit the web server runs the
// site with. The probe file is always removed; failures yield empty values.
func (r *scanRun) probePHP(ctx context.Context, session execution.ExecutionClient, dir, siteURL string) (string, string) {
	name := "wpfleet-probe-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12] + ".php"
	fetch, cleanup, err := probeCommands(dir, siteURL, name)
	if err != nil {
		r.logger.Debug("php probe skipped", "path", dir, "error", err)
		return "", ""
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupDeadline)
		defer cancel()
		if _, err := r.run(cctx, session, cleanup, cleanupDeadline); err != nil {
			r.logger.Warn("php probe cleanup failed", "path", dir, "error", err)
		}
	}()

	res, err := r.run(ctx, session, fetch, probeTimeout)
	if err != nil || !res.Success() {
		return "", ""
	}
	var info struct {
		Version     string `json:"version"`
		MemoryLimit string `json:"memory_limit"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(res.Stdout)), &info); err != nil {
		return "", ""
	}
	return info.Version, info.MemoryLimit
}

type listedPackage struct {
	Name       string `json:"name"`
	Title      string `json:"title"`
	Status     string `json:"status"`
	Version    string `json:"version"`
	AutoUpdate string `json:"auto_update"`
}

func (r *scanRun) listPackages(ctx context.Context, session execution.ExecutionClient, inst models.Installation, kind models.Kind) ([]listedPackage, error) {
	res, err := r.cli.RunWith(ctx, session, r.server, inst,
		[]string{string(kind), "list", "--format=json", "--fields=name,title,status,version,auto_update"},
		wpcli.RunOptions{Timeout: listTimeout})
	if err != nil {
		return nil, err
	}
	out := strings.TrimSpace(res.Stdout)
	if out == "" {
		return nil, nil
	}
	var list []listedPackage
	if err := json.Unmarshal([]byte(out), &list); err != nil {
		return nil, fmt.Errorf("decode %s list: %w", kind, err)
	}
	return list, nil
}

// previous indexes the stored records of kind by slug so provenance and the
// latest known version survive a rescan.
func (r *scanRun) previous(ctx context.Context, instID string, kind models.Kind) map[string]models.Package {
	out := make(map[string]models.Package)
	pkgs, err := r.store.ListPackages(ctx, instID, kind)
	if err != nil {
		return out
	}
	for _, p := range pkgs {
		out[p.Slug] = p
	}
	return out
}

func (r *scanRun) record(inst models.Installation, kind models.Kind, p listedPackage, prev map[string]models.Package) models.Package {
	slug := firstNonEmpty(p.Name, "unknown")
	pkg := models.Package{
		InstallationID: inst.ID,
		Kind:           kind,
		Slug:           slug,
		Name:           slug,
		Title:          firstNonEmpty(p.Title, p.Name, "Unknown"),
		Version:        p.Version,
		Enabled:        p.Status == "active",
		AutoUpdate:     p.AutoUpdate == "on",
		Source:         models.SourceUnknown,
	}
	if old, ok := prev[slug]; ok {
		pkg.Source = old.Source
		pkg.LatestVersion = old.LatestVersion
	}
	return pkg
}

func (r *scanRun) syncPlugins(ctx context.Context, session execution.ExecutionClient, inst models.Installation) (int, error) {
	list, err := r.listPackages(ctx, session, inst, models.KindPlugin)
	if err != nil {
		return 0, err
	}
	mainFiles := map[string]string{}
	if res, err := r.run(ctx, session, mainFilesCommand(inst.Path), optionTimeout); err == nil && res.Success() {
		mainFiles = parseMainFiles(res.Stdout)
	}
	prev := r.previous(ctx, inst.ID, models.KindPlugin)
	pkgs := make([]models.Package, 0, len(list))
	for _, p := range list {
		pkg := r.record(inst, models.KindPlugin, p, prev)
		pkg.MainFilePath = mainFiles[pkg.Slug]
		pkgs = append(pkgs, pkg)
	}
	return len(pkgs), r.store.ReplacePackages(ctx, inst.ID, models.KindPlugin, pkgs)
}

func (r *scanRun) syncThemes(ctx context.Context, session execution.ExecutionClient, inst models.Installation) (int, error) {
	list, err := r.listPackages(ctx, session, inst, models.KindTheme)
	if err != nil {
		return 0, err
	}
	parent := ""
	for _, p := range list {
		if p.Status == "active" {
			if tpl, err := r.wp(ctx, session, inst, optionTimeout, "theme", "get", p.Name, "--field=template"); err == nil && tpl != p.Name {
				parent = tpl
			}
			break
		}
	}
	prev := r.previous(ctx, inst.ID, models.KindTheme)
	pkgs := make([]models.Package, 0, len(list))
	for _, p := range list {
		pkg := r.record(inst, models.KindTheme, p, prev)
		pkg.IsActiveChild = parent != "" && pkg.Slug == parent
		pkgs = append(pkgs, pkg)
	}
	return len(pkgs), r.store.ReplacePackages(ctx, inst.ID, models.KindTheme, pkgs)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
