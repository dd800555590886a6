// Package wporg classifies installed packages against the WordPress.org
// update-check API: packages the registry knows are marked as registry
// packages with their latest version, the rest as external.
package wporg

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/luccadibe/wpfleet/internal/metrics"
	"github.com/luccadibe/wpfleet/internal/models"
	"github.com/luccadibe/wpfleet/internal/store"
)

const (
	DefaultBaseURL  = "https://api.wordpress.org"
	DefaultInterval = time.Hour

	requestTimeout = 30 * time.Second
	maxResponse    = 16 << 20
)

// Checker runs the version check.
type Checker struct {
	store    *store.Store
	client   *http.Client
	baseURL  string
	interval time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// Options configures a Checker. Zero values select the defaults.
type Options struct {
	BaseURL    string
	Interval   time.Duration
	HTTPClient *http.Client
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// New returns a checker writing to st.
func New(st *store.Store, opts Options) *Checker {
	c := &Checker{
		store:    st,
		client:   opts.HTTPClient,
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		interval: opts.Interval,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		now:      time.Now,
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: requestTimeout}
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.interval <= 0 {
		c.interval = DefaultInterval
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// ShouldRun reports whether any record is unclassified or the last check is
// older than the interval.
func (c *Checker) ShouldRun(ctx context.Context) (bool, error) {
	unknown, err := c.store.CountUnknownSources(ctx)
	if err != nil {
		return false, err
	}
	if unknown > 0 {
		return true, nil
	}
	last, err := c.store.LastCheckTime(ctx, store.OptionWPOrgLastCheck)
	if err != nil {
		return false, err
	}
	return last.IsZero() || c.now().Sub(last) >= c.interval, nil
}

// RunIfNeeded runs Run when ShouldRun says so.
func (c *Checker) RunIfNeeded(ctx context.Context) error {
	ok, err := c.ShouldRun(ctx)
	if err != nil || !ok {
		return err
	}
	return c.Run(ctx)
}

// Run checks plugins and themes and stamps the check time. Registry errors
// are logged and leave the affected records untouched; only store errors
// are returned.
func (c *Checker) Run(ctx context.Context) error {
	if err := c.checkPlugins(ctx); err != nil {
		return err
	}
	if err := c.checkThemes(ctx); err != nil {
		return err
	}
	return c.store.SetOption(ctx, store.OptionWPOrgLastCheck, c.now().UTC())
}

type updateInfo struct {
	NewVersion string `json:"new_version"`
}

// infoMap decodes a JSON object of update entries. The API sends an empty
// array instead of an empty object.
type infoMap map[string]updateInfo

func (m *infoMap) UnmarshalJSON(data []byte) error {
	if trimmed := strings.TrimSpace(string(data)); trimmed == "[]" || trimmed == "null" {
		*m = nil
		return nil
	}
	var raw map[string]updateInfo
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = raw
	return nil
}

// updateResponse is the shared shape of both endpoints. Entries with updates
// and entries without are both known to the registry.
type updateResponse struct {
	Plugins  infoMap `json:"plugins"`
	Themes   infoMap `json:"themes"`
	NoUpdate infoMap `json:"no_update"`
}

func (r updateResponse) lookup(key string) (updateInfo, bool) {
	if info, ok := r.Plugins[key]; ok {
		return info, true
	}
	if info, ok := r.Themes[key]; ok {
		return info, true
	}
	info, ok := r.NoUpdate[key]
	return info, ok
}

func (c *Checker) checkPlugins(ctx context.Context) error {
	records, err := c.store.ListPackagesByKind(ctx, models.KindPlugin)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	// One entry per slug, keyed by the plugin file the registry expects.
	pathOf := make(map[string]string)
	var slugs []string
	for _, p := range records {
		if path, seen := pathOf[p.Slug]; seen {
			if path == p.Slug+"/"+p.Slug+".php" && p.MainFilePath != "" {
				pathOf[p.Slug] = p.MainFilePath
			}
			continue
		}
		slugs = append(slugs, p.Slug)
		pathOf[p.Slug] = firstNonEmpty(p.MainFilePath, p.Slug+"/"+p.Slug+".php")
	}
	files := make(map[string]struct{}, len(slugs))
	for _, slug := range slugs {
		files[pathOf[slug]] = struct{}{}
	}
	payload, err := json.Marshal(map[string]any{"plugins": files, "active": []string{}})
	if err != nil {
		return fmt.Errorf("encode plugin check: %w", err)
	}
	resp, err := c.post(ctx, "/plugins/update-check/1.1/", "plugins", payload)
	if err != nil {
		c.logger.Warn("plugin version check failed", "error", err)
		c.metrics.RegistryChecked(string(models.KindPlugin), "error")
		return nil
	}
	for _, slug := range slugs {
		info, found := resp.lookup(pathOf[slug])
		if err := c.mark(ctx, models.KindPlugin, slug, info, found); err != nil {
			return err
		}
	}
	return nil
}

func (c *Checker) checkThemes(ctx context.Context) error {
	records, err := c.store.ListPackagesByKind(ctx, models.KindTheme)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	var slugs []string
	themes := make(map[string]struct{})
	for _, p := range records {
		if _, seen := themes[p.Slug]; seen {
			continue
		}
		themes[p.Slug] = struct{}{}
		slugs = append(slugs, p.Slug)
	}
	payload, err := json.Marshal(map[string]any{"themes": themes, "active": slugs[0]})
	if err != nil {
		return fmt.Errorf("encode theme check: %w", err)
	}
	resp, err := c.post(ctx, "/themes/update-check/1.1/", "themes", payload)
	if err != nil {
		c.logger.Warn("theme version check failed", "error", err)
		c.metrics.RegistryChecked(string(models.KindTheme), "error")
		return nil
	}
	for _, slug := range slugs {
		info, found := resp.lookup(slug)
		if err := c.mark(ctx, models.KindTheme, slug, info, found); err != nil {
			return err
		}
	}
	return nil
}

func (c *Checker) mark(ctx context.Context, kind models.Kind, slug string, info updateInfo, found bool) error {
	if !found {
		c.metrics.RegistryChecked(string(kind), string(models.SourceExternal))
		return c.store.SetPackageSource(ctx, kind, slug, models.SourceExternal, "")
	}
	c.metrics.RegistryChecked(string(kind), string(models.SourceRegistry))
	return c.store.SetPackageSource(ctx, kind, slug, models.SourceRegistry, info.NewVersion)
}

func (c *Checker) post(ctx context.Context, path, field string, payload []byte) (updateResponse, error) {
	form := url.Values{}
	form.Set(field, string(payload))
	form.Set("translations", "[]")
	form.Set("locale", `["en_US"]`)
	form.Set("all", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return updateResponse{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return updateResponse{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return updateResponse{}, fmt.Errorf("%s: unexpected status %s", path, res.Status)
	}
	var out updateResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, maxResponse)).Decode(&out); err != nil {
		return updateResponse{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return out, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
