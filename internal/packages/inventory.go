package packages

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/luccadibe/wpfleet/internal/models"
	"github.com/luccadibe/wpfleet/internal/store"
	"github.com/luccadibe/wpfleet/internal/version"
)

// VersionCount is how many sites run one version of a package.
type VersionCount struct {
	Version    string `json:"version"`
	SitesCount int    `json:"sitesCount"`
}

// InstalledPackage summarises one slug across the fleet.
type InstalledPackage struct {
	Slug                    string         `json:"slug"`
	Name                    string         `json:"name"`
	Title                   string         `json:"title"`
	Versions                []VersionCount `json:"versions"`
	Source                  models.Source  `json:"source"`
	LatestVersion           string         `json:"latestVersion,omitempty"`
	HasNewerVersion         bool           `json:"hasNewerVersion"`
	TotalInstallations      int            `json:"totalInstallations"`
	UpToDateCount           int            `json:"upToDateCount"`
	OutdatedCount           int            `json:"outdatedCount"`
	OutdatedInstallationIDs []string       `json:"outdatedInstallationIds"`
}

// Checker refreshes registry versions before an inventory is built.
type Checker interface {
	RunIfNeeded(ctx context.Context) error
}

// Inventory aggregates package records across every installation.
type Inventory struct {
	store   *store.Store
	checker Checker
	logger  *slog.Logger
}

// NewInventory returns an inventory; checker may be nil. A failed version
// check is logged and the inventory is built from the records as they are.
func NewInventory(st *store.Store, checker Checker, logger *slog.Logger) *Inventory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Inventory{store: st, checker: checker, logger: logger}
}

// Installed groups the records of kind by slug. The latest version of a slug
// is the highest registry-reported version, or the latest uploaded version
// when no record carries one. Results are sorted by title.
func (inv *Inventory) Installed(ctx context.Context, kind models.Kind) ([]InstalledPackage, error) {
	if inv.checker != nil {
		if err := inv.checker.RunIfNeeded(ctx); err != nil {
			inv.logger.Warn("version check failed", "error", err)
		}
	}
	records, err := inv.store.ListPackagesByKind(ctx, kind)
	if err != nil {
		return nil, err
	}
	uploads, err := inv.store.ListUploads(ctx, kind)
	if err != nil {
		return nil, err
	}
	uploadedLatest := make(map[string]string)
	for _, up := range uploads {
		if up.IsLatest {
			uploadedLatest[up.Slug] = up.Version
		}
	}

	bySlug := make(map[string]*InstalledPackage)
	var order []string
	for _, rec := range records {
		row, ok := bySlug[rec.Slug]
		if !ok {
			row = &InstalledPackage{Slug: rec.Slug, Name: rec.Name, Title: rec.Title, Source: rec.Source}
			bySlug[rec.Slug] = row
			order = append(order, rec.Slug)
		}
		latest := rec.LatestVersion
		if latest == "" {
			latest = uploadedLatest[rec.Slug]
		}
		if latest != "" && (row.LatestVersion == "" || version.Newer(latest, row.LatestVersion)) {
			row.LatestVersion = latest
		}
		if rec.Source != models.SourceUnknown {
			row.Source = rec.Source
		}
	}

	for _, rec := range records {
		row := bySlug[rec.Slug]
		row.TotalInstallations++
		if row.LatestVersion != "" && version.Newer(row.LatestVersion, rec.Version) {
			row.OutdatedCount++
			row.HasNewerVersion = true
			row.OutdatedInstallationIDs = append(row.OutdatedInstallationIDs, rec.InstallationID)
		} else {
			row.UpToDateCount++
		}
		found := false
		for i := range row.Versions {
			if row.Versions[i].Version == rec.Version {
				row.Versions[i].SitesCount++
				found = true
				break
			}
		}
		if !found {
			row.Versions = append(row.Versions, VersionCount{Version: rec.Version, SitesCount: 1})
		}
	}

	out := make([]InstalledPackage, 0, len(order))
	for _, slug := range order {
		row := bySlug[slug]
		sort.SliceStable(row.Versions, func(i, j int) bool {
			return version.Compare(row.Versions[i].Version, row.Versions[j].Version) > 0
		})
		if row.OutdatedInstallationIDs == nil {
			row.OutdatedInstallationIDs = []string{}
		}
		out = append(out, *row)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return strings.ToLower(firstNonEmpty(out[i].Title, out[i].Slug)) < strings.ToLower(firstNonEmpty(out[j].Title, out[j].Slug))
	})
	return out, nil
}
