// Package report renders the fleet package inventory as charts and CSV.
package report

import (
	"encoding/csv"
	"errors"
	"fmt"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/luccadibe/wpfleet/internal/packages"
	gonumplot "gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

const (
	DefaultHeight = 5 * vg.Inch
	// barSlot is the width each package takes on the x axis.
	barSlot  = 0.6 * vg.Inch
	minWidth = 5 * vg.Inch
	// DefaultLimit caps how many packages a chart shows.
	DefaultLimit = 30
)

var (
	upToDateColor = color.RGBA{127, 188, 165, 255}
	outdatedColor = color.RGBA{220, 90, 80, 255}
)

// ErrNothingToPlot is returned for an empty inventory.
var ErrNothingToPlot = errors.New("no installed packages to plot")

// RenderOutdated draws a stacked bar chart of up-to-date and outdated
// installations per package. The format follows the extension of path:
// .png, .svg or .pdf. At most limit packages are drawn, most outdated first.
func RenderOutdated(title string, list []packages.InstalledPackage, limit int, path string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png", ".svg", ".pdf":
	default:
		return fmt.Errorf("unsupported chart format %q: use .png, .svg or .pdf", filepath.Ext(path))
	}
	rows := mostOutdated(list, limit)
	if len(rows) == 0 {
		return ErrNothingToPlot
	}

	upToDate := make(plotter.Values, len(rows))
	outdated := make(plotter.Values, len(rows))
	labels := make([]string, len(rows))
	for i, pkg := range rows {
		upToDate[i] = float64(pkg.UpToDateCount)
		outdated[i] = float64(pkg.OutdatedCount)
		labels[i] = pkg.Slug
	}

	p := gonumplot.New()
	p.Title.Text = title
	p.Y.Label.Text = "installations"
	p.X.Tick.Label.Rotation = 0.8
	p.X.Tick.Label.XAlign = -0.9

	width := vg.Points(barSlot.Points() * 0.7)
	okBars, err := plotter.NewBarChart(upToDate, width)
	if err != nil {
		return err
	}
	okBars.Color = upToDateColor
	okBars.LineStyle.Width = 0

	oldBars, err := plotter.NewBarChart(outdated, width)
	if err != nil {
		return err
	}
	oldBars.Color = outdatedColor
	oldBars.LineStyle.Width = 0
	oldBars.StackOn(okBars)

	p.Add(okBars, oldBars)
	p.Legend.Add("up to date", okBars)
	p.Legend.Add("outdated", oldBars)
	p.Legend.Top = true
	p.NominalX(labels...)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	chartWidth := max(minWidth, vg.Length(len(rows))*barSlot)
	return p.Save(chartWidth, DefaultHeight, path)
}

// mostOutdated returns up to limit packages, most outdated first, keeping the
// inventory order among equals.
func mostOutdated(list []packages.InstalledPackage, limit int) []packages.InstalledPackage {
	rows := make([]packages.InstalledPackage, 0, len(list))
	for _, pkg := range list {
		if pkg.TotalInstallations > 0 {
			rows = append(rows, pkg)
		}
	}
	// stable insertion sort; inventories are small
	for i := 1; i < len(rows); i++ {
		for j := i; j > 0 && rows[j].OutdatedCount > rows[j-1].OutdatedCount; j-- {
			rows[j], rows[j-1] = rows[j-1], rows[j]
		}
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}

// WriteCSV writes one row per package and installed version.
func WriteCSV(w io.Writer, list []packages.InstalledPackage) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"slug", "title", "source", "version", "sites", "latest_version", "outdated", "up_to_date"}); err != nil {
		return err
	}
	for _, pkg := range list {
		for _, v := range pkg.Versions {
			if err := cw.Write([]string{
				pkg.Slug, pkg.Title, string(pkg.Source), v.Version, strconv.Itoa(v.SitesCount),
				pkg.LatestVersion, strconv.Itoa(pkg.OutdatedCount), strconv.Itoa(pkg.UpToDateCount),
			}); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}
