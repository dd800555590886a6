package packages

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/luccadibe/wpfleet/internal/models"
)

const headerMaxBytes = 128 * 1024

// ErrNotWordPressPackage is returned for archives that hold neither a plugin
// nor a theme, or look like both.
var ErrNotWordPressPackage = errors.New("not a valid WordPress plugin/theme ZIP")

var (
	versionHeader = regexp.MustCompile(`(?im)^(?:[ \t]*<\?php)?[ \t/*#@]*Version\s*:(.*)$`)
	unsafeSlug    = regexp.MustCompile(`[^a-z0-9_]+`)
)

// Detected is what the classifier found in an archive.
type Detected struct {
	Kind    models.Kind
	Slug    string
	Title   string
	Version string
}

// IsZip reports whether name and the leading bytes look like a ZIP archive.
func IsZip(name string, head []byte) bool {
	if !strings.HasSuffix(strings.ToLower(name), ".zip") || len(head) < 4 {
		return false
	}
	return head[0] == 0x50 && head[1] == 0x4b &&
		(head[2] == 0x03 || head[2] == 0x05 || head[2] == 0x07) &&
		(head[3] == 0x04 || head[3] == 0x06 || head[3] == 0x08)
}

// SafeSlug lowercases value and collapses anything outside [a-z0-9_] to dashes.
func SafeSlug(value string) string {
	s := unsafeSlug.ReplaceAllString(strings.ToLower(strings.TrimSpace(value)), "-")
	return strings.Trim(s, "-")
}

// Classify inspects a ZIP archive and reports the plugin or theme it contains.
// A theme is found through a style.css "Theme Name:" header, a plugin through
// a root-level PHP file with a "Plugin Name:" header.
func Classify(r io.ReaderAt, size int64) (Detected, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return Detected{}, fmt.Errorf("read zip: %w", err)
	}
	files := make(map[string]*zip.File, len(zr.File))
	var names []string
	for _, f := range zr.File {
		if strings.HasPrefix(f.Name, "__MACOSX/") || f.FileInfo().IsDir() {
			continue
		}
		files[f.Name] = f
		names = append(names, f.Name)
	}
	if len(names) == 0 {
		return Detected{}, ErrNotWordPressPackage
	}
	roots := rootDirectories(names)

	theme, themeOK := detectTheme(files, roots)
	plugin, pluginOK := detectPlugin(files, names, roots)
	switch {
	case themeOK && pluginOK:
		return Detected{}, ErrNotWordPressPackage
	case themeOK:
		return theme, nil
	case pluginOK:
		return plugin, nil
	}
	return Detected{}, ErrNotWordPressPackage
}

// rootDirectories returns the single common top-level directory, or every
// top-level directory when the archive has several.
func rootDirectories(names []string) []string {
	seen := make(map[string]struct{})
	var roots []string
	for _, name := range names {
		top, _, found := strings.Cut(name, "/")
		if !found || top == "" {
			continue
		}
		if _, ok := seen[top]; !ok {
			seen[top] = struct{}{}
			roots = append(roots, top)
		}
	}
	sort.Strings(roots)
	return roots
}

func detectTheme(files map[string]*zip.File, roots []string) (Detected, bool) {
	var candidates []string
	for _, root := range roots {
		if _, ok := files[root+"/style.css"]; ok {
			candidates = append(candidates, root+"/style.css")
		}
	}
	if len(candidates) == 0 {
		if _, ok := files["style.css"]; ok {
			candidates = append(candidates, "style.css")
		}
	}
	for _, candidate := range candidates {
		title, version, ok := readHeaders(files[candidate], "Theme Name")
		if !ok {
			continue
		}
		base := title
		if candidate != "style.css" {
			base, _, _ = strings.Cut(candidate, "/")
		}
		if slug := SafeSlug(base); slug != "" {
			return Detected{Kind: models.KindTheme, Slug: slug, Title: title, Version: version}, true
		}
	}
	return Detected{}, false
}

func detectPlugin(files map[string]*zip.File, names, roots []string) (Detected, bool) {
	var candidates []string
	for _, root := range roots {
		var rootPHP []string
		for _, name := range names {
			rel, ok := strings.CutPrefix(name, root+"/")
			if !ok || strings.Contains(rel, "/") || !strings.HasSuffix(strings.ToLower(rel), ".php") {
				continue
			}
			rootPHP = append(rootPHP, name)
		}
		preferred := strings.ToLower(root + ".php")
		sort.SliceStable(rootPHP, func(i, j int) bool {
			return strings.ToLower(path.Base(rootPHP[i])) == preferred && strings.ToLower(path.Base(rootPHP[j])) != preferred
		})
		candidates = append(candidates, rootPHP...)
	}
	if len(candidates) == 0 {
		for _, name := range names {
			if !strings.Contains(name, "/") && strings.HasSuffix(strings.ToLower(name), ".php") {
				candidates = append(candidates, name)
			}
		}
	}
	for _, candidate := range candidates {
		title, version, ok := readHeaders(files[candidate], "Plugin Name")
		if !ok {
			continue
		}
		root, _, found := strings.Cut(candidate, "/")
		if !found {
			root = strings.TrimSuffix(strings.TrimSuffix(candidate, ".php"), ".PHP")
		}
		if slug := SafeSlug(root); slug != "" {
			return Detected{Kind: models.KindPlugin, Slug: slug, Title: title, Version: version}, true
		}
	}
	return Detected{}, false
}

// readHeaders parses the WordPress file header titled titleHeader. Version
// defaults to 0.0.0.
func readHeaders(f *zip.File, titleHeader string) (title, version string, ok bool) {
	if f == nil {
		return "", "", false
	}
	rc, err := f.Open()
	if err != nil {
		return "", "", false
	}
	defer rc.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(rc, headerMaxBytes)); err != nil {
		return "", "", false
	}
	content := buf.String()
	titleRe := regexp.MustCompile(`(?im)^(?:[ \t]*<\?php)?[ \t/*#@]*` + regexp.QuoteMeta(titleHeader) + `\s*:(.*)$`)
	m := titleRe.FindStringSubmatch(content)
	if m == nil || strings.TrimSpace(m[1]) == "" {
		return "", "", false
	}
	version = "0.0.0"
	if vm := versionHeader.FindStringSubmatch(content); vm != nil && strings.TrimSpace(vm[1]) != "" {
		version = strings.TrimSpace(vm[1])
	}
	return strings.TrimSpace(m[1]), version, true
}
