package packages

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/luccadibe/wpfleet/internal/execution"
	"github.com/luccadibe/wpfleet/internal/models"
	"github.com/luccadibe/wpfleet/internal/wpcli"
	"github.com/stretchr/testify/require"
)

type fakePackage struct {
	Name    string `json:"name"`
	Title   string `json:"title"`
	Status  string `json:"status"`
	Version string `json:"version"`
	Parent  string `json:"parent,omitempty"`
}

// fakeSite is an in-memory WordPress site answering the WP-CLI calls the executor makes.
type fakeSite struct {
	mu       sync.Mutex
	plugins  map[string]*fakePackage
	themes   map[string]*fakePackage
	updateTo map[string]string
	files    map[string]bool
	runs     [][]string
	execs    []string
	uploads  []string
	ensured  int
	// broken overrides the answer to "<kind> <verb>" calls.
	broken map[string]execution.CommandResult
}

func newFakeSite() *fakeSite {
	return &fakeSite{
		plugins:  make(map[string]*fakePackage),
		themes:   make(map[string]*fakePackage),
		updateTo: make(map[string]string),
		files:    make(map[string]bool),
		broken:   make(map[string]execution.CommandResult),
	}
}

func (f *fakeSite) EnsureCLI(ctx context.Context, server models.Server) error {
	f.mu.Lock()
	f.ensured++
	f.mu.Unlock()
	return nil
}

func (f *fakeSite) Exec(ctx context.Context, server models.Server, command string, timeout time.Duration) (execution.CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, command)
	if strings.HasPrefix(command, "if [ -f ") {
		for p := range f.files {
			if strings.Contains(command, wpcli.ShellEscape(p)) {
				return execution.CommandResult{Stdout: "1\n"}, nil
			}
		}
	}
	return execution.CommandResult{}, nil
}

func (f *fakeSite) Upload(ctx context.Context, server models.Server, localPath, remotePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, remotePath)
	f.files[remotePath] = true
	return nil
}

func (f *fakeSite) Run(ctx context.Context, server models.Server, inst models.Installation, args []string, opts wpcli.RunOptions) (execution.CommandResult, error) {
	f.mu.Lock()
	f.runs = append(f.runs, args)
	res := f.handle(args)
	f.mu.Unlock()
	if !opts.AllowFailure && !res.Success() {
		return res, &wpcli.CommandError{ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return res, nil
}

func (f *fakeSite) set(kind string) map[string]*fakePackage {
	if kind == "theme" {
		return f.themes
	}
	return f.plugins
}

func (f *fakeSite) handle(args []string) execution.CommandResult {
	if len(args) < 2 {
		return execution.CommandResult{ExitCode: 1, Stderr: "Error: bad command"}
	}
	kind, verb := args[0], args[1]
	if res, ok := f.broken[kind+" "+verb]; ok {
		return res
	}
	set := f.set(kind)
	notFound := execution.CommandResult{ExitCode: 1, Stderr: fmt.Sprintf("Error: The '%s' %s could not be found.\n", argAt(args, 2), kind)}
	switch verb {
	case "get":
		pkg, ok := set[args[2]]
		if !ok {
			return notFound
		}
		if argAt(args, 3) == "--field=template" {
			return execution.CommandResult{Stdout: firstNonEmpty(pkg.Parent, pkg.Name) + "\n"}
		}
		data, _ := json.Marshal(pkg)
		return execution.CommandResult{Stdout: string(data)}
	case "list":
		var list []fakePackage
		for _, pkg := range set {
			list = append(list, *pkg)
		}
		sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
		data, _ := json.Marshal(list)
		return execution.CommandResult{Stdout: string(data)}
	case "activate":
		pkg, ok := set[args[2]]
		if !ok {
			return notFound
		}
		if kind == "theme" {
			for _, th := range f.themes {
				if th.Status == "active" {
					th.Status = "inactive"
				}
			}
		}
		pkg.Status = "active"
	case "deactivate":
		pkg, ok := set[args[2]]
		if !ok {
			return notFound
		}
		pkg.Status = "inactive"
	case "update":
		pkg, ok := set[args[2]]
		if !ok {
			return notFound
		}
		if v, ok := f.updateTo[args[2]]; ok {
			pkg.Version = v
		}
		if kind == "plugin" {
			pkg.Status = "inactive"
		}
	case "install":
		target := args[2]
		slug, ver := target, "1.0.0"
		if strings.HasSuffix(target, ".zip") {
			if !f.files[target] {
				return execution.CommandResult{ExitCode: 1, Stderr: "Error: missing archive"}
			}
			base := strings.TrimSuffix(path.Base(target), ".zip")
			i := strings.LastIndex(base, "-")
			slug, ver = base[:i], base[i+1:]
		}
		status := "inactive"
		if old, ok := set[slug]; ok {
			status = old.Status
		}
		set[slug] = &fakePackage{Name: slug, Title: strings.ToUpper(slug[:1]) + slug[1:], Status: status, Version: ver}
	case "delete":
		if _, ok := set[args[2]]; !ok {
			return execution.CommandResult{ExitCode: 1, Stderr: fmt.Sprintf("Warning: The '%s' %s is not installed.\n", args[2], kind)}
		}
		delete(set, args[2])
	default:
		return execution.CommandResult{ExitCode: 1, Stderr: "Error: unknown verb " + verb}
	}
	return execution.CommandResult{Stdout: "Success.\n"}
}

func (f *fakeSite) ran(args ...string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := strings.Join(args, " ")
	for _, run := range f.runs {
		if strings.HasPrefix(strings.Join(run, " "), want) {
			return true
		}
	}
	return false
}

func argAt(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

// buildZip writes a ZIP archive with files to dir/name and returns its path.
func buildZip(t *testing.T, dir, name string, files map[string]string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	out, err := os.Create(p)
	require.NoError(t, err)
	zw := zip.NewWriter(out)
	names := make([]string, 0, len(files))
	for n := range files {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		w, err := zw.Create(n)
		require.NoError(t, err)
		_, err = w.Write([]byte(files[n]))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, out.Close())
	return p
}

func pluginZip(t *testing.T, dir, slug, version string) string {
	t.Helper()
	header := fmt.Sprintf("<?php\n/**\n * Plugin Name: %s\n * Version: %s\n */\n", strings.ToUpper(slug), version)
	return buildZip(t, dir, slug+"-"+version+".zip", map[string]string{
		slug + "/" + slug + ".php": header,
		slug + "/readme.txt":       "readme",
	})
}
