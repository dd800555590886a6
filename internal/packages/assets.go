package packages

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/luccadibe/wpfleet/internal/models"
	"github.com/luccadibe/wpfleet/internal/store"
	"github.com/luccadibe/wpfleet/internal/wpcli"
	"golang.org/x/sync/singleflight"
)

const assetCommandTimeout = 30 * time.Second

var unsafeAssetChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// Asset is an uploaded archive selected for installation on a server.
type Asset struct {
	Key        string // kind:slug:version
	Kind       models.Kind
	Version    string
	LocalPath  string
	RemotePath string
}

// Assets pushes uploaded archives to servers. Each (server, asset) pair is
// transferred at most once per process; concurrent requests share one transfer.
type Assets struct {
	store  *store.Store
	remote Remote

	group    singleflight.Group
	mu       sync.Mutex
	uploaded map[string]struct{}
}

// NewAssets returns an empty asset cache.
func NewAssets(st *store.Store, remote Remote) *Assets {
	return &Assets{store: st, remote: remote, uploaded: make(map[string]struct{})}
}

// Resolve picks the latest uploaded version of (kind, slug).
func (a *Assets) Resolve(ctx context.Context, kind models.Kind, slug string) (Asset, error) {
	up, err := a.store.LatestUpload(ctx, kind, slug)
	if errors.Is(err, store.ErrNotFound) {
		return Asset{}, fmt.Errorf("no uploaded %s version available for \"%s\"", kind, slug)
	}
	if err != nil {
		return Asset{}, err
	}
	if _, err := os.Stat(up.ArchivePath); err != nil {
		return Asset{}, fmt.Errorf("uploaded archive for %s %s: %w", slug, up.Version, err)
	}
	return Asset{
		Key:        fmt.Sprintf("%s:%s:%s", kind, up.Slug, up.Version),
		Kind:       kind,
		Version:    up.Version,
		LocalPath:  up.ArchivePath,
		RemotePath: RemoteAssetPath(kind, up.Slug, up.Version),
	}, nil
}

// RemoteAssetPath is where an uploaded archive is placed on a server.
func RemoteAssetPath(kind models.Kind, slug, version string) string {
	return fmt.Sprintf("%s/%ss/%s-%s.zip", wpcli.AssetsDir, kind,
		unsafeAssetChars.ReplaceAllString(slug, "-"), unsafeAssetChars.ReplaceAllString(version, "-"))
}

// Ensure makes sure asset is present on server and returns its remote path.
func (a *Assets) Ensure(ctx context.Context, server models.Server, asset Asset) (string, error) {
	key := server.ID + "|" + asset.Key
	if a.isUploaded(key) {
		return asset.RemotePath, nil
	}
	_, err, _ := a.group.Do(key, func() (any, error) {
		if a.isUploaded(key) {
			return nil, nil
		}
		dir := fmt.Sprintf("%s/%ss", wpcli.AssetsDir, asset.Kind)
		mkdir := "mkdir -p " + wpcli.ShellEscape(wpcli.AssetsDir) + " " + wpcli.ShellEscape(dir)
		res, err := a.remote.Exec(ctx, server, mkdir, assetCommandTimeout)
		if err != nil {
			return nil, fmt.Errorf("create asset dir on %s: %w", server.ID, err)
		}
		if !res.Success() {
			return nil, fmt.Errorf("create asset dir on %s: %s", server.ID, wpcli.TrimError(res.Stderr))
		}
		probe := "if [ -f " + wpcli.ShellEscape(asset.RemotePath) + ` ]; then echo "1"; fi`
		res, err = a.remote.Exec(ctx, server, probe, assetCommandTimeout)
		if err != nil {
			return nil, fmt.Errorf("probe asset on %s: %w", server.ID, err)
		}
		if strings.TrimSpace(res.Stdout) == "" {
			if err := a.remote.Upload(ctx, server, asset.LocalPath, asset.RemotePath); err != nil {
				return nil, fmt.Errorf("upload %s to %s: %w", asset.Key, server.ID, err)
			}
		}
		a.mu.Lock()
		a.uploaded[key] = struct{}{}
		a.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		return "", err
	}
	return asset.RemotePath, nil
}

func (a *Assets) isUploaded(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.uploaded[key]
	return ok
}
