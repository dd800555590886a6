package wpcli

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/luccadibe/wpfleet/internal/execution"
	"github.com/luccadibe/wpfleet/internal/models"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultResolverTTL = 10 * time.Minute

	fallbackPHP      = "php"
	cpanelPHP        = "/usr/local/bin/php"
	pleskPHPDir      = "/opt/plesk/php"
	detectPHPTimeout = 10 * time.Second
)

// Resolver picks the PHP interpreter for a server's platform and caches
// detected paths per server. Detection failures fall back to "php" and are
// not cached.
type Resolver struct {
	dialer execution.Dialer
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	group singleflight.Group
	mu    sync.Mutex
	cache map[string]cachedBinary
}

type cachedBinary struct {
	path    string
	expires time.Time
}

// NewResolver returns a resolver that opens its own connections through dialer.
func NewResolver(dialer execution.Dialer, ttl time.Duration, logger *slog.Logger) *Resolver {
	if ttl <= 0 {
		ttl = DefaultResolverTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		dialer: dialer,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
		cache:  make(map[string]cachedBinary),
	}
}

// PHPBinary returns the interpreter path for server, opening a fresh
// connection when detection needs one.
func (r *Resolver) PHPBinary(ctx context.Context, server models.Server) string {
	return r.PHPBinaryWith(ctx, server, nil)
}

// PHPBinaryWith is PHPBinary reusing an open client. A nil client opens a fresh connection.
func (r *Resolver) PHPBinaryWith(ctx context.Context, server models.Server, client execution.ExecutionClient) string {
	if path, ok := r.cached(server.ID); ok {
		return path
	}
	v, _, _ := r.group.Do(server.ID, func() (any, error) {
		path, detected := r.detect(ctx, server, client)
		if detected {
			r.mu.Lock()
			r.cache[server.ID] = cachedBinary{path: path, expires: r.now().Add(r.ttl)}
			r.mu.Unlock()
		}
		return path, nil
	})
	return v.(string)
}

// Invalidate forgets the cached path of serverID.
func (r *Resolver) Invalidate(serverID string) {
	r.mu.Lock()
	delete(r.cache, serverID)
	r.mu.Unlock()
}

func (r *Resolver) cached(serverID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.cache[serverID]
	if !ok || r.now().After(entry.expires) {
		return "", false
	}
	return entry.path, true
}

func (r *Resolver) detect(ctx context.Context, server models.Server, client execution.ExecutionClient) (string, bool) {
	switch server.Platform {
	case models.PlatformCPanel:
		return cpanelPHP, true
	case models.PlatformPlesk:
		cmd := "ls -1 " + pleskPHPDir + "/ 2>/dev/null | sort -V | tail -1"
		var (
			res execution.CommandResult
			err error
		)
		if client != nil {
			res, err = client.RunCommand(ctx, execution.CommandRequest{Command: cmd, Timeout: detectPHPTimeout})
		} else {
			res, err = execution.Execute(ctx, r.dialer, server.Host, cmd, detectPHPTimeout)
		}
		latest := strings.TrimSpace(res.Stdout)
		if err != nil || !res.Success() || latest == "" {
			r.logger.Debug("php detection fell back", "server", server.ID, "error", err)
			return fallbackPHP, false
		}
		return pleskPHPDir + "/" + latest + "/bin/php", true
	}
	return fallbackPHP, false
}
