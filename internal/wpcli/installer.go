package wpcli

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/luccadibe/wpfleet/internal/execution"
	"github.com/luccadibe/wpfleet/internal/models"
	"golang.org/x/sync/singleflight"
)

// Installer makes sure the WP-CLI phar is present on each server once per
// process. Concurrent callers for the same server share one attempt.
type Installer struct {
	dialer execution.Dialer
	logger *slog.Logger

	group   singleflight.Group
	mu      sync.Mutex
	ensured map[string]struct{}
}

// NewInstaller returns an installer that opens its own connections through dialer.
func NewInstaller(dialer execution.Dialer, logger *slog.Logger) *Installer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Installer{dialer: dialer, logger: logger, ensured: make(map[string]struct{})}
}

// Ensure installs or refreshes the phar on server.
func (i *Installer) Ensure(ctx context.Context, server models.Server) error {
	return i.EnsureWith(ctx, server, nil)
}

// EnsureWith is Ensure reusing an open client. A nil client opens a fresh connection.
func (i *Installer) EnsureWith(ctx context.Context, server models.Server, client execution.ExecutionClient) error {
	if i.isEnsured(server.ID) {
		return nil
	}
	_, err, _ := i.group.Do(server.ID, func() (any, error) {
		if i.isEnsured(server.ID) {
			return nil, nil
		}
		var (
			res execution.CommandResult
			err error
		)
		if client != nil {
			res, err = client.RunCommand(ctx, execution.CommandRequest{Command: EnsureCommand(), Timeout: EnsureTimeout})
		} else {
			res, err = execution.Execute(ctx, i.dialer, server.Host, EnsureCommand(), EnsureTimeout)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to ensure wp-cli is available: %w", err)
		}
		if !res.Success() {
			msg := res.Stderr
			if msg == "" {
				msg = res.Stdout
			}
			return nil, fmt.Errorf("failed to ensure wp-cli is available: %s", TrimError(msg))
		}
		i.mu.Lock()
		i.ensured[server.ID] = struct{}{}
		i.mu.Unlock()
		i.logger.Debug("wp-cli ensured", "server", server.ID)
		return nil, nil
	})
	return err
}

func (i *Installer) isEnsured(serverID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.ensured[serverID]
	return ok
}
