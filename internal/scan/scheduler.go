package scan

import (
	"context"
	"log/slog"
	"time"

	"github.com/luccadibe/wpfleet/internal/models"
)

// DefaultInterval is how often the scheduler rescans the fleet.
const DefaultInterval = 24 * time.Hour

// VersionChecker refreshes package provenance and latest versions after a scan.
type VersionChecker interface {
	RunIfNeeded(ctx context.Context) error
}

// ServerLister lists the servers to scan.
type ServerLister interface {
	ListServers(ctx context.Context) ([]models.Server, error)
}

// Scheduler periodically scans every server, one at a time, and then runs
// the version check.
type Scheduler struct {
	Scanner  *Scanner
	Servers  ServerLister
	Checker  VersionChecker
	Interval time.Duration
	Logger   *slog.Logger
}

// Summary counts one scheduled pass.
type Summary struct {
	Servers       int
	FailedServers int
	Result
}

// RunOnce scans all servers sequentially. A failing server is logged and
// counted; the pass continues with the next one.
func (s *Scheduler) RunOnce(ctx context.Context) (Summary, error) {
	logger := s.logger()
	servers, err := s.Servers.ListServers(ctx)
	if err != nil {
		return Summary{}, err
	}
	var sum Summary
	for _, server := range servers {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		sum.Servers++
		res, err := s.Scanner.RunServerScan(ctx, server)
		sum.Success += res.Success
		sum.Failed += res.Failed
		if err != nil {
			sum.FailedServers++
			logger.Warn("scheduled scan failed", "server", server.ID, "error", err)
		}
	}
	if s.Checker != nil {
		if err := s.Checker.RunIfNeeded(ctx); err != nil {
			logger.Warn("version check failed", "error", err)
		}
	}
	logger.Info("scheduled scan pass done", "servers", sum.Servers, "failed_servers", sum.FailedServers,
		"installations", sum.Success, "failed_installations", sum.Failed)
	return sum, nil
}

// Run calls RunOnce every Interval until ctx ends. A zero or negative
// interval disables the schedule and Run returns immediately.
func (s *Scheduler) Run(ctx context.Context) {
	if s.Interval <= 0 {
		s.logger().Info("scheduled scans disabled")
		return
	}
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger().Error("scheduled scan pass failed", "error", err)
			}
		}
	}
}

func (s *Scheduler) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
