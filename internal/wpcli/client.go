package wpcli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/luccadibe/wpfleet/internal/execution"
	"github.com/luccadibe/wpfleet/internal/models"
)

// RunOptions tune one WP-CLI invocation.
type RunOptions struct {
	// AllowFailure returns a nonzero exit as a result instead of a CommandError.
	AllowFailure bool
	// Timeout overrides the client default.
	Timeout time.Duration
}

// Client runs WP-CLI and plain commands against servers.
type Client struct {
	Dialer    execution.Dialer
	Resolver  *Resolver
	Installer *Installer
	Timeout   time.Duration
	logger    *slog.Logger
}

// New wires a client with its own resolver and installer.
func New(dialer execution.Dialer, resolverTTL, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		Dialer:    dialer,
		Resolver:  NewResolver(dialer, resolverTTL, logger),
		Installer: NewInstaller(dialer, logger),
		Timeout:   timeout,
		logger:    logger,
	}
}

// EnsureCLI makes sure the phar is present on server.
func (c *Client) EnsureCLI(ctx context.Context, server models.Server) error {
	return c.Installer.Ensure(ctx, server)
}

// Run executes WP-CLI args for inst over a fresh connection.
func (c *Client) Run(ctx context.Context, server models.Server, inst models.Installation, args []string, opts RunOptions) (execution.CommandResult, error) {
	return c.RunWith(ctx, nil, server, inst, args, opts)
}

// RunWith executes WP-CLI args for inst over client, or a fresh connection when client is nil.
func (c *Client) RunWith(ctx context.Context, client execution.ExecutionClient, server models.Server, inst models.Installation, args []string, opts RunOptions) (execution.CommandResult, error) {
	php := c.Resolver.PHPBinaryWith(ctx, server, client)
	cmd, err := BuildCommand(php, inst.UnixUsername, inst.Path, args)
	if err != nil {
		return execution.CommandResult{ExitCode: -1}, err
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.Timeout
	}
	var res execution.CommandResult
	if client != nil {
		res, err = client.RunCommand(ctx, execution.CommandRequest{Command: cmd, Timeout: timeout})
	} else {
		res, err = execution.Execute(ctx, c.Dialer, server.Host, cmd, timeout)
	}
	if err != nil {
		return res, fmt.Errorf("wp %s on %s: %w", firstArgs(args), server.ID, err)
	}
	if !opts.AllowFailure && !res.Success() {
		return res, &CommandError{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}
	}
	return res, nil
}

// Exec runs a plain shell command on server over a fresh connection.
func (c *Client) Exec(ctx context.Context, server models.Server, command string, timeout time.Duration) (execution.CommandResult, error) {
	return execution.Execute(ctx, c.Dialer, server.Host, command, timeout)
}

// Upload copies localPath to remotePath on server. The remote directory must exist.
func (c *Client) Upload(ctx context.Context, server models.Server, localPath, remotePath string) error {
	return execution.Upload(ctx, c.Dialer, server.Host, localPath, remotePath)
}

func firstArgs(args []string) string {
	switch len(args) {
	case 0:
		return ""
	case 1:
		return args[0]
	}
	return args[0] + " " + args[1]
}
