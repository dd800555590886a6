// Package testing provides shared test doubles for wpfleet.
package testing

import (
	"context"
	"strings"
	"sync"

	"github.com/luccadibe/wpfleet/internal/execution"
	"github.com/luccadibe/wpfleet/internal/models"
)

// CommandHandler answers one remote command for a mock host.
type CommandHandler func(host models.Host, command string) (execution.CommandResult, error)

// MockUpload records one file transfer.
type MockUpload struct {
	Host   string
	Local  string
	Remote string
}

// MockDialer hands out clients that record every command and answer it with Handler.
// A nil Handler succeeds with empty output.
type MockDialer struct {
	mu        sync.Mutex
	Handler   CommandHandler
	DialError error
	UploadErr error
	commands  []string
	uploads   []MockUpload
	dials     int
	open      int
}

// Dial implements execution.Dialer.
func (d *MockDialer) Dial(ctx context.Context, host models.Host) (execution.ExecutionClient, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.DialError != nil {
		return nil, d.DialError
	}
	d.dials++
	d.open++
	return &mockClient{dialer: d, host: host}, nil
}

// Commands returns every command run so far, in order.
func (d *MockDialer) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.commands...)
}

// CommandsContaining returns the commands that contain substr.
func (d *MockDialer) CommandsContaining(substr string) []string {
	var out []string
	for _, cmd := range d.Commands() {
		if strings.Contains(cmd, substr) {
			out = append(out, cmd)
		}
	}
	return out
}

// Uploads returns every recorded transfer.
func (d *MockDialer) Uploads() []MockUpload {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]MockUpload(nil), d.uploads...)
}

// Dials returns how many clients were opened.
func (d *MockDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Open returns how many clients are not yet closed.
func (d *MockDialer) Open() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

type mockClient struct {
	dialer *MockDialer
	host   models.Host
	closed bool
}

func (c *mockClient) RunCommand(ctx context.Context, req execution.CommandRequest) (execution.CommandResult, error) {
	d := c.dialer
	d.mu.Lock()
	d.commands = append(d.commands, req.Command)
	handler := d.Handler
	d.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return execution.CommandResult{ExitCode: -1}, err
	}
	if handler == nil {
		return execution.CommandResult{}, nil
	}
	res, err := handler(c.host, req.Command)
	if res.Output == "" {
		res.Output = res.Stdout + res.Stderr
	}
	return res, err
}

func (c *mockClient) Upload(ctx context.Context, localPath, remotePath string) error {
	d := c.dialer
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.UploadErr != nil {
		return d.UploadErr
	}
	d.uploads = append(d.uploads, MockUpload{Host: c.host.Hostname, Local: localPath, Remote: remotePath})
	return nil
}

func (c *mockClient) Close() error {
	d := c.dialer
	d.mu.Lock()
	defer d.mu.Unlock()
	if !c.closed {
		c.closed = true
		d.open--
	}
	return nil
}

// Stdout is a successful result carrying out.
func Stdout(out string) execution.CommandResult {
	return execution.CommandResult{Stdout: out}
}

// Failure is a completed command with a nonzero exit and stderr.
func Failure(code int, stderr string) execution.CommandResult {
	return execution.CommandResult{ExitCode: code, Stderr: stderr}
}
