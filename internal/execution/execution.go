package execution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/luccadibe/wpfleet/internal/models"
)

// ErrTimeout is returned when a command exceeds its timeout. The session is
// torn down before the error is returned.
var ErrTimeout = errors.New("command timed out")

// CommandRequest defines how a command should be executed by an ExecutionClient.
type CommandRequest struct {
	Command        string        // shell or binary invocation to run
	Timeout        time.Duration // hard wall-clock limit, zero means none
	Stdout         io.Writer     // optional live stdout
	Stderr         io.Writer     // optional live stderr
	Stdin          io.Reader     // optional stdin source
	UsePTY         bool          // request a PTY/TTY when supported
	DisableCapture bool          // when true, do not retain output
}

// CommandResult describes the outcome of a command invocation. A nonzero
// ExitCode is a completed command, not an error. Transport failures report
// ExitCode -1 together with a non-nil error.
type CommandResult struct {
	Output   string // combined stdout+stderr unless capture disabled
	Stdout   string
	Stderr   string
	ExitCode int
	Signal   string // set when the remote process was killed by a signal
}

// Success reports whether the command exited with status zero.
func (r CommandResult) Success() bool {
	return r.ExitCode == 0 && r.Signal == ""
}

// ExecutionClient is one open connection to a host. RunCommand may be called
// many times, sequentially or concurrently, until Close.
type ExecutionClient interface {
	RunCommand(ctx context.Context, req CommandRequest) (CommandResult, error)
	Upload(ctx context.Context, localPath, remotePath string) error
	Close() error
}

// Dialer opens execution clients for hosts.
type Dialer interface {
	Dial(ctx context.Context, host models.Host) (ExecutionClient, error)
}

// Execute opens a fresh connection, runs one command and closes the connection.
func Execute(ctx context.Context, d Dialer, host models.Host, command string, timeout time.Duration) (CommandResult, error) {
	client, err := d.Dial(ctx, host)
	if err != nil {
		return CommandResult{ExitCode: -1}, err
	}
	defer client.Close()
	return client.RunCommand(ctx, CommandRequest{Command: command, Timeout: timeout})
}

// Upload opens a fresh connection and copies localPath to remotePath. The
// remote parent directory must already exist.
func Upload(ctx context.Context, d Dialer, host models.Host, localPath, remotePath string) error {
	client, err := d.Dial(ctx, host)
	if err != nil {
		return err
	}
	defer client.Close()
	return client.Upload(ctx, localPath, remotePath)
}

// ExpandTilde expands a leading "~" to $HOME and then any environment variables.
func ExpandTilde(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		path = os.Getenv("HOME") + path[1:]
	}
	return os.ExpandEnv(path)
}

// withTimeout derives the context a command runs under.
func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// contextError maps a finished context to the error a caller sees.
func contextError(ctx context.Context, command string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrTimeout, truncate(command, 80))
	}
	return ctx.Err()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
