package execution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// Local execution client for servers whose hostname is "local".
type localClient struct{}

// NewLocalClient creates a new local execution client
func NewLocalClient() ExecutionClient {
	return &localClient{}
}

// RunCommand executes a command locally using the shell
func (c *localClient) RunCommand(ctx context.Context, req CommandRequest) (CommandResult, error) {
	if strings.TrimSpace(req.Command) == "" {
		return CommandResult{ExitCode: -1}, errors.New("empty command")
	}

	ctx, cancel := withTimeout(ctx, req.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", req.Command)
	// children of sh may hold the output pipes open after sh is killed
	cmd.WaitDelay = time.Second
	if req.Stdin != nil {
		cmd.Stdin = req.Stdin
	}

	var (
		result CommandResult
		err    error
	)
	if req.UsePTY {
		result, err = runLocalWithPTY(cmd, req)
	} else {
		result, err = runLocalPiped(cmd, req)
	}
	if ctx.Err() != nil {
		result.ExitCode = -1
		return result, contextError(ctx, req.Command)
	}
	return result, err
}

func runLocalPiped(cmd *exec.Cmd, req CommandRequest) (CommandResult, error) {
	out := newOutputCapture(req.DisableCapture)
	cmd.Stdout = multiWriterFiltered(req.Stdout, out.stdoutWriter())
	cmd.Stderr = multiWriterFiltered(req.Stderr, out.stderrWriter())

	err := cmd.Run()
	result := out.result()
	result.ExitCode, result.Signal, err = localExitStatus(err)
	return result, err
}

func runLocalWithPTY(cmd *exec.Cmd, req CommandRequest) (CommandResult, error) {
	out := newOutputCapture(req.DisableCapture)

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return CommandResult{ExitCode: -1}, err
	}
	defer ptmx.Close()
	if os.Stdout != nil {
		_ = pty.InheritSize(os.Stdout, ptmx)
	}

	// If stdin provided, stream it into the PTY.
	if req.Stdin != nil {
		go func() {
			_, _ = io.Copy(ptmx, req.Stdin)
		}()
	}

	combinedDest := multiWriterFiltered(req.Stdout, req.Stderr, out.stdoutWriter())
	copyDone := make(chan struct{})
	go func() {
		_, _ = io.Copy(combinedDest, ptmx)
		close(copyDone)
	}()

	err = cmd.Wait()
	<-copyDone

	result := out.result()
	result.ExitCode, result.Signal, err = localExitStatus(err)
	return result, err
}

func localExitStatus(err error) (int, string, error) {
	if err == nil {
		return 0, "", nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return -1, status.Signal().String(), nil
		}
		return exitErr.ExitCode(), "", nil
	}
	return -1, "", err
}

// Upload copies a file locally (local to local)
func (c *localClient) Upload(ctx context.Context, localPath, remotePath string) error {
	dir := filepath.Dir(remotePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, "cp", localPath, remotePath)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("error copying file: %s: %w", strings.TrimSpace(string(output)), err)
	}
	return nil
}

// Close closes the local client (no-op for local execution)
func (c *localClient) Close() error {
	return nil
}
