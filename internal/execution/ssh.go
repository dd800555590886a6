package execution

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	scp "github.com/bramvdbogaerde/go-scp"
	"github.com/luccadibe/wpfleet/internal/config"
	"github.com/luccadibe/wpfleet/internal/models"
	"golang.org/x/crypto/ssh"
	"golang.org/x/term"
)

const (
	DEFAULT_SSH_PORT = 22
	DEFAULT_SSH_USER = "root"
)

// SSHDialer opens SSH connections. Hosts named "local" get a local client instead.
type SSHDialer struct {
	HostKeyCallback ssh.HostKeyCallback
	ConnectTimeout  time.Duration
	// SSHConfigPath is an ssh_config file consulted for missing user, port and key values.
	SSHConfigPath string
}

// NewSSHDialer builds a dialer from the shared ssh settings.
func NewSSHDialer(cfg config.SSHConfig) (*SSHDialer, error) {
	var callback ssh.HostKeyCallback
	if cfg.InsecureIgnoreHostKey {
		callback = ssh.InsecureIgnoreHostKey()
	} else {
		path := cfg.KnownHosts
		if path == "" {
			path = defaultKnownHostsPath()
		}
		cb, err := TrustOnFirstUse(ExpandTilde(path))
		if err != nil {
			return nil, err
		}
		callback = cb
	}
	configPath := cfg.ConfigPath
	if configPath == "" {
		configPath = defaultSSHConfigPath()
	}
	return &SSHDialer{
		HostKeyCallback: callback,
		ConnectTimeout:  cfg.ConnectTimeoutDuration(),
		SSHConfigPath:   ExpandTilde(configPath),
	}, nil
}

// Dial connects to host.
func (d *SSHDialer) Dial(ctx context.Context, host models.Host) (ExecutionClient, error) {
	if host.IsLocal() {
		return NewLocalClient(), nil
	}
	host = ResolveHost(host, d.SSHConfigPath)
	client, err := d.connect(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("error creating ssh client for %s: %w", host.Hostname, err)
	}
	return &sshClient{client: client, host: host}, nil
}

type sshClient struct {
	client *ssh.Client
	host   models.Host
}

func (c *sshClient) Close() error {
	return c.client.Close()
}

// RunCommand runs a command on the remote host. When the context is done or
// the request timeout elapses the remote process is killed and the session closed.
func (c *sshClient) RunCommand(ctx context.Context, req CommandRequest) (CommandResult, error) {
	if strings.TrimSpace(req.Command) == "" {
		return CommandResult{ExitCode: -1}, errors.New("empty command")
	}

	session, err := c.client.NewSession()
	if err != nil {
		return CommandResult{ExitCode: -1}, fmt.Errorf("error creating new session: %w", err)
	}
	defer session.Close()

	ctx, cancel := withTimeout(ctx, req.Timeout)
	defer cancel()

	if req.UsePTY {
		modes := ssh.TerminalModes{
			ssh.ECHO:          1,
			ssh.TTY_OP_ISPEED: 14400,
			ssh.TTY_OP_OSPEED: 14400,
		}
		width, height := termSize()
		if err := session.RequestPty("xterm-256color", height, width, modes); err != nil {
			return CommandResult{ExitCode: -1}, fmt.Errorf("error requesting PTY: %w", err)
		}
	}

	out := newOutputCapture(req.DisableCapture)
	session.Stdout = multiWriterFiltered(req.Stdout, out.stdoutWriter())
	session.Stderr = multiWriterFiltered(req.Stderr, out.stderrWriter())
	if req.Stdin != nil {
		session.Stdin = req.Stdin
	}

	if err := session.Start(req.Command); err != nil {
		return CommandResult{ExitCode: -1}, fmt.Errorf("error starting command: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Wait()
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		result := out.result()
		result.ExitCode = -1
		return result, contextError(ctx, req.Command)
	case err := <-done:
		result := out.result()
		code, signal, waitErr := exitStatus(err)
		result.ExitCode = code
		result.Signal = signal
		return result, waitErr
	}
}

// exitStatus separates a finished remote process from a broken session.
func exitStatus(err error) (int, string, error) {
	if err == nil {
		return 0, "", nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), exitErr.Signal(), nil
	}
	return -1, "", err
}

// Upload copies a local file to the remote host.
func (c *sshClient) Upload(ctx context.Context, localPath, remotePath string) error {
	client, err := scp.NewClientBySSH(c.client)
	if err != nil {
		return fmt.Errorf("error creating scp client: %w", err)
	}
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("error opening local file: %w", err)
	}
	defer file.Close()
	if err := client.CopyFile(ctx, file, remotePath, "0644"); err != nil {
		return fmt.Errorf("error uploading file: %w", err)
	}
	return nil
}

// TODO: implement password auth, for now only key auth is supported
func (d *SSHDialer) connect(ctx context.Context, host models.Host) (*ssh.Client, error) {
	if strings.TrimSpace(host.KeyFile) == "" {
		return nil, errors.New("key_file must be set")
	}
	keyFile, err := os.ReadFile(ExpandTilde(host.KeyFile))
	if err != nil {
		return nil, err
	}

	var key ssh.Signer
	if host.KeyPassword != "" {
		key, err = ssh.ParsePrivateKeyWithPassphrase(keyFile, []byte(host.KeyPassword))
	} else {
		key, err = ssh.ParsePrivateKey(keyFile)
	}
	if err != nil {
		return nil, fmt.Errorf("error reading key file: %w", err)
	}

	callback := d.HostKeyCallback
	if callback == nil {
		return nil, errors.New("no host key callback configured")
	}

	user := host.Username
	if user == "" {
		user = DEFAULT_SSH_USER
	}
	sshConfig := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(key)},
		HostKeyCallback: callback,
		Timeout:         d.ConnectTimeout,
	}

	port := host.Port
	if port == 0 {
		port = DEFAULT_SSH_PORT
	}
	addr := net.JoinHostPort(host.Hostname, strconv.Itoa(port))

	dialer := net.Dialer{Timeout: d.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, sshConfig)
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

// termSize returns the terminal size
func termSize() (width, height int) {
	width, height = 80, 40
	if os.Stdout != nil {
		if term.IsTerminal(int(os.Stdout.Fd())) {
			if w, h, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
				return w, h
			}
		}
	}
	return width, height
}
