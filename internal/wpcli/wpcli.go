// Package wpcli runs WP-CLI on managed servers as the account that owns each
// installation.
//
// Every argument is single-quote escaped and the account name is checked
// against a restrictive pattern before it reaches a shell.
package wpcli

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	// BaseDir holds the WP-CLI phar and uploaded package archives on each server.
	BaseDir = "/opt/wpfleet"
	// PharPath is where the WP-CLI phar is kept on each server.
	PharPath = BaseDir + "/wp-cli.phar"
	// AssetsDir holds uploaded package archives pushed to a server.
	AssetsDir = BaseDir + "/assets"

	pharURL = "https://raw.githubusercontent.com/wp-cli/builds/gh-pages/phar/wp-cli.phar"
	// pharMaxAgeDays is how old the phar may get before it is downloaded again.
	pharMaxAgeDays = 14

	DefaultTimeout = 180 * time.Second
	EnsureTimeout  = 120 * time.Second
)

// ErrInvalidUsername is returned for account names that are unsafe to pass to su.
var ErrInvalidUsername = errors.New("invalid unix username")

var usernamePattern = regexp.MustCompile(`(?i)^[a-z_][a-z0-9._-]*[$]?$`)

// CommandError is a WP-CLI invocation that exited nonzero without AllowFailure.
type CommandError struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := e.Stderr
	if strings.TrimSpace(msg) == "" {
		msg = e.Stdout
	}
	return TrimError(msg)
}

// ShellEscape wraps value in single quotes, escaping embedded single quotes.
func ShellEscape(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}

// ValidUsername reports whether name is safe to use as an su target.
func ValidUsername(name string) bool {
	return usernamePattern.MatchString(name)
}

// BuildCommand returns the shell command that runs WP-CLI with args inside
// path as username, using the given PHP binary.
func BuildCommand(php, username, path string, args []string) (string, error) {
	username = strings.TrimSpace(username)
	if !ValidUsername(username) {
		return "", fmt.Errorf("%w %q", ErrInvalidUsername, username)
	}
	parts := make([]string, 0, len(args)+4)
	parts = append(parts, ShellEscape(php), ShellEscape(PharPath))
	for _, arg := range args {
		parts = append(parts, ShellEscape(arg))
	}
	parts = append(parts, ShellEscape("--skip-plugins"), ShellEscape("--skip-themes"))
	inner := "cd " + ShellEscape(path) + " && " + strings.Join(parts, " ")
	return "su - " + username + " -s /bin/bash -c " + ShellEscape(inner), nil
}

// EnsureCommand downloads the phar when it is missing or older than the refresh threshold.
func EnsureCommand() string {
	return fmt.Sprintf(`mkdir -p %[1]s && if [ ! -f %[2]s ] || [ $(find %[2]s -mtime +%[3]d 2>/dev/null | wc -l) -gt 0 ]; then curl -sS -o %[2]s %[4]s && chmod +x %[2]s; fi`,
		BaseDir, PharPath, pharMaxAgeDays, pharURL)
}

// TrimError returns the first non-empty line of message.
func TrimError(message string) string {
	for _, line := range strings.Split(strings.TrimSpace(message), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return "Unknown error"
}
