//go:build unit

package execution

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/luccadibe/wpfleet/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestExpandTilde(t *testing.T) {
	testHome := "/home/testuser"
	t.Setenv("HOME", testHome)
	t.Setenv("SECOND_ENV_VAR", "test-value")
	t.Setenv("KEY_NAME", "")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"no tilde", "/absolute/path", "/absolute/path"},
		{"tilde only", "~", testHome},
		{"tilde with slash", "~/", testHome + "/"},
		{"tilde with path", "~/.ssh/id_rsa", testHome + "/.ssh/id_rsa"},
		{"environment variable", "$HOME/.ssh/id_rsa", testHome + "/.ssh/id_rsa"},
		{"multiple environment variables", "$HOME/.ssh/$SECOND_ENV_VAR", testHome + "/.ssh/test-value"},
		{"mixed tilde and unset env var", "~/.ssh/$KEY_NAME", testHome + "/.ssh/"},
		{"only first tilde expanded", "~/path/~/another", testHome + "/path/~/another"},
		{"tilde user form untouched", "~bob/keys", "~bob/keys"},
		{"empty string", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ExpandTilde(tt.input))
		})
	}
}

func TestResolveHostFromSSHConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config")
	content := `Host web1
  HostName 10.1.2.3
  User deploy
  Port 2200
  IdentityFile /keys/web1
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	host := ResolveHost(models.Host{Hostname: "web1"}, path)
	assert.Equal(t, "10.1.2.3", host.Hostname)
	assert.Equal(t, "deploy", host.Username)
	assert.Equal(t, 2200, host.Port)
	assert.Equal(t, "/keys/web1", host.KeyFile)

	explicit := ResolveHost(models.Host{Hostname: "web1", Username: "root", Port: 22, KeyFile: "/mine"}, path)
	assert.Equal(t, "root", explicit.Username)
	assert.Equal(t, 22, explicit.Port)
	assert.Equal(t, "/mine", explicit.KeyFile)

	missing := ResolveHost(models.Host{Hostname: "web1"}, filepath.Join(dir, "nope"))
	assert.Equal(t, models.Host{Hostname: "web1"}, missing)
}

func TestTrustOnFirstUse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ssh", "known_hosts")
	callback, err := TrustOnFirstUse(path)
	require.NoError(t, err)

	first := newPublicKey(t)
	second := newPublicKey(t)
	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 22}

	require.NoError(t, callback("web1.example.com:22", addr, first))
	require.NoError(t, callback("web1.example.com:22", addr, first), "learned key must be accepted again")
	assert.Error(t, callback("web1.example.com:22", addr, second), "changed key must be rejected")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "web1.example.com "))

	reloaded, err := TrustOnFirstUse(path)
	require.NoError(t, err)
	assert.NoError(t, reloaded("web1.example.com:22", addr, first))
	assert.Error(t, reloaded("web1.example.com:22", addr, second))
}

func newPublicKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	key, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return key
}
