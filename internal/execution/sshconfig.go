package execution

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/kevinburke/ssh_config"
	"github.com/luccadibe/wpfleet/internal/models"
)

// ResolveHost fills empty connection fields of host from the ssh_config file
// at path. Values set in wpfleet's own configuration always win. A missing or
// unreadable file leaves host unchanged.
func ResolveHost(host models.Host, path string) models.Host {
	if path == "" {
		return host
	}
	f, err := os.Open(path)
	if err != nil {
		return host
	}
	defer f.Close()

	cfg, err := ssh_config.Decode(f)
	if err != nil {
		return host
	}

	alias := host.Hostname
	if hostname, err := cfg.Get(alias, "HostName"); err == nil && hostname != "" {
		host.Hostname = hostname
	}
	if host.Username == "" {
		if user, err := cfg.Get(alias, "User"); err == nil && user != "" {
			host.Username = user
		}
	}
	if host.Port == 0 {
		if port, err := cfg.Get(alias, "Port"); err == nil && port != "" {
			if p, err := strconv.Atoi(port); err == nil {
				host.Port = p
			}
		}
	}
	if host.KeyFile == "" {
		if identityFile, err := cfg.Get(alias, "IdentityFile"); err == nil && identityFile != "" {
			host.KeyFile = ExpandTilde(identityFile)
		}
	}
	return host
}

func defaultSSHConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "config")
}
