package execution

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// TrustOnFirstUse returns a host key callback backed by the known_hosts file
// at path. Unknown hosts are appended to the file; a changed key is rejected.
func TrustOnFirstUse(path string) (ssh.HostKeyCallback, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("error creating known_hosts directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("error creating known_hosts file: %w", err)
	}
	f.Close()

	tofu := &trustStore{path: path, learned: map[string]ssh.PublicKey{}}
	if err := tofu.reload(); err != nil {
		return nil, err
	}
	return tofu.check, nil
}

type trustStore struct {
	path string

	mu       sync.Mutex
	callback ssh.HostKeyCallback
	// learned holds keys added during this process, since knownhosts only reads the file once.
	learned map[string]ssh.PublicKey
}

func (s *trustStore) reload() error {
	cb, err := knownhosts.New(s.path)
	if err != nil {
		return fmt.Errorf("error loading known_hosts: %w", err)
	}
	s.callback = cb
	return nil
}

func (s *trustStore) check(hostname string, remote net.Addr, key ssh.PublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.callback(hostname, remote, key)
	if err == nil {
		return nil
	}

	var keyErr *knownhosts.KeyError
	if !errors.As(err, &keyErr) {
		return err
	}
	if len(keyErr.Want) > 0 {
		return fmt.Errorf("host key mismatch for %s: %w", hostname, err)
	}

	host := normalizeHostname(hostname)
	if known, ok := s.learned[host]; ok {
		if string(known.Marshal()) == string(key.Marshal()) {
			return nil
		}
		return fmt.Errorf("host key mismatch for %s", hostname)
	}

	if err := appendHostKey(s.path, host, key); err != nil {
		return fmt.Errorf("error adding host key: %w", err)
	}
	s.learned[host] = key
	return nil
}

func appendHostKey(path, host string, key ssh.PublicKey) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintln(f, knownhosts.Line([]string{host}, key))
	return err
}

// normalizeHostname drops the default port so entries match what ssh writes.
func normalizeHostname(hostname string) string {
	host, port, err := net.SplitHostPort(hostname)
	if err != nil {
		return hostname
	}
	if port == "22" {
		return host
	}
	return knownhosts.Normalize(hostname)
}

func defaultKnownHostsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "known_hosts"
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}
