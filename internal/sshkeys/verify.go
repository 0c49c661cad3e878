package sshkeys

import (
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/gluk-w/simfleet/internal/logutil"
)

// HostKeyMismatchError is returned when a host presents a key that differs
// from its known_hosts entry. This may indicate a reinstalled host or a MITM
// attack; it is never accepted.
type HostKeyMismatchError struct {
	Host   string
	Actual string
}

func (e *HostKeyMismatchError) Error() string {
	return fmt.Sprintf("SSH host key mismatch for %s: got %s, which contradicts known_hosts (possible MITM attack)", e.Host, e.Actual)
}

// DefaultKnownHostsFile returns ~/.ssh/known_hosts, or "" if the home
// directory is unknown.
func DefaultKnownHostsFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}

// HostKeyCallback returns the host key policy for all connections.
// An empty knownHostsFile means the default location.
func HostKeyCallback(knownHostsFile string, strict bool) (ssh.HostKeyCallback, error) {
	if knownHostsFile == "" {
		knownHostsFile = DefaultKnownHostsFile()
	}

	if knownHostsFile != "" {
		if _, err := os.Stat(knownHostsFile); err == nil {
			checker, err := knownhosts.New(knownHostsFile)
			if err != nil {
				return nil, fmt.Errorf("load known_hosts %s: %w", logutil.SanitizeForLog(knownHostsFile), err)
			}
			return verifyKnownHosts(checker, strict), nil
		}
	}

	if strict {
		return nil, fmt.Errorf("strict host key checking needs a known_hosts file (looked for %q)", knownHostsFile)
	}
	return trustOnFirstUse(), nil
}

func verifyKnownHosts(checker ssh.HostKeyCallback, strict bool) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := checker(hostname, remote, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) {
			if len(keyErr.Want) > 0 {
				return &HostKeyMismatchError{Host: hostname, Actual: ssh.FingerprintSHA256(key)}
			}
			if !strict {
				log.Printf("[sshkeys] %s is not in known_hosts; accepting %s key %s",
					logutil.SanitizeForLog(hostname), key.Type(), ssh.FingerprintSHA256(key))
				return nil
			}
		}
		return err
	}
}

// trustOnFirstUse accepts every host but logs its fingerprint once per host.
// A host that later presents a different key within the same run is rejected.
func trustOnFirstUse() ssh.HostKeyCallback {
	seen := newFingerprintSet()
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		fp := ssh.FingerprintSHA256(key)
		prev, first := seen.remember(hostname, fp)
		if first {
			log.Printf("[sshkeys] no known_hosts file; trusting %s key %s for %s",
				key.Type(), fp, logutil.SanitizeForLog(hostname))
			return nil
		}
		if prev != fp {
			return &HostKeyMismatchError{Host: hostname, Actual: fp}
		}
		return nil
	}
}

type fingerprintSet struct {
	mu  sync.Mutex
	fps map[string]string
}

func newFingerprintSet() *fingerprintSet {
	return &fingerprintSet{fps: make(map[string]string)}
}

// remember records fp for hostname if none is stored yet. It returns the
// stored fingerprint and whether this was the first sighting.
func (s *fingerprintSet) remember(hostname, fp string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.fps[hostname]; ok {
		return prev, false
	}
	s.fps[hostname] = fp
	return fp, true
}
