package sshkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/gluk-w/simfleet/internal/logutil"
)

// defaultKeyNames are tried under ~/.ssh when no key paths are configured.
var defaultKeyNames = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// AuthOptions selects the credentials offered to every host.
type AuthOptions struct {
	KeyPaths []string
	Password string
	// AgentSocket overrides SSH_AUTH_SOCK; "-" disables the agent.
	AgentSocket string
}

// Auth is the set of authentication methods plus the resources backing them.
type Auth struct {
	Methods []ssh.AuthMethod
	agent   net.Conn
}

// Close releases the ssh-agent connection, if one was opened.
func (a *Auth) Close() error {
	if a.agent == nil {
		return nil
	}
	return a.agent.Close()
}

// AuthMethods builds the client authentication methods described by opts.
// It fails only when no method at all is available or an explicitly
// configured key cannot be used.
func AuthMethods(opts AuthOptions) (*Auth, error) {
	a := &Auth{}

	sock := opts.AgentSocket
	if sock == "" {
		sock = os.Getenv("SSH_AUTH_SOCK")
	}
	if sock != "" && sock != "-" {
		conn, err := net.Dial("unix", sock)
		if err != nil {
			log.Printf("[sshkeys] ssh-agent unavailable at %s: %v", logutil.SanitizeForLog(sock), err)
		} else {
			a.agent = conn
			a.Methods = append(a.Methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}

	signers, err := loadSigners(opts.KeyPaths)
	if err != nil {
		a.Close()
		return nil, err
	}
	if len(signers) > 0 {
		a.Methods = append(a.Methods, ssh.PublicKeys(signers...))
	}

	if opts.Password != "" {
		a.Methods = append(a.Methods, ssh.Password(opts.Password))
	}

	if len(a.Methods) == 0 {
		return nil, fmt.Errorf("no SSH credentials: start ssh-agent, add a key under ~/.ssh or set SIMFLEET_SSH_KEYS")
	}
	return a, nil
}

func loadSigners(paths []string) ([]ssh.Signer, error) {
	explicit := len(paths) > 0
	if !explicit {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, nil
		}
		for _, name := range defaultKeyNames {
			paths = append(paths, filepath.Join(home, ".ssh", name))
		}
	}

	var signers []ssh.Signer
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			if !explicit && errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read private key %s: %w", logutil.SanitizeForLog(p), err)
		}
		signer, err := ParsePrivateKey(data)
		if err != nil {
			var missing *ssh.PassphraseMissingError
			if errors.As(err, &missing) {
				log.Printf("[sshkeys] skipping passphrase-protected key %s (load it into ssh-agent instead)", logutil.SanitizeForLog(p))
				continue
			}
			return nil, fmt.Errorf("%s: %w", logutil.SanitizeForLog(p), err)
		}
		signers = append(signers, signer)
	}
	return signers, nil
}

// GenerateKeyPair generates an ED25519 key pair and returns the
// OpenSSH-format public key and the PEM-encoded private key.
func GenerateKeyPair() (publicKey, privateKeyPEM []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}

	privateKeyPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: privBytes,
	})

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("create ssh public key: %w", err)
	}
	publicKey = ssh.MarshalAuthorizedKey(sshPub)

	return publicKey, privateKeyPEM, nil
}

// ParsePrivateKey parses a PEM-encoded private key into an ssh.Signer.
func ParsePrivateKey(privateKeyPEM []byte) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}
