package sshtest

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/simfleet/internal/config"
	"github.com/gluk-w/simfleet/internal/sshkeys"
)

// Server is an in-process SSH server that executes commands against an FS.
type Server struct {
	Addr string
	FS   *FS

	// ClientSigner is the only key the server accepts; ClientKeyPEM is its
	// private key for callers that load keys from disk.
	ClientSigner ssh.Signer
	ClientKeyPEM []byte
	HostKey      ssh.PublicKey

	listener net.Listener
	done     chan struct{}

	mu       sync.Mutex
	conns    []net.Conn
	accepted int
	closed   bool
}

// NewServer starts a server for fsys and stops it when the test ends.
func NewServer(t testing.TB, fsys *FS) *Server {
	t.Helper()

	_, hostKeyPEM, err := sshkeys.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := sshkeys.ParsePrivateKey(hostKeyPEM)
	if err != nil {
		t.Fatalf("parse host key: %v", err)
	}

	_, clientKeyPEM, err := sshkeys.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	clientSigner, err := sshkeys.ParsePrivateKey(clientKeyPEM)
	if err != nil {
		t.Fatalf("parse client key: %v", err)
	}

	authorized := ssh.FingerprintSHA256(clientSigner.PublicKey())
	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if ssh.FingerprintSHA256(key) == authorized {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key for %s", conn.User())
		},
	}
	cfg.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := &Server{
		Addr:         listener.Addr().String(),
		FS:           fsys,
		ClientSigner: clientSigner,
		ClientKeyPEM: clientKeyPEM,
		HostKey:      hostSigner.PublicKey(),
		listener:     listener,
		done:         make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.conns = append(s.conns, netConn)
			s.accepted++
			s.mu.Unlock()
			go s.handleConn(netConn, cfg)
		}
	}()

	t.Cleanup(s.Close)
	return s
}

// Host returns a catalog entry for this server.
func (s *Server) Host(capacity int) config.Host {
	return config.Host{Address: s.Addr, Capacity: capacity}
}

// ClientConfig returns a client configuration that authenticates with
// ClientSigner and pins HostKey.
func (s *Server) ClientConfig() *ssh.ClientConfig {
	return &ssh.ClientConfig{
		User:            "tester",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(s.ClientSigner)},
		HostKeyCallback: ssh.FixedHostKey(s.HostKey),
		Timeout:         5 * time.Second,
	}
}

// Accepted returns the number of TCP connections accepted so far.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// DropConnections closes every open connection while the server keeps
// listening, simulating a network failure.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Close stops the server and closes every connection.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.listener.Close()
	s.DropConnections()
	<-s.done
}

func (s *Server) handleConn(netConn net.Conn, cfg *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, cfg)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()

	go func() {
		for req := range reqs {
			if req.WantReply {
				req.Reply(true, nil)
			}
		}
	}()

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, requests)
	}
}

func (s *Server) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := false
	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if started || ssh.Unmarshal(req.Payload, &payload) != nil {
				req.Reply(false, nil)
				continue
			}
			started = true
			req.Reply(true, nil)

			go func() {
				code := s.FS.Run(ctx, payload.Command, ch, ch, ch.Stderr())
				ch.CloseWrite()
				ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
				ch.Close()
			}()

		case "signal":
			cancel()

		default:
			if req.WantReply {
				req.Reply(true, nil)
			}
		}
	}
}
