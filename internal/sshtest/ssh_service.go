// Package sshtest provides an in-process SSH server standing in for a
// cluster node in tests, so sshexecutor, cloud/loopback, and the
// orchestrator's provisioning steps (install, configure, and the
// cluster-internal keypair seeding in orchestrator.seedInternalSSHKey)
// can be exercised without a real cloud instance. Grounded on
// arvados-arvados/lib/dispatchcloud/test/ssh_service.go's in-process
// SSH server shape.
package sshtest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
)

// GenerateKeyPair returns a freshly generated ed25519 keypair usable as
// either a host key or a client authentication key -- standing in for
// the real instance-side and cluster-internal keys that
// cluster.GenerateSSHKeyPair produces in production.
func GenerateKeyPair() (ssh.PublicKey, ssh.Signer) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		panic(err)
	}
	pubKey, err := ssh.NewPublicKey(pub)
	if err != nil {
		panic(err)
	}
	return pubKey, signer
}

// An ExecFunc handles an "exec" session on a multiplexed SSH connection.
type ExecFunc func(env map[string]string, command string, stdin io.Reader, stdout, stderr io.Writer) uint32

// A Service accepts SSH connections on an available TCP port and passes
// clients' "exec" sessions to the provided ExecFunc. It also records
// every command it ran and which public key authenticated each
// connection, so a test can assert on what a provisioning step (e.g.
// service.Service.Install, or orchestrator.seedInternalSSHKey) actually
// sent over the wire rather than just its side effects on disk.
type Service struct {
	Exec           ExecFunc
	HostKey        ssh.Signer
	AuthorizedUser string
	AuthorizedKeys []ssh.PublicKey

	listener net.Listener
	setup    sync.Once
	mtx      sync.Mutex
	started  chan bool
	closed   bool
	err      error

	historyMtx sync.Mutex
	commands   []string
	authedKeys []ssh.PublicKey
}

// Address returns the host:port where the server is listening, or ""
// if called before the server is ready to accept connections.
func (ss *Service) Address() string {
	ss.setup.Do(ss.start)
	ss.mtx.Lock()
	ln := ss.listener
	ss.mtx.Unlock()
	if ln == nil {
		return ""
	}
	return ln.Addr().String()
}

// RemoteUser returns the username that will be accepted.
func (ss *Service) RemoteUser() string {
	return ss.AuthorizedUser
}

// AddAuthorizedKey admits an additional public key at runtime, the way
// a real node accepts new keys once orchestrator.seedInternalSSHKey
// appends one to ~/.ssh/authorized_keys mid-provisioning: a connection
// keyed on it is not accepted until this is called, even though the
// server is already listening.
func (ss *Service) AddAuthorizedKey(key ssh.PublicKey) {
	ss.mtx.Lock()
	defer ss.mtx.Unlock()
	ss.AuthorizedKeys = append(ss.AuthorizedKeys, key)
}

// Commands returns every command string the server has executed, in
// the order received, so a test can assert a provisioning step (e.g.
// HDFS's namenode format check, or the ~/.ssh seeding commands) ran
// the expected shell command rather than just checking its result.
func (ss *Service) Commands() []string {
	ss.historyMtx.Lock()
	defer ss.historyMtx.Unlock()
	return append([]string{}, ss.commands...)
}

// AuthenticatedKeys returns the public key that authenticated each
// accepted connection, in connection order.
func (ss *Service) AuthenticatedKeys() []ssh.PublicKey {
	ss.historyMtx.Lock()
	defer ss.historyMtx.Unlock()
	return append([]ssh.PublicKey{}, ss.authedKeys...)
}

func (ss *Service) recordCommand(cmd string) {
	ss.historyMtx.Lock()
	ss.commands = append(ss.commands, cmd)
	ss.historyMtx.Unlock()
}

func (ss *Service) recordAuthenticatedKey(key ssh.PublicKey) {
	ss.historyMtx.Lock()
	ss.authedKeys = append(ss.authedKeys, key)
	ss.historyMtx.Unlock()
}

// Close shuts down the server. Established connections are unaffected.
func (ss *Service) Close() {
	ss.Start()
	ss.mtx.Lock()
	ln := ss.listener
	ss.closed = true
	ss.mtx.Unlock()
	if ln != nil {
		ln.Close()
	}
}

// Start returns when the server is ready to accept connections.
func (ss *Service) Start() error {
	ss.setup.Do(ss.start)
	<-ss.started
	return ss.err
}

func (ss *Service) start() {
	ss.started = make(chan bool)
	go ss.run()
}

func (ss *Service) run() {
	defer close(ss.started)
	config := &ssh.ServerConfig{
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			ss.mtx.Lock()
			keys := append([]ssh.PublicKey{}, ss.AuthorizedKeys...)
			ss.mtx.Unlock()
			if len(keys) == 0 {
				// No allowlist configured: accept any key. Used by the
				// loopback driver, which has no client key to check
				// against until after the connection is already made.
				ss.recordAuthenticatedKey(pubKey)
				return &ssh.Permissions{}, nil
			}
			for _, ak := range keys {
				if bytes.Equal(ak.Marshal(), pubKey.Marshal()) {
					ss.recordAuthenticatedKey(pubKey)
					return &ssh.Permissions{}, nil
				}
			}
			return nil, fmt.Errorf("unknown public key for %q", c.User())
		},
	}
	config.AddHostKey(ss.HostKey)

	listener, err := net.Listen("tcp", "127.0.0.1:")
	if err != nil {
		ss.err = err
		return
	}

	ss.mtx.Lock()
	ss.listener = listener
	ss.mtx.Unlock()

	go func() {
		for {
			nConn, err := listener.Accept()
			if err != nil && strings.Contains(err.Error(), "use of closed network connection") && ss.closed {
				return
			} else if err != nil {
				log.Printf("accept: %s", err)
				return
			}
			go ss.serveConn(nConn, config)
		}
	}()
}

func (ss *Service) serveConn(nConn net.Conn, config *ssh.ServerConfig) {
	defer nConn.Close()
	conn, newchans, reqs, err := ssh.NewServerConn(nConn, config)
	if err != nil {
		log.Printf("ssh.NewServerConn: %s", err)
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)
	for newch := range newchans {
		if newch.ChannelType() != "session" {
			newch.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, reqs, err := newch.Accept()
		if err != nil {
			log.Printf("accept channel: %s", err)
			return
		}
		didExec := false
		sessionEnv := map[string]string{}
		go func() {
			for req := range reqs {
				switch {
				case didExec:
					req.Reply(false, nil)
				case req.Type == "exec":
					var execReq struct{ Command string }
					req.Reply(true, nil)
					ssh.Unmarshal(req.Payload, &execReq)
					ss.recordCommand(execReq.Command)
					go func() {
						var resp struct{ Status uint32 }
						resp.Status = ss.Exec(sessionEnv, execReq.Command, ch, ch, ch.Stderr())
						ch.SendRequest("exit-status", false, ssh.Marshal(&resp))
						ch.Close()
					}()
					didExec = true
				case req.Type == "env":
					var envReq struct{ Name, Value string }
					req.Reply(true, nil)
					ssh.Unmarshal(req.Payload, &envReq)
					sessionEnv[envReq.Name] = envReq.Value
				}
			}
		}()
	}
}
