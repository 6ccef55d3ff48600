// Package sshexecutor provides an Executor that runs commands and copies
// files on a remote node over a long-lived, multiplexed SSH connection,
// reconnecting automatically after errors.
package sshexecutor

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/nchammas/flintrock/cloud"
	"golang.org/x/crypto/ssh"
)

// ErrNoAddress is returned when the target has no address yet (e.g. the
// instance is still booting).
var ErrNoAddress = errors.New("instance has no address")

// Result is the outcome of a single Run call. A non-zero ExitCode is data,
// not an error: the caller decides whether it is fatal.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// New returns a new Executor for the given target. SetSigners must be
// called before the first Run/Copy call.
func New(t cloud.ExecutorTarget) *Executor {
	return &Executor{target: t, port: "22"}
}

// An Executor uses a multiplexed SSH connection to run shell commands and
// copy files on a remote target. It accepts whatever host key the remote
// server offers, then defers acceptance to the target's VerifyHostKey.
//
// An Executor must not be copied after first use.
type Executor struct {
	target  cloud.ExecutorTarget
	port    string
	user    string
	signers []ssh.Signer
	mtx     sync.RWMutex

	client      *ssh.Client
	clientErr   error
	clientOnce  sync.Once
	clientSetup chan bool
	hostKey     ssh.PublicKey
}

// SetSigners updates the private keys offered on the next connection.
func (exr *Executor) SetSigners(signers ...ssh.Signer) {
	exr.mtx.Lock()
	defer exr.mtx.Unlock()
	exr.signers = signers
}

// SetTarget updates the current target. It takes effect on the next
// connection attempt; an in-flight connection is left alone.
func (exr *Executor) SetTarget(t cloud.ExecutorTarget) {
	exr.mtx.Lock()
	defer exr.mtx.Unlock()
	exr.target = t
}

// SetPort sets the default port to connect to when the target's Address
// does not include one. Defaults to "22".
func (exr *Executor) SetPort(port string) {
	exr.mtx.Lock()
	defer exr.mtx.Unlock()
	if port != "" {
		exr.port = port
	}
}

// Target returns the current target.
func (exr *Executor) Target() cloud.ExecutorTarget {
	exr.mtx.RLock()
	defer exr.mtx.RUnlock()
	return exr.target
}

// Run executes cmd on the target's default shell with the given
// environment and returns its captured output. A non-zero exit status is
// reported via Result.ExitCode, not via the returned error.
func (exr *Executor) Run(env map[string]string, cmd string, stdin io.Reader) (Result, error) {
	session, err := exr.newSession()
	if err != nil {
		return Result{}, err
	}
	defer session.Close()
	for k, v := range env {
		if err := session.Setenv(k, v); err != nil {
			return Result{}, err
		}
	}
	var stdout, stderr bytes.Buffer
	session.Stdin = stdin
	session.Stdout = &stdout
	session.Stderr = &stderr
	err = session.Run(cmd)
	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err == nil {
		return res, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, nil
	}
	return res, err
}

// Copy writes content to remotePath on the target with the given
// permission bits, via a temp-file-then-rename so a reader never observes
// a partial file.
func (exr *Executor) Copy(content []byte, remotePath string, mode uint32) error {
	tmp := remotePath + ".flintrock-tmp"
	cmd := fmt.Sprintf("cat > %s && chmod %o %s && mv -f %s %s", shQuote(tmp), mode, shQuote(tmp), shQuote(tmp), shQuote(remotePath))
	res, err := exr.Run(nil, cmd, bytes.NewReader(content))
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("copy to %s exited %d: %s", remotePath, res.ExitCode, res.Stderr)
	}
	return nil
}

func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// WarmUp establishes the underlying SSH connection, retrying up to
// retries times with linear backoff (attempt*retryDelay) on transient
// errors (connection refused, or an auth failure while sshd is still
// starting up). Any other error -- notably a host-key mismatch reported by
// VerifyHostKey -- is returned immediately without retrying.
func (exr *Executor) WarmUp(retries int, retryDelay time.Duration) error {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * retryDelay)
		}
		_, err := exr.sshClient(true)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransientDialError(err) {
			return err
		}
	}
	return fmt.Errorf("giving up connecting after %d attempts: %w", retries+1, lastErr)
}

func isTransientDialError(err error) bool {
	msg := err.Error()
	for _, transient := range []string{
		"connection refused",
		"i/o timeout",
		"no route to host",
		"handshake failed",
		"unable to authenticate",
	} {
		if strings.Contains(msg, transient) {
			return true
		}
	}
	return false
}

// Close shuts down any active connection.
func (exr *Executor) Close() {
	exr.sshClient(false)
	exr.clientSetup <- true
	if exr.client != nil {
		defer exr.client.Close()
	}
	exr.client, exr.clientErr = nil, errors.New("closed")
	<-exr.clientSetup
}

func (exr *Executor) newSession() (*ssh.Session, error) {
	try := func(create bool) (*ssh.Session, error) {
		client, err := exr.sshClient(create)
		if err != nil {
			return nil, err
		}
		return client.NewSession()
	}
	session, err := try(false)
	if err != nil {
		session, err = try(true)
	}
	return session, err
}

// sshClient returns the latest SSH client, setting one up if create is
// true and none exists (or the existing one is unusable). If another
// goroutine is already setting one up, it waits for that attempt and
// returns its result.
func (exr *Executor) sshClient(create bool) (*ssh.Client, error) {
	exr.clientOnce.Do(func() {
		exr.clientSetup = make(chan bool, 1)
		exr.clientErr = errors.New("client not yet created")
	})
	defer func() { <-exr.clientSetup }()
	select {
	case exr.clientSetup <- true:
		if create {
			client, err := exr.setupClient()
			if err == nil || exr.client == nil {
				if exr.client != nil {
					go exr.client.Close()
				}
				exr.client, exr.clientErr = client, err
			}
			if err != nil {
				return nil, err
			}
		}
	default:
		exr.clientSetup <- true
	}
	return exr.client, exr.clientErr
}

func (exr *Executor) targetHostPort() (string, string) {
	addr := exr.Target().Address()
	if addr == "" {
		return "", ""
	}
	h, p, err := net.SplitHostPort(addr)
	if err != nil || p == "" {
		if h == "" {
			h = addr
		}
		exr.mtx.RLock()
		p = exr.port
		exr.mtx.RUnlock()
	}
	return h, p
}

func (exr *Executor) setupClient() (*ssh.Client, error) {
	addr := net.JoinHostPort(exr.targetHostPort())
	if addr == ":" {
		return nil, ErrNoAddress
	}
	var receivedKey ssh.PublicKey
	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User: exr.Target().RemoteUser(),
		Auth: []ssh.AuthMethod{ssh.PublicKeys(exr.signers...)},
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			receivedKey = key
			return nil
		},
		Timeout: 30 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	if receivedKey == nil {
		return nil, errors.New("BUG: host key was never offered")
	}
	if exr.hostKey == nil || !bytes.Equal(exr.hostKey.Marshal(), receivedKey.Marshal()) {
		if err := exr.Target().VerifyHostKey(receivedKey, client); err != nil && !errors.Is(err, cloud.ErrNotImplemented) {
			client.Close()
			return nil, err
		}
		exr.hostKey = receivedKey
	}
	return client, nil
}
