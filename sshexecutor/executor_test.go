package sshexecutor

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nchammas/flintrock/internal/sshtest"
	"golang.org/x/crypto/ssh"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&ExecutorSuite{})

type testTarget struct {
	sshtest.Service
}

func (*testTarget) VerifyHostKey(ssh.PublicKey, *ssh.Client) error {
	return nil
}

// Address returns the wrapped Service's host, with the port stripped,
// so the executor won't work until SetPort() is called.
func (tt *testTarget) Address() string {
	h, _, err := net.SplitHostPort(tt.Service.Address())
	if err != nil {
		panic(err)
	}
	return h
}

func (tt *testTarget) Port() string {
	_, p, err := net.SplitHostPort(tt.Service.Address())
	if err != nil {
		panic(err)
	}
	return p
}

type mitmTarget struct {
	sshtest.Service
}

func (*mitmTarget) VerifyHostKey(key ssh.PublicKey, client *ssh.Client) error {
	return fmt.Errorf("host key failed verification: %#v", key)
}

func (mt *mitmTarget) Port() string {
	_, p, err := net.SplitHostPort(mt.Service.Address())
	if err != nil {
		panic(err)
	}
	return p
}

type ExecutorSuite struct{}

func (s *ExecutorSuite) TestBadHostKey(c *check.C) {
	_, hostpriv := sshtest.GenerateKeyPair()
	clientpub, clientpriv := sshtest.GenerateKeyPair()
	target := &mitmTarget{
		Service: sshtest.Service{
			Exec: func(map[string]string, string, io.Reader, io.Writer, io.Writer) uint32 {
				c.Error("target Exec func called even though host key verification failed")
				return 0
			},
			HostKey:        hostpriv,
			AuthorizedUser: "username",
			AuthorizedKeys: []ssh.PublicKey{clientpub},
		},
	}

	err := target.Start()
	c.Check(err, check.IsNil)
	c.Logf("target address %q", target.Address())
	defer target.Close()

	exr := New(target)
	exr.SetSigners(clientpriv)
	exr.SetPort(target.Port())

	_, err = exr.Run(nil, "true", nil)
	c.Check(err, check.ErrorMatches, "host key failed verification: .*")
}

func (s *ExecutorSuite) TestRun(c *check.C) {
	command := `foo 'bar' "baz"`
	stdinData := "foobar\nbaz\n"
	_, hostpriv := sshtest.GenerateKeyPair()
	clientpub, clientpriv := sshtest.GenerateKeyPair()
	for _, exitcode := range []int{0, 1, 2} {
		target := &testTarget{
			Service: sshtest.Service{
				Exec: func(env map[string]string, cmd string, stdin io.Reader, stdout, stderr io.Writer) uint32 {
					c.Check(env["TESTVAR"], check.Equals, "test value")
					c.Check(cmd, check.Equals, command)
					var wg sync.WaitGroup
					wg.Add(2)
					go func() {
						io.WriteString(stdout, "stdout\n")
						wg.Done()
					}()
					go func() {
						io.WriteString(stderr, "stderr\n")
						wg.Done()
					}()
					buf, err := ioutil.ReadAll(stdin)
					wg.Wait()
					c.Check(err, check.IsNil)
					if err != nil {
						return 99
					}
					_, err = stdout.Write(buf)
					c.Check(err, check.IsNil)
					return uint32(exitcode)
				},
				HostKey:        hostpriv,
				AuthorizedUser: "username",
				AuthorizedKeys: []ssh.PublicKey{clientpub},
			},
		}
		err := target.Start()
		c.Check(err, check.IsNil)
		c.Logf("target address %q", target.Address())
		defer target.Close()

		exr := New(target)
		exr.SetSigners(clientpriv)

		// Bogus port: Run returns a connection error, not an SSH ExitError.
		exr.SetPort("0")
		_, err = exr.Run(nil, command, nil)
		c.Check(err, check.ErrorMatches, `.*connection refused.*`)
		c.Check(errors.As(err, new(*net.OpError)), check.Equals, true)

		exr.SetPort(target.Port())

		done := make(chan bool)
		go func() {
			res, err := exr.Run(map[string]string{"TESTVAR": "test value"}, command, bytes.NewBufferString(stdinData))
			c.Check(err, check.IsNil)
			c.Check(res.ExitCode, check.Equals, exitcode)
			c.Check(res.Stdout, check.DeepEquals, []byte("stdout\n"+stdinData))
			c.Check(res.Stderr, check.DeepEquals, []byte("stderr\n"))
			close(done)
		}()

		timeout := time.NewTimer(time.Second)
		select {
		case <-done:
		case <-timeout.C:
			c.Fatal("timed out")
		}
	}
}

func (s *ExecutorSuite) TestCopy(c *check.C) {
	_, hostpriv := sshtest.GenerateKeyPair()
	clientpub, clientpriv := sshtest.GenerateKeyPair()
	var gotCmd string
	var gotStdin []byte
	target := &testTarget{
		Service: sshtest.Service{
			Exec: func(env map[string]string, cmd string, stdin io.Reader, stdout, stderr io.Writer) uint32 {
				gotCmd = cmd
				buf, err := ioutil.ReadAll(stdin)
				c.Check(err, check.IsNil)
				gotStdin = buf
				return 0
			},
			HostKey:        hostpriv,
			AuthorizedUser: "username",
			AuthorizedKeys: []ssh.PublicKey{clientpub},
		},
	}
	c.Assert(target.Start(), check.IsNil)
	defer target.Close()

	exr := New(target)
	exr.SetSigners(clientpriv)
	exr.SetPort(target.Port())

	err := exr.Copy([]byte("hello\n"), "/etc/flintrock/conf", 0644)
	c.Assert(err, check.IsNil)
	c.Check(gotStdin, check.DeepEquals, []byte("hello\n"))
	c.Check(gotCmd, check.Matches, `cat > '.*\.flintrock-tmp' && chmod 644 '.*\.flintrock-tmp' && mv -f '.*\.flintrock-tmp' '/etc/flintrock/conf'`)
}

func (s *ExecutorSuite) TestWarmUpGivesUpOnFatalError(c *check.C) {
	target := &mitmTarget{
		Service: sshtest.Service{
			Exec: func(map[string]string, string, io.Reader, io.Writer, io.Writer) uint32 {
				return 0
			},
		},
	}
	_, hostpriv := sshtest.GenerateKeyPair()
	clientpub, clientpriv := sshtest.GenerateKeyPair()
	target.Service.HostKey = hostpriv
	target.Service.AuthorizedUser = "username"
	target.Service.AuthorizedKeys = []ssh.PublicKey{clientpub}
	c.Assert(target.Start(), check.IsNil)
	defer target.Close()

	exr := New(target)
	exr.SetSigners(clientpriv)
	exr.SetPort(target.Port())

	err := exr.WarmUp(5, time.Millisecond)
	c.Check(err, check.ErrorMatches, "host key failed verification: .*")
}

func (s *ExecutorSuite) TestWarmUpSucceedsOnReachableTarget(c *check.C) {
	_, hostpriv := sshtest.GenerateKeyPair()
	clientpub, clientpriv := sshtest.GenerateKeyPair()
	target := &testTarget{
		Service: sshtest.Service{
			Exec: func(map[string]string, string, io.Reader, io.Writer, io.Writer) uint32 {
				return 0
			},
			HostKey:        hostpriv,
			AuthorizedUser: "username",
			AuthorizedKeys: []ssh.PublicKey{clientpub},
		},
	}
	c.Assert(target.Start(), check.IsNil)
	defer target.Close()

	exr := New(target)
	exr.SetSigners(clientpriv)
	exr.SetPort(target.Port())

	err := exr.WarmUp(3, time.Millisecond)
	c.Check(err, check.IsNil)
}
