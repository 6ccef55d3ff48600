// Package loopback implements cloud.InstanceSet by running each "instance"
// as a local SSH server backed by a real subprocess shell, so the
// orchestrator and service plugins can be exercised end to end without a
// cloud account. Grounded on
// arvados-arvados/lib/cloud/loopback/loopback.go.
package loopback

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"net"
	"os/exec"
	"os/user"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nchammas/flintrock/cloud"
	"github.com/nchammas/flintrock/internal/sshtest"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

var errQuota = quotaError("loopback driver allows at most one batch of instances")

type quotaError string

func (e quotaError) IsQuotaError() bool { return true }
func (e quotaError) Error() string      { return string(e) }

// InstanceSet is the loopback implementation of cloud.InstanceSet.
type InstanceSet struct {
	logger    logrus.FieldLogger
	mtx       sync.Mutex
	instances []*instance
	nextID    int
	groups    map[string]string
}

// New returns a loopback InstanceSet. It is intended for tests and local
// smoke-testing of the orchestrator, not production use.
func New(logger logrus.FieldLogger) *InstanceSet {
	return &InstanceSet{logger: logger, groups: map[string]string{}}
}

func (is *InstanceSet) Allocate(ctx context.Context, n int, spec cloud.AllocateSpec) ([]cloud.Instance, error) {
	is.mtx.Lock()
	defer is.mtx.Unlock()
	if len(is.instances) > 0 {
		return nil, errQuota
	}
	u, err := user.Current()
	if err != nil {
		return nil, err
	}
	var created []cloud.Instance
	for i := 0; i < n; i++ {
		inst, err := is.newInstance(u.Username, spec)
		if err != nil {
			return nil, &cloud.PartialAllocationError{Requested: n, Created: created, Err: err}
		}
		is.instances = append(is.instances, inst)
		created = append(created, inst)
	}
	return created, nil
}

func (is *InstanceSet) newInstance(user string, spec cloud.AllocateSpec) (*instance, error) {
	hostRSAKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	hostKey, err := ssh.NewSignerFromKey(hostRSAKey)
	if err != nil {
		return nil, err
	}
	hostPubKey, err := ssh.NewPublicKey(hostRSAKey.Public())
	if err != nil {
		return nil, err
	}
	is.nextID++
	inst := &instance{
		is:           is,
		id:           cloud.InstanceID(fmt.Sprintf("loopback-%d", is.nextID)),
		providerType: spec.ProviderType,
		adminUser:    user,
		tags:         cloud.InstanceTags{},
		hostPubKey:   hostPubKey,
		state:        cloud.StatePending,
		launchedAt:   time.Now(),
	}
	for k, v := range spec.Tags {
		inst.tags[k] = v
	}
	inst.sshService = sshtest.Service{
		HostKey:        hostKey,
		AuthorizedUser: user,
	}
	inst.sshService.Exec = inst.sshExecFunc
	if err := inst.sshService.Start(); err != nil {
		return nil, err
	}
	inst.state = cloud.StateRunning
	return inst, nil
}

func (is *InstanceSet) Instances(ctx context.Context, filter cloud.InstanceTags) ([]cloud.Instance, error) {
	is.mtx.Lock()
	defer is.mtx.Unlock()
	var ret []cloud.Instance
	for _, inst := range is.instances {
		if matchesTags(inst.Tags(), filter) {
			ret = append(ret, inst)
		}
	}
	return ret, nil
}

func matchesTags(have, want cloud.InstanceTags) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func (is *InstanceSet) WaitReachable(ctx context.Context, instances []cloud.Instance, port int) error {
	for _, inst := range instances {
		// A loopback address already carries the instance's own listening
		// port, which takes precedence over port.
		addr := inst.PrivateAddress()
		if _, _, err := net.SplitHostPort(addr); err != nil {
			addr = net.JoinHostPort(addr, fmt.Sprintf("%d", port))
		}
		for {
			conn, err := net.Dial("tcp", addr)
			if err == nil {
				conn.Close()
				break
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("waiting for %s reachable: %w", inst, ctx.Err())
			case <-time.After(50 * time.Millisecond):
			}
		}
	}
	return nil
}

func (is *InstanceSet) EnsureFirewallGroups(ctx context.Context, specs []cloud.FirewallSpec) ([]string, error) {
	is.mtx.Lock()
	defer is.mtx.Unlock()
	ids := make([]string, len(specs))
	for i, spec := range specs {
		id, ok := is.groups[spec.Name]
		if !ok {
			id = "sg-loopback-" + spec.Name
			is.groups[spec.Name] = id
		}
		ids[i] = id
	}
	return ids, nil
}

func (is *InstanceSet) DestroyFirewallGroups(ctx context.Context, names []string) error {
	is.mtx.Lock()
	defer is.mtx.Unlock()
	for _, name := range names {
		delete(is.groups, name)
	}
	return nil
}

type instance struct {
	is           *InstanceSet
	id           cloud.InstanceID
	providerType string
	adminUser    string
	tags         cloud.InstanceTags
	hostPubKey   ssh.PublicKey
	sshService   sshtest.Service
	mtx          sync.Mutex
	state        cloud.InstanceState
	launchedAt   time.Time
}

func (i *instance) ID() cloud.InstanceID    { return i.id }
func (i *instance) String() string          { return string(i.id) }
func (i *instance) ProviderType() string    { return i.providerType }
func (i *instance) Address() string         { return i.sshService.Address() }
func (i *instance) PrivateAddress() string  { return i.sshService.Address() }
func (i *instance) RemoteUser() string      { return i.adminUser }
func (i *instance) LaunchedAt() time.Time   { return i.launchedAt }

func (i *instance) State() cloud.InstanceState {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	return i.state
}

func (i *instance) Tags() cloud.InstanceTags {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	tags := cloud.InstanceTags{}
	for k, v := range i.tags {
		tags[k] = v
	}
	return tags
}

// EphemeralDeviceSizes reports nothing: loopback instances are local
// subprocesses with no instance-store devices to size.
func (i *instance) EphemeralDeviceSizes() map[string]int64 { return nil }

func (i *instance) SetTags(tags cloud.InstanceTags) error {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	for k, v := range tags {
		i.tags[k] = v
	}
	return nil
}

func (i *instance) Start(ctx context.Context) error {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	i.state = cloud.StateRunning
	return nil
}

func (i *instance) Stop(ctx context.Context) error {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	i.state = cloud.StateStopped
	return nil
}

func (i *instance) Destroy(ctx context.Context) error {
	i.is.mtx.Lock()
	defer i.is.mtx.Unlock()
	i.sshService.Close()
	i.mtx.Lock()
	i.state = cloud.StateTerminated
	i.mtx.Unlock()
	for idx, inst := range i.is.instances {
		if inst == i {
			i.is.instances = append(i.is.instances[:idx], i.is.instances[idx+1:]...)
			break
		}
	}
	return nil
}

func (i *instance) VerifyHostKey(pubkey ssh.PublicKey, _ *ssh.Client) error {
	if !bytes.Equal(pubkey.Marshal(), i.hostPubKey.Marshal()) {
		return errors.New("host key mismatch")
	}
	return nil
}

func (i *instance) sshExecFunc(env map[string]string, command string, stdin io.Reader, stdout, stderr io.Writer) uint32 {
	cmd := exec.Command("sh", "-c", strings.TrimPrefix(command, "sudo "))
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	err := cmd.Run()
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return 1
	}
	if code := exitErr.ExitCode(); code >= 0 {
		return uint32(code)
	}
	return 1
}
