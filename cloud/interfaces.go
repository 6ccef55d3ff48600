// Package cloud defines the provider-agnostic contract that the
// orchestrator uses to allocate, inspect, and destroy the compute
// instances backing a Flintrock cluster. Concrete providers (cloud/ec2,
// cloud/loopback) implement InstanceSet and Instance.
package cloud

import (
	"context"
	"errors"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
)

// ErrNotImplemented is returned by optional Instance methods that a given
// provider does not support.
var ErrNotImplemented = errors.New("not implemented")

// InstanceID is a provider-assigned identifier, stable for the life of the
// instance (e.g. an EC2 instance ID).
type InstanceID string

// InstanceTags is the set of key/value tags a provider attaches to an
// instance or firewall group. Flintrock uses two well-known keys,
// ClusterNameTag and RoleTag (see package cluster), plus any user-supplied
// tags.
type InstanceTags map[string]string

// Role identifies a node's function within a cluster.
type Role string

const (
	RoleMaster Role = "master"
	RoleSlave  Role = "slave"
)

// InstanceState is the provider's view of an instance's lifecycle,
// independent of the services installed on it.
type InstanceState string

const (
	StatePending    InstanceState = "pending"
	StateRunning    InstanceState = "running"
	StateStopping   InstanceState = "stopping"
	StateStopped    InstanceState = "stopped"
	StateShuttingDn InstanceState = "shutting-down"
	StateTerminated InstanceState = "terminated"
)

// A RateLimitError should be returned by an InstanceSet when the cloud
// service indicates it is rejecting calls for some interval.
type RateLimitError interface {
	EarliestRetry() time.Time
	error
}

// QuotaError should be returned by an InstanceSet when the cloud service
// indicates the account cannot allocate more instances right now.
type QuotaError interface {
	IsQuotaError() bool
	error
}

// ExecutorTarget is anything an SSH Executor can connect to.
type ExecutorTarget interface {
	// Address returns the SSH-reachable host:port, or host with no port,
	// or "" if unknown (e.g. instance still booting).
	Address() string

	// RemoteUser is the account to authenticate as.
	RemoteUser() string

	// VerifyHostKey returns nil if key matches the target's known host
	// key. Returns ErrNotImplemented if the provider has no verification
	// mechanism (in which case the caller trusts whatever key it is
	// offered, as flintrock does for freshly-launched cloud instances).
	VerifyHostKey(key ssh.PublicKey, client *ssh.Client) error
}

// Instance is a single provider-managed compute instance.
type Instance interface {
	ExecutorTarget

	ID() InstanceID
	String() string

	// ProviderType is the provider's shape identifier (e.g. "m5.xlarge").
	ProviderType() string

	// PrivateAddress is the address other cluster members should use to
	// reach this instance. It may equal Address() on providers with no
	// public/private split.
	PrivateAddress() string

	State() InstanceState
	LaunchedAt() time.Time

	Tags() InstanceTags
	SetTags(InstanceTags) error

	// EphemeralDeviceSizes reports the size in bytes of each instance-store
	// device this instance was allocated with, keyed by virtual device name
	// (e.g. "ephemeral0"). A provider with no such concept, or a nil/empty
	// result, means callers must not filter by size.
	EphemeralDeviceSizes() map[string]int64

	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Destroy(ctx context.Context) error
}

// AllocateSpec describes the shape of a batch of instances to create.
type AllocateSpec struct {
	ProviderType     string
	ImageID          string
	KeyName          string
	SecurityGroupIDs []string
	SubnetID         string
	EBSRootSizeGB    int
	SpotPrice        string // empty means on-demand
	InstanceProfile  string
	UserData         string
	Tags             InstanceTags
}

// FirewallSpec describes a firewall/security group Flintrock owns.
type FirewallSpec struct {
	Name        string
	Description string
}

// InstanceSet manages a set of VM instances created by an elastic cloud
// provider. All public methods must be goroutine-safe.
type InstanceSet interface {
	// Allocate requests n instances of a single shape in one batched
	// call and waits until all are in the provider's running state. If
	// the batch cannot be filled, Allocate aborts and returns an error
	// that names how many instances were actually created (via
	// PartialAllocationError) so the caller can release them.
	Allocate(ctx context.Context, n int, spec AllocateSpec) ([]Instance, error)

	// Instances returns every instance tagged with all of the given
	// tags (an empty filter returns every instance owned by this
	// dispatcher/account scope the provider recognizes).
	Instances(ctx context.Context, filter InstanceTags) ([]Instance, error)

	// WaitReachable polls TCP connectivity on the given port until every
	// instance accepts a connection or the deadline in ctx elapses.
	WaitReachable(ctx context.Context, instances []Instance, port int) error

	// EnsureFirewallGroups creates (idempotently) the flintrock-owned
	// security groups described by specs, returning their provider IDs
	// in the same order.
	EnsureFirewallGroups(ctx context.Context, specs []FirewallSpec) ([]string, error)

	// DestroyFirewallGroups deletes the named flintrock-owned groups.
	// It must only be called after every instance referencing them is
	// gone.
	DestroyFirewallGroups(ctx context.Context, names []string) error
}

// PartialAllocationError is returned by InstanceSet.Allocate when fewer
// than the requested number of instances could be created. Created holds
// the instances that did get created, so the caller can release them.
type PartialAllocationError struct {
	Requested int
	Created   []Instance
	Err       error
}

func (e *PartialAllocationError) Error() string {
	return "allocated " + strconv.Itoa(len(e.Created)) + " of " + strconv.Itoa(e.Requested) + " requested instances: " + e.Err.Error()
}

func (e *PartialAllocationError) Unwrap() error { return e.Err }
