// Package cluster models a Flintrock cluster: the master and slave nodes,
// the services installed on them, and the lifecycle state tying them
// together. There is no persistent store; every Cluster value is either
// freshly built by the orchestrator during launch, or reconstructed from
// provider tags by Reconstruct.
package cluster

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"sort"
	"time"

	"github.com/nchammas/flintrock/cloud"
	"github.com/samber/lo"
	"golang.org/x/crypto/ssh"
)

// Tag keys every cluster-owned instance carries (spec.md §6).
const (
	ClusterNameTag = "flintrock-cluster-name"
	RoleTag        = "flintrock-role"
)

// State is a cluster's lifecycle state (spec.md §4.7).
type State string

const (
	StatePending      State = "pending"
	StateRunning      State = "running"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
	StateStarting     State = "starting"
	StateTerminating  State = "terminating"
	StateTerminated   State = "terminated"
	StateInconsistent State = "inconsistent"
)

// SSHKeyPair is the cluster-internal keypair Flintrock seeds onto every
// node so cluster members can reach each other over SSH. Spark git-ref
// installs do not use it: each node clones and builds Spark itself, and
// nothing is copied from the master to the slaves. Supplemental to the
// operator's own identity file, which authenticates the operator to the
// nodes; this keypair authenticates nodes to each other.
type SSHKeyPair struct {
	PublicKey  []byte
	PrivateKey []byte
}

// GenerateSSHKeyPair creates a fresh ed25519 keypair for a cluster's
// internal node-to-node SSH, grounded on
// original_source/flintrock/ssh.py's generate_ssh_key_pair. PublicKey is
// in authorized_keys line format; PrivateKey is PEM-encoded PKCS#8, both
// readable by golang.org/x/crypto/ssh.
func GenerateSSHKeyPair() (*SSHKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating cluster ssh key: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("encoding cluster ssh public key: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("encoding cluster ssh private key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	return &SSHKeyPair{
		PublicKey:  ssh.MarshalAuthorizedKey(sshPub),
		PrivateKey: privPEM,
	}, nil
}

// InstalledService describes one service installed on the cluster, with
// enough detail to reconstruct the cluster model without re-running
// install.
type InstalledService struct {
	Name    string
	Version string
}

// Node is a single cluster member.
type Node struct {
	InstanceID     cloud.InstanceID
	Role           cloud.Role
	PublicAddress  string
	PrivateAddress string
	ProviderType   string
	LaunchedAt     time.Time
	State          cloud.InstanceState
	EphemeralMounts []string

	Instance cloud.Instance `json:"-"`
}

// Cluster is the in-memory model of a Flintrock cluster, reconstructed on
// every invocation from provider metadata (spec.md §3, "Cluster
// discovery").
type Cluster struct {
	Name     string
	Provider string
	Region   string
	Zone     string
	State    State

	Master *Node
	Slaves []*Node

	Services []InstalledService

	FirewallGroupIDs []string

	SSHUser        string
	IdentityFile   string
	InternalSSHKey *SSHKeyPair
}

// NodeCount returns the total number of nodes: master plus slaves.
func (c *Cluster) NodeCount() int {
	n := len(c.Slaves)
	if c.Master != nil {
		n++
	}
	return n
}

// AllNodes returns the master (if any) followed by the slaves.
func (c *Cluster) AllNodes() []*Node {
	nodes := make([]*Node, 0, c.NodeCount())
	if c.Master != nil {
		nodes = append(nodes, c.Master)
	}
	nodes = append(nodes, c.Slaves...)
	return nodes
}

// SlavePrivateAddresses returns the private address of every slave, in
// the order the slaves are held (launch-allocation order, unless the
// caller has re-sorted them).
func (c *Cluster) SlavePrivateAddresses() []string {
	return lo.Map(c.Slaves, func(n *Node, _ int) string { return n.PrivateAddress })
}

// SortSlavesByInstanceID orders Slaves ascending by instance id, the
// deterministic order remove-slaves chooses victims from (spec.md §4.1
// "Tie-breaks", §8 property 6).
func (c *Cluster) SortSlavesByInstanceID() {
	sort.Slice(c.Slaves, func(i, j int) bool {
		return c.Slaves[i].InstanceID < c.Slaves[j].InstanceID
	})
}

// ServiceVersion returns the installed version of the named service, and
// whether it is installed at all.
func (c *Cluster) ServiceVersion(name string) (string, bool) {
	for _, s := range c.Services {
		if s.Name == name {
			return s.Version, true
		}
	}
	return "", false
}
