package cluster

import (
	"context"
	"fmt"

	"github.com/nchammas/flintrock/cloud"
	"github.com/nchammas/flintrock/ferrors"
)

// ErrNotFound is returned by Reconstruct when no instance carries the
// requested cluster name.
var ErrNotFound = fmt.Errorf("cluster not found")

// Reconstruct rebuilds a Cluster from provider tags alone (spec.md §3
// "Cluster discovery", §4.1 describe). It never consults local disk.
func Reconstruct(ctx context.Context, instances cloud.InstanceSet, name string) (*Cluster, error) {
	tagged, err := instances.Instances(ctx, cloud.InstanceTags{ClusterNameTag: name})
	if err != nil {
		return nil, fmt.Errorf("listing instances for cluster %q: %w", name, err)
	}
	if len(tagged) == 0 {
		return nil, ErrNotFound
	}

	c := &Cluster{Name: name}
	var runningMasters, stoppedMasters []*Node
	for _, inst := range tagged {
		node := nodeFromInstance(inst)
		switch cloud.Role(inst.Tags()[RoleTag]) {
		case cloud.RoleMaster:
			if inst.State() == cloud.StateRunning {
				runningMasters = append(runningMasters, node)
			} else {
				stoppedMasters = append(stoppedMasters, node)
			}
		case cloud.RoleSlave:
			c.Slaves = append(c.Slaves, node)
		default:
			return &Cluster{Name: name, State: StateInconsistent}, ferrors.New(ferrors.InconsistentCluster,
				fmt.Sprintf("instance %s has no recognizable %s tag", inst.ID(), RoleTag))
		}
	}

	switch {
	case len(runningMasters) > 1:
		// spec.md §4.1 Tie-breaks: two running masters is fatal.
		return &Cluster{Name: name, State: StateInconsistent}, ferrors.New(ferrors.InconsistentCluster,
			fmt.Sprintf("cluster %q has %d running masters", name, len(runningMasters)))
	case len(runningMasters) == 1:
		c.Master = runningMasters[0]
	case len(stoppedMasters) > 0:
		// Prefer a running master, but any one master is enough to
		// reconstruct a stopped cluster.
		c.Master = stoppedMasters[0]
	default:
		return &Cluster{Name: name, State: StateInconsistent}, ferrors.New(ferrors.InconsistentCluster,
			fmt.Sprintf("cluster %q has no master instance", name))
	}

	c.SortSlavesByInstanceID()
	c.State = deriveState(c)
	return c, nil
}

func nodeFromInstance(inst cloud.Instance) *Node {
	return &Node{
		InstanceID:     inst.ID(),
		Role:           cloud.Role(inst.Tags()[RoleTag]),
		PublicAddress:  inst.Address(),
		PrivateAddress: inst.PrivateAddress(),
		ProviderType:   inst.ProviderType(),
		LaunchedAt:     inst.LaunchedAt(),
		State:          inst.State(),
		Instance:       inst,
	}
}

func deriveState(c *Cluster) State {
	all := c.AllNodes()
	running, stopped := 0, 0
	for _, n := range all {
		switch n.State {
		case cloud.StateRunning:
			running++
		case cloud.StateStopped:
			stopped++
		}
	}
	switch {
	case running == len(all):
		return StateRunning
	case stopped == len(all):
		return StateStopped
	default:
		return StateInconsistent
	}
}

// RequireState returns a wrong-state ferrors.Error if the cluster is not
// in one of the allowed states, per spec.md §4.7: "An operation whose
// precondition fails surfaces wrong-state and does not mutate the
// cluster."
func (c *Cluster) RequireState(op string, allowed ...State) error {
	for _, s := range allowed {
		if c.State == s {
			return nil
		}
	}
	return ferrors.New(ferrors.WrongState, fmt.Sprintf("%s: cluster %q is %s", op, c.Name, c.State))
}

// Params is the cluster-wide, read-only value every per-node configure
// task consumes. It is written exactly once by the orchestrator before
// any per-node task starts (spec.md §5 "publish-then-read ordering").
type Params struct {
	ClusterName       string
	MasterPrivateAddr string
	SlavePrivateAddrs []string

	EphemeralMountsByID map[cloud.InstanceID][]string

	// EphemeralSizeBytesByID reports, per node and per ephemeral mount's
	// underlying virtual device name, the device's size in bytes (spec.md:87's
	// "excluding devices smaller than 8 GiB" filter consults this).
	EphemeralSizeBytesByID map[cloud.InstanceID]map[string]int64
}

// BuildParams captures the cluster-wide parameters a node's configure
// step needs, from the current (fully allocated) state of c.
func BuildParams(c *Cluster) Params {
	mounts := make(map[cloud.InstanceID][]string, c.NodeCount())
	sizes := make(map[cloud.InstanceID]map[string]int64, c.NodeCount())
	for _, n := range c.AllNodes() {
		mounts[n.InstanceID] = n.EphemeralMounts
		if n.Instance != nil {
			sizes[n.InstanceID] = n.Instance.EphemeralDeviceSizes()
		}
	}
	masterAddr := ""
	if c.Master != nil {
		masterAddr = c.Master.PrivateAddress
	}
	return Params{
		ClusterName:            c.Name,
		MasterPrivateAddr:      masterAddr,
		SlavePrivateAddrs:      c.SlavePrivateAddresses(),
		EphemeralMountsByID:    mounts,
		EphemeralSizeBytesByID: sizes,
	}
}
