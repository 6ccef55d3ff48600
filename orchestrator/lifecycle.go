package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/nchammas/flintrock/cloud"
	"github.com/nchammas/flintrock/cluster"
	"github.com/nchammas/flintrock/ferrors"
	"github.com/nchammas/flintrock/service"
)

// Stop implements spec.md §4.6 "Stop": stop every service on every node,
// then stop the provider instances. Resources (EBS, firewall groups) are
// retained.
func (o *Orchestrator) Stop(ctx context.Context, name string) (*cluster.Cluster, error) {
	c, err := cluster.Reconstruct(ctx, o.Instances, name)
	if err != nil {
		return nil, err
	}
	if err := c.RequireState("stop", cluster.StateRunning); err != nil {
		return nil, err
	}
	c.State = cluster.StateStopping

	if err := o.forEachNode(ctx, c, func(ctx context.Context, node *cluster.Node) error {
		exr := o.executor(node)
		for i := len(o.Services) - 1; i >= 0; i-- {
			if err := o.Services[i].Stop(ctx, exr, node); err != nil {
				return err
			}
		}
		return node.Instance.Stop(ctx)
	}); err != nil {
		return nil, err
	}

	c.State = cluster.StateStopped
	return c, nil
}

// Start implements spec.md §4.6 "Start (from stopped)": restart provider
// instances, wait reachable, re-render configuration (since public
// addresses change on restart), start services in order, health check.
func (o *Orchestrator) Start(ctx context.Context, name string) (*cluster.Cluster, error) {
	c, err := cluster.Reconstruct(ctx, o.Instances, name)
	if err != nil {
		return nil, err
	}
	if err := c.RequireState("start", cluster.StateStopped); err != nil {
		return nil, err
	}
	c.State = cluster.StateStarting

	if err := o.forEachNode(ctx, c, func(ctx context.Context, node *cluster.Node) error {
		return node.Instance.Start(ctx)
	}); err != nil {
		return nil, err
	}

	if err := o.Instances.WaitReachable(ctx, instancesOf(c), 22); err != nil {
		return nil, ferrors.Wrap(ferrors.NetworkError, "waiting for instances to become reachable", err)
	}
	refreshAddresses(c)

	params := cluster.BuildParams(c)
	if err := o.forEachNode(ctx, c, func(ctx context.Context, node *cluster.Node) error {
		exr := o.executor(node)
		for _, svc := range o.Services {
			if err := svc.Configure(ctx, exr, params, node); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}

	for _, svc := range o.Services {
		masterExr := o.executor(c.Master)
		if err := svc.StartMaster(ctx, masterExr, params); err != nil {
			return nil, err
		}
		if err := o.forEachSlave(ctx, c, func(ctx context.Context, node *cluster.Node) error {
			return svc.StartSlave(ctx, o.executor(node), params)
		}); err != nil {
			return nil, err
		}
		status, err := svc.HealthCheck(ctx, masterExr, params)
		if err != nil {
			return nil, err
		}
		if status != service.HealthOK {
			return nil, ferrors.New(ferrors.HealthCheckFailed, fmt.Sprintf("%s did not become healthy", svc.Name()))
		}
	}

	c.State = cluster.StateRunning
	return c, nil
}

func refreshAddresses(c *cluster.Cluster) {
	for _, n := range c.AllNodes() {
		n.PublicAddress = n.Instance.Address()
		n.PrivateAddress = n.Instance.PrivateAddress()
		n.State = n.Instance.State()
	}
}

// Destroy implements spec.md §4.6 "Destroy": terminate every instance,
// then destroy firewall groups after instances are fully gone. Idempotent
// -- a not-found cluster is a no-op.
func (o *Orchestrator) Destroy(ctx context.Context, name string) error {
	c, err := cluster.Reconstruct(ctx, o.Instances, name)
	if err == cluster.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	c.State = cluster.StateTerminating

	if err := destroyAllRetryOnce(ctx, instancesOf(c)); err != nil {
		return ferrors.Wrap(ferrors.ProviderError, "destroying instances", err)
	}
	if err := o.Instances.DestroyFirewallGroups(ctx, specNames(FirewallSpecs(name))); err != nil {
		return ferrors.Wrap(ferrors.ProviderError, "destroying firewall groups", err)
	}
	return nil
}

// AddSlaves implements spec.md §4.6 "Add-slaves": allocate n instances,
// wait reachable, install and configure every service on them, start
// their slave roles, then ask the master to reconfigure. At-least-once:
// a failed add leaves successful additions in place.
func (o *Orchestrator) AddSlaves(ctx context.Context, name string, n int) (*cluster.Cluster, error) {
	c, err := cluster.Reconstruct(ctx, o.Instances, name)
	if err != nil {
		return nil, err
	}
	if err := c.RequireState("add-slaves", cluster.StateRunning); err != nil {
		return nil, err
	}

	// EnsureFirewallGroups is idempotent: this re-resolves the existing
	// groups' provider ids rather than assuming Reconstruct populated
	// them (it doesn't -- cluster.FirewallGroupIDs is only ever set at
	// launch time, in the same process).
	groupIDs, err := o.Instances.EnsureFirewallGroups(ctx, FirewallSpecs(name))
	if err != nil {
		return nil, wrapProviderErr("resolving firewall groups", err)
	}
	allocSpec := cloud.AllocateSpec{
		SecurityGroupIDs: groupIDs,
		Tags: cloud.InstanceTags{
			cluster.ClusterNameTag: name,
			cluster.RoleTag:        string(cloud.RoleSlave),
		},
	}
	newInstances, err := o.Instances.Allocate(ctx, n, allocSpec)
	if err != nil {
		return nil, wrapProviderErr("allocating new slaves", err)
	}

	newNodes := make([]*cluster.Node, len(newInstances))
	for i, inst := range newInstances {
		newNodes[i] = &cluster.Node{
			InstanceID:     inst.ID(),
			Role:           cloud.RoleSlave,
			PublicAddress:  inst.Address(),
			PrivateAddress: inst.PrivateAddress(),
			ProviderType:   inst.ProviderType(),
			LaunchedAt:     inst.LaunchedAt(),
			State:          inst.State(),
			Instance:       inst,
		}
	}
	newSlavesInstances := make([]cloud.Instance, len(newNodes))
	for i, n := range newNodes {
		newSlavesInstances[i] = n.Instance
	}
	if err := o.Instances.WaitReachable(ctx, newSlavesInstances, 22); err != nil {
		return nil, ferrors.Wrap(ferrors.NetworkError, "waiting for new slaves to become reachable", err)
	}

	c.Slaves = append(c.Slaves, newNodes...)
	c.SortSlavesByInstanceID()
	params := cluster.BuildParams(c)

	var failed []error
	for _, node := range newNodes {
		exr := o.executor(node)
		if err := exr.WarmUp(5, time.Second); err != nil {
			failed = append(failed, err)
			continue
		}
		ok := true
		for _, svc := range o.Services {
			if err := svc.Install(ctx, exr); err != nil {
				failed = append(failed, err)
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		mounts, err := discoverEphemeralMounts(exr)
		if err != nil {
			failed = append(failed, err)
			continue
		}
		node.EphemeralMounts = mounts
		for _, svc := range o.Services {
			if err := svc.Configure(ctx, exr, params, node); err != nil {
				failed = append(failed, err)
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		for _, svc := range o.Services {
			if err := svc.StartSlave(ctx, exr, params); err != nil {
				failed = append(failed, err)
				break
			}
		}
	}

	masterExr := o.executor(c.Master)
	for _, svc := range o.Services {
		if err := svc.Configure(ctx, masterExr, params, c.Master); err != nil {
			failed = append(failed, err)
		}
	}

	if len(failed) > 0 {
		return c, ferrors.Wrap(ferrors.RemoteCommandError, fmt.Sprintf("add-slaves: %d of %d new slaves failed", len(failed), n), failed[0])
	}
	return c, nil
}

// RemoveSlaves implements spec.md §4.6 "Remove-slaves": choose n slaves
// deterministically (ascending instance id, spec.md §8 property 6), stop
// their services, terminate the instances, then ask the master to
// rewrite its slaves file and reload.
func (o *Orchestrator) RemoveSlaves(ctx context.Context, name string, n int) (*cluster.Cluster, error) {
	c, err := cluster.Reconstruct(ctx, o.Instances, name)
	if err != nil {
		return nil, err
	}
	if err := c.RequireState("remove-slaves", cluster.StateRunning); err != nil {
		return nil, err
	}
	if n > len(c.Slaves) {
		return nil, ferrors.New(ferrors.ConfigError, fmt.Sprintf("cannot remove %d slaves: cluster only has %d", n, len(c.Slaves)))
	}

	c.SortSlavesByInstanceID()
	victims := append([]*cluster.Node{}, c.Slaves[:n]...)
	remaining := append([]*cluster.Node{}, c.Slaves[n:]...)

	log := o.log(name, "remove-slaves")
	for _, node := range victims {
		exr := o.executor(node)
		for _, svc := range o.Services {
			if err := svc.Stop(ctx, exr, node); err != nil {
				log.WithError(err).WithField("node", node.InstanceID).Warnf("%s failed to stop cleanly before termination", svc.Name())
			}
		}
	}

	victimInstances := make([]cloud.Instance, len(victims))
	for i, v := range victims {
		victimInstances[i] = v.Instance
	}
	if err := destroyAllRetryOnce(ctx, victimInstances); err != nil {
		return nil, ferrors.Wrap(ferrors.ProviderError, "terminating removed slaves", err)
	}

	c.Slaves = remaining
	c.SortSlavesByInstanceID()

	params := cluster.BuildParams(c)
	masterExr := o.executor(c.Master)
	for _, svc := range o.Services {
		if err := svc.Configure(ctx, masterExr, params, c.Master); err != nil {
			return c, err
		}
	}
	return c, nil
}
