package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nchammas/flintrock/cloud"
	"github.com/nchammas/flintrock/cluster"
	"github.com/nchammas/flintrock/ferrors"
	"github.com/nchammas/flintrock/service"
	"github.com/nchammas/flintrock/sshexecutor"
	"golang.org/x/sync/errgroup"
)

// LaunchSpec describes the instances to allocate for a new cluster.
type LaunchSpec struct {
	Name      string
	NumSlaves int
	Instance  cloud.AllocateSpec
	SSHPort   int
}

// Launch implements spec.md §4.6 "Launch". On any failure from
// allocation onward it rolls back: every instance allocated for this
// launch is terminated and any firewall group created for it is
// destroyed (spec.md "Failure semantics during launch").
func (o *Orchestrator) Launch(ctx context.Context, spec LaunchSpec) (*cluster.Cluster, error) {
	log := o.log(spec.Name, "launch")

	if _, err := cluster.Reconstruct(ctx, o.Instances, spec.Name); err == nil {
		return nil, ferrors.New(ferrors.WrongState, fmt.Sprintf("cluster %q already exists", spec.Name))
	} else if err != cluster.ErrNotFound {
		return nil, err
	}

	specs := FirewallSpecs(spec.Name)
	groupNames := specNames(specs)
	groupIDs, err := o.Instances.EnsureFirewallGroups(ctx, specs)
	if err != nil {
		return nil, wrapProviderErr("creating firewall groups", err)
	}

	allocSpec := spec.Instance
	allocSpec.SecurityGroupIDs = append(append([]string{}, allocSpec.SecurityGroupIDs...), groupIDs...)
	if allocSpec.Tags == nil {
		allocSpec.Tags = cloud.InstanceTags{}
	}
	allocSpec.Tags[cluster.ClusterNameTag] = spec.Name

	n := spec.NumSlaves + 1
	log.WithField("count", n).Info("allocating instances")
	instances, err := o.Instances.Allocate(ctx, n, allocSpec)
	if err != nil {
		var created []cloud.Instance
		var partial *cloud.PartialAllocationError
		if errors.As(err, &partial) {
			created = partial.Created
		}
		o.rollback(context.Background(), log, created, groupNames, spec.Name)
		return nil, wrapProviderErr("allocating instances", err)
	}

	c, err := o.tagAndBuildCluster(ctx, spec, instances, groupIDs)
	if err != nil {
		o.rollback(context.Background(), log, instances, groupNames, spec.Name)
		return nil, err
	}

	internalKey, err := cluster.GenerateSSHKeyPair()
	if err != nil {
		o.rollback(context.Background(), log, instances, groupNames, spec.Name)
		return nil, ferrors.Wrap(ferrors.ConfigError, "generating cluster-internal ssh key", err)
	}
	c.InternalSSHKey = internalKey

	if err := o.provision(ctx, c); err != nil {
		o.rollback(context.Background(), log, instances, groupNames, spec.Name)
		return nil, err
	}

	c.State = cluster.StateRunning
	o.metrics.observe(c)
	return c, nil
}

func (o *Orchestrator) tagAndBuildCluster(ctx context.Context, spec LaunchSpec, instances []cloud.Instance, groupIDs []string) (*cluster.Cluster, error) {
	c := &cluster.Cluster{
		Name:              spec.Name,
		State:             cluster.StatePending,
		FirewallGroupIDs:  groupIDs,
		Services:          make([]cluster.InstalledService, 0, len(o.Services)),
	}
	for _, svc := range o.Services {
		c.Services = append(c.Services, cluster.InstalledService{Name: svc.Name(), Version: svc.Version()})
	}

	for i, inst := range instances {
		role := cloud.RoleSlave
		if i == 0 {
			role = cloud.RoleMaster
		}
		if err := inst.SetTags(cloud.InstanceTags{cluster.RoleTag: string(role)}); err != nil {
			return nil, wrapProviderErr(fmt.Sprintf("tagging instance %s", inst.ID()), err)
		}
		node := &cluster.Node{
			InstanceID:     inst.ID(),
			Role:           role,
			PublicAddress:  inst.Address(),
			PrivateAddress: inst.PrivateAddress(),
			ProviderType:   inst.ProviderType(),
			LaunchedAt:     inst.LaunchedAt(),
			State:          inst.State(),
			Instance:       inst,
		}
		if role == cloud.RoleMaster {
			c.Master = node
		} else {
			c.Slaves = append(c.Slaves, node)
		}
	}
	c.SortSlavesByInstanceID()
	return c, nil
}

// provision runs steps 4-9 of spec.md §4.6 Launch: wait reachable,
// install, collect params, configure, start in order, health check.
func (o *Orchestrator) provision(ctx context.Context, c *cluster.Cluster) error {
	log := o.log(c.Name, "launch")

	log.Info("waiting for instances to be reachable")
	if err := o.Instances.WaitReachable(ctx, instancesOf(c), 22); err != nil {
		return ferrors.Wrap(ferrors.NetworkError, "waiting for instances to become reachable", err)
	}

	if err := o.forEachNode(ctx, c, func(ctx context.Context, node *cluster.Node) error {
		exr := o.executor(node)
		if err := exr.WarmUp(5, time.Second); err != nil {
			return ferrors.Wrap(ferrors.NetworkError, fmt.Sprintf("connecting to %s", node.InstanceID), err)
		}
		if err := seedInternalSSHKey(exr, c.InternalSSHKey); err != nil {
			return err
		}
		for _, svc := range o.Services {
			if err := svc.Install(ctx, exr); err != nil {
				return err
			}
		}
		mounts, err := discoverEphemeralMounts(exr)
		if err != nil {
			return ferrors.Wrap(ferrors.RemoteCommandError, "discovering ephemeral mounts", err)
		}
		node.EphemeralMounts = mounts
		return nil
	}); err != nil {
		return err
	}

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
		return err
	}

	for _, svc := range o.Services {
		masterExr := o.executor(c.Master)
		if err := svc.StartMaster(ctx, masterExr, params); err != nil {
			return err
		}
		if err := o.forEachSlave(ctx, c, func(ctx context.Context, node *cluster.Node) error {
			return svc.StartSlave(ctx, o.executor(node), params)
		}); err != nil {
			return err
		}
		status, err := svc.HealthCheck(ctx, masterExr, params)
		if err != nil {
			return err
		}
		if status != service.HealthOK {
			return ferrors.New(ferrors.HealthCheckFailed, fmt.Sprintf("%s did not become healthy", svc.Name()))
		}
	}
	return nil
}

// forEachNode runs fn once per node (master + slaves) with bounded
// concurrency equal to the node count (spec.md §5 "Scheduling model").
func (o *Orchestrator) forEachNode(ctx context.Context, c *cluster.Cluster, fn func(context.Context, *cluster.Node) error) error {
	nodes := c.AllNodes()
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(len(nodes))
	for _, node := range nodes {
		node := node
		eg.Go(func() error { return fn(ctx, node) })
	}
	return eg.Wait()
}

func (o *Orchestrator) forEachSlave(ctx context.Context, c *cluster.Cluster, fn func(context.Context, *cluster.Node) error) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(len(c.Slaves))
	for _, node := range c.Slaves {
		node := node
		eg.Go(func() error { return fn(ctx, node) })
	}
	return eg.Wait()
}

func instancesOf(c *cluster.Cluster) []cloud.Instance {
	nodes := c.AllNodes()
	out := make([]cloud.Instance, len(nodes))
	for i, n := range nodes {
		out[i] = n.Instance
	}
	return out
}

// seedInternalSSHKey installs the cluster's internal keypair on node so
// every cluster member can reach every other one over SSH (Spark git-ref
// installs do not use it: each node clones and builds Spark itself, and
// nothing is copied from the master to the slaves), mirroring
// original_source/flintrock/core.py's provision_node seeding step: the
// private key lets this node authenticate outbound, and appending the
// public key to authorized_keys lets every other node authenticate in.
func seedInternalSSHKey(exr *sshexecutor.Executor, key *cluster.SSHKeyPair) error {
	if key == nil {
		return nil
	}
	res, err := exr.Run(nil, "mkdir -p ~/.ssh && chmod 700 ~/.ssh", nil)
	if err != nil {
		return ferrors.Wrap(ferrors.RemoteCommandError, "preparing ~/.ssh", err)
	}
	if res.ExitCode != 0 {
		return ferrors.New(ferrors.RemoteCommandError, fmt.Sprintf("preparing ~/.ssh exited %d: %s", res.ExitCode, res.Stderr))
	}
	if err := exr.Copy(key.PrivateKey, ".ssh/id_flintrock", 0600); err != nil {
		return ferrors.Wrap(ferrors.RemoteCommandError, "seeding cluster ssh private key", err)
	}
	appendAuthorizedKey := fmt.Sprintf(
		`grep -qxF %s ~/.ssh/authorized_keys 2>/dev/null || echo %s >> ~/.ssh/authorized_keys`,
		shQuote(strings.TrimSpace(string(key.PublicKey))),
		shQuote(strings.TrimSpace(string(key.PublicKey))),
	)
	res, err = exr.Run(nil, appendAuthorizedKey, nil)
	if err != nil {
		return ferrors.Wrap(ferrors.RemoteCommandError, "seeding cluster ssh public key", err)
	}
	if res.ExitCode != 0 {
		return ferrors.New(ferrors.RemoteCommandError, fmt.Sprintf("seeding cluster ssh public key exited %d: %s", res.ExitCode, res.Stderr))
	}
	return nil
}

func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// discoverEphemeralMounts lists instance-local block devices formatted
// and mounted at boot (spec.md GLOSSARY "Ephemeral mounts"), mirroring
// original_source/flintrock/core.py's "for f in /media/ephemeral*"
// probe. Devices below spark.MinEphemeralDeviceSize are excluded by
// service.spark.Configure, not here: the orchestrator doesn't know per
// service what the cutoff is, so it reports every mount it finds.
func discoverEphemeralMounts(exr *sshexecutor.Executor) ([]string, error) {
	res, err := exr.Run(nil, `shopt -s nullglob; for f in /media/ephemeral*; do echo "$f"; done`, nil)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("listing ephemeral mounts exited %d: %s", res.ExitCode, res.Stderr)
	}
	lines := strings.Split(strings.TrimSpace(string(res.Stdout)), "\n")
	mounts := make([]string, 0, len(lines))
	for _, l := range lines {
		if l != "" {
			mounts = append(mounts, l)
		}
	}
	sort.Strings(mounts)
	return mounts, nil
}
