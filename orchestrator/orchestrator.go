// Package orchestrator drives the cluster lifecycle operations (launch,
// start, stop, add-slaves, remove-slaves, destroy, describe) described in
// spec.md §4.6: it coordinates the provider adapter, the SSH executor,
// and the service plugins, and is the one place cluster-wide parameters
// are published before any per-node task reads them (spec.md §5).
package orchestrator

import (
	"context"
	"sync"

	"github.com/nchammas/flintrock/cloud"
	"github.com/nchammas/flintrock/cluster"
	"github.com/nchammas/flintrock/ferrors"
	"github.com/nchammas/flintrock/service"
	"github.com/nchammas/flintrock/sshexecutor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// FirewallSpecs returns the flintrock-shared and per-cluster firewall
// group specs for name, in the fixed order EnsureFirewallGroups/
// DestroyFirewallGroups expect (spec.md §4.1 "Firewall policy").
func FirewallSpecs(name string) []cloud.FirewallSpec {
	return []cloud.FirewallSpec{
		{Name: "flintrock", Description: "flintrock-shared: SSH and service UIs from the caller's IP"},
		{Name: "flintrock-" + name, Description: "flintrock-" + name + ": all intra-cluster traffic"},
	}
}

func specNames(specs []cloud.FirewallSpec) []string {
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	return names
}

// Orchestrator wires the provider adapter and the service plugins
// together to implement the cluster lifecycle operations.
type Orchestrator struct {
	Instances cloud.InstanceSet
	Services  []service.Service
	Signers   []ssh.Signer
	SSHUser   string
	Logger    logrus.FieldLogger

	metrics *metrics
}

type metrics struct {
	nodesByState *prometheus.GaugeVec
}

// New returns an Orchestrator. services are sorted into HDFS-before-Spark
// order (spec.md §4.3) as a side effect.
func New(instances cloud.InstanceSet, services []service.Service, signers []ssh.Signer, sshUser string, logger logrus.FieldLogger) *Orchestrator {
	service.Sort(services)
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Orchestrator{
		Instances: instances,
		Services:  services,
		Signers:   signers,
		SSHUser:   sshUser,
		Logger:    logger,
		metrics:   registerMetrics(),
	}
}

var (
	metricsOnce   sync.Once
	sharedMetrics *metrics
)

// registerMetrics mirrors arvados's worker/pool.go registerMetrics: a
// gauge per observable dimension, registered with
// prometheus.DefaultRegisterer once per process and shared by every
// Orchestrator built in that process.
func registerMetrics() *metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &metrics{
			nodesByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "flintrock",
				Subsystem: "orchestrator",
				Name:      "nodes",
				Help:      "Number of nodes per cluster and instance state.",
			}, []string{"cluster", "state"}),
		}
		prometheus.MustRegister(sharedMetrics.nodesByState)
	})
	return sharedMetrics
}

// observe replaces c's previous per-state node counts with its current
// ones.
func (m *metrics) observe(c *cluster.Cluster) {
	m.nodesByState.DeletePartialMatch(prometheus.Labels{"cluster": c.Name})
	for _, n := range c.AllNodes() {
		m.nodesByState.WithLabelValues(c.Name, string(n.State)).Inc()
	}
}

func (o *Orchestrator) executor(node *cluster.Node) *sshexecutor.Executor {
	exr := sshexecutor.New(node.Instance)
	exr.SetSigners(o.Signers...)
	return exr
}

func (o *Orchestrator) log(clusterName, op string) logrus.FieldLogger {
	return o.Logger.WithField("cluster", clusterName).WithField("op", op)
}

// Describe reconstructs name's model from provider metadata (spec.md
// §4.6 "Describe"). If name is "", describing every Flintrock-owned
// cluster is the caller's responsibility (it must enumerate cluster
// names itself, e.g. by distinct ClusterNameTag values among tagged
// instances, since there is no central registry -- spec.md §3 "Cluster
// discovery").
func (o *Orchestrator) Describe(ctx context.Context, name string) (*cluster.Cluster, error) {
	c, err := cluster.Reconstruct(ctx, o.Instances, name)
	if err != nil {
		return nil, err
	}
	o.metrics.observe(c)
	return c, nil
}

func wrapProviderErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return ferrors.Wrap(ferrors.ProviderError, op, err)
}

