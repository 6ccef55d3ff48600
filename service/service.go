// Package service defines the Service Plugin Interface (spec.md §4.3):
// the capability set every installable service (Spark, HDFS) implements.
// A Service is a value, not an inheritance root -- concrete services
// (service/spark, service/hdfs) carry their own configuration and
// implement this interface directly, matching the Python source's
// FlintrockService contract translated to Go's capability-interface
// idiom.
package service

import (
	"context"

	"github.com/nchammas/flintrock/cluster"
	"github.com/nchammas/flintrock/sshexecutor"
)

// Node is referenced only through cluster.Node in this interface; see
// cluster.Node for the per-node fields services act on.

// HealthStatus is the outcome of a Service's HealthCheck.
type HealthStatus string

const (
	HealthOK       HealthStatus = "ok"
	HealthNotReady HealthStatus = "not_ready"
	HealthFailed   HealthStatus = "failed"
)

// Service is the capability set every installable service implements.
// Install, Configure, StartMaster, StartSlave, and Stop each act on one
// node; HealthCheck probes the cluster as a whole from the master.
type Service interface {
	// Name identifies the service, e.g. "spark" or "hdfs".
	Name() string

	// Version is the installed (or to-be-installed) version string.
	Version() string

	// RequiredPorts lists the TCP ports this service needs opened in the
	// cluster firewall group.
	RequiredPorts() []int

	// Install idempotently downloads and unpacks the service on node.
	// Download is retried up to 3 times with 1-second backoff on network
	// failure (spec.md §4.3); a corrupt archive is a fatal error.
	Install(ctx context.Context, exr *sshexecutor.Executor) error

	// Configure renders and writes this service's config files on node,
	// using the cluster-wide parameters gathered after allocation.
	Configure(ctx context.Context, exr *sshexecutor.Executor, params cluster.Params, node *cluster.Node) error

	// StartMaster starts this service's master-role process (e.g. Spark
	// standalone master, HDFS namenode).
	StartMaster(ctx context.Context, exr *sshexecutor.Executor, params cluster.Params) error

	// StartSlave starts this service's worker-role process (e.g. Spark
	// worker, HDFS datanode).
	StartSlave(ctx context.Context, exr *sshexecutor.Executor, params cluster.Params) error

	// Stop stops whatever role-specific process is running on node.
	Stop(ctx context.Context, exr *sshexecutor.Executor, node *cluster.Node) error

	// HealthCheck probes the service from the master and reports
	// whether the cluster-wide deployment of this service is healthy.
	HealthCheck(ctx context.Context, masterExr *sshexecutor.Executor, params cluster.Params) (HealthStatus, error)
}

// Order is the fixed service run order: HDFS before Spark (spec.md §4.3
// "Services run in a fixed order").
var Order = []string{"hdfs", "spark"}

// Sort reorders services in place to match Order; services not named in
// Order keep their relative position after the ones that are.
func Sort(services []Service) {
	rank := func(name string) int {
		for i, n := range Order {
			if n == name {
				return i
			}
		}
		return len(Order)
	}
	// Insertion sort: N is always tiny (2-3 services), and it's stable.
	for i := 1; i < len(services); i++ {
		for j := i; j > 0 && rank(services[j].Name()) < rank(services[j-1].Name()); j-- {
			services[j], services[j-1] = services[j-1], services[j]
		}
	}
}
