package orchestrator

import (
	"context"
	"fmt"

	"github.com/nchammas/flintrock/cloud"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// rollback implements spec.md §9 "Rollback guarantees": release every
// instance allocated for this launch, then destroy the firewall groups
// created for it. The release action is retried once before being
// reported (logged) as a rollback failure -- rollback failures never
// mask the original error, so this never returns one. groupNames are the
// FirewallSpec.Name values passed to EnsureFirewallGroups, not the
// provider ids it returned.
func (o *Orchestrator) rollback(ctx context.Context, log logrus.FieldLogger, instances []cloud.Instance, groupNames []string, clusterName string) {
	log = log.WithField("rollback", true)
	log.WithField("count", len(instances)).Warn("rolling back: destroying allocated instances")

	if err := destroyAllRetryOnce(ctx, instances); err != nil {
		log.WithError(err).Error("rollback failed to destroy all instances; firewall groups left in place")
		return
	}

	if len(groupNames) == 0 {
		return
	}
	if err := retryOnce(func() error { return o.Instances.DestroyFirewallGroups(ctx, groupNames) }); err != nil {
		log.WithError(err).Error("rollback failed to destroy firewall groups")
	}
}

func destroyAllRetryOnce(ctx context.Context, instances []cloud.Instance) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(len(instances))
	for _, inst := range instances {
		inst := inst
		eg.Go(func() error {
			return retryOnce(func() error { return inst.Destroy(ctx) })
		})
	}
	return eg.Wait()
}

func retryOnce(fn func() error) error {
	if err := fn(); err != nil {
		if err2 := fn(); err2 != nil {
			return fmt.Errorf("failed twice: %w", err2)
		}
	}
	return nil
}
