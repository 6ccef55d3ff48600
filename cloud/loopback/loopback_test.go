package loopback

import (
	"context"
	"testing"
	"time"

	"github.com/nchammas/flintrock/cloud"
	"github.com/nchammas/flintrock/internal/sshtest"
	"github.com/nchammas/flintrock/sshexecutor"
	"github.com/sirupsen/logrus"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&LoopbackSuite{})

type LoopbackSuite struct{}

func (s *LoopbackSuite) TestAllocateAndRun(c *check.C) {
	is := New(logrus.StandardLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	instances, err := is.Allocate(ctx, 2, cloud.AllocateSpec{
		ProviderType: "loopback.small",
		Tags:         cloud.InstanceTags{"flintrock-cluster-name": "test"},
	})
	c.Assert(err, check.IsNil)
	c.Assert(instances, check.HasLen, 2)

	_, err = is.Allocate(ctx, 1, cloud.AllocateSpec{})
	c.Check(err, check.ErrorMatches, ".*loopback driver allows.*")

	found, err := is.Instances(ctx, cloud.InstanceTags{"flintrock-cluster-name": "test"})
	c.Assert(err, check.IsNil)
	c.Check(found, check.HasLen, 2)

	err = is.WaitReachable(ctx, instances, 22)
	c.Assert(err, check.IsNil)

	_, clientKey := sshtest.GenerateKeyPair()
	exr := sshexecutor.New(instances[0])
	exr.SetSigners(clientKey)
	res, err := exr.Run(nil, "echo hello", nil)
	c.Assert(err, check.IsNil)
	c.Check(res.ExitCode, check.Equals, 0)
	c.Check(string(res.Stdout), check.Equals, "hello\n")

	for _, inst := range instances {
		c.Assert(inst.Destroy(ctx), check.IsNil)
	}
	found, err = is.Instances(ctx, nil)
	c.Assert(err, check.IsNil)
	c.Check(found, check.HasLen, 0)
}

func (s *LoopbackSuite) TestFirewallGroupsAreIdempotent(c *check.C) {
	is := New(logrus.StandardLogger())
	ctx := context.Background()
	specs := []cloud.FirewallSpec{{Name: "flintrock"}, {Name: "flintrock-test"}}
	ids1, err := is.EnsureFirewallGroups(ctx, specs)
	c.Assert(err, check.IsNil)
	ids2, err := is.EnsureFirewallGroups(ctx, specs)
	c.Assert(err, check.IsNil)
	c.Check(ids1, check.DeepEquals, ids2)

	err = is.DestroyFirewallGroups(ctx, []string{"flintrock-test"})
	c.Assert(err, check.IsNil)
	c.Check(is.groups, check.HasLen, 1)
}
