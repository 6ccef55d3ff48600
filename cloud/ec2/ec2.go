// Package ec2 implements cloud.InstanceSet against Amazon EC2: batched
// allocation (on-demand or spot), tag-filtered describe, firewall-group
// management, and TCP reachability polling. Grounded on
// arvados-arvados/lib/cloud/ec2/ec2.go's use of aws-sdk-go (v1), with the
// VPC/subnet resolution, block-device mapping, spot-request lifecycle,
// and firewall policy supplemented from
// original_source/flintrock/ec2.py.
package ec2

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/nchammas/flintrock/cloud"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// Config configures a new InstanceSet.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SSHUser         string
}

// InstanceSet is the EC2 implementation of cloud.InstanceSet.
type InstanceSet struct {
	client  *ec2.EC2
	sshUser string
	logger  logrus.FieldLogger

	typeSizesMu    sync.Mutex
	typeSizesCache map[string]map[string]int64
}

// New returns an EC2-backed InstanceSet. If cfg.AccessKeyID is empty the
// SDK's standard credential chain (environment, shared config, instance
// profile) is used -- spec.md §6 "the provider region may default from
// the cloud SDK's standard environment variables."
func New(cfg Config, logger logrus.FieldLogger) (*InstanceSet, error) {
	awsConfig := aws.NewConfig().WithRegion(cfg.Region)
	if cfg.AccessKeyID != "" {
		awsConfig = awsConfig.WithCredentials(credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, ""))
	}
	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("creating AWS session: %w", err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &InstanceSet{client: ec2.New(sess), sshUser: cfg.SSHUser, logger: logger}, nil
}

// blockDeviceMappings derives the root volume's mapping from the AMI
// (resized to rootSizeGB, if given) plus one mapping per instance-store
// slot the instance type offers, named ephemeral0, ephemeral1, ... --
// mirroring original_source/flintrock/ec2.py's get_ephemeral_volumes
// expanded to also resize the root device per spec.md §4.1 "Root volume
// size". The returned map reports each ephemeral device's size in bytes
// (from DescribeInstanceTypes' InstanceStorageInfo.Disks[].SizeInGB), so
// callers can later drop devices smaller than spec.md:87's 8 GiB floor
// (the M5-family stub device) before handing mount points to a service.
func (is *InstanceSet) blockDeviceMappings(providerType, imageID string, rootSizeGB int) ([]*ec2.BlockDeviceMapping, map[string]int64, error) {
	var mappings []*ec2.BlockDeviceMapping

	imgOut, err := is.client.DescribeImages(&ec2.DescribeImagesInput{ImageIds: []*string{aws.String(imageID)}})
	if err != nil {
		return nil, nil, fmt.Errorf("describing AMI %s: %w", imageID, err)
	}
	if len(imgOut.Images) == 0 {
		return nil, nil, fmt.Errorf("AMI %s not found", imageID)
	}
	img := imgOut.Images[0]
	rootDeviceName := aws.StringValue(img.RootDeviceName)
	var rootEBS *ec2.EbsBlockDevice
	for _, bdm := range img.BlockDeviceMappings {
		if aws.StringValue(bdm.DeviceName) == rootDeviceName && bdm.Ebs != nil {
			rootEBS = &ec2.EbsBlockDevice{
				VolumeType: bdm.Ebs.VolumeType,
				VolumeSize: bdm.Ebs.VolumeSize,
			}
		}
	}
	if rootEBS != nil {
		if rootSizeGB > 0 {
			rootEBS.VolumeSize = aws.Int64(int64(rootSizeGB))
		}
		mappings = append(mappings, &ec2.BlockDeviceMapping{
			DeviceName: aws.String(rootDeviceName),
			Ebs:        rootEBS,
		})
	}

	ephemeralSizes, err := is.ephemeralDeviceSizes(providerType)
	if err != nil {
		return nil, nil, err
	}
	deviceLetters := "bcdefghijklmnop"
	for slot := 0; slot < len(ephemeralSizes); slot++ {
		name := fmt.Sprintf("ephemeral%d", slot)
		if slot >= len(deviceLetters) {
			break
		}
		if _, ok := ephemeralSizes[name]; !ok {
			break
		}
		mappings = append(mappings, &ec2.BlockDeviceMapping{
			DeviceName:  aws.String("/dev/sd" + string(deviceLetters[slot])),
			VirtualName: aws.String(name),
		})
	}
	return mappings, ephemeralSizes, nil
}

// ephemeralDeviceSizes reports the size in bytes of each instance-store
// device an instance type offers, keyed by virtual device name
// (ephemeral0, ephemeral1, ...), via DescribeInstanceTypes'
// InstanceStorageInfo.Disks[].SizeInGB. This is a property of the type,
// not of any particular instance, so it is equally usable when
// allocating new instances and when reconstructing cloud.Instance for
// ones already running (where AWS exposes no per-instance disk size).
// Results are cached per type since they never change.
func (is *InstanceSet) ephemeralDeviceSizes(providerType string) (map[string]int64, error) {
	is.typeSizesMu.Lock()
	if is.typeSizesCache == nil {
		is.typeSizesCache = map[string]map[string]int64{}
	}
	if cached, ok := is.typeSizesCache[providerType]; ok {
		is.typeSizesMu.Unlock()
		return cached, nil
	}
	is.typeSizesMu.Unlock()

	typeOut, err := is.client.DescribeInstanceTypes(&ec2.DescribeInstanceTypesInput{
		InstanceTypes: []*string{aws.String(providerType)},
	})
	if err != nil {
		return nil, fmt.Errorf("describing instance type %s: %w", providerType, err)
	}
	sizes := map[string]int64{}
	if len(typeOut.InstanceTypes) > 0 && typeOut.InstanceTypes[0].InstanceStorageInfo != nil {
		slot := 0
		for _, disk := range typeOut.InstanceTypes[0].InstanceStorageInfo.Disks {
			count := int(aws.Int64Value(disk.Count))
			if count < 1 {
				count = 1
			}
			sizeBytes := aws.Int64Value(disk.SizeInGB) << 30
			for j := 0; j < count; j++ {
				sizes[fmt.Sprintf("ephemeral%d", slot)] = sizeBytes
				slot++
			}
		}
	}

	is.typeSizesMu.Lock()
	is.typeSizesCache[providerType] = sizes
	is.typeSizesMu.Unlock()
	return sizes, nil
}

func ec2Tags(tags cloud.InstanceTags) []*ec2.Tag {
	out := make([]*ec2.Tag, 0, len(tags))
	for k, v := range tags {
		out = append(out, &ec2.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	return out
}

// Allocate requests n instances of a single shape in one batched call
// and waits until the provider reports them running (spec.md §4.1
// "allocate"). When spec.SpotPrice is set it uses the classic spot
// request lifecycle: RequestSpotInstances, poll DescribeSpotInstanceRequests
// until fulfilled or timeout, then CancelSpotInstanceRequests on timeout.
func (is *InstanceSet) Allocate(ctx context.Context, n int, spec cloud.AllocateSpec) ([]cloud.Instance, error) {
	blockDevices, ephemeralSizes, err := is.blockDeviceMappings(spec.ProviderType, spec.ImageID, spec.EBSRootSizeGB)
	if err != nil {
		return nil, err
	}

	if spec.SpotPrice != "" {
		return is.allocateSpot(ctx, n, spec, blockDevices, ephemeralSizes)
	}
	return is.allocateOnDemand(ctx, n, spec, blockDevices, ephemeralSizes)
}

func (is *InstanceSet) allocateOnDemand(ctx context.Context, n int, spec cloud.AllocateSpec, blockDevices []*ec2.BlockDeviceMapping, ephemeralSizes map[string]int64) ([]cloud.Instance, error) {
	rii := &ec2.RunInstancesInput{
		ImageId:             aws.String(spec.ImageID),
		InstanceType:        aws.String(spec.ProviderType),
		MinCount:            aws.Int64(int64(n)),
		MaxCount:            aws.Int64(int64(n)),
		KeyName:             aws.String(spec.KeyName),
		SecurityGroupIds:    aws.StringSlice(spec.SecurityGroupIDs),
		SubnetId:            nonEmpty(spec.SubnetID),
		BlockDeviceMappings: blockDevices,
		TagSpecifications: []*ec2.TagSpecification{{
			ResourceType: aws.String("instance"),
			Tags:         ec2Tags(spec.Tags),
		}},
	}
	if spec.InstanceProfile != "" {
		rii.IamInstanceProfile = &ec2.IamInstanceProfileSpecification{Name: aws.String(spec.InstanceProfile)}
	}
	if spec.UserData != "" {
		rii.UserData = aws.String(spec.UserData)
	}

	out, err := is.client.RunInstancesWithContext(ctx, rii)
	if err != nil {
		return nil, err
	}
	instances := make([]cloud.Instance, len(out.Instances))
	for i, inst := range out.Instances {
		instances[i] = &Instance{is: is, instance: inst, ephemeralSizes: ephemeralSizes}
	}
	if err := is.waitRunning(ctx, instances); err != nil {
		return instances, &cloud.PartialAllocationError{Requested: n, Created: instances, Err: err}
	}
	return instances, nil
}

// allocateSpot implements spec.md §4.1 "Spot requests" using the
// classic (non-fleet) spot API, matching
// original_source/flintrock/ec2.py's _create_instances spot path.
func (is *InstanceSet) allocateSpot(ctx context.Context, n int, spec cloud.AllocateSpec, blockDevices []*ec2.BlockDeviceMapping, ephemeralSizes map[string]int64) ([]cloud.Instance, error) {
	launchSpec := &ec2.RequestSpotLaunchSpecification{
		ImageId:             aws.String(spec.ImageID),
		InstanceType:        aws.String(spec.ProviderType),
		KeyName:             aws.String(spec.KeyName),
		SecurityGroupIds:    aws.StringSlice(spec.SecurityGroupIDs),
		SubnetId:            nonEmpty(spec.SubnetID),
		BlockDeviceMappings: blockDevices,
	}
	if spec.InstanceProfile != "" {
		launchSpec.IamInstanceProfile = &ec2.IamInstanceProfileSpecification{Name: aws.String(spec.InstanceProfile)}
	}
	if spec.UserData != "" {
		launchSpec.UserData = aws.String(spec.UserData)
	}

	reqOut, err := is.client.RequestSpotInstancesWithContext(ctx, &ec2.RequestSpotInstancesInput{
		SpotPrice:           aws.String(spec.SpotPrice),
		InstanceCount:       aws.Int64(int64(n)),
		LaunchSpecification: launchSpec,
	})
	if err != nil {
		return nil, err
	}
	requestIDs := make([]*string, len(reqOut.SpotInstanceRequests))
	for i, r := range reqOut.SpotInstanceRequests {
		requestIDs[i] = r.SpotInstanceRequestId
	}

	instanceIDs, err := is.pollSpotFulfillment(ctx, requestIDs)
	if err != nil {
		is.client.CancelSpotInstanceRequestsWithContext(context.Background(), &ec2.CancelSpotInstanceRequestsInput{
			SpotInstanceRequestIds: requestIDs,
		})
		return nil, err
	}

	if err := is.tagInstances(ctx, instanceIDs, spec.Tags); err != nil {
		return nil, err
	}
	instances, err := is.describeByID(ctx, instanceIDs, ephemeralSizes)
	if err != nil {
		return nil, &cloud.PartialAllocationError{Requested: n, Err: err}
	}
	if err := is.waitRunning(ctx, instances); err != nil {
		return instances, &cloud.PartialAllocationError{Requested: n, Created: instances, Err: err}
	}
	return instances, nil
}

func (is *InstanceSet) pollSpotFulfillment(ctx context.Context, requestIDs []*string) ([]*string, error) {
	for {
		out, err := is.client.DescribeSpotInstanceRequestsWithContext(ctx, &ec2.DescribeSpotInstanceRequestsInput{
			SpotInstanceRequestIds: requestIDs,
		})
		if err != nil {
			return nil, err
		}
		allFulfilled := true
		instanceIDs := make([]*string, 0, len(out.SpotInstanceRequests))
		for _, r := range out.SpotInstanceRequests {
			if r.State != nil && (*r.State == "cancelled" || *r.State == "failed") {
				return nil, fmt.Errorf("spot request %s is %s: %s", *r.SpotInstanceRequestId, *r.State, aws.StringValue(r.Status.Message))
			}
			if r.InstanceId == nil {
				allFulfilled = false
				continue
			}
			instanceIDs = append(instanceIDs, r.InstanceId)
		}
		if allFulfilled {
			return instanceIDs, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for spot fulfillment: %w", ctx.Err())
		case <-time.After(2 * time.Second):
		}
	}
}

func (is *InstanceSet) tagInstances(ctx context.Context, instanceIDs []*string, tags cloud.InstanceTags) error {
	if len(instanceIDs) == 0 {
		return nil
	}
	_, err := is.client.CreateTagsWithContext(ctx, &ec2.CreateTagsInput{
		Resources: instanceIDs,
		Tags:      ec2Tags(tags),
	})
	return err
}

func (is *InstanceSet) describeByID(ctx context.Context, instanceIDs []*string, ephemeralSizes map[string]int64) ([]cloud.Instance, error) {
	out, err := is.client.DescribeInstancesWithContext(ctx, &ec2.DescribeInstancesInput{InstanceIds: instanceIDs})
	if err != nil {
		return nil, err
	}
	var instances []cloud.Instance
	for _, rsv := range out.Reservations {
		for _, inst := range rsv.Instances {
			instances = append(instances, &Instance{is: is, instance: inst, ephemeralSizes: ephemeralSizes})
		}
	}
	return instances, nil
}

func (is *InstanceSet) waitRunning(ctx context.Context, instances []cloud.Instance) error {
	ids := make([]*string, len(instances))
	for i, inst := range instances {
		ids[i] = aws.String(string(inst.ID()))
	}
	return is.client.WaitUntilInstanceRunningWithContext(ctx, &ec2.DescribeInstancesInput{InstanceIds: ids})
}

// Instances returns every instance tagged with all of filter.
func (is *InstanceSet) Instances(ctx context.Context, filter cloud.InstanceTags) ([]cloud.Instance, error) {
	dii := &ec2.DescribeInstancesInput{}
	for k, v := range filter {
		dii.Filters = append(dii.Filters, &ec2.Filter{
			Name:   aws.String("tag:" + k),
			Values: aws.StringSlice([]string{v}),
		})
	}
	var instances []cloud.Instance
	for {
		out, err := is.client.DescribeInstancesWithContext(ctx, dii)
		if err != nil {
			return nil, err
		}
		for _, rsv := range out.Reservations {
			for _, inst := range rsv.Instances {
				if aws.StringValue(inst.State.Name) == "terminated" {
					continue
				}
				sizes, err := is.ephemeralDeviceSizes(aws.StringValue(inst.InstanceType))
				if err != nil {
					return nil, err
				}
				instances = append(instances, &Instance{is: is, instance: inst, ephemeralSizes: sizes})
			}
		}
		if out.NextToken == nil {
			return instances, nil
		}
		dii.NextToken = out.NextToken
	}
}

// WaitReachable polls TCP connectivity on port until every instance
// accepts a connection or ctx's deadline elapses (spec.md §4.1
// "wait_reachable").
func (is *InstanceSet) WaitReachable(ctx context.Context, instances []cloud.Instance, port int) error {
	remaining := append([]cloud.Instance{}, instances...)
	for len(remaining) > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%d of %d instances still unreachable: %w", len(remaining), len(instances), ctx.Err())
		default:
		}
		var stillUnreachable []cloud.Instance
		for _, inst := range remaining {
			addr := inst.PrivateAddress()
			if addr == "" {
				stillUnreachable = append(stillUnreachable, inst)
				continue
			}
			conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", addr, port), 3*time.Second)
			if err != nil {
				stillUnreachable = append(stillUnreachable, inst)
				continue
			}
			conn.Close()
		}
		remaining = stillUnreachable
		if len(remaining) > 0 {
			time.Sleep(2 * time.Second)
		}
	}
	return nil
}

// callerPublicIP discovers the caller's current public IP via an HTTP
// GET to checkip.amazonaws.com, exactly as
// original_source/flintrock/ec2.py does, so the flintrock-shared
// security group can authorize SSH from it.
func callerPublicIP() (string, error) {
	resp, err := http.Get("http://checkip.amazonaws.com/")
	if err != nil {
		return "", fmt.Errorf("discovering caller public IP: %w", err)
	}
	defer resp.Body.Close()
	scanner := bufio.NewScanner(io.LimitReader(resp.Body, 64))
	scanner.Scan()
	ip := strings.TrimSpace(scanner.Text())
	if ip == "" {
		return "", fmt.Errorf("checkip.amazonaws.com returned an empty body")
	}
	return ip, nil
}

// EnsureFirewallGroups creates (idempotently) the flintrock-owned
// security groups, grounded on
// original_source/flintrock/ec2.py's get_or_create_flintrock_security_groups:
// a shared "flintrock" group opening SSH and service UI ports from the
// caller's current public IP, and a per-cluster group allowing all
// traffic between its own members.
func (is *InstanceSet) EnsureFirewallGroups(ctx context.Context, specs []cloud.FirewallSpec) ([]string, error) {
	vpcID, err := is.defaultVPCID(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(specs))
	for i, spec := range specs {
		id, err := is.getOrCreateGroup(ctx, spec, vpcID)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	// specs[0] is always the flintrock-shared group (FirewallSpecs),
	// specs[1] the per-cluster group.
	if len(ids) >= 1 {
		if err := is.ensureSharedGroupRules(ctx, ids[0]); err != nil {
			return nil, err
		}
	}
	if len(ids) >= 2 {
		if err := is.ensureClusterGroupSelfRule(ctx, ids[1]); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func (is *InstanceSet) defaultVPCID(ctx context.Context) (string, error) {
	out, err := is.client.DescribeVpcsWithContext(ctx, &ec2.DescribeVpcsInput{
		Filters: []*ec2.Filter{{Name: aws.String("isDefault"), Values: aws.StringSlice([]string{"true"})}},
	})
	if err != nil {
		return "", err
	}
	if len(out.Vpcs) == 0 {
		return "", fmt.Errorf("no default VPC found in this region")
	}
	return *out.Vpcs[0].VpcId, nil
}

func (is *InstanceSet) getOrCreateGroup(ctx context.Context, spec cloud.FirewallSpec, vpcID string) (string, error) {
	describe, err := is.client.DescribeSecurityGroupsWithContext(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters: []*ec2.Filter{
			{Name: aws.String("group-name"), Values: aws.StringSlice([]string{spec.Name})},
			{Name: aws.String("vpc-id"), Values: aws.StringSlice([]string{vpcID})},
		},
	})
	if err != nil {
		return "", err
	}
	if len(describe.SecurityGroups) > 0 {
		return *describe.SecurityGroups[0].GroupId, nil
	}
	create, err := is.client.CreateSecurityGroupWithContext(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:   aws.String(spec.Name),
		Description: aws.String(spec.Description),
		VpcId:       aws.String(vpcID),
	})
	if err != nil {
		return "", err
	}
	return *create.GroupId, nil
}

// ensureSharedGroupRules authorizes SSH (22) and the Spark/HDFS UI ports
// from the caller's current public IP.
func (is *InstanceSet) ensureSharedGroupRules(ctx context.Context, groupID string) error {
	ip, err := callerPublicIP()
	if err != nil {
		return err
	}
	cidr := ip + "/32"
	ports := []int64{22, 50070, 8080, 8081, 7077, 6066}
	perms := make([]*ec2.IpPermission, 0, len(ports))
	for _, p := range ports {
		perms = append(perms, &ec2.IpPermission{
			IpProtocol: aws.String("tcp"),
			FromPort:   aws.Int64(p),
			ToPort:     aws.Int64(p),
			IpRanges:   []*ec2.IpRange{{CidrIp: aws.String(cidr)}},
		})
	}
	_, err = is.client.AuthorizeSecurityGroupIngressWithContext(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId:       aws.String(groupID),
		IpPermissions: perms,
	})
	if err != nil && !isDuplicateRuleErr(err) {
		return err
	}
	return nil
}

// ensureClusterGroupSelfRule authorizes all traffic between members of
// the cluster's own security group.
func (is *InstanceSet) ensureClusterGroupSelfRule(ctx context.Context, groupID string) error {
	_, err := is.client.AuthorizeSecurityGroupIngressWithContext(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId: aws.String(groupID),
		IpPermissions: []*ec2.IpPermission{{
			IpProtocol: aws.String("-1"),
			UserIdGroupPairs: []*ec2.UserIdGroupPair{{GroupId: aws.String(groupID)}},
		}},
	})
	if err != nil && !isDuplicateRuleErr(err) {
		return err
	}
	return nil
}

func isDuplicateRuleErr(err error) bool {
	return strings.Contains(err.Error(), "InvalidPermission.Duplicate")
}

// DestroyFirewallGroups deletes the named flintrock-owned groups. Only
// the per-cluster group is ever actually destroyed here: the
// flintrock-shared group is left in place since other clusters may
// still depend on it, mirroring the original's behavior of only
// deleting the cluster-specific group on terminate.
func (is *InstanceSet) DestroyFirewallGroups(ctx context.Context, names []string) error {
	for _, name := range names {
		if name == "flintrock" {
			continue
		}
		out, err := is.client.DescribeSecurityGroupsWithContext(ctx, &ec2.DescribeSecurityGroupsInput{
			Filters: []*ec2.Filter{{Name: aws.String("group-name"), Values: aws.StringSlice([]string{name})}},
		})
		if err != nil {
			return err
		}
		for _, sg := range out.SecurityGroups {
			if _, err := is.client.DeleteSecurityGroupWithContext(ctx, &ec2.DeleteSecurityGroupInput{GroupId: sg.GroupId}); err != nil {
				return err
			}
		}
	}
	return nil
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return aws.String(s)
}

// Instance is the EC2 implementation of cloud.Instance.
type Instance struct {
	is       *InstanceSet
	instance *ec2.Instance

	// ephemeralSizes maps virtual device name to size in bytes, per
	// InstanceStorageInfo.Disks[].SizeInGB for this instance's type.
	ephemeralSizes map[string]int64
}

// EphemeralDeviceSizes reports the size in bytes of each instance-store
// device this instance's type offers (spec.md:87's 8 GiB filter consults
// this to exclude the M5-family stub device).
func (inst *Instance) EphemeralDeviceSizes() map[string]int64 { return inst.ephemeralSizes }

func (inst *Instance) ID() cloud.InstanceID { return cloud.InstanceID(aws.StringValue(inst.instance.InstanceId)) }
func (inst *Instance) String() string       { return aws.StringValue(inst.instance.InstanceId) }
func (inst *Instance) ProviderType() string { return aws.StringValue(inst.instance.InstanceType) }

func (inst *Instance) Address() string {
	return aws.StringValue(inst.instance.PublicIpAddress)
}

func (inst *Instance) PrivateAddress() string {
	return aws.StringValue(inst.instance.PrivateIpAddress)
}

func (inst *Instance) RemoteUser() string { return inst.is.sshUser }

func (inst *Instance) VerifyHostKey(ssh.PublicKey, *ssh.Client) error {
	// EC2 offers no out-of-band host key; Flintrock trusts whatever key
	// a freshly-launched instance presents, same as the original.
	return cloud.ErrNotImplemented
}

func (inst *Instance) State() cloud.InstanceState {
	switch aws.StringValue(inst.instance.State.Name) {
	case "pending":
		return cloud.StatePending
	case "running":
		return cloud.StateRunning
	case "stopping":
		return cloud.StateStopping
	case "stopped":
		return cloud.StateStopped
	case "shutting-down":
		return cloud.StateShuttingDn
	default:
		return cloud.StateTerminated
	}
}

func (inst *Instance) LaunchedAt() time.Time {
	if inst.instance.LaunchTime == nil {
		return time.Time{}
	}
	return *inst.instance.LaunchTime
}

func (inst *Instance) Tags() cloud.InstanceTags {
	tags := cloud.InstanceTags{}
	for _, t := range inst.instance.Tags {
		tags[aws.StringValue(t.Key)] = aws.StringValue(t.Value)
	}
	return tags
}

func (inst *Instance) SetTags(tags cloud.InstanceTags) error {
	_, err := inst.is.client.CreateTags(&ec2.CreateTagsInput{
		Resources: []*string{inst.instance.InstanceId},
		Tags:      ec2Tags(tags),
	})
	return err
}

func (inst *Instance) Start(ctx context.Context) error {
	_, err := inst.is.client.StartInstancesWithContext(ctx, &ec2.StartInstancesInput{
		InstanceIds: []*string{inst.instance.InstanceId},
	})
	return err
}

func (inst *Instance) Stop(ctx context.Context) error {
	_, err := inst.is.client.StopInstancesWithContext(ctx, &ec2.StopInstancesInput{
		InstanceIds: []*string{inst.instance.InstanceId},
	})
	return err
}

func (inst *Instance) Destroy(ctx context.Context) error {
	_, err := inst.is.client.TerminateInstancesWithContext(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []*string{inst.instance.InstanceId},
	})
	return err
}
