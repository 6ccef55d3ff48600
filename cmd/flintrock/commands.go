package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/nchammas/flintrock/cloud"
	"github.com/nchammas/flintrock/cloud/ec2"
	"github.com/nchammas/flintrock/cluster"
	"github.com/nchammas/flintrock/config"
	"github.com/nchammas/flintrock/ferrors"
	"github.com/nchammas/flintrock/orchestrator"
	"github.com/nchammas/flintrock/service"
	"github.com/nchammas/flintrock/service/hdfs"
	"github.com/nchammas/flintrock/service/spark"
	"github.com/nchammas/flintrock/sshexecutor"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"
)

// exitCodeFor maps an error to the exit code contract in spec.md §6:
// 0 success, 1 a non-trivial operational failure, 2 bad usage (a
// malformed invocation that never reached the orchestrator).
func exitCodeFor(err error) int {
	if kind, ok := ferrors.KindOf(err); ok && kind == ferrors.ConfigError {
		return 2
	}
	return 1
}

func newRootCommand(logger logrus.FieldLogger) *cobra.Command {
	root := &cobra.Command{
		Use:           "flintrock",
		Short:         "Launch and manage Apache Spark clusters on EC2",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newLaunchCommand(logger),
		newDestroyCommand(logger),
		newDescribeCommand(logger),
		newStartCommand(logger),
		newStopCommand(logger),
		newAddSlavesCommand(logger),
		newRemoveSlavesCommand(logger),
		newRunCommandCommand(logger),
		newCopyFileCommand(logger),
		newLoginCommand(logger),
	)
	// Usage errors (bad flags, wrong argument count) are config-errors,
	// so exitCodeFor maps them to exit code 2.
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return ferrors.Wrap(ferrors.ConfigError, "bad usage", err)
	})
	for _, sub := range root.Commands() {
		if validate := sub.Args; validate != nil {
			sub.Args = func(cmd *cobra.Command, args []string) error {
				if err := validate(cmd, args); err != nil {
					return ferrors.Wrap(ferrors.ConfigError, "bad usage", err)
				}
				return nil
			}
		}
	}
	return root
}

// providerFlagSet binds the flags shared by every operation that talks
// to EC2 and returns a getter for the resulting options.
func providerFlagSet(cmd *cobra.Command) func() config.ProviderOptions {
	var o config.ProviderOptions
	flags := cmd.Flags()
	flags.StringVar(&o.Region, "region", os.Getenv("AWS_DEFAULT_REGION"), "EC2 region")
	flags.StringVar(&o.Zone, "zone", "", "EC2 availability zone (accepted but not used: no placement is requested)")
	flags.StringVar(&o.VPCID, "vpc-id", "", "VPC to launch into (accepted but not used: firewall groups are always created in the region's default VPC)")
	flags.StringVar(&o.SubnetID, "subnet-id", "", "subnet to launch into")
	flags.StringVar(&o.InstanceType, "instance-type", "m5.xlarge", "EC2 instance type")
	flags.StringVar(&o.AMI, "ami", "", "AMI id")
	flags.StringVar(&o.KeyName, "key-name", "", "EC2 key pair name")
	flags.StringVar(&o.IdentityFile, "identity-file", "", "path to the private key matching --key-name")
	flags.StringVar(&o.InstanceProfile, "instance-profile-name", "", "IAM instance profile to attach")
	flags.StringVar(&o.UserDataPath, "user-data", "", "path to an EC2 user-data script")
	flags.StringVar(&o.SpotPrice, "spot-price", "", "bid price; empty requests on-demand instances")
	flags.IntVar(&o.EBSRootSizeGB, "ebs-root-size-gb", 0, "resize the root EBS volume; 0 keeps the AMI's default")
	flags.StringSliceVar(&o.SecurityGroups, "security-groups", nil, "additional security group ids")
	flags.StringToStringVar(&o.Tags, "tags", nil, "additional instance tags, key=value")
	flags.StringVar(&o.SSHUser, "ssh-user", "ec2-user", "SSH user to connect as")
	return func() config.ProviderOptions { return o }
}

func sparkFlagSet(cmd *cobra.Command) func() config.SparkOptions {
	var o config.SparkOptions
	flags := cmd.Flags()
	flags.StringVar(&o.Version, "spark-version", "3.3.2", "Spark release version")
	flags.StringVar(&o.GitCommit, "spark-git-commit", "", "build Spark from this git commit instead of a release")
	flags.StringVar(&o.GitRepository, "spark-git-repository", "https://github.com/apache/spark", "git repository to build --spark-git-commit from")
	flags.StringVar(&o.DownloadSource, "spark-download-source", "https://archive.apache.org/dist/spark/spark-{v}/spark-{v}-bin-hadoop3.tgz", "release tarball URL template")
	flags.IntVar(&o.ExecutorInstances, "spark-executor-instances", 1, "executors per slave")
	flags.IntVar(&o.JavaVersion, "java-version", 11, "JDK major version (accepted but not used: no Java runtime is installed or selected)")
	return func() config.SparkOptions { return o }
}

func hdfsFlagSet(cmd *cobra.Command) func() config.HDFSOptions {
	var o config.HDFSOptions
	flags := cmd.Flags()
	flags.BoolVar(&o.Enabled, "install-hdfs", false, "also install HDFS")
	flags.StringVar(&o.Version, "hdfs-version", "3.3.6", "Hadoop release version")
	flags.StringVar(&o.DownloadSource, "hdfs-download-source", "https://archive.apache.org/dist/hadoop/common/hadoop-{v}/hadoop-{v}.tar.gz", "release tarball URL template")
	return func() config.HDFSOptions { return o }
}

// newEC2InstanceSet builds the cloud.InstanceSet for a provider command,
// resolving region from --region or the EC2 SDK's own default chain.
func newEC2InstanceSet(po config.ProviderOptions, logger logrus.FieldLogger) (cloud.InstanceSet, error) {
	is, err := ec2.New(ec2.Config{Region: po.Region, SSHUser: po.SSHUser}, logger)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.ProviderError, "connecting to EC2", err)
	}
	return is, nil
}

// buildServices instantiates the service plugins an operation's flags
// request; orchestrator.New sorts them into HDFS-before-Spark order.
func buildServices(so config.SparkOptions, ho config.HDFSOptions) ([]service.Service, error) {
	version := so.Version
	if so.GitCommit != "" {
		version = ""
	}
	sparkSvc, err := spark.New(spark.Options{
		Version:           version,
		DownloadSource:    so.DownloadSource,
		GitCommit:         so.GitCommit,
		GitRepository:     so.GitRepository,
		HadoopVersion:     ho.Version,
		ExecutorInstances: so.ExecutorInstances,
	})
	if err != nil {
		return nil, err
	}
	services := []service.Service{sparkSvc}
	if ho.Enabled {
		services = append(services, hdfs.New(hdfs.Options{
			Version:        ho.Version,
			DownloadSource: ho.DownloadSource,
		}))
	}
	return services, nil
}

// signersFromIdentityFile loads the operator's SSH identity so Executors
// can authenticate to cluster nodes.
func signersFromIdentityFile(path string) ([]ssh.Signer, error) {
	if path == "" {
		return nil, ferrors.New(ferrors.ConfigError, "--identity-file is required")
	}
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.ConfigError, "reading --identity-file", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.ConfigError, "parsing --identity-file", err)
	}
	return []ssh.Signer{signer}, nil
}

// newOrchestratorFull builds an Orchestrator with services wired in, for
// operations (launch, start, stop, add-slaves, remove-slaves) that run
// service steps on the nodes and so need an SSH identity up front.
func newOrchestratorFull(po config.ProviderOptions, so config.SparkOptions, ho config.HDFSOptions, logger logrus.FieldLogger) (*orchestrator.Orchestrator, error) {
	instances, err := newEC2InstanceSet(po, logger)
	if err != nil {
		return nil, err
	}
	services, err := buildServices(so, ho)
	if err != nil {
		return nil, err
	}
	signers, err := signersFromIdentityFile(po.IdentityFile)
	if err != nil {
		return nil, err
	}
	return orchestrator.New(instances, services, signers, po.SSHUser, logger), nil
}

// newOrchestratorBare builds an Orchestrator with no services and no SSH
// identity, for destroy, describe, and the cluster lookups behind
// run-command, copy-file and login, none of which reach a shell on the
// nodes through the orchestrator.
func newOrchestratorBare(po config.ProviderOptions, logger logrus.FieldLogger) (*orchestrator.Orchestrator, error) {
	instances, err := newEC2InstanceSet(po, logger)
	if err != nil {
		return nil, err
	}
	return orchestrator.New(instances, nil, nil, po.SSHUser, logger), nil
}

func newLaunchCommand(logger logrus.FieldLogger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "launch <cluster-name>",
		Short: "Launch a new cluster",
		Args:  cobra.ExactArgs(1),
	}
	var numSlaves int
	cmd.Flags().IntVar(&numSlaves, "num-slaves", 1, "number of slave nodes")
	getProvider := providerFlagSet(cmd)
	getSpark := sparkFlagSet(cmd)
	getHDFS := hdfsFlagSet(cmd)

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		po := getProvider()
		o, err := newOrchestratorFull(po, getSpark(), getHDFS(), logger)
		if err != nil {
			return err
		}
		spec := orchestrator.LaunchSpec{
			Name:      args[0],
			NumSlaves: numSlaves,
			Instance: cloud.AllocateSpec{
				ProviderType:    po.InstanceType,
				ImageID:         po.AMI,
				KeyName:         po.KeyName,
				SubnetID:        po.SubnetID,
				EBSRootSizeGB:   po.EBSRootSizeGB,
				SpotPrice:       po.SpotPrice,
				InstanceProfile: po.InstanceProfile,
				SecurityGroupIDs: po.SecurityGroups,
				Tags:            cloud.InstanceTags(po.Tags),
			},
		}
		if po.UserDataPath != "" {
			userData, err := os.ReadFile(po.UserDataPath)
			if err != nil {
				return ferrors.Wrap(ferrors.ConfigError, "reading --user-data", err)
			}
			spec.Instance.UserData = base64.StdEncoding.EncodeToString(userData)
		}
		c, err := o.Launch(context.Background(), spec)
		if err != nil {
			return err
		}
		printClusterSummary(c)
		return nil
	}
	return cmd
}

func newDestroyCommand(logger logrus.FieldLogger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "destroy <cluster-name>",
		Short: "Destroy a cluster",
		Args:  cobra.ExactArgs(1),
	}
	var assumeYes bool
	cmd.Flags().BoolVar(&assumeYes, "assume-yes", false, "do not prompt for confirmation")
	getProvider := providerFlagSet(cmd)

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		if !assumeYes && !confirm(fmt.Sprintf("Destroy cluster %q? [y/N] ", args[0])) {
			return ferrors.New(ferrors.ConfigError, "aborted")
		}
		o, err := newOrchestratorBare(getProvider(), logger)
		if err != nil {
			return err
		}
		return o.Destroy(context.Background(), args[0])
	}
	return cmd
}

func newDescribeCommand(logger logrus.FieldLogger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "describe [cluster-name]",
		Short: "Describe one cluster by name (clusters are not enumerated when no name is given)",
		Args:  cobra.MaximumNArgs(1),
	}
	var masterHostnameOnly bool
	cmd.Flags().BoolVar(&masterHostnameOnly, "master-hostname-only", false, "print only the master's address")
	getProvider := providerFlagSet(cmd)

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		name := ""
		if len(args) == 1 {
			name = args[0]
		}
		o, err := newOrchestratorBare(getProvider(), logger)
		if err != nil {
			return err
		}
		c, err := o.Describe(context.Background(), name)
		if err != nil {
			return err
		}
		if masterHostnameOnly {
			if c.Master == nil {
				return ferrors.New(ferrors.InconsistentCluster, "cluster has no master")
			}
			fmt.Println(c.Master.PublicAddress)
			return nil
		}
		printClusterSummary(c)
		return nil
	}
	return cmd
}

func newStartCommand(logger logrus.FieldLogger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <cluster-name>",
		Short: "Start a stopped cluster",
		Args:  cobra.ExactArgs(1),
	}
	getProvider := providerFlagSet(cmd)
	getSpark := sparkFlagSet(cmd)
	getHDFS := hdfsFlagSet(cmd)

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		o, err := newOrchestratorFull(getProvider(), getSpark(), getHDFS(), logger)
		if err != nil {
			return err
		}
		c, err := o.Start(context.Background(), args[0])
		if err != nil {
			return err
		}
		printClusterSummary(c)
		return nil
	}
	return cmd
}

func newStopCommand(logger logrus.FieldLogger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop <cluster-name>",
		Short: "Stop a running cluster without destroying it",
		Args:  cobra.ExactArgs(1),
	}
	getProvider := providerFlagSet(cmd)
	getSpark := sparkFlagSet(cmd)
	getHDFS := hdfsFlagSet(cmd)

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		o, err := newOrchestratorFull(getProvider(), getSpark(), getHDFS(), logger)
		if err != nil {
			return err
		}
		c, err := o.Stop(context.Background(), args[0])
		if err != nil {
			return err
		}
		printClusterSummary(c)
		return nil
	}
	return cmd
}

func newAddSlavesCommand(logger logrus.FieldLogger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add-slaves <cluster-name>",
		Short: "Add slave nodes to a running cluster",
		Args:  cobra.ExactArgs(1),
	}
	var count int
	cmd.Flags().IntVar(&count, "num-slaves", 1, "number of slaves to add")
	getProvider := providerFlagSet(cmd)
	getSpark := sparkFlagSet(cmd)
	getHDFS := hdfsFlagSet(cmd)

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		o, err := newOrchestratorFull(getProvider(), getSpark(), getHDFS(), logger)
		if err != nil {
			return err
		}
		c, err := o.AddSlaves(context.Background(), args[0], count)
		if err != nil {
			return err
		}
		printClusterSummary(c)
		return nil
	}
	return cmd
}

func newRemoveSlavesCommand(logger logrus.FieldLogger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove-slaves <cluster-name>",
		Short: "Remove slave nodes from a running cluster",
		Args:  cobra.ExactArgs(1),
	}
	var count int
	var assumeYes bool
	cmd.Flags().IntVar(&count, "num-slaves", 1, "number of slaves to remove")
	cmd.Flags().BoolVar(&assumeYes, "assume-yes", false, "do not prompt for confirmation")
	getProvider := providerFlagSet(cmd)
	getSpark := sparkFlagSet(cmd)
	getHDFS := hdfsFlagSet(cmd)

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		if !assumeYes && !confirm(fmt.Sprintf("Remove %d slave(s) from %q? [y/N] ", count, args[0])) {
			return ferrors.New(ferrors.ConfigError, "aborted")
		}
		o, err := newOrchestratorFull(getProvider(), getSpark(), getHDFS(), logger)
		if err != nil {
			return err
		}
		c, err := o.RemoveSlaves(context.Background(), args[0], count)
		if err != nil {
			return err
		}
		printClusterSummary(c)
		return nil
	}
	return cmd
}

func newRunCommandCommand(logger logrus.FieldLogger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run-command <cluster-name> -- <command...>",
		Short: "Run a shell command on every node (or just the master)",
		Args:  cobra.MinimumNArgs(2),
	}
	var masterOnly bool
	cmd.Flags().BoolVar(&masterOnly, "master-only", false, "run only on the master")
	getProvider := providerFlagSet(cmd)

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		po := getProvider()
		o, err := newOrchestratorBare(po, logger)
		if err != nil {
			return err
		}
		c, err := o.Describe(context.Background(), args[0])
		if err != nil {
			return err
		}
		signers, err := signersFromIdentityFile(po.IdentityFile)
		if err != nil {
			return err
		}
		shellCmd := strings.Join(args[1:], " ")
		return forEachTarget(c, masterOnly, signers, func(node *cluster.Node) error {
			exr := sshexecutor.New(node.Instance)
			exr.SetSigners(signers...)
			res, err := exr.Run(nil, shellCmd, nil)
			if err != nil {
				return ferrors.Wrap(ferrors.NetworkError, fmt.Sprintf("running command on %s", node.InstanceID), err)
			}
			fmt.Printf("=== %s (exit %d) ===\n%s%s", node.InstanceID, res.ExitCode, res.Stdout, res.Stderr)
			if res.ExitCode != 0 {
				return ferrors.New(ferrors.RemoteCommandError, fmt.Sprintf("command exited %d on %s", res.ExitCode, node.InstanceID))
			}
			return nil
		})
	}
	return cmd
}

func newCopyFileCommand(logger logrus.FieldLogger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "copy-file <cluster-name> <local-path>",
		Short: "Copy a local file to every node (or just the master)",
		Args:  cobra.ExactArgs(2),
	}
	var masterOnly bool
	var remote string
	cmd.Flags().BoolVar(&masterOnly, "master-only", false, "copy only to the master")
	cmd.Flags().StringVar(&remote, "remote-path", "", "destination path (defaults to the local path)")
	getProvider := providerFlagSet(cmd)

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		po := getProvider()
		o, err := newOrchestratorBare(po, logger)
		if err != nil {
			return err
		}
		c, err := o.Describe(context.Background(), args[0])
		if err != nil {
			return err
		}
		content, err := os.ReadFile(args[1])
		if err != nil {
			return ferrors.Wrap(ferrors.ConfigError, "reading local file", err)
		}
		destPath := remote
		if destPath == "" {
			destPath = args[1]
		}
		signers, err := signersFromIdentityFile(po.IdentityFile)
		if err != nil {
			return err
		}
		return forEachTarget(c, masterOnly, signers, func(node *cluster.Node) error {
			exr := sshexecutor.New(node.Instance)
			exr.SetSigners(signers...)
			if err := exr.Copy(content, destPath, 0644); err != nil {
				return ferrors.Wrap(ferrors.RemoteCommandError, fmt.Sprintf("copying to %s", node.InstanceID), err)
			}
			return nil
		})
	}
	return cmd
}

func newLoginCommand(logger logrus.FieldLogger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login <cluster-name>",
		Short: "Log into the cluster's master via SSH",
		Args:  cobra.ExactArgs(1),
	}
	getProvider := providerFlagSet(cmd)

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		po := getProvider()
		o, err := newOrchestratorBare(po, logger)
		if err != nil {
			return err
		}
		c, err := o.Describe(context.Background(), args[0])
		if err != nil {
			return err
		}
		if c.Master == nil {
			return ferrors.New(ferrors.InconsistentCluster, "cluster has no master")
		}
		return sshLogin(po, c.Master.PublicAddress)
	}
	return cmd
}

// sshLogin execs the operator's own ssh binary against addr, matching
// original_source/flintrock/scripts/flintrock's "flintrock login"
// (which shells out to ssh rather than implementing an interactive
// session itself).
func sshLogin(po config.ProviderOptions, addr string) error {
	sshArgs := []string{addr}
	if po.SSHUser != "" {
		sshArgs = []string{"-l", po.SSHUser, addr}
	}
	if po.IdentityFile != "" {
		sshArgs = append([]string{"-i", po.IdentityFile}, sshArgs...)
	}
	sshCmd := exec.Command("ssh", sshArgs...)
	sshCmd.Stdin = os.Stdin
	sshCmd.Stdout = os.Stdout
	sshCmd.Stderr = os.Stderr
	if err := sshCmd.Run(); err != nil {
		return ferrors.Wrap(ferrors.NetworkError, "ssh login", err)
	}
	return nil
}

// forEachTarget runs fn over every node of the cluster (or just the
// master, when masterOnly) with bounded concurrency, matching the orchestrator's own
// forEachNode fan-out pattern.
func forEachTarget(c *cluster.Cluster, masterOnly bool, signers []ssh.Signer, fn func(*cluster.Node) error) error {
	targets := c.AllNodes()
	if masterOnly {
		if c.Master == nil {
			return ferrors.New(ferrors.InconsistentCluster, "cluster has no master")
		}
		targets = []*cluster.Node{c.Master}
	}
	eg := &errgroup.Group{}
	eg.SetLimit(len(targets))
	for _, node := range targets {
		node := node
		eg.Go(func() error { return fn(node) })
	}
	return eg.Wait()
}

func confirm(prompt string) bool {
	fmt.Print(prompt)
	var reply string
	fmt.Scanln(&reply)
	reply = strings.ToLower(strings.TrimSpace(reply))
	return reply == "y" || reply == "yes"
}

func printClusterSummary(c *cluster.Cluster) {
	fmt.Printf("%s\t%s\t%d node(s)\n", c.Name, c.State, c.NodeCount())
	if c.Master != nil {
		fmt.Printf("  master\t%s\t%s\n", c.Master.InstanceID, c.Master.PublicAddress)
	}
	for _, s := range c.Slaves {
		fmt.Printf("  slave\t%s\t%s\n", s.InstanceID, s.PublicAddress)
	}
}
