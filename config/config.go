// Package config holds the per-operation option structs for the CLI
// composition root (cmd/flintrock). There is no on-disk schema or YAML
// loader here: spec.md §1 scopes "YAML configuration file loading and
// schema" out as an external collaborator. cmd/flintrock binds its
// cobra flags directly into ProviderOptions, SparkOptions and
// HDFSOptions; Decode additionally offers decoding from a flag-name-keyed
// map with github.com/mitchellh/mapstructure, the same decode-hook
// pattern hogwarts-cloud-hogctl/config/config.go uses for its config
// file, minus the viper/YAML front end. cmd/flintrock does not call it.
package config

import (
	"time"

	"github.com/mitchellh/mapstructure"
)

// decodeHook composes the mapstructure hooks this package's option
// structs need: durations and comma-separated lists from string flags.
func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// Decode fills dst (a pointer to one of this package's option structs)
// from a map keyed by the names in the structs' "flag" tags.
func Decode(raw map[string]interface{}, dst interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       decodeHook(),
		WeaklyTypedInput: true,
		Result:           dst,
		TagName:          "flag",
	})
	if err != nil {
		return err
	}
	return decoder.Decode(raw)
}

// ProviderOptions are the EC2 options shared by every operation that
// allocates or looks up instances.
type ProviderOptions struct {
	Region          string `flag:"region"`
	Zone            string `flag:"zone"`
	VPCID           string `flag:"vpc-id"`
	SubnetID        string `flag:"subnet-id"`
	InstanceType    string `flag:"instance-type"`
	AMI             string `flag:"ami"`
	KeyName         string `flag:"key-name"`
	IdentityFile    string `flag:"identity-file"`
	InstanceProfile string `flag:"instance-profile-name"`
	UserDataPath    string `flag:"user-data"`
	SpotPrice       string `flag:"spot-price"`
	EBSRootSizeGB   int    `flag:"ebs-root-size-gb"`
	SecurityGroups  []string `flag:"security-groups"`
	Tags            map[string]string `flag:"tags"`
	SSHUser         string `flag:"ssh-user"`
}

// SparkOptions select what Spark build to install and how to size it.
type SparkOptions struct {
	Version       string `flag:"spark-version"`
	GitCommit     string `flag:"spark-git-commit"`
	GitRepository string `flag:"spark-git-repository"`
	DownloadSource string `flag:"spark-download-source"`
	ExecutorInstances int `flag:"spark-executor-instances"`
	JavaVersion   int    `flag:"java-version"`
}

// HDFSOptions select what Hadoop build to install, if any.
type HDFSOptions struct {
	Enabled bool   `flag:"install-hdfs"`
	Version string `flag:"hdfs-version"`
	DownloadSource string `flag:"hdfs-download-source"`
}

// LaunchOptions is the full option set for the launch operation
// (spec.md §6).
type LaunchOptions struct {
	ClusterName string `flag:"-"`
	NumSlaves   int    `flag:"num-slaves"`
	Provider    ProviderOptions
	Spark       SparkOptions
	HDFS        HDFSOptions
	AssumeYes   bool          `flag:"assume-yes"`
	Timeout     time.Duration `flag:"launch-timeout"`
}

// DestroyOptions is the option set for the destroy operation.
type DestroyOptions struct {
	ClusterName string `flag:"-"`
	AssumeYes   bool   `flag:"assume-yes"`
}

// DescribeOptions is the option set for the describe operation.
// ClusterName names the cluster to describe; nothing here enumerates
// every Flintrock-owned cluster when it is empty.
type DescribeOptions struct {
	ClusterName       string `flag:"-"`
	MasterHostnameOnly bool  `flag:"master-hostname-only"`
}

// ScaleOptions is shared by add-slaves and remove-slaves.
type ScaleOptions struct {
	ClusterName string `flag:"-"`
	Count       int    `flag:"-"`
}

// RunCommandOptions is the option set for run-command.
type RunCommandOptions struct {
	ClusterName string   `flag:"-"`
	Command     []string `flag:"-"`
	MasterOnly  bool     `flag:"master-only"`
}

// CopyFileOptions is the option set for copy-file.
type CopyFileOptions struct {
	ClusterName string `flag:"-"`
	Local       string `flag:"-"`
	Remote      string `flag:"-"`
	MasterOnly  bool   `flag:"master-only"`
}
