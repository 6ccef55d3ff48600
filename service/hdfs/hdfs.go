// Package hdfs implements the HDFS service.Service plugin: install,
// configure (core-site.xml, hdfs-site.xml), idempotent namenode format,
// namenode/datanode start and stop, and a namenode JMX health check. Grounded
// on original_source/flintrock/services.py's HDFS class.
package hdfs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/nchammas/flintrock/cluster"
	"github.com/nchammas/flintrock/ferrors"
	"github.com/nchammas/flintrock/service"
	"github.com/nchammas/flintrock/sshexecutor"
)

// NamenodePort is the HDFS namenode RPC port.
const NamenodePort = 9000

// WebUIPort is the HDFS namenode web UI port.
const WebUIPort = 50070

// Options configures a Service before Install/Configure run.
type Options struct {
	Version        string
	DownloadSource string // URL template with a "{v}" placeholder.

	// HTTPGet probes the namenode web UI. Defaults to http.Get.
	HTTPGet func(url string) (*http.Response, error)
}

// Service is the hdfs service.Service implementation.
type Service struct {
	opts Options
}

func New(opts Options) *Service {
	if opts.HTTPGet == nil {
		opts.HTTPGet = http.Get
	}
	return &Service{opts: opts}
}

func (s *Service) Name() string    { return "hdfs" }
func (s *Service) Version() string { return s.opts.Version }

func (s *Service) RequiredPorts() []int {
	return []int{NamenodePort, WebUIPort}
}

func (s *Service) Install(ctx context.Context, exr *sshexecutor.Executor) error {
	url := strings.ReplaceAll(s.opts.DownloadSource, "{v}", s.opts.Version)
	cmd := fmt.Sprintf(`set -e
curl --retry 3 --retry-delay 1 -fsSL %s -o hadoop.tgz
mkdir -p hadoop
tar xzf hadoop.tgz -C hadoop --strip-components=1
rm -f hadoop.tgz
for f in $(find hadoop/bin -type f -executable -not -name '*.cmd'); do
  sudo ln -sf "$(pwd)/$f" "/usr/local/bin/$(basename "$f")"
done
`, shQuote(url))
	res, err := exr.Run(nil, cmd, nil)
	if err != nil {
		return ferrors.Wrap(ferrors.NetworkError, "installing hdfs", err)
	}
	if res.ExitCode != 0 {
		return ferrors.New(ferrors.RemoteCommandError, fmt.Sprintf("installing hdfs exited %d: %s", res.ExitCode, res.Stderr))
	}
	return nil
}

var coreSiteTemplate = template.Must(template.New("core-site.xml").Parse(`<?xml version="1.0"?>
<configuration>
  <property>
    <name>fs.defaultFS</name>
    <value>hdfs://{{.MasterHost}}:{{.NamenodePort}}</value>
  </property>
</configuration>
`))

var hdfsSiteTemplate = template.Must(template.New("hdfs-site.xml").Parse(`<?xml version="1.0"?>
<configuration>
  <property>
    <name>dfs.replication</name>
    <value>{{.Replication}}</value>
  </property>
  <property>
    <name>dfs.name.dir</name>
    <value>{{.NameDir}}</value>
  </property>
  <property>
    <name>dfs.data.dir</name>
    <value>{{.DataDirs}}</value>
  </property>
</configuration>
`))

func (s *Service) Configure(ctx context.Context, exr *sshexecutor.Executor, params cluster.Params, node *cluster.Node) error {
	dirs := params.EphemeralMountsByID[node.InstanceID]

	var core bytes.Buffer
	if err := coreSiteTemplate.Execute(&core, struct {
		MasterHost   string
		NamenodePort int
	}{params.MasterPrivateAddr, NamenodePort}); err != nil {
		return err
	}
	if err := exr.Copy(core.Bytes(), "hadoop/conf/core-site.xml", 0644); err != nil {
		return ferrors.Wrap(ferrors.RemoteCommandError, "writing core-site.xml", err)
	}

	var hdfsSite bytes.Buffer
	if err := hdfsSiteTemplate.Execute(&hdfsSite, struct {
		Replication int
		NameDir     string
		DataDirs    string
	}{
		Replication: replicationFactor(len(params.SlavePrivateAddrs)),
		NameDir:     hdfsDataDir(dirs) + "/name",
		DataDirs:    hdfsDataDir(dirs) + "/data",
	}); err != nil {
		return err
	}
	if err := exr.Copy(hdfsSite.Bytes(), "hadoop/conf/hdfs-site.xml", 0644); err != nil {
		return ferrors.Wrap(ferrors.RemoteCommandError, "writing hdfs-site.xml", err)
	}

	var slaves bytes.Buffer
	for _, addr := range params.SlavePrivateAddrs {
		fmt.Fprintln(&slaves, addr)
	}
	if err := exr.Copy(slaves.Bytes(), "hadoop/conf/slaves", 0644); err != nil {
		return ferrors.Wrap(ferrors.RemoteCommandError, "writing hdfs slaves file", err)
	}
	return nil
}

// replicationFactor implements spec.md §4.5: dfs.replication defaults to
// min(3, num_slaves).
func replicationFactor(numSlaves int) int {
	if numSlaves < 3 {
		if numSlaves < 1 {
			return 1
		}
		return numSlaves
	}
	return 3
}

func hdfsDataDir(ephemeralDirs []string) string {
	if len(ephemeralDirs) > 0 {
		return ephemeralDirs[0] + "/hdfs"
	}
	return "/media/root/hdfs"
}

func (s *Service) StartMaster(ctx context.Context, exr *sshexecutor.Executor, params cluster.Params) error {
	// Idempotent format: skip if a namenode directory already carries a
	// VERSION file, generalizing the original's unconditional `|| true`
	// into an explicit pre-check.
	check := `test -f hadoop/name/current/VERSION`
	format := `./hadoop/bin/hdfs namenode -format -nonInteractive`
	cmd := fmt.Sprintf(`set -e
if %s; then
  true
else
  %s
fi
./hadoop/sbin/start-dfs.sh
`, check, format)
	res, err := exr.Run(nil, cmd, nil)
	if err != nil {
		return ferrors.Wrap(ferrors.NetworkError, "starting hdfs namenode", err)
	}
	if res.ExitCode != 0 {
		return ferrors.New(ferrors.RemoteCommandError, fmt.Sprintf("starting hdfs namenode exited %d: %s", res.ExitCode, res.Stderr))
	}
	return nil
}

func (s *Service) StartSlave(ctx context.Context, exr *sshexecutor.Executor, params cluster.Params) error {
	res, err := exr.Run(nil, "./hadoop/sbin/hadoop-daemon.sh start datanode", nil)
	if err != nil {
		return ferrors.Wrap(ferrors.NetworkError, "starting hdfs datanode", err)
	}
	if res.ExitCode != 0 {
		return ferrors.New(ferrors.RemoteCommandError, fmt.Sprintf("starting hdfs datanode exited %d: %s", res.ExitCode, res.Stderr))
	}
	return nil
}

func (s *Service) Stop(ctx context.Context, exr *sshexecutor.Executor, node *cluster.Node) error {
	res, err := exr.Run(nil, "./hadoop/sbin/stop-dfs.sh", nil)
	if err != nil {
		return ferrors.Wrap(ferrors.NetworkError, "stopping hdfs", err)
	}
	if res.ExitCode != 0 {
		return ferrors.New(ferrors.RemoteCommandError, fmt.Sprintf("stopping hdfs exited %d: %s", res.ExitCode, res.Stderr))
	}
	return nil
}

// HealthCheck polls the namenode's FSNamesystemState JMX bean until it
// reports every expected datanode live (spec.md §4.5 "reports all
// expected datanodes live") or the retry budget is spent (spec.md
// §4.1/§9 "bounded retry budget"/"a timeout is fatal"), mirroring
// service/spark/spark.go's worker-count HealthCheck shape.
func (s *Service) HealthCheck(ctx context.Context, masterExr *sshexecutor.Executor, params cluster.Params) (service.HealthStatus, error) {
	deadline := time.Now().Add(90 * time.Second)
	url := fmt.Sprintf("http://%s:%d/jmx?qry=Hadoop:service=NameNode,name=FSNamesystemState", params.MasterPrivateAddr, WebUIPort)
	want := len(params.SlavePrivateAddrs)
	for {
		if liveDataNodes(s.opts.HTTPGet, url) >= want {
			return service.HealthOK, nil
		}
		if time.Now().After(deadline) {
			return service.HealthFailed, ferrors.New(ferrors.HealthCheckFailed, fmt.Sprintf("hdfs namenode did not report all %d datanodes live within 90s", want))
		}
		select {
		case <-ctx.Done():
			return service.HealthFailed, ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// liveDataNodes queries the namenode's FSNamesystemState JMX bean and
// returns NumLiveDataNodes, or -1 if the endpoint is unreachable or
// doesn't parse.
func liveDataNodes(httpGet func(url string) (*http.Response, error), url string) int {
	resp, err := httpGet(url)
	if err != nil {
		return -1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return -1
	}
	var body struct {
		Beans []struct {
			NumLiveDataNodes int `json:"NumLiveDataNodes"`
		} `json:"beans"`
	}
	if json.NewDecoder(resp.Body).Decode(&body) != nil || len(body.Beans) == 0 {
		return -1
	}
	return body.Beans[0].NumLiveDataNodes
}

func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
