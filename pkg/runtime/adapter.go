package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/sirupsen/logrus"

	"github.com/debug-host/hostd/pkg/apperr"
)

// DebugHostLabel marks every container this control plane owns.
const DebugHostLabel = "debug-host=true"

const connectTimeout = 5 * time.Second
const operationTimeout = 30 * time.Second

// Adapter is the Docker Engine backed implementation of the container
// runtime capability surface. Grounded on the teacher's
// pkg/commands/docker.go (NewDockerCommand's client construction,
// MonitorClientContainerStats's ticker+stream idiom) and
// pkg/commands/container_runtime.go (the capability shape).
type Adapter struct {
	log    *logrus.Entry
	client *client.Client
}

// New constructs an Adapter talking to the daemon found via the standard
// Docker environment variables.
func New(log *logrus.Entry) (*Adapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, apperr.Newf(apperr.DaemonUnavailable, "construct docker client: %v", err)
	}
	return &Adapter{log: log, client: cli}, nil
}

// Close releases the underlying client's resources.
func (a *Adapter) Close() error {
	return a.client.Close()
}

// Reconnect rebuilds the underlying daemon client from the standard Docker
// environment variables, closing the old one first. Used as the RESTART
// strategy's action for the "daemon" health component: there is nothing
// local to restart, so recovery means re-establishing the connection in
// case the daemon came back after a drop.
func (a *Adapter) Reconnect(ctx context.Context) error {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return apperr.Newf(apperr.DaemonUnavailable, "reconnect docker client: %v", err)
	}
	old := a.client
	a.client = cli
	_ = old.Close()
	return a.Ping(ctx)
}

// Ping attempts to reach the daemon up to three times, waiting 1s and then
// 2s between attempts (exponential backoff), each attempt bounded by a 5s
// timeout.
func (a *Adapter) Ping(ctx context.Context) error {
	backoff := time.Second
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		_, err := a.client.Ping(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < 2 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return apperr.New(apperr.DaemonUnavailable, "ping canceled")
			}
			backoff *= 2
		}
	}
	return apperr.Newf(apperr.DaemonUnavailable, "daemon unreachable after 3 attempts: %v", lastErr)
}

// EnsureNetwork idempotently creates a user bridge network named name.
func (a *Adapter) EnsureNetwork(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	existing, err := a.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return a.wrapDaemonErr(err)
	}
	for _, n := range existing {
		if n.Name == name {
			return nil
		}
	}

	_, err = a.client.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{"debug-host": "true"},
	})
	if err != nil {
		return a.wrapDaemonErr(err)
	}
	return nil
}

// NormalizeWorkspacePath adapts a host path for bind-mounting. When the
// process runs on Windows, a drive-letter path (C:\...) is rewritten to the
// POSIX /mnt/<drive>/... form; on every other OS, including Linux under
// WSL, the path is returned unchanged (WSL is not detected).
func NormalizeWorkspacePath(path string) string {
	if runtime.GOOS != "windows" {
		return path
	}
	m := regexp.MustCompile(`^([A-Za-z]):\\(.*)$`).FindStringSubmatch(path)
	if m == nil {
		return path
	}
	drive := strings.ToLower(m[1])
	rest := strings.ReplaceAll(m[2], `\`, "/")
	return fmt.Sprintf("/mnt/%s/%s", drive, rest)
}

// Create creates (but does not start) a container from spec.
func (a *Adapter) Create(ctx context.Context, spec CreateSpec) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	hostPort := strconv.Itoa(spec.HostPort)
	natPort := container.PortRangeProto(strconv.Itoa(spec.ContainerPort) + "/tcp")

	cfg := &container.Config{
		Image:  spec.Image,
		Env:    spec.Env,
		Labels: spec.Labels,
		Cmd:    spec.Cmd,
		ExposedPorts: map[container.PortRangeProto]struct{}{
			natPort: {},
		},
	}

	hostCfg := &container.HostConfig{
		Binds: []string{
			NormalizeWorkspacePath(spec.WorkspaceBind) + ":" + spec.WorkspaceTarget,
		},
		PortBindings: map[container.PortRangeProto][]container.PortBinding{
			natPort: {{HostIP: "127.0.0.1", HostPort: hostPort}},
		},
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyDisabled,
		},
		Resources: container.Resources{
			Memory:   spec.MemoryLimit,
			NanoCPUs: int64(spec.CPUQuota * 1e9),
		},
		NetworkMode: container.NetworkMode(spec.NetworkName),
	}

	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			spec.NetworkName: {},
		},
	}

	resp, err := a.client.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", a.wrapDaemonErr(err)
	}
	return resp.ID, nil
}

// Start starts a created container.
func (a *Adapter) Start(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	if err := a.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return a.wrapDaemonErr(err)
	}
	return nil
}

// Stop stops a running container, sending SIGTERM then SIGKILL after
// gracePeriod. Daemon-404 is treated as success per spec.md §7.
func (a *Adapter) Stop(ctx context.Context, id string, gracePeriod time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	seconds := int(gracePeriod.Seconds())
	if err := a.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &seconds}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return a.wrapDaemonErr(err)
	}
	return nil
}

// Restart restarts a container.
func (a *Adapter) Restart(ctx context.Context, id string, gracePeriod time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	seconds := int(gracePeriod.Seconds())
	if err := a.client.ContainerRestart(ctx, id, container.StopOptions{Timeout: &seconds}); err != nil {
		return a.wrapDaemonErr(err)
	}
	return nil
}

// Remove removes a container. Daemon-404 is treated as success.
func (a *Adapter) Remove(ctx context.Context, id string, force bool) error {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	if err := a.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: force}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return a.wrapDaemonErr(err)
	}
	return nil
}

// Inspect returns runtime-agnostic details for a container.
func (a *Adapter) Inspect(ctx context.Context, id string) (ContainerDetails, error) {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	resp, err := a.client.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return ContainerDetails{}, apperr.Newf(apperr.NotFound, "container %s not found", id)
		}
		return ContainerDetails{}, a.wrapDaemonErr(err)
	}

	details := ContainerDetails{
		ID:           resp.ID,
		Name:         strings.TrimPrefix(resp.Name, "/"),
		RestartCount: resp.RestartCount,
	}
	if resp.State != nil {
		details.State = ContainerState{
			Status:     resp.State.Status,
			Running:    resp.State.Running,
			Paused:     resp.State.Paused,
			Restarting: resp.State.Restarting,
			OOMKilled:  resp.State.OOMKilled,
			Dead:       resp.State.Dead,
			Pid:        resp.State.Pid,
			ExitCode:   resp.State.ExitCode,
			Error:      resp.State.Error,
		}
		if resp.State.Health != nil {
			details.State.Health = &HealthState{
				Status:        resp.State.Health.Status,
				FailingStreak: resp.State.Health.FailingStreak,
			}
		}
	}
	if resp.Config != nil {
		details.Image = resp.Config.Image
		details.Config = ContainerConfig{
			Env:    resp.Config.Env,
			Cmd:    resp.Config.Cmd,
			Image:  resp.Config.Image,
			Labels: resp.Config.Labels,
		}
	}
	if resp.NetworkSettings != nil {
		settings := NetworkSettings{Networks: map[string]EndpointSettings{}}
		for name, ep := range resp.NetworkSettings.Networks {
			settings.Networks[name] = EndpointSettings{
				NetworkID: ep.NetworkID,
				Gateway:   ep.Gateway,
				IPAddress: ep.IPAddress,
			}
		}
		details.NetworkSettings = settings
	}
	for _, m := range resp.Mounts {
		details.Mounts = append(details.Mounts, Mount{
			Type:        string(m.Type),
			Source:      m.Source,
			Destination: m.Destination,
			RW:          m.RW,
		})
	}

	return details, nil
}

// WaitForStatus polls Inspect until the container reaches expected status
// or timeout elapses.
func (a *Adapter) WaitForStatus(ctx context.Context, id, expected string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		details, err := a.Inspect(ctx, id)
		if err == nil && details.State.Status == expected {
			return nil
		}
		if time.Now().After(deadline) {
			return apperr.Newf(apperr.Timeout, "container %s did not reach %s within %s", id, expected, timeout)
		}
		select {
		case <-time.After(250 * time.Millisecond):
		case <-ctx.Done():
			return apperr.New(apperr.Timeout, "wait canceled")
		}
	}
}

// ListByLabel lists containers bearing the given label, e.g. DebugHostLabel.
func (a *Adapter) ListByLabel(ctx context.Context, label string) ([]ContainerSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	containers, err := a.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", label)),
	})
	if err != nil {
		return nil, a.wrapDaemonErr(err)
	}

	out := make([]ContainerSummary, 0, len(containers))
	for _, c := range containers {
		var ports []PortMapping
		for _, p := range c.Ports {
			ports = append(ports, PortMapping{
				IP:          p.IP,
				PrivatePort: p.PrivatePort,
				PublicPort:  p.PublicPort,
				Type:        p.Type,
			})
		}
		out = append(out, ContainerSummary{
			ID:      c.ID,
			Names:   c.Names,
			Image:   c.Image,
			Command: c.Command,
			Created: c.Created,
			State:   c.State,
			Status:  c.Status,
			Ports:   ports,
			Labels:  c.Labels,
		})
	}
	return out, nil
}

// Stats takes a single point-in-time stats snapshot for a container.
func (a *Adapter) Stats(ctx context.Context, id string) (StatsEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	resp, err := a.client.ContainerStatsOneShot(ctx, id)
	if err != nil {
		return StatsEntry{}, a.wrapDaemonErr(err)
	}
	defer resp.Body.Close()

	var raw container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return StatsEntry{}, apperr.Newf(apperr.External, "decode stats for %s: %v", id, err)
	}

	networks := make(map[string]NetworkStats, len(raw.Networks))
	for name, n := range raw.Networks {
		networks[name] = NetworkStats{
			RxBytes:   int64(n.RxBytes),
			RxPackets: int64(n.RxPackets),
			RxErrors:  int64(n.RxErrors),
			TxBytes:   int64(n.TxBytes),
			TxPackets: int64(n.TxPackets),
			TxErrors:  int64(n.TxErrors),
		}
	}

	return StatsEntry{
		Read:    raw.Read,
		PreRead: raw.PreRead,
		CPU: CPUStats{
			TotalUsage:        int64(raw.CPUStats.CPUUsage.TotalUsage),
			UsageInKernelMode: int64(raw.CPUStats.CPUUsage.UsageInKernelmode),
			UsageInUserMode:   int64(raw.CPUStats.CPUUsage.UsageInUsermode),
			SystemCPUUsage:    int64(raw.CPUStats.SystemUsage),
			OnlineCPUs:        int(raw.CPUStats.OnlineCPUs),
			ThrottledTime:     int64(raw.CPUStats.ThrottlingData.ThrottledTime),
			ThrottlePeriod:    int(raw.CPUStats.ThrottlingData.Periods),
			ThrottledCount:    int(raw.CPUStats.ThrottlingData.ThrottledPeriods),
		},
		PreCPU: CPUStats{
			TotalUsage:        int64(raw.PreCPUStats.CPUUsage.TotalUsage),
			UsageInKernelMode: int64(raw.PreCPUStats.CPUUsage.UsageInKernelmode),
			UsageInUserMode:   int64(raw.PreCPUStats.CPUUsage.UsageInUsermode),
			SystemCPUUsage:    int64(raw.PreCPUStats.SystemUsage),
			OnlineCPUs:        int(raw.PreCPUStats.OnlineCPUs),
		},
		Memory: MemoryStats{
			Usage: int64(raw.MemoryStats.Usage),
			Limit: int64(raw.MemoryStats.Limit),
			Cache: int64(raw.MemoryStats.Stats["cache"]),
		},
		Pids:     PidsStats{Current: int(raw.PidsStats.Current)},
		Networks: networks,
		Disk:     blkioToDiskStats(raw.BlkioStats),
		Name:     strings.TrimPrefix(raw.Name, "/"),
		ID:       raw.ID,
	}, nil
}

// blkioToDiskStats sums per-device block I/O into cumulative read/write
// totals. Docker reports each device's counters split by Op
// ("Read"/"Write"/"Sync"/"Async"/"Total"); only Read and Write are summed
// here to avoid double-counting against Total.
func blkioToDiskStats(raw container.BlkioStats) DiskStats {
	var d DiskStats
	for _, entry := range raw.IoServiceBytesRecursive {
		switch strings.ToLower(entry.Op) {
		case "read":
			d.ReadBytes += int64(entry.Value)
		case "write":
			d.WriteBytes += int64(entry.Value)
		}
	}
	for _, entry := range raw.IoServicedRecursive {
		switch strings.ToLower(entry.Op) {
		case "read":
			d.ReadOps += int64(entry.Value)
		case "write":
			d.WriteOps += int64(entry.Value)
		}
	}
	return d
}

// Logs opens a streaming reader over stdout+stderr, demuxed into LogLine
// values on the returned channel. Closing ctx (or the daemon closing the
// stream) ends the goroutine and closes the channel.
func (a *Adapter) Logs(ctx context.Context, id string, opts LogOptions) (<-chan LogLine, error) {
	logOpts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     opts.Follow,
		Timestamps: true,
	}
	if opts.Tail > 0 {
		logOpts.Tail = strconv.Itoa(opts.Tail)
	}
	if !opts.Since.IsZero() {
		logOpts.Since = opts.Since.Format(time.RFC3339Nano)
	}

	reader, err := a.client.ContainerLogs(ctx, id, logOpts)
	if err != nil {
		return nil, a.wrapDaemonErr(err)
	}

	out := make(chan LogLine, 64)
	go func() {
		defer close(out)
		defer reader.Close()

		stdoutR, stdoutW := io.Pipe()
		stderrR, stderrW := io.Pipe()
		done := make(chan struct{})

		go func() {
			defer close(done)
			stdcopy.StdCopy(stdoutW, stderrW, reader)
			stdoutW.Close()
			stderrW.Close()
		}()

		go pumpStream(out, stdoutR, "stdout")
		go pumpStream(out, stderrR, "stderr")

		<-done
	}()

	return out, nil
}

func pumpStream(out chan<- LogLine, r io.Reader, stream string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		ts := time.Now()
		if len(line) > 30 {
			if t, err := time.Parse(time.RFC3339Nano, line[:30]); err == nil {
				ts = t
				line = strings.TrimSpace(line[30:])
			}
		}
		out <- LogLine{Time: ts, Stream: stream, Message: line}
	}
}

// Exec runs argv inside a running container and returns its combined
// output.
func (a *Adapter) Exec(ctx context.Context, id string, argv []string) (string, int, error) {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	execResp, err := a.client.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", 0, a.wrapDaemonErr(err)
	}

	attach, err := a.client.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return "", 0, a.wrapDaemonErr(err)
	}
	defer attach.Close()

	var out strings.Builder
	stdcopy.StdCopy(&out, &out, attach.Reader)

	inspectResp, err := a.client.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return out.String(), 0, a.wrapDaemonErr(err)
	}
	return out.String(), inspectResp.ExitCode, nil
}

func (a *Adapter) wrapDaemonErr(err error) error {
	if err == nil {
		return nil
	}
	if client.IsErrNotFound(err) {
		return apperr.Newf(apperr.NotFound, "%v", err)
	}
	if client.IsErrConnectionFailed(err) {
		return apperr.Newf(apperr.DaemonUnavailable, "%v", err)
	}
	return apperr.Newf(apperr.External, "%v", err)
}
