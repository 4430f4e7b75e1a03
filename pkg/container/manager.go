// Package container owns the sandbox lifecycle: port allocation, the
// Docker-backed start/health-probe/request/destroy operations, strict
// sandboxing flags, and the per-job generated config tree on disk (spec
// §4.2).
package container

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types"
	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/autobb888/vap-dispatcher/pkg/log"
)

const (
	healthProbeInterval = 2 * time.Second
	healthProbeTimeout  = 30 * time.Second
	sendRequestTimeout  = 5 * time.Minute
)

// Handle is everything the dispatcher needs to remember about one running
// sandbox.
type Handle struct {
	JobID       string
	Port        int
	ContainerID string
	Token       string
	CreatedAt   time.Time
	ConfigDir   string
}

// Options configures resource limits and image selection shared by every
// container this Manager starts.
type Options struct {
	Image         string
	MemoryBytes   int64
	CPUs          float64
	ConfigRoot    string // parent dir for per-job generated config trees
	ProxyPort     int
	HostGatewayIP string // loopback mapping for proxy access from inside the sandbox
}

// Manager wraps the Docker Engine SDK client with the dispatcher's
// sandboxing policy.
type Manager struct {
	docker *client.Client
	opts   Options
}

// NewManager constructs a Manager from a Docker SDK client created with
// client.WithAPIVersionNegotiation (see cmd/vap-dispatcher wiring).
func NewManager(docker *client.Client, opts Options) *Manager {
	return &Manager{docker: docker, opts: opts}
}

// Ping checks that the Docker daemon is reachable. Used by the readiness
// probe (spec §10.6: "checks ... the container runtime is reachable").
func (m *Manager) Ping(ctx context.Context) error {
	_, err := m.docker.Ping(ctx)
	return err
}

// Start allocates no port itself (the caller owns PortPool); it spawns a
// container bound to the given port and bearer token, writes the per-job
// config tree, and applies the strict sandboxing flags from spec §4.2:
// read-only root, all capabilities dropped, no-new-privileges, tmpfs for
// /tmp and cache, memory/CPU caps, and a host loopback mapping so the
// sandbox can reach the credential proxy.
func (m *Manager) Start(ctx context.Context, jobID string, port int, token string, soul string) (*Handle, error) {
	configDir, err := m.writeConfigTree(jobID, port, token, soul)
	if err != nil {
		return nil, wrapStartErr(err)
	}

	containerPort, err := nat.NewPort("tcp", "8080")
	if err != nil {
		return nil, wrapStartErr(err)
	}

	hostConfig := &dockercontainer.HostConfig{
		AutoRemove:     true,
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges:true"},
		Resources: dockercontainer.Resources{
			Memory:   m.opts.MemoryBytes,
			NanoCPUs: int64(m.opts.CPUs * 1e9),
		},
		Tmpfs: map[string]string{
			"/tmp":                 "rw,noexec,nosuid,size=128m",
			"/home/sandbox/.cache": "rw,noexec,nosuid,size=64m",
		},
		ExtraHosts: []string{fmt.Sprintf("host.docker.internal:%s", m.opts.HostGatewayIP)},
		Mounts: []mount.Mount{
			{
				Type:     mount.TypeBind,
				Source:   configDir,
				Target:   "/sandbox/config",
				ReadOnly: true,
			},
		},
		PortBindings: nat.PortMap{
			containerPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: fmt.Sprintf("%d", port)}},
		},
	}

	containerCfg := &dockercontainer.Config{
		Image: m.opts.Image,
		Env: []string{
			fmt.Sprintf("JOB_ID=%s", jobID),
			fmt.Sprintf("BEARER_TOKEN=%s", token),
			fmt.Sprintf("PROXY_URL=http://host.docker.internal:%d", m.opts.ProxyPort),
			"CONFIG_PATH=/sandbox/config",
		},
		ExposedPorts: nat.PortSet{containerPort: struct{}{}},
	}

	resp, err := m.docker.ContainerCreate(ctx, containerCfg, hostConfig, nil, nil, containerName(jobID))
	if err != nil {
		return nil, wrapStartErr(err)
	}
	if err := m.docker.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return nil, wrapStartErr(err)
	}

	return &Handle{
		JobID:       jobID,
		Port:        port,
		ContainerID: resp.ID,
		Token:       token,
		CreatedAt:   time.Now(),
		ConfigDir:   configDir,
	}, nil
}

func wrapStartErr(err error) error {
	return fmt.Errorf("start container: %w", err)
}

func containerName(jobID string) string {
	return "vap-dispatcher-" + jobID
}

// WaitForHealth actively probes the sandbox's /health endpoint every 2s
// until it responds 2xx or the 30s total timeout elapses (spec §4.2
// defaults).
func (m *Manager) WaitForHealth(ctx context.Context, port int, token string) error {
	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()

	for {
		if ok, _ := probeHealth(ctx, port, token); ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("sandbox on port %d did not become healthy within %s", port, healthProbeTimeout)
		case <-ticker.C:
		}
	}
}

func probeHealth(ctx context.Context, port int, token string) (bool, error) {
	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

type chatCompletionRequest struct {
	Model    string                   `json:"model"`
	Messages []map[string]interface{} `json:"messages"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// SendRequest issues a bearer-authenticated chat-completion call to the
// sandbox on port and returns the first choice's message content (spec
// §4.2: "errors if absent").
func (m *Manager) SendRequest(ctx context.Context, port int, token, messageText string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, sendRequestTimeout)
	defer cancel()

	body, err := json.Marshal(chatCompletionRequest{
		Model: "sandbox-default",
		Messages: []map[string]interface{}{
			{"role": "user", "content": messageText},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal sandbox request: %w", err)
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/v1/chat/completions", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build sandbox request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("sandbox request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read sandbox response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("sandbox returned status %d: %s", resp.StatusCode, string(raw))
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode sandbox response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("sandbox response had no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

// Destroy stops and removes the container and wipes its generated config
// tree. Callers are responsible for revoking the bearer token at the
// proxy before calling Destroy (spec §4.2 invariant: "every destroy
// revokes the token at the proxy before issuing the runtime stop").
func (m *Manager) Destroy(ctx context.Context, h *Handle) error {
	timeout := 10
	if err := m.docker.ContainerStop(ctx, h.ContainerID, dockercontainer.StopOptions{Timeout: &timeout}); err != nil {
		log.Logger.Warn().Err(err).Str("container_id", h.ContainerID).Msg("container stop failed, attempting remove anyway")
	}
	if err := m.docker.ContainerRemove(ctx, h.ContainerID, types.ContainerRemoveOptions{Force: true}); err != nil {
		log.Logger.Warn().Err(err).Str("container_id", h.ContainerID).Msg("container remove failed")
	}
	if h.ConfigDir != "" {
		if err := os.RemoveAll(h.ConfigDir); err != nil {
			return fmt.Errorf("wipe config tree %s: %w", h.ConfigDir, err)
		}
	}
	return nil
}

// writeConfigTree generates the per-job directory the container's bind
// mount exposes read-only at /sandbox/config, including a client config
// pointing the sandbox at the credential proxy.
func (m *Manager) writeConfigTree(jobID string, port int, token, soul string) (string, error) {
	dir := filepath.Join(m.opts.ConfigRoot, jobID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create config dir %s: %w", dir, err)
	}

	clientConfig := map[string]interface{}{
		"proxyURL":    fmt.Sprintf("http://host.docker.internal:%d", m.opts.ProxyPort),
		"bearerToken": token,
		"jobId":       jobID,
		"port":        port,
	}
	raw, err := json.MarshalIndent(clientConfig, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal client config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "client-config.json"), raw, 0o600); err != nil {
		return "", fmt.Errorf("write client config: %w", err)
	}
	if soul != "" {
		if err := os.WriteFile(filepath.Join(dir, "SOUL.md"), []byte(soul), 0o600); err != nil {
			return "", fmt.Errorf("write soul: %w", err)
		}
	}
	return dir, nil
}
