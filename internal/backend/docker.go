package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"mcpforge/pkg/logging"

	"github.com/google/uuid"
)

const (
	dockerSubsystem = "DockerEngine"
	networkName     = "mcpforge"
)

// execCommandContext is a package variable so tests can stub it out.
var execCommandContext = exec.CommandContext

// DockerEngine is the container-engine Backend implementation: it shells
// out to the docker CLI and discovers its own deployments through the
// platform label set rather than any local state.
type DockerEngine struct{}

// NewDockerEngine verifies the docker CLI is present and its daemon is
// reachable before returning a usable engine.
func NewDockerEngine(ctx context.Context) (*DockerEngine, error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return nil, backendUnavailableErr(err, "docker command not found in PATH")
	}
	if err := execCommandContext(ctx, "docker", "info").Run(); err != nil {
		return nil, backendUnavailableErr(err, "docker daemon not accessible")
	}
	return &DockerEngine{}, nil
}

// Deploy ensures the shared bridge network exists (allocating its subnet
// on first use), pulls the image if needed, and starts the container with
// the platform's discovery labels attached.
func (d *DockerEngine) Deploy(ctx context.Context, req DeployRequest) (*Deployment, error) {
	if req.DeploymentID == "" {
		req.DeploymentID = uuid.NewString()
	}
	network := req.Network
	if network == "" {
		network = networkName
	}
	if err := d.ensureNetwork(ctx, network); err != nil {
		return nil, err
	}
	if err := d.pullImage(ctx, req.Image); err != nil {
		return nil, err
	}

	name := fmt.Sprintf("%s-%s", req.TemplateID, shortSuffix())
	createdAt := time.Now().UTC()

	args := []string{
		"run", "-d", "--name", name, "--network", network,
		"--label", LabelTemplate + "=" + req.TemplateID,
		"--label", LabelDeploymentID + "=" + req.DeploymentID,
		"--label", LabelCreatedAt + "=" + createdAt.Format(time.RFC3339),
		"--label", LabelManagedBy + "=" + ManagedByValue,
	}
	for k, v := range req.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	for _, m := range req.Mounts {
		args = append(args, "-v", m)
	}
	if req.Port != 0 {
		args = append(args, "-p", FormatHostPort(req.Port))
	}
	args = append(args, req.Image)
	args = append(args, req.Args...)

	logging.Debug(dockerSubsystem, "starting container: docker %s", strings.Join(args, " "))
	cmd := execCommandContext(ctx, "docker", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, deploymentErr(err, "container create failed").
			WithContext("image", req.Image).
			WithContext("output", string(output))
	}
	containerID := strings.TrimSpace(string(output))

	hostPort := ""
	if req.Port != 0 {
		hostPort, _ = d.resolvedPort(ctx, containerID, req.Port)
	}

	return &Deployment{
		ID:         req.DeploymentID,
		TemplateID: req.TemplateID,
		Image:      req.Image,
		Handle:     containerID,
		HostPort:   hostPort,
		CreatedAt:  createdAt,
		Running:    true,
		Labels: map[string]string{
			LabelTemplate:     req.TemplateID,
			LabelDeploymentID: req.DeploymentID,
			LabelCreatedAt:    createdAt.Format(time.RFC3339),
			LabelManagedBy:    ManagedByValue,
		},
	}, nil
}

func (d *DockerEngine) Stop(ctx context.Context, deploymentID string, timeout time.Duration) error {
	handle, err := d.handleFor(ctx, deploymentID)
	if err != nil {
		return err
	}
	seconds := strconv.Itoa(int(timeout.Seconds()))
	if err := execCommandContext(ctx, "docker", "stop", "-t", seconds, handle).Run(); err != nil {
		return deploymentErr(err, "failed to stop container")
	}
	_ = execCommandContext(ctx, "docker", "rm", "-f", handle).Run()
	return nil
}

// List reconstructs deployments by querying docker for containers bearing
// the platform's label set; the backend keeps no state of its own across
// restarts.
func (d *DockerEngine) List(ctx context.Context, filter ListFilter) ([]Deployment, error) {
	args := []string{"ps", "-a", "--filter", "label=" + LabelManagedBy + "=" + ManagedByValue}
	if filter.TemplateID != "" {
		args = append(args, "--filter", "label="+LabelTemplate+"="+filter.TemplateID)
	}
	format := `{{.ID}}\t{{.Label "` + LabelTemplate + `"}}\t{{.Label "` + LabelDeploymentID + `"}}\t{{.Label "` + LabelCreatedAt + `"}}\t{{.State}}`
	args = append(args, "--format", format)
	out, err := execCommandContext(ctx, "docker", args...).Output()
	if err != nil {
		return nil, backendUnavailableErr(err, "failed to list containers")
	}

	var deployments []Deployment
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 5 {
			continue
		}
		createdAt, _ := time.Parse(time.RFC3339, fields[3])
		deployments = append(deployments, Deployment{
			ID:         fields[2],
			TemplateID: fields[1],
			Handle:     fields[0],
			CreatedAt:  createdAt,
			Running:    fields[4] == "running",
			Labels: map[string]string{
				LabelTemplate:     fields[1],
				LabelDeploymentID: fields[2],
				LabelCreatedAt:    fields[3],
				LabelManagedBy:    ManagedByValue,
			},
		})
	}
	return deployments, nil
}

func (d *DockerEngine) Logs(ctx context.Context, deploymentID string, tail int, follow bool) (io.ReadCloser, error) {
	handle, err := d.handleFor(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	args := []string{"logs"}
	if follow {
		args = append(args, "-f")
	}
	if tail > 0 {
		args = append(args, "--tail", strconv.Itoa(tail))
	}
	args = append(args, handle)

	cmd := execCommandContext(ctx, "docker", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, deploymentErr(err, "failed to open log stream")
	}
	if err := cmd.Start(); err != nil {
		return nil, deploymentErr(err, "failed to start log stream")
	}
	return stdout, nil
}

func (d *DockerEngine) Exec(ctx context.Context, deploymentID string, argv []string, stdin io.Reader) (io.ReadCloser, error) {
	handle, err := d.handleFor(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	args := append([]string{"exec", "-i", handle}, argv...)
	cmd := execCommandContext(ctx, "docker", args...)
	if stdin != nil {
		cmd.Stdin = stdin
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, deploymentErr(err, "failed to open exec stream")
	}
	if err := cmd.Start(); err != nil {
		return nil, deploymentErr(err, "failed to start exec")
	}
	return stdout, nil
}

func (d *DockerEngine) handleFor(ctx context.Context, deploymentID string) (string, error) {
	deployments, err := d.List(ctx, ListFilter{})
	if err != nil {
		return "", err
	}
	for _, dep := range deployments {
		if dep.ID == deploymentID {
			return dep.Handle, nil
		}
	}
	return "", notFoundErr(deploymentID)
}

// ensureNetwork creates the shared bridge network on first use, allocating
// its subnet via AllocateSubnet.
func (d *DockerEngine) ensureNetwork(ctx context.Context, name string) error {
	if err := execCommandContext(ctx, "docker", "network", "inspect", name).Run(); err == nil {
		return nil // already exists
	}

	existing, err := d.existingSubnets(ctx)
	if err != nil {
		logging.Warn(dockerSubsystem, "failed to enumerate existing docker networks, proceeding without exclusion set: %v", err)
	}

	override := os.Getenv("MCP_SUBNET")
	subnet, err := AllocateSubnet(existing, override)
	if err != nil {
		return deploymentErr(err, "subnet allocation failed")
	}

	args := []string{"network", "create"}
	if subnet != "" {
		args = append(args, "--subnet", subnet)
	}
	args = append(args, name)

	if err := execCommandContext(ctx, "docker", args...).Run(); err != nil {
		return deploymentErr(err, "failed to create bridge network")
	}
	return nil
}

// existingSubnets lists every docker network's configured subnets by id,
// then inspects them in one batched call (docker inspect accepts multiple
// names/ids), avoiding any shell-expansion dependency.
func (d *DockerEngine) existingSubnets(ctx context.Context) ([]string, error) {
	out, err := execCommandContext(ctx, "docker", "network", "ls", "-q").Output()
	if err != nil {
		return nil, err
	}
	ids := strings.Fields(string(out))
	if len(ids) == 0 {
		return nil, nil
	}
	inspectArgs := append([]string{"network", "inspect"}, ids...)
	raw, err := execCommandContext(ctx, "docker", inspectArgs...).Output()
	if err != nil {
		return nil, err
	}

	var networks []struct {
		IPAM struct {
			Config []struct {
				Subnet string `json:"Subnet"`
			} `json:"Config"`
		} `json:"IPAM"`
	}
	if err := json.Unmarshal(raw, &networks); err != nil {
		return nil, err
	}

	var subnets []string
	for _, n := range networks {
		for _, c := range n.IPAM.Config {
			if c.Subnet != "" {
				subnets = append(subnets, c.Subnet)
			}
		}
	}
	return subnets, nil
}

func (d *DockerEngine) pullImage(ctx context.Context, image string) error {
	if err := execCommandContext(ctx, "docker", "image", "inspect", image).Run(); err == nil {
		return nil
	}
	logging.Info(dockerSubsystem, "pulling image %s", image)
	if err := execCommandContext(ctx, "docker", "pull", image).Run(); err != nil {
		return imagePullFailedErr(err, image)
	}
	return nil
}

func (d *DockerEngine) resolvedPort(ctx context.Context, containerID string, containerPort int) (string, error) {
	out, err := execCommandContext(ctx, "docker", "port", containerID, strconv.Itoa(containerPort)).Output()
	if err != nil {
		return "", err
	}
	portOutput := strings.TrimSpace(string(out))
	parts := strings.Split(portOutput, ":")
	if len(parts) < 2 {
		return "", fmt.Errorf("unexpected port output format: %s", portOutput)
	}
	return parts[len(parts)-1], nil
}

func shortSuffix() string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 6)
	for i := range b {
		b[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return string(b)
}
