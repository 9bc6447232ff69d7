package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const (
	namePrefix   = "marinabox-"
	nameAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	nameLength   = 10
	shortIDLen   = 12
)

// CommandRunner runs the docker binary and returns its stdout. A non-zero
// exit must be reported as an error carrying stderr.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// DockerConfig configures the docker-backed runtime.
type DockerConfig struct {
	Binary         string
	BrowserImage   string
	DesktopImage   string
	Network        string
	ExtraArgs      []string
	RecordingGrace time.Duration
	Logger         zerolog.Logger

	// Run overrides how the docker binary is executed. Tests inject a fake.
	Run CommandRunner
}

// DockerRuntime drives environments through the docker CLI.
type DockerRuntime struct {
	config DockerConfig
	run    CommandRunner
	logger zerolog.Logger
}

var (
	_ Runtime            = (*DockerRuntime)(nil)
	_ RecordingFinalizer = (*DockerRuntime)(nil)
	_ StatusChecker      = (*DockerRuntime)(nil)
)

// NewDockerRuntime creates a docker runtime.
func NewDockerRuntime(cfg DockerConfig) (*DockerRuntime, error) {
	if cfg.Binary == "" {
		cfg.Binary = "docker"
	}
	if strings.TrimSpace(cfg.BrowserImage) == "" || strings.TrimSpace(cfg.DesktopImage) == "" {
		return nil, ErrImageRequired
	}
	run := cfg.Run
	if run == nil {
		run = execCommand
	}

	return &DockerRuntime{
		config: cfg,
		run:    run,
		logger: cfg.Logger.With().Str("component", "docker_runtime").Logger(),
	}, nil
}

func execCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return stdout.Bytes(), err
		}
		return stdout.Bytes(), fmt.Errorf("%w: %s", err, msg)
	}
	return stdout.Bytes(), nil
}

// Check verifies that the docker daemon is available and responsive.
func (d *DockerRuntime) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if _, err := d.docker(ctx, "ps", "-q"); err != nil {
		return fmt.Errorf("%w: %v", ErrDockerUnavailable, err)
	}
	return nil
}

func (d *DockerRuntime) docker(ctx context.Context, args ...string) (string, error) {
	out, err := d.run(ctx, d.config.Binary, args...)
	if err != nil {
		if isNoSuchContainer(err) {
			return "", fmt.Errorf("%w: %v", ErrContainerNotFound, err)
		}
		return "", fmt.Errorf("docker %s: %w", args[0], err)
	}
	return strings.TrimSpace(string(out)), nil
}

func isNoSuchContainer(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "no such container")
}

func (d *DockerRuntime) imageFor(envType string) (string, error) {
	switch envType {
	case EnvBrowser:
		return d.config.BrowserImage, nil
	case EnvDesktop:
		return d.config.DesktopImage, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownEnvType, envType)
	}
}

// Spawn starts a detached container with the control, debug and VNC ports
// published on loopback and ephemeral host ports. Docker picks the host
// ports, so concurrent spawns never collide.
func (d *DockerRuntime) Spawn(ctx context.Context, req SpawnRequest) (*Instance, error) {
	image, err := d.imageFor(req.EnvType)
	if err != nil {
		return nil, err
	}

	suffix, err := gonanoid.Generate(nameAlphabet, nameLength)
	if err != nil {
		return nil, fmt.Errorf("failed to generate container name: %w", err)
	}
	name := namePrefix + suffix

	out, err := d.docker(ctx, d.buildRunArgs(name, image, req)...)
	if err != nil {
		return nil, err
	}
	id := shortID(lastLine(out))
	if id == "" {
		return nil, fmt.Errorf("docker run returned no container id")
	}

	inst := &Instance{ID: id, Name: name}
	ports := []struct {
		container int
		host      *int
	}{
		{ControlPort, &inst.ControlPort},
		{DebugPort, &inst.DebugPort},
		{VNCPort, &inst.VNCPort},
	}
	for _, p := range ports {
		hostPort, err := d.hostPort(ctx, id, p.container)
		if err != nil {
			// Do not leak a container nobody can reach.
			if termErr := d.Terminate(context.WithoutCancel(ctx), id); termErr != nil {
				d.logger.Warn().Err(termErr).Str("container_id", id).Msg("Failed to remove container after port lookup failure")
			}
			return nil, err
		}
		*p.host = hostPort
	}

	d.logger.Info().
		Str("container_id", id).
		Str("name", name).
		Str("env_type", req.EnvType).
		Str("image", image).
		Int("control_port", inst.ControlPort).
		Int("debug_port", inst.DebugPort).
		Int("vnc_port", inst.VNCPort).
		Msg("Container started")

	return inst, nil
}

func (d *DockerRuntime) buildRunArgs(name, image string, req SpawnRequest) []string {
	args := []string{"run", "-d", "--name", name}

	if network := strings.TrimSpace(d.config.Network); network != "" {
		args = append(args, "--network", network)
	}

	for _, port := range []int{ControlPort, DebugPort, VNCPort} {
		args = append(args, "-p", fmt.Sprintf("127.0.0.1::%d", port))
	}

	args = append(args, "-e", "RESOLUTION="+req.Resolution)
	if req.Kiosk && req.EnvType == EnvBrowser {
		args = append(args, "-e", "KIOSK_MODE=true")
	}

	if mount := strings.TrimSpace(req.MountPath); mount != "" {
		args = append(args, "-v", fmt.Sprintf("%s:%s", filepath.Clean(mount), MountTarget))
	}

	for _, extra := range d.config.ExtraArgs {
		if trimmed := strings.TrimSpace(extra); trimmed != "" {
			args = append(args, trimmed)
		}
	}

	return append(args, image)
}

func (d *DockerRuntime) hostPort(ctx context.Context, id string, containerPort int) (int, error) {
	out, err := d.docker(ctx, "port", id, fmt.Sprintf("%d/tcp", containerPort))
	if err != nil {
		return 0, err
	}
	port, err := parseHostPort(out)
	if err != nil {
		return 0, fmt.Errorf("container port %d: %w", containerPort, err)
	}
	return port, nil
}

// parseHostPort reads the first mapping of `docker port` output, e.g.
// "127.0.0.1:49153" or "[::1]:49153".
func parseHostPort(out string) (int, error) {
	line := strings.TrimSpace(strings.SplitN(strings.TrimSpace(out), "\n", 2)[0])
	if line == "" {
		return 0, ErrNoPortMapping
	}
	idx := strings.LastIndex(line, ":")
	if idx < 0 || idx == len(line)-1 {
		return 0, fmt.Errorf("%w: %q", ErrNoPortMapping, line)
	}
	port, err := strconv.Atoi(line[idx+1:])
	if err != nil || port <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrNoPortMapping, line)
	}
	return port, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func shortID(id string) string {
	if len(id) > shortIDLen {
		return id[:shortIDLen]
	}
	return id
}

// Terminate force-removes the container.
func (d *DockerRuntime) Terminate(ctx context.Context, id string) error {
	if _, err := d.docker(ctx, "rm", "-f", id); err != nil {
		return err
	}
	d.logger.Info().Str("container_id", id).Msg("Container removed")
	return nil
}

// IsRunning reports whether the container exists and is running. A missing
// container is not an error.
func (d *DockerRuntime) IsRunning(ctx context.Context, id string) (bool, error) {
	out, err := d.docker(ctx, "inspect", "-f", "{{.State.Running}}", id)
	if err != nil {
		if errors.Is(err, ErrContainerNotFound) {
			return false, nil
		}
		return false, err
	}
	return out == "true", nil
}

// FinalizeRecording interrupts the in-container recorder so it writes the
// trailer, waits for the grace period, then copies the video to dest.
func (d *DockerRuntime) FinalizeRecording(ctx context.Context, id, dest string) (string, error) {
	// pkill exits 1 when no recorder is running; the copy below decides
	// whether a recording exists.
	if _, err := d.docker(ctx, "exec", id, "pkill", "-INT", "ffmpeg"); err != nil {
		if errors.Is(err, ErrContainerNotFound) {
			return "", err
		}
		d.logger.Debug().Err(err).Str("container_id", id).Msg("Recorder signal failed")
	}

	if d.config.RecordingGrace > 0 {
		timer := time.NewTimer(d.config.RecordingGrace)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("failed to create recordings directory: %w", err)
	}

	if _, err := d.docker(ctx, "cp", id+":"+RecordingPath, dest); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "could not find the file") {
			return "", fmt.Errorf("%w: %v", ErrRecordingNotFound, err)
		}
		return "", err
	}

	d.logger.Info().Str("container_id", id).Str("path", dest).Msg("Recording saved")
	return dest, nil
}
