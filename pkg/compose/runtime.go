package compose

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/doppler-ln/doppler/pkg/transports"
	"github.com/rs/zerolog/log"
)

// DefaultDockerCommand is the compose invocation used when none is configured.
const DefaultDockerCommand = "docker compose"

// Runtime drives the compose tool through a transports.Runner. When an
// uploader is configured the manifest and data directory are copied to the
// remote working directory before the cluster starts, and every command
// refers to the manifest by its base name relative to that directory.
type Runtime struct {
	runner        transports.Runner
	dockerCommand []string
	uploader      transports.Uploader
	remoteDir     string
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithUploader copies artifacts to remoteDir before bring-up.
func WithUploader(uploader transports.Uploader, remoteDir string) RuntimeOption {
	return func(r *Runtime) {
		r.uploader = uploader
		r.remoteDir = remoteDir
	}
}

// NewRuntime creates a runtime. dockerCommand is split on whitespace, so
// both "docker compose" and "docker-compose" work.
func NewRuntime(runner transports.Runner, dockerCommand string, opts ...RuntimeOption) *Runtime {
	fields := strings.Fields(dockerCommand)
	if len(fields) == 0 {
		fields = strings.Fields(DefaultDockerCommand)
	}
	r := &Runtime{
		runner:        runner,
		dockerCommand: fields,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DockerCommand returns the compose invocation as a single string.
func (r *Runtime) DockerCommand() string {
	return strings.Join(r.dockerCommand, " ")
}

// Remote reports whether commands run on another host.
func (r *Runtime) Remote() bool {
	return r.uploader != nil
}

func (r *Runtime) manifestArg(manifestPath string) string {
	if r.uploader != nil {
		return filepath.Base(manifestPath)
	}
	return manifestPath
}

// Command builds the full argv for a compose subcommand against manifestPath.
func (r *Runtime) Command(manifestPath string, args ...string) []string {
	argv := make([]string, 0, len(r.dockerCommand)+2+len(args))
	argv = append(argv, r.dockerCommand...)
	argv = append(argv, "-f", r.manifestArg(manifestPath))
	return append(argv, args...)
}

// Up uploads artifacts when remote, then starts every service detached.
func (r *Runtime) Up(ctx context.Context, manifestPath, dataDir string) error {
	if r.uploader != nil {
		if err := r.upload(ctx, manifestPath, dataDir); err != nil {
			return err
		}
	}
	return r.run(ctx, "compose up", r.Command(manifestPath, "up", "-d"))
}

func (r *Runtime) upload(ctx context.Context, manifestPath, dataDir string) error {
	remoteManifest := path.Join(r.remoteDir, filepath.Base(manifestPath))
	log.Info().
		Str("manifest", manifestPath).
		Str("remote", remoteManifest).
		Msg("uploading cluster manifest")
	if err := r.uploader.UploadFile(ctx, manifestPath, remoteManifest, 0644); err != nil {
		return fmt.Errorf("failed to upload manifest: %w", err)
	}
	if dataDir == "" {
		return nil
	}
	remoteData := path.Join(r.remoteDir, filepath.Base(dataDir))
	if err := r.uploader.UploadDirectory(ctx, dataDir, remoteData); err != nil {
		return fmt.Errorf("failed to upload data directory: %w", err)
	}
	return nil
}

// Down stops and removes every service.
func (r *Runtime) Down(ctx context.Context, manifestPath string) error {
	return r.run(ctx, "compose down", r.Command(manifestPath, "down"))
}

// Restart restarts one service.
func (r *Runtime) Restart(ctx context.Context, manifestPath, service string) error {
	return r.run(ctx, "compose restart "+service, r.Command(manifestPath, "restart", service))
}

// Stop stops one service without removing it.
func (r *Runtime) Stop(ctx context.Context, manifestPath, service string) error {
	return r.run(ctx, "compose stop "+service, r.Command(manifestPath, "stop", service))
}

// Start starts a stopped service.
func (r *Runtime) Start(ctx context.Context, manifestPath, service string) error {
	return r.run(ctx, "compose start "+service, r.Command(manifestPath, "start", service))
}

// Exec runs argv inside container. The raw result is returned so callers
// can classify vendor error text; a non-zero exit is not an error.
func (r *Runtime) Exec(ctx context.Context, manifestPath, container, user string, argv []string) (*transports.Result, error) {
	args := []string{"exec", "-T"}
	if user != "" {
		args = append(args, "--user", user)
	}
	args = append(args, container)
	args = append(args, argv...)

	label := container
	if len(argv) > 0 {
		label = container + " " + argv[0]
		if len(argv) > 1 {
			label += " " + argv[len(argv)-1]
		}
	}
	return r.runner.Run(ctx, label, r.Command(manifestPath, args...))
}

func (r *Runtime) run(ctx context.Context, label string, argv []string) error {
	result, err := r.runner.Run(ctx, label, argv)
	if err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("%s failed with exit code %d: %s", label, result.ExitCode, result.StderrString())
	}
	return nil
}
