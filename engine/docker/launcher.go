// Package docker launches engines inside Docker containers.
// The engine's stdin and output are attached through the Docker API, so the
// host only needs a Docker daemon and the image.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"github.com/guseggert/gtpbot/engine"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
)

const defaultLaunchTimeout = 5 * time.Minute

// Launcher runs the engine's command line in a fresh container on every launch.
// This supports standard environment variables for configuring the Docker client (DOCKER_HOST etc.).
type Launcher struct {
	Log           *zap.SugaredLogger
	DockerClient  *client.Client
	Image         string
	Argv          []string
	Binds         []string
	Platform      *specs.Platform
	LaunchTimeout time.Duration

	pullMut     sync.Mutex
	imagePulled bool
}

func (l *Launcher) WithLogger(log *zap.SugaredLogger) *Launcher {
	l.Log = log.Named("docker_launcher")
	return l
}

// WithBinds mounts host paths, as "host:container[:ro]", e.g. for models.
func (l *Launcher) WithBinds(binds ...string) *Launcher {
	l.Binds = append(l.Binds, binds...)
	return l
}

func (l *Launcher) WithPlatform(p *specs.Platform) *Launcher {
	l.Platform = p
	return l
}

func NewLauncher(image string, argv []string) (*Launcher, error) {
	if image == "" {
		return nil, errors.New("no image")
	}
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("building Docker client: %w", err)
	}
	l := &Launcher{
		Log:           zap.NewNop().Sugar(),
		DockerClient:  dockerClient,
		Image:         image,
		Argv:          argv,
		LaunchTimeout: defaultLaunchTimeout,
	}
	return l, nil
}

// ParsePlatform parses "os/arch[/variant]", e.g. "linux/arm64/v8".
func ParsePlatform(s string) (*specs.Platform, error) {
	parts := strings.Split(s, "/")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("invalid platform %q, want os/arch[/variant]", s)
	}
	p := &specs.Platform{OS: parts[0], Architecture: parts[1]}
	if len(parts) == 3 {
		p.Variant = parts[2]
	}
	return p, nil
}

func (l *Launcher) ensureImagePulled(ctx context.Context) error {
	l.pullMut.Lock()
	defer l.pullMut.Unlock()
	if l.imagePulled {
		return nil
	}
	opts := types.ImagePullOptions{}
	if l.Platform != nil {
		opts.Platform = platformString(l.Platform)
	}
	out, err := l.DockerClient.ImagePull(ctx, l.Image, opts)
	if err != nil {
		if out != nil {
			out.Close()
		}
		return err
	}
	defer out.Close()
	_, err = io.Copy(io.Discard, out)
	if err != nil {
		return fmt.Errorf("reading Docker pull response: %w", err)
	}
	l.imagePulled = true
	return nil
}

func platformString(p *specs.Platform) string {
	s := p.OS + "/" + p.Architecture
	if p.Variant != "" {
		s += "/" + p.Variant
	}
	return s
}

func (l *Launcher) Launch() (engine.Proc, error) {
	ctx, cancel := context.WithTimeout(context.Background(), l.LaunchTimeout)
	defer cancel()

	if err := l.ensureImagePulled(ctx); err != nil {
		return nil, fmt.Errorf("pulling image %q: %w", l.Image, err)
	}

	name := "gtpbot-" + uuid.New().String()[:8]
	createResp, err := l.DockerClient.ContainerCreate(
		ctx,
		&container.Config{
			Image:        l.Image,
			Cmd:          l.Argv,
			AttachStdin:  true,
			AttachStdout: true,
			AttachStderr: true,
			OpenStdin:    true,
			StdinOnce:    true,
		},
		&container.HostConfig{
			AutoRemove: true,
			Binds:      l.Binds,
		},
		nil,
		l.Platform,
		name,
	)
	if err != nil {
		return nil, fmt.Errorf("creating Docker container: %w", err)
	}
	p := &proc{
		log:          l.Log.With("Container", name),
		dockerClient: l.DockerClient,
		containerID:  createResp.ID,
	}

	// the attachment outlives this call, so it is not bound to ctx
	hijacked, err := l.DockerClient.ContainerAttach(context.Background(), createResp.ID, types.ContainerAttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		p.remove()
		return nil, fmt.Errorf("attaching to container %q: %w", name, err)
	}
	p.hijacked = hijacked

	outR, outW := io.Pipe()
	p.stdout = outR
	go func() {
		// stdout and stderr are multiplexed on the attachment; the engine sees them as one stream
		_, err := stdcopy.StdCopy(outW, outW, hijacked.Reader)
		outW.CloseWithError(err)
	}()

	err = l.DockerClient.ContainerStart(ctx, createResp.ID, types.ContainerStartOptions{})
	if err != nil {
		p.Kill()
		return nil, fmt.Errorf("starting container %q: %w", name, err)
	}

	inspect, err := l.DockerClient.ContainerInspect(ctx, createResp.ID)
	if err == nil && inspect.ContainerJSONBase != nil && inspect.State != nil {
		p.pid = inspect.State.Pid
	}
	p.log.Debugw("engine container started", "Image", l.Image, "Pid", p.pid)
	return p, nil
}

type proc struct {
	log          *zap.SugaredLogger
	dockerClient *client.Client
	containerID  string
	hijacked     types.HijackedResponse
	stdout       *io.PipeReader
	pid          int

	killOnce sync.Once
	killErr  error
}

func (p *proc) Stdin() io.Writer  { return p.hijacked.Conn }
func (p *proc) Stdout() io.Reader { return p.stdout }

// Pid is the engine's pid on the Docker host, or 0 if it could not be inspected.
func (p *proc) Pid() int { return p.pid }

func (p *proc) Kill() error {
	p.killOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if p.hijacked.Conn != nil {
			p.hijacked.Close()
		}
		if p.stdout != nil {
			p.stdout.Close()
		}
		err := p.dockerClient.ContainerKill(ctx, p.containerID, "KILL")
		if err != nil && !client.IsErrNotFound(err) {
			p.log.Debugf("killing container: %s", err)
		}
		p.killErr = p.removeCtx(ctx)
	})
	return p.killErr
}

func (p *proc) remove() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.removeCtx(ctx); err != nil {
		p.log.Debugf("removing container: %s", err)
	}
}

func (p *proc) removeCtx(ctx context.Context) error {
	err := p.dockerClient.ContainerRemove(ctx, p.containerID, types.ContainerRemoveOptions{
		RemoveVolumes: true,
		Force:         true,
	})
	// AutoRemove may have beaten us to it
	if err != nil && !client.IsErrNotFound(err) && !strings.Contains(err.Error(), "already in progress") {
		return fmt.Errorf("removing container %q: %w", p.containerID, err)
	}
	return nil
}
