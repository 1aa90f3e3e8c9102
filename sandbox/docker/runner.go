// Package docker runs scripts inside containers so untrusted code never
// touches the endpoint host. The script is bind-mounted read-only into a
// fresh container per run, stdio is attached over the Docker API, and the
// container has no network by default.
//
// The underlying host must have a Docker daemon running. Standard environment
// variables for configuring the Docker client (DOCKER_HOST etc.) are
// supported.
package docker

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/runwire/runwire/sandbox"
	"go.uber.org/zap"
)

const chars = "abcefghijklmnopqrstuvwxyz0123456789"

func init() {
	rand.Seed(time.Now().UnixNano())
}

func randString(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = chars[rand.Intn(len(chars))]
	}
	return string(b)
}

const scriptMount = "/run/script.py"

// Runner runs each script in its own container.
type Runner struct {
	Log          *zap.SugaredLogger
	DockerClient *client.Client

	// Image is the container image to run scripts in.
	Image string
	// Interpreter is the command prefix the mounted script path is appended
	// to. Defaults to sandbox.DefaultInterpreter.
	Interpreter []string

	pullMut     sync.Mutex
	imagePulled bool
}

// NewRunner builds a Runner against the local Docker daemon.
func NewRunner(image string) (*Runner, error) {
	log, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("instantiating default logger: %w", err)
	}
	dockerClient, err := client.NewClientWithOpts(client.FromEnv)
	if err != nil {
		return nil, fmt.Errorf("building Docker client: %w", err)
	}
	if image == "" {
		image = "python:3-alpine"
	}
	return &Runner{
		Log:          log.Named("docker_runner").Sugar(),
		DockerClient: dockerClient,
		Image:        image,
	}, nil
}

func (r *Runner) ensureImagePulled(ctx context.Context) error {
	r.pullMut.Lock()
	defer r.pullMut.Unlock()
	if r.imagePulled {
		return nil
	}
	out, err := r.DockerClient.ImagePull(ctx, r.Image, types.ImagePullOptions{})
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
	r.imagePulled = true
	return nil
}

func (r *Runner) Start(ctx context.Context, spec sandbox.Spec) (sandbox.Proc, error) {
	err := r.ensureImagePulled(ctx)
	if err != nil {
		return nil, fmt.Errorf("pulling image: %w", err)
	}

	interp := r.Interpreter
	if len(interp) == 0 {
		interp = sandbox.DefaultInterpreter
	}
	cmd := append(append([]string{}, interp...), scriptMount)
	containerName := fmt.Sprintf("runwire-%s", randString(6))

	createResp, err := r.DockerClient.ContainerCreate(
		ctx,
		&container.Config{
			Image:        r.Image,
			Cmd:          cmd,
			OpenStdin:    true,
			AttachStdin:  true,
			AttachStdout: true,
			AttachStderr: true,
		},
		&container.HostConfig{
			Binds:       []string{fmt.Sprintf("%s:%s:ro", spec.ScriptPath, scriptMount)},
			NetworkMode: "none",
		},
		nil,
		nil,
		containerName,
	)
	if err != nil {
		return nil, fmt.Errorf("creating Docker container: %w", err)
	}
	containerID := createResp.ID

	attachResp, err := r.DockerClient.ContainerAttach(ctx, containerID, types.ContainerAttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		r.remove(containerID)
		return nil, fmt.Errorf("attaching to container %q: %w", containerID, err)
	}

	err = r.DockerClient.ContainerStart(ctx, containerID, types.ContainerStartOptions{})
	if err != nil {
		attachResp.Close()
		r.remove(containerID)
		return nil, fmt.Errorf("starting container %q: %w", containerID, err)
	}
	r.Log.Debugw("started script container", "Script", spec.ScriptPath, "Container", containerName)

	p := &dockerProc{
		log:         r.Log,
		client:      r.DockerClient,
		containerID: containerID,
		attach:      attachResp,
		drained:     make(chan struct{}),
	}

	// The attached stream multiplexes stdout and stderr; demux it into the
	// spec writers until the container exits.
	go func() {
		defer close(p.drained)
		_, err := stdcopy.StdCopy(spec.Stdout, spec.Stderr, attachResp.Reader)
		if err != nil {
			r.Log.Debugw("demuxing container output", "Error", err)
		}
	}()

	// The container dies with its context, same as its session.
	go func() {
		select {
		case <-ctx.Done():
			p.Kill()
		case <-p.drained:
		}
	}()

	return p, nil
}

func (r *Runner) remove(containerID string) {
	err := r.DockerClient.ContainerRemove(context.Background(), containerID, types.ContainerRemoveOptions{
		RemoveVolumes: true,
		Force:         true,
	})
	if err != nil {
		r.Log.Debugw("removing container", "Container", containerID, "Error", err)
	}
}

type dockerProc struct {
	log         *zap.SugaredLogger
	client      *client.Client
	containerID string
	attach      types.HijackedResponse

	drained  chan struct{}
	killOnce sync.Once
	waitOnce sync.Once

	exitCode int
	waitErr  error
}

func (p *dockerProc) WriteInput(line string) error {
	_, err := io.WriteString(p.attach.Conn, line+"\n")
	if err != nil {
		return fmt.Errorf("writing container stdin: %w", err)
	}
	return nil
}

func (p *dockerProc) Kill() error {
	var err error
	p.killOnce.Do(func() {
		p.log.Debugw("killing container", "Container", p.containerID)
		err = p.client.ContainerKill(context.Background(), p.containerID, "KILL")
	})
	return err
}

func (p *dockerProc) Wait() (int, error) {
	p.waitOnce.Do(func() {
		ctx := context.Background()
		waitCh, errCh := p.client.ContainerWait(ctx, p.containerID, container.WaitConditionNotRunning)
		select {
		case body := <-waitCh:
			p.exitCode = int(body.StatusCode)
		case err := <-errCh:
			p.exitCode = -1
			p.waitErr = fmt.Errorf("waiting for container: %w", err)
		}
		<-p.drained
		p.attach.Close()

		err := p.client.ContainerRemove(ctx, p.containerID, types.ContainerRemoveOptions{
			RemoveVolumes: true,
			Force:         true,
		})
		if err != nil {
			p.log.Debugw("removing container", "Container", p.containerID, "Error", err)
		}
	})
	return p.exitCode, p.waitErr
}
