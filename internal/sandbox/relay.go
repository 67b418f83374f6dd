package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/moby/term"

	"box/internal/session"
)

// Streams carries the invocation's standard streams into the sandbox.
type Streams struct {
	In  io.Reader
	Out io.Writer
	Err io.Writer
}

// Execute relays a command line into the session's container and returns its
// exit status. The command line is handed verbatim to the entry's shell via
// `-c` — no re-parsing or re-escaping, so pipelines and redirects work
// exactly as the caller wrote them. The working directory is always the
// mount root. Output is streamed as the in-container process produces it.
//
// The container is brought up lazily: the caller never has to start the
// sandbox explicitly.
func (m *Manager) Execute(ctx context.Context, sess session.Session, commandLine string, streams Streams) (int, error) {
	if commandLine == "" {
		return 0, fmt.Errorf("no command specified")
	}

	if _, err := m.EnsureRunning(ctx, sess); err != nil {
		return 0, err
	}

	// Allocate a pseudo-TTY when stdin is a terminal so interactive
	// programs work and Ctrl+C reaches the in-container process.
	tty := false
	var inFd uintptr
	if streams.In != nil {
		var isTerm bool
		inFd, isTerm = term.GetFdInfo(streams.In)
		tty = isTerm
	}

	execOpts := container.ExecOptions{
		Cmd:          []string{sess.Entry.Shell, "-c", commandLine},
		WorkingDir:   sess.Workdir,
		AttachStdin:  streams.In != nil,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          tty,
	}

	execID, err := m.rt.ContainerExecCreate(ctx, sess.Name, execOpts)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return 0, fmt.Errorf("%w: %s", ErrTerminated, sess.Name)
		}
		return 0, fmt.Errorf("create exec: %w", err)
	}

	resp, err := m.rt.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{Tty: tty})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return 0, fmt.Errorf("%w: %s", ErrTerminated, sess.Name)
		}
		return 0, fmt.Errorf("attach exec: %w", err)
	}
	defer resp.Close()

	if tty {
		state, err := term.SetRawTerminal(inFd)
		if err == nil {
			defer term.RestoreTerminal(inFd, state)
		}
	}

	// Feed stdin to the container. The copier is unblocked by resp.Close
	// if the command exits without draining it.
	if streams.In != nil {
		go func() {
			io.Copy(resp.Conn, streams.In)
			resp.CloseWrite()
		}()
	}

	// Stream output until the in-container process exits. A TTY stream is
	// raw; a non-TTY stream is multiplexed and demuxed onto stdout/stderr.
	streamDone := make(chan error, 1)
	go func() {
		var err error
		if tty {
			_, err = io.Copy(streams.Out, resp.Reader)
		} else {
			_, err = stdcopy.StdCopy(streams.Out, streams.Err, resp.Reader)
		}
		streamDone <- err
	}()

	select {
	case err := <-streamDone:
		if err != nil {
			m.logger.Printf("stream error: %v", err)
		}
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	inspect, err := m.rt.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		// The exec record dies with the container: a 404 here means the
		// sandbox was killed out from under the command.
		if cerrdefs.IsNotFound(err) {
			return 0, fmt.Errorf("%w: %s", ErrTerminated, sess.Name)
		}
		return 0, fmt.Errorf("inspect exec: %w", err)
	}

	// A concurrent kill can also surface as the stream closing with the
	// container gone but the exec record still readable.
	if cinfo, cerr := m.rt.ContainerInspect(ctx, sess.Name); cerrdefs.IsNotFound(cerr) || (cerr == nil && cinfo.State.Status != "running" && inspect.Running) {
		return 0, fmt.Errorf("%w: %s", ErrTerminated, sess.Name)
	}

	return inspect.ExitCode, nil
}

// StdStreams returns Streams wired to the process's own stdio.
func StdStreams() Streams {
	return Streams{In: os.Stdin, Out: os.Stdout, Err: os.Stderr}
}
