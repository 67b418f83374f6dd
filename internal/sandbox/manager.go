// Package sandbox manages the per-directory sandbox containers: one
// long-lived container per allowed directory, created lazily, reused across
// invocations, and destroyed only on explicit request. The container itself
// is the persisted session state — every invocation rediscovers it from the
// runtime by name rather than from any local database.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"

	"box/internal/config"
	"box/internal/session"
)

const (
	// stopGrace is how long Kill waits for the in-container process tree
	// to exit after the stop signal before force-removing the container.
	stopGrace = 5 * time.Second

	// startWait bounds how long EnsureRunning waits for a container that
	// another invocation is concurrently creating or that the runtime
	// reports as restarting/removing.
	startWait = 30 * time.Second

	startPoll = 200 * time.Millisecond
)

// Config configures a Manager.
type Config struct {
	Runtime Runtime

	// LockDir holds the per-identity lock files. Defaults to
	// $TMPDIR/box-locks.
	LockDir string

	// SelfPath is the directory containing the box executable, re-checked
	// against every mount immediately before container creation.
	SelfPath string

	Logger *log.Logger
}

// Manager owns the sandbox container lifecycle for all identities.
type Manager struct {
	rt       Runtime
	lockDir  string
	selfPath string
	logger   *log.Logger
}

// Handle refers to a running sandbox container.
type Handle struct {
	ID   string
	Name string
}

// NewManager creates a sandbox manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Runtime == nil {
		return nil, fmt.Errorf("runtime is required")
	}
	if cfg.LockDir == "" {
		cfg.LockDir = filepath.Join(os.TempDir(), "box-locks")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[box] ", log.LstdFlags|log.Lmsgprefix)
	}

	return &Manager{
		rt:       cfg.Runtime,
		lockDir:  cfg.LockDir,
		selfPath: cfg.SelfPath,
		logger:   cfg.Logger,
	}, nil
}

// EnsureRunning makes exactly one running container exist for the session,
// creating it if absent, starting it if stopped, and reusing it if already
// running. A container whose mounts or image no longer match the allow-list
// entry is removed and recreated. Safe to call from concurrent invocations:
// the per-identity lock serializes the whole reconcile, so at most one
// creation is ever in flight.
func (m *Manager) EnsureRunning(ctx context.Context, sess session.Session) (Handle, error) {
	// Defense in depth: the allow-list was validated at load time, but the
	// mount handed to the runtime is re-checked here so no code path can
	// create a container over the installation directory.
	if m.selfPath != "" {
		if err := config.Validate([]config.Entry{sess.Entry}, m.selfPath); err != nil {
			return Handle{}, err
		}
	}

	lock, err := acquireLock(m.lockDir, sess.Name)
	if err != nil {
		return Handle{}, err
	}
	defer lock.release()

	return m.reconcile(ctx, sess)
}

// reconcile drives the container toward Running. Caller holds the identity
// lock.
func (m *Manager) reconcile(ctx context.Context, sess session.Session) (Handle, error) {
	deadline := time.Now().Add(startWait)

	for {
		info, err := m.rt.ContainerInspect(ctx, sess.Name)
		switch {
		case cerrdefs.IsNotFound(err):
			return m.create(ctx, sess)
		case err != nil:
			return Handle{}, fmt.Errorf("%w: inspect %s: %v", ErrCreateFailed, sess.Name, err)
		}

		switch info.State.Status {
		case "running":
			if !m.verifyConfig(info, sess) {
				if err := m.remove(ctx, sess.Name); err != nil {
					return Handle{}, err
				}
				return m.create(ctx, sess)
			}
			m.logger.Printf("using existing container %s", sess.Name)
			return Handle{ID: info.ID, Name: sess.Name}, nil

		case "exited", "created":
			if !m.verifyConfig(info, sess) {
				if err := m.remove(ctx, sess.Name); err != nil {
					return Handle{}, err
				}
				return m.create(ctx, sess)
			}
			return m.start(ctx, sess, info.ID)

		case "restarting", "removing":
			// Another invocation or the runtime itself is mid-transition;
			// poll until it settles.
			if time.Now().After(deadline) {
				return Handle{}, fmt.Errorf("%w: container %s stuck in state %s", ErrCreateFailed, sess.Name, info.State.Status)
			}
			select {
			case <-ctx.Done():
				return Handle{}, ctx.Err()
			case <-time.After(startPoll):
			}

		default:
			// paused, dead: not states this manager produces. Recreate.
			m.logger.Printf("container %s in unexpected state %s, recreating", sess.Name, info.State.Status)
			if err := m.remove(ctx, sess.Name); err != nil {
				return Handle{}, err
			}
			return m.create(ctx, sess)
		}
	}
}

// create builds and starts a fresh container for the session: the entry
// directory (and only that directory) bind-mounted read-write at the same
// path, kept alive with a sleep so it survives between invocations.
func (m *Manager) create(ctx context.Context, sess session.Session) (Handle, error) {
	m.logger.Printf("creating container %s (dir=%s, image=%s)", sess.Name, sess.Entry.Dir, sess.Entry.Image)

	cfg := &container.Config{
		Image:      sess.Entry.Image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: sess.Entry.Dir,
	}
	hostCfg := &container.HostConfig{
		Binds: []string{fmt.Sprintf("%s:%s:rw", sess.Entry.Dir, sess.Entry.Dir)},
	}

	resp, err := m.rt.ContainerCreate(ctx, cfg, hostCfg, nil, nil, sess.Name)
	if cerrdefs.IsNotFound(err) {
		// Image not present locally; pull and retry once.
		if err := m.pull(ctx, sess.Entry.Image); err != nil {
			return Handle{}, err
		}
		resp, err = m.rt.ContainerCreate(ctx, cfg, hostCfg, nil, nil, sess.Name)
	}
	if cerrdefs.IsConflict(err) {
		// Lost a name race to another invocation (possible when lock files
		// are not shared, e.g. separate TMPDIRs). Wait for the winner.
		return m.waitRunning(ctx, sess.Name)
	}
	if err != nil {
		return Handle{}, fmt.Errorf("%w: create %s: %v", ErrCreateFailed, sess.Name, err)
	}

	if err := m.rt.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return Handle{}, fmt.Errorf("%w: start %s: %v", ErrCreateFailed, sess.Name, err)
	}

	m.logger.Printf("container %s created", sess.Name)
	return Handle{ID: resp.ID, Name: sess.Name}, nil
}

// start brings an existing stopped container back up.
func (m *Manager) start(ctx context.Context, sess session.Session, id string) (Handle, error) {
	m.logger.Printf("starting container %s", sess.Name)
	if err := m.rt.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return Handle{}, fmt.Errorf("%w: start %s: %v", ErrCreateFailed, sess.Name, err)
	}
	return Handle{ID: id, Name: sess.Name}, nil
}

// pull fetches an image, draining the progress stream.
func (m *Manager) pull(ctx context.Context, ref string) error {
	m.logger.Printf("pulling image %s", ref)
	rc, err := m.rt.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("%w: pull image %s: %v", ErrCreateFailed, ref, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("%w: pull image %s: %v", ErrCreateFailed, ref, err)
	}
	return nil
}

// waitRunning polls until the named container reports running.
func (m *Manager) waitRunning(ctx context.Context, name string) (Handle, error) {
	deadline := time.Now().Add(startWait)
	for {
		info, err := m.rt.ContainerInspect(ctx, name)
		if err == nil && info.State.Status == "running" {
			return Handle{ID: info.ID, Name: name}, nil
		}
		if err != nil && !cerrdefs.IsNotFound(err) {
			return Handle{}, fmt.Errorf("%w: inspect %s: %v", ErrCreateFailed, name, err)
		}
		if time.Now().After(deadline) {
			return Handle{}, fmt.Errorf("%w: timed out waiting for %s to start", ErrCreateFailed, name)
		}
		select {
		case <-ctx.Done():
			return Handle{}, ctx.Err()
		case <-time.After(startPoll):
		}
	}
}

// verifyConfig reports whether an existing container still matches the
// allow-list entry: exactly one bind mount of the entry directory onto
// itself, and the configured image. A stale container (entry edited since
// it was created) fails verification and gets recreated.
func (m *Manager) verifyConfig(info container.InspectResponse, sess session.Session) bool {
	binds := make(map[string]string)
	for _, mp := range info.Mounts {
		if mp.Type == mount.TypeBind {
			binds[mp.Source] = mp.Destination
		}
	}
	if len(binds) != 1 || binds[sess.Entry.Dir] != sess.Entry.Dir {
		m.logger.Printf("container %s mounts %v, want %s, recreating", sess.Name, binds, sess.Entry.Dir)
		return false
	}
	if info.Config == nil || info.Config.Image != sess.Entry.Image {
		got := ""
		if info.Config != nil {
			got = info.Config.Image
		}
		m.logger.Printf("container %s runs image %q, want %q, recreating", sess.Name, got, sess.Entry.Image)
		return false
	}
	return true
}

// Kill stops and removes the session's container. The stop signal gives the
// in-container process tree stopGrace to exit, then the container is
// force-removed. Killing an absent container is not an error.
func (m *Manager) Kill(ctx context.Context, sess session.Session) error {
	lock, err := acquireLock(m.lockDir, sess.Name)
	if err != nil {
		return err
	}
	defer lock.release()

	_, err = m.rt.ContainerInspect(ctx, sess.Name)
	if cerrdefs.IsNotFound(err) {
		m.logger.Printf("container %s does not exist", sess.Name)
		return nil
	}
	if err != nil {
		return fmt.Errorf("inspect %s: %w", sess.Name, err)
	}

	grace := int(stopGrace.Seconds())
	if err := m.rt.ContainerStop(ctx, sess.Name, container.StopOptions{Timeout: &grace}); err != nil && !cerrdefs.IsNotFound(err) {
		// Stop is best effort; force removal below is what must succeed.
		m.logger.Printf("warning: stop %s: %v", sess.Name, err)
	}
	if err := m.remove(ctx, sess.Name); err != nil {
		return err
	}

	m.logger.Printf("container %s removed", sess.Name)
	return nil
}

// remove force-removes a container, tolerating it already being gone.
func (m *Manager) remove(ctx context.Context, name string) error {
	err := m.rt.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return nil
}
