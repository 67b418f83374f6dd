// Package integration exercises the full sandbox lifecycle against a real
// Docker daemon. Tests skip when no daemon is reachable.
package integration

import (
	"bytes"
	"context"
	"io"
	"log"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/client"

	"box/internal/config"
	"box/internal/sandbox"
	"box/internal/session"
)

const testImage = "alpine:latest"

// newTestEnv returns a manager backed by the real daemon and a session
// scoped to a fresh temp directory, with teardown registered. Skips the
// test when Docker is unavailable.
func newTestEnv(t *testing.T) (*sandbox.Manager, session.Session) {
	t.Helper()

	cli := mustClient(t)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		t.Skipf("docker daemon unreachable: %v", err)
	}

	dir := t.TempDir()
	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		dir = resolved
	}

	sess := session.Session{
		Entry:   config.Entry{Dir: dir, Image: testImage, Shell: "/bin/sh"},
		Name:    session.ContainerName(dir),
		Workdir: dir,
	}

	mgr, err := sandbox.NewManager(sandbox.Config{
		Runtime: cli,
		LockDir: t.TempDir(),
		Logger:  log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		mgr.Kill(ctx, sess)
	})

	return mgr, sess
}

func execute(t *testing.T, mgr *sandbox.Manager, sess session.Session, commandLine string) (int, string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	var out bytes.Buffer
	code, err := mgr.Execute(ctx, sess, commandLine, sandbox.Streams{Out: &out, Err: io.Discard})
	if err != nil {
		t.Fatalf("execute %q: %v", commandLine, err)
	}
	return code, out.String()
}

func TestEchoRoundTrip(t *testing.T) {
	mgr, sess := newTestEnv(t)

	code, out := execute(t, mgr, sess, "echo hello")
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	if out != "hello\n" {
		t.Errorf("stdout = %q, want %q", out, "hello\n")
	}
}

func TestStatePersistsAcrossInvocations(t *testing.T) {
	mgr, sess := newTestEnv(t)

	if code, _ := execute(t, mgr, sess, "echo 1 > f"); code != 0 {
		t.Fatalf("write exit code = %d", code)
	}

	// A second manager stands in for a fresh process: it must find the
	// same container by identity alone.
	second, err := sandbox.NewManager(sandbox.Config{
		Runtime: mustClient(t),
		LockDir: t.TempDir(),
		Logger:  log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("second NewManager: %v", err)
	}

	code, out := execute(t, second, sess, "cat f")
	if code != 0 {
		t.Errorf("read exit code = %d, want 0", code)
	}
	if strings.TrimSpace(out) != "1" {
		t.Errorf("read back %q, want 1", out)
	}
}

func TestWorkdirIsMountRoot(t *testing.T) {
	mgr, sess := newTestEnv(t)

	code, out := execute(t, mgr, sess, "pwd")
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	if strings.TrimSpace(out) != sess.Workdir {
		t.Errorf("pwd = %q, want %q", strings.TrimSpace(out), sess.Workdir)
	}
}

func TestExitCodePassthrough(t *testing.T) {
	mgr, sess := newTestEnv(t)

	if code, _ := execute(t, mgr, sess, "exit 7"); code != 7 {
		t.Errorf("exit code = %d, want 7", code)
	}
}

func TestKillYieldsFreshEnvironment(t *testing.T) {
	mgr, sess := newTestEnv(t)

	// A marker outside the mount lives in the container filesystem only;
	// a file inside the mount lives on the host.
	if code, _ := execute(t, mgr, sess, "touch /marker && echo kept > f"); code != 0 {
		t.Fatal("setup command failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := mgr.Kill(ctx, sess); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	if code, _ := execute(t, mgr, sess, "test -f /marker"); code == 0 {
		t.Error("container filesystem survived the kill")
	}
	if code, out := execute(t, mgr, sess, "cat f"); code != 0 || strings.TrimSpace(out) != "kept" {
		t.Errorf("mounted directory contents lost: code=%d out=%q", code, out)
	}
}

func TestKillAbsentExitsClean(t *testing.T) {
	mgr, sess := newTestEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := mgr.Kill(ctx, sess); err != nil {
		t.Fatalf("Kill on absent environment: %v", err)
	}
}

func mustClient(t *testing.T) *client.Client {
	t.Helper()
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		t.Skipf("docker client unavailable: %v", err)
	}
	t.Cleanup(func() { cli.Close() })
	return cli
}
