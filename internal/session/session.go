// Package session maps an invocation directory to its sandbox session: the
// matching allow-list entry plus the deterministic container name derived
// from it. The derivation is pure, so a container started by one invocation
// can be found again by any later one.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"

	"box/internal/config"
)

// NotAllowedError reports that a directory matched no allow-list entry.
// This is the fail-closed default: no entry, no sandbox.
type NotAllowedError struct {
	Dir        string
	Configured []config.Entry
}

func (e *NotAllowedError) Error() string {
	dirs := make([]string, len(e.Configured))
	for i, entry := range e.Configured {
		dirs[i] = entry.Dir
	}
	return fmt.Sprintf("directory %s is not in any configured directory (configured: %s)",
		e.Dir, strings.Join(dirs, ", "))
}

// Session identifies one sandbox: the allow-list entry it is scoped to and
// the container name derived from that entry's directory.
type Session struct {
	Entry config.Entry

	// Name is the container name, stable across invocations and process
	// restarts for a given resolved directory.
	Name string

	// Workdir is the in-container working directory for relayed commands:
	// always the mount root, regardless of which subdirectory the caller
	// invoked from.
	Workdir string
}

// Resolve matches cwd against the allow-list and returns the session for the
// most specific entry whose directory is an ancestor of (or equal to) cwd.
// With no match it returns a *NotAllowedError.
func Resolve(cwd string, entries []config.Entry) (Session, error) {
	cwd = filepath.Clean(cwd)
	if resolved, err := filepath.EvalSymlinks(cwd); err == nil {
		cwd = resolved
	}

	var best *config.Entry
	for i := range entries {
		e := &entries[i]
		if !contains(e.Dir, cwd) {
			continue
		}
		if best == nil || len(e.Dir) > len(best.Dir) {
			best = e
		}
	}
	if best == nil {
		return Session{}, &NotAllowedError{Dir: cwd, Configured: entries}
	}

	return Session{
		Entry:   *best,
		Name:    ContainerName(best.Dir),
		Workdir: best.Dir,
	}, nil
}

// ContainerName derives the container name for a directory: "box-" plus the
// first 12 hex characters of the path's SHA-256. Distinct directories yield
// distinct names; the same directory always yields the same name.
func ContainerName(dir string) string {
	sum := sha256.Sum256([]byte(filepath.Clean(dir)))
	return "box-" + hex.EncodeToString(sum[:])[:12]
}

// contains reports whether dir is an ancestor of or equal to path.
func contains(dir, path string) bool {
	if dir == path {
		return true
	}
	if dir == string(filepath.Separator) {
		return true
	}
	return strings.HasPrefix(path, dir+string(filepath.Separator))
}
