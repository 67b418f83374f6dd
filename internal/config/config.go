// Package config loads and validates the box allow-list: the set of host
// directories an agent may run commands against, each paired with the
// container image used to sandbox them.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultImage is used when an allow-list entry omits the image field.
const DefaultImage = "ubuntu:latest"

// DefaultShell is the in-container shell used to interpret command lines
// when an entry does not name one.
const DefaultShell = "/bin/sh"

// ErrSecurity indicates an allow-list entry would mount the box
// installation itself into a sandbox, which would let a sandboxed
// process rewrite the orchestrator.
var ErrSecurity = errors.New("allow-list entry covers the box installation path")

// Entry is a single allow-list entry: a host directory and the image
// used for its sandbox.
type Entry struct {
	Dir   string `yaml:"dir"`
	Image string `yaml:"image,omitempty"`
	Shell string `yaml:"shell,omitempty"`
}

// DefaultPath returns the config file location: $BOX_CONFIG if set,
// otherwise $XDG_CONFIG_HOME/box/config.yaml (falling back to
// ~/.config/box/config.yaml).
func DefaultPath() string {
	if p := os.Getenv("BOX_CONFIG"); p != "" {
		return p
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "box", "config.yaml")
}

// Load reads the allow-list from a YAML file. Entries are normalized to
// absolute clean paths and given default image/shell values. Entries whose
// directory does not exist are kept with a warning (the directory may be
// mounted later); relative paths and duplicates are hard errors.
func Load(path string, logger *log.Logger) ([]Entry, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[box] ", log.LstdFlags|log.Lmsgprefix)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s\ncreate a YAML file with format:\n- dir: /path/to/dir\n  image: %s", path, DefaultImage)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var entries []Entry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("config %s lists no directories", path)
	}

	seen := make(map[string]bool, len(entries))
	for i := range entries {
		e := &entries[i]
		if e.Dir == "" {
			return nil, fmt.Errorf("entry %d: missing dir field", i)
		}
		if !filepath.IsAbs(e.Dir) {
			return nil, fmt.Errorf("entry %d: dir %q is not absolute", i, e.Dir)
		}
		e.Dir = filepath.Clean(e.Dir)
		if resolved, err := filepath.EvalSymlinks(e.Dir); err == nil {
			e.Dir = resolved
		} else {
			logger.Printf("warning: directory does not exist: %s", e.Dir)
		}
		if seen[e.Dir] {
			return nil, fmt.Errorf("duplicate allow-list entry for %s", e.Dir)
		}
		seen[e.Dir] = true

		if e.Image == "" {
			e.Image = DefaultImage
		}
		if e.Shell == "" {
			e.Shell = DefaultShell
		}
	}

	return entries, nil
}

// Validate rejects any entry whose directory equals or contains selfPath,
// the directory holding the box executable. Mounting it read-write into a
// sandbox would let the sandboxed process replace the orchestrator, so this
// is a fatal configuration error, not a skip.
func Validate(entries []Entry, selfPath string) error {
	selfPath = filepath.Clean(selfPath)
	for _, e := range entries {
		if covers(e.Dir, selfPath) {
			return fmt.Errorf("%w: %s contains %s", ErrSecurity, e.Dir, selfPath)
		}
	}
	return nil
}

// SelfPath returns the directory containing the running executable, with
// symlinks resolved so the check cannot be defeated by an aliased install.
func SelfPath() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locate executable: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Dir(exe), nil
}

// covers reports whether dir equals path or is one of its ancestors.
func covers(dir, path string) bool {
	if dir == path {
		return true
	}
	if dir == string(filepath.Separator) {
		return true
	}
	return strings.HasPrefix(path, dir+string(filepath.Separator))
}
