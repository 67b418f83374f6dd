// Package doctor preflights the host environment: container daemon
// reachability and allow-list validity.
package doctor

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/docker/docker/api/types"

	"box/internal/config"
)

// Pinger is the daemon probe the doctor needs; *client.Client satisfies it.
type Pinger interface {
	Ping(ctx context.Context) (types.Ping, error)
}

// Finding is one preflight check result. Err is nil when the check passed.
type Finding struct {
	Name   string
	Detail string
	Err    error
}

// Check runs all preflight checks and returns their findings. A nil pinger
// marks the daemon check failed (client construction already failed).
func Check(ctx context.Context, pinger Pinger, configPath string) []Finding {
	var findings []Finding

	if path, err := exec.LookPath("docker"); err != nil {
		findings = append(findings, Finding{
			Name: "docker cli",
			Err:  fmt.Errorf("not found on PATH (the daemon API is used directly, but the CLI helps debugging)"),
		})
	} else {
		findings = append(findings, Finding{Name: "docker cli", Detail: path})
	}

	if pinger == nil {
		findings = append(findings, Finding{Name: "docker daemon", Err: fmt.Errorf("client unavailable")})
	} else if ping, err := pinger.Ping(ctx); err != nil {
		findings = append(findings, Finding{Name: "docker daemon", Err: fmt.Errorf("unreachable: %w", err)})
	} else {
		findings = append(findings, Finding{Name: "docker daemon", Detail: "API " + ping.APIVersion})
	}

	entries, err := config.Load(configPath, nil)
	if err != nil {
		findings = append(findings, Finding{Name: "config", Err: err})
		return findings
	}
	findings = append(findings, Finding{Name: "config", Detail: fmt.Sprintf("%d directories at %s", len(entries), configPath)})

	selfPath, err := config.SelfPath()
	if err == nil {
		err = config.Validate(entries, selfPath)
	}
	if err != nil {
		findings = append(findings, Finding{Name: "allow-list security", Err: err})
	} else {
		findings = append(findings, Finding{Name: "allow-list security", Detail: "no entry covers the installation path"})
	}

	return findings
}

// Healthy reports whether every finding passed.
func Healthy(findings []Finding) bool {
	for _, f := range findings {
		if f.Err != nil {
			return false
		}
	}
	return true
}
