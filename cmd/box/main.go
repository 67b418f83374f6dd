// Command box runs arbitrary shell commands inside a per-directory sandbox
// container. The current directory is resolved against an allow-list; the
// matching directory (and nothing else) is bind-mounted into a persistent
// container that is created on first use and reused across invocations.
//
//	box <command line>   run the command in the sandbox, streaming output
//	box kill             tear down the sandbox for this directory
//	box doctor           preflight the host environment
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/docker/docker/client"
	"github.com/moby/term"

	"box/internal/config"
	"box/internal/doctor"
	"box/internal/sandbox"
	"box/internal/session"
)

const version = "1.0.0"

// Exit codes. Anything the sandboxed command itself returns is passed
// through unchanged; these cover the orchestrator's own failure modes.
const (
	exitOK          = 0
	exitUsage       = 1
	exitNotAllowed  = 2
	exitConfig      = 3
	exitCreate      = 4
	exitTerminated  = 5
	exitInterrupted = 130 // 128 + SIGINT
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", config.DefaultPath(), "allow-list config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "box v%s - directory-scoped command sandbox\n\n", version)
		fmt.Fprintf(os.Stderr, "Usage: box [options] <command> [args...]\n\n")
		fmt.Fprintf(os.Stderr, "Runs the command inside a container scoped to the allow-listed\n")
		fmt.Fprintf(os.Stderr, "directory containing the current working directory.\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  <command> [args...]  Run in the sandbox (e.g., box ls -la)\n")
		fmt.Fprintf(os.Stderr, "  kill                 Remove this directory's sandbox container\n")
		fmt.Fprintf(os.Stderr, "  doctor               Check docker and config health\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Printf("box v%s\n", version)
		return exitOK
	}

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		return exitUsage
	}

	logger := log.New(os.Stderr, "[box] ", log.LstdFlags|log.Lmsgprefix)
	ctx := context.Background()

	if args[0] == "doctor" && len(args) == 1 {
		return runDoctor(ctx, *configPath)
	}

	entries, err := config.Load(*configPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitConfig
	}

	selfPath, err := config.SelfPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitConfig
	}
	if err := config.Validate(entries, selfPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitConfig
	}

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: get working directory: %v\n", err)
		return exitUsage
	}

	sess, err := session.Resolve(cwd, entries)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitNotAllowed
	}

	rt, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: docker unavailable: %v\n", err)
		return exitCreate
	}
	defer rt.Close()

	mgr, err := sandbox.NewManager(sandbox.Config{
		Runtime:  rt,
		SelfPath: selfPath,
		Logger:   logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitUsage
	}

	if args[0] == "kill" && len(args) == 1 {
		logger.Printf("killing container %s for directory %s", sess.Name, sess.Entry.Dir)
		if err := mgr.Kill(ctx, sess); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return exitUsage
		}
		return exitOK
	}

	// In TTY mode the raw terminal forwards Ctrl+C into the container; in
	// non-TTY mode the signal lands here and the invocation reports
	// interruption the way a shell would.
	if _, isTerm := term.GetFdInfo(os.Stdin); !isTerm {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			os.Exit(exitInterrupted)
		}()
	}

	commandLine := strings.Join(args, " ")
	logger.Printf("running in %s (dir=%s): %s", sess.Name, sess.Entry.Dir, commandLine)

	code, err := mgr.Execute(ctx, sess, commandLine, sandbox.StdStreams())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		switch {
		case errors.Is(err, sandbox.ErrTerminated):
			return exitTerminated
		case errors.Is(err, sandbox.ErrCreateFailed):
			return exitCreate
		case errors.Is(err, config.ErrSecurity):
			return exitConfig
		default:
			return exitUsage
		}
	}
	return code
}

func runDoctor(ctx context.Context, configPath string) int {
	var pinger doctor.Pinger
	if rt, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation()); err == nil {
		defer rt.Close()
		pinger = rt
	}

	findings := doctor.Check(ctx, pinger, configPath)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, f := range findings {
		if f.Err != nil {
			fmt.Fprintf(w, "FAIL\t%s\t%v\n", f.Name, f.Err)
		} else {
			fmt.Fprintf(w, "ok\t%s\t%s\n", f.Name, f.Detail)
		}
	}
	w.Flush()

	if !doctor.Healthy(findings) {
		return exitUsage
	}
	return exitOK
}
