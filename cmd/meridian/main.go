// Command meridian runs the processing kernel: the phase pipeline, the
// event bus, the overlay manager, and the HTTP admin surface.
package main

import (
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/Noetic-Labs/meridian/core/pkg/config"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests.
var startServer = runServer

// Run dispatches subcommands. No arguments starts the server.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer()
	}

	switch args[1] {
	case "server", "serve":
		return startServer()
	case "health":
		return runHealthCmd(stdout, stderr)
	case "profiles":
		return runProfilesCmd(stdout, stderr)
	case "bootstrap":
		return runBootstrapCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return startServer()
		}
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "meridian - processing kernel")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  meridian [serve]        Start the kernel and admin API (default)")
	fmt.Fprintln(w, "  meridian health         Probe a running kernel's /healthz")
	fmt.Fprintln(w, "  meridian profiles       List available pipeline profiles")
	fmt.Fprintln(w, "  meridian bootstrap <db> Initialize the Postgres schema")
	fmt.Fprintln(w, "  meridian help           Show this help")
	fmt.Fprintln(w, "")
}

func runHealthCmd(out, errOut io.Writer) int {
	cfg := config.Load()
	resp, err := http.Get("http://localhost:" + cfg.Port + "/healthz")
	if err != nil {
		fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}

	fmt.Fprintln(out, "OK")
	return 0
}

func runProfilesCmd(out, errOut io.Writer) int {
	cfg := config.Load()
	profiles, err := config.LoadAllProfiles(cfg.ProfilesDir)
	if err != nil {
		fmt.Fprintf(errOut, "Failed to load profiles from %s: %v\n", cfg.ProfilesDir, err)
		return 1
	}
	if len(profiles) == 0 {
		fmt.Fprintf(out, "No profiles in %s (the built-in default profile is always available)\n", cfg.ProfilesDir)
		return 0
	}
	for name, p := range profiles {
		enabled := 0
		for _, ph := range p.Phases {
			if ph.Enabled == nil || *ph.Enabled {
				enabled++
			}
		}
		fmt.Fprintf(out, "%s\t%d/%d phases enabled\t%s\n", name, enabled, len(p.Phases), p.Description)
	}
	return 0
}
