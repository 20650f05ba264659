package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(nil, stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServe(args[2:], stdout, stderr)
	case "jobs":
		return runJobs(args[2:], stdout, stderr)
	case "snapshot":
		return runSnapshot(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "warden — action authorization pipeline")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  warden serve               Run the HTTP server")
	fmt.Fprintln(w, "  warden jobs                List pending spool jobs")
	fmt.Fprintln(w, "  warden snapshot <agent>    Export a construct's permission state")
	fmt.Fprintln(w, "  warden help                Show this help")
}
