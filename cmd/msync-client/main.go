package main

import (
	"fmt"
	"io"
	"os"
)

// Version is set at build time via -ldflags.
var Version = "dev"

const usage = `msync-client - receive M-Sync messages on this device

Usage:
  msync-client <command> [options]

Commands:
  run                        Stay connected and apply incoming messages (default)
  login                      Sign in through the browser and store the credential
  logout                     Delete the stored credential
  publish <TYPE> <content>   Send a TEXT, URL or CODE message to your devices
  history [-n N]             Show recent messages
Run 'msync-client <command> --help' for more information on a command.
`

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runClient(nil, stdout, stderr)
	}

	switch args[1] {
	case "run":
		return runClient(args[2:], stdout, stderr)
	case "login":
		return runLogin(args[2:], stdout, stderr)
	case "logout":
		return runLogout(args[2:], stdout, stderr)
	case "publish":
		return runPublish(args[2:], stdout, stderr)
	case "history":
		return runHistory(args[2:], stdout, stderr)
	case "--help", "-h", "help":
		fmt.Fprint(stdout, usage)
		return 0
	case "--version", "-v", "version":
		fmt.Fprintf(stdout, "msync-client %s\n", Version)
		return 0
	default:
		fmt.Fprintf(stdout, "Unknown command: %s\n", args[1])
		fmt.Fprint(stdout, usage)
		return 1
	}
}
