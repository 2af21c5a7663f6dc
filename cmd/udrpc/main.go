// Program udrpc is a command-line utility for running and exercising udrpc
// endpoints: a serve command hosts an echo endpoint behind a broker, a bench
// command measures loopback request/response latency, and a monitor command
// renders a live terminal dashboard of a running endpoint's metrics.
package main

import (
	"os"
	"path/filepath"

	"github.com/creachadair/command"
)

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Utilities for running and exercising udrpc endpoints.",
		Commands: []*command.C{
			serveCmd,
			benchCmd,
			monitorCmd,
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}
