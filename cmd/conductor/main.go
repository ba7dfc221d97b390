package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "conductor",
		Usage:   "Queue prompts for agents and run workflows of process, condition and output nodes",
		Version: version,
		Commands: []*cli.Command{
			serveCommand(),
			validateCommand(),
			diagramCommand(),
			initCommand(),
			versionCommand(),
		},
	}
}
