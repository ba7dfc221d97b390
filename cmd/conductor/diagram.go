package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/rendis/conductor/internal/diagram"
	"github.com/rendis/conductor/internal/workflowio"
)

func diagramCommand() *cli.Command {
	return &cli.Command{
		Name:      "diagram",
		Usage:     "Render a workflow document as ASCII art or a Mermaid flowchart",
		ArgsUsage: "FILE",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "format", Aliases: []string{"f"}, Value: string(diagram.FormatMermaid), Usage: "ascii or mermaid"},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "write to this file instead of stdout"},
		},
		Action: runDiagram,
	}
}

func runDiagram(_ context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 1 {
		return fmt.Errorf("diagram: exactly one workflow file is required")
	}
	codec, err := workflowio.NewCodec()
	if err != nil {
		return err
	}
	wf, err := codec.ReadFile(cmd.Args().First())
	if err != nil {
		return err
	}
	text, err := diagram.Render(wf, nil, diagram.Format(cmd.String("format")))
	if err != nil {
		return err
	}

	if path := cmd.String("output"); path != "" {
		if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
			return fmt.Errorf("write diagram: %w", err)
		}
		return nil
	}
	_, err = fmt.Fprintln(cmd.Root().Writer, text)
	return err
}
