package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/rendis/conductor/internal/engine"
	"github.com/rendis/conductor/internal/queue"
	"github.com/rendis/conductor/internal/workflowio"
	"github.com/rendis/conductor/pkg/schema"
)

var errInvalidWorkflows = errors.New("invalid workflows found")

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Aliases:   []string{"v"},
		Usage:     "Check workflow documents for execution readiness",
		ArgsUsage: "FILE...",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "condition-engine", Usage: "condition language: cel or expr", Sources: cli.EnvVars("CONDUCTOR_CONDITION_ENGINE")},
		},
		Action: runValidate,
	}
}

func runValidate(ctx context.Context, cmd *cli.Command) error {
	paths := cmd.Args().Slice()
	if len(paths) == 0 {
		return fmt.Errorf("validate: at least one workflow file is required")
	}
	codec, err := workflowio.NewCodec()
	if err != nil {
		return err
	}
	// A scratch engine with no store: imports check node and connection
	// rules, ValidateWorkflow checks the graph and expressions.
	eng, err := engine.New(nil, queue.New(nil, nil, nil, queue.Config{}, nil), nil,
		engine.Config{ConditionEngine: cmd.String("condition-engine")}, nil)
	if err != nil {
		return err
	}

	out := cmd.Root().Writer
	invalid := 0
	for _, path := range paths {
		wf, err := codec.ReadFile(path)
		if err == nil {
			wf.ID = "" // documents may share ids; each file is checked on its own
			wf, err = eng.ImportWorkflow(ctx, wf)
		}
		if err != nil {
			invalid++
			fmt.Fprintf(out, "FAIL %s\n  %v\n", path, err)
			continue
		}

		result := eng.ValidateWorkflow(wf)
		if !result.Valid() {
			invalid++
			fmt.Fprintf(out, "FAIL %s\n", path)
		} else {
			fmt.Fprintf(out, "ok   %s\n", path)
		}
		printIssues(cmd, result.Errors)
		printIssues(cmd, result.Warnings)
	}
	if invalid > 0 {
		return fmt.Errorf("%w: %d of %d", errInvalidWorkflows, invalid, len(paths))
	}
	return nil
}

func printIssues(cmd *cli.Command, issues []schema.ValidationIssue) {
	for _, is := range issues {
		fmt.Fprintf(cmd.Root().Writer, "  %s %s: %s\n", is.Severity, is.Path, is.Message)
	}
}
