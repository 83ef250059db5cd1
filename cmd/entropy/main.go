// Package main is the entropy command: project setup and the dashboard server.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dukex/entropy/pkg/log"
	cli "github.com/urfave/cli/v3"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func newCommand() *cli.Command {
	cli.VersionPrinter = func(command *cli.Command) {
		_, _ = fmt.Fprintf(command.Root().Writer, "entropy %s\n", command.Root().Version)
	}

	return &cli.Command{
		Name:                  "entropy",
		Usage:                 "Manage entropy projects and serve their results",
		Version:               version,
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("ENTROPY_LOG_LEVEL"),
			},
		},
		Before: func(ctx context.Context, command *cli.Command) (context.Context, error) {
			log.Setup(command.String("log-level"))

			return ctx, nil
		},
		Commands: []*cli.Command{
			{
				Name:      "init",
				Usage:     "Create an entropy project, or check an existing one is current",
				ArgsUsage: "[dir]",
				Action:    runInit,
			},
			{
				Name:      "upgrade",
				Usage:     "Upgrade the catalog, results and param store of a project",
				ArgsUsage: "[dir]",
				Action:    runUpgrade,
			},
			{
				Name:      "serve",
				Usage:     "Serve the dashboard data API of a project",
				ArgsUsage: "[dir] [host] [port]",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "debug",
						Usage: "Log every request",
					},
					&cli.StringFlag{
						Name:    "plugins-path",
						Usage:   "Path to the directory containing driver plugins",
						Value:   "./plugins",
						Sources: cli.EnvVars("ENTROPY_PLUGINS_PATH"),
					},
				},
				Action: runServe,
			},
		},
	}
}

func main() {
	err := newCommand().Run(context.Background(), os.Args)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(-1)
	}
}
