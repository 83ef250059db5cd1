package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/dukex/entropy/pkg/cmd"
	"github.com/dukex/entropy/pkg/config"
	"github.com/dukex/entropy/pkg/log"
	"github.com/dukex/entropy/pkg/project"
	"github.com/dukex/entropy/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	cli "github.com/urfave/cli/v3"
)

// exitError reports err on one line with exit code -1.
func exitError(err error) error {
	return cli.Exit(err.Error(), -1)
}

func projectDir(command *cli.Command) string {
	if dir := command.Args().Get(0); dir != "" {
		return dir
	}

	return "."
}

func runInit(ctx context.Context, command *cli.Command) error {
	err := project.Init(ctx, log.WithModule("init"), projectDir(command))
	if err != nil {
		return exitError(err)
	}

	return nil
}

func runUpgrade(ctx context.Context, command *cli.Command) error {
	err := project.Upgrade(ctx, log.WithModule("upgrade"), projectDir(command))
	if err != nil {
		return exitError(err)
	}

	return nil
}

type serveOptions struct {
	dir         string
	host        string
	port        int
	debug       bool
	pluginsPath string
}

func parseServeOptions(command *cli.Command, settings config.Settings) (serveOptions, error) {
	opts := serveOptions{
		dir:         projectDir(command),
		host:        settings.Dashboard.Host,
		port:        settings.Dashboard.Port,
		debug:       settings.Dashboard.Debug || command.Bool("debug"),
		pluginsPath: command.String("plugins-path"),
	}

	if host := command.Args().Get(1); host != "" {
		opts.host = host
	}

	if raw := command.Args().Get(2); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return serveOptions{}, errors.New("invalid port: " + raw)
		}

		opts.port = port
	}

	return opts, nil
}

type server struct {
	app  *fiber.App
	env  *cmd.Environment
	addr string
}

func newServer(ctx context.Context, logger *slog.Logger, settings config.Settings, opts serveOptions) (*server, error) {
	env, err := cmd.OpenEnvironmentWithSettings(ctx, logger, opts.dir, settings,
		cmd.EnvironmentOptions{PluginsPath: opts.pluginsPath})
	if err != nil {
		return nil, err
	}

	err = web.InvalidateFiguresOnSave(ctx, logger, env.Bus, env.Results)
	if err != nil {
		_ = env.Close(ctx)

		return nil, err
	}

	handlers := web.NewAPIHandlers(env.Results, env.Params, env.Lab,
		validator.New(validator.WithRequiredStructEnabled()))

	return &server{
		app:  web.App(handlers, opts.debug),
		env:  env,
		addr: net.JoinHostPort(opts.host, strconv.Itoa(opts.port)),
	}, nil
}

func runServe(ctx context.Context, command *cli.Command) error {
	dir := projectDir(command)

	err := project.CheckProject(dir)
	if err != nil {
		return exitError(err)
	}

	settings, err := config.Load(dir)
	if err != nil {
		return exitError(err)
	}

	opts, err := parseServeOptions(command, settings)
	if err != nil {
		return exitError(err)
	}

	dashboardLog, err := os.OpenFile(project.PathsFor(dir).Dashboard, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return exitError(err)
	}

	defer func() { _ = dashboardLog.Close() }()

	log.SetupWithWriter(command.String("log-level"), io.MultiWriter(os.Stderr, dashboardLog))

	logger := log.WithModule("serve")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := newServer(ctx, logger, settings, opts)
	if err != nil {
		return exitError(err)
	}

	defer func() {
		err := srv.env.Close(context.WithoutCancel(ctx))
		if err != nil {
			logger.ErrorContext(ctx, "Failed to close project", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()

		err := srv.app.Shutdown()
		if err != nil {
			logger.ErrorContext(ctx, "Failed to stop server", "error", err)
		}
	}()

	logger.InfoContext(ctx, "Serving dashboard API", "addr", srv.addr, "dir", dir)

	err = srv.app.Listen(srv.addr, fiber.ListenConfig{DisableStartupMessage: !opts.debug})
	if err != nil {
		return exitError(err)
	}

	return nil
}
