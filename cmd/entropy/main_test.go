package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/dukex/entropy/pkg/config"
	"github.com/dukex/entropy/pkg/project"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cli "github.com/urfave/cli/v3"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type exitCapture struct {
	code    int
	message string
}

func run(t *testing.T, args ...string) (string, *exitCapture, error) {
	t.Helper()

	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	var out bytes.Buffer

	capture := &exitCapture{}

	command := newCommand()
	command.Writer = &out
	command.ErrWriter = &out
	command.ExitErrHandler = func(_ context.Context, _ *cli.Command, err error) {
		var exitCoder cli.ExitCoder
		if errors.As(err, &exitCoder) {
			capture.code = exitCoder.ExitCode()
			capture.message = exitCoder.Error()
		}
	}

	err := command.Run(t.Context(), append([]string{"entropy", "--log-level", "error"}, args...))

	return out.String(), capture, err
}

func TestVersion(t *testing.T) {
	out, _, err := run(t, "-v")
	require.NoError(t, err)
	assert.Equal(t, "entropy dev\n", out)
}

func TestInitAndUpgrade(t *testing.T) {
	dir := t.TempDir()

	_, capture, err := run(t, "init", dir)
	require.NoError(t, err)
	assert.Zero(t, capture.code)

	paths := project.PathsFor(dir)
	assert.FileExists(t, paths.Catalog)
	assert.FileExists(t, paths.Params)

	_, capture, err = run(t, "init", dir)
	require.NoError(t, err)
	assert.Zero(t, capture.code)

	_, capture, err = run(t, "upgrade", dir)
	require.NoError(t, err)
	assert.Zero(t, capture.code)
}

func TestUpgradeWithoutProjectExits(t *testing.T) {
	_, capture, err := run(t, "upgrade", filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.Equal(t, -1, capture.code)
	assert.Contains(t, capture.message, "entropy init")
}

func TestServeWithoutProjectExits(t *testing.T) {
	_, capture, err := run(t, "serve", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, -1, capture.code)
}

func parseServe(t *testing.T, args ...string) (serveOptions, error) {
	t.Helper()

	var opts serveOptions

	command := newCommand()
	command.Commands[2].Action = func(_ context.Context, command *cli.Command) error {
		var err error

		opts, err = parseServeOptions(command, config.Default())

		return err
	}

	err := command.Run(t.Context(), append([]string{"entropy", "serve"}, args...))

	return opts, err
}

func TestParseServeOptions(t *testing.T) {
	opts, err := parseServe(t, "--debug", "lab", "0.0.0.0", "9000")
	require.NoError(t, err)
	assert.Equal(t, serveOptions{dir: "lab", host: "0.0.0.0", port: 9000, debug: true, pluginsPath: "./plugins"}, opts)

	opts, err = parseServe(t)
	require.NoError(t, err)
	assert.Equal(t, ".", opts.dir)
	assert.Equal(t, "127.0.0.1", opts.host)
	assert.Equal(t, 8050, opts.port)
	assert.False(t, opts.debug)

	_, err = parseServe(t, "lab", "host", "http")
	assert.ErrorContains(t, err, "invalid port")
}

func TestNewServer(t *testing.T) {
	ctx := t.Context()
	dir := t.TempDir()
	require.NoError(t, project.Init(ctx, testLogger(), dir))

	settings := config.Default()
	settings.Events.Provider = "none"

	srv, err := newServer(ctx, testLogger(), settings, serveOptions{dir: dir, host: "127.0.0.1", port: 8050})
	require.NoError(t, err)

	t.Cleanup(func() { _ = srv.env.Close(context.Background()) })

	assert.Equal(t, "127.0.0.1:8050", srv.addr)

	resp, err := srv.app.Test(httptest.NewRequest(http.MethodGet, "/api/experiments", nil))
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
