package cli_test

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/jrsteele09/go-ksef-monitor/internal/cli"
	"github.com/jrsteele09/go-ksef-monitor/internal/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testFixture struct {
	dir  string
	out  *bytes.Buffer
	logs *bytes.Buffer
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()
	t.Setenv("KSEF_NIP", "1234567890")
	t.Setenv("KSEF_TOKEN", "very-secret-token")
	return &testFixture{dir: t.TempDir(), out: &bytes.Buffer{}, logs: &bytes.Buffer{}}
}

func (f *testFixture) execute(t *testing.T, args ...string) error {
	t.Helper()
	cmd := cli.NewRootCommand()
	cmd.SetOut(f.out)
	cmd.SetErr(f.logs)
	cmd.SetArgs(append(args,
		"--env-file", filepath.Join(f.dir, "missing.env"),
		"--secrets-dir", f.dir,
		"--no-banner",
	))
	return cmd.ExecuteContext(context.Background())
}

func (f *testFixture) config(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("", config.WithEnvFile(""), config.WithSecretsDir(f.dir))
	require.NoError(t, err)
	return cfg
}

func TestCommandPresence(t *testing.T) {
	cmd := cli.NewRootCommand()
	assert.Equal(t, "ksefmon", cmd.Use)

	for _, name := range []string{"run", "once", "revoke", "sessions", "config"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)

	sessions, _, err := cmd.Find([]string{"sessions"})
	require.NoError(t, err)
	require.NotNil(t, sessions.Flags().Lookup("json"))
}

func TestConfigCommandRedactsSecrets(t *testing.T) {
	f := setupTestFixture(t)

	require.NoError(t, f.execute(t, "config"))
	out := f.out.String()
	assert.NotContains(t, out, "very-secret-token")
	assert.Contains(t, out, "nip: \"1234567890\"")
	assert.Contains(t, out, "backend: file")
}

func TestConfigErrorsExitWithCommandError(t *testing.T) {
	f := setupTestFixture(t)
	t.Setenv("KSEF_NIP", "not-a-nip")

	err := f.execute(t, "config")
	require.Error(t, err)
	assert.Equal(t, cli.ExitCommandError, cli.GetExitCode(err))
	assert.ErrorContains(t, err, "ksef.nip must be 10 digits")
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, cli.ExitSuccess, cli.GetExitCode(nil))
	assert.Equal(t, cli.ExitFailure, cli.GetExitCode(fmt.Errorf("boom")))

	wrapped := fmt.Errorf("outer: %w", cli.WrapExitError(cli.ExitCommandError, "bad config", fmt.Errorf("inner")))
	assert.Equal(t, cli.ExitCommandError, cli.GetExitCode(wrapped))
	assert.Equal(t, "outer: bad config: inner", wrapped.Error())
}

func TestNewAppWiresConfiguredComponents(t *testing.T) {
	f := setupTestFixture(t)
	t.Setenv("STORAGE_BACKEND", "memory")
	t.Setenv("STORAGE_SAVE_XML", "true")
	t.Setenv("STORAGE_OUTPUT_DIR", f.dir)
	t.Setenv("PROMETHEUS_ENABLED", "true")
	cfg := f.config(t)

	app, err := cli.NewApp(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer app.Close(context.Background())

	assert.Equal(t, "https://api-test.ksef.mf.gov.pl", app.Client.BaseURL())
	assert.Equal(t, []string{"log"}, app.Notifier.Sinks())
	assert.NotNil(t, app.Archiver)
	assert.NotNil(t, app.Metrics)
	assert.Nil(t, app.Tokens.Session(), "no authentication happens at startup")

	runner, err := app.Runner(app.Engine())
	require.NoError(t, err)
	require.NotNil(t, runner)
}

func TestNewAppWithoutOptionalComponents(t *testing.T) {
	f := setupTestFixture(t)
	t.Setenv("STORAGE_STATE_FILE", filepath.Join(f.dir, "state.json"))
	cfg := f.config(t)

	app, err := cli.NewApp(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer app.Close(context.Background())

	assert.Nil(t, app.Archiver)
	assert.Nil(t, app.Metrics)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	warsaw, err := time.LoadLocation("Europe/Warsaw")
	require.NoError(t, err)

	logger := cli.NewLogger(config.LogConfig{Level: "warn", Format: "json"}, warsaw, &buf)
	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"message":"shown"`)
	assert.Contains(t, out, `"service":"ksef-monitor"`)

	buf.Reset()
	logger = cli.NewLogger(config.LogConfig{Level: "bogus", Format: "console"}, nil, &buf)
	logger.Info().Msg("console line")
	assert.Contains(t, buf.String(), "console line")
	assert.NotContains(t, buf.String(), `"message"`)
}
