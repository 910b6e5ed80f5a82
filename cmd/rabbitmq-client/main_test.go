package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigLayering(t *testing.T) {
	t.Run("Environment is used when flags are untouched", func(t *testing.T) {
		t.Setenv("RABBITMQ_HOST", "env-host")
		t.Setenv("RABBITMQ_PORT", "5673")

		opts := &options{}
		root := newRootCmd(opts)
		require.NoError(t, root.ParseFlags(nil))

		cfg, err := opts.config(root)
		require.NoError(t, err)
		assert.Equal(t, "env-host", cfg.Host)
		assert.Equal(t, 5673, cfg.Port)
	})

	t.Run("Explicit flags override the environment", func(t *testing.T) {
		t.Setenv("RABBITMQ_HOST", "env-host")

		opts := &options{}
		root := newRootCmd(opts)
		require.NoError(t, root.ParseFlags([]string{"--host", "flag-host", "--reconnect-delay", "250ms", "--auto-reconnect"}))

		cfg, err := opts.config(root)
		require.NoError(t, err)
		assert.Equal(t, "flag-host", cfg.Host)
		assert.Equal(t, 250*time.Millisecond, cfg.ReconnectDelay)
		assert.True(t, cfg.AutoReconnect)
		assert.Equal(t, "rabbitmq-client", cfg.ConnectionName)
		assert.NotNil(t, cfg.Logger)
	})

	t.Run("Env file is loaded before the environment is read", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ".env")
		require.NoError(t, os.WriteFile(path, []byte("RABBITMQ_VHOST=orders\n"), 0o600))
		t.Setenv("RABBITMQ_VHOST", "")
		os.Unsetenv("RABBITMQ_VHOST")

		opts := &options{}
		root := newRootCmd(opts)
		require.NoError(t, root.ParseFlags([]string{"--env-file", path}))

		cfg, err := opts.config(root)
		require.NoError(t, err)
		assert.Equal(t, "orders", cfg.VirtualHost)
	})

	t.Run("Missing env file is an error", func(t *testing.T) {
		opts := &options{}
		root := newRootCmd(opts)
		require.NoError(t, root.ParseFlags([]string{"--env-file", filepath.Join(t.TempDir(), "missing.env")}))

		_, err := opts.config(root)
		assert.Error(t, err)
	})
}

func TestNewLogger(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := newLogger("json", false, &buf)
		require.NoError(t, err)

		logger.Info("hello", "queue", "jobs")
		assert.Contains(t, buf.String(), `"queue":"jobs"`)
	})

	t.Run("verbose enables debug", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := newLogger("text", true, &buf)
		require.NoError(t, err)

		logger.Debug("dialing")
		assert.Contains(t, buf.String(), "dialing")
	})

	t.Run("unknown format", func(t *testing.T) {
		_, err := newLogger("xml", false, &bytes.Buffer{})
		assert.Error(t, err)
	})
}

func TestCommands(t *testing.T) {
	root := newRootCmd(&options{})
	names := make([]string, 0)
	for _, cmd := range root.Commands() {
		names = append(names, cmd.Name())
	}
	assert.ElementsMatch(t, []string{"declare-exchange", "declare-queue", "publish", "consume"}, names)

	root.SetArgs([]string{"publish", "only-exchange"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	assert.Error(t, root.Execute(), "publish needs at least an exchange and a routing key")
}
