package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayatsuji/collabpress/pkg/collabpress/config"
)

func discardTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewLogger(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		logger, err := newLogger(level)
		require.NoError(t, err, level)
		assert.NotNil(t, logger)
	}

	_, err := newLogger("chatty")
	assert.Error(t, err)
}

func TestOpenDocStore(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		docs, err := openDocStore(config.Settings{StoreBackend: config.BackendMemory})
		require.NoError(t, err)
		require.NoError(t, docs.Close())
	})

	t.Run("sqlite", func(t *testing.T) {
		docs, err := openDocStore(config.Settings{
			StoreBackend: config.BackendSQLite,
			SQLitePath:   filepath.Join(t.TempDir(), "events.db"),
		})
		require.NoError(t, err)
		require.NoError(t, docs.Close())
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := openDocStore(config.Settings{StoreBackend: "etcd"})
		assert.Error(t, err)
	})
}

func TestOpenTokenSource(t *testing.T) {
	ctx := context.Background()

	t.Run("literal token", func(t *testing.T) {
		src, err := openTokenSource(config.VCSSettings{Token: "literal"})
		require.NoError(t, err)

		token, err := src.Token(ctx)
		require.NoError(t, err)
		assert.Equal(t, "literal", token)
	})

	t.Run("token file wins and rotation is picked up", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "token")
		require.NoError(t, os.WriteFile(path, []byte("first-token\n"), 0o600))

		src, err := openTokenSource(config.VCSSettings{
			Token:     "ignored",
			TokenFile: path,
			TokenTTL:  time.Hour,
		})
		require.NoError(t, err)

		token, err := src.Token(ctx)
		require.NoError(t, err)
		assert.Equal(t, "first-token", token, "file contents trimmed of whitespace")

		require.NoError(t, os.WriteFile(path, []byte("second-token"), 0o600))
		src.ForceRefresh()

		token, err = src.Token(ctx)
		require.NoError(t, err)
		assert.Equal(t, "second-token", token)
	})

	t.Run("missing token file fails at fetch time", func(t *testing.T) {
		src, err := openTokenSource(config.VCSSettings{
			TokenFile: filepath.Join(t.TempDir(), "absent"),
		})
		require.NoError(t, err)

		_, err = src.Token(ctx)
		assert.Error(t, err)
	})
}

func TestBuildServiceRequiresValidVCSConfig(t *testing.T) {
	_, err := buildService(config.Settings{
		StoreBackend:  config.BackendMemory,
		TriggerSecret: "s",
	}, discardTestLogger())
	assert.Error(t, err, "missing owner and repo must fail")
}
