package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"certchain/internal/config"
	"certchain/internal/core"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return strings.TrimSpace(out.String()), err
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	cmd := newRootCommand()
	names := map[string]bool{}
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "idmap", "version"} {
		assert.True(t, names[want], "missing %s", want)
	}
	assert.NotNil(t, cmd.PersistentFlags().Lookup("config"))

	serve, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)
	assert.NotNil(t, serve.Flags().Lookup("addr"))
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, version, out)
}

func TestIDMapRoundTrip(t *testing.T) {
	id, _, err := core.NewEmbeddedIDMapper(nil).Allocate()
	require.NoError(t, err)

	ledgerID, err := run(t, "idmap", "to-ledger", id)
	require.NoError(t, err)
	require.NotEmpty(t, ledgerID)

	storeID, err := run(t, "idmap", "to-store", ledgerID)
	require.NoError(t, err)
	assert.Equal(t, id, storeID)
}

func TestIDMapRejectsBadInput(t *testing.T) {
	_, err := run(t, "idmap", "to-ledger", "not-a-uuid")
	require.Error(t, err)

	_, err = run(t, "idmap", "to-store", "-1")
	require.Error(t, err)

	_, err = run(t, "idmap", "to-store")
	require.Error(t, err)
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "certd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  driver: mongo\n"), 0o600))
	_, err := run(t, "--config", path, "serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.driver")
}

func TestServeShutsDownOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.JWTSecret = "test"
	cfg.Storage.Driver = config.StorageMemory
	cfg.Blob.Driver = config.BlobMemory
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Metrics.Exporter = "prometheus"
	cfg.Tracing.Exporter = "otel"

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, serve(ctx, cfg))
}

func TestOpenDriversRejectUnknown(t *testing.T) {
	var cleanup closers
	_, err := openLedger(context.Background(), config.LedgerConfig{Driver: "fabric"}, &cleanup)
	require.Error(t, err)
	_, err = openLocker(context.Background(), config.LockConfig{Driver: "zookeeper"}, &cleanup)
	require.Error(t, err)
	_, _, err = openMetrics(config.MetricsConfig{Exporter: "statsd"})
	require.Error(t, err)
	assert.Nil(t, openTracer(config.TracingConfig{Exporter: "none"}, &cleanup))
	assert.Empty(t, cleanup)
}
