package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duplex-rpc/config"
	"duplex-rpc/endpoint"
	"duplex-rpc/server"
)

func TestLoadAppliesOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "duplexd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9000\nlog:\n  level: warn\n"), 0o600))

	cfg, err := (&rootFlags{configPath: path, logFormat: "json"}).load()
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	_, err = (&rootFlags{configPath: filepath.Join(t.TempDir(), "missing.yaml")}).load()
	assert.Error(t, err)
}

func TestSplitAddr(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, splitAddr("10.0.0.7:9443", cfg))
	assert.Equal(t, "10.0.0.7", cfg.EndpointPath)
	assert.Equal(t, 9443, cfg.Port)

	assert.Error(t, splitAddr("no-port", cfg))
	assert.Error(t, splitAddr("host:http", cfg))
}

func TestCallCommand(t *testing.T) {
	cfg := config.Default()
	cfg.Port = 0
	cfg.EndpointPath = "127.0.0.1"
	srv, err := server.New(cfg)
	require.NoError(t, err)
	srv.Handle("echo", func(_ context.Context, in *endpoint.Inbound) {
		in.Reply(in.Params)
	})
	require.NoError(t, srv.Listen())
	go srv.Serve()
	defer srv.Shutdown(time.Second)

	var out bytes.Buffer
	cmd := callCmd(&rootFlags{})
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"echo", `{"x":1}`, "--addr", srv.Addr().String(), "--timeout", "2s"})
	require.NoError(t, cmd.Execute())
	assert.JSONEq(t, `{"x":1}`, out.String())

	cmd = callCmd(&rootFlags{})
	cmd.SetArgs([]string{"echo", `{broken`, "--addr", srv.Addr().String()})
	assert.Error(t, cmd.Execute())
}
