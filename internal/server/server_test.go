package server_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaygo/usbipd/internal/config"
	"github.com/relaygo/usbipd/internal/server"
	"github.com/relaygo/usbipd/internal/usbiptest"
)

func TestServerRunAndStatus(t *testing.T) {
	dir := t.TempDir()

	srv, err := server.New(config.ServerConfig{
		Addr:            "127.0.0.1:0",
		Backend:         "simulated",
		ShutdownTimeout: 2 * time.Second,
		BindingsPath:    filepath.Join(dir, "bindings.json"),
		LogLevel:        "error",
	})
	require.NoError(t, err)

	require.False(t, srv.Status().Running, "status before Run must report not running")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	select {
	case <-srv.Dispatcher.Ready():
	case err := <-errCh:
		t.Fatalf("server exited before ready: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server to become ready")
	}

	status := srv.Status()
	require.True(t, status.Running)
	require.NotEmpty(t, status.Addr)
	require.Equal(t, 0, status.Connections)

	require.NoError(t, srv.Bindings.Bind("1-1"))

	client := usbiptest.New(status.Addr)
	devs, err := client.ListDevices()
	require.NoError(t, err)
	require.Len(t, devs, 1)

	cancel()
	require.NoError(t, <-errCh)
}
