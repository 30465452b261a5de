package config

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, `server:
  addr: ":8080"
`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 4)
	go func() { _ = Watch(ctx, path, func(c *Config) { reloaded <- c }) }()

	time.Sleep(50 * time.Millisecond) // let the watcher register the directory
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":9999\"\n"), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, ":9999", cfg.Server.Addr)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}
