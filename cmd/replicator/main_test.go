package main

import (
	"bytes"
	"os"
	"testing"

	"github.com/devrev/pairdb/replicator/internal/model"
	"github.com/devrev/pairdb/replicator/internal/topology"
	"go.uber.org/zap"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestCommandsRegistered(t *testing.T) {
	for _, name := range []string{"serve", "conflicts", "tombstones", "rejections", "topology", "solver"} {
		cmd, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}
}

func TestRouterFlagsRequired(t *testing.T) {
	rootCmd.SetArgs([]string{"conflicts", "--db", "orders", "--cache-dir", ""})
	assert.ErrorContains(t, rootCmd.Execute(), "--url")

	rootCmd.SetArgs([]string{"tombstones", "--url", "http://127.0.0.1:1", "--cache-dir", ""})
	assert.ErrorContains(t, rootCmd.Execute(), "--db")
}

func TestInitLogger(t *testing.T) {
	assert.True(t, initLogger("debug", "console").Core().Enabled(zapcore.DebugLevel))
	assert.False(t, initLogger("warn", "json").Core().Enabled(zapcore.InfoLevel))
	assert.True(t, initLogger("bogus", "json").Core().Enabled(zapcore.InfoLevel))
}

func TestTopologyClear(t *testing.T) {
	dir := t.TempDir()
	local := topology.NewLocalCache(dir, zap.NewNop())
	saved, err := local.TrySave("orders", &model.Topology{
		Nodes: []model.ServerNode{{URL: "http://node-a:8080", Database: "orders"}},
		Etag:  3,
	})
	require.NoError(t, err)
	require.True(t, saved)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	t.Cleanup(func() { rootCmd.SetOut(nil) })

	rootCmd.SetArgs([]string{"topology", "--clear", "--db", "orders", "--cache-dir", dir})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), local.Path("orders"))

	_, err = os.Stat(local.Path("orders"))
	assert.True(t, os.IsNotExist(err))
	_, err = local.Load("orders")
	assert.True(t, topology.IsCacheMiss(err))

	rootCmd.SetArgs([]string{"topology", "--clear", "--db", "orders", "--cache-dir", ""})
	assert.ErrorContains(t, rootCmd.Execute(), "--cache-dir")
}
