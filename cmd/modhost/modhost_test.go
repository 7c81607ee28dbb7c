package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowmerak/modmux/lib/config"
)

func TestModulesCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modhost.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
modules:
  - name: ghost
    path: /nonexistent/ghost.so
log:
  level: error
`), 0o600))

	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"modules", "--config", path})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "role: main")
	assert.Contains(t, out.String(), "NAME")
	assert.Contains(t, out.String(), "ghost")
	assert.Contains(t, out.String(), "unloadable")
}

func TestModulesCommand_ConfiguredRole(t *testing.T) {
	t.Setenv("MODMUX_ROLE", "slave")
	t.Setenv("MODMUX_LOG_LEVEL", "error")

	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"modules"})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "role: slave")
}

func TestRootCommand_BadLogLevel(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"modules", "--log-level", "chatty"})
	assert.Error(t, cmd.Execute())
}

func TestCreateCommand_BadIDs(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"create", "adder", "0x1"})
	assert.ErrorContains(t, cmd.Execute(), "invalid class id")
}

func TestWorkerCommandDefaults(t *testing.T) {
	a := &app{cfg: config.DefaultConfig(), cfgFile: "modhost.yaml"}
	path, args, err := a.workerCommand()
	require.NoError(t, err)
	assert.NotEmpty(t, path)
	assert.Equal(t, []string{"worker", "--config", "modhost.yaml"}, args)

	a.cfg.Transport.WorkerPath = "/opt/worker"
	a.cfg.Transport.WorkerArgs = []string{"serve"}
	path, args, err = a.workerCommand()
	require.NoError(t, err)
	assert.Equal(t, "/opt/worker", path)
	assert.Equal(t, []string{"serve"}, args)
}
