package svc

import (
	"context"
	"errors"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceConfigArguments(t *testing.T) {
	cfg := ServiceConfig(&Config{ConfigPath: "/srv/replimesh.yaml"})
	assert.Equal(t, DefaultName, cfg.Name)
	assert.Equal(t, []string{RunFlag, "service", "run", "--config", "/srv/replimesh.yaml"}, cfg.Arguments)

	cfg = ServiceConfig(&Config{Name: "wiki-sync"})
	assert.Equal(t, "wiki-sync", cfg.Name)
	assert.Equal(t, DefaultConfigPath(), cfg.Arguments[len(cfg.Arguments)-1])
}

func TestIsServiceMode(t *testing.T) {
	assert.True(t, IsServiceMode([]string{"replimesh", RunFlag, "service", "run"}))
	assert.False(t, IsServiceMode([]string{"replimesh", "serve"}))
}

func TestProgramStartStop(t *testing.T) {
	started := make(chan string, 1)
	prg := &Program{
		ConfigPath: "/etc/replimesh/replimesh.yaml",
		Run: func(ctx context.Context, configPath string) error {
			started <- configPath
			<-ctx.Done()
			return ctx.Err()
		},
	}

	require.NoError(t, prg.Start(nil))
	assert.Equal(t, "/etc/replimesh/replimesh.yaml", <-started)
	assert.NoError(t, prg.Stop(nil))
}

func TestProgramStopReportsFailure(t *testing.T) {
	prg := &Program{Run: func(context.Context, string) error { return errors.New("bind failed") }}
	require.NoError(t, prg.Start(nil))
	assert.EqualError(t, prg.Stop(nil), "bind failed")

	assert.Error(t, (&Program{}).Start(nil))
	assert.NoError(t, (&Program{}).Stop(nil))
}

func TestLogCommand(t *testing.T) {
	cmd, err := LogCommand(LogOptions{Follow: true})
	switch runtime.GOOS {
	case "linux":
		require.NoError(t, err)
		assert.Equal(t, []string{"journalctl", "-u", DefaultName, "-n", "50", "--no-pager", "-f"}, cmd.Args)
	case "darwin":
		require.NoError(t, err)
		assert.Contains(t, cmd.Args, "-f")
	default:
		assert.Error(t, err)
	}
}
