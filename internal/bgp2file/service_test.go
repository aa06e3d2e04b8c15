package bgp2file

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limhud/bgp2file/internal/config"
	"github.com/limhud/bgp2file/internal/service"
)

func TestServiceLifecycle(t *testing.T) {
	captureDir := filepath.Join(t.TempDir(), "capture")
	configPath := filepath.Join(t.TempDir(), "bgp2file.yml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
message:
  write_dir: `+captureDir+`
bgp:
  remote_as: 65001
  remote_addr: 192.0.2.1
  local_as: 64512
`), 0644))
	config.SetConfigFile(configPath)
	require.NoError(t, config.ReadInConfig())

	s, err := NewService()
	require.NoError(t, err)
	require.NoError(t, s.Start())

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && s.GetState() != service.StateRunning {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, service.StateRunning, s.GetState())

	// the sink created its capture directory on startup
	info, err := os.Stat(captureDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	require.NoError(t, s.Shutdown(0, 15*time.Second))
	assert.Equal(t, service.StateStopped, s.GetState())
}
