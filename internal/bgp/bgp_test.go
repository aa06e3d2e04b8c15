package bgp

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limhud/bgp2file/internal/capture"
	"github.com/limhud/bgp2file/internal/config"
	"github.com/limhud/bgp2file/internal/service"
)

type recorderStub struct {
	mu      sync.Mutex
	records []capture.Record
}

func (r *recorderStub) Submit(rec capture.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func loadConfig(t *testing.T, content string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bgp2file.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	config.SetConfigFile(path)
	require.NoError(t, config.ReadInConfig())
}

func TestServiceLifecycle(t *testing.T) {
	loadConfig(t, `
bgp:
  remote_as: 65001
  remote_addr: 192.0.2.1
  local_as: 64512
`)
	s, err := NewService(&recorderStub{}, clockwork.NewFakeClock())
	require.NoError(t, err)
	require.NoError(t, s.Start())

	waitFor(t, "running state", func() bool { return s.GetState() == service.StateRunning })
	require.NoError(t, s.Shutdown(0, 10*time.Second))
	assert.Equal(t, service.StateStopped, s.GetState())
}

func TestServiceStaggersWithoutBlockingShutdown(t *testing.T) {
	dir := t.TempDir()
	peersPath := filepath.Join(dir, "peers.yml")
	require.NoError(t, os.WriteFile(peersPath, []byte(`
- remote_as: 65001
  remote_addr: 192.0.2.1
- remote_as: 65002
  remote_addr: 192.0.2.2
`), 0644))
	loadConfig(t, `
bgp:
  config_file: `+peersPath+`
  local_as: 64512
  peer_start_interval: 30
`)

	// with a fake clock the second session start is still pending; shutdown
	// must not wait for the stagger interval
	s, err := NewService(&recorderStub{}, clockwork.NewFakeClock())
	require.NoError(t, err)
	require.NoError(t, s.Start())
	waitFor(t, "running state", func() bool { return s.GetState() == service.StateRunning })
	require.NoError(t, s.Shutdown(0, 10*time.Second))
}

func TestServiceInvalidArguments(t *testing.T) {
	_, err := NewService(nil, clockwork.NewRealClock())
	assert.Error(t, err)
	_, err = NewService(&recorderStub{}, nil)
	assert.Error(t, err)
}

func TestServiceFailsWithoutPeers(t *testing.T) {
	loadConfig(t, `
bgp:
  remote_as: 65001
  remote_addr: 192.0.2.1
  local_as: 64512
`)
	// make the peer set unresolvable after the main config was validated
	path := filepath.Join(t.TempDir(), "absent.yml")
	config.Configuration.Bgp.ConfigFile = path
	config.Configuration.Bgp.RemoteAddr = ""

	s, err := NewService(&recorderStub{}, clockwork.NewFakeClock())
	require.NoError(t, err)
	assert.Error(t, s.Start())
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
