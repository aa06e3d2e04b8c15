package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limhud/bgp2file/internal/message"
)

// loadConfig writes content to a temporary file and loads it as the global
// configuration.
func loadConfig(t *testing.T, content string) error {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bgp2file.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	SetConfigFile(path)
	return ReadInConfig()
}

const minimalConfig = `
bgp:
  remote_as: 65001
  remote_addr: 192.0.2.1
  local_as: 64512
`

func TestReadInConfigDefaults(t *testing.T) {
	require.NoError(t, loadConfig(t, minimalConfig))

	msg := GetMessage()
	assert.True(t, msg.DiskEnabled())
	assert.Equal(t, "/home/bgpmon/data/bgp/", msg.WriteDir)
	assert.Equal(t, 500, msg.WriteMsgMaxSize)
	assert.False(t, msg.WriteKeepalive)
	assert.False(t, msg.WritePerPeer)

	bgp := GetBgp()
	assert.Equal(t, 10, bgp.PeerStartInterval)
	assert.Equal(t, []string{"ipv4"}, bgp.AfiSafi)
	assert.Equal(t, uint16(180), bgp.HoldTime)
	assert.False(t, GetDebug())
}

func TestReadInConfigExplicitValues(t *testing.T) {
	err := loadConfig(t, `
debug: true
message:
  write_disk: false
  write_dir: /tmp/capture/
  write_msg_max_size: 10
  write_keepalive: true
  write_per_peer: true
bgp:
  remote_as: 65001
  remote_addr: 192.0.2.1
  local_as: 64512
  local_addr: 192.0.2.2
  md5: s3cr3t
  afi_safi: [ipv4, ipv6]
  hold_time: 90
  peer_start_interval: 2
`)
	require.NoError(t, err)

	msg := GetMessage()
	assert.False(t, msg.DiskEnabled())
	assert.Equal(t, "/tmp/capture/", msg.WriteDir)
	assert.Equal(t, 10, msg.WriteMsgMaxSize)
	assert.True(t, msg.WriteKeepalive)
	assert.True(t, msg.WritePerPeer)

	bgp := GetBgp()
	assert.Equal(t, uint32(65001), bgp.RemoteAS)
	assert.Equal(t, "s3cr3t", bgp.Md5)
	assert.Equal(t, uint16(90), bgp.HoldTime)
	assert.Equal(t, 2, bgp.PeerStartInterval)
	assert.True(t, GetDebug())
}

func TestReadInConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name:    "no peer at all",
			content: "debug: false\n",
		},
		{
			name: "config_file and inline peer are exclusive",
			content: `
bgp:
  config_file: /etc/bgp2file/peers.yml
  remote_as: 65001
  remote_addr: 192.0.2.1
  local_as: 64512
`,
		},
		{
			name: "unknown address family",
			content: `
bgp:
  remote_as: 65001
  remote_addr: 192.0.2.1
  local_as: 64512
  afi_safi: [ipv5]
`,
		},
		{
			name: "invalid remote address",
			content: `
bgp:
  remote_as: 65001
  remote_addr: not-an-address
  local_as: 64512
`,
		},
		{
			name: "missing local as",
			content: `
bgp:
  remote_as: 65001
  remote_addr: 192.0.2.1
`,
		},
		{
			name: "hold time below minimum",
			content: `
bgp:
  remote_as: 65001
  remote_addr: 192.0.2.1
  local_as: 64512
  hold_time: 2
`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, loadConfig(t, tt.content))
		})
	}
}

func TestMessageConfigCopyAndEqual(t *testing.T) {
	require.NoError(t, loadConfig(t, minimalConfig))
	msg := GetMessage()
	assert.NoError(t, msg.Equal(msg.Copy()))

	other := msg.Copy()
	other.WriteMsgMaxSize = 1
	assert.Error(t, msg.Equal(other))
}

func TestLoadPeersInline(t *testing.T) {
	require.NoError(t, loadConfig(t, `
bgp:
  remote_as: 65001
  remote_addr: 192.0.2.1
  local_as: 64512
  local_addr: 192.0.2.2
  md5: s3cr3t
  hold_time: 90
`))
	peers, err := LoadPeers()
	require.NoError(t, err)
	require.Len(t, peers, 1)
	p := peers[0]
	assert.Equal(t, uint32(65001), p.RemoteAS)
	assert.Equal(t, netip.MustParseAddr("192.0.2.1"), p.RemoteAddr)
	assert.Equal(t, uint32(64512), p.LocalAS)
	assert.Equal(t, netip.MustParseAddr("192.0.2.2"), p.LocalAddr)
	assert.Equal(t, "s3cr3t", p.Md5)
	assert.Equal(t, uint16(90), p.HoldTime)
	assert.Equal(t, []message.Family{{AFI: message.AFIIPv4, SAFI: message.SAFIUnicast}}, p.Families)
}

func TestLoadPeersFromFile(t *testing.T) {
	dir := t.TempDir()
	peersPath := filepath.Join(dir, "peers.yml")
	require.NoError(t, os.WriteFile(peersPath, []byte(`
- remote_as: 65001
  remote_addr: 192.0.2.1
- remote_as: 65002
  remote_addr: 2001:db8::1
  local_as: 64513
  afi_safi: [ipv6]
  hold_time: 30
`), 0644))
	require.NoError(t, loadConfig(t, `
bgp:
  config_file: `+peersPath+`
  local_as: 64512
  hold_time: 90
`))

	peers, err := LoadPeers()
	require.NoError(t, err)
	require.Len(t, peers, 2)

	// first peer falls back to the [bgp] section defaults
	assert.Equal(t, uint32(64512), peers[0].LocalAS)
	assert.Equal(t, uint16(90), peers[0].HoldTime)
	assert.Equal(t, []message.Family{{AFI: message.AFIIPv4, SAFI: message.SAFIUnicast}}, peers[0].Families)

	// second peer overrides them
	assert.Equal(t, uint32(64513), peers[1].LocalAS)
	assert.Equal(t, uint16(30), peers[1].HoldTime)
	assert.Equal(t, []message.Family{{AFI: message.AFIIPv6, SAFI: message.SAFIUnicast}}, peers[1].Families)
}

func TestLoadPeersErrors(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
		return path
	}
	configFor := func(peersPath string) string {
		return `
bgp:
  config_file: ` + peersPath + `
  local_as: 64512
`
	}

	t.Run("empty peer file", func(t *testing.T) {
		require.NoError(t, loadConfig(t, configFor(write("empty.yml", "[]\n"))))
		_, err := LoadPeers()
		assert.Error(t, err)
	})

	t.Run("duplicate peers", func(t *testing.T) {
		path := write("dup.yml", `
- remote_as: 65001
  remote_addr: 192.0.2.1
- remote_as: 65002
  remote_addr: 192.0.2.1
`)
		require.NoError(t, loadConfig(t, configFor(path)))
		_, err := LoadPeers()
		assert.Error(t, err)
	})

	t.Run("missing remote as", func(t *testing.T) {
		path := write("noas.yml", `
- remote_addr: 192.0.2.1
`)
		require.NoError(t, loadConfig(t, configFor(path)))
		_, err := LoadPeers()
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		require.NoError(t, loadConfig(t, configFor(filepath.Join(dir, "absent.yml"))))
		_, err := LoadPeers()
		assert.Error(t, err)
	})
}
