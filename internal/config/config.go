/*
Package config implements a thread safe configuration yaml file parser for
bgp2file. Configuration is load-once: sessions receive immutable PeerConfig
values at construction and never read the global configuration afterwards.
*/
package config

import (
	"fmt"
	"net/netip"
	"os"
	"reflect"
	"sync"

	"github.com/juju/loggo"
	"github.com/palantir/stacktrace"
	"gopkg.in/yaml.v2"

	"github.com/limhud/bgp2file/internal/errorcode"
	"github.com/limhud/bgp2file/internal/message"
)

var (
	lock              sync.Mutex
	configFilePath    string
	immutableLogLevel bool
	// Configuration is the global Config instance storing the current configuration
	Configuration Config
)

// --- MessageConfig section

// MessageConfig configures the disk capture of BGP messages.
type MessageConfig struct {
	// WriteDisk enables disk capture. Defaults to true.
	WriteDisk *bool `yaml:"write_disk"`
	// WriteDir is the capture directory.
	WriteDir string `yaml:"write_dir"`
	// WriteMsgMaxSize is the maximum size of one capture file in megabytes.
	WriteMsgMaxSize int `yaml:"write_msg_max_size"`
	// WriteKeepalive also captures KEEPALIVE messages when true.
	WriteKeepalive bool `yaml:"write_keepalive"`
	// WritePerPeer gives each peer its own rotating capture stream instead
	// of the default single shared stream.
	WritePerPeer bool `yaml:"write_per_peer"`
}

// DiskEnabled returns whether disk capture is enabled.
func (m *MessageConfig) DiskEnabled() bool {
	return m.WriteDisk == nil || *m.WriteDisk
}

func (m *MessageConfig) applyDefaults() {
	if m.WriteDir == "" {
		m.WriteDir = "/home/bgpmon/data/bgp/"
	}
	if m.WriteMsgMaxSize == 0 {
		m.WriteMsgMaxSize = 500
	}
}

func (m *MessageConfig) validate() error {
	if m.WriteMsgMaxSize < 1 {
		return stacktrace.NewError("<write_msg_max_size> field should be >= 1 (megabytes)")
	}
	if m.DiskEnabled() && m.WriteDir == "" {
		return stacktrace.NewError("<write_dir> field is required when <write_disk> is enabled")
	}
	return nil
}

// Equal tests if content is the same
func (m *MessageConfig) Equal(comparedWith *MessageConfig) error {
	if comparedWith == nil {
		return stacktrace.NewError("cannot compare with <nil>")
	}
	if m.DiskEnabled() != comparedWith.DiskEnabled() {
		return stacktrace.NewError("WriteDisk value <%t> is different: <%t>", m.DiskEnabled(), comparedWith.DiskEnabled())
	}
	if m.WriteDir != comparedWith.WriteDir {
		return stacktrace.NewError("WriteDir value <%s> is different: <%s>", m.WriteDir, comparedWith.WriteDir)
	}
	if m.WriteMsgMaxSize != comparedWith.WriteMsgMaxSize {
		return stacktrace.NewError("WriteMsgMaxSize value <%d> is different: <%d>", m.WriteMsgMaxSize, comparedWith.WriteMsgMaxSize)
	}
	if m.WriteKeepalive != comparedWith.WriteKeepalive {
		return stacktrace.NewError("WriteKeepalive value <%t> is different: <%t>", m.WriteKeepalive, comparedWith.WriteKeepalive)
	}
	if m.WritePerPeer != comparedWith.WritePerPeer {
		return stacktrace.NewError("WritePerPeer value <%t> is different: <%t>", m.WritePerPeer, comparedWith.WritePerPeer)
	}
	return nil
}

// Copy returns a copy of the object
func (m *MessageConfig) Copy() *MessageConfig {
	c := &MessageConfig{
		WriteDir:        m.WriteDir,
		WriteMsgMaxSize: m.WriteMsgMaxSize,
		WriteKeepalive:  m.WriteKeepalive,
		WritePerPeer:    m.WritePerPeer,
	}
	if m.WriteDisk != nil {
		enabled := *m.WriteDisk
		c.WriteDisk = &enabled
	}
	return c
}

// --- BgpConfig section

// BgpConfig configures the BGP peers. A single inline peer (remote_as,
// remote_addr, local_as, ...) and a multi-peer file (config_file) are
// mutually exclusive.
type BgpConfig struct {
	ConfigFile        string   `yaml:"config_file"`
	PeerStartInterval int      `yaml:"peer_start_interval"`
	AfiSafi           []string `yaml:"afi_safi"`
	RemoteAS          uint32   `yaml:"remote_as"`
	RemoteAddr        string   `yaml:"remote_addr"`
	LocalAS           uint32   `yaml:"local_as"`
	LocalAddr         string   `yaml:"local_addr"`
	Md5               string   `yaml:"md5"`
	HoldTime          uint16   `yaml:"hold_time"`
}

func (bgp *BgpConfig) applyDefaults() {
	if bgp.PeerStartInterval == 0 {
		bgp.PeerStartInterval = 10
	}
	if len(bgp.AfiSafi) == 0 {
		bgp.AfiSafi = []string{"ipv4"}
	}
	if bgp.HoldTime == 0 {
		bgp.HoldTime = 180
	}
}

func (bgp *BgpConfig) validate() error {
	if bgp.ConfigFile != "" && bgp.RemoteAddr != "" {
		return stacktrace.NewError("<config_file> and inline peer fields are mutually exclusive")
	}
	if bgp.ConfigFile == "" && bgp.RemoteAddr == "" {
		return stacktrace.NewError("no peer configured: either <config_file> or the inline peer fields are required")
	}
	if bgp.PeerStartInterval < 1 {
		return stacktrace.NewError("<peer_start_interval> field should be >= 1 (seconds)")
	}
	for _, name := range bgp.AfiSafi {
		if _, err := message.ParseFamily(name); err != nil {
			return stacktrace.Propagate(err, "fail to validate <afi_safi>")
		}
	}
	if bgp.HoldTime != 0 && bgp.HoldTime < 3 {
		return stacktrace.NewError("<hold_time> field should be 0 or >= 3 (seconds)")
	}
	if bgp.RemoteAddr != "" {
		if bgp.RemoteAS == 0 {
			return stacktrace.NewError("<remote_as> field is required and should not be 0")
		}
		if bgp.LocalAS == 0 {
			return stacktrace.NewError("<local_as> field is required and should not be 0")
		}
		if _, err := netip.ParseAddr(bgp.RemoteAddr); err != nil {
			return stacktrace.Propagate(err, "fail to parse <remote_addr>")
		}
		if bgp.LocalAddr != "" {
			if _, err := netip.ParseAddr(bgp.LocalAddr); err != nil {
				return stacktrace.Propagate(err, "fail to parse <local_addr>")
			}
		}
	}
	return nil
}

// Equal tests if content is the same
func (bgp *BgpConfig) Equal(comparedWith *BgpConfig) error {
	if comparedWith == nil {
		return stacktrace.NewError("cannot compare with <nil>")
	}
	if !reflect.DeepEqual(bgp, comparedWith) {
		return stacktrace.NewError("bgp section <%#v> is different: <%#v>", bgp, comparedWith)
	}
	return nil
}

// Copy returns a copy of the object
func (bgp *BgpConfig) Copy() *BgpConfig {
	c := *bgp
	c.AfiSafi = append([]string(nil), bgp.AfiSafi...)
	return &c
}

// --- Global Config section

// Config file structure definition
type Config struct {
	Debug   bool          `yaml:"debug"`
	Message MessageConfig `yaml:"message"`
	Bgp     BgpConfig     `yaml:"bgp"`
}

func (c *Config) applyDefaults() {
	c.Message.applyDefaults()
	c.Bgp.applyDefaults()
}

func (c *Config) validate() error {
	if err := c.Message.validate(); err != nil {
		return stacktrace.PropagateWithCode(err, errorcode.EcodeInvalidConfig, "fail to validate <message> section")
	}
	if err := c.Bgp.validate(); err != nil {
		return stacktrace.PropagateWithCode(err, errorcode.EcodeInvalidConfig, "fail to validate <bgp> section")
	}
	return nil
}

// String returns a string representing a config struct.
func (c *Config) String() string {
	return fmt.Sprintf("%#v", c)
}

// SetConfigFile set the path to the config file to read.
func SetConfigFile(path string) {
	configFilePath = path
}

// ReadInConfig triggers the reading of the config from the file.
func ReadInConfig() error {
	var (
		err       error
		data      []byte
		tmpConfig Config
	)

	lock.Lock()
	defer lock.Unlock()

	data, err = os.ReadFile(configFilePath)
	if err != nil {
		return stacktrace.Propagate(err, "fail to read <%s>", configFilePath)
	}

	loggo.GetLogger("").Debugf("config file <%s> read successfully", configFilePath)
	err = yaml.Unmarshal(data, &tmpConfig)
	if err != nil {
		return stacktrace.Propagate(err, "parsing error in <%s>", configFilePath)
	}
	loggo.GetLogger("").Debugf("config file <%s> parsed successfully", configFilePath)
	tmpConfig.applyDefaults()
	err = tmpConfig.validate()
	if err != nil {
		return stacktrace.Propagate(err, "fail to validate <%s>", configFilePath)
	}

	Configuration = tmpConfig

	if !immutableLogLevel {
		if Configuration.Debug {
			loggo.GetLogger("").SetLogLevel(loggo.DEBUG)
		} else {
			loggo.GetLogger("").SetLogLevel(loggo.INFO)
		}
	}

	loggo.GetLogger("").Debugf("config struct: <%#v>", Configuration)

	return err
}

// GetMessage returns the message config section
func GetMessage() *MessageConfig {
	lock.Lock()
	defer lock.Unlock()

	return Configuration.Message.Copy()
}

// GetBgp returns the bgp config section
func GetBgp() *BgpConfig {
	lock.Lock()
	defer lock.Unlock()

	return Configuration.Bgp.Copy()
}

// GetDebug returns true if debug is activated in the config file, false otherwise.
func GetDebug() bool {
	lock.Lock()
	defer lock.Unlock()

	return Configuration.Debug
}

// SetLogLevelImmutable sets a flag to deactivate log level modification by configuration
func SetLogLevelImmutable() {
	lock.Lock()
	defer lock.Unlock()

	immutableLogLevel = true
}
