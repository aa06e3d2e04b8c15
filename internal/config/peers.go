package config

import (
	"fmt"
	"net/netip"
	"os"

	"github.com/palantir/stacktrace"
	"gopkg.in/yaml.v2"

	"github.com/limhud/bgp2file/internal/errorcode"
	"github.com/limhud/bgp2file/internal/message"
)

// PeerConfig is the immutable per-peer configuration handed to a session at
// construction. A session never reads the global configuration afterwards.
type PeerConfig struct {
	RemoteAS   uint32
	RemoteAddr netip.Addr
	LocalAS    uint32
	// LocalAddr is the address to bind the transport to; it may be the zero
	// value when the kernel should pick one.
	LocalAddr netip.Addr
	// Md5 is the TCP MD5 signature secret (RFC 2385), empty when disabled.
	Md5 string
	// Families are the enabled <AFI, SAFI> pairs.
	Families []message.Family
	// HoldTime is the hold time proposed in the local OPEN, in seconds.
	HoldTime uint16
}

func (p *PeerConfig) String() string {
	return fmt.Sprintf("peer %s (AS%d)", p.RemoteAddr, p.RemoteAS)
}

// peerEntry is one peer in the multi-peer yaml file. Fields left at their
// zero value fall back to the [bgp] section values.
type peerEntry struct {
	RemoteAS   uint32   `yaml:"remote_as"`
	RemoteAddr string   `yaml:"remote_addr"`
	LocalAS    uint32   `yaml:"local_as"`
	LocalAddr  string   `yaml:"local_addr"`
	Md5        string   `yaml:"md5"`
	AfiSafi    []string `yaml:"afi_safi"`
	HoldTime   uint16   `yaml:"hold_time"`
}

func (e *peerEntry) toPeerConfig(defaults *BgpConfig) (PeerConfig, error) {
	p := PeerConfig{
		RemoteAS: e.RemoteAS,
		LocalAS:  e.LocalAS,
		Md5:      e.Md5,
		HoldTime: e.HoldTime,
	}
	if p.LocalAS == 0 {
		p.LocalAS = defaults.LocalAS
	}
	if p.HoldTime == 0 {
		p.HoldTime = defaults.HoldTime
	}
	if p.Md5 == "" {
		p.Md5 = defaults.Md5
	}
	if p.RemoteAS == 0 {
		return p, stacktrace.NewError("<remote_as> field is required and should not be 0")
	}
	if p.LocalAS == 0 {
		return p, stacktrace.NewError("<local_as> field is required and should not be 0")
	}
	if e.RemoteAddr == "" {
		return p, stacktrace.NewError("<remote_addr> field is required")
	}
	addr, err := netip.ParseAddr(e.RemoteAddr)
	if err != nil {
		return p, stacktrace.Propagate(err, "fail to parse <remote_addr>")
	}
	p.RemoteAddr = addr
	localAddr := e.LocalAddr
	if localAddr == "" {
		localAddr = defaults.LocalAddr
	}
	if localAddr != "" {
		addr, err := netip.ParseAddr(localAddr)
		if err != nil {
			return p, stacktrace.Propagate(err, "fail to parse <local_addr>")
		}
		p.LocalAddr = addr
	}
	names := e.AfiSafi
	if len(names) == 0 {
		names = defaults.AfiSafi
	}
	for _, name := range names {
		f, err := message.ParseFamily(name)
		if err != nil {
			return p, stacktrace.Propagate(err, "fail to parse <afi_safi>")
		}
		p.Families = append(p.Families, f)
	}
	return p, nil
}

// LoadPeers resolves the configured peer set: the single inline peer of the
// [bgp] section, or the peers listed in the multi-peer file referenced by
// <config_file>. The two modes are mutually exclusive and an empty peer set
// is fatal.
func LoadPeers() ([]PeerConfig, error) {
	bgp := GetBgp()
	if bgp.ConfigFile == "" {
		entry := peerEntry{
			RemoteAS:   bgp.RemoteAS,
			RemoteAddr: bgp.RemoteAddr,
			LocalAS:    bgp.LocalAS,
			LocalAddr:  bgp.LocalAddr,
			Md5:        bgp.Md5,
			AfiSafi:    bgp.AfiSafi,
			HoldTime:   bgp.HoldTime,
		}
		p, err := entry.toPeerConfig(bgp)
		if err != nil {
			return nil, stacktrace.PropagateWithCode(err, errorcode.EcodeInvalidConfig, "fail to load inline peer")
		}
		return []PeerConfig{p}, nil
	}
	data, err := os.ReadFile(bgp.ConfigFile)
	if err != nil {
		return nil, stacktrace.PropagateWithCode(err, errorcode.EcodeInvalidConfig, "fail to read peer config file <%s>", bgp.ConfigFile)
	}
	var entries []peerEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, stacktrace.PropagateWithCode(err, errorcode.EcodeInvalidConfig, "parsing error in peer config file <%s>", bgp.ConfigFile)
	}
	if len(entries) == 0 {
		return nil, stacktrace.NewErrorWithCode(errorcode.EcodeInvalidConfig, "peer config file <%s> contains no peer", bgp.ConfigFile)
	}
	peers := make([]PeerConfig, 0, len(entries))
	seen := make(map[netip.Addr]bool)
	for i, entry := range entries {
		p, err := entry.toPeerConfig(bgp)
		if err != nil {
			return nil, stacktrace.PropagateWithCode(err, errorcode.EcodeInvalidConfig, "fail to load peer <%d> from <%s>", i, bgp.ConfigFile)
		}
		if seen[p.RemoteAddr] {
			return nil, stacktrace.NewErrorWithCode(errorcode.EcodeInvalidConfig, "duplicate peer <%s> in <%s>", p.RemoteAddr, bgp.ConfigFile)
		}
		seen[p.RemoteAddr] = true
		peers = append(peers, p)
	}
	return peers, nil
}
