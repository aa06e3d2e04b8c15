/*
Package bgp implements the peer manager: it resolves the configured peer
set, starts one session per peer spaced out over time and tears every
session down on shutdown.
*/
package bgp

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/juju/loggo"
	"github.com/palantir/stacktrace"

	"github.com/limhud/bgp2file/internal/config"
	"github.com/limhud/bgp2file/internal/service"
	"github.com/limhud/bgp2file/internal/session"
)

// Service manages the BGP sessions.
type Service interface {
	service.I
}

type srv struct {
	service.Service
	recorder      session.Recorder
	clock         clockwork.Clock
	startInterval time.Duration
	sessionOpts   session.Options
	peers         []config.PeerConfig
	sessions      []*session.Session
}

// NewService returns a new Service ready to be started. Captured messages
// are submitted to recorder.
func NewService(recorder session.Recorder, clock clockwork.Clock) (Service, error) {
	if recorder == nil {
		return nil, stacktrace.NewError("invalid <nil> recorder")
	}
	if clock == nil {
		return nil, stacktrace.NewError("invalid <nil> clock")
	}
	s := &srv{
		recorder: recorder,
		clock:    clock,
	}
	if err := s.InitializeService("bgp service", s); err != nil {
		return nil, stacktrace.Propagate(err, "fail to initialize bgp service")
	}
	return s, nil
}

func (s *srv) Initialize() error {
	peers, err := config.LoadPeers()
	if err != nil {
		return stacktrace.Propagate(err, "fail to load peers")
	}
	s.peers = peers
	s.startInterval = time.Duration(config.GetBgp().PeerStartInterval) * time.Second
	s.sessionOpts = session.Options{
		WriteKeepalive: config.GetMessage().WriteKeepalive,
		Clock:          s.clock,
	}
	return nil
}

// Run starts the sessions one by one, spaced startInterval apart so that a
// restart does not slam every peer at once, then waits for shutdown. A
// session handles its own reconnections; it is never restarted from here.
func (s *srv) Run(shutdownSignal chan time.Duration) error {
	for i, peer := range s.peers {
		if i > 0 {
			select {
			case <-shutdownSignal:
				return nil
			case <-s.clock.After(s.startInterval):
			}
		}
		sess, err := session.New(peer, s.recorder, s.sessionOpts)
		if err != nil {
			return stacktrace.Propagate(err, "fail to create session for <%s>", &peer)
		}
		if err := sess.Start(); err != nil {
			return stacktrace.Propagate(err, "fail to start session for <%s>", &peer)
		}
		loggo.GetLogger("").Infof("[%s] session started", &peer)
		s.sessions = append(s.sessions, sess)
	}
	<-shutdownSignal
	return nil
}

func (s *srv) Release() error {
	var wg sync.WaitGroup
	for _, sess := range s.sessions {
		wg.Add(1)
		go func(sess *session.Session) {
			defer wg.Done()
			sess.Stop()
		}(sess)
	}
	wg.Wait()
	s.sessions = nil
	return nil
}
