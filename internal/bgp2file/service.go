/*
Package bgp2file wires the sink and bgp services together behind a single
top level service.
*/
package bgp2file

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/juju/loggo"
	"github.com/palantir/stacktrace"

	"github.com/limhud/bgp2file/internal/bgp"
	"github.com/limhud/bgp2file/internal/config"
	"github.com/limhud/bgp2file/internal/service"
	"github.com/limhud/bgp2file/internal/sink"
)

// Service represents a service struct.
type Service interface {
	service.I
	ToggleDebug()
}

type srv struct {
	service.Service
	sinkService sink.Service
	bgpService  bgp.Service
}

// NewService returns a new service instance. The configuration must have
// been loaded beforehand.
func NewService() (Service, error) {
	clock := clockwork.NewRealClock()
	sinkService, err := sink.NewService(config.GetMessage(), clock)
	if err != nil {
		return nil, stacktrace.Propagate(err, "fail to create sink service")
	}
	bgpService, err := bgp.NewService(sinkService, clock)
	if err != nil {
		return nil, stacktrace.Propagate(err, "fail to create bgp service")
	}
	s := &srv{
		sinkService: sinkService,
		bgpService:  bgpService,
	}
	if err := s.InitializeService("bgp2file service", s); err != nil {
		return nil, stacktrace.Propagate(err, "fail to initialize bgp2file service")
	}
	return s, nil
}

// ToggleDebug cycles the log level between INFO, DEBUG and TRACE.
func (s *srv) ToggleDebug() {
	switch loggo.GetLogger("").LogLevel() {
	case loggo.INFO:
		loggo.GetLogger("").Infof("setting log level to Debug")
		loggo.GetLogger("").SetLogLevel(loggo.DEBUG)
	case loggo.DEBUG:
		loggo.GetLogger("").Infof("setting log level to Trace")
		loggo.GetLogger("").SetLogLevel(loggo.TRACE)
	default:
		loggo.GetLogger("").Infof("setting log level to Info")
		loggo.GetLogger("").SetLogLevel(loggo.INFO)
	}
}

// Run starts the sink and bgp services, sink first so that no captured
// message can be submitted before the sink accepts records.
func (s *srv) Run(shutdownSignal chan time.Duration) error {
	if err := s.sinkService.Start(); err != nil {
		return stacktrace.Propagate(err, "fail to start sink service")
	}
	if err := s.bgpService.Start(); err != nil {
		return stacktrace.Propagate(err, "fail to start bgp service")
	}
	<-shutdownSignal
	return nil
}

// Release stops the bgp service first so that the sink can drain the
// remaining records before closing its files.
func (s *srv) Release() error {
	if s.bgpService != nil && s.bgpService.GetState() > service.StateInitialized {
		if err := s.bgpService.Shutdown(0, 15*time.Second); err != nil {
			loggo.GetLogger("").Errorf(err.Error())
		}
	}
	if s.sinkService != nil && s.sinkService.GetState() > service.StateInitialized {
		if err := s.sinkService.Shutdown(0, 15*time.Second); err != nil {
			loggo.GetLogger("").Errorf(err.Error())
		}
	}
	return nil
}
