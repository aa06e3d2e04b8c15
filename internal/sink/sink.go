/*
Package sink implements the rotating message sink: a single writer behind a
bounded queue that persists captured BGP messages to size bounded files.
*/
package sink

import (
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/juju/loggo"
	"github.com/palantir/stacktrace"

	"github.com/limhud/bgp2file/internal/capture"
	"github.com/limhud/bgp2file/internal/config"
	"github.com/limhud/bgp2file/internal/errorcode"
	"github.com/limhud/bgp2file/internal/service"
)

const (
	// queueSize bounds the number of records waiting for the writer.
	queueSize = 1024
	// submitTimeout bounds how long Submit may block a session when the
	// queue is saturated. Session liveness takes priority over capture
	// completeness under sustained overload.
	submitTimeout = 200 * time.Millisecond
	// sharedStream is the stream name used when all peers are multiplexed
	// into a single rotating stream.
	sharedStream = "bgp-messages"
)

// Service manages the capture of BGP messages to disk.
type Service interface {
	service.I
	// Submit queues one record for writing. It blocks at most submitTimeout;
	// on a saturated queue the record is dropped and an error returned so
	// the session can log the condition without stalling. When disk capture
	// is disabled Submit is a no-op.
	Submit(rec capture.Record) error
}

type srv struct {
	service.Service
	enabled  bool
	perPeer  bool
	dir      string
	maxBytes int64
	clock    clockwork.Clock
	queue    chan capture.Record
	streams  map[string]*messageFile
}

// NewService returns a new sink Service ready to be started.
func NewService(cfg *config.MessageConfig, clock clockwork.Clock) (Service, error) {
	if cfg == nil {
		return nil, stacktrace.NewError("invalid <nil> message config")
	}
	if clock == nil {
		return nil, stacktrace.NewError("invalid <nil> clock")
	}
	s := &srv{
		enabled:  cfg.DiskEnabled(),
		perPeer:  cfg.WritePerPeer,
		dir:      cfg.WriteDir,
		maxBytes: int64(cfg.WriteMsgMaxSize) * 1024 * 1024,
		clock:    clock,
		queue:    make(chan capture.Record, queueSize),
		streams:  make(map[string]*messageFile),
	}
	if err := s.InitializeService("sink service", s); err != nil {
		return nil, stacktrace.Propagate(err, "fail to initialize sink service")
	}
	return s, nil
}

func (s *srv) Initialize() error {
	if !s.enabled {
		loggo.GetLogger("").Infof("disk capture is disabled")
		return nil
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return stacktrace.Propagate(err, "fail to create capture directory <%s>", s.dir)
	}
	return nil
}

func (s *srv) Submit(rec capture.Record) error {
	if !s.enabled {
		return nil
	}
	select {
	case s.queue <- rec:
		return nil
	default:
	}
	select {
	case s.queue <- rec:
		return nil
	case <-s.clock.After(submitTimeout):
		return stacktrace.NewErrorWithCode(errorcode.EcodeCaptureDropped,
			"capture queue saturated for <%s>, record from peer <%s> dropped", submitTimeout, rec.Peer)
	}
}

func (s *srv) Run(shutdownSignal chan time.Duration) error {
	if !s.enabled {
		<-shutdownSignal
		return nil
	}
	for {
		select {
		case rec := <-s.queue:
			s.write(rec)
		case <-shutdownSignal:
			// drain the records already accepted by the queue before the
			// stop is considered complete
			for {
				select {
				case rec := <-s.queue:
					s.write(rec)
				default:
					return nil
				}
			}
		}
	}
}

// write persists one record on the stream it belongs to. Failures are not
// fatal to the service: the write is retried once on a fresh file and the
// record dropped if the retry fails too.
func (s *srv) write(rec capture.Record) {
	stream := s.stream(rec)
	b := rec.Encode()
	if err := stream.write(b); err != nil {
		loggo.GetLogger("").Errorf(stacktrace.Propagate(err, "capture write failure, retrying on a fresh file").Error())
		stream.file = nil
		if err := stream.write(b); err != nil {
			loggo.GetLogger("").Errorf(stacktrace.Propagate(err, "capture retry failure, record from peer <%s> dropped", rec.Peer).Error())
		}
	}
}

func (s *srv) stream(rec capture.Record) *messageFile {
	name := sharedStream
	if s.perPeer {
		name = rec.Peer.String()
	}
	stream, ok := s.streams[name]
	if !ok {
		stream = newMessageFile(s.dir, name, s.maxBytes, s.clock)
		s.streams[name] = stream
	}
	return stream
}

func (s *srv) Release() error {
	var firstErr error
	for _, stream := range s.streams {
		if err := stream.close(); err != nil {
			loggo.GetLogger("").Errorf(err.Error())
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
