/*
Package service implements the lifecycle shared by the long running parts of
bgp2file (peer manager, rotating sink). A concrete service composites Service
and implements the SubService behaviour; InitializeService wires the two
together.
*/
package service

import (
	"sync"
	"time"

	"github.com/juju/loggo"
	"github.com/palantir/stacktrace"

	"github.com/limhud/bgp2file/internal/errorcode"
)

// State is the type for the different service states.
type State uint

const (
	// States are ordered according to the lifecycle of the service, which
	// allows tests like GetState() > StateRunning.

	// StateUninitialized is 0 since it is the default value for the state field.
	StateUninitialized State = iota
	// StateInitialized : InitializeService has been successfully called.
	StateInitialized
	// StateStarting : Start has been called but the service is not yet running.
	StateStarting
	// StateRunning : the service is currently running.
	StateRunning
	// StateStopping : Shutdown has been called but the service is not yet stopped.
	StateStopping
	// StateStopped : the service is completely shutdown.
	StateStopped
)

func (s State) String() string {
	return [...]string{"uninitialized", "initialized", "starting", "running", "stopping", "stopped"}[s]
}

// I represents the Service behaviour.
type I interface {
	Start() error
	Done() chan struct{}
	Err() error
	Shutdown(graceful time.Duration, hard time.Duration) error
	GetServiceName() string
	GetState() State
}

// SubService must be implemented by the composited struct.
// Run can be a simple wait on the shutdownSignal chan if there is no need for
// an active goroutine in the service. The value received on shutdownSignal is
// the graceful timeout requested by the caller of Shutdown.
type SubService interface {
	Initialize() error
	Run(shutdownSignal chan time.Duration) error
	Release() error
}

// Service implements a lifecycle around a goroutine. It needs to be
// composited with another struct implementing the SubService behaviour; at
// instantiation the composited structure calls InitializeService.
type Service struct {
	mutex          sync.RWMutex
	name           string
	state          State
	subservice     SubService
	shutdownSignal chan time.Duration
	done           chan struct{}
	runErr         error
}

// Initialize implements SubService.Initialize with a noop so that composited
// structures only implement it when useful.
func (s *Service) Initialize() error {
	return nil
}

// Run implements SubService.Run with a noop waiting for shutdown.
func (s *Service) Run(shutdownSignal chan time.Duration) error {
	<-shutdownSignal
	return nil
}

// Release implements SubService.Release with a noop.
func (s *Service) Release() error {
	return nil
}

// InitializeService must be called after the instantiation of the composited
// struct in order to initialize the service internals. The name is used to
// make logs more explicit.
func (s *Service) InitializeService(name string, sub SubService) error {
	if sub == nil {
		return stacktrace.NewError("invalid <nil> sub service")
	}
	if len(name) == 0 {
		return stacktrace.NewError("invalid empty service name")
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.state != StateUninitialized {
		return stacktrace.NewError("InitializeService called on already initialized service")
	}
	s.name = name
	s.subservice = sub
	s.shutdownSignal = make(chan time.Duration, 1)
	s.done = make(chan struct{})
	s.state = StateInitialized
	return nil
}

// Start calls the Initialize method of the composited struct, then runs the
// goroutine in charge of calling its Run and Release methods.
func (s *Service) Start() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	loggo.GetLogger("").Infof("[%s] starting service", s.name)
	if s.state != StateInitialized {
		return stacktrace.NewError("refusing to start service in state <%s>", s.state)
	}
	s.state = StateStarting
	if err := s.subservice.Initialize(); err != nil {
		s.state = StateInitialized
		return stacktrace.Propagate(err, "fail to start service <%s>", s.name)
	}
	go func() {
		s.mutex.Lock()
		s.state = StateRunning
		s.mutex.Unlock()
		loggo.GetLogger("").Infof("[%s] service started", s.name)
		runErr := s.subservice.Run(s.shutdownSignal)
		if runErr != nil {
			loggo.GetLogger("").Errorf("[%s] service stopping after error: %s", s.name, runErr)
		} else {
			loggo.GetLogger("").Infof("[%s] service stopping", s.name)
		}
		releaseErr := s.subservice.Release()
		if releaseErr != nil {
			loggo.GetLogger("").Errorf("[%s] service released with error: %s", s.name, releaseErr)
		}
		s.mutex.Lock()
		if runErr != nil {
			s.runErr = runErr
		} else {
			s.runErr = releaseErr
		}
		s.state = StateStopped
		s.mutex.Unlock()
		close(s.done)
		loggo.GetLogger("").Infof("[%s] service stopped", s.name)
	}()
	return nil
}

// Done returns a channel closed once the service is completely stopped. The
// shutdown error, if any, is then available through Err.
func (s *Service) Done() chan struct{} {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.done
}

// Err returns the error the service stopped with, if any. It is only
// meaningful after the Done channel has been closed.
func (s *Service) Err() error {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.runErr
}

// Shutdown sends the signal to stop the service and waits for it to stop.
// The graceful timeout is transmitted to the Run method of the subservice.
// The hard timeout bounds how long Shutdown waits; 0 means wait forever.
func (s *Service) Shutdown(graceful time.Duration, hard time.Duration) error {
	if graceful < 0 {
		return stacktrace.NewError("invalid graceful timeout <%s>", graceful)
	}
	if hard < 0 {
		return stacktrace.NewError("invalid hard timeout <%s>", hard)
	}
	s.mutex.Lock()
	loggo.GetLogger("").Tracef("[%s] received shutdown with graceful timeout <%s> and hard timeout <%s>", s.name, graceful, hard)
	switch s.state {
	case StateStarting, StateRunning:
		s.state = StateStopping
		s.mutex.Unlock()
		s.shutdownSignal <- graceful
		close(s.shutdownSignal)
	case StateStopping, StateStopped:
		s.mutex.Unlock()
	default:
		defer s.mutex.Unlock()
		return stacktrace.NewErrorWithCode(errorcode.EcodeServiceNotStarted, "cannot shutdown a service in state <%s>", s.state)
	}
	if hard > 0 {
		select {
		case <-s.Done():
			return s.Err()
		case <-time.After(hard):
			return stacktrace.NewErrorWithCode(errorcode.EcodeServiceTimeout, "timeout expired after <%s>", hard)
		}
	}
	<-s.Done()
	return s.Err()
}

// GetServiceName returns the service name.
func (s *Service) GetServiceName() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.name
}

// GetState returns the current state of the service.
func (s *Service) GetState() State {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.state
}
