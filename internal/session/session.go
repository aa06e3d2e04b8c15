/*
Package session implements the BGP finite state machine of one peer as
defined by RFC 4271 section 8: the session dials the peer, exchanges OPEN
messages, then maintains the connection with keepalives while handing every
received message to the capture recorder. The session never originates
routes.
*/
package session

import (
	"context"
	"encoding/binary"
	"errors"
	"hash/fnv"
	"math"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/jpillora/backoff"
	"github.com/juju/loggo"
	"github.com/palantir/stacktrace"

	"github.com/limhud/bgp2file/internal/capture"
	"github.com/limhud/bgp2file/internal/config"
	"github.com/limhud/bgp2file/internal/message"
)

// State is the FSM state of a session.
// https://tools.ietf.org/html/rfc4271#section-8.2.2
type State uint8

const (
	// StateIdle : no transport, waiting before the next connection attempt.
	StateIdle State = iota
	// StateConnect : a TCP connection attempt is in progress.
	StateConnect
	// StateActive : the last attempt failed, waiting for the retry timer.
	StateActive
	// StateOpenSent : local OPEN sent, waiting for the peer OPEN.
	StateOpenSent
	// StateOpenConfirm : peer OPEN accepted, waiting for its KEEPALIVE.
	StateOpenConfirm
	// StateEstablished : the session is up, messages flow.
	StateEstablished

	// stateStopped is the internal exit state reached through Stop.
	stateStopped State = math.MaxUint8
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnect:
		return "connect"
	case StateActive:
		return "active"
	case StateOpenSent:
		return "openSent"
	case StateOpenConfirm:
		return "openConfirm"
	case StateEstablished:
		return "established"
	case stateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const (
	bgpPort     = 179
	dialTimeout = 30 * time.Second
	// longHoldTime bounds the wait for the peer OPEN before the hold time is
	// negotiated. RFC 4271 suggests 4 minutes.
	longHoldTime = 4 * time.Minute
)

// Recorder receives every message the session captures. The rotating sink
// service implements it.
type Recorder interface {
	Submit(rec capture.Record) error
}

// DialFunc opens the transport to the peer. It is replaceable for tests.
type DialFunc func(ctx context.Context) (net.Conn, error)

// Options tunes a session beyond its PeerConfig. The zero value selects the
// production defaults.
type Options struct {
	// WriteKeepalive also captures KEEPALIVE messages.
	WriteKeepalive bool
	// Clock drives every timer of the session. Defaults to the real clock.
	Clock clockwork.Clock
	// Dial opens the transport. Defaults to a TCP dialer on port 179 with
	// the TCP MD5 signature option applied when the peer has an md5 secret.
	Dial DialFunc
	// RetryMin and RetryMax bound the delay between connection attempts.
	RetryMin time.Duration
	RetryMax time.Duration
}

// inbound is one message delivered by the reader goroutine along with the
// raw frame for capture.
type inbound struct {
	msg        message.Message
	raw        []byte
	receivedAt time.Time
}

// Session runs the FSM of one configured peer. A session retries forever on
// its own backoff; it only terminates through Stop.
type Session struct {
	cfg            config.PeerConfig
	recorder       Recorder
	writeKeepalive bool
	clock          clockwork.Clock
	dial           DialFunc
	retry          *backoff.Backoff

	mutex        sync.RWMutex
	state        State
	retryCounter int
	started      bool

	// fields below belong to the run goroutine
	conn            net.Conn
	localID         uint32
	remoteID        uint32
	inboundCh       chan inbound
	readerErrCh     chan error
	readerDoneCh    chan struct{}
	closeReaderCh   chan struct{}
	closeReaderOnce *sync.Once
	holdTime        time.Duration
	keepaliveEvery  time.Duration
	holdTimer       clockwork.Timer
	keepaliveTimer  clockwork.Timer
	idleDelay       time.Duration

	closeOnce sync.Once
	closeCh   chan struct{}
	doneCh    chan struct{}
}

// New returns a Session for the given peer, submitting captured messages to
// rec. The session is inert until Start is called.
func New(cfg config.PeerConfig, rec Recorder, opts Options) (*Session, error) {
	if rec == nil {
		return nil, stacktrace.NewError("invalid <nil> recorder")
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.RetryMin == 0 {
		opts.RetryMin = 5 * time.Second
	}
	if opts.RetryMax == 0 {
		opts.RetryMax = 2 * time.Minute
	}
	s := &Session{
		cfg:            cfg,
		recorder:       rec,
		writeKeepalive: opts.WriteKeepalive,
		clock:          opts.Clock,
		dial:           opts.Dial,
		retry: &backoff.Backoff{
			Min:    opts.RetryMin,
			Max:    opts.RetryMax,
			Factor: 2,
			Jitter: true,
		},
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	if s.dial == nil {
		s.dial = s.dialTCP
	}
	return s, nil
}

// Start launches the FSM goroutine.
func (s *Session) Start() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.started {
		return stacktrace.NewError("session for <%s> already started", &s.cfg)
	}
	s.started = true
	go s.run()
	return nil
}

// Stop terminates the session and waits for the FSM goroutine to exit. When
// the session is established a CEASE notification is sent first.
func (s *Session) Stop() {
	s.closeOnce.Do(func() {
		close(s.closeCh)
	})
	s.mutex.RLock()
	started := s.started
	s.mutex.RUnlock()
	if started {
		<-s.doneCh
	}
}

// Done returns a channel closed once the FSM goroutine has exited.
func (s *Session) Done() <-chan struct{} {
	return s.doneCh
}

// State returns the current FSM state.
func (s *Session) State() State {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.state
}

// ConnectRetryCounter returns the number of times the session fell back to
// Idle since it last reached Established.
func (s *Session) ConnectRetryCounter() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.retryCounter
}

func (s *Session) setState(state State) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if state != s.state {
		loggo.GetLogger("").Debugf("[%s] state <%s> -> <%s>", &s.cfg, s.state, state)
	}
	s.state = state
}

func (s *Session) run() {
	defer func() {
		s.releaseConn()
		s.stopTimers()
		close(s.doneCh)
	}()
	state := StateIdle
	for {
		s.setState(state)
		var next State
		switch state {
		case StateIdle:
			next = s.idle()
		case StateConnect:
			next = s.connect()
		case StateActive:
			next = s.active()
		case StateOpenSent:
			next = s.openSent()
		case StateOpenConfirm:
			next = s.openConfirm()
		case StateEstablished:
			next = s.established()
		}
		if next == stateStopped {
			s.setState(stateStopped)
			return
		}
		if next == StateIdle && state != StateIdle {
			s.mutex.Lock()
			s.retryCounter++
			s.mutex.Unlock()
			s.idleDelay = s.retry.Duration()
		}
		if next == StateEstablished && state != StateEstablished {
			s.mutex.Lock()
			s.retryCounter = 0
			s.mutex.Unlock()
			s.retry.Reset()
		}
		state = next
	}
}

// idle waits for the backoff delay accumulated by previous failures, then
// moves to Connect. The first pass has no delay.
// https://tools.ietf.org/html/rfc4271#section-8.2.2
func (s *Session) idle() State {
	s.releaseConn()
	s.stopTimers()
	if s.idleDelay > 0 {
		loggo.GetLogger("").Debugf("[%s] waiting <%s> before reconnecting", &s.cfg, s.idleDelay)
		select {
		case <-s.closeCh:
			return stateStopped
		case <-s.clock.After(s.idleDelay):
		}
	} else {
		select {
		case <-s.closeCh:
			return stateStopped
		default:
		}
	}
	return StateConnect
}

type dialResult struct {
	conn net.Conn
	err  error
}

// connect runs the TCP connection attempt. Success sends the local OPEN and
// moves to OpenSent; failure moves to Active to wait for the retry timer.
func (s *Session) connect() State {
	ctx, cancel := context.WithCancel(context.Background())
	resultCh := make(chan dialResult, 1)
	go func() {
		conn, err := s.dial(ctx)
		resultCh <- dialResult{conn: conn, err: err}
	}()
	select {
	case <-s.closeCh:
		cancel()
		if r := <-resultCh; r.conn != nil {
			r.conn.Close()
		}
		return stateStopped
	case r := <-resultCh:
		cancel()
		if r.err != nil {
			loggo.GetLogger("").Warningf("[%s] connection failure: %s", &s.cfg, r.err)
			return StateActive
		}
		s.conn = r.conn
		return s.sendOpen()
	}
}

// active waits for the retry timer before the next connection attempt.
func (s *Session) active() State {
	delay := s.retry.Duration()
	loggo.GetLogger("").Debugf("[%s] retrying in <%s>", &s.cfg, delay)
	select {
	case <-s.closeCh:
		return stateStopped
	case <-s.clock.After(delay):
		return StateConnect
	}
}

// sendOpen writes the local OPEN, arms the pre-negotiation hold timer and
// starts the reader.
func (s *Session) sendOpen() State {
	s.localID = s.bgpIdentifier()
	o := message.NewOpen(s.cfg.LocalAS, s.cfg.HoldTime, s.localID, s.cfg.Families)
	if _, err := s.conn.Write(o.Encode()); err != nil {
		loggo.GetLogger("").Warningf("[%s] fail to send OPEN: %s", &s.cfg, err)
		s.releaseConn()
		return StateIdle
	}
	s.holdTime = 0
	s.holdTimer = s.clock.NewTimer(longHoldTime)
	s.startReader()
	return StateOpenSent
}

// openSent waits for the peer OPEN.
// https://tools.ietf.org/html/rfc4271#page-63
func (s *Session) openSent() State {
	next := s.runOpenSent()
	if next != StateOpenConfirm {
		s.releaseConn()
		s.stopTimers()
	}
	return next
}

func (s *Session) runOpenSent() State {
	select {
	case <-s.closeCh:
		s.sendCease()
		return stateStopped
	case <-s.holdTimer.Chan():
		s.sendHoldTimerExpired()
		return StateIdle
	case err := <-s.readerErrCh:
		s.handleReaderError(err)
		return StateIdle
	case in := <-s.inboundCh:
		switch m := in.msg.(type) {
		case *message.Open:
			s.capture(in)
			if err := m.Validate(s.localID, s.cfg.LocalAS, s.cfg.RemoteAS); err != nil {
				loggo.GetLogger("").Warningf("[%s] invalid OPEN: %s", &s.cfg, err)
				s.sendNotificationInErr(err)
				return StateIdle
			}
			s.mutex.Lock()
			s.remoteID = m.ID
			s.mutex.Unlock()
			if err := s.send(&message.KeepAlive{}); err != nil {
				loggo.GetLogger("").Warningf("[%s] fail to send KEEPALIVE: %s", &s.cfg, err)
				return StateIdle
			}
			// negotiated hold time is the lower of the local preference and
			// the peer proposal; 0 disables liveness checks entirely.
			// https://tools.ietf.org/html/rfc4271#section-4.2
			s.holdTime = time.Duration(m.HoldTime) * time.Second
			if local := time.Duration(s.cfg.HoldTime) * time.Second; local < s.holdTime {
				s.holdTime = local
			}
			if s.holdTime != 0 {
				s.keepaliveEvery = s.holdTime / 3
				s.keepaliveTimer = s.clock.NewTimer(s.keepaliveEvery)
				s.resetHoldTimer()
			} else {
				s.holdTimer.Stop()
			}
			loggo.GetLogger("").Infof("[%s] OPEN accepted, hold time <%s>", &s.cfg, s.holdTime)
			return StateOpenConfirm
		case *message.Notification:
			s.capture(in)
			loggo.GetLogger("").Infof("[%s] notification received: %s", &s.cfg, m)
			return StateIdle
		default:
			s.sendUnexpectedMessage(message.NotifSubcodeRxUnexpectedMessageOpenSent, in.msg.Type())
			return StateIdle
		}
	}
}

// openConfirm waits for the first KEEPALIVE of the peer.
// https://tools.ietf.org/html/rfc4271#page-67
func (s *Session) openConfirm() State {
	next := s.runOpenConfirm()
	if next != StateEstablished {
		s.releaseConn()
		s.stopTimers()
	}
	return next
}

func (s *Session) runOpenConfirm() State {
	for {
		select {
		case <-s.closeCh:
			s.sendCease()
			return stateStopped
		case <-s.holdExpiredC():
			s.sendHoldTimerExpired()
			return StateIdle
		case <-s.keepaliveC():
			if err := s.send(&message.KeepAlive{}); err != nil {
				loggo.GetLogger("").Warningf("[%s] fail to send KEEPALIVE: %s", &s.cfg, err)
				return StateIdle
			}
			s.keepaliveTimer.Reset(s.keepaliveEvery)
		case err := <-s.readerErrCh:
			s.handleReaderError(err)
			return StateIdle
		case in := <-s.inboundCh:
			switch m := in.msg.(type) {
			case *message.KeepAlive:
				s.capture(in)
				s.resetHoldTimer()
				return StateEstablished
			case *message.Notification:
				s.capture(in)
				loggo.GetLogger("").Infof("[%s] notification received: %s", &s.cfg, m)
				return StateIdle
			default:
				s.sendUnexpectedMessage(message.NotifSubcodeRxUnexpectedMessageOpenConfirm, in.msg.Type())
				return StateIdle
			}
		}
	}
}

// established captures every received message until the session goes down.
// https://tools.ietf.org/html/rfc4271#page-71
func (s *Session) established() State {
	loggo.GetLogger("").Infof("[%s] session established", &s.cfg)
	next := s.runEstablished()
	s.releaseConn()
	s.stopTimers()
	if next != stateStopped {
		loggo.GetLogger("").Infof("[%s] session down", &s.cfg)
	}
	return next
}

func (s *Session) runEstablished() State {
	for {
		select {
		case <-s.closeCh:
			s.sendCease()
			return stateStopped
		case <-s.holdExpiredC():
			s.sendHoldTimerExpired()
			return StateIdle
		case <-s.keepaliveC():
			if err := s.send(&message.KeepAlive{}); err != nil {
				loggo.GetLogger("").Warningf("[%s] fail to send KEEPALIVE: %s", &s.cfg, err)
				return StateIdle
			}
			s.keepaliveTimer.Reset(s.keepaliveEvery)
		case err := <-s.readerErrCh:
			s.handleReaderError(err)
			return StateIdle
		case in := <-s.inboundCh:
			s.capture(in)
			switch m := in.msg.(type) {
			case *message.Update:
				s.resetHoldTimer()
			case *message.KeepAlive:
				s.resetHoldTimer()
			case *message.Notification:
				loggo.GetLogger("").Infof("[%s] notification received: %s", &s.cfg, m)
				return StateIdle
			default:
				s.sendUnexpectedMessage(message.NotifSubcodeRxUnexpectedMessageEstablished, in.msg.Type())
				return StateIdle
			}
		}
	}
}

// capture submits the raw frame of one received message to the recorder.
// KEEPALIVE messages are only captured when configured; a saturated recorder
// drops the record rather than stall the FSM.
func (s *Session) capture(in inbound) {
	if in.msg.Type() == message.TypeKeepAlive && !s.writeKeepalive {
		return
	}
	if err := s.recorder.Submit(capture.NewRecord(in.receivedAt, s.cfg.RemoteAddr, in.raw)); err != nil {
		loggo.GetLogger("").Warningf("[%s] %s", &s.cfg, err)
	}
}

func (s *Session) send(m message.Message) error {
	if _, err := s.conn.Write(m.Encode()); err != nil {
		return stacktrace.Propagate(err, "fail to send message type <%d>", m.Type())
	}
	return nil
}

func (s *Session) sendCease() {
	if s.conn == nil {
		return
	}
	if err := s.send(message.NewNotification(message.NotifCodeCease, 0, nil)); err != nil {
		loggo.GetLogger("").Debugf("[%s] %s", &s.cfg, err)
	}
}

func (s *Session) sendHoldTimerExpired() {
	n := message.NewNotification(message.NotifCodeHoldTimerExpired, 0, nil)
	loggo.GetLogger("").Warningf("[%s] hold timer expired", &s.cfg)
	if err := s.send(n); err != nil {
		loggo.GetLogger("").Debugf("[%s] %s", &s.cfg, err)
	}
}

func (s *Session) sendUnexpectedMessage(subcode uint8, messageType uint8) {
	n := message.NewNotification(message.NotifCodeFSMErr, subcode, []byte{messageType})
	loggo.GetLogger("").Warningf("[%s] unexpected message type <%d>", &s.cfg, messageType)
	if err := s.send(n); err != nil {
		loggo.GetLogger("").Debugf("[%s] %s", &s.cfg, err)
	}
}

// sendNotificationInErr sends the notification carried by a locally
// generated message.Error to the peer.
func (s *Session) sendNotificationInErr(err error) {
	var merr *message.Error
	if errors.As(err, &merr) && merr.Out && s.conn != nil {
		if serr := s.send(merr.Notification); serr != nil {
			loggo.GetLogger("").Debugf("[%s] %s", &s.cfg, serr)
		}
	}
}

// handleReaderError logs a reader failure and sends the matching
// notification when the failure is a protocol violation.
func (s *Session) handleReaderError(err error) {
	var merr *message.Error
	if errors.As(err, &merr) {
		loggo.GetLogger("").Warningf("[%s] protocol error: %s", &s.cfg, err)
		s.sendNotificationInErr(err)
		return
	}
	loggo.GetLogger("").Warningf("[%s] transport error: %s", &s.cfg, err)
}

// holdExpiredC returns the hold timer channel, or nil when liveness checks
// are disabled by a negotiated hold time of 0.
func (s *Session) holdExpiredC() <-chan time.Time {
	if s.holdTime == 0 {
		return nil
	}
	return s.holdTimer.Chan()
}

func (s *Session) keepaliveC() <-chan time.Time {
	if s.holdTime == 0 {
		return nil
	}
	return s.keepaliveTimer.Chan()
}

func (s *Session) resetHoldTimer() {
	if s.holdTime == 0 {
		return
	}
	s.holdTimer.Stop()
	select {
	case <-s.holdTimer.Chan():
	default:
	}
	s.holdTimer.Reset(s.holdTime)
}

func (s *Session) stopTimers() {
	if s.holdTimer != nil {
		s.holdTimer.Stop()
	}
	if s.keepaliveTimer != nil {
		s.keepaliveTimer.Stop()
	}
}

// bgpIdentifier returns the local BGP identifier: the local IPv4 address
// when available, otherwise a stable non-zero value derived from the session
// addresses for IPv6 only transports.
func (s *Session) bgpIdentifier() uint32 {
	if s.cfg.LocalAddr.Is4() {
		return binary.BigEndian.Uint32(s.cfg.LocalAddr.AsSlice())
	}
	if addr, ok := s.conn.LocalAddr().(*net.TCPAddr); ok {
		if ip4 := addr.IP.To4(); ip4 != nil {
			return binary.BigEndian.Uint32(ip4)
		}
	}
	h := fnv.New32a()
	h.Write([]byte(s.cfg.LocalAddr.String()))
	h.Write([]byte(s.cfg.RemoteAddr.String()))
	id := h.Sum32()
	if id == 0 || id == math.MaxUint32 {
		id = 1
	}
	return id
}

// dialTCP is the production DialFunc: TCP on port 179, bound to the local
// address when configured, with the TCP MD5 signature socket option applied
// before connecting when the peer has an md5 secret (RFC 2385).
func (s *Session) dialTCP(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: dialTimeout}
	if s.cfg.LocalAddr.IsValid() {
		dialer.LocalAddr = &net.TCPAddr{IP: s.cfg.LocalAddr.AsSlice()}
	}
	if s.cfg.Md5 != "" {
		remote := net.IP(s.cfg.RemoteAddr.AsSlice())
		prefixLen := uint8(32)
		if s.cfg.RemoteAddr.Is6() {
			prefixLen = 128
		}
		secret := s.cfg.Md5
		dialer.Control = func(network, address string, c syscall.RawConn) error {
			var optErr error
			if err := c.Control(func(fd uintptr) {
				optErr = setTCPMD5Signature(int(fd), remote, prefixLen, secret)
			}); err != nil {
				return err
			}
			return optErr
		}
	}
	conn, err := dialer.DialContext(ctx, "tcp",
		net.JoinHostPort(s.cfg.RemoteAddr.String(), strconv.Itoa(bgpPort)))
	if err != nil {
		return nil, stacktrace.Propagate(err, "fail to connect to <%s>", s.cfg.RemoteAddr)
	}
	return conn, nil
}

// RemoteID returns the BGP identifier received in the latest peer OPEN, as
// an address for logs.
func (s *Session) RemoteID() netip.Addr {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	var id [4]byte
	binary.BigEndian.PutUint32(id[:], s.remoteID)
	return netip.AddrFrom4(id)
}
