package session

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limhud/bgp2file/internal/capture"
	"github.com/limhud/bgp2file/internal/config"
	"github.com/limhud/bgp2file/internal/message"
)

const testTimeout = 3 * time.Second

func testPeerConfig() config.PeerConfig {
	return config.PeerConfig{
		RemoteAS:   65001,
		RemoteAddr: netip.MustParseAddr("192.0.2.1"),
		LocalAS:    64512,
		LocalAddr:  netip.MustParseAddr("192.0.2.2"),
		Families:   []message.Family{{AFI: message.AFIIPv4, SAFI: message.SAFIUnicast}},
		HoldTime:   180,
	}
}

// recorderStub collects submitted records.
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

func (r *recorderStub) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func (r *recorderStub) record(i int) capture.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records[i]
}

// messageTypes returns the BGP type octet of each captured frame.
func (r *recorderStub) messageTypes() []uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]uint8, 0, len(r.records))
	for _, rec := range r.records {
		types = append(types, rec.Raw[18])
	}
	return types
}

// fakePeer drives the remote side of the session over a net.Pipe.
type fakePeer struct {
	t    *testing.T
	conn net.Conn
	msgs chan message.Message
}

func newFakePeer(t *testing.T, conn net.Conn) *fakePeer {
	t.Helper()
	p := &fakePeer{
		t:    t,
		conn: conn,
		msgs: make(chan message.Message, 16),
	}
	go p.readLoop()
	return p
}

func (p *fakePeer) readLoop() {
	buf := make([]byte, 0, 2*message.MaxLength)
	chunk := make([]byte, message.MaxLength)
	for {
		m, n, err := message.Decode(buf)
		if err == nil {
			buf = append(buf[:0], buf[n:]...)
			p.msgs <- m
			continue
		}
		r, err := p.conn.Read(chunk)
		if r > 0 {
			buf = append(buf, chunk[:r]...)
			continue
		}
		if err != nil {
			return
		}
	}
}

// expect returns the next message received from the session, skipping
// KEEPALIVEs unless a KEEPALIVE is expected.
func (p *fakePeer) expect(messageType uint8) message.Message {
	p.t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case m := <-p.msgs:
			if m.Type() == messageType {
				return m
			}
			if m.Type() == message.TypeKeepAlive {
				continue
			}
			p.t.Fatalf("expected message type %d, got %d", messageType, m.Type())
		case <-deadline:
			p.t.Fatalf("timed out waiting for message type %d", messageType)
		}
	}
}

func (p *fakePeer) send(m message.Message) {
	p.t.Helper()
	if _, err := p.conn.Write(m.Encode()); err != nil {
		p.t.Fatalf("fail to send to session: %s", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// startSession runs a session against a fake peer. The dial function hands
// out the pipe once, then blocks until the session stops.
func startSession(t *testing.T, cfg config.PeerConfig, opts Options) (*Session, *fakePeer, *recorderStub) {
	t.Helper()
	local, remote := net.Pipe()
	var dialed int32
	opts.Dial = func(ctx context.Context) (net.Conn, error) {
		if atomic.AddInt32(&dialed, 1) == 1 {
			return local, nil
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	rec := &recorderStub{}
	s, err := New(cfg, rec, opts)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	return s, newFakePeer(t, remote), rec
}

// handshake answers the session OPEN with the given hold time and completes
// the keepalive exchange.
func handshake(t *testing.T, s *Session, peer *fakePeer, holdTime uint16) *message.Open {
	t.Helper()
	m := peer.expect(message.TypeOpen)
	localOpen := m.(*message.Open)
	peer.send(message.NewOpen(65001, holdTime, 0xc0000201, []message.Family{{AFI: message.AFIIPv4, SAFI: message.SAFIUnicast}}))
	peer.expect(message.TypeKeepAlive)
	peer.send(&message.KeepAlive{})
	waitFor(t, "established state", func() bool { return s.State() == StateEstablished })
	return localOpen
}

func TestSessionEstablish(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s, peer, rec := startSession(t, testPeerConfig(), Options{Clock: clock})

	localOpen := handshake(t, s, peer, 90)
	assert.Equal(t, uint32(64512), localOpen.EffectiveAS())
	assert.Equal(t, uint16(180), localOpen.HoldTime)
	assert.Equal(t, uint32(0xc0000202), localOpen.ID) // 192.0.2.2
	assert.Equal(t, 0, s.ConnectRetryCounter())
	assert.Equal(t, netip.MustParseAddr("192.0.2.1"), s.RemoteID())

	// the peer OPEN is captured, the KEEPALIVE is not by default
	waitFor(t, "open capture", func() bool { return rec.count() == 1 })
	assert.Equal(t, []uint8{message.TypeOpen}, rec.messageTypes())

	peer.send(&message.Update{NLRI: []netip.Prefix{netip.MustParsePrefix("192.0.2.0/24")}})
	waitFor(t, "update capture", func() bool { return rec.count() == 2 })
	assert.Equal(t, []uint8{message.TypeOpen, message.TypeUpdate}, rec.messageTypes())
	assert.Equal(t, netip.MustParseAddr("192.0.2.1"), rec.record(1).Peer)

	// a deliberate stop sends CEASE
	s.Stop()
	n := peer.expect(message.TypeNotification).(*message.Notification)
	assert.Equal(t, message.NotifCodeCease, n.Code)
}

func TestSessionKeepaliveCapture(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s, peer, rec := startSession(t, testPeerConfig(), Options{Clock: clock, WriteKeepalive: true})

	handshake(t, s, peer, 90)
	// OPEN and the establishing KEEPALIVE are both captured
	waitFor(t, "keepalive capture", func() bool { return rec.count() == 2 })
	assert.Equal(t, []uint8{message.TypeOpen, message.TypeKeepAlive}, rec.messageTypes())
}

func TestSessionHoldTimerExpiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s, peer, _ := startSession(t, testPeerConfig(), Options{Clock: clock})

	handshake(t, s, peer, 90)

	// negotiated hold is min(180, 90): the keepalive timer fires at 30s
	clock.BlockUntil(2)
	clock.Advance(30 * time.Second)
	peer.expect(message.TypeKeepAlive)

	// no message from the peer for the rest of the hold time
	clock.BlockUntil(2)
	clock.Advance(61 * time.Second)
	n := peer.expect(message.TypeNotification).(*message.Notification)
	assert.Equal(t, message.NotifCodeHoldTimerExpired, n.Code)

	waitFor(t, "retry counter increment", func() bool { return s.ConnectRetryCounter() == 1 })
	waitFor(t, "idle state", func() bool { return s.State() == StateIdle })
}

func TestSessionZeroHoldTimeDisablesLiveness(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s, peer, rec := startSession(t, testPeerConfig(), Options{Clock: clock})

	handshake(t, s, peer, 0)

	// with a negotiated hold time of 0 no timer can bring the session down
	clock.Advance(24 * time.Hour)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, StateEstablished, s.State())

	peer.send(&message.Update{})
	waitFor(t, "update capture", func() bool { return rec.count() == 2 })
	assert.Equal(t, StateEstablished, s.State())
}

func TestSessionNotificationReceived(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s, peer, rec := startSession(t, testPeerConfig(), Options{Clock: clock})

	handshake(t, s, peer, 90)

	// an unknown code is captured like any other notification
	peer.send(message.NewNotification(99, 0, nil))
	waitFor(t, "notification capture", func() bool { return rec.count() == 2 })
	assert.Equal(t, []uint8{message.TypeOpen, message.TypeNotification}, rec.messageTypes())
	waitFor(t, "retry counter increment", func() bool { return s.ConnectRetryCounter() == 1 })
}

func TestSessionRejectsBadOpen(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s, peer, rec := startSession(t, testPeerConfig(), Options{Clock: clock})

	peer.expect(message.TypeOpen)
	// AS does not match the configured remote AS
	peer.send(message.NewOpen(65002, 90, 0xc0000201, nil))

	n := peer.expect(message.TypeNotification).(*message.Notification)
	assert.Equal(t, message.NotifCodeOpenMessageErr, n.Code)
	assert.Equal(t, message.NotifSubcodeBadPeerAS, n.Subcode)
	waitFor(t, "retry counter increment", func() bool { return s.ConnectRetryCounter() == 1 })

	// the rejected OPEN was still captured
	assert.Equal(t, []uint8{message.TypeOpen}, rec.messageTypes())
}

func TestSessionGarbageFromPeer(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s, peer, _ := startSession(t, testPeerConfig(), Options{Clock: clock})

	peer.expect(message.TypeOpen)
	_, err := peer.conn.Write(make([]byte, 19)) // zeroed marker
	require.NoError(t, err)

	n := peer.expect(message.TypeNotification).(*message.Notification)
	assert.Equal(t, message.NotifCodeMessageHeaderErr, n.Code)
	assert.Equal(t, message.NotifSubcodeConnNotSynchronized, n.Subcode)
	waitFor(t, "retry counter increment", func() bool { return s.ConnectRetryCounter() == 1 })
}

func TestSessionDialFailure(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var attempts int32
	opts := Options{
		Clock: clock,
		Dial: func(ctx context.Context) (net.Conn, error) {
			atomic.AddInt32(&attempts, 1)
			return nil, context.DeadlineExceeded
		},
		RetryMin: time.Second,
		RetryMax: 2 * time.Second,
	}
	rec := &recorderStub{}
	s, err := New(testPeerConfig(), rec, opts)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)

	waitFor(t, "first attempt", func() bool { return atomic.LoadInt32(&attempts) == 1 })
	waitFor(t, "active state", func() bool { return s.State() == StateActive })

	// each retry waits for the backoff delay; a transport failure alone
	// never increments the connect retry counter
	for i := int32(2); i <= 4; i++ {
		clock.BlockUntil(1)
		clock.Advance(3 * time.Second)
		waitFor(t, "next attempt", func() bool { return atomic.LoadInt32(&attempts) == i })
	}
	assert.Equal(t, 0, s.ConnectRetryCounter())
	assert.Equal(t, 0, rec.count())
}

func TestSessionDoubleStart(t *testing.T) {
	s, err := New(testPeerConfig(), &recorderStub{}, Options{
		Clock: clockwork.NewFakeClock(),
		Dial: func(ctx context.Context) (net.Conn, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	require.NoError(t, err)
	require.NoError(t, s.Start())
	assert.Error(t, s.Start())
	s.Stop()
}

func TestSessionNilRecorder(t *testing.T) {
	_, err := New(testPeerConfig(), nil, Options{})
	assert.Error(t, err)
}
