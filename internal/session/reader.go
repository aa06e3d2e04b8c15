package session

import (
	"errors"
	"io"
	"sync"

	"github.com/limhud/bgp2file/internal/message"
)

// startReader launches the goroutine framing messages off the transport.
// Each message is delivered on inboundCh together with its raw frame; a
// protocol violation or transport failure is delivered once on readerErrCh
// and terminates the reader.
func (s *Session) startReader() {
	s.inboundCh = make(chan inbound)
	s.readerErrCh = make(chan error)
	s.readerDoneCh = make(chan struct{})
	s.closeReaderCh = make(chan struct{})
	s.closeReaderOnce = &sync.Once{}
	go s.read()
}

func (s *Session) read() {
	defer close(s.readerDoneCh)
	conn := s.conn
	buf := make([]byte, 0, 2*message.MaxLength)
	chunk := make([]byte, message.MaxLength)
	for {
		m, n, err := message.Decode(buf)
		if err == nil {
			raw := make([]byte, n)
			copy(raw, buf[:n])
			buf = append(buf[:0], buf[n:]...)
			select {
			case <-s.closeReaderCh:
				return
			case s.inboundCh <- inbound{msg: m, raw: raw, receivedAt: s.clock.Now()}:
			}
			continue
		}
		if !errors.Is(err, message.ErrTruncated) {
			select {
			case <-s.closeReaderCh:
			case s.readerErrCh <- err:
			}
			return
		}
		r, err := conn.Read(chunk)
		if r > 0 {
			buf = append(buf, chunk[:r]...)
			continue
		}
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		select {
		case <-s.closeReaderCh:
		case s.readerErrCh <- err:
		}
		return
	}
}

// releaseConn drops the transport and waits for the reader goroutine to
// exit. It is safe to call with no connection open.
func (s *Session) releaseConn() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	if s.closeReaderCh == nil {
		return
	}
	s.closeReaderOnce.Do(func() {
		close(s.closeReaderCh)
	})
	<-s.readerDoneCh
	s.closeReaderCh = nil
}
