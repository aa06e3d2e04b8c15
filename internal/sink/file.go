package sink

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jonboulle/clockwork"
	"github.com/palantir/stacktrace"
)

// messageFile is one rotating capture stream: a current file, its size and
// the rotation bound. A new file is opened whenever writing the next record
// would exceed maxBytes; a closed file is never appended to again.
type messageFile struct {
	dir      string
	stream   string
	maxBytes int64
	clock    clockwork.Clock

	seq  int
	size int64
	file *os.File
}

func newMessageFile(dir, stream string, maxBytes int64, clock clockwork.Clock) *messageFile {
	return &messageFile{
		dir:      dir,
		stream:   stream,
		maxBytes: maxBytes,
		clock:    clock,
	}
}

// open creates the next file of the stream. The name embeds the open
// timestamp and a sequence index so that chronological ordering stays
// unambiguous across process restarts.
func (m *messageFile) open() error {
	m.seq++
	name := fmt.Sprintf("%s.%d.%04d.dump", m.stream, m.clock.Now().Unix(), m.seq)
	file, err := os.OpenFile(filepath.Join(m.dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return stacktrace.Propagate(err, "fail to open capture file <%s>", name)
	}
	m.file = file
	m.size = 0
	return nil
}

// write appends one encoded record, rotating first if it would push the
// current file past maxBytes. The record is never split across files.
func (m *messageFile) write(b []byte) error {
	if int64(len(b)) > m.maxBytes {
		return stacktrace.NewError("record of <%d> bytes exceeds the <%d> bytes file size limit", len(b), m.maxBytes)
	}
	if m.file == nil {
		if err := m.open(); err != nil {
			return err
		}
	} else if m.size+int64(len(b)) > m.maxBytes {
		if err := m.close(); err != nil {
			return err
		}
		if err := m.open(); err != nil {
			return err
		}
	}
	n, err := m.file.Write(b)
	m.size += int64(n)
	if err != nil {
		return stacktrace.Propagate(err, "fail to write capture file <%s>", m.file.Name())
	}
	return nil
}

// close flushes the current file to disk and closes it. It is safe to call
// on a stream with no open file.
func (m *messageFile) close() error {
	if m.file == nil {
		return nil
	}
	file := m.file
	m.file = nil
	defer file.Close()
	if err := file.Sync(); err != nil {
		return stacktrace.Propagate(err, "fail to sync capture file <%s>", file.Name())
	}
	return nil
}
