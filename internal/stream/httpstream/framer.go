package httpstream

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

var (
	dataField    = []byte("data:")
	sseFieldKeys = [][]byte{[]byte("event:"), []byte("id:"), []byte("retry:")}
)

// framer splits a response body into event frames. Plain lines are NDJSON
// frames. SSE "data:" lines accumulate until a blank line; other SSE fields
// and comments are skipped.
type framer struct {
	emit func([]byte)
	data [][]byte
}

func (f *framer) line(raw []byte) {
	line := bytes.TrimRight(raw, "\r")
	switch {
	case len(bytes.TrimSpace(line)) == 0:
		f.flush()
	case line[0] == ':':
	case bytes.HasPrefix(line, dataField):
		payload := bytes.TrimPrefix(line[len(dataField):], []byte(" "))
		f.data = append(f.data, append([]byte(nil), payload...))
	case isSSEField(line):
	default:
		f.emit(append([]byte(nil), line...))
	}
}

// discard drops a partially accumulated SSE event.
func (f *framer) discard() {
	f.data = nil
}

func (f *framer) flush() {
	if len(f.data) == 0 {
		return
	}
	frame := bytes.Join(f.data, []byte("\n"))
	f.data = nil
	f.emit(frame)
}

func isSSEField(line []byte) bool {
	for _, key := range sseFieldKeys {
		if bytes.HasPrefix(line, key) {
			return true
		}
	}
	return false
}

// lineReader yields body lines without their terminator. Lines longer than
// max are consumed and skipped instead of failing the stream.
type lineReader struct {
	r   *bufio.Reader
	max int
	buf []byte
}

func newLineReader(r io.Reader, limit int) *lineReader {
	return &lineReader{r: bufio.NewReaderSize(r, 64*1024), max: limit}
}

// next returns the next line. When the line exceeded max, oversized is true
// and line is nil. The returned slice is only valid until the next call.
func (l *lineReader) next() (line []byte, oversized bool, err error) {
	l.buf = l.buf[:0]
	read := false
	for {
		chunk, err := l.r.ReadSlice('\n')
		read = read || len(chunk) > 0
		if !oversized {
			content := bytes.TrimSuffix(chunk, []byte("\n"))
			if len(l.buf)+len(content) > l.max {
				oversized = true
				l.buf = l.buf[:0]
			} else {
				l.buf = append(l.buf, content...)
			}
		}
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && read:
			return l.result(oversized), oversized, nil
		case err != nil:
			return nil, false, err
		default:
			return l.result(oversized), oversized, nil
		}
	}
}

func (l *lineReader) result(oversized bool) []byte {
	if oversized {
		return nil
	}
	return l.buf
}
