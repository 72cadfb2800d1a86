package ingest

import (
	"bufio"
	"io"
	"strings"
)

const (
	initialBufSize = 4 * 1024
	maxLineLen     = 64 * 1024
)

// lineReader reads script files line by line, skipping lines that
// exceed maxLen rather than aborting. It counts physical lines so
// errors can point at the offending one.
type lineReader struct {
	r      *bufio.Reader
	maxLen int
	buf    []byte
	n      int
	err    error
}

func newLineReader(r io.Reader, maxLen int) *lineReader {
	return &lineReader{
		r:      bufio.NewReaderSize(r, initialBufSize),
		maxLen: maxLen,
		buf:    make([]byte, 0, initialBufSize),
	}
}

// next returns the next non-blank line and its 1-based number, or
// ok=false at EOF or on a read error (see Err).
func (lr *lineReader) next() (line string, n int, ok bool) {
	for {
		line, skipped, err := lr.readLine()
		if err != nil {
			if err != io.EOF {
				lr.err = err
			}
			return "", 0, false
		}
		lr.n++
		if skipped || strings.TrimSpace(line) == "" {
			continue
		}
		return line, lr.n, true
	}
}

// Err returns the first non-EOF read error.
func (lr *lineReader) Err() error { return lr.err }

// readLine reads a full line. skipped is true for oversized lines.
func (lr *lineReader) readLine() (line string, skipped bool, err error) {
	lr.buf = lr.buf[:0]
	oversized := false

	for {
		chunk, isPrefix, err := lr.r.ReadLine()
		if err != nil {
			if err == io.EOF && (len(lr.buf) > 0 || oversized) {
				break
			}
			return "", false, err
		}

		if oversized {
			if !isPrefix {
				return "", true, nil
			}
			continue
		}

		lr.buf = append(lr.buf, chunk...)

		if len(lr.buf) > lr.maxLen {
			oversized = true
			lr.buf = lr.buf[:0]
			if !isPrefix {
				return "", true, nil
			}
			continue
		}

		if !isPrefix {
			break
		}
	}

	return string(lr.buf), oversized, nil
}
