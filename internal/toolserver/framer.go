package toolserver

import "bytes"

// framer reassembles newline-delimited messages from an arbitrarily chunked
// byte stream. Chunks carry no alignment guarantee: a message may arrive
// split across any number of reads, and a single read may carry several
// messages. The framer keeps the trailing partial line until its remainder
// arrives.
type framer struct {
	buf []byte

	// discarding is set once a partial line exceeds maxFrame; bytes are
	// then thrown away until the line's terminator arrives.
	discarding bool
	dropped    int
}

// maxFrame caps the buffered size of a single message. A server that emits
// a line beyond this is misbehaving; the line is dropped as soon as the cap
// is crossed, mid-accumulation, so a terminator-free stream cannot grow the
// buffer without bound.
const maxFrame = 4 << 20

// Push appends a chunk and returns every complete line it closes, in order.
// Empty lines are skipped and oversized lines are dropped; Dropped reports
// the running count so the caller can log. The returned slices are copies
// and remain valid after the next Push.
func (f *framer) Push(chunk []byte) [][]byte {
	f.buf = append(f.buf, chunk...)

	var lines [][]byte
	for {
		i := bytes.IndexByte(f.buf, '\n')
		if i < 0 {
			break
		}
		line := f.buf[:i]
		f.buf = f.buf[i+1:]
		if f.discarding {
			// Tail of a line whose head already blew the cap.
			f.discarding = false
			continue
		}
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}
		if len(line) == 0 {
			continue
		}
		if len(line) > maxFrame {
			f.dropped++
			continue
		}
		lines = append(lines, append([]byte(nil), line...))
	}

	if !f.discarding && len(f.buf) > maxFrame {
		f.dropped++
		f.discarding = true
	}
	if f.discarding {
		f.buf = nil
	}

	// Reclaim the backing array once the consumed prefix dominates it.
	if cap(f.buf) > maxFrame && len(f.buf) < cap(f.buf)/2 {
		f.buf = append([]byte(nil), f.buf...)
	}
	return lines
}

// Pending reports the number of buffered bytes awaiting a line terminator.
func (f *framer) Pending() int {
	return len(f.buf)
}

// Dropped reports how many oversized lines have been discarded so far.
func (f *framer) Dropped() int {
	return f.dropped
}
