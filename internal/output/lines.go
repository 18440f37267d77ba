package output

import "bytes"

// LineSplitter reassembles raw output chunks into complete lines. A partial
// trailing fragment is held back and prefixed onto the next chunk.
//
// LineSplitter is not safe for concurrent use; use one per stream.
type LineSplitter struct {
	partial []byte
	emit    func(line string)
}

// NewLineSplitter returns a LineSplitter that calls emit once per completed
// line, without the trailing newline.
func NewLineSplitter(emit func(line string)) *LineSplitter {
	return &LineSplitter{emit: emit}
}

// Write implements io.Writer. It never returns an error.
func (l *LineSplitter) Write(p []byte) (int, error) {
	data := p

	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}

		if len(l.partial) > 0 {
			l.partial = append(l.partial, data[:i]...)
			l.emit(string(l.partial))
			l.partial = l.partial[:0]
		} else {
			l.emit(string(data[:i]))
		}

		data = data[i+1:]
	}

	l.partial = append(l.partial, data...)

	return len(p), nil
}

// Flush emits any buffered partial line. It is called once the stream has
// ended so that output without a trailing newline is not lost.
func (l *LineSplitter) Flush() {
	if len(l.partial) == 0 {
		return
	}

	line := string(l.partial)
	l.partial = l.partial[:0]

	l.emit(line)
}
