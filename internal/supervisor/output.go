package supervisor

import (
	"bytes"
	"sync"
)

// lineWriter splits process output into lines and hands each one to emit.
type lineWriter struct {
	stream string
	emit   func(stream, line string)

	mu  sync.Mutex
	buf []byte
}

func newLineWriter(stream string, emit func(stream, line string)) *lineWriter {
	return &lineWriter{stream: stream, emit: emit}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimRight(w.buf[:i], "\r")
		if len(line) > 0 {
			w.emit(w.stream, string(line))
		}
		w.buf = w.buf[i+1:]
	}
	// keep a runaway partial line bounded
	if len(w.buf) > 64<<10 {
		w.emit(w.stream, string(w.buf))
		w.buf = w.buf[:0]
	}
	return len(p), nil
}
