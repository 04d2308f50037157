package worker

import (
	"bytes"
	"sync"
	"time"

	"github.com/srand/buildmaster/pkg/protocol"
)

// Receives the output of a step, one line at a time.
type Output func(line protocol.LogLine)

// Splits a byte stream into log lines.
type lineWriter struct {
	sync.Mutex
	stream string
	output Output
	buf    []byte
}

func newLineWriter(stream string, output Output) *lineWriter {
	return &lineWriter{stream: stream, output: output}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.Lock()
	defer w.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Emits a trailing line without newline.
func (w *lineWriter) Flush() {
	w.Lock()
	defer w.Unlock()

	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *lineWriter) emit(line []byte) {
	w.output(protocol.LogLine{
		Time:    time.Now(),
		Stream:  w.stream,
		Message: string(bytes.TrimSuffix(line, []byte{'\r'})),
	})
}
