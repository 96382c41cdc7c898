package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
)

// Writer forwards the output of external commands (systemctl, block setup) to slog, one record per
// line. It is safe for concurrent use by a command's stdout and stderr.
type Writer struct {
	logger  *slog.Logger
	command string

	mu  sync.Mutex
	buf bytes.Buffer
}

// NewWriter constructs a Writer bound to logger. command is attached to every record.
func NewWriter(logger *slog.Logger, command string) *Writer {
	return &Writer{logger: logger, command: command}
}

// Write buffers p and logs every complete line at info level.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Incomplete line; keep it for the next write.
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		w.emit(line)
	}
	return len(p), nil
}

// Flush logs any buffered partial line.
func (w *Writer) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.String())
		w.buf.Reset()
	}
}

func (w *Writer) emit(line string) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" || w.logger == nil {
		return
	}
	w.logger.Info("command output", "command", w.command, "line", line)
}
