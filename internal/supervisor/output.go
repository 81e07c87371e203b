package supervisor

import (
	"bytes"
	"sync"

	"github.com/4darsh-Dev/comfyui-serverless/internal/infra"
)

// DefaultOutputLimit bounds the captured process output.
const DefaultOutputLimit = 64 << 10

// tailWriter keeps the last limit bytes written to it and forwards complete
// lines to the logger. Safe for concurrent writers.
type tailWriter struct {
	mu      sync.Mutex
	limit   int
	buf     []byte
	partial []byte
	logger  *infra.Logger
}

func newTailWriter(limit int, logger *infra.Logger) *tailWriter {
	if limit <= 0 {
		limit = DefaultOutputLimit
	}
	return &tailWriter{limit: limit, logger: infra.LoggerOrDiscard(logger)}
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	if over := len(w.buf) - w.limit; over > 0 {
		w.buf = append(w.buf[:0], w.buf[over:]...)
	}

	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimRight(w.partial[:i], "\r")
		if len(line) > 0 {
			w.logger.Debug().Str("stream", "backend").Msg(string(line))
		}
		w.partial = w.partial[i+1:]
	}
	if len(w.partial) > w.limit {
		w.partial = w.partial[len(w.partial)-w.limit:]
	}
	return len(p), nil
}

// String returns the captured tail.
func (w *tailWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return string(w.buf)
}
