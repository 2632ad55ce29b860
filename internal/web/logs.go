package web

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// maxPartial bounds an unterminated line before it is flushed as-is.
const maxPartial = 1 << 20

// LogBuffer keeps the most recent log lines for /api/logs. The process logger tees into
// it.
type LogBuffer struct {
	mu      sync.Mutex
	max     int
	lines   []string
	partial string
	dropped uint64
}

func NewLogBuffer(maxLines int) *LogBuffer {
	if maxLines <= 0 {
		maxLines = 500
	}
	return &LogBuffer{max: maxLines}
}

// Write implements io.Writer. Input is split on newlines; a trailing fragment is held
// until the rest of its line arrives.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data := p
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		line := b.partial + string(data[:i])
		b.partial = ""
		b.appendLineLocked(line)
		data = data[i+1:]
	}
	if len(data) > 0 {
		b.partial += string(data)
		if len(b.partial) > maxPartial {
			b.appendLineLocked(b.partial)
			b.partial = ""
		}
	}
	return len(p), nil
}

func (b *LogBuffer) appendLineLocked(line string) {
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return
	}
	b.lines = append(b.lines, line)
	if len(b.lines) > b.max {
		over := len(b.lines) - b.max
		b.lines = b.lines[over:]
		b.dropped += uint64(over)
	}
}

// LogsResponse is the JSON body of /api/logs.
type LogsResponse struct {
	Lines    []string `json:"lines"`
	Buffered int      `json:"buffered"`
	Dropped  uint64   `json:"dropped"`
}

const defaultTail = 100

// Snapshot copies the newest tail lines. tail <= 0 means defaultTail.
func (b *LogBuffer) Snapshot(tail int) (lines []string, dropped uint64) {
	lines, _, dropped = b.snapshot(tail)
	return lines, dropped
}

func (b *LogBuffer) snapshot(tail int) (lines []string, buffered int, dropped uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if tail <= 0 {
		tail = defaultTail
	}
	tail = min(tail, len(b.lines))
	return slices.Clone(b.lines[len(b.lines)-tail:]), len(b.lines), b.dropped
}

// Handler serves GET /api/logs?tail=N[&format=text]. N is capped at the buffer size.
func (b *LogBuffer) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		tail, err := parseTail(r.URL.Query().Get("tail"), b.max)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		lines, buffered, dropped := b.snapshot(tail)
		if r.URL.Query().Get("format") == "text" {
			writeLogText(w, lines, dropped)
			return
		}
		writeJSON(w, http.StatusOK, LogsResponse{Lines: lines, Buffered: buffered, Dropped: dropped})
	})
}

func parseTail(raw string, limit int) (int, error) {
	if raw == "" {
		return defaultTail, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("tail must be a positive integer, got %q", raw)
	}
	return min(n, limit), nil
}

func writeLogText(w http.ResponseWriter, lines []string, dropped uint64) {
	var sb strings.Builder
	if dropped > 0 {
		fmt.Fprintf(&sb, "... %d earlier lines dropped\n", dropped)
	}
	for _, line := range lines {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = io.WriteString(w, sb.String())
}
