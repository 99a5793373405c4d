package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// LogBuffer keeps the most recent log lines for /api/logs. It is an
// io.Writer so it can sit behind the process logger.
type LogBuffer struct {
	mu      sync.Mutex
	max     int
	lines   []string
	partial []byte
	dropped uint64
}

func NewLogBuffer(maxLines int) *LogBuffer {
	if maxLines <= 0 {
		maxLines = 2000
	}
	return &LogBuffer{max: maxLines}
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data := p
	if len(b.partial) > 0 {
		data = append(b.partial, p...)
		b.partial = nil
	}
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		b.appendLocked(string(bytes.TrimRight(data[:i], "\r")))
		data = data[i+1:]
	}
	if len(data) > 0 {
		b.partial = append([]byte(nil), data...)
	}
	return len(p), nil
}

func (b *LogBuffer) appendLocked(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	if len(b.lines) == b.max {
		copy(b.lines, b.lines[1:])
		b.lines = b.lines[:b.max-1]
		b.dropped++
	}
	b.lines = append(b.lines, line)
}

var levelRank = map[string]int{"debug": 0, "info": 1, "warn": 2, "error": 3, "fatal": 4}

// lineLevel finds the level of a text ("INFO msg") or JSON ("level":"info")
// log line. Unknown lines rank as info.
func lineLevel(line string) int {
	if strings.HasPrefix(line, "{") {
		var rec struct {
			Level string `json:"level"`
		}
		if json.Unmarshal([]byte(line), &rec) == nil {
			if r, ok := levelRank[strings.ToLower(rec.Level)]; ok {
				return r
			}
		}
		return levelRank["info"]
	}
	for _, f := range strings.Fields(line) {
		switch f {
		case "DEBU", "DEBUG":
			return levelRank["debug"]
		case "INFO":
			return levelRank["info"]
		case "WARN":
			return levelRank["warn"]
		case "ERRO", "ERROR":
			return levelRank["error"]
		case "FATA", "FATAL":
			return levelRank["fatal"]
		}
	}
	return levelRank["info"]
}

// Tail returns up to n of the newest lines at or above minLevel.
func (b *LogBuffer) Tail(n int, minLevel string) (lines []string, dropped uint64) {
	minRank := levelRank[minLevel]

	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.lines) - 1; i >= 0 && len(lines) < n; i-- {
		if lineLevel(b.lines[i]) >= minRank {
			lines = append(lines, b.lines[i])
		}
	}
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines, b.dropped
}

type LogsResponse struct {
	NowUTC  string   `json:"now_utc"`
	Dropped uint64   `json:"dropped"`
	Lines   []string `json:"lines"`
}

func (b *LogBuffer) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		tail := 200
		if s := strings.TrimSpace(q.Get("tail")); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil || v < 1 || v > 5000 {
				http.Error(w, "tail must be an integer in [1,5000]", http.StatusBadRequest)
				return
			}
			tail = v
		}
		level := strings.ToLower(strings.TrimSpace(q.Get("level")))
		if level == "" {
			level = "debug"
		}
		if _, ok := levelRank[level]; !ok {
			http.Error(w, "level must be one of debug, info, warn, error", http.StatusBadRequest)
			return
		}

		lines, dropped := b.Tail(tail, level)
		if strings.EqualFold(q.Get("format"), "text") {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("Cache-Control", "no-store")
			if dropped > 0 {
				_, _ = fmt.Fprintf(w, "[dropped=%d]\n", dropped)
			}
			for _, line := range lines {
				_, _ = fmt.Fprintln(w, line)
			}
			return
		}
		if lines == nil {
			lines = []string{}
		}
		writeJSON(w, http.StatusOK, LogsResponse{
			NowUTC:  time.Now().UTC().Format(time.RFC3339Nano),
			Dropped: dropped,
			Lines:   lines,
		})
	})
}
