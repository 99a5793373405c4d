package main

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"tracklink/internal/event"
)

// eventSummary logs lifecycle events as they arrive and keeps per-kind
// counts for the shutdown summary.
type eventSummary struct {
	log *log.Logger

	mu        sync.Mutex
	counts    map[event.Kind]int
	first     time.Time
	last      time.Time
	readyAt   time.Time
	readyTime time.Duration
	lastErr   string
}

func newEventSummary(logger *log.Logger) *eventSummary {
	return &eventSummary{log: logger, counts: map[event.Kind]int{}}
}

func (s *eventSummary) HandleEvent(ev event.Event) {
	s.mu.Lock()
	s.counts[ev.Kind]++
	if s.first.IsZero() {
		s.first = ev.Time
	}
	s.last = ev.Time
	switch ev.Kind {
	case event.StackReady:
		s.readyAt = ev.Time
	case event.LinkLostTransport, event.SessionDisconnected, event.LinkDisconnected:
		if !s.readyAt.IsZero() {
			s.readyTime += ev.Time.Sub(s.readyAt)
			s.readyAt = time.Time{}
		}
	}
	if err := ev.Err(); err != nil {
		s.lastErr = err.Error()
	}
	s.mu.Unlock()

	switch ev.Kind {
	case event.Error, event.SessionError:
		s.log.Warn(ev.Kind.String(), "err", ev.Err())
	case event.SessionData:
		s.log.Debug(ev.Kind.String(), "payload", fmt.Sprint(ev.Payload))
	case event.LinkGotTransport:
		s.log.Info(ev.Kind.String(), "addr", ev.Payload)
	case event.LinkReconnecting:
		s.log.Info(ev.Kind.String(), "attempt", ev.Payload)
	default:
		s.log.Info(ev.Kind.String())
	}
}

type summary struct {
	Total     int
	Span      time.Duration
	ReadyTime time.Duration
	Counts    map[string]int
	LastError string
}

func (s *eventSummary) snapshot(now time.Time) summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := summary{Counts: make(map[string]int, len(s.counts)), LastError: s.lastErr, ReadyTime: s.readyTime}
	for k, n := range s.counts {
		out.Counts[k.String()] = n
		out.Total += n
	}
	if !s.first.IsZero() {
		out.Span = s.last.Sub(s.first)
	}
	if !s.readyAt.IsZero() && now.After(s.readyAt) {
		out.ReadyTime += now.Sub(s.readyAt)
	}
	return out
}

// format renders counts sorted by kind name so output is stable.
func (sm summary) format() string {
	names := make([]string, 0, len(sm.Counts))
	for name := range sm.Counts {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "%s=%d", name, sm.Counts[name])
	}
	return b.String()
}

func (s *eventSummary) logSummary() {
	sm := s.snapshot(time.Now().UTC())
	if sm.Total == 0 {
		s.log.Info("no lifecycle events")
		return
	}
	kv := []any{"total", sm.Total, "span", sm.Span.Round(time.Second), "ready", sm.ReadyTime.Round(time.Second), "counts", sm.format()}
	if sm.LastError != "" {
		kv = append(kv, "last_error", sm.LastError)
	}
	s.log.Info("event summary", kv...)
}
