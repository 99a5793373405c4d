package main

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracklink/internal/event"
)

func TestEventSummary_CountsAndReadyTime(t *testing.T) {
	var buf bytes.Buffer
	s := newEventSummary(log.New(&buf))

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	emit := func(k event.Kind, payload any, at time.Duration) {
		s.HandleEvent(event.Event{Kind: k, Payload: payload, Time: t0.Add(at)})
	}
	emit(event.LinkConnected, nil, 0)
	emit(event.LinkGotTransport, "10.0.0.2", time.Second)
	emit(event.SessionConnected, nil, 2*time.Second)
	emit(event.StackReady, nil, 2*time.Second)
	emit(event.LinkLostTransport, nil, 62*time.Second)
	emit(event.Error, errors.New("bearer lost"), 63*time.Second)

	sm := s.snapshot(t0.Add(time.Hour))
	assert.Equal(t, 6, sm.Total)
	assert.Equal(t, 63*time.Second, sm.Span)
	assert.Equal(t, time.Minute, sm.ReadyTime)
	assert.Equal(t, "bearer lost", sm.LastError)
	assert.Equal(t, "error=1 link_connected=1 link_got_transport=1 link_lost_transport=1 session_connected=1 stack_ready=1", sm.format())

	assert.Contains(t, buf.String(), "10.0.0.2")
	assert.Contains(t, buf.String(), "bearer lost")
}

func TestEventSummary_OpenReadyInterval(t *testing.T) {
	s := newEventSummary(log.New(&bytes.Buffer{}))
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.HandleEvent(event.Event{Kind: event.StackReady, Time: t0})

	sm := s.snapshot(t0.Add(90 * time.Second))
	assert.Equal(t, 90*time.Second, sm.ReadyTime)
	assert.Zero(t, sm.Span)
}

func TestEventSummary_LogSummary(t *testing.T) {
	var buf bytes.Buffer
	s := newEventSummary(log.New(&buf))
	s.logSummary()
	require.Contains(t, buf.String(), "no lifecycle events")

	buf.Reset()
	s.HandleEvent(event.New(event.SessionError, errors.New("refused")))
	s.logSummary()
	out := buf.String()
	assert.Contains(t, out, "event summary")
	assert.Contains(t, out, "session_error=1")
	assert.Contains(t, out, "refused")
}
