package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracklink/internal/atcmd"
	"tracklink/internal/fuelgauge"
	"tracklink/internal/gps"
	"tracklink/internal/link"
	"tracklink/internal/stack"
	"tracklink/internal/tracker"
)

type stubStack struct{ snap stack.Snapshot }

func (s stubStack) Snapshot() stack.Snapshot { return s.snap }

type stubGPS struct{}

func (stubGPS) Snapshot() gps.Fix { return gps.Fix{Valid: true, Lat: 1.5, Lon: 2.5} }
func (stubGPS) Stats() gps.Stats  { return gps.Stats{Sentences: 7} }

type stubBattery struct{ err error }

func (b stubBattery) Read() (fuelgauge.Reading, error) {
	return fuelgauge.Reading{Voltage: 3.8, Percent: 55}, b.err
}

type stubTracker struct{}

func (stubTracker) Snapshot() tracker.Snapshot { return tracker.Snapshot{Enabled: true, Published: 3} }

type stubRunner struct {
	gotCmd     string
	gotTimeout time.Duration
	res        atcmd.Result
	err        error
}

func (r *stubRunner) Execute(_ context.Context, command string, timeout time.Duration) (atcmd.Result, error) {
	r.gotCmd, r.gotTimeout = command, timeout
	return r.res, r.err
}

func TestAPIStatus(t *testing.T) {
	st := NewStatus()
	st.SetStack(stubStack{snap: stack.Snapshot{Active: true, Ready: true, Link: link.Snapshot{State: "connected", Address: "10.64.0.9"}}})
	st.SetGPS(stubGPS{})
	st.SetBattery(stubBattery{})
	st.SetTracker(stubTracker{})

	ts := httptest.NewServer(Handler(Deps{Status: st}))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var snap StatusSnapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, "tracklink", snap.Service)
	require.NotNil(t, snap.Stack)
	assert.True(t, snap.Stack.Ready)
	assert.Equal(t, "10.64.0.9", snap.Stack.Link.Address)
	require.NotNil(t, snap.GPS)
	assert.True(t, snap.GPS.Valid)
	assert.Equal(t, uint64(7), snap.GPSStats.Sentences)
	require.NotNil(t, snap.Battery)
	assert.Equal(t, 55.0, snap.Battery.Percent)
	require.NotNil(t, snap.Tracker)
	assert.Equal(t, uint64(3), snap.Tracker.Published)
}

func TestAPIStatus_EmptyAndBatteryError(t *testing.T) {
	st := NewStatus()
	st.SetBattery(stubBattery{err: errors.New("nack")})
	snap := st.Snapshot(time.Time{})
	assert.Nil(t, snap.Stack)
	assert.Nil(t, snap.Battery)
	assert.Equal(t, "nack", snap.BatteryError)
}

func TestAPIStatus_MethodNotAllowed(t *testing.T) {
	ts := httptest.NewServer(Handler(Deps{}))
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/status", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func postAT(t *testing.T, h http.Handler, body string) (*httptest.ResponseRecorder, atResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/at", strings.NewReader(body)))
	var out atResponse
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestAPIAT_Success(t *testing.T) {
	run := &stubRunner{res: atcmd.Result{
		Command:    "AT+CSQ",
		Response:   []byte("AT+CSQ\r\n+CSQ: 21,99\r\n\r\nOK\r\n"),
		Terminator: "OK",
		Elapsed:    40 * time.Millisecond,
	}}
	rec, out := postAT(t, Handler(Deps{Commands: run}), `{"command":" AT+CSQ ","timeout_ms":500}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "AT+CSQ", run.gotCmd)
	assert.Equal(t, 500*time.Millisecond, run.gotTimeout)
	assert.True(t, out.OK)
	assert.Equal(t, "OK", out.Terminator)
	assert.Contains(t, out.Lines, "+CSQ: 21,99")
	assert.Equal(t, int64(40), out.ElapsedMS)
}

func TestAPIAT_Errors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"Failure", &atcmd.FailureError{Command: "AT+X", Terminator: "ERROR", Response: []byte("ERROR\r\n")}, http.StatusOK},
		{"Timeout", &atcmd.TimeoutError{Command: "AT+X", Timeout: time.Second}, http.StatusGatewayTimeout},
		{"Transport", io.ErrClosedPipe, http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, out := postAT(t, Handler(Deps{Commands: &stubRunner{err: tc.err}}), `{"command":"AT+X"}`)
			assert.Equal(t, tc.code, rec.Code)
			assert.False(t, out.OK)
			assert.NotEmpty(t, out.Error)
			assert.NotNil(t, out.Lines)
		})
	}
}

func TestAPIAT_BadRequests(t *testing.T) {
	h := Handler(Deps{Commands: &stubRunner{}})
	for _, body := range []string{
		`not json`,
		`{"command":""}`,
		`{"command":"AT\r\nAT"}`,
		`{"command":"AT","timeout_ms":600000}`,
		`{"command":"AT","extra":1}`,
	} {
		rec, _ := postAT(t, h, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}

	rec := httptest.NewRecorder()
	Handler(Deps{}).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/at", bytes.NewBufferString(`{"command":"AT"}`)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "tracklink_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Add(2)

	rec := httptest.NewRecorder()
	Handler(Deps{Gatherer: reg}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tracklink_test_total 2")

	rec = httptest.NewRecorder()
	Handler(Deps{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAboutAndLogs(t *testing.T) {
	logs := NewLogBuffer(10)
	_, _ = logs.Write([]byte("INFO link connected\n"))
	h := Handler(Deps{Logs: logs})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/about", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var about AboutResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &about))
	assert.Equal(t, "tracklink", about.Service)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/logs?format=text", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "link connected")
}

func TestServe_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- Serve(ctx, "127.0.0.1:0", Handler(Deps{})) }()
	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}
