package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tracklink/internal/atcmd"
)

const (
	defaultATTimeout = 2 * time.Second
	maxATTimeout     = 60 * time.Second
)

// CommandRunner executes diagnostic modem commands.
type CommandRunner interface {
	Execute(ctx context.Context, command string, timeout time.Duration) (atcmd.Result, error)
}

type Deps struct {
	Status   *Status
	Commands CommandRunner
	Logs     *LogBuffer
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	Version  string
}

type atRequest struct {
	Command   string `json:"command"`
	TimeoutMS int    `json:"timeout_ms"`
}

type atResponse struct {
	OK         bool     `json:"ok"`
	Command    string   `json:"command"`
	Terminator string   `json:"terminator,omitempty"`
	Lines      []string `json:"lines"`
	ElapsedMS  int64    `json:"elapsed_ms"`
	Error      string   `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

func Handler(d Deps) http.Handler {
	status := d.Status
	if status == nil {
		status = NewStatus()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/api/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, status.Snapshot(time.Now().UTC()))
	})

	r.Post("/api/at", func(w http.ResponseWriter, r *http.Request) {
		if d.Commands == nil {
			http.Error(w, "modem unavailable", http.StatusServiceUnavailable)
			return
		}
		var req atRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		req.Command = strings.TrimSpace(req.Command)
		if req.Command == "" || strings.ContainsAny(req.Command, "\r\n") {
			http.Error(w, "command must be a single non-empty line", http.StatusBadRequest)
			return
		}
		timeout := defaultATTimeout
		if req.TimeoutMS > 0 {
			timeout = time.Duration(req.TimeoutMS) * time.Millisecond
		}
		if timeout > maxATTimeout {
			http.Error(w, "timeout_ms must be <= 60000", http.StatusBadRequest)
			return
		}

		res, err := d.Commands.Execute(r.Context(), req.Command, timeout)
		resp := atResponse{
			OK:         err == nil,
			Command:    req.Command,
			Terminator: res.Terminator,
			Lines:      res.Lines(),
			ElapsedMS:  res.Elapsed.Milliseconds(),
		}
		if resp.Lines == nil {
			resp.Lines = []string{}
		}
		code := http.StatusOK
		var fe *atcmd.FailureError
		switch {
		case err == nil:
		case errors.As(err, &fe):
			// The modem answered; report its failure line.
			resp.Terminator = fe.Terminator
			resp.Error = err.Error()
		case errors.Is(err, atcmd.ErrTimeout):
			resp.Error = err.Error()
			code = http.StatusGatewayTimeout
		default:
			resp.Error = err.Error()
			code = http.StatusBadGateway
		}
		writeJSON(w, code, resp)
	})

	if d.Logs != nil {
		r.Method(http.MethodGet, "/api/logs", d.Logs.Handler())
	}
	r.Method(http.MethodGet, "/api/about", AboutHandler(d.Version))

	if d.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	return r
}

func Serve(ctx context.Context, listenAddr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// Longer than the largest /api/at timeout.
		WriteTimeout:   75 * time.Second,
		IdleTimeout:    30 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
