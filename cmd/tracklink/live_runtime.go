package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"tracklink/internal/atcmd"
	"tracklink/internal/config"
	"tracklink/internal/fuelgauge"
	"tracklink/internal/gps"
	"tracklink/internal/i2c"
	"tracklink/internal/ingest"
	"tracklink/internal/link"
	"tracklink/internal/metrics"
	"tracklink/internal/modempower"
	"tracklink/internal/retry"
	"tracklink/internal/serialport"
	"tracklink/internal/session"
	"tracklink/internal/stack"
	"tracklink/internal/tracker"
	"tracklink/internal/web"
)

var (
	openTransportFn = serialport.Open
	openPowerFn     = modempower.Open
	openI2CFn       = i2c.Open
	openFuelGaugeFn = fuelgauge.Open
	serveFn         = web.Serve
)

func pipelineConfig(c config.Config) ingest.Config {
	return ingest.Config{
		Descriptors:      c.Pipeline.Descriptors,
		BufferSize:       c.Pipeline.BufferBytes,
		CommandQueue:     c.Pipeline.CommandQueue,
		PositioningQueue: c.Pipeline.PositioningQueue,
	}
}

func retryPolicy(c config.Config) retry.Policy {
	return retry.Policy{
		Initial:    c.Retry.Initial,
		Max:        c.Retry.Max,
		Multiplier: c.Retry.Multiplier,
		Jitter:     c.Retry.Jitter,
	}
}

func stackConfig(c config.Config) stack.Config {
	pol := retryPolicy(c)
	return stack.Config{
		Serial:   serialport.Config{Device: c.Serial.Device, Baud: c.Serial.Baud},
		Pipeline: pipelineConfig(c),
		Link: link.Config{
			APN:            c.Link.APN,
			Username:       c.Link.Username,
			Password:       c.Link.Password,
			ContextID:      c.Link.ContextID,
			CommandTimeout: c.Link.CommandTimeout,
			AttachTimeout:  c.Link.AttachTimeout,
			MaxRetries:     c.Link.MaxRetries,
			EnableGNSS:     c.Link.GNSSEnable,
			Retry:          pol,
		},
		Session: session.Config{
			Broker:         c.Session.Broker,
			Port:           c.Session.Port,
			ClientID:       c.Session.ClientID,
			Username:       c.Session.Username,
			Password:       c.Session.Password,
			KeepAlive:      c.Session.KeepAlive,
			CleanSession:   c.Session.CleanSession,
			ConnectTimeout: c.Session.ConnectTimeout,
			QoS:            byte(c.Session.QoS),
			Retain:         c.Session.Retain,
		},
		AutoConnectSession: c.Stack.AutoConnectSession,
		AutoReconnect:      c.Stack.AutoReconnect,
		MonitorInterval:    c.Stack.MonitorInterval,
		Retry:              pol,
	}
}

type liveRuntime struct {
	cfg      config.Config
	log      *log.Logger
	logs     *web.LogBuffer
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	power   *modempower.Key
	stack   *stack.Stack
	gpsRdr  *gps.Reader
	bus     *i2c.Bus
	gauge   *fuelgauge.Gauge
	tracker *tracker.Service
	status  *web.Status
	events  *eventSummary

	wg sync.WaitGroup
}

func newLiveRuntime(cfg config.Config, logger *log.Logger, logs *web.LogBuffer, extra ...stack.Option) (*liveRuntime, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is nil")
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &liveRuntime{
		cfg:      cfg,
		log:      logger,
		logs:     logs,
		registry: reg,
		metrics:  metrics.New(reg),
		status:   web.NewStatus(),
	}
	r.events = newEventSummary(logger.WithPrefix("events"))

	// Optional: modem power key. Keep running without it; the modem may
	// already be powered.
	if pg := cfg.Link.PowerGPIO; pg.Enable {
		key, err := openPowerFn(modempower.Config{Chip: pg.Chip, Line: pg.Line, Pulse: pg.Pulse, BootDelay: pg.BootDelay},
			logger.WithPrefix("power"))
		if err != nil {
			logger.Warn("modem power key unavailable", "err", err)
		} else {
			r.power = key
		}
	}

	opts := []stack.Option{
		stack.WithLogger(logger.WithPrefix("stack")),
		stack.WithMetrics(r.metrics),
	}
	if r.power != nil {
		opts = append(opts, stack.WithPower(r.power))
	}
	opts = append(opts, extra...)
	st, err := stack.New(stackConfig(cfg), opts...)
	if err != nil {
		r.closeHardware()
		return nil, err
	}
	r.stack = st
	st.RegisterObserver(r.events)
	r.status.SetStack(st)

	r.gpsRdr = gps.NewReader(st.Positioning(),
		gps.WithLogger(logger.WithPrefix("gps")),
		gps.WithFixHook(func(f gps.Fix) { r.metrics.SetGPSFix(f.Valid) }))
	r.status.SetGPS(r.gpsRdr)

	// Optional: fuel gauge. Keep running without battery data if it fails.
	if fg := cfg.FuelGauge; fg.Enable {
		if err := r.openFuelGauge(fg.Bus, uint16(fg.Addr)); err != nil {
			logger.Warn("fuel gauge unavailable", "err", err)
		}
	}

	trkOpts := []tracker.Option{
		tracker.WithLogger(logger.WithPrefix("tracker")),
		tracker.WithMetrics(r.metrics),
	}
	if r.gauge != nil {
		trkOpts = append(trkOpts, tracker.WithBattery(r.gauge))
	}
	trk, err := tracker.New(tracker.Config{
		Enable:   cfg.Tracker.Enable,
		DeviceID: cfg.Tracker.DeviceID,
		Topic:    cfg.Tracker.Topic,
		Interval: cfg.Tracker.Interval,
	}, st, r.gpsRdr, trkOpts...)
	if err != nil {
		_ = st.Close(context.Background())
		r.closeHardware()
		return nil, err
	}
	r.tracker = trk
	r.status.SetTracker(trk)
	return r, nil
}

func (r *liveRuntime) openFuelGauge(bus int, addr uint16) error {
	b, err := openI2CFn(i2c.BusPath(bus))
	if err != nil {
		return err
	}
	g, err := openFuelGaugeFn(b, addr)
	if err != nil {
		_ = b.Close()
		return err
	}
	r.bus, r.gauge = b, g
	r.status.SetBattery(g)
	return nil
}

// Run starts every component and blocks until ctx is done or the status
// server fails.
func (r *liveRuntime) Run(ctx context.Context) error {
	if err := r.stack.Start(ctx); err != nil {
		return err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.gpsRdr.Run(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn("positioning reader stopped", "err", err)
		}
	}()

	if err := r.tracker.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	if listen := r.cfg.HTTP.Listen; listen != "" {
		h := web.Handler(web.Deps{Status: r.status, Commands: r.stack, Logs: r.logs, Gatherer: r.registry, Version: version})
		r.log.Info("status server listening", "addr", listen)
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := serveFn(ctx, listen, h); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("status server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Close tears everything down in reverse order. It is safe after a failed
// or skipped Run.
func (r *liveRuntime) Close(ctx context.Context) {
	r.tracker.Close()
	if err := r.stack.Close(ctx); err != nil {
		r.log.Warn("stack close", "err", err)
	}
	r.wg.Wait()
	r.closeHardware()
	r.events.logSummary()
}

func (r *liveRuntime) closeHardware() {
	if r.power != nil {
		_ = r.power.Close()
	}
	if r.bus != nil {
		_ = r.bus.Close()
	}
}

// probe runs commands over a bare pipeline and command channel, without
// link or session bring-up.
func probe(ctx context.Context, cfg config.Config, logger *log.Logger, commands []string, timeout time.Duration, out io.Writer) error {
	rw, err := openTransportFn(serialport.Config{Device: cfg.Serial.Device, Baud: cfg.Serial.Baud})
	if err != nil {
		return err
	}
	p, err := ingest.New(pipelineConfig(cfg), logger.WithPrefix("ingest"))
	if err != nil {
		_ = rw.Close()
		return err
	}
	if err := p.Start(ctx, rw); err != nil {
		_ = rw.Close()
		return err
	}
	defer p.Stop()

	ch := atcmd.New(rw, p.Command(), atcmd.WithLogger(logger.WithPrefix("atcmd")))
	for _, c := range commands {
		res, err := ch.Execute(ctx, c, timeout)
		fmt.Fprintf(out, "> %s\n", c)
		for _, line := range res.Lines() {
			fmt.Fprintf(out, "  %s\n", line)
		}
		if err != nil {
			var fe *atcmd.FailureError
			if errors.As(err, &fe) {
				fmt.Fprintf(out, "  %s\n", fe.Error())
				continue
			}
			return err
		}
		fmt.Fprintf(out, "  (%s, %s)\n", res.Terminator, res.Elapsed.Round(time.Millisecond))
	}
	return nil
}
