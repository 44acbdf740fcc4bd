// Package cli defines the blesense command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chaz8081/blesense/internal/ble"
	"github.com/chaz8081/blesense/internal/ble/protocol"
	"github.com/chaz8081/blesense/internal/config"
	"github.com/chaz8081/blesense/internal/metrics"
	"github.com/chaz8081/blesense/internal/session"
	"github.com/chaz8081/blesense/internal/tui"
)

// CLI is the root command structure for blesense.
type CLI struct {
	Config   string `short:"c" help:"Path to config file (default: ~/.config/blesense/config.yaml)" type:"path"`
	LogLevel string `help:"Override log_level (debug, info, warn, error)"`

	// Default command - live view
	Monitor    MonitorCmd    `cmd:"" default:"withargs" help:"Connect and show a live view (default)"`
	Watch      WatchCmd      `cmd:"" help:"Connect and print samples to stdout"`
	Scan       ScanCmd       `cmd:"" help:"List nearby peripherals"`
	InitConfig InitConfigCmd `cmd:"" name:"init-config" help:"Write the default config file"`
}

// --- Monitor Command ---

type MonitorCmd struct{}

func (c *MonitorCmd) Run(globals *CLI) error {
	cfg, err := globals.load()
	if err != nil {
		return err
	}
	// The live view owns the terminal; logs go to log_file or nowhere.
	logger, closeLog, err := newLogger(cfg, true)
	if err != nil {
		return err
	}
	defer closeLog()

	m, stopMetrics, err := startMetrics(cfg.Metrics.Listen, logger)
	if err != nil {
		return err
	}
	defer stopMetrics()

	opts, err := sessionOptions(cfg, logger, m)
	if err != nil {
		return err
	}
	h, err := session.Start(ble.NewTinyGoAdapter(), opts)
	if err != nil {
		return err
	}
	defer h.Stop()

	return tui.Run(h, cfg.Device.Name)
}

// --- Watch Command ---

type WatchCmd struct {
	Count int `short:"n" help:"Exit after this many samples (0 = run until interrupted)"`
}

func (c *WatchCmd) Run(globals *CLI) error {
	cfg, err := globals.load()
	if err != nil {
		return err
	}
	logger, closeLog, err := newLogger(cfg, false)
	if err != nil {
		return err
	}
	defer closeLog()

	m, stopMetrics, err := startMetrics(cfg.Metrics.Listen, logger)
	if err != nil {
		return err
	}
	defer stopMetrics()

	opts, err := sessionOptions(cfg, logger, m)
	if err != nil {
		return err
	}
	h, err := session.Start(ble.NewTinyGoAdapter(), opts)
	if err != nil {
		return err
	}
	defer h.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return watch(ctx, h, os.Stdout, c.Count)
}

// sampleSource is the part of *session.Handle that watch reads.
type sampleSource interface {
	Updates() <-chan struct{}
	Status() ble.Status
	SamplesSince(after uint64) []session.Record
}

// watch prints status changes and every sample until ctx ends, the
// session closes, or count samples have been printed.
func watch(ctx context.Context, h sampleSource, w io.Writer, count int) error {
	var (
		lastStatus string
		lastSeq    uint64
		printed    int
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, open := <-h.Updates():
			if status := h.Status().String(); status != lastStatus {
				lastStatus = status
				fmt.Fprintf(w, "# %s\n", status)
			}
			for _, rec := range h.SamplesSince(lastSeq) {
				if missed := rec.Seq - lastSeq - 1; missed > 0 {
					fmt.Fprintf(w, "# skipped %d samples\n", missed)
				}
				lastSeq = rec.Seq
				fmt.Fprintf(w, "%.3f %s\n", rec.Elapsed, rec.Sample)
				printed++
				if count > 0 && printed >= count {
					return nil
				}
			}
			if !open {
				return nil
			}
		}
	}
}

// --- Scan Command ---

type ScanCmd struct {
	Timeout time.Duration `short:"t" default:"5s" help:"How long to scan"`
	All     bool          `short:"a" help:"Include peripherals that advertise no name"`
}

func (c *ScanCmd) Run(globals *CLI) error {
	cfg, err := globals.load()
	if err != nil {
		return err
	}
	logger, closeLog, err := newLogger(cfg, false)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("[BLE] scanning", "timeout", c.Timeout)
	devices, err := ble.ScanForDevices(ctx, ble.NewTinyGoAdapter(), c.Timeout, c.All)
	if err != nil {
		return err
	}
	printDevices(os.Stdout, devices, cfg.Device.Name)
	return nil
}

func printDevices(w io.Writer, devices []ble.Advertisement, target string) {
	if len(devices) == 0 {
		fmt.Fprintln(w, "No devices found.")
		return
	}
	fmt.Fprintf(w, "%-24s %-40s %5s\n", "NAME", "ID", "RSSI")
	for _, d := range devices {
		mark := ""
		if d.Name == target {
			mark = "  <- target"
		}
		fmt.Fprintf(w, "%-24s %-40s %5d%s\n", d.Name, d.ID, d.RSSI, mark)
	}
}

// --- Init Config Command ---

type InitConfigCmd struct{}

func (c *InitConfigCmd) Run(globals *CLI) error {
	path, err := config.WriteDefault()
	if err != nil {
		return err
	}
	if path == "" {
		fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
		return nil
	}
	fmt.Printf("Wrote default config to %s\n", path)
	return nil
}

// load reads the config from --config, the default path or built-in
// defaults, applies flag overrides and validates the result.
func (g *CLI) load() (*config.Config, error) {
	cfg, err := loadConfig(g.Config)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if g.LogLevel != "" {
		cfg.LogLevel = g.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}

	// No config file, use defaults
	return config.Default(), nil
}

// newLogger builds the process logger and installs it as the slog default.
// With quiet set and no log_file, logs are discarded.
func newLogger(cfg *config.Config, quiet bool) (*slog.Logger, func(), error) {
	var (
		w       io.Writer = os.Stderr
		closeFn           = func() {}
	)
	switch {
	case cfg.LogFile != "":
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		w = f
		closeFn = func() { f.Close() }
	case quiet:
		w = io.Discard
	}

	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)
	return logger, closeFn, nil
}

// startMetrics serves /metrics on listen and returns the recorder the
// supervisor reports to. An empty listen address disables metrics.
func startMetrics(listen string, logger *slog.Logger) (ble.Metrics, func(), error) {
	if listen == "" {
		return ble.NopMetrics{}, func() {}, nil
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.NewProm(reg)
	if err != nil {
		return nil, nil, fmt.Errorf("metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "addr", listen, "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", listen)

	return m, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}, nil
}

// sessionOptions maps a validated config onto session options.
func sessionOptions(cfg *config.Config, logger *slog.Logger, m ble.Metrics) (session.Options, error) {
	svc, err := config.NormalizeUUID(cfg.Device.ServiceUUID)
	if err != nil {
		return session.Options{}, err
	}
	chr, err := config.NormalizeUUID(cfg.Device.CharacteristicUUID)
	if err != nil {
		return session.Options{}, err
	}
	labels, err := cfg.LabelTable()
	if err != nil {
		return session.Options{}, err
	}
	enc, err := protocol.ParseEncoding(cfg.Device.Encoding)
	if err != nil {
		return session.Options{}, err
	}

	return session.Options{
		TargetName:         cfg.Device.Name,
		ServiceUUID:        svc,
		CharacteristicUUID: chr,
		Labels:             labels,
		Encoding:           enc,
		HistoryCapacity:    cfg.Session.HistoryCapacity,
		Track:              cfg.Session.Track,
		ScanTimeout:        cfg.Session.ScanTimeout,
		Reconnect:          cfg.ReconnectPolicy(),
		Logger:             logger,
		Metrics:            m,
	}, nil
}
