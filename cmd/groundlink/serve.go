package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/kalifun/groundlink/pkg/bus/memory"
	"github.com/kalifun/groundlink/pkg/capture"
	"github.com/kalifun/groundlink/pkg/config"
	"github.com/kalifun/groundlink/pkg/core"
	"github.com/kalifun/groundlink/pkg/defs"
	"github.com/kalifun/groundlink/pkg/listener"
	"github.com/kalifun/groundlink/pkg/metrics"
	"github.com/kalifun/groundlink/pkg/router"
	"github.com/kalifun/groundlink/pkg/transport/mqtt"
	"github.com/kalifun/groundlink/pkg/transport/websocket"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	serveListen      []string
	serveDisplayAddr string
	serveRecord      string
	serveNoDisplay   bool
)

// serveCmd runs the listeners, the bus and every configured outlet until interrupted.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Receive telemetry and serve it to displays and remote subscribers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := applyServeFlags(cmd, &cfg); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringSliceVarP(&serveListen, "listen", "l", nil, "UDP telemetry address, repeatable (replaces configured listeners)")
	serveCmd.Flags().StringVar(&serveDisplayAddr, "display-addr", "", "display server address")
	serveCmd.Flags().StringVar(&serveRecord, "record", "", "write received packets to this pcap file")
	serveCmd.Flags().BoolVar(&serveNoDisplay, "no-display", false, "do not start the display server")
}

// applyServeFlags overrides cfg with the serve flags and validates the result.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) error {
	if len(serveListen) > 0 {
		cfg.Listeners = cfg.Listeners[:0]
		for i, addr := range serveListen {
			cfg.Listeners = append(cfg.Listeners, listener.Config{Name: fmt.Sprintf("listen-%d", i), Address: addr})
		}
	}
	if serveDisplayAddr != "" {
		cfg.Display.Address = serveDisplayAddr
	}
	if cmd.Flags().Changed("no-display") {
		cfg.Display.Enabled = !serveNoDisplay
	}
	if serveRecord != "" {
		cfg.Record = serveRecord
	}
	cfg.SetDefaults()
	return cfg.Validate()
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := logrus.WithField("component", "serve")

	collector, err := metrics.NewCollector(nil)
	if err != nil {
		return fmt.Errorf("failed to initialise metrics collector: %w", err)
	}

	lm := core.NewLifecycleManager(cfg.Shutdown)
	registry := core.NewDiscoveryRegistry()
	bus := memory.New(memory.WithBufferSize(cfg.Bus.BufferSize), memory.WithMetrics(collector))
	if err := lm.AddComponent("bus", bus); err != nil {
		return err
	}

	var publisher core.Publisher = router.New(bus, router.WithRoot(cfg.Bus.Root), router.WithMetrics(collector))
	var rec *capture.Recorder
	if cfg.Record != "" {
		f, err := os.Create(cfg.Record)
		if err != nil {
			return fmt.Errorf("failed to create capture file: %w", err)
		}
		defer f.Close()
		rec, err = capture.NewRecorder(f, registry, publisher, portOf(cfg.Listeners[0].Address))
		if err != nil {
			return err
		}
		publisher = rec
		logger.WithField("file", cfg.Record).Info("Recording telemetry")
	}

	for _, lc := range cfg.Listeners {
		l := listener.New(lc, registry, publisher, listener.WithMetrics(collector))
		if err := lm.AddComponent("listener-"+lc.Name, l, "bus"); err != nil {
			return err
		}
	}

	if cfg.Display.Enabled {
		catalog := loadCatalog(cfg)
		display := websocket.NewServer(cfg.Display.Config, bus, registry, core.NewInMemorySessionStore(), catalog.Decoder,
			websocket.WithRoot(cfg.Bus.Root))
		display.Handle("/metrics", collector.Handler())
		if err := lm.AddComponent("display", display, "bus"); err != nil {
			return err
		}
	}

	if cfg.Metrics.Enabled {
		if err := lm.AddComponent("metrics", newMetricsServer(cfg.Metrics.Address, collector.Handler())); err != nil {
			return err
		}
	}

	if cfg.Bridge.Enabled {
		transport := mqtt.NewTransport("mqtt-bridge", cfg.Bridge.MQTT)
		if err := lm.AddComponent("mqtt", transport); err != nil {
			return err
		}
		bridge := mqtt.NewBridge(bus, transport, cfg.Bridge.Prefix)
		if err := lm.AddComponent("mqtt-bridge", bridge, "bus", "mqtt"); err != nil {
			return err
		}
	}

	if err := lm.Start(ctx); err != nil {
		return err
	}
	logger.WithField("order", lm.StartOrder()).Info("Ground system running")

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown)
	defer cancel()
	if err := lm.Stop(stopCtx); err != nil {
		return err
	}
	if rec != nil && rec.Failures() > 0 {
		logger.WithField("failures", rec.Failures()).Warn("Some packets were not recorded")
	}
	logger.WithField("sources", registry.Len()).Info("Ground system stopped")
	return nil
}

// loadCatalog returns an empty catalog when no page file is configured or it cannot be read.
func loadCatalog(cfg config.Config) *defs.TelemetryCatalog {
	store := defs.NewFieldTableStore(cfg.Definitions.Directory, cfg.Definitions.Slots)
	var pages []defs.TelemetryPage
	if path := defsPath(cfg, cfg.Definitions.TelemetryPages); path != "" {
		var err error
		if pages, err = defs.LoadTelemetryPages(path); err != nil {
			logrus.WithError(err).WithField("file", path).Warn("Telemetry pages unavailable, frames will not be decoded")
		}
	}
	return defs.NewTelemetryCatalog(pages, store, cfg.Endianness())
}

func portOf(address string) int {
	_, port, err := net.SplitHostPort(address)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(port)
	return n
}

// metricsServer serves Prometheus metrics on a dedicated address.
type metricsServer struct {
	addr    string
	handler http.Handler
	srv     *http.Server
	logger  *logrus.Entry
}

func newMetricsServer(addr string, handler http.Handler) *metricsServer {
	return &metricsServer{addr: addr, handler: handler, logger: logrus.WithField("component", "metrics")}
}

func (m *metricsServer) Start(ctx context.Context) error {
	if m.srv != nil {
		return fmt.Errorf("metrics server: %w", core.ErrAlreadyRunning)
	}
	ln, err := net.Listen("tcp", m.addr)
	if err != nil {
		return fmt.Errorf("metrics server failed to listen on %s: %w", m.addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.handler)
	m.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := m.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.WithError(err).Warn("Metrics server exited")
		}
	}()
	m.logger.WithField("address", ln.Addr().String()).Info("Serving Prometheus metrics")
	return nil
}

func (m *metricsServer) Stop(ctx context.Context) error {
	if m.srv == nil {
		return fmt.Errorf("metrics server: %w", core.ErrNotRunning)
	}
	err := m.srv.Shutdown(ctx)
	m.srv = nil
	return err
}
