package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sorphin/ruida-laser/internal"
	"github.com/sorphin/ruida-laser/pkg/metrics"
	"github.com/sorphin/ruida-laser/pkg/relay"
	"github.com/spf13/cobra"
)

type RelayOpts struct {
	configPath    string
	ipAddr        string
	devicePort    int
	listenPort    int
	captureDir    string
	busyTimeoutMs int
	metricsAddr   string
	logLevel      string
}

func RelayCommand() *cobra.Command {
	var opts RelayOpts

	cmd := &cobra.Command{
		Use:     "relay",
		Aliases: []string{"r", "proxy"},
		Short:   "Relay jobs between a workstation and the laser controller",
		Long: `relay listens on the world-facing port, forwards datagrams to the
controller board, arbitrates single ownership of the in-flight stream and
captures each job to a file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := internal.LoadRelayConfig(opts.configPath)
			if err != nil {
				return fmt.Errorf("failed to load relay config: %w", err)
			}
			if opts.logLevel != "" {
				cfg.LogLevel = opts.logLevel
			}
			if err := internal.ConfigureLogger(cfg.LogLevel); err != nil {
				internal.Warn("invalid log level, defaulting to info", internal.Fields{
					internal.FieldError: err.Error(),
				})
			}
			applyRelayFlags(cmd, cfg, &opts)

			if cfg.DeviceAddr == "" {
				return fmt.Errorf("device address is required (flag --ip-addr or config)")
			}
			deviceAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", cfg.DeviceAddr, cfg.DevicePort))
			if err != nil {
				return fmt.Errorf("resolve device address: %w", err)
			}

			world, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: cfg.ListenPort})
			if err != nil {
				return fmt.Errorf("bind world port %d: %w", cfg.ListenPort, err)
			}
			defer world.Close()

			device, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: cfg.DeviceSourcePort})
			if err != nil {
				return fmt.Errorf("bind device-facing port %d: %w", cfg.DeviceSourcePort, err)
			}
			defer device.Close()

			for _, conn := range []*net.UDPConn{world, device} {
				if cfg.UDPReadBufferSize > 0 {
					_ = conn.SetReadBuffer(cfg.UDPReadBufferSize)
				}
				if cfg.UDPWriteBufferSize > 0 {
					_ = conn.SetWriteBuffer(cfg.UDPWriteBufferSize)
				}
			}

			collector := metrics.NewRelayCollector("ruida")
			if cfg.MetricsAddr != "" {
				startMetricsServer(ctx, cfg.MetricsAddr, collector)
			}

			fwd := relay.NewForwarder(world, device, relay.ForwarderParams{
				DeviceAddr:  deviceAddr,
				BusyTimeout: time.Duration(cfg.BusyTimeoutMs) * time.Millisecond,
				Sinks:       relay.NewFileSinkFactory(cfg.CaptureDir),
			})
			fwd.SetCollector(collector)

			internal.Info("relay started", internal.Fields{
				internal.FieldPort:   cfg.ListenPort,
				internal.FieldAddr:   deviceAddr.String(),
				internal.CapturePath: cfg.CaptureDir,
			})

			if err := fwd.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			internal.Info("relay stopped", nil)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.configPath, "config", "", "Path to relay config file (TOML)")
	cmd.Flags().StringVar(&opts.ipAddr, "ip-addr", "", "IP address of the laser controller")
	cmd.Flags().IntVar(&opts.devicePort, "device-port", 50200, "UDP port of the laser controller")
	cmd.Flags().IntVar(&opts.listenPort, "listen-port", 50200, "World-facing UDP listen port")
	cmd.Flags().StringVar(&opts.captureDir, "capture-dir", "", "Directory for job capture files")
	cmd.Flags().IntVar(&opts.busyTimeoutMs, "busy-timeout-ms", 10_000, "Inactivity span before a stream may be superseded")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Optional prometheus listen address, e.g. :9200")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "Log level (overrides config)")

	return cmd
}

func applyRelayFlags(cmd *cobra.Command, cfg *internal.RelayConfig, opts *RelayOpts) {
	if cmd.Flags().Changed("ip-addr") {
		cfg.DeviceAddr = opts.ipAddr
	}
	if cmd.Flags().Changed("device-port") {
		cfg.DevicePort = opts.devicePort
	}
	if cmd.Flags().Changed("listen-port") {
		cfg.ListenPort = opts.listenPort
	}
	if cmd.Flags().Changed("capture-dir") {
		cfg.CaptureDir = opts.captureDir
	}
	if cmd.Flags().Changed("busy-timeout-ms") {
		cfg.BusyTimeoutMs = opts.busyTimeoutMs
	}
	if cmd.Flags().Changed("metrics-addr") {
		cfg.MetricsAddr = opts.metricsAddr
	}
}

func startMetricsServer(ctx context.Context, addr string, collector *metrics.RelayCollector) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		internal.Info("metrics listener started", internal.Fields{
			internal.FieldAddr: addr,
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			internal.Error("metrics listener failed", internal.Fields{
				internal.FieldError: err.Error(),
			})
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}
