package cli

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sorphin/ruida-laser/internal"
	"github.com/sorphin/ruida-laser/pkg/metrics"
	"github.com/sorphin/ruida-laser/pkg/udpclient"
	"github.com/spf13/cobra"
)

type SendOpts struct {
	configPath   string
	planPath     string
	ipAddr       string
	port         int
	localPort    int
	mtu          int
	ackTimeoutMs int
	chunkPauseMs int
	logLevel     string
}

func SendCommand() *cobra.Command {
	var opts SendOpts

	cmd := &cobra.Command{
		Use:     "send [file.rd]",
		Aliases: []string{"s"},
		Short:   "Send an .rd job file to the laser controller",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := internal.LoadSenderConfig(opts.configPath)
			if err != nil {
				return fmt.Errorf("failed to load sender config: %w", err)
			}
			if opts.logLevel != "" {
				cfg.LogLevel = opts.logLevel
			}
			if err := internal.ConfigureLogger(cfg.LogLevel); err != nil {
				internal.Warn("invalid log level, defaulting to info", internal.Fields{
					internal.FieldError: err.Error(),
				})
			}

			applySendFlags(cmd, cfg, &opts)

			var jobs []sendJob
			if opts.planPath != "" {
				plan, err := loadSendPlanDocument(opts.planPath)
				if err != nil {
					return err
				}
				applyPlanParams(cfg, plan.Params)
				if plan.DeviceAddr != "" && !cmd.Flags().Changed("ip-addr") {
					cfg.DeviceAddr = plan.DeviceAddr
				}
				jobs = plan.Jobs
			} else {
				if len(args) != 1 {
					return fmt.Errorf("either a job file or --plan is required")
				}
				jobs = []sendJob{{Path: args[0]}}
			}

			if cfg.DeviceAddr == "" {
				return fmt.Errorf("device address is required (flag --ip-addr, config, or plan)")
			}

			remote, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", cfg.DeviceAddr, cfg.DevicePort))
			if err != nil {
				return fmt.Errorf("resolve device address: %w", err)
			}
			local := &net.UDPAddr{IP: net.IPv4zero, Port: cfg.LocalPort}
			conn, err := net.ListenUDP("udp", local)
			if err != nil {
				return fmt.Errorf("bind local port %d: %w", cfg.LocalPort, err)
			}
			defer conn.Close()
			if cfg.SocketBufferSize > 0 {
				_ = conn.SetReadBuffer(cfg.SocketBufferSize)
				_ = conn.SetWriteBuffer(cfg.SocketBufferSize)
			}

			collector := metrics.NewRelayCollector("ruida")
			sender := udpclient.NewSender(conn, udpclient.SenderParams{
				RemoteAddr:      remote,
				MTU:             cfg.MTU,
				AckTimeout:      time.Duration(cfg.AckTimeoutMs) * time.Millisecond,
				RetryBackoff:    time.Duration(cfg.RetryBackoffMs) * time.Millisecond,
				RetryBackoffMax: time.Duration(cfg.RetryBackoffMaxMs) * time.Millisecond,
				ChunkPause:      time.Duration(cfg.ChunkPauseMs) * time.Millisecond,
			})
			sender.SetCollector(collector)

			for _, job := range jobs {
				data, err := os.ReadFile(job.Path)
				if err != nil {
					return fmt.Errorf("read job file: %w", err)
				}
				internal.Info("sending job", internal.Fields{
					internal.FieldMsg:   job.Path,
					internal.FieldBytes: len(data),
					internal.FieldAddr:  remote.String(),
				})
				if err := sender.Write(ctx, data); err != nil {
					return fmt.Errorf("send %s: %w", job.Path, err)
				}
				if job.PauseAfterMs > 0 {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-time.After(time.Duration(job.PauseAfterMs) * time.Millisecond):
					}
				}
			}

			snap := collector.Snapshot()
			internal.Info("all jobs sent", internal.Fields{
				internal.FieldChunk: snap.ChunksAcked,
				"retries":           snap.FirstChunkRetries,
			})
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.configPath, "config", "", "Path to sender config file (TOML)")
	cmd.Flags().StringVar(&opts.planPath, "plan", "", "YAML/JSON plan of job files to send in order")
	cmd.Flags().StringVar(&opts.ipAddr, "ip-addr", "", "IP address of the laser controller")
	cmd.Flags().IntVar(&opts.port, "port", 50200, "UDP port of the laser controller")
	cmd.Flags().IntVar(&opts.localPort, "local-port", 40200, "Local UDP source port")
	cmd.Flags().IntVar(&opts.mtu, "mtu", 1470, "Max payload bytes per datagram (minus checksum)")
	cmd.Flags().IntVar(&opts.ackTimeoutMs, "ack-timeout-ms", 3000, "How long to wait for an ACK byte")
	cmd.Flags().IntVar(&opts.chunkPauseMs, "chunk-pause-ms", 0, "Pause between chunks, debugging only")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "Log level (overrides config)")

	return cmd
}

func applySendFlags(cmd *cobra.Command, cfg *internal.SenderConfig, opts *SendOpts) {
	if cmd.Flags().Changed("ip-addr") {
		cfg.DeviceAddr = opts.ipAddr
	}
	if cmd.Flags().Changed("port") {
		cfg.DevicePort = opts.port
	}
	if cmd.Flags().Changed("local-port") {
		cfg.LocalPort = opts.localPort
	}
	if cmd.Flags().Changed("mtu") {
		cfg.MTU = opts.mtu
	}
	if cmd.Flags().Changed("ack-timeout-ms") {
		cfg.AckTimeoutMs = opts.ackTimeoutMs
	}
	if cmd.Flags().Changed("chunk-pause-ms") {
		cfg.ChunkPauseMs = opts.chunkPauseMs
	}
}
