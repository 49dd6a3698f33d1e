package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/kalifun/groundlink/pkg/bus/memory"
	"github.com/kalifun/groundlink/pkg/capture"
	"github.com/kalifun/groundlink/pkg/consumer"
	"github.com/kalifun/groundlink/pkg/core"
	"github.com/kalifun/groundlink/pkg/listener"
	"github.com/kalifun/groundlink/pkg/router"
	"github.com/kalifun/groundlink/pkg/transport/mqtt"
	"github.com/spf13/cobra"
)

var (
	replayPort   int
	replaySpeed  float64
	replayPrint  bool
	replayPacket string
)

// replayCmd feeds a pcap capture through discovery and routing as if the
// datagrams had arrived on a listener socket.
var replayCmd = &cobra.Command{
	Use:   "replay <file.pcap>",
	Short: "Replay captured telemetry onto the bus",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		lm := core.NewLifecycleManager(cfg.Shutdown)
		registry := core.NewDiscoveryRegistry()
		bus := memory.New(memory.WithBufferSize(cfg.Bus.BufferSize))
		if err := lm.AddComponent("bus", bus); err != nil {
			return err
		}
		if cfg.Bridge.Enabled {
			transport := mqtt.NewTransport("mqtt-replay", cfg.Bridge.MQTT)
			if err := lm.AddComponent("mqtt", transport); err != nil {
				return err
			}
			if err := lm.AddComponent("mqtt-bridge", mqtt.NewBridge(bus, transport, cfg.Bridge.Prefix), "bus", "mqtt"); err != nil {
				return err
			}
		}

		var c *consumer.Consumer
		if replayPrint {
			decoder, _, err := loadCatalog(cfg).Decoder(replayPacket)
			if err != nil {
				return err
			}
			c = consumer.New(bus, decoder, consumer.Config{Root: cfg.Bus.Root, PacketID: replayPacket, FrameBuffer: cfg.Bus.BufferSize})
			if err := lm.AddComponent("consumer", c, "bus"); err != nil {
				return err
			}
		}

		if err := lm.Start(ctx); err != nil {
			return err
		}

		var wg sync.WaitGroup
		if c != nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				printFrames(ctx, cmd.OutOrStdout(), c.Frames())
			}()
		}

		l := listener.New(cfg.Listeners[0], registry, router.New(bus, router.WithRoot(cfg.Bus.Root)))
		port := replayPort
		if port < 0 {
			port = portOf(cfg.Listeners[0].Address)
		}
		stats, replayErr := capture.NewReplayer(l, capture.WithPort(port), capture.WithSpeed(replaySpeed)).ReplayFile(ctx, args[0])

		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown)
		defer cancel()
		stopErr := lm.Stop(stopCtx)
		wg.Wait()

		fmt.Fprintf(cmd.OutOrStdout(), "replayed %d packets: %d delivered, %d skipped, %d failed, %d sources\n",
			stats.Packets, stats.Delivered, stats.Skipped, stats.Failed, registry.Len())
		if replayErr != nil {
			return replayErr
		}
		return stopErr
	},
}

func init() {
	rootCmd.AddCommand(replayCmd)

	replayCmd.Flags().IntVar(&replayPort, "port", -1, "UDP destination port to replay, 0 keeps every port (defaults to the first listener's port)")
	replayCmd.Flags().Float64Var(&replaySpeed, "speed", 0, "pace by capture timestamps at this multiple; 0 replays at full speed")
	replayCmd.Flags().BoolVar(&replayPrint, "print", false, "print decoded frames while replaying")
	replayCmd.Flags().StringVar(&replayPacket, "packet", "", "only print this packet id")
}
