package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/kalifun/groundlink/pkg/bus/memory"
	"github.com/kalifun/groundlink/pkg/config"
	"github.com/kalifun/groundlink/pkg/consumer"
	"github.com/kalifun/groundlink/pkg/core"
	"github.com/kalifun/groundlink/pkg/listener"
	"github.com/kalifun/groundlink/pkg/router"
	"github.com/kalifun/groundlink/pkg/transport/mqtt"
	"github.com/spf13/cobra"
)

var (
	watchSource string
	watchPacket string
	watchBroker string
	watchListen string
	watchJSON   bool
)

// watchCmd prints decoded frames, either from a broker fed by `serve` or
// straight from a local UDP socket.
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print decoded telemetry frames",
	Example: `  groundlink watch --broker tcp://localhost:1883 --source Spacecraft1 --packet 0x886
  groundlink watch --listen :1235 --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return watch(ctx, cfg, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringVarP(&watchSource, "source", "s", core.AllSourcesName, "source name, or All")
	watchCmd.Flags().StringVarP(&watchPacket, "packet", "p", "", "packet id to decode, e.g. 0x886")
	watchCmd.Flags().StringVar(&watchBroker, "broker", "", "MQTT broker to read from (defaults to the bridge broker)")
	watchCmd.Flags().StringVar(&watchListen, "listen", "", "read from a local UDP address instead of a broker")
	watchCmd.Flags().BoolVar(&watchJSON, "json", false, "print frames as JSON lines")
}

func watch(ctx context.Context, cfg config.Config, out io.Writer) error {
	lm := core.NewLifecycleManager(cfg.Shutdown)
	bus := memory.New(memory.WithBufferSize(cfg.Bus.BufferSize))
	if err := lm.AddComponent("bus", bus); err != nil {
		return err
	}

	feed := "local"
	if watchListen != "" {
		registry := core.NewDiscoveryRegistry()
		l := listener.New(listener.Config{Name: "watch", Address: watchListen}, registry, router.New(bus, router.WithRoot(cfg.Bus.Root)))
		if err := lm.AddComponent("listener", l, "bus"); err != nil {
			return err
		}
	} else {
		mcfg := cfg.Bridge.MQTT
		if watchBroker != "" {
			mcfg.Broker = watchBroker
		}
		if mcfg.Broker == "" {
			return fmt.Errorf("%w: watch needs --broker, --listen or a bridge broker", config.ErrConfig)
		}
		if mcfg.ClientID != "" {
			mcfg.ClientID += "-watch"
		}
		transport := mqtt.NewTransport("mqtt-watch", mcfg)
		if err := lm.AddComponent("mqtt", transport); err != nil {
			return err
		}
		prefix := consumer.SubscriptionPrefix(cfg.Bus.Root, watchSource, watchPacket)
		if err := lm.AddComponent("remote-feed", mqtt.NewRemoteFeed(transport, bus, prefix), "bus", "mqtt"); err != nil {
			return err
		}
		feed = mcfg.Broker
	}

	decoder, page, err := loadCatalog(cfg).Decoder(watchPacket)
	if err != nil {
		return err
	}
	c := consumer.New(bus, decoder, consumer.Config{Root: cfg.Bus.Root, Source: watchSource, PacketID: watchPacket})
	if err := lm.AddComponent("consumer", c, "bus"); err != nil {
		return err
	}

	if err := lm.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "watching %s from %s", c.Prefix(), feed)
	if page != "" {
		fmt.Fprintf(out, " (%s)", page)
	}
	fmt.Fprintln(out)

	printFrames(ctx, out, c.Frames())

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown)
	defer cancel()
	return lm.Stop(stopCtx)
}

func printFrames(ctx context.Context, out io.Writer, frames <-chan consumer.Frame) {
	enc := json.NewEncoder(out)
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			if watchJSON {
				_ = enc.Encode(f)
				continue
			}
			fmt.Fprintf(out, "%s #%d %s\n", f.Received.Format("15:04:05.000"), f.Sequence, f.Topic)
			for _, v := range f.Values {
				if v.Unused() {
					continue
				}
				fmt.Fprintf(out, "  %-24s %s\n", v.Label, v.Text)
			}
		}
	}
}
