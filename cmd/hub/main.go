// Command hub runs the satellite relay: it mirrors mission traffic from
// the fleet broker onto the global_hq uplink topics.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/mobfleet/mobfleet/pkg/bus"
	"github.com/mobfleet/mobfleet/pkg/config"
	"github.com/mobfleet/mobfleet/pkg/relay"
)

func main() {
	configPath := pflag.String("config", "config/mission_config.yaml", "path to the mission config")
	pflag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(*configPath, log); err != nil {
		log.Fatal("hub failed", zap.Error(err))
	}
}

func run(configPath string, log *zap.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	b := bus.NewMQTT("hub", cfg.MQTT.Host, cfg.MQTT.Port, log)
	connectCtx, cancelConnect := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelConnect()
	if err := b.Connect(connectCtx); err != nil {
		return err
	}
	defer b.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return relay.New(b, log).Run(ctx)
}
