// Command drone runs one drone's mission agent: it connects the flight
// controller and the fleet bus, then follows coordinator tasking until
// interrupted.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/mobfleet/mobfleet/pkg/agent"
	"github.com/mobfleet/mobfleet/pkg/bus"
	"github.com/mobfleet/mobfleet/pkg/config"
	"github.com/mobfleet/mobfleet/pkg/detect"
	"github.com/mobfleet/mobfleet/pkg/flight"
	"github.com/mobfleet/mobfleet/pkg/telemetrylog"
	"github.com/mobfleet/mobfleet/pkg/types"
)

func main() {
	var (
		droneID    = pflag.String("id", "", "drone ID, must match an entry in the config")
		configPath = pflag.String("config", "config/mission_config.yaml", "path to the mission config")
	)
	pflag.Parse()

	if *droneID == "" {
		fmt.Fprintln(os.Stderr, "--id is required")
		pflag.Usage()
		os.Exit(1)
	}

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(*droneID, *configPath, log); err != nil {
		log.Fatal("drone agent failed", zap.Error(err))
	}
}

func run(droneID, configPath string, log *zap.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	d, ok := cfg.FindDrone(droneID)
	if !ok {
		return fmt.Errorf("drone %q is not in the fleet config", droneID)
	}

	ctrl, err := flight.New(d, log)
	if err != nil {
		return err
	}

	b := bus.NewMQTT("drone-"+droneID, cfg.MQTT.Host, cfg.MQTT.Port, log)
	connectCtx, cancelConnect := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelConnect()
	if err := b.Connect(connectCtx); err != nil {
		return err
	}
	defer b.Close()

	var opts []agent.Option
	if cfg.Logging.LogDir != "" {
		recorder, err := telemetrylog.New(cfg.Logging.LogDir, droneID, log)
		if err != nil {
			return err
		}
		opts = append(opts, agent.WithRecorder(recorder))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := agent.New(ctx, droneID, cfg, b, ctrl, simulatedCasualty(cfg), log, opts...)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

// simulatedCasualty hides a target somewhere in the search area for the
// simulation fleet to find. Real airframes bring their own vision stack.
func simulatedCasualty(cfg config.Settings) detect.Detector {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	area := cfg.Strategies.Search.Area
	half := cfg.ProbSearch.SearchAreaSizeM / 2.0
	target := types.Position{
		X: area.X + (rng.Float64()*2.0-1.0)*half,
		Y: area.Y + (rng.Float64()*2.0-1.0)*half,
	}
	alt := cfg.ProbSearch.SearchAltitude
	sightRange := cfg.ProbSearch.RMax * alt / (alt + cfg.ProbSearch.HRef)
	return detect.NewSimulated(target, sightRange, 0.35, rng.Int63())
}
