package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/spf13/cobra"

	"drone-telemetry/internal/aggregator"
	"drone-telemetry/internal/api"
	"drone-telemetry/internal/ingest"
	"drone-telemetry/internal/liveness"
	"drone-telemetry/internal/power"
	"drone-telemetry/internal/sensor"
	"drone-telemetry/internal/services"
	"drone-telemetry/internal/uplink"
	"drone-telemetry/pkg/config"
)

var centralCmd = &cobra.Command{
	Use:   "central",
	Short: "Run the central collector",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		sinks := startSinks(ctx, cfg)
		defer sinks.close()

		central, err := startCentral(ctx, cfg, sinks)
		if err != nil {
			return err
		}
		sinks.serveHTTP(ctx, cfg.HTTPAddr, central, func() interface{} { return central.Snapshot() }, nil)
		central.Wait()
		return nil
	},
}

var droneCmd = &cobra.Command{
	Use:   "drone",
	Short: "Run one edge drone",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		sinks := startSinks(ctx, cfg)
		defer sinks.close()

		drone, err := startDrone(ctx, cfg, sinks)
		if err != nil {
			return err
		}
		sinks.serveHTTP(ctx, cfg.HTTPAddr, drone, func() interface{} { return drone.Snapshot() }, drone)
		drone.Wait()
		return nil
	},
}

var sensorCmd = &cobra.Command{
	Use:   "sensor",
	Short: "Run simulated sensors against a drone",
	Long: `Runs --sensors simulated sensors. The command fails if any sensor cannot
make its first connection within its reconnect attempts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		return runSensors(ctx, cfg)
	},
}

var allCmd = &cobra.Command{
	Use:   "all",
	Short: "Run the collector, one drone and its sensors in one process",
	Long: `Runs every tier in one process. A single HTTP surface serves both:
/status returns {"central": ..., "drone": ...}, /connections/{id}/disconnect evicts a
drone or a sensor, and /stream and /battery/threshold control the drone.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		// Every tier dials the others on loopback.
		cfg.CentralAddr = cfg.CentralListenAddr
		cfg.DroneAddr = cfg.DroneListenAddr

		// Both tiers share one set of sinks and one HTTP surface.
		sinks := startSinks(ctx, cfg)
		defer sinks.close()

		central, err := startCentral(ctx, cfg, sinks)
		if err != nil {
			return err
		}
		drone, err := startDrone(ctx, cfg, sinks)
		if err != nil {
			cancel()
			central.Wait()
			return err
		}
		sinks.serveHTTP(ctx, cfg.HTTPAddr, tiers{central, drone}, combinedStatus(central, drone), drone)

		sensorErr := runSensors(ctx, cfg)
		if sensorErr != nil {
			cancel()
		}
		drone.Wait()
		central.Wait()
		return sensorErr
	},
}

func startCentral(ctx context.Context, cfg *config.Config, sinks *sinkSet) (*services.CentralService, error) {
	central := services.NewCentralService(centralConfig(cfg), sinks.consumer)
	if err := central.Start(ctx); err != nil {
		return nil, err
	}

	log.Printf("Central collector listening on %s", central.Addr())
	return central, nil
}

func startDrone(ctx context.Context, cfg *config.Config, sinks *sinkSet) (*services.DroneService, error) {
	drone := services.NewDroneService(droneConfig(cfg), sinks.consumer)
	if err := drone.Start(ctx); err != nil {
		return nil, err
	}
	if cfg.DroneMQTTIngest {
		sinks.subscribeReadings(cfg, drone.Ingest)
	}

	log.Printf("Drone %s listening on %s", drone.ID(), drone.Addr())
	return drone, nil
}

// tiers disconnects an id from whichever in-process tier holds it
type tiers []api.Tier

func (t tiers) Disconnect(id string) bool {
	for _, tier := range t {
		if tier.Disconnect(id) {
			return true
		}
	}
	return false
}

func combinedStatus(central *services.CentralService, drone *services.DroneService) func() interface{} {
	return func() interface{} {
		return map[string]interface{}{
			"central": central.Snapshot(),
			"drone":   drone.Snapshot(),
		}
	}
}

func runSensors(ctx context.Context, cfg *config.Config) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i := 1; i <= cfg.SensorCount; i++ {
		client := sensor.NewClient(sensorConfig(cfg, fmt.Sprintf("%s%02d", cfg.SensorIDPrefix, i)))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := client.Run(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func centralConfig(cfg *config.Config) services.CentralServiceConfig {
	c := services.DefaultCentralServiceConfig(cfg.CentralListenAddr)
	c.Server = serverConfig(cfg, "central", cfg.CentralListenAddr)
	c.Liveness = liveness.Config{Timeout: cfg.ConnectionTimeout, Interval: cfg.SweepInterval}
	c.HistorySize = cfg.CentralHistory
	return c
}

func droneConfig(cfg *config.Config) services.DroneServiceConfig {
	c := services.DefaultDroneServiceConfig(cfg.DroneID, cfg.DroneListenAddr, cfg.CentralAddr)
	c.Server = serverConfig(cfg, "drone", cfg.DroneListenAddr)
	c.Uplink = uplink.DefaultConfig(cfg.DroneID, cfg.CentralAddr)
	c.Aggregator = aggregator.Config{
		WindowSize:  cfg.WindowSize,
		HistorySize: cfg.AnomalyHistory,
		Thresholds: aggregator.Thresholds{
			TemperatureHigh: cfg.TemperatureHigh,
			TemperatureLow:  cfg.TemperatureLow,
			HumidityHigh:    cfg.HumidityHigh,
			HumidityLow:     cfg.HumidityLow,
		},
	}
	c.Power = power.Config{
		InitialLevel:   cfg.BatteryInitial,
		Threshold:      cfg.BatteryThreshold,
		DrainRate:      cfg.DrainRate,
		ChargeRate:     cfg.ChargeRate,
		ReturnDuration: cfg.ReturnDuration,
		ChargeTarget:   cfg.ChargeTarget,
		TickInterval:   cfg.PowerTick,
	}
	c.Liveness = liveness.Config{Timeout: cfg.ConnectionTimeout, Interval: cfg.SweepInterval}
	c.QueueSize = cfg.QueueSize
	c.UplinkInterval = cfg.UplinkInterval
	return c
}

func serverConfig(cfg *config.Config, tier, addr string) ingest.Config {
	c := ingest.DefaultConfig(tier, addr)
	c.AcceptTimeout = cfg.AcceptTimeout
	c.ReadTimeout = cfg.ReadTimeout
	return c
}

func sensorConfig(cfg *config.Config, id string) sensor.Config {
	c := sensor.DefaultConfig(id, cfg.DroneAddr)
	c.MinInterval = cfg.SensorMinInterval
	c.MaxInterval = cfg.SensorMaxInterval
	c.AnomalyProbability = cfg.AnomalyProbability
	c.FailureProbability = cfg.FailureProbability
	c.RepairDuration = cfg.RepairDuration
	c.MaxAttempts = cfg.ReconnectAttempts
	return c
}
