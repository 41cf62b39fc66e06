package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/chaz8081/rf433-gateway/internal/ble"
	"github.com/chaz8081/rf433-gateway/internal/catalog"
	"github.com/chaz8081/rf433-gateway/internal/config"
	"github.com/chaz8081/rf433-gateway/internal/discovery"
	"github.com/chaz8081/rf433-gateway/internal/radio"
	"github.com/chaz8081/rf433-gateway/internal/server"
	"github.com/chaz8081/rf433-gateway/internal/session"
	"github.com/chaz8081/rf433-gateway/internal/telemetry"
)

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath)
			if err != nil {
				return err
			}
			printBanner(cfg)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, logger)
		},
	}
}

// runServe wires the catalog, radio, sessions and outer surfaces together
// and blocks until ctx ends.
func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, err := catalog.OpenStore(ctx, cfg.Catalog.Backend, cfg.Catalog.Path, logger)
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	defer store.Close()
	cat := catalog.Open(ctx, store, logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(reg)

	radioObs := telemetry.RadioFanout{metrics}
	if cfg.InfluxDB.Enabled {
		sink, err := telemetry.DialInflux(ctx, cfg.InfluxDB, logger)
		if err != nil {
			logger.Warn("influxdb sink disabled", "error", err)
		} else {
			defer sink.Close()
			radioObs = append(radioObs, sink)
		}
	}

	deps := session.Deps{
		Catalog:      cat,
		ScanDuration: cfg.BLE.ScanDuration,
		Logger:       logger,
		Observer:     metrics,
	}

	var (
		bus   *radio.Bus
		queue *radio.Queue
	)
	if cfg.BLE.Enabled {
		adapter := ble.NewTinyGoAdapter()
		if err := adapter.Enable(); err != nil {
			logger.Warn("BLE adapter unavailable, running without a gateway", "error", err)
		} else {
			bus = radio.NewBus(0, logger)
			queue = radio.NewQueue(bus, radio.QueueOptions{
				OperationTimeout:   cfg.BLE.OperationTimeout,
				DisconnectWhenIdle: cfg.BLE.DisconnectWhenIdle,
				Logger:             logger,
				Observer:           radioObs,
			})
			defer queue.Close()

			gw := ble.NewGateway(adapter, queue, ble.GatewayOptions{
				ReconnectMax:   cfg.BLE.ReconnectMax,
				ConnectTimeout: cfg.BLE.ConnectTimeout,
				Reconnect:      true,
				Logger:         logger,
			})
			defer gw.Close()

			deps.Queue = queue
			deps.Link = gw
			deps.Scanner = ble.AdapterScanner{Adapter: adapter}

			follow := bus.Subscribe()
			defer follow.Close()
			go cat.Follow(ctx, follow)

			mac := cfg.BLE.DeviceMAC
			if mac == "" {
				mac = cat.Device().Address
			}
			if mac != "" {
				go func() {
					if err := gw.Connect(ctx, mac); err != nil {
						logger.Warn("initial gateway connect failed", "mac", mac, "error", err)
					}
				}()
			}
		}
	}

	srv := server.New(server.Options{
		Addr:     cfg.Service.Listen,
		Deps:     deps,
		Logger:   logger,
		Observer: metrics,
	})
	if err := srv.Listen(); err != nil {
		return err
	}

	if cfg.Discovery.Backend == "mqtt" {
		m, err := discovery.DialMQTT(cfg.Discovery, logger)
		if err != nil {
			logger.Warn("service discovery unavailable", "error", err)
		} else {
			defer m.Close()
			if err := m.Advertise(ctx, cfg.Service.Name, srv.Port()); err != nil {
				logger.Warn("advertise failed", "error", err)
			}
			defer func() {
				if err := m.Withdraw(context.Background(), cfg.Service.Name); err != nil {
					logger.Warn("withdraw failed", "error", err)
				}
			}()
			if bus != nil {
				states := bus.Subscribe()
				defer states.Close()
				go m.Follow(ctx, states)
			}
		}
	}

	if cfg.Metrics.Enabled {
		h := telemetry.Handler(reg, func() telemetry.Health {
			h := telemetry.Health{Version: version, Gateway: "absent"}
			if queue != nil {
				h.Gateway = queue.State().String()
				h.Device = queue.Device()
			}
			return h
		})
		go func() {
			if err := telemetry.Serve(ctx, cfg.Metrics.Listen, h, logger); err != nil {
				logger.Error("metrics endpoint stopped", "error", err)
			}
		}()
	}

	logger.Info("ready", "name", cfg.Service.Name, "port", srv.Port(), "hardware", deps.HasHardware())
	return srv.Serve(ctx)
}
