// Command controlrouter runs a standalone Control Router/Server (§4.5): it
// accepts lease/mode/problem-set requests and publishes ControlState
// changes, but forwards no device requests since no control.DeviceHandler is
// attached in this process (START_SCAN and friends reply CMD_NOT_SUPPORTED).
// See cmd/devicecontroller for a deployment that combines the Router with an
// in-process driver, which is how device requests actually get served.

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"spmfabric/internal/config"
	"spmfabric/internal/control"
	"spmfabric/internal/envelope"
	"spmfabric/internal/logging"
	"spmfabric/internal/pubsub"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logging.New("controlrouter", cfg.Logging)
	if err != nil {
		panic(err)
	}

	logic := envelope.NewLogic(envelope.DefaultDecoders(), envelope.Config{
		DefaultDepth: cfg.PubSub.CacheDepthDefault,
	})
	publisher, err := pubsub.NewPublisher(logic, log)
	if err != nil {
		log.Error("failed to construct publisher", logging.Error(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := publisher.Start(ctx, cfg.PubSub.PubURL); err != nil && ctx.Err() == nil {
			log.Error("publisher stopped with error", logging.Error(err))
		}
	}()

	router := control.NewRouter(control.RouterConfig{
		AdminIdentities:  cfg.Control.AdminIdentities,
		HeartbeatTimeout: 2 * cfg.Device.HeartbeatPeriod,
		Publisher:        publisher,
		Log:              log,
	}, nil)

	server := control.NewServer(router, log)
	log.Info("control router listening", logging.String("addr", cfg.Control.RouterURL))
	if err := server.Start(ctx, cfg.Control.RouterURL); err != nil && ctx.Err() == nil {
		log.Error("control server stopped with error", logging.Error(err))
		os.Exit(1)
	}
}
