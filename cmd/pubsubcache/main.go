// Command pubsubcache runs the PubSubCache replay broker (§4.4): it
// subscribes to one or more upstream publishers and re-serves their
// messages, plus cached replay for late subscribers, on its own downstream
// address.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"spmfabric/internal/config"
	"spmfabric/internal/envelope"
	"spmfabric/internal/logging"
	"spmfabric/internal/pubsub"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logging.New("pubsubcache", cfg.Logging)
	if err != nil {
		panic(err)
	}

	logic := envelope.NewLogic(envelope.DefaultDecoders(), envelope.Config{
		DefaultDepth: cfg.PubSub.CacheDepthDefault,
		ScanDepths:   envelope.ScanDepthsFromStrings(cfg.PubSub.ScanCacheDepths),
	})
	broker, err := pubsub.NewBroker(logic, log)
	if err != nil {
		log.Error("failed to construct broker", logging.Error(err))
		os.Exit(1)
	}

	for _, url := range cfg.PubSub.SubURLs {
		if err := broker.ConnectUpstream(url); err != nil {
			log.Error("failed to connect upstream", logging.String("url", url), logging.Error(err))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("pubsubcache listening", logging.String("addr", cfg.PubSub.PubURL))
	if err := broker.ServeDownstream(ctx, cfg.PubSub.PubURL); err != nil && ctx.Err() == nil {
		log.Error("broker stopped with error", logging.Error(err))
		os.Exit(1)
	}
}
