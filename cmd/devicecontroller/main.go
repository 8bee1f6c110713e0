// Command devicecontroller runs the full single-process deployment of §4.5 +
// §4.7: a Control Router/Server backed directly by a Device Controller
// driving the ImageController reference driver, publishing diffs and
// heartbeats through the component skeleton.
package main

import (
	"context"
	"image"
	"image/color"
	"os"
	"os/signal"
	"syscall"
	"time"

	"spmfabric/internal/component"
	"spmfabric/internal/config"
	"spmfabric/internal/control"
	"spmfabric/internal/device"
	imagedriver "spmfabric/internal/device/image"
	"spmfabric/internal/envelope"
	"spmfabric/internal/logging"
	"spmfabric/internal/model"
	"spmfabric/internal/pubsub"
)

// blankSourceImage stands in for a loaded scan image: a flat mid-gray field,
// just enough for the ImageController to produce deterministic, if
// uninteresting, scans. It is always used; the driver sub-config loaded from
// SPM_DRIVER_CONFIG_PATH is not consulted for an image source.
func blankSourceImage(size int) image.Image {
	img := image.NewGray(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.SetGray(x, y, color.Gray{Y: 128})
		}
	}
	return img
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logging.New("devicecontroller", cfg.Logging)
	if err != nil {
		panic(err)
	}

	logic := envelope.NewLogic(envelope.DefaultDecoders(), envelope.Config{
		DefaultDepth: cfg.PubSub.CacheDepthDefault,
		ScanDepths:   envelope.ScanDepthsFromStrings(cfg.PubSub.ScanCacheDepths),
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

	grid := imagedriver.LoadGrayscale(blankSourceImage(64),
		model.Point2d{X: 0, Y: 0}, model.Size2d{X: 10, Y: 10}, "nm")
	driver := imagedriver.NewController(imagedriver.Config{
		Grid:      grid,
		DataUnits: "nm",
		ScanTime:  200 * time.Millisecond,
		MoveTime:  100 * time.Millisecond,
	})

	controller := device.NewController(device.ControllerConfig{
		Driver:    driver,
		Publisher: publisher,
		Log:       log,
	})

	router := control.NewRouter(control.RouterConfig{
		AdminIdentities:  cfg.Control.AdminIdentities,
		HeartbeatTimeout: 2 * cfg.Device.HeartbeatPeriod,
		Publisher:        publisher,
		Log:              log,
	}, controller)

	server := control.NewServer(router, log)
	go func() {
		log.Info("control router listening", logging.String("addr", cfg.Control.RouterURL))
		if err := server.Start(ctx, cfg.Control.RouterURL); err != nil && ctx.Err() == nil {
			log.Error("control server stopped with error", logging.Error(err))
		}
	}()

	skeleton := component.New("devicecontroller", publisher, nil, cfg.Device.HeartbeatPeriod, cfg.Device.LoopSleep, log)
	log.Info("device controller running")
	if err := skeleton.Run(ctx, controller.Tick); err != nil && ctx.Err() == nil {
		log.Error("device controller loop stopped with error", logging.Error(err))
		os.Exit(1)
	}
}
