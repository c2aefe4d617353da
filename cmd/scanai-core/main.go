// Command scanai-core runs the ScanAI vision data plane standalone,
// wiring the pipeline supervisor to whatever camera/encoder
// collaborators the host platform supplies (spec §1). This binary wires
// a minimal stand-in encoder for local smoke testing; the mobile client
// embeds the same pipeline package with its own native collaborators.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/scanai/core/config"
	"github.com/scanai/core/logging"
	"github.com/scanai/core/pipeline"
)

func main() {
	confPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	if *confPath != "" {
		if err := config.Reload(*confPath); err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			os.Exit(1)
		}
		logging.Reconfigure()
	}

	defer logging.Logger.Sync()
	logging.Logger.Info("scanai-core starting")

	sup := pipeline.New(config.GlobalCfg, pipeline.Collaborators{
		Encode: func(ctx context.Context, frameID int64) ([]byte, string, uint32, uint32, error) {
			return nil, "", 0, 0, errors.New("no native encoder attached in standalone mode")
		},
		Token:    func() string { return os.Getenv("SCANAI_TOKEN") },
		OnLogout: func() { logging.Logger.Info("session logged out by server") },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sup.Start(ctx); err != nil {
		logging.Logger.Error("failed to start pipeline", zap.Error(err))
		os.Exit(1)
	}

	go logStatusUpdates(sup)
	go logMetrics(sup)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logging.Logger.Info("scanai-core shutting down")
	sup.Stop()
}

func logStatusUpdates(sup *pipeline.Supervisor) {
	for u := range sup.Status() {
		logging.Logger.Info("connection status changed",
			zap.String("state", u.State.String()), zap.String("category", string(u.Category)))
	}
}

func logMetrics(sup *pipeline.Supervisor) {
	for range sup.Metrics() {
		// Metrics are consumed by external collaborators (UI, dashboards)
		// in the mobile client; standalone mode just drains the channel.
	}
}
