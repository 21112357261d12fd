package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/imagecount/photosync/internal/discovery"
	"github.com/imagecount/photosync/internal/receiver"
)

func newServeCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "serve",
		Short: "Run the image server that agents upload to",
		RunE:  runServe,
	}
	c.Flags().Int("listen-port", 8000, "port to accept uploads on")
	c.Flags().String("upload-dir", "uploaded_images", "directory uploaded images are stored in")
	c.Flags().String("service-type", "_imagecount._tcp.local.", "DNS-SD service type to advertise")
	return c
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := receiver.New(cfg.Receiver, afero.NewOsFs(), logger)
	if err != nil {
		return err
	}

	if cfg.Receiver.Advertise {
		ad, err := discovery.Advertise(cfg.Discovery.Instance, cfg.Discovery.ServiceType, cfg.Receiver.Port, nil)
		if err != nil {
			logger.Errorw("Failed to register service", "instance", cfg.Discovery.Instance, "error", err)
		} else {
			logger.Infow("Service registered",
				"instance", cfg.Discovery.Instance,
				"service_type", cfg.Discovery.ServiceType,
				"port", cfg.Receiver.Port,
			)
			defer func() {
				logger.Info("Unregistering service...")
				ad.Shutdown()
			}()
		}
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Receiver.Port),
		Handler:      srv.Router(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return serveUntilDone(ctx, httpServer, logger)
}
