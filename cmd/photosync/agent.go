package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/imagecount/photosync/internal/agent"
	"github.com/imagecount/photosync/internal/api"
	"github.com/imagecount/photosync/internal/publisher"
)

func newAgentCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "agent",
		Short: "Run the photosync agent with its local control API",
		RunE:  runAgent,
	}
	c.Flags().String("library", ".", "photo library root directory")
	c.Flags().Int("port", 8001, "control API port")
	c.Flags().String("service-type", "_imagecount._tcp.local.", "DNS-SD service type of the image server")
	c.Flags().Float64("rate-limit", 0, "maximum uploads per second (0 = unlimited)")
	c.Flags().Bool("auto-start", true, "grant library access and start discovery on launch")
	return c
}

func runAgent(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Infow("Starting photosync agent",
		"version", version,
		"library", cfg.Library.Root,
		"service_type", cfg.Discovery.ServiceType,
		"port", cfg.Server.Port,
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := agent.New(cfg, agent.Deps{}, logger)
	defer a.Stop()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.RabbitMQ.URL != "" {
		pub, err := publisher.New(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, logger)
		if err != nil {
			return fmt.Errorf("initialize publisher: %w", err)
		}
		defer func() { _ = pub.Close() }()

		g.Go(func() error {
			return pub.Run(gctx, a.StatusLog())
		})
	}

	server := api.New(cfg.Server, a, logger)
	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:      server.Router(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	g.Go(func() error {
		return serveUntilDone(gctx, httpServer, logger)
	})

	if autoStart, _ := cmd.Flags().GetBool("auto-start"); autoStart {
		a.GrantPermission(true)
	}

	err = g.Wait()
	logger.Info("Agent stopped")
	return err
}
