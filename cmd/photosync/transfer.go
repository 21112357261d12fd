package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/imagecount/photosync/internal/agent"
	"github.com/imagecount/photosync/internal/status"
)

// statusBuffer is how many status events may queue for printing.
const statusBuffer = 256

func newTransferCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "transfer",
		Short: "Discover the image server, report the library size and upload every photo once",
		RunE:  runTransfer,
	}
	c.Flags().String("library", ".", "photo library root directory")
	c.Flags().String("service-type", "_imagecount._tcp.local.", "DNS-SD service type of the image server")
	c.Flags().Float64("rate-limit", 0, "maximum uploads per second (0 = unlimited)")
	c.Flags().Duration("wait", time.Minute, "how long to wait for the server to be discovered")
	return c
}

func runTransfer(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := agent.New(cfg, agent.Deps{}, logger)
	defer a.Stop()

	// Every event is printed as it happens; the log itself stays bounded.
	events, unsubscribe := a.StatusLog().Subscribe(statusBuffer)
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		streamStatus(cmd.OutOrStdout(), events)
	}()
	finish := func() {
		a.Stop()
		unsubscribe()
		<-printed
	}

	a.GrantPermission(true)

	wait, _ := cmd.Flags().GetDuration("wait")
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	ep, err := a.WaitForEndpoint(waitCtx)
	if err != nil {
		finish()
		return fmt.Errorf("no image server found: %w", err)
	}
	logger.Infow("Using image server", "instance", ep.Instance, "url", ep.URL())

	count := a.ImageCount(ctx)
	summary, runErr := a.Transfer(ctx)

	finish()
	fmt.Fprintf(cmd.OutOrStdout(), "\n%d images in library, %d transferred, %d failed\n",
		count, summary.Succeeded, summary.Failed)

	if runErr != nil {
		return runErr
	}
	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d images failed to transfer", summary.Failed, summary.Total)
	}
	return nil
}

// streamStatus writes status events as they arrive until events is closed.
func streamStatus(w io.Writer, events <-chan status.Event) {
	for ev := range events {
		fmt.Fprintf(w, "%s %-7s %s\n", ev.Timestamp.Format(time.TimeOnly), ev.Severity, ev.Message)
	}
}
