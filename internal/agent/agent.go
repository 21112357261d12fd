// Package agent wires discovery, the photo library and the transfer
// pipeline into the photosync client. It exposes the small set of
// operations a presentation layer drives.
package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/imagecount/photosync/internal/callback"
	"github.com/imagecount/photosync/internal/config"
	"github.com/imagecount/photosync/internal/discovery"
	"github.com/imagecount/photosync/internal/library"
	"github.com/imagecount/photosync/internal/status"
	"github.com/imagecount/photosync/internal/transfer"
	"github.com/imagecount/photosync/internal/transport"
)

// ErrDiscoveryEnded is returned by WaitForEndpoint when discovery stops
// before any server is resolved.
var ErrDiscoveryEnded = errors.New("discovery ended without a server")

// Client is the HTTP client shared by count reports and uploads.
type Client interface {
	callback.Poster
	transfer.Uploader
}

// Store is a photo library whose access can be checked up front.
type Store interface {
	library.Store
	CheckAccess() error
}

// Deps overrides the platform collaborators. Nil fields get the
// production implementations.
type Deps struct {
	Browsers   discovery.BrowserFactory
	Interfaces discovery.InterfaceLister
	Store      Store
	Client     Client
	Codec      transfer.Codec
}

// Agent is the photosync client.
type Agent struct {
	status   *status.Log
	resolver *discovery.Resolver
	store    Store
	enum     *library.Enumerator
	pipeline *transfer.Pipeline
	counted  *library.ReportState
	logger   *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	countMu    sync.Mutex
	imageCount atomic.Int64

	transferring atomic.Bool
	lastSummary  atomic.Pointer[transfer.Summary]
}

// New creates an Agent. Nothing runs until GrantPermission or
// RequestDiscoveryStart is called.
func New(cfg *config.Config, deps Deps, logger *zap.SugaredLogger) *Agent {
	if deps.Browsers == nil {
		deps.Browsers = discovery.NewZeroconfFactory(cfg.Discovery.ServiceType, cfg.Discovery.BrowseWindow, logger)
	}
	if deps.Interfaces == nil {
		deps.Interfaces = discovery.SystemInterfaces
	}
	if deps.Store == nil {
		store := library.NewOSStore(cfg.Library.Root)
		logger.Infow("Using photo library", "root", store.Root())
		deps.Store = store
	}
	if deps.Client == nil {
		deps.Client = transport.New(cfg.Transport, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		status:  status.NewLog(cfg.Status.Capacity, logger),
		store:   deps.Store,
		counted: &library.ReportState{},
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}

	a.resolver = discovery.NewResolver(deps.Browsers, deps.Interfaces, a.status, logger, discovery.Options{
		SetupRetries: cfg.Discovery.SetupRetries,
		RetryBackoff: cfg.Discovery.RetryBackoff,
		OnChange:     a.endpointChanged,
	})

	a.enum = library.NewEnumerator(
		deps.Store,
		library.Filter{ExcludePending: cfg.Library.ExcludePending},
		a.resolver,
		callback.NewReporter(deps.Client, logger),
		a.counted,
		a.status,
		logger,
	)

	a.pipeline = transfer.NewPipeline(transfer.Config{
		Endpoints:  a.resolver,
		Enumerator: a.enum,
		Opener:     deps.Store,
		Codec:      deps.Codec,
		Uploader:   deps.Client,
		RateLimit:  cfg.Transfer.RateLimit,
	}, a.status, logger)

	return a
}

// StatusLog returns the shared status feed.
func (a *Agent) StatusLog() *status.Log {
	return a.status
}

// GrantPermission records the outcome of the library permission prompt.
// A grant starts discovery.
func (a *Agent) GrantPermission(granted bool) {
	if !granted {
		a.status.Errorf("Some permissions were denied")
		return
	}
	if err := a.store.CheckAccess(); err != nil {
		a.logger.Warnw("Photo library is not readable", "error", err)
		a.status.Errorf("Some permissions were denied")
		return
	}

	a.status.Successf("Permissions granted")
	if err := a.RequestDiscoveryStart(); err != nil {
		a.logger.Infow("Discovery not started", "error", err)
	}
}

// RequestDiscoveryStart starts service discovery in the background.
func (a *Agent) RequestDiscoveryStart() error {
	return a.resolver.Start(a.ctx)
}

// DiscoveryState reports the resolver lifecycle state.
func (a *Agent) DiscoveryState() discovery.State {
	return a.resolver.State()
}

// Endpoint returns the currently resolved server, if any.
func (a *Agent) Endpoint() (discovery.Endpoint, bool) {
	return a.resolver.Current()
}

// WaitForEndpoint blocks until a server is resolved, discovery ends or ctx
// is done. It fails at once if discovery was never started.
func (a *Agent) WaitForEndpoint(ctx context.Context) (discovery.Endpoint, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if ep, ok := a.resolver.Current(); ok {
			return ep, nil
		}
		done := a.resolver.Done()
		if done == nil {
			return discovery.Endpoint{}, ErrDiscoveryEnded
		}
		select {
		case <-ctx.Done():
			return discovery.Endpoint{}, ctx.Err()
		case <-done:
			if ep, ok := a.resolver.Current(); ok {
				return ep, nil
			}
			return discovery.Endpoint{}, ErrDiscoveryEnded
		case <-ticker.C:
		}
	}
}

// ImageCount returns the number of photos in the library. The library is
// counted, and the count reported, at most once per process.
func (a *Agent) ImageCount(ctx context.Context) int {
	return a.countOnce(ctx)
}

func (a *Agent) countOnce(ctx context.Context) int {
	a.countMu.Lock()
	defer a.countMu.Unlock()

	if !a.counted.Sent() {
		a.imageCount.Store(int64(a.enum.Count(ctx)))
	}
	return int(a.imageCount.Load())
}

func (a *Agent) endpointChanged(ep *discovery.Endpoint) {
	if ep == nil {
		return
	}
	a.logger.Infow("Server endpoint changed", "instance", ep.Instance, "url", ep.URL())
	if a.counted.Sent() {
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.countOnce(a.ctx)
	}()
}

// IsTransferring reports whether the pipeline is uploading.
func (a *Agent) IsTransferring() bool {
	return a.pipeline.Active()
}

// LastTransfer returns the summary of the most recent finished transfer.
func (a *Agent) LastTransfer() (transfer.Summary, bool) {
	s := a.lastSummary.Load()
	if s == nil {
		return transfer.Summary{}, false
	}
	return *s, true
}

// RequestTransferStart starts a transfer in the background. Without a
// resolved server it fails immediately with transfer.ErrNoEndpoint.
func (a *Agent) RequestTransferStart() error {
	if !a.transferring.CompareAndSwap(false, true) {
		return transfer.ErrAlreadyRunning
	}

	if _, ok := a.resolver.BaseURL(); !ok {
		defer a.transferring.Store(false)
		_, err := a.pipeline.Run(a.ctx)
		return err
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.transferring.Store(false)
		a.runTransfer(a.ctx)
	}()
	return nil
}

// Transfer runs a transfer and blocks until it finishes.
func (a *Agent) Transfer(ctx context.Context) (transfer.Summary, error) {
	if !a.transferring.CompareAndSwap(false, true) {
		return transfer.Summary{}, transfer.ErrAlreadyRunning
	}
	defer a.transferring.Store(false)
	return a.runTransfer(ctx)
}

func (a *Agent) runTransfer(ctx context.Context) (transfer.Summary, error) {
	summary, err := a.pipeline.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Warnw("Transfer did not complete", "error", err)
	}
	if !errors.Is(err, transfer.ErrNoEndpoint) {
		a.lastSummary.Store(&summary)
	}
	return summary, err
}

// Stop cancels discovery and any running transfer and waits for
// background work, including pending count reports.
func (a *Agent) Stop() {
	a.cancel()
	a.resolver.Stop()
	a.wg.Wait()
	a.enum.Wait()
}
