package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/imagecount/photosync/internal/metrics"
	"github.com/imagecount/photosync/internal/status"
)

var (
	// ErrSetup wraps failures to start the discovery listener.
	ErrSetup = errors.New("discovery setup failed")
	// ErrAlreadyRunning is returned by Start while discovery is active.
	ErrAlreadyRunning = errors.New("discovery already running")
)

// Browser is the multicast discovery collaborator. Implementations must
// abandon sends on events once ctx is done.
type Browser interface {
	// Browse pushes Discovered and Removed events until ctx is done. A
	// non-nil error ends discovery.
	Browse(ctx context.Context, events chan<- Event) error
	// Resolve requests the address of instance and pushes a Resolved event
	// if and when it arrives.
	Resolve(ctx context.Context, instance string, events chan<- Event)
}

// BrowserFactory binds a Browser to the given local address.
type BrowserFactory func(local net.IP) (Browser, error)

// State is the resolver lifecycle state.
type State string

const (
	StateIdle          State = "idle"
	StateDiscovering   State = "discovering"
	StateEndpointKnown State = "endpoint_known"
)

// Options tunes a Resolver.
type Options struct {
	// SetupRetries is the number of extra setup attempts after a failure.
	SetupRetries int
	// RetryBackoff is the delay before the first retry; it doubles on each
	// subsequent attempt.
	RetryBackoff time.Duration
	// OnChange is called from the event loop whenever the current endpoint
	// changes. A nil endpoint means none is known.
	OnChange func(*Endpoint)
}

// Resolver turns discovery events into a single current endpoint. One
// goroutine consumes all events, so the endpoint has a single writer.
type Resolver struct {
	newBrowser BrowserFactory
	interfaces InterfaceLister
	status     *status.Log
	logger     *zap.SugaredLogger
	opts       Options

	running atomic.Bool
	current atomic.Pointer[Endpoint]

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewResolver creates a Resolver.
func NewResolver(factory BrowserFactory, interfaces InterfaceLister, statusLog *status.Log, logger *zap.SugaredLogger, opts Options) *Resolver {
	if interfaces == nil {
		interfaces = SystemInterfaces
	}
	return &Resolver{
		newBrowser: factory,
		interfaces: interfaces,
		status:     statusLog,
		logger:     logger,
		opts:       opts,
	}
}

// Start begins discovery in the background. Setup failures are reported to
// the status log and leave the resolver idle.
func (r *Resolver) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done

	r.status.Infof("Starting service discovery...")
	go r.run(runCtx, cancel, done)

	return nil
}

// Stop ends discovery and waits for the event loop to exit.
func (r *Resolver) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Done returns a channel closed when the current discovery run has ended,
// or nil if discovery was never started.
func (r *Resolver) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// State reports the lifecycle state.
func (r *Resolver) State() State {
	if !r.running.Load() {
		return StateIdle
	}
	if r.current.Load() != nil {
		return StateEndpointKnown
	}
	return StateDiscovering
}

// Current returns the current endpoint, if any.
func (r *Resolver) Current() (Endpoint, bool) {
	ep := r.current.Load()
	if ep == nil {
		return Endpoint{}, false
	}
	return *ep, true
}

// BaseURL returns the URL of the current endpoint, if any.
func (r *Resolver) BaseURL() (string, bool) {
	ep, ok := r.Current()
	if !ok {
		return "", false
	}
	return ep.URL(), true
}

// run owns ctx: it is cancelled on every exit path so resolutions still in
// flight are released.
func (r *Resolver) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	defer close(done)
	defer r.running.Store(false)
	defer r.publish(nil)
	defer cancel()

	browser, err := r.setup(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.status.Errorf("Service discovery error: %v", err)
		}
		return
	}

	events := make(chan Event, 16)
	browseErr := make(chan error, 1)
	go func() {
		browseErr <- browser.Browse(ctx, events)
	}()

	tracker := newTracker()
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-browseErr:
			if err != nil && ctx.Err() == nil {
				r.status.Errorf("Service discovery error: %v", err)
			}
			return
		case ev := <-events:
			r.handle(ctx, browser, events, tracker, ev)
		}
	}
}

func (r *Resolver) setup(ctx context.Context) (Browser, error) {
	backoff := r.opts.RetryBackoff
	var lastErr error

	for attempt := 0; attempt <= r.opts.SetupRetries; attempt++ {
		if attempt > 0 {
			r.logger.Warnw("Retrying discovery setup", "attempt", attempt, "backoff", backoff, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		local, err := LocalAddress(r.interfaces)
		if err != nil {
			lastErr = fmt.Errorf("%w: %w", ErrSetup, err)
			continue
		}
		r.status.Infof("Local IP: %s", local)

		browser, err := r.newBrowser(local)
		if err != nil {
			lastErr = fmt.Errorf("%w: %w", ErrSetup, err)
			continue
		}
		return browser, nil
	}

	return nil, lastErr
}

func (r *Resolver) handle(ctx context.Context, browser Browser, events chan<- Event, t *tracker, ev Event) {
	metrics.RecordDiscoveryEvent(ev.Kind.String())

	switch ev.Kind {
	case Discovered:
		r.status.Infof("Service found: %s", ev.Instance)
		go browser.Resolve(ctx, ev.Instance, events)

	case Resolved:
		if ev.Host == "" || ev.Port <= 0 {
			r.logger.Warnw("Ignoring resolution without address", "instance", ev.Instance, "host", ev.Host, "port", ev.Port)
			return
		}
		ep := Endpoint{Instance: ev.Instance, Host: ev.Host, Port: ev.Port}
		if prev := r.current.Load(); prev != nil && prev.Instance != ep.Instance {
			r.logger.Warnw("Multiple servers advertised, using the most recently resolved",
				"previous", prev.Instance, "current", ep.Instance)
		}
		t.resolved(ep)
		r.publish(&ep)
		r.status.Successf("Server connected at %s", ep.URL())

	case Removed:
		r.status.Infof("Service removed: %s", ev.Instance)
		prev := r.current.Load()
		next := t.removed(ev.Instance)
		if prev == nil || prev.Instance != ev.Instance {
			return
		}
		r.publish(next)
		if next == nil {
			r.status.Infof("Server at %s is no longer available", prev.URL())
		} else {
			r.status.Infof("Switched to server at %s", next.URL())
		}
	}
}

func (r *Resolver) publish(ep *Endpoint) {
	prev := r.current.Swap(ep)
	if prev == nil && ep == nil {
		return
	}
	metrics.SetEndpointKnown(ep != nil)
	if r.opts.OnChange != nil {
		r.opts.OnChange(ep)
	}
}

// tracker remembers every resolved instance still advertised, ordered by
// resolution time.
type tracker struct {
	seq     uint64
	entries map[string]trackedEndpoint
}

type trackedEndpoint struct {
	endpoint Endpoint
	seq      uint64
}

func newTracker() *tracker {
	return &tracker{entries: make(map[string]trackedEndpoint)}
}

func (t *tracker) resolved(ep Endpoint) {
	t.seq++
	t.entries[ep.Instance] = trackedEndpoint{endpoint: ep, seq: t.seq}
}

// removed forgets instance and returns the most recently resolved instance
// that remains, or nil.
func (t *tracker) removed(instance string) *Endpoint {
	delete(t.entries, instance)

	var best *trackedEndpoint
	for _, e := range t.entries {
		if best == nil || e.seq > best.seq {
			e := e
			best = &e
		}
	}
	if best == nil {
		return nil
	}
	ep := best.endpoint
	return &ep
}
