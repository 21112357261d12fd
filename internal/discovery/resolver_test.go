package discovery

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/imagecount/photosync/internal/status"
)

type fakeBrowser struct {
	script      chan Event
	browseErr   error
	resolutions map[string]Event

	mu       sync.Mutex
	resolved []string
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{
		script:      make(chan Event, 16),
		resolutions: make(map[string]Event),
	}
}

func (f *fakeBrowser) Browse(ctx context.Context, events chan<- Event) error {
	if f.browseErr != nil {
		return f.browseErr
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-f.script:
			if !send(ctx, events, ev) {
				return nil
			}
		}
	}
}

func (f *fakeBrowser) Resolve(ctx context.Context, instance string, events chan<- Event) {
	f.mu.Lock()
	f.resolved = append(f.resolved, instance)
	ev, ok := f.resolutions[instance]
	f.mu.Unlock()
	if ok {
		send(ctx, events, ev)
	}
}

func (f *fakeBrowser) resolveCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.resolved...)
}

func lanInterfaces() InterfaceLister {
	return staticInterfaces(Interface{Name: "wlan0", Addrs: []net.IP{net.ParseIP("192.168.1.23")}})
}

func newTestResolver(b Browser, opts Options) (*Resolver, *status.Log) {
	log := status.NewLog(50, nil)
	factory := func(net.IP) (Browser, error) { return b, nil }
	return NewResolver(factory, lanInterfaces(), log, zap.NewNop().Sugar(), opts), log
}

func messages(log *status.Log) []string {
	var out []string
	for _, ev := range log.Snapshot() {
		out = append(out, ev.Message)
	}
	return out
}

func TestResolver_DiscoverResolveRemove(t *testing.T) {
	b := newFakeBrowser()
	b.resolutions["X"] = Event{Kind: Resolved, Instance: "X", Host: "192.168.1.5", Port: 8080}

	var changes []*Endpoint
	var mu sync.Mutex
	r, log := newTestResolver(b, Options{OnChange: func(ep *Endpoint) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, ep)
	}})

	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(r.Stop)

	require.Eventually(t, func() bool { return r.State() == StateDiscovering }, time.Second, 5*time.Millisecond)

	b.script <- Event{Kind: Discovered, Instance: "X"}
	require.Eventually(t, func() bool { _, ok := r.Current(); return ok }, time.Second, 5*time.Millisecond)

	ep, _ := r.Current()
	assert.Equal(t, Endpoint{Instance: "X", Host: "192.168.1.5", Port: 8080}, ep)
	url, ok := r.BaseURL()
	assert.True(t, ok)
	assert.Equal(t, "http://192.168.1.5:8080", url)
	assert.Equal(t, StateEndpointKnown, r.State())
	assert.Equal(t, []string{"X"}, b.resolveCalls())

	b.script <- Event{Kind: Removed, Instance: "X"}
	require.Eventually(t, func() bool { _, ok := r.Current(); return !ok }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateDiscovering, r.State())

	msgs := messages(log)
	assert.Contains(t, msgs, "Starting service discovery...")
	assert.Contains(t, msgs, "Local IP: 192.168.1.23")
	assert.Contains(t, msgs, "Service found: X")
	assert.Contains(t, msgs, "Server connected at http://192.168.1.5:8080")
	assert.Contains(t, msgs, "Service removed: X")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, changes, 2)
	assert.NotNil(t, changes[0])
	assert.Nil(t, changes[1])
}

func TestResolver_ResolvedThenRemovedLeavesNoEndpoint(t *testing.T) {
	b := newFakeBrowser()
	r, _ := newTestResolver(b, Options{})
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(r.Stop)

	b.script <- Event{Kind: Resolved, Instance: "X", Host: "192.168.1.5", Port: 8080}
	b.script <- Event{Kind: Removed, Instance: "X"}
	b.script <- Event{Kind: Discovered, Instance: "marker"}

	require.Eventually(t, func() bool {
		for _, call := range b.resolveCalls() {
			if call == "marker" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	_, ok := r.Current()
	assert.False(t, ok)
}

func TestResolver_SetupFailureStaysIdle(t *testing.T) {
	log := status.NewLog(50, nil)
	factory := func(net.IP) (Browser, error) { return nil, ErrNoInterface }
	r := NewResolver(factory, lanInterfaces(), log, zap.NewNop().Sugar(), Options{})

	require.NoError(t, r.Start(context.Background()))
	<-r.Done()

	assert.Equal(t, StateIdle, r.State())
	snap := log.Snapshot()
	assert.Equal(t, status.SeverityError, snap[0].Severity)
	assert.Contains(t, snap[0].Message, "Service discovery error:")
	assert.Contains(t, snap[0].Message, ErrNoInterface.Error())

	// Discovery can be triggered again after a failure.
	require.NoError(t, r.Start(context.Background()))
	<-r.Done()
}

func TestResolver_BrowseFailure(t *testing.T) {
	b := newFakeBrowser()
	b.browseErr = errors.New("multicast join failed")
	r, log := newTestResolver(b, Options{})

	require.NoError(t, r.Start(context.Background()))
	<-r.Done()

	assert.Equal(t, StateIdle, r.State())
	assert.Equal(t, "Service discovery error: multicast join failed", log.Snapshot()[0].Message)
}

// failingBrowser reports one instance, waits for its resolution to start
// and then fails. The resolution only ends when its context is cancelled.
type failingBrowser struct {
	resolving chan struct{}
	released  chan struct{}
}

func (b *failingBrowser) Browse(ctx context.Context, events chan<- Event) error {
	if !send(ctx, events, Event{Kind: Discovered, Instance: "X"}) {
		return nil
	}
	<-b.resolving
	return errors.New("multicast socket closed")
}

func (b *failingBrowser) Resolve(ctx context.Context, _ string, _ chan<- Event) {
	close(b.resolving)
	<-ctx.Done()
	close(b.released)
}

func TestResolver_BrowseFailureReleasesPendingResolutions(t *testing.T) {
	b := &failingBrowser{resolving: make(chan struct{}), released: make(chan struct{})}
	r, _ := newTestResolver(b, Options{})

	require.NoError(t, r.Start(context.Background()))
	<-r.Done()

	select {
	case <-b.released:
	case <-time.After(time.Second):
		t.Fatal("resolution still running after discovery failed")
	}
	assert.Equal(t, StateIdle, r.State())
}

func TestResolver_SetupRetry(t *testing.T) {
	b := newFakeBrowser()
	var attempts int
	factory := func(net.IP) (Browser, error) {
		attempts++
		if attempts == 1 {
			return nil, ErrNoInterface
		}
		return b, nil
	}
	r := NewResolver(factory, lanInterfaces(), status.NewLog(10, nil), zap.NewNop().Sugar(),
		Options{SetupRetries: 2, RetryBackoff: time.Millisecond})

	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(r.Stop)

	b.script <- Event{Kind: Resolved, Instance: "X", Host: "10.0.0.2", Port: 8000}
	require.Eventually(t, func() bool { return r.State() == StateEndpointKnown }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, attempts)
}

func TestResolver_StartTwice(t *testing.T) {
	r, _ := newTestResolver(newFakeBrowser(), Options{})
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(r.Stop)

	assert.ErrorIs(t, r.Start(context.Background()), ErrAlreadyRunning)
}

func TestResolver_StopClearsEndpoint(t *testing.T) {
	b := newFakeBrowser()
	r, _ := newTestResolver(b, Options{})
	require.NoError(t, r.Start(context.Background()))

	b.script <- Event{Kind: Resolved, Instance: "X", Host: "10.0.0.2", Port: 8000}
	require.Eventually(t, func() bool { _, ok := r.Current(); return ok }, time.Second, 5*time.Millisecond)

	r.Stop()
	assert.Equal(t, StateIdle, r.State())
	_, ok := r.Current()
	assert.False(t, ok)
}

func TestResolver_IgnoresResolutionWithoutAddress(t *testing.T) {
	r, _ := newTestResolver(newFakeBrowser(), Options{})
	r.handle(context.Background(), newFakeBrowser(), make(chan Event, 1), newTracker(), Event{Kind: Resolved, Instance: "X"})

	_, ok := r.Current()
	assert.False(t, ok)
}

// expectedEndpoint is the host:port of the last Resolved event that is not
// followed by a Removed event for the same instance.
func expectedEndpoint(events []Event) *Endpoint {
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if ev.Kind != Resolved {
			continue
		}
		removedLater := false
		for _, later := range events[i+1:] {
			if later.Kind == Removed && later.Instance == ev.Instance {
				removedLater = true
				break
			}
		}
		if !removedLater {
			return &Endpoint{Instance: ev.Instance, Host: ev.Host, Port: ev.Port}
		}
	}
	return nil
}

func TestResolver_EndpointMatchesLastUnremovedResolution(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	instances := []string{"A", "B", "C"}

	for run := 0; run < 500; run++ {
		r, _ := newTestResolver(newFakeBrowser(), Options{})
		tr := newTracker()
		events := make([]Event, 0, 20)

		for i := 0; i < rng.Intn(20); i++ {
			name := instances[rng.Intn(len(instances))]
			var ev Event
			switch rng.Intn(3) {
			case 0:
				ev = Event{Kind: Discovered, Instance: name}
			case 1:
				ev = Event{Kind: Resolved, Instance: name, Host: fmt.Sprintf("192.168.1.%d", rng.Intn(250)+1), Port: 8000 + rng.Intn(3)}
			default:
				ev = Event{Kind: Removed, Instance: name}
			}
			events = append(events, ev)
			r.handle(context.Background(), newFakeBrowser(), make(chan Event, 32), tr, ev)
		}

		want := expectedEndpoint(events)
		got, ok := r.Current()
		if want == nil {
			assert.False(t, ok, "run %d: events %+v", run, events)
			continue
		}
		require.True(t, ok, "run %d: events %+v", run, events)
		assert.Equal(t, *want, got, "run %d: events %+v", run, events)
	}
}

func TestTracker_FallsBackToMostRecent(t *testing.T) {
	tr := newTracker()
	tr.resolved(Endpoint{Instance: "A", Host: "10.0.0.1", Port: 1})
	tr.resolved(Endpoint{Instance: "B", Host: "10.0.0.2", Port: 2})
	tr.resolved(Endpoint{Instance: "C", Host: "10.0.0.3", Port: 3})

	next := tr.removed("C")
	require.NotNil(t, next)
	assert.Equal(t, "B", next.Instance)

	next = tr.removed("B")
	require.NotNil(t, next)
	assert.Equal(t, "A", next.Instance)

	assert.Nil(t, tr.removed("A"))
	assert.Nil(t, tr.removed("unknown"))
}
