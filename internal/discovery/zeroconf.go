package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

// ErrNoInterface is returned when no multicast-capable interface owns the
// selected local address.
var ErrNoInterface = errors.New("no usable network interface")

type entryFunc func(ctx context.Context, entries chan<- *zeroconf.ServiceEntry) error

// ZeroconfBrowser discovers instances with repeated mDNS browse cycles.
// Instances that are absent for a whole cycle are reported as removed.
type ZeroconfBrowser struct {
	window time.Duration
	logger *zap.SugaredLogger

	browse func() (entryFunc, error)
	lookup func(instance string) (entryFunc, error)
}

// NewZeroconfFactory returns a BrowserFactory that listens on the interface
// owning the local address for serviceType, e.g. "_imagecount._tcp.local.".
func NewZeroconfFactory(serviceType string, window time.Duration, logger *zap.SugaredLogger) BrowserFactory {
	return func(local net.IP) (Browser, error) {
		service, domain, err := SplitServiceType(serviceType)
		if err != nil {
			return nil, err
		}

		ifc, err := interfaceFor(local)
		if err != nil {
			return nil, err
		}
		opts := []zeroconf.ClientOption{
			zeroconf.SelectIfaces([]net.Interface{*ifc}),
			zeroconf.SelectIPTraffic(zeroconf.IPv4),
		}

		// The first resolver doubles as a check that the multicast sockets
		// can be bound; later cycles get fresh resolvers.
		first, err := zeroconf.NewResolver(opts...)
		if err != nil {
			return nil, fmt.Errorf("bind mdns listener on %s: %w", ifc.Name, err)
		}

		newResolver := func() (*zeroconf.Resolver, error) {
			if first != nil {
				r := first
				first = nil
				return r, nil
			}
			return zeroconf.NewResolver(opts...)
		}

		logger.Infow("mDNS listener bound", "interface", ifc.Name, "address", local.String(), "service", service, "domain", domain)

		return &ZeroconfBrowser{
			window: window,
			logger: logger,
			browse: func() (entryFunc, error) {
				r, err := newResolver()
				if err != nil {
					return nil, err
				}
				return func(ctx context.Context, entries chan<- *zeroconf.ServiceEntry) error {
					return r.Browse(ctx, service, domain, entries)
				}, nil
			},
			lookup: func(instance string) (entryFunc, error) {
				r, err := zeroconf.NewResolver(opts...)
				if err != nil {
					return nil, err
				}
				return func(ctx context.Context, entries chan<- *zeroconf.ServiceEntry) error {
					return r.Lookup(ctx, instance, service, domain, entries)
				}, nil
			},
		}, nil
	}
}

// Browse runs browse cycles until ctx is done.
func (b *ZeroconfBrowser) Browse(ctx context.Context, events chan<- Event) error {
	known := make(map[string]bool)

	for ctx.Err() == nil {
		seen, err := b.cycle(ctx, known, events)
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}

		for name := range known {
			if seen[name] {
				continue
			}
			delete(known, name)
			if !send(ctx, events, Event{Kind: Removed, Instance: name}) {
				return nil
			}
		}
	}
	return nil
}

func (b *ZeroconfBrowser) cycle(ctx context.Context, known map[string]bool, events chan<- Event) (map[string]bool, error) {
	browse, err := b.browse()
	if err != nil {
		return nil, fmt.Errorf("create mdns resolver: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, b.window)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	if err := browse(cctx, entries); err != nil {
		return nil, fmt.Errorf("browse: %w", err)
	}

	seen := make(map[string]bool)
	for {
		select {
		case <-cctx.Done():
			return seen, nil
		case entry, ok := <-entries:
			if !ok {
				<-cctx.Done()
				return seen, nil
			}
			if entry == nil {
				continue
			}
			name := entry.Instance
			seen[name] = true
			if known[name] {
				continue
			}
			known[name] = true
			if !send(ctx, events, Event{Kind: Discovered, Instance: name}) {
				return seen, nil
			}
		}
	}
}

// Resolve looks instance up once, bounded by the browse window.
func (b *ZeroconfBrowser) Resolve(ctx context.Context, instance string, events chan<- Event) {
	lookup, err := b.lookup(instance)
	if err != nil {
		b.logger.Warnw("Failed to create mdns resolver", "instance", instance, "error", err)
		return
	}

	lctx, cancel := context.WithTimeout(ctx, b.window)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 4)
	if err := lookup(lctx, entries); err != nil {
		b.logger.Warnw("mDNS lookup failed", "instance", instance, "error", err)
		return
	}

	for {
		select {
		case <-lctx.Done():
			b.logger.Debugw("Instance not resolved", "instance", instance)
			return
		case entry, ok := <-entries:
			if !ok {
				return
			}
			if entry == nil {
				continue
			}
			host := firstAddress(entry)
			if host == "" || entry.Port <= 0 {
				continue
			}
			send(ctx, events, Event{Kind: Resolved, Instance: instance, Host: host, Port: entry.Port})
			return
		}
	}
}

func firstAddress(entry *zeroconf.ServiceEntry) string {
	if len(entry.AddrIPv4) > 0 {
		return entry.AddrIPv4[0].String()
	}
	if len(entry.AddrIPv6) > 0 {
		return entry.AddrIPv6[0].String()
	}
	return ""
}

func send(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func interfaceFor(local net.IP) (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoInterface, err)
	}

	for i := range ifaces {
		ifc := ifaces[i]
		if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagMulticast == 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipNet, ok := a.(*net.IPNet); ok && ipNet.IP.Equal(local) {
				return &ifc, nil
			}
		}
	}

	return nil, fmt.Errorf("%w: no multicast interface owns %s", ErrNoInterface, local)
}

// Advertisement is a registered mDNS service instance.
type Advertisement struct {
	server *zeroconf.Server
}

// Advertise registers instance for serviceType on port on all interfaces.
func Advertise(instance, serviceType string, port int, text []string) (*Advertisement, error) {
	service, domain, err := SplitServiceType(serviceType)
	if err != nil {
		return nil, err
	}

	server, err := zeroconf.Register(instance, service, domain, port, text, nil)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", instance, err)
	}
	return &Advertisement{server: server}, nil
}

// Shutdown withdraws the advertisement.
func (a *Advertisement) Shutdown() {
	if a != nil && a.server != nil {
		a.server.Shutdown()
	}
}
