// Package discovery resolves the companion server on the local network via
// multicast DNS service discovery.
package discovery

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// EventKind tags a discovery event.
type EventKind int

const (
	// Discovered announces a new service instance; it carries no address.
	Discovered EventKind = iota
	// Resolved carries the address of an instance.
	Resolved
	// Removed announces that an instance has been withdrawn.
	Removed
)

func (k EventKind) String() string {
	switch k {
	case Discovered:
		return "discovered"
	case Resolved:
		return "resolved"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Event is a single service advertisement change.
type Event struct {
	Kind     EventKind
	Instance string
	Host     string
	Port     int
}

// Endpoint is the address of a resolved server instance.
type Endpoint struct {
	Instance string `json:"instance"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
}

// URL returns the base URL of the endpoint.
func (e Endpoint) URL() string {
	return "http://" + net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// SplitServiceType splits a full DNS-SD service type such as
// "_imagecount._tcp.local." into its service and domain parts.
func SplitServiceType(serviceType string) (service, domain string, err error) {
	labels := strings.Split(strings.TrimSuffix(serviceType, "."), ".")
	for i, label := range labels {
		if label != "_tcp" && label != "_udp" {
			continue
		}
		if i == 0 {
			break
		}
		service = strings.Join(labels[:i+1], ".")
		domain = "local."
		if rest := labels[i+1:]; len(rest) > 0 {
			domain = strings.Join(rest, ".") + "."
		}
		return service, domain, nil
	}
	return "", "", fmt.Errorf("invalid service type %q", serviceType)
}
