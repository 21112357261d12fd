package discovery

import (
	"fmt"
	"net"
	"os"
)

// Interface is a network interface and its addresses in platform order.
type Interface struct {
	Name  string
	Addrs []net.IP
}

// InterfaceLister enumerates the host's network interfaces.
type InterfaceLister func() ([]Interface, error)

// SystemInterfaces lists the operating system's interfaces.
func SystemInterfaces() ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	out := make([]Interface, 0, len(ifaces))
	for _, ifc := range ifaces {
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		entry := Interface{Name: ifc.Name}
		for _, a := range addrs {
			switch v := a.(type) {
			case *net.IPNet:
				entry.Addrs = append(entry.Addrs, v.IP)
			case *net.IPAddr:
				entry.Addrs = append(entry.Addrs, v.IP)
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

var lookupIP = net.LookupIP

// LocalAddress returns the first non-loopback IPv4 address in interface
// order, falling back to the address of the host name and finally to
// 127.0.0.1.
func LocalAddress(list InterfaceLister) (net.IP, error) {
	ifaces, err := list()
	if err != nil {
		return nil, fmt.Errorf("list network interfaces: %w", err)
	}

	for _, ifc := range ifaces {
		for _, ip := range ifc.Addrs {
			if ip.IsLoopback() || ip.IsUnspecified() {
				continue
			}
			if ip4 := ip.To4(); ip4 != nil {
				return ip4, nil
			}
		}
	}

	return defaultLocalAddress(), nil
}

func defaultLocalAddress() net.IP {
	if host, err := os.Hostname(); err == nil {
		if ips, err := lookupIP(host); err == nil {
			for _, ip := range ips {
				if ip4 := ip.To4(); ip4 != nil {
					return ip4
				}
			}
		}
	}
	return net.IPv4(127, 0, 0, 1).To4()
}
