package discovery

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticInterfaces(ifaces ...Interface) InterfaceLister {
	return func() ([]Interface, error) { return ifaces, nil }
}

func TestLocalAddress_FirstQualifyingInOrder(t *testing.T) {
	list := staticInterfaces(
		Interface{Name: "lo", Addrs: []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")}},
		Interface{Name: "wlan0", Addrs: []net.IP{net.ParseIP("fe80::1c2a"), net.ParseIP("192.168.1.23")}},
		Interface{Name: "eth0", Addrs: []net.IP{net.ParseIP("10.0.0.4")}},
	)

	ip, err := LocalAddress(list)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.23", ip.String())
}

func TestLocalAddress_FallsBackToHostAddress(t *testing.T) {
	orig := lookupIP
	t.Cleanup(func() { lookupIP = orig })
	lookupIP = func(string) ([]net.IP, error) {
		return []net.IP{net.ParseIP("fe80::2"), net.ParseIP("172.16.0.9")}, nil
	}

	ip, err := LocalAddress(staticInterfaces(Interface{Name: "lo", Addrs: []net.IP{net.ParseIP("127.0.0.1")}}))
	require.NoError(t, err)
	assert.Equal(t, "172.16.0.9", ip.String())
}

func TestLocalAddress_FallsBackToLoopback(t *testing.T) {
	orig := lookupIP
	t.Cleanup(func() { lookupIP = orig })
	lookupIP = func(string) ([]net.IP, error) { return nil, errors.New("no such host") }

	ip, err := LocalAddress(staticInterfaces())
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", ip.String())
}

func TestLocalAddress_ListError(t *testing.T) {
	_, err := LocalAddress(func() ([]Interface, error) { return nil, errors.New("permission denied") })
	assert.ErrorContains(t, err, "permission denied")
}
