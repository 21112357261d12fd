package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitServiceType(t *testing.T) {
	tests := []struct {
		input   string
		service string
		domain  string
	}{
		{"_imagecount._tcp.local.", "_imagecount._tcp", "local."},
		{"_imagecount._tcp.local", "_imagecount._tcp", "local."},
		{"_imagecount._tcp", "_imagecount._tcp", "local."},
		{"_printer._sub._http._tcp.example.com.", "_printer._sub._http._tcp", "example.com."},
		{"_dns._udp.local.", "_dns._udp", "local."},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			service, domain, err := SplitServiceType(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.service, service)
			assert.Equal(t, tt.domain, domain)
		})
	}
}

func TestSplitServiceType_Invalid(t *testing.T) {
	for _, input := range []string{"", "imagecount.local.", "_tcp.local."} {
		_, _, err := SplitServiceType(input)
		assert.Error(t, err, input)
	}
}

func TestEndpointURL(t *testing.T) {
	assert.Equal(t, "http://192.168.1.5:8080", Endpoint{Host: "192.168.1.5", Port: 8080}.URL())
	assert.Equal(t, "http://[fe80::1]:8000", Endpoint{Host: "fe80::1", Port: 8000}.URL())
}
