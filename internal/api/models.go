package api

import (
	"github.com/imagecount/photosync/internal/discovery"
	"github.com/imagecount/photosync/internal/status"
	"github.com/imagecount/photosync/internal/transfer"
)

// PermissionRequest carries the outcome of the library permission prompt.
type PermissionRequest struct {
	Granted *bool `json:"granted" binding:"required"`
}

// EndpointInfo describes the resolved server.
type EndpointInfo struct {
	Instance string `json:"instance"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	URL      string `json:"url"`
}

// DiscoveryStatus is the response of GET /api/v1/discovery/status.
type DiscoveryStatus struct {
	State    discovery.State `json:"state"`
	Endpoint *EndpointInfo   `json:"endpoint,omitempty"`
}

// TransferStatus is the response of GET /api/v1/transfer/status.
type TransferStatus struct {
	Status  string            `json:"status"`
	Running bool              `json:"running"`
	Last    *transfer.Summary `json:"last,omitempty"`
}

// StatusResponse is the response of GET /api/v1/status. Events are newest
// first.
type StatusResponse struct {
	Capacity int            `json:"capacity"`
	Events   []status.Event `json:"events"`
}
