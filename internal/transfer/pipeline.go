// Package transfer uploads the photo library to the discovered server one
// image at a time.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/imagecount/photosync/internal/library"
	"github.com/imagecount/photosync/internal/metrics"
	"github.com/imagecount/photosync/internal/status"
	"github.com/imagecount/photosync/internal/transport"
)

const (
	// UploadPath is the server route that receives images.
	UploadPath = "/upload_image"
	// FormField is the multipart part name carrying the image.
	FormField = "image"
)

var (
	// ErrNoEndpoint is returned when no server has been resolved.
	ErrNoEndpoint = errors.New("server not found")
	// ErrAlreadyRunning is returned while another transfer is active.
	ErrAlreadyRunning = errors.New("transfer already running")
)

// Enumerator lists the photos to transfer.
type Enumerator interface {
	Enumerate(ctx context.Context) []library.ResourceRef
}

// Opener reads a photo from the store.
type Opener interface {
	Open(ref library.ResourceRef) (io.ReadCloser, error)
}

// Uploader sends one multipart file.
type Uploader interface {
	UploadFile(ctx context.Context, url, field, filename, contentType string, data []byte) error
}

// Summary describes a finished transfer.
type Summary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Pipeline uploads every enumerated photo sequentially. A failed item is
// logged and skipped; the pipeline never retries it.
type Pipeline struct {
	endpoints library.EndpointSource
	enum      Enumerator
	opener    Opener
	codec     Codec
	uploader  Uploader
	limiter   *rate.Limiter
	status    *status.Log
	logger    *zap.SugaredLogger

	active atomic.Bool
}

// Config holds the pipeline collaborators.
type Config struct {
	Endpoints  library.EndpointSource
	Enumerator Enumerator
	Opener     Opener
	Codec      Codec
	Uploader   Uploader

	// RateLimit caps uploads per second; zero disables pacing.
	RateLimit float64
}

// NewPipeline creates a Pipeline.
func NewPipeline(cfg Config, statusLog *status.Log, logger *zap.SugaredLogger) *Pipeline {
	p := &Pipeline{
		endpoints: cfg.Endpoints,
		enum:      cfg.Enumerator,
		opener:    cfg.Opener,
		codec:     cfg.Codec,
		uploader:  cfg.Uploader,
		status:    statusLog,
		logger:    logger,
	}
	if p.codec == nil {
		p.codec = JPEGCodec{Quality: JPEGQuality}
	}
	if cfg.RateLimit > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return p
}

// Active reports whether a transfer is in progress.
func (p *Pipeline) Active() bool {
	return p.active.Load()
}

// Run transfers the library and blocks until every item has been attempted
// or ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) (Summary, error) {
	baseURL, ok := p.endpoints.BaseURL()
	if !ok {
		p.status.Errorf("Cannot transfer images: Server not found")
		return Summary{}, ErrNoEndpoint
	}

	if !p.active.CompareAndSwap(false, true) {
		return Summary{}, ErrAlreadyRunning
	}
	metrics.SetTransferActive(true)
	defer func() {
		p.active.Store(false)
		metrics.SetTransferActive(false)
	}()

	refs := p.enum.Enumerate(ctx)
	total := len(refs)
	p.status.Infof("Found %d images to transfer", total)
	p.logger.Infow("Transfer started", "images", total, "server", baseURL)

	summary := Summary{Total: total}
	for i, ref := range refs {
		if err := ctx.Err(); err != nil {
			p.logger.Infow("Transfer cancelled", "completed", i, "images", total)
			return summary, err
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				p.logger.Infow("Transfer cancelled", "completed", i, "images", total)
				return summary, err
			}
		}

		// The server may have been re-resolved since the transfer began.
		if current, ok := p.endpoints.BaseURL(); ok {
			baseURL = current
		}

		if p.transferOne(ctx, baseURL, ref, i+1, total) {
			summary.Succeeded++
		} else {
			if err := ctx.Err(); err != nil {
				p.logger.Infow("Transfer cancelled", "completed", i, "images", total)
				return summary, err
			}
			summary.Failed++
		}
	}

	p.logger.Infow("Transfer finished", "images", total, "succeeded", summary.Succeeded, "failed", summary.Failed)
	return summary, nil
}

func (p *Pipeline) transferOne(ctx context.Context, baseURL string, ref library.ResourceRef, index, total int) bool {
	start := time.Now()

	data, err := p.encode(ref)
	if err != nil {
		metrics.RecordUpload("encode_error", time.Since(start).Seconds())
		p.status.Errorf("Error processing image %d: %v", index, err)
		return false
	}

	url := strings.TrimRight(baseURL, "/") + UploadPath
	filename := fmt.Sprintf("image_%d.jpg", index)
	err = p.uploader.UploadFile(ctx, url, FormField, filename, "image/jpeg", data)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		p.logger.Warnw("Upload failed", "index", index, "id", ref.ID, "error", err)

		// A response from the server is a rejection; anything else never
		// got an answer.
		var statusErr *transport.StatusError
		if errors.As(err, &statusErr) {
			metrics.RecordUpload("rejected", time.Since(start).Seconds())
			p.status.Errorf("Failed to transfer image %d: %v", index, statusErr)
		} else {
			metrics.RecordUpload("transport_error", time.Since(start).Seconds())
			p.status.Errorf("Error processing image %d: %v", index, err)
		}
		return false
	}

	metrics.RecordUpload("success", time.Since(start).Seconds())
	p.status.Successf("Transferred image %d of %d", index, total)
	return true
}

func (p *Pipeline) encode(ref library.ResourceRef) ([]byte, error) {
	rc, err := p.opener.Open(ref)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	return p.codec.Transcode(rc)
}
