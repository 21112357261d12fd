package library

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/imagecount/photosync/internal/metrics"
	"github.com/imagecount/photosync/internal/status"
)

// EndpointSource yields the base URL of the currently resolved server.
type EndpointSource interface {
	BaseURL() (string, bool)
}

// CountReporter pushes the image count to the server.
type CountReporter interface {
	ReportCount(ctx context.Context, baseURL string, n int) error
}

// ReportState records whether the image count has been reported during the
// life of the process. It is owned by the orchestrator and shared with the
// enumerator so that a rediscovered server does not receive a second count.
type ReportState struct {
	sent atomic.Bool
}

// Sent reports whether a count report has been attempted.
func (s *ReportState) Sent() bool {
	return s.sent.Load()
}

func (s *ReportState) claim() bool {
	return s.sent.CompareAndSwap(false, true)
}

// Enumerator counts and lists the photos in a Store.
type Enumerator struct {
	store     Store
	filter    Filter
	endpoints EndpointSource
	reporter  CountReporter
	state     *ReportState
	status    *status.Log
	logger    *zap.SugaredLogger
	reports   sync.WaitGroup
}

// NewEnumerator creates an Enumerator. state must be non-nil.
func NewEnumerator(
	store Store,
	filter Filter,
	endpoints EndpointSource,
	reporter CountReporter,
	state *ReportState,
	statusLog *status.Log,
	logger *zap.SugaredLogger,
) *Enumerator {
	return &Enumerator{
		store:     store,
		filter:    filter,
		endpoints: endpoints,
		reporter:  reporter,
		state:     state,
		status:    statusLog,
		logger:    logger,
	}
}

// Count returns the number of photos in the store and reports it to the
// current server in the background. Only the first call per ReportState
// queries the store; later calls return 0 without side effects.
func (e *Enumerator) Count(ctx context.Context) int {
	if !e.state.claim() {
		metrics.RecordCountReport("skipped")
		return 0
	}

	refs, err := e.store.Query(ctx, e.filter)
	if err != nil {
		e.status.Errorf("Error counting images: %v", err)
		return 0
	}

	count := len(refs)
	e.logger.Infow("Images counted", "count", count)
	e.sendCount(context.WithoutCancel(ctx), count)
	return count
}

func (e *Enumerator) sendCount(ctx context.Context, count int) {
	baseURL, ok := e.endpoints.BaseURL()
	if !ok {
		metrics.RecordCountReport("no_endpoint")
		e.status.Errorf("Cannot send count: Server not found")
		return
	}

	e.reports.Add(1)
	go func() {
		defer e.reports.Done()

		if err := e.reporter.ReportCount(ctx, baseURL, count); err != nil {
			metrics.RecordCountReport("failed")
			e.status.Errorf("Failed to send count: %v", err)
			return
		}
		metrics.RecordCountReport("success")
		e.status.Successf("Count sent successfully")
	}()
}

// Wait blocks until every background count report has finished.
func (e *Enumerator) Wait() {
	e.reports.Wait()
}

// Enumerate lists the photos in store order. Query failures are logged and
// yield an empty list.
func (e *Enumerator) Enumerate(ctx context.Context) []ResourceRef {
	refs, err := e.store.Query(ctx, e.filter)
	if err != nil {
		e.status.Errorf("Error accessing images: %v", err)
		return []ResourceRef{}
	}
	return refs
}
