// Package callback reports the library's image count to the companion
// server.
package callback

import (
	"context"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
)

// CountPath is the server route that receives image counts.
const CountPath = "/update_count"

// Poster is the subset of the transport client used for JSON callbacks.
type Poster interface {
	PostJSON(ctx context.Context, url string, payload any) error
}

// CountPayload is the body of a count report.
type CountPayload struct {
	Count int `json:"count"`
}

// Reporter sends count reports to the server.
type Reporter struct {
	client   Poster
	logger   *zap.SugaredLogger
	sequence int64
}

// NewReporter creates a new count reporter.
func NewReporter(client Poster, logger *zap.SugaredLogger) *Reporter {
	return &Reporter{
		client: client,
		logger: logger,
	}
}

// ReportCount posts {"count": n} to baseURL + CountPath.
func (r *Reporter) ReportCount(ctx context.Context, baseURL string, n int) error {
	seq := atomic.AddInt64(&r.sequence, 1)
	url := strings.TrimRight(baseURL, "/") + CountPath

	if err := r.client.PostJSON(ctx, url, CountPayload{Count: n}); err != nil {
		r.logger.Warnw("Count report failed", "url", url, "count", n, "sequence", seq, "error", err)
		return err
	}

	r.logger.Debugw("Count report sent", "url", url, "count", n, "sequence", seq)
	return nil
}

// Sent returns the number of reports attempted so far.
func (r *Reporter) Sent() int {
	return int(atomic.LoadInt64(&r.sequence))
}
