package transport

import (
	"errors"
	"net"
	"net/http"

	"go.uber.org/zap"
)

// retryOnConnect repeats a request once when the connection could not be
// established. Responses, including error statuses, are never retried.
type retryOnConnect struct {
	next   http.RoundTripper
	logger *zap.SugaredLogger
}

func (t *retryOnConnect) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	if err == nil || !isConnectError(err) || req.Context().Err() != nil {
		return resp, err
	}

	retry := req.Clone(req.Context())
	if req.Body != nil && req.Body != http.NoBody {
		if req.GetBody == nil {
			return nil, err
		}
		body, bodyErr := req.GetBody()
		if bodyErr != nil {
			return nil, err
		}
		retry.Body = body
	}

	t.logger.Debugw("Connection failed, retrying once", "url", req.URL.String(), "error", err)
	return t.next.RoundTrip(retry)
}

func isConnectError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
