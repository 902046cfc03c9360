// ABOUTME: Outbound HTTP execution for endpoint-kind catalog methods
// ABOUTME: POSTs params as JSON and maps transport failures onto the error taxonomy

package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/2389/procure-gateway/internal/catalog"
	"github.com/2389/procure-gateway/internal/rpc"
)

// callEndpoint POSTs params to the method's URL and returns the JSON body.
// Timeouts map to TIMEOUT_ERROR; every other transport or HTTP failure maps
// to SERVICE_UNAVAILABLE so callers can distinguish a broken downstream from
// a gateway fault.
func (d *Dispatcher) callEndpoint(ctx context.Context, m catalog.Method, params json.RawMessage, logger *slog.Logger) (json.RawMessage, *rpc.Error) {
	if m.TargetRef == "" {
		return nil, rpc.Errorf(rpc.CodeInternalError,
			"Endpoint URL not found for %s", m.Name())
	}

	ctx, cancel := context.WithTimeout(ctx, d.endpointTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.TargetRef, bytes.NewReader(params))
	if err != nil {
		return nil, rpc.Errorf(rpc.CodeInternalError, "building endpoint request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		logger.Error("endpoint request failed", "url", m.TargetRef, "error", err)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, rpc.Errorf(rpc.CodeTimeout,
				"Endpoint did not respond within %s", d.endpointTimeout)
		}
		return nil, rpc.Errorf(rpc.CodeServiceUnavailable, "Service unavailable: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, rpc.Errorf(rpc.CodeServiceUnavailable, "Service unavailable: %v", err)
	}

	if resp.StatusCode >= 400 {
		logger.Error("endpoint returned error status",
			"url", m.TargetRef, "status", resp.StatusCode)
		return nil, rpc.Errorf(rpc.CodeServiceUnavailable,
			"Service unavailable: endpoint returned status %d", resp.StatusCode)
	}

	if !json.Valid(body) {
		return nil, rpc.NewError(rpc.CodeInternalError, "Invalid JSON response from endpoint")
	}
	return json.RawMessage(body), nil
}
