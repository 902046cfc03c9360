// ABOUTME: Request pipeline turning authenticated JSON-RPC calls into executed methods
// ABOUTME: Order is fixed: identity, rate limit, ACL, resolve, validate, execute, check

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/procure-gateway/internal/acl"
	"github.com/2389/procure-gateway/internal/catalog"
	"github.com/2389/procure-gateway/internal/ratelimit"
	"github.com/2389/procure-gateway/internal/rpc"
)

// DefaultEndpointTimeout bounds outbound HTTP endpoint calls.
const DefaultEndpointTimeout = 30 * time.Second

// ProcedureCaller executes a named database function with jsonb-bound params.
type ProcedureCaller interface {
	CallProcedure(ctx context.Context, fn string, params json.RawMessage) (json.RawMessage, error)
}

// Recorder observes dispatch outcomes for instrumentation. Implementations
// must be safe for concurrent use.
type Recorder interface {
	ObserveDispatch(caller, method, outcome string, elapsed time.Duration)
}

// Config contains the collaborators for a Dispatcher.
type Config struct {
	Catalog         *catalog.Catalog
	ACL             *acl.List
	Limiter         *ratelimit.Limiter
	Procedures      ProcedureCaller // nil when the gateway runs without a database
	HTTPClient      *http.Client
	EndpointTimeout time.Duration
	Logger          *slog.Logger
	Metrics         Recorder // optional
}

// Dispatcher routes JSON-RPC calls through access control to their execution
// target. It holds no per-request state and is safe for concurrent use.
type Dispatcher struct {
	catalog         *catalog.Catalog
	acl             *acl.List
	limiter         *ratelimit.Limiter
	procedures      ProcedureCaller
	httpClient      *http.Client
	endpointTimeout time.Duration
	schemas         *schemaCache
	logger          *slog.Logger
	metrics         Recorder
}

// New creates a Dispatcher from cfg, filling in the endpoint client and
// timeout defaults.
func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	timeout := cfg.EndpointTimeout
	if timeout == 0 {
		timeout = DefaultEndpointTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Dispatcher{
		catalog:         cfg.Catalog,
		acl:             cfg.ACL,
		limiter:         cfg.Limiter,
		procedures:      cfg.Procedures,
		httpClient:      httpClient,
		endpointTimeout: timeout,
		schemas:         newSchemaCache(),
		logger:          logger.With("component", "dispatch"),
		metrics:         cfg.Metrics,
	}
}

// Dispatch runs the full pipeline for one request and always returns a
// response envelope; failures become error envelopes with the request id
// echoed back. requestID is the server-side correlation id used for logging.
func (d *Dispatcher) Dispatch(ctx context.Context, caller, requestID string, req *rpc.Request) *rpc.Response {
	start := time.Now()
	logger := d.logger.With("request_id", requestID, "caller", caller, "method", req.Method)

	result, rpcErr := d.run(ctx, caller, logger, req)

	outcome := "ok"
	if rpcErr != nil {
		outcome = rpc.CodeName(rpcErr.Code)
		logger.Warn("rpc error",
			"error_code", rpcErr.Code,
			"error_message", rpcErr.Message,
			"elapsed", time.Since(start))
	} else {
		logger.Info("rpc request completed", "elapsed", time.Since(start))
	}
	if d.metrics != nil {
		d.metrics.ObserveDispatch(caller, req.Method, outcome, time.Since(start))
	}

	if rpcErr != nil {
		return rpc.ErrorResponse(req.ID, rpcErr)
	}
	return rpc.RawResultResponse(req.ID, result)
}

// run executes the pipeline stages in their fixed order.
func (d *Dispatcher) run(ctx context.Context, caller string, logger *slog.Logger, req *rpc.Request) (json.RawMessage, *rpc.Error) {
	if caller == "" {
		return nil, rpc.NewError(rpc.CodeUnauthorized, "X-Agent-ID header is required")
	}

	if !d.limiter.Allow(caller) {
		return nil, rpc.Errorf(rpc.CodeRateLimited,
			"Rate limit exceeded. Max %d requests per minute for agent '%s'",
			d.limiter.Limit(caller), caller)
	}

	// ACL runs on the raw dotted name before resolution, so unauthorized
	// callers cannot probe which methods exist.
	if !d.acl.Allowed(caller, req.Method) {
		return nil, rpc.Errorf(rpc.CodeUnauthorized,
			"Agent '%s' is not authorized to call method '%s'", caller, req.Method)
	}

	service, function, err := rpc.SplitMethod(req.Method)
	if err != nil {
		return nil, rpc.AsError(err)
	}

	view := d.catalog.View()
	method, ok := view.Resolve(req.Method)
	if !ok {
		if !view.HasService(service) {
			return nil, rpc.Errorf(rpc.CodeMethodNotFound, "Service '%s' not found", service)
		}
		return nil, rpc.Errorf(rpc.CodeMethodNotFound,
			"Function '%s' not found in service '%s'", function, service)
	}

	params := req.Params
	if len(params) == 0 || string(params) == "null" {
		params = json.RawMessage(`{}`)
	}

	if rpcErr := d.schemas.validate(method, params, logger); rpcErr != nil {
		return nil, rpcErr
	}

	// Screening applies to the database write path only; endpoint targets
	// do their own input handling.
	if method.Kind == catalog.KindProcedure && method.Function == "create_procurement" {
		params, err = screenProcurementInput(params, logger)
		if err != nil {
			return nil, rpc.AsError(err)
		}
	}

	logger.Info("→ executing", "kind", string(method.Kind), "target", method.TargetRef)

	var result json.RawMessage
	var rpcErr *rpc.Error
	switch method.Kind {
	case catalog.KindProcedure:
		result, rpcErr = d.callProcedure(ctx, method, params, logger)
	case catalog.KindEndpoint:
		result, rpcErr = d.callEndpoint(ctx, method, params, logger)
	default:
		rpcErr = rpc.Errorf(rpc.CodeInternalError, "Unknown service type: %s", method.Kind)
	}
	if rpcErr != nil {
		return nil, rpcErr
	}

	// Procedure results pass the per-method shape checks; endpoint payloads
	// are returned as received.
	if method.Kind == catalog.KindProcedure {
		return checkResult(req.Method, result)
	}
	return result, nil
}

// callProcedure executes a database-backed method through the pool.
func (d *Dispatcher) callProcedure(ctx context.Context, m catalog.Method, params json.RawMessage, logger *slog.Logger) (json.RawMessage, *rpc.Error) {
	if d.procedures == nil {
		return nil, rpc.NewError(rpc.CodeServiceUnavailable, "Database not available")
	}
	if m.TargetRef == "" {
		return nil, rpc.Errorf(rpc.CodeInternalError,
			"SQL function name not found for %s", m.Name())
	}

	result, err := d.procedures.CallProcedure(ctx, m.TargetRef, params)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, rpc.NewError(rpc.CodeTimeout, "Database operation timed out")
		}
		logger.Error("database operation failed", "function", m.TargetRef, "error", err)
		return nil, rpc.Errorf(rpc.CodeInternalError, "Database operation failed: %v", err)
	}
	return result, nil
}
