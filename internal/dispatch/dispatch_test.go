// ABOUTME: Pipeline tests for the dispatcher covering auth, limits, and execution
// ABOUTME: Uses a fake procedure caller and httptest servers instead of live backends

package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/procure-gateway/internal/acl"
	"github.com/2389/procure-gateway/internal/catalog"
	"github.com/2389/procure-gateway/internal/ratelimit"
	"github.com/2389/procure-gateway/internal/rpc"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeProcedures struct {
	result     json.RawMessage
	err        error
	calls      int
	lastFn     string
	lastParams json.RawMessage
}

func (f *fakeProcedures) CallProcedure(ctx context.Context, fn string, params json.RawMessage) (json.RawMessage, error) {
	f.calls++
	f.lastFn = fn
	f.lastParams = params
	return f.result, f.err
}

// newTestDispatcher wires a dispatcher with default catalog/ACL and a
// generous rate limit.
func newTestDispatcher(t *testing.T, procs ProcedureCaller) *Dispatcher {
	t.Helper()
	return New(Config{
		Catalog:    catalog.New(testLogger()),
		ACL:        acl.New(testLogger()),
		Limiter:    ratelimit.New(time.Minute, 100, nil),
		Procedures: procs,
		Logger:     testLogger(),
	})
}

func request(method, params string) *rpc.Request {
	req := &rpc.Request{JSONRPC: rpc.Version, Method: method, ID: json.RawMessage(`"req-1"`)}
	if params != "" {
		req.Params = json.RawMessage(params)
	}
	return req
}

func TestMissingCallerNeverReachesCatalog(t *testing.T) {
	procs := &fakeProcedures{result: json.RawMessage(`{}`)}
	d := newTestDispatcher(t, procs)

	resp := d.Dispatch(context.Background(), "", "rid", request("database.create_procurement", `{}`))

	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeUnauthorized, resp.Error.Code)
	assert.Equal(t, "X-Agent-ID header is required", resp.Error.Message)
	assert.Zero(t, procs.calls)
}

func TestRateLimitedCarriesEffectiveLimit(t *testing.T) {
	d := New(Config{
		Catalog: catalog.New(testLogger()),
		ACL:     acl.New(testLogger()),
		Limiter: ratelimit.New(time.Minute, 60, map[string]int{"reasoning_orchestrator": 1}),
		Logger:  testLogger(),
	})

	req := request("database.create_procurement", `{}`)
	first := d.Dispatch(context.Background(), "reasoning_orchestrator", "rid", req)
	require.NotNil(t, first.Error)
	assert.NotEqual(t, rpc.CodeRateLimited, first.Error.Code)

	second := d.Dispatch(context.Background(), "reasoning_orchestrator", "rid", req)
	require.NotNil(t, second.Error)
	assert.Equal(t, rpc.CodeRateLimited, second.Error.Code)
	assert.Equal(t,
		"Rate limit exceeded. Max 1 requests per minute for agent 'reasoning_orchestrator'",
		second.Error.Message)
}

func TestUnauthorizedBeforeResolution(t *testing.T) {
	d := newTestDispatcher(t, &fakeProcedures{})

	// One method exists in the catalog, the other does not; an unauthorized
	// caller must not be able to tell them apart.
	existing := d.Dispatch(context.Background(), "stranger", "rid",
		request("database.create_procurement", `{}`))
	missing := d.Dispatch(context.Background(), "stranger", "rid",
		request("database.not_a_method", `{}`))

	require.NotNil(t, existing.Error)
	require.NotNil(t, missing.Error)
	assert.Equal(t, rpc.CodeUnauthorized, existing.Error.Code)
	assert.Equal(t, rpc.CodeUnauthorized, missing.Error.Code)
	assert.Equal(t,
		"Agent 'stranger' is not authorized to call method 'database.create_procurement'",
		existing.Error.Message)
	assert.Equal(t,
		"Agent 'stranger' is not authorized to call method 'database.not_a_method'",
		missing.Error.Message)
}

func TestPartialGrantDeniesWritePath(t *testing.T) {
	procs := &fakeProcedures{result: json.RawMessage(`{"rows":[]}`)}
	d := newTestDispatcher(t, procs)
	d.catalog.Replace([]catalog.Method{
		{Service: "database", Function: "read_procurement", Kind: catalog.KindProcedure, TargetRef: "read_procurement"},
		{Service: "database", Function: "write_procurement", Kind: catalog.KindProcedure, TargetRef: "write_procurement"},
	})
	d.acl.Replace(map[string][]string{"report_agent": {"database.read_procurement"}})

	granted := d.Dispatch(context.Background(), "report_agent", "rid",
		request("database.read_procurement", `{}`))
	require.Nil(t, granted.Error)
	assert.Equal(t, 1, procs.calls)

	denied := d.Dispatch(context.Background(), "report_agent", "rid",
		request("database.write_procurement", `{}`))
	require.NotNil(t, denied.Error)
	assert.Equal(t, rpc.CodeUnauthorized, denied.Error.Code)

	// The denied call never touched the store
	assert.Equal(t, 1, procs.calls)
}

func TestMalformedMethodName(t *testing.T) {
	d := newTestDispatcher(t, &fakeProcedures{})
	d.acl.Replace(map[string][]string{"caller": {"noseparator"}})

	resp := d.Dispatch(context.Background(), "caller", "rid", request("noseparator", `{}`))

	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeMethodNotFound, resp.Error.Code)
	assert.Equal(t,
		"Invalid method format. Expected 'service.function', got 'noseparator'",
		resp.Error.Message)
}

func TestServiceAndFunctionNotFound(t *testing.T) {
	d := newTestDispatcher(t, &fakeProcedures{})
	d.acl.Replace(map[string][]string{"caller": {"search.find", "database.missing"}})

	resp := d.Dispatch(context.Background(), "caller", "rid", request("search.find", `{}`))
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeMethodNotFound, resp.Error.Code)
	assert.Equal(t, "Service 'search' not found", resp.Error.Message)

	resp = d.Dispatch(context.Background(), "caller", "rid", request("database.missing", `{}`))
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeMethodNotFound, resp.Error.Code)
	assert.Equal(t, "Function 'missing' not found in service 'database'", resp.Error.Message)
}

func TestProcedureDispatchHappyPath(t *testing.T) {
	procs := &fakeProcedures{result: json.RawMessage(`{"status":"success","updated":true}`)}
	d := newTestDispatcher(t, procs)

	params := `{"procurementId":"7f6e2f7c-01b0-4cf1-8a3e-6a1e2a4f9d11","status":"VURDERT"}`
	resp := d.Dispatch(context.Background(), "reasoning_orchestrator", "rid",
		request("database.set_procurement_status", params))

	require.Nil(t, resp.Error)
	assert.JSONEq(t, `{"status":"success","updated":true}`, string(resp.Result))
	assert.Equal(t, "set_procurement_status", procs.lastFn)
	assert.JSONEq(t, params, string(procs.lastParams))
	assert.Equal(t, json.RawMessage(`"req-1"`), resp.ID)
}

func TestNilParamsBecomeEmptyObject(t *testing.T) {
	procs := &fakeProcedures{result: json.RawMessage(`{"logged":true}`)}
	d := newTestDispatcher(t, procs)

	resp := d.Dispatch(context.Background(), "reasoning_orchestrator", "rid",
		request("database.log_execution", ""))

	require.Nil(t, resp.Error)
	assert.JSONEq(t, `{}`, string(procs.lastParams))
}

func TestInputSchemaViolation(t *testing.T) {
	procs := &fakeProcedures{result: json.RawMessage(`{}`)}
	d := newTestDispatcher(t, procs)

	resp := d.Dispatch(context.Background(), "reasoning_orchestrator", "rid",
		request("database.save_triage_result",
			`{"procurementId":"7f6e2f7c-01b0-4cf1-8a3e-6a1e2a4f9d11","color":"BLÅ","reasoning":"x","confidence":0.5}`))

	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeInvalidParams, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "Input validation failed")
	assert.Zero(t, procs.calls)
}

func TestDatabaseUnavailable(t *testing.T) {
	d := newTestDispatcher(t, nil)

	resp := d.Dispatch(context.Background(), "reasoning_orchestrator", "rid",
		request("database.log_execution", `{}`))

	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeServiceUnavailable, resp.Error.Code)
	assert.Equal(t, "Database not available", resp.Error.Message)
}

func TestProcedureErrorBecomesInternal(t *testing.T) {
	procs := &fakeProcedures{err: io.ErrUnexpectedEOF}
	d := newTestDispatcher(t, procs)

	resp := d.Dispatch(context.Background(), "reasoning_orchestrator", "rid",
		request("database.log_execution", `{}`))

	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeInternalError, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "Database operation failed")
}

func TestProcedureTimeout(t *testing.T) {
	procs := &fakeProcedures{err: context.DeadlineExceeded}
	d := newTestDispatcher(t, procs)

	resp := d.Dispatch(context.Background(), "reasoning_orchestrator", "rid",
		request("database.log_execution", `{}`))

	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeTimeout, resp.Error.Code)
}

func TestUnknownServiceKind(t *testing.T) {
	d := newTestDispatcher(t, &fakeProcedures{})
	d.catalog.Replace([]catalog.Method{
		{Service: "legacy", Function: "run", Kind: "carrier_pigeon", TargetRef: "x"},
	})
	d.acl.Replace(map[string][]string{"caller": {"legacy.run"}})

	resp := d.Dispatch(context.Background(), "caller", "rid", request("legacy.run", `{}`))

	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeInternalError, resp.Error.Code)
	assert.Equal(t, "Unknown service type: carrier_pigeon", resp.Error.Message)
}

func TestSecurityScreening(t *testing.T) {
	tests := []struct {
		name    string
		params  string
		message string
	}{
		{
			"negative value",
			`{"name":"Vintertjenester","value":-5,"description":"Brøyting"}`,
			"Procurement value cannot be negative",
		},
		{
			"blocked fragment",
			`{"name":"Vintertjenester","value":500000,"description":"se <SCRIPT>alert(1)</script>"}`,
			"Prohibited content detected: <script>",
		},
		{
			"short name",
			`{"name":"  ab ","value":500000,"description":"ok"}`,
			"Procurement name must be at least 3 characters",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			procs := &fakeProcedures{result: json.RawMessage(`{}`)}
			d := newTestDispatcher(t, procs)

			resp := d.Dispatch(context.Background(), "reasoning_orchestrator", "rid",
				request("database.create_procurement", tt.params))

			require.NotNil(t, resp.Error)
			assert.Equal(t, rpc.CodeInvalidParams, resp.Error.Code)
			assert.Equal(t, tt.message, resp.Error.Message)
			assert.Zero(t, procs.calls)
		})
	}
}

func TestOversizedDescriptionTruncated(t *testing.T) {
	procs := &fakeProcedures{result: json.RawMessage(
		`{"status":"success","procurementId":"7f6e2f7c-01b0-4cf1-8a3e-6a1e2a4f9d11"}`)}
	d := newTestDispatcher(t, procs)

	long := strings.Repeat("å", maxDescriptionChars+25)
	params, err := json.Marshal(map[string]any{
		"name": "Vintertjenester", "value": 250000, "description": long,
	})
	require.NoError(t, err)

	resp := d.Dispatch(context.Background(), "reasoning_orchestrator", "rid",
		request("database.create_procurement", string(params)))
	require.Nil(t, resp.Error)

	var sent map[string]any
	require.NoError(t, json.Unmarshal(procs.lastParams, &sent))
	desc, ok := sent["description"].(string)
	require.True(t, ok)
	assert.Len(t, []rune(desc), maxDescriptionChars)
}

func TestResponseValidation(t *testing.T) {
	t.Run("missing required field", func(t *testing.T) {
		procs := &fakeProcedures{result: json.RawMessage(`{"status":"saved"}`)}
		d := newTestDispatcher(t, procs)

		resp := d.Dispatch(context.Background(), "reasoning_orchestrator", "rid",
			request("database.save_triage_result",
				`{"procurementId":"7f6e2f7c-01b0-4cf1-8a3e-6a1e2a4f9d11","color":"GUL","reasoning":"moderat verdi","confidence":0.8}`))

		require.NotNil(t, resp.Error)
		assert.Equal(t, rpc.CodeInternalError, resp.Error.Code)
		assert.Equal(t, "Missing required field: resultId", resp.Error.Message)
	})

	t.Run("string-encoded result reparsed", func(t *testing.T) {
		procs := &fakeProcedures{result: json.RawMessage(
			`"{\"status\":\"saved\",\"resultId\":\"r-1\"}"`)}
		d := newTestDispatcher(t, procs)

		resp := d.Dispatch(context.Background(), "reasoning_orchestrator", "rid",
			request("database.save_triage_result",
				`{"procurementId":"7f6e2f7c-01b0-4cf1-8a3e-6a1e2a4f9d11","color":"GUL","reasoning":"moderat verdi","confidence":0.8}`))

		require.Nil(t, resp.Error)
		assert.JSONEq(t, `{"status":"saved","resultId":"r-1"}`, string(resp.Result))
	})

	t.Run("invalid uuid from create", func(t *testing.T) {
		procs := &fakeProcedures{result: json.RawMessage(
			`{"status":"success","procurementId":"not-a-uuid"}`)}
		d := newTestDispatcher(t, procs)

		resp := d.Dispatch(context.Background(), "reasoning_orchestrator", "rid",
			request("database.create_procurement",
				`{"name":"Vintertjenester","value":250000,"description":"Brøyting og strøing"}`))

		require.NotNil(t, resp.Error)
		assert.Equal(t, "Invalid UUID format for procurementId", resp.Error.Message)
	})
}

func TestEndpointDispatch(t *testing.T) {
	var gotBody []byte
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"triaged":"GRØNN"}`))
	}))
	defer srv.Close()

	d := newTestDispatcher(t, nil)
	d.catalog.Replace([]catalog.Method{
		{Service: "agent", Function: "run_triage", Kind: catalog.KindEndpoint, TargetRef: srv.URL},
	})
	d.acl.Replace(map[string][]string{"reasoning_orchestrator": {"agent.run_triage"}})

	resp := d.Dispatch(context.Background(), "reasoning_orchestrator", "rid",
		request("agent.run_triage", `{"procurementId":"p-1"}`))

	require.Nil(t, resp.Error)
	assert.JSONEq(t, `{"triaged":"GRØNN"}`, string(resp.Result))
	assert.Equal(t, "application/json", gotContentType)
	assert.JSONEq(t, `{"procurementId":"p-1"}`, string(gotBody))
}

func TestEndpointErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, nil)
	d.catalog.Replace([]catalog.Method{
		{Service: "agent", Function: "run", Kind: catalog.KindEndpoint, TargetRef: srv.URL},
	})
	d.acl.Replace(map[string][]string{"caller": {"agent.run"}})

	resp := d.Dispatch(context.Background(), "caller", "rid", request("agent.run", `{}`))

	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeServiceUnavailable, resp.Error.Code)
	assert.Equal(t, "Service unavailable: endpoint returned status 502", resp.Error.Message)
}

func TestEndpointTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	d := New(Config{
		Catalog:         catalog.New(testLogger()),
		ACL:             acl.New(testLogger()),
		Limiter:         ratelimit.New(time.Minute, 100, nil),
		EndpointTimeout: 50 * time.Millisecond,
		Logger:          testLogger(),
	})
	d.catalog.Replace([]catalog.Method{
		{Service: "agent", Function: "slow", Kind: catalog.KindEndpoint, TargetRef: srv.URL},
	})
	d.acl.Replace(map[string][]string{"caller": {"agent.slow"}})

	resp := d.Dispatch(context.Background(), "caller", "rid", request("agent.slow", `{}`))

	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeTimeout, resp.Error.Code)
}
