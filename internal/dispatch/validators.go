// ABOUTME: Per-method shape checks for procedure results before they reach callers
// ABOUTME: String-encoded JSON is re-parsed first; violations become INTERNAL_ERROR

package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/2389/procure-gateway/internal/rpc"
)

type resultCheck func(json.RawMessage) (json.RawMessage, *rpc.Error)

// resultChecks is keyed by full dotted method name. Methods without an entry
// pass through unchanged.
var resultChecks = map[string]resultCheck{
	"database.save_triage_result":             checkTriageSave,
	"database.search_oslomodell_requirements": checkSearchResult,
	"database.set_procurement_status":         checkStatusUpdate,
	"database.save_protocol":                  checkProtocolSave,
	"database.create_procurement":             checkProcurementCreation,
}

// checkResult applies the method's shape check, if any.
func checkResult(method string, result json.RawMessage) (json.RawMessage, *rpc.Error) {
	if check, ok := resultChecks[method]; ok {
		return check(result)
	}
	return result, nil
}

// reparse unwraps results that arrive as a JSON string containing encoded
// JSON, which happens when a SQL function returns its payload as text.
func reparse(result json.RawMessage) (json.RawMessage, *rpc.Error) {
	var encoded string
	if err := json.Unmarshal(result, &encoded); err != nil {
		return result, nil
	}
	if !json.Valid([]byte(encoded)) {
		return nil, rpc.NewError(rpc.CodeInternalError, "Invalid JSON response from database")
	}
	return json.RawMessage(encoded), nil
}

// asObject re-parses and decodes the result into an object.
func asObject(result json.RawMessage) (json.RawMessage, map[string]any, *rpc.Error) {
	parsed, rpcErr := reparse(result)
	if rpcErr != nil {
		return nil, nil, rpcErr
	}
	var obj map[string]any
	if err := json.Unmarshal(parsed, &obj); err != nil {
		return nil, nil, rpc.NewError(rpc.CodeInternalError, "Expected dict response")
	}
	return parsed, obj, nil
}

func checkTriageSave(result json.RawMessage) (json.RawMessage, *rpc.Error) {
	parsed, obj, rpcErr := asObject(result)
	if rpcErr != nil {
		return nil, rpcErr
	}
	for _, field := range []string{"status", "resultId"} {
		if _, ok := obj[field]; !ok {
			return nil, rpc.Errorf(rpc.CodeInternalError, "Missing required field: %s", field)
		}
	}
	return parsed, nil
}

func checkProcurementCreation(result json.RawMessage) (json.RawMessage, *rpc.Error) {
	parsed, obj, rpcErr := asObject(result)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if obj["status"] == "success" {
		id, ok := obj["procurementId"]
		if !ok {
			return nil, rpc.NewError(rpc.CodeInternalError, "Missing procurementId in successful response")
		}
		if _, err := uuid.Parse(fmt.Sprint(id)); err != nil {
			return nil, rpc.NewError(rpc.CodeInternalError, "Invalid UUID format for procurementId")
		}
	}
	return parsed, nil
}

func checkSearchResult(result json.RawMessage) (json.RawMessage, *rpc.Error) {
	parsed, rpcErr := reparse(result)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var list []any
	if err := json.Unmarshal(parsed, &list); err != nil {
		return nil, rpc.NewError(rpc.CodeInternalError, "Expected list response")
	}
	return parsed, nil
}

func checkStatusUpdate(result json.RawMessage) (json.RawMessage, *rpc.Error) {
	return reparse(result)
}

func checkProtocolSave(result json.RawMessage) (json.RawMessage, *rpc.Error) {
	parsed, obj, rpcErr := asObject(result)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if obj["status"] == "success" {
		if _, ok := obj["protocolId"]; !ok {
			return nil, rpc.NewError(rpc.CodeInternalError, "Missing protocolId in successful response")
		}
	}
	return parsed, nil
}
