// ABOUTME: Input screening for procurement creation before it reaches the database
// ABOUTME: Thresholds and blocked fragments follow the production deployment values

package dispatch

import (
	"encoding/json"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/2389/procure-gateway/internal/rpc"
)

const (
	// maxDescriptionChars caps description length to keep payloads bounded.
	maxDescriptionChars = 50000
	// reviewValueThreshold marks values that get flagged for manual review.
	reviewValueThreshold = 100_000_000
	// minNameChars is the shortest acceptable procurement name.
	minNameChars = 3
)

// blockedFragments are rejected anywhere in a lowercased description.
var blockedFragments = []string{"<script>", "javascript:", "data:", "<?php", "<%"}

// screenProcurementInput validates and sanitizes create_procurement params.
// The description is truncated in the returned params when oversized, but
// the fragment scan always runs against the full original text.
func screenProcurementInput(raw json.RawMessage, logger *slog.Logger) (json.RawMessage, error) {
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "Procurement params must be an object")
	}

	if value, ok := params["value"].(float64); ok {
		if value < 0 {
			logger.Warn("negative procurement value rejected", "value", value)
			return nil, rpc.NewError(rpc.CodeInvalidParams, "Procurement value cannot be negative")
		}
		if value > reviewValueThreshold {
			logger.Warn("suspiciously high value flagged", "value", value)
		}
	}

	description, _ := params["description"].(string)
	if utf8.RuneCountInString(description) > maxDescriptionChars {
		runes := []rune(description)
		logger.Warn("description too long, truncating", "original_length", len(runes))
		params["description"] = string(runes[:maxDescriptionChars])
	}

	lowered := strings.ToLower(description)
	for _, fragment := range blockedFragments {
		if strings.Contains(lowered, fragment) {
			logger.Error("potentially malicious content detected", "pattern", fragment)
			return nil, rpc.Errorf(rpc.CodeInvalidParams, "Prohibited content detected: %s", fragment)
		}
	}

	name, _ := params["name"].(string)
	if utf8.RuneCountInString(strings.TrimSpace(name)) < minNameChars {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "Procurement name must be at least 3 characters")
	}

	sanitized, err := json.Marshal(params)
	if err != nil {
		return nil, rpc.Errorf(rpc.CodeInternalError, "encoding screened params: %v", err)
	}
	return json.RawMessage(sanitized), nil
}
