// ABOUTME: Tests for store helpers that run without a live PostgreSQL server
// ABOUTME: Covers identifier validation, result normalization, and metadata parsing

package store

import (
	"database/sql"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestValidateFunctionName(t *testing.T) {
	valid := []string{
		"create_procurement",
		"save_triage_result",
		"public.create_procurement",
		"_internal",
		"Fn2",
	}
	for _, fn := range valid {
		assert.NoError(t, validateFunctionName(fn), fn)
	}

	invalid := []string{
		"",
		"1starts_with_digit",
		"drop table; --",
		"fn(",
		"a.b.c",
		"name with space",
		"fn;SELECT",
	}
	for _, fn := range invalid {
		assert.Error(t, validateFunctionName(fn), fn)
	}
}

func TestNormalizeResult(t *testing.T) {
	raw, err := normalizeResult("fn", sql.NullString{Valid: true, String: `{"ok":true}`})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(raw))

	// NULL from the function becomes JSON null
	raw, err = normalizeResult("fn", sql.NullString{})
	require.NoError(t, err)
	assert.Equal(t, "null", string(raw))

	// Scalar results pass through unchanged
	raw, err = normalizeResult("fn", sql.NullString{Valid: true, String: `42`})
	require.NoError(t, err)
	assert.Equal(t, "42", string(raw))

	_, err = normalizeResult("fn", sql.NullString{Valid: true, String: "not json"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not valid JSON")
}

func TestParseMetadata(t *testing.T) {
	meta := parseMetadata("database.create_procurement",
		[]byte(`{"description":"Creates a case","input_schema":{"type":"object"}}`), testLogger())
	assert.Equal(t, "Creates a case", meta["description"])

	// Older tooling wrote the object JSON-encoded inside a string
	meta = parseMetadata("database.create_procurement",
		[]byte(`"{\"description\":\"wrapped\"}"`), testLogger())
	assert.Equal(t, "wrapped", meta["description"])

	meta = parseMetadata("database.create_procurement", nil, testLogger())
	assert.Empty(t, meta)

	meta = parseMetadata("database.create_procurement", []byte("garbage"), testLogger())
	assert.Empty(t, meta)
}
