package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"apsbulk/internal/bulk"
	"apsbulk/internal/checkpoint"
)

func TestExitCode(t *testing.T) {
	done := &bulk.Result{Status: checkpoint.StatusCompleted, Counters: checkpoint.Counters{Total: 1, Completed: 1}}
	cancelled := &bulk.Result{Status: checkpoint.StatusCancelled, Counters: checkpoint.Counters{Total: 2, Completed: 1, Pending: 1}}

	assert.Equal(t, bulk.ExitOK, exitCode(done, nil))
	assert.Equal(t, bulk.ExitPartial, exitCode(done, errors.New("completion failed")))
	assert.Equal(t, bulk.ExitCancelled, exitCode(cancelled, nil))
	assert.Equal(t, bulk.ExitStartFailure, exitCode(nil, errors.New("bad token")))
	assert.Equal(t, bulk.ExitOK, exitCode(nil, nil))
}

func testState() *checkpoint.OperationState {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	return &checkpoint.OperationState{
		Version: 1,
		ID:      "op-1",
		Kind:    "add-user",
		Status:  checkpoint.StatusFailed,
		Items: []checkpoint.ItemState{
			{ID: "p1", Label: "Tower", Status: checkpoint.ItemCompleted, Attempts: 1, Output: "user-1"},
			{ID: "p2", Label: "Bridge", Status: checkpoint.ItemFailed, Attempts: 5, Error: "HTTP 503 Service Unavailable"},
		},
		Counters:  checkpoint.Counters{Total: 2, Completed: 1, Failed: 1},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestWriteStateFormats(t *testing.T) {
	state := testState()

	var buf bytes.Buffer
	require.NoError(t, writeState(&buf, state, "json"))
	var doc map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, "op-1", doc["operation_id"])

	buf.Reset()
	require.NoError(t, writeState(&buf, state, "yaml"))
	doc = nil
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, "op-1", doc["operation_id"])
	assert.Equal(t, "failed", doc["status"])

	buf.Reset()
	require.NoError(t, writeState(&buf, state, "table"))
	assert.Contains(t, buf.String(), "Bridge (p2)")
	assert.Contains(t, buf.String(), "HTTP 503")

	assert.Error(t, writeState(&buf, state, "xml"))
}

func TestRenderResultListsFailures(t *testing.T) {
	res := bulk.NewResult(testState(), 2*time.Second)

	var buf bytes.Buffer
	renderResult(&buf, res)
	out := buf.String()

	assert.Contains(t, out, "Operation op-1")
	assert.Contains(t, out, "Failed items (1)")
	assert.Contains(t, out, "Bridge (p2)")
	assert.NotContains(t, out, "Resume with", "nothing is pending")
}

func TestRenderSummaries(t *testing.T) {
	var buf bytes.Buffer
	renderSummaries(&buf, nil)
	assert.Contains(t, buf.String(), "(no operations)")

	buf.Reset()
	renderSummaries(&buf, []checkpoint.Summary{testState().Summarize()})
	assert.Contains(t, buf.String(), "op-1")
	assert.Contains(t, buf.String(), "1/2")
}
