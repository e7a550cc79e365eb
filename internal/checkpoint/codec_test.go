package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const legacyDoc = `{
  "operation_id": "7d7e4b1c-2f64-4a59-9d6b-0b8f3d1f4e11",
  "operation_type": "add_user",
  "status": "in_progress",
  "parameters": {"email": "user@example.com", "role": "viewer"},
  "project_ids": ["p1", "p2", "p3", "p4"],
  "results": {
    "p1": {"result": "Success", "attempts": 1, "completed_at": "2024-05-01T10:00:00Z"},
    "p2": {"result": {"Skipped": {"reason": "already a member"}}, "attempts": 1, "completed_at": "2024-05-01T10:00:01Z"},
    "p3": {"result": {"Failed": {"error": "HTTP 403", "retryable": false}}, "attempts": 2, "completed_at": "2024-05-01T10:00:02Z"}
  },
  "created_at": "2024-05-01T09:59:00Z",
  "updated_at": "2024-05-01T10:00:02Z"
}`

func TestDecodeMigratesLegacyDocuments(t *testing.T) {
	state, err := Decode([]byte(legacyDoc))
	require.NoError(t, err)

	assert.Equal(t, SchemaVersion, state.Version)
	assert.Equal(t, "7d7e4b1c-2f64-4a59-9d6b-0b8f3d1f4e11", state.ID)
	assert.Equal(t, "add_user", state.Kind)
	assert.Equal(t, StatusRunning, state.Status)
	assert.Equal(t, "user@example.com", state.Params["email"])
	assert.Equal(t, Counters{Total: 4, Pending: 1, Completed: 1, Failed: 1, Skipped: 1}, state.Counters)

	p2, _ := state.Item("p2")
	assert.Equal(t, ItemSkipped, p2.Status)
	assert.Equal(t, "already a member", p2.Output)

	p3, _ := state.Item("p3")
	assert.Equal(t, ItemFailed, p3.Status)
	assert.Equal(t, "HTTP 403", p3.Error)
	assert.Equal(t, 2, p3.Attempts)

	p4, _ := state.Item("p4")
	assert.Equal(t, ItemPending, p4.Status)
}

func TestDecodeRoundTripsCurrentVersion(t *testing.T) {
	s := newState(t, "a", "b")
	data, err := Encode(s)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, s.ID, decoded.ID)
	assert.Equal(t, s.Counters, decoded.Counters)
	assert.Len(t, decoded.Items, 2)
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want error
	}{
		{"garbage", `[`, ErrCorrupt},
		{"no version", `{"operation_id":"x","items":[]}`, ErrCorrupt},
		{"version zero", `{"version":0,"operation_id":"x","status":"running"}`, ErrUnsupportedVersion},
		{"future version", `{"version":9,"operation_id":"x","status":"running"}`, ErrUnsupportedVersion},
		{"missing id", `{"version":1,"status":"running","items":[]}`, ErrCorrupt},
		{"unknown status", `{"version":1,"operation_id":"x","status":"weird","items":[]}`, ErrCorrupt},
		{"duplicate items", `{"version":1,"operation_id":"x","status":"running","items":[{"id":"a","status":"pending"},{"id":"a","status":"pending"}]}`, ErrCorrupt},
		{"bad item status", `{"version":1,"operation_id":"x","status":"running","items":[{"id":"a","status":"done"}]}`, ErrCorrupt},
		{"bad legacy result", `{"operation_id":"x","operation_type":"k","status":"pending","project_ids":["a"],"results":{"a":{"result":"Exploded"}}}`, ErrCorrupt},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.doc))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDecodeRecomputesCounters(t *testing.T) {
	doc := `{"version":1,"operation_id":"x","status":"running","counters":{"total":99},
		"items":[{"id":"a","status":"completed"},{"id":"b","status":"pending"}]}`
	state, err := Decode([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, Counters{Total: 2, Pending: 1, Completed: 1}, state.Counters)
}
