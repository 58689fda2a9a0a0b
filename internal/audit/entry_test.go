package audit

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrailAppendKeepsOrder(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	var trail Trail
	trail = trail.Append(NewEntry(at, ActionCreated, "op-1", "created", nil))
	trail = trail.Append(NewEntry(at, ActionToolAdded, "op-1", "added scalpel", map[string]interface{}{"tool_id": "T1"}))
	trail = trail.Append(NewEntry(at, ActionToolAdded, "op-1", "added scalpel", map[string]interface{}{"tool_id": "T1"}))

	assert.Equal(t, []Action{ActionCreated, ActionToolAdded, ActionToolAdded}, trail.Actions())
	assert.NotEqual(t, trail[1].ID, trail[2].ID)

	last, ok := trail.Last()
	require.True(t, ok)
	assert.Equal(t, ActionToolAdded, last.Action)

	_, ok = Trail(nil).Last()
	assert.False(t, ok)
}

func TestTrailCloneIsIndependent(t *testing.T) {
	at := time.Now()
	trail := Trail{NewEntry(at, ActionCreated, "op", "x", map[string]interface{}{"mode": "batch"})}

	clone := trail.Clone()
	clone[0].Metadata["mode"] = "single"
	clone = clone.Append(NewEntry(at, ActionToolAdded, "op", "y", nil))

	assert.Equal(t, "batch", trail[0].Metadata["mode"])
	assert.Len(t, trail, 1)
	assert.Nil(t, Trail(nil).Clone())
}

func TestJSONLRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	trail := Trail{
		NewEntry(at, ActionCreated, "op", "batch created", nil),
		NewEntry(at.Add(time.Minute), ActionReadyForAutoclave, "op", "finalized", map[string]interface{}{"batch_code": "260301-DRS-003"}),
	}

	var buf bytes.Buffer
	require.NoError(t, WriteJSONL(&buf, "batch-1", trail))
	assert.Equal(t, 2, bytes.Count(buf.Bytes(), []byte("\n")))

	decoded, err := ReadJSONL(&buf)
	require.NoError(t, err)
	require.Len(t, decoded["batch-1"], 2)
	assert.Equal(t, ActionReadyForAutoclave, decoded["batch-1"][1].Action)
	assert.Equal(t, "260301-DRS-003", decoded["batch-1"][1].Metadata["batch_code"])
}

func TestAppendJSONLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exports", "audit.jsonl")
	entry := NewEntry(time.Now(), ActionCreated, "op", "created", nil)

	require.NoError(t, AppendJSONLFile(path, "b1", Trail{entry}))
	require.NoError(t, AppendJSONLFile(path, "b2", Trail{entry}))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	decoded, err := ReadJSONL(f)
	require.NoError(t, err)
	assert.Len(t, decoded, 2)
}
