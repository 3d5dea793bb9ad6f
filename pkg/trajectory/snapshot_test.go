package trajectory

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadir/stride/pkg/tool"
)

func TestWriteSnapshot(t *testing.T) {
	t.Run("creates file with header", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "run.jsonl")
		header := Header{RunID: "r1", Task: "demo", StartedAt: time.Now()}

		require.NoError(t, writeSnapshot(path, header, nil, nil))

		got, steps, footer, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "r1", got.RunID)
		assert.Empty(t, steps)
		assert.Nil(t, footer)
	})

	t.Run("extends existing snapshot without rewriting header", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "run.jsonl")
		header := Header{RunID: "r1", StartedAt: time.Now()}

		require.NoError(t, writeSnapshot(path, header, []Step{makeStep(0), makeStep(1)}, nil))
		require.NoError(t, writeSnapshot(path, header, []Step{makeStep(2)}, nil))

		_, steps, _, err := Load(path)
		require.NoError(t, err)
		require.Len(t, steps, 3)
		for i, step := range steps {
			assert.Equal(t, i, step.Ordinal)
		}

		// Exactly one header line in the file.
		headers := countRecordType(t, path, recordTypeHeader)
		assert.Equal(t, 1, headers)
	})

	t.Run("footer finalizes the file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "run.jsonl")
		header := Header{RunID: "r1", StartedAt: time.Now()}
		footer := Footer{EndedAt: time.Now(), Success: true, Steps: 1}

		require.NoError(t, writeSnapshot(path, header, []Step{makeStep(0)}, &footer))

		_, steps, got, err := Load(path)
		require.NoError(t, err)
		assert.Len(t, steps, 1)
		require.NotNil(t, got)
		assert.True(t, got.Success)
	})

	t.Run("no temp file left behind", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "run.jsonl")

		require.NoError(t, writeSnapshot(path, Header{RunID: "r1"}, nil, nil))

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "run.jsonl", entries[0].Name())
	})

	t.Run("step payload round trips", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "run.jsonl")
		step := Step{
			Ordinal:       0,
			Timestamp:     time.Now(),
			ModelRequest:  json.RawMessage(`{"model":"m"}`),
			ModelResponse: json.RawMessage(`{"content":"hi"}`),
			ToolCalls: []tool.Call{
				{ID: "c1", Name: "echo", Arguments: map[string]interface{}{"text": "x"}},
			},
			ToolResults: []tool.Result{
				{CallID: "c1", Status: tool.StatusOk, Output: "x"},
			},
		}

		require.NoError(t, writeSnapshot(path, Header{RunID: "r1"}, []Step{step}, nil))

		_, steps, _, err := Load(path)
		require.NoError(t, err)
		require.Len(t, steps, 1)

		got := steps[0]
		assert.JSONEq(t, `{"model":"m"}`, string(got.ModelRequest))
		require.Len(t, got.ToolCalls, 1)
		assert.Equal(t, "echo", got.ToolCalls[0].Name)
		assert.Equal(t, "x", got.ToolCalls[0].Arguments["text"])
		require.Len(t, got.ToolResults, 1)
		assert.Equal(t, tool.StatusOk, got.ToolResults[0].Status)
	})
}

func TestLoad(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, _, _, err := Load(filepath.Join(t.TempDir(), "absent.jsonl"))
		assert.Error(t, err)
	})

	t.Run("rejects malformed line", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "run.jsonl")
		require.NoError(t, os.WriteFile(path, []byte("{\"type\":\"header\",\"header\":{\"run_id\":\"r1\"}}\nnot json\n"), 0600))

		_, _, _, err := Load(path)
		assert.ErrorContains(t, err, "line 2")
	})

	t.Run("rejects unknown record type", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "run.jsonl")
		require.NoError(t, os.WriteFile(path, []byte("{\"type\":\"mystery\"}\n"), 0600))

		_, _, _, err := Load(path)
		assert.ErrorContains(t, err, "unknown record type")
	})

	t.Run("requires header", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "run.jsonl")
		require.NoError(t, os.WriteFile(path, []byte("{\"type\":\"step\",\"step\":{\"ordinal\":0}}\n"), 0600))

		_, _, _, err := Load(path)
		assert.ErrorContains(t, err, "no header")
	})
}

func countRecordType(t *testing.T, path string, recType string) int {
	t.Helper()

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	count := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var rec record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		if rec.Type == recType {
			count++
		}
	}
	require.NoError(t, scanner.Err())
	return count
}
