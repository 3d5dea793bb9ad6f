package trajectory

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()

	catalog, err := OpenCatalog(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { catalog.Close() })
	return catalog
}

func startInfo(runID string, startedAt time.Time) RunInfo {
	return RunInfo{
		RunID:     runID,
		Path:      "/tmp/" + runID + ".jsonl",
		Task:      "task for " + runID,
		Provider:  "anthropic",
		Model:     "claude-sonnet-4",
		StartedAt: startedAt,
	}
}

func TestCatalogLifecycle(t *testing.T) {
	catalog := openTestCatalog(t)
	started := time.Now().Truncate(time.Millisecond)

	require.NoError(t, catalog.RecordStart(startInfo("run-1", started)))

	t.Run("pending run has no outcome", func(t *testing.T) {
		run, err := catalog.Get("run-1")
		require.NoError(t, err)

		assert.Equal(t, "run-1", run.RunID)
		assert.Equal(t, "task for run-1", run.Task)
		assert.Equal(t, started.UnixMilli(), run.StartedAt.UnixMilli())
		assert.Nil(t, run.EndedAt)
		assert.Nil(t, run.Success)
	})

	t.Run("finish records outcome", func(t *testing.T) {
		ended := time.Now().Truncate(time.Millisecond)
		require.NoError(t, catalog.RecordFinish("run-1", true, 7, "all good", ended))

		run, err := catalog.Get("run-1")
		require.NoError(t, err)

		require.NotNil(t, run.Success)
		assert.True(t, *run.Success)
		assert.Equal(t, 7, run.Steps)
		assert.Equal(t, "all good", run.FinalResult)
		require.NotNil(t, run.EndedAt)
		assert.Equal(t, ended.UnixMilli(), run.EndedAt.UnixMilli())
	})

	t.Run("duplicate start rejected", func(t *testing.T) {
		assert.Error(t, catalog.RecordStart(startInfo("run-1", started)))
	})

	t.Run("finish of unknown run fails", func(t *testing.T) {
		err := catalog.RecordFinish("ghost", false, 0, "", time.Now())
		assert.ErrorContains(t, err, "not found")
	})

	t.Run("get of unknown run fails", func(t *testing.T) {
		_, err := catalog.Get("ghost")
		assert.ErrorContains(t, err, "not found")
	})
}

func TestCatalogList(t *testing.T) {
	catalog := openTestCatalog(t)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		info := startInfo(
			// Later runs start later.
			[]string{"run-a", "run-b", "run-c", "run-d", "run-e"}[i],
			base.Add(time.Duration(i)*time.Minute),
		)
		require.NoError(t, catalog.RecordStart(info))
	}

	t.Run("newest first", func(t *testing.T) {
		runs, err := catalog.List(0)
		require.NoError(t, err)
		require.Len(t, runs, 5)
		assert.Equal(t, "run-e", runs[0].RunID)
		assert.Equal(t, "run-a", runs[4].RunID)
	})

	t.Run("limit applies", func(t *testing.T) {
		runs, err := catalog.List(2)
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, "run-e", runs[0].RunID)
		assert.Equal(t, "run-d", runs[1].RunID)
	})

	t.Run("empty catalog", func(t *testing.T) {
		empty := openTestCatalog(t)
		runs, err := empty.List(10)
		require.NoError(t, err)
		assert.Empty(t, runs)
	})
}
