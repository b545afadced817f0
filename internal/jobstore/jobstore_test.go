package jobstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuzaix/replace-video-bgm-sub000/internal/orchestrator"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobs.db")
	store, err := Open("sqlite", path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpenRejectsUnsupportedType(t *testing.T) {
	_, err := Open("mysql", "ignored")
	assert.Error(t, err)
}

func TestOpenDefaultsToSQLiteFile(t *testing.T) {
	store, err := Open("", filepath.Join(t.TempDir(), "default.db"))
	require.NoError(t, err)
	defer store.Close()
}

func TestRecordAndGetRoundTrip(t *testing.T) {
	store := openTestStore(t)

	tasks := []*orchestrator.Task{
		{ID: "t1", CanonicalOutput: "/tmp/out1.mp4"},
		{ID: "t2", CanonicalOutput: "/tmp/out2.mp4"},
	}
	job := orchestrator.Job{ID: "job-abc", Phase: "normalize", Tasks: tasks}
	summary := orchestrator.Summary{Total: 2, OK: 1, Failed: 1}

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(2 * time.Minute)
	require.NoError(t, store.Record(job, summary, start, end))

	rec, err := store.Get("job-abc")
	require.NoError(t, err)
	assert.Equal(t, "normalize", rec.Phase)
	assert.Equal(t, 2, rec.Total)
	assert.Equal(t, 1, rec.OK)
	assert.Equal(t, 1, rec.Failed)
	require.NotNil(t, rec.EndedAt)

	decoded, err := rec.GetTasks()
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	assert.Equal(t, "t1", decoded[0].ID)
	assert.Equal(t, "/tmp/out2.mp4", decoded[1].CanonicalOutput)
}

func TestRecordUpsertsExistingJob(t *testing.T) {
	store := openTestStore(t)
	job := orchestrator.Job{ID: "job-rerun", Phase: "slice", Tasks: nil}
	start := time.Now().UTC()

	require.NoError(t, store.Record(job, orchestrator.Summary{Total: 1, Failed: 1}, start, start))
	require.NoError(t, store.Record(job, orchestrator.Summary{Total: 1, OK: 1}, start, start))

	rec, err := store.Get("job-rerun")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.OK)
	assert.Equal(t, 0, rec.Failed)
}

func TestListOrdersMostRecentFirst(t *testing.T) {
	store := openTestStore(t)
	older := time.Now().UTC().Add(-time.Hour)
	newer := time.Now().UTC()

	require.NoError(t, store.Record(orchestrator.Job{ID: "old"}, orchestrator.Summary{}, older, older))
	require.NoError(t, store.Record(orchestrator.Job{ID: "new"}, orchestrator.Summary{}, newer, newer))

	recs, err := store.List(0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "new", recs[0].ID)
}

func TestListRespectsLimit(t *testing.T) {
	store := openTestStore(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Record(orchestrator.Job{ID: string(rune('a' + i))}, orchestrator.Summary{}, time.Now().UTC(), time.Now().UTC()))
	}
	recs, err := store.List(2)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestGetTasksHandlesEmptyBlob(t *testing.T) {
	rec := JobRecord{}
	tasks, err := rec.GetTasks()
	require.NoError(t, err)
	assert.Nil(t, tasks)
}
