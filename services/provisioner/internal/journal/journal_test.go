package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunRecord(t *testing.T) {
	run := NewRun("abc", time.Unix(100, 0))
	require.NotEmpty(t, run.ID)
	assert.Equal(t, StatusRunning, run.Status)

	run.Record(Step{Name: "preflight", Status: StatusFailed})
	assert.False(t, run.Completed("preflight"))

	run.Record(Step{Name: "preflight", Status: StatusOK})
	run.Record(Step{Name: "fetch-assets", Status: StatusSkipped})
	assert.Len(t, run.Steps, 2)
	assert.True(t, run.Completed("preflight"))
	assert.False(t, run.Completed("fetch-assets"))

	var nilRun *Run
	assert.False(t, nilRun.Completed("preflight"))
}

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "state", "journal.yaml"))
	require.NoError(t, err)

	last, err := store.Last(ctx)
	require.NoError(t, err)
	assert.Nil(t, last)

	run := NewRun("fp-1", time.Now())
	run.Record(Step{Name: "preflight", Status: StatusOK, StartedAt: time.Now().UTC(), Duration: 12 * time.Millisecond})
	require.NoError(t, store.Save(ctx, run))

	run.Record(Step{Name: "install-packages", Status: StatusFailed, Error: "apt-get: exit status 100"})
	run.Finish(StatusFailed, time.Now())
	require.NoError(t, store.Save(ctx, run))

	second := NewRun("fp-2", time.Now())
	require.NoError(t, store.Save(ctx, second))

	history, err := store.History(ctx)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, run.ID, history[0].ID)
	assert.Equal(t, StatusFailed, history[0].Status)
	require.Len(t, history[0].Steps, 2)
	assert.Equal(t, "apt-get: exit status 100", history[0].Steps[1].Error)
	assert.Equal(t, 12*time.Millisecond, history[0].Steps[0].Duration)

	last, err = store.Last(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, last.ID)
}

func TestFileStoreBoundsHistory(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "journal.yaml"))
	require.NoError(t, err)

	for i := 0; i < maxFileRuns+5; i++ {
		require.NoError(t, store.Save(ctx, NewRun("fp", time.Now())))
	}
	history, err := store.History(ctx)
	require.NoError(t, err)
	assert.Len(t, history, maxFileRuns)
}

func TestNewFileStoreRequiresPath(t *testing.T) {
	_, err := NewFileStore("")
	require.Error(t, err)
}
