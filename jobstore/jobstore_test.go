package jobstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, Job{
		ID:         "job-1",
		Filename:   "dune.txt",
		Title:      "Dune",
		Author:     "Frank Herbert",
		UploaderID: "alice",
	}))

	job, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusUploaded, job.Status)
	assert.Equal(t, "Dune", job.Title)
	assert.Equal(t, "alice", job.UploaderID)
	assert.False(t, job.CreatedAt.IsZero())
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStatusTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, Job{ID: "job-1", UploaderID: "alice"}))

	for _, st := range []Status{StatusProcessing, StatusEmbedding, StatusIndexed, StatusDone} {
		require.NoError(t, s.SetStatus(ctx, "job-1", st))
		job, err := s.Get(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, st, job.Status)
	}
}

func TestFailRecordsMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, Job{ID: "job-1", UploaderID: "alice"}))
	require.NoError(t, s.Fail(ctx, "job-1", "No text extracted from document"))

	job, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusError, job.Status)
	assert.Equal(t, "No text extracted from document", job.Error)
	assert.True(t, job.Status.Terminal())
}

func TestProgressAndBook(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, Job{ID: "job-1", UploaderID: "alice"}))
	require.NoError(t, s.SetProgress(ctx, "job-1", 12, 12))
	require.NoError(t, s.SetBook(ctx, "job-1", "book-7"))

	job, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 12, job.ChunkCount)
	assert.Equal(t, 12, job.VectorCount)
	assert.Equal(t, "book-7", job.BookID)
}

func TestUpdateMissingJob(t *testing.T) {
	s := newTestStore(t)

	err := s.SetStatus(context.Background(), "nope", StatusDone)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListByUploader(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, Job{ID: "job-1", UploaderID: "alice"}))
	require.NoError(t, s.Create(ctx, Job{ID: "job-2", UploaderID: "bob"}))
	require.NoError(t, s.Create(ctx, Job{ID: "job-3", UploaderID: "alice"}))

	jobs, err := s.ListByUploader(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	for _, job := range jobs {
		assert.Equal(t, "alice", job.UploaderID)
	}

	jobs, err = s.ListByUploader(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestReopenPreservesJobs(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, Job{ID: "job-1", UploaderID: "alice"}))
	require.NoError(t, s.SetStatus(ctx, "job-1", StatusDone))
	require.NoError(t, s.Close())

	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()

	job, err := s2.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusDone, job.Status)
}
