package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/FairForge/adapipe/internal/pipeline"
	"github.com/FairForge/adapipe/internal/stage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPipeline(t *testing.T, name string) pipeline.Pipeline {
	t.Helper()
	p, err := pipeline.New(name, []pipeline.PipelineStage{
		pipeline.NewUserStage("compress", stage.TypeCompression, stage.PostBinary, stage.Configuration{
			Name: "compress", Algorithm: "zstd",
		}),
	})
	require.NoError(t, err)
	return p
}

func TestFileRepository_SaveAndFindByName(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipelines.yaml")

	repo, err := NewFileRepository(path, nil)
	require.NoError(t, err)

	p := newTestPipeline(t, "nightly backup")
	require.NoError(t, repo.Save(p))

	found, ok, err := repo.FindByName("Nightly Backup")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, p.ID(), found.ID())
	assert.Equal(t, p.Name(), found.Name())
	assert.Len(t, found.UserStages(), 1)
}

func TestFileRepository_FindByName_NotFound(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipelines.yaml")

	repo, err := NewFileRepository(path, nil)
	require.NoError(t, err)

	_, ok, err := repo.FindByName("missing pipeline")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileRepository_List(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipelines.yaml")

	repo, err := NewFileRepository(path, nil)
	require.NoError(t, err)

	require.NoError(t, repo.Save(newTestPipeline(t, "archive job")))
	require.NoError(t, repo.Save(newTestPipeline(t, "backup job")))

	all, err := repo.List()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestFileRepository_PersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipelines.yaml")

	repo, err := NewFileRepository(path, nil)
	require.NoError(t, err)
	require.NoError(t, repo.Save(newTestPipeline(t, "durable job")))

	reopened, err := NewFileRepository(path, nil)
	require.NoError(t, err)

	found, ok, err := reopened.FindByName("durable job")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "durable-job", found.Name())
}

func TestFileRepository_WatchReloadsOnExternalWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipelines.yaml")

	repo, err := NewFileRepository(path, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	go func() {
		_ = repo.Watch(ctx)
	}()
	time.Sleep(100 * time.Millisecond)

	writer, err := NewFileRepository(path, nil)
	require.NoError(t, err)
	require.NoError(t, writer.Save(newTestPipeline(t, "watched job")))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for watch reload")
		default:
		}
		_, ok, err := repo.FindByName("watched job")
		require.NoError(t, err)
		if ok {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}
