package filecache

import (
	"context"
	"testing"
	"time"

	"github.com/eddyengine/eddy/pkg/protocol"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageAndRelease(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/remote/model.bin", []byte("weights"), 0644))

	cache := New(fs, "/staging")
	job := protocol.NewJobID()
	execution := protocol.NewExecutionID()

	future := cache.CreateTmpFile("model.bin", protocol.CacheEntry{SourcePath: "/remote/model.bin"}, job, execution)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	staged, err := future.Get(ctx)
	require.NoError(t, err)

	content, err := afero.ReadFile(fs, staged)
	require.NoError(t, err)
	assert.Equal(t, "weights", string(content))

	cache.ReleaseJob(job, execution)
	exists, _ := afero.Exists(fs, staged)
	assert.False(t, exists)
}

func TestStageMissingSource(t *testing.T) {
	cache := New(afero.NewMemMapFs(), "/staging")

	future := cache.CreateTmpFile("gone", protocol.CacheEntry{SourcePath: "/remote/gone"}, protocol.NewJobID(), protocol.NewExecutionID())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := future.Get(ctx)
	assert.Error(t, err)
}

func TestStageManyEntries(t *testing.T) {
	fs := afero.NewMemMapFs()
	cache := New(fs, "/staging")
	job := protocol.NewJobID()
	execution := protocol.NewExecutionID()

	names := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for _, name := range names {
		require.NoError(t, afero.WriteFile(fs, "/remote/"+name, []byte(name), 0644))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, name := range names {
		future := cache.CreateTmpFile(name, protocol.CacheEntry{SourcePath: "/remote/" + name}, job, execution)
		staged, err := future.Get(ctx)
		require.NoError(t, err)

		content, err := afero.ReadFile(fs, staged)
		require.NoError(t, err)
		assert.Equal(t, name, string(content))
	}
}
