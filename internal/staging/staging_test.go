package staging

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devpublish/internal/fsutil"
	dplog "devpublish/internal/log"
)

func newCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	root := t.TempDir()
	return New(filepath.Join(root, "staging"), filepath.Join(root, "publications-store"), 5*time.Second, dplog.NewNopLogger())
}

func writeFiles(files map[string]string) WriteFunc {
	return func(_ context.Context, dir string) error {
		for rel, content := range files {
			path := filepath.Join(dir, filepath.FromSlash(rel))
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return err
			}
		}
		return nil
	}
}

func readStore(t *testing.T, c *Coordinator, name string) map[string]string {
	t.Helper()
	dir := c.StorePath(name)
	files, err := fsutil.ListFiles(dir)
	require.NoError(t, err)
	out := make(map[string]string, len(files))
	for _, rel := range files {
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
		require.NoError(t, err)
		out[rel] = string(data)
	}
	return out
}

func TestStage_CapturesAndClears(t *testing.T) {
	c := newCoordinator(t)

	pub, err := c.Stage(context.Background(), "mavenJava", writeFiles(map[string]string{
		"g/a/1.0/a-1.0.jar": "jar",
		"g/a/1.0/a-1.0.pom": "pom",
	}))
	require.NoError(t, err)
	assert.Equal(t, "mavenJava", pub.Name)
	assert.Equal(t, []string{"g/a/1.0/a-1.0.jar", "g/a/1.0/a-1.0.pom"}, pub.Files)
	assert.Equal(t, map[string]string{"g/a/1.0/a-1.0.jar": "jar", "g/a/1.0/a-1.0.pom": "pom"}, readStore(t, c, "mavenJava"))

	staged, err := fsutil.ListFiles(c.StagingDir)
	require.NoError(t, err)
	assert.Empty(t, staged, "staging is cleared after capture")
	assert.Equal(t, Idle, c.Phase())
}

func TestStage_StartsFromEmptyStaging(t *testing.T) {
	c := newCoordinator(t)
	require.NoError(t, os.MkdirAll(c.StagingDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(c.StagingDir, "leftover.jar"), []byte("x"), 0o644))

	pub, err := c.Stage(context.Background(), "p", writeFiles(map[string]string{"a.jar": "a"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"a.jar"}, pub.Files)
}

func TestStage_ReplacesPreviousStoreWholesale(t *testing.T) {
	c := newCoordinator(t)

	_, err := c.Stage(context.Background(), "p", writeFiles(map[string]string{"old.jar": "1", "same.pom": "s"}))
	require.NoError(t, err)
	_, err = c.Stage(context.Background(), "p", writeFiles(map[string]string{"new.jar": "2", "same.pom": "s"}))
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"new.jar": "2", "same.pom": "s"}, readStore(t, c, "p"))

	entries, err := os.ReadDir(c.StoreDir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp or old directories remain")
}

func TestStage_WriteFailureKeepsLastGoodStore(t *testing.T) {
	c := newCoordinator(t)
	_, err := c.Stage(context.Background(), "p", writeFiles(map[string]string{"a.jar": "good"}))
	require.NoError(t, err)

	boom := errors.New("packaging exploded")
	_, err = c.Stage(context.Background(), "p", func(ctx context.Context, dir string) error {
		require.NoError(t, writeFiles(map[string]string{"partial.jar": "bad"})(ctx, dir))
		return boom
	})
	require.ErrorIs(t, err, ErrWriteFailed)
	require.ErrorIs(t, err, boom)

	assert.Equal(t, map[string]string{"a.jar": "good"}, readStore(t, c, "p"))
	staged, err := fsutil.ListFiles(c.StagingDir)
	require.NoError(t, err)
	assert.Empty(t, staged)
	assert.Equal(t, Idle, c.Phase())
}

func TestStage_CaptureFailureKeepsLastGoodStore(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores file permissions")
	}
	c := newCoordinator(t)
	_, err := c.Stage(context.Background(), "p", writeFiles(map[string]string{"a.jar": "good"}))
	require.NoError(t, err)

	_, err = c.Stage(context.Background(), "p", func(ctx context.Context, dir string) error {
		path := filepath.Join(dir, "unreadable.jar")
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			return err
		}
		return os.Chmod(path, 0o000)
	})
	require.ErrorIs(t, err, ErrCaptureFailed)
	assert.Equal(t, map[string]string{"a.jar": "good"}, readStore(t, c, "p"))
}

func TestStage_ConcurrentWritersNeverInterleave(t *testing.T) {
	c := newCoordinator(t)

	const writers = 6
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		name := fmt.Sprintf("pub%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Stage(context.Background(), name, func(ctx context.Context, dir string) error {
				for j := 0; j < 3; j++ {
					if err := writeFiles(map[string]string{fmt.Sprintf("%s/%d.jar", name, j): name})(ctx, dir); err != nil {
						return err
					}
					time.Sleep(time.Millisecond)
				}
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	for i := 0; i < writers; i++ {
		name := fmt.Sprintf("pub%d", i)
		files := readStore(t, c, name)
		require.Len(t, files, 3, name)
		for rel, content := range files {
			assert.Equal(t, name, content, "%s holds %s", name, rel)
		}
	}
}

func TestStage_LockTimeout(t *testing.T) {
	c := newCoordinator(t)
	c.LockTimeout = 50 * time.Millisecond

	entered := make(chan struct{})
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		_, _ = c.Stage(context.Background(), "slow", func(context.Context, string) error {
			close(entered)
			<-done
			return nil
		})
	}()
	<-entered

	_, err := c.Stage(context.Background(), "fast", writeFiles(nil))
	close(done)
	<-finished

	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestStage_RejectsBadName(t *testing.T) {
	c := newCoordinator(t)
	_, err := c.Stage(context.Background(), "../escape", writeFiles(nil))
	assert.ErrorIs(t, err, fsutil.ErrInvalidName)
}

func TestPublications_ListsCapturedStores(t *testing.T) {
	c := newCoordinator(t)

	names, err := c.Publications()
	require.NoError(t, err)
	assert.Empty(t, names)

	for _, name := range []string{"b", "a"} {
		_, err := c.Stage(context.Background(), name, writeFiles(map[string]string{"x.jar": name}))
		require.NoError(t, err)
	}
	require.NoError(t, os.MkdirAll(filepath.Join(c.StoreDir, ".c.tmp-123"), 0o755))

	names, err = c.Publications()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)

	pub, err := c.Load("a")
	require.NoError(t, err)
	require.NotNil(t, pub)
	assert.Equal(t, []string{"x.jar"}, pub.Files)

	pub, err = c.Load("missing")
	require.NoError(t, err)
	assert.Nil(t, pub)
}
