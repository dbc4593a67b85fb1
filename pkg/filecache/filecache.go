package filecache

import (
	"fmt"
	"io"
	"path"

	"github.com/eddyengine/eddy/pkg/log"
	"github.com/eddyengine/eddy/pkg/protocol"
	"github.com/eddyengine/eddy/pkg/utils"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// Number of distributed cache copies in flight at any time.
const copyConcurrency = 4

// Cache stages user-defined files on the local filesystem so that an
// operator can read them without reaching into remote storage. Copies
// run in the background; the returned futures resolve to the staged
// paths.
type Cache struct {
	fs     afero.Fs
	root   string
	copies errgroup.Group
}

func New(fs afero.Fs, root string) *Cache {
	cache := &Cache{
		fs:   fs,
		root: root,
	}
	cache.copies.SetLimit(copyConcurrency)
	return cache
}

// CreateTmpFile schedules a background copy of the entry into the
// execution attempt's staging directory.
func (c *Cache) CreateTmpFile(
	name string,
	entry protocol.CacheEntry,
	job protocol.JobID,
	execution protocol.ExecutionID,
) *utils.Future[string] {

	future := utils.NewFuture[string]()

	c.copies.Go(func() error {
		staged, err := c.stage(name, entry, job, execution)
		if err != nil {
			log.Errorf("filecache - staging of '%s' failed: %v", name, err)
		}
		future.Complete(staged, err)
		return nil
	})

	return future
}

// ReleaseJob removes everything staged for the execution attempt.
func (c *Cache) ReleaseJob(job protocol.JobID, execution protocol.ExecutionID) {
	dir := c.stagingDir(job, execution)
	if err := c.fs.RemoveAll(dir); err != nil {
		log.Errorf("filecache - release of %s failed: %v", dir, err)
	}
}

// Wait blocks until all scheduled copies have finished. Tests only.
func (c *Cache) Wait() {
	c.copies.Wait()
}

func (c *Cache) stagingDir(job protocol.JobID, execution protocol.ExecutionID) string {
	return path.Join(c.root, string(job), string(execution))
}

func (c *Cache) stage(
	name string,
	entry protocol.CacheEntry,
	job protocol.JobID,
	execution protocol.ExecutionID,
) (string, error) {

	source, err := c.fs.Open(entry.SourcePath)
	if err != nil {
		return "", fmt.Errorf("could not open cache entry '%s': %w", name, err)
	}
	defer source.Close()

	staged := path.Join(c.stagingDir(job, execution), path.Clean("/"+name))
	if err := c.fs.MkdirAll(path.Dir(staged), 0755); err != nil {
		return "", err
	}

	target, err := c.fs.Create(staged)
	if err != nil {
		return "", err
	}

	if _, err := io.Copy(target, source); err != nil {
		target.Close()
		return "", err
	}
	if err := target.Close(); err != nil {
		return "", err
	}

	if entry.Executable {
		if err := c.fs.Chmod(staged, 0755); err != nil {
			return "", err
		}
	}
	return staged, nil
}
