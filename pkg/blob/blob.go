package blob

import (
	"io"
	"path"
	"sync"

	"github.com/eddyengine/eddy/pkg/log"
	"github.com/eddyengine/eddy/pkg/protocol"
	"github.com/eddyengine/eddy/pkg/utils"
	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"
)

// Store is a permanent BLOB service backed by a filesystem. Artifacts
// are stored compressed and survive job release; releasing only
// forgets the job registration.
type Store struct {
	mu   sync.Mutex
	fs   afero.Fs
	root string
	jobs map[protocol.JobID]int
}

func NewStore(fs afero.Fs, root string) (*Store, error) {
	if err := fs.MkdirAll(root, 0755); err != nil {
		return nil, err
	}

	return &Store{
		fs:   fs,
		root: root,
		jobs: map[protocol.JobID]int{},
	}, nil
}

func (s *Store) path(key string) string {
	return path.Join(s.root, path.Clean("/"+key)+".gz")
}

// Put stores an artifact under the given key, replacing any previous
// content.
func (s *Store) Put(key string, r io.Reader) error {
	target := s.path(key)
	if err := s.fs.MkdirAll(path.Dir(target), 0755); err != nil {
		return err
	}

	file, err := s.fs.Create(target)
	if err != nil {
		return err
	}

	writer := gzip.NewWriter(file)
	if _, err := io.Copy(writer, r); err != nil {
		file.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// Open returns a reader over the decompressed artifact content.
func (s *Store) Open(key string) (io.ReadCloser, error) {
	file, err := s.fs.Open(s.path(key))
	if err != nil {
		return nil, utils.ErrNotFound
	}

	reader, err := gzip.NewReader(file)
	if err != nil {
		file.Close()
		return nil, err
	}

	return &blobReader{reader: reader, file: file}, nil
}

func (s *Store) Contains(key string) bool {
	exists, _ := afero.Exists(s.fs, s.path(key))
	return exists
}

// RegisterJob records one more user of the job's artifacts.
func (s *Store) RegisterJob(job protocol.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[job]++
	log.Debugf("blob - job registered - id: %s, refs: %d", job, s.jobs[job])
	return nil
}

// ReleaseJob drops one user of the job's artifacts.
func (s *Store) ReleaseJob(job protocol.JobID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	refs, ok := s.jobs[job]
	if !ok {
		log.Debugf("blob - release of unregistered job - id: %s", job)
		return
	}

	if refs <= 1 {
		delete(s.jobs, job)
	} else {
		s.jobs[job] = refs - 1
	}
	log.Debugf("blob - job released - id: %s", job)
}

// References returns the number of registrations held for a job.
func (s *Store) References(job protocol.JobID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[job]
}

type blobReader struct {
	reader *gzip.Reader
	file   afero.File
}

func (r *blobReader) Read(p []byte) (int, error) {
	return r.reader.Read(p)
}

func (r *blobReader) Close() error {
	if err := r.reader.Close(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}
