package safetynet

import (
	"os"

	"github.com/spf13/afero"
)

// Fs wraps a filesystem so that every file opened through it is guarded
// by a registry. Closing the file removes it from the registry again.
type Fs struct {
	afero.Fs
	registry *Registry
}

func NewFs(base afero.Fs, registry *Registry) *Fs {
	return &Fs{
		Fs:       base,
		registry: registry,
	}
}

func (fs *Fs) Create(name string) (afero.File, error) {
	file, err := fs.Fs.Create(name)
	if err != nil {
		return nil, err
	}
	return fs.guard(file)
}

func (fs *Fs) Open(name string) (afero.File, error) {
	file, err := fs.Fs.Open(name)
	if err != nil {
		return nil, err
	}
	return fs.guard(file)
}

func (fs *Fs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	file, err := fs.Fs.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return fs.guard(file)
}

func (fs *Fs) guard(file afero.File) (afero.File, error) {
	remove, err := fs.registry.Add(file)
	if err != nil {
		// The registry already closed the file.
		return nil, err
	}
	return &guardedFile{File: file, remove: remove}, nil
}

type guardedFile struct {
	afero.File
	remove func()
}

func (f *guardedFile) Close() error {
	f.remove()
	return f.File.Close()
}
