package storage

import (
	"errors"
	"os"
	"time"
)

// ErrFileNotFound is returned by Read for missing files.
var ErrFileNotFound = errors.New("file not found")

// BlobStore manages flat local file operations under a base directory.
type BlobStore interface {
	// Write saves data to a file path atomically.
	Write(path string, data []byte, mode os.FileMode) error

	// Read retrieves file contents.
	Read(path string) ([]byte, error)

	// Delete removes a file. Missing files are not an error.
	Delete(path string) error

	// Exists checks if a file exists.
	Exists(path string) (bool, error)

	// ListDir returns directory contents.
	ListDir(path string) ([]FileInfo, error)
}

// FileInfo contains file metadata.
type FileInfo struct {
	Path    string
	Size    int64
	Mode    os.FileMode
	ModTime time.Time
	IsDir   bool
}
