// Package skfs abstracts the storage that holds job inputs and spilled
// shuffle data, so that the same job runs against a local directory or an
// S3 prefix.
package skfs

import (
	"io"
	"strings"
)

// FileSystemType is an identifier for supported FileSystems
type FileSystemType int

// Identifiers for supported FileSystemTypes
const (
	Local FileSystemType = iota
	S3
)

func (t FileSystemType) String() string {
	if t == S3 {
		return "s3"
	}
	return "local"
}

// FileInfo provides information about a file
type FileInfo struct {
	Name string // file path
	Size int64  // file size in bytes
}

// FileSystem provides the file backend for job inputs and intermediate
// data.
type FileSystem interface {
	// ListFiles returns the files matching a glob pattern.
	ListFiles(pathGlob string) ([]FileInfo, error)
	// Stat returns information about a single file.
	Stat(filePath string) (FileInfo, error)
	// OpenReader opens a file for reading, starting at byte startAt.
	OpenReader(filePath string, startAt int64) (io.ReadCloser, error)
	// OpenWriter opens a file for writing. The file is visible once the
	// writer is closed.
	OpenWriter(filePath string) (io.WriteCloser, error)
	// Delete removes a file.
	Delete(filePath string) error
	// Join joins path elements with the separator of the filesystem.
	Join(elem ...string) string
	// MakeDir creates a directory and its parents where the filesystem has
	// directories.
	MakeDir(dirPath string) error
	// Init prepares the filesystem for use.
	Init() error
}

// InferFilesystem returns a filesystem suited to the location: S3 for
// "s3://" URIs, local otherwise.
func InferFilesystem(location string) FileSystem {
	if strings.HasPrefix(location, "s3://") {
		return InitFilesystem(S3)
	}
	return InitFilesystem(Local)
}

// InitFilesystem returns an initialized filesystem of the given type. A
// filesystem that fails to initialize is returned anyway; its operations
// report the failure.
func InitFilesystem(fsType FileSystemType) FileSystem {
	var fs FileSystem
	switch fsType {
	case S3:
		fs = &S3FileSystem{}
	default:
		fs = &LocalFileSystem{}
	}
	fs.Init()
	return fs
}
