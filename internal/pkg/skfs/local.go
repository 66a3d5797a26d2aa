package skfs

import (
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/grailbio/base/errors"
)

// LocalFileSystem wraps the local disk.
type LocalFileSystem struct{}

// ListFiles lists files that match pathGlob. Directories are skipped.
func (l *LocalFileSystem) ListFiles(pathGlob string) ([]FileInfo, error) {
	globbedFiles, err := filepath.Glob(pathGlob)
	if err != nil {
		return nil, errors.E(errors.Invalid, err)
	}
	sort.Strings(globbedFiles)

	files := make([]FileInfo, 0, len(globbedFiles))
	for _, fileName := range globbedFiles {
		fInfo, err := os.Stat(fileName)
		if err != nil {
			return nil, errors.E(errors.NotExist, err)
		}
		if fInfo.IsDir() {
			continue
		}
		files = append(files, FileInfo{Name: fileName, Size: fInfo.Size()})
	}
	return files, nil
}

// Stat returns information about the file at filePath.
func (l *LocalFileSystem) Stat(filePath string) (FileInfo, error) {
	fInfo, err := os.Stat(filePath)
	if err != nil {
		return FileInfo{}, errors.E(errors.NotExist, err)
	}
	return FileInfo{Name: filePath, Size: fInfo.Size()}, nil
}

// OpenReader opens filePath and seeks to startAt.
func (l *LocalFileSystem) OpenReader(filePath string, startAt int64) (io.ReadCloser, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, errors.E(errors.NotExist, err)
	}
	if _, err := file.Seek(startAt, io.SeekStart); err != nil {
		file.Close()
		return nil, errors.E(errors.Invalid, err)
	}
	return file, nil
}

// OpenWriter creates filePath, along with missing parent directories.
func (l *LocalFileSystem) OpenWriter(filePath string) (io.WriteCloser, error) {
	if err := l.MakeDir(filepath.Dir(filePath)); err != nil {
		return nil, err
	}
	file, err := os.Create(filePath)
	if err != nil {
		return nil, errors.E(err)
	}
	return file, nil
}

// Delete removes filePath.
func (l *LocalFileSystem) Delete(filePath string) error {
	if err := os.Remove(filePath); err != nil {
		return errors.E(err, "delete")
	}
	return nil
}

// Join joins file paths
func (l *LocalFileSystem) Join(elem ...string) string {
	return filepath.Join(elem...)
}

// MakeDir creates dirPath and its parents.
func (l *LocalFileSystem) MakeDir(dirPath string) error {
	if err := os.MkdirAll(dirPath, 0777); err != nil {
		return errors.E(err)
	}
	return nil
}

// Init is a no-op for the local filesystem.
func (l *LocalFileSystem) Init() error {
	return nil
}
