package sparkit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/grailbio/base/errors"
	log "github.com/sirupsen/logrus"

	"github.com/JaysonSunshine/sparkit-learn/internal/pkg/skfs"
)

// shuffleStore holds the binned output of map and combine tasks until a
// later task consumes it. Every output is written once, read one bin at a
// time, and discarded when no task needs it anymore.
type shuffleStore interface {
	write(outputID string, bin uint, kvs []keyValue) (int64, error)
	read(outputID string, bin uint) ([]keyValue, int64, error)
	discard(outputID string, numBins uint) error
	close() error
}

// memoryShuffle keeps shuffle outputs in process memory.
type memoryShuffle struct {
	mut  sync.Mutex
	data map[string]map[uint][]keyValue
}

func newMemoryShuffle() *memoryShuffle {
	return &memoryShuffle{
		data: make(map[string]map[uint][]keyValue),
	}
}

func kvSize(kvs []keyValue) int64 {
	var n int64
	for _, kv := range kvs {
		n += 8 + blockSize(kv.Value)
	}
	return n
}

func (m *memoryShuffle) write(outputID string, bin uint, kvs []keyValue) (int64, error) {
	m.mut.Lock()
	defer m.mut.Unlock()

	bins, ok := m.data[outputID]
	if !ok {
		bins = make(map[uint][]keyValue)
		m.data[outputID] = bins
	}
	bins[bin] = kvs
	return kvSize(kvs), nil
}

func (m *memoryShuffle) read(outputID string, bin uint) ([]keyValue, int64, error) {
	m.mut.Lock()
	defer m.mut.Unlock()

	bins, ok := m.data[outputID]
	if !ok {
		return nil, 0, errors.E(errors.NotExist, fmt.Sprintf("shuffle output %s", outputID))
	}
	kvs := bins[bin]
	return kvs, kvSize(kvs), nil
}

func (m *memoryShuffle) discard(outputID string, numBins uint) error {
	m.mut.Lock()
	defer m.mut.Unlock()
	delete(m.data, outputID)
	return nil
}

func (m *memoryShuffle) close() error {
	m.mut.Lock()
	defer m.mut.Unlock()
	m.data = make(map[string]map[uint][]keyValue)
	return nil
}

// fsShuffle spills shuffle outputs to a filesystem as JSON lines, one file
// per output and bin, under <root>/shuffle.
type fsShuffle struct {
	fs   skfs.FileSystem
	root string
	dir  string

	mut     sync.Mutex
	written map[string]struct{} // files not yet discarded
}

func newFSShuffle(fs skfs.FileSystem, root string) (*fsShuffle, error) {
	dir := fs.Join(root, "shuffle")
	if err := fs.MakeDir(dir); err != nil {
		return nil, err
	}
	return &fsShuffle{
		fs:      fs,
		root:    root,
		dir:     dir,
		written: make(map[string]struct{}),
	}, nil
}

func (s *fsShuffle) binPath(outputID string, bin uint) string {
	return s.fs.Join(s.dir, fmt.Sprintf("%s-bin%d.json", outputID, bin))
}

// countingWriter counts the bytes written through it.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func (s *fsShuffle) write(outputID string, bin uint, kvs []keyValue) (int64, error) {
	path := s.binPath(outputID, bin)
	s.mut.Lock()
	s.written[path] = struct{}{}
	s.mut.Unlock()
	writer, err := s.fs.OpenWriter(path)
	if err != nil {
		return 0, err
	}

	buffered := bufio.NewWriter(writer)
	counter := &countingWriter{w: buffered}
	encoder := json.NewEncoder(counter)
	for _, kv := range kvs {
		if err := encoder.Encode(kv); err != nil {
			writer.Close()
			return 0, errors.E(err, fmt.Sprintf("encode %s", path))
		}
	}
	if err := buffered.Flush(); err != nil {
		writer.Close()
		return 0, errors.E(err, fmt.Sprintf("flush %s", path))
	}
	if err := writer.Close(); err != nil {
		return 0, errors.E(err, fmt.Sprintf("close %s", path))
	}
	return counter.n, nil
}

func (s *fsShuffle) read(outputID string, bin uint) ([]keyValue, int64, error) {
	path := s.binPath(outputID, bin)
	reader, err := s.fs.OpenReader(path, 0)
	if err != nil {
		return nil, 0, err
	}
	defer reader.Close()

	kvs := make([]keyValue, 0)
	decoder := json.NewDecoder(bufio.NewReader(reader))
	for {
		var kv keyValue
		if err := decoder.Decode(&kv); err == io.EOF {
			break
		} else if err != nil {
			return nil, 0, errors.E(err, fmt.Sprintf("decode %s", path))
		}
		kvs = append(kvs, kv)
	}
	return kvs, decoder.InputOffset(), nil
}

func (s *fsShuffle) discard(outputID string, numBins uint) error {
	for bin := uint(0); bin < numBins; bin++ {
		s.delete(s.binPath(outputID, bin))
	}
	return nil
}

func (s *fsShuffle) delete(path string) {
	s.mut.Lock()
	delete(s.written, path)
	s.mut.Unlock()
	if err := s.fs.Delete(path); err != nil && !errors.Is(errors.NotExist, err) {
		log.Warnf("Unable to delete shuffle file %s: %s", path, err)
	}
}

// close deletes the files of outputs that were never discarded, as left by
// a failed job, and then the shuffle directories.
func (s *fsShuffle) close() error {
	s.mut.Lock()
	remaining := make([]string, 0, len(s.written))
	for path := range s.written {
		remaining = append(remaining, path)
	}
	s.mut.Unlock()
	if len(remaining) > 0 {
		log.Debugf("Deleting %d leftover shuffle files under %s", len(remaining), s.dir)
	}
	for _, path := range remaining {
		s.delete(path)
	}

	if err := s.fs.Delete(s.dir); err != nil {
		return err
	}
	return s.fs.Delete(s.root)
}
