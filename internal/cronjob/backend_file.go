package cronjob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bytedance/sonic"
)

const storeVersion = 1

// storeFile is the on-disk document shared by every backend.
type storeFile struct {
	Version int            `json:"version"`
	Jobs    map[string]Job `json:"jobs"`
}

// storeJSON sorts map keys so identical collections encode identically.
var storeJSON = sonic.Config{SortMapKeys: true}.Froze()

func encodeStore(jobs map[string]Job) ([]byte, error) {
	if jobs == nil {
		jobs = map[string]Job{}
	}
	data, err := storeJSON.MarshalIndent(storeFile{Version: storeVersion, Jobs: jobs}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal store: %w", err)
	}
	return append(data, '\n'), nil
}

func decodeStore(data []byte) (map[string]Job, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]Job{}, nil
	}
	var doc storeFile
	if err := storeJSON.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal store: %w", err)
	}
	if doc.Version > storeVersion {
		return nil, fmt.Errorf("store version %d is newer than supported %d", doc.Version, storeVersion)
	}
	jobs := make(map[string]Job, len(doc.Jobs))
	for id, j := range doc.Jobs {
		if j.ID == "" {
			j.ID = id
		}
		jobs[j.ID] = j
	}
	return jobs, nil
}

// FileBackend stores jobs as one JSON document written via tmp + rename.
type FileBackend struct {
	path string

	mu     sync.Mutex
	digest [sha256.Size]byte // last content read or written by this process
}

// NewFileBackend creates a backend for path. The file is created on the
// first Save.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

func (b *FileBackend) Path() string { return b.path }

func (b *FileBackend) Location() string { return b.path }

func (b *FileBackend) Load(_ context.Context) (map[string]Job, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Job{}, nil // first run, nothing to load
		}
		return nil, fmt.Errorf("read store file: %w", err)
	}
	jobs, err := decodeStore(data)
	if err != nil {
		return nil, err
	}
	b.remember(data)
	return jobs, nil
}

func (b *FileBackend) Save(_ context.Context, jobs map[string]Job) error {
	data, err := encodeStore(jobs)
	if err != nil {
		return err
	}

	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}

	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write tmp store: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename store: %w", err)
	}
	b.remember(data)
	return nil
}

func (b *FileBackend) Close() error { return nil }

// Changed reports whether the file on disk differs from what this process
// last read or wrote.
func (b *FileBackend) Changed() (bool, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	sum := sha256.Sum256(data)

	b.mu.Lock()
	defer b.mu.Unlock()
	return sum != b.digest, nil
}

func (b *FileBackend) remember(data []byte) {
	sum := sha256.Sum256(data)
	b.mu.Lock()
	b.digest = sum
	b.mu.Unlock()
}
