package cronjob

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
)

// RunLogEntry is one line of a job's run history.
type RunLogEntry struct {
	Ts          int64     `json:"ts"`
	JobID       string    `json:"jobId"`
	Status      RunStatus `json:"status"`
	Forced      bool      `json:"forced,omitempty"`
	Error       string    `json:"error,omitempty"`
	Summary     string    `json:"summary,omitempty"`
	DurationMs  int64     `json:"durationMs"`
	NextRunAtMs int64     `json:"nextRunAtMs,omitempty"`
}

// RunLog appends run history to <dir>/<jobId>.jsonl and prunes each file to
// its newest keepLines entries once it grows past maxBytes.
type RunLog struct {
	dir       string
	maxBytes  int64
	keepLines int

	mu sync.Mutex
}

func NewRunLog(dir string, maxBytes int64, keepLines int) *RunLog {
	return &RunLog{dir: dir, maxBytes: maxBytes, keepLines: keepLines}
}

func (l *RunLog) path(jobID string) string {
	return filepath.Join(l.dir, filepath.Base(jobID)+".jsonl")
}

func (l *RunLog) Append(e RunLogEntry) error {
	if l == nil || l.dir == "" {
		return nil
	}
	line, err := sonic.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal run log entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("create run log directory: %w", err)
	}
	path := l.path(e.JobID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open run log: %w", err)
	}
	_, werr := f.Write(append(line, '\n'))
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("append run log: %w", werr)
	}
	if cerr != nil {
		return fmt.Errorf("close run log: %w", cerr)
	}
	return l.prune(path)
}

func (l *RunLog) prune(path string) error {
	if l.maxBytes <= 0 || l.keepLines <= 0 {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil || info.Size() <= l.maxBytes {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read run log: %w", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) <= l.keepLines {
		return nil
	}
	kept := strings.Join(lines[len(lines)-l.keepLines:], "\n") + "\n"

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(kept), 0o644); err != nil {
		return fmt.Errorf("write pruned run log: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename pruned run log: %w", err)
	}
	return nil
}

// Read returns up to limit entries for jobID, newest first. Malformed lines
// are skipped.
func (l *RunLog) Read(jobID string, limit int) ([]RunLogEntry, error) {
	if l == nil || l.dir == "" {
		return nil, nil
	}

	l.mu.Lock()
	data, err := os.ReadFile(l.path(jobID))
	l.mu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read run log: %w", err)
	}

	var entries []RunLogEntry
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e RunLogEntry
		if err := sonic.Unmarshal(line, &e); err != nil || e.JobID != jobID {
			continue
		}
		entries = append(entries, e)
	}

	for i, k := 0, len(entries)-1; i < k; i, k = i+1, k-1 {
		entries[i], entries[k] = entries[k], entries[i]
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Remove drops a job's history.
func (l *RunLog) Remove(jobID string) error {
	if l == nil || l.dir == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.Remove(l.path(jobID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
