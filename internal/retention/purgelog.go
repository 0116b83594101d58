package retention

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"
)

// PurgeSummary records what one purge removed from one tier. It is written
// to the operational purge log, never back into the trail. Log entries
// describe one batch and carry its Batch key; a batch retried after a
// failed delete appears once per attempt under the same key.
type PurgeSummary struct {
	Tier     Tier      `json:"tier"`
	Batch    string    `json:"batch,omitempty"`
	Count    int       `json:"count"`
	Oldest   time.Time `json:"oldest,omitempty"`
	Newest   time.Time `json:"newest,omitempty"`
	Cutoff   time.Time `json:"cutoff"`
	PurgedAt time.Time `json:"purged_at"`
}

func (s *PurgeSummary) add(count int, oldest, newest time.Time) {
	if count == 0 {
		return
	}
	if s.Count == 0 || oldest.Before(s.Oldest) {
		s.Oldest = oldest
	}
	if s.Count == 0 || newest.After(s.Newest) {
		s.Newest = newest
	}
	s.Count += count
}

// batchKey identifies a batch of live-tier events by their IDs.
func batchKey(ids []string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	h := sha256.New()
	for _, id := range sorted {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// PurgeLog persists purge summaries.
type PurgeLog interface {
	Append(ctx context.Context, s PurgeSummary) error
	List(ctx context.Context) ([]PurgeSummary, error)
}

// FilePurgeLog appends summaries as JSON lines to a local file. An exclusive
// flock serializes writers across processes.
type FilePurgeLog struct {
	path string
	mu   sync.Mutex
}

// NewFilePurgeLog creates a log at path. The file is created on first write.
func NewFilePurgeLog(path string) *FilePurgeLog {
	return &FilePurgeLog{path: path}
}

// Append implements PurgeLog.
func (l *FilePurgeLog) Append(ctx context.Context, s PurgeSummary) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create purge log dir: %w", err)
	}
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("open purge log: %w", err)
	}
	defer file.Close()

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("flock purge log: %w", err)
	}
	defer syscall.Flock(int(file.Fd()), syscall.LOCK_UN)

	line, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal purge summary: %w", err)
	}
	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write purge summary: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync purge log: %w", err)
	}
	return nil
}

// List implements PurgeLog. Malformed lines are skipped.
func (l *FilePurgeLog) List(ctx context.Context) ([]PurgeSummary, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open purge log: %w", err)
	}
	defer file.Close()
	return readSummaries(file)
}

func readSummaries(r io.Reader) ([]PurgeSummary, error) {
	var out []PurgeSummary
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		var s PurgeSummary
		if err := json.Unmarshal(scanner.Bytes(), &s); err != nil {
			continue
		}
		out = append(out, s)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan purge log: %w", err)
	}
	return out, nil
}

// MemoryPurgeLog keeps summaries in memory.
type MemoryPurgeLog struct {
	mu      sync.Mutex
	entries []PurgeSummary
}

// NewMemoryPurgeLog creates an empty log.
func NewMemoryPurgeLog() *MemoryPurgeLog {
	return &MemoryPurgeLog{}
}

// Append implements PurgeLog.
func (l *MemoryPurgeLog) Append(ctx context.Context, s PurgeSummary) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, s)
	return nil
}

// List implements PurgeLog.
func (l *MemoryPurgeLog) List(ctx context.Context) ([]PurgeSummary, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]PurgeSummary(nil), l.entries...), nil
}
