// Package callstore implements the append-only calls.jsonl journal that is
// the sole system of record for call history: one JSON object per line,
// written through a single file handle, replayed line-by-line on startup.
package callstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Journal appends CallRecord snapshots to a single file and can replay the
// last snapshot per callID on startup.
type Journal struct {
	mu   sync.Mutex
	path string
	file *os.File
}

func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{path: path, file: f}, nil
}

// Append marshals one record to JSON and writes it as a single line.
// Callers pass the record value (typically a *callmgr.CallRecord), so
// callstore stays oblivious to its schema.
func (j *Journal) Append(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal journal record: %w", err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	return nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

// ReplayLastPerCallID scans the whole file and calls fn once per distinct
// callID with the raw bytes of that callID's last line. Scan order within
// a callID's repeats doesn't matter to the caller; only the final state
// does, which is exactly what "last write wins" gives you.
func ReplayLastPerCallID(path string, keyOf func(line []byte) (string, bool), fn func(callID string, line []byte)) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open journal for replay: %w", err)
	}
	defer func() { _ = f.Close() }()

	last := make(map[string][]byte)
	order := make([]string, 0)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8<<20)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		callID, ok := keyOf(line)
		if !ok {
			continue
		}
		if _, seen := last[callID]; !seen {
			order = append(order, callID)
		}
		last[callID] = line
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan journal: %w", err)
	}

	for _, callID := range order {
		fn(callID, last[callID])
	}
	return nil
}
